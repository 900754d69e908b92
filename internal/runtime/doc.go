/*
Package runtime wires the outboxflow publish and consume pipelines.

# Architecture Overview

A record change travels through the source hook, the envelope builder and
one publish backend. The direct backend hands envelopes to the broker
publisher, after commit when the caller runs in a transaction. The outbox
backend inserts them as rows in the caller's transaction and a relay
publishes and deletes those rows later.

Consumption runs on a Watermill router. Each handler decodes the message
with the configured codec and runs it through an instrumented pipeline that
logs, measures and traces every outcome without crashing the consumer.

# Package Structure

## Core Service (service.go)

The Service builds the broker transport, the codec, the publish backend,
the outbox relay and the router from a Config. Start runs the relay, the
batch consumers and the router; Close stops them in that order.

## Registration (registration.go)

RegisterConsumer and RegisterBatchConsumer attach handlers to topics.
RegisterListeners does the same for every listener of the configuration.

## Middleware (middleware.go)

The default router chain:
  - CorrelationID: stamps a correlation identifier
  - LogMessages: trace logging of each message
  - Tracer: one consumer span per message
  - Metrics: Watermill router metrics and the /metrics endpoint
  - PoisonQueue: forwards failed messages when configured
  - Retry: exponential backoff when configured
  - Recoverer: turns panics into errors

## Publishing (publisher.go)

Record hooks and transactions exposed on the Service.

# Sub-packages

  - codec/: JSON, protobuf and Avro codecs plus schema registries
  - config/: service configuration with validation
  - consumer/: decode, dispatch and batch pipelines
  - envelope/: envelopes and the builder that derives them from changes
  - errors/: sentinel errors and the failure taxonomy
  - outbox/: outbox store, transactions and the relay
  - publish/: direct, outbox and disabled backends
  - source/: the record change hook
  - instrument/, promreg/: tracing and metric registration helpers
  - ids/, jsoncodec/, logging/, metadata/: shared utilities

# Usage Example

	cfg := &outboxflow.Config{
		PubSubSystem:   "kafka",
		KafkaBrokers:   []string{"localhost:9092"},
		PublishBackend: outboxflow.BackendOutbox,
		OutboxDialect:  outboxflow.DialectPostgres,
		OutboxDSN:      dsn,
		Codec:          outboxflow.CodecJSON,
	}

	svc, err := outboxflow.NewService(cfg, logger, ctx, outboxflow.ServiceDependencies{DB: db})
	if err != nil {
		return err
	}

	err = svc.InTx(ctx, func(ctx context.Context) error {
		if err := saveWidget(ctx, w); err != nil {
			return err
		}
		return svc.Created(ctx, w)
	})
*/
package runtime
