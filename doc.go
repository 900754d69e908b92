// Package outboxflow publishes database record changes to a message broker
// and consumes them on the other side. It sits on top of Watermill: the
// broker transport (Kafka, RabbitMQ, AWS SNS/SQS, NATS, HTTP or Go channels)
// is read from Config, and the router runs the consumer handlers.
//
// Record types opt in by implementing Publishable. Each Binding names a
// topic, a schema and a key; the service encodes the record with the
// configured codec (Avro, JSON or protobuf) and hands the envelopes to the
// publish backend.
//
// # Backends
//
// The direct backend publishes to the broker immediately, or right after
// commit when the change runs inside Service.InTx. The outbox backend
// writes the envelopes to an outbox table in the same transaction as the
// record; the relay publishes those rows in insertion order and deletes them
// once the broker acknowledged them. A disabled backend drops everything,
// which is useful in tests and maintenance jobs.
//
// # Consumers
//
// RegisterConsumer and RegisterBatchConsumer decode messages with the same
// codec and call a Handler or BatchHandler. Every outcome is logged and
// measured; a failing message never stops the consumer.
// Listeners declared in Config are resolved by name through a
// HandlerRegistry with RegisterListeners.
//
// # Middleware
//
// The default chain adds correlation IDs, trace logging, OpenTelemetry spans,
// Prometheus router metrics, optional poison queue forwarding, optional
// retries with exponential backoff, and panic recovery. Custom middleware is
// appended through ServiceDependencies.Middlewares.
package outboxflow
