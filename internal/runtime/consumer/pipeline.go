package consumer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/outboxflow/internal/runtime/codec"
	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	"github.com/drblury/outboxflow/internal/runtime/instrument"
	"github.com/drblury/outboxflow/internal/runtime/logging"
)

// Decoder is the subset of codec.Codec a pipeline needs.
type Decoder interface {
	Decode(ctx context.Context, data []byte, ref codec.SchemaRef) (any, error)
}

// Settings are the read-only collaborators shared by Pipeline and
// BatchPipeline. None of them is mutated while processing, so one pipeline can
// serve several partitions concurrently.
type Settings struct {
	// Name identifies the handler in logs and errors.
	Name      string
	Codec     Decoder
	Schema    codec.SchemaRef
	KeySchema *codec.SchemaRef
	Logger    logging.ServiceLogger
	Metrics   *Metrics
	Tracer    trace.Tracer
	// ReportLag publishes the broker-timestamp lag gauge.
	ReportLag bool
	// Now defaults to time.Now.
	Now func() time.Time
}

func (s *Settings) logger() logging.ServiceLogger {
	return logging.OrNop(s.Logger)
}

func (s *Settings) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Settings) reportLag(md Metadata) {
	if !s.ReportLag || md.Timestamp.IsZero() {
		return
	}
	s.Metrics.recordLag(md, s.now().Sub(md.Timestamp))
}

// decode turns a raw message into a Message. Keys are decoded only when a
// key schema is configured; empty values stay nil.
func (s *Settings) decode(ctx context.Context, raw RawMessage) (Message, error) {
	msg := Message{RawKey: raw.Key, RawValue: raw.Value, Metadata: raw.Metadata}
	if len(raw.Key) > 0 {
		if s.KeySchema != nil {
			key, err := s.decodeWith(ctx, raw.Key, *s.KeySchema)
			if err != nil {
				return Message{}, err
			}
			msg.Key = key
		} else {
			msg.Key = string(raw.Key)
		}
	}
	if len(raw.Value) > 0 {
		value, err := s.decodeWith(ctx, raw.Value, s.Schema)
		if err != nil {
			return Message{}, err
		}
		msg.Value = value
	}
	return msg, nil
}

func (s *Settings) decodeWith(ctx context.Context, data []byte, ref codec.SchemaRef) (any, error) {
	if s.Codec == nil {
		return nil, &errspkg.DecodingError{Schema: ref.FullName(), Err: errspkg.ErrCodecRequired}
	}
	value, err := s.Codec.Decode(ctx, data, ref)
	if err == nil {
		return value, nil
	}
	var decodeErr *errspkg.DecodingError
	if errors.As(err, &decodeErr) {
		return nil, err
	}
	return nil, &errspkg.DecodingError{Schema: ref.FullName(), Err: err}
}

func (s *Settings) handlerError(topic string, err error) error {
	var handlerErr *errspkg.HandlerError
	if errors.As(err, &handlerErr) {
		return err
	}
	return &errspkg.HandlerError{Handler: s.Name, Topic: topic, Err: err}
}

func spanAttributes(md Metadata) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("messaging.destination.name", md.Topic),
		attribute.Int("messaging.kafka.destination.partition", int(md.Partition)),
		attribute.Int64("messaging.kafka.message.offset", md.Offset),
		attribute.String("messaging.kafka.message.key", md.Key),
	}
}

// Pipeline runs one message through Received, Decoding and Dispatching and
// reports the outcome. Failures are returned to the caller, never retried.
type Pipeline struct {
	Settings
	Handler Handler
}

func (p *Pipeline) Process(ctx context.Context, raw RawMessage) error {
	md := raw.Metadata
	log := p.logger()

	log.Info("Received message", logging.LogFields{
		"handler":  p.Name,
		"payload":  string(raw.Value),
		"metadata": md.fields(),
	})
	p.Metrics.recordReceived(md.Topic, 1)
	p.reportLag(md)

	msg, err := p.decode(ctx, raw)
	if err != nil {
		return p.fail(log, raw, err)
	}
	if p.Handler == nil {
		return p.fail(log, raw, p.handlerError(md.Topic, errspkg.ErrHandlerRequired))
	}

	elapsed, err := instrument.Measure(ctx, p.Tracer, "consume "+md.Topic, spanAttributes(md), func(ctx context.Context) error {
		return p.Handler.Consume(ctx, msg)
	})
	if err != nil {
		return p.fail(log, raw, p.handlerError(md.Topic, err))
	}

	p.Metrics.recordSuccess(md.Topic, 1, elapsed)
	log.Info("Finished processing message", logging.LogFields{
		"handler":      p.Name,
		"payload":      string(raw.Value),
		"time_elapsed": elapsed.Seconds(),
		"metadata":     md.fields(),
	})
	return nil
}

func (p *Pipeline) fail(log logging.ServiceLogger, raw RawMessage, err error) error {
	p.Metrics.recordFailure(raw.Metadata.Topic, 1, err)
	log.Error("Error consuming message", err, logging.LogFields{
		"handler":  p.Name,
		"payload":  string(raw.Value),
		"metadata": raw.Metadata.fields(),
		"kind":     string(errspkg.Classify(err)),
	})
	return err
}

// BatchPipeline runs an ordered batch as one unit. Every message is decoded
// before the handler runs and the first failure fails the whole batch.
type BatchPipeline struct {
	Settings
	Handler BatchHandler
}

func (p *BatchPipeline) ProcessBatch(ctx context.Context, raws []RawMessage) error {
	if len(raws) == 0 {
		return nil
	}
	md := batchMetadata(raws)
	log := p.logger()
	fields := logging.LogFields{
		"handler":    p.Name,
		"batch_size": len(raws),
		"metadata":   md.fields(),
	}

	log.Info("Received message batch", fields)
	p.Metrics.recordReceived(md.Topic, len(raws))
	p.reportLag(raws[len(raws)-1].Metadata)

	msgs := make([]Message, len(raws))
	for i, raw := range raws {
		msg, err := p.decode(ctx, raw)
		if err != nil {
			return p.fail(log, fields, raws, fmt.Errorf("batch message %d at offset %d: %w", i, raw.Metadata.Offset, err))
		}
		msgs[i] = msg
	}
	if p.Handler == nil {
		return p.fail(log, fields, raws, p.handlerError(md.Topic, errspkg.ErrHandlerRequired))
	}

	elapsed, err := instrument.Measure(ctx, p.Tracer, "consume batch "+md.Topic, append(spanAttributes(md),
		attribute.Int("messaging.batch.message_count", len(raws)),
	), func(ctx context.Context) error {
		return p.Handler.ConsumeBatch(ctx, msgs)
	})
	if err != nil {
		return p.fail(log, fields, raws, p.handlerError(md.Topic, err))
	}

	p.Metrics.recordSuccess(md.Topic, len(raws), elapsed)
	done := logging.LogFields{"time_elapsed": elapsed.Seconds()}
	for k, v := range fields {
		done[k] = v
	}
	log.Info("Finished processing message batch", done)
	return nil
}

func (p *BatchPipeline) fail(log logging.ServiceLogger, fields logging.LogFields, raws []RawMessage, err error) error {
	p.Metrics.recordFailure(raws[0].Metadata.Topic, len(raws), err)
	payloads := make([]string, len(raws))
	for i, raw := range raws {
		payloads[i] = string(raw.Value)
	}
	failed := logging.LogFields{"kind": string(errspkg.Classify(err)), "payloads": payloads}
	for k, v := range fields {
		failed[k] = v
	}
	log.Error("Error consuming batch", err, failed)
	return err
}

// batchMetadata describes a batch by its first message.
func batchMetadata(raws []RawMessage) Metadata {
	md := raws[0].Metadata
	md.FirstOffset = md.Offset
	md.Offset = raws[len(raws)-1].Metadata.Offset
	md.Key = ""
	return md
}
