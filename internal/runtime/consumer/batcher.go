package consumer

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	"github.com/drblury/outboxflow/internal/runtime/logging"
	"github.com/drblury/outboxflow/transport"
)

const (
	DefaultMaxBatchSize = 100
	DefaultMaxBatchWait = time.Second
)

// Batcher subscribes to a topic and feeds a BatchPipeline. A batch closes when
// it reaches MaxBatchSize messages or MaxBatchWait after its first message.
// Every message of a successful batch is acked; a failed batch is nacked as a
// whole so the subscriber redelivers it.
//
// Subscribers that hold back the next message until the previous one is acked
// yield batches of one. Such transports provide a transport.BatchSource, which
// takes over collection and commits whole batches when set.
type Batcher struct {
	subscriber message.Subscriber
	source     transport.BatchSource
	topic      string
	pipeline   *BatchPipeline
	maxSize    int
	maxWait    time.Duration
	logger     logging.ServiceLogger
}

type BatcherOption func(*Batcher)

func WithMaxBatchSize(n int) BatcherOption {
	return func(b *Batcher) {
		if n > 0 {
			b.maxSize = n
		}
	}
}

func WithMaxBatchWait(d time.Duration) BatcherOption {
	return func(b *Batcher) {
		if d > 0 {
			b.maxWait = d
		}
	}
}

// WithBatchSource makes the batcher consume through src instead of the
// subscriber.
func WithBatchSource(src transport.BatchSource) BatcherOption {
	return func(b *Batcher) { b.source = src }
}

func WithBatcherLogger(log logging.ServiceLogger) BatcherOption {
	return func(b *Batcher) { b.logger = logging.OrNop(log) }
}

// NewBatcher panics unless it has a topic, a pipeline and either subscriber
// or a WithBatchSource option.
func NewBatcher(subscriber message.Subscriber, topic string, pipeline *BatchPipeline, opts ...BatcherOption) *Batcher {
	if topic == "" {
		panic(errspkg.ErrTopicRequired)
	}
	if pipeline == nil {
		panic("outboxflow: batcher requires a batch pipeline")
	}
	b := &Batcher{
		subscriber: subscriber,
		topic:      topic,
		pipeline:   pipeline,
		maxSize:    DefaultMaxBatchSize,
		maxWait:    DefaultMaxBatchWait,
		logger:     logging.NopLogger(),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.subscriber == nil && b.source == nil {
		panic("outboxflow: batcher requires a subscriber")
	}
	return b
}

func (b *Batcher) Topic() string { return b.topic }

// Run consumes until ctx is cancelled or the subscription closes. A partly
// collected batch is nacked on cancellation.
func (b *Batcher) Run(ctx context.Context) error {
	log := b.logger.With(logging.LogFields{"topic": b.topic, "handler": b.pipeline.Name})
	if b.source != nil {
		log.Info("Batch consumer started", logging.LogFields{"max_batch_size": b.maxSize, "max_batch_wait": b.maxWait.String(), "source": "batch"})
		opts := transport.BatchOptions{MaxSize: b.maxSize, MaxWait: b.maxWait}
		err := b.source.ConsumeBatches(ctx, b.topic, opts, b.process)
		log.Info("Batch consumer stopped", nil)
		return err
	}

	in, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return err
	}
	log.Info("Batch consumer started", logging.LogFields{"max_batch_size": b.maxSize, "max_batch_wait": b.maxWait.String()})

	for {
		batch, open := b.collect(ctx, in)
		if len(batch) > 0 {
			b.flush(ctx, batch)
		}
		if !open {
			log.Info("Batch consumer stopped", nil)
			return nil
		}
	}
}

// collect blocks for the first message, then gathers more until the batch is
// full or the wait elapses. open is false once no further batches will come.
func (b *Batcher) collect(ctx context.Context, in <-chan *message.Message) (batch []*message.Message, open bool) {
	select {
	case msg, ok := <-in:
		if !ok {
			return nil, false
		}
		batch = append(batch, msg)
	case <-ctx.Done():
		return nil, false
	}

	timer := time.NewTimer(b.maxWait)
	defer timer.Stop()
	for len(batch) < b.maxSize {
		select {
		case msg, ok := <-in:
			if !ok {
				return batch, false
			}
			batch = append(batch, msg)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			nackAll(batch)
			return nil, false
		}
	}
	return batch, true
}

func (b *Batcher) flush(ctx context.Context, batch []*message.Message) {
	if err := b.process(ctx, batch); err != nil {
		nackAll(batch)
		return
	}
	for _, msg := range batch {
		msg.Ack()
	}
}

func (b *Batcher) process(ctx context.Context, batch []*message.Message) error {
	raws := make([]RawMessage, len(batch))
	for i, msg := range batch {
		raws[i] = RawFromWatermill(b.topic, msg)
	}
	return b.pipeline.ProcessBatch(ctx, raws)
}

func nackAll(batch []*message.Message) {
	for _, msg := range batch {
		msg.Nack()
	}
}
