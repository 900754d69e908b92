package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outboxflow/transport"
)

const defaultRetrySleep = 100 * time.Millisecond

// GroupFactory can be replaced in tests.
var GroupFactory = func(brokers []string, group string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
	return sarama.NewConsumerGroup(brokers, group, cfg)
}

// BatchConsumer reads a topic through its own consumer group and collects
// batches straight from each partition claim. The watermill subscriber holds
// back the next record until the current one is acked, so batching on top of
// it never gets past one message.
//
// Offsets are marked once handle accepts a batch. A rejected batch is handed
// to handle again after RetrySleep until it succeeds or the session ends.
type BatchConsumer struct {
	Brokers       []string
	ConsumerGroup string
	Config        *sarama.Config
	Unmarshaler   kafka.Unmarshaler
	Logger        watermill.LoggerAdapter
	RetrySleep    time.Duration
}

func (c *BatchConsumer) ConsumeBatches(ctx context.Context, topic string, opts transport.BatchOptions, handle transport.BatchFunc) error {
	logger := c.Logger
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	fields := watermill.LogFields{"topic": topic, "consumer_group": c.ConsumerGroup}

	group, err := GroupFactory(c.Brokers, c.ConsumerGroup, c.Config)
	if err != nil {
		return err
	}
	errsDone := make(chan struct{})
	errsCtx, stopErrs := context.WithCancel(context.Background())
	go func() {
		defer close(errsDone)
		for {
			select {
			case err, ok := <-group.Errors():
				if !ok {
					return
				}
				logger.Error("Consumer group error", err, fields)
			case <-errsCtx.Done():
				return
			}
		}
	}()
	defer func() {
		stopErrs()
		<-errsDone
		if err := group.Close(); err != nil {
			logger.Info("Consumer group closed with error", fields.Add(watermill.LogFields{"err": err.Error()}))
		}
	}()

	handler := &batchGroupHandler{
		opts:        opts,
		handle:      handle,
		unmarshaler: c.unmarshaler(),
		logger:      logger,
		fields:      fields,
		retrySleep:  c.RetrySleep,
	}
	if handler.retrySleep <= 0 {
		handler.retrySleep = defaultRetrySleep
	}

	for {
		if err := group.Consume(ctx, []string{topic}, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		// Consume returns on every rebalance.
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *BatchConsumer) unmarshaler() kafka.Unmarshaler {
	if c.Unmarshaler == nil {
		return KeyedMarshaler{}
	}
	return c.Unmarshaler
}

type batchGroupHandler struct {
	opts        transport.BatchOptions
	handle      transport.BatchFunc
	unmarshaler kafka.Unmarshaler
	logger      watermill.LoggerAdapter
	fields      watermill.LogFields
	retrySleep  time.Duration
}

func (h *batchGroupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *batchGroupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *batchGroupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for {
		records, open := h.collect(ctx, claim.Messages())
		if len(records) > 0 {
			if err := h.flush(ctx, sess, records); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		if !open {
			return nil
		}
	}
}

// collect waits for the first record, then gathers more until the batch is
// full or MaxWait elapses.
func (h *batchGroupHandler) collect(ctx context.Context, in <-chan *sarama.ConsumerMessage) (records []*sarama.ConsumerMessage, open bool) {
	select {
	case rec, ok := <-in:
		if !ok {
			return nil, false
		}
		records = append(records, rec)
	case <-ctx.Done():
		return nil, false
	}

	timer := time.NewTimer(h.opts.MaxWait)
	defer timer.Stop()
	for len(records) < h.opts.MaxSize {
		select {
		case rec, ok := <-in:
			if !ok {
				return records, false
			}
			records = append(records, rec)
		case <-timer.C:
			return records, true
		case <-ctx.Done():
			// unmarked records are redelivered to the next owner
			return nil, false
		}
	}
	return records, true
}

// flush hands records to the batch function until it accepts them, then marks
// their offsets. It gives up with the session context.
func (h *batchGroupHandler) flush(ctx context.Context, sess sarama.ConsumerGroupSession, records []*sarama.ConsumerMessage) error {
	msgs := make([]*message.Message, len(records))
	for i, rec := range records {
		msg, err := h.unmarshaler.Unmarshal(rec)
		if err != nil {
			return err
		}
		msgs[i] = msg
	}

	for {
		batchCtx, cancel := context.WithCancel(ctx)
		for _, msg := range msgs {
			msg.SetContext(batchCtx)
		}
		err := h.handle(batchCtx, msgs)
		cancel()
		if err == nil {
			break
		}
		h.logger.Debug("Batch rejected, retrying", h.fields.Add(watermill.LogFields{
			"err":       err.Error(),
			"size":      len(msgs),
			"partition": records[0].Partition,
		}))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.retrySleep):
		}
	}

	for _, rec := range records {
		sess.MarkMessage(rec, "")
	}
	return nil
}

// NewBatchConsumer builds the batch consumer used by Build for cfg's group.
func NewBatchConsumer(cfg transport.Config, logger watermill.LoggerAdapter) *BatchConsumer {
	return &BatchConsumer{
		Brokers:       cfg.GetKafkaBrokers(),
		ConsumerGroup: cfg.GetKafkaConsumerGroup(),
		Config:        subscriberSaramaConfig(cfg.GetKafkaClientID()),
		Unmarshaler:   KeyedMarshaler{},
		Logger:        logger,
	}
}
