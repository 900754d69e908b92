package kafka

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outboxflow/internal/runtime/metadata"
	"github.com/drblury/outboxflow/transport"
	"github.com/drblury/outboxflow/transport/transporttest"
)

type fakeSession struct {
	ctx context.Context

	mu     sync.Mutex
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32                       { return nil }
func (s *fakeSession) MemberID() string                                 { return "member-1" }
func (s *fakeSession) GenerationID() int32                              { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)          {}
func (s *fakeSession) Commit()                                          {}
func (s *fakeSession) ResetOffset(string, int32, int64, string)         {}
func (s *fakeSession) Context() context.Context                         { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) { s.mark(msg.Offset) }

func (s *fakeSession) mark(offset int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, offset)
}

func (s *fakeSession) markedOffsets() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.marked...)
}

type fakeClaim struct {
	ch chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return "widgets" }
func (c *fakeClaim) Partition() int32                         { return 2 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return int64(cap(c.ch)) }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.ch }

func widgetRecords(n int) []*sarama.ConsumerMessage {
	records := make([]*sarama.ConsumerMessage, n)
	for i := range records {
		records[i] = &sarama.ConsumerMessage{
			Topic:     "widgets",
			Partition: 2,
			Offset:    int64(i),
			Key:       []byte(fmt.Sprint(i)),
			Value:     []byte(fmt.Sprintf(`{"widget_id":%d}`, i)),
		}
	}
	return records
}

type batchSizes struct {
	mu      sync.Mutex
	sizes   []int
	keys    [][]string
	failFor int
}

func (b *batchSizes) handle(_ context.Context, msgs []*message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sizes = append(b.sizes, len(msgs))
	keys := make([]string, len(msgs))
	for i, msg := range msgs {
		keys[i] = msg.Metadata.Get(metadata.KeyPartitionKey)
	}
	b.keys = append(b.keys, keys)
	if b.failFor > 0 {
		b.failFor--
		return errors.New("batch rejected")
	}
	return nil
}

func (b *batchSizes) snapshot() []int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]int(nil), b.sizes...)
}

func newBatchGroupHandler(opts transport.BatchOptions, fn transport.BatchFunc) *batchGroupHandler {
	return &batchGroupHandler{
		opts:        opts,
		handle:      fn,
		unmarshaler: KeyedMarshaler{},
		logger:      watermill.NopLogger{},
		fields:      watermill.LogFields{},
		retrySleep:  time.Millisecond,
	}
}

func TestBatchHandlerCollectsWithoutWaitingForAcks(t *testing.T) {
	rec := &batchSizes{}
	h := newBatchGroupHandler(transport.BatchOptions{MaxSize: 5, MaxWait: 200 * time.Millisecond}, rec.handle)

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 5)}
	for _, r := range widgetRecords(5) {
		claim.ch <- r
	}
	close(claim.ch)
	sess := &fakeSession{ctx: context.Background()}

	start := time.Now()
	require.NoError(t, h.ConsumeClaim(sess, claim))
	assert.Less(t, time.Since(start), 200*time.Millisecond)

	assert.Equal(t, []int{5}, rec.snapshot())
	assert.Equal(t, []string{"0", "1", "2", "3", "4"}, rec.keys[0])
	assert.Equal(t, []int64{0, 1, 2, 3, 4}, sess.markedOffsets())
}

func TestBatchHandlerFlushesOnWait(t *testing.T) {
	rec := &batchSizes{}
	h := newBatchGroupHandler(transport.BatchOptions{MaxSize: 10, MaxWait: 20 * time.Millisecond}, rec.handle)

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 2)}
	for _, r := range widgetRecords(2) {
		claim.ch <- r
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(sess, claim) }()

	require.Eventually(t, func() bool { return len(sess.markedOffsets()) == 2 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{2}, rec.snapshot())

	cancel()
	require.NoError(t, <-done)
}

func TestBatchHandlerRetriesRejectedBatch(t *testing.T) {
	rec := &batchSizes{failFor: 2}
	h := newBatchGroupHandler(transport.BatchOptions{MaxSize: 3, MaxWait: time.Hour}, rec.handle)

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 3)}
	for _, r := range widgetRecords(3) {
		claim.ch <- r
	}
	close(claim.ch)
	sess := &fakeSession{ctx: context.Background()}

	require.NoError(t, h.ConsumeClaim(sess, claim))
	assert.Equal(t, []int{3, 3, 3}, rec.snapshot())
	assert.Equal(t, []int64{0, 1, 2}, sess.markedOffsets())
}

func TestBatchHandlerLeavesRejectedBatchUnmarkedOnSessionEnd(t *testing.T) {
	rec := &batchSizes{failFor: 1 << 30}
	h := newBatchGroupHandler(transport.BatchOptions{MaxSize: 2, MaxWait: time.Hour}, rec.handle)

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 2)}
	for _, r := range widgetRecords(2) {
		claim.ch <- r
	}
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(sess, claim) }()

	require.Eventually(t, func() bool { return len(rec.snapshot()) >= 2 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, sess.markedOffsets())
}

func TestBatchHandlerDropsPartialBatchOnSessionEnd(t *testing.T) {
	rec := &batchSizes{}
	h := newBatchGroupHandler(transport.BatchOptions{MaxSize: 10, MaxWait: time.Hour}, rec.handle)

	claim := &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 1)}
	claim.ch <- widgetRecords(1)[0]
	ctx, cancel := context.WithCancel(context.Background())
	sess := &fakeSession{ctx: ctx}

	done := make(chan error, 1)
	go func() { done <- h.ConsumeClaim(sess, claim) }()

	require.Eventually(t, func() bool { return len(claim.ch) == 0 }, 5*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, rec.snapshot())
	assert.Empty(t, sess.markedOffsets())
}

// fakeGroup runs one claim per Consume call until ctx is done.
type fakeGroup struct {
	sarama.ConsumerGroup

	claim  *fakeClaim
	errs   chan error
	topics []string
	closed bool
}

func (g *fakeGroup) Consume(ctx context.Context, topics []string, handler sarama.ConsumerGroupHandler) error {
	g.topics = topics
	sess := &fakeSession{ctx: ctx}
	if err := handler.Setup(sess); err != nil {
		return err
	}
	if err := handler.ConsumeClaim(sess, g.claim); err != nil {
		return err
	}
	<-ctx.Done()
	return handler.Cleanup(sess)
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	g.closed = true
	return nil
}

func swapGroupFactory(t *testing.T) {
	t.Helper()
	orig := GroupFactory
	t.Cleanup(func() { GroupFactory = orig })
}

func TestBatchConsumerConsumeBatches(t *testing.T) {
	swapGroupFactory(t)
	group := &fakeGroup{claim: &fakeClaim{ch: make(chan *sarama.ConsumerMessage, 4)}, errs: make(chan error)}
	for _, r := range widgetRecords(4) {
		group.claim.ch <- r
	}
	close(group.claim.ch)

	GroupFactory = func(brokers []string, name string, cfg *sarama.Config) (sarama.ConsumerGroup, error) {
		assert.Equal(t, []string{"localhost:9092"}, brokers)
		assert.Equal(t, "widgets-consumers", name)
		assert.Equal(t, sarama.OffsetOldest, cfg.Consumer.Offsets.Initial)
		return group, nil
	}

	c := NewBatchConsumer(&transporttest.Config{
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaConsumerGroup: "widgets-consumers",
	}, watermill.NopLogger{})

	rec := &batchSizes{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- c.ConsumeBatches(ctx, "widgets", transport.BatchOptions{MaxSize: 4, MaxWait: time.Hour}, rec.handle)
	}()

	require.Eventually(t, func() bool { return len(rec.snapshot()) == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int{4}, rec.snapshot())
	assert.Equal(t, []string{"widgets"}, group.topics)
	assert.True(t, group.closed)
}

func TestBatchConsumerGroupError(t *testing.T) {
	swapGroupFactory(t)
	GroupFactory = func([]string, string, *sarama.Config) (sarama.ConsumerGroup, error) {
		return nil, errors.New("no brokers")
	}
	c := &BatchConsumer{}
	err := c.ConsumeBatches(context.Background(), "widgets", transport.BatchOptions{MaxSize: 1, MaxWait: time.Second}, func(context.Context, []*message.Message) error { return nil })
	assert.ErrorContains(t, err, "no brokers")
}
