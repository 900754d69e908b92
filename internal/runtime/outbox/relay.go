package outbox

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	"github.com/drblury/outboxflow/internal/runtime/logging"
	"github.com/drblury/outboxflow/internal/runtime/metadata"
)

const (
	DefaultRelayInterval = time.Second
	DefaultBatchLimit    = 1000
)

// CycleResult summarises one relay cycle.
type CycleResult struct {
	Selected int
	Relayed  int
	Failed   int
	Pending  int64
	Duration time.Duration
}

// Relay moves committed outbox rows to the broker. Delivery is at least once:
// rows are deleted by id only after the broker accepted them, so a crash in
// between republishes them on the next cycle.
type Relay struct {
	store     *Store
	publisher message.Publisher
	logger    logging.ServiceLogger
	metrics   *RelayMetrics

	interval   time.Duration
	batchLimit int

	cycleMu sync.Mutex

	lifecycleMu sync.Mutex
	stop        chan struct{}
	done        chan struct{}
}

// RelayOption customises a Relay.
type RelayOption func(*Relay)

func WithInterval(d time.Duration) RelayOption {
	return func(r *Relay) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchLimit(n int) RelayOption {
	return func(r *Relay) {
		if n > 0 {
			r.batchLimit = n
		}
	}
}

func WithLogger(log logging.ServiceLogger) RelayOption {
	return func(r *Relay) { r.logger = logging.OrNop(log) }
}

func WithMetrics(m *RelayMetrics) RelayOption {
	return func(r *Relay) { r.metrics = m }
}

func NewRelay(store *Store, publisher message.Publisher, opts ...RelayOption) *Relay {
	if store == nil {
		panic(errspkg.ErrStoreRequired)
	}
	if publisher == nil {
		panic(errspkg.ErrPublisherRequired)
	}
	r := &Relay{
		store:      store,
		publisher:  publisher,
		logger:     logging.NopLogger(),
		interval:   DefaultRelayInterval,
		batchLimit: DefaultBatchLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logging.LogFields{"component": "outbox_relay", "table": store.Table()})
	return r
}

// RunOnce performs a single cycle. A cycle already in flight makes it return
// ErrCycleInProgress without touching any row. Publish failures are logged,
// counted and retried next cycle; only read failures are returned.
func (r *Relay) RunOnce(ctx context.Context) (result CycleResult, err error) {
	if !r.cycleMu.TryLock() {
		return CycleResult{}, errspkg.ErrCycleInProgress
	}
	defer r.cycleMu.Unlock()

	start := time.Now()
	defer func() {
		result.Duration = time.Since(start)
		r.metrics.recordCycle(result.Duration)
	}()

	rows, err := r.store.SelectPending(ctx, r.batchLimit)
	if err != nil {
		r.logger.Error("Failed to read outbox rows", err, nil)
		return result, err
	}
	result.Selected = len(rows)
	if len(rows) == 0 {
		r.metrics.setPending(0)
		return result, nil
	}

	topics, groups := groupRows(rows)
	for _, topic := range topics {
		group := groups[topic]
		if r.relayGroup(ctx, topic, group) {
			result.Relayed += len(group)
		} else {
			result.Failed += len(group)
		}
	}

	if pending, countErr := r.store.Count(ctx); countErr == nil {
		result.Pending = pending
		r.metrics.setPending(pending)
	}
	r.logger.Debug("Relay cycle finished", logging.LogFields{
		"selected": result.Selected,
		"relayed":  result.Relayed,
		"failed":   result.Failed,
		"pending":  result.Pending,
	})
	return result, nil
}

func (r *Relay) relayGroup(ctx context.Context, topic string, group []Row) bool {
	msgs := make([]*message.Message, len(group))
	ids := make([]int64, len(group))
	for i, row := range group {
		msg := row.Envelope().Message()
		msg.Metadata.Set(metadata.KeyOutboxID, strconv.FormatInt(row.ID, 10))
		msgs[i] = msg
		ids[i] = row.ID
	}

	if err := r.publisher.Publish(topic, msgs...); err != nil {
		r.logger.Error("Failed to relay outbox rows", &errspkg.DeliveryError{Topic: topic, Count: len(group), Err: err}, logging.LogFields{
			"topic":    topic,
			"rows":     len(group),
			"first_id": ids[0],
			"last_id":  ids[len(ids)-1],
		})
		r.metrics.recordFailed(topic, len(group))
		return false
	}

	if _, err := r.store.DeleteByIDs(ctx, ids); err != nil {
		r.logger.Error("Failed to delete relayed outbox rows", err, logging.LogFields{
			"topic": topic,
			"rows":  len(group),
		})
	}
	r.metrics.recordRelayed(topic, len(group))
	return true
}

// groupRows keeps selection order between and within topics.
func groupRows(rows []Row) ([]string, map[string][]Row) {
	var topics []string
	groups := make(map[string][]Row)
	for _, row := range rows {
		if _, seen := groups[row.Topic]; !seen {
			topics = append(topics, row.Topic)
		}
		groups[row.Topic] = append(groups[row.Topic], row)
	}
	return topics, groups
}

// Start runs a cycle immediately and then every interval until Stop is called
// or ctx is cancelled. Cycles run on a context detached from ctx so a cycle
// that already published still deletes its rows.
func (r *Relay) Start(ctx context.Context) error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.stop != nil {
		return errors.New("outboxflow: relay already running")
	}
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.loop(ctx, r.stop, r.done)
	r.logger.Info("Outbox relay started", logging.LogFields{
		"interval":    r.interval.String(),
		"batch_limit": r.batchLimit,
	})
	return nil
}

func (r *Relay) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	cycleCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if _, err := r.RunOnce(cycleCtx); err != nil && !errors.Is(err, errspkg.ErrCycleInProgress) {
			r.logger.Debug("Relay cycle aborted", logging.LogFields{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

// Stop signals the loop and waits for the in-flight cycle, or for ctx.
func (r *Relay) Stop(ctx context.Context) error {
	r.lifecycleMu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.lifecycleMu.Unlock()
	if stop == nil {
		return nil
	}

	close(stop)
	select {
	case <-done:
		r.logger.Info("Outbox relay stopped", nil)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
