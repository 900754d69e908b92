package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outboxflow/internal/runtime/codec"
	configpkg "github.com/drblury/outboxflow/internal/runtime/config"
	"github.com/drblury/outboxflow/internal/runtime/consumer"
	"github.com/drblury/outboxflow/internal/runtime/envelope"
	loggingpkg "github.com/drblury/outboxflow/internal/runtime/logging"
	_ "github.com/drblury/outboxflow/transport/channel"
)

var widgetSchema = codec.SchemaRef{Namespace: "com.acme", Name: "Widget"}

type widget struct {
	id   int
	name string
}

func (w widget) ProducerBindings() []envelope.Binding {
	return []envelope.Binding{{Topic: "widgets", Namespace: "com.acme", Schema: "Widget", KeyField: "id"}}
}

func (w widget) Attributes() envelope.Attributes {
	return envelope.Attributes{"id": w.id, "name": w.name}
}

// newTestService builds a service on the channel transport with the JSON
// codec, a private registry and no relay. mutate runs before NewService.
func newTestService(t *testing.T, mutate ...func(*configpkg.Config, *ServiceDependencies)) *Service {
	t.Helper()
	conf := &configpkg.Config{Codec: configpkg.CodecJSON}
	deps := ServiceDependencies{Registerer: prometheus.NewRegistry()}
	for _, m := range mutate {
		m(conf, &deps)
	}

	svc, err := NewService(conf, loggingpkg.NopLogger(), context.Background(), deps)
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

var dbSeq atomic.Int64

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:runtime_test_%d?mode=memory&cache=shared", dbSeq.Add(1))
	db, err := sql.Open("sqlite3", dsn)
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func withOutbox(db *sql.DB) func(*configpkg.Config, *ServiceDependencies) {
	return func(conf *configpkg.Config, deps *ServiceDependencies) {
		conf.PublishBackend = configpkg.BackendOutbox
		conf.OutboxDialect = configpkg.DialectSQLite
		conf.OutboxDSN = "unused"
		conf.RelayInterval = 20 * time.Millisecond
		deps.DB = db
	}
}

// startService runs Start in the background and waits for the router.
func startService(t *testing.T, svc *Service) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Start(ctx) }()

	select {
	case <-svc.Running():
	case err := <-done:
		cancel()
		t.Fatalf("service stopped before running: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("service did not start")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
		}
	})
	return cancel
}

type collectingHandler struct {
	mu   sync.Mutex
	msgs []consumer.Message
	got  chan struct{}
	err  error
}

func newCollectingHandler() *collectingHandler {
	return &collectingHandler{got: make(chan struct{}, 16)}
}

func (h *collectingHandler) Consume(_ context.Context, msg consumer.Message) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	err := h.err
	h.mu.Unlock()
	h.got <- struct{}{}
	return err
}

func (h *collectingHandler) ConsumeBatch(ctx context.Context, msgs []consumer.Message) error {
	for _, msg := range msgs {
		if err := h.Consume(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (h *collectingHandler) wait(t *testing.T, n int) []consumer.Message {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-h.got:
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of %d messages", i, n)
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]consumer.Message(nil), h.msgs...)
}

type logEntry struct {
	level  string
	msg    string
	fields loggingpkg.LogFields
}

type capturingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *capturingLogger) record(level, msg string, fields loggingpkg.LogFields) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, logEntry{level: level, msg: msg, fields: fields})
}

func (c *capturingLogger) With(loggingpkg.LogFields) loggingpkg.ServiceLogger { return c }

func (c *capturingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	c.record("debug", msg, fields)
}

func (c *capturingLogger) Info(msg string, fields loggingpkg.LogFields) {
	c.record("info", msg, fields)
}

func (c *capturingLogger) Error(msg string, _ error, fields loggingpkg.LogFields) {
	c.record("error", msg, fields)
}

func (c *capturingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	c.record("trace", msg, fields)
}

func (c *capturingLogger) find(msg string) []logEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []logEntry
	for _, e := range c.entries {
		if e.msg == msg {
			out = append(out, e)
		}
	}
	return out
}
