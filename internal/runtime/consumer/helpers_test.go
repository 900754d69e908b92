package consumer

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/drblury/outboxflow/internal/runtime/codec"
	"github.com/drblury/outboxflow/internal/runtime/logging"
)

var widgetSchema = codec.SchemaRef{Namespace: "com.acme", Name: "Widget"}

type harness struct {
	metrics  *Metrics
	logger   *capturingLogger
	recorder *tracetest.SpanRecorder
	settings Settings
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	metrics, err := NewMetrics(nil)
	require.NoError(t, err)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	jsonCodec := codec.NewJSONCodec()
	jsonCodec.Require(widgetSchema, "widget_id")
	log := &capturingLogger{}

	return &harness{
		metrics:  metrics,
		logger:   log,
		recorder: recorder,
		settings: Settings{
			Name:    "widget-handler",
			Codec:   jsonCodec,
			Schema:  widgetSchema,
			Logger:  log,
			Metrics: metrics,
			Tracer:  provider.Tracer("consumer-test"),
		},
	}
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

type capturingLogger struct {
	mu      sync.Mutex
	entries []logEntry
}

func (c *capturingLogger) record(e logEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *capturingLogger) With(logging.LogFields) logging.ServiceLogger { return c }

func (c *capturingLogger) Debug(msg string, fields logging.LogFields) {
	c.record(logEntry{level: "debug", msg: msg, fields: fields})
}

func (c *capturingLogger) Info(msg string, fields logging.LogFields) {
	c.record(logEntry{level: "info", msg: msg, fields: fields})
}

func (c *capturingLogger) Error(msg string, err error, fields logging.LogFields) {
	c.record(logEntry{level: "error", msg: msg, err: err, fields: fields})
}

func (c *capturingLogger) Trace(msg string, fields logging.LogFields) {
	c.record(logEntry{level: "trace", msg: msg, fields: fields})
}

func (c *capturingLogger) messages(level string) []logEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []logEntry
	for _, e := range c.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}
