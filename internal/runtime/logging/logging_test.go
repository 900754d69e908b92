package logging

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntryServiceLoggerDelegates(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry)

	logger.Info("relay started", LogFields{"table": "outbox_messages"})
	child := logger.With(LogFields{"topic": "widgets"})
	child.Debug("rows selected", LogFields{"count": 3})
	boom := errors.New("broker down")
	child.Error("publish failed", boom, nil)
	child.Trace("trace", nil)

	logs := entry.recorder.logs
	require.Len(t, logs, 4)
	assert.Equal(t, "info", logs[0].level)
	assert.Equal(t, "relay started", logs[0].msg)
	assert.Equal(t, "outbox_messages", logs[0].fields["table"])
	assert.Equal(t, "widgets", logs[1].fields["topic"])
	assert.Equal(t, 3, logs[1].fields["count"])
	assert.Equal(t, "error", logs[2].level)
	assert.Same(t, boom, logs[2].err)
	assert.Equal(t, "trace", logs[3].level)
}

func TestEntryServiceLoggerWithNilFieldsReturnsSelf(t *testing.T) {
	entry := newFakeEntry()
	logger := NewEntryServiceLogger(entry)
	assert.Same(t, logger, logger.With(nil))
}

func TestConstructorsPanicOnNil(t *testing.T) {
	cases := map[string]func(){
		"watermill": func() { NewWatermillServiceLogger(nil) },
		"slog":      func() { NewSlogServiceLogger(nil) },
		"adapter":   func() { NewWatermillAdapter(nil) },
	}
	for name, fn := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Panics(t, fn)
		})
	}
}

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "relay"})
	logger.Info("info", nil)
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})
	logger.With(LogFields{"child": "yes"}).Info("child", nil)

	require.Len(t, *base.sink, 5)
	assert.Equal(t, "relay", (*base.sink)[0].fields["component"])
	assert.Nil(t, (*base.sink)[1].fields)
	assert.Equal(t, "with", (*base.sink)[3].level)
	assert.Equal(t, "yes", (*base.sink)[3].fields["child"])
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Error("err", errors.New("boom"), nil)

	child := adapter.With(watermill.LogFields{"handler": "widgets"})
	child.Info("child", nil)

	require.Len(t, base.entries, 3)
	assert.Equal(t, "v", base.entries[0].fields["k"])
	assert.Nil(t, base.entries[1].fields)

	typed, ok := child.(*watermillAdapter)
	require.True(t, ok)
	childBase, ok := typed.base.(*recordingServiceLogger)
	require.True(t, ok)
	require.Len(t, childBase.entries, 2)
	assert.Equal(t, "widgets", childBase.entries[0].fields["handler"])
}

func TestNopLoggerDiscards(t *testing.T) {
	log := NopLogger()
	log.Info("ignored", LogFields{"k": "v"})
	log.Error("ignored", errors.New("boom"), nil)
	assert.NotNil(t, log.With(LogFields{"k": "v"}))
}

func TestOrNop(t *testing.T) {
	assert.NotNil(t, OrNop(nil))

	custom := &recordingServiceLogger{}
	assert.Same(t, custom, OrNop(custom))
}

func TestNewSlogServiceLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	logger.Info("event published", LogFields{"topic": "widgets"})

	assert.Contains(t, buf.String(), "event published")
	assert.Contains(t, buf.String(), "topic=widgets")
}

type watermillEntry struct {
	level  string
	fields watermill.LogFields
	err    error
}

type recordingWatermillLogger struct {
	sink *[]watermillEntry
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	return &recordingWatermillLogger{sink: &[]watermillEntry{}}
}

func (r *recordingWatermillLogger) record(e watermillEntry) { *r.sink = append(*r.sink, e) }

func (r *recordingWatermillLogger) Error(_ string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(_ string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", fields: fields})
}

func (r *recordingWatermillLogger) Debug(_ string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", fields: fields})
}

func (r *recordingWatermillLogger) Trace(_ string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	r.record(watermillEntry{level: "with", fields: fields})
	return &recordingWatermillLogger{sink: r.sink}
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

type recordingServiceLogger struct {
	entries []loggedEntry
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	return &recordingServiceLogger{entries: []loggedEntry{{level: "with", fields: fields}}}
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}

type entryRecorder struct {
	logs []loggedEntry
}

type fakeEntry struct {
	recorder *entryRecorder
	fields   LogFields
	err      error
}

func newFakeEntry() *fakeEntry {
	return &fakeEntry{recorder: &entryRecorder{}}
}

func (f *fakeEntry) Error(args ...any) { f.append("error", args...) }
func (f *fakeEntry) Info(args ...any)  { f.append("info", args...) }
func (f *fakeEntry) Debug(args ...any) { f.append("debug", args...) }
func (f *fakeEntry) Trace(args ...any) { f.append("trace", args...) }

func (f *fakeEntry) WithError(err error) *fakeEntry {
	clone := f.clone()
	clone.err = err
	return clone
}

func (f *fakeEntry) WithField(key string, value any) *fakeEntry {
	clone := f.clone()
	clone.fields[key] = value
	return clone
}

func (f *fakeEntry) clone() *fakeEntry {
	fields := make(LogFields, len(f.fields))
	for k, v := range f.fields {
		fields[k] = v
	}
	return &fakeEntry{recorder: f.recorder, fields: fields, err: f.err}
}

func (f *fakeEntry) append(level string, args ...any) {
	f.recorder.logs = append(f.recorder.logs, loggedEntry{
		level:  level,
		msg:    fmt.Sprint(args...),
		fields: f.fields,
		err:    f.err,
	})
}
