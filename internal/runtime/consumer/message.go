// Package consumer decodes incoming messages and dispatches them to
// registered handlers, instrumenting every step.
package consumer

import (
	"strconv"
	"time"

	"github.com/drblury/outboxflow/internal/runtime/logging"
	"github.com/drblury/outboxflow/internal/runtime/metadata"
)

// Metadata is what the broker reports alongside a message.
type Metadata struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
	Timestamp time.Time
	// FirstOffset is set on batches.
	FirstOffset int64
	Headers     metadata.Metadata
}

func (m Metadata) partitionLabel() string {
	return strconv.FormatInt(int64(m.Partition), 10)
}

func (m Metadata) fields() logging.LogFields {
	fields := logging.LogFields{
		"topic":     m.Topic,
		"partition": m.Partition,
		"offset":    m.Offset,
		"key":       m.Key,
	}
	if !m.Timestamp.IsZero() {
		fields["timestamp"] = metadata.FormatTime(m.Timestamp)
	}
	return fields
}

// RawMessage is an undecoded message as received from the broker. An empty
// Value is a tombstone.
type RawMessage struct {
	Key      []byte
	Value    []byte
	Metadata Metadata
}

// Message is a decoded message handed to handlers. Value is nil for
// tombstones.
type Message struct {
	Key      any
	Value    any
	RawKey   []byte
	RawValue []byte
	Metadata Metadata
}

func (m Message) IsTombstone() bool { return m.Value == nil }
