package metadata

import (
	"strconv"
	"time"
)

// Reserved header keys written by the publish side and read by consumers.
const (
	KeyPartitionKey  = "partition_key"
	KeyTombstone     = "tombstone"
	KeyProducedAt    = "produced_at"
	KeyOutboxID      = "outbox_id"
	KeyCorrelationID = "correlation_id"
	KeyPartition     = "partition"
	KeyOffset        = "offset"
	KeyTimestamp     = "timestamp"
)

// Metadata holds the string headers carried alongside a message.
type Metadata map[string]string

func (m Metadata) copyWithRoom(extra int) Metadata {
	out := make(Metadata, len(m)+extra)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Clone returns a shallow copy. A nil receiver yields an empty map.
func (m Metadata) Clone() Metadata {
	return m.copyWithRoom(0)
}

// With returns a copy carrying key=value.
func (m Metadata) With(key, value string) Metadata {
	out := m.copyWithRoom(1)
	out[key] = value
	return out
}

// WithAll returns a copy with entries merged over m.
func (m Metadata) WithAll(entries Metadata) Metadata {
	out := m.copyWithRoom(len(entries))
	for k, v := range entries {
		out[k] = v
	}
	return out
}

// New builds Metadata from alternating key/value pairs. A trailing odd key is
// ignored.
func New(pairs ...string) Metadata {
	md := make(Metadata, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		md[pairs[i]] = pairs[i+1]
	}
	return md
}

// IsTombstone reports whether the headers mark a deletion.
func (m Metadata) IsTombstone() bool {
	return m[KeyTombstone] == "true"
}

// Time parses an RFC 3339 timestamp header. The zero time is returned when the
// header is missing or malformed.
func (m Metadata) Time(key string) time.Time {
	raw, ok := m[key]
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// Int parses an integer header, returning fallback when missing or malformed.
func (m Metadata) Int(key string, fallback int64) int64 {
	raw, ok := m[key]
	if !ok {
		return fallback
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

// FormatTime renders ts the way Time expects to read it.
func FormatTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}
