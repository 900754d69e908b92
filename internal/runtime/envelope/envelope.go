// Package envelope turns record changes into the messages each producer
// binding wants published.
package envelope

import (
	"context"
	"time"

	"github.com/drblury/outboxflow/internal/runtime/codec"
)

// Payload is either a tombstone or encoded bytes. The zero value is a
// tombstone.
type Payload struct {
	data    []byte
	encoded bool
}

// Tombstone marks a deletion.
func Tombstone() Payload { return Payload{} }

// Encoded wraps encoded bytes. A nil slice still counts as encoded; use
// Tombstone for deletions.
func Encoded(data []byte) Payload {
	if data == nil {
		data = []byte{}
	}
	return Payload{data: data, encoded: true}
}

func (p Payload) IsTombstone() bool { return !p.encoded }

// Bytes returns nil for tombstones.
func (p Payload) Bytes() []byte {
	if !p.encoded {
		return nil
	}
	return p.data
}

// Envelope is one message ready for a publish backend. Treat it as immutable.
type Envelope struct {
	Topic      string
	Key        []byte
	Payload    Payload
	ProducedAt time.Time
}

// PartitionKey returns the key as a string, empty for unkeyed envelopes.
func (e Envelope) PartitionKey() string { return string(e.Key) }

// Attributes is the persisted state of a record.
type Attributes map[string]any

// Kind is the type of record change.
type Kind int

const (
	Create Kind = iota + 1
	Update
	Delete
)

func (k Kind) String() string {
	switch k {
	case Create:
		return "create"
	case Update:
		return "update"
	case Delete:
		return "delete"
	default:
		return "unknown"
	}
}

// Change describes one record mutation. Before is empty for creates; After is
// empty for deletes.
type Change struct {
	Kind   Kind
	Before Attributes
	After  Attributes
}

// KeyWholeRecord keys an envelope by the whole record.
const KeyWholeRecord = "*"

// Binding declares how a record type publishes to one topic.
type Binding struct {
	Topic     string
	Namespace string
	Schema    string

	// KeyField names the attribute used as key. Empty means unkeyed and
	// KeyWholeRecord uses every attribute.
	KeyField string
	// KeySchema, when set, encodes the key through the codec instead of using
	// its string form.
	KeySchema string

	// WatchedFields restricts updates to those touching one of these fields.
	WatchedFields []string

	// Include filters records before anything is built.
	Include func(Attributes) bool
	// PayloadFunc builds the value to encode. The attributes are used when nil.
	PayloadFunc func(Attributes) (any, error)
	// DeletionPayload replaces the tombstone for deletes. Its result is final.
	DeletionPayload func(Attributes) (Payload, error)
}

// SchemaRef returns the payload schema, falling back to defaultNamespace.
func (b Binding) SchemaRef(defaultNamespace string) codec.SchemaRef {
	ns := b.Namespace
	if ns == "" {
		ns = defaultNamespace
	}
	return codec.SchemaRef{Namespace: ns, Name: b.Schema}
}

// Encoder is the subset of codec.Codec the builder needs.
type Encoder interface {
	Encode(ctx context.Context, value any, ref codec.SchemaRef) ([]byte, error)
}
