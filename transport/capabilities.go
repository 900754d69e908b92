package transport

// Capabilities describes how a broker treats the properties outboxflow relies
// on: per-key ordering, keys, tombstones and redelivery.
type Capabilities struct {
	Name string

	// SupportsOrdering means messages sharing a key keep their publish order.
	SupportsOrdering bool
	// SupportsPartitioning means the partition_key header selects the
	// partition. Elsewhere the key only travels as a header.
	SupportsPartitioning bool
	// SupportsTombstones means a nil payload reaches consumers as a native
	// deletion marker (log compaction). Elsewhere the tombstone header is the
	// only signal.
	SupportsTombstones bool
	SupportsBatching   bool
	SupportsAck        bool
	SupportsNack       bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// SupportsReliableDelivery reports at-least-once redelivery (ack and nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// KeyedOrdering reports whether envelopes with the same key are consumed in
// order.
func (c Capabilities) KeyedOrdering() bool {
	return c.SupportsOrdering && c.SupportsPartitioning
}

// Warnings lists the guarantees a publishing service loses on this transport.
func (c Capabilities) Warnings() []string {
	var out []string
	if !c.KeyedOrdering() {
		out = append(out, "per-key ordering is not guaranteed")
	}
	if !c.SupportsTombstones {
		out = append(out, "tombstones are signalled by header only")
	}
	if !c.SupportsReliableDelivery() {
		out = append(out, "failed messages are not redelivered")
	}
	return out
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsOrdering:     true,
		SupportsPartitioning: true,
		SupportsTombstones:   true,
		SupportsBatching:     true,
		SupportsAck:          true,
		SupportsNack:         true,
		MaxMessageSize:       1048576,
	}

	RabbitMQCapabilities = Capabilities{
		Name:             "rabbitmq",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	NATSCapabilities = Capabilities{
		Name:           "nats",
		SupportsAck:    true,
		SupportsNack:   true,
		MaxMessageSize: 1048576,
	}

	AWSCapabilities = Capabilities{
		Name:             "aws",
		SupportsBatching: true,
		SupportsAck:      true,
		SupportsNack:     true,
		MaxMessageSize:   262144,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}
)
