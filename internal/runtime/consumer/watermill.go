package consumer

import (
	"context"

	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outboxflow/internal/runtime/metadata"
)

// RawFromWatermill reads a Watermill message the way a consumer group
// delivered it. Partition, offset and timestamp come from the Kafka context
// when present and from the metadata headers otherwise. Brokers that carry no
// timestamp fall back to produced_at. The key travels in the partition_key
// header.
func RawFromWatermill(topic string, msg *message.Message) RawMessage {
	ctx := msg.Context()
	headers := metadata.FromWatermill(msg.Metadata)

	md := Metadata{
		Topic:     topic,
		Key:       headers[metadata.KeyPartitionKey],
		Partition: int32(headers.Int(metadata.KeyPartition, 0)),
		Offset:    headers.Int(metadata.KeyOffset, 0),
		Timestamp: headers.Time(metadata.KeyTimestamp),
		Headers:   headers,
	}
	applyKafkaContext(ctx, &md)
	if md.Timestamp.IsZero() {
		md.Timestamp = headers.Time(metadata.KeyProducedAt)
	}

	raw := RawMessage{Metadata: md}
	if md.Key != "" {
		raw.Key = []byte(md.Key)
	}
	if len(msg.Payload) > 0 {
		raw.Value = msg.Payload
	}
	return raw
}

func applyKafkaContext(ctx context.Context, md *Metadata) {
	if partition, ok := kafka.MessagePartitionFromCtx(ctx); ok {
		md.Partition = partition
	}
	if offset, ok := kafka.MessagePartitionOffsetFromCtx(ctx); ok {
		md.Offset = offset
	}
	if ts, ok := kafka.MessageTimestampFromCtx(ctx); ok && !ts.IsZero() {
		md.Timestamp = ts
	}
}

// HandleWatermill adapts p to a router handler. The topic is the one the
// router subscribed to.
func HandleWatermill(p *Pipeline) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		topic := message.SubscribeTopicFromCtx(msg.Context())
		return p.Process(msg.Context(), RawFromWatermill(topic, msg))
	}
}
