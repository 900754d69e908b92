package kafka

import (
	"strconv"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outboxflow/internal/runtime/metadata"
)

// KeyedMarshaler maps outboxflow messages onto Kafka records.
//
// Publishing, the partition_key header becomes the record key and a message
// flagged as a tombstone gets a null value. Consuming, the record key is put
// back into partition_key, a null value sets the tombstone flag, and the
// partition, offset and broker timestamp are copied into headers.
type KeyedMarshaler struct {
	kafka.DefaultMarshaler
}

func (m KeyedMarshaler) Marshal(topic string, msg *message.Message) (*sarama.ProducerMessage, error) {
	record, err := m.DefaultMarshaler.Marshal(topic, msg)
	if err != nil {
		return nil, err
	}
	if key := msg.Metadata.Get(metadata.KeyPartitionKey); key != "" {
		record.Key = sarama.StringEncoder(key)
	}
	if msg.Metadata.Get(metadata.KeyTombstone) == "true" {
		record.Value = nil
	}
	return record, nil
}

func (m KeyedMarshaler) Unmarshal(record *sarama.ConsumerMessage) (*message.Message, error) {
	msg, err := m.DefaultMarshaler.Unmarshal(record)
	if err != nil {
		return nil, err
	}
	if len(record.Key) > 0 {
		msg.Metadata.Set(metadata.KeyPartitionKey, string(record.Key))
	}
	if record.Value == nil {
		msg.Metadata.Set(metadata.KeyTombstone, "true")
	}
	msg.Metadata.Set(metadata.KeyPartition, strconv.FormatInt(int64(record.Partition), 10))
	msg.Metadata.Set(metadata.KeyOffset, strconv.FormatInt(record.Offset, 10))
	if !record.Timestamp.IsZero() {
		msg.Metadata.Set(metadata.KeyTimestamp, metadata.FormatTime(record.Timestamp))
	}
	return msg, nil
}
