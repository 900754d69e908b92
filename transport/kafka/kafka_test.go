package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-kafka/v3/pkg/kafka"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/outboxflow/internal/runtime/metadata"
	"github.com/drblury/outboxflow/transport"
	"github.com/drblury/outboxflow/transport/transporttest"
)

func TestRegisteredWithCapabilities(t *testing.T) {
	require.True(t, transport.DefaultRegistry.Has(TransportName))
	caps := transport.GetCapabilities(TransportName)
	assert.True(t, caps.KeyedOrdering())
	assert.True(t, caps.SupportsTombstones)
	assert.Equal(t, transport.KafkaCapabilities, Capabilities())
}

func swapFactories(t *testing.T) {
	t.Helper()
	pub, sub := PublisherFactory, SubscriberFactory
	t.Cleanup(func() {
		PublisherFactory = pub
		SubscriberFactory = sub
	})
}

func TestBuild(t *testing.T) {
	swapFactories(t)
	mockPub := &transporttest.Publisher{}
	mockSub := &transporttest.Subscriber{}

	PublisherFactory = func(cfg kafka.PublisherConfig, _ watermill.LoggerAdapter) (message.Publisher, error) {
		assert.Equal(t, []string{"localhost:9092"}, cfg.Brokers)
		assert.IsType(t, KeyedMarshaler{}, cfg.Marshaler)
		require.NotNil(t, cfg.OverwriteSaramaConfig)
		assert.Equal(t, "widgets-service", cfg.OverwriteSaramaConfig.ClientID)
		assert.Equal(t, sarama.WaitForAll, cfg.OverwriteSaramaConfig.Producer.RequiredAcks)
		assert.True(t, cfg.OverwriteSaramaConfig.Producer.Return.Successes)
		return mockPub, nil
	}
	SubscriberFactory = func(cfg kafka.SubscriberConfig, _ watermill.LoggerAdapter) (message.Subscriber, error) {
		assert.Equal(t, "widgets-consumers", cfg.ConsumerGroup)
		assert.IsType(t, KeyedMarshaler{}, cfg.Unmarshaler)
		assert.Equal(t, sarama.OffsetOldest, cfg.OverwriteSaramaConfig.Consumer.Offsets.Initial)
		return mockSub, nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaClientID:      "widgets-service",
		KafkaConsumerGroup: "widgets-consumers",
	}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, mockPub, tr.Publisher)
	assert.Same(t, mockSub, tr.Subscriber)

	batches, ok := tr.Batches.(*BatchConsumer)
	require.True(t, ok)
	assert.Equal(t, "widgets-consumers", batches.ConsumerGroup)
	assert.Equal(t, "widgets-service", batches.Config.ClientID)
}

func TestBuildKeepsDefaultClientID(t *testing.T) {
	assert.NotEmpty(t, publisherSaramaConfig("").ClientID)
	assert.NotEmpty(t, subscriberSaramaConfig("").ClientID)
	assert.NoError(t, publisherSaramaConfig("svc").Validate())
}

func TestBuildErrors(t *testing.T) {
	t.Run("publisher", func(t *testing.T) {
		swapFactories(t)
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "publisher error")
	})

	t.Run("subscriber closes publisher", func(t *testing.T) {
		swapFactories(t)
		pub := &transporttest.Publisher{}
		PublisherFactory = func(kafka.PublisherConfig, watermill.LoggerAdapter) (message.Publisher, error) {
			return pub, nil
		}
		SubscriberFactory = func(kafka.SubscriberConfig, watermill.LoggerAdapter) (message.Subscriber, error) {
			return nil, errors.New("subscriber error")
		}
		_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
		assert.ErrorContains(t, err, "subscriber error")
		assert.True(t, pub.Closed())
	})
}

func TestKeyedMarshalerMarshal(t *testing.T) {
	m := KeyedMarshaler{}

	msg := message.NewMessage("uuid-1", []byte(`{"widget_id":1}`))
	msg.Metadata.Set(metadata.KeyPartitionKey, "1")
	record, err := m.Marshal("widgets", msg)
	require.NoError(t, err)
	assert.Equal(t, "widgets", record.Topic)
	key, err := record.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), key)
	value, err := record.Value.Encode()
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"widget_id":1}`), value)

	tombstone := message.NewMessage("uuid-2", nil)
	tombstone.Metadata.Set(metadata.KeyPartitionKey, "1")
	tombstone.Metadata.Set(metadata.KeyTombstone, "true")
	record, err = m.Marshal("widgets", tombstone)
	require.NoError(t, err)
	assert.Nil(t, record.Value)
	assert.NotNil(t, record.Key)

	unkeyed, err := m.Marshal("widgets", message.NewMessage("uuid-3", []byte("x")))
	require.NoError(t, err)
	assert.Nil(t, unkeyed.Key)
}

func TestKeyedMarshalerUnmarshal(t *testing.T) {
	m := KeyedMarshaler{}
	ts := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	msg, err := m.Unmarshal(&sarama.ConsumerMessage{
		Topic:     "widgets",
		Key:       []byte("1"),
		Value:     []byte(`{"widget_id":1}`),
		Partition: 4,
		Offset:    99,
		Timestamp: ts,
		Headers: []*sarama.RecordHeader{
			{Key: []byte(kafka.UUIDHeaderKey), Value: []byte("uuid-1")},
			{Key: []byte(metadata.KeyProducedAt), Value: []byte("2024-03-01T09:59:59Z")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "uuid-1", msg.UUID)
	assert.Equal(t, "1", msg.Metadata.Get(metadata.KeyPartitionKey))
	assert.Equal(t, "4", msg.Metadata.Get(metadata.KeyPartition))
	assert.Equal(t, "99", msg.Metadata.Get(metadata.KeyOffset))
	assert.Equal(t, metadata.FormatTime(ts), msg.Metadata.Get(metadata.KeyTimestamp))
	assert.Equal(t, "2024-03-01T09:59:59Z", msg.Metadata.Get(metadata.KeyProducedAt))
	assert.Empty(t, msg.Metadata.Get(metadata.KeyTombstone))

	tombstone, err := m.Unmarshal(&sarama.ConsumerMessage{Topic: "widgets", Key: []byte("1")})
	require.NoError(t, err)
	assert.Equal(t, "true", tombstone.Metadata.Get(metadata.KeyTombstone))
	assert.Empty(t, tombstone.Payload)
}
