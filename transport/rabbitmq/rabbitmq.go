// Package rabbitmq is the AMQP transport. Each consumer group gets its own
// durable queue bound to the topic exchange, so groups see every message and
// members of one group share the work.
package rabbitmq

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	amqp091 "github.com/rabbitmq/amqp091-go"

	"github.com/drblury/outboxflow/internal/runtime/metadata"
	"github.com/drblury/outboxflow/transport"
)

const TransportName = "rabbitmq"

// ConnectionFactory can be replaced in tests.
var ConnectionFactory = func(cfg amqp.ConnectionConfig, logger watermill.LoggerAdapter) (*amqp.ConnectionWrapper, error) {
	return amqp.NewConnection(cfg, logger)
}

// PublisherFactory can be replaced in tests.
var PublisherFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Publisher, error) {
	return amqp.NewPublisherWithConnection(cfg, logger, conn)
}

// SubscriberFactory can be replaced in tests.
var SubscriberFactory = func(cfg amqp.Config, logger watermill.LoggerAdapter, conn *amqp.ConnectionWrapper) (message.Subscriber, error) {
	return amqp.NewSubscriberWithConnection(cfg, logger, conn)
}

// CloseConnection can be replaced in tests.
var CloseConnection = func(conn *amqp.ConnectionWrapper) error {
	return conn.Close()
}

func init() {
	transport.RegisterWithCapabilities(TransportName, Build, transport.RabbitMQCapabilities)
}

// Build dials one connection and shares it between the publisher and the
// subscriber. Closing the returned publisher also closes the connection.
func Build(_ context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	url := cfg.GetRabbitMQURL()
	amqpConfig := Config(url, cfg.GetKafkaConsumerGroup())

	conn, err := ConnectionFactory(amqp.ConnectionConfig{
		AmqpURI:   url,
		Reconnect: amqp.DefaultReconnectConfig(),
	}, logger)
	if err != nil {
		return transport.Transport{}, err
	}

	publisher, err := PublisherFactory(amqpConfig, logger, conn)
	if err != nil {
		_ = CloseConnection(conn)
		return transport.Transport{}, err
	}

	subscriber, err := SubscriberFactory(amqpConfig, logger, conn)
	if err != nil {
		return transport.Transport{}, errors.Join(err, publisher.Close(), CloseConnection(conn))
	}

	return transport.Transport{
		Publisher:  &connPublisher{Publisher: publisher, conn: conn},
		Subscriber: subscriber,
	}, nil
}

// Config returns a durable pub/sub config. The queue name carries the
// consumer group when one is set.
func Config(url, group string) amqp.Config {
	queueName := amqp.GenerateQueueNameTopicName
	if group != "" {
		queueName = amqp.GenerateQueueNameTopicNameWithSuffix(group)
	}
	cfg := amqp.NewDurablePubSubConfig(url, queueName)
	cfg.Marshaler = amqp.DefaultMarshaler{PostprocessPublishing: stampPublishing}
	return cfg
}

// stampPublishing copies produced_at into the AMQP timestamp property so
// consumers can report lag without parsing headers.
func stampPublishing(p amqp091.Publishing) amqp091.Publishing {
	p.DeliveryMode = amqp091.Persistent
	raw, ok := p.Headers[metadata.KeyProducedAt].(string)
	if !ok {
		return p
	}
	if ts := (metadata.Metadata{metadata.KeyProducedAt: raw}).Time(metadata.KeyProducedAt); !ts.IsZero() {
		p.Timestamp = ts
	}
	return p
}

type connPublisher struct {
	message.Publisher
	conn *amqp.ConnectionWrapper
}

func (p *connPublisher) Close() error {
	return errors.Join(p.Publisher.Close(), CloseConnection(p.conn))
}

func Capabilities() transport.Capabilities {
	return transport.RabbitMQCapabilities
}
