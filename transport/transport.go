// Package transport builds the broker clients outboxflow publishes through and
// consumes from. Each broker lives in its own sub-package and registers a
// Builder under the name used by the pub_sub_system setting.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Transport is a publisher and subscriber pair for one broker.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
	// Batches is set by brokers that can hand out several uncommitted
	// messages at once. Batch consumers prefer it over Subscriber.
	Batches BatchSource
}

// BatchSource delivers a topic in batches. A batch is committed when handle
// returns nil; otherwise it is handed to handle again.
type BatchSource interface {
	ConsumeBatches(ctx context.Context, topic string, opts BatchOptions, handle BatchFunc) error
}

// BatchOptions bounds a batch. It closes at MaxSize messages or MaxWait after
// its first message, whichever comes first.
type BatchOptions struct {
	MaxSize int
	MaxWait time.Duration
}

type BatchFunc func(ctx context.Context, msgs []*message.Message) error

// Close closes the subscriber, then the publisher. Either may be shared, so a
// single value implementing both is closed once.
func (t Transport) Close() error {
	var errs []error
	if t.Subscriber != nil {
		if err := t.Subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if t.Publisher != nil && any(t.Publisher) != any(t.Subscriber) {
		if err := t.Publisher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Builder creates a transport from configuration.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the slice of the service configuration transports read.
type Config interface {
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that report their
// capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}
