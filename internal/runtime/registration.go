package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/drblury/outboxflow/internal/runtime/codec"
	configpkg "github.com/drblury/outboxflow/internal/runtime/config"
	"github.com/drblury/outboxflow/internal/runtime/consumer"
	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/outboxflow/internal/runtime/logging"
	"github.com/drblury/outboxflow/transport"
)

// ConsumerRegistration subscribes a per-message handler to a topic.
type ConsumerRegistration struct {
	Name    string
	Topic   string
	Handler consumer.Handler
	// Schema decodes the value. KeySchema, when set, decodes the key.
	Schema    codec.SchemaRef
	KeySchema *codec.SchemaRef
	// Subscriber defaults to the service subscriber.
	Subscriber message.Subscriber
}

// BatchConsumerRegistration subscribes a batch handler to a topic.
type BatchConsumerRegistration struct {
	Name         string
	Topic        string
	Handler      consumer.BatchHandler
	Schema       codec.SchemaRef
	KeySchema    *codec.SchemaRef
	Subscriber   message.Subscriber
	// Source collects batches in place of Subscriber. When both are unset the
	// service transport's batch source is used if it has one.
	Source       transport.BatchSource
	MaxBatchSize int
	MaxBatchWait time.Duration
}

// RegisterConsumer adds a router handler that runs msg through a consumer
// pipeline.
func RegisterConsumer(svc *Service, cfg ConsumerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if err := checkRegistration(cfg.Name, cfg.Topic, cfg.Handler == nil); err != nil {
		return err
	}
	sub := cfg.Subscriber
	if sub == nil {
		sub = svc.transport.Subscriber
	}

	pipeline := &consumer.Pipeline{
		Settings: svc.pipelineSettings(cfg.Name, cfg.Schema, cfg.KeySchema),
		Handler:  cfg.Handler,
	}
	svc.router.AddNoPublisherHandler(cfg.Name, cfg.Topic, sub, consumer.HandleWatermill(pipeline))
	svc.Logger.Debug("Registered consumer", loggingpkg.LogFields{
		"handler": cfg.Name,
		"topic":   cfg.Topic,
		"schema":  cfg.Schema.FullName(),
	})
	return nil
}

// RegisterBatchConsumer adds a batcher that Start runs next to the router.
// Batches bypass the router middlewares.
func RegisterBatchConsumer(svc *Service, cfg BatchConsumerRegistration) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if err := checkRegistration(cfg.Name, cfg.Topic, cfg.Handler == nil); err != nil {
		return err
	}
	sub, source := cfg.Subscriber, cfg.Source
	if sub == nil && source == nil {
		sub, source = svc.transport.Subscriber, svc.transport.Batches
	}

	pipeline := &consumer.BatchPipeline{
		Settings: svc.pipelineSettings(cfg.Name, cfg.Schema, cfg.KeySchema),
		Handler:  cfg.Handler,
	}
	opts := []consumer.BatcherOption{
		consumer.WithMaxBatchSize(cfg.MaxBatchSize),
		consumer.WithMaxBatchWait(cfg.MaxBatchWait),
		consumer.WithBatcherLogger(svc.Logger.With(loggingpkg.LogFields{"handler": cfg.Name})),
	}
	if source != nil {
		opts = append(opts, consumer.WithBatchSource(source))
	}
	batcher := consumer.NewBatcher(sub, cfg.Topic, pipeline, opts...)

	svc.mu.Lock()
	svc.batchers = append(svc.batchers, batcher)
	svc.mu.Unlock()
	return nil
}

func checkRegistration(name, topic string, missingHandler bool) error {
	switch {
	case missingHandler:
		return errspkg.ErrHandlerRequired
	case name == "":
		return errspkg.ErrHandlerNameRequired
	case topic == "":
		return errspkg.ErrTopicRequired
	}
	return nil
}

func (s *Service) pipelineSettings(name string, schema codec.SchemaRef, keySchema *codec.SchemaRef) consumer.Settings {
	return consumer.Settings{
		Name:      name,
		Codec:     s.codec,
		Schema:    schema,
		KeySchema: keySchema,
		Logger:    s.Logger.With(loggingpkg.LogFields{"handler": name}),
		Metrics:   s.consumerMetrics,
		Tracer:    s.tracer,
		ReportLag: s.Conf.ReportLag,
		Now:       s.now,
	}
}

// RegisterListeners registers every listener of the configuration, resolving
// handlers by name in handlers. Listeners with their own consumer group get a
// dedicated subscriber.
func RegisterListeners(svc *Service, handlers *consumer.Registry) error {
	if svc == nil {
		return errspkg.ErrServiceRequired
	}
	if handlers == nil {
		return errspkg.ErrHandlerRequired
	}
	for _, l := range svc.Conf.Listeners {
		if err := svc.registerListener(l, handlers); err != nil {
			return fmt.Errorf("outboxflow: listener %q: %w", l.Name, err)
		}
	}
	return nil
}

func (s *Service) registerListener(l configpkg.Listener, handlers *consumer.Registry) error {
	tr, err := s.transportForGroup(l.Group)
	if err != nil {
		return err
	}
	schema := s.listenerSchema(l.Namespace, l.Schema)
	var keySchema *codec.SchemaRef
	if l.KeySchema != "" {
		ref := s.listenerSchema(l.Namespace, l.KeySchema)
		keySchema = &ref
	}

	if l.Batch() {
		h, err := handlers.LookupBatch(l.Handler)
		if err != nil {
			return err
		}
		return RegisterBatchConsumer(s, BatchConsumerRegistration{
			Name:         l.Name,
			Topic:        l.Topic,
			Handler:      h,
			Schema:       schema,
			KeySchema:    keySchema,
			Subscriber:   tr.Subscriber,
			Source:       tr.Batches,
			MaxBatchSize: l.MaxBatchSize,
			MaxBatchWait: l.MaxBatchWait,
		})
	}

	h, err := handlers.Lookup(l.Handler)
	if err != nil {
		return err
	}
	return RegisterConsumer(s, ConsumerRegistration{
		Name:       l.Name,
		Topic:      l.Topic,
		Handler:    h,
		Schema:     schema,
		KeySchema:  keySchema,
		Subscriber: tr.Subscriber,
	})
}

func (s *Service) listenerSchema(namespace, name string) codec.SchemaRef {
	if namespace == "" {
		namespace = s.Conf.SchemaNamespace
	}
	return codec.SchemaRef{Namespace: namespace, Name: name}
}

// transportForGroup returns the service transport for the configured group
// and builds one extra transport per other group.
func (s *Service) transportForGroup(group string) (transport.Transport, error) {
	if group == "" || group == s.Conf.GetKafkaConsumerGroup() {
		return s.transport, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tr, ok := s.extra[group]; ok {
		return tr, nil
	}
	tr, err := s.transports.Build(context.Background(), groupConfig{Config: s.Conf, group: group}, s.watermillLogger())
	if err != nil {
		return transport.Transport{}, err
	}
	s.extra[group] = tr
	return tr, nil
}

type groupConfig struct {
	transport.Config
	group string
}

func (g groupConfig) GetKafkaConsumerGroup() string { return g.group }
