package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/drblury/outboxflow/internal/runtime/codec"
	configpkg "github.com/drblury/outboxflow/internal/runtime/config"
	"github.com/drblury/outboxflow/internal/runtime/consumer"
	"github.com/drblury/outboxflow/internal/runtime/envelope"
	errspkg "github.com/drblury/outboxflow/internal/runtime/errors"
	"github.com/drblury/outboxflow/internal/runtime/instrument"
	loggingpkg "github.com/drblury/outboxflow/internal/runtime/logging"
	"github.com/drblury/outboxflow/internal/runtime/outbox"
	"github.com/drblury/outboxflow/internal/runtime/publish"
	"github.com/drblury/outboxflow/internal/runtime/source"
	"github.com/drblury/outboxflow/transport"
)

var routerRun = func(router *message.Router, ctx context.Context) error {
	return router.Run(ctx)
}

const shutdownTimeout = 10 * time.Second

// ServiceDependencies holds the optional collaborators of a Service. Nil
// fields are derived from the configuration.
type ServiceDependencies struct {
	// Codec overrides the codec selected by Config.Codec.
	Codec codec.Codec
	// Registry backs the avro codec when no schema registry URL is configured.
	Registry codec.Registry
	// DB is the application's database. The outbox store and the transactor
	// use it instead of opening Config.OutboxDSN.
	DB *sql.DB
	// Transports defaults to transport.DefaultRegistry.
	Transports *transport.Registry
	// Registerer receives every Prometheus collector. Defaults to the global
	// registerer when metrics are enabled and to a private registry otherwise.
	Registerer prometheus.Registerer
	Tracer     trace.Tracer
	// Now stamps produced_at and measures lag. Defaults to time.Now.
	Now func() time.Time

	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool
}

// Service owns the broker connection, the publish pipeline and the consumer
// router of one process.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	transports *transport.Registry
	transport  transport.Transport
	router     *message.Router

	registerer prometheus.Registerer
	tracer     trace.Tracer
	now        func() time.Time

	codec      codec.Codec
	builder    *envelope.Builder
	backend    publish.Backend
	hook       *source.Hook
	store      *outbox.Store
	transactor *outbox.Transactor
	relay      *outbox.Relay

	consumerMetrics *consumer.Metrics

	mu          sync.Mutex
	batchers    []*consumer.Batcher
	extra       map[string]transport.Transport
	httpServers map[int]*http.ServeMux
	servers     []*http.Server
}

// NewService builds the transport, the codec, the publish backend and the
// router described by conf. Register consumers before calling Start.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	log.Info("Creating outboxflow service", loggingpkg.LogFields{
		"pubsub_system":   conf.PubSubSystem,
		"publish_backend": conf.Backend(),
		"config":          conf.String(),
	})

	s := &Service{
		Conf:       conf,
		Logger:     log,
		transports: deps.Transports,
		registerer: deps.Registerer,
		tracer:     deps.Tracer,
		now:        deps.Now,
		extra:      make(map[string]transport.Transport),
	}
	if s.transports == nil {
		s.transports = transport.DefaultRegistry
	}
	if s.registerer == nil && conf.MetricsEnabled {
		s.registerer = prometheus.DefaultRegisterer
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(instrument.TracerName)
	}
	if s.now == nil {
		s.now = time.Now
	}

	if err := s.buildTransport(ctx); err != nil {
		return nil, err
	}
	if err := s.buildPublishing(ctx, deps); err != nil {
		_ = s.transport.Close()
		return nil, err
	}

	metrics, err := consumer.NewMetrics(s.registerer)
	if err != nil {
		_ = s.closePublishing()
		_ = s.transport.Close()
		return nil, err
	}
	s.consumerMetrics = metrics

	router, err := message.NewRouter(message.RouterConfig{CloseTimeout: shutdownTimeout}, s.watermillLogger())
	if err != nil {
		_ = s.closePublishing()
		_ = s.transport.Close()
		return nil, err
	}
	s.router = router

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		_ = s.closePublishing()
		_ = s.transport.Close()
		return nil, err
	}
	return s, nil
}

func (s *Service) watermillLogger() watermill.LoggerAdapter {
	return loggingpkg.NewWatermillAdapter(s.Logger)
}

func (s *Service) buildTransport(ctx context.Context) error {
	name := s.Conf.GetPubSubSystem()
	if name == "" {
		name = transport.DefaultTransportName
	}
	tr, err := s.transports.Build(ctx, s.Conf, s.watermillLogger())
	if err != nil {
		return fmt.Errorf("outboxflow: building %s transport: %w", name, err)
	}
	s.transport = tr

	caps := s.transports.Capabilities(name)
	for _, warning := range caps.Warnings() {
		s.Logger.Info("Transport limitation", loggingpkg.LogFields{
			"transport": name,
			"warning":   warning,
		})
	}
	return nil
}

func (s *Service) buildPublishing(ctx context.Context, deps ServiceDependencies) error {
	c, err := s.buildCodec(deps)
	if err != nil {
		return err
	}
	s.codec = c
	s.builder = &envelope.Builder{
		Codec:            c,
		Now:              s.now,
		TopicPrefix:      s.Conf.TopicPrefix,
		DefaultNamespace: s.Conf.SchemaNamespace,
	}

	if deps.DB != nil {
		s.transactor = outbox.NewTransactor(deps.DB)
	}

	switch {
	case s.Conf.ProducersDisabled:
		s.backend = publish.NewDisabled(s.Logger)
	case s.Conf.Backend() == configpkg.BackendOutbox:
		if err := s.buildOutbox(ctx, deps.DB); err != nil {
			return err
		}
		s.backend = publish.NewOutbox(s.store)
	default:
		s.backend = publish.NewDirect(s.transport.Publisher, s.Logger)
	}

	s.hook = source.NewHook(s.builder, s.backend,
		source.WithLogger(s.Logger),
		source.WithReraiseDeliveryErrors(s.Conf.ReraiseDeliveryErrors),
	)
	return nil
}

func (s *Service) buildCodec(deps ServiceDependencies) (codec.Codec, error) {
	if deps.Codec != nil {
		return deps.Codec, nil
	}
	switch s.Conf.CodecName() {
	case configpkg.CodecJSON:
		return codec.NewJSONCodec(), nil
	case configpkg.CodecProto:
		return codec.NewProtoCodec(), nil
	}

	registry := deps.Registry
	if s.Conf.SchemaRegistryURL != "" {
		remote, err := codec.NewHTTPRegistry(s.Conf.SchemaRegistryURL)
		if err != nil {
			return nil, err
		}
		registry = remote
	}
	if registry == nil {
		return nil, fmt.Errorf("%w: avro needs a schema registry URL or a registry dependency", errspkg.ErrCodecRequired)
	}
	return codec.NewAvroCodec(codec.NewCachingRegistry(registry)), nil
}

func (s *Service) buildOutbox(ctx context.Context, db *sql.DB) error {
	dialect, err := outbox.ParseDialect(s.Conf.OutboxDialect)
	if err != nil {
		return err
	}
	tableOpt := outbox.WithTable(s.Conf.Table())

	if db != nil {
		s.store, err = outbox.NewStore(db, dialect, tableOpt)
	} else {
		s.store, err = outbox.Open(ctx, dialect, s.Conf.OutboxDSN, tableOpt)
	}
	if err != nil {
		return err
	}
	if s.transactor == nil {
		s.transactor = outbox.NewTransactor(s.store.DB())
	}

	relayMetrics, err := outbox.NewRelayMetrics(s.registerer)
	if err != nil {
		_ = s.store.Close()
		return err
	}
	s.relay = outbox.NewRelay(s.store, s.transport.Publisher,
		outbox.WithInterval(s.Conf.Interval()),
		outbox.WithBatchLimit(s.Conf.BatchLimit()),
		outbox.WithLogger(s.Logger),
		outbox.WithMetrics(relayMetrics),
	)
	return nil
}

func (s *Service) closePublishing() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// Migrate creates the outbox table. It is a no-op for the direct backend.
func (s *Service) Migrate(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	return s.store.Migrate(ctx)
}

// Start runs the relay, the batch consumers and the router until ctx is
// cancelled or Close is called. The batch consumers stop with the router, and
// a router failure also stops the relay.
func (s *Service) Start(ctx context.Context) error {
	s.startHTTPServers()

	if s.relay != nil {
		if err := s.relay.Start(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	batchers := append([]*consumer.Batcher(nil), s.batchers...)
	s.mu.Unlock()

	// batch consumers end with the router
	batchCtx, cancelBatches := context.WithCancel(ctx)
	defer cancelBatches()
	var wg sync.WaitGroup
	for _, b := range batchers {
		wg.Add(1)
		go func(b *consumer.Batcher) {
			defer wg.Done()
			if err := b.Run(batchCtx); err != nil {
				s.Logger.Error("Batch consumer failed", err, loggingpkg.LogFields{"topic": b.Topic()})
			}
		}(b)
	}

	err := routerRun(s.router, ctx)
	if err != nil && s.relay != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if stopErr := s.relay.Stop(stopCtx); stopErr != nil {
			s.Logger.Error("Stopping outbox relay", stopErr, nil)
		}
		cancel()
	}
	cancelBatches()
	wg.Wait()
	return err
}

// Running is closed once the router has started its handlers.
func (s *Service) Running() chan struct{} {
	return s.router.Running()
}

// Close stops the relay first so no row is half relayed, then the router, then
// the broker connections and the outbox store.
func (s *Service) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if s.relay != nil {
		errs = append(errs, s.relay.Stop(ctx))
	}
	errs = append(errs, s.router.Close())

	s.mu.Lock()
	for _, srv := range s.servers {
		errs = append(errs, srv.Shutdown(ctx))
	}
	extra := s.extra
	s.extra = map[string]transport.Transport{}
	s.mu.Unlock()

	for _, tr := range extra {
		errs = append(errs, tr.Close())
	}
	errs = append(errs, s.transport.Close(), s.closePublishing())
	return errors.Join(errs...)
}

// Hook publishes record changes through the configured backend.
func (s *Service) Hook() *source.Hook { return s.hook }

// Transactor opens transactions the hook can join. It is nil for the direct
// backend unless a DB dependency was supplied.
func (s *Service) Transactor() *outbox.Transactor { return s.transactor }

// Relay is nil unless the outbox backend is selected.
func (s *Service) Relay() *outbox.Relay { return s.relay }

// Store is nil unless the outbox backend is selected.
func (s *Service) Store() *outbox.Store { return s.store }

func (s *Service) Codec() codec.Codec { return s.codec }

func (s *Service) Backend() publish.Backend { return s.backend }

// Publisher is the broker publisher of the service transport.
func (s *Service) Publisher() message.Publisher { return s.transport.Publisher }

func (s *Service) Subscriber() message.Subscriber { return s.transport.Subscriber }

// Router exposes the Watermill router for handlers registered outside outboxflow.
func (s *Service) Router() *message.Router { return s.router }

// RegisterHTTPHandler serves handler on the given port once Start is called.
func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}
	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}
	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		s.servers = append(s.servers, srv)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("HTTP server stopped", err, loggingpkg.LogFields{"address": srv.Addr})
			}
		}()
	}
	s.httpServers = nil
}
