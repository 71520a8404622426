package hubinit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"

	"github.com/illmade-knight/sensorhub/pkg/bqstore"
	"github.com/illmade-knight/sensorhub/pkg/icestore"
	"github.com/illmade-knight/sensorhub/pkg/metrics"
	"github.com/illmade-knight/sensorhub/pkg/pubsubsink"
	"github.com/illmade-knight/sensorhub/pkg/readings"
	"github.com/illmade-knight/sensorhub/pkg/registry"
	"github.com/illmade-knight/sensorhub/pkg/ringstore"
	"github.com/illmade-knight/sensorhub/pkg/sink"
	"github.com/illmade-knight/sensorhub/pkg/subscription"
	"github.com/illmade-knight/sensorhub/pkg/transport"
	"github.com/illmade-knight/sensorhub/pkg/types"
	"github.com/illmade-knight/sensorhub/services/sensorhub/api"
	"github.com/illmade-knight/sensorhub/services/sensorhub/hub"
	"github.com/illmade-knight/sensorhub/services/sensorhub/live"
)

// Option customizes how a Service is assembled.
type Option func(*options)

type options struct {
	registry      registry.Registry
	sinks         []sink.NamedSink
	clientFactory transport.ClientFactory
	registerer    prometheus.Registerer
}

// WithRegistry uses r instead of building one from registry.kind.
func WithRegistry(r registry.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithSinks uses the given backends instead of building them from
// sink.kinds.
func WithSinks(sinks ...sink.NamedSink) Option {
	return func(o *options) { o.sinks = sinks }
}

// WithClientFactory overrides how the paho client is created.
func WithClientFactory(f transport.ClientFactory) Option {
	return func(o *options) { o.clientFactory = f }
}

// WithPrometheusRegisterer registers the hub metrics with reg. The /metrics
// endpoint is only mounted when reg is also a prometheus.Gatherer.
func WithPrometheusRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// Service holds all the components of the sensor hub.
type Service struct {
	logger zerolog.Logger
	config *Config

	Hub       *hub.Service
	Transport *transport.Manager
	Live      *live.Hub
	Server    *api.Server

	registry registry.Registry
	writer   *sink.AsyncWriter
	sinks    *sink.MultiSink
	closers  []func() error

	cancel   context.CancelFunc
	liveDone chan struct{}
	srvDone  chan error
}

// NewService builds every component from cfg. Nothing is started.
func NewService(ctx context.Context, cfg *Config, logger zerolog.Logger, opts ...Option) (_ *Service, err error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.registerer == nil {
		o.registerer = prometheus.NewRegistry()
	}

	s := &Service{logger: logger, config: cfg}
	defer func() {
		if err != nil {
			s.closeResources()
		}
	}()

	collector, err := metrics.New(o.registerer)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	s.registry = o.registry
	if s.registry == nil {
		if s.registry, err = newRegistry(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	named := o.sinks
	if named == nil {
		named, err = s.newSinks(ctx, cfg, collector, logger)
		s.sinks = sink.NewMultiSink(named...)
		if err != nil {
			return nil, err
		}
	} else {
		s.sinks = sink.NewMultiSink(named...)
	}
	var durable sink.Sink = s.sinks
	if s.sinks.Len() == 0 {
		logger.Warn().Msg("No durable sink configured, payloads are only buffered in memory")
		durable = sink.Discard{}
	}
	s.writer = sink.NewAsyncWriter(sink.AsyncWriterConfig{
		QueueCapacity: cfg.Sink.QueueCapacity,
		Workers:       cfg.Sink.Workers,
		WriteTimeout:  cfg.Sink.WriteTimeout,
	}, durable, "dispatch", collector, logger)

	store := ringstore.NewStore(cfg.Buffer.Capacity, ringstore.WithObserver(collector))

	var tOpts []transport.Option
	tOpts = append(tOpts, transport.WithRecorder(collector))
	if o.clientFactory != nil {
		tOpts = append(tOpts, transport.WithClientFactory(o.clientFactory))
	}
	s.Transport = transport.NewManager(cfg.TransportConfig(), logger, tOpts...)

	subs := subscription.NewManager(s.Transport, s.registry, store, logger,
		subscription.WithStaticTopics(cfg.MQTT.StaticTopics...),
		subscription.WithRecorder(collector),
	)

	s.Live = live.NewHub(live.Config{
		BroadcastCapacity: cfg.Live.BroadcastCapacity,
		ClientBuffer:      cfg.Live.ClientBuffer,
	}, logger)

	s.Hub, err = hub.New(hub.Config{CommandTopic: cfg.MQTT.CommandTopic}, hub.Deps{
		Normalizer:    readings.NewNormalizer(readings.WithLegacyDHTTopic(cfg.MQTT.LegacyDHTTopic)),
		Store:         store,
		Registry:      s.registry,
		Subscriptions: subs,
		Transport:     s.Transport,
		Sink:          s.writer,
		Live:          s.Live,
		Recorder:      collector,
	}, logger)
	if err != nil {
		return nil, err
	}

	loc := time.Local
	if cfg.HTTP.Timezone != "" {
		if loc, err = time.LoadLocation(cfg.HTTP.Timezone); err != nil {
			return nil, fmt.Errorf("load timezone %q: %w", cfg.HTTP.Timezone, err)
		}
	}
	handler := api.NewHandler(s.Hub, api.Config{
		DefaultLimit:  cfg.HTTP.DefaultLimit,
		Location:      loc,
		MaxBodyBytes:  cfg.HTTP.MaxBodyBytes,
		AllowedOrigin: cfg.HTTP.CORSOrigin,
	}, logger)

	routes := api.Routes{Live: s.Live}
	if g, ok := o.registerer.(prometheus.Gatherer); ok {
		routes.Metrics = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	s.Server, err = api.NewServer(cfg.HTTP.Addr, api.NewRouter(handler, routes, logger), logger)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func newRegistry(ctx context.Context, cfg *Config, logger zerolog.Logger) (registry.Registry, error) {
	switch cfg.Registry.Kind {
	case RegistryFirestore:
		return registry.NewFirestoreRegistry(ctx, registry.FirestoreConfig{
			ProjectID:       cfg.ProjectID,
			CollectionName:  cfg.Registry.Collection,
			CredentialsFile: cfg.Registry.CredentialsFile,
			BaseTopic:       cfg.MQTT.BaseTopic,
		}, logger)
	case RegistryMemory, "":
		logger.Info().Msg("Using in-memory node registry; registrations are lost on restart")
		return registry.NewMemoryRegistry(cfg.MQTT.BaseTopic), nil
	default:
		return nil, fmt.Errorf("unknown registry kind %q", cfg.Registry.Kind)
	}
}

// newSinks builds the backends listed in sink.kinds. Clients they own are
// closed after the sinks have flushed.
func (s *Service) newSinks(ctx context.Context, cfg *Config, recorder sink.Recorder, logger zerolog.Logger) ([]sink.NamedSink, error) {
	var clientOpts []option.ClientOption
	if cfg.Sink.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.Sink.CredentialsFile))
	}

	var named []sink.NamedSink
	for _, kind := range cfg.Sink.Kinds {
		switch kind {
		case SinkGCS:
			client, err := storage.NewClient(ctx, clientOpts...)
			if err != nil {
				return named, fmt.Errorf("storage.NewClient: %w", err)
			}
			s.closers = append(s.closers, client.Close)
			batcher, err := icestore.NewArchiveProcessor(icestore.NewGCSClientAdapter(client), icestore.ArchiveConfig{
				Batcher: icestore.BatcherConfig{
					BatchSize:    cfg.Sink.BatchSize,
					FlushTimeout: cfg.Sink.FlushTimeout,
				},
				Uploader: icestore.GCSBatchUploaderConfig{
					BucketName:   cfg.Sink.GCS.Bucket,
					ObjectPrefix: cfg.Sink.GCS.Prefix,
				},
			}, logger)
			if err != nil {
				return named, err
			}
			named = append(named, sink.NamedSink{
				Name: SinkGCS,
				Sink: sink.NewBatchingSink[types.PayloadDocument](SinkGCS, batcher, icestore.ArchiveDocument, recorder, logger),
			})

		case SinkBigQuery:
			bqCfg := &bqstore.BigQueryInserterConfig{
				ProjectID:       cfg.ProjectID,
				DatasetID:       cfg.Sink.BigQuery.DatasetID,
				TableID:         cfg.Sink.BigQuery.TableID,
				CredentialsFile: cfg.Sink.CredentialsFile,
			}
			client, err := bqstore.NewProductionBigQueryClient(ctx, bqCfg, logger)
			if err != nil {
				return named, err
			}
			s.closers = append(s.closers, client.Close)
			inserter, err := bqstore.NewBigQueryInserter(ctx, client, bqCfg, logger)
			if err != nil {
				return named, err
			}
			batcher := bqstore.NewBatchInserter[types.PayloadDocument](&bqstore.BatchInserterConfig{
				BatchSize:    cfg.Sink.BatchSize,
				FlushTimeout: cfg.Sink.FlushTimeout,
			}, inserter, logger)
			named = append(named, sink.NamedSink{
				Name: SinkBigQuery,
				Sink: sink.NewBatchingSink[types.PayloadDocument](SinkBigQuery, batcher, bqstore.TableDocument, recorder, logger),
			})

		case SinkPubSub:
			pub, err := pubsubsink.NewPublisher(ctx, pubsubsink.Config{
				ProjectID:       cfg.ProjectID,
				TopicID:         cfg.Sink.PubSub.TopicID,
				CredentialsFile: cfg.Sink.CredentialsFile,
			}, logger)
			if err != nil {
				return named, err
			}
			named = append(named, sink.NamedSink{Name: SinkPubSub, Sink: pub})

		default:
			return named, fmt.Errorf("unknown sink kind %q", kind)
		}
		logger.Info().Str("sink", kind).Msg("Durable sink configured")
	}
	return named, nil
}

// Start runs the background components and the HTTP server. The MQTT
// session connects in the background. Call Shutdown even when Start fails.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	s.writer.Start()

	s.liveDone = make(chan struct{})
	go func() {
		defer close(s.liveDone)
		s.Live.Run(ctx)
	}()

	if err := s.Transport.Start(ctx, s.Hub); err != nil {
		return fmt.Errorf("failed to start transport: %w", err)
	}

	s.srvDone = make(chan error, 1)
	go func() {
		s.srvDone <- s.Server.Start()
	}()
	s.logger.Info().Str("http", s.Server.Addr()).Str("mqtt", s.Transport.Broker()).Msg("Sensor hub started")
	return nil
}

// Done reports HTTP server failure after Start.
func (s *Service) Done() <-chan error { return s.srvDone }

// Shutdown gracefully stops all components: the API first so no new
// management calls arrive, then the MQTT session, then the durable writer
// so queued payloads are flushed before the sinks close.
func (s *Service) Shutdown(ctx context.Context) {
	s.logger.Info().Msg("Shutting down sensor hub...")

	s.Server.Shutdown(ctx)
	s.Transport.Stop()
	if s.cancel != nil {
		s.cancel()
		<-s.liveDone
	}
	s.logger.Info().Int("pending", s.writer.Pending()).Msg("Draining durable writer...")
	s.closeResources()
	s.logger.Info().Msg("Sensor hub shut down.")
}

func (s *Service) closeResources() {
	var errs []error
	// The writer closes the sinks once its queue is drained.
	if s.writer != nil {
		s.writer.Stop()
	} else if s.sinks != nil {
		errs = append(errs, s.sinks.Close())
	}
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	s.closers = nil
	if s.registry != nil {
		errs = append(errs, s.registry.Close())
	}
	if err := errors.Join(errs...); err != nil {
		s.logger.Error().Err(err).Msg("Error releasing sensor hub resources")
	}
}
