package di

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"RateFusion/internal/domain/repository"
	"RateFusion/internal/handler/api"
	internalrepo "RateFusion/internal/repository"
	"RateFusion/internal/service/consensus"
	"RateFusion/internal/service/health"
	"RateFusion/internal/service/normalizer"
	"RateFusion/internal/service/ratelimit"
	"RateFusion/internal/service/scheduler"
	"RateFusion/internal/service/source"
	"RateFusion/internal/service/sysmetrics"
	"RateFusion/internal/usecase"
	"RateFusion/pkg/cache"
	pkgch "RateFusion/pkg/clickhouse"
	"RateFusion/pkg/config"
	xhttp "RateFusion/pkg/http"
	"RateFusion/pkg/http/middleware"
	pkgkafka "RateFusion/pkg/kafka"
	"RateFusion/pkg/logger"
	"RateFusion/pkg/metrics"
	"RateFusion/pkg/postgres"
	"RateFusion/pkg/server"
)

const (
	TaskHealthCheck   = "health_check"
	TaskCleanup       = "cleanup_old_data"
	TaskSystemMetrics = "system_metrics"
	TaskRateLimitGC   = "rate_limit_gc"

	rateLimitIdle = 10 * time.Minute

	initTimeout = 10 * time.Second
)

// Storage bundles the result backends selected by configuration.
type Storage struct {
	Sink    repository.ResultSink
	Reader  repository.ResultReader
	Health  repository.HealthRecorder
	Pruners []repository.Pruner
	// Archive receives results read back from Kafka; nil unless the consumer is enabled.
	Archive repository.ResultSink
	Probes  map[string]health.ProbeFunc

	closers []func() error
}

// Close releases every backend, newest first.
func (s *Storage) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Feeds holds one refresher per enabled feed plus every adapter they use.
type Feeds struct {
	Refreshers []*usecase.IndicatorRefresher
	Intervals  map[string]time.Duration
	Adapters   []repository.SourceAdapter
}

// ProvideLogger creates the application logger. Error digests go to Kafka when a topic is set.
func ProvideLogger(cfg *config.Config, producer *pkgkafka.Producer) (*logger.Logger, func(), error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("logger: %w", err)
	}

	if cfg.Log.DigestTopic == "" || producer == nil {
		return l, func() {}, nil
	}

	l.AddCollector(&logger.CollectionConfig{
		TimeInterval: cfg.Log.DigestInterval,
		Topic:        cfg.Log.DigestTopic,
		Publisher:    producer,
	})
	return l, l.RemoveCollector, nil
}

// ProvideRegistry creates the Prometheus registry served on the metrics path.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates a Prometheus metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) repository.Metrics {
	return metrics.NewWithRegistry(reg)
}

func ProvideKafkaMetrics(reg *prometheus.Registry) *pkgkafka.Metrics {
	return pkgkafka.NewMetrics(reg)
}

// ProvideKafkaProducer creates a Kafka producer, or nil when nothing publishes.
func ProvideKafkaProducer(cfg *config.Config, km *pkgkafka.Metrics) (*pkgkafka.Producer, func(), error) {
	if !cfg.NeedsKafkaProducer() {
		return nil, func() {}, nil
	}

	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.RequiredAcks),
		pkgkafka.WithBatching(cfg.Kafka.Producer.BatchSize, cfg.Kafka.Producer.BatchBytes, cfg.Kafka.Producer.Linger),
		pkgkafka.WithTimeouts(cfg.Kafka.Producer.WriteTimeout, cfg.Kafka.Producer.ReadTimeout),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithAsync(cfg.Kafka.Producer.Async),
		pkgkafka.WithHashByKey(true),
		pkgkafka.WithProducerMetrics(km),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka producer: %w", err)
	}

	return producer, func() { _ = producer.Close() }, nil
}

// ProvideStorage opens the configured result backend, plus ClickHouse for the archiver.
func ProvideStorage(cfg *config.Config, producer *pkgkafka.Producer, l *logger.Logger) (*Storage, func(), error) {
	st := &Storage{Probes: map[string]health.ProbeFunc{}}
	fail := func(err error) (*Storage, func(), error) {
		_ = st.Close()
		return nil, nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()

	var chStore *internalrepo.CHResultStore
	if cfg.NeedsClickHouse() {
		client, err := pkgch.NewClient(
			pkgch.WithHost(cfg.ClickHouse.Host),
			pkgch.WithPort(cfg.ClickHouse.Port),
			pkgch.WithDatabase(cfg.ClickHouse.Database),
			pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
			pkgch.WithMaxConnections(10, 5),
			pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
			pkgch.WithAsyncInsert(cfg.ClickHouse.AsyncInsert, cfg.ClickHouse.WaitForAsync),
			pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout, cfg.ClickHouse.WriteTimeout),
			pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
		)
		if err != nil {
			return fail(fmt.Errorf("clickhouse client: %w", err))
		}
		st.closers = append(st.closers, client.Close)

		chStore = internalrepo.NewCHResultStore(client.DB(), cfg.ClickHouse.Table, l)
		if err := chStore.Init(ctx, cfg.Scheduler.Retention); err != nil {
			return fail(fmt.Errorf("clickhouse schema: %w", err))
		}
		st.Probes["clickhouse"] = health.FromError(chStore.Health)
		st.Pruners = append(st.Pruners, chStore)
		if cfg.Kafka.Consumer.Enabled {
			st.Archive = chStore
		}
	}

	switch cfg.Backend.Type {
	case config.BackendClickHouse:
		st.Sink, st.Reader, st.Health = chStore, chStore, chStore

	case config.BackendPostgres:
		pool, err := postgres.Connect(ctx, postgres.Config{
			Host:        cfg.Postgres.Host,
			Port:        cfg.Postgres.Port,
			Database:    cfg.Postgres.Database,
			User:        cfg.Postgres.User,
			Password:    cfg.Postgres.Password,
			SSLMode:     cfg.Postgres.SSLMode,
			MinConns:    cfg.Postgres.MinConns,
			MaxConns:    cfg.Postgres.MaxConns,
			PingTimeout: initTimeout,
		})
		if err != nil {
			return fail(fmt.Errorf("postgres: %w", err))
		}
		st.closers = append(st.closers, func() error { pool.Close(); return nil })

		pgStore := internalrepo.NewPGResultStore(pool, l)
		if err := pgStore.Init(ctx); err != nil {
			return fail(fmt.Errorf("postgres schema: %w", err))
		}
		st.Sink, st.Reader, st.Health = pgStore, pgStore, pgStore
		st.Pruners = append(st.Pruners, pgStore)
		st.Probes["postgres"] = health.FromError(pgStore.Health)

	case config.BackendKafka:
		if producer == nil {
			return fail(errors.New("kafka backend without producer"))
		}
		publisher := internalrepo.NewKafkaResultPublisher(producer, cfg.Kafka.Topic, cfg.Kafka.Brokers)
		st.Sink = publisher
		st.Probes["kafka"] = health.FromError(publisher.Health)
		if chStore != nil {
			st.Reader, st.Health = chStore, chStore
		}

	default:
		return fail(fmt.Errorf("unknown backend %q", cfg.Backend.Type))
	}

	cleanup := func() {
		if err := st.Close(); err != nil {
			l.Warn("storage close error", logger.Error(err))
		}
	}
	return st, cleanup, nil
}

// CacheLayer is the last-known-good cache. Redis is nil unless enabled and is kept apart
// for health probing.
type CacheLayer struct {
	Service cache.Service
	Redis   *cache.RedisCache
}

// ProvideCache creates the cache: in memory, fronting Redis when enabled.
func ProvideCache(cfg *config.Config) (*CacheLayer, func(), error) {
	mem := cache.NewMemoryCache(
		cache.WithMemoryMaxSize(cfg.Cache.MemoryMaxSize),
		cache.WithMemoryCleanup(time.Minute),
	)
	if !cfg.Cache.Redis.Enabled {
		return &CacheLayer{Service: mem}, func() { _ = mem.Close() }, nil
	}

	rc, err := cache.NewRedisCache(
		cache.WithRedisAddr(cfg.Cache.Redis.Addr),
		cache.WithRedisPassword(cfg.Cache.Redis.Password),
		cache.WithRedisDB(cfg.Cache.Redis.DB),
		cache.WithRedisPrefix(cfg.Cache.Redis.Prefix),
		cache.WithRedisPool(cfg.Cache.Redis.PoolSize, cfg.Cache.Redis.MinIdleConns, cfg.Cache.Redis.PoolTimeout),
	)
	if err != nil {
		_ = mem.Close()
		return nil, nil, fmt.Errorf("redis cache: %w", err)
	}

	layered := cache.NewLayeredCache(mem, rc)
	return &CacheLayer{Service: layered, Redis: rc}, func() { _ = layered.Close() }, nil
}

// ProvideLatestStore keeps last-known-good results in the cache, reading through to the
// result backend on a miss when it supports reads.
func ProvideLatestStore(cfg *config.Config, c *CacheLayer, st *Storage) repository.LatestStore {
	return internalrepo.NewCacheLatestStore(c.Service, cfg.Cache.TTL, st.Reader)
}

// ProvideFeeds builds one refresher per enabled feed.
func ProvideFeeds(cfg *config.Config, st *Storage, latest repository.LatestStore, m repository.Metrics, l *logger.Logger) (*Feeds, error) {
	registry, err := normalizer.NewRegistry(cfg.Normalizers)
	if err != nil {
		return nil, fmt.Errorf("normalizers: %w", err)
	}

	adapters := make(map[string]repository.SourceAdapter, len(cfg.Sources))
	feeds := &Feeds{Intervals: map[string]time.Duration{}}
	for _, sc := range cfg.Sources {
		a, err := source.New(sc)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", sc.ID, err)
		}
		adapters[sc.ID] = a
		feeds.Adapters = append(feeds.Adapters, a)
	}

	engine := consensus.NewEngine()
	for _, fc := range cfg.Feeds {
		if !fc.IsEnabled() {
			l.Info("feed disabled", logger.String("feed", fc.Name))
			continue
		}

		sources := make([]usecase.FeedSource, 0, len(fc.Sources))
		for _, id := range fc.Sources {
			sc, _ := cfg.SourceByID(id)
			n, ok := registry.Get(sc.Normalizer)
			if !ok {
				return nil, fmt.Errorf("feed %s: source %s: unknown normalizer %q", fc.Name, id, sc.Normalizer)
			}
			sources = append(sources, usecase.FeedSource{Adapter: adapters[id], Normalizer: n})
		}

		r := usecase.NewIndicatorRefresher(fc.Name, sources, fc.Indicators, usecase.RefresherDeps{
			Engine:  engine,
			Sink:    st.Sink,
			Latest:  latest,
			Metrics: m,
			Logger:  l,
		})
		feeds.Refreshers = append(feeds.Refreshers, r)
		feeds.Intervals[r.TaskName()] = fc.Interval
	}
	return feeds, nil
}

// ProvideHealthMonitor registers a probe per backend, the cache, the broker and every source.
func ProvideHealthMonitor(cfg *config.Config, st *Storage, c *CacheLayer, feeds *Feeds, m repository.Metrics, l *logger.Logger) *health.Monitor {
	opts := []health.Option{
		health.WithProbeTimeout(cfg.Scheduler.HealthProbeTimeout),
		health.WithMetrics(m),
		health.WithLogger(l),
	}
	if st.Health != nil {
		opts = append(opts, health.WithRecorder(st.Health))
	}
	mon := health.NewMonitor(opts...)

	for name, probe := range st.Probes {
		mon.Register(name, probe)
	}
	if c.Redis != nil {
		mon.Register("redis", health.FromError(c.Redis.Ping))
	}
	if _, ok := st.Probes["kafka"]; !ok && len(cfg.Kafka.Brokers) > 0 {
		brokers := cfg.Kafka.Brokers
		mon.Register("kafka", health.FromError(func(ctx context.Context) error {
			return pkgkafka.Ping(ctx, brokers)
		}))
	}
	for _, a := range feeds.Adapters {
		mon.Register("source:"+a.ID(), health.FromError(a.Ping))
	}
	return mon
}

func ProvideRetentionCleaner(cfg *config.Config, st *Storage, m repository.Metrics, l *logger.Logger) *usecase.RetentionCleaner {
	return usecase.NewRetentionCleaner(cfg.Scheduler.Retention, m, l, st.Pruners...)
}

// ProvideScheduler registers the feed refreshers and the housekeeping tasks.
func ProvideScheduler(
	cfg *config.Config,
	feeds *Feeds,
	mon *health.Monitor,
	cleaner *usecase.RetentionCleaner,
	limiter *ratelimit.Limiter,
	m repository.Metrics,
	l *logger.Logger,
) (*scheduler.Scheduler, error) {
	s := scheduler.New(
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		scheduler.WithMaxErrors(cfg.Scheduler.MaxErrors),
		scheduler.WithMaxBackoff(cfg.Scheduler.MaxBackoff),
		scheduler.WithHealth(mon),
		scheduler.WithMetrics(m),
		scheduler.WithLogger(l),
	)

	for _, r := range feeds.Refreshers {
		if err := s.Register(r.TaskName(), r.Run, feeds.Intervals[r.TaskName()]); err != nil {
			return nil, err
		}
	}
	if err := s.Register(TaskHealthCheck, mon.Check, cfg.Scheduler.HealthInterval); err != nil {
		return nil, err
	}
	if cleaner.Stores() > 0 {
		if err := s.Register(TaskCleanup, cleaner.Run, cfg.Scheduler.CleanupInterval); err != nil {
			return nil, err
		}
	}
	gc := func(context.Context) error {
		if n := limiter.Cleanup(rateLimitIdle); n > 0 {
			l.Debug("rate limit buckets dropped", logger.Int("count", n))
		}
		return nil
	}
	if err := s.Register(TaskRateLimitGC, gc, rateLimitIdle); err != nil {
		return nil, err
	}
	if cfg.IsProduction() || cfg.Scheduler.SystemMetrics {
		collector := sysmetrics.NewCollector(sysmetrics.NewHostSampler("/"), sysmetrics.DefaultThresholds, m, l)
		if err := s.Register(TaskSystemMetrics, collector.Collect, cfg.Scheduler.SystemMetricsInterval); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ProvideKafkaConsumer creates the archiving consumer, or nil when disabled.
func ProvideKafkaConsumer(cfg *config.Config, st *Storage, km *pkgkafka.Metrics, m repository.Metrics, l *logger.Logger) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Consumer.Enabled || st.Archive == nil {
		return nil, nil
	}

	consumer, err := pkgkafka.NewConsumer(
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerFetch(cfg.Kafka.Consumer.MinBytes, cfg.Kafka.Consumer.MaxBytes),
		pkgkafka.WithConsumerMetrics(km),
		pkgkafka.WithConsumerLogger(l),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}

	consumer.RegisterHandler(usecase.NewResultsArchiver(cfg.Kafka.Topic, st.Archive, m))
	consumer.WithConsumerHook(pkgkafka.TraceHook())
	return consumer, nil
}

// ProvideRateLimiter creates the per client IP limiter for /api.
func ProvideRateLimiter(cfg *config.Config) *ratelimit.Limiter {
	return ratelimit.New(cfg.Server.RateLimit.Requests, cfg.Server.RateLimit.Per, cfg.Server.RateLimit.Burst)
}

// ProvideHTTPServer builds the API server with per-IP rate limiting on /api.
func ProvideHTTPServer(
	cfg *config.Config,
	sched *scheduler.Scheduler,
	mon *health.Monitor,
	latest repository.LatestStore,
	limiter *ratelimit.Limiter,
	reg *prometheus.Registry,
	m repository.Metrics,
	l *logger.Logger,
) *xhttp.Server {
	handler := api.NewStatusEchoHandler(l, sched, mon, latest)

	opts := []xhttp.ServerOption{
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithServerTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithRouteMiddleware(limiter.Middleware(m, l)),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(cfg.Metrics.Path, reg, middleware.NewHTTPMetrics(reg)))
	}
	return xhttp.NewServer(handler, l, opts...)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	sched *scheduler.Scheduler,
	consumer *pkgkafka.Consumer,
	httpServer *xhttp.Server,
	l *logger.Logger,
) *server.App {
	var workers []server.Worker
	if consumer != nil {
		workers = append(workers, consumer)
	}
	return server.New(cfg, l, sched, httpServer, workers...)
}
