package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/mojtabashariatzade/adder-repo-sub001/db"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/pool"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/resilience"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/sessions"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/app/strategy"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/config"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/config/credentials"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/connector/simulated"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/metrics"
	progressreporter "github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/progress_reporter"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/filesystem"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/memory"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/minio"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/postgres"
	redisstore "github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/redis"
	"github.com/mojtabashariatzade/adder-repo-sub001/internal/infra/storage/sqlite"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/logger"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/common/otel"
	"github.com/mojtabashariatzade/adder-repo-sub001/pkg/storage"
)

// app holds the wired components shared by every command.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	tracer trace.Tracer

	registry        *prometheus.Registry
	strategyMetrics strategy.Metrics

	docs        storage.DocumentStore
	pool        *pool.Pool
	sessions    *sessions.Store
	errors      *resilience.Manager
	checkpoints storage.CheckpointStorage
	connector   *simulated.Connector
	reporter    progressreporter.Reporter

	// closers run in reverse order on Close.
	closers []func(context.Context) error
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (_ *app, err error) {
	hostname, _ := os.Hostname()
	log := logger.NewWithMetadata(
		logOut,
		logger.ParseLevel(cfg.LogLevel),
		cfg.Service,
		otel.GetTraceID,
		logger.Events{},
		map[string]string{"hostname": hostname, "app": "adder"},
	)

	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil {
			a.Close(context.WithoutCancel(ctx))
		}
	}()

	telemetry := cfg.Telemetry
	if telemetry.ServiceName == "" {
		telemetry.ServiceName = cfg.Service
	}
	providers, teardown, err := otel.InitTelemetry(log, telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.onClose(func(ctx context.Context) error { teardown(ctx); return nil })
	a.tracer = providers.Tracer.Tracer(telemetry.ServiceName)

	if a.strategyMetrics, err = strategy.NewMetrics(providers.Meter); err != nil {
		return nil, fmt.Errorf("failed to create strategy metrics: %w", err)
	}

	if a.docs, err = a.openDocumentStore(ctx); err != nil {
		return nil, err
	}
	sink, err := a.openArchiveSink(ctx)
	if err != nil {
		return nil, err
	}

	a.pool = pool.New(cfg.Workers.Limits(), log, a.tracer,
		pool.WithRepository(pool.NewDocumentRepository(a.docs)),
		pool.WithMetrics(metrics.NewPool(a.registry)),
	)
	if err := a.pool.Load(ctx); err != nil {
		return nil, err
	}
	if err := a.seedWorkers(ctx); err != nil {
		return nil, err
	}

	sessOpts := []sessions.Option{
		sessions.WithMaxActiveSessions(cfg.Sessions.MaxActiveSessions),
		sessions.WithHistoryLimit(cfg.Sessions.StateHistoryLimit),
		sessions.WithMetrics(metrics.NewSessions(a.registry)),
	}
	if sink != nil {
		sessOpts = append(sessOpts, sessions.WithArchiveSink(sink))
	}
	a.sessions = sessions.New(a.docs, log, a.tracer, sessOpts...)
	a.onClose(a.sessions.Close)

	a.errors = resilience.NewManager(log, a.tracer,
		resilience.WithConverter(simulated.NewConverterChain()),
		resilience.WithErrorStats(resilience.NewErrorStats(cfg.Errors.RecentErrorLimit)),
	)
	a.checkpoints = storage.NewDocumentCheckpointStorage(a.docs)
	a.connector = simulated.New(cfg.Simulation, log, a.tracer)

	if a.reporter, err = a.openReporter(ctx); err != nil {
		return nil, err
	}

	return a, nil
}

func (a *app) onClose(fn func(context.Context) error) { a.closers = append(a.closers, fn) }

// Close releases every resource opened by newApp.
func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.log.Error(ctx, "Failed to release resource", "error", err)
		}
	}
	a.closers = nil
}

func (a *app) openDocumentStore(ctx context.Context) (storage.DocumentStore, error) {
	sc := a.cfg.Storage
	switch sc.Backend {
	case config.BackendMemory:
		return memory.NewDocumentStore(), nil

	case config.BackendFilesystem:
		return filesystem.NewDocumentStore(sc.Path, a.tracer)

	case config.BackendSQLite:
		s, err := sqlite.Open(ctx, sc.SQLitePath, a.tracer)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return s.Close() })
		return s, nil

	case config.BackendPostgres:
		poolCfg, err := pgxpool.ParseConfig(sc.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("failed to parse db config: %w", err)
		}
		poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

		pgPool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to open db: %w", err)
		}
		a.onClose(func(context.Context) error { pgPool.Close(); return nil })

		if err := db.Migrate(pgPool); err != nil {
			return nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		a.log.Info(ctx, "Migrations applied successfully")
		return postgres.NewDocumentStore(pgPool, a.tracer), nil

	case config.BackendRedis:
		s, err := redisstore.Connect(ctx, sc.RedisURL, sc.RedisPrefix, a.tracer)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { return s.Close() })
		return s, nil
	}
	return nil, fmt.Errorf("unknown storage backend %q", sc.Backend)
}

func (a *app) openArchiveSink(ctx context.Context) (storage.ArchiveSink, error) {
	ac := a.cfg.Archive
	switch ac.Backend {
	case config.BackendNone, "":
		return nil, nil

	case config.BackendFilesystem:
		return filesystem.NewArchiveSink(ac.Path, a.tracer), nil

	case config.BackendMinIO:
		sink, err := minio.NewArchiveSink(ac.MinIO, a.log, a.tracer)
		if err != nil {
			return nil, err
		}
		if err := sink.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return sink, nil
	}
	return nil, fmt.Errorf("unknown archive backend %q", ac.Backend)
}

func (a *app) openReporter(ctx context.Context) (progressreporter.Reporter, error) {
	reporters := progressreporter.Fanout{progressreporter.NewLogReporter(a.log)}
	if !a.cfg.Kafka.Enabled {
		return reporters, nil
	}

	producer, err := progressreporter.NewProducer(ctx, a.cfg.Kafka.KafkaConfig, a.log)
	if err != nil {
		return nil, err
	}
	kr := progressreporter.NewKafkaReporter(producer, a.cfg.Kafka.Topic, a.log, a.tracer)
	a.onClose(func(context.Context) error { return kr.Close() })

	return append(reporters, kr), nil
}

// seedWorkers imports the configured credentials. Credentials already in
// the pool keep their state.
func (a *app) seedWorkers(ctx context.Context) error {
	if len(a.cfg.Credentials) == 0 {
		return nil
	}
	store, err := credentials.FromConfig(a.cfg.Credentials, nil)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	for _, cred := range store.All() {
		if _, err := a.pool.AddWorker(ctx, cred); err != nil {
			return fmt.Errorf("failed to add worker %s: %w", cred.Key, err)
		}
	}
	return nil
}

func (a *app) strategy(kind strategy.Kind) (strategy.Strategy, error) {
	return strategy.New(kind, strategy.Deps{
		Pool:        a.pool,
		Sessions:    a.sessions,
		Connector:   a.connector,
		Errors:      a.errors,
		Checkpoints: a.checkpoints,
		Metrics:     a.strategyMetrics,
		Logger:      a.log,
		Tracer:      a.tracer,
	}, a.cfg.Strategy.ToStrategy())
}

// serveMetrics exposes the Prometheus registry until ctx is done.
func (a *app) serveMetrics(ctx context.Context) {
	if a.cfg.MetricsAddr == "" {
		return
	}
	go func() {
		a.log.Info(ctx, "Serving metrics", "addr", a.cfg.MetricsAddr)
		if err := common.RunMetricsServer(ctx, a.cfg.MetricsAddr, a.registry); err != nil {
			a.log.Error(ctx, "Metrics server stopped", "error", err)
		}
	}()
}
