// Package main is the entry point for the model management server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/modelmgmt/internal/capability"
	"github.com/pitabwire/modelmgmt/internal/config"
	"github.com/pitabwire/modelmgmt/internal/observability"
	"github.com/pitabwire/modelmgmt/internal/session"
	"github.com/pitabwire/modelmgmt/internal/source"
	"github.com/pitabwire/modelmgmt/internal/store"
	"github.com/pitabwire/modelmgmt/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	// Step 1: Parse CLI flags.
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	// Step 2: Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	// Step 3: Initialize telemetry (logger, tracer, metrics).
	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "modelmgmt", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Build the model source.
	models, err := buildSource(ctx, cfg, metrics, logger)
	if err != nil {
		logger.Error("model source initialization failed", zap.Error(err))
		return 1
	}

	// Step 5: Build the capability resolver.
	capResolver, err := buildCapabilityResolver(cfg.Capability, metrics)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}

	// Step 6: Build the change-set store and the save ledger.
	history, closeStore, err := buildChangeSetStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("change-set store initialization failed", zap.Error(err))
		return 1
	}
	if closeStore != nil {
		defer closeStore()
	}

	ledger, closeLedger, err := buildSaveLedger(ctx, cfg.Idempotency, logger)
	if err != nil {
		logger.Error("idempotency store initialization failed", zap.Error(err))
		return 1
	}
	if closeLedger != nil {
		defer closeLedger()
	}

	// Step 7: Create the session manager and start the expiry sweeper.
	opts := []session.Option{
		session.WithRecorder(history),
		session.WithObserver(session.NewMetricsObserver(metrics)),
		session.WithTTL(cfg.Sessions.TTL),
		session.WithLogger(logger),
	}
	if models.publisher != nil {
		opts = append(opts, session.WithPublisher(models.publisher))
	}
	if ledger != nil {
		opts = append(opts, session.WithLedger(ledger, cfg.Idempotency.Store.DefaultTTL))
	}
	sessions := session.NewManager(models.source, opts...)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	go sessions.Run(bgCtx, cfg.Sessions.SweepInterval)
	if models.watcher != nil {
		go func() {
			if err := models.watcher.Run(bgCtx); err != nil {
				logger.Error("definition watcher stopped", zap.Error(err))
			}
		}()
	}

	// Step 8: Create the authenticator.
	signingKeys := transport.NewSigningKeys(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, transport.WithKeysLogger(logger))
	authenticate := transport.BearerAuth(cfg.Identity, signingKeys)

	// Step 9: Build the readiness checks and the router.
	checks := observability.ReadinessChecks{
		ModelsLoaded:   models.loaded,
		ChangeSetStore: history,
	}
	if ledger != nil {
		if hc, ok := ledger.(observability.HealthChecker); ok {
			checks.IdempotencyStore = hc
		}
	}
	if models.remote != nil {
		checks.RemoteSource = models.remote
	}

	deps := transport.Dependencies{
		Config:             cfg,
		Logger:             logger,
		Metrics:            metrics,
		Authenticate:       authenticate,
		CapabilityResolver: capResolver,
		Sessions:           sessions,
		History:            history,
		HealthHandler:      observability.HandleHealth(),
		ReadyHandler:       observability.HandleReady(checks),
	}
	if models.catalogue != nil {
		deps.Catalogue = models.catalogue
	}
	if cfg.Observability.Metrics.Enabled {
		deps.MetricsHandler = observability.Handler()
	}
	router := transport.NewRouter(deps)

	// Step 10: Start the HTTP server.
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      observability.TracingMiddleware(router),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.Int("models", models.count()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Step 11: Wait for a shutdown signal or a server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", zap.Error(err))
			return 1
		}
	}

	// Step 12: Graceful shutdown.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	bgCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if tracingShutdown != nil {
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
	return 0
}

// modelSource bundles whichever model source the configuration selects.
type modelSource struct {
	source    session.Source
	publisher session.Publisher
	catalogue transport.ModelCatalogue
	registry  *source.Registry
	remote    *source.RemoteSource
	watcher   *source.Watcher
	loaded    func() bool
}

func (m modelSource) count() int {
	if m.registry == nil {
		return 0
	}
	return m.registry.Len()
}

// buildSource creates the model source. A remote model service takes
// precedence over local payload directories.
func buildSource(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger) (modelSource, error) {
	if cfg.Remote.Enabled {
		remote, err := source.NewRemoteSource(cfg.Remote,
			source.WithRemoteMetrics(metrics),
			source.WithRemoteLogger(logger),
		)
		if err != nil {
			return modelSource{}, err
		}
		logger.Info("using remote model service", zap.String("base_url", cfg.Remote.BaseURL))
		return modelSource{
			source:    remote,
			publisher: remote,
			remote:    remote,
			loaded:    func() bool { return remote.HealthCheck(ctx) == nil },
		}, nil
	}

	payloads, err := source.NewLoader().LoadAll(cfg.Definitions.Directories)
	if err != nil {
		return modelSource{}, fmt.Errorf("load definitions: %w", err)
	}
	if verrs := source.NewValidator().Validate(payloads); len(verrs) > 0 {
		for _, ve := range verrs {
			logger.Error("definition validation error", zap.String("error", ve.Error()))
		}
		return modelSource{}, &source.ValidationError{Errors: verrs}
	}

	registry := source.NewRegistry(payloads, logger)
	metrics.SetModelsLoaded(registry.Len())
	logger.Info("definitions loaded",
		zap.Int("payloads", len(payloads)),
		zap.Int("models", registry.Len()),
		zap.String("checksum", registry.Checksum()),
	)

	ms := modelSource{
		source:    registry,
		catalogue: registry,
		registry:  registry,
		loaded:    func() bool { return registry.Len() > 0 },
	}
	if cfg.Definitions.HotReload {
		ms.watcher = source.NewWatcher(registry, cfg.Definitions.Directories,
			source.WithDebounce(cfg.Definitions.Debounce),
			source.WithReloadMetrics(metrics),
			source.WithWatcherLogger(logger),
		)
	}
	return ms, nil
}

// buildCapabilityResolver creates the capability resolver based on config.
func buildCapabilityResolver(cfg config.CapabilityConfig, metrics *observability.Metrics) (*capability.Resolver, error) {
	switch cfg.Evaluator {
	case "static", "":
		evaluator, err := capability.NewStaticPolicyEvaluator(cfg.StaticPolicyFile)
		if err != nil {
			return nil, fmt.Errorf("static policy: %w", err)
		}
		return capability.NewResolver(evaluator, cfg.Cache.TTL, cfg.Cache.MaxEntries,
			capability.WithCacheMetrics(metrics),
		), nil
	default:
		return nil, fmt.Errorf("unsupported capability evaluator: %q", cfg.Evaluator)
	}
}

// buildChangeSetStore creates the change-set store based on config.
func buildChangeSetStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.ChangeSetStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory change-set store")
		return store.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("change-set store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("change-set store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		if cfg.MaxIdleConns > 0 {
			poolCfg.MinConns = int32(cfg.MaxIdleConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime
		}

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("change-set store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("change-set store: ping: %w", err)
		}

		pg := store.NewPgStore(pool)
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("change-set store: migrate: %w", err)
		}
		logger.Info("using postgres change-set store")
		return pg, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported change-set store driver: %q", cfg.Driver)
	}
}

// buildSaveLedger creates the idempotency ledger based on config.
// Returns a nil ledger if idempotency is disabled.
func buildSaveLedger(ctx context.Context, cfg config.IdempotencyConfig, logger *zap.Logger) (session.SaveLedger, func(), error) {
	if !cfg.Enabled {
		return nil, nil, nil
	}

	switch cfg.Store.Driver {
	case "memory", "":
		logger.Info("using in-memory idempotency store")
		return session.NewMemoryLedger(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.Store.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("idempotency store: %s environment variable not set", cfg.Store.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.Store.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("idempotency store: ping: %w", err)
		}
		logger.Info("using redis idempotency store", zap.String("addr", addr))
		return session.NewRedisLedger(client), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported idempotency store driver: %q", cfg.Store.Driver)
	}
}
