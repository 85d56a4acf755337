// Package main is the entry point for the casedesk console server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/pitabwire/casedesk/internal/audit"
	"github.com/pitabwire/casedesk/internal/capability"
	"github.com/pitabwire/casedesk/internal/config"
	"github.com/pitabwire/casedesk/internal/definition"
	"github.com/pitabwire/casedesk/internal/observability"
	"github.com/pitabwire/casedesk/internal/platform"
	"github.com/pitabwire/casedesk/internal/review"
	"github.com/pitabwire/casedesk/internal/session"
	"github.com/pitabwire/casedesk/internal/transport"
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
	defer logger.Sync()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slogLevel(cfg.Observability.LogLevel),
	})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "casedesk", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Step 4: Load and validate the workflow definition.
	def, err := definition.NewLoader().LoadOrDefault(cfg.Workflow.DefinitionFile)
	if err != nil {
		logger.Error("workflow definition loading failed", zap.Error(err))
		return 1
	}
	registry := definition.NewRegistry(def)
	metrics.SetDefinitionStages(len(def.StageOrder))

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()

	if cfg.Workflow.HotReload && cfg.Workflow.DefinitionFile != "" {
		watcher, err := definition.NewWatcher(cfg.Workflow.DefinitionFile, cfg.Workflow.Debounce, registry, logger, metrics)
		if err != nil {
			logger.Error("definition watcher initialization failed", zap.Error(err))
			return 1
		}
		if err := watcher.Start(bgCtx); err != nil {
			logger.Error("definition watcher start failed", zap.Error(err))
			return 1
		}
		defer watcher.Close()
	}

	// Step 5: Platform client.
	contract := platform.DefaultContract()
	if cfg.Platform.ContractFile != "" {
		contract, err = platform.LoadContract(ctx, cfg.Platform.ContractFile)
		if err != nil {
			logger.Error("platform contract loading failed", zap.Error(err))
			return 1
		}
	}
	client := platform.NewClient(cfg.Platform, contract, logger.Named("platform"), metrics)

	// Step 6: Stores and event publisher.
	auditStore, auditCloser, err := buildAuditStore(ctx, cfg.Audit, logger)
	if err != nil {
		logger.Error("audit store initialization failed", zap.Error(err))
		return 1
	}
	if auditCloser != nil {
		defer auditCloser()
	}

	tokenStore, tokenCloser, err := buildTokenStore(ctx, cfg.Tokens, logger)
	if err != nil {
		logger.Error("token store initialization failed", zap.Error(err))
		return 1
	}
	if tokenCloser != nil {
		defer tokenCloser()
	}

	publisher, publisherCloser, err := buildPublisher(cfg.Events, logger)
	if err != nil {
		logger.Error("event publisher initialization failed", zap.Error(err))
		return 1
	}
	if publisherCloser != nil {
		defer publisherCloser()
	}

	// Step 7: Sessions and list caches.
	sessions := session.NewManager(session.Config{
		Platform:       client,
		Definition:     registry,
		Logger:         logger.Named("session"),
		Recorder:       metrics,
		CaseInterval:   cfg.Polling.CaseInterval,
		RequestTimeout: cfg.Polling.RequestTimeout,
		Idle:           cfg.Polling.SessionIdle,
	})
	sessionsDone := make(chan struct{})
	go func() {
		sessions.Run(bgCtx)
		close(sessionsDone)
	}()

	queue, err := session.NewQueueCache(client, cfg.Polling.QueueInterval, cfg.Polling.RequestTimeout, logger, metrics)
	if err != nil {
		logger.Error("queue cache initialization failed", zap.Error(err))
		return 1
	}
	claims, err := session.NewClaimsCache(client, cfg.Polling.ClaimsInterval, cfg.Polling.RequestTimeout, logger, metrics)
	if err != nil {
		logger.Error("claims cache initialization failed", zap.Error(err))
		return 1
	}
	queue.Start(bgCtx)
	claims.Start(bgCtx)

	// Step 8: Capability resolver.
	evaluator, err := capability.NewStaticPolicyEvaluator(cfg.Capability.StaticPolicyFile)
	if err != nil {
		logger.Error("capability resolver initialization failed", zap.Error(err))
		return 1
	}
	capResolver := capability.NewResolver(evaluator, cfg.Capability.CacheTTL, metrics)

	// Step 9: Review flows.
	completer := review.NewCompleter(review.CompleterConfig{
		Platform:   client,
		Definition: registry,
		Sessions:   sessions,
		Tokens:     tokenStore,
		Audit:      auditStore,
		Publisher:  publisher,
		Recorder:   metrics,
		Logger:     logger.Named("review"),
		TTL:        cfg.Review.ConfirmationTTL,
	})
	reviewer := review.NewReviewer(review.ReviewerConfig{
		Platform:        client,
		Sessions:        sessions,
		Audit:           auditStore,
		Publisher:       publisher,
		Recorder:        metrics,
		Logger:          logger.Named("review"),
		SeniorReviewers: cfg.Review.SeniorReviewers,
		Documents:       cfg.Review.Documents,
	})

	// Step 10: Build HTTP router.
	jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL)

	readinessChecks := observability.ReadinessChecks{
		DefinitionLoaded: func() bool { return len(registry.Stages()) > 0 },
		Platform:         client,
		AuditStore:       auditStore,
		TokenStore:       tokenStore,
	}
	if hc, ok := publisher.(observability.HealthChecker); ok {
		readinessChecks.EventBus = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:             cfg,
		Authenticate:       transport.JWTAuthenticator(cfg.Identity, jwks),
		CapabilityResolver: capResolver,
		Definition:         registry,
		Sessions:           sessions,
		Completer:          completer,
		Reviewer:           reviewer,
		Audit:              auditStore,
		Queue:              queue,
		Claims:             claims,
		Metrics:            metrics,
		Readiness:          &readinessChecks,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Step 11: Start HTTP server.
	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("workflow", def.Name),
		zap.String("platform", cfg.Platform.BaseURL),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	// Graceful shutdown sequence.
	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop pollers.
	bgCancel()
	<-sessionsDone
	<-queue.Done()
	<-claims.Done()

	// Flush telemetry.
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

func slogLevel(level string) slog.Level {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return l
}

// auditStore is an audit store that can report its health.
type auditStore interface {
	audit.Store
	observability.HealthChecker
}

// buildAuditStore creates the audit store based on config.
func buildAuditStore(ctx context.Context, cfg config.AuditConfig, logger *zap.Logger) (auditStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory audit store")
		return audit.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("audit store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("audit store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("audit store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("audit store: ping: %w", err)
		}

		store := audit.NewPgStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("audit store: migrate: %w", err)
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported audit store driver: %q", cfg.Driver)
	}
}

// tokenStore is a confirmation token store that can report its health.
type tokenStore interface {
	review.TokenStore
	observability.HealthChecker
}

// buildTokenStore creates the confirmation token store based on config.
func buildTokenStore(ctx context.Context, cfg config.TokenStoreConfig, logger *zap.Logger) (tokenStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory confirmation token store")
		return review.NewMemoryTokenStore(), nil, nil
	case "redis":
		addr := os.Getenv(cfg.AddrEnv)
		if addr == "" {
			return nil, nil, fmt.Errorf("token store: %s environment variable not set", cfg.AddrEnv)
		}
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("token store: ping: %w", err)
		}
		return review.NewRedisTokenStore(client, cfg.Prefix), func() { _ = client.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unsupported token store driver: %q", cfg.Driver)
	}
}

// buildPublisher connects to NATS when events are enabled.
func buildPublisher(cfg config.EventsConfig, logger *zap.Logger) (review.Publisher, func(), error) {
	if !cfg.Enabled {
		return review.NoopPublisher{}, nil, nil
	}
	conn, err := review.ConnectNATS(cfg.URL, "casedesk")
	if err != nil {
		return nil, nil, err
	}
	logger.Info("publishing events to NATS", zap.String("url", conn.ConnectedUrl()), zap.String("prefix", cfg.SubjectPrefix))
	return review.NewNATSPublisher(conn, cfg.SubjectPrefix), func() {
		if err := conn.Drain(); err != nil {
			logger.Warn("NATS drain failed", zap.Error(err))
		}
	}, nil
}
