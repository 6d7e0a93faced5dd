// The groundline-worker daemon: webhook ingress, lead-processing consumers
// and the dead-letter processor in one process.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/groundline/groundline/pkg/ai"
	"github.com/groundline/groundline/pkg/config"
	"github.com/groundline/groundline/pkg/crm"
	"github.com/groundline/groundline/pkg/enrichment"
	"github.com/groundline/groundline/pkg/grounding"
	"github.com/groundline/groundline/pkg/ingest"
	"github.com/groundline/groundline/pkg/mcp"
	"github.com/groundline/groundline/pkg/metrics"
	"github.com/groundline/groundline/pkg/observability"
	"github.com/groundline/groundline/pkg/queue"
	"github.com/groundline/groundline/pkg/registry"
	"github.com/groundline/groundline/pkg/secrets"
	"github.com/groundline/groundline/pkg/store"
	"github.com/groundline/groundline/pkg/worker"
)

func main() {
	if err := run(); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "groundline-worker:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to a YAML config profile")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.Setup(ctx, observability.Config{
		ServiceName:  "groundline-worker",
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(shutdownCtx)
	}()

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("parse redis url: %w", err)
	}
	redisClient := redis.NewClient(redisOpts)
	defer func() { _ = redisClient.Close() }()

	db, dialect, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	sqlStore, err := store.NewSQLStore(db, dialect)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	executor, err := buildExecutor(ctx, cfg, secrets.NewEnvProvider())
	if err != nil {
		return err
	}
	logger.Info("crm executor ready", "provider", executor.Provider())

	guard := mcp.NewSafetyGuard(logger)
	toolRegistry := registry.New(registry.NameGuard(guard.CheckToolName))
	if err := registry.RegisterStandardTools(toolRegistry, executor); err != nil {
		return err
	}

	orchestrator := mcp.NewOrchestrator(mcp.OrchestratorConfig{
		Registry: toolRegistry,
		Guard:    guard,
		Limiter: mcp.NewRateLimiter(redisClient, mcp.RateLimits{
			ProviderLimit:  cfg.RateLimit.Requests,
			ProviderWindow: cfg.ProviderWindow(),
		}, logger),
		Idempotency: mcp.NewIdempotencyStore(redisClient, 0, logger),
		Breakers:    mcp.NewBreakerSet(executor.Provider(), mcp.BreakerSettings{}, logger, m),
		Recorder: mcp.NewRecorder(sqlStore,
			mcp.NewRedactor(mcp.RedactionStrategy(cfg.RedactionStrategy), 0),
			executor.Provider(), logger),
		Metrics:  m,
		Logger:   logger,
		Provider: executor.Provider(),
	})

	aiProvider, err := ai.NewProvider(cfg.AIProvider, ai.Config{
		APIKey:  os.Getenv("AI_API_KEY"),
		Model:   cfg.AIModel,
		BaseURL: cfg.AIBaseURL,
	})
	if err != nil {
		return err
	}
	enrichProvider := buildEnrichment(cfg)

	leadQueue := queue.New(redisClient, cfg.QueueName, queue.Options{
		MaxAttempts: cfg.Worker.MaxAttempts,
		BaseDelay:   cfg.Worker.BaseDelay,
		Logger:      logger,
	})

	processor := worker.NewProcessor(
		sqlStore, aiProvider, enrichProvider,
		grounding.NewValidator(logger), orchestrator, m, logger,
	)
	pool := worker.New(leadQueue, processor, worker.Config{
		Concurrency: cfg.Worker.Concurrency,
		JobTimeout:  cfg.Worker.JobTimeout,
		GracePeriod: cfg.Worker.GracePeriod,
	}, logger)
	dlqProcessor := worker.NewDLQProcessor(leadQueue, sqlStore, m, logger)

	ingestSvc := ingest.NewService(sqlStore, leadQueue, logger)
	mux := http.NewServeMux()
	ingest.NewHandler(ingestSvc, logger).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := redisClient.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
			return
		}
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "database unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	server := &http.Server{Addr: cfg.ListenAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return pool.Run(groupCtx) })
	group.Go(func() error { return dlqProcessor.Run(groupCtx) })
	group.Go(func() error {
		logger.Info("http listener starting", "addr", cfg.ListenAddr)
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	logger.Info("groundline-worker running",
		"queue", cfg.QueueName, "crm_provider", cfg.CRMProvider, "ai_provider", cfg.AIProvider)
	return group.Wait()
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// openDatabase picks the driver from the URL scheme: postgres:// uses pq,
// anything else is treated as a SQLite DSN.
func openDatabase(databaseURL string) (*sql.DB, store.Dialect, error) {
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		db, err := sql.Open("postgres", databaseURL)
		if err != nil {
			return nil, "", fmt.Errorf("open postgres: %w", err)
		}
		return db, store.DialectPostgres, nil
	}
	db, err := sql.Open("sqlite", databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids lock churn.
	db.SetMaxOpenConns(1)
	return db, store.DialectSQLite, nil
}

func buildExecutor(ctx context.Context, cfg *config.Config, secretsProvider secrets.Provider) (crm.Executor, error) {
	providerCfg := crm.ProviderConfig{
		BaseURL:           cfg.CRM.BaseURL,
		ClientID:          cfg.CRM.ClientID,
		Username:          cfg.CRM.Username,
		TokenURL:          cfg.CRM.TokenURL,
		RequestsPerSecond: cfg.CRM.RequestsPerSecond,
	}
	if cfg.CRM.PrivateKeySecret != "" {
		key, err := secretsProvider.Get(ctx, cfg.CRM.PrivateKeySecret)
		if err != nil {
			return nil, fmt.Errorf("resolve crm private key: %w", err)
		}
		providerCfg.PrivateKeyPEM = key
	}
	return crm.NewExecutor(cfg.CRMProvider, providerCfg)
}

func buildEnrichment(cfg *config.Config) enrichment.Provider {
	if cfg.EnrichmentURL != "" {
		return enrichment.NewHTTPProvider(cfg.EnrichmentURL, os.Getenv("ENRICHMENT_API_KEY"), 5*time.Second)
	}
	return enrichment.NewStaticProvider()
}
