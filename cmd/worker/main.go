// Command worker runs the pipeline consumers: JD extraction, resume parsing,
// scoring, report generation and session coordination.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hirelens/pipeline/internal/adapter/bus/redpanda"
	"github.com/hirelens/pipeline/internal/adapter/idempotency"
	"github.com/hirelens/pipeline/internal/adapter/llm"
	objectstore "github.com/hirelens/pipeline/internal/adapter/objectstore/postgres"
	"github.com/hirelens/pipeline/internal/adapter/observability"
	"github.com/hirelens/pipeline/internal/adapter/repo/postgres"
	"github.com/hirelens/pipeline/internal/app"
	"github.com/hirelens/pipeline/internal/config"
	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/internal/worker/jdextract"
	"github.com/hirelens/pipeline/internal/worker/report"
	"github.com/hirelens/pipeline/internal/worker/resumeparse"
	"github.com/hirelens/pipeline/internal/worker/scoring"
	"github.com/hirelens/pipeline/internal/worker/session"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("unrecovered panic", slog.Any("panic", r))
			os.Exit(config.ExitPanic)
		}
	}()
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		return config.ExitConfigError
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	// Expose worker metrics on a dedicated port for scraping.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if err := cfg.Validate(true); err != nil {
		slog.Error("configuration invalid", slog.Any("error", err))
		return config.ExitConfigError
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		return config.ExitConfigError
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		slog.Error("db schema init failed", slog.Any("error", err))
		return config.ExitConfigError
	}

	blobPool := pool
	if cfg.ObjectStoreURL != cfg.DBURL {
		blobPool, err = postgres.NewPool(ctx, cfg.ObjectStoreURL)
		if err != nil {
			slog.Error("object store connect failed", slog.Any("error", err))
			return config.ExitConfigError
		}
		defer blobPool.Close()
	}
	if err := objectstore.EnsureSchema(ctx, blobPool); err != nil {
		slog.Error("object store schema init failed", slog.Any("error", err))
		return config.ExitConfigError
	}
	store := objectstore.New(blobPool, cfg.MaxFileBytes())

	idem := idempotency.New(cfg.RedisAddr)
	defer func() { _ = idem.Close() }()
	if err := idem.Ping(ctx); err != nil {
		slog.Error("redis connect failed", slog.Any("error", err))
		return config.ExitConfigError
	}

	if len(cfg.BusURL) == 0 && cfg.BusOptional {
		// Degraded mode: nothing to consume, stay alive for health probes.
		slog.Warn("bus disabled, worker idling in degraded mode")
		waitForSignal()
		return config.ExitOK
	}

	if err := redpanda.EnsureSubjects(ctx, cfg.BusURL); err != nil {
		slog.Error("subject bootstrap failed", slog.Any("error", err))
		return config.ExitBusLost
	}
	producer, err := redpanda.NewProducer(cfg.BusURL, cfg.PublishTimeout)
	if err != nil {
		slog.Error("bus producer connect failed", slog.Any("error", err))
		return config.ExitBusLost
	}
	defer producer.Close()

	llmClient := llm.Select(cfg)
	slog.Info("llm adapter selected", slog.String("model_version", llmClient.ModelVersion()))

	sessions := postgres.NewSessionRepo(pool)
	pairings := postgres.NewPairingRepo(pool)

	jdHandler := jdextract.New(producer, idem, llmClient)
	parseHandler := resumeparse.New(producer, store, idem, llmClient, cfg.MaxFileBytes())
	engine := scoring.NewEngine(pairings, producer, idem, cfg.PairingTTL())
	reportHandler := report.New(producer, idem, llmClient.ModelVersion())
	coordinator := session.New(sessions)

	subCfg := func(subject, group string, workers int, timeout time.Duration) redpanda.SubscriptionConfig {
		return redpanda.SubscriptionConfig{
			Subject:        subject,
			Group:          group,
			Workers:        workers,
			HandlerTimeout: timeout,
			AckWait:        cfg.AckWait(),
			MaxDeliveries:  cfg.MaxDeliveries,
			RedeliveryBase: cfg.RedeliveryBase,
			RedeliveryMax:  cfg.RedeliveryMax,
		}
	}

	subs := []struct {
		cfg     redpanda.SubscriptionConfig
		handler redpanda.Handler
	}{
		{subCfg(domain.SubjectJobSubmitted, jdextract.Group, cfg.Concurrency(4), cfg.HandlerDeadline), jdHandler.Handle},
		{subCfg(domain.SubjectResumeSubmitted, resumeparse.Group, cfg.Concurrency(10), cfg.ParseDeadline), parseHandler.Handle},
		{subCfg(domain.SubjectJdExtracted, scoring.Group, cfg.Concurrency(4), cfg.HandlerDeadline), engine.HandleJdExtracted},
		{subCfg(domain.SubjectResumeParsed, scoring.Group, cfg.Concurrency(4), cfg.HandlerDeadline), engine.HandleResumeParsed},
		{subCfg(domain.SubjectMatchScored, report.Group, cfg.Concurrency(4), cfg.HandlerDeadline), reportHandler.Handle},
	}

	errCh := make(chan error, len(subs)+1)
	for _, sub := range subs {
		consumer, err := redpanda.NewConsumer(cfg.BusURL, producer, sub.cfg, sub.handler)
		if err != nil {
			slog.Error("consumer init failed", slog.String("subject", sub.cfg.Subject), slog.Any("error", err))
			return config.ExitBusLost
		}
		go func() { errCh <- consumer.Run(ctx) }()
	}

	// The coordinator folds all pipeline subjects plus the DLQ twins in one
	// subscription.
	coordCfg := subCfg(domain.SubjectJobSubmitted, session.Group, cfg.Concurrency(4), cfg.HandlerDeadline)
	coordCfg.Subjects = session.Subjects()
	coordConsumer, err := redpanda.NewConsumer(cfg.BusURL, producer, coordCfg, coordinator.Handle)
	if err != nil {
		slog.Error("coordinator consumer init failed", slog.Any("error", err))
		return config.ExitBusLost
	}
	go func() { errCh <- coordConsumer.Run(ctx) }()

	// Maintenance loops: pairing TTL, stalled sessions, retention.
	go engine.RunSweeper(ctx, cfg.SweepInterval)
	if sweeper := app.NewStuckSessionSweeper(sessions, cfg.StuckSessionAge, cfg.SweepInterval); sweeper != nil {
		go sweeper.Run(ctx)
	}
	if retention := app.NewRetentionJob(sessions, cfg.SessionRetentionDays, time.Hour); retention != nil {
		go retention.Run(ctx)
	}

	slog.Info("worker started", slog.Int("subscriptions", len(subs)+1))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
		cancel()
		return config.ExitOK
	case err := <-errCh:
		if err != nil {
			slog.Error("subscription lost", slog.Any("error", err))
			cancel()
			return config.ExitBusLost
		}
		return config.ExitOK
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutdown signal received", slog.String("signal", sig.String()))
}
