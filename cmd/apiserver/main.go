// Command apiserver starts the HTTP admission layer: job submission, resume
// upload into the object store, and session snapshot reads.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hirelens/pipeline/internal/adapter/bus/redpanda"
	"github.com/hirelens/pipeline/internal/adapter/httpserver"
	objectstore "github.com/hirelens/pipeline/internal/adapter/objectstore/postgres"
	"github.com/hirelens/pipeline/internal/adapter/observability"
	"github.com/hirelens/pipeline/internal/adapter/repo/postgres"
	"github.com/hirelens/pipeline/internal/app"
	"github.com/hirelens/pipeline/internal/config"
	"github.com/hirelens/pipeline/internal/domain"
	"github.com/hirelens/pipeline/internal/usecase"
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

	ctx := context.Background()

	// Sessions live in the primary database.
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

	// Resume blobs may live in a separate database.
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

	var bus domain.Bus
	var busCheck func(context.Context) error
	if len(cfg.BusURL) == 0 && cfg.BusOptional {
		slog.Warn("bus disabled, running in degraded mode")
		bus = redpanda.DisabledBus{}
	} else {
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
		bus = producer
		busCheck = producer.Ping
	}

	sessions := postgres.NewSessionRepo(pool)
	submitSvc := usecase.NewSubmitService(bus, store)
	querySvc := usecase.NewQueryService(sessions)

	dbCheck := func(ctx context.Context) error { return pool.Ping(ctx) }
	srv := httpserver.NewServer(cfg, submitSvc, querySvc, dbCheck, nil, busCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutdown signal received", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	return config.ExitOK
}
