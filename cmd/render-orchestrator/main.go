// Package main provides the entry point for the render orchestrator.
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

	"github.com/rendercore/orchestrator/internal/bootstrap"
	"github.com/rendercore/orchestrator/internal/config"
	"github.com/rendercore/orchestrator/internal/dispatch"
	"github.com/rendercore/orchestrator/internal/server"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: load config: %v\n", err)
		return 2
	}

	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	logger.Info("starting render orchestrator",
		slog.Int("port", cfg.Port),
		slog.String("log_format", cfg.LogFormat),
		slog.String("log_level", cfg.LogLevel),
		slog.String("temp_dir", cfg.TempDir),
		slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
		slog.Int("worker_pool_size", cfg.WorkerPoolSize),
		slog.Bool("s3_enabled", cfg.S3Enabled()),
		slog.Bool("redis_enabled", cfg.RedisEnabled()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := bootstrap.NewDependencies(ctx, cfg, logger, cfg.RendererBaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: initialize dependencies: %v\n", err)
		return 1
	}

	dispatcher := dispatch.New(deps.Queue, deps.Coordinator, logger)
	go dispatcher.Run(ctx)

	handlers := server.NewHandlers(deps.Queue, dispatcher, logger)
	router := server.NewRouter(handlers, logger, server.DefaultConfig())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second, // Allow for long-running render status reads
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("server failed: %w", err)
		}
	}()

	interrupted := false
	select {
	case <-ctx.Done():
		interrupted = true
		logger.Info("received shutdown signal")
	case err := <-errCh:
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	logger.Info("shutting down HTTP server...")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "error: shutdown failed: %v\n", err)
		return 1
	}

	logger.Info("server stopped gracefully")
	if interrupted {
		return 130
	}
	return 0
}
