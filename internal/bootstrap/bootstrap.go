// Package bootstrap wires the render orchestrator's components together
// from a loaded Config: the Job Queue, Progress Store, Worker Pool,
// Backpressure Governor, Segment Merger, Callback Emitter, object
// storage, and the Job Coordinator that drives them all.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rendercore/orchestrator/internal/backpressure"
	"github.com/rendercore/orchestrator/internal/callback"
	"github.com/rendercore/orchestrator/internal/config"
	"github.com/rendercore/orchestrator/internal/coordinator"
	"github.com/rendercore/orchestrator/internal/encode"
	"github.com/rendercore/orchestrator/internal/job"
	"github.com/rendercore/orchestrator/internal/merger"
	"github.com/rendercore/orchestrator/internal/progress"
	"github.com/rendercore/orchestrator/internal/render"
	"github.com/rendercore/orchestrator/internal/storage"
	"github.com/rendercore/orchestrator/internal/workerpool"
)

// Dependencies holds every initialized component the HTTP server and
// its background job runner need.
type Dependencies struct {
	Queue       job.Queue
	Progress    progress.Store
	Coordinator *coordinator.Coordinator
}

// NewDependencies creates and wires all dependencies for the
// application from cfg. rendererBaseURL addresses the externally
// driven compositor service that backs every Render Worker slot; an
// empty value is accepted (e.g. for dry-run/testing deployments where
// no job will ever actually be run).
func NewDependencies(ctx context.Context, cfg *config.Config, logger *slog.Logger, rendererBaseURL string) (*Dependencies, error) {
	store, err := initStorage(cfg, logger)
	if err != nil {
		return nil, err
	}

	queue, progressStore, err := initStores(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	pool := workerpool.New(cfg.WorkerPoolSize)
	logger.Info("worker pool initialized", slog.Int("size", cfg.WorkerPoolSize))

	governor := backpressure.New(backpressure.NewProcessSampler(1024, 1.0))
	go governor.Run(ctx)

	startLeaseSweep(ctx, queue, cfg, logger)
	startTempCleanup(ctx, store, cfg, logger)

	concat := encode.NewConcatenator(cfg.FFmpegPath, 0)
	merge := merger.New(concat)

	emitter := callback.New(
		callback.WithMaxRetries(cfg.CallbackRetryCount),
		callback.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.CallbackTimeoutSec) * time.Second}),
	)

	renderers := func(slot int) render.Renderer {
		opts := []render.HTTPRendererOption{}
		if cfg.RendererAPIKey != "" {
			opts = append(opts, render.WithRendererAPIKey(cfg.RendererAPIKey))
		}
		return render.NewHTTPRenderer(rendererBaseURL, opts...)
	}

	coordCfg := coordinator.DefaultConfig()
	coordCfg.TempDir = cfg.TempDir
	coordCfg.FFmpegPath = cfg.FFmpegPath
	coordCfg.FFprobePath = cfg.FFprobePath

	coord := &coordinator.Coordinator{
		Queue:     queue,
		Pool:      pool,
		Renderers: renderers,
		Merger:    merge,
		Storage:   store,
		Callbacks: emitter,
		Progress:  progressStore,
		Governor:  governor,
		Logger:    logger,
		Config:    coordCfg,
	}

	return &Dependencies{
		Queue:       queue,
		Progress:    progressStore,
		Coordinator: coord,
	}, nil
}

// initStorage creates the appropriate object-storage backend based on
// configuration: S3 when bucket/region are set, local disk otherwise.
func initStorage(cfg *config.Config, logger *slog.Logger) (storage.Storage, error) {
	if cfg.S3Enabled() {
		s3Cfg := storage.S3Config{
			Bucket:          cfg.S3Bucket,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
		}
		s3Store, err := storage.NewS3Storage(cfg.TempDir, s3Cfg)
		if err != nil {
			return nil, fmt.Errorf("create S3 storage: %w", err)
		}
		logger.Info("S3 storage configured",
			slog.String("bucket", cfg.S3Bucket),
			slog.String("region", cfg.S3Region),
		)
		return s3Store, nil
	}

	localStore, err := storage.NewLocalStorage(cfg.TempDir)
	if err != nil {
		return nil, fmt.Errorf("create local storage: %w", err)
	}
	logger.Info("local storage configured", slog.String("temp_dir", cfg.TempDir))
	return localStore, nil
}

// initStores creates the Job Queue and Progress Store, backed by Redis
// when StoreURL is configured and by in-memory implementations
// otherwise.
func initStores(ctx context.Context, cfg *config.Config, logger *slog.Logger) (job.Queue, progress.Store, error) {
	leaseTimeout := time.Duration(cfg.LeaseTimeoutSec) * time.Second

	if !cfg.RedisEnabled() {
		logger.Info("Redis not configured, using in-memory job queue and progress store",
			slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
		)
		memStore := progress.NewMemoryStore()
		go memStore.RunJanitor(ctx, time.Minute)
		return job.NewMemoryQueue(cfg.MaxConcurrentJobs, job.WithLeaseTimeout(leaseTimeout)), memStore, nil
	}

	queue, err := job.NewRedisQueue(ctx, cfg.StoreURL, cfg.MaxConcurrentJobs, job.WithRedisLeaseTimeout(leaseTimeout))
	if err != nil {
		return nil, nil, fmt.Errorf("create Redis job queue: %w", err)
	}

	progressStore, err := progress.NewRedisStore(cfg.StoreURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create Redis progress store: %w", err)
	}

	logger.Info("Redis job queue and progress store initialized",
		slog.Int("max_concurrent_jobs", cfg.MaxConcurrentJobs),
	)
	return queue, progressStore, nil
}

// staleDirCleaner is implemented by storage backends that keep per-job
// temp directories on local disk (LocalStorage directly, S3Storage via
// its embedded LocalStorage).
type staleDirCleaner interface {
	CleanupStaleJobDirs(ctx context.Context, maxAge time.Duration) ([]string, error)
}

// startTempCleanup starts a background goroutine that periodically
// removes per-job temp directories abandoned by jobs that never reached
// a terminal CleanupTemp call (e.g. the process was killed mid-render).
// A job's artifacts are never touched while the job could still be
// running, so the retention window is twice the rendering timeout.
func startTempCleanup(ctx context.Context, store storage.Storage, cfg *config.Config, logger *slog.Logger) {
	cleaner, ok := store.(staleDirCleaner)
	if !ok {
		return
	}

	maxAge := 2 * time.Duration(cfg.RenderingTimeoutSec) * time.Second
	interval := time.Duration(cfg.LeaseSweepIntervalSec) * time.Second
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				removed, err := cleaner.CleanupStaleJobDirs(ctx, maxAge)
				if err != nil {
					logger.Warn("temp dir cleanup failed", slog.String("error", err.Error()))
					continue
				}
				if len(removed) > 0 {
					logger.Info("removed stale job temp directories", slog.Any("dirs", removed))
				}
			}
		}
	}()
}

// startLeaseSweep starts a background goroutine that periodically
// requeues jobs whose lease expired without reaching a terminal state,
// protecting against a coordinator that crashed mid-job. It is a no-op
// if queue does not implement job.LeaseSweeper.
func startLeaseSweep(ctx context.Context, queue job.Queue, cfg *config.Config, logger *slog.Logger) {
	sweeper, ok := queue.(job.LeaseSweeper)
	if !ok {
		return
	}

	interval := time.Duration(cfg.LeaseSweepIntervalSec) * time.Second
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				requeued, err := sweeper.SweepExpiredLeases(ctx)
				if err != nil {
					logger.Warn("lease sweep failed", slog.String("error", err.Error()))
					continue
				}
				if len(requeued) > 0 {
					logger.Info("requeued jobs with expired leases", slog.Any("job_ids", requeued))
				}
			}
		}
	}()
}
