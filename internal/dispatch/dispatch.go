// Package dispatch runs the claim loop that leases pending jobs off the
// Job Queue and drives each through a Job Coordinator, grounded on
// jsbroks-splitscreen's transcoder claim loop (poll, claim, spawn,
// track active work for graceful shutdown).
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/rendercore/orchestrator/internal/coordinator"
	"github.com/rendercore/orchestrator/internal/job"
)

// DefaultPollInterval is how long the claim loop sleeps after finding
// the Job Queue empty (or at its in-flight cap) before retrying.
const DefaultPollInterval = 500 * time.Millisecond

// Dispatcher repeatedly leases jobs from a Job Queue and runs each
// through a Coordinator, tracking one context.CancelFunc per in-flight
// job so an operator-initiated cancel can stop a job that is already
// running rather than only one still pending in the queue.
type Dispatcher struct {
	Queue        job.Queue
	Coordinator  *coordinator.Coordinator
	Logger       *slog.Logger
	PollInterval time.Duration

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Dispatcher with the default poll interval.
func New(queue job.Queue, coord *coordinator.Coordinator, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Queue:        queue,
		Coordinator:  coord,
		Logger:       logger,
		PollInterval: DefaultPollInterval,
		cancels:      make(map[string]context.CancelFunc),
	}
}

// Run claims and runs jobs until ctx is cancelled, then waits for every
// already-claimed job to finish (logging progress every 5s) before
// returning, mirroring the teacher's "wait for active jobs to
// complete" shutdown sequence.
func (d *Dispatcher) Run(ctx context.Context) {
	interval := d.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	for {
		select {
		case <-ctx.Done():
			d.awaitDrain()
			return
		default:
		}

		j, err := d.Queue.Lease(ctx)
		if err != nil {
			if !errors.Is(err, job.ErrQueueEmpty) {
				d.Logger.Error("lease failed", slog.String("error", err.Error()))
			}
			select {
			case <-ctx.Done():
				d.awaitDrain()
				return
			case <-time.After(interval):
			}
			continue
		}

		d.spawn(ctx, j)
	}
}

// spawn runs one job on its own detached-but-cancellable context, so a
// shutdown of the dispatcher's own ctx does not abort in-flight jobs,
// while an explicit Cancel(jobID) still can.
func (d *Dispatcher) spawn(parent context.Context, j *job.Job) {
	jobCtx, cancel := context.WithCancel(context.WithoutCancel(parent))
	d.register(j.ID, cancel)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer d.unregister(j.ID)
		defer cancel()

		if err := d.Coordinator.Run(jobCtx, j); err != nil {
			d.Logger.Error("job run failed",
				slog.String("job_id", j.ID),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Cancel stops job jobID: if it is currently running, its context is
// cancelled and every Render Worker checkpoint observes it promptly; if
// it is still pending in the queue, it is removed via Queue.Cancel.
func (d *Dispatcher) Cancel(ctx context.Context, jobID string) error {
	d.mu.Lock()
	cancel, running := d.cancels[jobID]
	d.mu.Unlock()

	if running {
		cancel()
		return nil
	}

	return d.Queue.Cancel(ctx, jobID)
}

func (d *Dispatcher) register(jobID string, cancel context.CancelFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancels[jobID] = cancel
}

func (d *Dispatcher) unregister(jobID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.cancels, jobID)
}

// awaitDrain blocks until every spawned job goroutine has returned,
// logging the count of still-active jobs every 5 seconds.
func (d *Dispatcher) awaitDrain() {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.mu.Lock()
			n := len(d.cancels)
			d.mu.Unlock()
			d.Logger.Info("waiting for active jobs to complete", slog.Int("active", n))
		}
	}
}
