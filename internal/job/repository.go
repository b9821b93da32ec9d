package job

import (
	"context"
	"errors"
)

// ErrJobNotFound is returned when a job cannot be found by ID.
var ErrJobNotFound = errors.New("job not found")

// ErrQueueEmpty is returned by Lease when no job is available to hand out.
var ErrQueueEmpty = errors.New("job queue: empty")

// QueueStatus reports aggregate Job Queue occupancy, mirroring the
// RenderQueue.get_queue_status shape.
type QueueStatus struct {
	QueueSize     int
	ActiveJobs    int
	TotalJobs     int
	MaxConcurrent int
}

// Queue defines the durable Job Queue: a FIFO of pending jobs plus a
// bounded set of leased (in-flight) jobs, acting as a port in the
// hexagonal architecture pattern. The Queue is the system's source of
// truth for job lifecycle state; the Progress Store is a read cache.
type Queue interface {
	// Enqueue persists a new job and appends it to the pending FIFO.
	Enqueue(ctx context.Context, j *Job) error

	// Lease pops the next pending job and marks it active, up to
	// maxConcurrent in-flight jobs. Returns ErrQueueEmpty if no job is
	// available or the in-flight cap is reached.
	Lease(ctx context.Context) (*Job, error)

	// Save persists an update to an already-enqueued job (progress,
	// segment status, terminal state).
	Save(ctx context.Context, j *Job) error

	// FindByID retrieves a job by its unique identifier.
	// Returns ErrJobNotFound if the job does not exist.
	FindByID(ctx context.Context, id string) (*Job, error)

	// List returns all jobs.
	List(ctx context.Context) ([]*Job, error)

	// Complete marks a leased job as completed, releasing its in-flight slot.
	Complete(ctx context.Context, id string, outputPath, outputURL string, fileSize int64) error

	// Fail marks a leased job as failed, releasing its in-flight slot.
	Fail(ctx context.Context, id string, kind ErrorKind, message string) error

	// Cancel removes a pending job from the FIFO, or marks a leased job
	// cancelled and releases its in-flight slot.
	Cancel(ctx context.Context, id string) error

	// Status reports current queue occupancy.
	Status(ctx context.Context) (QueueStatus, error)
}

// LeaseSweeper is implemented by Queue backends that track per-lease
// timestamps and can requeue a job whose lease expired without the
// holding coordinator completing, failing, or cancelling it. Queue
// implementations that offer this should be driven by a periodic
// background sweep (see bootstrap.NewDependencies).
type LeaseSweeper interface {
	// SweepExpiredLeases requeues every active job whose lease has
	// exceeded its timeout, returning the requeued job IDs.
	SweepExpiredLeases(ctx context.Context) ([]string, error)
}
