package job

import (
	"context"
	"sync"
	"time"
)

// Compile-time checks that MemoryQueue implements Queue and LeaseSweeper.
var _ Queue = (*MemoryQueue)(nil)
var _ LeaseSweeper = (*MemoryQueue)(nil)

// DefaultLeaseTimeout is how long a leased job may stay active without
// completing, failing, or being cancelled before SweepExpiredLeases
// requeues it, protecting against a coordinator that crashed mid-job.
const DefaultLeaseTimeout = 10 * time.Minute

// MemoryQueue is an in-memory implementation of Queue. It uses a map plus
// a FIFO slice of pending IDs with mutex-guarded access, grounded on the
// teacher's MemoryRepository clone-on-read pattern and generalized to the
// RenderQueue's queue/active/jobs three-structure split. Suitable for
// single-process development; production deployments lease through
// RedisQueue so multiple coordinator instances can share one queue.
type MemoryQueue struct {
	mu            sync.Mutex
	jobs          map[string]*Job
	pending       []string
	active        map[string]struct{}
	leasedAt      map[string]time.Time
	maxConcurrent int
	leaseTimeout  time.Duration
}

// MemoryQueueOption configures optional MemoryQueue behavior.
type MemoryQueueOption func(*MemoryQueue)

// WithLeaseTimeout overrides DefaultLeaseTimeout.
func WithLeaseTimeout(d time.Duration) MemoryQueueOption {
	return func(q *MemoryQueue) {
		if d > 0 {
			q.leaseTimeout = d
		}
	}
}

// NewMemoryQueue creates a new in-memory job queue allowing up to
// maxConcurrent jobs leased at once.
func NewMemoryQueue(maxConcurrent int, opts ...MemoryQueueOption) *MemoryQueue {
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	q := &MemoryQueue{
		jobs:          make(map[string]*Job),
		pending:       make([]string, 0),
		active:        make(map[string]struct{}),
		leasedAt:      make(map[string]time.Time),
		maxConcurrent: maxConcurrent,
		leaseTimeout:  DefaultLeaseTimeout,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue persists a new job and appends it to the pending FIFO.
func (q *MemoryQueue) Enqueue(_ context.Context, j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs[j.ID] = j.Clone()
	q.pending = append(q.pending, j.ID)
	return nil
}

// Lease pops the next pending job and marks it active, respecting the
// in-flight cap.
func (q *MemoryQueue) Lease(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.active) >= q.maxConcurrent {
		return nil, ErrQueueEmpty
	}
	if len(q.pending) == 0 {
		return nil, ErrQueueEmpty
	}

	id := q.pending[0]
	q.pending = q.pending[1:]

	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	if j.Status != StatusQueued {
		// Job was cancelled while pending; skip it.
		return q.leaseLocked()
	}
	if err := j.Start(); err != nil {
		return nil, err
	}

	q.active[id] = struct{}{}
	q.leasedAt[id] = time.Now()
	clone := j.Clone()
	return clone, nil
}

// leaseLocked retries Lease's body assuming the caller already holds q.mu.
func (q *MemoryQueue) leaseLocked() (*Job, error) {
	for len(q.pending) > 0 {
		id := q.pending[0]
		q.pending = q.pending[1:]
		j, ok := q.jobs[id]
		if !ok || j.Status != StatusQueued {
			continue
		}
		if len(q.active) >= q.maxConcurrent {
			// Put it back at the front; cap reached.
			q.pending = append([]string{id}, q.pending...)
			return nil, ErrQueueEmpty
		}
		if err := j.Start(); err != nil {
			return nil, err
		}
		q.active[id] = struct{}{}
		q.leasedAt[id] = time.Now()
		return j.Clone(), nil
	}
	return nil, ErrQueueEmpty
}

// Save persists an update to an already-enqueued job.
func (q *MemoryQueue) Save(_ context.Context, j *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.jobs[j.ID]; !ok {
		return ErrJobNotFound
	}
	q.jobs[j.ID] = j.Clone()
	return nil
}

// FindByID retrieves a job by its ID.
func (q *MemoryQueue) FindByID(_ context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return j.Clone(), nil
}

// List returns all jobs in the queue.
func (q *MemoryQueue) List(_ context.Context) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	result := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		result = append(result, j.Clone())
	}
	return result, nil
}

// Complete marks a leased job as completed, releasing its in-flight slot.
func (q *MemoryQueue) Complete(_ context.Context, id string, outputPath, outputURL string, fileSize int64) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.active, id)
	delete(q.leasedAt, id)
	return j.Complete(outputPath, outputURL, fileSize)
}

// Fail marks a leased job as failed, releasing its in-flight slot.
func (q *MemoryQueue) Fail(_ context.Context, id string, kind ErrorKind, message string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}
	delete(q.active, id)
	delete(q.leasedAt, id)
	return j.Fail(kind, message)
}

// Cancel removes a pending job from the FIFO, or marks a leased job
// cancelled and releases its in-flight slot.
func (q *MemoryQueue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	j, ok := q.jobs[id]
	if !ok {
		return ErrJobNotFound
	}

	for i, pid := range q.pending {
		if pid == id {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			break
		}
	}
	delete(q.active, id)
	delete(q.leasedAt, id)

	return j.Cancel()
}

// SweepExpiredLeases requeues every active job whose lease has exceeded
// leaseTimeout without reaching a terminal state, implementing the
// Queue's lease-expiry invariant: a coordinator that leased a job and
// then crashed must not strand it in-flight forever.
func (q *MemoryQueue) SweepExpiredLeases(_ context.Context) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var requeued []string
	for id := range q.active {
		leasedAt, ok := q.leasedAt[id]
		if !ok || now.Sub(leasedAt) < q.leaseTimeout {
			continue
		}

		j, ok := q.jobs[id]
		if !ok || j.Requeue() != nil {
			// Unknown job, or already terminal: drop the stale lease
			// bookkeeping without forcing a status it can't hold.
			delete(q.active, id)
			delete(q.leasedAt, id)
			continue
		}

		delete(q.active, id)
		delete(q.leasedAt, id)
		q.pending = append(q.pending, id)
		requeued = append(requeued, id)
	}
	return requeued, nil
}

// Status reports current queue occupancy.
func (q *MemoryQueue) Status(_ context.Context) (QueueStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStatus{
		QueueSize:     len(q.pending),
		ActiveJobs:    len(q.active),
		TotalJobs:     len(q.jobs),
		MaxConcurrent: q.maxConcurrent,
	}, nil
}
