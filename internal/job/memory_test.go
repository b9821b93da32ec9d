package job

import (
	"context"
	"testing"
	"time"

	"github.com/rendercore/orchestrator/internal/scenario"
)

func newQueueTestJob() *Job {
	s := scenario.Scenario{Cues: []scenario.Cue{{Start: 0, End: 2, Text: "hi"}}}
	return New("https://example.com/in.mp4", s, Options{Width: 1280, Height: 720, FPS: 24, Quality: 70}, "https://example.com/cb")
}

func TestMemoryQueue_EnqueueLease(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx := context.Background()
	j := newQueueTestJob()

	if err := q.Enqueue(ctx, j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	leased, err := q.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}
	if leased.ID != j.ID {
		t.Errorf("leased ID = %s, want %s", leased.ID, j.ID)
	}
	if leased.Status != StatusProcessing {
		t.Errorf("leased Status = %v, want %v", leased.Status, StatusProcessing)
	}
}

func TestMemoryQueue_LeaseEmptyReturnsErrQueueEmpty(t *testing.T) {
	q := NewMemoryQueue(3)
	if _, err := q.Lease(context.Background()); err != ErrQueueEmpty {
		t.Errorf("Lease() error = %v, want %v", err, ErrQueueEmpty)
	}
}

func TestMemoryQueue_LeaseRespectsMaxConcurrent(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	j1 := newQueueTestJob()
	j2 := newQueueTestJob()
	q.Enqueue(ctx, j1)
	q.Enqueue(ctx, j2)

	if _, err := q.Lease(ctx); err != nil {
		t.Fatalf("first Lease() error = %v", err)
	}
	if _, err := q.Lease(ctx); err != ErrQueueEmpty {
		t.Errorf("second Lease() error = %v, want %v (cap reached)", err, ErrQueueEmpty)
	}
}

func TestMemoryQueue_CompleteReleasesSlot(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()

	j1 := newQueueTestJob()
	j2 := newQueueTestJob()
	q.Enqueue(ctx, j1)
	q.Enqueue(ctx, j2)

	leased, _ := q.Lease(ctx)
	if err := q.Complete(ctx, leased.ID, "/tmp/out.mp4", "", 100); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if _, err := q.Lease(ctx); err != nil {
		t.Fatalf("expected slot to free up after Complete, got err = %v", err)
	}
}

func TestMemoryQueue_Fail(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx := context.Background()
	j := newQueueTestJob()
	q.Enqueue(ctx, j)
	q.Lease(ctx)

	if err := q.Fail(ctx, j.ID, ErrorEncodeFailure, "ffmpeg exit 1"); err != nil {
		t.Fatalf("Fail() error = %v", err)
	}

	got, err := q.FindByID(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusFailed || got.ErrorKind != ErrorEncodeFailure {
		t.Errorf("got status=%v kind=%v", got.Status, got.ErrorKind)
	}
}

func TestMemoryQueue_CancelPendingJob(t *testing.T) {
	q := NewMemoryQueue(3)
	ctx := context.Background()
	j := newQueueTestJob()
	q.Enqueue(ctx, j)

	if err := q.Cancel(ctx, j.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	status, err := q.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.QueueSize != 0 {
		t.Errorf("QueueSize = %d, want 0 after cancel", status.QueueSize)
	}

	if _, err := q.Lease(ctx); err != ErrQueueEmpty {
		t.Errorf("expected cancelled job to be skipped by Lease, got err = %v", err)
	}
}

func TestMemoryQueue_FindByIDNotFound(t *testing.T) {
	q := NewMemoryQueue(3)
	if _, err := q.FindByID(context.Background(), "missing"); err != ErrJobNotFound {
		t.Errorf("FindByID() error = %v, want %v", err, ErrJobNotFound)
	}
}

func TestMemoryQueue_SweepExpiredLeasesRequeuesStaleJob(t *testing.T) {
	q := NewMemoryQueue(3, WithLeaseTimeout(time.Millisecond))
	ctx := context.Background()
	j := newQueueTestJob()
	q.Enqueue(ctx, j)

	leased, err := q.Lease(ctx)
	if err != nil {
		t.Fatalf("Lease() error = %v", err)
	}

	time.Sleep(5 * time.Millisecond)

	requeued, err := q.SweepExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredLeases() error = %v", err)
	}
	if len(requeued) != 1 || requeued[0] != leased.ID {
		t.Fatalf("requeued = %v, want [%s]", requeued, leased.ID)
	}

	got, err := q.FindByID(ctx, leased.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusQueued {
		t.Errorf("status after sweep = %v, want %v", got.Status, StatusQueued)
	}

	relet, err := q.Lease(ctx)
	if err != nil {
		t.Fatalf("re-Lease() after sweep error = %v", err)
	}
	if relet.ID != leased.ID {
		t.Errorf("re-leased ID = %s, want %s", relet.ID, leased.ID)
	}
}

func TestMemoryQueue_SweepExpiredLeasesIgnoresFreshLease(t *testing.T) {
	q := NewMemoryQueue(3, WithLeaseTimeout(time.Minute))
	ctx := context.Background()
	j := newQueueTestJob()
	q.Enqueue(ctx, j)
	q.Lease(ctx)

	requeued, err := q.SweepExpiredLeases(ctx)
	if err != nil {
		t.Fatalf("SweepExpiredLeases() error = %v", err)
	}
	if len(requeued) != 0 {
		t.Errorf("requeued = %v, want none (lease still fresh)", requeued)
	}
}

func TestMemoryQueue_Status(t *testing.T) {
	q := NewMemoryQueue(5)
	ctx := context.Background()
	q.Enqueue(ctx, newQueueTestJob())
	q.Enqueue(ctx, newQueueTestJob())
	q.Lease(ctx)

	status, err := q.Status(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if status.TotalJobs != 2 || status.QueueSize != 1 || status.ActiveJobs != 1 || status.MaxConcurrent != 5 {
		t.Errorf("unexpected status: %+v", status)
	}
}
