package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/rendercore/orchestrator/internal/coordinator"
	"github.com/rendercore/orchestrator/internal/encode"
	"github.com/rendercore/orchestrator/internal/job"
	"github.com/rendercore/orchestrator/internal/merger"
	"github.com/rendercore/orchestrator/internal/progress"
	"github.com/rendercore/orchestrator/internal/render"
	"github.com/rendercore/orchestrator/internal/scenario"
	"github.com/rendercore/orchestrator/internal/workerpool"
)

// blockingRenderer blocks Capture until its context is cancelled, so
// tests can observe Dispatcher.Cancel reaching a running job.
type blockingRenderer struct{}

func (r *blockingRenderer) LoadSource(ctx context.Context, videoURL string, s scenario.Scenario, width, height int) error {
	return nil
}
func (r *blockingRenderer) Seek(ctx context.Context, t float64) error { return nil }
func (r *blockingRenderer) Capture(ctx context.Context) ([]byte, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (r *blockingRenderer) Close() error { return nil }

type noopStorage struct{}

func (noopStorage) SaveTemp(ctx context.Context, name string, data io.Reader) (string, error) {
	return "", nil
}
func (noopStorage) LoadTemp(ctx context.Context, path string) (io.ReadCloser, error) {
	return nil, errors.New("not implemented")
}
func (noopStorage) CleanupTemp(ctx context.Context, paths []string) error { return nil }
func (noopStorage) UploadToS3(ctx context.Context, key string, data io.Reader) (string, error) {
	return "https://example.test/" + key, nil
}

func newTestDispatcher(t *testing.T, queue job.Queue) *Dispatcher {
	t.Helper()
	coord := &coordinator.Coordinator{
		Queue:     queue,
		Pool:      workerpool.New(1),
		Renderers: func(slot int) render.Renderer { return &blockingRenderer{} },
		Merger:    merger.New(encode.NewConcatenator("", 0)),
		Storage:   noopStorage{},
		Progress:  progress.NewMemoryStore(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Config: coordinator.Config{
			TempDir:            t.TempDir(),
			DefaultDurationSec: 5,
			MinDurationSec:     1,
			AllowPartialMerge:  true,
		},
	}
	d := New(queue, coord, slog.New(slog.NewTextHandler(io.Discard, nil)))
	d.PollInterval = time.Millisecond
	return d
}

func TestDispatcher_CancelRunningJobStopsIt(t *testing.T) {
	queue := job.NewMemoryQueue(4)
	d := newTestDispatcher(t, queue)

	j := job.New("https://example.com/src.mp4", scenario.Scenario{
		Cues: []scenario.Cue{{Start: 0, End: 5, Text: "hi"}},
	}, job.Options{Width: 64, Height: 64, FPS: 5, Quality: 50}, "")

	if err := queue.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	ctx, cancelDispatcher := context.WithCancel(context.Background())
	defer cancelDispatcher()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		d.Run(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		d.mu.Lock()
		_, running := d.cancels[j.ID]
		d.mu.Unlock()
		if running || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := d.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	deadline = time.Now().Add(2 * time.Second)
	for {
		got, err := queue.FindByID(context.Background(), j.ID)
		if err == nil && got.GetStatus() == job.StatusCancelled {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never reached cancelled status, got %v (err=%v)", got, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancelDispatcher()
	wg.Wait()
}

func TestDispatcher_CancelPendingJobNeverLeased(t *testing.T) {
	queue := job.NewMemoryQueue(0) // clamped to 3; the dispatcher is never run, so the job is never leased
	d := newTestDispatcher(t, queue)

	j := job.New("https://example.com/src.mp4", scenario.Scenario{
		Cues: []scenario.Cue{{Start: 0, End: 1, Text: "hi"}},
	}, job.Options{Width: 64, Height: 64, FPS: 5, Quality: 50}, "")

	if err := queue.Enqueue(context.Background(), j); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}

	if err := d.Cancel(context.Background(), j.ID); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}

	got, err := queue.FindByID(context.Background(), j.ID)
	if err != nil {
		t.Fatalf("FindByID() error = %v", err)
	}
	if got.GetStatus() != job.StatusCancelled {
		t.Errorf("status = %v, want %v", got.GetStatus(), job.StatusCancelled)
	}
}
