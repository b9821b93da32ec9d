// Package render implements the Render Worker: it drives an externally
// supplied Renderer through a segment's timeline, pushing captured
// frames into a Frame Queue for the Streaming Encoder to consume.
package render

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rendercore/orchestrator/internal/backpressure"
	"github.com/rendercore/orchestrator/internal/frame"
	"github.com/rendercore/orchestrator/internal/scenario"
)

// ErrSourceUnavailable is returned when the Renderer cannot load the
// source video.
var ErrSourceUnavailable = errors.New("render: source unavailable")

// Renderer is the port a Render Worker drives: an opaque, externally
// supplied frame source (in production, a headless-browser compositor
// process driven over its own IPC/CDP channel — out of scope for this
// core, which only defines the seek/capture contract it relies on).
// Grounded on original_source/modules/worker_pool.py's per-page
// lifecycle: load the source once, then repeatedly seek and capture.
type Renderer interface {
	// LoadSource prepares the renderer to composite onto videoURL with
	// the given scenario and output dimensions. Called once per segment.
	LoadSource(ctx context.Context, videoURL string, s scenario.Scenario, width, height int) error

	// Seek moves the compositor to timeSeconds (relative to the full
	// job timeline) and blocks until the frame has stabilized.
	Seek(ctx context.Context, timeSeconds float64) error

	// Capture returns the current frame as PNG-encoded bytes.
	Capture(ctx context.Context) ([]byte, error)

	// Close releases any resources LoadSource acquired.
	Close() error
}

// Segment is the Render Worker's view of one unit of work: a time
// window plus the cue subset active within it.
type Segment struct {
	Index int
	Start float64
	End   float64
	Cues  []scenario.Cue
}

// Result summarizes a completed segment render.
type Result struct {
	FramesCaptured int
	FramesDropped  int
}

// Worker drives one Renderer instance through a segment's frame-capture
// loop, pushing frames into a bounded Frame Queue and pacing itself
// against a shared Backpressure Governor.
type Worker struct {
	ID       int
	Renderer Renderer
	Queue    *frame.Queue
	Governor *backpressure.Governor
	FPS      float64
}

// NewWorker creates a Worker. fps must be positive; if zero, defaults
// to 30 (matching worker_pool.py's fixed 30fps capture rate).
func NewWorker(id int, r Renderer, q *frame.Queue, g *backpressure.Governor, fps float64) *Worker {
	if fps <= 0 {
		fps = 30
	}
	return &Worker{ID: id, Renderer: r, Queue: q, Governor: g, FPS: fps}
}

// onFrame is invoked for every successfully captured frame, before it
// is pushed to the queue, allowing a caller (e.g. a streaming encoder
// feed) to consume it directly in addition to (or instead of) the
// queue.
type onFrameFunc func(f frame.Frame)

// Render drives the segment's capture loop: LoadSource once, then for
// each frame index, Seek, Capture, and Push into Queue, sleeping
// between captures per FPS and the Governor's slowdown factor.
func (w *Worker) Render(ctx context.Context, videoURL string, full scenario.Scenario, seg Segment, width, height int, onFrame onFrameFunc) (Result, error) {
	if err := w.Renderer.LoadSource(ctx, videoURL, full, width, height); err != nil {
		return Result{}, fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer func() { _ = w.Renderer.Close() }()

	duration := seg.End - seg.Start
	totalFrames := int(duration * w.FPS)
	frameInterval := time.Duration(float64(time.Second) / w.FPS)

	var result Result
	var droppedBefore int64
	if w.Queue != nil {
		droppedBefore = w.Queue.Stats().Dropped
	}

	for i := 0; i < totalFrames; i++ {
		select {
		case <-ctx.Done():
			return result, ctx.Err()
		default:
		}

		t := seg.Start + float64(i)/w.FPS

		if err := w.Renderer.Seek(ctx, t); err != nil {
			return result, fmt.Errorf("render: seek to %.3fs: %w", t, err)
		}

		data, err := w.Renderer.Capture(ctx)
		if err != nil {
			return result, fmt.Errorf("render: capture at %.3fs: %w", t, err)
		}

		f := frame.Frame{Index: i, PTS: t, Data: data}
		result.FramesCaptured++

		if onFrame != nil {
			onFrame(f)
		}
		if w.Queue != nil {
			w.Queue.Push(f)
		}

		if w.Governor != nil {
			w.Governor.Wait(ctx)
		} else {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(frameInterval):
			}
		}
	}

	if w.Queue != nil {
		result.FramesDropped = int(w.Queue.Stats().Dropped - droppedBefore)
	}

	return result, nil
}
