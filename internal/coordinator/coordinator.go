// Package coordinator implements the Job Coordinator: it drives one
// leased job's full lifecycle — validate, plan, fan out Render Workers,
// merge, upload, and report a terminal callback.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rendercore/orchestrator/internal/backpressure"
	"github.com/rendercore/orchestrator/internal/callback"
	"github.com/rendercore/orchestrator/internal/encode"
	"github.com/rendercore/orchestrator/internal/frame"
	"github.com/rendercore/orchestrator/internal/job"
	"github.com/rendercore/orchestrator/internal/merger"
	"github.com/rendercore/orchestrator/internal/planner"
	"github.com/rendercore/orchestrator/internal/progress"
	"github.com/rendercore/orchestrator/internal/render"
	"github.com/rendercore/orchestrator/internal/storage"
	"github.com/rendercore/orchestrator/internal/workerpool"
)

// Config holds Coordinator-wide tunables, grounded on §6 of the core
// design (rendering timeout, callback retry/timeout, GPU toggle,
// temp dir) plus the segment-retry policy from the error-handling
// section.
type Config struct {
	TempDir             string
	MaxSegmentRetries   int
	SegmentRetryBackoff []time.Duration
	CallbackMinInterval time.Duration
	DefaultDurationSec  float64
	MinDurationSec      float64
	AllowPartialMerge   bool
	FFmpegPath          string
	FFprobePath         string
	MinFreeDiskGB       int
}

// DefaultConfig returns a Config with the core design's stated
// defaults: 2 segment retries with 2/4/8s backoff, 30s default
// duration, 1s minimum, progress callbacks throttled to once per 2s,
// and a 2GB free-disk-space floor checked before a job starts rendering.
func DefaultConfig() Config {
	return Config{
		TempDir:             os.TempDir(),
		MaxSegmentRetries:   2,
		SegmentRetryBackoff: []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second},
		CallbackMinInterval: 2 * time.Second,
		DefaultDurationSec:  30,
		MinDurationSec:      1,
		AllowPartialMerge:   true,
		MinFreeDiskGB:       2,
	}
}

// RendererFactory constructs a fresh Renderer bound to a Worker Pool
// slot. The Coordinator owns none of the renderer's implementation —
// only the port it drives.
type RendererFactory func(slot int) render.Renderer

// Coordinator wires every other component together to drive one job.
// A single Coordinator instance is expected to own the entire Worker
// Pool it was constructed with (this core does not model multiple
// coordinators sharing one pool within a process — only the Job Queue
// and Progress Store are shared cross-process state).
type Coordinator struct {
	Queue     job.Queue
	Pool      *workerpool.Pool
	Renderers RendererFactory
	Merger    *merger.Merger
	Storage   storage.Storage
	Callbacks *callback.Emitter
	Progress  progress.Store
	Governor  *backpressure.Governor
	Logger    *slog.Logger
	Config    Config

	lastCallback time.Time
	callbackMu   sync.Mutex
}

// Run drives j from processing through to a terminal state, per §4.10:
// validate, plan, fan out, collect, merge, upload, callback.
func (c *Coordinator) Run(ctx context.Context, j *job.Job) error {
	logger := c.logger()

	if j.GetStatus() != job.StatusProcessing {
		if err := j.Start(); err != nil {
			return err
		}
	}

	if err := c.validate(j); err != nil {
		return c.fail(ctx, j, job.ErrorInvalidInput, err.Error())
	}

	if c.Config.MinFreeDiskGB > 0 {
		if err := backpressure.CheckDiskSpace(c.tempDirFor(j), c.Config.MinFreeDiskGB); err != nil {
			return c.fail(ctx, j, job.ErrorResourceExhausted, err.Error())
		}
	}

	c.saveJob(ctx, j)

	duration := c.jobDuration(j)
	n := c.Pool.Status().Total

	segments := planner.Split(j.Scenario, duration, n)
	jobSegments := make([]job.Segment, len(segments))
	for i, s := range segments {
		jobSegments[i] = job.Segment{
			Index:           s.Index,
			Start:           s.Start,
			End:             s.End,
			Cues:            s.Cues,
			ComplexityScore: s.ComplexityScore,
			EstimatedFrames: s.EstimatedFrames,
			Status:          job.SegmentPending,
		}
	}
	j.SetSegments(jobSegments)
	c.saveJob(ctx, j)

	g, gctx := errgroup.WithContext(ctx)
	for _, seg := range segments {
		seg := seg
		g.Go(func() error {
			return c.runSegment(gctx, j, seg)
		})
	}
	runErr := g.Wait()

	if errors.Is(runErr, context.Canceled) {
		_ = j.Cancel()
		c.saveJob(ctx, j)
		c.emitTerminal(context.Background(), j)
		return runErr
	}

	completed, failed := c.tally(j)
	logger.Info("segment rendering complete", "job_id", j.ID, "completed", completed, "failed", failed)

	if failed > 0 && completed == 0 {
		return c.fail(ctx, j, job.ErrorRenderFailure, "all segments failed")
	}

	allowPartial := failed > 0 && c.Config.AllowPartialMerge
	finalPath := filepath.Join(c.tempDirFor(j), "final.mp4")

	mergeResult, err := c.Merger.Merge(ctx, j.GetSegments(), finalPath, allowPartial)
	if err != nil {
		return c.fail(ctx, j, job.ErrorMergeFailure, err.Error())
	}

	f, err := os.Open(mergeResult.OutputPath)
	if err != nil {
		return c.fail(ctx, j, job.ErrorInternal, fmt.Sprintf("open merged output: %v", err))
	}
	defer func() { _ = f.Close() }()

	c.setProgress(ctx, j, 80)

	url, err := c.Storage.UploadToS3(ctx, uploadKey(j), f)
	if err != nil {
		return c.fail(ctx, j, job.ErrorInternal, fmt.Sprintf("upload: %v", err))
	}

	c.setProgress(ctx, j, 90)

	if err := j.Complete(mergeResult.OutputPath, url, mergeResult.FileSize); err != nil {
		return err
	}
	c.saveJob(ctx, j)

	_ = c.Queue.Complete(ctx, j.ID, mergeResult.OutputPath, url, mergeResult.FileSize)
	c.emitTerminal(context.Background(), j)

	_ = f.Close()
	_ = c.Storage.CleanupTemp(ctx, []string{mergeResult.OutputPath})

	return nil
}

func (c *Coordinator) validate(j *job.Job) error {
	if j.VideoURL == "" {
		return errors.New("video URL is required")
	}
	return j.Scenario.Validate()
}

func (c *Coordinator) jobDuration(j *job.Job) float64 {
	d := j.Scenario.Duration()
	if len(j.Scenario.Cues) == 0 || d == 0 {
		d = c.Config.DefaultDurationSec
	}
	if d < c.Config.MinDurationSec {
		d = c.Config.MinDurationSec
	}
	return d
}

// runSegment drives one segment's render/encode with retry, mirroring
// the propagation policy in §7: up to MaxSegmentRetries+1 attempts (one
// try plus MaxSegmentRetries retries) with exponential backoff, a fresh
// encoder process each attempt.
func (c *Coordinator) runSegment(ctx context.Context, j *job.Job, seg planner.Segment) error {
	maxAttempts := c.Config.MaxSegmentRetries + 1
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			backoff := backoffFor(c.Config.SegmentRetryBackoff, attempt-1)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		slot, err := c.Pool.Acquire(ctx, 0)
		if err != nil {
			return err
		}

		attemptStart := time.Now()
		out, framesProcessed, err := c.renderSegmentOnce(ctx, j, seg, slot)
		releaseErr := c.Pool.Release(slot)
		if releaseErr != nil {
			c.logger().Warn("release worker slot failed", "slot", slot, "error", releaseErr)
		}

		if err == nil {
			c.markSegmentCompleted(ctx, j, seg.Index, slot, out, framesProcessed, attemptStart)
			return nil
		}

		lastErr = err
		if errors.Is(err, context.Canceled) {
			return err
		}
		c.logger().Warn("segment attempt failed", "job_id", j.ID, "segment", seg.Index, "attempt", attempt, "error", err)
	}

	c.markSegmentFailed(ctx, j, seg.Index, lastErr)
	return nil
}

func (c *Coordinator) renderSegmentOnce(ctx context.Context, j *job.Job, seg planner.Segment, slot int) (outputPath string, framesProcessed int, err error) {
	outputPath = filepath.Join(c.tempDirFor(j), fmt.Sprintf("segment-%d.mp4", seg.Index))

	enc := encode.NewStreamEncoder(c.Config.FFmpegPath, encode.Options{
		Width:   j.Options.Width,
		Height:  j.Options.Height,
		FPS:     j.Options.FPS,
		Quality: j.Options.Quality,
	})

	var lastProgress float64
	if startErr := enc.Start(ctx, outputPath, func(pos float64, _ string) { lastProgress = pos }); startErr != nil {
		return "", 0, fmt.Errorf("start encoder: %w", startErr)
	}

	q := frame.New(0, 0)
	renderer := c.Renderers(slot)
	worker := render.NewWorker(slot, renderer, q, c.Governor, j.Options.FPS)

	renderSeg := render.Segment{Index: seg.Index, Start: seg.Start, End: seg.End, Cues: seg.Cues}

	renderDone := make(chan error, 1)
	go func() {
		_, rerr := worker.Render(ctx, j.VideoURL, j.Scenario, renderSeg, j.Options.Width, j.Options.Height, nil)
		renderDone <- rerr
	}()

	var written int
	var renderErr error
loop:
	for {
		select {
		case renderErr = <-renderDone:
			break loop
		default:
		}
		f, ok := q.Pop(ctx)
		if !ok {
			select {
			case renderErr = <-renderDone:
				break loop
			default:
				continue
			}
		}
		if writeErr := enc.WriteFrame(f.Data); writeErr != nil {
			_ = enc.Close()
			return "", 0, fmt.Errorf("write frame: %w", writeErr)
		}
		written++
	}

	// Drain any frames captured before the producer signalled done.
	for {
		f, ok := q.Pop(drainContext())
		if !ok {
			break
		}
		if writeErr := enc.WriteFrame(f.Data); writeErr != nil {
			_ = enc.Close()
			return "", 0, fmt.Errorf("write frame: %w", writeErr)
		}
		written++
	}

	if closeErr := enc.Close(); closeErr != nil {
		return "", 0, fmt.Errorf("close encoder: %w", closeErr)
	}
	if renderErr != nil {
		return "", 0, fmt.Errorf("render: %w", renderErr)
	}

	_ = lastProgress
	return outputPath, written, nil
}

// drainContext returns an already-timed-out context so the final
// drain pass never blocks waiting on Queue.Pop's internal timeout.
func drainContext() context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	cancel()
	return ctx
}

func (c *Coordinator) markSegmentCompleted(ctx context.Context, j *job.Job, index, slot int, outputPath string, frames int, startedAt time.Time) {
	seg := findSegment(j, index)
	if seg == nil {
		return
	}
	fileSize := int64(0)
	if info, err := os.Stat(outputPath); err == nil {
		fileSize = info.Size()
	}
	seg.Status = job.SegmentCompleted
	seg.WorkerID = slot
	seg.OutputPath = outputPath
	seg.FileSize = fileSize
	seg.FramesProcessed = frames
	seg.StartedAt = startedAt
	seg.CompletedAt = time.Now()
	j.UpdateSegment(index, *seg)

	c.onSegmentProgress(ctx, j)
}

func (c *Coordinator) markSegmentFailed(ctx context.Context, j *job.Job, index int, cause error) {
	seg := findSegment(j, index)
	if seg == nil {
		return
	}
	seg.Status = job.SegmentFailed
	if cause != nil {
		seg.Error = cause.Error()
	}
	j.UpdateSegment(index, *seg)

	c.onSegmentProgress(ctx, j)
}

func findSegment(j *job.Job, index int) *job.Segment {
	for _, s := range j.GetSegments() {
		if s.Index == index {
			return &s
		}
	}
	return nil
}

// onSegmentProgress recomputes overall progress (20 + floor(60 *
// completed/N) during segment rendering, per §4.10) and throttles the
// resulting progress callback to at most once every
// Config.CallbackMinInterval.
func (c *Coordinator) onSegmentProgress(ctx context.Context, j *job.Job) {
	completed, _ := c.tally(j)
	total := len(j.GetSegments())
	if total == 0 {
		return
	}
	pct := 20 + (60*completed)/total
	c.setProgress(ctx, j, pct)

	c.callbackMu.Lock()
	due := time.Since(c.lastCallback) >= c.Config.CallbackMinInterval
	if due {
		c.lastCallback = time.Now()
	}
	c.callbackMu.Unlock()

	if due && c.Callbacks != nil {
		payload := callback.ProgressPayload(j.ID, j.GetProgress(), 0, 0, 0, 0, "rendering segments")
		go func() {
			_ = c.Callbacks.Send(context.Background(), j.CallbackURL, payload, time.Now())
		}()
	}
	_ = ctx
}

func (c *Coordinator) setProgress(ctx context.Context, j *job.Job, pct int) {
	j.SetProgress(pct)
	c.saveJob(ctx, j)
}

func (c *Coordinator) tally(j *job.Job) (completed, failed int) {
	for _, s := range j.GetSegments() {
		switch s.Status {
		case job.SegmentCompleted:
			completed++
		case job.SegmentFailed:
			failed++
		}
	}
	return completed, failed
}

func (c *Coordinator) fail(ctx context.Context, j *job.Job, kind job.ErrorKind, message string) error {
	_ = j.Fail(kind, message)
	c.saveJob(ctx, j)
	_ = c.Queue.Fail(ctx, j.ID, kind, message)
	c.emitTerminal(context.Background(), j)
	return fmt.Errorf("coordinator: job %s failed: %s", j.ID, message)
}

func (c *Coordinator) emitTerminal(ctx context.Context, j *job.Job) {
	if c.Callbacks == nil || j.CallbackURL == "" {
		return
	}
	var payload callback.Payload
	switch j.Status {
	case job.StatusCompleted:
		payload = callback.CompletionPayload(j.ID, j.OutputURL, j.FileSize, 0)
	case job.StatusCancelled:
		payload = callback.ErrorPayload(j.ID, string(j.ErrorKind), j.ErrorMessage)
		payload.Status = string(job.StatusCancelled)
	default:
		payload = callback.ErrorPayload(j.ID, string(j.ErrorKind), j.ErrorMessage)
	}
	if err := c.Callbacks.Send(ctx, j.CallbackURL, payload, time.Now()); err != nil {
		c.logger().Warn("terminal callback delivery failed", "job_id", j.ID, "error", err)
	}
}

func (c *Coordinator) saveJob(ctx context.Context, j *job.Job) {
	if err := c.Queue.Save(ctx, j); err != nil {
		c.logger().Warn("save job failed", "job_id", j.ID, "error", err)
	}
	if c.Progress != nil {
		if data, err := json.Marshal(jobProgressView(j)); err == nil {
			_ = c.Progress.Set(ctx, progress.JobKey(j.ID), data, progress.JobTTL)
		}
	}
}

func (c *Coordinator) tempDirFor(j *job.Job) string {
	dir := filepath.Join(c.Config.TempDir, j.ID)
	_ = os.MkdirAll(dir, 0o755)
	return dir
}

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func backoffFor(schedule []time.Duration, attempt int) time.Duration {
	if len(schedule) == 0 {
		return time.Duration(attempt+1) * 2 * time.Second
	}
	if attempt >= len(schedule) {
		return schedule[len(schedule)-1]
	}
	return schedule[attempt]
}

func uploadKey(j *job.Job) string {
	return fmt.Sprintf("renders/%s/final.mp4", j.ID)
}

type jobProgressRecord struct {
	Status   job.Status `json:"status"`
	Progress int        `json:"progress"`
}

func jobProgressView(j *job.Job) jobProgressRecord {
	return jobProgressRecord{Status: j.GetStatus(), Progress: j.GetProgress()}
}
