// Package job provides the Job aggregate for managing render jobs.
// It includes the Job entity with state machine transitions for the
// segmented render pipeline, as well as queue interfaces for leasing.
package job

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rendercore/orchestrator/internal/job/id"
	"github.com/rendercore/orchestrator/internal/scenario"
)

// Status represents the current state of a Job.
type Status string

const (
	// StatusQueued indicates the job is waiting for an available worker slot.
	StatusQueued Status = "queued"
	// StatusProcessing indicates the job is being rendered.
	StatusProcessing Status = "processing"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the job encountered an error during execution.
	StatusFailed Status = "failed"
	// StatusCancelled indicates the job was cancelled by the caller.
	StatusCancelled Status = "cancelled"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled, StatusQueued},
	StatusCompleted:  {},
	StatusFailed:     {},
	StatusCancelled:  {},
}

// ErrorKind classifies why a job or segment failed, used both in API
// responses and in the error callback payload.
type ErrorKind string

const (
	ErrorInvalidInput      ErrorKind = "InvalidInput"
	ErrorSourceUnavailable ErrorKind = "SourceUnavailable"
	ErrorRenderFailure     ErrorKind = "RenderFailure"
	ErrorEncodeFailure     ErrorKind = "EncodeFailure"
	ErrorResourceExhausted ErrorKind = "ResourceExhausted"
	ErrorMergeFailure      ErrorKind = "MergeFailure"
	ErrorTimeout           ErrorKind = "Timeout"
	ErrorCancelled         ErrorKind = "Cancelled"
	ErrorCallbackFailure   ErrorKind = "CallbackFailure"
	ErrorStoreUnavailable  ErrorKind = "StoreUnavailable"
	ErrorInternal          ErrorKind = "Internal"
)

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// SegmentStatus represents the status of a single segment render.
type SegmentStatus string

const (
	// SegmentPending indicates the segment is waiting to be rendered.
	SegmentPending SegmentStatus = "pending"
	// SegmentProcessing indicates the segment is currently being rendered.
	SegmentProcessing SegmentStatus = "processing"
	// SegmentCompleted indicates the segment finished successfully.
	SegmentCompleted SegmentStatus = "completed"
	// SegmentFailed indicates the segment render failed.
	SegmentFailed SegmentStatus = "failed"
)

// Segment is a job's view of one segment: the Planner's output plus the
// mutable status a Render Worker updates as it progresses.
type Segment struct {
	// Index is the position of this segment in the sequence.
	Index int
	// WorkerID identifies the worker slot that rendered this segment.
	WorkerID int
	// Start is the segment's start offset in seconds.
	Start float64
	// End is the segment's end offset in seconds.
	End float64
	// Cues holds the subtitle cues active within this segment's window.
	Cues []scenario.Cue
	// ComplexityScore is the Planner's estimated render cost for this segment.
	ComplexityScore float64
	// EstimatedFrames is the Planner's frame-count estimate for this segment.
	EstimatedFrames int
	// Status is the current processing status.
	Status SegmentStatus
	// OutputPath is the path to the rendered segment file.
	OutputPath string
	// FileSize is the size in bytes of the rendered segment file.
	FileSize int64
	// FramesProcessed is the number of frames encoded so far.
	FramesProcessed int
	// Error contains any error message if the segment render failed.
	Error string
	// StartedAt is when segment processing started.
	StartedAt time.Time
	// CompletedAt is when segment processing finished.
	CompletedAt time.Time
}

// Options holds the caller-supplied output parameters for a job.
type Options struct {
	// Width is the target video width in pixels.
	Width int
	// Height is the target video height in pixels.
	Height int
	// FPS is the target output frame rate.
	FPS float64
	// Quality is the caller's requested encode quality, 0-100.
	Quality int
}

// Job represents a render-pipeline job aggregate. It contains all state
// related to composing an animated subtitle overlay onto a source video.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// VideoURL is the source video to render onto.
	VideoURL string
	// Scenario is the subtitle cue timeline to overlay.
	Scenario scenario.Scenario
	// Options holds the caller-supplied output parameters.
	Options Options
	// CallbackURL receives progress and completion notifications.
	CallbackURL string
	// Status is the current job state.
	Status Status
	// Segments contains the planned render segments.
	Segments []Segment
	// Progress is the percentage of completion (0-100).
	Progress int
	// ErrorKind classifies the failure, if any.
	ErrorKind ErrorKind
	// ErrorMessage contains any error message if the job failed.
	ErrorMessage string
	// OutputPath is the path to the final merged output video.
	OutputPath string
	// OutputURL is the uploaded object storage URL, if applicable.
	OutputURL string
	// FileSize is the size in bytes of the final output video.
	FileSize int64
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when processing finished.
	CompletedAt time.Time
}

// New creates a new Job with a generated ID and initial queued status.
func New(videoURL string, s scenario.Scenario, opts Options, callbackURL string) *Job {
	now := time.Now()
	return &Job{
		ID:          id.Generate(),
		VideoURL:    videoURL,
		Scenario:    s,
		Options:     opts,
		CallbackURL: callbackURL,
		Status:      StatusQueued,
		Segments:    make([]Segment, 0),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// NewWithID creates a new Job with the specified ID and initial queued
// status. Useful for testing or when the ID is externally generated.
func NewWithID(jobID, videoURL string, s scenario.Scenario, opts Options, callbackURL string) *Job {
	j := New(videoURL, s, opts, callbackURL)
	j.ID = jobID
	return j
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, j.Status, status)
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	// Set timestamps based on state
	switch status {
	case StatusProcessing:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.CompletedAt = j.UpdatedAt
	}

	return nil
}

// Start transitions the job from queued to processing.
func (j *Job) Start() error {
	return j.TransitionTo(StatusProcessing)
}

// Complete transitions the job to completed and records the final output.
func (j *Job) Complete(outputPath, outputURL string, fileSize int64) error {
	if err := j.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	j.mu.Lock()
	j.Progress = 100
	j.OutputPath = outputPath
	j.OutputURL = outputURL
	j.FileSize = fileSize
	j.mu.Unlock()
	return nil
}

// Fail transitions the job to failed with an error taxonomy kind and message.
func (j *Job) Fail(kind ErrorKind, message string) error {
	j.mu.Lock()
	j.ErrorKind = kind
	j.ErrorMessage = message
	j.mu.Unlock()
	return j.TransitionTo(StatusFailed)
}

// Requeue transitions a leased job back to queued, used when its lease
// expires before it reaches a terminal state (the coordinator driving
// it is presumed crashed or unreachable).
func (j *Job) Requeue() error {
	return j.TransitionTo(StatusQueued)
}

// Cancel transitions the job to cancelled.
func (j *Job) Cancel() error {
	if err := j.TransitionTo(StatusCancelled); err != nil {
		return err
	}
	j.mu.Lock()
	j.ErrorKind = ErrorCancelled
	j.mu.Unlock()
	return nil
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// SetSegments sets the planned segments for this job.
func (j *Job) SetSegments(segments []Segment) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Segments = segments
	j.UpdatedAt = time.Now()
}

// GetSegments returns a copy of the job's current segments, safe for
// concurrent use while other goroutines call UpdateSegment.
func (j *Job) GetSegments() []Segment {
	j.mu.RLock()
	defer j.mu.RUnlock()
	segments := make([]Segment, len(j.Segments))
	copy(segments, j.Segments)
	return segments
}

// UpdateSegment updates a specific segment by index.
func (j *Job) UpdateSegment(index int, seg Segment) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if index >= 0 && index < len(j.Segments) {
		j.Segments[index] = seg
		j.UpdatedAt = time.Now()
	}
}

// SetProgress sets the progress percentage (0-100). Progress never
// decreases once reported, mirroring monotonic client-facing progress.
func (j *Job) SetProgress(progress int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	if progress > j.Progress {
		j.Progress = progress
	}
	j.UpdatedAt = time.Now()
}

// GetProgress returns the current progress (thread-safe).
func (j *Job) GetProgress() int {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Progress
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted ||
		j.Status == StatusFailed ||
		j.Status == StatusCancelled
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	segments := make([]Segment, len(j.Segments))
	copy(segments, j.Segments)

	return &Job{
		ID:           j.ID,
		VideoURL:     j.VideoURL,
		Scenario:     j.Scenario,
		Options:      j.Options,
		CallbackURL:  j.CallbackURL,
		Status:       j.Status,
		Segments:     segments,
		Progress:     j.Progress,
		ErrorKind:    j.ErrorKind,
		ErrorMessage: j.ErrorMessage,
		OutputPath:   j.OutputPath,
		OutputURL:    j.OutputURL,
		FileSize:     j.FileSize,
		CreatedAt:    j.CreatedAt,
		UpdatedAt:    j.UpdatedAt,
		StartedAt:    j.StartedAt,
		CompletedAt:  j.CompletedAt,
	}
}
