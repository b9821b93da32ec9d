// Package server provides the HTTP server for the render orchestrator.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

// CueRequest is the HTTP representation of a single subtitle cue.
type CueRequest struct {
	// Start is the cue's start time in seconds, inclusive.
	Start float64 `json:"start" validate:"gte=0"`
	// End is the cue's end time in seconds, exclusive.
	End float64 `json:"end" validate:"gtfield=Start"`
	// Text is the subtitle text.
	Text string `json:"text"`
	// Style carries free-form style attributes (e.g. font family).
	Style map[string]any `json:"style,omitempty"`
	// Animation carries free-form animation attributes.
	Animation map[string]any `json:"animation,omitempty"`
	// Emotion is a free-form label.
	Emotion string `json:"emotion,omitempty"`
}

// OptionsRequest is the HTTP representation of a job's output parameters.
type OptionsRequest struct {
	// Width is the target video width in pixels.
	Width int `json:"width" validate:"required,min=1,max=4096"`
	// Height is the target video height in pixels.
	Height int `json:"height" validate:"required,min=1,max=4096"`
	// FPS is the target output frame rate.
	FPS float64 `json:"fps" validate:"required,min=1,max=120"`
	// Quality is the caller's requested encode quality, 0-100.
	Quality int `json:"quality" validate:"min=0,max=100"`
}

// CreateJobRequest is the HTTP request body for creating a new job.
type CreateJobRequest struct {
	// VideoURL is the source video to render onto.
	VideoURL string `json:"video_url" validate:"required,url"`
	// Cues is the subtitle cue timeline to overlay.
	Cues []CueRequest `json:"cues" validate:"dive"`
	// Options holds the caller-supplied output parameters.
	Options OptionsRequest `json:"options" validate:"required"`
	// CallbackURL receives progress and completion notifications.
	CallbackURL string `json:"callback_url" validate:"omitempty,url"`
}

// CreateJobResponse is the HTTP response after creating a job.
type CreateJobResponse struct {
	// ID is the unique identifier for the created job.
	ID string `json:"id"`
	// Status is the initial job status.
	Status string `json:"status"`
}

// SegmentResponse is the HTTP representation of one segment's status.
type SegmentResponse struct {
	Index           int    `json:"index"`
	Status          string `json:"status"`
	FramesProcessed int    `json:"frames_processed"`
	Error           string `json:"error,omitempty"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	// ID is the unique identifier for the job.
	ID string `json:"id"`
	// Status is the current job status.
	Status string `json:"status"`
	// Progress is the percentage of completion (0-100).
	Progress int `json:"progress"`
	// ErrorKind classifies the failure, if any.
	ErrorKind string `json:"error_kind,omitempty"`
	// Error contains any error message if the job failed.
	Error string `json:"error,omitempty"`
	// VideoURL is the uploaded object storage URL (if completed).
	VideoURL string `json:"video_url,omitempty"`
	// FileSize is the size in bytes of the final output video.
	FileSize int64 `json:"file_size,omitempty"`
	// Segments reports per-segment render status.
	Segments []SegmentResponse `json:"segments,omitempty"`
}

// CancelJobResponse is the HTTP response for a cancel request.
type CancelJobResponse struct {
	// ID is the unique identifier for the cancelled job.
	ID string `json:"id"`
	// Status is the job's status after the cancel request was applied.
	Status string `json:"status"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
}
