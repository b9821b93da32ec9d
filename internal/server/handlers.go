package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-playground/validator/v10"

	"github.com/rendercore/orchestrator/internal/dispatch"
	"github.com/rendercore/orchestrator/internal/job"
	"github.com/rendercore/orchestrator/internal/scenario"
)

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	queue      job.Queue
	dispatcher *dispatch.Dispatcher
	validator  *validator.Validate
	logger     *slog.Logger
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// NewHandlers creates a new Handlers instance. queue accepts new job
// submissions and serves status lookups; dispatcher is consulted to
// cancel an already-running job.
func NewHandlers(queue job.Queue, dispatcher *dispatch.Dispatcher, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		queue:      queue,
		dispatcher: dispatcher,
		validator:  validator.New(),
		logger:     logger,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateJob handles POST /jobs requests.
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	s := scenario.Scenario{Cues: make([]scenario.Cue, len(req.Cues))}
	for i, c := range req.Cues {
		s.Cues[i] = scenario.Cue{
			Start:     c.Start,
			End:       c.End,
			Text:      c.Text,
			Style:     c.Style,
			Animation: c.Animation,
			Emotion:   c.Emotion,
		}
	}
	for _, c := range s.Cues {
		if err := c.Validate(); err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "INVALID_CUE")
			return
		}
	}

	opts := job.Options{
		Width:   req.Options.Width,
		Height:  req.Options.Height,
		FPS:     req.Options.FPS,
		Quality: req.Options.Quality,
	}

	createdJob := job.New(req.VideoURL, s, opts, req.CallbackURL)

	if err := h.queue.Enqueue(r.Context(), createdJob); err != nil {
		h.logger.Error("failed to enqueue job",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
		return
	}

	h.logger.Info("job created",
		slog.String("job_id", createdJob.ID),
		slog.Int("width", req.Options.Width),
		slog.Int("height", req.Options.Height),
	)

	writeJSON(w, http.StatusAccepted, CreateJobResponse{
		ID:     createdJob.ID,
		Status: string(createdJob.GetStatus()),
	})
}

// GetJob handles GET /jobs/{id} requests.
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	foundJob, err := h.queue.FindByID(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return
	}

	writeJSON(w, http.StatusOK, toJobResponse(foundJob))
}

// ListJobs handles GET /jobs requests.
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.queue.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_LIST_FAILED")
		return
	}

	resp := make([]JobResponse, len(jobs))
	for i, j := range jobs {
		resp[i] = toJobResponse(j)
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelJob handles POST /jobs/{id}/cancel requests.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return
	}

	if err := h.dispatcher.Cancel(r.Context(), jobID); err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return
		}
		h.logger.Error("failed to cancel job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel job", "JOB_CANCEL_FAILED")
		return
	}

	foundJob, err := h.queue.FindByID(r.Context(), jobID)
	status := string(job.StatusCancelled)
	if err == nil {
		status = string(foundJob.GetStatus())
	}

	h.logger.Info("job cancel requested", slog.String("job_id", jobID))
	writeJSON(w, http.StatusOK, CancelJobResponse{ID: jobID, Status: status})
}

func toJobResponse(j *job.Job) JobResponse {
	segs := j.GetSegments()
	segResp := make([]SegmentResponse, len(segs))
	for i, s := range segs {
		segResp[i] = SegmentResponse{
			Index:           s.Index,
			Status:          string(s.Status),
			FramesProcessed: s.FramesProcessed,
			Error:           s.Error,
		}
	}

	return JobResponse{
		ID:        j.ID,
		Status:    string(j.GetStatus()),
		Progress:  j.GetProgress(),
		ErrorKind: string(j.ErrorKind),
		Error:     j.ErrorMessage,
		VideoURL:  j.OutputURL,
		FileSize:  j.FileSize,
		Segments:  segResp,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
