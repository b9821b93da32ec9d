package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendercore/orchestrator/internal/coordinator"
	"github.com/rendercore/orchestrator/internal/dispatch"
	"github.com/rendercore/orchestrator/internal/encode"
	"github.com/rendercore/orchestrator/internal/job"
	"github.com/rendercore/orchestrator/internal/merger"
	"github.com/rendercore/orchestrator/internal/progress"
	"github.com/rendercore/orchestrator/internal/render"
	"github.com/rendercore/orchestrator/internal/scenario"
	"github.com/rendercore/orchestrator/internal/workerpool"
)

// blockingRenderer blocks Capture until its context is cancelled, used
// so cancel-related handler tests can observe an in-flight job.
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

func newTestHandlers(t *testing.T) (*Handlers, job.Queue, *dispatch.Dispatcher) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	queue := job.NewMemoryQueue(4)

	coord := &coordinator.Coordinator{
		Queue:     queue,
		Pool:      workerpool.New(1),
		Renderers: func(slot int) render.Renderer { return &blockingRenderer{} },
		Merger:    merger.New(encode.NewConcatenator("", 0)),
		Storage:   noopStorage{},
		Progress:  progress.NewMemoryStore(),
		Logger:    logger,
		Config: coordinator.Config{
			TempDir:            t.TempDir(),
			DefaultDurationSec: 5,
			MinDurationSec:     1,
			AllowPartialMerge:  true,
		},
	}

	d := dispatch.New(queue, coord, logger)
	d.PollInterval = time.Millisecond

	return NewHandlers(queue, d, logger), queue, d
}

func validCreateJobBody() CreateJobRequest {
	return CreateJobRequest{
		VideoURL: "https://example.com/source.mp4",
		Cues: []CueRequest{
			{Start: 0, End: 2, Text: "hello"},
		},
		Options: OptionsRequest{
			Width:   640,
			Height:  480,
			FPS:     30,
			Quality: 50,
		},
		CallbackURL: "https://example.com/callback",
	}
}

func doRequest(h http.HandlerFunc, method, target string, body any) *httptest.ResponseRecorder {
	var r *http.Request
	if body != nil {
		b, _ := json.Marshal(body)
		r = httptest.NewRequest(method, target, bytes.NewReader(b))
	} else {
		r = httptest.NewRequest(method, target, nil)
	}
	w := httptest.NewRecorder()
	h(w, r)
	return w
}

func TestHandlers_Health(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	w := doRequest(h.Health, http.MethodGet, "/health", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
}

func TestHandlers_CreateJob_Success(t *testing.T) {
	h, queue, _ := newTestHandlers(t)
	w := doRequest(h.CreateJob, http.MethodPost, "/jobs", validCreateJobBody())

	require.Equal(t, http.StatusAccepted, w.Code)
	var resp CreateJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, string(job.StatusQueued), resp.Status)

	stored, err := queue.FindByID(context.Background(), resp.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/source.mp4", stored.VideoURL)
}

func TestHandlers_CreateJob_InvalidJSON(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	r := httptest.NewRequest(http.MethodPost, "/jobs", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	h.CreateJob(w, r)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_JSON", resp.Code)
}

func TestHandlers_CreateJob_ValidationFailure(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	req := validCreateJobBody()
	req.VideoURL = ""

	w := doRequest(h.CreateJob, http.MethodPost, "/jobs", req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
}

func TestHandlers_CreateJob_InvalidCue(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	req := validCreateJobBody()
	req.Cues = []CueRequest{{Start: 5, End: 10, Text: "ok"}, {Start: 2, End: 1, Text: "bad"}}

	w := doRequest(h.CreateJob, http.MethodPost, "/jobs", req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INVALID_CUE", resp.Code)
}

func TestHandlers_GetJob_NotFound(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	r := httptest.NewRequest(http.MethodGet, "/jobs/does-not-exist", nil)
	r.SetPathValue("id", "does-not-exist")
	w := httptest.NewRecorder()
	h.GetJob(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "JOB_NOT_FOUND", resp.Code)
}

func TestHandlers_GetJob_Found(t *testing.T) {
	h, queue, _ := newTestHandlers(t)
	j := job.New("https://example.com/source.mp4", scenario.Scenario{
		Cues: []scenario.Cue{{Start: 0, End: 1, Text: "hi"}},
	}, job.Options{Width: 64, Height: 64, FPS: 10, Quality: 50}, "")
	require.NoError(t, queue.Enqueue(context.Background(), j))

	r := httptest.NewRequest(http.MethodGet, "/jobs/"+j.ID, nil)
	r.SetPathValue("id", j.ID)
	w := httptest.NewRecorder()
	h.GetJob(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var resp JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, j.ID, resp.ID)
	assert.Equal(t, string(job.StatusQueued), resp.Status)
}

func TestHandlers_CancelJob_PendingJob(t *testing.T) {
	h, queue, _ := newTestHandlers(t)
	j := job.New("https://example.com/source.mp4", scenario.Scenario{
		Cues: []scenario.Cue{{Start: 0, End: 1, Text: "hi"}},
	}, job.Options{Width: 64, Height: 64, FPS: 10, Quality: 50}, "")
	require.NoError(t, queue.Enqueue(context.Background(), j))

	r := httptest.NewRequest(http.MethodPost, "/jobs/"+j.ID+"/cancel", nil)
	r.SetPathValue("id", j.ID)
	w := httptest.NewRecorder()
	h.CancelJob(w, r)

	require.Equal(t, http.StatusOK, w.Code)
	var resp CancelJobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, j.ID, resp.ID)
	assert.Equal(t, string(job.StatusCancelled), resp.Status)
}

func TestHandlers_CancelJob_NotFound(t *testing.T) {
	h, _, _ := newTestHandlers(t)
	r := httptest.NewRequest(http.MethodPost, "/jobs/does-not-exist/cancel", nil)
	r.SetPathValue("id", "does-not-exist")
	w := httptest.NewRecorder()
	h.CancelJob(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "JOB_NOT_FOUND", resp.Code)
}

func TestHandlers_ListJobs(t *testing.T) {
	h, queue, _ := newTestHandlers(t)
	j1 := job.New("https://example.com/a.mp4", scenario.Scenario{Cues: []scenario.Cue{{Start: 0, End: 1, Text: "a"}}}, job.Options{Width: 64, Height: 64, FPS: 10, Quality: 50}, "")
	j2 := job.New("https://example.com/b.mp4", scenario.Scenario{Cues: []scenario.Cue{{Start: 0, End: 1, Text: "b"}}}, job.Options{Width: 64, Height: 64, FPS: 10, Quality: 50}, "")
	require.NoError(t, queue.Enqueue(context.Background(), j1))
	require.NoError(t, queue.Enqueue(context.Background(), j2))

	w := doRequest(h.ListJobs, http.MethodGet, "/jobs", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp []JobResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp, 2)
}
