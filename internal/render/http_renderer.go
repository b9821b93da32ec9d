package render

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rendercore/orchestrator/internal/scenario"
)

// ErrSessionRequired is returned when Seek or Capture is called before
// LoadSource has established a compositor session.
var ErrSessionRequired = errors.New("render: LoadSource must be called before Seek/Capture")

// HTTPRenderer implements Renderer by driving an external compositor
// service over HTTP: a headless-browser process (out of scope for this
// core) exposing session-scoped load/seek/capture endpoints. Grounded
// on the teacher's runpod.HTTPClient — the same authenticated,
// retrying HTTP-adapter shape applied to a synchronous seek/capture
// contract instead of RunPod's submit/poll one.
type HTTPRenderer struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration

	sessionID string
}

// HTTPRendererOption configures an HTTPRenderer.
type HTTPRendererOption func(*HTTPRenderer)

// WithRendererAPIKey sets the bearer token sent to the compositor service.
func WithRendererAPIKey(key string) HTTPRendererOption {
	return func(r *HTTPRenderer) { r.apiKey = key }
}

// WithRendererHTTPClient sets a custom HTTP client.
func WithRendererHTTPClient(c *http.Client) HTTPRendererOption {
	return func(r *HTTPRenderer) { r.httpClient = c }
}

// WithRendererMaxRetries sets the maximum number of retries for transient
// compositor failures (5xx, 429, network errors).
func WithRendererMaxRetries(n int) HTTPRendererOption {
	return func(r *HTTPRenderer) { r.maxRetries = n }
}

// WithRendererBaseBackoff sets the initial backoff duration for retries.
func WithRendererBaseBackoff(d time.Duration) HTTPRendererOption {
	return func(r *HTTPRenderer) { r.baseBackoff = d }
}

// NewHTTPRenderer creates an HTTPRenderer targeting the compositor
// service at baseURL. One HTTPRenderer instance is scoped to a single
// Render Worker slot and is not safe for concurrent LoadSource calls.
func NewHTTPRenderer(baseURL string, opts ...HTTPRendererOption) *HTTPRenderer {
	r := &HTTPRenderer{
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		maxRetries:  3,
		baseBackoff: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type loadSourceRequest struct {
	VideoURL string         `json:"video_url"`
	Cues     []scenario.Cue `json:"cues"`
	Width    int            `json:"width"`
	Height   int            `json:"height"`
}

type loadSourceResponse struct {
	SessionID string `json:"session_id"`
}

type seekRequest struct {
	TimeSeconds float64 `json:"time_seconds"`
}

// LoadSource opens a compositor session for videoURL and the job's full
// scenario, returning the session ID the renderer will address in
// subsequent Seek/Capture calls.
func (r *HTTPRenderer) LoadSource(ctx context.Context, videoURL string, s scenario.Scenario, width, height int) error {
	body, err := json.Marshal(loadSourceRequest{VideoURL: videoURL, Cues: s.Cues, Width: width, Height: height})
	if err != nil {
		return fmt.Errorf("render: marshal load-source request: %w", err)
	}

	respBody, err := r.doWithRetry(ctx, http.MethodPost, "/sessions", body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}

	var resp loadSourceResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return fmt.Errorf("%w: decode load-source response: %v", ErrSourceUnavailable, err)
	}
	if resp.SessionID == "" {
		return fmt.Errorf("%w: compositor returned no session id", ErrSourceUnavailable)
	}

	r.sessionID = resp.SessionID
	return nil
}

// Seek moves the compositor session to timeSeconds and blocks until the
// service reports the frame has stabilized.
func (r *HTTPRenderer) Seek(ctx context.Context, timeSeconds float64) error {
	if r.sessionID == "" {
		return ErrSessionRequired
	}

	body, err := json.Marshal(seekRequest{TimeSeconds: timeSeconds})
	if err != nil {
		return fmt.Errorf("render: marshal seek request: %w", err)
	}

	_, err = r.doWithRetry(ctx, http.MethodPost, "/sessions/"+r.sessionID+"/seek", body)
	return err
}

// Capture returns the session's current frame as PNG-encoded bytes.
func (r *HTTPRenderer) Capture(ctx context.Context) ([]byte, error) {
	if r.sessionID == "" {
		return nil, ErrSessionRequired
	}
	return r.doWithRetry(ctx, http.MethodGet, "/sessions/"+r.sessionID+"/frame", nil)
}

// Close releases the compositor session. It tolerates the session
// already being gone (e.g. evicted by the compositor's own idle
// timeout).
func (r *HTTPRenderer) Close() error {
	if r.sessionID == "" {
		return nil
	}
	_, err := r.doWithRetry(context.Background(), http.MethodDelete, "/sessions/"+r.sessionID, nil)
	r.sessionID = ""
	return err
}

// doWithRetry issues one HTTP request against the compositor service,
// retrying transient failures (5xx, 429, network errors) with
// exponential backoff up to maxRetries times.
func (r *HTTPRenderer) doWithRetry(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	var lastErr error
	backoff := r.baseBackoff

	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}

		respBody, retryable, err := r.do(ctx, method, path, body)
		if err == nil {
			return respBody, nil
		}
		lastErr = err
		if !retryable {
			return nil, err
		}
	}

	return nil, fmt.Errorf("render: compositor request failed after %d retries: %w", r.maxRetries, lastErr)
}

func (r *HTTPRenderer) do(ctx context.Context, method, path string, body []byte) (respBody []byte, retryable bool, err error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return nil, false, fmt.Errorf("build compositor request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, true, fmt.Errorf("compositor request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, true, fmt.Errorf("read compositor response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return data, false, nil
	case resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("compositor status %d: %s", resp.StatusCode, string(data))
	default:
		return nil, false, fmt.Errorf("compositor status %d: %s", resp.StatusCode, string(data))
	}
}
