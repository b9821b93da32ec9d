// Package callback implements the Callback Emitter: it posts job
// progress, completion, and error notifications to a caller-supplied
// webhook URL, retrying transient failures with exponential backoff.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrCallbackFailed is returned when all retry attempts are exhausted.
var ErrCallbackFailed = errors.New("callback: delivery failed")

const (
	defaultMaxRetries  = 3
	defaultBaseBackoff = 2 * time.Second
	defaultTimeout     = 30 * time.Second
)

// Payload is the JSON body posted to the callback URL. Field presence
// mirrors the Python original's per-status optional-field pattern:
// a progress payload carries FramesProcessed/DropRate/etc. only when
// the caller supplies them, a completion payload carries the final
// artifact location, and an error payload carries the error kind.
type Payload struct {
	JobID     string  `json:"job_id"`
	Status    string  `json:"status"`
	Progress  int     `json:"progress"`
	Message   string  `json:"message,omitempty"`
	Timestamp string  `json:"timestamp"`

	FramesProcessed *int     `json:"frames_processed,omitempty"`
	FramesDropped   *int     `json:"frames_dropped,omitempty"`
	DropRate        *float64 `json:"drop_rate,omitempty"`
	QueueSize       *int     `json:"queue_size,omitempty"`

	DownloadURL *string  `json:"download_url,omitempty"`
	FileSize    *int64   `json:"file_size,omitempty"`
	Duration    *float64 `json:"duration,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// ProgressPayload builds a processing-status payload, grounded on
// CallbackService.send_streaming_progress.
func ProgressPayload(jobID string, progress int, framesProcessed, framesDropped int, dropRate float64, queueSize int, message string) Payload {
	return Payload{
		JobID:           jobID,
		Status:          "processing",
		Progress:        progress,
		Message:         message,
		FramesProcessed: &framesProcessed,
		FramesDropped:   &framesDropped,
		DropRate:        &dropRate,
		QueueSize:       &queueSize,
	}
}

// CompletionPayload builds a completed-status payload, grounded on
// CallbackService.send_completion.
func CompletionPayload(jobID, downloadURL string, fileSize int64, duration float64) Payload {
	return Payload{
		JobID:       jobID,
		Status:      "completed",
		Progress:    100,
		Message:     "rendering completed successfully",
		DownloadURL: &downloadURL,
		FileSize:    &fileSize,
		Duration:    &duration,
	}
}

// ErrorPayload builds a failed-status payload, grounded on
// CallbackService.send_error.
func ErrorPayload(jobID, errorCode, errorMessage string) Payload {
	return Payload{
		JobID:        jobID,
		Status:       "failed",
		ErrorCode:    errorCode,
		ErrorMessage: errorMessage,
	}
}

// retryableError marks an error as transient, grounded on the
// teacher's runpod.retryableError.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func isRetryable(err error) bool {
	var re *retryableError
	return errors.As(err, &re)
}

// Emitter posts callback payloads with retry, grounded on the
// teacher's runpod.HTTPClient.doRequestWithRetry: fixed attempt budget,
// exponential backoff between attempts, 5xx/429/network errors
// retried, other 4xx treated as terminal.
type Emitter struct {
	httpClient  *http.Client
	maxRetries  int
	baseBackoff time.Duration
}

// Option configures an Emitter.
type Option func(*Emitter)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Emitter) { e.httpClient = c }
}

// WithMaxRetries overrides the default retry budget (3).
func WithMaxRetries(n int) Option {
	return func(e *Emitter) { e.maxRetries = n }
}

// WithBaseBackoff overrides the default base backoff duration (2s).
func WithBaseBackoff(d time.Duration) Option {
	return func(e *Emitter) { e.baseBackoff = d }
}

// New creates an Emitter with a 30s-timeout default client, 3 retries,
// and a 2s base backoff (doubling per attempt: 2s/4s/8s).
func New(opts ...Option) *Emitter {
	e := &Emitter{
		httpClient:  &http.Client{Timeout: defaultTimeout},
		maxRetries:  defaultMaxRetries,
		baseBackoff: defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send posts payload as JSON to url, retrying transient failures with
// exponential backoff. now is injected so the timestamp stamped onto
// the payload is deterministic under test.
func (e *Emitter) Send(ctx context.Context, url string, payload Payload, now time.Time) error {
	payload.Timestamp = now.UTC().Format(time.RFC3339)

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("callback: marshal payload: %w", err)
	}

	var lastErr error
	backoff := e.baseBackoff

	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("callback: context cancelled: %w", ctx.Err())
			case <-time.After(backoff):
				backoff *= 2
			}
		}

		err := e.doRequest(ctx, url, body)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrCallbackFailed, e.maxRetries+1, lastErr)
}

func (e *Emitter) doRequest(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("callback: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "render-orchestrator/1.0")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return &retryableError{err: fmt.Errorf("callback: request failed: %w", err)}
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &retryableError{err: fmt.Errorf("callback: read response: %w", err)}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	if resp.StatusCode >= 500 {
		return &retryableError{err: fmt.Errorf("callback: server error %d: %s", resp.StatusCode, string(respBody))}
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &retryableError{err: fmt.Errorf("callback: rate limited: %s", string(respBody))}
	}
	return fmt.Errorf("callback: request failed with status %d: %s", resp.StatusCode, string(respBody))
}
