// Package transport implements the sync transport adapter: it sends
// batched operations to the reconciliation endpoint and classifies
// failures for the retry policy.
//
// The adapter performs no retry logic itself. Its single scheduling
// responsibility is classification: transient failures (connection
// errors, timeouts, 408, 429, 5xx) surface as syncerr.NetworkError;
// malformed payloads surface as syncerr.ValidationError; everything else
// permanent surfaces as syncerr.RejectedError. The retry controller
// decides from there.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/cdurbin/inkwell/internal/schema"
	"github.com/cdurbin/inkwell/internal/syncerr"
)

// ResultStatus is the server's per-operation verdict.
type ResultStatus string

const (
	// StatusApplied means the operation was accepted; the entry can be
	// removed and the local record advanced to the new server version.
	StatusApplied ResultStatus = "applied"

	// StatusConflict means the server state moved past the operation's
	// baseline; the reply carries the server's current record.
	StatusConflict ResultStatus = "conflict"

	// StatusRejected means the server permanently refused the
	// operation; the entry must be dead-lettered.
	StatusRejected ResultStatus = "rejected"
)

// PushOperation is one outbox entry on the wire.
type PushOperation struct {
	EntityType  schema.EntityType `json:"entity_type"`
	RecordID    string            `json:"record_id"`
	Operation   string            `json:"operation"`
	Payload     schema.Payload    `json:"payload"`
	BaseVersion int64             `json:"base_version"`
}

// PushResult is the server's verdict for one operation, returned in the
// same order the operations were submitted.
type PushResult struct {
	Status        ResultStatus   `json:"status"`
	ServerVersion int64          `json:"server_version,omitempty"`
	ServerRecord  *schema.Record `json:"server_record,omitempty"`

	// ServerColumns is the set of columns the server modified since the
	// operation's base version. Present on conflict replies.
	ServerColumns []string `json:"server_columns,omitempty"`

	// Reason explains a rejection.
	Reason string `json:"reason,omitempty"`
}

// PullResponse carries records changed server-side since the cursor.
type PullResponse struct {
	Records []*schema.Record `json:"records"`
	Cursor  string           `json:"cursor"`
}

// Adapter sends batches to and receives batches from the server.
type Adapter interface {
	// Push submits an ordered batch of operations and returns one
	// result per operation, in submission order.
	Push(ctx context.Context, ops []PushOperation) ([]PushResult, error)

	// Pull returns records changed server-side since the cursor, along
	// with the next cursor.
	Pull(ctx context.Context, since string) (*PullResponse, error)

	// Upload transfers a binary attachment (capture audio) for a
	// record. Uses the longer upload timeout.
	Upload(ctx context.Context, entityType schema.EntityType, recordID string, body io.Reader) error
}

// Config holds HTTP transport configuration.
type Config struct {
	// PushTimeout bounds a push or pull round-trip (default: 30s).
	PushTimeout time.Duration

	// UploadTimeout bounds a binary upload (default: 60s).
	UploadTimeout time.Duration

	// Logger for transport activity (default: stderr logger).
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		PushTimeout:   30 * time.Second,
		UploadTimeout: 60 * time.Second,
		Logger:        log.New(os.Stderr, "[transport] ", log.LstdFlags),
	}
}

// HTTP is the http-based Adapter implementation.
type HTTP struct {
	baseURL string
	client  *http.Client
	upload  *http.Client
	logger  *log.Logger
}

// NewHTTP creates an HTTP transport adapter for the given base URL.
func NewHTTP(baseURL string, config *Config) *HTTP {
	if config == nil {
		config = DefaultConfig()
	}
	if config.PushTimeout == 0 {
		config.PushTimeout = 30 * time.Second
	}
	if config.UploadTimeout == 0 {
		config.UploadTimeout = 60 * time.Second
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[transport] ", log.LstdFlags)
	}
	return &HTTP{
		baseURL: baseURL,
		client:  &http.Client{Timeout: config.PushTimeout},
		upload:  &http.Client{Timeout: config.UploadTimeout},
		logger:  config.Logger,
	}
}

// Push implements Adapter.Push.
func (h *HTTP) Push(ctx context.Context, ops []PushOperation) ([]PushResult, error) {
	body, err := json.Marshal(ops)
	if err != nil {
		return nil, &syncerr.ValidationError{Reason: fmt.Sprintf("failed to encode push batch: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, &syncerr.ValidationError{Reason: fmt.Sprintf("failed to build push request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		// Connection failures and client-side timeouts are transient.
		return nil, &syncerr.NetworkError{Op: "push", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus("push", resp); err != nil {
		return nil, err
	}

	var results []PushResult
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return nil, &syncerr.NetworkError{Op: "push", Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	if len(results) != len(ops) {
		return nil, &syncerr.NetworkError{Op: "push",
			Err: fmt.Errorf("server returned %d results for %d operations", len(results), len(ops))}
	}

	h.logger.Printf("Pushed %d operations", len(ops))
	return results, nil
}

// Pull implements Adapter.Pull.
func (h *HTTP) Pull(ctx context.Context, since string) (*PullResponse, error) {
	u := fmt.Sprintf("%s/sync/pull?since=%s", h.baseURL, url.QueryEscape(since))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, &syncerr.ValidationError{Reason: fmt.Sprintf("failed to build pull request: %v", err)}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &syncerr.NetworkError{Op: "pull", Err: err}
	}
	defer resp.Body.Close()

	if err := classifyStatus("pull", resp); err != nil {
		return nil, err
	}

	var out PullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &syncerr.NetworkError{Op: "pull", Err: fmt.Errorf("failed to decode response: %w", err)}
	}

	return &out, nil
}

// Upload implements Adapter.Upload.
func (h *HTTP) Upload(ctx context.Context, entityType schema.EntityType, recordID string, body io.Reader) error {
	u := fmt.Sprintf("%s/sync/upload/%s/%s", h.baseURL, url.PathEscape(string(entityType)), url.PathEscape(recordID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u, body)
	if err != nil {
		return &syncerr.ValidationError{Reason: fmt.Sprintf("failed to build upload request: %v", err)}
	}
	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := h.upload.Do(req)
	if err != nil {
		return &syncerr.NetworkError{Op: "upload", Err: err}
	}
	defer resp.Body.Close()

	return classifyStatus("upload", resp)
}

// classifyStatus maps an HTTP response status into the error taxonomy.
// 2xx is success; 408/429/5xx are transient; 400/422 are validation
// failures; every other status is a permanent rejection.
func classifyStatus(op string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	detail := readErrorBody(resp)
	if syncerr.RetryableStatus(resp.StatusCode) {
		return &syncerr.NetworkError{Op: op,
			Err: fmt.Errorf("server returned %d: %s", resp.StatusCode, detail)}
	}
	if resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity {
		return &syncerr.ValidationError{Reason: fmt.Sprintf("server returned %d: %s", resp.StatusCode, detail)}
	}
	return &syncerr.RejectedError{Reason: fmt.Sprintf("server returned %d: %s", resp.StatusCode, detail)}
}

// readErrorBody returns a bounded snippet of the response body for error
// messages.
func readErrorBody(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, 512))
	if err != nil || len(data) == 0 {
		return resp.Status
	}
	return string(data)
}
