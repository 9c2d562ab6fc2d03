package serverapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"checkpointd/internal/model"
)

// ScanPayload is one scan in a validation request. Offline records whether
// the authoritative decision is being made after the fact for a scan the
// device captured while disconnected.
type ScanPayload struct {
	Code         string    `json:"code"`
	ScannedAt    time.Time `json:"scanned_at"`
	CheckpointID string    `json:"checkpoint_id,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	EventID      string    `json:"event_id,omitempty"`
	Offline      bool      `json:"offline"`
	ClientRef    string    `json:"client_ref,omitempty"`
}

// Attendance is the server's canonical record of one validated scan.
type Attendance struct {
	ID           string          `json:"id"`
	EventID      string          `json:"event_id,omitempty"`
	Code         string          `json:"code"`
	Result       string          `json:"result"`
	Message      string          `json:"message,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	ScannedAt    time.Time       `json:"scanned_at"`
	CheckpointID string          `json:"checkpoint_id,omitempty"`
	DeviceID     string          `json:"device_id,omitempty"`
	Offline      bool            `json:"offline"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// ValidationResponse is the single-scan validation result.
type ValidationResponse struct {
	Result     string          `json:"result"`
	Message    string          `json:"message"`
	Reason     string          `json:"reason,omitempty"`
	Code       string          `json:"code"`
	Ticket     json.RawMessage `json:"ticket,omitempty"`
	Attendance *Attendance     `json:"attendance,omitempty"`
}

// BatchResult is one per-item result of a bulk validation. Index ties it back
// to the position in the submitted scans array.
type BatchResult struct {
	Index      int         `json:"index"`
	Result     string      `json:"result"`
	Message    string      `json:"message,omitempty"`
	Reason     string      `json:"reason,omitempty"`
	Attendance *Attendance `json:"attendance,omitempty"`
}

// ActivityPage is one page of the incremental activity pull. An absent
// NextCursor marks the page as terminal.
type ActivityPage struct {
	Data []Attendance `json:"data"`
	Meta struct {
		NextCursor string `json:"next_cursor,omitempty"`
	} `json:"meta"`
}

// APIError is a non-2xx response from the platform. The status code decides
// routing: client rejections are surfaced to the caller, everything else is
// queued for retry.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server responded %d: %s", e.Status, e.Body)
}

// ClientRejection reports whether the server rejected the request itself
// (malformed code, bad shape). These are never enqueued for retry.
func (e *APIError) ClientRejection() bool {
	return e.Status >= 400 && e.Status < 500
}

// TokenSource supplies the bearer token attached to every request.
type TokenSource interface {
	Token() (string, error)
}

// Client calls the platform's validation and activity endpoints.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Tokens  TokenSource
}

// New creates a client. Validation can be slow behind a venue uplink, so the
// timeout is generous; callers bound individual requests via context.
func New(baseURL string, tokens TokenSource) *Client {
	return &Client{
		BaseURL: baseURL,
		Tokens:  tokens,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Validate submits a single scan for an immediate authoritative decision.
func (c *Client) Validate(ctx context.Context, scan ScanPayload) (*ValidationResponse, error) {
	var out ValidationResponse
	if err := c.post(ctx, "/v1/checkins/validate", scan, &out); err != nil {
		return nil, err
	}
	if _, err := model.ParseResult(out.Result); err != nil {
		return nil, fmt.Errorf("validate response: %w", err)
	}
	return &out, nil
}

// ValidateBatch submits queued scans in bulk. The response carries one result
// per scan, matched by index; business outcomes (duplicate, invalid, …) are
// successes at this layer.
func (c *Client) ValidateBatch(ctx context.Context, scans []ScanPayload) ([]BatchResult, error) {
	req := struct {
		Scans []ScanPayload `json:"scans"`
	}{Scans: scans}
	var out []BatchResult
	if err := c.post(ctx, "/v1/checkins/validate_batch", req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ActivitySince pulls attendance activity for an event after the given
// cursor. An empty cursor means from the beginning.
func (c *Client) ActivitySince(ctx context.Context, eventID, cursor string) (*ActivityPage, error) {
	req := struct {
		EventID string `json:"event_id"`
		Cursor  string `json:"cursor,omitempty"`
	}{EventID: eventID, Cursor: cursor}
	var out ActivityPage
	if err := c.post(ctx, "/v1/attendance/activity", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Health checks whether the platform is reachable.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("server unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("server unhealthy: %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.Tokens != nil {
		token, err := c.Tokens.Token()
		if err != nil {
			return fmt.Errorf("device token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("server request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Status: resp.StatusCode, Body: string(bytes.TrimSpace(respBody))}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
