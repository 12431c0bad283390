package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hpungsan/landscape/internal/coordinator"
	"github.com/hpungsan/landscape/internal/errors"
)

// Registration is what a worker learns when it registers.
type Registration struct {
	WorkerID          string
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Client is the worker side of the protocol.
type Client struct {
	baseURL string
	http    *http.Client
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient creates a client for the coordinator at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Register admits the worker with the given capabilities.
func (c *Client) Register(ctx context.Context, caps ...coordinator.Capability) (Registration, error) {
	req := RegisterRequest{Capabilities: make([]string, len(caps))}
	for i, cp := range caps {
		req.Capabilities[i] = string(cp)
	}

	var resp RegisterResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workers", req, &resp); err != nil {
		return Registration{}, err
	}
	return Registration{
		WorkerID:          resp.WorkerID,
		HeartbeatInterval: time.Duration(resp.HeartbeatIntervalMS) * time.Millisecond,
		HeartbeatTimeout:  time.Duration(resp.HeartbeatTimeoutMS) * time.Millisecond,
	}, nil
}

// RequestJob asks for work. A nil job comes with the suggested wait before asking again.
func (c *Client) RequestJob(ctx context.Context, workerID string) (*coordinator.Job, time.Duration, error) {
	var resp JobResponse
	if err := c.do(ctx, http.MethodPost, "/v1/workers/"+url.PathEscape(workerID)+"/jobs", nil, &resp); err != nil {
		return nil, 0, err
	}
	if !resp.Available || resp.Job == nil {
		return nil, time.Duration(resp.RetryAfterMS) * time.Millisecond, nil
	}
	job, err := resp.Job.Job()
	if err != nil {
		return nil, 0, fmt.Errorf("decode job: %w", err)
	}
	job.WorkerID = workerID
	return job, 0, nil
}

// SubmitResult reports the outcome of a job.
func (c *Client) SubmitResult(ctx context.Context, workerID, jobID string, result coordinator.Result) (coordinator.SubmitOutcome, error) {
	req, err := submitRequestFor(result)
	if err != nil {
		return coordinator.SubmitOutcome{}, err
	}
	path := "/v1/workers/" + url.PathEscape(workerID) + "/jobs/" + url.PathEscape(jobID) + "/result"

	var out coordinator.SubmitOutcome
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return coordinator.SubmitOutcome{}, err
	}
	return out, nil
}

// Heartbeat refreshes the worker's liveness. A WORKER_TIMEOUT error means the
// worker was reaped and must register again.
func (c *Client) Heartbeat(ctx context.Context, workerID string) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/"+url.PathEscape(workerID)+"/heartbeat", nil, nil)
}

// Stats fetches the coordinator summary.
func (c *Client) Stats(ctx context.Context) (coordinator.Stats, error) {
	var s coordinator.Stats
	err := c.do(ctx, http.MethodGet, "/v1/landscape/stats", nil, &s)
	return s, err
}

// do sends one request. Error replies are decoded into *errors.LandscapeError.
func (c *Client) do(ctx context.Context, method, path string, body, into any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if into == nil || resp.StatusCode == http.StatusNoContent {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var er ErrorResponse
	if err := json.Unmarshal(respBody, &er); err != nil || er.Error.Code == "" {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return &errors.LandscapeError{
		Code:    errors.ErrorCode(er.Error.Code),
		Status:  er.Error.Status,
		Message: er.Error.Message,
	}
}
