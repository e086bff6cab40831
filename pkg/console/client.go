// Package console is the HTTP client for the console service plus a
// fixed-interval poller that follows a job to completion.
//
// The types in this package mirror the service's JSON responses, so tools
// built on it need nothing from the service internals.
package console

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const defaultTimeout = 15 * time.Second

// Responses carry at most one run's retained output, capped server-side at
// 1 MiB. Anything larger is not a console service.
const maxResponseBytes = 8 << 20

// Client calls the console service HTTP API.
type Client struct {
	baseURL string
	apiKey  string
	timeout time.Duration
	httpc   *http.Client
}

// ClientConfig configures a Client. Zero values use defaults.
type ClientConfig struct {
	BaseURL    string        // service address, e.g. "http://127.0.0.1:8080"
	APIKey     string        // bearer token, empty when the service runs unauthenticated
	Timeout    time.Duration // per-request timeout, default 15s
	HTTPClient *http.Client  // optional transport override
}

// NewClient creates a client for the console service at cfg.BaseURL.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("BaseURL is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpc := cfg.HTTPClient
	if httpc == nil {
		// Timeouts are applied per request, not on the http.Client, so a
		// long poll can wait past the default window.
		httpc = &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		httpc:   httpc,
	}, nil
}

// Launch starts a run of jobType. Parameters absent from params take their
// catalog defaults. When the job type already has an active run the error
// is a *ConflictError carrying that run's start time.
func (c *Client) Launch(ctx context.Context, jobType string, params map[string]int) (*LaunchResponse, error) {
	body, err := json.Marshal(launchRequest{Params: params})
	if err != nil {
		return nil, fmt.Errorf("encode launch request: %w", err)
	}
	var resp LaunchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/jobs/"+url.PathEscape(jobType), nil, body, &resp, c.timeout); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status returns the latest snapshot for jobType.
func (c *Client) Status(ctx context.Context, jobType string) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobType), nil, nil, &snap, c.timeout); err != nil {
		return nil, err
	}
	return &snap, nil
}

// StatusWait long-polls for a change: the service responds as soon as its
// state revision exceeds since, or with the current snapshot once wait
// elapses. The service caps wait at one minute.
func (c *Client) StatusWait(ctx context.Context, jobType string, since uint64, wait time.Duration) (*Snapshot, error) {
	query := url.Values{}
	query.Set("wait", wait.String())
	query.Set("rev", strconv.FormatUint(since, 10))

	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobType), query, nil, &snap, wait+c.timeout); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Result returns the recorded outcome of the most recent finished run of
// jobType. While a run is active, or before the first run, the error
// satisfies IsNotFound.
func (c *Client) Result(ctx context.Context, jobType string) (*ResultRecord, error) {
	var rec ResultRecord
	if err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(jobType)+"/result", nil, nil, &rec, c.timeout); err != nil {
		return nil, err
	}
	return &rec, nil
}

// List returns every configured job type with its latest snapshot, ordered
// by job type name.
func (c *Client) List(ctx context.Context) ([]JobInfo, error) {
	var resp struct {
		Jobs []JobInfo `json:"jobs"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/jobs", nil, nil, &resp, c.timeout); err != nil {
		return nil, err
	}
	return resp.Jobs, nil
}

// Ping checks that the service is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/livez", nil, nil, nil, c.timeout)
}

type launchRequest struct {
	Params map[string]int `json:"params,omitempty"`
}

type conflictBody struct {
	Error     string    `json:"error"`
	JobType   string    `json:"jobType"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"startedAt"`
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return responseError(resp.StatusCode, raw)
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// responseError turns a non-2xx response into a typed error. Launch
// conflicts become *ConflictError; everything else is an *HTTPError with
// the server-reported message.
func responseError(status int, raw []byte) error {
	if status == http.StatusConflict {
		var conflict conflictBody
		if err := json.Unmarshal(raw, &conflict); err == nil && !conflict.StartedAt.IsZero() {
			return &ConflictError{
				JobType:   conflict.JobType,
				Name:      conflict.Name,
				StartedAt: conflict.StartedAt,
			}
		}
	}

	var body struct {
		Error string `json:"error"`
	}
	message := ""
	if err := json.Unmarshal(raw, &body); err == nil {
		message = body.Error
	}
	if message == "" {
		message = strings.TrimSpace(string(raw))
	}
	return &HTTPError{StatusCode: status, Message: message}
}

// HTTPError is a non-2xx response from the service.
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// ConflictError reports that the job type already has an active run. The
// caller can attach to that run instead of treating the launch as failed.
type ConflictError struct {
	JobType   string
	Name      string
	StartedAt time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("job %q already running since %s", e.JobType, e.StartedAt.UTC().Format(time.RFC3339))
}

// IsConflict reports whether err is a launch conflict.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// IsNotFound reports whether err is a 404 from the service.
func IsNotFound(err error) bool {
	var httpErr *HTTPError
	return errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusNotFound
}
