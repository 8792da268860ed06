package agentapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// Retry configuration for agent requests.
// Uses aggressive initial backoff to catch container startup quickly.
const (
	retryInitialDelay = 50 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
	retryMaxAttempts  = 15
	retryMultiplier   = 2.0
)

// maxSSELine bounds one SSE line; ticket sets can be large.
const maxSSELine = 1 << 20

// ErrNoActiveBuild is returned by CancelBuild when no build is running (409).
var ErrNoActiveBuild = errors.New("no active build")

// ErrStreamTruncated is delivered as a stream's last event when the agent
// closed the connection without sending [DONE].
var ErrStreamTruncated = errors.New("event stream ended before [DONE]")

// EndpointResolver returns the base URL of a session's in-container agent.
type EndpointResolver interface {
	AgentEndpoint(ctx context.Context, sessionID string) (string, error)
}

// Client talks to the agent inside a session's sandbox.
type Client struct {
	resolver   EndpointResolver
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Streaming calls rely on context
// cancellation, so the client should not set a global Timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client that resolves sandboxes through resolver.
func NewClient(resolver EndpointResolver, opts ...Option) *Client {
	c := &Client{resolver: resolver, httpClient: &http.Client{}}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// isRetryableError checks if an error is a transient protocol error that should be retried.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "no such host") ||
		strings.Contains(errStr, "i/o timeout") ||
		strings.Contains(errStr, "EOF")
}

func isRetryableStatus(statusCode int) bool {
	return statusCode >= 500 && statusCode < 600
}

// retryWithBackoff executes fn with exponential backoff on retryable errors.
// Returns the result of fn or the last error after max attempts.
func retryWithBackoff[T any](ctx context.Context, attempts int, fn func() (T, int, error)) (T, error) {
	var zero T
	delay := retryInitialDelay

	for attempt := 1; attempt <= attempts; attempt++ {
		result, statusCode, err := fn()
		if err == nil && !isRetryableStatus(statusCode) {
			return result, nil
		}

		shouldRetry := isRetryableError(err) || isRetryableStatus(statusCode)
		if !shouldRetry || attempt == attempts {
			if err != nil {
				return zero, err
			}
			return result, nil
		}

		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(delay):
		}
		delay = min(time.Duration(float64(delay)*retryMultiplier), retryMaxDelay)
	}

	return zero, fmt.Errorf("max retry attempts exceeded")
}

// do sends one request to the agent, retrying transient failures. The caller
// owns the response body.
func (c *Client) do(ctx context.Context, sessionID, method, path string, body any, attempts int) (*http.Response, error) {
	base, err := c.resolver.AgentEndpoint(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	target := strings.TrimRight(base, "/") + path

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	return retryWithBackoff(ctx, attempts, func() (*http.Response, int, error) {
		var reader io.Reader
		if payload != nil {
			reader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reader)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to create request: %w", err)
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, 0, err
		}
		if isRetryableStatus(resp.StatusCode) {
			// Keep the last response readable for the error message.
			data, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			resp.Body = io.NopCloser(bytes.NewReader(data))
		}
		return resp, resp.StatusCode, nil
	})
}

// doJSON sends a request and decodes a 200 response into out.
func (c *Client) doJSON(ctx context.Context, sessionID, method, path string, body, out any) error {
	resp, err := c.do(ctx, sessionID, method, path, body, retryMaxAttempts)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return fmt.Errorf("agent returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// Health makes a single health probe. Polling callers own the retry policy.
func (c *Client) Health(ctx context.Context, sessionID string) (*HealthResponse, error) {
	resp, err := c.do(ctx, sessionID, http.MethodGet, "/agent/health", nil, 1)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}
	var health HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("failed to decode health: %w", err)
	}
	return &health, nil
}

// ReadFile reads a file relative to the agent's working directory.
func (c *Client) ReadFile(ctx context.Context, sessionID, path string) (*ReadFileResponse, error) {
	var out ReadFileResponse
	if err := c.doJSON(ctx, sessionID, http.MethodGet, "/agent/files?path="+url.QueryEscape(path), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WriteFile writes a file relative to the agent's working directory.
func (c *Client) WriteFile(ctx context.Context, sessionID string, req WriteFileRequest) (*WriteFileResponse, error) {
	var out WriteFileResponse
	if err := c.doJSON(ctx, sessionID, http.MethodPost, "/agent/files", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GitPull fetches and checks out the latest commit of a branch.
func (c *Client) GitPull(ctx context.Context, sessionID string, req GitPullRequest) (*GitPullResponse, error) {
	var out GitPullResponse
	if err := c.doJSON(ctx, sessionID, http.MethodPost, "/agent/git/pull", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GitRevert resets the working tree to a commit.
func (c *Client) GitRevert(ctx context.Context, sessionID string, req GitRevertRequest) error {
	return c.doJSON(ctx, sessionID, http.MethodPost, "/agent/git/revert", req, nil)
}

// StreamPlan starts a planning turn and streams its events.
func (c *Client) StreamPlan(ctx context.Context, sessionID string, req PlanRequest) (<-chan StreamEvent, error) {
	return c.stream(ctx, sessionID, "/agent/plan", req)
}

// StreamRequirements starts a requirements-gathering turn.
func (c *Client) StreamRequirements(ctx context.Context, sessionID string, req PlanRequest) (<-chan StreamEvent, error) {
	return c.stream(ctx, sessionID, "/agent/requirements", req)
}

// StreamBuild executes tickets and streams per-ticket progress.
func (c *Client) StreamBuild(ctx context.Context, sessionID string, req BuildRequest) (<-chan StreamEvent, error) {
	return c.stream(ctx, sessionID, "/agent/build", req)
}

// CancelBuild cancels the running build. Returns ErrNoActiveBuild on 409.
func (c *Client) CancelBuild(ctx context.Context, sessionID string) error {
	resp, err := c.do(ctx, sessionID, http.MethodPost, "/agent/build/cancel", nil, retryMaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to cancel build: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusNoContent:
		return nil
	case http.StatusConflict:
		return ErrNoActiveBuild
	default:
		return statusError(resp)
	}
}

func (c *Client) stream(ctx context.Context, sessionID, path string, body any) (<-chan StreamEvent, error) {
	resp, err := c.do(ctx, sessionID, http.MethodPost, path, body, retryMaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() { _ = resp.Body.Close() }()
		return nil, statusError(resp)
	}

	ch := make(chan StreamEvent, 100)
	go func() {
		defer close(ch)
		defer func() { _ = resp.Body.Close() }()
		readEvents(ctx, resp.Body, ch)
	}()
	return ch, nil
}

// readEvents parses SSE frames: an optional "event:" line followed by a
// "data:" line. Without an event line the JSON "type" field names the event.
func readEvents(ctx context.Context, r io.Reader, ch chan<- StreamEvent) {
	send := func(ev StreamEvent) bool {
		select {
		case ch <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxSSELine)

	var eventName string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			eventName = ""
		case strings.HasPrefix(line, ":"):
			// comment / keepalive
		case strings.HasPrefix(line, "event:"):
			eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if data == "[DONE]" {
				send(StreamEvent{Done: true})
				return
			}
			ev := StreamEvent{Type: eventName, Data: json.RawMessage(data)}
			if ev.Type == "" {
				var typed struct {
					Type string `json:"type"`
				}
				if err := json.Unmarshal(ev.Data, &typed); err == nil {
					ev.Type = typed.Type
				}
			}
			eventName = ""
			if !send(ev) {
				return
			}
		}
	}
	if ctx.Err() != nil {
		return
	}
	if err := scanner.Err(); err != nil {
		send(StreamEvent{Err: fmt.Errorf("failed to read event stream: %w", err)})
		return
	}
	// Only [DONE] ends a stream cleanly; EOF before it means the agent went away.
	send(StreamEvent{Err: ErrStreamTruncated})
}
