package daiku

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the daiku server (e.g. "http://localhost:8787").
	BaseURL string

	// Token is the static bearer token. Leave empty when the server runs
	// without auth.
	Token string

	// HTTPClient is an optional custom HTTP client, used for every
	// request including event streams. If nil, a default client with a
	// 30-second timeout is used (streams get a separate client without
	// the timeout).
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	// Ignored when HTTPClient is set.
	Timeout time.Duration
}

// Client is an HTTP client for the daiku workflow API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	stream  *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("daiku: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	streamClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
		// An event stream outlives any sane request timeout; the
		// caller's context bounds it instead.
		streamClient = &http.Client{}
	}

	return &Client{
		baseURL: baseURL,
		token:   cfg.Token,
		client:  httpClient,
		stream:  streamClient,
	}, nil
}

// StartSession starts a new workflow session from natural-language
// requirements. When req.IdempotencyKey is set the call is safe to
// retry: the same key with the same requirements returns the original
// session with Created false.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (*StartSessionResponse, error) {
	encoded, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("daiku: marshal request body: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions", bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("daiku: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.IdempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)
	}

	var resp StartSessionResponse
	status, err := c.doRequest(httpReq, &resp)
	if err != nil {
		return nil, err
	}
	resp.Created = status == http.StatusCreated
	return &resp, nil
}

// GetSession retrieves a session row by ID.
func (c *Client) GetSession(ctx context.Context, id uuid.UUID) (*Session, error) {
	var resp Session
	if err := c.get(ctx, "/v1/sessions/"+id.String(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListSessions retrieves sessions with optional status filtering and
// pagination, newest first.
func (c *Client) ListSessions(ctx context.Context, opts *ListOptions) (*SessionsPage, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", string(opts.Status))
		}
		if opts.Limit > 0 {
			params.Set("limit", strconv.Itoa(opts.Limit))
		}
		if opts.Offset > 0 {
			params.Set("offset", strconv.Itoa(opts.Offset))
		}
	}

	path := "/v1/sessions"
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("daiku: create request: %w", err)
	}

	var envelope listEnvelope
	if _, err := c.doRequestRaw(httpReq, &envelope); err != nil {
		return nil, err
	}

	page := &SessionsPage{
		Total:   envelope.Total,
		HasMore: envelope.HasMore,
		Limit:   envelope.Limit,
		Offset:  envelope.Offset,
	}
	if len(envelope.Data) > 0 {
		if err := json.Unmarshal(envelope.Data, &page.Sessions); err != nil {
			return nil, fmt.Errorf("daiku: decode sessions: %w", err)
		}
	}
	return page, nil
}

// Summary retrieves the point-in-time rollup of a session.
func (c *Client) Summary(ctx context.Context, id uuid.UUID) (*Summary, error) {
	var resp Summary
	if err := c.get(ctx, "/v1/sessions/"+id.String()+"/summary", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Checkpoints retrieves a session's full snapshot log along with the
// hash chain verification verdict.
func (c *Client) Checkpoints(ctx context.Context, id uuid.UUID) (*CheckpointsResponse, error) {
	var resp CheckpointsResponse
	if err := c.get(ctx, "/v1/sessions/"+id.String()+"/checkpoints", &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Cancel requests cancellation of a running session. The session settles
// asynchronously; poll GetSession or stream events to observe the
// terminal state. Cancelling a finished session returns a 409.
func (c *Client) Cancel(ctx context.Context, id uuid.UUID) (*CancelSessionResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/sessions/"+id.String()+"/cancel", nil)
	if err != nil {
		return nil, fmt.Errorf("daiku: create request: %w", err)
	}

	var resp CancelSessionResponse
	if _, err := c.doRequest(httpReq, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// StreamEvents consumes a session's event stream, invoking fn for each
// event in order. Events with Seq at or below afterSeq are skipped by
// the server, so a caller can resume from the last sequence it saw.
//
// StreamEvents returns nil when the stream ends after the terminal
// event, fn's error if fn fails, and ctx.Err() on cancellation.
func (c *Client) StreamEvents(ctx context.Context, id uuid.UUID, afterSeq int, fn func(StepEvent) error) error {
	path := "/v1/sessions/" + id.String() + "/events"
	if afterSeq > 0 {
		path += "?after_seq=" + strconv.Itoa(afterSeq)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("daiku: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.stream.Do(req)
	if err != nil {
		return fmt.Errorf("daiku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return parseErrorResponse(resp.StatusCode, body)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var data []byte
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if len(data) == 0 {
				continue
			}
			var ev StepEvent
			if err := json.Unmarshal(data, &ev); err != nil {
				return fmt.Errorf("daiku: decode event: %w", err)
			}
			data = data[:0]
			if err := fn(ev); err != nil {
				return err
			}
		case strings.HasPrefix(line, "data: "):
			data = append(data, strings.TrimPrefix(line, "data: ")...)
		default:
			// id:, event:, and comment keepalive lines carry nothing
			// the data payload doesn't already have.
		}
	}
	if err := scanner.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("daiku: read event stream: %w", err)
	}
	return nil
}

// Health checks the server's health status. This endpoint does not
// require authentication and will work even if the client has an
// invalid token.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/healthz", nil)
	if err != nil {
		return nil, fmt.Errorf("daiku: create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("daiku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listEnvelope is the server's list response wrapper with paging fields.
type listEnvelope struct {
	Data    json.RawMessage `json:"data"`
	Total   int             `json:"total"`
	HasMore bool            `json:"has_more"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("daiku: create request: %w", err)
	}

	_, err = c.doRequest(req, dest)
	return err
}

// doRequest authorizes and executes req, unwraps the data envelope into
// dest, and returns the response status code.
func (c *Client) doRequest(req *http.Request, dest any) (int, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("daiku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return resp.StatusCode, handleResponse(resp, dest)
}

// doRequestRaw is doRequest without envelope unwrapping, for responses
// whose top level carries more than the data field.
func (c *Client) doRequestRaw(req *http.Request, dest any) (int, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("daiku: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("daiku: read response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return resp.StatusCode, parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	return resp.StatusCode, json.Unmarshal(bodyBytes, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("daiku: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("daiku: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
