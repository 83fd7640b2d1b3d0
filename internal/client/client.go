// Package client is a typed HTTP client for the crewhost runs API. The CLI
// uses it; it mirrors the server's wire format with its own types.
package client

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

// ErrRunUnknown is returned by Follow when the server no longer knows the
// run, typically after a restart.
var ErrRunUnknown = errors.New("run unknown to server")

// APIError is a non-2xx response decoded from the error envelope.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	if e.Code != "" {
		return fmt.Sprintf("HTTP %d %s: %s", e.StatusCode, e.Code, msg)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, msg)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client talks to one crewhost server.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	identity     string
	header       string
	bearer       string
	pollInterval time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithIdentityHeader sends identity in header on every request, for servers
// running header authentication.
func WithIdentityHeader(header, identity string) Option {
	return func(c *Client) {
		c.header = header
		c.identity = identity
	}
}

// WithBearerToken sends an Authorization bearer token.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.bearer = token }
}

// WithPollInterval sets the delay between Follow polls.
func WithPollInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.pollInterval = d
		}
	}
}

// New returns a client for the server at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server url %q has no host", baseURL)
	}
	c := &Client{
		baseURL:      u,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		pollInterval: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Run mirrors the server's run summary.
type Run struct {
	ID        string     `json:"id"`
	Identity  string     `json:"identity"`
	Status    string     `json:"status"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	ExitCode  *int       `json:"exit_code,omitempty"`
	LogLines  int        `json:"log_lines"`
}

// Launched is the POST /runs response.
type Launched struct {
	RunID     string    `json:"run_id"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"started_at"`
}

// LaunchRequest is the POST /runs body. Empty fields are resolved by the
// server.
type LaunchRequest struct {
	Identity    string `json:"identity,omitempty"`
	SecretValue string `json:"secret_value,omitempty"`
	Limit       int    `json:"limit,omitempty"`
}

// Page is one log cursor response.
type Page struct {
	Start  int      `json:"start"`
	Next   int      `json:"next"`
	Status string   `json:"status"`
	Lines  []string `json:"lines"`
}

// Terminal reports whether polling should stop.
func (p Page) Terminal() bool {
	return p.Status == "completed" || p.Status == "failed" || p.Status == "unknown"
}

// Start launches a run.
func (c *Client) Start(ctx context.Context, req LaunchRequest) (*Launched, error) {
	var out Launched
	if err := c.do(ctx, http.MethodPost, "/runs", nil, req, &out); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	return &out, nil
}

// List returns all runs known to the server, newest first.
func (c *Client) List(ctx context.Context) ([]Run, error) {
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := c.do(ctx, http.MethodGet, "/runs", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return out.Runs, nil
}

// Status returns a single run summary.
func (c *Client) Status(ctx context.Context, id string) (*Run, error) {
	var out Run
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id), nil, nil, &out); err != nil {
		return nil, fmt.Errorf("run status: %w", err)
	}
	return &out, nil
}

// Logs fetches one page starting at absolute line index start.
func (c *Client) Logs(ctx context.Context, id string, start int) (*Page, error) {
	q := url.Values{"start": []string{strconv.Itoa(start)}}
	var out Page
	if err := c.do(ctx, http.MethodGet, "/runs/"+url.PathEscape(id)+"/logs", q, nil, &out); err != nil {
		return nil, fmt.Errorf("run logs: %w", err)
	}
	return &out, nil
}

// Follow polls the log cursor from start, passing each line to fn, until the
// run reaches a terminal state. It returns the final page status, and
// ErrRunUnknown when the server reports the run as unknown.
func (c *Client) Follow(ctx context.Context, id string, start int, fn func(line string)) (string, error) {
	next := start
	for {
		page, err := c.Logs(ctx, id, next)
		if err != nil {
			return "", err
		}
		for _, line := range page.Lines {
			fn(line)
		}
		next = page.Next
		if page.Status == "unknown" {
			return page.Status, ErrRunUnknown
		}
		if page.Terminal() {
			return page.Status, nil
		}
		if len(page.Lines) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return page.Status, ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.header != "" && c.identity != "" {
		req.Header.Set(c.header, c.identity)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var envelope struct {
		Error struct {
			Code      string `json:"code"`
			Message   string `json:"message"`
			RequestID string `json:"request_id"`
		} `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && envelope.Error.Code != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
		apiErr.RequestID = envelope.Error.RequestID
	} else {
		apiErr.Message = strings.TrimSpace(string(data))
	}
	return apiErr
}
