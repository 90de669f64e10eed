// Package transport implements the HTTP contract of the conversation
// backend: a POST endpoint that answers with a newline-delimited event
// stream, a POST endpoint accepting a resume command for a paused thread,
// and a GET endpoint returning the thread's projection snapshot.
//
// The package deals only in requests and raw stream bodies; decoding frames
// is the frame package's job and interpreting them is the turn package's.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"goa.design/clue/log"

	"draftpilot.dev/agentstream/conversation"
)

type (
	// SubmitRequest is the body of a chat submission.
	SubmitRequest struct {
		Message         string         `json:"message"`
		ThreadID        string         `json:"threadId"`
		WorkspaceID     string         `json:"workspaceId,omitempty"`
		ModelID         string         `json:"modelId,omitempty"`
		ContentBlocks   []ContentBlock `json:"contentBlocks,omitempty"`
		EnableReasoning bool           `json:"enableReasoning"`
	}

	// ContentBlock attaches structured content (an image reference, a file)
	// to a submission.
	ContentBlock struct {
		Type string `json:"type"`
		Text string `json:"text,omitempty"`
		URL  string `json:"url,omitempty"`
	}

	// ThreadState is the durable projection snapshot for a thread.
	ThreadState struct {
		Todos []conversation.TodoItem `json:"todos"`
		Files map[string]string       `json:"files"`
	}

	// resumeCommand is the wire shape of a resume request body.
	resumeCommand struct {
		Command struct {
			Resume any `json:"resume"`
		} `json:"command"`
	}

	// StatusError reports a non-2xx backend response.
	StatusError struct {
		Status int
		Body   string
	}

	// Client talks to one backend base URL. The zero value is not usable;
	// construct with NewClient.
	Client struct {
		base string
		http *http.Client
	}

	// ClientOption configures a Client.
	ClientOption func(*Client)
)

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("backend returned status %d", e.Status)
	}
	return fmt.Sprintf("backend returned status %d: %s", e.Status, e.Body)
}

// WithHTTPClient overrides the underlying *http.Client. The default client
// has no timeout: stream reads are unbounded by design and are bounded only
// by the caller's context.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// NewClient constructs a Client for the backend at base (scheme://host[:port][/prefix]).
func NewClient(base string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OpenStream submits a chat turn and returns the response body carrying the
// event stream. The caller owns the returned reader and must close it.
// Cancel ctx to abort the stream mid-read. A non-2xx response is returned as
// *StatusError with a bounded excerpt of the response body.
func (c *Client) OpenStream(ctx context.Context, sub SubmitRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(sub)
	if err != nil {
		return nil, fmt.Errorf("encode submit request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, &StatusError{Status: resp.StatusCode, Body: readExcerpt(resp.Body)}
	}
	return resp.Body, nil
}

// Resume delivers a human decision for a paused thread. Resume never reuses
// the original streaming connection; it is an independent request. Any
// non-2xx response is a resume failure.
func (c *Client) Resume(ctx context.Context, threadID string, value any) error {
	var cmd resumeCommand
	cmd.Command.Resume = value
	body, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode resume command: %w", err)
	}
	u := fmt.Sprintf("%s/threads/%s/resume", c.base, url.PathEscape(threadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build resume request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("resume thread %s: %w", threadID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Status: resp.StatusCode, Body: readExcerpt(resp.Body)}
	}
	return nil
}

// ThreadState fetches the todos/files snapshot for a thread. Failure to
// fetch or decode is "no state", not fatal: the method logs and returns
// (nil, nil) so callers can proceed without a snapshot. Context cancellation
// is still propagated as an error.
func (c *Client) ThreadState(ctx context.Context, threadID string) (*ThreadState, error) {
	u := fmt.Sprintf("%s/threads/%s/state", c.base, url.PathEscape(threadID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("build state request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf(ctx, "thread state fetch failed for %s: %v", threadID, err)
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		log.Printf(ctx, "thread state fetch for %s returned %d", threadID, resp.StatusCode)
		return nil, nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		log.Printf(ctx, "thread state read failed for %s: %v", threadID, err)
		return nil, nil
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var state ThreadState
	if err := json.Unmarshal(data, &state); err != nil {
		log.Printf(ctx, "thread state decode failed for %s: %v", threadID, err)
		return nil, nil
	}
	return &state, nil
}

// readExcerpt drains at most 1KB of a response body for error reporting.
func readExcerpt(r io.Reader) string {
	b, _ := io.ReadAll(io.LimitReader(r, 1024))
	return strings.TrimSpace(string(b))
}

// NoTimeout returns an *http.Client suitable for long-lived streams: no
// overall timeout, sane connect timeouts. Provided as a convenience for
// callers that want to share one client between streaming and unary calls.
func NoTimeout() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			ResponseHeaderTimeout: 30 * time.Second,
		},
	}
}
