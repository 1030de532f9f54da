// Package httparchive is a memory.Archive client for a Mnemosyne endpoint
// speaking JSON over HTTP. It talks to the same routes the aletheia server
// exposes, so one cache can use another as its archive.
package httparchive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/becomeliminal/aletheia/memory"
)

const (
	queryPath  = "/v1/context/query"
	updatePath = "/v1/context/updates"
)

// maxErrorBody bounds how much of an error response is quoted.
const maxErrorBody = 512

// Client calls a Mnemosyne HTTP endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBearerToken sends an Authorization header on every request.
func WithBearerToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// New creates a client for baseURL, e.g. "http://mnemosyne:8080".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Query asks the archive for context on a topic.
func (c *Client) Query(ctx context.Context, req memory.QueryRequest, timeout time.Duration) (*memory.QueryResponse, error) {
	var resp memory.QueryResponse
	if err := c.post(ctx, queryPath, req, &resp, timeout); err != nil {
		return nil, fmt.Errorf("archive query %q: %w", req.Topic, err)
	}
	return &resp, nil
}

// Push delivers one update.
func (c *Client) Push(ctx context.Context, update memory.ContextUpdate, timeout time.Duration) (memory.Ack, error) {
	var ack memory.Ack
	if err := c.post(ctx, updatePath, update, &ack, timeout); err != nil {
		return memory.Ack{}, fmt.Errorf("archive push %s: %w", update.ID, err)
	}
	if ack.UpdateID == "" {
		ack.UpdateID = update.ID
	}
	if ack.AcceptedAt.IsZero() {
		ack.AcceptedAt = time.Now()
	}
	return ack, nil
}

// post sends body as JSON and decodes the response into out. Failures map
// to memory.ErrUnavailable (transport, timeouts, 5xx, 429, unreadable
// responses) or memory.ErrRejected (other 4xx).
func (c *Client) post(ctx context.Context, path string, body, out any, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", memory.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := readErrorBody(resp.Body)
		switch {
		case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests,
			resp.StatusCode == http.StatusRequestTimeout:
			return fmt.Errorf("%w: status %d: %s", memory.ErrUnavailable, resp.StatusCode, msg)
		default:
			return fmt.Errorf("%w: status %d: %s", memory.ErrRejected, resp.StatusCode, msg)
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: decode response: %w", memory.ErrUnavailable, err)
	}
	return nil
}

// readErrorBody returns the "message" of a JSON error body, or the raw text.
func readErrorBody(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	var e struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if json.Unmarshal(raw, &e) == nil && e.Message != "" {
		return e.Message
	}
	return strings.TrimSpace(string(raw))
}
