// Package chatapi is the JSON-over-HTTP client for the chat backend.
package chatapi

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

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// HTTPError is returned for any non-2xx response.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Body       string
}

func (e *HTTPError) Error() string {
	body := e.Body
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.StatusCode, body)
}

type Client struct {
	baseURL *url.URL
	http    *http.Client
	token   string
	logger  zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.http = &http.Client{Timeout: d} }
}

// WithToken authenticates REST calls with a bearer token and adds it to the
// websocket URL as ?token=.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

func WithLogger(l zerolog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(baseURL), "/"))
	if err != nil {
		return nil, errors.Wrap(err, "chatapi: parse base url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("chatapi: base url must be http or https, got %q", baseURL)
	}
	c := &Client{
		baseURL: u,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  log.With().Str("component", "chatapi").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) CreateSession(ctx context.Context, req CreateSessionRequest) (*SessionResponse, error) {
	var out SessionResponse
	if err := c.do(ctx, http.MethodPost, "/chat/sessions", req, &out); err != nil {
		return nil, err
	}
	if out.SessionID == "" {
		return nil, errors.New("chatapi: create session: response has no session_id")
	}
	return &out, nil
}

func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]MessageDTO, error) {
	var out []MessageDTO
	if err := c.do(ctx, http.MethodGet, sessionPath(sessionID, "messages"), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CreateMessage(ctx context.Context, sessionID string, req CreateMessageRequest) (*MessageDTO, error) {
	var out MessageDTO
	if err := c.do(ctx, http.MethodPost, sessionPath(sessionID, "messages"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) WidgetStatus(ctx context.Context) (*WidgetStatus, error) {
	var out WidgetStatus
	if err := c.do(ctx, http.MethodGet, "/chat/widget/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WebSocketURL returns ws(s)://<host>/chat/ws/{session_id}[?token=...].
func (c *Client) WebSocketURL(sessionID string) string {
	u := *c.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/chat/ws/" + sessionID
	u.RawQuery = ""
	if c.token != "" {
		q := url.Values{}
		q.Set("token", c.token)
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func sessionPath(sessionID, rest string) string {
	return "/chat/sessions/" + sessionID + "/" + rest
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	u := *c.baseURL
	u.Path = strings.TrimRight(u.Path, "/") + path

	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "chatapi: marshal %s %s", method, path)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), rdr)
	if err != nil {
		return errors.Wrapf(err, "chatapi: build %s %s", method, path)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return errors.Wrapf(err, "chatapi: %s %s", method, path)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errors.Wrapf(err, "chatapi: read %s %s", method, path)
	}
	c.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("took", time.Since(start)).
		Msg("request done")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &HTTPError{Method: method, Path: path, StatusCode: resp.StatusCode, Body: string(data)}
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(err, "chatapi: decode %s %s", method, path)
	}
	return nil
}
