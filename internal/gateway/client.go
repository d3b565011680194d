// Package gateway is the request/response side of the school messaging
// service: sends, uploads, history, inbox, search, stats, contacts,
// templates, read receipts and attachment downloads over HTTP.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"schoolmsg/internal/domain"
	"schoolmsg/internal/metrics"

	"golang.org/x/time/rate"
)

const (
	defaultPage      = 1
	defaultLimit     = 20
	defaultTimeframe = 30 // days
	maxErrorBody     = 4 << 10
)

// Config configures a Client.
type Config struct {
	BaseURL    string             // e.g. "https://school.example/api"
	Self       domain.Participant // used to derive conversation keys
	Timeout    time.Duration
	RateLimit  float64 // requests per second; 0 disables client-side limiting
	Burst      int
	MaxRetries int           // for idempotent calls only
	RetryBase  time.Duration // first retry waits about this long
	HTTPClient *http.Client  // optional, mainly for tests
	Logger     *slog.Logger
}

// Client talks to the service's REST API.
type Client struct {
	baseURL    string
	self       domain.Participant
	http       *http.Client
	limiter    *rate.Limiter
	maxRetries int
	retryBase  time.Duration
	logger     *slog.Logger

	mu    sync.RWMutex
	token string
}

// New creates a Client.
func New(cfg Config) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = newHTTPClient(cfg.Timeout)
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		self:       cfg.Self,
		http:       cfg.HTTPClient,
		maxRetries: cfg.MaxRetries,
		retryBase:  cfg.RetryBase,
		logger:     cfg.Logger,
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

// SetToken sets the bearer token attached to every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// Self returns the identity the client derives keys with.
func (c *Client) Self() domain.Participant {
	return c.self
}

func (c *Client) bearer() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// --- Request plumbing ---

// envelope is the service's response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   string          `json:"error"`
}

func (e envelope) text() string {
	if e.Error != "" {
		return e.Error
	}
	return e.Message
}

type request struct {
	op         string
	method     string
	path       string
	query      url.Values
	body       []byte // JSON body, rebuilt into a fresh reader per attempt
	idempotent bool
	// checked runs struct validation over the decoded data.
	checked bool

	// raw overrides body for one-shot payloads such as uploads.
	raw           io.Reader
	contentType   string
	contentLength int64
}

func (c *Client) newRequest(ctx context.Context, r request) (*http.Request, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	contentType := r.contentType
	switch {
	case r.raw != nil:
		body = r.raw
	case r.body != nil:
		body = bytes.NewReader(r.body)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, err
	}
	if r.raw != nil && r.contentLength > 0 {
		req.ContentLength = r.contentLength
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if tok := c.bearer(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return req, nil
}

// roundTrip applies the rate limit and, for idempotent calls, the retry
// policy. Transport failures come back wrapped in domain.ErrTransport.
func (c *Client) roundTrip(ctx context.Context, r request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, domain.TransportErr(r.op, err)
		}
	}

	build := func() (*http.Request, error) { return c.newRequest(ctx, r) }

	c.logger.Debug("request", "op", r.op, "method", r.method, "path", r.path)
	var (
		resp *http.Response
		err  error
	)
	if r.idempotent {
		resp, err = c.doWithRetry(ctx, r.op, build)
	} else {
		var req *http.Request
		if req, err = build(); err != nil {
			return nil, fmt.Errorf("%s: build request: %w", r.op, err)
		}
		resp, err = c.http.Do(req)
	}
	if err != nil {
		return nil, domain.TransportErr(r.op, err)
	}
	return resp, nil
}

// call performs r and decodes the envelope's data into out.
func (c *Client) call(ctx context.Context, r request, out any) error {
	start := time.Now()
	defer func() {
		metrics.RequestDuration.WithLabelValues(r.op).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.roundTrip(ctx, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.TransportErr(r.op, err)
	}

	var env envelope
	decodeErr := json.Unmarshal(data, &env)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := env.text()
		if decodeErr != nil || msg == "" {
			msg = snippet(data)
		}
		return &domain.RequestError{Op: r.op, Status: resp.StatusCode, Message: msg}
	}
	if decodeErr != nil {
		return &domain.RequestError{Op: r.op, Status: resp.StatusCode, Message: "malformed response: " + decodeErr.Error()}
	}
	if !env.Success {
		return &domain.RequestError{Op: r.op, Status: resp.StatusCode, Message: env.text()}
	}
	if out == nil {
		return nil
	}
	if len(env.Data) != 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &domain.RequestError{Op: r.op, Status: resp.StatusCode, Message: "malformed data: " + err.Error()}
		}
	}
	if r.checked {
		if err := checkDecoded(out); err != nil {
			return &domain.RequestError{Op: r.op, Status: resp.StatusCode, Message: "malformed data: " + err.Error()}
		}
	}
	return nil
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}

// failure records a failed operation and wraps err in a Result.
func failure[T any](c *Client, op string, err error) Result[T] {
	kind := "request"
	switch {
	case errors.Is(err, domain.ErrValidation):
		kind = "validation"
	case errors.Is(err, domain.ErrTransport):
		kind = "transport"
	}
	metrics.RequestFailures.WithLabelValues(op, kind).Inc()
	c.logger.Debug("request failed", "op", op, "kind", kind, "err", err)
	return Result[T]{Err: err}
}

func pageQuery(page, limit int) url.Values {
	if page < 1 {
		page = defaultPage
	}
	if limit < 1 {
		limit = defaultLimit
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("limit", strconv.Itoa(limit))
	return q
}

// normalizeDraft fills the defaults the service expects.
func normalizeDraft(d domain.Draft) domain.Draft {
	if d.MessageType == "" {
		d.MessageType = domain.DefaultMessageType
	}
	if d.Priority == "" {
		d.Priority = domain.DefaultPriority
	}
	return d
}
