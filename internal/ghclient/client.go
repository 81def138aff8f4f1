// Package ghclient implements the rate-aware GitHub REST/GraphQL
// wrapper (C4): retries with backoff, secondary-rate-limit detection,
// rate-limit telemetry, and 404-as-value handling.
package ghclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/itskum47/ralphd/internal/eventbus"
)

const (
	restBaseURL    = "https://api.github.com"
	graphQLURL     = "https://api.github.com/graphql"
	defaultAttempts = 5
	minBackoff      = 500 * time.Millisecond
	maxBackoff      = 30 * time.Second
	secondaryRateLimitBackoff = 60 * time.Second
)

// secondaryRateLimitMarkers are the body substrings spec.md §4.4.2
// names as indicating a secondary (abuse-detection) rate limit rather
// than an ordinary primary rate limit or outage.
var secondaryRateLimitMarkers = []string{
	"secondary rate limit",
	"abuse detection",
	"temporarily blocked",
}

// Request describes a single outbound call.
type Request struct {
	Method        string
	Path          string // e.g. "/repos/org/repo/issues/42/labels"
	Body          any
	AllowNotFound bool
	Source        string // telemetry tag, e.g. "labelcoord.apply"
}

// Response is what every call returns on success (including an
// allowed 404).
type Response struct {
	Data   json.RawMessage
	Status int
	ETag   string

	RateLimitRemaining int
	RateLimitResetMs   int64
	NextLink           string
}

// Client is the rate-aware GitHub HTTP client.
type Client struct {
	httpClient  *http.Client
	tokens      TokenSource
	limiter     *rate.Limiter
	bus         *eventbus.Bus
	maxAttempts int
}

// Option configures a Client.
type Option func(*Client)

// WithEventBus attaches a bus that receives github.request telemetry
// events for every attempt (spec.md §4.4.3).
func WithEventBus(bus *eventbus.Bus) Option {
	return func(c *Client) { c.bus = bus }
}

// WithMaxAttempts overrides the default bounded retry attempt count.
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithRateLimit overrides the default outbound token-bucket shape.
func WithRateLimit(rps rate.Limit, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rps, burst) }
}

// WithHTTPClient overrides the underlying http.Client (tests inject a
// RoundTripper pointed at an httptest.Server here).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// New builds a Client authenticating calls via tokens.
func New(tokens TokenSource, opts ...Option) *Client {
	c := &Client{
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		tokens:      tokens,
		limiter:     rate.NewLimiter(rate.Limit(20), 40),
		maxAttempts: defaultAttempts,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call performs req against the REST API, retrying transient failures
// and returning a GitHubApiError for everything else (unless a 404 is
// explicitly allowed).
func (c *Client) Call(ctx context.Context, req Request) (*Response, error) {
	return c.do(ctx, restBaseURL+req.Path, req)
}

// CallURL performs req against an already-validated absolute URL
// rather than a path under restBaseURL — used to resume a persisted
// pagination cursor (spec.md §4.4/§4.7) after ValidateIssuesCursor has
// confirmed it points at the expected host and endpoint shape.
func (c *Client) CallURL(ctx context.Context, absoluteURL string, req Request) (*Response, error) {
	return c.do(ctx, absoluteURL, req)
}

// GraphQL posts query/variables to the GraphQL endpoint under the same
// retry/rate-limit/telemetry machinery as Call.
func (c *Client) GraphQL(ctx context.Context, query string, variables map[string]any, source string) (*Response, error) {
	body := map[string]any{"query": query}
	if variables != nil {
		body["variables"] = variables
	}
	return c.do(ctx, graphQLURL, Request{Method: http.MethodPost, Body: body, Source: source})
}

func (c *Client) do(ctx context.Context, url string, req Request) (*Response, error) {
	var bodyBytes []byte
	if req.Body != nil {
		b, err := json.Marshal(req.Body)
		if err != nil {
			return nil, fmt.Errorf("ghclient: marshal body: %w", err)
		}
		bodyBytes = b
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var lastErr error
	attempts := c.maxAttempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		start := time.Now()
		resp, status, transient, rlRemaining, rlResetMs, retryAfter, etag, nextLink, httpErr := c.attempt(ctx, method, url, bodyBytes)
		duration := time.Since(start)

		c.emitTelemetry(req.Source, method, req.Path, status, httpErr == nil && status < 400, duration, attempt)

		if httpErr != nil {
			lastErr = httpErr
			if attempt == attempts {
				break
			}
			c.sleepBackoff(ctx, attempt, 0)
			continue
		}

		if status == 404 && req.AllowNotFound {
			return &Response{Data: nil, Status: 404}, nil
		}

		if transient && attempt < attempts {
			lastErr = &GitHubApiError{Status: status, Code: "transient", ResponseText: string(resp), Transient: true}
			c.sleepBackoff(ctx, attempt, retryAfter)
			continue
		}

		if status >= 400 {
			return nil, &GitHubApiError{
				Status:           status,
				Code:             codeForStatus(status),
				ResponseText:     string(resp),
				Transient:        transient,
				RateLimitResetMs: rlResetMs,
			}
		}

		return &Response{
			Data:               resp,
			Status:             status,
			ETag:               etag,
			RateLimitRemaining: rlRemaining,
			RateLimitResetMs:   rlResetMs,
			NextLink:           nextLink,
		}, nil
	}

	return nil, lastErr
}

func codeForStatus(status int) string {
	switch {
	case status == 404:
		return "not_found"
	case status == 403:
		return "forbidden_or_rate_limited"
	case status == 401:
		return "unauthorized"
	case status == 422:
		return "unprocessable"
	case status >= 500:
		return "server_error"
	default:
		return "error"
	}
}

// attempt performs exactly one HTTP round trip and classifies the
// result. network/transport errors come back via httpErr; everything
// else is reported via the return values so the caller's retry loop
// stays in one place.
func (c *Client) attempt(ctx context.Context, method, url string, body []byte) (respBody []byte, status int, transient bool, rlRemaining int, rlResetMs int64, retryAfter time.Duration, etag string, nextLink string, httpErr error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, 0, false, 0, 0, 0, "", "", err
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/vnd.github+json")

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, 0, false, 0, 0, 0, "", "", fmt.Errorf("ghclient: token: %w", err)
	}
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, 0, true, 0, 0, 0, "", "", err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, true, 0, 0, 0, "", "", err
	}

	rlRemaining, rlResetMs = parseRateLimitHeaders(resp.Header)
	retryAfter = parseRetryAfter(resp.Header)
	etag = resp.Header.Get("ETag")
	nextLink, _ = ParseNextLink(resp.Header.Get("Link"))

	transient = classifyTransient(resp.StatusCode, data)
	if transient && retryAfter == 0 && isSecondaryRateLimit(data) {
		retryAfter = secondaryRateLimitBackoff
	}

	return data, resp.StatusCode, transient, rlRemaining, rlResetMs, retryAfter, etag, nextLink, nil
}

func classifyTransient(status int, body []byte) bool {
	if status >= 500 {
		return true
	}
	if status == 429 {
		return true
	}
	if status == 403 && isSecondaryRateLimit(body) {
		return true
	}
	return false
}

func isSecondaryRateLimit(body []byte) bool {
	lower := strings.ToLower(string(body))
	for _, marker := range secondaryRateLimitMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func parseRateLimitHeaders(h http.Header) (remaining int, resetMs int64) {
	if v := h.Get("x-ratelimit-remaining"); v != "" {
		remaining, _ = strconv.Atoi(v)
	}
	if v := h.Get("x-ratelimit-reset"); v != "" {
		if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
			resetMs = secs * 1000
		}
	}
	return remaining, resetMs
}

func parseRetryAfter(h http.Header) time.Duration {
	v := h.Get("Retry-After")
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// sleepBackoff waits the exponential backoff for attempt, overridden
// by floor when the server named a longer minimum (Retry-After or the
// secondary-rate-limit 60s floor).
func (c *Client) sleepBackoff(ctx context.Context, attempt int, floor time.Duration) {
	d := minBackoff * time.Duration(1<<uint(attempt-1))
	if d > maxBackoff {
		d = maxBackoff
	}
	d += time.Duration(rand.Int63n(int64(d)/2 + 1))
	if floor > d {
		d = floor
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

func (c *Client) emitTelemetry(source, method, path string, status int, ok bool, duration time.Duration, attempt int) {
	if c.bus == nil {
		return
	}
	data, _ := json.Marshal(map[string]any{
		"method":     method,
		"path":       path,
		"status":     status,
		"ok":         ok,
		"write":      method != http.MethodGet,
		"durationMs": duration.Milliseconds(),
		"attempt":    attempt,
		"source":     source,
	})
	level := eventbus.LevelInfo
	if !ok {
		level = eventbus.LevelWarn
	}
	c.bus.Publish(eventbus.Event{
		TS:    time.Now(),
		Type:  eventbus.TypeGithubRequest,
		Level: level,
		Data:  data,
	})
}
