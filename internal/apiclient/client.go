// Package apiclient is a thin JSON-over-HTTP client for the remote record
// APIs. It adds bearer authentication, joins base URL and endpoint, retries
// transient failures with [Retry], and reports every outcome as a [Response]
// value instead of an error.
package apiclient

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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// DefaultTimeout bounds a single remote request attempt.
const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 64 << 20

// Options configures a [Client].
type Options struct {
	BaseURL  string
	Endpoint string
	Token    string
	Headers  map[string]string

	// Timeout is applied per attempt. Zero means [DefaultTimeout].
	Timeout time.Duration

	// RetryAttempts is the total number of attempts for retryable failures.
	RetryAttempts int
	RetryDelay    time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// RequestOptions are per-call additions to a request.
type RequestOptions struct {
	// Headers are applied last and override every other header.
	Headers map[string]string
	Body    []byte
}

// Response is the outcome of a request. Success is true only for a 2xx
// status with a valid JSON body.
type Response struct {
	Success    bool
	Data       json.RawMessage
	Error      string
	StatusCode int
}

// Client talks to one remote API. It is safe for concurrent use; the token
// and headers may be rotated while requests are in flight.
type Client struct {
	baseURL  string
	endpoint string
	timeout  time.Duration
	attempts int
	delay    time.Duration
	hc       *http.Client
	logger   *slog.Logger

	mu      sync.RWMutex
	token   string
	headers map[string]string
}

// New creates a Client from opts.
func New(opts Options) *Client {
	c := &Client{
		baseURL:  opts.BaseURL,
		endpoint: opts.Endpoint,
		timeout:  opts.Timeout,
		attempts: opts.RetryAttempts,
		delay:    opts.RetryDelay,
		hc:       opts.HTTPClient,
		logger:   opts.Logger,
		token:    opts.Token,
		headers:  make(map[string]string, len(opts.Headers)),
	}
	for k, v := range opts.Headers {
		c.headers[k] = v
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.hc == nil {
		c.hc = &http.Client{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

// JoinURL joins base and endpoint with exactly one slash between them.
func JoinURL(base, endpoint string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(endpoint, "/")
}

// UpdateToken replaces the bearer token used by subsequent requests. An empty
// token disables the Authorization header.
func (c *Client) UpdateToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.logger.Info("API token updated", "has_token", token != "")
}

// UpdateHeaders merges headers into the configured header set.
func (c *Client) UpdateHeaders(headers map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range headers {
		c.headers[k] = v
	}
}

// Token returns the current bearer token.
func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// --- Domain requests ---------------------------------------------------------

// GetBookings fetches all bookings from the configured endpoint.
func (c *Client) GetBookings(ctx context.Context) Response {
	return c.Request(ctx, http.MethodGet, c.endpoint, nil)
}

// GetBookingsByContractor fetches bookings filtered by contractor.
func (c *Client) GetBookingsByContractor(ctx context.Context, contractorID string) Response {
	return c.Request(ctx, http.MethodGet, withQuery(c.endpoint, "contractorId", contractorID), nil)
}

// GetPhotos fetches all photos from the configured endpoint.
func (c *Client) GetPhotos(ctx context.Context) Response {
	return c.Request(ctx, http.MethodGet, c.endpoint, nil)
}

// GetPhotosByAlbum fetches photos filtered by album.
func (c *Client) GetPhotosByAlbum(ctx context.Context, albumID int64) Response {
	return c.Request(ctx, http.MethodGet, withQuery(c.endpoint, "albumId", strconv.FormatInt(albumID, 10)), nil)
}

// Ping checks that the configured endpoint answers with a 2xx JSON response.
func (c *Client) Ping(ctx context.Context) error {
	resp := c.Request(ctx, http.MethodGet, c.endpoint, nil)
	if !resp.Success {
		return fmt.Errorf("ping %s: %s", JoinURL(c.baseURL, c.endpoint), resp.Error)
	}
	return nil
}

func withQuery(endpoint, key, value string) string {
	if value == "" {
		return endpoint
	}
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	return endpoint + sep + key + "=" + url.QueryEscape(value)
}

// --- Transport ---------------------------------------------------------------

// statusError is a non-2xx response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP error! status: %d, message: %s", e.code, e.body)
}

// retryable reports whether a status code is worth another attempt.
func retryable(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// Request sends one logical request, retrying transport failures, 5xx and
// 429 responses. It never returns an error; failures are reported in the
// [Response].
func (c *Client) Request(ctx context.Context, method, endpoint string, opts *RequestOptions) Response {
	target := JoinURL(c.baseURL, endpoint)
	if opts == nil {
		opts = &RequestOptions{}
	}

	var (
		resp    Response
		lastErr error
	)
	err := Retry(ctx, c.attempts, c.delay, func() error {
		var attemptErr error
		resp, attemptErr = c.do(ctx, method, target, opts)
		lastErr = attemptErr
		if attemptErr == nil {
			return nil
		}
		var se *statusError
		if errors.As(attemptErr, &se) && !retryable(se.code) {
			return Permanent(attemptErr)
		}
		c.logger.Debug("API request attempt failed", "url", target, "error", attemptErr)
		return attemptErr
	})
	if err == nil {
		return resp
	}

	msg := err.Error()
	if lastErr != nil {
		msg = lastErr.Error()
	}
	c.logger.Warn("API request failed", "method", method, "url", target, "status", resp.StatusCode, "error", msg)
	return Response{Success: false, Error: msg, StatusCode: resp.StatusCode}
}

func (c *Client) do(ctx context.Context, method, target string, opts *RequestOptions) (Response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var body io.Reader
	if opts.Body != nil {
		body = bytes.NewReader(opts.Body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return Response{}, Permanent(fmt.Errorf("create request: %w", err))
	}
	c.applyHeaders(req, opts.Headers)

	c.logger.Debug("API request", "method", method, "url", target, "has_auth", req.Header.Get("Authorization") != "")

	res, err := c.hc.Do(req)
	if err != nil {
		return Response{}, err
	}
	defer func() { _ = res.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(res.Body, maxBodyBytes))
	if err != nil {
		return Response{StatusCode: res.StatusCode}, fmt.Errorf("read response body: %w", err)
	}

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return Response{StatusCode: res.StatusCode}, &statusError{code: res.StatusCode, body: string(data)}
	}
	if !json.Valid(data) {
		return Response{StatusCode: res.StatusCode}, Permanent(fmt.Errorf("invalid JSON response body"))
	}
	return Response{Success: true, Data: json.RawMessage(data), StatusCode: res.StatusCode}, nil
}

// applyHeaders sets JSON defaults, configured headers, bearer auth and caller
// headers, in that order, then the trace context of the request.
func (c *Client) applyHeaders(req *http.Request, extra map[string]string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.mu.RLock()
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	for k, v := range extra {
		req.Header.Set(k, v)
	}
	otel.GetTextMapPropagator().Inject(req.Context(), propagation.HeaderCarrier(req.Header))
}
