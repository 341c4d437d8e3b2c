// Package client provides the HTTP transport for bibliometric provider APIs
// with authentication, per-attempt pacing, retry and payload validation.
package client

import (
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/biblio-ingest/internal/fieldpath"
)

// Prometheus metrics for transport operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_requests_total",
		Help: "Total provider requests by data source and status",
	}, []string{"source", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingest_request_duration_seconds",
		Help:    "Provider request duration in seconds by data source",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"source"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_errors_total",
		Help: "Total provider errors by class",
	}, []string{"class"})
)

// DefaultTimeout is the per-request HTTP timeout.
const DefaultTimeout = 30 * time.Second

// Gate is consulted immediately before every dispatch, retries included.
// Acquire blocks for pacing and fails when the quota is exhausted. Every
// successful Acquire is followed by exactly one Record, which appends the
// dispatch to the usage ledger.
type Gate interface {
	Acquire(ctx context.Context) error
	Record(ctx context.Context) error
}

// HeaderObserver receives response headers, typically to track the
// provider's own quota counters.
type HeaderObserver interface {
	UpdateFromHeaders(h http.Header)
}

type noopGate struct{}

func (noopGate) Acquire(context.Context) error { return nil }
func (noopGate) Record(context.Context) error  { return nil }

// Config holds the client configuration.
type Config struct {
	// Source labels metrics and logs, e.g. "scopus".
	Source string

	BaseURL   string
	UserAgent string
	Timeout   time.Duration

	Auth  AuthConfig
	Retry RetryConfig

	// DefaultParams are sent with every request; request params win.
	DefaultParams url.Values

	Validation ValidationConfig
}

// Request describes one provider call.
type Request struct {
	Method string
	Path   string
	Params url.Values
}

// Response is a fully read provider response.
type Response struct {
	StatusCode  int
	Header      http.Header
	Body        []byte
	URL         string
	Attempts    int
	RequestedAt time.Time
	ReceivedAt  time.Time
}

// Result is a decoded and validated page.
type Result struct {
	Response *Response
	Doc      map[string]any
	Empty    bool
}

// Client sends requests to one provider.
type Client struct {
	httpClient *http.Client
	gate       Gate
	observer   HeaderObserver
	config     Config
	logger     zerolog.Logger
}

// New creates a client. gate may be nil, in which case requests are neither
// paced nor recorded. If gate also implements HeaderObserver it receives
// every response's headers.
func New(cfg Config, gate Gate, logger zerolog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	cfg.Auth = cfg.Auth.withDefaults()
	if err := cfg.Auth.Validate(); err != nil {
		return nil, err
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	cfg.Retry = cfg.Retry.withDefaults()
	if cfg.Source == "" {
		cfg.Source = "default"
	}

	if gate == nil {
		gate = noopGate{}
	}
	observer, _ := gate.(HeaderObserver)

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		gate:       gate,
		observer:   observer,
		config:     cfg,
		logger:     logger.With().Str("component", "transport").Str("data_source", cfg.Source).Logger(),
	}, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// Validation returns the validation settings in use.
func (c *Client) Validation() ValidationConfig {
	return c.config.Validation
}

// Send performs the request with pacing and retry. Non-2xx responses are
// returned as *ProviderError; exhausted retries wrap ErrRetryExhausted.
func (c *Client) Send(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target, err := c.resolve(req)
	if err != nil {
		return nil, err
	}

	var out *Response
	requestedAt := time.Now().UTC()

	err = retryWithBackoff(ctx, c.config.Retry, c.logger, func(attempt int) error {
		resp, err := c.dispatch(ctx, req.Method, target, attempt)
		if err != nil {
			return err
		}
		resp.RequestedAt = requestedAt
		out = resp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Fetch sends the request, decodes the JSON body and validates it.
func (c *Client) Fetch(ctx context.Context, req Request) (*Result, error) {
	resp, err := c.Send(ctx, req)
	if err != nil {
		return nil, err
	}
	doc, empty, err := c.Decode(resp.Body, resp.Header)
	if err != nil {
		return nil, err
	}
	return &Result{Response: resp, Doc: doc, Empty: empty}, nil
}

// Decode parses and validates a raw payload. It is also used for cached
// responses, where header is nil. empty reports a zero-length item list.
func (c *Client) Decode(raw []byte, header http.Header) (map[string]any, bool, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		validationFailuresTotal.WithLabelValues(CheckDecode).Inc()
		return nil, false, &ValidationError{Check: CheckDecode, Message: "response is not a JSON object", Err: err}
	}
	if body == nil {
		return nil, false, validationFailed(CheckDecode, "response is null")
	}

	if err := c.config.Validation.Validate(body, header); err != nil {
		return nil, false, err
	}

	empty := false
	if path := c.config.Validation.ItemsPath; path != "" {
		raw, ok := fieldpath.Lookup(body, path)
		list, _ := raw.([]any)
		empty = !ok || len(list) == 0
	}
	return body, empty, nil
}

// URL returns the provider URL for req without credentials. It is stable
// across calls and used for metadata and cache keys.
func (c *Client) URL(req Request) string {
	base := strings.TrimRight(c.config.BaseURL, "/")
	if req.Path == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(req.Path, "/")
}

// Params returns the merged query parameters for req without credentials.
func (c *Client) Params(req Request) url.Values {
	q := url.Values{}
	for k, v := range c.config.DefaultParams {
		q[k] = append([]string(nil), v...)
	}
	for k, v := range req.Params {
		q[k] = append([]string(nil), v...)
	}
	return q
}

func (c *Client) resolve(req Request) (*url.URL, error) {
	u, err := url.Parse(c.URL(req))
	if err != nil {
		return nil, fmt.Errorf("build request url: %w", err)
	}
	u.RawQuery = c.Params(req).Encode()
	return u, nil
}

// dispatch performs exactly one attempt.
func (c *Client) dispatch(ctx context.Context, method string, target *url.URL, attempt int) (*Response, error) {
	u := *target
	q := u.Query()
	header := http.Header{}
	c.config.Auth.apply(header, q)
	u.RawQuery = q.Encode()

	httpReq, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, v := range header {
		httpReq.Header[k] = v
	}
	httpReq.Header.Set("Accept", "application/json")
	if c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}

	c.logger.Debug().
		Str("method", method).
		Str("path", u.Path).
		Int("attempt", attempt).
		Msg("Dispatching provider request")

	// every admitted dispatch reaches Record below
	if err := c.gate.Acquire(ctx); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.httpClient.Do(httpReq)
	requestDuration.WithLabelValues(c.config.Source).Observe(time.Since(start).Seconds())

	if recErr := c.gate.Record(ctx); recErr != nil {
		c.logger.Warn().Err(recErr).Msg("Failed to record request in usage ledger")
	}

	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(c.config.Source, "network_error").Inc()
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("Provider request failed")
		return nil, &ProviderError{
			ErrorClass: ErrorClassNetwork,
			Message:    "request failed",
			Retryable:  true,
			Err:        err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return nil, &ProviderError{
			StatusCode: resp.StatusCode,
			ErrorClass: ErrorClassNetwork,
			Message:    "read body",
			Retryable:  true,
			Err:        err,
		}
	}

	if c.observer != nil {
		c.observer.UpdateFromHeaders(resp.Header)
	}
	requestsTotal.WithLabelValues(c.config.Source, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode >= 300 {
		perr := c.classify(resp.StatusCode, resp.Status, body)
		errorsTotal.WithLabelValues(string(perr.ErrorClass)).Inc()
		c.logger.Warn().
			Int("status_code", resp.StatusCode).
			Str("error_class", string(perr.ErrorClass)).
			Int("attempt", attempt).
			Msg("Provider request error")
		return nil, perr
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		URL:        stripQuery(target),
		Attempts:   attempt,
		ReceivedAt: time.Now().UTC(),
	}, nil
}

// classify maps a non-success status to a ProviderError.
func (c *Client) classify(status int, statusText string, body []byte) *ProviderError {
	msg := statusText
	if snippet := strings.TrimSpace(string(body)); snippet != "" {
		if len(snippet) > 200 {
			snippet = snippet[:200]
		}
		msg = statusText + ": " + snippet
	}

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ProviderError{StatusCode: status, ErrorClass: ErrorClassAuth, Message: msg, Err: ErrAuthentication}
	case status == http.StatusTooManyRequests:
		return &ProviderError{StatusCode: status, ErrorClass: ErrorClassRateLimit, Message: msg, Retryable: true}
	case status >= 500:
		retryable := c.config.Retry.isRetryableStatus(status)
		pe := &ProviderError{StatusCode: status, ErrorClass: ErrorClassServer, Message: msg, Retryable: retryable}
		if !retryable {
			pe.Err = ErrPermanent
		}
		return pe
	default:
		return &ProviderError{StatusCode: status, ErrorClass: ErrorClassClient, Message: msg, Err: ErrPermanent}
	}
}

func stripQuery(u *url.URL) string {
	clean := *u
	clean.RawQuery = ""
	return clean.String()
}
