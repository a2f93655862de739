// Package apiclient provides the shared resilient HTTP client used by every
// caller of the billing API, including the login flow. A single Client
// instance is meant to be constructed once and shared; the underlying
// transport pool is safe for concurrent use and retry backoff suspends only
// the logical call in flight.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/billingworks/billing-api/pkg/config"
	appErrors "github.com/billingworks/billing-api/pkg/errors"
)

const (
	defaultTimeout    = 30 * time.Second
	defaultMaxRetries = 3
	defaultBaseDelay  = time.Second
	maxResponseBytes  = 64 * 1024

	userAgent = "billing-apiclient/1.0"
)

// Config tunes the client. Zero values fall back to the defaults above.
type Config struct {
	BaseURL        string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	BreakerEnabled bool
}

// Client issues outbound JSON requests with bearer-token attachment and
// exponential-backoff retry on transient transport failures.
type Client struct {
	httpClient *http.Client
	baseURL    string
	maxRetries int
	baseDelay  time.Duration
	breaker    *gobreaker.CircuitBreaker
	logger     *zap.Logger
}

// StatusError is returned for a non-2xx response. It is never retried; the
// caller decides how the status maps onto the error taxonomy.
type StatusError struct {
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// New constructs a Client. The logger may be nil.
func New(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.RetryBaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}

	c := &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		logger:     logger,
	}

	if cfg.BreakerEnabled {
		c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "billing-api",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		})
	}

	return c
}

// NewFromConfig builds a Client from the application configuration.
func NewFromConfig(cfg config.ClientConfig, logger *zap.Logger) *Client {
	return New(Config{
		BaseURL:        cfg.BaseURL,
		Timeout:        cfg.Timeout,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: cfg.RetryBaseDelay,
		BreakerEnabled: cfg.BreakerEnabled,
	}, logger)
}

// Options carries the optional parts of a request.
type Options struct {
	Body        any
	Query       url.Values
	BearerToken string
}

// Do sends a request and decodes a successful JSON response into T.
// Transient transport failures are retried with baseDelay * 2^(attempt-1)
// waits; a non-2xx response or a decode failure propagates immediately.
func Do[T any](ctx context.Context, c *Client, method, path string, opts Options) (T, error) {
	var zero T

	requestURL, err := c.buildURL(path, opts.Query)
	if err != nil {
		return zero, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "invalid request URL")
	}

	var payload []byte
	if opts.Body != nil {
		payload, err = json.Marshal(opts.Body)
		if err != nil {
			return zero, appErrors.Wrap(err, appErrors.ErrInvalidInput.Code, appErrors.ErrInvalidInput.Status, "failed to serialize request body")
		}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		data, sendErr := c.send(ctx, method, requestURL, payload, opts.BearerToken)
		if sendErr == nil {
			if len(data) == 0 {
				return zero, nil
			}
			var out T
			if err := json.Unmarshal(data, &out); err != nil {
				return zero, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to decode response")
			}
			return out, nil
		}

		var statusErr *StatusError
		if errors.As(sendErr, &statusErr) {
			return zero, sendErr
		}
		if errors.Is(sendErr, gobreaker.ErrOpenState) || errors.Is(sendErr, gobreaker.ErrTooManyRequests) {
			return zero, appErrors.Wrap(sendErr, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "circuit breaker open")
		}
		if !isTransient(sendErr) || attempt >= c.maxRetries {
			lastErr = sendErr
			break
		}

		delay := c.baseDelay << attempt
		c.logger.Warn("retrying request",
			zap.String("method", method),
			zap.String("url", requestURL),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", c.maxRetries),
			zap.Duration("delay", delay),
			zap.Error(sendErr),
		)
		if err := wait(ctx, delay); err != nil {
			return zero, err
		}
	}

	if isTransient(lastErr) {
		return zero, appErrors.Wrap(lastErr, appErrors.ErrTransient.Code, appErrors.ErrTransient.Status, "request failed after retries")
	}
	return zero, appErrors.Wrap(lastErr, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "request failed")
}

// Get issues a GET request.
func Get[T any](ctx context.Context, c *Client, path string, query url.Values, bearerToken string) (T, error) {
	return Do[T](ctx, c, http.MethodGet, path, Options{Query: query, BearerToken: bearerToken})
}

// Post issues a POST request with a JSON body.
func Post[T any](ctx context.Context, c *Client, path string, body any, bearerToken string) (T, error) {
	return Do[T](ctx, c, http.MethodPost, path, Options{Body: body, BearerToken: bearerToken})
}

// Put issues a PUT request with a JSON body.
func Put[T any](ctx context.Context, c *Client, path string, body any, bearerToken string) (T, error) {
	return Do[T](ctx, c, http.MethodPut, path, Options{Body: body, BearerToken: bearerToken})
}

// Delete issues a DELETE request.
func Delete[T any](ctx context.Context, c *Client, path string, query url.Values, bearerToken string) (T, error) {
	return Do[T](ctx, c, http.MethodDelete, path, Options{Query: query, BearerToken: bearerToken})
}

func (c *Client) buildURL(path string, query url.Values) (string, error) {
	raw := path
	if c.baseURL != "" {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		raw = c.baseURL + path
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if len(query) > 0 {
		q := u.Query()
		for key, values := range query {
			for _, value := range values {
				q.Add(key, value)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// send performs a single attempt, optionally guarded by the circuit breaker.
func (c *Client) send(ctx context.Context, method, requestURL string, payload []byte, bearerToken string) ([]byte, error) {
	do := func() (any, error) {
		return c.sendOnce(ctx, method, requestURL, payload, bearerToken)
	}

	var result any
	var err error
	if c.breaker != nil {
		result, err = c.breaker.Execute(do)
	} else {
		result, err = do()
	}
	if err != nil {
		return nil, err
	}
	data, _ := result.([]byte)
	return data, nil
}

func (c *Client) sendOnce(ctx context.Context, method, requestURL string, payload []byte, bearerToken string) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(bearerToken) != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}

	c.logger.Debug("sending request",
		zap.String("method", method),
		zap.String("url", requestURL),
		zap.Int("body_bytes", len(payload)),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}

	c.logger.Debug("received response",
		zap.String("method", method),
		zap.String("url", requestURL),
		zap.Int("status", resp.StatusCode),
		zap.Int("body_bytes", len(data)),
	)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: data}
	}

	return data, nil
}

// isTransient classifies failures that are expected to resolve on retry:
// connection errors, attempt timeouts, and anything self-describing as a
// timeout. Well-formed HTTP error responses are never transient.
func isTransient(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}

	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

// wait blocks for the backoff delay, returning early when the caller
// abandons the call. The timer never leaks.
func wait(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
