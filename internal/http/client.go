package http

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// Common errors.
var (
	ErrNotFound     = errors.New("http: resource not found")
	ErrForbidden    = errors.New("http: access forbidden")
	ErrUnauthorized = errors.New("http: unauthorized")
	ErrThrottled    = errors.New("http: too many requests")
	ErrServerError  = errors.New("http: server error")
	ErrStatus       = errors.New("http: unexpected status")
)

// Options configures the HTTP client.
type Options struct {
	// PoolSize caps the number of requests in flight across every caller
	// sharing the client, and the connections opened per host.
	// Default: 10
	PoolSize int

	// Timeout for individual requests, including reading the body.
	// Default: 30s
	Timeout time.Duration

	// RetryAttempts is the total number of attempts per request.
	// Default: 3
	RetryAttempts int

	// RetryBackoff is the fixed delay between attempts.
	// Default: 1s
	RetryBackoff time.Duration

	// RootCAs overrides the system certificate pool.
	RootCAs *x509.CertPool
}

// DefaultOptions returns options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		PoolSize:      10,
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryBackoff:  time.Second,
	}
}

// LoadCertPool returns the system roots plus the PEM certificates in path.
func LoadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("http: read CA file: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("http: no certificates found in %s", path)
	}
	return pool, nil
}

// RetryError is returned when every attempt of a request failed.
// Err is the error of the final attempt.
type RetryError struct {
	Attempts int
	Err      error
}

func (e *RetryError) Error() string {
	return fmt.Sprintf("request failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryError) Unwrap() error {
	return e.Err
}

// Client is an HTTP client with a process-wide admission limit.
type Client struct {
	client *http.Client
	opts   Options
	slots  chan struct{}
}

// NewClient creates a new HTTP client with the given options.
func NewClient(opts Options) *Client {
	def := DefaultOptions()
	if opts.PoolSize <= 0 {
		opts.PoolSize = def.PoolSize
	}
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.RetryAttempts <= 0 {
		opts.RetryAttempts = def.RetryAttempts
	}
	if opts.RetryBackoff < 0 {
		opts.RetryBackoff = 0
	}

	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxConnsPerHost:     opts.PoolSize,
		MaxIdleConnsPerHost: opts.PoolSize,
		MaxIdleConns:        opts.PoolSize * 2,
		IdleConnTimeout:     90 * time.Second,
		DisableCompression:  true, // Tiles are stored byte for byte
	}
	if opts.RootCAs != nil {
		transport.TLSClientConfig = &tls.Config{RootCAs: opts.RootCAs}
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		opts:  opts,
		slots: make(chan struct{}, opts.PoolSize),
	}
}

// Options returns the effective options of the client.
func (c *Client) Options() Options {
	return c.opts
}

// GetBytes downloads url and returns the full response body. The request is
// retried on transport errors and non-2xx responses, up to RetryAttempts
// attempts in total, waiting RetryBackoff between attempts. The returned
// attempt count is valid on success and failure alike.
func (c *Client) GetBytes(ctx context.Context, url string) ([]byte, int, error) {
	url = NormalizeURL(url)

	var lastErr error
	for attempt := 1; attempt <= c.opts.RetryAttempts; attempt++ {
		if attempt > 1 {
			if err := c.backoff(ctx); err != nil {
				return nil, attempt - 1, err
			}
		}

		data, err := c.get(ctx, url)
		if err == nil {
			return data, attempt, nil
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		lastErr = err
	}

	return nil, c.opts.RetryAttempts, &RetryError{Attempts: c.opts.RetryAttempts, Err: lastErr}
}

// get performs a single attempt while holding an admission slot.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	select {
	case c.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-c.slots }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatusCode(resp.StatusCode); err != nil {
		// Drain so the connection can be reused.
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

// backoff waits for the fixed retry delay.
func (c *Client) backoff(ctx context.Context) error {
	if c.opts.RetryBackoff == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(c.opts.RetryBackoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NormalizeURL upgrades plain http URLs to https.
func NormalizeURL(url string) string {
	if strings.HasPrefix(url, "http://") {
		return "https://" + strings.TrimPrefix(url, "http://")
	}
	return url
}

// checkStatusCode returns an appropriate error for non-success status codes.
func checkStatusCode(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusNotFound:
		return ErrNotFound
	case code == http.StatusForbidden:
		return ErrForbidden
	case code == http.StatusUnauthorized:
		return ErrUnauthorized
	case code == http.StatusTooManyRequests:
		return ErrThrottled
	case code >= 500:
		return fmt.Errorf("%w: %d", ErrServerError, code)
	default:
		return fmt.Errorf("%w: %d", ErrStatus, code)
	}
}
