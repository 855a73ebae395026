package http

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestClient returns a client that trusts server's certificate.
func newTestClient(server *httptest.Server, opts Options) *Client {
	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())
	opts.RootCAs = pool
	return NewClient(opts)
}

// plainURL rewrites a TLS test server URL to http:// so normalization is exercised.
func plainURL(server *httptest.Server) string {
	return "http://" + strings.TrimPrefix(server.URL, "https://")
}

func fastOptions() Options {
	opts := DefaultOptions()
	opts.RetryBackoff = 10 * time.Millisecond
	return opts
}

func TestGetBytes(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		w.Write([]byte("tile-bytes"))
	}))
	defer server.Close()

	client := newTestClient(server, fastOptions())
	data, attempts, err := client.GetBytes(context.Background(), plainURL(server)+"/tile")
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if string(data) != "tile-bytes" {
		t.Errorf("expected 'tile-bytes', got %q", data)
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer server.Close()

	client := newTestClient(server, fastOptions())
	data, attempts, err := client.GetBytes(context.Background(), server.URL)
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if string(data) != "ok" {
		t.Errorf("expected 'ok', got %q", data)
	}
	if attempts != 3 || requests.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d (server saw %d)", attempts, requests.Load())
	}
}

func TestRetryBound(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := newTestClient(server, fastOptions())
	_, attempts, err := client.GetBytes(context.Background(), server.URL)
	if err == nil {
		t.Fatal("expected error")
	}

	var retryErr *RetryError
	if !errors.As(err, &retryErr) {
		t.Fatalf("expected *RetryError, got %T", err)
	}
	if retryErr.Attempts != 3 || attempts != 3 {
		t.Errorf("expected 3 attempts, got %d/%d", retryErr.Attempts, attempts)
	}
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected wrapped ErrNotFound, got %v", err)
	}

	// Give a stray fourth request time to show up.
	time.Sleep(30 * time.Millisecond)
	if requests.Load() != 3 {
		t.Errorf("expected exactly 3 requests, got %d", requests.Load())
	}
}

func TestRetryOnTransportError(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	client := newTestClient(server, fastOptions())
	server.Close()

	_, attempts, err := client.GetBytes(context.Background(), url)
	if err == nil {
		t.Fatal("expected error for closed server")
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestFixedBackoff(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.RetryBackoff = 50 * time.Millisecond
	client := newTestClient(server, opts)

	start := time.Now()
	client.GetBytes(context.Background(), server.URL)
	elapsed := time.Since(start)

	// Two waits of 50ms each; exponential growth would take at least 150ms.
	if elapsed < 100*time.Millisecond {
		t.Errorf("expected at least 100ms of backoff, got %v", elapsed)
	}
	if elapsed >= 150*time.Millisecond+500*time.Millisecond {
		t.Errorf("backoff took too long: %v", elapsed)
	}
}

func TestPoolLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		w.Write([]byte("x"))
	}))
	defer server.Close()

	opts := fastOptions()
	opts.PoolSize = 3
	client := newTestClient(server, opts)

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := client.GetBytes(context.Background(), server.URL); err != nil {
				t.Errorf("GetBytes: %v", err)
			}
		}()
	}
	wg.Wait()

	if peak.Load() > 3 {
		t.Errorf("expected at most 3 requests in flight, saw %d", peak.Load())
	}
}

func TestContextCancellationDuringBackoff(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	opts := DefaultOptions()
	opts.RetryBackoff = time.Minute
	client := newTestClient(server, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := client.GetBytes(ctx, server.URL)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("cancellation was not observed during backoff")
	}
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"http://cbk0.google.com/cbk?x=1", "https://cbk0.google.com/cbk?x=1"},
		{"https://cbk0.google.com/cbk", "https://cbk0.google.com/cbk"},
		{"ftp://example.com/a", "ftp://example.com/a"},
	}

	for _, tt := range tests {
		if got := NormalizeURL(tt.input); got != tt.expected {
			t.Errorf("NormalizeURL(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestCheckStatusCode(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{200, nil},
		{204, nil},
		{404, ErrNotFound},
		{403, ErrForbidden},
		{401, ErrUnauthorized},
		{429, ErrThrottled},
		{503, ErrServerError},
		{302, ErrStatus},
	}

	for _, tt := range tests {
		err := checkStatusCode(tt.code)
		if tt.want == nil {
			if err != nil {
				t.Errorf("checkStatusCode(%d) = %v, want nil", tt.code, err)
			}
			continue
		}
		if !errors.Is(err, tt.want) {
			t.Errorf("checkStatusCode(%d) = %v, want %v", tt.code, err, tt.want)
		}
	}
}

func TestLoadCertPool(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tile"))
	}))
	defer server.Close()

	caFile := filepath.Join(t.TempDir(), "ca.pem")
	block := &pem.Block{Type: "CERTIFICATE", Bytes: server.Certificate().Raw}
	if err := os.WriteFile(caFile, pem.EncodeToMemory(block), 0o644); err != nil {
		t.Fatal(err)
	}

	pool, err := LoadCertPool(caFile)
	if err != nil {
		t.Fatalf("LoadCertPool: %v", err)
	}

	opts := fastOptions()
	opts.RootCAs = pool
	data, _, err := NewClient(opts).GetBytes(context.Background(), plainURL(server)+"/t.jpg")
	if err != nil {
		t.Fatalf("GetBytes: %v", err)
	}
	if string(data) != "tile" {
		t.Errorf("unexpected body %q", data)
	}
}

func TestLoadCertPoolInvalid(t *testing.T) {
	if _, err := LoadCertPool(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Error("expected error for missing file")
	}

	empty := filepath.Join(t.TempDir(), "empty.pem")
	if err := os.WriteFile(empty, []byte("not a certificate"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadCertPool(empty); err == nil {
		t.Error("expected error for file without certificates")
	}
}
