package fetcher

import (
	"context"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	phttp "github.com/Rypsor/Streetview-panorama-scraping/internal/http"
	"github.com/Rypsor/Streetview-panorama-scraping/pkg/streetview"
)

func newClient(server *httptest.Server) *phttp.Client {
	pool := x509.NewCertPool()
	pool.AddCert(server.Certificate())
	opts := phttp.DefaultOptions()
	opts.RetryBackoff = 5 * time.Millisecond
	opts.RootCAs = pool
	return phttp.NewClient(opts)
}

func tileFor(server *httptest.Server, name string) streetview.Tile {
	return streetview.Tile{
		Filename: name,
		URL:      "http://" + strings.TrimPrefix(server.URL, "https://") + "/" + name,
	}
}

func TestFetch(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("jpeg:" + r.URL.Path))
	}))
	defer server.Close()

	dir := t.TempDir()
	f := New(newClient(server), Options{})

	out := f.Fetch(context.Background(), tileFor(server, "abc_0x0.jpg"), dir)
	if !out.OK() {
		t.Fatalf("Fetch: %v", out.Err)
	}
	if out.Attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", out.Attempts)
	}

	data, err := os.ReadFile(filepath.Join(dir, "abc_0x0.jpg"))
	if err != nil {
		t.Fatalf("read tile: %v", err)
	}
	if string(data) != "jpeg:/abc_0x0.jpg" {
		t.Errorf("unexpected content %q", data)
	}
	if out.Bytes != int64(len(data)) {
		t.Errorf("expected %d bytes, got %d", len(data), out.Bytes)
	}
	assertNoTempFiles(t, dir)
}

func TestFetchFailureLeavesNoFile(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	dir := t.TempDir()
	f := New(newClient(server), Options{})

	out := f.Fetch(context.Background(), tileFor(server, "abc_1x0.jpg"), dir)
	if out.OK() {
		t.Fatal("expected failure")
	}
	if out.Attempts != 3 || requests.Load() != 3 {
		t.Errorf("expected 3 attempts, got %d (server saw %d)", out.Attempts, requests.Load())
	}

	var retryErr *phttp.RetryError
	if !errors.As(out.Err, &retryErr) {
		t.Errorf("expected *RetryError in chain, got %v", out.Err)
	}
	if _, err := os.Stat(filepath.Join(dir, "abc_1x0.jpg")); !os.IsNotExist(err) {
		t.Errorf("expected no tile file, stat err = %v", err)
	}
	assertNoTempFiles(t, dir)
}

func TestFetchReuseExisting(t *testing.T) {
	var requests atomic.Int32
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Write([]byte("fresh"))
	}))
	defer server.Close()

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "abc_0x0.jpg"), []byte("cached"), 0o644); err != nil {
		t.Fatal(err)
	}

	out := New(newClient(server), Options{ReuseExisting: true}).Fetch(context.Background(), tileFor(server, "abc_0x0.jpg"), dir)
	if !out.OK() || !out.Reused {
		t.Fatalf("expected reused tile, got %+v", out)
	}
	if requests.Load() != 0 {
		t.Errorf("expected no requests, got %d", requests.Load())
	}

	out = New(newClient(server), Options{}).Fetch(context.Background(), tileFor(server, "abc_0x0.jpg"), dir)
	if !out.OK() || out.Reused {
		t.Fatalf("expected fresh download, got %+v", out)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "abc_0x0.jpg"))
	if string(data) != "fresh" {
		t.Errorf("expected tile to be overwritten, got %q", data)
	}
}

func TestFetchMissingDirectory(t *testing.T) {
	server := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("x"))
	}))
	defer server.Close()

	dir := filepath.Join(t.TempDir(), "does-not-exist")
	out := New(newClient(server), Options{}).Fetch(context.Background(), tileFor(server, "a.jpg"), dir)
	if out.OK() {
		t.Fatal("expected write failure")
	}
}

func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("temporary file left behind: %s", e.Name())
		}
	}
}
