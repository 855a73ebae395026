package metrics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/progress"
)

func TestCollectorObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatalf("NewCollector: %v", err)
	}

	events := []progress.Event{
		{Kind: progress.TileDone, Bytes: 100, Attempts: 1},
		{Kind: progress.TileDone, Bytes: 50, Attempts: 2},
		{Kind: progress.TileDone, Bytes: 70, Reused: true},
		{Kind: progress.TileDone, Attempts: 3, Err: errors.New("status 503")},
		{Kind: progress.JobDone, Status: "success", Seconds: 2},
		{Kind: progress.JobDone, Status: "failed", Seconds: 1},
		{Kind: progress.WindowAdvanced, Pending: 42},
		{Kind: progress.TileStarted},
	}
	for _, ev := range events {
		c.Observe(ev)
	}

	tests := []struct {
		name     string
		got      float64
		expected float64
	}{
		{"fetched", testutil.ToFloat64(c.TilesTotal.WithLabelValues("fetched")), 2},
		{"reused", testutil.ToFloat64(c.TilesTotal.WithLabelValues("reused")), 1},
		{"failed", testutil.ToFloat64(c.TilesTotal.WithLabelValues("failed")), 1},
		{"bytes", testutil.ToFloat64(c.TileBytesTotal), 220},
		{"attempts", testutil.ToFloat64(c.TileAttemptsTotal), 6},
		{"jobs success", testutil.ToFloat64(c.JobsTotal.WithLabelValues("success")), 1},
		{"jobs failed", testutil.ToFloat64(c.JobsTotal.WithLabelValues("failed")), 1},
		{"windows", testutil.ToFloat64(c.WindowsTotal), 1},
		{"pending", testutil.ToFloat64(c.PendingTargets), 42},
	}
	for _, tt := range tests {
		if tt.got != tt.expected {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.expected)
		}
	}

	if n := testutil.CollectAndCount(c.JobDurationSeconds); n != 2 {
		t.Errorf("expected 2 duration series, got %d", n)
	}
}

func TestNewCollectorDuplicate(t *testing.T) {
	reg := prometheus.NewRegistry()
	if _, err := NewCollector(reg); err != nil {
		t.Fatalf("NewCollector: %v", err)
	}
	if _, err := NewCollector(reg); err == nil {
		t.Error("expected error registering twice")
	}
}

func TestServe(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, err := NewCollector(reg)
	if err != nil {
		t.Fatal(err)
	}
	c.Observe(progress.Event{Kind: progress.WindowAdvanced, Pending: 7})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, addr, reg) }()

	var body string
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(fmt.Sprintf("http://%s/metrics", addr))
		if err != nil {
			time.Sleep(20 * time.Millisecond)
			continue
		}
		b, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		body = string(b)
		break
	}

	if !strings.Contains(body, "panoscrape_window_pending_targets 7") {
		t.Errorf("expected pending gauge in output, got:\n%s", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
