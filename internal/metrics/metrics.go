// Package metrics exports pipeline events as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/progress"
)

const namespace = "panoscrape"

// Collector is a progress.Observer that updates Prometheus metrics.
type Collector struct {
	TilesTotal         *prometheus.CounterVec
	TileBytesTotal     prometheus.Counter
	TileAttemptsTotal  prometheus.Counter
	JobsTotal          *prometheus.CounterVec
	JobDurationSeconds *prometheus.HistogramVec
	WindowsTotal       prometheus.Counter
	PendingTargets     prometheus.Gauge
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		TilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tiles_total",
				Help:      "Total number of tiles that reached a final outcome, labeled by result.",
			},
			[]string{"result"},
		),
		TileBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_bytes_total",
			Help:      "Total number of tile bytes written.",
		}),
		TileAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tile_attempts_total",
			Help:      "Total number of tile HTTP attempts, including retries.",
		}),
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of panorama jobs, labeled by final status.",
			},
			[]string{"status"},
		),
		JobDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of panorama jobs (seconds).",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"status"},
		),
		WindowsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "windows_total",
			Help:      "Total number of scheduler windows completed.",
		}),
		PendingTargets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "window_pending_targets",
			Help:      "Number of pending targets in the last completed window.",
		}),
	}

	for _, m := range []prometheus.Collector{
		c.TilesTotal,
		c.TileBytesTotal,
		c.TileAttemptsTotal,
		c.JobsTotal,
		c.JobDurationSeconds,
		c.WindowsTotal,
		c.PendingTargets,
	} {
		if err := reg.Register(m); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Observe implements progress.Observer.
func (c *Collector) Observe(ev progress.Event) {
	switch ev.Kind {
	case progress.TileDone:
		result := "fetched"
		switch {
		case ev.Err != nil:
			result = "failed"
		case ev.Reused:
			result = "reused"
		}
		c.TilesTotal.WithLabelValues(result).Inc()
		c.TileBytesTotal.Add(float64(ev.Bytes))
		c.TileAttemptsTotal.Add(float64(ev.Attempts))
	case progress.JobDone:
		c.JobsTotal.WithLabelValues(ev.Status).Inc()
		c.JobDurationSeconds.WithLabelValues(ev.Status).Observe(ev.Seconds)
	case progress.WindowAdvanced:
		c.WindowsTotal.Inc()
		c.PendingTargets.Set(float64(ev.Pending))
	}
}

// Serve exposes the metrics of g on addr under /metrics until ctx is done.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
