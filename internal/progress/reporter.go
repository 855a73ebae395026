package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
)

// Options configures the progress reporter.
type Options struct {
	// Output is where progress bars are drawn.
	// Default: os.Stderr
	Output io.Writer

	// Bars enables per-job progress bars. When false only log lines are
	// written, which suits non-interactive output.
	Bars bool

	// Logger receives job and window summaries.
	// Default: logrus.StandardLogger()
	Logger logrus.FieldLogger
}

// Reporter turns pipeline events into human-readable progress output.
type Reporter struct {
	opts Options

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar

	// counters for the final summary
	succeeded int
	skipped   int
	failed    int
	tiles     int
	bytes     int64
	startTime time.Time
}

// NewReporter creates a new progress reporter.
func NewReporter(opts Options) *Reporter {
	if opts.Output == nil {
		opts.Output = os.Stderr
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Reporter{
		opts:      opts,
		bars:      make(map[string]*progressbar.ProgressBar),
		startTime: time.Now(),
	}
}

// Observe implements Observer.
func (r *Reporter) Observe(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Kind {
	case JobStarted:
		r.opts.Logger.WithField("target", ev.Target).Infof("Downloading panorama (%d tiles)", ev.Tiles)
		if r.opts.Bars {
			r.bars[ev.Target] = r.newBar(ev.Target, ev.Tiles)
		}

	case TileDone:
		if ev.Err == nil {
			r.tiles++
			r.bytes += ev.Bytes
		}
		if bar := r.bars[ev.Target]; bar != nil {
			bar.Add(1)
		} else if ev.Err != nil {
			r.opts.Logger.WithFields(logrus.Fields{
				"target": ev.Target,
				"tile":   fmt.Sprintf("%d/%d", ev.Tile, ev.Tiles),
			}).Warnf("Tile failed after %d attempts: %v", ev.Attempts, ev.Err)
		}

	case JobDone:
		if bar := r.bars[ev.Target]; bar != nil {
			bar.Finish()
			delete(r.bars, ev.Target)
		}
		r.logJob(ev)

	case WindowAdvanced:
		r.opts.Logger.WithField("window", ev.Window).Infof(
			"Window %d done: targets %d-%d of %d, %d pending",
			ev.Window, ev.Start, ev.End, ev.Total, ev.Pending)
	}
}

func (r *Reporter) logJob(ev Event) {
	log := r.opts.Logger.WithField("target", ev.Target)
	switch ev.Status {
	case "success":
		r.succeeded++
		log.Infof("Panorama complete in %s", formatDuration(time.Duration(ev.Seconds*float64(time.Second))))
	case "skipped":
		r.skipped++
		log.Infof("Panorama skipped: %s", ev.Reason)
	case "failed":
		// The job logs failures with full context.
		r.failed++
	case "cancelled":
		log.Warn("Panorama interrupted")
	}
}

func (r *Reporter) newBar(target string, total int) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(r.opts.Output),
		progressbar.OptionSetDescription("Downloading "+target),
		progressbar.OptionShowCount(),
		progressbar.OptionSetWidth(30),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionThrottle(100*time.Millisecond),
	)
}

// Summary writes the totals observed so far.
func (r *Reporter) Summary() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.opts.Logger.Infof("Total: %d complete | %d skipped | %d failed | %d tiles (%s) | %s",
		r.succeeded, r.skipped, r.failed, r.tiles,
		formatBytes(r.bytes), formatDuration(time.Since(r.startTime)))
}

// formatBytes formats bytes as a human-readable string.
func formatBytes(b int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case b >= TB:
		return fmt.Sprintf("%.2f TB", float64(b)/float64(TB))
	case b >= GB:
		return fmt.Sprintf("%.2f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.2f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.2f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formats a duration as a human-readable string.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%.0fs", d.Seconds())
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm %ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	return fmt.Sprintf("%dh %dm %ds", h, m, s)
}

// FormatBytes is exported for use by other packages.
func FormatBytes(b int64) string {
	return formatBytes(b)
}
