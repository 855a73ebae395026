// Package scheduler sweeps a target list in bounded windows, skipping
// targets whose artifact already exists and running a job for the rest.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/job"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/progress"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/target"
)

// ErrInvalidWindow is returned for a non-positive window size.
var ErrInvalidWindow = errors.New("scheduler: window size must be positive")

// Runner acquires one target.
type Runner interface {
	Run(ctx context.Context, t target.Target) (job.Outcome, error)
}

// Index reports whether a target is already complete.
type Index interface {
	IsDone(ctx context.Context, t target.Target) (bool, error)
}

// Options configures a Scheduler.
type Options struct {
	// Jobs is the number of targets processed concurrently within a window.
	// Default: 1
	Jobs int

	// RevisitFailed makes every window the whole prefix of the target list
	// up to its bound, so targets that failed in an earlier window are
	// attempted again. Otherwise each window covers only its own slice.
	RevisitFailed bool

	// Observer receives WindowAdvanced events.
	Observer progress.Observer

	// Logger receives window progress and index errors.
	Logger logrus.FieldLogger
}

// Summary counts job outcomes over a whole run.
type Summary struct {
	Windows   int
	Succeeded int
	Skipped   int
	Failed    int

	// AlreadyDone counts targets filtered out by the index before any job ran.
	AlreadyDone int
}

// Scheduler drives jobs over a target list.
type Scheduler struct {
	runner Runner
	index  Index
	opts   Options
}

// New creates a Scheduler.
func New(runner Runner, index Index, opts Options) *Scheduler {
	if opts.Jobs <= 0 {
		opts.Jobs = 1
	}
	if opts.Observer == nil {
		opts.Observer = progress.Nop
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}
	return &Scheduler{runner: runner, index: index, opts: opts}
}

// Run processes targets in windows of windowSize. Windows run strictly one
// after another. A failed job never stops the batch; only cancellation of
// ctx does, in which case no new job is started, in-flight jobs finish their
// cleanup and the context error is returned with the partial Summary.
func (s *Scheduler) Run(ctx context.Context, targets []target.Target, windowSize int) (Summary, error) {
	var sum Summary
	if windowSize <= 0 {
		return sum, ErrInvalidWindow
	}

	n := len(targets)
	for w := windowSize; ; w += windowSize {
		if err := ctx.Err(); err != nil {
			return sum, err
		}

		end := min(w, n)
		start := 0
		if !s.opts.RevisitFailed {
			start = min(w-windowSize, n)
		}
		sum.Windows++
		log := s.opts.Logger.WithField("window", sum.Windows)

		pending, err := s.pending(ctx, targets[start:end], log)
		if err != nil {
			return sum, err
		}
		sum.AlreadyDone += end - start - len(pending)
		if len(pending) > 0 {
			log.Infof("Processing %d pending targets (%d-%d of %d)", len(pending), start+1, end, n)
		}

		if err := s.runWindow(ctx, pending, &sum); err != nil {
			return sum, err
		}

		s.opts.Observer.Observe(progress.Event{
			Kind:    progress.WindowAdvanced,
			Window:  sum.Windows,
			Start:   start + 1,
			End:     end,
			Pending: len(pending),
			Total:   n,
		})

		if w > n {
			return sum, nil
		}
	}
}

// pending filters out completed targets. A failed lookup is logged and the
// target kept: the job checks the index again and reports its own failure.
func (s *Scheduler) pending(ctx context.Context, window []target.Target, log logrus.FieldLogger) ([]target.Target, error) {
	pending := make([]target.Target, 0, len(window))
	for _, t := range window {
		done, err := s.index.IsDone(ctx, t)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			log.WithField("target", t.ID).WithError(err).Warn("Index lookup failed, treating target as pending")
		}
		if !done {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

// runWindow runs pending with a pool of Jobs workers and returns once every
// dispatched job has reached a terminal state.
func (s *Scheduler) runWindow(ctx context.Context, pending []target.Target, sum *Summary) error {
	var (
		mu        sync.Mutex
		cancelled error
	)
	work := make(chan target.Target)

	var wg sync.WaitGroup
	for i := 0; i < min(s.opts.Jobs, len(pending)); i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range work {
				if ctx.Err() != nil {
					continue
				}
				out, err := s.runner.Run(ctx, t)

				mu.Lock()
				switch {
				case err != nil:
					cancelled = err
				case out.Status == job.Success:
					sum.Succeeded++
				case out.Status == job.Skipped:
					sum.Skipped++
				default:
					sum.Failed++
				}
				mu.Unlock()
			}
		}()
	}

	// Dispatch in list order
	func() {
		defer close(work)
		for _, t := range pending {
			if ctx.Err() != nil {
				return
			}
			select {
			case work <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()

	if cancelled != nil {
		return cancelled
	}
	return ctx.Err()
}
