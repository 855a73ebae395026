// Package job acquires one panorama: it fetches every tile, verifies the tile
// set is complete, assembles the artifact and removes the working set.
package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"gocloud.dev/blob"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/fetcher"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/index"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/progress"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/target"
	"github.com/Rypsor/Streetview-panorama-scraping/pkg/streetview"
)

var tracer = otel.Tracer("github.com/Rypsor/Streetview-panorama-scraping/internal/job")

// ErrIncomplete is wrapped by the error of an IncompleteTileSet outcome.
var ErrIncomplete = errors.New("job: incomplete tile set")

// Layout computes the tile set of a panorama id.
type Layout interface {
	Tiles(id string) ([]streetview.Tile, error)
}

// Assembler stitches a complete tile set from dir into w.
type Assembler interface {
	Assemble(ctx context.Context, tiles []streetview.Tile, dir string, w io.Writer) error
}

// TileFetcher downloads one tile into dir.
type TileFetcher interface {
	Fetch(ctx context.Context, tile streetview.Tile, dir string) fetcher.Outcome
}

// Options configures a Job.
type Options struct {
	// TilesDir holds one working set directory per target.
	TilesDir string

	// Workers is the number of concurrent tile fetches per job. The HTTP
	// client's pool limit still caps requests across all jobs.
	// Default: 10
	Workers int

	// KeepFailedTiles leaves the working set of a failed job on disk for
	// inspection and reuse by a later attempt.
	KeepFailedTiles bool

	// Observer receives job and tile events.
	Observer progress.Observer

	// Logger receives failure details.
	Logger logrus.FieldLogger
}

// Job runs the acquisition of single targets. It holds no per-target state
// and may run several targets concurrently.
type Job struct {
	bucket    *blob.Bucket
	index     *index.Index
	layout    Layout
	fetcher   TileFetcher
	assembler Assembler
	opts      Options
}

// New creates a Job writing artifacts to bucket.
func New(bucket *blob.Bucket, layout Layout, f TileFetcher, a Assembler, opts Options) *Job {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}
	if opts.Observer == nil {
		opts.Observer = progress.Nop
	}
	if opts.Logger == nil {
		opts.Logger = logrus.StandardLogger()
	}

	return &Job{
		bucket:    bucket,
		index:     index.New(bucket),
		layout:    layout,
		fetcher:   f,
		assembler: a,
		opts:      opts,
	}
}

// WorkingSet returns the tile directory of t.
func (j *Job) WorkingSet(t target.Target) string {
	return WorkingSetPath(j.opts.TilesDir, t)
}

// WorkingSetPath returns the tile directory of t under tilesDir.
func WorkingSetPath(tilesDir string, t target.Target) string {
	return filepath.Join(tilesDir, streetview.SafeName(t.ID))
}

// Run acquires t. The returned error is non-nil only when ctx was cancelled;
// every other problem, including a panic, is reported as a Failed outcome.
// A cancelled job never leaves an artifact behind.
func (j *Job) Run(ctx context.Context, t target.Target) (out Outcome, err error) {
	start := time.Now()
	log := j.opts.Logger.WithField("target", t.ID)

	ctx, span := tracer.Start(ctx, "panorama.job")
	span.SetAttributes(
		attribute.String("panorama.id", t.ID),
		attribute.Float64("panorama.lat", t.Lat),
		attribute.Float64("panorama.lon", t.Lon),
	)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			log.WithField("stack", string(debug.Stack())).Errorf("Unexpected failure: %v", r)
			out, err = failed(Unexpected, fmt.Errorf("panic: %v", r)), nil
		}

		ev := progress.Event{
			Kind:    progress.JobDone,
			Target:  t.ID,
			Tiles:   out.Tiles,
			Status:  string(out.Status),
			Reason:  out.Reason(),
			Err:     out.Err,
			Seconds: time.Since(start).Seconds(),
		}
		switch {
		case err != nil:
			ev.Status = "cancelled"
			ev.Err = err
			span.SetStatus(codes.Error, "cancelled")
		case out.Status == Failed:
			span.RecordError(out.Err)
			span.SetStatus(codes.Error, out.Reason())
		}
		span.SetAttributes(attribute.String("panorama.status", ev.Status))
		j.opts.Observer.Observe(ev)
	}()

	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}
	return j.run(ctx, t, log)
}

func (j *Job) run(ctx context.Context, t target.Target, log logrus.FieldLogger) (Outcome, error) {
	done, err := j.index.IsDone(ctx, t)
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}
		return j.fail(log, failed(IndexFailed, err)), nil
	}
	if done {
		return skipped("already complete"), nil
	}

	tiles, err := j.layout.Tiles(t.ID)
	if err != nil {
		return j.fail(log, failed(LayoutFailed, err)), nil
	}
	if len(tiles) == 0 {
		return skipped("no tiles"), nil
	}

	dir := j.WorkingSet(t)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return j.fail(log, failed(WorkingSetFailed, err)), nil
	}

	j.opts.Observer.Observe(progress.Event{Kind: progress.JobStarted, Target: t.ID, Tiles: len(tiles)})

	results := j.fetchAll(ctx, t, tiles, dir)
	if err := ctx.Err(); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Tiles: len(tiles)}
	var lastErr error
	for _, r := range results {
		switch {
		case r.Reused:
			out.Reused++
		case r.OK():
			out.Fetched++
		default:
			lastErr = r.Err
		}
	}

	// The fetch results are advisory: the gate is what is on disk.
	out.Missing = missingTiles(tiles, dir)
	if len(out.Missing) > 0 {
		err := fmt.Errorf("%w: %d of %d tiles missing", ErrIncomplete, len(out.Missing), len(tiles))
		if lastErr != nil {
			err = fmt.Errorf("%w (last error: %v)", err, lastErr)
		}
		f := failed(IncompleteTileSet, err)
		f.Tiles, f.Fetched, f.Reused, f.Missing = out.Tiles, out.Fetched, out.Reused, out.Missing
		j.discardWorkingSet(dir, log)
		return j.fail(log, f), nil
	}

	if err := j.assemble(ctx, t, tiles, dir, log); err != nil {
		if ctx.Err() != nil {
			log.Warn("Interrupted during assembly, partial artifact removed")
			return Outcome{}, ctx.Err()
		}
		f := failed(AssemblyFailed, err)
		f.Tiles, f.Fetched, f.Reused = out.Tiles, out.Fetched, out.Reused
		j.discardWorkingSet(dir, log)
		return j.fail(log, f), nil
	}

	if err := os.RemoveAll(dir); err != nil {
		log.WithError(err).Warn("Failed to remove working set")
	}

	out.Status = Success
	return out, nil
}

// fetchAll downloads tiles with a pool of workers and waits for every outcome.
func (j *Job) fetchAll(ctx context.Context, t target.Target, tiles []streetview.Tile, dir string) []fetcher.Outcome {
	results := make([]fetcher.Outcome, len(tiles))
	work := make(chan int)

	var wg sync.WaitGroup
	for w := 0; w < min(j.opts.Workers, len(tiles)); w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range work {
				results[i] = j.fetchTile(ctx, t, tiles, i, dir)
			}
		}()
	}

	// Feed tiles to workers
	func() {
		defer close(work)
		for i := range tiles {
			select {
			case work <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	wg.Wait()
	return results
}

func (j *Job) fetchTile(ctx context.Context, t target.Target, tiles []streetview.Tile, i int, dir string) (res fetcher.Outcome) {
	tile := tiles[i]
	defer func() {
		if r := recover(); r != nil {
			res = fetcher.Outcome{Tile: tile, Err: fmt.Errorf("panic fetching %s: %v", tile.Filename, r)}
		}
		j.opts.Observer.Observe(progress.Event{
			Kind:     progress.TileDone,
			Target:   t.ID,
			Tile:     i + 1,
			Tiles:    len(tiles),
			Bytes:    res.Bytes,
			Reused:   res.Reused,
			Attempts: res.Attempts,
			Err:      res.Err,
		})
	}()

	j.opts.Observer.Observe(progress.Event{Kind: progress.TileStarted, Target: t.ID, Tile: i + 1, Tiles: len(tiles)})
	return j.fetcher.Fetch(ctx, tile, dir)
}

// assemble writes the artifact of t. The blob writer only commits on a
// successful Close; on any error or cancellation the write is aborted and
// whatever was stored under the artifact name is deleted.
func (j *Job) assemble(ctx context.Context, t target.Target, tiles []streetview.Tile, dir string, log logrus.FieldLogger) error {
	key := t.ArtifactName()

	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := j.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: "image/jpeg"})
	if err != nil {
		return fmt.Errorf("open artifact %s: %w", key, err)
	}

	committed := false
	defer func() {
		if committed {
			return
		}
		cancel()
		w.Close()
		// Use a fresh context: ctx may already be cancelled.
		if err := j.bucket.Delete(context.Background(), key); err != nil && !index.IsNotExist(err) {
			log.WithError(err).Errorf("Failed to remove partial artifact %s", key)
		}
	}()

	if err := j.assembler.Assemble(ctx, tiles, dir, w); err != nil {
		return fmt.Errorf("assemble %s: %w", key, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit artifact %s: %w", key, err)
	}
	committed = true
	return nil
}

func (j *Job) discardWorkingSet(dir string, log logrus.FieldLogger) {
	if j.opts.KeepFailedTiles {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		log.WithError(err).Warn("Failed to remove working set")
	}
}

func (j *Job) fail(log logrus.FieldLogger, out Outcome) Outcome {
	log.WithField("kind", out.Kind).WithError(out.Err).Error("Panorama failed")
	return out
}

// missingTiles returns the filenames of tiles not present in dir. An empty
// file counts as missing, as it does for tile reuse.
func missingTiles(tiles []streetview.Tile, dir string) []string {
	var missing []string
	for _, t := range tiles {
		fi, err := os.Stat(filepath.Join(dir, t.Filename))
		if err != nil || !fi.Mode().IsRegular() || fi.Size() == 0 {
			missing = append(missing, t.Filename)
		}
	}
	return missing
}
