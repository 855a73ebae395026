// Package fetcher downloads individual panorama tiles into a working directory.
package fetcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	phttp "github.com/Rypsor/Streetview-panorama-scraping/internal/http"
	"github.com/Rypsor/Streetview-panorama-scraping/pkg/streetview"
)

var tracer = otel.Tracer("github.com/Rypsor/Streetview-panorama-scraping/internal/fetcher")

// Outcome is the result of fetching one tile. Err is nil when the tile file
// is present after the fetch.
type Outcome struct {
	Tile     streetview.Tile
	Bytes    int64
	Attempts int
	Reused   bool
	Err      error
}

// OK reports whether the tile was stored.
func (o Outcome) OK() bool {
	return o.Err == nil
}

// Options configures a Fetcher.
type Options struct {
	// ReuseExisting skips the request when the tile file already exists,
	// which lets a retried job resume a partially fetched working set.
	ReuseExisting bool
}

// Fetcher downloads tiles through a shared HTTP client.
type Fetcher struct {
	client *phttp.Client
	opts   Options
}

// New creates a Fetcher. The client should be shared process-wide so its
// pool limit applies to all fetches.
func New(client *phttp.Client, opts Options) *Fetcher {
	return &Fetcher{client: client, opts: opts}
}

// Fetch downloads tile into dir/tile.Filename. A failure after the client's
// retries is reported in the Outcome, never as a panic or separate error.
// The file either holds the complete body or does not exist.
func (f *Fetcher) Fetch(ctx context.Context, tile streetview.Tile, dir string) Outcome {
	out := Outcome{Tile: tile}
	dest := filepath.Join(dir, tile.Filename)

	if f.opts.ReuseExisting {
		if fi, err := os.Stat(dest); err == nil && fi.Mode().IsRegular() && fi.Size() > 0 {
			out.Bytes = fi.Size()
			out.Reused = true
			return out
		}
	}

	ctx, span := tracer.Start(ctx, "tile.fetch")
	span.SetAttributes(
		attribute.String("tile.filename", tile.Filename),
		attribute.Int("tile.col", tile.Col),
		attribute.Int("tile.row", tile.Row),
	)
	defer span.End()

	data, attempts, err := f.client.GetBytes(ctx, tile.URL)
	out.Attempts = attempts
	span.SetAttributes(attribute.Int("tile.attempts", attempts))
	if err != nil {
		out.Err = fmt.Errorf("fetch %s: %w", tile.Filename, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return out
	}

	if err := writeFileAtomic(dest, data); err != nil {
		out.Err = fmt.Errorf("write %s: %w", tile.Filename, err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "write failed")
		return out
	}

	out.Bytes = int64(len(data))
	span.SetAttributes(attribute.Int64("tile.bytes", out.Bytes))
	return out
}

// writeFileAtomic writes data to a hidden temporary file next to dest and
// renames it into place.
func writeFileAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
