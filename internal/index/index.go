// Package index answers whether a target has already been fully processed.
//
// There is no separate manifest: a target is complete exactly when its
// artifact exists in the output bucket, so the bucket itself is the index.
package index

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/gcerrors"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/target"
)

// Index checks artifact presence in an output bucket.
type Index struct {
	bucket *blob.Bucket
}

// New returns an Index over bucket.
func New(bucket *blob.Bucket) *Index {
	return &Index{bucket: bucket}
}

// IsDone reports whether the artifact of t exists.
func (i *Index) IsDone(ctx context.Context, t target.Target) (bool, error) {
	ok, err := i.bucket.Exists(ctx, t.ArtifactName())
	if err != nil {
		return false, fmt.Errorf("index: check %s: %w", t.ArtifactName(), err)
	}
	return ok, nil
}

// Count returns how many of targets are complete.
func (i *Index) Count(ctx context.Context, targets []target.Target) (int, error) {
	done := 0
	for _, t := range targets {
		ok, err := i.IsDone(ctx, t)
		if err != nil {
			return done, err
		}
		if ok {
			done++
		}
	}
	return done, nil
}

// OpenBucket opens the output bucket at urlstr. Plain paths and file://
// URLs are created on disk first so a fresh base directory works.
func OpenBucket(ctx context.Context, urlstr string) (*blob.Bucket, error) {
	urlstr, err := localURL(urlstr)
	if err != nil {
		return nil, err
	}
	bucket, err := blob.OpenBucket(ctx, urlstr)
	if err != nil {
		return nil, fmt.Errorf("index: open bucket %s: %w", urlstr, err)
	}
	return bucket, nil
}

// localURL turns a path into a file:// URL and ensures local directories
// exist. Paths skip fileblob's .attrs sidecar files so the directory holds
// only artifacts.
func localURL(urlstr string) (string, error) {
	if !strings.Contains(urlstr, "://") {
		abs, err := filepath.Abs(urlstr)
		if err != nil {
			return "", fmt.Errorf("index: resolve %s: %w", urlstr, err)
		}
		urlstr = "file://" + filepath.ToSlash(abs) + "?metadata=skip"
	}

	u, err := url.Parse(urlstr)
	if err != nil {
		return "", fmt.Errorf("index: parse bucket URL: %w", err)
	}
	if u.Scheme == "file" {
		if err := os.MkdirAll(filepath.FromSlash(u.Path), 0o755); err != nil {
			return "", fmt.Errorf("index: create %s: %w", u.Path, err)
		}
	}
	return urlstr, nil
}

// IsNotExist reports whether err means the object does not exist.
func IsNotExist(err error) bool {
	return gcerrors.Code(err) == gcerrors.NotFound
}
