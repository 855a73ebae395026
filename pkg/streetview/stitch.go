package streetview

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
)

// DefaultQuality is the JPEG quality used when Stitcher.Quality is zero.
const DefaultQuality = 90

// ErrNoTiles is returned when Assemble is called with an empty tile set.
var ErrNoTiles = errors.New("streetview: no tiles to assemble")

// Stitcher assembles a tile set into one equirectangular JPEG.
type Stitcher struct {
	Quality int
}

// Assemble decodes every tile from dir, places it on a canvas sized from the
// grid extent and the first tile's dimensions, and encodes the result to w.
// The context is checked between tiles.
func (s Stitcher) Assemble(ctx context.Context, tiles []Tile, dir string, w io.Writer) error {
	if len(tiles) == 0 {
		return ErrNoTiles
	}

	var cols, rows int
	for _, t := range tiles {
		cols = max(cols, t.Col+1)
		rows = max(rows, t.Row+1)
	}

	var canvas *image.RGBA
	var tileW, tileH int

	for _, t := range tiles {
		if err := ctx.Err(); err != nil {
			return err
		}

		img, err := decodeTile(filepath.Join(dir, t.Filename))
		if err != nil {
			return fmt.Errorf("tile %s: %w", t.Filename, err)
		}

		if canvas == nil {
			b := img.Bounds()
			tileW, tileH = b.Dx(), b.Dy()
			if tileW == 0 || tileH == 0 {
				return fmt.Errorf("tile %s: empty image", t.Filename)
			}
			canvas = image.NewRGBA(image.Rect(0, 0, cols*tileW, rows*tileH))
		}

		origin := image.Pt(t.Col*tileW, t.Row*tileH)
		dst := image.Rectangle{Min: origin, Max: origin.Add(image.Pt(tileW, tileH))}
		draw.Draw(canvas, dst, img, img.Bounds().Min, draw.Src)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	quality := s.Quality
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if err := jpeg.Encode(w, canvas, &jpeg.Options{Quality: quality}); err != nil {
		return fmt.Errorf("encode panorama: %w", err)
	}
	return nil
}

func decodeTile(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	return img, nil
}
