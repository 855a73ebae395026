package streetview

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// DefaultTileURL is the tile endpoint used when no template is configured.
const DefaultTileURL = "http://cbk0.google.com/cbk?output=tile&panoid={panoid}&zoom={zoom}&x={x}&y={y}"

// Tile describes one image fragment of a panorama.
type Tile struct {
	Col      int
	Row      int
	Filename string
	URL      string
}

// Layout computes the tile set of a panorama. The result depends only on the
// panorama id, so repeated calls for the same id return the same tiles.
type Layout struct {
	// TileURL is a template with {panoid}, {zoom}, {x} and {y} placeholders.
	TileURL string

	// Zoom is the tile zoom level passed to the source.
	Zoom int

	// Cols and Rows give the grid dimensions at Zoom.
	Cols int
	Rows int
}

// DefaultLayout returns the grid for zoom level 5 (26 x 13 tiles).
func DefaultLayout() Layout {
	return Layout{
		TileURL: DefaultTileURL,
		Zoom:    5,
		Cols:    26,
		Rows:    13,
	}
}

// Tiles returns the descriptors for every tile of panoid in column-major order.
func (l Layout) Tiles(panoid string) ([]Tile, error) {
	if panoid == "" {
		return nil, errors.New("streetview: empty panorama id")
	}
	if l.Cols < 0 || l.Rows < 0 {
		return nil, fmt.Errorf("streetview: invalid grid %dx%d", l.Cols, l.Rows)
	}
	tmpl := l.TileURL
	if tmpl == "" {
		tmpl = DefaultTileURL
	}

	tiles := make([]Tile, 0, l.Cols*l.Rows)
	for x := 0; x < l.Cols; x++ {
		for y := 0; y < l.Rows; y++ {
			r := strings.NewReplacer(
				"{panoid}", url.QueryEscape(panoid),
				"{zoom}", strconv.Itoa(l.Zoom),
				"{x}", strconv.Itoa(x),
				"{y}", strconv.Itoa(y),
			)
			tiles = append(tiles, Tile{
				Col:      x,
				Row:      y,
				Filename: TileFilename(panoid, x, y),
				URL:      r.Replace(tmpl),
			})
		}
	}
	return tiles, nil
}

// TileFilename returns the on-disk name of the tile at (col, row).
func TileFilename(panoid string, col, row int) string {
	return fmt.Sprintf("%s_%dx%d.jpg", SafeName(panoid), col, row)
}

// SafeName maps a panorama id to a single path element: separators are
// replaced so an id can never escape its directory.
func SafeName(id string) string {
	switch id {
	case "", ".", "..":
		return "_" + id
	}
	return strings.NewReplacer("/", "_", `\`, "_").Replace(id)
}
