// Package streetview provides the default tile layout and stitching for
// street-level panoramas.
//
// A panorama at a given zoom level is a fixed grid of JPEG tiles. Layout maps
// a panorama id to that grid, and Stitcher joins downloaded tiles back into a
// single image.
//
// # Usage
//
//	layout := streetview.DefaultLayout()
//	tiles, err := layout.Tiles("abc")
//
//	// ... download every tile into dir ...
//
//	err = streetview.Stitcher{Quality: 90}.Assemble(ctx, tiles, dir, w)
//
// # Tile naming
//
// Tiles are stored as <panoid>_<col>x<row>.jpg. The tile URL template accepts
// the placeholders {panoid}, {zoom}, {x} and {y}.
package streetview
