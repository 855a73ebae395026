package streetview

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLayoutTiles(t *testing.T) {
	l := Layout{
		TileURL: "http://tiles.example.com/{panoid}/{zoom}/{x}/{y}",
		Zoom:    3,
		Cols:    4,
		Rows:    2,
	}

	tiles, err := l.Tiles("abc")
	if err != nil {
		t.Fatalf("Tiles: %v", err)
	}
	if len(tiles) != 8 {
		t.Fatalf("expected 8 tiles, got %d", len(tiles))
	}

	first := tiles[0]
	if first.Col != 0 || first.Row != 0 {
		t.Errorf("expected first tile at 0x0, got %dx%d", first.Col, first.Row)
	}
	if first.Filename != "abc_0x0.jpg" {
		t.Errorf("unexpected filename %q", first.Filename)
	}
	if tiles[1].Row != 1 || tiles[1].Col != 0 {
		t.Errorf("expected column-major order, got %dx%d", tiles[1].Col, tiles[1].Row)
	}

	last := tiles[len(tiles)-1]
	if last.URL != "http://tiles.example.com/abc/3/3/1" {
		t.Errorf("unexpected URL %q", last.URL)
	}
}

func TestLayoutDeterministic(t *testing.T) {
	l := DefaultLayout()
	a, err := l.Tiles("pano-1")
	if err != nil {
		t.Fatalf("Tiles: %v", err)
	}
	b, _ := l.Tiles("pano-1")

	if len(a) != 26*13 {
		t.Fatalf("expected %d tiles, got %d", 26*13, len(a))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("tile %d differs between calls: %+v vs %+v", i, a[i], b[i])
		}
	}
	if !strings.Contains(a[0].URL, "panoid=pano-1") || !strings.Contains(a[0].URL, "zoom=5") {
		t.Errorf("unexpected default URL %q", a[0].URL)
	}
}

func TestLayoutEscapesID(t *testing.T) {
	l := Layout{TileURL: "http://x/?p={panoid}", Cols: 1, Rows: 1}
	tiles, err := l.Tiles("a/b c")
	if err != nil {
		t.Fatalf("Tiles: %v", err)
	}
	if tiles[0].URL != "http://x/?p=a%2Fb+c" {
		t.Errorf("unexpected URL %q", tiles[0].URL)
	}
	if strings.Contains(tiles[0].Filename, "/") {
		t.Errorf("filename must not contain separators: %q", tiles[0].Filename)
	}
}

func TestLayoutEmptyID(t *testing.T) {
	if _, err := DefaultLayout().Tiles(""); err == nil {
		t.Error("expected error for empty id")
	}
}

func writeTile(t *testing.T, dir, name string, c color.Color, size int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for x := 0; x < size; x++ {
		for y := 0; y < size; y++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 100}); err != nil {
		t.Fatalf("encode tile: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write tile: %v", err)
	}
}

func TestStitcherAssemble(t *testing.T) {
	dir := t.TempDir()
	l := Layout{Cols: 2, Rows: 2}
	tiles, err := l.Tiles("abc")
	if err != nil {
		t.Fatalf("Tiles: %v", err)
	}

	colors := []color.Color{
		color.RGBA{255, 0, 0, 255},
		color.RGBA{0, 255, 0, 255},
		color.RGBA{0, 0, 255, 255},
		color.RGBA{255, 255, 255, 255},
	}
	for i, tile := range tiles {
		writeTile(t, dir, tile.Filename, colors[i], 16)
	}

	var out bytes.Buffer
	if err := (Stitcher{}).Assemble(context.Background(), tiles, dir, &out); err != nil {
		t.Fatalf("Assemble: %v", err)
	}

	img, err := jpeg.Decode(&out)
	if err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if img.Bounds().Dx() != 32 || img.Bounds().Dy() != 32 {
		t.Fatalf("expected 32x32 panorama, got %v", img.Bounds())
	}

	// tiles[1] is col 0, row 1: green in the bottom-left quadrant.
	r, g, b, _ := img.At(4, 20).RGBA()
	if g>>8 < 200 || r>>8 > 60 || b>>8 > 60 {
		t.Errorf("expected green at bottom-left, got r=%d g=%d b=%d", r>>8, g>>8, b>>8)
	}
}

func TestStitcherMissingTile(t *testing.T) {
	dir := t.TempDir()
	tiles, _ := Layout{Cols: 2, Rows: 1}.Tiles("abc")
	writeTile(t, dir, tiles[0].Filename, color.White, 8)

	var out bytes.Buffer
	if err := (Stitcher{}).Assemble(context.Background(), tiles, dir, &out); err == nil {
		t.Error("expected error for missing tile")
	}
}

func TestStitcherMalformedTile(t *testing.T) {
	dir := t.TempDir()
	tiles, _ := Layout{Cols: 1, Rows: 1}.Tiles("abc")
	if err := os.WriteFile(filepath.Join(dir, tiles[0].Filename), []byte("not a jpeg"), 0o644); err != nil {
		t.Fatal(err)
	}

	var out bytes.Buffer
	if err := (Stitcher{}).Assemble(context.Background(), tiles, dir, &out); err == nil {
		t.Error("expected error for malformed tile")
	}
}

func TestStitcherCancelled(t *testing.T) {
	dir := t.TempDir()
	tiles, _ := Layout{Cols: 1, Rows: 1}.Tiles("abc")
	writeTile(t, dir, tiles[0].Filename, color.White, 8)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var out bytes.Buffer
	err := (Stitcher{}).Assemble(ctx, tiles, dir, &out)
	if err != context.Canceled {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if out.Len() != 0 {
		t.Errorf("expected no output after cancellation, got %d bytes", out.Len())
	}
}

func TestStitcherNoTiles(t *testing.T) {
	var out bytes.Buffer
	if err := (Stitcher{}).Assemble(context.Background(), nil, t.TempDir(), &out); err != ErrNoTiles {
		t.Errorf("expected ErrNoTiles, got %v", err)
	}
}

func TestSafeName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"abc", "abc"},
		{"a/b", "a_b"},
		{`a\b`, "a_b"},
		{"..", "_.."},
		{".", "_."},
	}
	for _, tt := range tests {
		if got := SafeName(tt.input); got != tt.expected {
			t.Errorf("SafeName(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}
