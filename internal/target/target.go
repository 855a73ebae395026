// Package target loads panorama acquisition targets and derives the names of
// their artifacts.
package target

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultGlob matches the candidate files produced by the target generator.
const DefaultGlob = "panoids*.json"

var (
	ErrNoInput        = errors.New("target: no input file found")
	ErrMultipleInputs = errors.New("target: multiple input files found")
	ErrInvalidID      = errors.New("target: invalid panoid")
)

// Target identifies one panorama to acquire.
type Target struct {
	ID           string  `json:"panoid"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	CaptureYear  *int    `json:"year,omitempty"`
	CaptureMonth *int    `json:"month,omitempty"`

	// Set when the input wrote the coordinate as an integer literal.
	latInt, lonInt bool
}

// UnmarshalJSON remembers which coordinates were integer literals so the
// artifact name keeps their integer spelling.
func (t *Target) UnmarshalJSON(data []byte) error {
	var raw struct {
		ID           string      `json:"panoid"`
		Lat          json.Number `json:"lat"`
		Lon          json.Number `json:"lon"`
		CaptureYear  *int        `json:"year"`
		CaptureMonth *int        `json:"month"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	lat, latInt, err := parseCoord(raw.Lat)
	if err != nil {
		return fmt.Errorf("lat: %w", err)
	}
	lon, lonInt, err := parseCoord(raw.Lon)
	if err != nil {
		return fmt.Errorf("lon: %w", err)
	}
	*t = Target{
		ID:           raw.ID,
		Lat:          lat,
		Lon:          lon,
		CaptureYear:  raw.CaptureYear,
		CaptureMonth: raw.CaptureMonth,
		latInt:       latInt,
		lonInt:       lonInt,
	}
	return nil
}

func parseCoord(n json.Number) (float64, bool, error) {
	if n == "" {
		return 0, false, nil
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false, err
	}
	return f, !strings.ContainsAny(string(n), ".eE"), nil
}

// ArtifactName returns the deterministic file name of the stitched panorama:
// {lat}_{lon}_{id}.jpg.
func (t Target) ArtifactName() string {
	return fmt.Sprintf("%s_%s_%s.jpg", formatCoord(t.Lat, t.latInt), formatCoord(t.Lon, t.lonInt), t.ID)
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return fmt.Sprintf("%s (%s, %s)", t.ID, formatCoord(t.Lat, t.latInt), formatCoord(t.Lon, t.lonInt))
}

// formatCoord renders a coordinate the way names were written by earlier
// tooling: integer literals as integers, other values in their shortest
// form with a trailing ".0" when integral and exponent notation below 1e-4
// or from 1e16 on.
func formatCoord(f float64, integer bool) string {
	if integer && f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return strconv.FormatInt(int64(f), 10)
	}
	if f != 0 {
		e := strconv.FormatFloat(f, 'e', -1, 64)
		if i := strings.IndexByte(e, 'e'); i >= 0 {
			if exp, err := strconv.Atoi(e[i+1:]); err == nil && (exp < -4 || exp >= 16) {
				return e
			}
		}
	}
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsAny(s, ".eEn") {
		s += ".0"
	}
	return s
}

// validID reports whether id is usable as a single path element and a flat
// object key.
func validID(id string) bool {
	switch id {
	case "", ".", "..":
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}

// Discover returns the single file in dir matching pattern.
func Discover(dir, pattern string) (string, error) {
	if pattern == "" {
		pattern = DefaultGlob
	}
	matches, err := filepath.Glob(filepath.Join(dir, pattern))
	if err != nil {
		return "", fmt.Errorf("target: glob %q: %w", pattern, err)
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNoInput, pattern)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("%w: %s", ErrMultipleInputs, strings.Join(matches, ", "))
	}
}

// LoadFile reads an ordered list of targets from a JSON array.
func LoadFile(path string) ([]Target, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("target: read %s: %w", path, err)
	}

	var targets []Target
	if err := json.Unmarshal(data, &targets); err != nil {
		return nil, fmt.Errorf("target: parse %s: %w", path, err)
	}

	seen := make(map[string]int, len(targets))
	for i, t := range targets {
		if t.ID == "" {
			return nil, fmt.Errorf("target: entry %d has no panoid", i)
		}
		if !validID(t.ID) {
			return nil, fmt.Errorf("%w %q at entry %d", ErrInvalidID, t.ID, i)
		}
		if j, ok := seen[t.ID]; ok {
			return nil, fmt.Errorf("target: duplicate panoid %q at entries %d and %d", t.ID, j, i)
		}
		seen[t.ID] = i
	}
	return targets, nil
}
