package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/target"
	"github.com/Rypsor/Streetview-panorama-scraping/pkg/streetview"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "PANOSCRAPE_"

// Config defines configuration for the panoscrape CLI.
type Config struct {
	// BasePath is the root of the default tiles and output directories.
	BasePath string `yaml:"base_path"`

	// TilesDir defaults to <base>/tiles.
	TilesDir string `yaml:"tiles_dir"`

	// Output is a bucket URL or local path. Default: <base>/panoramas
	Output string `yaml:"output"`

	// Input names the target file explicitly; otherwise InputGlob is
	// matched in BasePath.
	Input     string `yaml:"input"`
	InputGlob string `yaml:"input_glob"`

	WindowSize      int  `yaml:"window_size"`
	PoolSize        int  `yaml:"pool_size"`
	Jobs            int  `yaml:"jobs"`
	KeepFailedTiles bool `yaml:"keep_failed_tiles"`
	ReuseTiles      bool `yaml:"reuse_tiles"`
	RevisitFailed   bool `yaml:"revisit_failed"`

	Retry   RetryConfig   `yaml:"retry"`
	HTTP    HTTPConfig    `yaml:"http"`
	Layout  LayoutConfig  `yaml:"layout"`
	Stitch  StitchConfig  `yaml:"stitch"`
	Log     LogConfig     `yaml:"log"`
	Tracing TracingConfig `yaml:"tracing"`

	MetricsAddr string `yaml:"metrics_addr"`
	JournalPath string `yaml:"journal_path"`
	SentryDSN   string `yaml:"sentry_dsn"`
}

// RetryConfig defines retry behavior. Attempts is the total attempt count.
type RetryConfig struct {
	Attempts int           `yaml:"attempts"`
	Backoff  time.Duration `yaml:"backoff"`
}

type HTTPConfig struct {
	Timeout time.Duration `yaml:"timeout"`

	// CAFile is a PEM bundle trusted in addition to the system roots.
	CAFile string `yaml:"ca_file"`
}

// LayoutConfig describes the tile grid of the source.
type LayoutConfig struct {
	TileURL string `yaml:"tile_url"`
	Zoom    int    `yaml:"zoom"`
	Cols    int    `yaml:"cols"`
	Rows    int    `yaml:"rows"`
}

type StitchConfig struct {
	Quality int `yaml:"quality"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// Default returns a Config with sensible defaults.
func Default() Config {
	layout := streetview.DefaultLayout()
	return Config{
		BasePath:        ".",
		InputGlob:       target.DefaultGlob,
		WindowSize:      100,
		PoolSize:        10,
		Jobs:            1,
		KeepFailedTiles: true,
		ReuseTiles:      true,
		RevisitFailed:   true,
		Retry: RetryConfig{
			Attempts: 3,
			Backoff:  time.Second,
		},
		HTTP: HTTPConfig{Timeout: 30 * time.Second},
		Layout: LayoutConfig{
			TileURL: layout.TileURL,
			Zoom:    layout.Zoom,
			Cols:    layout.Cols,
			Rows:    layout.Rows,
		},
		Stitch: StitchConfig{Quality: streetview.DefaultQuality},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

// TilesPath returns the working set root.
func (c Config) TilesPath() string {
	if c.TilesDir != "" {
		return c.TilesDir
	}
	return filepath.Join(c.BasePath, "tiles")
}

// OutputURL returns the output bucket URL or path.
func (c Config) OutputURL() string {
	if c.Output != "" {
		return c.Output
	}
	return filepath.Join(c.BasePath, "panoramas")
}

// StreetviewLayout returns the configured tile layout.
func (c Config) StreetviewLayout() streetview.Layout {
	return streetview.Layout{
		TileURL: c.Layout.TileURL,
		Zoom:    c.Layout.Zoom,
		Cols:    c.Layout.Cols,
		Rows:    c.Layout.Rows,
	}
}

// yamlConfig is used for YAML unmarshaling with string durations and
// optional booleans.
type yamlConfig struct {
	BasePath        string            `yaml:"base_path"`
	TilesDir        string            `yaml:"tiles_dir"`
	Output          string            `yaml:"output"`
	Input           string            `yaml:"input"`
	InputGlob       string            `yaml:"input_glob"`
	WindowSize      int               `yaml:"window_size"`
	PoolSize        int               `yaml:"pool_size"`
	Jobs            int               `yaml:"jobs"`
	KeepFailedTiles *bool             `yaml:"keep_failed_tiles"`
	ReuseTiles      *bool             `yaml:"reuse_tiles"`
	RevisitFailed   *bool             `yaml:"revisit_failed"`
	Retry           yamlRetryConfig   `yaml:"retry"`
	HTTP            yamlHTTPConfig    `yaml:"http"`
	Layout          LayoutConfig      `yaml:"layout"`
	Stitch          StitchConfig      `yaml:"stitch"`
	Log             LogConfig         `yaml:"log"`
	Tracing         yamlTracingConfig `yaml:"tracing"`
	MetricsAddr     string            `yaml:"metrics_addr"`
	JournalPath     string            `yaml:"journal_path"`
	SentryDSN       string            `yaml:"sentry_dsn"`
}

type yamlRetryConfig struct {
	Attempts int    `yaml:"attempts"`
	Backoff  string `yaml:"backoff"`
}

type yamlHTTPConfig struct {
	Timeout string `yaml:"timeout"`
	CAFile  string `yaml:"ca_file"`
}

type yamlTracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoadFromFile loads configuration from a YAML file. Keys absent from the
// file keep their default.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	override := Config{
		BasePath:    yc.BasePath,
		TilesDir:    yc.TilesDir,
		Output:      yc.Output,
		Input:       yc.Input,
		InputGlob:   yc.InputGlob,
		WindowSize:  yc.WindowSize,
		PoolSize:    yc.PoolSize,
		Jobs:        yc.Jobs,
		Retry:       RetryConfig{Attempts: yc.Retry.Attempts},
		HTTP:        HTTPConfig{CAFile: yc.HTTP.CAFile},
		Layout:      yc.Layout,
		Stitch:      yc.Stitch,
		Log:         yc.Log,
		MetricsAddr: yc.MetricsAddr,
		JournalPath: yc.JournalPath,
		SentryDSN:   yc.SentryDSN,
		Tracing: TracingConfig{
			Enabled:     yc.Tracing.Enabled,
			Endpoint:    yc.Tracing.Endpoint,
			Insecure:    yc.Tracing.Insecure,
			SampleRatio: yc.Tracing.SampleRatio,
		},
	}
	if yc.Retry.Backoff != "" {
		d, err := time.ParseDuration(yc.Retry.Backoff)
		if err != nil {
			return Config{}, fmt.Errorf("parse retry.backoff: %w", err)
		}
		override.Retry.Backoff = d
	}
	if yc.HTTP.Timeout != "" {
		d, err := time.ParseDuration(yc.HTTP.Timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse http.timeout: %w", err)
		}
		override.HTTP.Timeout = d
	}

	cfg := Default().Merge(override)

	// Booleans that default to true can only be switched off explicitly.
	if yc.KeepFailedTiles != nil {
		cfg.KeepFailedTiles = *yc.KeepFailedTiles
	}
	if yc.ReuseTiles != nil {
		cfg.ReuseTiles = *yc.ReuseTiles
	}
	if yc.RevisitFailed != nil {
		cfg.RevisitFailed = *yc.RevisitFailed
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the PANOSCRAPE_ prefix; LOG_LEVEL and
// SENTRY_DSN are honored when the prefixed variables are unset.
func (c *Config) LoadFromEnv() error {
	strs := []struct {
		key string
		dst *string
	}{
		{"BASE_PATH", &c.BasePath},
		{"TILES_DIR", &c.TilesDir},
		{"OUTPUT", &c.Output},
		{"INPUT", &c.Input},
		{"INPUT_GLOB", &c.InputGlob},
		{"TILE_URL", &c.Layout.TileURL},
		{"HTTP_CA_FILE", &c.HTTP.CAFile},
		{"LOG_LEVEL", &c.Log.Level},
		{"LOG_FORMAT", &c.Log.Format},
		{"METRICS_ADDR", &c.MetricsAddr},
		{"JOURNAL_PATH", &c.JournalPath},
		{"SENTRY_DSN", &c.SentryDSN},
		{"TRACING_ENDPOINT", &c.Tracing.Endpoint},
	}
	for _, s := range strs {
		if v := os.Getenv(EnvPrefix + s.key); v != "" {
			*s.dst = v
		}
	}
	if os.Getenv(EnvPrefix+"LOG_LEVEL") == "" {
		if v := os.Getenv("LOG_LEVEL"); v != "" {
			c.Log.Level = v
		}
	}
	if os.Getenv(EnvPrefix+"SENTRY_DSN") == "" {
		if v := os.Getenv("SENTRY_DSN"); v != "" {
			c.SentryDSN = v
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"WINDOW_SIZE", &c.WindowSize},
		{"POOL_SIZE", &c.PoolSize},
		{"JOBS", &c.Jobs},
		{"RETRY_ATTEMPTS", &c.Retry.Attempts},
		{"ZOOM", &c.Layout.Zoom},
		{"COLS", &c.Layout.Cols},
		{"ROWS", &c.Layout.Rows},
		{"STITCH_QUALITY", &c.Stitch.Quality},
	}
	for _, i := range ints {
		if v := os.Getenv(EnvPrefix + i.key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, i.key, err)
			}
			*i.dst = n
		}
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"RETRY_BACKOFF", &c.Retry.Backoff},
		{"HTTP_TIMEOUT", &c.HTTP.Timeout},
	}
	for _, d := range durations {
		if v := os.Getenv(EnvPrefix + d.key); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s%s: %w", EnvPrefix, d.key, err)
			}
			*d.dst = dur
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"KEEP_FAILED_TILES", &c.KeepFailedTiles},
		{"REUSE_TILES", &c.ReuseTiles},
		{"REVISIT_FAILED", &c.RevisitFailed},
		{"TRACING_ENABLED", &c.Tracing.Enabled},
		{"TRACING_INSECURE", &c.Tracing.Insecure},
	}
	for _, b := range bools {
		if v := os.Getenv(EnvPrefix + b.key); v != "" {
			*b.dst = v == "true" || v == "1"
		}
	}

	if v := os.Getenv(EnvPrefix + "TRACING_SAMPLE_RATIO"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse %sTRACING_SAMPLE_RATIO: %w", EnvPrefix, err)
		}
		c.Tracing.SampleRatio = f
	}

	return nil
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.WindowSize <= 0 {
		return errors.New("config: window_size must be positive")
	}
	if c.PoolSize <= 0 {
		return errors.New("config: pool_size must be positive")
	}
	if c.Jobs <= 0 {
		return errors.New("config: jobs must be positive")
	}
	if c.Retry.Attempts <= 0 {
		return errors.New("config: retry.attempts must be positive")
	}
	if c.Retry.Backoff < 0 {
		return errors.New("config: retry.backoff must not be negative")
	}
	if c.HTTP.Timeout <= 0 {
		return errors.New("config: http.timeout must be positive")
	}
	if c.Layout.Cols <= 0 || c.Layout.Rows <= 0 {
		return errors.New("config: layout.cols and layout.rows must be positive")
	}
	if c.Layout.Zoom < 0 {
		return errors.New("config: layout.zoom must not be negative")
	}
	if c.Stitch.Quality < 1 || c.Stitch.Quality > 100 {
		return errors.New("config: stitch.quality must be between 1 and 100")
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log.format %q", c.Log.Format)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("config: tracing.sample_ratio must be between 0 and 1")
	}
	if c.Input == "" && c.InputGlob == "" {
		return errors.New("config: input or input_glob is required")
	}
	return nil
}

// Merge merges override values into c, returning a new Config.
// Zero values in override are ignored, so booleans can only be switched on.
func (c Config) Merge(override Config) Config {
	mergeString(&c.BasePath, override.BasePath)
	mergeString(&c.TilesDir, override.TilesDir)
	mergeString(&c.Output, override.Output)
	mergeString(&c.Input, override.Input)
	mergeString(&c.InputGlob, override.InputGlob)
	mergeString(&c.Layout.TileURL, override.Layout.TileURL)
	mergeString(&c.HTTP.CAFile, override.HTTP.CAFile)
	mergeString(&c.Log.Level, override.Log.Level)
	mergeString(&c.Log.Format, override.Log.Format)
	mergeString(&c.MetricsAddr, override.MetricsAddr)
	mergeString(&c.JournalPath, override.JournalPath)
	mergeString(&c.SentryDSN, override.SentryDSN)
	mergeString(&c.Tracing.Endpoint, override.Tracing.Endpoint)

	mergeInt(&c.WindowSize, override.WindowSize)
	mergeInt(&c.PoolSize, override.PoolSize)
	mergeInt(&c.Jobs, override.Jobs)
	mergeInt(&c.Retry.Attempts, override.Retry.Attempts)
	mergeInt(&c.Layout.Zoom, override.Layout.Zoom)
	mergeInt(&c.Layout.Cols, override.Layout.Cols)
	mergeInt(&c.Layout.Rows, override.Layout.Rows)
	mergeInt(&c.Stitch.Quality, override.Stitch.Quality)

	if override.Retry.Backoff != 0 {
		c.Retry.Backoff = override.Retry.Backoff
	}
	if override.HTTP.Timeout != 0 {
		c.HTTP.Timeout = override.HTTP.Timeout
	}
	if override.Tracing.SampleRatio != 0 {
		c.Tracing.SampleRatio = override.Tracing.SampleRatio
	}

	if override.KeepFailedTiles {
		c.KeepFailedTiles = true
	}
	if override.ReuseTiles {
		c.ReuseTiles = true
	}
	if override.RevisitFailed {
		c.RevisitFailed = true
	}
	if override.Tracing.Enabled {
		c.Tracing.Enabled = true
	}
	if override.Tracing.Insecure {
		c.Tracing.Insecure = true
	}
	return c
}

func mergeString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func mergeInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}
