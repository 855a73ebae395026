package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/memblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/term"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/config"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/fetcher"
	phttp "github.com/Rypsor/Streetview-panorama-scraping/internal/http"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/index"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/job"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/journal"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/logging"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/metrics"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/progress"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/scheduler"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/target"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/tracing"
	"github.com/Rypsor/Streetview-panorama-scraping/pkg/streetview"
)

type runFlags struct {
	windowSize    int
	poolSize      int
	jobs          int
	retryAttempts int
	retryBackoff  time.Duration
	timeout       time.Duration
	keepFailed    bool
	reuseTiles    bool
	revisitFailed bool
	tileURL       string
	zoom          int
	cols          int
	rows          int
	quality       int
	caFile        string
	metricsAddr   string
	sentryDSN     string
	noProgress    bool
}

func newRunCmd(g *globalFlags) *cobra.Command {
	var rf runFlags
	def := config.Default()

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Acquire every pending panorama (default command)",
		Long: `Acquire every pending panorama in the targets file.

Targets are processed in windows of --window-size. Panoramas whose output
already exists are skipped, so an interrupted run resumes where it stopped.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPipeline(cmd, g, &rf)
		},
	}

	f := cmd.Flags()
	f.IntVarP(&rf.windowSize, "window-size", "w", def.WindowSize, "Number of targets per window")
	f.IntVarP(&rf.poolSize, "pool-size", "p", def.PoolSize, "Maximum concurrent tile requests")
	f.IntVarP(&rf.jobs, "jobs", "j", def.Jobs, "Panoramas processed concurrently within a window")
	f.IntVar(&rf.retryAttempts, "retry-attempts", def.Retry.Attempts, "Total attempts per tile")
	f.DurationVar(&rf.retryBackoff, "retry-backoff", def.Retry.Backoff, "Delay between tile attempts")
	f.DurationVar(&rf.timeout, "timeout", def.HTTP.Timeout, "Timeout per tile request")
	f.BoolVar(&rf.keepFailed, "keep-failed-tiles", def.KeepFailedTiles, "Keep the tiles of failed panoramas")
	f.BoolVar(&rf.reuseTiles, "reuse-tiles", def.ReuseTiles, "Reuse tiles left by an earlier attempt")
	f.BoolVar(&rf.revisitFailed, "revisit-failed", def.RevisitFailed, "Retry failed panoramas of earlier windows")
	f.StringVar(&rf.tileURL, "tile-url", def.Layout.TileURL, "Tile URL template")
	f.IntVar(&rf.zoom, "zoom", def.Layout.Zoom, "Tile zoom level")
	f.IntVar(&rf.cols, "cols", def.Layout.Cols, "Tile columns at the zoom level")
	f.IntVar(&rf.rows, "rows", def.Layout.Rows, "Tile rows at the zoom level")
	f.IntVar(&rf.quality, "quality", def.Stitch.Quality, "JPEG quality of stitched panoramas")
	f.StringVar(&rf.caFile, "ca-file", "", "Additional trusted CA certificates (PEM)")
	f.StringVar(&rf.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	f.StringVar(&rf.sentryDSN, "sentry-dsn", "", "Report errors to Sentry")
	f.BoolVar(&rf.noProgress, "no-progress", false, "Disable progress bars")

	return cmd
}

// apply overrides cfg with the flags changed on cmd.
func (rf *runFlags) apply(cmd *cobra.Command) func(config.Config) config.Config {
	return func(cfg config.Config) config.Config {
		flags := cmd.Flags()
		var o config.Config
		if flags.Changed("window-size") {
			o.WindowSize = rf.windowSize
		}
		if flags.Changed("pool-size") {
			o.PoolSize = rf.poolSize
		}
		if flags.Changed("jobs") {
			o.Jobs = rf.jobs
		}
		if flags.Changed("retry-attempts") {
			o.Retry.Attempts = rf.retryAttempts
		}
		if flags.Changed("retry-backoff") {
			o.Retry.Backoff = rf.retryBackoff
		}
		if flags.Changed("timeout") {
			o.HTTP.Timeout = rf.timeout
		}
		if flags.Changed("tile-url") {
			o.Layout.TileURL = rf.tileURL
		}
		if flags.Changed("zoom") {
			o.Layout.Zoom = rf.zoom
		}
		if flags.Changed("cols") {
			o.Layout.Cols = rf.cols
		}
		if flags.Changed("rows") {
			o.Layout.Rows = rf.rows
		}
		if flags.Changed("quality") {
			o.Stitch.Quality = rf.quality
		}
		if flags.Changed("ca-file") {
			o.HTTP.CAFile = rf.caFile
		}
		if flags.Changed("metrics-addr") {
			o.MetricsAddr = rf.metricsAddr
		}
		if flags.Changed("sentry-dsn") {
			o.SentryDSN = rf.sentryDSN
		}
		cfg = cfg.Merge(o)

		// Merge ignores zero values; these flags apply them as given.
		if flags.Changed("retry-backoff") {
			cfg.Retry.Backoff = rf.retryBackoff
		}
		if flags.Changed("zoom") {
			cfg.Layout.Zoom = rf.zoom
		}
		if flags.Changed("window-size") {
			cfg.WindowSize = rf.windowSize
		}
		if flags.Changed("keep-failed-tiles") {
			cfg.KeepFailedTiles = rf.keepFailed
		}
		if flags.Changed("reuse-tiles") {
			cfg.ReuseTiles = rf.reuseTiles
		}
		if flags.Changed("revisit-failed") {
			cfg.RevisitFailed = rf.revisitFailed
		}
		return cfg
	}
}

func runPipeline(cmd *cobra.Command, g *globalFlags, rf *runFlags) error {
	cfg, err := loadConfig(cmd, g, rf.apply(cmd))
	if err != nil {
		return err
	}

	runID := uuid.NewString()
	logger, err := logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cmd.ErrOrStderr(),
	})
	if err != nil {
		return fail(ExitInvalidArgs, "%v", err)
	}
	log := logger.WithField("run_id", runID)

	if cfg.SentryDSN != "" {
		hub, err := logging.NewSentryHub(sentry.ClientOptions{
			Dsn:              cfg.SentryDSN,
			Release:          version,
			AttachStacktrace: true,
		}, runID)
		if err != nil {
			log.WithError(err).Warn("Sentry disabled")
		} else {
			logger.AddHook(logging.NewSentryHook(hub))
			defer hub.Flush(2 * time.Second)
		}
	}

	// Setup context with cancellation
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Handle signals for graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			log.Warn("Received interrupt, finishing in-flight cleanup...")
			cancel()
		case <-ctx.Done():
		}
	}()

	shutdownTracing, err := tracing.Setup(ctx, tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		OTLPInsecure: cfg.Tracing.Insecure,
		SampleRatio:  cfg.Tracing.SampleRatio,
	}, log)
	if err != nil {
		return fail(ExitGeneralError, "tracing: %v", err)
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		if err := shutdownTracing(sctx); err != nil {
			log.WithError(err).Warn("Failed to flush traces")
		}
	}()

	targets, inputPath, err := loadTargets(cfg)
	if err != nil {
		return err
	}
	log.Infof("Loaded %d targets from %s", len(targets), inputPath)

	bucket, err := openOutput(ctx, cfg)
	if err != nil {
		return err
	}
	defer bucket.Close()

	if err := os.MkdirAll(cfg.TilesPath(), 0o755); err != nil {
		return fail(ExitStorageError, "create tiles directory: %v", err)
	}

	httpOpts := phttp.Options{
		PoolSize:      cfg.PoolSize,
		Timeout:       cfg.HTTP.Timeout,
		RetryAttempts: cfg.Retry.Attempts,
		RetryBackoff:  cfg.Retry.Backoff,
	}
	if cfg.HTTP.CAFile != "" {
		pool, err := phttp.LoadCertPool(cfg.HTTP.CAFile)
		if err != nil {
			return fail(ExitInvalidArgs, "%v", err)
		}
		httpOpts.RootCAs = pool
	}

	reporter := progress.NewReporter(progress.Options{
		Output: cmd.ErrOrStderr(),
		Bars:   !rf.noProgress && isTerminal(cmd.ErrOrStderr()),
		Logger: log,
	})
	observers := []progress.Observer{reporter}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector, err := metrics.NewCollector(reg)
		if err != nil {
			return fail(ExitGeneralError, "metrics: %v", err)
		}
		observers = append(observers, collector)
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, reg); err != nil {
				log.WithError(err).Error("Metrics server failed")
			}
		}()
		log.Infof("Serving metrics on %s/metrics", cfg.MetricsAddr)
	}

	if cfg.JournalPath != "" {
		j, err := journal.Open(cfg.JournalPath, log)
		if err != nil {
			return fail(ExitStorageError, "%v", err)
		}
		defer j.Close()
		observers = append(observers, j)
	}
	observer := progress.Multi(observers...)

	client := phttp.NewClient(httpOpts)
	panoJob := job.New(bucket,
		cfg.StreetviewLayout(),
		fetcher.New(client, fetcher.Options{ReuseExisting: cfg.ReuseTiles}),
		streetview.Stitcher{Quality: cfg.Stitch.Quality},
		job.Options{
			TilesDir:        cfg.TilesPath(),
			Workers:         cfg.PoolSize,
			KeepFailedTiles: cfg.KeepFailedTiles,
			Observer:        observer,
			Logger:          log,
		},
	)
	sched := scheduler.New(panoJob, index.New(bucket), scheduler.Options{
		Jobs:          cfg.Jobs,
		RevisitFailed: cfg.RevisitFailed,
		Observer:      observer,
		Logger:        log,
	})

	sum, err := sched.Run(ctx, targets, cfg.WindowSize)
	reporter.Summary()

	if err != nil {
		if errors.Is(err, context.Canceled) || ctx.Err() != nil {
			log.Warn("Run interrupted, partial output removed. Re-run to resume.")
			return &exitError{code: ExitInterrupted}
		}
		return fail(ExitGeneralError, "%v", err)
	}

	printSummary(cmd.OutOrStdout(), sum)
	return nil
}

func printSummary(w io.Writer, sum scheduler.Summary) {
	ok := color.New(color.FgGreen, color.Bold).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()

	fmt.Fprintf(w, "%s %d acquired, %d already complete, %d skipped\n",
		ok("[DONE]"), sum.Succeeded, sum.AlreadyDone, sum.Skipped)
	if sum.Failed > 0 {
		fmt.Fprintf(w, "%s %d failed in %d window(s); re-run to retry them\n", bad("[FAILED]"), sum.Failed, sum.Windows)
	}
}

// loadTargets reads the explicit input file or discovers it in the base path.
func loadTargets(cfg config.Config) ([]target.Target, string, error) {
	path := cfg.Input
	if path == "" {
		var err error
		path, err = target.Discover(cfg.BasePath, cfg.InputGlob)
		if err != nil {
			return nil, "", fail(ExitInputError, "%v", err)
		}
	}
	targets, err := target.LoadFile(path)
	if err != nil {
		return nil, "", fail(ExitInputError, "%v", err)
	}
	return targets, path, nil
}

func openOutput(ctx context.Context, cfg config.Config) (*blob.Bucket, error) {
	bucket, err := index.OpenBucket(ctx, cfg.OutputURL())
	if err != nil {
		return nil, fail(ExitStorageError, "%v", err)
	}
	return bucket, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

// newLogger builds the logger for the read-only commands.
func newLogger(cfg config.Config, w io.Writer) (*logrus.Logger, error) {
	logger, err := logging.New(logging.Options{Level: cfg.Log.Level, Format: cfg.Log.Format, Output: w})
	if err != nil {
		return nil, fail(ExitInvalidArgs, "%v", err)
	}
	return logger, nil
}
