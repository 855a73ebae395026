package main

import (
	"fmt"
	"os"
	"time"

	"github.com/briandowns/spinner"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/index"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/journal"
)

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show how many panoramas are complete and which ones failed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(cmd, g)
		},
	}
}

func runStatus(cmd *cobra.Command, g *globalFlags) error {
	cfg, err := loadConfig(cmd, g, nil)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	targets, inputPath, err := loadTargets(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	bucket, err := openOutput(ctx, cfg)
	if err != nil {
		return err
	}
	defer bucket.Close()

	var spin *spinner.Spinner
	if isTerminal(cmd.ErrOrStderr()) {
		spin = spinner.New(spinner.CharSets[14], 120*time.Millisecond, spinner.WithWriter(cmd.ErrOrStderr()))
		spin.Suffix = " Scanning output store..."
		spin.Start()
	}
	done, err := index.New(bucket).Count(ctx, targets)
	if spin != nil {
		spin.Stop()
	}
	if err != nil {
		return fail(ExitStorageError, "%v", err)
	}

	title := color.New(color.FgHiCyan, color.Bold).SprintFunc()
	ok := color.New(color.FgGreen, color.Bold).SprintFunc()
	warn := color.New(color.FgYellow).SprintFunc()
	bad := color.New(color.FgRed, color.Bold).SprintFunc()
	dim := color.New(color.FgHiBlack).SprintFunc()

	out := cmd.OutOrStdout()
	pct := 0.0
	if len(targets) > 0 {
		pct = float64(done) * 100 / float64(len(targets))
	}
	fmt.Fprintln(out, title("Targets:"), inputPath)
	fmt.Fprintf(out, "  %s %d / %d (%.1f%%)\n", ok("Complete:"), done, len(targets), pct)
	fmt.Fprintf(out, "  %s %d\n", warn("Pending: "), len(targets)-done)

	if cfg.JournalPath == "" {
		return nil
	}
	if _, err := os.Stat(cfg.JournalPath); os.IsNotExist(err) {
		return nil
	}

	j, err := journal.Open(cfg.JournalPath, log)
	if err != nil {
		// The journal is locked while a run is in progress.
		log.WithError(err).Warn("Failure journal unavailable")
		return nil
	}
	defer j.Close()

	entries, err := j.List()
	if err != nil {
		return fail(ExitStorageError, "%v", err)
	}
	fmt.Fprintf(out, "  %s %d\n", bad("Failed:  "), len(entries))
	for _, e := range entries {
		fmt.Fprintf(out, "    %s  %s  %s\n", e.Target, e.Reason,
			dim(fmt.Sprintf("%dx, last %s", e.Failures, e.Last.Format(time.RFC3339))))
	}
	return nil
}
