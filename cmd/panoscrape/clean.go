package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/index"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/job"
	"github.com/Rypsor/Streetview-panorama-scraping/internal/progress"
)

func newCleanCmd(g *globalFlags) *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove leftover tiles of panoramas that are already complete",
		Long: `Remove leftover tile directories of panoramas whose output exists.

Tiles of incomplete panoramas are kept so a later run can reuse them.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClean(cmd, g, dryRun)
		},
	}
	cmd.Flags().BoolVarP(&dryRun, "dry-run", "n", false, "Only list what would be removed")
	return cmd
}

func runClean(cmd *cobra.Command, g *globalFlags, dryRun bool) error {
	cfg, err := loadConfig(cmd, g, nil)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	targets, _, err := loadTargets(cfg)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	bucket, err := openOutput(ctx, cfg)
	if err != nil {
		return err
	}
	defer bucket.Close()

	idx := index.New(bucket)
	out := cmd.OutOrStdout()
	removed := 0
	var freed int64
	for _, t := range targets {
		dir := job.WorkingSetPath(cfg.TilesPath(), t)
		if _, err := os.Stat(dir); err != nil {
			continue
		}

		done, err := idx.IsDone(ctx, t)
		if err != nil {
			return fail(ExitStorageError, "%v", err)
		}
		if !done {
			continue
		}

		size := dirSize(dir)
		if dryRun {
			fmt.Fprintln(out, "would remove", dir)
			removed++
			freed += size
			continue
		}
		if err := os.RemoveAll(dir); err != nil {
			log.WithField("target", t.ID).WithError(err).Warn("Failed to remove working set")
			continue
		}
		log.WithField("target", t.ID).Debugf("Removed %s", dir)
		removed++
		freed += size
	}

	verb := "Removed"
	if dryRun {
		verb = "Would remove"
	}
	fmt.Fprintf(out, "%s %s %d working set(s), %s\n",
		color.New(color.FgGreen, color.Bold).Sprint("[OK]"), verb, removed, progress.FormatBytes(freed))
	return nil
}

// dirSize sums the sizes of the regular files under dir.
func dirSize(dir string) int64 {
	var n int64
	filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.Type().IsRegular() {
			if fi, err := d.Info(); err == nil {
				n += fi.Size()
			}
		}
		return nil
	})
	return n
}
