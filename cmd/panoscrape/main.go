package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/Rypsor/Streetview-panorama-scraping/internal/config"
)

// Exit codes
const (
	ExitSuccess      = 0
	ExitGeneralError = 1
	ExitInvalidArgs  = 2
	ExitInputError   = 3
	ExitStorageError = 5
	ExitInterrupted  = 130
)

var version = "dev"

// exitError carries an exit code out of a cobra command. A nil err means
// the condition was already reported.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error {
	return e.err
}

func fail(code int, format string, args ...any) error {
	return &exitError{code: code, err: fmt.Errorf(format, args...)}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	return execute(args, os.Stdout, os.Stderr)
}

// execute runs the CLI with args and returns the process exit code.
// Without a subcommand, run is assumed.
func execute(args []string, stdout, stderr io.Writer) int {
	if defaultsToRun(args) {
		args = append([]string{"run"}, args...)
	}

	root := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return ExitSuccess
	}

	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintln(stderr, color.New(color.FgRed, color.Bold).Sprint("Error:"), ee.err)
		}
		return ee.code
	}

	// Flag and argument errors from cobra
	fmt.Fprintln(stderr, color.New(color.FgRed, color.Bold).Sprint("Error:"), err)
	return ExitInvalidArgs
}

func defaultsToRun(args []string) bool {
	if len(args) == 0 {
		return true
	}
	switch args[0] {
	case "-h", "--help", "help", "--version", "-v":
		return false
	}
	return strings.HasPrefix(args[0], "-")
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	basePath   string
	output     string
	tilesDir   string
	input      string
	inputGlob  string
	journal    string
	logLevel   string
	logFormat  string
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	def := config.Default()

	root := &cobra.Command{
		Use:     "panoscrape",
		Short:   "Acquire and stitch Street View panoramas",
		Long:    "panoscrape downloads the tiles of every panorama listed in a targets file, stitches them and stores the result. Re-running skips panoramas that already exist.",
		Version: version,
	}
	root.SilenceUsage = true
	root.SilenceErrors = true

	pf := root.PersistentFlags()
	pf.StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	pf.StringVar(&g.basePath, "base-path", def.BasePath, "Base directory for input, tiles and panoramas")
	pf.StringVarP(&g.output, "output", "o", "", "Output bucket URL or directory (default <base>/panoramas)")
	pf.StringVar(&g.tilesDir, "tiles-dir", "", "Tile working directory (default <base>/tiles)")
	pf.StringVarP(&g.input, "input", "i", "", "Targets JSON file (default: discover in base path)")
	pf.StringVar(&g.inputGlob, "input-glob", def.InputGlob, "Pattern used to discover the targets file")
	pf.StringVar(&g.journal, "journal", "", "Failure journal directory")
	pf.StringVar(&g.logLevel, "log-level", def.Log.Level, "Log level (debug, info, warn, error)")
	pf.StringVar(&g.logFormat, "log-format", def.Log.Format, "Log format (text, json)")

	root.AddCommand(newRunCmd(&g))
	root.AddCommand(newStatusCmd(&g))
	root.AddCommand(newCleanCmd(&g))
	return root
}

// loadConfig resolves defaults, the config file, the environment and the
// flags changed on cmd, in that order of precedence.
func loadConfig(cmd *cobra.Command, g *globalFlags, apply func(config.Config) config.Config) (config.Config, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(g.configPath)
		if err != nil {
			return config.Config{}, fail(ExitInvalidArgs, "%v", err)
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return config.Config{}, fail(ExitInvalidArgs, "%v", err)
	}

	flags := cmd.Flags()
	var override config.Config
	if flags.Changed("base-path") {
		override.BasePath = g.basePath
	}
	if flags.Changed("output") {
		override.Output = g.output
	}
	if flags.Changed("tiles-dir") {
		override.TilesDir = g.tilesDir
	}
	if flags.Changed("input") {
		override.Input = g.input
	}
	if flags.Changed("input-glob") {
		override.InputGlob = g.inputGlob
	}
	if flags.Changed("journal") {
		override.JournalPath = g.journal
	}
	if flags.Changed("log-level") {
		override.Log.Level = g.logLevel
	}
	if flags.Changed("log-format") {
		override.Log.Format = g.logFormat
	}
	cfg = cfg.Merge(override)

	if apply != nil {
		cfg = apply(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fail(ExitInvalidArgs, "%v", err)
	}
	return cfg, nil
}
