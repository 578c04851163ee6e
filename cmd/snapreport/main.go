package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zk/snapreport/internal/config"
	"github.com/zk/snapreport/internal/logger"
	"github.com/zk/snapreport/internal/metrics"
	"github.com/zk/snapreport/internal/orchestrator"
)

var (
	version = "0.1.0"
	commit  = "unknown"
	date    = "unknown"
)

// exitError carries the exit code of the wrapped test command
type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("test command exited with code %d", e.code)
}

func main() {
	err := newRootCmd(os.Stdout, os.Stderr).Execute()

	var exit *exitError
	if errors.As(err, &exit) {
		os.Exit(exit.code)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app holds what every subcommand needs once the configuration is loaded
type app struct {
	configPath string
	cfg        *config.Config
	log        *logger.FileLogger
	metrics    *metrics.Metrics
	stdout     io.Writer
	stderr     io.Writer
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg

	a.log, err = logger.NewFileLogger(logger.Options{
		Dir:    orchestrator.DefaultBaseDir,
		Level:  cfg.LogLevel,
		Stderr: a.stderr,
	})
	if err != nil {
		return fmt.Errorf("failed to create debug logger: %w", err)
	}
	a.metrics = metrics.New()
	a.log.Debug("Running %s with config %+v", cmd.CommandPath(), *cfg)
	return nil
}

func (a *app) teardown(_ *cobra.Command, _ []string) error {
	if a.log == nil {
		return nil
	}
	if err := a.log.Close(); err != nil {
		fmt.Fprintf(a.stderr, "Warning: failed to close debug log: %v\n", err)
	}
	a.log = nil
	return nil
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "snapreport",
		Short: "Screenshot test report backend",
		Long: `snapreport collects the results of screenshot test runs into a report:
a results tree of suites, browsers, attempts and images backed by an sqlite
database that can be merged, rebuilt and served to a report viewer.

Reports are written to the report path (default ./snapreport):
• sqlite.db          - one row per finished test attempt
• databaseUrls.json  - manifest listing the report's databases
• images/            - reference, current and diff screenshots
• summary.md         - totals per browser and skipped tests

Examples:
  snapreport gui -- npx hermione            # Record a live run
  snapreport gui --serve -- npx hermione    # Record and serve the live tree
  snapreport merge -d merged r1 r2          # Merge two reports
  snapreport build snapreport               # Rebuild tree.json from a report
  snapreport serve snapreport               # Serve a finished report`,
		Version:            fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage:       true,
		SilenceErrors:      true,
		PersistentPreRunE:  a.setup,
		PersistentPostRunE: a.teardown,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	rootCmd.PersistentFlags().StringVar(&a.configPath, "config", "", "config file (default .snapreport.yaml in the working or home directory)")

	rootCmd.AddCommand(newGUICmd(a))
	rootCmd.AddCommand(newMergeCmd(a))
	rootCmd.AddCommand(newBuildCmd(a))
	rootCmd.AddCommand(newServeCmd(a))
	rootCmd.AddCommand(newVersionCmd(a))

	return rootCmd
}

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:               "version",
		Short:             "Show version information",
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(a.stdout, "snapreport %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}
