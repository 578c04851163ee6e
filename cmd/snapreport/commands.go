package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zk/snapreport/internal/manifest"
	"github.com/zk/snapreport/internal/merge"
	"github.com/zk/snapreport/internal/orchestrator"
	"github.com/zk/snapreport/internal/report"
	"github.com/zk/snapreport/internal/server"
	"github.com/zk/snapreport/internal/store"
	"github.com/zk/snapreport/internal/tree"
)

// TreeFileName is written by the build command
const TreeFileName = "tree.json"

func newGUICmd(a *app) *cobra.Command {
	var (
		reportPath  string
		reuse       bool
		workers     int
		serve       bool
		addr        string
		keepServing bool
	)

	cmd := &cobra.Command{
		Use:   "gui [flags] -- <test command...>",
		Short: "Run a test command and record its results live",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags := cmd.Flags()
			if flags.Changed("report-path") {
				a.cfg.ReportPath = reportPath
			}
			if flags.Changed("reuse") {
				a.cfg.Reuse = reuse
			}
			if flags.Changed("workers") {
				a.cfg.Workers = workers
			}
			if flags.Changed("serve") {
				a.cfg.Server.Enabled = serve
			}
			if flags.Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			code, err := runGUI(contextOf(cmd), a, args, keepServing)
			if err != nil {
				return err
			}
			if code != 0 {
				return &exitError{code: code}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&reportPath, "report-path", "o", "", "report directory")
	cmd.Flags().BoolVar(&reuse, "reuse", false, "keep the previous results of the report")
	cmd.Flags().IntVar(&workers, "workers", 0, "result processing workers (0 = one per CPU)")
	cmd.Flags().BoolVar(&serve, "serve", false, "serve the live tree over HTTP")
	cmd.Flags().StringVar(&addr, "addr", "", "address of the live API")
	cmd.Flags().BoolVar(&keepServing, "keep-serving", false, "keep serving after the run until interrupted")
	return cmd
}

// runGUI runs the test command and returns its exit code
func runGUI(ctx context.Context, a *app, command []string, keepServing bool) (int, error) {
	config := orchestrator.Config{
		Command:     command,
		ReportPath:  a.cfg.ReportPath,
		Reuse:       a.cfg.Reuse,
		Workers:     a.cfg.Workers,
		KeepServing: keepServing,
		Logger:      a.log,
		Metrics:     a.metrics,
		Stdout:      a.stdout,
	}
	if a.cfg.Server.Enabled {
		config.ServeAddr = a.cfg.Server.Addr
	}

	orch, err := orchestrator.New(config)
	if err != nil {
		return 1, fmt.Errorf("failed to create orchestrator: %w", err)
	}
	if err := orch.Run(ctx); err != nil {
		return orch.GetExitCode(), err
	}
	return orch.GetExitCode(), nil
}

func newMergeCmd(a *app) *cobra.Command {
	var (
		destination string
		policy      string
	)

	cmd := &cobra.Command{
		Use:   "merge --destination DIR SOURCE...",
		Short: "Merge several reports into one",
		Long: `Merge loads every source report (a report directory, its databaseUrls.json
or an sqlite.db), copies their images and writes one database and manifest into
the destination. Sources that cannot be loaded are reported and skipped.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("policy") {
				a.cfg.Merge.Policy = policy
			}
			if err := a.cfg.Validate(); err != nil {
				return err
			}

			m := merge.New(merge.Options{
				Policy:  a.cfg.MergePolicy(),
				Workers: a.cfg.Workers,
				Logger:  a.log,
				Metrics: a.metrics,
			})
			res, err := m.Merge(contextOf(cmd), args, destination)
			if res != nil {
				printMergeResult(a, res, destination)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&destination, "destination", "d", "", "directory of the merged report")
	cmd.Flags().StringVar(&policy, "policy", "", "conflict policy: priority or renumber")
	_ = cmd.MarkFlagRequired("destination")
	return cmd
}

func printMergeResult(a *app, res *merge.Result, destination string) {
	ok := color.New(color.FgGreen)
	failed := color.New(color.FgRed)

	for _, src := range res.Sources {
		if src.Success {
			ok.Fprint(a.stdout, "✓")
			fmt.Fprintf(a.stdout, " %s\n", src.URL)
		} else {
			failed.Fprint(a.stdout, "✕")
			fmt.Fprintf(a.stdout, " %s: %s\n", src.URL, src.Status)
		}
	}

	fmt.Fprintf(a.stdout, "\nMerged %s rows into %s (%s collapsed, %s skipped)\n",
		humanize.Comma(int64(len(res.Rows))), destination,
		humanize.Comma(int64(res.Collapsed)), humanize.Comma(int64(res.Skipped)))
	fmt.Fprintf(a.stdout, "Copied %d images (%s), %d already present\n",
		res.Assets.Copied, humanize.Bytes(uint64(res.Assets.Bytes)), res.Assets.Skipped)
}

func newBuildCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "build [REPORT_DIR]",
		Short: "Rebuild the results tree of a report",
		Long: `Build reads every database of a report and writes the static results tree,
stats, skips and browsers to tree.json in the report directory.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := reportDir(a, args)
			static, details, err := loadReport(contextOf(cmd), a, dir)
			if err != nil {
				return err
			}
			printSourceFailures(a, details)

			data, err := json.MarshalIndent(static, "", "  ")
			if err != nil {
				return fmt.Errorf("failed to encode tree: %w", err)
			}
			if err := os.WriteFile(filepath.Join(dir, TreeFileName), data, 0644); err != nil {
				return fmt.Errorf("failed to write %s: %w", TreeFileName, err)
			}

			report.PrintSummary(a.stdout, summaryOf(static), report.RunInfo{})
			fmt.Fprintf(a.stdout, "Wrote %s\n", filepath.Join(dir, TreeFileName))
			return nil
		},
	}
}

func newServeCmd(a *app) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve [REPORT_DIR]",
		Short: "Serve a finished report over HTTP",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("addr") {
				a.cfg.Server.Addr = addr
			}
			static, details, err := loadReport(contextOf(cmd), a, reportDir(a, args))
			if err != nil {
				return err
			}
			printSourceFailures(a, details)

			ctx, stop := signal.NotifyContext(contextOf(cmd), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serveStatic(ctx, a, static)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	return cmd
}

// serveStatic serves a built report until ctx ends
func serveStatic(ctx context.Context, a *app, static *tree.StaticReport) error {
	srv := server.New(server.Options{
		Source:  server.TreeFunc(func() *tree.Tree { return static.Tree }),
		Metrics: a.metrics,
		Logger:  a.log,
	})

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(a.cfg.Server.Addr) }()
	fmt.Fprintf(a.stdout, "Serving report on http://%s, press Ctrl+C to stop\n", a.cfg.Server.Addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}

// loadReport builds the static tree of a report from its manifest, or from
// its database when the report has no manifest
func loadReport(ctx context.Context, a *app, dir string) (*tree.StaticReport, []manifest.DbDetails, error) {
	manifestPath := filepath.Join(dir, store.ManifestName)

	var rows []store.Row
	var details []manifest.DbDetails
	if _, err := os.Stat(manifestPath); err == nil {
		downloadDir, err := os.MkdirTemp("", "snapreport-build-")
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create download dir: %w", err)
		}
		defer os.RemoveAll(downloadDir)

		res, err := manifest.LoadRows(ctx, manifest.NewResolver(downloadDir, nil, a.log), manifestPath)
		if err != nil && len(res.Rows) == 0 {
			return nil, nil, fmt.Errorf("failed to load report %s: %w", dir, err)
		}
		if err != nil {
			a.log.Warn("Report %s loaded partially: %v", dir, err)
		}
		rows, details = res.Rows, res.Details
	} else {
		s, err := store.Open(ctx, filepath.Join(dir, store.DatabaseName), store.Options{ReadOnly: true, Logger: a.log})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load report %s: %w", dir, err)
		}
		defer s.Close()
		if rows, err = s.Rows(ctx); err != nil {
			return nil, nil, fmt.Errorf("failed to read report %s: %w", dir, err)
		}
	}

	static := tree.NewStaticBuilder(a.log).Build(store.TreeRows(rows))
	a.metrics.RowsSkipped(static.Skipped)
	return static, details, nil
}

func printSourceFailures(a *app, details []manifest.DbDetails) {
	for _, d := range details {
		if !d.Success {
			color.New(color.FgYellow).Fprintf(a.stdout, "Could not load %s: %s\n", d.URL, d.Status)
		}
	}
}

func summaryOf(static *tree.StaticReport) tree.Summary {
	return tree.Summary{Stats: static.Stats, Skips: static.Skips, Browsers: static.Browsers}
}

func reportDir(a *app, args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return a.cfg.ReportPath
}

func contextOf(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
