package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zk/snapreport/internal/gui"
	"github.com/zk/snapreport/internal/images"
	"github.com/zk/snapreport/internal/ipc"
	"github.com/zk/snapreport/internal/manifest"
	"github.com/zk/snapreport/internal/metrics"
	"github.com/zk/snapreport/internal/report"
	"github.com/zk/snapreport/internal/server"
	"github.com/zk/snapreport/internal/store"
	"github.com/zk/snapreport/internal/tree"
)

// DefaultBaseDir holds run scratch files (event streams and command output)
const DefaultBaseDir = ".snapreport"

const shutdownTimeout = 5 * time.Second

// Orchestrator manages the lifecycle of a live report run
type Orchestrator struct {
	logger  Logger
	metrics *metrics.Metrics
	stdout  io.Writer

	command        []string
	reportPath     string
	baseDir        string
	reuse          bool
	workers        int
	serveAddr      string
	keepServing    bool
	allowedOrigins []string

	runID      string
	runDir     string
	ipcPath    string
	exitCode   int
	startTime  time.Time
	builder    *tree.Builder
	sawRunEnd  bool
	serverAddr chan string

	// Error capture
	stderrCapture strings.Builder
}

// Logger interface for logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// Config holds orchestrator configuration
type Config struct {
	Command    []string
	ReportPath string
	BaseDir    string // DefaultBaseDir when empty
	Reuse      bool   // keep the previous database and seed the tree from it
	Workers    int

	// ServeAddr enables the live API on this address. With KeepServing the
	// API stays up after the run until the context ends or a signal arrives.
	ServeAddr      string
	KeepServing    bool
	AllowedOrigins []string

	Logger  Logger
	Metrics *metrics.Metrics
	Stdout  io.Writer // os.Stdout when nil
}

// New creates a new orchestrator
func New(config Config) (*Orchestrator, error) {
	if config.Logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if len(config.Command) == 0 {
		return nil, fmt.Errorf("test command is required")
	}
	if config.ReportPath == "" {
		return nil, fmt.Errorf("report path is required")
	}
	if config.BaseDir == "" {
		config.BaseDir = DefaultBaseDir
	}
	if config.Stdout == nil {
		config.Stdout = os.Stdout
	}

	return &Orchestrator{
		logger:         config.Logger,
		metrics:        config.Metrics,
		stdout:         config.Stdout,
		command:        config.Command,
		reportPath:     config.ReportPath,
		baseDir:        config.BaseDir,
		reuse:          config.Reuse,
		workers:        config.Workers,
		serveAddr:      config.ServeAddr,
		keepServing:    config.KeepServing,
		allowedOrigins: config.AllowedOrigins,
		serverAddr:     make(chan string, 1),
	}, nil
}

// Run executes the test command and records its events into the report.
// Test failures are reported through GetExitCode, not as an error.
func (o *Orchestrator) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	o.runID = uuid.NewString()
	o.startTime = time.Now()
	o.runDir = filepath.Join(o.baseDir, "runs", o.runID)
	if err := os.MkdirAll(o.runDir, 0755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}
	ipcDir, err := ipc.EnsureIPCDirectory(o.baseDir)
	if err != nil {
		return err
	}
	o.ipcPath = filepath.Join(ipcDir, o.runID+".jsonl")

	o.printHeader()

	if err := os.MkdirAll(o.reportPath, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	st, err := store.OpenReport(ctx, o.reportPath, o.reuse, o.logger)
	if err != nil {
		return fmt.Errorf("failed to open report database: %w", err)
	}
	storeClosed := false
	defer func() {
		if !storeClosed {
			_ = st.Close()
		}
	}()

	o.builder = tree.NewBuilder(o.logger)
	if o.reuse {
		if err := o.seed(ctx, st); err != nil {
			return err
		}
	}

	events := gui.NewBroadcaster(gui.DefaultBufferSize, o.logger)
	defer events.Close()
	subscriber := gui.NewSubscriber(o.builder, gui.Options{
		Store:   st,
		Images:  images.NewSaver(o.reportPath, o.logger),
		Emitter: events,
		Workers: o.workers,
		Logger:  o.logger,
		Metrics: o.metrics,
	})

	ipcManager, err := ipc.NewManager(o.ipcPath, o.logger)
	if err != nil {
		return fmt.Errorf("failed to create IPC manager: %w", err)
	}
	if err := ipcManager.WatchEvents(); err != nil {
		_ = ipcManager.Cleanup()
		return fmt.Errorf("failed to start IPC watcher: %w", err)
	}

	var g errgroup.Group
	var srv *server.Server
	if o.serveAddr != "" {
		l, err := net.Listen("tcp", o.serveAddr)
		if err != nil {
			_ = ipcManager.Cleanup()
			return fmt.Errorf("failed to listen on %s: %w", o.serveAddr, err)
		}
		srv = server.New(server.Options{
			Source:         o.builder,
			Events:         events,
			Acceptor:       subscriber,
			Metrics:        o.metrics,
			AllowedOrigins: o.allowedOrigins,
			Logger:         o.logger,
		})
		o.serverAddr <- l.Addr().String()
		fmt.Fprintf(o.stdout, "Live report: http://%s\n\n", l.Addr())
		g.Go(func() error { return srv.Serve(l) })
	}

	eventsDone := make(chan struct{})
	go func() {
		defer close(eventsDone)
		o.processEvents(ctx, subscriber, ipcManager.Events)
	}()

	commandErr := o.runCommand(ctx)

	// Stop watching for events; this closes the Events channel once the
	// last lines are read
	_ = ipcManager.Cleanup()
	<-eventsDone
	o.logger.Debug("Event processing completed")

	if !o.sawRunEnd {
		o.logger.Debug("Runner did not report the end of the run")
		if err := subscriber.Handle(context.Background(), ipc.NewRunEndEvent()); err != nil {
			o.logger.Error("Failed to finish the run: %v", err)
		}
	}
	if err := subscriber.Stop(context.Background()); err != nil {
		o.logger.Error("Failed to drain queued results: %v", err)
	}

	storeClosed = true
	if err := st.Close(); err != nil {
		o.logger.Error("Failed to close report database: %v", err)
	}
	if err := manifest.Write(o.reportPath, []string{store.DatabaseName}); err != nil {
		o.logger.Error("Failed to write manifest: %v", err)
	}

	summary := tree.Summarize(o.builder.Tree())
	info := report.RunInfo{
		Command:      strings.Join(o.command, " "),
		Started:      o.startTime,
		Duration:     time.Since(o.startTime),
		ExitCode:     o.exitCode,
		ErrorDetails: o.errorDetails(commandErr, summary),
		DatabaseSize: fileSize(filepath.Join(o.reportPath, store.DatabaseName)),
	}
	if err := report.NewManager(o.reportPath, o.logger).Finalize(summary, info); err != nil {
		o.logger.Error("Failed to finalize report: %v", err)
	}
	report.PrintSummary(o.stdout, summary, info)

	if srv != nil {
		if o.keepServing && ctx.Err() == nil {
			fmt.Fprintln(o.stdout, "Serving the report, press Ctrl+C to stop")
			<-ctx.Done()
		}
		events.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("Failed to shut down server: %v", err)
		}
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("server failed: %w", err)
	}

	var exitErr *exec.ExitError
	if commandErr != nil && !errors.As(commandErr, &exitErr) {
		return fmt.Errorf("test command failed: %w", commandErr)
	}
	return nil
}

// seed rebuilds the tree from the rows kept in a reused database
func (o *Orchestrator) seed(ctx context.Context, st *store.Store) error {
	rows, err := st.Rows(ctx)
	if err != nil {
		return fmt.Errorf("failed to read reused database: %w", err)
	}
	static := tree.NewStaticBuilder(o.logger).Build(store.TreeRows(rows))
	o.metrics.RowsSkipped(static.Skipped)
	o.builder.Reuse(static.Tree)
	return nil
}

// runCommand runs the test command until it exits or ctx ends. The exit code
// is recorded; interrupted runs exit with 130.
func (o *Orchestrator) runCommand(ctx context.Context) error {
	cmd := exec.Command(o.command[0], o.command[1:]...)
	if wd, err := os.Getwd(); err == nil {
		cmd.Dir = wd
	}
	cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", ipc.EnvIPCPath, o.ipcPath))
	cmd.Stdin = os.Stdin

	outputPath := filepath.Join(o.runDir, "output.log")
	outputFile, err := os.Create(outputPath)
	if err != nil {
		o.exitCode = 1
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer func() {
		_ = outputFile.Sync()
		_ = outputFile.Close()
	}()
	cmd.Stdout = outputFile
	cmd.Stderr = io.MultiWriter(outputFile, &o.stderrCapture)

	o.logger.Debug("Starting command: %s %v", cmd.Path, cmd.Args)
	o.logger.Debug("IPC path: %s", o.ipcPath)

	if err := cmd.Start(); err != nil {
		o.exitCode = 1
		return fmt.Errorf("failed to start test command: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		var exitErr *exec.ExitError
		switch {
		case err == nil:
			o.logger.Debug("Command completed successfully")
		case errors.As(err, &exitErr):
			o.exitCode = exitErr.ExitCode()
			o.logger.Debug("Command completed with exit code: %d", o.exitCode)
		default:
			o.exitCode = 1
			o.logger.Debug("Command completed with error: %v", err)
		}
		return err
	case <-ctx.Done():
		o.logger.Info("Run interrupted: %v", ctx.Err())
		_ = cmd.Process.Kill()
		<-done
		o.exitCode = 130
		return nil
	}
}

// errorDetails describes a command that failed before reporting any result.
// Failing tests are not an error.
func (o *Orchestrator) errorDetails(commandErr error, summary tree.Summary) string {
	if commandErr == nil || summary.Stats.Total > 0 {
		return ""
	}
	var exitErr *exec.ExitError
	if !errors.As(commandErr, &exitErr) {
		return commandErr.Error()
	}

	if stderr := strings.TrimSpace(o.stderrCapture.String()); stderr != "" {
		return firstLines(stderr, 10)
	}
	return commandErr.Error()
}

// processEvents forwards runner events to the subscriber and the console
func (o *Orchestrator) processEvents(ctx context.Context, subscriber *gui.Subscriber, events <-chan ipc.Event) {
	for event := range events {
		if event.Type() == ipc.EventTypeRunEnd {
			o.sawRunEnd = true
		}
		if err := subscriber.Handle(ctx, event); err != nil {
			o.logger.Error("Failed to handle event: %v", err)
		}
		o.handleConsoleOutput(event)
	}
}

// handleConsoleOutput prints one line per finished attempt
func (o *Orchestrator) handleConsoleOutput(event ipc.Event) {
	e, ok := event.(ipc.TestEvent)
	if !ok {
		return
	}

	var label *color.Color
	var text string
	switch e.EventType {
	case ipc.EventTypeTestPass:
		label, text = color.New(color.FgGreen), "PASS"
	case ipc.EventTypeTestFail:
		label, text = color.New(color.FgRed), "FAIL"
	case ipc.EventTypeRetry:
		label, text = color.New(color.FgYellow), "RETRY"
	case ipc.EventTypeTestPending:
		label, text = color.New(color.FgCyan), "SKIP"
	default:
		return
	}

	label.Fprintf(o.stdout, "%-5s", text)
	fmt.Fprintf(o.stdout, " %s %s [%s]\n", o.formatElapsedTime(), strings.Join(e.Payload.TestPath, " "), e.Payload.BrowserID)
}

func (o *Orchestrator) printHeader() {
	cwd, err := os.Getwd()
	if err != nil {
		cwd = "unknown"
	}

	fmt.Fprintln(o.stdout, "---")
	fmt.Fprintf(o.stdout, "current_time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(o.stdout, "cwd: %s\n", cwd)
	fmt.Fprintf(o.stdout, "test_command: `%s`\n", strings.Join(o.command, " "))
	fmt.Fprintf(o.stdout, "run_id: %s\n", o.runID)
	fmt.Fprintf(o.stdout, "report: %s\n", o.reportPath)
	fmt.Fprintln(o.stdout, "---")
	fmt.Fprintln(o.stdout)
}

// GetExitCode returns the exit code from the test run
func (o *Orchestrator) GetExitCode() int {
	return o.exitCode
}

// RunID returns the identifier of the current run
func (o *Orchestrator) RunID() string {
	return o.runID
}

// Builder returns the tree builder of the run, nil before Run
func (o *Orchestrator) Builder() *tree.Builder {
	return o.builder
}

// ServerAddr blocks until the live API is listening and returns its address
func (o *Orchestrator) ServerAddr(ctx context.Context) (string, error) {
	select {
	case addr := <-o.serverAddr:
		o.serverAddr <- addr
		return addr, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// formatElapsedTime formats the elapsed time from start in a progressive display
func (o *Orchestrator) formatElapsedTime() string {
	if o.startTime.IsZero() {
		return "[T+ 0s]"
	}
	totalSeconds := int(time.Since(o.startTime).Seconds())

	if totalSeconds < 60 {
		return fmt.Sprintf("[T+ %ds]", totalSeconds)
	} else if totalSeconds < 3600 {
		minutes := totalSeconds / 60
		seconds := totalSeconds % 60
		return fmt.Sprintf("[T+ %dm%ds]", minutes, seconds)
	}
	hours := totalSeconds / 3600
	minutes := (totalSeconds % 3600) / 60
	seconds := totalSeconds % 60
	return fmt.Sprintf("[T+ %dh%dm%ds]", hours, minutes, seconds)
}

func firstLines(s string, n int) string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) == n {
			break
		}
	}
	return strings.Join(lines, "\n")
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
