package report

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/zk/snapreport/internal/tree"
)

// SummaryFileName is written into the report directory by Finalize
const SummaryFileName = "summary.md"

// Run statuses
const (
	StatusComplete = "COMPLETE"
	StatusError    = "ERROR"
)

// RunInfo describes the run a summary belongs to. Zero values are omitted.
type RunInfo struct {
	Command      string
	Started      time.Time
	Duration     time.Duration
	ExitCode     int
	ErrorDetails string
	DatabaseSize int64
}

// Status returns ERROR for command errors, COMPLETE otherwise. Test failures
// alone do not make a run an error.
func (r RunInfo) Status() string {
	if r.ErrorDetails != "" {
		return StatusError
	}
	return StatusComplete
}

// Logger interface for debug logging
type Logger interface {
	Debug(format string, args ...interface{})
	Error(format string, args ...interface{})
	Info(format string, args ...interface{})
}

// Manager writes the summary of a report directory
type Manager struct {
	reportDir string
	logger    Logger
}

// NewManager creates a summary manager for reportDir
func NewManager(reportDir string, logger Logger) *Manager {
	if logger == nil {
		logger = &noopLogger{}
	}
	return &Manager{reportDir: reportDir, logger: logger}
}

// Path returns the location of the summary file
func (m *Manager) Path() string {
	return filepath.Join(m.reportDir, SummaryFileName)
}

// Finalize writes summary.md for a finished run
func (m *Manager) Finalize(s tree.Summary, info RunInfo) error {
	if err := os.MkdirAll(m.reportDir, 0755); err != nil {
		return fmt.Errorf("failed to create report directory: %w", err)
	}
	if err := os.WriteFile(m.Path(), []byte(GenerateMarkdown(s, info)), 0644); err != nil {
		return fmt.Errorf("failed to write summary: %w", err)
	}
	m.logger.Debug("Wrote summary to %s", m.Path())
	return nil
}

// GenerateMarkdown renders the summary as a markdown document
func GenerateMarkdown(s tree.Summary, info RunInfo) string {
	var sb strings.Builder

	sb.WriteString("# snapreport run\n\n")
	if !info.Started.IsZero() {
		sb.WriteString(fmt.Sprintf("**Started:** %s\n", info.Started.Format(time.RFC3339)))
	}
	sb.WriteString(fmt.Sprintf("**Status:** %s\n", info.Status()))
	if info.Command != "" {
		sb.WriteString(fmt.Sprintf("**Command:** `%s`\n", info.Command))
	}
	if info.Duration > 0 {
		sb.WriteString(fmt.Sprintf("**Duration:** %s\n", formatDuration(info.Duration)))
	}
	if info.DatabaseSize > 0 {
		sb.WriteString(fmt.Sprintf("**Database:** %s\n", humanize.Bytes(uint64(info.DatabaseSize))))
	}
	sb.WriteString("\n")

	if info.Status() == StatusError {
		sb.WriteString("## Error Details\n\n")
		sb.WriteString("```\n")
		sb.WriteString(info.ErrorDetails)
		sb.WriteString("\n```\n\n")
	}

	sb.WriteString("## Results\n\n")
	sb.WriteString(newTable(s).RenderMarkdown())
	sb.WriteString("\n\n")

	if len(s.Skips) > 0 {
		sb.WriteString("## Skipped\n\n")
		for _, skip := range s.Skips {
			sb.WriteString(fmt.Sprintf("- %s [%s]", skip.Suite, skip.Browser))
			if skip.Comment != "" {
				sb.WriteString(fmt.Sprintf(": %s", skip.Comment))
			}
			sb.WriteString("\n")
		}
		sb.WriteString("\n")
	}

	return sb.String()
}

// FormatTable renders per browser counts as an ASCII table
func FormatTable(s tree.Summary) string {
	var buf bytes.Buffer
	t := newTable(s)
	t.SetOutputMirror(&buf)
	t.SetStyle(table.StyleLight)
	t.Render()
	return buf.String()
}

func newTable(s tree.Summary) table.Writer {
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Browser", "Version", "Total", "Passed", "Failed", "Skipped", "Retries"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Browser", AutoMerge: true},
		{Name: "Total", Align: text.AlignRight},
		{Name: "Passed", Align: text.AlignRight},
		{Name: "Failed", Align: text.AlignRight},
		{Name: "Skipped", Align: text.AlignRight},
		{Name: "Retries", Align: text.AlignRight},
	})

	names := make([]string, 0, len(s.Stats.PerBrowser))
	for name := range s.Stats.PerBrowser {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		byVersion := s.Stats.PerBrowser[name]
		versions := make([]string, 0, len(byVersion))
		for v := range byVersion {
			versions = append(versions, v)
		}
		sort.Strings(versions)

		for _, v := range versions {
			c := byVersion[v]
			version := v
			if version == "" {
				version = "-"
			}
			t.AppendRow(table.Row{name, version, c.Total, c.Passed, c.Failed, c.Skipped, c.Retries})
		}
	}

	t.AppendFooter(table.Row{"TOTAL", "", s.Stats.Total, s.Stats.Passed, s.Stats.Failed, s.Stats.Skipped, s.Stats.Retries})
	return t
}

// PrintSummary writes the closing console summary of a run
func PrintSummary(w io.Writer, s tree.Summary, info RunInfo) {
	fmt.Fprintln(w)

	if info.Status() == StatusError {
		color.New(color.FgRed).Fprintf(w, "Error: %s\n\n", info.ErrorDetails)
	}

	switch {
	case s.Stats.Failed > 0:
		color.New(color.FgRed, color.Bold).Fprintln(w, "Test failures!")
	case s.Stats.Total == 0:
		color.New(color.FgYellow).Fprintln(w, "No tests were run")
	case s.Stats.Skipped == s.Stats.Total:
		color.New(color.FgYellow).Fprintln(w, "All tests were skipped")
	case s.Stats.Skipped > 0:
		color.New(color.FgGreen).Fprintln(w, "Tests completed with some skipped")
	default:
		color.New(color.FgGreen).Fprintln(w, "All tests passed")
	}

	if s.Stats.Total > 0 {
		fmt.Fprint(w, FormatTable(s))
	}

	parts := []string{fmt.Sprintf("%s passed", humanize.Comma(int64(s.Stats.Passed)))}
	if s.Stats.Failed > 0 {
		parts = append(parts, fmt.Sprintf("%s failed", humanize.Comma(int64(s.Stats.Failed))))
	}
	if s.Stats.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("%s skipped", humanize.Comma(int64(s.Stats.Skipped))))
	}
	parts = append(parts, fmt.Sprintf("%s total", humanize.Comma(int64(s.Stats.Total))))
	fmt.Fprintf(w, "Results:     %s\n", strings.Join(parts, ", "))

	if info.Duration > 0 {
		fmt.Fprintf(w, "Total time:  %s\n", formatDuration(info.Duration))
	}
}

// formatDuration formats a duration for display
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	return d.Truncate(time.Millisecond).String()
}

// noopLogger is a default logger that does nothing
type noopLogger struct{}

func (n *noopLogger) Debug(format string, args ...interface{}) {}
func (n *noopLogger) Error(format string, args ...interface{}) {}
func (n *noopLogger) Info(format string, args ...interface{})  {}
