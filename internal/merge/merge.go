// Package merge combines report directories produced by parallel CI shards
// into one report.
package merge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/hashicorp/go-multierror"
	"github.com/sourcegraph/conc/pool"

	"github.com/zk/snapreport/internal/manifest"
	"github.com/zk/snapreport/internal/metrics"
	"github.com/zk/snapreport/internal/store"
	"github.com/zk/snapreport/internal/tree"
)

// ErrNoSources is returned when no source report could be loaded
var ErrNoSources = errors.New("no source reports could be loaded")

// Policy decides what happens to rows from different sources that describe
// the same attempt of a test in a browser
type Policy string

const (
	// PolicyPriority keeps the row with the more significant status, the later one on ties
	PolicyPriority Policy = "priority"
	// PolicyRenumber keeps all rows as separate attempts
	PolicyRenumber Policy = "renumber"
)

// ParsePolicy validates a policy name, empty means PolicyPriority
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyPriority:
		return PolicyPriority, nil
	case PolicyRenumber:
		return PolicyRenumber, nil
	}
	return "", fmt.Errorf("unknown merge policy %q (want %q or %q)", s, PolicyPriority, PolicyRenumber)
}

// Logger interface for debug logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
}

// noopLogger is a default logger that does nothing
type noopLogger struct{}

func (n *noopLogger) Debug(format string, args ...interface{}) {}
func (n *noopLogger) Info(format string, args ...interface{})  {}
func (n *noopLogger) Warn(format string, args ...interface{})  {}

// Options configure a Merger
type Options struct {
	Policy  Policy
	Workers int // parallel source loads, NumCPU when zero
	Logger  Logger
	Metrics *metrics.Metrics
}

// Merger merges report directories
type Merger struct {
	policy  Policy
	workers int
	logger  Logger
	metrics *metrics.Metrics
}

// New creates a merger
func New(opts Options) *Merger {
	if opts.Policy == "" {
		opts.Policy = PolicyPriority
	}
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = &noopLogger{}
	}
	return &Merger{
		policy:  opts.Policy,
		workers: opts.Workers,
		logger:  opts.Logger,
		metrics: opts.Metrics,
	}
}

// Result describes a finished merge
type Result struct {
	Sources   []manifest.DbDetails // one per source report, in argument order
	Rows      []store.Row          // rows written to the destination
	Collapsed int                  // rows dropped as duplicates or lower-priority
	Skipped   int                  // rows that could not be decoded
	Assets    AssetStats
	// Err aggregates per-source failures that did not stop the merge
	Err *multierror.Error
}

// source is one loaded report
type source struct {
	path    string
	rows    []store.Row
	partial error // databases of the source that could not be read
	err     error
}

// Merge loads every source report, copies their assets into destPath and
// writes one consolidated database plus manifest there. Failing sources are
// reported in the result and skipped.
func (m *Merger) Merge(ctx context.Context, srcPaths []string, destPath string) (*Result, error) {
	if len(srcPaths) == 0 {
		return nil, ErrNoSources
	}

	downloadDir, err := os.MkdirTemp("", "snapreport-merge-")
	if err != nil {
		return nil, fmt.Errorf("failed to create download dir: %w", err)
	}
	defer os.RemoveAll(downloadDir)

	sources := m.load(ctx, srcPaths, downloadDir)

	result := &Result{}
	f := newFolder(m.policy)
	loaded := 0

	for _, src := range sources {
		if src.err != nil {
			m.logger.Warn("Skipping source %s: %v", src.path, src.err)
			m.metrics.MergeSource(metrics.OutcomeFailed)
			result.Sources = append(result.Sources, manifest.DbDetails{URL: src.path, Status: src.err.Error(), Success: false})
			result.Err = multierror.Append(result.Err, fmt.Errorf("source %s: %w", src.path, src.err))
			continue
		}

		assets, err := copyAssets(src.path, destPath)
		result.Assets.add(assets)
		if err != nil {
			m.logger.Warn("Failed to copy assets of %s: %v", src.path, err)
			result.Err = multierror.Append(result.Err, err)
		}

		if src.partial != nil {
			m.logger.Warn("Source %s loaded partially: %v", src.path, src.partial)
			result.Err = multierror.Append(result.Err, fmt.Errorf("source %s: %w", src.path, src.partial))
		}

		for _, row := range src.rows {
			if row.Err() != nil {
				m.logger.Warn("Skipping corrupt row from %s: %v", src.path, row.Err())
				result.Skipped++
			}
		}
		f.fold(src.rows)

		loaded++
		m.metrics.MergeSource(metrics.OutcomeLoaded)
		result.Sources = append(result.Sources, manifest.DbDetails{URL: src.path, Status: manifest.StatusOK, Success: true})
	}
	m.metrics.RowsSkipped(result.Skipped)

	if loaded == 0 {
		return result, multierror.Append(ErrNoSources, result.Err)
	}

	result.Rows = f.rows()
	result.Collapsed = f.collapsed
	if f.shifted > 0 {
		m.logger.Debug("Shifted timestamps of %d rows to keep attempt order", f.shifted)
	}

	if err := m.write(ctx, destPath, result.Rows); err != nil {
		return result, err
	}

	m.logger.Info("Merged %d of %d sources into %s: %d rows, %d collapsed, %d assets copied",
		loaded, len(srcPaths), destPath, len(result.Rows), result.Collapsed, result.Assets.Copied)
	return result, nil
}

// load reads all sources in parallel. Results keep the argument order.
func (m *Merger) load(ctx context.Context, srcPaths []string, downloadDir string) []source {
	sources := make([]source, len(srcPaths))
	resolver := manifest.NewResolver(downloadDir, nil, m.logger)

	p := pool.New().WithMaxGoroutines(m.workers)
	for i, srcPath := range srcPaths {
		i, srcPath := i, srcPath
		p.Go(func() {
			rows, partial, err := loadSource(ctx, resolver, srcPath)
			sources[i] = source{path: srcPath, rows: rows, partial: partial, err: err}
		})
	}
	p.Wait()
	return sources
}

// loadSource reads a report directory through its manifest, or its database
// when there is no manifest. A manifest with some readable databases yields
// their rows together with a partial error.
func loadSource(ctx context.Context, resolver *manifest.Resolver, dir string) ([]store.Row, error, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, nil, err
	}
	if !info.IsDir() {
		return nil, nil, fmt.Errorf("%s is not a report directory", dir)
	}

	manifestPath := filepath.Join(dir, manifest.FileName)
	if _, err := os.Stat(manifestPath); err == nil {
		out, err := manifest.LoadRows(ctx, resolver, manifestPath)
		if err != nil && len(out.Rows) == 0 {
			return nil, nil, err
		}
		return out.Rows, err, nil
	}

	s, err := store.Open(ctx, filepath.Join(dir, store.DatabaseName), store.Options{ReadOnly: true})
	if err != nil {
		return nil, nil, err
	}
	defer s.Close()
	rows, err := s.Rows(ctx)
	return rows, nil, err
}

func (m *Merger) write(ctx context.Context, destPath string, rows []store.Row) error {
	s, err := store.OpenReport(ctx, destPath, false, m.logger)
	if err != nil {
		return fmt.Errorf("failed to open destination: %w", err)
	}
	if err := s.WriteBatch(ctx, rows); err != nil {
		_ = s.Close()
		return fmt.Errorf("failed to write destination: %w", err)
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("failed to close destination: %w", err)
	}
	if err := manifest.Write(destPath, []string{store.DatabaseName}); err != nil {
		return err
	}
	return nil
}

type exactKey struct {
	suite, browser string
	timestamp      int64
	status         tree.Status
}

type browserKey struct {
	suite, browser string
}

// folder accumulates rows of sources in order
type folder struct {
	policy    Policy
	out       []store.Row
	exact     map[exactKey]struct{}
	slots     map[browserKey][]int // attempt -> index in out
	order     []browserKey
	collapsed int
	shifted   int
}

func newFolder(policy Policy) *folder {
	return &folder{
		policy: policy,
		exact:  make(map[exactKey]struct{}),
		slots:  make(map[browserKey][]int),
	}
}

// fold adds the rows of one source. Attempts are numbered by timestamp within
// the source, so attempt N of a shard meets attempt N of another shard.
func (f *folder) fold(rows []store.Row) {
	valid := make([]store.Row, 0, len(rows))
	for _, r := range rows {
		if r.Err() == nil {
			valid = append(valid, r)
		}
	}
	sort.SliceStable(valid, func(i, j int) bool { return valid[i].Timestamp < valid[j].Timestamp })

	counters := make(map[browserKey]int)
	for _, row := range valid {
		suite := suiteKey(row.SuitePath)
		bk := browserKey{suite: suite, browser: row.Name}
		attempt := counters[bk]
		counters[bk]++

		ek := exactKey{suite: suite, browser: row.Name, timestamp: row.Timestamp, status: row.Status}
		if _, dup := f.exact[ek]; dup {
			f.collapsed++
			continue
		}
		f.exact[ek] = struct{}{}

		if f.policy == PolicyRenumber {
			f.out = append(f.out, row)
			continue
		}

		slots, seen := f.slots[bk]
		if !seen {
			f.order = append(f.order, bk)
		}
		if attempt >= len(slots) {
			f.slots[bk] = append(slots, len(f.out))
			f.out = append(f.out, row)
			continue
		}
		if idx := slots[attempt]; preferred(row, f.out[idx]) {
			f.out[idx] = row
		}
		f.collapsed++
	}
}

// rows returns the folded rows. Under the priority policy timestamps of a
// browser's attempts are made strictly increasing, so numbering attempts by
// timestamp keeps every collapsed row in its slot.
func (f *folder) rows() []store.Row {
	if f.policy == PolicyRenumber {
		return f.out
	}
	for _, bk := range f.order {
		var prev int64
		for attempt, idx := range f.slots[bk] {
			if attempt > 0 && f.out[idx].Timestamp <= prev {
				f.out[idx].Timestamp = prev + 1
				f.shifted++
			}
			prev = f.out[idx].Timestamp
		}
	}
	return f.out
}

// preferred reports whether a should replace b
func preferred(a, b store.Row) bool {
	pa, pb := tree.Priority(a.Status), tree.Priority(b.Status)
	if pa != pb {
		return pa < pb
	}
	return a.Timestamp > b.Timestamp
}

func suiteKey(path []string) string {
	data, _ := json.Marshal(path)
	return string(data)
}
