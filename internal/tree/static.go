package tree

import (
	"bytes"
	"encoding/json"
	"sort"
	"strings"
)

// Row is a persisted attempt that can be decoded into a TestResult
type Row interface {
	TestResult() (TestResult, error)
}

// Counts groups final statuses into report categories
type Counts struct {
	Total   int `json:"total"`
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Retries int `json:"retries"`
}

func (c *Counts) add(status Status, attempts int) {
	c.Total++
	switch status {
	case StatusSuccess, StatusUpdated:
		c.Passed++
	case StatusFail, StatusError:
		c.Failed++
	case StatusSkipped:
		c.Skipped++
	}
	if attempts > 1 {
		c.Retries += attempts - 1
	}
}

// Stats are computed from the last attempt of every browser
type Stats struct {
	Counts
	PerBrowser map[string]map[string]*Counts `json:"perBrowser"` // name -> version -> counts
}

// Skip is a last attempt that was skipped
type Skip struct {
	Browser string `json:"browser"`
	Suite   string `json:"suite"`
	Comment string `json:"comment,omitempty"`
}

// BrowserInfo lists the versions seen for a browser name
type BrowserInfo struct {
	ID       string   `json:"id"`
	Versions []string `json:"versions"`
}

// StaticReport is the output of a bulk build
type StaticReport struct {
	Tree     *Tree         `json:"tree"`
	Stats    Stats         `json:"stats"`
	Skips    []Skip        `json:"skips"`
	Browsers []BrowserInfo `json:"browsers"`
	Skipped  int           `json:"skippedRows"`
}

// StaticBuilder builds a whole tree from persisted rows
type StaticBuilder struct {
	logger Logger
}

// NewStaticBuilder creates a bulk builder
func NewStaticBuilder(logger Logger) *StaticBuilder {
	if logger == nil {
		logger = &noopLogger{}
	}
	return &StaticBuilder{logger: logger}
}

type pendingRow struct {
	result    TestResult
	suiteID   string
	browserID string
	payload   []byte
}

// Build decodes rows, numbers attempts per browser by timestamp and builds a sorted tree.
// Rows that cannot be decoded or placed are skipped. The outcome does not depend on row order.
func (s *StaticBuilder) Build(rows []Row) *StaticReport {
	report := &StaticReport{}

	pending := make([]pendingRow, 0, len(rows))
	for i, row := range rows {
		result, err := row.TestResult()
		if err == nil {
			err = Validate(TestResult{TestPath: result.TestPath, BrowserID: result.BrowserID})
		}
		if err != nil {
			s.logger.Warn("Skipping row %d: %v", i, err)
			report.Skipped++
			continue
		}

		suiteID := SuiteID(result.TestPath)
		payload, _ := json.Marshal(result)
		pending = append(pending, pendingRow{
			result:    result,
			suiteID:   suiteID,
			browserID: BrowserID(suiteID, result.BrowserID),
			payload:   payload,
		})
	}

	sort.Slice(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.result.Timestamp != b.result.Timestamp {
			return a.result.Timestamp < b.result.Timestamp
		}
		if a.suiteID != b.suiteID {
			return a.suiteID < b.suiteID
		}
		if a.browserID != b.browserID {
			return a.browserID < b.browserID
		}
		if pa, pb := Priority(a.result.Status), Priority(b.result.Status); pa != pb {
			return pa > pb
		}
		return bytes.Compare(a.payload, b.payload) < 0
	})

	builder := NewBuilder(s.logger)
	attempts := make(map[string]int)
	versions := make(map[string]map[string]struct{})

	for _, p := range pending {
		p.result.Attempt = attempts[p.browserID]
		attempts[p.browserID]++

		builder.addTestResult(p.result)

		name := p.result.BrowserID
		if versions[name] == nil {
			versions[name] = make(map[string]struct{})
		}
		versions[name][p.result.BrowserVersion()] = struct{}{}
	}

	t := builder.tree
	t.SortTree()

	report.Tree = t
	report.Stats = collectStats(t)
	report.Skips = collectSkips(t)
	report.Browsers = collectBrowsers(versions)

	s.logger.Info("Built tree from %d rows: %d suites, %d results, %d rows skipped",
		len(rows), len(t.Suites.AllIDs), len(t.Results.AllIDs), report.Skipped)
	return report
}

// Summary is the statistics part of a report
type Summary struct {
	Stats    Stats         `json:"stats"`
	Skips    []Skip        `json:"skips"`
	Browsers []BrowserInfo `json:"browsers"`
}

// Summarize computes statistics of a tree built incrementally. Browser
// versions come from the browser nodes.
func Summarize(t *Tree) Summary {
	versions := make(map[string]map[string]struct{})
	for _, id := range t.Browsers.AllIDs {
		b := t.Browsers.ByID[id]
		if versions[b.Name] == nil {
			versions[b.Name] = make(map[string]struct{})
		}
		versions[b.Name][b.Version] = struct{}{}
	}
	return Summary{
		Stats:    collectStats(t),
		Skips:    collectSkips(t),
		Browsers: collectBrowsers(versions),
	}
}

func collectStats(t *Tree) Stats {
	stats := Stats{PerBrowser: make(map[string]map[string]*Counts)}

	for _, id := range t.Browsers.AllIDs {
		browser := t.Browsers.ByID[id]
		last, ok := t.LastResult(id)
		if !ok {
			continue
		}

		stats.add(last.Status, browser.Attempts())

		byVersion, ok := stats.PerBrowser[browser.Name]
		if !ok {
			byVersion = make(map[string]*Counts)
			stats.PerBrowser[browser.Name] = byVersion
		}
		version := last.BrowserVersion()
		counts, ok := byVersion[version]
		if !ok {
			counts = &Counts{}
			byVersion[version] = counts
		}
		counts.add(last.Status, browser.Attempts())
	}
	return stats
}

func collectSkips(t *Tree) []Skip {
	skips := []Skip{}
	for _, id := range t.Browsers.AllIDs {
		last, ok := t.LastResult(id)
		if !ok || last.Status != StatusSkipped {
			continue
		}
		skips = append(skips, Skip{
			Browser: last.Name,
			Suite:   strings.Join(last.SuitePath, " "),
			Comment: last.SkipReason,
		})
	}

	sort.Slice(skips, func(i, j int) bool {
		if skips[i].Suite != skips[j].Suite {
			return skips[i].Suite < skips[j].Suite
		}
		return skips[i].Browser < skips[j].Browser
	})
	return skips
}

func collectBrowsers(versions map[string]map[string]struct{}) []BrowserInfo {
	browsers := make([]BrowserInfo, 0, len(versions))
	for name, set := range versions {
		info := BrowserInfo{ID: name, Versions: make([]string, 0, len(set))}
		for v := range set {
			info.Versions = append(info.Versions, v)
		}
		sort.Strings(info.Versions)
		browsers = append(browsers, info)
	}

	sort.Slice(browsers, func(i, j int) bool { return browsers[i].ID < browsers[j].ID })
	return browsers
}
