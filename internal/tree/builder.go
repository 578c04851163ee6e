package tree

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrInvalidTestPath is returned for results without a suite path or browser name
	ErrInvalidTestPath = errors.New("invalid test path")
	// ErrInvalidAttempt is returned for negative attempt numbers
	ErrInvalidAttempt = errors.New("invalid attempt")
	// ErrInvalidResultID is returned for IDs that were not built by ResultID
	ErrInvalidResultID = errors.New("invalid result ID")
	// ErrUnknownResult is returned for result IDs missing from the tree
	ErrUnknownResult = errors.New("unknown result")
	// ErrUnknownImage is returned for image IDs or state names missing from the tree
	ErrUnknownImage = errors.New("unknown image")
)

// Logger interface for debug logging
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// noopLogger is a default logger that does nothing
type noopLogger struct{}

func (n *noopLogger) Debug(format string, args ...interface{}) {}
func (n *noopLogger) Info(format string, args ...interface{})  {}
func (n *noopLogger) Warn(format string, args ...interface{})  {}
func (n *noopLogger) Error(format string, args ...interface{}) {}

// Builder maintains a Tree incrementally, one test result at a time.
// Writers are serialized, readers get snapshots.
type Builder struct {
	mu     sync.RWMutex
	tree   *Tree
	logger Logger
}

// NewBuilder creates a builder over an empty tree
func NewBuilder(logger Logger) *Builder {
	if logger == nil {
		logger = &noopLogger{}
	}
	return &Builder{
		tree:   NewTree(),
		logger: logger,
	}
}

// Validate checks that a result can be placed in the tree
func Validate(r TestResult) error {
	if len(r.TestPath) == 0 {
		return fmt.Errorf("%w: empty suite path", ErrInvalidTestPath)
	}
	for i, segment := range r.TestPath {
		if segment == "" {
			return fmt.Errorf("%w: empty segment at position %d", ErrInvalidTestPath, i)
		}
	}
	if r.BrowserID == "" {
		return fmt.Errorf("%w: empty browser name", ErrInvalidTestPath)
	}
	if r.Attempt < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAttempt, r.Attempt)
	}
	return nil
}

// AddTestResult inserts or overwrites the result of one attempt and rolls
// the status up to the root suite. It returns the result ID.
func (b *Builder) AddTestResult(r TestResult) (string, error) {
	if err := Validate(r); err != nil {
		return "", err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	return b.addTestResult(r), nil
}

// addTestResult does the work of AddTestResult, the caller holds the write lock
func (b *Builder) addTestResult(r TestResult) string {
	t := b.tree

	suiteID := SuiteID(r.TestPath)
	browserID := BrowserID(suiteID, r.BrowserID)
	resultID := ResultID(browserID, r.Attempt)

	b.ensureSuites(r.TestPath, browserID)

	browser := t.upsertBrowser(newBrowser(browserID, suiteID, r.BrowserID, r.BrowserVersion()))
	if browser.Version == UnknownBrowserVersion {
		browser.Version = r.BrowserVersion()
	}
	browser.setResult(r.Attempt, resultID)

	imageIDs := make([]string, 0, len(r.ImagesInfo))
	images := make([]*Image, 0, len(r.ImagesInfo))
	for i, info := range r.ImagesInfo {
		id := ImageID(resultID, info, i)
		imageIDs = appendUnique(imageIDs, id)
		images = append(images, &Image{ID: id, ParentID: resultID, ImageInfo: info})
	}

	result := &Result{
		ID:         resultID,
		ParentID:   browserID,
		Attempt:    r.Attempt,
		Name:       r.BrowserID,
		SuitePath:  append([]string(nil), r.TestPath...),
		ImageIDs:   imageIDs,
		ResultData: r.ResultData,
	}
	if previous := t.upsertResult(result); previous != nil {
		b.pruneImages(previous.ImageIDs, imageIDs)
		b.logger.Debug("Overwrote result %s (%s -> %s)", resultID, previous.Status, result.Status)
	}

	// Same stateName twice in one result: the later image wins
	for _, img := range images {
		t.upsertImage(img)
	}

	b.rollup(suiteID)
	return resultID
}

// ensureSuites creates the suite chain of a test path and links the leaf suite to the browser
func (b *Builder) ensureSuites(testPath []string, browserID string) {
	t := b.tree
	parentID := ""

	for i := range testPath {
		id := ChildID(parentID, testPath[i])
		created := t.upsertSuite(&Suite{
			ID:        id,
			ParentID:  parentID,
			Name:      testPath[i],
			SuitePath: append([]string(nil), testPath[:i+1]...),
			Root:      i == 0,
		})
		if created {
			b.logger.Debug("Created suite %q", id)
		}

		if parentID != "" {
			parent := t.Suites.ByID[parentID]
			parent.SuiteIDs = appendUnique(parent.SuiteIDs, id)
		}
		parentID = id
	}

	leaf := t.Suites.ByID[parentID]
	leaf.BrowserIDs = appendUnique(leaf.BrowserIDs, browserID)
}

// pruneImages removes images of the previous version of a result that the new version no longer carries
func (b *Builder) pruneImages(previous, current []string) {
	keep := make(map[string]struct{}, len(current))
	for _, id := range current {
		keep[id] = struct{}{}
	}

	var orphans []string
	for _, id := range previous {
		if _, ok := keep[id]; !ok {
			orphans = append(orphans, id)
		}
	}
	if len(orphans) > 0 {
		b.logger.Debug("Pruning %d orphaned images", len(orphans))
		b.tree.removeImages(orphans)
	}
}

// rollup recomputes suite statuses from suiteID up to the root. The walk stops
// at the first suite whose status did not change.
func (b *Builder) rollup(suiteID string) {
	t := b.tree

	for id := suiteID; id != ""; {
		suite, ok := t.Suites.ByID[id]
		if !ok {
			b.logger.Error("Status rollup reached unknown suite %q", id)
			return
		}

		statuses := make([]Status, 0, len(suite.BrowserIDs)+len(suite.SuiteIDs))
		for _, browserID := range suite.BrowserIDs {
			if last, ok := t.LastResult(browserID); ok {
				statuses = append(statuses, last.Status)
			}
		}
		for _, childID := range suite.SuiteIDs {
			if child, ok := t.Suites.ByID[childID]; ok {
				statuses = append(statuses, child.Status)
			}
		}

		status := ResolveStatus(statuses...)
		if status == suite.Status {
			return
		}
		suite.Status = status
		id = suite.ParentID
	}
}

// Tree returns a snapshot of the current tree
func (b *Builder) Tree() *Tree {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Clone()
}

// Reuse replaces the builder's tree with a copy of a previously built one
func (b *Builder) Reuse(previous *Tree) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if previous == nil {
		b.tree = NewTree()
		return
	}
	b.tree = previous.Clone()
	b.logger.Info("Reusing tree with %d suites and %d results", len(b.tree.Suites.AllIDs), len(b.tree.Results.AllIDs))
}

// LastResult returns a copy of the last attempt of a browser
func (b *Builder) LastResult(browserID string) (*Result, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	r, ok := b.tree.LastResult(browserID)
	if !ok {
		return nil, false
	}
	return r.clone(), true
}

// CurrentAttempt returns the attempt number a new result of the test should
// take: the last attempt while it is idle, running or skipped, the next one
// otherwise. A test without results starts at attempt 0.
func (b *Builder) CurrentAttempt(testPath []string, browserName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	last, ok := b.tree.LastResult(BrowserID(SuiteID(testPath), browserName))
	if !ok {
		return 0
	}
	switch last.Status {
	case StatusIdle, StatusRunning, StatusSkipped:
		return last.Attempt
	}
	return last.Attempt + 1
}

// SuiteStatus is a suite reference carried by a Branch
type SuiteStatus struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// Branch is everything the UI needs to patch one result into its copy of the tree
type Branch struct {
	Suites  []SuiteStatus `json:"suites"` // root first
	Browser *Browser      `json:"browser"`
	Result  *Result       `json:"result"`
	Images  []*Image      `json:"images"`
}

// TestBranch returns a copy of the branch leading to a result
func (b *Builder) TestBranch(resultID string) (*Branch, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.tree.Branch(resultID)
}

// Branch returns a copy of the branch leading to a result
func (t *Tree) Branch(resultID string) (*Branch, bool) {
	result, ok := t.Results.ByID[resultID]
	if !ok {
		return nil, false
	}
	browser, ok := t.Browsers.ByID[result.ParentID]
	if !ok {
		return nil, false
	}

	branch := &Branch{
		Browser: browser.clone(),
		Result:  result.clone(),
		Images:  make([]*Image, 0, len(result.ImageIDs)),
	}
	for _, id := range result.ImageIDs {
		if img, ok := t.Images.ByID[id]; ok {
			branch.Images = append(branch.Images, img.clone())
		}
	}

	var chain []SuiteStatus
	for id := browser.ParentID; id != ""; {
		suite, ok := t.Suites.ByID[id]
		if !ok {
			break
		}
		chain = append(chain, SuiteStatus{ID: suite.ID, Status: suite.Status})
		id = suite.ParentID
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	branch.Suites = chain

	return branch, true
}

// UpdatedAttempt returns the attempt an accepted screenshot of the test is
// recorded at: the last attempt when it already holds an accepted image, the
// next one otherwise
func (b *Builder) UpdatedAttempt(testPath []string, browserName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t := b.tree
	last, ok := t.LastResult(BrowserID(SuiteID(testPath), browserName))
	if !ok {
		return 0
	}
	for _, id := range last.ImageIDs {
		if img, ok := t.Images.ByID[id]; ok && img.Status == StatusUpdated {
			return last.Attempt
		}
	}
	return last.Attempt + 1
}

// UpdateImage replaces the info of an image, keeping its ID and parent
func (b *Builder) UpdateImage(imageID string, info ImageInfo) (*Image, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.tree
	current, ok := t.Images.ByID[imageID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownImage, imageID)
	}
	updated := &Image{ID: current.ID, ParentID: current.ParentID, ImageInfo: info}
	t.Images.ByID[imageID] = updated

	if result, ok := t.Results.ByID[current.ParentID]; ok {
		if browser, ok := t.Browsers.ByID[result.ParentID]; ok {
			b.rollup(browser.ParentID)
		}
	}
	return updated.clone(), nil
}

// RemoveResult deletes a result and its images. The browser's previous
// attempt becomes its last one and suite statuses are rolled up again.
func (b *Builder) RemoveResult(resultID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	t := b.tree
	result, ok := t.Results.ByID[resultID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownResult, resultID)
	}

	t.removeImages(result.ImageIDs)
	t.removeResult(resultID)

	browser, ok := t.Browsers.ByID[result.ParentID]
	if !ok {
		return nil
	}
	browser.removeResult(result.Attempt)
	b.logger.Debug("Removed result %s, last attempt of %s is now %d", resultID, browser.ID, browser.maxAttempt)
	b.rollup(browser.ParentID)
	return nil
}

// Unaccept describes how to revert the acceptance of one image
type Unaccept struct {
	ImageID   string
	Status    Status // of the image
	Timestamp int64  // of the result holding the image
	// PreviousImageID and PreviousImage come from the attempt before the
	// result; both are empty for a first attempt
	PreviousImageID string
	PreviousImage   *ImageInfo
	// ShouldRemoveResult is set when the image is the only accepted one of its result
	ShouldRemoveResult bool
}

// UnacceptData finds the image stateName of a result and what it reverts to
func (b *Builder) UnacceptData(resultID, stateName string) (*Unaccept, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	t := b.tree
	result, ok := t.Results.ByID[resultID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownResult, resultID)
	}
	image := findImage(t, result.ImageIDs, stateName)
	if image == nil {
		return nil, fmt.Errorf("%w: %q in %s", ErrUnknownImage, stateName, resultID)
	}

	data := &Unaccept{
		ImageID:   image.ID,
		Status:    image.Status,
		Timestamp: result.Timestamp,
	}

	if browser, ok := t.Browsers.ByID[result.ParentID]; ok {
		ids := browser.ResultIDs()
		for i := 1; i < len(ids); i++ {
			if ids[i] != resultID {
				continue
			}
			if previous, ok := t.Results.ByID[ids[i-1]]; ok {
				if prevImage := findImage(t, previous.ImageIDs, stateName); prevImage != nil {
					info := prevImage.clone().ImageInfo
					data.PreviousImageID = prevImage.ID
					data.PreviousImage = &info
				}
			}
			break
		}
	}

	updated := 0
	for _, id := range result.ImageIDs {
		if img, ok := t.Images.ByID[id]; ok && img.Status == StatusUpdated {
			updated++
		}
	}
	data.ShouldRemoveResult = image.Status == StatusUpdated && updated == 1
	return data, nil
}

func findImage(t *Tree, imageIDs []string, stateName string) *Image {
	for _, id := range imageIDs {
		if img, ok := t.Images.ByID[id]; ok && img.StateName == stateName {
			return img
		}
	}
	return nil
}
