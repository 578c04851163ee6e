package gui

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zk/snapreport/internal/ipc"
	"github.com/zk/snapreport/internal/logger"
	"github.com/zk/snapreport/internal/metrics"
	"github.com/zk/snapreport/internal/store"
	"github.com/zk/snapreport/internal/tree"
)

type recordingEmitter struct {
	mu     sync.Mutex
	events []ClientEvent
}

func (r *recordingEmitter) Emit(ev ClientEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recordingEmitter) types() []ClientEventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClientEventType, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

type memStore struct {
	mu   sync.Mutex
	rows []tree.TestResult
	err  error
}

func (m *memStore) WriteTestResult(ctx context.Context, r tree.TestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, r)
	return nil
}

func (m *memStore) DeleteTestResult(ctx context.Context, r tree.TestResult) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	kept := m.rows[:0]
	for _, row := range m.rows {
		if tree.SuiteID(row.TestPath) == tree.SuiteID(r.TestPath) && row.BrowserID == r.BrowserID &&
			row.Status == r.Status && row.Timestamp == r.Timestamp {
			n++
			continue
		}
		kept = append(kept, row)
	}
	m.rows = kept
	return n, nil
}

func (m *memStore) LastSkipped(ctx context.Context, testPath []string, browser string) (*store.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *store.Row
	for _, r := range m.rows {
		if tree.SuiteID(r.TestPath) != tree.SuiteID(testPath) || r.BrowserID != browser || r.Status != tree.StatusSkipped {
			continue
		}
		if last == nil || r.Timestamp > last.Timestamp {
			row := store.RowFromTestResult(r)
			last = &row
		}
	}
	return last, nil
}

func (m *memStore) snapshot() []tree.TestResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]tree.TestResult(nil), m.rows...)
}

type slowSaver struct{ delay time.Duration }

func (s slowSaver) Save(r tree.TestResult) (tree.TestResult, error) {
	time.Sleep(s.delay)
	return r, nil
}

func result(path []string, browser string) tree.TestResult {
	return tree.TestResult{TestPath: path, BrowserID: browser}
}

func withDiff(r tree.TestResult) tree.TestResult {
	r.ImagesInfo = []tree.ImageInfo{{StateName: "plain", Status: tree.StatusFail, DiffImg: &tree.ImageFile{Path: "diff.png"}}}
	return r
}

func handleAll(t *testing.T, s *Subscriber, events ...ipc.Event) {
	t.Helper()
	for _, ev := range events {
		require.NoError(t, s.Handle(context.Background(), ev))
	}
}

func TestSubscriber_RetryFlow(t *testing.T) {
	b := tree.NewBuilder(nil)
	emitter := &recordingEmitter{}
	store := &memStore{}
	s := NewSubscriber(b, Options{Store: store, Emitter: emitter, Workers: 2})

	r := result([]string{"A", "b"}, "chrome")
	handleAll(t, s,
		ipc.NewSuiteBeginEvent([]string{"A"}, false),
		ipc.NewTestEvent(ipc.EventTypeTestBegin, r),
		ipc.NewTestEvent(ipc.EventTypeRetry, r),
		ipc.NewTestEvent(ipc.EventTypeTestBegin, r),
		ipc.NewTestEvent(ipc.EventTypeTestPass, r),
		ipc.NewRunEndEvent(),
	)

	assert.Equal(t, []ClientEventType{
		EventBeginSuite, EventBeginState, EventTestResult, EventBeginState, EventTestResult, EventEnd,
	}, emitter.types())

	browser, ok := b.Tree().Browser(tree.BrowserID("A b", "chrome"))
	require.True(t, ok)
	assert.Equal(t, 2, browser.Attempts())

	first, ok := b.Tree().Result(tree.ResultID(browser.ID, 0))
	require.True(t, ok)
	assert.Equal(t, tree.StatusError, first.Status, "a failure without diff is an error")

	last, ok := b.LastResult(browser.ID)
	require.True(t, ok)
	assert.Equal(t, 1, last.Attempt)
	assert.Equal(t, tree.StatusSuccess, last.Status)

	require.Len(t, store.rows, 2, "running attempts are not persisted")
	assert.Equal(t, 0, store.rows[0].Attempt)
	assert.Equal(t, 1, store.rows[1].Attempt)

	suiteEvent := emitter.events[0].Data.(*BeginSuite)
	assert.Equal(t, "A", suiteEvent.SuiteID)
	assert.Equal(t, tree.StatusRunning, suiteEvent.Status)

	branch := emitter.events[4].Data.(*tree.Branch)
	assert.Equal(t, []tree.SuiteStatus{{ID: "A", Status: tree.StatusSuccess}, {ID: "A b", Status: tree.StatusSuccess}}, branch.Suites)
}

func TestSubscriber_FailWithDiff(t *testing.T) {
	b := tree.NewBuilder(nil)
	s := NewSubscriber(b, Options{})

	r := withDiff(result([]string{"A"}, "chrome"))
	handleAll(t, s, ipc.NewTestEvent(ipc.EventTypeTestFail, r), ipc.NewRunEndEvent())

	last, ok := b.LastResult(tree.BrowserID("A", "chrome"))
	require.True(t, ok)
	assert.Equal(t, tree.StatusFail, last.Status)
	assert.Len(t, last.ImageIDs, 1)
}

func TestSubscriber_PendingSuiteAndTest(t *testing.T) {
	b := tree.NewBuilder(nil)
	emitter := &recordingEmitter{}
	s := NewSubscriber(b, Options{Emitter: emitter})

	handleAll(t, s,
		ipc.NewSuiteBeginEvent([]string{"A"}, true),
		ipc.NewTestEvent(ipc.EventTypeTestPending, result([]string{"A", "b"}, "chrome")),
		ipc.NewRunEndEvent(),
	)

	assert.Equal(t, []ClientEventType{EventTestResult, EventEnd}, emitter.types())
	suite, ok := b.Tree().Suite("A")
	require.True(t, ok)
	assert.Equal(t, tree.StatusSkipped, suite.Status)
}

func TestSubscriber_PerBrowserOrdering(t *testing.T) {
	b := tree.NewBuilder(nil)
	store := &memStore{}
	s := NewSubscriber(b, Options{Store: store, Images: slowSaver{delay: time.Millisecond}, Workers: 4})

	const attempts = 20
	browsers := []string{"chrome", "firefox", "safari"}
	for i := 0; i < attempts; i++ {
		for _, br := range browsers {
			r := result([]string{"A"}, br)
			r.Timestamp = int64(i)
			require.NoError(t, s.Handle(context.Background(), ipc.NewTestEvent(ipc.EventTypeRetry, r)))
		}
	}
	require.NoError(t, s.WaitIdle(context.Background()))

	tr := b.Tree()
	for _, br := range browsers {
		browser, ok := tr.Browser(tree.BrowserID("A", br))
		require.True(t, ok)
		require.Equal(t, attempts, browser.Attempts())
		for i := 0; i < attempts; i++ {
			res, ok := tr.Result(tree.ResultID(browser.ID, i))
			require.True(t, ok)
			assert.Equal(t, int64(i), res.Timestamp, "%s attempt %d", br, i)
		}
	}
	assert.Len(t, store.rows, attempts*len(browsers))
}

func TestSubscriber_PersistenceFailureIsLogged(t *testing.T) {
	b := tree.NewBuilder(nil)
	log := logger.NewTestLogger()
	m := metrics.New()
	s := NewSubscriber(b, Options{Store: &memStore{err: errors.New("disk full")}, Logger: log, Metrics: m})

	handleAll(t, s, ipc.NewTestEvent(ipc.EventTypeTestPass, result([]string{"A"}, "chrome")), ipc.NewRunEndEvent())

	assert.True(t, log.Contains("ERROR", "disk full"))
	_, ok := b.LastResult(tree.BrowserID("A", "chrome"))
	assert.True(t, ok, "the tree is updated anyway")
}

func TestSubscriber_InvalidResult(t *testing.T) {
	b := tree.NewBuilder(nil)
	log := logger.NewTestLogger()
	m := metrics.New()
	s := NewSubscriber(b, Options{Logger: log, Metrics: m})

	handleAll(t, s,
		ipc.NewTestEvent(ipc.EventTypeTestBegin, result(nil, "chrome")),
		ipc.NewTestEvent(ipc.EventTypeTestPass, result([]string{"A"}, "")),
		ipc.NewRunEndEvent(),
	)

	assert.Len(t, log.Messages("WARN"), 2)
	assert.Empty(t, b.Tree().Results.AllIDs)
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(`
# HELP snapreport_results_failed_total Test results that could not be saved or added to the tree
# TYPE snapreport_results_failed_total counter
snapreport_results_failed_total 2
`), "snapreport_results_failed_total"))
}

func TestSubscriber_Stop(t *testing.T) {
	b := tree.NewBuilder(nil)
	store := &memStore{}
	s := NewSubscriber(b, Options{Store: store, Images: slowSaver{delay: 5 * time.Millisecond}, Workers: 2})

	for i := 0; i < 5; i++ {
		require.NoError(t, s.Handle(context.Background(), ipc.NewTestEvent(ipc.EventTypeTestPass, result([]string{fmt.Sprintf("T%d", i)}, "chrome"))))
	}

	require.NoError(t, s.Stop(context.Background()))
	assert.Len(t, store.rows, 5, "queued attempts are drained")

	err := s.Handle(context.Background(), ipc.NewTestEvent(ipc.EventTypeTestPass, result([]string{"late"}, "chrome")))
	assert.ErrorIs(t, err, ErrStopped)
	assert.NoError(t, s.Stop(context.Background()))
}

func TestSubscriber_WaitIdleHonorsContext(t *testing.T) {
	b := tree.NewBuilder(nil)
	s := NewSubscriber(b, Options{Images: slowSaver{delay: 200 * time.Millisecond}, Workers: 1})

	require.NoError(t, s.Handle(context.Background(), ipc.NewTestEvent(ipc.EventTypeTestPass, result([]string{"A"}, "chrome"))))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, s.WaitIdle(ctx), context.DeadlineExceeded)
	assert.NoError(t, s.WaitIdle(context.Background()))
}

func TestStatusFor(t *testing.T) {
	plain := result([]string{"A"}, "chrome")
	tests := []struct {
		event ipc.EventType
		in    tree.TestResult
		want  tree.Status
	}{
		{ipc.EventTypeTestPass, plain, tree.StatusSuccess},
		{ipc.EventTypeTestFail, plain, tree.StatusError},
		{ipc.EventTypeTestFail, withDiff(plain), tree.StatusFail},
		{ipc.EventTypeRetry, plain, tree.StatusError},
		{ipc.EventTypeRetry, withDiff(plain), tree.StatusFail},
		{ipc.EventTypeTestPending, plain, tree.StatusSkipped},
	}
	for _, tt := range tests {
		got, err := statusFor(tt.event, tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s", tt.event)
	}

	_, err := statusFor(ipc.EventTypeTestBegin, plain)
	assert.Error(t, err)
}

func TestSubscriber_ReplacesStoredSkippedAttempt(t *testing.T) {
	skipped := result([]string{"A"}, "chrome")
	skipped.Status = tree.StatusSkipped
	skipped.Timestamp = 5

	previous := tree.NewBuilder(nil)
	_, err := previous.AddTestResult(skipped)
	require.NoError(t, err)

	tests := []struct {
		name   string
		events []ipc.Event
	}{
		{"skipped again", []ipc.Event{
			ipc.NewTestEvent(ipc.EventTypeTestPending, result([]string{"A"}, "chrome")),
		}},
		{"run", []ipc.Event{
			ipc.NewTestEvent(ipc.EventTypeTestBegin, result([]string{"A"}, "chrome")),
			ipc.NewTestEvent(ipc.EventTypeTestPass, result([]string{"A"}, "chrome")),
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := tree.NewBuilder(nil)
			b.Reuse(previous.Tree())
			mem := &memStore{rows: []tree.TestResult{skipped}}
			s := NewSubscriber(b, Options{Store: mem})

			handleAll(t, s, append(tt.events, ipc.NewRunEndEvent())...)

			rows := mem.snapshot()
			require.Len(t, rows, 1, "the reused skipped row is replaced")
			assert.Equal(t, 0, rows[0].Attempt)

			browser, ok := b.Tree().Browser(tree.BrowserID("A", "chrome"))
			require.True(t, ok)
			assert.Equal(t, 1, browser.Attempts())
		})
	}
}

func TestSubscriber_AcceptAndUndo(t *testing.T) {
	b := tree.NewBuilder(nil)
	emitter := &recordingEmitter{}
	mem := &memStore{}
	s := NewSubscriber(b, Options{Store: mem, Emitter: emitter})

	r := withDiff(result([]string{"A"}, "chrome"))
	r.ImagesInfo[0].ActualImg = &tree.ImageFile{Path: "actual.png"}
	handleAll(t, s, ipc.NewTestEvent(ipc.EventTypeTestFail, r), ipc.NewRunEndEvent())

	browserID := tree.BrowserID("A", "chrome")
	failedID := tree.ResultID(browserID, 0)
	ctx := context.Background()

	branch, err := s.Accept(ctx, failedID, "plain")
	require.NoError(t, err)
	assert.Equal(t, tree.ResultID(browserID, 1), branch.Result.ID)
	assert.Equal(t, tree.StatusUpdated, branch.Result.Status)
	require.Len(t, branch.Images, 1)
	assert.Equal(t, tree.StatusUpdated, branch.Images[0].Status)
	assert.Equal(t, "actual.png", branch.Images[0].ExpectedImg.Path)
	assert.Nil(t, branch.Images[0].DiffImg)
	assert.Equal(t, EventTestResult, emitter.types()[len(emitter.types())-1])

	rows := mem.snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, tree.StatusUpdated, rows[1].Status)

	_, err = s.UndoAccept(ctx, failedID, "plain")
	assert.ErrorIs(t, err, ErrNotAccepted)

	undo, err := s.UndoAccept(ctx, branch.Result.ID, "plain")
	require.NoError(t, err)
	assert.Equal(t, branch.Result.ID, undo.RemovedResult)

	last, ok := b.LastResult(browserID)
	require.True(t, ok)
	assert.Equal(t, 0, last.Attempt)
	assert.Equal(t, tree.StatusFail, last.Status)
	rows = mem.snapshot()
	require.Len(t, rows, 1)
	assert.Equal(t, tree.StatusFail, rows[0].Status)
}

func TestSubscriber_AcceptExtendsUpdatedAttempt(t *testing.T) {
	b := tree.NewBuilder(nil)
	mem := &memStore{}
	s := NewSubscriber(b, Options{Store: mem})

	r := result([]string{"A"}, "chrome")
	r.ImagesInfo = []tree.ImageInfo{
		{StateName: "plain", Status: tree.StatusFail, DiffImg: &tree.ImageFile{Path: "plain-diff.png"}},
		{StateName: "hover", Status: tree.StatusFail, DiffImg: &tree.ImageFile{Path: "hover-diff.png"}},
	}
	handleAll(t, s, ipc.NewTestEvent(ipc.EventTypeTestFail, r), ipc.NewRunEndEvent())

	ctx := context.Background()
	browserID := tree.BrowserID("A", "chrome")
	first, err := s.Accept(ctx, tree.ResultID(browserID, 0), "plain")
	require.NoError(t, err)
	second, err := s.Accept(ctx, first.Result.ID, "hover")
	require.NoError(t, err)
	assert.Equal(t, first.Result.ID, second.Result.ID)
	require.Len(t, mem.snapshot(), 2, "the updated row is rewritten, not duplicated")

	undo, err := s.UndoAccept(ctx, second.Result.ID, "hover")
	require.NoError(t, err)
	assert.Empty(t, undo.RemovedResult)
	require.NotNil(t, undo.UpdatedImage)
	assert.Equal(t, tree.StatusFail, undo.UpdatedImage.Status)
	assert.Equal(t, "hover-diff.png", undo.UpdatedImage.DiffImg.Path)

	rows := mem.snapshot()
	require.Len(t, rows, 2)
	assert.Equal(t, tree.StatusUpdated, rows[1].Status)
	assert.Equal(t, tree.StatusFail, rows[1].ImagesInfo[1].Status)
}

func TestSubscriber_AcceptErrors(t *testing.T) {
	b := tree.NewBuilder(nil)
	s := NewSubscriber(b, Options{})
	handleAll(t, s, ipc.NewTestEvent(ipc.EventTypeTestFail, withDiff(result([]string{"A"}, "chrome"))), ipc.NewRunEndEvent())
	ctx := context.Background()

	_, err := s.Accept(ctx, "A", "plain")
	assert.ErrorIs(t, err, tree.ErrInvalidResultID)
	_, err = s.Accept(ctx, tree.ResultID(tree.BrowserID("A", "chrome"), 5), "plain")
	assert.ErrorIs(t, err, tree.ErrUnknownResult)
	_, err = s.Accept(ctx, tree.ResultID(tree.BrowserID("A", "chrome"), 0), "missing")
	assert.ErrorIs(t, err, tree.ErrUnknownImage)

	require.NoError(t, s.Stop(ctx))
	_, err = s.Accept(ctx, tree.ResultID(tree.BrowserID("A", "chrome"), 0), "plain")
	assert.ErrorIs(t, err, ErrStopped)
}
