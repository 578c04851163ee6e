// Package gui turns runner events of a live run into tree updates and client
// events.
package gui

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/zk/snapreport/internal/ipc"
	"github.com/zk/snapreport/internal/metrics"
	"github.com/zk/snapreport/internal/store"
	"github.com/zk/snapreport/internal/tree"
)

var (
	// ErrStopped is returned for events handed to a stopped subscriber
	ErrStopped = errors.New("subscriber stopped")
	// ErrNotAccepted is returned when undoing the acceptance of an image that is not accepted
	ErrNotAccepted = errors.New("image is not accepted")
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

// Store persists finished attempts. *store.Store is a Store.
type Store interface {
	WriteTestResult(ctx context.Context, r tree.TestResult) error
	DeleteTestResult(ctx context.Context, r tree.TestResult) (int64, error)
	LastSkipped(ctx context.Context, testPath []string, browser string) (*store.Row, error)
}

// ImageSaver moves the images of an attempt into the report
type ImageSaver interface {
	Save(r tree.TestResult) (tree.TestResult, error)
}

// Emitter receives client events
type Emitter interface {
	Emit(ev ClientEvent)
}

// Options configure a Subscriber. Store, Images and Emitter are optional.
type Options struct {
	Store   Store
	Images  ImageSaver
	Emitter Emitter
	Workers int // NumCPU when zero
	Logger  Logger
	Metrics *metrics.Metrics
}

// Subscriber applies runner events to a builder. Finished attempts are
// processed on a bounded pool; attempts of the same browser run in arrival
// order, different browsers in parallel.
type Subscriber struct {
	builder *tree.Builder
	store   Store
	images  ImageSaver
	emitter Emitter
	logger  Logger
	metrics *metrics.Metrics
	pool    *pool.Pool

	submit  sync.Mutex // serializes queueing so pool start order matches chain order
	mu      sync.Mutex
	tails   map[string]chan struct{} // browser ID -> done channel of its last queued task
	skipped map[string]struct{}      // browser IDs whose stored skipped row is being run again
	pending sync.WaitGroup
	stopped bool
}

// NewSubscriber creates a subscriber updating builder
func NewSubscriber(builder *tree.Builder, opts Options) *Subscriber {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.Logger == nil {
		opts.Logger = &noopLogger{}
	}
	return &Subscriber{
		builder: builder,
		store:   opts.Store,
		images:  opts.Images,
		emitter: opts.Emitter,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		pool:    pool.New().WithMaxGoroutines(opts.Workers),
		tails:   make(map[string]chan struct{}),
		skipped: make(map[string]struct{}),
	}
}

// Handle applies one runner event. Suite and test begin events are applied
// before Handle returns; finished attempts are queued. A run end event waits
// for the queue to drain and then emits END.
func (s *Subscriber) Handle(ctx context.Context, ev ipc.Event) error {
	switch e := ev.(type) {
	case ipc.SuiteBeginEvent:
		if e.Payload.Pending || len(e.Payload.SuitePath) == 0 {
			return nil
		}
		s.emit(EventBeginSuite, &BeginSuite{SuiteID: tree.SuiteID(e.Payload.SuitePath), Status: tree.StatusRunning})
		return nil

	case ipc.TestEvent:
		if e.EventType == ipc.EventTypeTestBegin {
			return s.begin(e.Payload)
		}
		status, err := statusFor(e.EventType, e.Payload)
		if err != nil {
			return err
		}
		return s.enqueue(ctx, status, e.Payload)

	case ipc.RunEndEvent:
		if err := s.WaitIdle(ctx); err != nil {
			return err
		}
		s.emit(EventEnd, nil)
		return nil
	}

	return fmt.Errorf("unsupported event type %s", ev.Type())
}

// statusFor maps a finished-attempt event to the stored status. A failure
// without an image diff is an error rather than a visual failure.
func statusFor(t ipc.EventType, r tree.TestResult) (tree.Status, error) {
	switch t {
	case ipc.EventTypeTestPass:
		return tree.StatusSuccess, nil
	case ipc.EventTypeTestFail, ipc.EventTypeRetry:
		if r.HasDiff() {
			return tree.StatusFail, nil
		}
		return tree.StatusError, nil
	case ipc.EventTypeTestPending:
		return tree.StatusSkipped, nil
	}
	return "", fmt.Errorf("unsupported test event type %s", t)
}

func browserKey(r tree.TestResult) string {
	return tree.BrowserID(tree.SuiteID(r.TestPath), r.BrowserID)
}

// begin records a running attempt once earlier attempts of the browser are applied
func (s *Subscriber) begin(r tree.TestResult) error {
	if err := s.waitBrowser(browserKey(r)); err != nil {
		return err
	}
	defer s.submit.Unlock()

	r.Status = tree.StatusRunning
	r.Attempt = s.builder.CurrentAttempt(r.TestPath, r.BrowserID)
	s.markSkipped(r)

	id, err := s.builder.AddTestResult(r)
	if err != nil {
		s.metrics.ResultFailed()
		s.logger.Warn("Ignoring test begin: %v", err)
		return nil
	}
	s.metrics.ResultProcessed(string(tree.StatusRunning))

	if branch, ok := s.builder.TestBranch(id); ok {
		s.emit(EventBeginState, branch)
	}
	return nil
}

func (s *Subscriber) enqueue(ctx context.Context, status tree.Status, r tree.TestResult) error {
	s.submit.Lock()
	defer s.submit.Unlock()

	key := browserKey(r)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	prev := s.tails[key]
	done := make(chan struct{})
	s.tails[key] = done
	s.pending.Add(1)
	s.mu.Unlock()

	s.metrics.QueueAdd(1)
	taskCtx := context.WithoutCancel(ctx)

	s.pool.Go(func() {
		defer s.finish(key, done)
		if prev != nil {
			<-prev
		}
		s.process(taskCtx, status, r)
	})
	return nil
}

func (s *Subscriber) finish(key string, done chan struct{}) {
	s.mu.Lock()
	if s.tails[key] == done {
		delete(s.tails, key)
	}
	s.mu.Unlock()

	close(done)
	s.metrics.QueueAdd(-1)
	s.pending.Done()
}

// process stores one finished attempt. Image and persistence failures are
// logged and the attempt still reaches the tree.
func (s *Subscriber) process(ctx context.Context, status tree.Status, r tree.TestResult) {
	r.Status = status
	r.Attempt = s.builder.CurrentAttempt(r.TestPath, r.BrowserID)

	if err := tree.Validate(r); err != nil {
		s.metrics.ResultFailed()
		s.logger.Warn("Ignoring test result: %v", err)
		return
	}

	if s.images != nil {
		saved, err := s.images.Save(r)
		if err != nil {
			s.logger.Error("Failed to save images: %v", err)
		} else {
			r = saved
		}
	}

	s.markSkipped(r)
	if s.store != nil {
		s.replaceSkipped(ctx, r)
		if err := s.store.WriteTestResult(ctx, r); err != nil {
			s.metrics.ResultFailed()
			s.logger.Error("Failed to persist test result: %v", err)
		}
	}

	id, err := s.builder.AddTestResult(r)
	if err != nil {
		s.metrics.ResultFailed()
		s.logger.Error("Failed to add test result: %v", err)
		return
	}
	s.metrics.ResultProcessed(string(status))
	s.logger.Debug("Added %s as %s", id, status)

	if branch, ok := s.builder.TestBranch(id); ok {
		s.emit(EventTestResult, branch)
	}
}

// markSkipped remembers that r overwrites a skipped attempt, e.g. one kept
// from a reused report
func (s *Subscriber) markSkipped(r tree.TestResult) {
	if s.store == nil {
		return
	}
	last, ok := s.builder.LastResult(browserKey(r))
	if !ok || last.Status != tree.StatusSkipped || last.Attempt != r.Attempt {
		return
	}
	s.mu.Lock()
	s.skipped[browserKey(r)] = struct{}{}
	s.mu.Unlock()
}

// replaceSkipped deletes the stored skipped row that r overwrites, so the
// stored attempts match the tree
func (s *Subscriber) replaceSkipped(ctx context.Context, r tree.TestResult) {
	key := browserKey(r)
	s.mu.Lock()
	_, ok := s.skipped[key]
	delete(s.skipped, key)
	s.mu.Unlock()
	if !ok {
		return
	}

	row, err := s.store.LastSkipped(ctx, r.TestPath, r.BrowserID)
	if err != nil {
		s.logger.Error("Failed to find skipped result of %s: %v", key, err)
		return
	}
	if row == nil {
		return
	}
	previous := tree.TestResult{TestPath: r.TestPath, BrowserID: r.BrowserID}
	previous.Status = row.Status
	previous.Timestamp = row.Timestamp
	if _, err := s.store.DeleteTestResult(ctx, previous); err != nil {
		s.logger.Error("Failed to replace skipped result of %s: %v", key, err)
		return
	}
	s.logger.Debug("Replaced skipped result of %s", key)
}

// waitBrowser takes the submit lock and waits for the queued attempts of a
// browser. The caller unlocks s.submit.
func (s *Subscriber) waitBrowser(key string) error {
	s.submit.Lock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.submit.Unlock()
		return ErrStopped
	}
	tail := s.tails[key]
	s.mu.Unlock()

	if tail != nil {
		<-tail
	}
	return nil
}

// Accept records the current screenshot of the image stateName as accepted:
// an updated attempt holding the result's images, with the accepted image's
// current screenshot as its reference. Accepting more images of the same
// test extends that attempt.
func (s *Subscriber) Accept(ctx context.Context, resultID, stateName string) (*tree.Branch, error) {
	testPath, browserName, _, err := tree.ParseResultID(resultID)
	if err != nil {
		return nil, err
	}
	key := tree.BrowserID(tree.SuiteID(testPath), browserName)
	if err := s.waitBrowser(key); err != nil {
		return nil, err
	}
	defer s.submit.Unlock()

	branch, ok := s.builder.TestBranch(resultID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tree.ErrUnknownResult, resultID)
	}

	r := tree.TestResult{
		TestPath:   branch.Result.SuitePath,
		BrowserID:  branch.Result.Name,
		Attempt:    s.builder.UpdatedAttempt(testPath, browserName),
		ResultData: branch.Result.ResultData,
	}
	r.Status = tree.StatusUpdated
	r.Timestamp = time.Now().UnixMilli()

	found := false
	for _, img := range branch.Images {
		info := img.ImageInfo
		if info.StateName == stateName {
			info.Status = tree.StatusUpdated
			info.ExpectedImg = info.ActualImg
			info.DiffImg = nil
			found = true
		}
		r.ImagesInfo = append(r.ImagesInfo, info)
	}
	if !found {
		return nil, fmt.Errorf("%w: %q in %s", tree.ErrUnknownImage, stateName, resultID)
	}

	if s.store != nil {
		if last, ok := s.builder.LastResult(key); ok && last.Attempt == r.Attempt {
			previous := tree.TestResult{TestPath: r.TestPath, BrowserID: r.BrowserID, ResultData: last.ResultData}
			if _, err := s.store.DeleteTestResult(ctx, previous); err != nil {
				return nil, fmt.Errorf("failed to replace accepted result: %w", err)
			}
		}
		if err := s.store.WriteTestResult(ctx, r); err != nil {
			return nil, fmt.Errorf("failed to persist accepted result: %w", err)
		}
	}

	id, err := s.builder.AddTestResult(r)
	if err != nil {
		return nil, err
	}
	s.metrics.ResultProcessed(string(tree.StatusUpdated))
	s.logger.Info("Accepted %s of %s", stateName, resultID)

	updated, _ := s.builder.TestBranch(id)
	s.emit(EventTestResult, updated)
	return updated, nil
}

// UndoResult is what UndoAccept changed in the tree
type UndoResult struct {
	UpdatedImage  *tree.Image `json:"updatedImage,omitempty"`
	RemovedResult string      `json:"removedResult,omitempty"`
}

// UndoAccept reverts the acceptance of the image stateName. The accepted
// attempt is removed when the image is its only accepted one, otherwise the
// image goes back to its state in the previous attempt.
func (s *Subscriber) UndoAccept(ctx context.Context, resultID, stateName string) (*UndoResult, error) {
	testPath, browserName, _, err := tree.ParseResultID(resultID)
	if err != nil {
		return nil, err
	}
	key := tree.BrowserID(tree.SuiteID(testPath), browserName)
	if err := s.waitBrowser(key); err != nil {
		return nil, err
	}
	defer s.submit.Unlock()

	data, err := s.builder.UnacceptData(resultID, stateName)
	if err != nil {
		return nil, err
	}
	if data.Status != tree.StatusUpdated {
		return nil, fmt.Errorf("%w: %q in %s", ErrNotAccepted, stateName, resultID)
	}
	branch, ok := s.builder.TestBranch(resultID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", tree.ErrUnknownResult, resultID)
	}
	stored := tree.TestResult{TestPath: testPath, BrowserID: browserName, ResultData: branch.Result.ResultData}

	res := &UndoResult{}
	switch {
	case data.ShouldRemoveResult:
		if err := s.builder.RemoveResult(resultID); err != nil {
			return nil, err
		}
		res.RemovedResult = resultID
	case data.PreviousImage != nil:
		if res.UpdatedImage, err = s.builder.UpdateImage(data.ImageID, *data.PreviousImage); err != nil {
			return nil, err
		}
	default:
		s.logger.Debug("Nothing to revert for %s of %s", stateName, resultID)
		return res, nil
	}

	if s.store != nil {
		if _, err := s.store.DeleteTestResult(ctx, stored); err != nil {
			return res, fmt.Errorf("failed to delete accepted result: %w", err)
		}
		if res.UpdatedImage != nil {
			if current, ok := s.builder.TestBranch(resultID); ok {
				if err := s.store.WriteTestResult(ctx, branchResult(current)); err != nil {
					return res, fmt.Errorf("failed to persist reverted result: %w", err)
				}
			}
		}
	}
	s.logger.Info("Undid acceptance of %s of %s", stateName, resultID)

	if last, ok := s.builder.LastResult(key); ok {
		if current, ok := s.builder.TestBranch(last.ID); ok {
			s.emit(EventTestResult, current)
		}
	}
	return res, nil
}

// branchResult turns a branch back into the test result it was built from
func branchResult(b *tree.Branch) tree.TestResult {
	r := tree.TestResult{
		TestPath:   b.Result.SuitePath,
		BrowserID:  b.Result.Name,
		Attempt:    b.Result.Attempt,
		ResultData: b.Result.ResultData,
	}
	for _, img := range b.Images {
		r.ImagesInfo = append(r.ImagesInfo, img.ImageInfo)
	}
	return r
}

func (s *Subscriber) emit(t ClientEventType, data interface{}) {
	if s.emitter == nil {
		return
	}
	s.emitter.Emit(ClientEvent{Type: t, Data: data})
}

// WaitIdle blocks until every queued attempt is processed or ctx is done
func (s *Subscriber) WaitIdle(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		s.pending.Wait()
		close(idle)
	}()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop rejects new events and drains the queue. It returns ctx's error if
// the queue did not drain in time; queued attempts keep running.
func (s *Subscriber) Stop(ctx context.Context) error {
	s.mu.Lock()
	already := s.stopped
	s.stopped = true
	s.mu.Unlock()

	if err := s.WaitIdle(ctx); err != nil {
		return err
	}
	if !already {
		s.pool.Wait()
	}
	return nil
}
