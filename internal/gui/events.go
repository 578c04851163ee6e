package gui

import (
	"sync"

	"github.com/zk/snapreport/internal/tree"
)

// ClientEventType names an update pushed to report viewers
type ClientEventType string

const (
	EventBeginSuite ClientEventType = "BEGIN_SUITE"
	EventBeginState ClientEventType = "BEGIN_STATE"
	EventTestResult ClientEventType = "TEST_RESULT"
	EventEnd        ClientEventType = "END"
)

// ClientEvent is one update for report viewers. Data is a *BeginSuite for
// BEGIN_SUITE, a *tree.Branch for BEGIN_STATE and TEST_RESULT, nil for END.
type ClientEvent struct {
	Type ClientEventType `json:"type"`
	Data interface{}     `json:"data,omitempty"`
}

// BeginSuite is the payload of BEGIN_SUITE
type BeginSuite struct {
	SuiteID string      `json:"suiteId"`
	Status  tree.Status `json:"status"`
}

// DefaultBufferSize is the per-subscriber queue length of a Broadcaster
const DefaultBufferSize = 256

// Broadcaster fans client events out to subscribers. Emit never blocks: a
// subscriber whose buffer is full misses the event.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[uint64]chan ClientEvent
	next   uint64
	buffer int
	closed bool
	logger Logger
}

// NewBroadcaster creates a broadcaster. bufferSize <= 0 means DefaultBufferSize.
func NewBroadcaster(bufferSize int, logger Logger) *Broadcaster {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if logger == nil {
		logger = &noopLogger{}
	}
	return &Broadcaster{
		subs:   make(map[uint64]chan ClientEvent),
		buffer: bufferSize,
		logger: logger,
	}
}

// Subscribe registers a subscriber. The returned function unsubscribes and
// closes the channel; calling it more than once is safe.
func (b *Broadcaster) Subscribe() (<-chan ClientEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ClientEvent, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}

	id := b.next
	b.next++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() { b.unsubscribe(id) })
	}
}

func (b *Broadcaster) unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

// Emit sends ev to every subscriber
func (b *Broadcaster) Emit(ev ClientEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("Subscriber %d is too slow, dropping %s event", id, ev.Type)
		}
	}
}

// Subscribers returns the number of active subscribers
func (b *Broadcaster) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close unsubscribes everyone
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
