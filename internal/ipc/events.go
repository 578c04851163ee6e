package ipc

import "github.com/zk/snapreport/internal/tree"

// EventType represents the type of IPC event
type EventType string

const (
	EventTypeSuiteBegin  EventType = "suiteBegin"
	EventTypeTestBegin   EventType = "testBegin"
	EventTypeTestPass    EventType = "testPass"
	EventTypeTestFail    EventType = "testFail"
	EventTypeRetry       EventType = "retry"
	EventTypeTestPending EventType = "testPending"
	EventTypeRunEnd      EventType = "runEnd"
)

// IsTestEvent reports whether events of type t carry a test result
func (t EventType) IsTestEvent() bool {
	switch t {
	case EventTypeTestBegin, EventTypeTestPass, EventTypeTestFail, EventTypeRetry, EventTypeTestPending:
		return true
	}
	return false
}

// Event is the base interface for all IPC events
type Event interface {
	Type() EventType
}

// SuiteBeginEvent is sent when the runner enters a suite
type SuiteBeginEvent struct {
	EventType EventType         `json:"eventType"`
	Payload   SuiteBeginPayload `json:"payload"`
}

func (e SuiteBeginEvent) Type() EventType { return EventTypeSuiteBegin }

type SuiteBeginPayload struct {
	SuitePath []string `json:"suitePath"`
	Pending   bool     `json:"pending,omitempty"` // skipped suites are announced but never run
}

// TestEvent is sent for every state change of a test attempt. The payload is
// the adapter-formatted result.
type TestEvent struct {
	EventType EventType       `json:"eventType"`
	Payload   tree.TestResult `json:"payload"`
}

func (e TestEvent) Type() EventType { return e.EventType }

// RunEndEvent indicates that the test runner has completed
type RunEndEvent struct {
	EventType EventType `json:"eventType"`
	Payload   struct{}  `json:"payload"`
}

func (e RunEndEvent) Type() EventType { return EventTypeRunEnd }

// NewSuiteBeginEvent creates a suite begin event
func NewSuiteBeginEvent(suitePath []string, pending bool) SuiteBeginEvent {
	return SuiteBeginEvent{
		EventType: EventTypeSuiteBegin,
		Payload:   SuiteBeginPayload{SuitePath: suitePath, Pending: pending},
	}
}

// NewTestEvent creates a test event. t must be one of the test event types.
func NewTestEvent(t EventType, result tree.TestResult) TestEvent {
	return TestEvent{EventType: t, Payload: result}
}

// NewRunEndEvent creates a run end event
func NewRunEndEvent() RunEndEvent {
	return RunEndEvent{EventType: EventTypeRunEnd}
}
