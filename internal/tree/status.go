package tree

import "strings"

// Status represents the status of a result, browser or suite
type Status string

const (
	StatusRunning Status = "running"
	StatusQueued  Status = "queued"
	StatusError   Status = "error"
	StatusFail    Status = "fail"
	StatusUpdated Status = "updated"
	StatusSuccess Status = "success"
	StatusIdle    Status = "idle"
	StatusSkipped Status = "skipped"
)

// statusPriority lists statuses from the most to the least significant.
// Non-final statuses come first so a running branch is always shown as running.
var statusPriority = []Status{
	StatusRunning,
	StatusQueued,
	StatusError,
	StatusFail,
	StatusUpdated,
	StatusSuccess,
	StatusIdle,
	StatusSkipped,
}

// AllStatuses returns every known status in priority order
func AllStatuses() []Status {
	result := make([]Status, len(statusPriority))
	copy(result, statusPriority)
	return result
}

// ResolveStatus returns the aggregate status of a set of child statuses.
// The first status in priority order that is present wins. An empty set is
// vacuously successful. Unknown values are ignored.
func ResolveStatus(statuses ...Status) Status {
	if len(statuses) == 0 {
		return StatusSuccess
	}

	present := make(map[Status]struct{}, len(statuses))
	for _, s := range statuses {
		present[s] = struct{}{}
	}

	for _, s := range statusPriority {
		if _, ok := present[s]; ok {
			return s
		}
	}
	return StatusSuccess
}

// Priority returns the rank of a status, lower is more significant.
// Unknown statuses rank after every known one.
func Priority(s Status) int {
	for i, known := range statusPriority {
		if known == s {
			return i
		}
	}
	return len(statusPriority)
}

// ParseStatus converts a raw status string into a Status
func ParseStatus(raw string) (Status, bool) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range statusPriority {
		if known == s {
			return s, true
		}
	}
	return "", false
}

// IsValid reports whether s is one of the known statuses
func (s Status) IsValid() bool {
	return Priority(s) < len(statusPriority)
}

func IsSuccessStatus(s Status) bool { return s == StatusSuccess }
func IsFailStatus(s Status) bool    { return s == StatusFail }
func IsErrorStatus(s Status) bool   { return s == StatusError }
func IsSkippedStatus(s Status) bool { return s == StatusSkipped }
func IsUpdatedStatus(s Status) bool { return s == StatusUpdated }
func IsIdleStatus(s Status) bool    { return s == StatusIdle }
