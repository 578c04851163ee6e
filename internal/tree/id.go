package tree

import (
	"fmt"
	"strconv"
	"strings"
)

// Separator joins escaped path segments into an ID
const Separator = " "

const escapeChar = '\\'

// BuildID builds a deterministic ID from ordered path segments.
// Segments are escaped ('\' -> "\\", ' ' -> "\ ") before being joined with a
// single space, so two different segment lists can never produce the same ID.
// Segments free of spaces and backslashes stay readable: ["A", "B"] -> "A B".
func BuildID(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = escapeSegment(s)
	}
	return strings.Join(escaped, Separator)
}

// ChildID appends one segment to an already built ID
func ChildID(parentID, segment string) string {
	if parentID == "" {
		return escapeSegment(segment)
	}
	return parentID + Separator + escapeSegment(segment)
}

// SplitID reverses BuildID
func SplitID(id string) []string {
	if id == "" {
		return nil
	}

	var (
		segments []string
		current  strings.Builder
		escaping bool
	)
	for _, r := range id {
		switch {
		case escaping:
			current.WriteRune(r)
			escaping = false
		case r == escapeChar:
			escaping = true
		case string(r) == Separator:
			segments = append(segments, current.String())
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	return append(segments, current.String())
}

// SuiteID returns the ID of the suite at the given path
func SuiteID(testPath []string) string {
	return BuildID(testPath...)
}

// BrowserID returns the ID of a browser node under a suite
func BrowserID(suiteID, browserName string) string {
	return ChildID(suiteID, browserName)
}

// ResultID returns the ID of one attempt of a browser
func ResultID(browserID string, attempt int) string {
	return ChildID(browserID, strconv.Itoa(attempt))
}

// ParseResultID splits a result ID into the test path, browser name and
// attempt it was built from
func ParseResultID(id string) (testPath []string, browserName string, attempt int, err error) {
	segments := SplitID(id)
	if len(segments) < 3 {
		return nil, "", 0, fmt.Errorf("%w: %q", ErrInvalidResultID, id)
	}
	attempt, err = strconv.Atoi(segments[len(segments)-1])
	if err != nil || attempt < 0 {
		return nil, "", 0, fmt.Errorf("%w: %q has no attempt number", ErrInvalidResultID, id)
	}
	return segments[:len(segments)-2], segments[len(segments)-2], attempt, nil
}

// ImageID returns the ID of an image attached to a result.
// stateName is used when present, otherwise "<status>_<index>" keeps
// anonymous images of one result apart.
func ImageID(resultID string, info ImageInfo, index int) string {
	return ChildID(resultID, ImageDisambiguator(info.StateName, info.Status, index))
}

// ImageDisambiguator returns the last ID segment of an image
func ImageDisambiguator(stateName string, status Status, index int) string {
	if stateName != "" {
		return stateName
	}
	return fmt.Sprintf("%s_%d", status, index)
}

func escapeSegment(s string) string {
	if !strings.ContainsAny(s, `\ `) {
		return s
	}

	var b strings.Builder
	b.Grow(len(s) + 2)
	for _, r := range s {
		if r == escapeChar || string(r) == Separator {
			b.WriteRune(escapeChar)
		}
		b.WriteRune(r)
	}
	return b.String()
}
