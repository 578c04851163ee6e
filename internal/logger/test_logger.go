package logger

import (
	"fmt"
	"strings"
	"sync"
)

// TestLogger is a logger for testing that stores messages in memory
type TestLogger struct {
	mu       sync.Mutex
	messages map[LogLevel][]string
}

// NewTestLogger creates a new test logger
func NewTestLogger() *TestLogger {
	return &TestLogger{messages: make(map[LogLevel][]string)}
}

func (l *TestLogger) record(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages[level] = append(l.messages[level], fmt.Sprintf(format, args...))
}

func (l *TestLogger) Debug(format string, args ...interface{}) { l.record(DEBUG, format, args...) }
func (l *TestLogger) Info(format string, args ...interface{})  { l.record(INFO, format, args...) }
func (l *TestLogger) Warn(format string, args ...interface{})  { l.record(WARN, format, args...) }
func (l *TestLogger) Error(format string, args ...interface{}) { l.record(ERROR, format, args...) }

// Close does nothing for test logger
func (l *TestLogger) Close() error {
	return nil
}

// Messages returns a copy of the messages logged at a level ("DEBUG", "WARN", ...)
func (l *TestLogger) Messages(level string) []string {
	lvl, ok := ParseLevel(level)
	if !ok {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	result := make([]string, len(l.messages[lvl]))
	copy(result, l.messages[lvl])
	return result
}

// Contains reports whether any message at the level contains substr
func (l *TestLogger) Contains(level, substr string) bool {
	for _, m := range l.Messages(level) {
		if strings.Contains(m, substr) {
			return true
		}
	}
	return false
}
