package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected LogLevel
		known    bool
	}{
		{"DEBUG uppercase", "DEBUG", DEBUG, true},
		{"debug lowercase", "debug", DEBUG, true},
		{"INFO with spaces", "  INFO  ", INFO, true},
		{"warn lowercase", "warn", WARN, true},
		{"warning alias", "warning", WARN, true},
		{"ERROR uppercase", "ERROR", ERROR, true},
		{"mixed case", "DeBuG", DEBUG, true},
		{"empty string", "", WARN, false},
		{"invalid level", "foobar", WARN, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			level, ok := ParseLevel(tt.input)
			assert.Equal(t, tt.expected, level)
			assert.Equal(t, tt.known, ok)
			assert.Equal(t, tt.expected, parseLogLevel(tt.input))
		})
	}
}

func TestLogLevel_String(t *testing.T) {
	tests := []struct {
		level    LogLevel
		expected string
	}{
		{DEBUG, "DEBUG"},
		{INFO, "INFO"},
		{WARN, "WARN"},
		{ERROR, "ERROR"},
		{LogLevel(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.level.String())
		})
	}
}

func TestTestLogger(t *testing.T) {
	l := NewTestLogger()
	l.Debug("d %d", 1)
	l.Warn("skipping row %d", 7)
	l.Warn("again")
	l.Error("boom")

	assert.Equal(t, []string{"d 1"}, l.Messages("debug"))
	assert.Equal(t, []string{"skipping row 7", "again"}, l.Messages("WARN"))
	assert.Empty(t, l.Messages("INFO"))
	assert.Nil(t, l.Messages("nope"))
	assert.True(t, l.Contains("ERROR", "boo"))
	assert.False(t, l.Contains("ERROR", "skipping"))
}
