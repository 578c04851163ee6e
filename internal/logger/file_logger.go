package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

// DefaultDir is where the debug log lives unless configured otherwise
const DefaultDir = ".snapreport"

// LevelEnvVar overrides the configured log level
const LevelEnvVar = "SNAPREPORT_LOG_LEVEL"

// String returns the string representation of a log level
func (l LogLevel) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel converts a string to LogLevel, case-insensitive.
// The second return value is false for unknown levels.
func ParseLevel(level string) (LogLevel, bool) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return DEBUG, true
	case "INFO":
		return INFO, true
	case "WARN", "WARNING":
		return WARN, true
	case "ERROR":
		return ERROR, true
	default:
		return WARN, false
	}
}

// parseLogLevel is ParseLevel with WARN as fallback
func parseLogLevel(level string) LogLevel {
	l, _ := ParseLevel(level)
	return l
}

// Options configure a FileLogger
type Options struct {
	Dir    string    // defaults to DefaultDir
	Level  string    // overridden by SNAPREPORT_LOG_LEVEL
	Stderr io.Writer // errors are mirrored here, defaults to os.Stderr
}

// FileLogger writes all log messages to <dir>/debug.log
type FileLogger struct {
	mu       sync.Mutex
	file     *os.File
	minLevel LogLevel
	stderr   io.Writer
}

// NewFileLogger creates a new file-based logger
func NewFileLogger(opts Options) (*FileLogger, error) {
	dir := opts.Dir
	if dir == "" {
		dir = DefaultDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, "debug.log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open debug log: %w", err)
	}

	header := fmt.Sprintf("\n=== snapreport Debug Log ===\n"+
		"Session started: %s\n"+
		"PID: %d\n"+
		"Working directory: %s\n"+
		"---\n\n",
		time.Now().Format(time.RFC3339),
		os.Getpid(),
		mustGetwd())

	if _, err := file.WriteString(header); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("failed to write log header: %w", err)
	}

	level := opts.Level
	if env := os.Getenv(LevelEnvVar); env != "" {
		level = env
	}

	stderr := opts.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	return &FileLogger{
		file:     file,
		minLevel: parseLogLevel(level),
		stderr:   stderr,
	}, nil
}

// Level returns the minimum level written to the log
func (l *FileLogger) Level() LogLevel {
	return l.minLevel
}

// Debug writes a debug message to the log file
func (l *FileLogger) Debug(format string, args ...interface{}) {
	if l.minLevel <= DEBUG {
		l.writeLog(DEBUG, format, args...)
	}
}

// Info writes an info message to the log file
func (l *FileLogger) Info(format string, args ...interface{}) {
	if l.minLevel <= INFO {
		l.writeLog(INFO, format, args...)
	}
}

// Warn writes a warning message to the log file
func (l *FileLogger) Warn(format string, args ...interface{}) {
	if l.minLevel <= WARN {
		l.writeLog(WARN, format, args...)
	}
}

// Error writes an error message to the log file and also to stderr
func (l *FileLogger) Error(format string, args ...interface{}) {
	l.writeLog(ERROR, format, args...)
	_, _ = fmt.Fprintf(l.stderr, "[ERROR] "+format+"\n", args...)
}

// writeLog writes a timestamped log entry
func (l *FileLogger) writeLog(level LogLevel, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("[%s] [%s] %s\n", timestamp, level, message)

	_, _ = l.file.WriteString(logLine)
	_ = l.file.Sync()
}

// Close writes the session footer and closes the log file
func (l *FileLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}

	footer := fmt.Sprintf("\n--- Session ended: %s ---\n\n", time.Now().Format(time.RFC3339))
	_, _ = l.file.WriteString(footer)

	err := l.file.Close()
	l.file = nil
	return err
}

// mustGetwd returns the current working directory or "unknown"
func mustGetwd() string {
	wd, err := os.Getwd()
	if err != nil {
		return "unknown"
	}
	return wd
}
