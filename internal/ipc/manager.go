package ipc

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// EnvIPCPath names the environment variable carrying the event file path to adapters
const EnvIPCPath = "SNAPREPORT_IPC_PATH"

// Manager handles IPC communication via file-based JSONL
type Manager struct {
	IPCPath   string
	watcher   *fsnotify.Watcher
	Events    chan Event
	stopChan  chan struct{}
	stopped   chan struct{} // Signals when watchLoop has stopped
	mu        sync.RWMutex
	closeOnce sync.Once
	logger    Logger
	file      *os.File
	reader    *bufio.Reader
	readerMu  sync.Mutex // Protects concurrent access to reader
	started   bool
}

// Logger interface for debug logging
type Logger interface {
	Debug(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// NewManager creates a new IPC manager for reading events
func NewManager(ipcPath string, logger Logger) (*Manager, error) {
	if logger == nil {
		logger = &noopLogger{}
	}

	// Ensure IPC directory exists
	ipcDir := filepath.Dir(ipcPath)
	if err := os.MkdirAll(ipcDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create IPC directory: %w", err)
	}

	// Create IPC file if it doesn't exist
	file, err := os.OpenFile(ipcPath, os.O_CREATE|os.O_RDONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open IPC file: %w", err)
	}

	return &Manager{
		IPCPath:  ipcPath,
		Events:   make(chan Event, 10000), // Large buffer for handling burst of events
		stopChan: make(chan struct{}),
		stopped:  make(chan struct{}),
		logger:   logger,
		file:     file,
		reader:   bufio.NewReader(file),
	}, nil
}

// WatchEvents starts watching the IPC file for new events
func (m *Manager) WatchEvents() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return fmt.Errorf("already watching %s", m.IPCPath)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	// Add the IPC file to the watcher
	if err := watcher.Add(m.IPCPath); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch IPC file: %w", err)
	}
	m.watcher = watcher
	m.started = true

	// Start the single watch loop that handles both existing and new events
	go m.watchLoop()

	// Trigger initial read of any existing content
	go m.readEvents()

	return nil
}

// readEvents reads events from the current position in the file
func (m *Manager) readEvents() {
	m.readerMu.Lock()
	defer m.readerMu.Unlock()

	for {
		line, err := m.reader.ReadBytes('\n')
		if err != nil {
			if err != io.EOF {
				m.logger.Error("Error reading events: %v", err)
			}
			break
		}

		if len(line) > 0 {
			m.parseAndSendEvent(line)
		}
	}
}

// watchLoop watches for file changes and triggers reads
func (m *Manager) watchLoop() {
	defer close(m.stopped)

	for {
		select {
		case event, ok := <-m.watcher.Events:
			if !ok {
				return
			}

			if event.Op&fsnotify.Write == fsnotify.Write {
				m.logger.Debug("IPC file modified: %s", event.Name)
				m.readEvents()
			}

		case err, ok := <-m.watcher.Errors:
			if !ok {
				return
			}
			// Log the error but don't block on channel send
			m.logger.Error("Watcher error: %v", err)

		case <-m.stopChan:
			return
		}
	}
}

// parseAndSendEvent parses a JSON line and sends it as an event
func (m *Manager) parseAndSendEvent(line []byte) {
	// First, decode to determine event type
	var envelope struct {
		EventType EventType `json:"eventType"`
	}
	if err := json.Unmarshal(line, &envelope); err != nil {
		m.logger.Debug("Failed to parse event: %v", err)
		return
	}
	if envelope.EventType == "" {
		m.logger.Error("Event missing eventType field")
		return
	}

	var event Event
	switch {
	case envelope.EventType == EventTypeSuiteBegin:
		var e SuiteBeginEvent
		if err := json.Unmarshal(line, &e); err != nil {
			m.logger.Debug("Failed to parse suite begin event: %v", err)
			return
		}
		event = e

	case envelope.EventType.IsTestEvent():
		var e TestEvent
		if err := json.Unmarshal(line, &e); err != nil {
			m.logger.Debug("Failed to parse %s event: %v", envelope.EventType, err)
			return
		}
		event = e

	case envelope.EventType == EventTypeRunEnd:
		var e RunEndEvent
		if err := json.Unmarshal(line, &e); err != nil {
			m.logger.Debug("Failed to parse run end event: %v", err)
			return
		}
		event = e

	default:
		m.logger.Error("Unknown event type: %s", envelope.EventType)
		return
	}

	// Send event to channel (blocking send for natural backpressure)
	m.Events <- event
	m.logger.Debug("Processing IPC event: %s", envelope.EventType)
}

// Cleanup stops watching and closes resources
func (m *Manager) Cleanup() error {
	// Signal stop to goroutines (not under lock to avoid deadlock)
	select {
	case <-m.stopChan:
		// Already closed
	default:
		close(m.stopChan)
	}

	// Wait for watchLoop to finish before cleaning up resources
	if m.started {
		<-m.stopped
	}

	// Lines written right before the runner exited may not have produced a
	// write notification yet
	m.mu.RLock()
	open := m.file != nil
	m.mu.RUnlock()
	if open {
		m.readEvents()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.watcher != nil {
		_ = m.watcher.Close()
		m.watcher = nil
	}

	if m.file != nil {
		_ = m.file.Close()
		m.file = nil
	}

	// Close channels only once using sync.Once
	m.closeOnce.Do(func() {
		if m.Events != nil {
			close(m.Events)
		}
	})

	return nil
}

// SendEvent writes an event to the IPC file (for adapters)
func SendEvent(event Event) error {
	ipcPath := os.Getenv(EnvIPCPath)
	if ipcPath == "" {
		return fmt.Errorf("%s not set", EnvIPCPath)
	}
	return AppendEvent(ipcPath, event)
}

// AppendEvent writes an event as one JSON line to the file at ipcPath
func AppendEvent(ipcPath string, event Event) error {
	// Ensure directory exists
	ipcDir := filepath.Dir(ipcPath)
	if err := os.MkdirAll(ipcDir, 0755); err != nil {
		return fmt.Errorf("failed to create IPC directory: %w", err)
	}

	// Marshal event to JSON
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	// Append to file
	file, err := os.OpenFile(ipcPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open IPC file: %w", err)
	}
	defer func() { _ = file.Close() }()

	// Write JSON line
	if _, err := file.Write(data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	if _, err := file.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return nil
}

// EnsureIPCDirectory creates the ipc directory under baseDir if it doesn't exist
func EnsureIPCDirectory(baseDir string) (string, error) {
	ipcDir := filepath.Join(baseDir, "ipc")
	if err := os.MkdirAll(ipcDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create IPC directory: %w", err)
	}

	return ipcDir, nil
}

// noopLogger is a default logger that does nothing
type noopLogger struct{}

func (n *noopLogger) Debug(format string, args ...interface{}) {}
func (n *noopLogger) Error(format string, args ...interface{}) {}
