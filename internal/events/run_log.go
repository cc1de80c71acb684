package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	// Default maximum run log size before rotation (20MB).
	DefaultMaxLogSize = 20 * 1024 * 1024
	logFileExtension  = ".jsonl"
	archiveDir        = "archive"
)

// RunLogEntry is one persisted run event.
type RunLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType string                 `json:"event_type"`
	RunID     string                 `json:"run_id,omitempty"`
	Target    string                 `json:"target,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// RunLogger appends run events to a JSONL file with size-based rotation.
// Output chunk events are not logged; the Output Manager owns full-output
// persistence.
type RunLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	logPath     string
}

// NewRunLogger creates a run logger writing to logPath. maxSize <= 0 uses
// the default.
func NewRunLogger(logPath string, maxSize int64) (*RunLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}

	l := &RunLogger{
		logPath: logPath,
		maxSize: maxSize,
	}

	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := l.openLogFile(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *RunLogger) openLogFile() error {
	file, err := os.OpenFile(l.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open run log: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat run log: %w", err)
	}

	l.file = file
	l.currentSize = stat.Size()
	return nil
}

// Record persists one bus event. Output chunks are skipped.
func (l *RunLogger) Record(ev Event) error {
	if ev.Type == EventRunOutput {
		return nil
	}
	return l.WriteEntry(&RunLogEntry{
		Timestamp: ev.Timestamp,
		EventType: string(ev.Type),
		RunID:     ev.RunID,
		Target:    ev.Target,
		Details:   ev.Data,
	})
}

// WriteEntry appends one entry, rotating first when the file would exceed
// the size limit.
func (l *RunLogger) WriteEntry(entry *RunLogEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal run log entry: %w", err)
	}
	data = append(data, '\n')

	if l.currentSize+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate run log: %w", err)
		}
	}

	n, err := l.file.Write(data)
	if err != nil {
		return fmt.Errorf("write run log entry: %w", err)
	}
	l.currentSize += int64(n)
	return nil
}

func (l *RunLogger) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("close run log: %w", err)
	}

	dir := filepath.Join(filepath.Dir(l.logPath), archiveDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create archive directory: %w", err)
	}

	base := filepath.Base(l.logPath)
	stamp := time.Now().Format("20060102_150405")
	archiveName := fmt.Sprintf("%s.%s%s", base[:len(base)-len(logFileExtension)], stamp, logFileExtension)
	if err := os.Rename(l.logPath, filepath.Join(dir, archiveName)); err != nil {
		return fmt.Errorf("archive run log: %w", err)
	}

	return l.openLogFile()
}

// Close flushes and closes the underlying file.
func (l *RunLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return err
		}
		return l.file.Close()
	}
	return nil
}
