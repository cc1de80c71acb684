// Package output post-processes captured run output: optional truncation
// for the in-band response and optional persistence of the full text to a
// per-session directory.
package output

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Processed is the result of post-processing one run's output.
type Processed struct {
	// Text is what gets returned to the caller, possibly truncated with an
	// advisory note appended.
	Text string
	// ArtifactPath is the persisted full-output file, empty when writing is
	// disabled or failed.
	ArtifactPath string
}

// Manager applies the output policy. One Manager per daemon; the session
// directory name is fixed at construction and created lazily on first write.
type Manager struct {
	maxChars    int
	writeToFile bool
	tempDir     string
	session     string
	logger      *log.Logger

	dirOnce sync.Once
	dir     string
	dirErr  error
}

// NewManager creates a Manager. maxChars == 0 means unlimited. tempDir ""
// falls back to the system temp root. session is the per-daemon random
// suffix used to namespace artifact files.
func NewManager(maxChars int, writeToFile bool, tempDir, session string, logger *log.Logger) *Manager {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Manager{
		maxChars:    maxChars,
		writeToFile: writeToFile,
		tempDir:     tempDir,
		session:     session,
		logger:      logger,
	}
}

// Process writes the artifact (when enabled) and computes the in-band text.
// A failed artifact write degrades to "no artifact"; Process itself never
// fails.
func (m *Manager) Process(target, raw string) Processed {
	p := Processed{Text: raw}

	if m.writeToFile {
		path, err := m.writeArtifact(target, raw)
		if err != nil {
			m.logf("artifact write failed target=%s err=%v", target, err)
		} else {
			p.ArtifactPath = path
		}
	}

	if m.maxChars > 0 && len(raw) > m.maxChars {
		note := fmt.Sprintf("\n\n... (truncated, output was %d characters)", len(raw))
		if p.ArtifactPath != "" {
			note = fmt.Sprintf("\n\n... (truncated, output was %d characters; full output: %s)", len(raw), p.ArtifactPath)
		}
		p.Text = raw[:m.maxChars] + note
	}

	return p
}

// writeArtifact persists the full untruncated output to a uniquely named
// file under the session directory.
func (m *Manager) writeArtifact(target, raw string) (string, error) {
	dir, err := m.sessionDir()
	if err != nil {
		return "", err
	}

	name := fmt.Sprintf("%s-%d.log", target, time.Now().UnixNano())
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return "", fmt.Errorf("create artifact: %w", err)
	}
	if _, err := f.WriteString(raw); err != nil {
		f.Close()
		return "", fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close artifact: %w", err)
	}
	return path, nil
}

// sessionDir creates the per-session output directory once.
func (m *Manager) sessionDir() (string, error) {
	m.dirOnce.Do(func() {
		dir := filepath.Join(m.tempDir, "mkbridge-"+m.session)
		if err := os.MkdirAll(dir, 0755); err != nil {
			m.dirErr = fmt.Errorf("create session dir: %w", err)
			return
		}
		m.dir = dir
		m.logf("created output directory %s", dir)
	})
	return m.dir, m.dirErr
}

func (m *Manager) logf(format string, args ...any) {
	if m.logger != nil {
		m.logger.Printf("[output] "+format, args...)
	}
}
