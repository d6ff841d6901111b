package session

import (
	"fmt"
	"os"
	"path/filepath"
)

// StopSignal is the cross-process graceful-shutdown request: a well-known
// marker file. Independently started worker processes all watch the same
// path, which is the simplest IPC that works without shared memory or a
// coordinator connection. The file is consumed (deleted) once observed by
// the run loop's shutdown path.
type StopSignal struct {
	path string
}

// NewStopSignal creates a stop signal watching the given file path.
func NewStopSignal(path string) *StopSignal {
	return &StopSignal{path: path}
}

// Path returns the marker file path.
func (s *StopSignal) Path() string { return s.path }

// Raised reports whether the stop file currently exists.
func (s *StopSignal) Raised() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Raise creates the stop file, requesting shutdown of every process
// watching it.
func (s *StopSignal) Raise() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create stop file directory: %w", err)
	}
	if err := os.WriteFile(s.path, []byte("stop\n"), 0644); err != nil {
		return fmt.Errorf("failed to write stop file: %w", err)
	}
	return nil
}

// Clear removes the stop file. Missing file is not an error.
func (s *StopSignal) Clear() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stop file: %w", err)
	}
	return nil
}
