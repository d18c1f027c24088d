// Package pidfile keeps a single watch daemon per pid file path.
package pidfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ErrRunning is returned by Acquire when a live process holds the file.
var ErrRunning = errors.New("pidfile: another instance is already running")

// PIDFile is a held pid file.
type PIDFile struct {
	path string
	pid  int
}

// Acquire writes the current pid to path. A file left by a dead process is
// replaced; one held by a live process yields ErrRunning.
func Acquire(path string) (*PIDFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("pidfile: create dir: %w", err)
	}

	if existing, err := Read(path); err == nil {
		if isProcessRunning(existing) {
			return nil, fmt.Errorf("%w (PID %d)", ErrRunning, existing)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("pidfile: remove stale file: %w", err)
		}
	}

	pid := os.Getpid()
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("pidfile: write: %w", err)
	}
	return &PIDFile{path: path, pid: pid}, nil
}

// Path returns the file location.
func (p *PIDFile) Path() string { return p.path }

// Release deletes the file if it still holds our pid.
func (p *PIDFile) Release() error {
	if p == nil {
		return nil
	}
	if pid, err := Read(p.path); err == nil && pid == p.pid {
		return os.Remove(p.path)
	}
	return nil
}

// Read parses the pid stored at path.
func Read(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("pidfile: malformed %s: %w", path, err)
	}
	return pid, nil
}

// Running reports the pid held at path when that process is alive.
func Running(path string) (int, bool) {
	pid, err := Read(path)
	if err != nil {
		return 0, false
	}
	return pid, isProcessRunning(pid)
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	switch {
	case err == nil:
		return true
	case errors.Is(err, syscall.EPERM):
		// exists, owned by someone else
		return true
	default:
		return false
	}
}
