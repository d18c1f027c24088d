// Package ipc shares watch daemon state with other processes through a
// status file.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// State is the watch daemon's activity.
type State string

const (
	StateIdle         State = "idle"
	StateTranscribing State = "transcribing"
	StateStopped      State = "stopped"
)

// Progress tracks the chunks finished for the file in flight.
type Progress struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// StatusSnapshot is the daemon state written to status.json.
type StatusSnapshot struct {
	PID         int       `json:"pid"`
	State       State     `json:"state"`
	WatchDir    string    `json:"watch_dir"`
	Engine      string    `json:"engine"`
	CurrentFile string    `json:"current_file,omitempty"`
	RunID       string    `json:"run_id,omitempty"`
	Progress    *Progress `json:"progress,omitempty"`
	LastFile    string    `json:"last_file,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
	Processed   int       `json:"processed"`
	Failed      int       `json:"failed"`
	StartedAt   time.Time `json:"started_at"`
	Timestamp   time.Time `json:"timestamp"`
}

// WriteStatus stores status at path, replacing any previous snapshot
// atomically.
func WriteStatus(path string, status *StatusSnapshot) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("ipc: create status dir: %w", err)
	}
	return atomicWriteJSON(path, status)
}

// ReadStatus loads the snapshot at path.
func ReadStatus(path string) (*StatusSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var status StatusSnapshot
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("ipc: decode %s: %w", path, err)
	}
	return &status, nil
}

func atomicWriteJSON(path string, data interface{}) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "status-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()

	defer func() {
		if tmpFile != nil {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(data); err != nil {
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	tmpFile = nil

	return os.Rename(tmpPath, path)
}
