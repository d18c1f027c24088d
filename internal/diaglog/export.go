package diaglog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// Version is injected at link time from the main package; defaults to "dev".
var Version = "dev"

// DiagBundle is the first line written to the export file (valid NDJSON).
type DiagBundle struct {
	ExportedAt        string         `json:"exported_at"`
	MemoscribeVersion string         `json:"memoscribe_version"`
	GoVersion         string         `json:"go_version"`
	OS                string         `json:"os"`
	Arch              string         `json:"arch"`
	LogFiles          []string       `json:"log_files"`
	RunID             string         `json:"run_id,omitempty"`
	EntryCount        int            `json:"entry_count"`
	Events            map[string]int `json:"events,omitempty"`
	Sessions          int            `json:"sessions"`
}

// ExportOptions narrows what Export copies.
type ExportOptions struct {
	// RunID keeps only entries whose session_id matches.
	RunID string
}

// Export writes dest/memoscribe-diag-<ts>.ndjson: a DiagBundle header, then
// the previous journal generation (if any) and the current one, oldest
// first. Returns the written path and the number of journal lines copied.
// A missing current journal is an os.ErrNotExist error.
func Export(logPath, dest string, opts ExportOptions) (path string, lines int, err error) {
	if _, err := os.Stat(logPath); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", 0, fmt.Errorf("diaglog: journal not found at %s: %w", logPath, os.ErrNotExist)
		}
		return "", 0, fmt.Errorf("diaglog: journal unreadable: %w", err)
	}

	c := collector{runID: opts.RunID, events: map[string]int{}, sessions: map[string]struct{}{}}
	var files []string
	for _, p := range []string{BackupPath(logPath), logPath} {
		ok, err := c.read(p)
		if err != nil {
			return "", 0, err
		}
		if ok {
			files = append(files, p)
		}
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", 0, fmt.Errorf("diaglog: create export dir: %w", err)
	}
	tstamp := time.Now().UTC().Format("20060102T150405")
	outPath := filepath.Join(dest, "memoscribe-diag-"+tstamp+".ndjson")

	out, err := os.OpenFile(outPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", 0, fmt.Errorf("diaglog: export file could not be created: %w", err)
	}
	defer func() { _ = out.Close() }()

	bundle := DiagBundle{
		ExportedAt:        time.Now().UTC().Format(time.RFC3339),
		MemoscribeVersion: Version,
		GoVersion:         runtime.Version(),
		OS:                runtime.GOOS,
		Arch:              runtime.GOARCH,
		LogFiles:          files,
		RunID:             opts.RunID,
		EntryCount:        len(c.lines),
		Events:            c.events,
		Sessions:          len(c.sessions),
	}

	w := bufio.NewWriter(out)
	header, err := json.Marshal(bundle)
	if err != nil {
		return "", 0, err
	}
	if _, err := w.Write(append(header, '\n')); err != nil {
		return "", 0, err
	}
	for _, line := range c.lines {
		if _, err := w.Write(append(line, '\n')); err != nil {
			return "", 0, err
		}
	}
	if err := w.Flush(); err != nil {
		return "", 0, err
	}
	return outPath, len(c.lines), nil
}

// collector buffers journal lines. Each generation is capped at
// DefaultMaxSize, so the buffer is bounded.
type collector struct {
	runID    string
	lines    [][]byte
	events   map[string]int
	sessions map[string]struct{}
}

// read appends the matching lines of path. A missing file is skipped.
func (c *collector) read(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("diaglog: journal unreadable: %w", err)
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), DefaultMaxSize)
	for scanner.Scan() {
		var e LogEntry
		parsed := json.Unmarshal(scanner.Bytes(), &e) == nil
		if c.runID != "" && (!parsed || e.SessionID != c.runID) {
			continue
		}
		line := make([]byte, len(scanner.Bytes()))
		copy(line, scanner.Bytes())
		c.lines = append(c.lines, line)

		if parsed {
			if e.Event != "" {
				c.events[e.Event]++
			}
			if e.SessionID != "" {
				c.sessions[e.SessionID] = struct{}{}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return false, fmt.Errorf("diaglog: journal unreadable: %w", err)
	}
	return true, nil
}
