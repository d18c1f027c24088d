// Package diaglog provides the NDJSON run journal for memoscribe. The journal
// is enabled by config (diag.log_path) or MEMOSCRIBE_DIAG=true; otherwise every
// Log call is a no-op and no file is created.
package diaglog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DefaultMaxSize caps one journal generation before it rotates.
const DefaultMaxSize = 10 * 1024 * 1024

// ── Component labels ────────────────────────────────────────────────────────

const (
	ComponentPipeline   = "pipeline"
	ComponentSegmenter  = "segmenter"
	ComponentTranscribe = "chunk-transcriber"
	ComponentSchedule   = "schedule"
	ComponentRegistry   = "asr-registry"
	ComponentWatcher    = "watcher"
	ComponentServer     = "server"
	ComponentDiagExport = "diag-export"
)

// ── Event names ─────────────────────────────────────────────────────────────

const (
	EventRunStart             = "run_start"
	EventRunDone              = "run_done"
	EventRunEmpty             = "run_empty"
	EventSegmentationDegraded = "segmentation_degraded"
	EventChunkDone            = "chunk_done"
	EventChunkFailed          = "chunk_failed"
	EventAttemptFailed        = "attempt_failed"
	EventEngineFallback       = "engine_fallback"
	EventTranscribeRetry      = "transcribe_retry"
	EventWatchFile            = "watch_file"
	EventWatchError           = "watch_error"
	EventUploadReceived       = "upload_received"
	EventRequestFailed        = "request_failed"
)

// LogEntry is one structured event record written as a single JSON line.
type LogEntry struct {
	Timestamp string      `json:"ts"`                   // RFC3339Nano
	Component string      `json:"component"`            // see Component* constants
	Event     string      `json:"event"`                // see Event* constants
	SessionID string      `json:"session_id,omitempty"` // run ID
	Reason    string      `json:"reason,omitempty"`
	Payload   interface{} `json:"payload,omitempty"` // redacted before write
}

// Logger writes LogEntry values to a rotating NDJSON file. A nil or disabled
// Logger accepts every call and does nothing.
type Logger struct {
	rw      *rotatingWriter
	mu      sync.Mutex
	enabled bool
}

// New opens (or creates) the NDJSON journal at path, creating parent
// directories as needed. An empty path returns a no-op logger.
func New(path string) (*Logger, error) {
	if path == "" {
		return NewNoOp(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	rw, err := newRotatingWriter(path, DefaultMaxSize)
	if err != nil {
		return nil, err
	}
	return &Logger{rw: rw, enabled: true}, nil
}

// Log writes entry as one JSON line. Payload and reason are redacted first.
func (l *Logger) Log(entry LogEntry) {
	if !l.Enabled() {
		return
	}
	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if entry.Payload != nil {
		entry.Payload = Redact(entry.Payload)
	}
	entry.Reason = RedactString(entry.Reason)
	data, err := json.Marshal(entry)
	if err != nil {
		return
	}
	data = append(data, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.rw.Write(data)
}

// Enabled reports whether Log calls reach a file.
func (l *Logger) Enabled() bool {
	return l != nil && l.enabled
}

// Path returns the journal file path, or "" when disabled.
func (l *Logger) Path() string {
	if !l.Enabled() {
		return ""
	}
	return l.rw.path
}

// Close flushes and closes the underlying file. Safe on nil/disabled logger.
func (l *Logger) Close() error {
	if !l.Enabled() || l.rw == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.rw.close()
}

// IsEnvEnabled reports whether MEMOSCRIBE_DIAG is set to "true".
func IsEnvEnabled() bool {
	return os.Getenv("MEMOSCRIBE_DIAG") == "true"
}

// NewNoOp returns a logger where every Log call is a no-op. Use as a safe
// fallback when New fails (e.g., disk full, permissions error).
func NewNoOp() *Logger {
	return &Logger{enabled: false}
}
