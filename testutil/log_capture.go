package testutil

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// LogCapture collects slog JSON output for assertions. Safe for concurrent
// use by worker goroutines sharing one logger.
type LogCapture struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// LogRecord is one captured slog line.
type LogRecord struct {
	Level string
	Msg   string
	Attrs map[string]any
}

func NewLogCapture() *LogCapture {
	return &LogCapture{}
}

func (lc *LogCapture) Write(p []byte) (int, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.Write(p)
}

// Logger returns a debug-level JSON logger writing into the capture.
func (lc *LogCapture) Logger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(lc, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

func (lc *LogCapture) String() string {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	return lc.buf.String()
}

func (lc *LogCapture) Contains(substr string) bool {
	return strings.Contains(lc.String(), substr)
}

func (lc *LogCapture) ContainsAll(substrs ...string) bool {
	content := lc.String()
	for _, substr := range substrs {
		if !strings.Contains(content, substr) {
			return false
		}
	}
	return true
}

// Count returns how many records have exactly this message.
func (lc *LogCapture) Count(msg string) int {
	n := 0
	for _, r := range lc.Records() {
		if r.Msg == msg {
			n++
		}
	}
	return n
}

// Records parses every captured line. Lines that are not JSON are skipped.
func (lc *LogCapture) Records() []LogRecord {
	var out []LogRecord
	sc := bufio.NewScanner(strings.NewReader(lc.String()))
	for sc.Scan() {
		var m map[string]any
		if json.Unmarshal(sc.Bytes(), &m) != nil {
			continue
		}
		r := LogRecord{Attrs: m}
		r.Level, _ = m[slog.LevelKey].(string)
		r.Msg, _ = m[slog.MessageKey].(string)
		delete(m, slog.LevelKey)
		delete(m, slog.MessageKey)
		delete(m, slog.TimeKey)
		out = append(out, r)
	}
	return out
}

// Find returns the first record with msg at level.
func (lc *LogCapture) Find(level slog.Level, msg string) (LogRecord, bool) {
	for _, r := range lc.Records() {
		if r.Level == level.String() && r.Msg == msg {
			return r, true
		}
	}
	return LogRecord{}, false
}

// Attr formats one attribute of r for comparison, or "" when absent.
func (r LogRecord) Attr(key string) string {
	v, ok := r.Attrs[key]
	if !ok {
		return ""
	}
	return fmt.Sprint(v)
}
