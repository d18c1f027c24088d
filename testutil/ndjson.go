package testutil

import (
	"bufio"
	"encoding/json"
	"os"
	"testing"
)

// ReadNDJSON decodes every line of a diag journal file.
func ReadNDJSON(t *testing.T, path string) []map[string]interface{} {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	var out []map[string]interface{}
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var m map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &m); err != nil {
			t.Fatalf("invalid JSON line: %v -> %s", err, scanner.Text())
		}
		out = append(out, m)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan %s: %v", path, err)
	}
	return out
}

// Events returns the event names of the entries, in order.
func Events(entries []map[string]interface{}) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		s, _ := e["event"].(string)
		out = append(out, s)
	}
	return out
}
