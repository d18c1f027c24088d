package testutil

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

// AssertErrorContains fails unless err is non-nil and mentions substr.
func AssertErrorContains(t *testing.T, err error, substr string, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected an error but got nil", msg)
	}
	if !strings.Contains(err.Error(), substr) {
		t.Fatalf("%s: error %q does not contain %q", msg, err.Error(), substr)
	}
}

// AssertJSONKeys checks which top-level keys a JSON object carries.
func AssertJSONKeys(t *testing.T, data []byte, present, absent []string) {
	t.Helper()
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(data, &obj); err != nil {
		t.Fatalf("invalid JSON object: %v\n%s", err, data)
	}
	for _, k := range present {
		if _, ok := obj[k]; !ok {
			t.Errorf("JSON missing key %q: %s", k, data)
		}
	}
	for _, k := range absent {
		if _, ok := obj[k]; ok {
			t.Errorf("JSON has unexpected key %q: %s", k, data)
		}
	}
}

// WaitForCondition polls condition every 10ms until it holds or timeout
// passes.
func WaitForCondition(t *testing.T, condition func() bool, timeout time.Duration, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: condition not met within %v", msg, timeout)
}

// AssertInRange checks min <= value <= max.
func AssertInRange(t *testing.T, value, min, max float64, msg string) {
	t.Helper()
	if value < min || value > max {
		t.Fatalf("%s: value %v not in range [%v, %v]", msg, value, min, max)
	}
}
