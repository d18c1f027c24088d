// Package fileutil provides output file helpers: sidecar metadata and
// output path naming.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TranscriptMetadata is the sidecar written next to each transcribed source.
type TranscriptMetadata struct {
	Version       string    `json:"version"`
	RunID         string    `json:"run_id"`
	Source        string    `json:"source"`
	TranscribedAt time.Time `json:"transcribed_at"`
	AudioMs       int64     `json:"audio_ms"`
	ElapsedMs     int64     `json:"elapsed_ms"`
	Engine        string    `json:"engine"`
	Language      string    `json:"language"`
	Chunks        int       `json:"chunks"`
	EmptyChunks   int       `json:"empty_chunks"`
	Formats       []string  `json:"formats"`
	Outputs       []string  `json:"outputs,omitempty"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
}

// WriteMetadata writes <base>.meta.json next to basePath's outputs using a
// temp file and rename.
func WriteMetadata(basePath string, meta *TranscriptMetadata) error {
	metaPath := MetadataPath(basePath)
	dir := filepath.Dir(metaPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			tmpFile.Close()
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(meta); err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close metadata temp: %w", err)
	}
	if err := os.Rename(tmpPath, metaPath); err != nil {
		return fmt.Errorf("rename metadata: %w", err)
	}
	success = true
	return nil
}

// ReadMetadata loads a sidecar written by WriteMetadata.
func ReadMetadata(basePath string) (*TranscriptMetadata, error) {
	data, err := os.ReadFile(MetadataPath(basePath))
	if err != nil {
		return nil, err
	}
	var meta TranscriptMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &meta, nil
}

// MetadataPath returns <basePath>.meta.json. A media extension on basePath
// is dropped first, so a source path and its output base map to the same
// sidecar.
func MetadataPath(basePath string) string {
	return StripExt(basePath) + ".meta.json"
}
