// Package whispercpp runs the whisper.cpp command line tool as the "whisper"
// recognition engine.
package whispercpp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/asr/proc"
	"github.com/tiroq/memoscribe/internal/audio"
)

var _ asr.Recognizer = (*Recognizer)(nil)

// Config configures the whisper.cpp CLI engine.
type Config struct {
	BinaryPath     string // whisper-cli / main binary
	ModelPath      string // explicit ggml model file; overrides ModelCacheDir
	ModelCacheDir  string // directory holding ggml-<model>.bin files
	Model          string // default "small"
	Threads        int    // 0 = binary default
	DetectLanguage bool   // ask the model to detect the language
	TimeoutSeconds int    // default 300
	TempDir        string
}

// Recognizer shells out to whisper.cpp for each chunk.
type Recognizer struct {
	cfg Config
}

// New creates a whisper.cpp recognizer.
func New(cfg Config) *Recognizer {
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}
	if cfg.Model == "" {
		cfg.Model = "small"
	}
	return &Recognizer{cfg: cfg}
}

func (r *Recognizer) Name() string { return string(asr.EngineWhisper) }

// output covers both the segment list written by whisper wrappers and the
// native whisper.cpp "transcription" array.
type output struct {
	Text     string `json:"text"`
	Segments []struct {
		Text string `json:"text"`
	} `json:"segments"`
	Transcription []struct {
		Text string `json:"text"`
	} `json:"transcription"`
}

func (o output) join() string {
	if t := strings.TrimSpace(o.Text); t != "" {
		return t
	}
	var parts []string
	for _, s := range o.Segments {
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	for _, s := range o.Transcription {
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	return strings.Join(parts, " ")
}

// Recognize transcribes one WAV chunk.
func (r *Recognizer) Recognize(ctx context.Context, wav []byte, language string) (string, error) {
	if _, err := os.Stat(r.cfg.BinaryPath); err != nil {
		return "", fmt.Errorf("whispercpp: binary not found at %q: %w", r.cfg.BinaryPath, err)
	}

	path, cleanup, err := audio.StageWAV(r.cfg.TempDir, wav)
	if err != nil {
		return "", fmt.Errorf("whispercpp: %w", err)
	}
	defer cleanup()

	stdout, err := proc.Run(ctx, proc.Command{
		Path:    r.cfg.BinaryPath,
		Args:    r.buildArgs(path, language),
		Timeout: time.Duration(r.cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return "", fmt.Errorf("whispercpp: %w", err)
	}

	var out output
	if err := json.Unmarshal(stdout, &out); err != nil {
		return "", fmt.Errorf("whispercpp: failed to parse JSON output: %w", err)
	}
	return out.join(), nil
}

// HealthCheck verifies the binary and model exist and the binary runs.
func (r *Recognizer) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Engine: r.Name()}

	info, err := os.Stat(r.cfg.BinaryPath)
	if err != nil {
		status.Message = fmt.Sprintf("binary not found at %q: %v", r.cfg.BinaryPath, err)
		return status, nil
	}
	if info.Mode()&0o111 == 0 {
		status.Message = fmt.Sprintf("binary at %q is not executable", r.cfg.BinaryPath)
		return status, nil
	}
	if model := r.modelPath(); model != "" {
		if _, err := os.Stat(model); err != nil {
			status.Message = fmt.Sprintf("model not found at %q: %v", model, err)
			return status, nil
		}
	}

	latency, err := proc.Probe(ctx, r.cfg.BinaryPath, "--help")
	status.Latency = latency
	if err != nil {
		status.Message = fmt.Sprintf("binary failed to execute: %v", err)
		return status, nil
	}
	status.OK = true
	status.Message = "binary is available and executable"
	return status, nil
}

// modelPath resolves the ggml model file for the configured model size.
func (r *Recognizer) modelPath() string {
	if r.cfg.ModelPath != "" {
		return r.cfg.ModelPath
	}
	if r.cfg.ModelCacheDir != "" {
		return filepath.Join(r.cfg.ModelCacheDir, "ggml-"+r.cfg.Model+".bin")
	}
	return ""
}

func (r *Recognizer) buildArgs(file, language string) []string {
	var args []string
	if model := r.modelPath(); model != "" {
		args = append(args, "--model", model)
	}
	args = append(args, "--output-json")

	switch {
	case r.cfg.DetectLanguage || language == "":
		args = append(args, "--language", "auto")
	default:
		args = append(args, "--language", language)
	}
	if r.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(r.cfg.Threads))
	}
	return append(args, file)
}
