// Package fasterwhisper runs the faster-whisper Python package as the
// "fasterwhisper" recognition engine. The helper script is embedded and fed
// to the interpreter with -c, so no files need installing next to the binary.
package fasterwhisper

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/asr/proc"
	"github.com/tiroq/memoscribe/internal/audio"
)

//go:embed transcribe.py
var script string

var _ asr.Recognizer = (*Recognizer)(nil)

// Config configures the faster-whisper engine. DownloadRoot is where model
// weights are cached; it is passed to the helper explicitly.
type Config struct {
	Python         string // default "python3"
	Model          string // default "small"
	Device         string // default "auto"
	ComputeType    string // default "default"
	DownloadRoot   string
	BeamSize       int // default 5
	TimeoutSeconds int // default 300
	TempDir        string
}

// Recognizer runs the embedded helper once per chunk.
type Recognizer struct {
	cfg Config
}

// New creates a faster-whisper recognizer.
func New(cfg Config) *Recognizer {
	if cfg.Python == "" {
		cfg.Python = "python3"
	}
	if cfg.Model == "" {
		cfg.Model = "small"
	}
	if cfg.Device == "" {
		cfg.Device = "auto"
	}
	if cfg.ComputeType == "" {
		cfg.ComputeType = "default"
	}
	if cfg.BeamSize <= 0 {
		cfg.BeamSize = 5
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 300
	}
	return &Recognizer{cfg: cfg}
}

func (r *Recognizer) Name() string { return string(asr.EngineFasterWhisper) }

type result struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Recognize transcribes one WAV chunk.
func (r *Recognizer) Recognize(ctx context.Context, wav []byte, language string) (string, error) {
	path, cleanup, err := audio.StageWAV(r.cfg.TempDir, wav)
	if err != nil {
		return "", fmt.Errorf("fasterwhisper: %w", err)
	}
	defer cleanup()

	stdout, err := proc.Run(ctx, proc.Command{
		Path:    r.cfg.Python,
		Args:    r.buildArgs(path, language),
		Timeout: time.Duration(r.cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return "", fmt.Errorf("fasterwhisper: %w", err)
	}

	var res result
	if err := json.Unmarshal(stdout, &res); err != nil {
		return "", fmt.Errorf("fasterwhisper: failed to parse helper output: %w", err)
	}
	return strings.TrimSpace(res.Text), nil
}

// HealthCheck verifies the interpreter can import faster_whisper.
func (r *Recognizer) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Engine: r.Name()}
	start := time.Now()
	_, err := proc.Run(ctx, proc.Command{
		Path:    r.cfg.Python,
		Args:    []string{"-c", script, "--check"},
		Timeout: 30 * time.Second,
	})
	status.Latency = time.Since(start)
	if err != nil {
		status.Message = fmt.Sprintf("faster_whisper not importable: %v", err)
		return status, nil
	}
	status.OK = true
	status.Message = "faster_whisper importable"
	return status, nil
}

func (r *Recognizer) buildArgs(file, language string) []string {
	args := []string{
		"-c", script,
		"--model", r.cfg.Model,
		"--device", r.cfg.Device,
		"--compute-type", r.cfg.ComputeType,
		"--beam-size", strconv.Itoa(r.cfg.BeamSize),
	}
	if r.cfg.DownloadRoot != "" {
		args = append(args, "--download-root", r.cfg.DownloadRoot)
	}
	if language != "" {
		args = append(args, "--language", language)
	}
	return append(args, file)
}
