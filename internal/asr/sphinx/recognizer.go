// Package sphinx runs the pocketsphinx command line tool as the offline
// "sphinx" recognition engine.
package sphinx

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/asr/proc"
	"github.com/tiroq/memoscribe/internal/audio"
)

var _ asr.Recognizer = (*Recognizer)(nil)

// Model points at the acoustic model, language model and dictionary for one
// language.
type Model struct {
	HMM  string `yaml:"hmm"`
	LM   string `yaml:"lm"`
	Dict string `yaml:"dict"`
}

// Config configures the pocketsphinx engine. Models is keyed by language
// tag ("en-US"); languages without an entry use the binary's built-in model.
type Config struct {
	BinaryPath     string // default "pocketsphinx"
	Models         map[string]Model
	TimeoutSeconds int // default 120
	TempDir        string
}

// Recognizer shells out to pocketsphinx for each chunk.
type Recognizer struct {
	cfg Config
}

// New creates a pocketsphinx recognizer.
func New(cfg Config) *Recognizer {
	if cfg.BinaryPath == "" {
		cfg.BinaryPath = "pocketsphinx"
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	return &Recognizer{cfg: cfg}
}

func (r *Recognizer) Name() string { return string(asr.EngineSphinx) }

// Recognize transcribes one WAV chunk. pocketsphinx prints one JSON object
// per utterance; the "t" field holds its hypothesis.
func (r *Recognizer) Recognize(ctx context.Context, wav []byte, language string) (string, error) {
	bin, err := exec.LookPath(r.cfg.BinaryPath)
	if err != nil {
		return "", fmt.Errorf("sphinx: binary %q: %w", r.cfg.BinaryPath, asr.ErrEngineUnavailable)
	}

	path, cleanup, err := audio.StageWAV(r.cfg.TempDir, wav)
	if err != nil {
		return "", fmt.Errorf("sphinx: %w", err)
	}
	defer cleanup()

	stdout, err := proc.Run(ctx, proc.Command{
		Path:    bin,
		Args:    r.buildArgs(path, language),
		Timeout: time.Duration(r.cfg.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		return "", fmt.Errorf("sphinx: %w", err)
	}
	return parseHypotheses(stdout)
}

func parseHypotheses(stdout []byte) (string, error) {
	var parts []string
	scanner := bufio.NewScanner(bytes.NewReader(stdout))
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var hyp struct {
			T string `json:"t"`
		}
		if err := json.Unmarshal(line, &hyp); err != nil {
			return "", fmt.Errorf("sphinx: failed to parse output line %q: %w", truncate(line, 80), err)
		}
		if t := strings.TrimSpace(hyp.T); t != "" {
			parts = append(parts, t)
		}
	}
	return strings.Join(parts, " "), scanner.Err()
}

// HealthCheck verifies the binary resolves and runs.
func (r *Recognizer) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Engine: r.Name()}
	bin, err := exec.LookPath(r.cfg.BinaryPath)
	if err != nil {
		status.Message = fmt.Sprintf("binary %q not found", r.cfg.BinaryPath)
		return status, nil
	}
	latency, err := proc.Probe(ctx, bin, "help")
	status.Latency = latency
	if err != nil {
		status.Message = fmt.Sprintf("binary failed to execute: %v", err)
		return status, nil
	}
	status.OK = true
	status.Message = fmt.Sprintf("binary available, %d language models configured", len(r.cfg.Models))
	return status, nil
}

func (r *Recognizer) buildArgs(file, language string) []string {
	var args []string
	if m, ok := r.cfg.Models[language]; ok {
		if m.HMM != "" {
			args = append(args, "-hmm", m.HMM)
		}
		if m.LM != "" {
			args = append(args, "-lm", m.LM)
		}
		if m.Dict != "" {
			args = append(args, "-dict", m.Dict)
		}
	}
	return append(args, "single", file)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
