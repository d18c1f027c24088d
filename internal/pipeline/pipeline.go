// Package pipeline is the end-to-end entry point: decode, pre-process,
// segment, recognize every chunk and assemble the transcript.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/assemble"
	"github.com/tiroq/memoscribe/internal/audio"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/schedule"
	"github.com/tiroq/memoscribe/internal/segment"
	"github.com/tiroq/memoscribe/internal/transcribe"
)

// Options are the settings of one transcription run.
type Options struct {
	Engine              string
	Language            string
	RecognitionAttempts int
	MinWordCount        int

	LongSpeechMode bool
	ChunkDuration  time.Duration
	// Segment overrides the derived segmentation settings when non-nil.
	// MaxChunkDurationMs and LongSpeechMode are still taken from
	// ChunkDuration and LongSpeechMode.
	Segment *segment.Config

	Parallel   bool
	MaxWorkers int

	Enhance       bool
	ReduceNoise   bool
	RemoveSilence bool

	StartMinute int
	EndMinute   int
	FFmpegPath  string
	TempDir     string

	Repair *assemble.RepairOptions
}

// DefaultOptions returns the run defaults.
func DefaultOptions() Options {
	return Options{
		Engine:              string(asr.DefaultEngine),
		Language:            "en",
		RecognitionAttempts: 3,
		MinWordCount:        3,
		LongSpeechMode:      true,
		ChunkDuration:       30 * time.Second,
		Parallel:            true,
		MaxWorkers:          4,
		Enhance:             true,
		ReduceNoise:         true,
		RemoveSilence:       true,
	}
}

// Result is the outcome of a run. ChunkTexts has one entry per chunk, "" for
// chunks that produced nothing. Failed is set when Transcript is the
// failure message.
type Result struct {
	Transcript string
	Chunks     []segment.Chunk
	ChunkTexts []string
	RunID      string
	Engine     asr.Engine
	Language   string
	AudioMs    int64
	Elapsed    time.Duration
	Failed     bool
}

// Deps are the collaborators shared by every run.
type Deps struct {
	Logger *slog.Logger
	Diag   *diaglog.Logger
}

// Pipeline runs transcriptions against a set of engines. It is safe for
// concurrent use.
type Pipeline struct {
	engines transcribe.Engines
	log     *slog.Logger
	diag    *diaglog.Logger
}

// New creates a Pipeline over engines, usually an *asr.Registry.
func New(engines transcribe.Engines, deps Deps) *Pipeline {
	log := deps.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Pipeline{engines: engines, log: log, diag: deps.Diag}
}

// ProcessAudio transcribes the media file at source. onChunk, if non-nil,
// observes every chunk completion. An error is returned only when the source
// cannot be read or decoded; recognition failures degrade to empty chunk
// texts and, at worst, a failure-message transcript.
func (p *Pipeline) ProcessAudio(ctx context.Context, source string, opts Options, onChunk schedule.ProgressFunc) (*Result, error) {
	runID := uuid.NewString()
	ctx = diaglog.WithSession(ctx, runID)
	log := p.log.With("run_id", runID)
	started := time.Now()

	engine := asr.ResolveEngine(opts.Engine)
	log.Info("processing audio file", "source", source, "engine", engine, "language", opts.Language)
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventRunStart,
		SessionID: runID,
		Payload:   map[string]interface{}{"source": source, "engine": string(engine), "language": opts.Language},
	})

	buf, err := audio.Load(ctx, source, audio.LoadOptions{
		FFmpegPath:  opts.FFmpegPath,
		TempDir:     opts.TempDir,
		StartMinute: opts.StartMinute,
		EndMinute:   opts.EndMinute,
		Logger:      log,
	})
	if err != nil {
		log.Error("audio could not be loaded", "source", source, "error", err)
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return p.run(ctx, runID, started, log, buf, opts, onChunk), nil
}

// ProcessBuffer runs the pipeline on already decoded audio.
func (p *Pipeline) ProcessBuffer(ctx context.Context, buf *audio.Buffer, opts Options, onChunk schedule.ProgressFunc) *Result {
	runID := uuid.NewString()
	ctx = diaglog.WithSession(ctx, runID)
	log := p.log.With("run_id", runID)
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     diaglog.EventRunStart,
		SessionID: runID,
		Payload:   map[string]interface{}{"source": "buffer", "engine": string(asr.ResolveEngine(opts.Engine))},
	})
	return p.run(ctx, runID, time.Now(), log, buf, opts, onChunk)
}

func (p *Pipeline) run(ctx context.Context, runID string, started time.Time, log *slog.Logger, buf *audio.Buffer, opts Options, onChunk schedule.ProgressFunc) *Result {
	engine := asr.ResolveEngine(opts.Engine)

	prepared := audio.Preprocess(buf, audio.PreprocessOptions{
		Enhance:       opts.Enhance,
		ReduceNoise:   opts.ReduceNoise,
		RemoveSilence: opts.RemoveSilence,
		Logger:        log,
	})

	seg := segment.Segmenter{Logger: log, Diag: p.diag, SessionID: runID}
	chunks := seg.Split(prepared, segmentConfig(opts))

	tr := transcribe.New(p.engines, log, p.diag)
	topts := transcribe.Options{
		Engine:       string(engine),
		Language:     opts.Language,
		Attempts:     opts.RecognitionAttempts,
		MinWordCount: opts.MinWordCount,
	}
	coord := schedule.New(func(ctx context.Context, ch segment.Chunk) string {
		return tr.Transcribe(ctx, ch, topts)
	}, log, p.diag)
	results := coord.Run(ctx, chunks, schedule.Options{Parallel: opts.Parallel, MaxWorkers: opts.MaxWorkers}, onChunk)

	asm := assemble.Assembler{Logger: log, Repair: opts.Repair}
	transcript := asm.Assemble(results)

	texts := make([]string, len(results))
	for i, r := range results {
		texts[i] = r.Text
	}
	res := &Result{
		Transcript: transcript,
		Chunks:     chunks,
		ChunkTexts: texts,
		RunID:      runID,
		Engine:     engine,
		Language:   opts.Language,
		AudioMs:    buf.DurationMs(),
		Elapsed:    time.Since(started),
		Failed:     transcript == assemble.FailureMessage,
	}

	event := diaglog.EventRunDone
	if res.Failed {
		event = diaglog.EventRunEmpty
	}
	p.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentPipeline,
		Event:     event,
		SessionID: runID,
		Payload: map[string]interface{}{
			"chunks":     len(chunks),
			"empty":      countEmpty(texts),
			"chars":      len(transcript),
			"elapsed_ms": res.Elapsed.Milliseconds(),
		},
	})
	log.Info("audio processing complete", "chunks", len(chunks), "chars", len(transcript), "elapsed", res.Elapsed.Round(time.Millisecond))
	return res
}

func segmentConfig(opts Options) segment.Config {
	cfg := segment.DefaultConfig()
	if opts.Segment != nil {
		cfg = *opts.Segment
	}
	if opts.ChunkDuration > 0 {
		cfg.MaxChunkDurationMs = opts.ChunkDuration.Milliseconds()
	}
	cfg.LongSpeechMode = opts.LongSpeechMode
	return cfg
}

func countEmpty(texts []string) int {
	n := 0
	for _, t := range texts {
		if t == "" {
			n++
		}
	}
	return n
}
