// Package runner transcribes one source file and writes its outputs: the
// transcript formats and the sidecar metadata.
package runner

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/tiroq/memoscribe/internal/fileutil"
	"github.com/tiroq/memoscribe/internal/pipeline"
	"github.com/tiroq/memoscribe/internal/schedule"
	"github.com/tiroq/memoscribe/internal/transcript"
)

// Transcriber runs one transcription. *pipeline.Pipeline satisfies it.
type Transcriber interface {
	ProcessAudio(ctx context.Context, source string, opts pipeline.Options, onChunk schedule.ProgressFunc) (*pipeline.Result, error)
}

// Runner writes transcripts for source files.
type Runner struct {
	Pipeline  Transcriber
	Formats   []string
	OutputDir string // empty writes next to the source
	Metadata  bool
	Version   string
	Logger    *slog.Logger
}

// Outcome describes a finished file.
type Outcome struct {
	Result  *pipeline.Result
	Base    string
	Outputs []string
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (r *Runner) formats() []string {
	if len(r.Formats) == 0 {
		return []string{transcript.FormatText}
	}
	return r.Formats
}

// Base returns the extensionless output path for source.
func (r *Runner) Base(source string) string {
	return fileutil.OutputBase(source, r.OutputDir)
}

// Pending reports whether source still needs a transcript.
func (r *Runner) Pending(source string) bool {
	return !transcript.Exists(r.Base(source), r.formats())
}

// Transcribe runs the pipeline on source and writes every configured
// format. A source that cannot be decoded returns an error; so does a write
// failure, with Outcome still describing the run. The failure-message
// transcript of a run where every chunk failed is written like any other.
func (r *Runner) Transcribe(ctx context.Context, source string, opts pipeline.Options, onChunk schedule.ProgressFunc) (*Outcome, error) {
	log := r.logger()
	base := r.Base(source)
	started := time.Now()

	res, err := r.Pipeline.ProcessAudio(ctx, source, opts, onChunk)
	if err != nil {
		r.writeMetadata(base, &fileutil.TranscriptMetadata{
			Source:    source,
			Engine:    opts.Engine,
			Language:  opts.Language,
			ElapsedMs: time.Since(started).Milliseconds(),
			Error:     err.Error(),
		})
		return nil, err
	}

	out := &Outcome{Result: res, Base: base}
	doc := transcript.FromResult(source, res)
	outputs, werr := transcript.WriteAll(base, doc, r.formats())
	out.Outputs = outputs

	meta := &fileutil.TranscriptMetadata{
		RunID:       res.RunID,
		Source:      source,
		AudioMs:     res.AudioMs,
		ElapsedMs:   res.Elapsed.Milliseconds(),
		Engine:      string(res.Engine),
		Language:    res.Language,
		Chunks:      len(res.Chunks),
		EmptyChunks: countEmpty(res.ChunkTexts),
		Outputs:     outputs,
		Success:     werr == nil && !res.Failed,
	}
	switch {
	case werr != nil:
		meta.Error = werr.Error()
	case res.Failed:
		meta.Error = "no chunk produced text"
	}
	r.writeMetadata(base, meta)

	if werr != nil {
		log.Error("transcript write failed", "source", source, "error", werr)
		return out, werr
	}
	log.Info("transcript written", "source", source, "outputs", outputs, "run_id", res.RunID)
	return out, nil
}

func (r *Runner) writeMetadata(base string, meta *fileutil.TranscriptMetadata) {
	if !r.Metadata {
		return
	}
	meta.Version = r.Version
	meta.TranscribedAt = time.Now().UTC()
	meta.Formats = r.formats()
	if err := fileutil.WriteMetadata(base, meta); err != nil {
		r.logger().Warn("metadata not written", "base", base, "error", err)
	}
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
