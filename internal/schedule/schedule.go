// Package schedule runs chunk recognition in two phases: the first chunk
// alone, then the rest sequentially or on a bounded worker pool.
package schedule

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/segment"
)

// ChunkResult is the recognized text for the chunk at Index. Duration is the
// chunk's audio length.
type ChunkResult struct {
	Index    int
	Text     string
	Duration time.Duration
}

// ProgressFunc observes chunk completions. pipelineIndex is the 1-based
// position of the chunk in the transcript. Completions after the first may
// arrive in any order and from several goroutines at once.
type ProgressFunc func(pipelineIndex, total int, text string, durationSeconds float64)

// IndexMap converts a position within a batch to a global chunk index.
type IndexMap func(local int) int

// Offset maps batch position i to i+n.
func Offset(n int) IndexMap {
	return func(local int) int { return local + n }
}

// TranscribeFunc recognizes one chunk. It should not fail; an error-free
// empty string means no speech.
type TranscribeFunc func(ctx context.Context, chunk segment.Chunk) string

// Options controls phase 2 dispatch.
type Options struct {
	Parallel   bool
	MaxWorkers int
}

// Coordinator dispatches chunks to a TranscribeFunc and collects results in
// index order.
type Coordinator struct {
	transcribe TranscribeFunc
	log        *slog.Logger
	diag       *diaglog.Logger
}

// New creates a Coordinator. A nil logger discards output.
func New(fn TranscribeFunc, log *slog.Logger, diag *diaglog.Logger) *Coordinator {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Coordinator{transcribe: fn, log: log, diag: diag}
}

// Run transcribes every chunk and returns one result per chunk, in index
// order. Failed chunks carry empty text. Chunk 0 completes, and its progress
// event fires, before any other chunk starts.
func (c *Coordinator) Run(ctx context.Context, chunks []segment.Chunk, opts Options, onChunk ProgressFunc) []ChunkResult {
	results := make([]ChunkResult, len(chunks))
	if len(chunks) == 0 {
		return results
	}
	total := len(chunks)

	c.runOne(ctx, chunks[0], 0, total, results, onChunk)

	rest := chunks[1:]
	if len(rest) == 0 {
		return results
	}
	workers := max(opts.MaxWorkers, 1)
	if opts.Parallel && len(rest) > 1 {
		c.log.Debug("dispatching chunks in parallel", "chunks", len(rest), "workers", workers)
		c.runParallel(ctx, rest, Offset(1), workers, total, results, onChunk)
	} else {
		c.log.Debug("dispatching chunks sequentially", "chunks", len(rest))
		for i, ch := range rest {
			c.runOne(ctx, ch, Offset(1)(i), total, results, onChunk)
		}
	}
	return results
}

func (c *Coordinator) runParallel(ctx context.Context, batch []segment.Chunk, toGlobal IndexMap, workers, total int, results []ChunkResult, onChunk ProgressFunc) {
	// The group context is not used: a failed chunk never cancels siblings.
	var g errgroup.Group
	g.SetLimit(workers)
	for i, ch := range batch {
		idx := toGlobal(i)
		g.Go(func() error {
			c.runOne(ctx, ch, idx, total, results, onChunk)
			return nil
		})
	}
	_ = g.Wait()
}

// runOne transcribes chunk into results[idx] and notifies the observer. Panics
// from either are recovered.
func (c *Coordinator) runOne(ctx context.Context, chunk segment.Chunk, idx, total int, results []ChunkResult, onChunk ProgressFunc) {
	started := time.Now()
	text, err := c.safeTranscribe(ctx, chunk)
	dur := time.Duration(chunk.DurationMs()) * time.Millisecond
	results[idx] = ChunkResult{Index: idx, Text: text, Duration: dur}

	session := diaglog.SessionFrom(ctx)
	if err != nil {
		c.log.Error("chunk task failed", "chunk", idx, "error", err)
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSchedule,
			Event:     diaglog.EventChunkFailed,
			SessionID: session,
			Reason:    err.Error(),
			Payload:   map[string]interface{}{"chunk": idx},
		})
	} else {
		c.diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSchedule,
			Event:     diaglog.EventChunkDone,
			SessionID: session,
			Payload: map[string]interface{}{
				"chunk":      idx,
				"chars":      len(text),
				"elapsed_ms": time.Since(started).Milliseconds(),
			},
		})
	}
	c.log.Info("chunk processed", "chunk", idx+1, "total", total, "duration_s", dur.Seconds())

	if onChunk != nil {
		c.notify(onChunk, idx+1, total, text, dur.Seconds())
	}
}

func (c *Coordinator) safeTranscribe(ctx context.Context, chunk segment.Chunk) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("schedule: chunk %d panicked: %v", chunk.Index, r)
		}
	}()
	return c.transcribe(ctx, chunk), nil
}

func (c *Coordinator) notify(onChunk ProgressFunc, pipelineIndex, total int, text string, seconds float64) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("progress observer panicked", "chunk", pipelineIndex, "panic", r)
		}
	}()
	onChunk(pipelineIndex, total, text, seconds)
}
