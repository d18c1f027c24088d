// Package segment splits decoded audio into ordered, bounded-duration chunks
// for independent recognition.
package segment

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/tiroq/memoscribe/internal/audio"
	"github.com/tiroq/memoscribe/internal/diaglog"
)

// Chunk is one slice of the source audio. Index is its position in the final
// transcript.
type Chunk struct {
	Index   int
	Audio   *audio.Buffer
	StartMs int64
	EndMs   int64
}

// DurationMs returns the length of the chunk audio.
func (c Chunk) DurationMs() int64 {
	return c.Audio.DurationMs()
}

// Config controls chunking. MaxChunkDurationMs is a hard cap on every chunk
// except in degraded mode, where it is still respected.
type Config struct {
	MaxChunkDurationMs int64
	LongSpeechMode     bool

	// Long-speech mode.
	OverlapPercentage int
	MinChunkLengthMs  int64

	// Silence mode.
	MinSilenceLenMs      int64
	SilenceThresholdDBFS float64
	KeepSilenceMs        int64
}

// DefaultConfig returns the chunking defaults used by the CLI.
func DefaultConfig() Config {
	return Config{
		MaxChunkDurationMs:   30_000,
		LongSpeechMode:       true,
		OverlapPercentage:    10,
		MinChunkLengthMs:     2_000,
		MinSilenceLenMs:      500,
		SilenceThresholdDBFS: -40,
		KeepSilenceMs:        100,
	}
}

// seekStepMs is the resolution of silence detection.
const seekStepMs = 10

var errInvalidStep = errors.New("segment: non-positive window step")

// Segmenter carries the logging collaborators for Split. The zero value is
// usable and logs nowhere.
type Segmenter struct {
	Logger    *slog.Logger
	Diag      *diaglog.Logger
	SessionID string
}

func (s *Segmenter) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return s.Logger
}

// Split runs Segmenter.Split with no logging.
func Split(buf *audio.Buffer, cfg Config) []Chunk {
	var s Segmenter
	return s.Split(buf, cfg)
}

// Split divides buf into chunks according to cfg. It never fails: if the
// configured policy cannot run, it degrades to fixed-length slicing without
// overlap.
func (s *Segmenter) Split(buf *audio.Buffer, cfg Config) []Chunk {
	total := buf.DurationMs()
	log := s.logger()

	if total <= cfg.MaxChunkDurationMs {
		log.Info("audio fits in one chunk", "duration_ms", total)
		return []Chunk{{Index: 0, Audio: buf, StartMs: 0, EndMs: total}}
	}

	mode := "silence"
	if cfg.LongSpeechMode {
		mode = "long_speech"
	}
	chunks, err := runPolicy(buf, cfg)
	if err != nil {
		log.Warn("segmentation degraded to fixed-length slicing", "mode", mode, "error", err)
		s.Diag.Log(diaglog.LogEntry{
			Component: diaglog.ComponentSegmenter,
			Event:     diaglog.EventSegmentationDegraded,
			SessionID: s.SessionID,
			Reason:    err.Error(),
			Payload: map[string]interface{}{
				"mode":        mode,
				"duration_ms": total,
				"cap_ms":      cfg.MaxChunkDurationMs,
			},
		})
		chunks = fixedSlices(buf, 0, total, cfg.MaxChunkDurationMs)
	}

	renumber(chunks)
	log.Info("segmentation complete", "mode", mode, "chunks", len(chunks), "duration_ms", total)
	return chunks
}

// runPolicy dispatches to the configured policy, converting panics into
// errors.
func runPolicy(buf *audio.Buffer, cfg Config) (chunks []Chunk, err error) {
	defer func() {
		if r := recover(); r != nil {
			chunks, err = nil, fmt.Errorf("segment: policy panic: %v", r)
		}
	}()
	if cfg.LongSpeechMode {
		return overlapWindows(buf, cfg)
	}
	return silenceSplit(buf, cfg)
}

// overlapWindows produces cap-length windows advancing by cap-overlap. The
// sweep stops after the first window that reaches the end of the audio, so
// no window lies entirely inside its predecessor's overlap.
func overlapWindows(buf *audio.Buffer, cfg Config) ([]Chunk, error) {
	limit := cfg.MaxChunkDurationMs
	overlap := limit * int64(cfg.OverlapPercentage) / 100
	step := limit - overlap
	if step <= 0 {
		return nil, fmt.Errorf("%w: cap=%dms overlap=%dms", errInvalidStep, limit, overlap)
	}

	total := buf.DurationMs()
	var chunks []Chunk
	for start := int64(0); start < total; start += step {
		end := min(start+limit, total)
		if end-start >= cfg.MinChunkLengthMs {
			chunks = append(chunks, Chunk{Audio: buf.Slice(start, end), StartMs: start, EndMs: end})
		}
		if end >= total {
			break
		}
	}
	return chunks, nil
}

// fixedSlices cuts [from, to) into consecutive pieces of at most limit ms.
func fixedSlices(buf *audio.Buffer, from, to, limit int64) []Chunk {
	if limit <= 0 {
		return []Chunk{{Audio: buf.Slice(from, to), StartMs: from, EndMs: to}}
	}
	var chunks []Chunk
	for start := from; start < to; start += limit {
		end := min(start+limit, to)
		chunks = append(chunks, Chunk{Audio: buf.Slice(start, end), StartMs: start, EndMs: end})
	}
	return chunks
}

func renumber(chunks []Chunk) {
	for i := range chunks {
		chunks[i].Index = i
	}
}
