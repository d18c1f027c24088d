// Package transcribe turns one chunk into text, retrying the recognizer and
// keeping the most complete attempt.
package transcribe

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/audio"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/segment"
)

// MinChunkMs is the shortest chunk worth sending to an engine.
const MinChunkMs = 500

// Engines runs one recognition call on a named engine. *asr.Registry
// satisfies it.
type Engines interface {
	Recognize(ctx context.Context, e asr.Engine, wav []byte, language string) (string, error)
}

// Options are the per-run recognition settings.
type Options struct {
	Engine       string
	Language     string
	Attempts     int
	MinWordCount int
}

// attempt is the outcome of one recognition call.
type attempt struct {
	No        int
	Engine    asr.Engine
	Text      string
	WordCount int
}

// Transcriber recognizes chunks. It is safe for concurrent use.
type Transcriber struct {
	engines Engines
	log     *slog.Logger
	diag    *diaglog.Logger
}

// New creates a Transcriber. A nil logger discards output; a nil diag
// journal is a no-op.
func New(engines Engines, log *slog.Logger, diag *diaglog.Logger) *Transcriber {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Transcriber{engines: engines, log: log, diag: diag}
}

// Transcribe returns the best text recognized for chunk, or "" when the chunk
// is too short or every attempt failed. It never returns an error.
func (t *Transcriber) Transcribe(ctx context.Context, chunk segment.Chunk, opts Options) string {
	log := t.log.With("chunk", chunk.Index)
	session := diaglog.SessionFrom(ctx)

	if d := chunk.DurationMs(); d < MinChunkMs {
		log.Warn("chunk too short, skipping", "duration_ms", d)
		return ""
	}

	wav, err := audio.EncodeWAV(chunk.Audio)
	if err != nil {
		log.Warn("chunk encode failed", "error", err)
		t.failed(session, chunk, "encode: "+err.Error())
		return ""
	}

	engine := asr.ResolveEngine(opts.Engine)
	attempts := max(opts.Attempts, 1)

	var best attempt
	for no := 1; no <= attempts; no++ {
		if ctx.Err() != nil {
			log.Info("recognition cancelled", "attempt", no)
			break
		}
		text, err := t.recognize(ctx, engine, wav, opts.Language)
		if err != nil {
			log.Info("recognition attempt failed", "attempt", no, "engine", engine, "error", err)
			t.diag.Log(diaglog.LogEntry{
				Component: diaglog.ComponentTranscribe,
				Event:     diaglog.EventAttemptFailed,
				SessionID: session,
				Reason:    err.Error(),
				Payload:   map[string]interface{}{"chunk": chunk.Index, "attempt": no, "engine": string(engine)},
			})
			continue
		}

		cur := attempt{No: no, Engine: engine, Text: NormalizeSpace(text)}
		cur.WordCount = WordCount(cur.Text)
		log.Debug("recognition attempt", "attempt", no, "words", cur.WordCount)
		if cur.WordCount > best.WordCount {
			best = cur
		}
		if best.WordCount >= opts.MinWordCount && best.WordCount > 0 {
			break
		}
	}

	if best.Text == "" {
		log.Warn("no speech recognized in chunk", "attempts", attempts)
		t.failed(session, chunk, "no attempt produced text")
		return ""
	}
	log.Debug("chunk recognized", "attempt", best.No, "words", best.WordCount)
	return best.Text
}

// recognize makes one engine call, turning a panic into an attempt error.
func (t *Transcriber) recognize(ctx context.Context, engine asr.Engine, wav []byte, language string) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transcribe: recognizer panicked: %v", r)
		}
	}()
	return t.engines.Recognize(ctx, engine, wav, language)
}

func (t *Transcriber) failed(session string, chunk segment.Chunk, reason string) {
	t.diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentTranscribe,
		Event:     diaglog.EventChunkFailed,
		SessionID: session,
		Reason:    reason,
		Payload:   map[string]interface{}{"chunk": chunk.Index, "start_ms": chunk.StartMs, "end_ms": chunk.EndMs},
	})
}

// NormalizeSpace collapses whitespace runs to single spaces and trims.
func NormalizeSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// WordCount counts whitespace-separated words.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
