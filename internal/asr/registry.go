package asr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tiroq/memoscribe/internal/diaglog"
)

// Registry maps every engine to a Recognizer and supports one fallback
// engine. It is safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	recognizers map[Engine]Recognizer
	fallback    Engine

	log  *slog.Logger
	diag *diaglog.Logger
}

// NewRegistry creates a registry with an Unavailable placeholder for every
// engine, so lookups never fail.
func NewRegistry() *Registry {
	r := &Registry{
		recognizers: make(map[Engine]Recognizer, len(Engines)),
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, e := range Engines {
		r.recognizers[e] = Unavailable{Engine: e}
	}
	return r
}

// SetLogger injects the operator logger and the run journal.
func (r *Registry) SetLogger(log *slog.Logger, diag *diaglog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if log != nil {
		r.log = log
	}
	r.diag = diag
}

// Register replaces the recognizer for engine e.
func (r *Registry) Register(e Engine, rec Recognizer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recognizers[e] = rec
}

// SetFallback sets the engine tried when the requested engine fails. An
// empty engine disables fallback.
func (r *Registry) SetFallback(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = e
}

// Fallback returns the configured fallback engine.
func (r *Registry) Fallback() (Engine, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallback, r.fallback != ""
}

// Get returns the recognizer registered for e.
func (r *Registry) Get(e Engine) Recognizer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if rec, ok := r.recognizers[e]; ok {
		return rec
	}
	return Unavailable{Engine: e}
}

// Resolve maps a user-supplied engine name to an engine.
func (r *Registry) Resolve(name string) (Engine, bool) {
	return ParseEngine(name)
}

// Available reports whether a real recognizer is registered for e.
func (r *Registry) Available(e Engine) bool {
	_, placeholder := r.Get(e).(Unavailable)
	return !placeholder
}

// Recognize runs engine e on wav, then the fallback engine if e fails. Each
// engine receives the language normalized for its family.
func (r *Registry) Recognize(ctx context.Context, e Engine, wav []byte, language string) (string, error) {
	text, err := r.Get(e).Recognize(ctx, wav, NormalizeLanguage(e, language))
	if err == nil {
		return text, nil
	}

	fb, ok := r.Fallback()
	if !ok || fb == e || ctx.Err() != nil {
		return "", fmt.Errorf("asr: engine %q failed: %w", e, err)
	}

	r.mu.RLock()
	log, diag := r.log, r.diag
	r.mu.RUnlock()
	log.Info("engine failed, trying fallback", "engine", e, "fallback", fb, "error", err)
	diag.Log(diaglog.LogEntry{
		Component: diaglog.ComponentRegistry,
		Event:     diaglog.EventEngineFallback,
		SessionID: diaglog.SessionFrom(ctx),
		Reason:    err.Error(),
		Payload:   map[string]interface{}{"engine": string(e), "fallback": string(fb)},
	})

	text, fbErr := r.Get(fb).Recognize(ctx, wav, NormalizeLanguage(fb, language))
	if fbErr != nil {
		return "", fmt.Errorf("asr: engine %q failed (%v), fallback %q also failed: %w", e, err, fb, fbErr)
	}
	return text, nil
}

// HealthCheck probes every engine concurrently. A probe error is reported as
// an unhealthy status rather than aborting the sweep.
func (r *Registry) HealthCheck(ctx context.Context) map[Engine]*HealthStatus {
	statuses := make([]*HealthStatus, len(Engines))
	var g errgroup.Group
	for i, e := range Engines {
		rec := r.Get(e)
		g.Go(func() error {
			st, err := rec.HealthCheck(ctx)
			if err != nil || st == nil {
				msg := "no status"
				if err != nil {
					msg = err.Error()
				}
				st = &HealthStatus{OK: false, Engine: string(e), Message: msg}
			}
			statuses[i] = st
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[Engine]*HealthStatus, len(Engines))
	for i, e := range Engines {
		out[e] = statuses[i]
	}
	return out
}
