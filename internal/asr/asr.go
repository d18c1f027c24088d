// Package asr defines the speech recognizer capability shared by every engine
// and the registry that routes chunk audio to them.
package asr

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Engine identifies one member of the closed set of recognition engines.
type Engine string

const (
	EngineGoogle        Engine = "google"        // cloud API
	EngineSphinx        Engine = "sphinx"        // offline, phoneme based
	EngineWhisper       Engine = "whisper"       // local neural model
	EngineFasterWhisper Engine = "fasterwhisper" // local neural model, CTranslate2
)

// DefaultEngine is used when a requested engine name is not recognized.
const DefaultEngine = EngineWhisper

// Engines lists every engine in a stable order.
var Engines = []Engine{EngineGoogle, EngineSphinx, EngineWhisper, EngineFasterWhisper}

// ErrEngineUnavailable is returned by engines that are not wired in this
// process (missing binary, missing credentials, or never registered).
var ErrEngineUnavailable = errors.New("asr: engine unavailable")

// ParseEngine matches name against the engine set. Case, spaces, dashes and
// underscores are ignored, so "Faster Whisper" and "faster-whisper" both
// resolve to EngineFasterWhisper.
func ParseEngine(name string) (Engine, bool) {
	key := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '-', '_':
			return -1
		}
		return r
	}, strings.ToLower(strings.TrimSpace(name)))
	for _, e := range Engines {
		if string(e) == key {
			return e, true
		}
	}
	return "", false
}

// ResolveEngine is ParseEngine with DefaultEngine for unknown names.
func ResolveEngine(name string) Engine {
	if e, ok := ParseEngine(name); ok {
		return e
	}
	return DefaultEngine
}

// Neural reports whether the engine is one of the whisper family, which
// expect bare ISO 639-1 language codes.
func (e Engine) Neural() bool {
	return e == EngineWhisper || e == EngineFasterWhisper
}

// NormalizeLanguage adapts a language tag to what the engine expects:
// "ja-JP" becomes "ja" for the neural engines and is kept as is otherwise.
func NormalizeLanguage(e Engine, language string) string {
	language = strings.TrimSpace(language)
	if !e.Neural() {
		return language
	}
	if i := strings.IndexAny(language, "-_"); i > 0 {
		return strings.ToLower(language[:i])
	}
	return strings.ToLower(language)
}

// HealthStatus reports engine health.
type HealthStatus struct {
	OK      bool          `json:"ok"`
	Engine  string        `json:"engine"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// Recognizer turns one WAV-encoded chunk into text. Implementations must be
// safe for concurrent use and bound the duration of each call themselves.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, wav []byte, language string) (string, error)
	HealthCheck(ctx context.Context) (*HealthStatus, error)
}

// Unavailable is the placeholder registered for every engine until a real
// implementation replaces it.
type Unavailable struct {
	Engine Engine
	Reason string
}

func (u Unavailable) Name() string { return string(u.Engine) }

func (u Unavailable) Recognize(context.Context, []byte, string) (string, error) {
	if u.Reason != "" {
		return "", fmt.Errorf("%w: %s: %s", ErrEngineUnavailable, u.Engine, u.Reason)
	}
	return "", fmt.Errorf("%w: %s", ErrEngineUnavailable, u.Engine)
}

func (u Unavailable) HealthCheck(context.Context) (*HealthStatus, error) {
	msg := "not configured"
	if u.Reason != "" {
		msg = u.Reason
	}
	return &HealthStatus{OK: false, Engine: string(u.Engine), Message: msg}, nil
}
