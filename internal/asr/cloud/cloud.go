// Package cloud implements the cloud recognition engine ("google" in the
// engine set) on top of one of several hosted speech-to-text providers.
package cloud

import (
	"fmt"
	"strings"

	"github.com/tiroq/memoscribe/internal/asr"
)

// Provider names accepted in Config.Provider.
const (
	ProviderOpenAI   = "openai"
	ProviderRemote   = "remote"
	ProviderDeepgram = "deepgram"
)

// Providers lists the accepted provider names.
var Providers = []string{ProviderOpenAI, ProviderRemote, ProviderDeepgram}

// Config selects and configures the provider.
type Config struct {
	Provider string
	OpenAI   OpenAIConfig
	Remote   RemoteConfig
	Deepgram DeepgramConfig
}

// New returns the recognizer for cfg.Provider. Missing credentials are not
// an error here; the returned recognizer reports ErrEngineUnavailable when
// called and unhealthy when probed.
func New(cfg Config) (asr.Recognizer, error) {
	switch strings.ToLower(cfg.Provider) {
	case ProviderOpenAI:
		return NewOpenAI(cfg.OpenAI), nil
	case ProviderRemote:
		return NewRemote(cfg.Remote), nil
	case ProviderDeepgram:
		return NewDeepgram(cfg.Deepgram), nil
	default:
		return nil, fmt.Errorf("cloud: unknown provider %q (want one of %s)", cfg.Provider, strings.Join(Providers, ", "))
	}
}

// baseLanguage reduces "ja-JP" to "ja" for providers that only take ISO 639-1.
func baseLanguage(language string) string {
	if i := strings.IndexAny(language, "-_"); i > 0 {
		return strings.ToLower(language[:i])
	}
	return strings.ToLower(language)
}

// truncate returns the first n bytes of body as a string.
func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
