package cloud

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/tiroq/memoscribe/internal/asr"
)

// OpenAIConfig configures the OpenAI transcription provider. BaseURL lets the
// provider target any OpenAI-compatible endpoint.
type OpenAIConfig struct {
	APIKey         string
	BaseURL        string // default https://api.openai.com/v1
	Model          string // default whisper-1
	TimeoutSeconds int    // default 120
}

// OpenAI transcribes chunks with the audio transcription endpoint.
type OpenAI struct {
	cfg    OpenAIConfig
	client *openai.Client
}

var _ asr.Recognizer = (*OpenAI)(nil)

// NewOpenAI creates the provider.
func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	if cfg.Model == "" {
		cfg.Model = openai.Whisper1
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 120
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &OpenAI{cfg: cfg, client: openai.NewClientWithConfig(oc)}
}

func (o *OpenAI) Name() string { return "openai" }

// Recognize uploads one chunk and returns the transcript text.
func (o *OpenAI) Recognize(ctx context.Context, wav []byte, language string) (string, error) {
	if o.cfg.APIKey == "" {
		return "", fmt.Errorf("openai: no API key: %w", asr.ErrEngineUnavailable)
	}
	ctx, cancel := context.WithTimeout(ctx, time.Duration(o.cfg.TimeoutSeconds)*time.Second)
	defer cancel()

	resp, err := o.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    o.cfg.Model,
		FilePath: "chunk.wav",
		Reader:   bytes.NewReader(wav),
		Language: baseLanguage(language),
		Format:   openai.AudioResponseFormatJSON,
	})
	if err != nil {
		return "", fmt.Errorf("openai: transcription: %w", err)
	}
	return strings.TrimSpace(resp.Text), nil
}

// HealthCheck lists models to verify the key and endpoint.
func (o *OpenAI) HealthCheck(ctx context.Context) (*asr.HealthStatus, error) {
	status := &asr.HealthStatus{Engine: o.Name()}
	if o.cfg.APIKey == "" {
		status.Message = "no API key configured"
		return status, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	start := time.Now()
	_, err := o.client.ListModels(ctx)
	status.Latency = time.Since(start)
	if err != nil {
		status.Message = fmt.Sprintf("health check failed: %v", err)
		return status, nil
	}
	status.OK = true
	status.Message = "healthy"
	return status, nil
}
