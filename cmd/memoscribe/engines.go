package main

import (
	"log/slog"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/asr/cloud"
	"github.com/tiroq/memoscribe/internal/asr/fasterwhisper"
	"github.com/tiroq/memoscribe/internal/asr/sphinx"
	"github.com/tiroq/memoscribe/internal/asr/whispercpp"
	"github.com/tiroq/memoscribe/internal/config"
	"github.com/tiroq/memoscribe/internal/diaglog"
)

// buildRegistry registers every engine from cfg. An engine that cannot be
// built stays Unavailable with the reason attached.
func buildRegistry(cfg *config.Config, log *slog.Logger, diag *diaglog.Logger) *asr.Registry {
	reg := asr.NewRegistry()
	reg.SetLogger(log, diag)

	reg.Register(asr.EngineWhisper, whispercpp.New(whispercpp.Config{
		BinaryPath:     cfg.Whisper.BinaryPath,
		ModelPath:      cfg.Whisper.ModelPath,
		ModelCacheDir:  cfg.Whisper.ModelCacheDir,
		Model:          cfg.Whisper.Model,
		Threads:        cfg.Whisper.Threads,
		DetectLanguage: cfg.Whisper.DetectLanguage,
		TimeoutSeconds: cfg.Whisper.TimeoutSeconds,
		TempDir:        cfg.Audio.TempDir,
	}))

	reg.Register(asr.EngineFasterWhisper, fasterwhisper.New(fasterwhisper.Config{
		Python:         cfg.FasterWhisper.Python,
		Model:          cfg.FasterWhisper.Model,
		Device:         cfg.FasterWhisper.Device,
		ComputeType:    cfg.FasterWhisper.ComputeType,
		DownloadRoot:   cfg.FasterWhisper.DownloadRoot,
		BeamSize:       cfg.FasterWhisper.BeamSize,
		TimeoutSeconds: cfg.FasterWhisper.TimeoutSeconds,
		TempDir:        cfg.Audio.TempDir,
	}))

	models := make(map[string]sphinx.Model, len(cfg.Sphinx.Models))
	for lang, m := range cfg.Sphinx.Models {
		models[lang] = sphinx.Model{HMM: m.HMM, LM: m.LM, Dict: m.Dict}
	}
	reg.Register(asr.EngineSphinx, sphinx.New(sphinx.Config{
		BinaryPath:     cfg.Sphinx.BinaryPath,
		Models:         models,
		TimeoutSeconds: cfg.Sphinx.TimeoutSeconds,
		TempDir:        cfg.Audio.TempDir,
	}))

	rec, err := cloud.New(cloud.Config{
		Provider: cfg.Cloud.Provider,
		OpenAI: cloud.OpenAIConfig{
			APIKey:         cfg.Cloud.OpenAI.APIKey,
			BaseURL:        cfg.Cloud.OpenAI.BaseURL,
			Model:          cfg.Cloud.OpenAI.Model,
			TimeoutSeconds: cfg.Cloud.OpenAI.TimeoutSeconds,
		},
		Remote: cloud.RemoteConfig{
			BaseURL:        cfg.Cloud.Remote.BaseURL,
			Token:          cfg.Cloud.Remote.Token,
			Model:          cfg.Cloud.Remote.Model,
			Retries:        cfg.Cloud.Remote.Retries,
			TimeoutSeconds: cfg.Cloud.Remote.TimeoutSeconds,
		},
		Deepgram: cloud.DeepgramConfig{
			APIKey:         cfg.Cloud.Deepgram.APIKey,
			Endpoint:       cfg.Cloud.Deepgram.Endpoint,
			Model:          cfg.Cloud.Deepgram.Model,
			TimeoutSeconds: cfg.Cloud.Deepgram.TimeoutSeconds,
		},
	})
	if err != nil {
		reg.Register(asr.EngineGoogle, asr.Unavailable{Engine: asr.EngineGoogle, Reason: err.Error()})
	} else {
		if remote, ok := rec.(*cloud.Remote); ok {
			remote.SetLogger(diag)
		}
		reg.Register(asr.EngineGoogle, rec)
	}

	if e, ok := asr.ParseEngine(cfg.Recognition.FallbackEngine); ok {
		reg.SetFallback(e)
	}
	return reg
}
