// Package config loads memoscribe settings from YAML, .env files and the
// environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tiroq/memoscribe/internal/asr"
	"github.com/tiroq/memoscribe/internal/asr/cloud"
	"github.com/tiroq/memoscribe/internal/assemble"
	"github.com/tiroq/memoscribe/internal/diaglog"
	"github.com/tiroq/memoscribe/internal/pipeline"
	"github.com/tiroq/memoscribe/internal/segment"
	"github.com/tiroq/memoscribe/internal/transcript"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("config: invalid")

// Config holds all application configuration.
type Config struct {
	LogLevel      string              `yaml:"log_level"`
	Recognition   RecognitionConfig   `yaml:"recognition"`
	Chunking      ChunkingConfig      `yaml:"chunking"`
	Concurrency   ConcurrencyConfig   `yaml:"concurrency"`
	Audio         AudioConfig         `yaml:"audio"`
	Repair        RepairConfig        `yaml:"repair"`
	Whisper       WhisperConfig       `yaml:"whisper"`
	FasterWhisper FasterWhisperConfig `yaml:"faster_whisper"`
	Sphinx        SphinxConfig        `yaml:"sphinx"`
	Cloud         CloudConfig         `yaml:"cloud"`
	Output        OutputConfig        `yaml:"output"`
	Watch         WatchConfig         `yaml:"watch"`
	Server        ServerConfig        `yaml:"server"`
	Diag          DiagConfig          `yaml:"diag"`
}

// RecognitionConfig selects the engine and the retry policy per chunk.
type RecognitionConfig struct {
	Engine         string `yaml:"engine"`
	FallbackEngine string `yaml:"fallback_engine"` // empty disables fallback
	Language       string `yaml:"language"`
	Attempts       int    `yaml:"attempts"`
	MinWordCount   int    `yaml:"min_word_count"`
}

// ChunkingConfig controls segmentation.
type ChunkingConfig struct {
	LongSpeechMode       bool    `yaml:"long_speech_mode"`
	ChunkDurationSeconds int     `yaml:"chunk_duration_seconds"`
	OverlapPercentage    int     `yaml:"overlap_percentage"`
	MinChunkLengthMs     int64   `yaml:"min_chunk_length_ms"`
	MinSilenceLenMs      int64   `yaml:"min_silence_len_ms"`
	SilenceThresholdDBFS float64 `yaml:"silence_threshold_dbfs"`
	KeepSilenceMs        int64   `yaml:"keep_silence_ms"`
}

// ConcurrencyConfig controls chunk dispatch.
type ConcurrencyConfig struct {
	Parallel   bool `yaml:"parallel"`
	MaxWorkers int  `yaml:"max_workers"`
}

// AudioConfig controls decoding and pre-processing.
type AudioConfig struct {
	FFmpegPath    string `yaml:"ffmpeg_path"`
	TempDir       string `yaml:"temp_dir"`
	Enhance       bool   `yaml:"enhance"`
	ReduceNoise   bool   `yaml:"reduce_noise"`
	RemoveSilence bool   `yaml:"remove_silence"`
}

// RepairConfig tunes repetition repair of the joined transcript.
type RepairConfig struct {
	MinPhraseLength int `yaml:"min_phrase_length"`
	RepeatThreshold int `yaml:"repeat_threshold"`
}

// WhisperConfig configures the whisper.cpp engine.
type WhisperConfig struct {
	BinaryPath     string `yaml:"binary_path"`
	ModelPath      string `yaml:"model_path"`
	ModelCacheDir  string `yaml:"model_cache_dir"`
	Model          string `yaml:"model"`
	Threads        int    `yaml:"threads"`
	DetectLanguage bool   `yaml:"detect_language"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// FasterWhisperConfig configures the faster-whisper engine.
type FasterWhisperConfig struct {
	Python         string `yaml:"python"`
	Model          string `yaml:"model"`
	Device         string `yaml:"device"`
	ComputeType    string `yaml:"compute_type"`
	DownloadRoot   string `yaml:"download_root"`
	BeamSize       int    `yaml:"beam_size"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// SphinxModel is one language's acoustic model, language model and
// dictionary.
type SphinxModel struct {
	HMM  string `yaml:"hmm"`
	LM   string `yaml:"lm"`
	Dict string `yaml:"dict"`
}

// SphinxConfig configures the pocketsphinx engine.
type SphinxConfig struct {
	BinaryPath     string                 `yaml:"binary_path"`
	Models         map[string]SphinxModel `yaml:"models"`
	TimeoutSeconds int                    `yaml:"timeout_seconds"`
}

// CloudConfig selects and configures the cloud provider.
type CloudConfig struct {
	Provider string         `yaml:"provider"` // openai, remote or deepgram
	OpenAI   OpenAIConfig   `yaml:"openai"`
	Remote   RemoteConfig   `yaml:"remote"`
	Deepgram DeepgramConfig `yaml:"deepgram"`
}

// OpenAIConfig configures the OpenAI provider.
type OpenAIConfig struct {
	APIKey         string `yaml:"api_key"`
	BaseURL        string `yaml:"base_url"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// RemoteConfig configures the remote whisper API provider.
type RemoteConfig struct {
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	Model          string `yaml:"model"`
	Retries        int    `yaml:"retries"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// DeepgramConfig configures the Deepgram provider.
type DeepgramConfig struct {
	APIKey         string `yaml:"api_key"`
	Endpoint       string `yaml:"endpoint"`
	Model          string `yaml:"model"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// OutputConfig controls where and how transcripts are written.
type OutputConfig struct {
	Dir      string   `yaml:"dir"` // empty writes next to the source
	Formats  []string `yaml:"formats"`
	Metadata bool     `yaml:"metadata"`
}

// WatchConfig configures watch mode.
type WatchConfig struct {
	Dir                 string `yaml:"dir"`
	SettleSeconds       int    `yaml:"settle_seconds"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds"`
	StatusPath          string `yaml:"status_path"`
	PIDPath             string `yaml:"pid_path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	MaxUploadMB int    `yaml:"max_upload_mb"`
}

// DiagConfig enables the NDJSON run journal.
type DiagConfig struct {
	LogPath string `yaml:"log_path"`
}

// DefaultConfigDir returns ~/.config/memoscribe.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "memoscribe")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with the application defaults.
func Default() *Config {
	dir := DefaultConfigDir()
	return &Config{
		LogLevel: "info",
		Recognition: RecognitionConfig{
			Engine:       string(asr.DefaultEngine),
			Language:     "en",
			Attempts:     3,
			MinWordCount: 3,
		},
		Chunking: ChunkingConfig{
			LongSpeechMode:       true,
			ChunkDurationSeconds: 30,
			OverlapPercentage:    10,
			MinChunkLengthMs:     2000,
			MinSilenceLenMs:      500,
			SilenceThresholdDBFS: -40,
			KeepSilenceMs:        100,
		},
		Concurrency: ConcurrencyConfig{Parallel: true, MaxWorkers: 4},
		Audio: AudioConfig{
			FFmpegPath:    "ffmpeg",
			Enhance:       true,
			ReduceNoise:   true,
			RemoveSilence: true,
		},
		Repair: RepairConfig{MinPhraseLength: 5, RepeatThreshold: 3},
		Whisper: WhisperConfig{
			BinaryPath:     "whisper-cli",
			ModelCacheDir:  filepath.Join(dir, "models"),
			Model:          "small",
			TimeoutSeconds: 300,
		},
		FasterWhisper: FasterWhisperConfig{
			Python:       "python3",
			Model:        "small",
			Device:       "auto",
			ComputeType:  "default",
			DownloadRoot: filepath.Join(dir, "models", "faster-whisper"),
			BeamSize:     5,
		},
		Sphinx: SphinxConfig{BinaryPath: "pocketsphinx", TimeoutSeconds: 120},
		Cloud: CloudConfig{
			Provider: "openai",
			Remote:   RemoteConfig{Retries: 3, Model: "small"},
		},
		Output: OutputConfig{Formats: []string{"txt"}, Metadata: true},
		Watch: WatchConfig{
			SettleSeconds:       2,
			PollIntervalSeconds: 5,
			StatusPath:          filepath.Join(dir, "status.json"),
			PIDPath:             filepath.Join(dir, "watch.pid"),
		},
		Server: ServerConfig{Listen: "127.0.0.1:8085", MaxUploadMB: 512},
	}
}

// LoadDotEnv reads .env style files into the process environment. Missing
// files are ignored; variables already set are kept.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("config: load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path means the default
// location, where a missing file is not an error.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}

	cfg := Default()
	data, err := os.ReadFile(expandTilde(path))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	cfg.ApplyEnv()
	cfg.expandPaths()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides credentials and selections from the environment.
func (c *Config) ApplyEnv() {
	setIf := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setIf(&c.Cloud.OpenAI.APIKey, "OPENAI_API_KEY")
	setIf(&c.Cloud.Deepgram.APIKey, "DEEPGRAM_API_KEY")
	setIf(&c.Recognition.Engine, "MEMOSCRIBE_ENGINE")
	setIf(&c.Recognition.Language, "MEMOSCRIBE_LANGUAGE")
	setIf(&c.Cloud.Remote.BaseURL, "MEMOSCRIBE_REMOTE_URL")
	setIf(&c.Cloud.Remote.Token, "MEMOSCRIBE_REMOTE_TOKEN")
}

func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.Audio.TempDir,
		&c.Whisper.BinaryPath,
		&c.Whisper.ModelPath,
		&c.Whisper.ModelCacheDir,
		&c.FasterWhisper.DownloadRoot,
		&c.Output.Dir,
		&c.Watch.Dir,
		&c.Watch.StatusPath,
		&c.Watch.PIDPath,
		&c.Diag.LogPath,
	} {
		*p = expandTilde(*p)
	}
	for lang, m := range c.Sphinx.Models {
		c.Sphinx.Models[lang] = SphinxModel{HMM: expandTilde(m.HMM), LM: expandTilde(m.LM), Dict: expandTilde(m.Dict)}
	}
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}
	if c.Recognition.FallbackEngine != "" {
		if _, ok := asr.ParseEngine(c.Recognition.FallbackEngine); !ok {
			return invalid("recognition.fallback_engine %q is not one of %v", c.Recognition.FallbackEngine, asr.Engines)
		}
	}
	if c.Recognition.Attempts < 1 {
		return invalid("recognition.attempts must be > 0, got %d", c.Recognition.Attempts)
	}
	if c.Recognition.MinWordCount < 0 {
		return invalid("recognition.min_word_count must be >= 0, got %d", c.Recognition.MinWordCount)
	}
	if c.Chunking.ChunkDurationSeconds < 1 {
		return invalid("chunking.chunk_duration_seconds must be > 0, got %d", c.Chunking.ChunkDurationSeconds)
	}
	if c.Chunking.OverlapPercentage < 0 || c.Chunking.OverlapPercentage >= 100 {
		return invalid("chunking.overlap_percentage must be in [0, 100), got %d", c.Chunking.OverlapPercentage)
	}
	if c.Concurrency.MaxWorkers < 1 {
		return invalid("concurrency.max_workers must be > 0, got %d", c.Concurrency.MaxWorkers)
	}
	if !slices.Contains(cloud.Providers, strings.ToLower(c.Cloud.Provider)) {
		return invalid("cloud.provider must be one of %v, got %q", cloud.Providers, c.Cloud.Provider)
	}
	for _, f := range c.Output.Formats {
		if !transcript.ValidFormat(f) {
			return invalid("output.formats: unknown format %q", f)
		}
	}
	if c.Server.MaxUploadMB < 1 {
		return invalid("server.max_upload_mb must be > 0, got %d", c.Server.MaxUploadMB)
	}
	return nil
}

// DiagPath returns the journal location: diag.log_path when set, otherwise
// a file in the config dir when MEMOSCRIBE_DIAG=true, otherwise "" (off).
func (c *Config) DiagPath() string {
	if c.Diag.LogPath != "" {
		return c.Diag.LogPath
	}
	if diaglog.IsEnvEnabled() {
		return filepath.Join(DefaultConfigDir(), "diag.ndjson")
	}
	return ""
}

// ParseLogLevel maps a config level name to a slog level. Unknown names are
// treated as info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// PipelineOptions converts the run-related settings into pipeline options.
func (c *Config) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		Engine:              c.Recognition.Engine,
		Language:            c.Recognition.Language,
		RecognitionAttempts: c.Recognition.Attempts,
		MinWordCount:        c.Recognition.MinWordCount,
		LongSpeechMode:      c.Chunking.LongSpeechMode,
		ChunkDuration:       time.Duration(c.Chunking.ChunkDurationSeconds) * time.Second,
		Segment: &segment.Config{
			OverlapPercentage:    c.Chunking.OverlapPercentage,
			MinChunkLengthMs:     c.Chunking.MinChunkLengthMs,
			MinSilenceLenMs:      c.Chunking.MinSilenceLenMs,
			SilenceThresholdDBFS: c.Chunking.SilenceThresholdDBFS,
			KeepSilenceMs:        c.Chunking.KeepSilenceMs,
		},
		Parallel:      c.Concurrency.Parallel,
		MaxWorkers:    c.Concurrency.MaxWorkers,
		Enhance:       c.Audio.Enhance,
		ReduceNoise:   c.Audio.ReduceNoise,
		RemoveSilence: c.Audio.RemoveSilence,
		FFmpegPath:    c.Audio.FFmpegPath,
		TempDir:       c.Audio.TempDir,
		Repair: &assemble.RepairOptions{
			MinPhraseLength: c.Repair.MinPhraseLength,
			RepeatThreshold: c.Repair.RepeatThreshold,
		},
	}
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
