// Package config loads and validates the talkscribe configuration file.
// All sections have working defaults; a missing file is only an error when
// a path was given explicitly. Durations are plain seconds (floats) to
// match the engine's tuning knobs.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/talkscribe/talkscribe/internal/engine"
)

// Capture strategies.
const (
	StrategyChunked = "chunked"
	StrategySingle  = "single"
)

// Audio source types.
const (
	SourceDevice = "device"
	SourceFile   = "file"
	SourceSocket = "socket"
)

// Transcription providers.
const (
	ProviderWhisperCLI = "whisper-cli"
	ProviderHTTP       = "http"
	ProviderOpenAI     = "openai"
	ProviderWebSocket  = "websocket"
)

// Config is the whole configuration file.
type Config struct {
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// TempRoot holds per-session working directories.
	TempRoot string `yaml:"temp_root"`

	Capture     Capture     `yaml:"capture"`
	Engine      Engine      `yaml:"engine"`
	Transcriber Transcriber `yaml:"transcriber"`
	History     History     `yaml:"history"`
	Redis       Redis       `yaml:"redis"`
	Control     Control     `yaml:"control"`
}

// Capture selects and tunes the capture strategy the daemon uses.
type Capture struct {
	// Strategy is chunked (segmentation engine process) or single (one
	// WAV per session, in process).
	Strategy string `yaml:"strategy"`

	// EngineAddr is where the chunked adapter reaches the engine.
	EngineAddr string `yaml:"engine_addr"`

	// SpawnEngine makes the adapter start the engine process itself.
	// EngineCommand overrides the spawned argv; empty means re-exec the
	// current binary with the engine subcommand.
	SpawnEngine   bool     `yaml:"spawn_engine"`
	EngineCommand []string `yaml:"engine_command"`

	// HandshakeTimeout bounds connect + server_ready + recording_started
	// at session start; StopTimeout bounds the wait for recording_stopped.
	// Seconds.
	HandshakeTimeout float64 `yaml:"handshake_timeout"`
	StopTimeout      float64 `yaml:"stop_timeout"`

	// Prefix names segment files inside each session directory.
	Prefix string `yaml:"prefix"`
}

// Engine tunes the segmentation engine process (the `engine` subcommand
// reads this section; the daemon passes overrides on the spawned argv).
type Engine struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	SampleRate int    `yaml:"sample_rate"`
	OutputDir  string `yaml:"output_dir"`
	Prefix     string `yaml:"prefix"`

	SilenceThreshold       float64 `yaml:"silence_threshold"`
	SilenceConfirmTicks    int     `yaml:"silence_confirm_ticks"`
	MinChunkDuration       float64 `yaml:"min_chunk_duration"`
	MaxChunkDuration       float64 `yaml:"max_chunk_duration"`
	PerfectSilenceDuration float64 `yaml:"perfect_silence_duration"`
	SilenceAmplitudeFloor  float64 `yaml:"silence_amplitude_floor"`
	SpeechThreshold        float64 `yaml:"speech_threshold"`

	SaveCompleteRecording bool `yaml:"save_complete_recording"`
	Debug                 bool `yaml:"debug"`

	Source Source `yaml:"source"`
}

// Source selects the engine's audio input.
type Source struct {
	// Type is device (microphone), file (WAV replay) or socket
	// (AudioSocket TCP feed).
	Type string `yaml:"type"`

	// Device names the input device; empty means the system default.
	Device string `yaml:"device"`

	// Path is the WAV file for the file source.
	Path string `yaml:"path"`

	// ListenAddr is where the socket source accepts its one call.
	ListenAddr string `yaml:"listen_addr"`
}

// Transcriber selects and tunes the transcription backend.
type Transcriber struct {
	Provider string `yaml:"provider"`

	// Timeout bounds one segment's transcription. Seconds.
	Timeout float64 `yaml:"timeout"`

	WhisperCLI WhisperCLI `yaml:"whisper_cli"`
	HTTP       HTTP       `yaml:"http"`
	OpenAI     OpenAI     `yaml:"openai"`
	WebSocket  WebSocket  `yaml:"websocket"`
}

// WhisperCLI configures the local-binary backend.
type WhisperCLI struct {
	Binary string   `yaml:"binary"`
	Model  string   `yaml:"model"`
	Args   []string `yaml:"args"`
}

// HTTP configures the OpenAI-compatible multipart backend.
type HTTP struct {
	Endpoint string `yaml:"endpoint"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// OpenAI configures the official SDK backend.
type OpenAI struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// WebSocket configures the vosk-style streaming backend.
type WebSocket struct {
	URL string `yaml:"url"`
}

// History configures the transcript store.
type History struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Redis configures the optional Redis notifier.
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// Control configures the daemon's Unix-socket control surface.
type Control struct {
	Socket string `yaml:"socket"`
}

// Default returns the configuration used when no file overrides it.
func Default() Config {
	return Config{
		LogLevel: "info",
		TempRoot: filepath.Join(os.TempDir(), "talkscribe"),
		Capture: Capture{
			Strategy:         StrategyChunked,
			EngineAddr:       "127.0.0.1:12400",
			SpawnEngine:      true,
			HandshakeTimeout: 10,
			StopTimeout:      15,
			Prefix:           "talkscribe",
		},
		Engine: Engine{
			Host:                   "127.0.0.1",
			Port:                   12400,
			SampleRate:             engine.DefaultSampleRate,
			Prefix:                 "talkscribe",
			SilenceThreshold:       engine.DefaultSilenceThreshold,
			SilenceConfirmTicks:    engine.DefaultSilenceConfirmTicks,
			MinChunkDuration:       engine.DefaultMinChunkDuration,
			MaxChunkDuration:       engine.DefaultMaxChunkDuration,
			PerfectSilenceDuration: engine.DefaultPerfectSilenceDuration,
			SilenceAmplitudeFloor:  engine.DefaultSilenceAmplitudeFloor,
			SpeechThreshold:        engine.DefaultSpeechThreshold,
			Source: Source{
				Type:       SourceDevice,
				ListenAddr: "127.0.0.1:8090",
			},
		},
		Transcriber: Transcriber{
			Provider: ProviderWhisperCLI,
			Timeout:  120,
			WhisperCLI: WhisperCLI{
				Binary: "whisper-cli",
			},
			HTTP: HTTP{
				Endpoint: "http://127.0.0.1:8000/v1/audio/transcriptions",
			},
			WebSocket: WebSocket{
				URL: "ws://127.0.0.1:2700",
			},
		},
		History: History{
			Enabled: true,
			Path:    filepath.Join(os.TempDir(), "talkscribe", "history.db"),
		},
		Redis: Redis{
			Addr:   "127.0.0.1:6379",
			Prefix: "talkscribe",
		},
		Control: Control{
			Socket: filepath.Join(os.TempDir(), "talkscribe", "control.sock"),
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults;
// a missing explicit path is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config: %w", err)
	}
	defer file.Close()

	decoder := yaml.NewDecoder(file)
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the pipeline cannot run with. Errors name the
// offending field path.
func (c Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level: unknown level %q", c.LogLevel)
	}

	switch c.Capture.Strategy {
	case StrategyChunked, StrategySingle:
	default:
		return fmt.Errorf("capture.strategy: unknown strategy %q", c.Capture.Strategy)
	}
	if c.Capture.Strategy == StrategyChunked && c.Capture.EngineAddr == "" {
		return fmt.Errorf("capture.engine_addr: required for the chunked strategy")
	}
	if c.Capture.HandshakeTimeout < 0 {
		return fmt.Errorf("capture.handshake_timeout: must not be negative")
	}
	if c.Capture.StopTimeout < 0 {
		return fmt.Errorf("capture.stop_timeout: must not be negative")
	}

	if c.Engine.SampleRate <= 0 {
		return fmt.Errorf("engine.sample_rate: must be positive, got %d", c.Engine.SampleRate)
	}
	if c.Engine.Port < 0 || c.Engine.Port > 65535 {
		return fmt.Errorf("engine.port: %d out of range", c.Engine.Port)
	}
	if c.Engine.SilenceThreshold <= 0 {
		return fmt.Errorf("engine.silence_threshold: must be positive")
	}
	if c.Engine.MinChunkDuration < 0 {
		return fmt.Errorf("engine.min_chunk_duration: must not be negative")
	}
	if c.Engine.MaxChunkDuration <= 0 {
		return fmt.Errorf("engine.max_chunk_duration: must be positive")
	}
	if c.Engine.MinChunkDuration > c.Engine.MaxChunkDuration {
		return fmt.Errorf("engine.min_chunk_duration: %g exceeds max_chunk_duration %g",
			c.Engine.MinChunkDuration, c.Engine.MaxChunkDuration)
	}
	switch c.Engine.Source.Type {
	case SourceDevice:
	case SourceFile:
		if c.Engine.Source.Path == "" {
			return fmt.Errorf("engine.source.path: required for the file source")
		}
	case SourceSocket:
		if c.Engine.Source.ListenAddr == "" {
			return fmt.Errorf("engine.source.listen_addr: required for the socket source")
		}
	default:
		return fmt.Errorf("engine.source.type: unknown source %q", c.Engine.Source.Type)
	}

	switch c.Transcriber.Provider {
	case ProviderWhisperCLI, ProviderHTTP, ProviderOpenAI, ProviderWebSocket:
	default:
		return fmt.Errorf("transcriber.provider: unknown provider %q", c.Transcriber.Provider)
	}
	if c.Transcriber.Timeout < 0 {
		return fmt.Errorf("transcriber.timeout: must not be negative")
	}

	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("history.path: required when history is enabled")
	}
	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr: required when redis is enabled")
	}
	if c.Control.Socket == "" {
		return fmt.Errorf("control.socket: socket path is required")
	}
	return nil
}

// EngineConfig converts the engine section into the engine package's
// recorder config.
func (c Config) EngineConfig() engine.Config {
	e := c.Engine
	return engine.Config{
		SampleRate:             e.SampleRate,
		OutputDir:              e.OutputDir,
		Prefix:                 e.Prefix,
		SilenceThreshold:       e.SilenceThreshold,
		SilenceConfirmTicks:    e.SilenceConfirmTicks,
		MinChunkDuration:       e.MinChunkDuration,
		MaxChunkDuration:       e.MaxChunkDuration,
		PerfectSilenceDuration: e.PerfectSilenceDuration,
		SilenceAmplitudeFloor:  e.SilenceAmplitudeFloor,
		SpeechThreshold:        e.SpeechThreshold,
		SaveCompleteRecording:  e.SaveCompleteRecording,
		Debug:                  e.Debug,
	}
}
