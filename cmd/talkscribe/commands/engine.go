package commands

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/talkscribe/talkscribe/internal/audio"
	"github.com/talkscribe/talkscribe/internal/config"
	"github.com/talkscribe/talkscribe/internal/engine"
)

var engineCmd = &cobra.Command{
	Use:   "engine",
	Short: "Run the segmentation engine",
	Long: `Run the segmentation engine process.

The engine owns the audio source. It listens on TCP for newline-delimited
JSON commands (start_recording, stop_recording, shutdown), records while a
session is active and cuts the stream into WAV chunks at silence
boundaries. Every finished chunk is announced with a chunk_ready event so
the daemon can transcribe it while recording continues.

The daemon spawns this command itself when capture.spawn_engine is set.
Run it by hand to keep one engine across daemon restarts or to host it
away from the daemon; flags override the matching engine.* config keys.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runEngine(cmd)
	},
}

func init() {
	rootCmd.AddCommand(engineCmd)
	engineCmd.Flags().String("host", "", "listen host")
	engineCmd.Flags().Int("port", 0, "listen port")
	engineCmd.Flags().String("source", "", "audio source: device, file or socket")
	engineCmd.Flags().String("device", "", "input device name for the device source")
	engineCmd.Flags().String("input", "", "WAV file for the file source")
	engineCmd.Flags().String("listen-addr", "", "AudioSocket address for the socket source")
	engineCmd.Flags().Int("sample-rate", 0, "capture sample rate in Hz")
	engineCmd.Flags().String("output-dir", "", "fallback directory for chunk files")
	engineCmd.Flags().String("prefix", "", "chunk filename prefix")
	engineCmd.Flags().Float64("silence-threshold", 0, "seconds of silence that cut a chunk")
	engineCmd.Flags().Float64("min-chunk-duration", 0, "minimum chunk length in seconds")
	engineCmd.Flags().Float64("max-chunk-duration", 0, "maximum chunk length in seconds")
	engineCmd.Flags().Bool("debug", false, "emit debug events to connected clients")
	engineCmd.Flags().Bool("save-complete", false, "also save one WAV covering each whole session")
}

func runEngine(cmd *cobra.Command) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applyEngineFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := newLogger(cfg)

	engCfg := cfg.EngineConfig()
	source, err := newAudioSource(cfg.Engine, engCfg.BlockSize(), logger)
	if err != nil {
		return err
	}

	recorder := engine.NewRecorder(engCfg, source, nil, logger)
	srv := engine.NewServer(engine.ServerConfig{Host: cfg.Engine.Host, Port: cfg.Engine.Port}, recorder, logger)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("shutting down", "signal", sig.String())
		srv.Stop()
	}()

	logger.Info("engine starting",
		"host", cfg.Engine.Host,
		"port", cfg.Engine.Port,
		"source", cfg.Engine.Source.Type,
		"sample_rate", cfg.Engine.SampleRate)
	return srv.Start()
}

// applyEngineFlags copies every flag the caller set over the config.
func applyEngineFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Engine.Host, _ = flags.GetString("host")
	}
	if flags.Changed("port") {
		cfg.Engine.Port, _ = flags.GetInt("port")
	}
	if flags.Changed("source") {
		cfg.Engine.Source.Type, _ = flags.GetString("source")
	}
	if flags.Changed("device") {
		cfg.Engine.Source.Device, _ = flags.GetString("device")
	}
	if flags.Changed("input") {
		cfg.Engine.Source.Path, _ = flags.GetString("input")
	}
	if flags.Changed("listen-addr") {
		cfg.Engine.Source.ListenAddr, _ = flags.GetString("listen-addr")
	}
	if flags.Changed("sample-rate") {
		cfg.Engine.SampleRate, _ = flags.GetInt("sample-rate")
	}
	if flags.Changed("output-dir") {
		cfg.Engine.OutputDir, _ = flags.GetString("output-dir")
	}
	if flags.Changed("prefix") {
		cfg.Engine.Prefix, _ = flags.GetString("prefix")
	}
	if flags.Changed("silence-threshold") {
		cfg.Engine.SilenceThreshold, _ = flags.GetFloat64("silence-threshold")
	}
	if flags.Changed("min-chunk-duration") {
		cfg.Engine.MinChunkDuration, _ = flags.GetFloat64("min-chunk-duration")
	}
	if flags.Changed("max-chunk-duration") {
		cfg.Engine.MaxChunkDuration, _ = flags.GetFloat64("max-chunk-duration")
	}
	if flags.Changed("debug") {
		cfg.Engine.Debug, _ = flags.GetBool("debug")
	}
	if flags.Changed("save-complete") {
		cfg.Engine.SaveCompleteRecording, _ = flags.GetBool("save-complete")
	}
}

// newAudioSource builds the engine's audio input from its source section.
func newAudioSource(e config.Engine, blockSize int, logger *slog.Logger) (audio.Source, error) {
	switch e.Source.Type {
	case config.SourceFile:
		return audio.NewFileSource(e.Source.Path, e.SampleRate, blockSize)
	case config.SourceSocket:
		return audio.NewSocketSource(e.Source.ListenAddr, blockSize, logger), nil
	default:
		return audio.NewDeviceSource(e.Source.Device, e.SampleRate, blockSize), nil
	}
}
