package commands

import (
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/talkscribe/talkscribe/internal/config"
)

var (
	// Global flags
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "talkscribe",
	Short: "Push-to-talk dictation pipeline",
	Long: `talkscribe - voice dictation with live segmentation and transcription.

The pipeline has three moving parts:
  serve    the daemon: owns the session state machine, capture and
           transcription, and a Unix-socket control surface
  engine   the segmentation engine: records audio, cuts it at silence
           boundaries and streams chunk events over TCP
  ctl      the control client: start, stop, reset and inspect sessions
           on a running daemon

One-shot utilities:
  transcribe   run a single audio file through the configured backend
  sessions     list recent transcripts from the history store

All commands read the same YAML configuration file. Without --config the
built-in defaults apply: chunked capture against a self-spawned engine,
whisper-cli transcription and a history store under the temp directory.

Examples:
  # Run the daemon with a config file
  talkscribe serve --config ~/.config/talkscribe.yaml

  # Dictate a note
  talkscribe ctl start --language en --wait
  talkscribe ctl stop

  # Transcribe an existing recording
  talkscribe transcribe meeting.wav`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level (debug|info|warn|error)")
}

// loadConfig reads the configuration file named by --config (or the
// defaults when the flag is empty) and applies global flag overrides.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return cfg, err
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
		if err := cfg.Validate(); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

// seconds converts a duration the configuration expresses as float seconds.
func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// newLogger builds the process logger. Log lines go to stderr so command
// output on stdout stays machine-readable.
func newLogger(cfg config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
