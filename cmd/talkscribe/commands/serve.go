package commands

import (
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/talkscribe/talkscribe/internal/capture"
	"github.com/talkscribe/talkscribe/internal/config"
	"github.com/talkscribe/talkscribe/internal/control"
	"github.com/talkscribe/talkscribe/internal/history"
	"github.com/talkscribe/talkscribe/internal/notify"
	"github.com/talkscribe/talkscribe/internal/session"
	"github.com/talkscribe/talkscribe/internal/transcribe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dictation daemon",
	Long: `Run the dictation daemon.

The daemon owns the session state machine. It listens on a Unix control
socket for start/stop/reset/status requests, captures audio through the
configured strategy, feeds finished segments to the transcription backend
and assembles the final transcript. State changes, notices and transcripts
are broadcast to every connected control client, appended to the event
journal and, when enabled, stored in the history database and published
to Redis.

The daemon runs until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	if err := d.control.Listen(); err != nil {
		return err
	}
	go func() {
		if err := d.control.Serve(); err != nil {
			logger.Error("control server failed", "error", err)
		}
	}()

	logger.Info("daemon ready",
		"socket", cfg.Control.Socket,
		"strategy", cfg.Capture.Strategy,
		"provider", cfg.Transcriber.Provider,
		"events", d.eventLog.Path())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", "signal", sig.String())
	return nil
}

// daemon ties the orchestrator to its output surfaces. Handler methods fan
// each event out to whichever sinks the configuration enabled.
type daemon struct {
	logger *slog.Logger

	orch     *session.Orchestrator
	control  *control.Server
	adapter  capture.Adapter
	store    *history.Store
	eventLog *history.EventLog
	redis    *notify.RedisSink
	redisCli *redis.Client
}

func newDaemon(cfg config.Config, logger *slog.Logger) (*daemon, error) {
	d := &daemon{logger: logger}

	eventLog, err := history.NewEventLog(filepath.Join(cfg.TempRoot, "logs"), time.Now())
	if err != nil {
		return nil, err
	}
	d.eventLog = eventLog

	if cfg.History.Enabled {
		store, err := history.Open(cfg.History.Path)
		if err != nil {
			d.close()
			return nil, err
		}
		d.store = store
	}

	if cfg.Redis.Enabled {
		d.redisCli = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		d.redis = notify.NewRedisSink(d.redisCli, cfg.Redis.Prefix, logger)
	}

	backend, err := transcribe.New(cfg.Transcriber, logger)
	if err != nil {
		d.close()
		return nil, err
	}
	dispatcher := transcribe.NewDispatcher(backend, seconds(cfg.Transcriber.Timeout), logger)

	adapter, err := newAdapter(cfg, logger)
	if err != nil {
		d.close()
		return nil, err
	}
	d.adapter = adapter

	sinks := notify.Fanout{notify.NewLogSink(logger), d.eventLog}
	if d.redis != nil {
		sinks = append(sinks, d.redis)
	}
	// The control server is built after the orchestrator; route notices
	// through the daemon so they reach clients once it exists.
	sinks = append(sinks, notify.SinkFunc(func(n notify.Notice) {
		if d.control != nil {
			d.control.Notify(n)
		}
	}))

	d.orch = session.New(adapter, dispatcher,
		session.WithNotifier(sinks),
		session.WithStateHandler(d.handleState),
		session.WithTranscriptHandler(d.handleTranscript),
		session.WithTempRoot(cfg.TempRoot),
		session.WithSegmentPrefix(cfg.Capture.Prefix),
		session.WithLogger(logger),
		session.WithMetrics(true),
	)
	d.control = control.NewServer(cfg.Control.Socket, d.orch, logger)
	return d, nil
}

// newAdapter builds the capture adapter the configuration selects. The
// single-file strategy records in process from the engine's audio source;
// chunked talks to the engine over TCP.
func newAdapter(cfg config.Config, logger *slog.Logger) (capture.Adapter, error) {
	switch cfg.Capture.Strategy {
	case config.StrategySingle:
		source, err := newAudioSource(cfg.Engine, cfg.EngineConfig().BlockSize(), logger)
		if err != nil {
			return nil, err
		}
		return capture.NewSingleFileAdapter(source, cfg.Engine.SampleRate, logger), nil
	default:
		return capture.NewChunkedAdapter(capture.EngineConfig{
			Addr:             cfg.Capture.EngineAddr,
			Spawn:            cfg.Capture.SpawnEngine,
			Command:          engineArgv(cfg),
			HandshakeTimeout: seconds(cfg.Capture.HandshakeTimeout),
			StopTimeout:      seconds(cfg.Capture.StopTimeout),
		}, logger), nil
	}
}

// engineArgv resolves the argv for a spawned engine. A configured
// engine_command wins; otherwise the engine subcommand is re-executed with
// the daemon's own --config and --log-level so both read the same file.
func engineArgv(cfg config.Config) []string {
	if len(cfg.Capture.EngineCommand) > 0 {
		return cfg.Capture.EngineCommand
	}
	if configPath == "" && logLevel == "" {
		return nil
	}
	self, err := os.Executable()
	if err != nil {
		return nil
	}
	argv := []string{self, "engine"}
	if configPath != "" {
		argv = append(argv, "--config", configPath)
	}
	if logLevel != "" {
		argv = append(argv, "--log-level", logLevel)
	}
	return argv
}

func (d *daemon) handleState(state session.State, sessionID string) {
	d.eventLog.LogState(state.String(), sessionID)
	if d.control != nil {
		d.control.BroadcastState(state, sessionID)
	}
	if d.redis != nil && sessionID != "" {
		var language string
		if snap := d.orch.Snapshot(); snap.SessionID == sessionID {
			language = snap.Language
		}
		d.redis.SetSessionState(sessionID, state.String(), language)
	}
}

func (d *daemon) handleTranscript(t session.Transcript) {
	d.eventLog.LogTranscript(t)
	if d.store != nil {
		if err := d.store.Save(t); err != nil {
			d.logger.Error("failed to store transcript", "session_id", t.SessionID, "error", err)
		}
	}
	if d.control != nil {
		d.control.BroadcastTranscript(t)
	}
	if d.redis != nil {
		d.redis.PublishTranscript(t.SessionID, t.Text)
	}
}

// close tears the daemon down in reverse construction order. Safe to call
// on a partially built daemon.
func (d *daemon) close() {
	if d.control != nil {
		d.control.Stop()
	}
	if c, ok := d.adapter.(io.Closer); ok {
		if err := c.Close(); err != nil {
			d.logger.Warn("capture shutdown failed", "error", err)
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("history close failed", "error", err)
		}
	}
	if d.redisCli != nil {
		_ = d.redisCli.Close()
	}
	if d.eventLog != nil {
		_ = d.eventLog.Close()
	}
}
