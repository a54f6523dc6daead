package capture

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/talkscribe/talkscribe/internal/audio"
)

// singleStopTimeout bounds how long Stop waits for the reader goroutine to
// drain after the source is told to stop.
const singleStopTimeout = 5 * time.Second

// SingleFileAdapter buffers an audio source in process and writes the whole
// session as one WAV when stopped. Exactly one final segment (index 1) is
// emitted per session, or none at all when no audio arrived. The adapter is
// reusable across sessions.
type SingleFileAdapter struct {
	source     audio.Source
	sampleRate int
	logger     *slog.Logger

	mu   sync.Mutex
	sess *singleSession
}

type singleSession struct {
	cfg Config
	cb  Callbacks

	stopRequested bool // guarded by the adapter mutex

	// buf is written by the reader goroutine before done closes and read
	// by the stop path after, so it needs no lock of its own.
	buf  []int16
	done chan struct{}
}

// NewSingleFileAdapter builds the in-process capture strategy around a
// block source. sampleRate must match the source's output.
func NewSingleFileAdapter(source audio.Source, sampleRate int, logger *slog.Logger) *SingleFileAdapter {
	if sampleRate <= 0 {
		sampleRate = 16000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SingleFileAdapter{
		source:     source,
		sampleRate: sampleRate,
		logger:     logger.With("component", "capture", "strategy", "single"),
	}
}

func (a *SingleFileAdapter) Start(cfg Config, cb Callbacks) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sess != nil {
		return errors.New("capture already active")
	}
	if cfg.OutputDir == "" {
		return errors.New("output directory is required")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}
	if err := a.source.Start(); err != nil {
		return fmt.Errorf("failed to start audio input: %w", err)
	}

	sess := &singleSession{cfg: cfg, cb: cb, done: make(chan struct{})}
	a.sess = sess
	go a.read(sess)

	a.logger.Info("capture started", "output_dir", cfg.OutputDir)
	return nil
}

// read accumulates source blocks until the source stops, drains, or fails.
func (a *SingleFileAdapter) read(sess *singleSession) {
	defer close(sess.done)

	var buf []int16
	for {
		block, err := a.source.ReadBlock()
		if err == nil {
			buf = append(buf, block...)
			continue
		}
		sess.buf = buf

		if errors.Is(err, io.EOF) || errors.Is(err, audio.ErrSourceStopped) {
			return
		}

		a.mu.Lock()
		stopping := sess.stopRequested
		if a.sess == sess && !stopping {
			a.sess = nil
		}
		a.mu.Unlock()

		if stopping {
			// The stop path finalizes whatever was buffered.
			a.logger.Warn("audio input failed during stop", "error", err)
			return
		}
		a.logger.Error("audio input failed", "error", err)
		sess.cb.OnError(fmt.Errorf("audio input failed: %w", err))
		return
	}
}

func (a *SingleFileAdapter) Stop(onComplete func(), onError func(error)) {
	a.mu.Lock()
	sess := a.sess
	if sess == nil || sess.stopRequested {
		a.mu.Unlock()
		onError(errors.New("no active capture session"))
		return
	}
	sess.stopRequested = true
	a.mu.Unlock()

	go func() {
		a.source.Stop()

		select {
		case <-sess.done:
		case <-time.After(singleStopTimeout):
			a.clear(sess)
			onError(errors.New("audio input did not stop in time"))
			return
		}

		if len(sess.buf) == 0 {
			a.clear(sess)
			a.logger.Info("capture stopped with no audio")
			onComplete()
			return
		}

		prefix := sess.cfg.Prefix
		if prefix == "" {
			prefix = "talkscribe"
		}
		path := filepath.Join(sess.cfg.OutputDir, fmt.Sprintf("%s_chunk_001.wav", prefix))
		if err := audio.WriteWAV(path, sess.buf, a.sampleRate); err != nil {
			a.clear(sess)
			onError(fmt.Errorf("failed to write session audio: %w", err))
			return
		}

		a.logger.Info("session audio saved", "path", path,
			"seconds", fmt.Sprintf("%.1f", audio.Seconds(len(sess.buf), a.sampleRate)))
		sess.cb.OnSegment(path, 1, true)
		a.clear(sess)
		onComplete()
	}()
}

func (a *SingleFileAdapter) Capturing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess != nil && !a.sess.stopRequested
}

// Close releases the underlying source.
func (a *SingleFileAdapter) Close() error {
	return a.source.Close()
}

func (a *SingleFileAdapter) clear(sess *singleSession) {
	a.mu.Lock()
	if a.sess == sess {
		a.sess = nil
	}
	a.mu.Unlock()
}
