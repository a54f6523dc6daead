// Package transcribe converts captured audio segments to text through
// pluggable backends: a local whisper-cli binary, an OpenAI-compatible HTTP
// endpoint, the official OpenAI SDK, or a vosk-style WebSocket server. The
// Dispatcher adapts any backend to the asynchronous continuation contract
// the session orchestrator consumes.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"
)

// DefaultTimeout bounds one transcription request when no timeout is
// configured.
const DefaultTimeout = 120 * time.Second

// Request identifies one audio segment to transcribe.
type Request struct {
	AudioPath string
	Language  string
}

// Backend transcribes one audio file synchronously. Implementations must
// honor ctx cancellation; the Dispatcher applies the per-request timeout.
type Backend interface {
	Name() string
	Transcribe(ctx context.Context, req Request) (string, error)
}

// Dispatcher runs a Backend on its own goroutine per segment and reports
// the outcome through exactly one of two continuations. A non-nil error
// from Transcribe means the dispatch itself failed (bad precondition) and
// neither continuation will run.
type Dispatcher struct {
	backend Backend
	timeout time.Duration
	logger  *slog.Logger
}

// NewDispatcher wraps backend with per-request timeout handling. A zero
// timeout gets DefaultTimeout.
func NewDispatcher(backend Backend, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		backend: backend,
		timeout: timeout,
		logger:  logger.With("component", "transcribe", "backend", backend.Name()),
	}
}

// Transcribe validates the segment file and starts the backend. The file
// must exist and be non-empty before any goroutine is spawned, so a capture
// bug surfaces as a synchronous dispatch failure rather than a transcription
// error placeholder.
func (d *Dispatcher) Transcribe(audioPath, language string, onSuccess func(text string), onError func(err error)) error {
	info, err := os.Stat(audioPath)
	if err != nil {
		return fmt.Errorf("segment audio unreadable: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("segment audio %s is empty", audioPath)
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		start := time.Now()
		text, err := d.backend.Transcribe(ctx, Request{AudioPath: audioPath, Language: language})
		if err != nil {
			d.logger.Warn("transcription failed",
				"path", audioPath, "elapsed", time.Since(start), "error", err)
			onError(err)
			return
		}
		d.logger.Debug("transcription done",
			"path", audioPath, "elapsed", time.Since(start), "chars", len(text))
		onSuccess(strings.TrimSpace(text))
	}()
	return nil
}
