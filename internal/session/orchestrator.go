package session

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/talkscribe/talkscribe/internal/capture"
	"github.com/talkscribe/talkscribe/internal/metrics"
	"github.com/talkscribe/talkscribe/internal/notify"
)

// Transcriber dispatches one audio segment for transcription. A non-nil
// return means the dispatch itself failed and no callback will run.
// Otherwise exactly one of onSuccess or onError is invoked exactly once,
// usually on another goroutine.
type Transcriber interface {
	Transcribe(audioPath, language string, onSuccess func(text string), onError func(err error)) error
}

// Transcript is the final product of a completed session.
type Transcript struct {
	SessionID string
	Language  string
	StartedAt time.Time
	EndedAt   time.Time
	Segments  int
	Failed    int
	Text      string
}

// TranscriptHandler receives the assembled transcript when a session
// completes. It runs outside the orchestrator lock.
type TranscriptHandler func(Transcript)

// StateHandler observes state transitions. sessionID is empty in IDLE.
type StateHandler func(state State, sessionID string)

// tracking holds everything tied to one session. A fresh tracking is
// allocated on each start; reset drops the whole struct, so no field can
// leak into the next session. Continuations hold a pointer to their own
// tracking and compare it against the current one, which makes callbacks
// from a reset session harmless no-ops.
type tracking struct {
	id        string
	language  string
	dir       string
	startedAt time.Time

	captureComplete bool
	stopSettled     bool
	pending         int
	failed          int
	results         map[int]string

	metrics *metrics.SessionMetrics
}

// Orchestrator owns the session state machine. It coordinates a capture
// adapter and a transcriber without ever blocking one on the other: all
// adapter and transcriber calls happen outside the lock, and their
// callbacks re-enter through guarded methods.
type Orchestrator struct {
	adapter     capture.Adapter
	transcriber Transcriber

	notifier   notify.Sink
	handler    TranscriptHandler
	stateFn    StateHandler
	tempRoot   string
	prefix     string
	logger     *slog.Logger
	useMetrics bool

	mu    sync.Mutex
	state State
	sess  *tracking
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier routes capture and transcription notices to sink.
func WithNotifier(sink notify.Sink) Option {
	return func(o *Orchestrator) { o.notifier = sink }
}

// WithTranscriptHandler registers the consumer of completed transcripts.
func WithTranscriptHandler(h TranscriptHandler) Option {
	return func(o *Orchestrator) { o.handler = h }
}

// WithStateHandler registers an observer for state transitions.
func WithStateHandler(h StateHandler) Option {
	return func(o *Orchestrator) { o.stateFn = h }
}

// WithTempRoot places per-session working directories under root.
func WithTempRoot(root string) Option {
	return func(o *Orchestrator) { o.tempRoot = root }
}

// WithSegmentPrefix sets the filename prefix passed to the capture adapter.
func WithSegmentPrefix(prefix string) Option {
	return func(o *Orchestrator) { o.prefix = prefix }
}

// WithLogger replaces the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithMetrics enables per-session metrics collection.
func WithMetrics(enabled bool) Option {
	return func(o *Orchestrator) { o.useMetrics = enabled }
}

// New builds an Orchestrator in IDLE around a capture adapter and a
// transcriber.
func New(adapter capture.Adapter, transcriber Transcriber, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		adapter:     adapter,
		transcriber: transcriber,
		tempRoot:    filepath.Join(os.TempDir(), "talkscribe"),
		prefix:      "talkscribe",
		logger:      slog.Default().With("component", "session"),
		state:       StateIdle,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start begins a new session in the given language. Valid only in IDLE;
// a previous ERROR is cleared automatically. A missing language tag or a
// capture start failure leaves the orchestrator in ERROR.
func (o *Orchestrator) Start(language string) error {
	o.mu.Lock()
	if o.state == StateError {
		// Starting fresh is the recovery path out of ERROR.
		o.enterIdleLocked()
	}
	if o.state != StateIdle {
		err := &TransitionError{From: o.state, To: StateRecording}
		o.mu.Unlock()
		return err
	}
	if strings.TrimSpace(language) == "" {
		o.state = StateError
		o.mu.Unlock()
		err := errors.New("language tag is required")
		o.notify(notify.Errorf(notify.CategoryConfig, "", "cannot start session: %v", err))
		o.announce(StateError, "")
		return err
	}

	t := &tracking{
		id:        uuid.NewString(),
		language:  language,
		startedAt: time.Now(),
		results:   make(map[int]string),
	}
	t.dir = filepath.Join(o.tempRoot, "session-"+t.id)
	if o.useMetrics {
		t.metrics = metrics.NewSession(t.id, language)
	}
	o.sess = t
	o.state = StateRecording
	o.mu.Unlock()

	if err := os.MkdirAll(t.dir, 0755); err != nil {
		o.failSession(t, notify.CategoryCapture, "cannot create session directory: %v", err)
		return err
	}

	cb := capture.Callbacks{
		OnSegment: func(path string, index int, final bool) { o.segmentReady(t, path, index, final) },
		OnError:   func(err error) { o.captureFailed(t, err) },
	}
	cfg := capture.Config{OutputDir: t.dir, Prefix: o.prefix, Language: language}
	if err := o.adapter.Start(cfg, cb); err != nil {
		o.failSession(t, notify.CategoryCapture, "failed to start capture: %v", err)
		return err
	}

	o.logger.Info("session started", "session_id", t.id, "language", language)
	o.announce(StateRecording, t.id)
	return nil
}

// Stop ends capture and moves to TRANSCRIBING. Valid only in RECORDING.
// The session completes on its own once the adapter settles and every
// pending segment has a result.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	if o.state != StateRecording {
		err := &TransitionError{From: o.state, To: StateTranscribing}
		o.mu.Unlock()
		return err
	}
	t := o.sess
	// The flag flips before the adapter is told to stop, so a stop that
	// settles instantly still sees it set.
	t.captureComplete = true
	o.state = StateTranscribing
	pending := t.pending
	o.mu.Unlock()

	o.logger.Info("session stopping", "session_id", t.id, "pending", pending)
	o.announce(StateTranscribing, t.id)

	o.adapter.Stop(
		func() { o.stopDone(t) },
		func(err error) { o.stopFailed(t, err) },
	)
	o.checkCompletion()
	return nil
}

// Reset clears ERROR back to IDLE. Valid only in ERROR.
func (o *Orchestrator) Reset() error {
	o.mu.Lock()
	if o.state != StateError {
		err := &TransitionError{From: o.state, To: StateIdle}
		o.mu.Unlock()
		return err
	}
	o.enterIdleLocked()
	o.mu.Unlock()

	o.logger.Info("session state reset")
	o.announce(StateIdle, "")
	return nil
}

// CurrentState returns the machine's state.
func (o *Orchestrator) CurrentState() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// SessionID returns the active session's id, or "" when no session is
// tracked.
func (o *Orchestrator) SessionID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.sess == nil {
		return ""
	}
	return o.sess.id
}

// Snapshot reports the observable session state in one consistent read.
type Snapshot struct {
	State           State
	SessionID       string
	Language        string
	Pending         int
	Results         int
	CaptureComplete bool
}

// Snapshot returns the current state and tracking counters.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()
	snap := Snapshot{State: o.state}
	if o.sess != nil {
		snap.SessionID = o.sess.id
		snap.Language = o.sess.language
		snap.Pending = o.sess.pending
		snap.Results = len(o.sess.results)
		snap.CaptureComplete = o.sess.captureComplete
	}
	return snap
}

// segmentReady runs when the adapter hands over a finished segment. It
// dispatches the segment for transcription and counts it as pending.
func (o *Orchestrator) segmentReady(t *tracking, path string, index int, final bool) {
	o.mu.Lock()
	if o.sess != t {
		o.mu.Unlock()
		o.logger.Debug("ignoring segment from reset session", "index", index, "path", path)
		return
	}
	if o.state != StateRecording && o.state != StateTranscribing {
		st := o.state
		o.mu.Unlock()
		o.logger.Debug("ignoring segment in state", "state", st.String(), "index", index)
		return
	}
	t.pending++
	o.mu.Unlock()

	if t.metrics != nil {
		var size int64
		if info, err := os.Stat(path); err == nil {
			size = info.Size()
		}
		t.metrics.AddSegment(size)
	}
	o.logger.Info("segment ready", "session_id", t.id, "index", index, "final", final, "path", path)

	err := o.transcriber.Transcribe(path, t.language,
		func(text string) { o.transcribed(t, index, text, nil) },
		func(err error) { o.transcribed(t, index, "", err) },
	)
	if err != nil {
		o.failSession(t, notify.CategoryTranscription, "failed to dispatch segment %d: %v", index, err)
	}
}

// transcribed is the continuation for one segment. A failed segment gets a
// placeholder so the rest of the transcript still assembles in order.
func (o *Orchestrator) transcribed(t *tracking, index int, text string, terr error) {
	o.mu.Lock()
	if o.sess != t {
		o.mu.Unlock()
		o.logger.Debug("ignoring transcription result from reset session", "index", index)
		return
	}
	if terr != nil {
		t.results[index] = failurePlaceholder(index, terr)
		t.failed++
	} else {
		t.results[index] = text
	}
	if t.pending > 0 {
		t.pending--
	}
	o.mu.Unlock()

	if t.metrics != nil {
		t.metrics.AddResult(len(text), terr != nil)
	}
	if terr != nil {
		o.logger.Warn("segment transcription failed", "session_id", t.id, "index", index, "error", terr)
		o.notify(notify.Warningf(notify.CategoryTranscription, t.id, "segment %d failed: %v", index, terr))
	} else {
		o.logger.Debug("segment transcribed", "session_id", t.id, "index", index, "chars", len(text))
	}
	o.checkCompletion()
}

// captureFailed runs when the adapter reports an asynchronous capture
// failure. Warnings (operator-fixable conditions like a dead microphone)
// keep warning severity; everything else is an error. Both end the session
// in ERROR.
func (o *Orchestrator) captureFailed(t *tracking, err error) {
	o.mu.Lock()
	if o.sess != t {
		o.mu.Unlock()
		o.logger.Debug("ignoring capture error from reset session", "error", err)
		return
	}
	if o.state == StateError {
		o.mu.Unlock()
		o.logger.Debug("capture error in ERROR state absorbed", "error", err)
		return
	}
	o.state = StateError
	o.mu.Unlock()

	if capture.IsWarning(err) {
		o.logger.Warn("capture halted", "session_id", t.id, "error", err)
		o.notify(notify.Warningf(notify.CategoryCapture, t.id, "capture halted: %v", err))
	} else {
		o.logger.Error("capture failed", "session_id", t.id, "error", err)
		o.notify(notify.Errorf(notify.CategoryCapture, t.id, "capture failed: %v", err))
	}
	o.announce(StateError, t.id)
}

// stopDone marks the adapter's stop as settled. After this point the
// adapter has delivered every segment it ever will, so completion can fire
// as soon as the pending count drains.
func (o *Orchestrator) stopDone(t *tracking) {
	o.mu.Lock()
	if o.sess != t {
		o.mu.Unlock()
		return
	}
	t.stopSettled = true
	o.mu.Unlock()

	o.logger.Debug("capture stop settled", "session_id", t.id)
	o.checkCompletion()
}

// stopFailed runs when the adapter could not stop cleanly.
func (o *Orchestrator) stopFailed(t *tracking, err error) {
	o.failSession(t, notify.CategoryCapture, "failed to stop capture: %v", err)
}

// failSession transitions the session into ERROR with a notice, unless the
// session was already reset or is already in ERROR.
func (o *Orchestrator) failSession(t *tracking, cat notify.Category, format string, args ...any) {
	o.mu.Lock()
	if o.sess != t || o.state == StateError {
		o.mu.Unlock()
		return
	}
	o.state = StateError
	o.mu.Unlock()

	n := notify.Errorf(cat, t.id, format, args...)
	o.logger.Error(n.Message, "session_id", t.id)
	o.notify(n)
	o.announce(StateError, t.id)
}

// checkCompletion finishes the session when capture is complete, the stop
// has settled and no segment is still pending. It is safe to call from any
// continuation; only the invocation that observes all three conditions in
// TRANSCRIBING assembles the transcript, and entering IDLE makes every
// later call a no-op.
func (o *Orchestrator) checkCompletion() {
	o.mu.Lock()
	t := o.sess
	if t == nil || o.state != StateTranscribing ||
		!t.captureComplete || !t.stopSettled || t.pending != 0 {
		o.mu.Unlock()
		return
	}
	transcript := Transcript{
		SessionID: t.id,
		Language:  t.language,
		StartedAt: t.startedAt,
		EndedAt:   time.Now(),
		Segments:  len(t.results),
		Failed:    t.failed,
		Text:      Assemble(t.results),
	}
	o.enterIdleLocked()
	o.mu.Unlock()

	if t.metrics != nil {
		t.metrics.Finalize()
		snap := t.metrics.Snapshot()
		o.logger.Info("session metrics",
			"session_id", snap.SessionID,
			"duration", snap.Duration,
			"segments", snap.Segments,
			"transcribed", snap.Transcribed,
			"failed", snap.Failed,
			"audio_bytes", snap.AudioBytes,
			"transcript_chars", snap.TranscriptChars,
			"first_result_latency", snap.FirstResultLatency)
	}
	o.logger.Info("session complete",
		"session_id", t.id, "segments", transcript.Segments, "failed", transcript.Failed)

	if o.handler != nil {
		o.handler(transcript)
	}
	o.announce(StateIdle, "")
}

// enterIdleLocked is the single reset point. Every path into IDLE goes
// through here, so no tracking state can survive into the next session.
func (o *Orchestrator) enterIdleLocked() {
	o.state = StateIdle
	o.sess = nil
}

func (o *Orchestrator) notify(n notify.Notice) {
	if o.notifier != nil {
		o.notifier.Notify(n)
	}
}

func (o *Orchestrator) announce(s State, sessionID string) {
	if o.stateFn != nil {
		o.stateFn(s, sessionID)
	}
}
