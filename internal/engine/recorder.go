// Package engine implements the audio segmentation engine: a capture loop
// that reads fixed ticks of audio from a source, runs speech detection, and
// cuts the stream into chunk files at confirmed silence boundaries. The
// engine speaks the protocol package's commands/events and normally runs as
// its own process (see Server).
package engine

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
	"github.com/talkscribe/talkscribe/internal/protocol"
)

// Tuning defaults. Durations are in seconds of audio, measured on the
// sample clock rather than the wall clock so file replay behaves exactly
// like live capture.
const (
	DefaultSampleRate             = 16000
	DefaultSilenceThreshold       = 3.0
	DefaultSilenceConfirmTicks    = 2
	DefaultMinChunkDuration       = 5.0
	DefaultMaxChunkDuration       = 600.0
	DefaultPerfectSilenceDuration = 2.0
	DefaultSilenceAmplitudeFloor  = 0.01
	DefaultSpeechThreshold        = 0.015

	// tickSeconds is the analysis cadence: one block of this much audio
	// per loop iteration.
	tickSeconds = 0.5

	// vadWindowSamples is how much of each tick the detector sees, the
	// most recent ~32ms at 16kHz.
	vadWindowSamples = 512
)

// Config tunes one Recorder.
type Config struct {
	SampleRate int

	// OutputDir and Prefix are process-level defaults; a start_recording
	// command may override both per session.
	OutputDir string
	Prefix    string

	// SilenceThreshold is the qualifying silence (seconds) that closes a
	// segment. Qualifying silence only starts accumulating after
	// SilenceConfirmTicks consecutive silent ticks, which filters out
	// breaths and stop-consonants.
	SilenceThreshold    float64
	SilenceConfirmTicks int

	// MinChunkDuration floors segment length; MaxChunkDuration cuts a
	// segment unconditionally so continuous speech stays bounded.
	MinChunkDuration float64
	MaxChunkDuration float64

	// PerfectSilenceDuration is how long the session start may stay below
	// SilenceAmplitudeFloor before the engine decides the input is dead.
	PerfectSilenceDuration float64
	SilenceAmplitudeFloor  float64

	SpeechThreshold float64

	// SaveCompleteRecording also writes the whole session as one WAV next
	// to the chunks.
	SaveCompleteRecording bool

	Debug bool
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Prefix == "" {
		c.Prefix = "talkscribe"
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = DefaultSilenceThreshold
	}
	if c.SilenceConfirmTicks <= 0 {
		c.SilenceConfirmTicks = DefaultSilenceConfirmTicks
	}
	if c.MinChunkDuration <= 0 {
		c.MinChunkDuration = DefaultMinChunkDuration
	}
	if c.MaxChunkDuration <= 0 {
		c.MaxChunkDuration = DefaultMaxChunkDuration
	}
	if c.PerfectSilenceDuration <= 0 {
		c.PerfectSilenceDuration = DefaultPerfectSilenceDuration
	}
	if c.SilenceAmplitudeFloor <= 0 {
		c.SilenceAmplitudeFloor = DefaultSilenceAmplitudeFloor
	}
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = DefaultSpeechThreshold
	}
	return c
}

// BlockSize returns the samples per analysis tick for the config's rate.
func (c Config) BlockSize() int {
	rate := c.SampleRate
	if rate <= 0 {
		rate = DefaultSampleRate
	}
	return int(float64(rate) * tickSeconds)
}

// EventSink receives engine events. Sends are fire-and-forget; the sink
// owns delivery failures.
type EventSink interface {
	Send(protocol.Event)
}

// Recorder owns one capture loop at a time. It can be started again after
// each session ends; per-session state lives entirely inside run so nothing
// leaks across sessions.
type Recorder struct {
	cfg      Config
	source   audio.Source
	detector Detector
	logger   *slog.Logger

	mu        sync.Mutex
	recording bool
	stopCh    chan struct{}
	done      chan struct{}
}

// NewRecorder builds a recorder around a block source. A nil detector gets
// the energy detector with the configured threshold.
func NewRecorder(cfg Config, source audio.Source, detector Detector, logger *slog.Logger) *Recorder {
	cfg = cfg.withDefaults()
	if detector == nil {
		detector = EnergyDetector{Threshold: cfg.SpeechThreshold}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		cfg:      cfg,
		source:   source,
		detector: detector,
		logger:   logger.With("component", "recorder"),
	}
}

// Recording reports whether a capture session is active.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.recording
}

// Start begins a capture session, overriding the configured output dir and
// prefix when non-empty. Events for the whole session go to sink.
func (r *Recorder) Start(outputDir, prefix string, sink EventSink) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		return errors.New("already recording")
	}

	if outputDir == "" {
		outputDir = r.cfg.OutputDir
	}
	if outputDir == "" {
		outputDir = "."
	}
	if prefix == "" {
		prefix = r.cfg.Prefix
	}

	r.recording = true
	r.stopCh = make(chan struct{})
	r.done = make(chan struct{})
	go r.run(outputDir, prefix, sink, r.stopCh, r.done)
	return nil
}

// Stop requests the active session to finalize. It returns immediately;
// the recording_stopped event marks actual completion.
func (r *Recorder) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.recording {
		return
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	// Unblock a pending read so the loop can finalize.
	r.source.Stop()
}

// Wait blocks until the active session (if any) has finished.
func (r *Recorder) Wait() {
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// session holds the per-capture accumulation state.
type session struct {
	outputDir string
	prefix    string

	chunkNum   int
	buf        []int16 // current segment
	sessionBuf []int16 // whole session, kept only when saving the complete recording

	clock         int // samples read so far
	segmentStart  int // clock value at segment start
	silenceTicks  int // consecutive silent ticks
	silenceSince  int // clock value when silence was confirmed, -1 when not
	audioDetected bool
}

func (r *Recorder) run(outputDir, prefix string, sink EventSink, stopCh, done chan struct{}) {
	defer close(done)
	defer func() {
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
	}()

	s := &session{
		outputDir:    outputDir,
		prefix:       prefix,
		silenceSince: -1,
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		r.fail(sink, fmt.Sprintf("failed to create output directory %s: %v", outputDir, err))
		return
	}

	if err := r.source.Start(); err != nil {
		r.fail(sink, fmt.Sprintf("audio input error: %v", err))
		return
	}
	defer r.source.Stop()

	sink.Send(protocol.RecordingStarted{})
	r.logger.Info("recording started", "output_dir", outputDir, "prefix", prefix)

	for {
		select {
		case <-stopCh:
			r.finalize(s, sink)
			return
		default:
		}

		block, err := r.source.ReadBlock()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF), errors.Is(err, audio.ErrSourceStopped):
			// Input drained or stop raced the read; both finalize.
			r.finalize(s, sink)
			return
		default:
			r.fail(sink, fmt.Sprintf("audio input error: %v", err))
			return
		}

		if halted := r.processTick(s, block, sink); halted {
			return
		}
	}
}

// processTick folds one block into the session. It returns true when the
// session has halted autonomously (dead input).
func (r *Recorder) processTick(s *session, block []int16, sink EventSink) bool {
	s.clock += len(block)
	s.buf = append(s.buf, block...)
	if r.cfg.SaveCompleteRecording {
		s.sessionBuf = append(s.sessionBuf, block...)
	}

	if !s.audioDetected {
		if audio.Peak(block) >= r.cfg.SilenceAmplitudeFloor {
			s.audioDetected = true
		} else if audio.Seconds(s.clock, r.cfg.SampleRate) >= r.cfg.PerfectSilenceDuration {
			msg := fmt.Sprintf("no audio detected for %.1fs; input device appears dead or muted", r.cfg.PerfectSilenceDuration)
			r.logger.Warn("halting capture", "reason", msg)
			sink.Send(protocol.SilenceWarning{Message: msg})
			sink.Send(protocol.RecordingStopped{})
			return true
		}
	}

	speech := r.detectSpeech(block)
	if speech {
		s.silenceTicks = 0
		s.silenceSince = -1
	} else {
		s.silenceTicks++
		if s.silenceTicks >= r.cfg.SilenceConfirmTicks && s.silenceSince < 0 {
			s.silenceSince = s.clock
			r.debug(sink, fmt.Sprintf("silence confirmed after %d ticks", s.silenceTicks))
		}
	}

	elapsed := audio.Seconds(s.clock-s.segmentStart, r.cfg.SampleRate)
	qualifying := 0.0
	if s.silenceSince >= 0 {
		qualifying = audio.Seconds(s.clock-s.silenceSince, r.cfg.SampleRate)
	}

	var reason string
	switch {
	case elapsed >= r.cfg.MaxChunkDuration:
		reason = "max duration"
	case s.silenceSince >= 0 && qualifying >= r.cfg.SilenceThreshold && elapsed >= r.cfg.MinChunkDuration:
		reason = "silence"
	default:
		return false
	}

	r.debug(sink, fmt.Sprintf("segment boundary (%s) at %.1fs", reason, audio.Seconds(s.clock, r.cfg.SampleRate)))
	if !r.saveChunk(s, false, sink) {
		// Persisting failed; the session cannot make progress.
		sink.Send(protocol.RecordingStopped{})
		return true
	}
	return false
}

func (r *Recorder) detectSpeech(block []int16) bool {
	window := block
	if len(window) > vadWindowSamples {
		window = window[len(window)-vadWindowSamples:]
	}
	speech, err := r.detector.DetectSpeech(window)
	if err != nil {
		// Keep the audio when the detector cannot decide.
		r.logger.Warn("speech detection failed, keeping audio", "error", err)
		return true
	}
	return speech
}

// saveChunk persists the current segment and emits chunk_ready. It resets
// segment accumulation whether or not the write succeeded.
func (r *Recorder) saveChunk(s *session, final bool, sink EventSink) bool {
	name := fmt.Sprintf("%s_chunk_%03d.wav", s.prefix, s.chunkNum+1)
	path := filepath.Join(s.outputDir, name)

	samples := s.buf
	s.buf = nil
	s.segmentStart = s.clock
	s.silenceTicks = 0
	s.silenceSince = -1

	if err := audio.WriteWAV(path, samples, r.cfg.SampleRate); err != nil {
		r.logger.Error("failed to write chunk", "path", path, "error", err)
		sink.Send(protocol.ErrorEvent{Error: fmt.Sprintf("failed to write %s: %v", name, err)})
		return false
	}

	s.chunkNum++
	r.logger.Info("chunk saved", "path", path, "final", final,
		"seconds", fmt.Sprintf("%.1f", audio.Seconds(len(samples), r.cfg.SampleRate)))
	sink.Send(protocol.ChunkReady{ChunkNum: s.chunkNum, AudioFile: path, IsFinal: final})
	return true
}

// finalize ends a session on stop or drained input: the remainder becomes
// the final chunk no matter how short, then recording_stopped.
func (r *Recorder) finalize(s *session, sink EventSink) {
	if len(s.buf) > 0 {
		r.saveChunk(s, true, sink)
	}
	if r.cfg.SaveCompleteRecording && len(s.sessionBuf) > 0 {
		name := fmt.Sprintf("%s-%s.wav", s.prefix, time.Now().Format("20060102-150405"))
		path := filepath.Join(s.outputDir, name)
		if err := audio.WriteWAV(path, s.sessionBuf, r.cfg.SampleRate); err != nil {
			r.logger.Error("failed to write complete recording", "path", path, "error", err)
		} else {
			r.logger.Info("complete recording saved", "path", path)
		}
	}
	sink.Send(protocol.RecordingStopped{})
	r.logger.Info("recording stopped", "chunks", s.chunkNum)
}

// fail reports a terminal capture problem and quiesces the session.
func (r *Recorder) fail(sink EventSink, msg string) {
	r.logger.Error("capture failed", "error", msg)
	sink.Send(protocol.ErrorEvent{Error: msg})
	sink.Send(protocol.RecordingStopped{})
}

func (r *Recorder) debug(sink EventSink, msg string) {
	if r.cfg.Debug {
		sink.Send(protocol.Debug{Message: msg})
	}
}
