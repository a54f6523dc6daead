// Package metrics collects per-session counters for the capture and
// transcription pipeline. One SessionMetrics lives for exactly one session
// and is summarized into the log when the session completes.
package metrics

import (
	"sync"
	"time"
)

// SessionMetrics accumulates counters for one session. All methods are safe
// for concurrent use; transcription continuations run on their own
// goroutines.
type SessionMetrics struct {
	mu sync.Mutex

	sessionID string
	language  string
	startTime time.Time
	endTime   time.Time

	segments        int
	transcribed     int
	failed          int
	audioBytes      int64
	transcriptChars int
	firstResult     time.Time
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	SessionID          string
	Language           string
	Duration           time.Duration
	Segments           int
	Transcribed        int
	Failed             int
	AudioBytes         int64
	TranscriptChars    int
	FirstResultLatency time.Duration
}

// NewSession starts tracking a session from now.
func NewSession(sessionID, language string) *SessionMetrics {
	return &SessionMetrics{
		sessionID: sessionID,
		language:  language,
		startTime: time.Now(),
	}
}

// AddSegment records one captured segment and its audio size in bytes.
func (m *SessionMetrics) AddSegment(bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments++
	m.audioBytes += bytes
}

// AddResult records one transcription outcome. textLen is the transcribed
// text length; failed results contribute no text.
func (m *SessionMetrics) AddResult(textLen int, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.firstResult.IsZero() {
		m.firstResult = time.Now()
	}
	if failed {
		m.failed++
		return
	}
	m.transcribed++
	m.transcriptChars += textLen
}

// Finalize stamps the session end time.
func (m *SessionMetrics) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endTime = time.Now()
}

// Snapshot returns the current counters. Duration runs to now when the
// session has not been finalized yet.
func (m *SessionMetrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	end := m.endTime
	if end.IsZero() {
		end = time.Now()
	}
	var latency time.Duration
	if !m.firstResult.IsZero() {
		latency = m.firstResult.Sub(m.startTime)
	}

	return Snapshot{
		SessionID:          m.sessionID,
		Language:           m.language,
		Duration:           end.Sub(m.startTime),
		Segments:           m.segments,
		Transcribed:        m.transcribed,
		Failed:             m.failed,
		AudioBytes:         m.audioBytes,
		TranscriptChars:    m.transcriptChars,
		FirstResultLatency: latency,
	}
}
