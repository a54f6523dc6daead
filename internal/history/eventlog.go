package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/talkscribe/talkscribe/internal/notify"
	"github.com/talkscribe/talkscribe/internal/session"
)

// EventLog appends one JSON line per daemon event: state changes, notices,
// and finished transcripts. One file per daemon run.
type EventLog struct {
	mu   sync.Mutex
	file *os.File
}

type eventRecord struct {
	Timestamp string `json:"ts"`
	Event     string `json:"event"`
	SessionID string `json:"session_id,omitempty"`
	State     string `json:"state,omitempty"`
	Category  string `json:"category,omitempty"`
	Severity  string `json:"severity,omitempty"`
	Message   string `json:"message,omitempty"`
	Text      string `json:"text,omitempty"`
	Segments  int    `json:"segments,omitempty"`
	Failed    int    `json:"failed,omitempty"`
}

// NewEventLog creates a run log under dir, named by the start time.
func NewEventLog(dir string, started time.Time) (*EventLog, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create event log directory: %w", err)
	}
	name := filepath.Join(dir, fmt.Sprintf("%s_events.jsonl", started.Format("20060102_150405")))
	f, err := os.OpenFile(name, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &EventLog{file: f}, nil
}

// Path returns the log file's path, or "" after Close.
func (l *EventLog) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return ""
	}
	return l.file.Name()
}

func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func (l *EventLog) write(rec eventRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if rec.Timestamp == "" {
		rec.Timestamp = time.Now().Format(time.RFC3339Nano)
	}
	rec.Text = strings.TrimSpace(rec.Text)
	enc := json.NewEncoder(l.file)
	_ = enc.Encode(rec)
}

// LogState records an orchestrator state transition.
func (l *EventLog) LogState(state, sessionID string) {
	l.write(eventRecord{Event: "state", State: state, SessionID: sessionID})
}

// LogTranscript records a finished session.
func (l *EventLog) LogTranscript(t session.Transcript) {
	l.write(eventRecord{
		Event:     "transcript",
		SessionID: t.SessionID,
		Text:      t.Text,
		Segments:  t.Segments,
		Failed:    t.Failed,
	})
}

// Notify records a notice, satisfying notify.Sink so the log can sit in
// the daemon's fanout.
func (l *EventLog) Notify(n notify.Notice) {
	l.write(eventRecord{
		Timestamp: n.Time.Format(time.RFC3339Nano),
		Event:     "notice",
		SessionID: n.SessionID,
		Category:  n.Category.String(),
		Severity:  n.Severity.String(),
		Message:   n.Message,
	})
}
