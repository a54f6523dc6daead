// Package notify carries categorized status and failure notices from the
// session pipeline to whatever surfaces them: the log, the control socket,
// Redis. Categories and severities are closed enums so downstream display
// logic never has to guess at free-form strings.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// Category identifies which part of the pipeline produced a notice.
type Category uint8

const (
	CategoryConfig Category = iota + 1
	CategoryCapture
	CategoryTranscription
	CategoryProtocol
)

var categoryNames = map[Category]string{
	CategoryConfig:        "config",
	CategoryCapture:       "capture",
	CategoryTranscription: "transcription",
	CategoryProtocol:      "protocol",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Category(%d)", uint8(c))
}

func (c Category) MarshalJSON() ([]byte, error) {
	name, ok := categoryNames[c]
	if !ok {
		return nil, fmt.Errorf("invalid category %d", uint8(c))
	}
	return json.Marshal(name)
}

func (c *Category) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for cat, n := range categoryNames {
		if n == name {
			*c = cat
			return nil
		}
	}
	return fmt.Errorf("unknown category: %q", name)
}

// Severity tells the sink how urgently to surface a notice.
type Severity uint8

const (
	SeverityWarning Severity = iota + 1
	SeverityError
)

var severityNames = map[Severity]string{
	SeverityWarning: "warning",
	SeverityError:   "error",
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("Severity(%d)", uint8(s))
}

func (s Severity) MarshalJSON() ([]byte, error) {
	name, ok := severityNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid severity %d", uint8(s))
	}
	return json.Marshal(name)
}

func (s *Severity) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for sev, n := range severityNames {
		if n == name {
			*s = sev
			return nil
		}
	}
	return fmt.Errorf("unknown severity: %q", name)
}

// Notice is one categorized, severity-tagged message.
type Notice struct {
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	SessionID string    `json:"session_id,omitempty"`
	Message   string    `json:"message"`
	Time      time.Time `json:"time"`
}

// Sink receives notices. Implementations must not block for long; the
// orchestrator calls Notify on its own callback path.
type Sink interface {
	Notify(Notice)
}

// Warningf builds a warning notice with the current time.
func Warningf(cat Category, sessionID, format string, args ...any) Notice {
	return Notice{
		Category:  cat,
		Severity:  SeverityWarning,
		SessionID: sessionID,
		Message:   fmt.Sprintf(format, args...),
		Time:      time.Now(),
	}
}

// Errorf builds a hard-error notice with the current time.
func Errorf(cat Category, sessionID, format string, args ...any) Notice {
	return Notice{
		Category:  cat,
		Severity:  SeverityError,
		SessionID: sessionID,
		Message:   fmt.Sprintf(format, args...),
		Time:      time.Now(),
	}
}

// LogSink writes notices to a slog logger at a level matching severity.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (ls *LogSink) Notify(n Notice) {
	attrs := []any{
		"category", n.Category.String(),
		"session_id", n.SessionID,
	}
	if n.Severity == SeverityError {
		ls.logger.Error(n.Message, attrs...)
	} else {
		ls.logger.Warn(n.Message, attrs...)
	}
}

// Fanout delivers each notice to every sink in order.
type Fanout []Sink

func (f Fanout) Notify(n Notice) {
	for _, sink := range f {
		sink.Notify(n)
	}
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Notice)

func (fn SinkFunc) Notify(n Notice) { fn(n) }
