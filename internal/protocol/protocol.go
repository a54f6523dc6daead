// Package protocol defines the newline-delimited JSON messages exchanged
// between the segmentation engine and its client. Commands flow client to
// engine and carry a "command" tag; events flow engine to client and carry
// a "type" tag. Both sets are closed: unknown tags are rejected with
// UnknownTypeError so receivers can log and drop them without dying.
package protocol

import (
	"encoding/json"
	"fmt"
)

// Command names.
const (
	CmdStartRecording = "start_recording"
	CmdStopRecording  = "stop_recording"
	CmdShutdown       = "shutdown"
)

// Event names.
const (
	EvtServerReady      = "server_ready"
	EvtRecordingStarted = "recording_started"
	EvtChunkReady       = "chunk_ready"
	EvtRecordingStopped = "recording_stopped"
	EvtSilenceWarning   = "silence_warning"
	EvtError            = "error"
	EvtDebug            = "debug"
)

// UnknownTypeError reports a message whose tag is outside the closed set.
type UnknownTypeError struct {
	Kind string // "command" or "event"
	Name string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown %s type: %q", e.Kind, e.Name)
}

// Command is one client-to-engine instruction.
type Command interface {
	isCommand()
	CommandName() string
}

// StartRecording begins a capture session. OutputDir and Prefix override
// the engine's process-level defaults when set, so each session can write
// into its own directory.
type StartRecording struct {
	OutputDir string `json:"output_dir,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
}

// StopRecording ends the active capture session; the engine persists the
// final chunk before acknowledging.
type StopRecording struct{}

// Shutdown stops the engine process.
type Shutdown struct{}

func (StartRecording) isCommand() {}
func (StopRecording) isCommand()  {}
func (Shutdown) isCommand()       {}

func (StartRecording) CommandName() string { return CmdStartRecording }
func (StopRecording) CommandName() string  { return CmdStopRecording }
func (Shutdown) CommandName() string       { return CmdShutdown }

func (c StartRecording) MarshalJSON() ([]byte, error) {
	type alias StartRecording
	return json.Marshal(struct {
		Command string `json:"command"`
		alias
	}{Command: CmdStartRecording, alias: alias(c)})
}

func (c StopRecording) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Command string `json:"command"`
	}{Command: CmdStopRecording})
}

func (c Shutdown) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Command string `json:"command"`
	}{Command: CmdShutdown})
}

// ParseCommand decodes one command line.
func ParseCommand(data []byte) (Command, error) {
	var probe struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("malformed command: %w", err)
	}

	switch probe.Command {
	case CmdStartRecording:
		var c StartRecording
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", CmdStartRecording, err)
		}
		return &c, nil
	case CmdStopRecording:
		return &StopRecording{}, nil
	case CmdShutdown:
		return &Shutdown{}, nil
	default:
		return nil, &UnknownTypeError{Kind: "command", Name: probe.Command}
	}
}

// Event is one engine-to-client notification.
type Event interface {
	isEvent()
	EventName() string
}

// ServerReady announces the engine can accept commands. Sent once per
// client connection, before anything else.
type ServerReady struct{}

// RecordingStarted acknowledges start_recording.
type RecordingStarted struct{}

// ChunkReady reports one persisted audio segment.
type ChunkReady struct {
	ChunkNum  int    `json:"chunk_num"`
	AudioFile string `json:"audio_file"`
	IsFinal   bool   `json:"is_final"`
}

// RecordingStopped acknowledges stop_recording. It is sent only after any
// final ChunkReady for the session.
type RecordingStopped struct{}

// SilenceWarning reports the dead-microphone condition; capture has
// already halted when it is sent.
type SilenceWarning struct {
	Message string `json:"message"`
}

// ErrorEvent carries a human-readable capture failure. The engine process
// stays alive after sending it.
type ErrorEvent struct {
	Error string `json:"error"`
}

// Debug carries diagnostic detail, emitted only in debug mode.
type Debug struct {
	Message string `json:"message"`
}

func (ServerReady) isEvent()      {}
func (RecordingStarted) isEvent() {}
func (ChunkReady) isEvent()       {}
func (RecordingStopped) isEvent() {}
func (SilenceWarning) isEvent()   {}
func (ErrorEvent) isEvent()       {}
func (Debug) isEvent()            {}

func (ServerReady) EventName() string      { return EvtServerReady }
func (RecordingStarted) EventName() string { return EvtRecordingStarted }
func (ChunkReady) EventName() string       { return EvtChunkReady }
func (RecordingStopped) EventName() string { return EvtRecordingStopped }
func (SilenceWarning) EventName() string   { return EvtSilenceWarning }
func (ErrorEvent) EventName() string       { return EvtError }
func (Debug) EventName() string            { return EvtDebug }

func (e ServerReady) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: EvtServerReady})
}

func (e RecordingStarted) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: EvtRecordingStarted})
}

func (e ChunkReady) MarshalJSON() ([]byte, error) {
	type alias ChunkReady
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: EvtChunkReady, alias: alias(e)})
}

func (e RecordingStopped) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: EvtRecordingStopped})
}

func (e SilenceWarning) MarshalJSON() ([]byte, error) {
	type alias SilenceWarning
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: EvtSilenceWarning, alias: alias(e)})
}

func (e ErrorEvent) MarshalJSON() ([]byte, error) {
	type alias ErrorEvent
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: EvtError, alias: alias(e)})
}

func (e Debug) MarshalJSON() ([]byte, error) {
	type alias Debug
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: EvtDebug, alias: alias(e)})
}

// ParseEvent decodes one event line.
func ParseEvent(data []byte) (Event, error) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("malformed event: %w", err)
	}

	switch probe.Type {
	case EvtServerReady:
		return &ServerReady{}, nil
	case EvtRecordingStarted:
		return &RecordingStarted{}, nil
	case EvtChunkReady:
		var e ChunkReady
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", EvtChunkReady, err)
		}
		return &e, nil
	case EvtRecordingStopped:
		return &RecordingStopped{}, nil
	case EvtSilenceWarning:
		var e SilenceWarning
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", EvtSilenceWarning, err)
		}
		return &e, nil
	case EvtError:
		var e ErrorEvent
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", EvtError, err)
		}
		return &e, nil
	case EvtDebug:
		var e Debug
		if err := json.Unmarshal(data, &e); err != nil {
			return nil, fmt.Errorf("malformed %s: %w", EvtDebug, err)
		}
		return &e, nil
	default:
		return nil, &UnknownTypeError{Kind: "event", Name: probe.Type}
	}
}
