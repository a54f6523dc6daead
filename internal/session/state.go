// Package session implements the recording/transcription orchestrator: a
// state machine that drives a capture adapter, dispatches each finished
// segment to a transcriber, and assembles the results into one ordered
// transcript per session.
package session

import (
	"encoding/json"
	"fmt"
)

// State is the orchestrator's lifecycle position. Exactly one session runs
// at a time; StateIdle is both the initial state and the only state reached
// after recovery.
type State int

const (
	StateIdle State = iota
	StateRecording
	StateTranscribing
	StateError
)

var stateNames = map[State]string{
	StateIdle:         "idle",
	StateRecording:    "recording",
	StateTranscribing: "transcribing",
	StateError:        "error",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) {
	name, ok := stateNames[s]
	if !ok {
		return nil, fmt.Errorf("invalid state %d", int(s))
	}
	return json.Marshal(name)
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st, n := range stateNames {
		if n == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state: %q", name)
}

// TransitionError reports a rejected state transition. State is left
// unchanged when one is returned.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
}
