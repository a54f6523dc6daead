package session

import (
	"encoding/json"
	"testing"
)

func TestStateString(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateIdle, "idle"},
		{StateRecording, "recording"},
		{StateTranscribing, "transcribing"},
		{StateError, "error"},
		{State(42), "State(42)"},
	}

	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestStateJSON(t *testing.T) {
	data, err := json.Marshal(StateTranscribing)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `"transcribing"` {
		t.Errorf("Expected \"transcribing\", got %s", data)
	}

	var s State
	if err := json.Unmarshal([]byte(`"recording"`), &s); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if s != StateRecording {
		t.Errorf("Expected StateRecording, got %v", s)
	}

	if _, err := json.Marshal(State(99)); err == nil {
		t.Error("Expected error marshaling invalid state")
	}
	if err := json.Unmarshal([]byte(`"paused"`), &s); err == nil {
		t.Error("Expected error unmarshaling unknown state name")
	}
}

func TestTransitionErrorMessage(t *testing.T) {
	err := &TransitionError{From: StateIdle, To: StateTranscribing}
	want := "cannot transition from idle to transcribing"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}
