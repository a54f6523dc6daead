package notify

import (
	"encoding/json"
	"testing"
)

func TestCategoryJSON(t *testing.T) {
	testCases := []struct {
		cat  Category
		want string
	}{
		{CategoryConfig, `"config"`},
		{CategoryCapture, `"capture"`},
		{CategoryTranscription, `"transcription"`},
		{CategoryProtocol, `"protocol"`},
	}

	for _, tc := range testCases {
		t.Run(tc.cat.String(), func(t *testing.T) {
			data, err := json.Marshal(tc.cat)
			if err != nil {
				t.Fatalf("Marshal failed: %v", err)
			}
			if string(data) != tc.want {
				t.Errorf("Expected %s, got %s", tc.want, data)
			}

			var back Category
			if err := json.Unmarshal(data, &back); err != nil {
				t.Fatalf("Unmarshal failed: %v", err)
			}
			if back != tc.cat {
				t.Errorf("Round trip changed %v to %v", tc.cat, back)
			}
		})
	}
}

func TestCategoryRejectsUnknown(t *testing.T) {
	var c Category
	if err := json.Unmarshal([]byte(`"network"`), &c); err == nil {
		t.Error("Expected error for unknown category")
	}

	if _, err := json.Marshal(Category(99)); err == nil {
		t.Error("Expected error marshaling invalid category")
	}
}

func TestSeverityJSON(t *testing.T) {
	data, err := json.Marshal(SeverityWarning)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(data) != `"warning"` {
		t.Errorf("Expected \"warning\", got %s", data)
	}

	var s Severity
	if err := json.Unmarshal([]byte(`"error"`), &s); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if s != SeverityError {
		t.Errorf("Expected SeverityError, got %v", s)
	}

	if err := json.Unmarshal([]byte(`"fatal"`), &s); err == nil {
		t.Error("Expected error for unknown severity")
	}
}

func TestBuilders(t *testing.T) {
	w := Warningf(CategoryCapture, "s1", "device %s silent", "mic0")
	if w.Severity != SeverityWarning || w.Category != CategoryCapture {
		t.Errorf("Unexpected warning notice: %+v", w)
	}
	if w.Message != "device mic0 silent" {
		t.Errorf("Unexpected message: %s", w.Message)
	}
	if w.Time.IsZero() {
		t.Error("Expected timestamp to be set")
	}

	e := Errorf(CategoryTranscription, "s1", "segment %d failed", 3)
	if e.Severity != SeverityError {
		t.Errorf("Expected error severity, got %v", e.Severity)
	}
}

func TestFanout(t *testing.T) {
	var first, second []Notice
	fan := Fanout{
		SinkFunc(func(n Notice) { first = append(first, n) }),
		SinkFunc(func(n Notice) { second = append(second, n) }),
	}

	fan.Notify(Warningf(CategoryConfig, "", "check config"))

	if len(first) != 1 || len(second) != 1 {
		t.Errorf("Expected both sinks to receive the notice, got %d and %d", len(first), len(second))
	}
}
