package transcribe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talkscribe/talkscribe/internal/audio"
)

func TestWSStreamRequiresURL(t *testing.T) {
	if _, err := NewWSStream("", nil); err == nil {
		t.Error("Expected error for empty URL")
	}
}

// wsURL rewrites an httptest server URL to the ws scheme.
func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWSStreamTranscribe(t *testing.T) {
	// 9000 samples at the fixed 4000-sample frame size: two full frames
	// plus one short one.
	samples := make([]int16, 9000)
	for i := range samples {
		samples[i] = 1000
	}
	audioPath := filepath.Join(t.TempDir(), "seg_chunk_001.wav")
	if err := audio.WriteWAV(audioPath, samples, 8000); err != nil {
		t.Fatalf("Failed to write WAV: %v", err)
	}

	upgrader := websocket.Upgrader{}
	var gotConfig string
	var frames []int

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("Upgrade failed: %v", err)
			return
		}
		defer conn.Close()

		// First message is the recognizer config; it gets no reply.
		_, msg, err := conn.ReadMessage()
		if err != nil {
			t.Errorf("Failed to read config: %v", err)
			return
		}
		gotConfig = string(msg)

		replies := []string{
			`{"partial": "hel"}`,
			`{"text": "hello"}`,
			`{"partial": ""}`,
			`{"text": "world"}`,
		}
		for _, reply := range replies {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				t.Errorf("Read failed: %v", err)
				return
			}
			if kind == websocket.BinaryMessage {
				frames = append(frames, len(msg))
			}
			if err := conn.WriteMessage(websocket.TextMessage, []byte(reply)); err != nil {
				t.Errorf("Write failed: %v", err)
				return
			}
		}
	}))
	defer server.Close()

	ws, err := NewWSStream(wsURL(server), nil)
	if err != nil {
		t.Fatalf("Failed to build backend: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	text, err := ws.Transcribe(ctx, Request{AudioPath: audioPath, Language: "en"})
	if err != nil {
		t.Fatalf("Transcribe failed: %v", err)
	}
	if text != "hello world" {
		t.Errorf("Expected joined finals %q, got %q", "hello world", text)
	}

	var cfg struct {
		Config struct {
			SampleRate int `json:"sample_rate"`
		} `json:"config"`
	}
	if err := json.Unmarshal([]byte(gotConfig), &cfg); err != nil {
		t.Fatalf("Config message not JSON: %v (%s)", err, gotConfig)
	}
	if cfg.Config.SampleRate != 8000 {
		t.Errorf("Expected sample rate 8000 in config, got %d", cfg.Config.SampleRate)
	}

	// 9000 samples = 18000 bytes: 8000 + 8000 + 2000.
	wantFrames := []int{8000, 8000, 2000}
	if len(frames) != len(wantFrames) {
		t.Fatalf("Expected %d binary frames, got %d: %v", len(wantFrames), len(frames), frames)
	}
	for i, want := range wantFrames {
		if frames[i] != want {
			t.Errorf("Frame %d: expected %d bytes, got %d", i, want, frames[i])
		}
	}
}

func TestWSStreamTranscribeUnreachable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := wsURL(server)
	server.Close()

	samples := make([]int16, 100)
	audioPath := filepath.Join(t.TempDir(), "seg.wav")
	if err := audio.WriteWAV(audioPath, samples, 8000); err != nil {
		t.Fatalf("Failed to write WAV: %v", err)
	}

	ws, err := NewWSStream(url, nil)
	if err != nil {
		t.Fatalf("Failed to build backend: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := ws.Transcribe(ctx, Request{AudioPath: audioPath}); err == nil {
		t.Error("Expected error for unreachable recognizer")
	}
}

func TestWSStreamTranscribeBadAudio(t *testing.T) {
	ws, err := NewWSStream("ws://127.0.0.1:1", nil)
	if err != nil {
		t.Fatalf("Failed to build backend: %v", err)
	}
	if _, err := ws.Transcribe(context.Background(), Request{AudioPath: filepath.Join(t.TempDir(), "nope.wav")}); err == nil {
		t.Error("Expected error for unreadable audio")
	}
}
