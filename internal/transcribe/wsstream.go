package transcribe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/talkscribe/talkscribe/internal/audio"
)

// wsChunkSamples is how many PCM samples go into one binary frame, 0.25s
// at 16kHz. Vosk-style servers answer every frame with a partial or final
// result.
const wsChunkSamples = 4000

// WSStream replays a segment into a vosk-style WebSocket recognizer: a
// config message with the sample rate, binary PCM frames, then {"eof": 1}.
// Final results accumulate in arrival order; partials are progress noise
// and are dropped.
type WSStream struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWSStream builds the WebSocket backend for a ws:// or wss:// URL.
func NewWSStream(url string, logger *slog.Logger) (*WSStream, error) {
	if url == "" {
		return nil, errors.New("websocket server URL is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WSStream{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logger.With("component", "wsstream"),
	}, nil
}

func (w *WSStream) Name() string { return "websocket" }

// wsResult is the recognizer's per-frame reply. Text is set on final
// results, Partial on in-progress ones.
type wsResult struct {
	Text    string `json:"text"`
	Partial string `json:"partial"`
}

func (w *WSStream) Transcribe(ctx context.Context, req Request) (string, error) {
	samples, rate, err := audio.ReadWAV(req.AudioPath)
	if err != nil {
		return "", fmt.Errorf("failed to read segment: %w", err)
	}

	conn, _, err := w.dialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to connect to recognizer: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	cfg := fmt.Sprintf(`{"config": {"sample_rate": %d}}`, rate)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(cfg)); err != nil {
		return "", fmt.Errorf("failed to send recognizer config: %w", err)
	}

	var parts []string
	absorb := func() error {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("recognizer read failed: %w", err)
		}
		var res wsResult
		if err := json.Unmarshal(msg, &res); err != nil {
			w.logger.Warn("ignoring unparseable recognizer reply", "error", err)
			return nil
		}
		if res.Text != "" {
			parts = append(parts, res.Text)
		}
		return nil
	}

	data := audio.SamplesToBytes(samples)
	frameBytes := wsChunkSamples * 2
	for off := 0; off < len(data); off += frameBytes {
		end := off + frameBytes
		if end > len(data) {
			end = len(data)
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, data[off:end]); err != nil {
			return "", fmt.Errorf("failed to stream audio: %w", err)
		}
		if err := absorb(); err != nil {
			return "", err
		}
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"eof": 1}`)); err != nil {
		return "", fmt.Errorf("failed to send EOF: %w", err)
	}
	if err := absorb(); err != nil {
		return "", err
	}

	// Let the server close first so the final frame is never truncated.
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))

	return strings.Join(parts, " "), nil
}
