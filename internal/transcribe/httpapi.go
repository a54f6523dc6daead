package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
)

// HTTPAPI posts segments to an OpenAI-compatible /v1/audio/transcriptions
// endpoint as multipart form data. Works against local servers (LocalAI,
// faster-whisper-server) and hosted APIs alike.
type HTTPAPI struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPAPI builds the HTTP backend. endpoint is the full transcriptions
// URL; apiKey may be empty for unauthenticated local servers.
func NewHTTPAPI(endpoint, apiKey, model string, client *http.Client) (*HTTPAPI, error) {
	if endpoint == "" {
		return nil, errors.New("transcription endpoint URL is required")
	}
	if model == "" {
		model = "whisper-1"
	}
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPAPI{endpoint: endpoint, apiKey: apiKey, model: model, client: client}, nil
}

func (h *HTTPAPI) Name() string { return "http" }

func (h *HTTPAPI) Transcribe(ctx context.Context, req Request) (string, error) {
	f, err := os.Open(req.AudioPath)
	if err != nil {
		return "", fmt.Errorf("failed to open segment: %w", err)
	}
	defer f.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("model", h.model); err != nil {
		return "", err
	}
	if req.Language != "" {
		if err := mw.WriteField("language", req.Language); err != nil {
			return "", err
		}
	}
	if err := mw.WriteField("response_format", "json"); err != nil {
		return "", err
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(req.AudioPath))
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(fw, f); err != nil {
		return "", fmt.Errorf("failed to read segment: %w", err)
	}
	if err := mw.Close(); err != nil {
		return "", err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, h.endpoint, &body)
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())
	if h.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("transcription request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("transcription server returned %d: %s", resp.StatusCode, bytes.TrimSpace(b))
	}

	var parsed struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("failed to decode transcription response: %w", err)
	}
	return parsed.Text, nil
}
