package transcribe

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// OpenAI transcribes segments through the official SDK's audio
// transcriptions API. A base URL override points it at any compatible
// provider.
type OpenAI struct {
	client *openai.Client
	model  openai.AudioModel
}

// NewOpenAI builds the SDK backend. model empty means whisper-1.
func NewOpenAI(apiKey, baseURL, model string) (*OpenAI, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	m := openai.AudioModelWhisper1
	if model != "" {
		m = openai.AudioModel(model)
	}
	return &OpenAI{client: &client, model: m}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Transcribe(ctx context.Context, req Request) (string, error) {
	f, err := os.Open(req.AudioPath)
	if err != nil {
		return "", fmt.Errorf("failed to open segment: %w", err)
	}
	defer f.Close()

	params := openai.AudioTranscriptionNewParams{
		File:  f,
		Model: o.model,
	}
	if req.Language != "" {
		params.Language = openai.String(req.Language)
	}

	resp, err := o.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("openai transcription failed: %w", err)
	}
	return resp.Text, nil
}
