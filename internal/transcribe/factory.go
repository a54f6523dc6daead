package transcribe

import (
	"fmt"
	"log/slog"

	"github.com/talkscribe/talkscribe/internal/config"
)

// New builds the backend named by the transcriber config section.
func New(cfg config.Transcriber, logger *slog.Logger) (Backend, error) {
	switch cfg.Provider {
	case config.ProviderWhisperCLI:
		return NewWhisperCLI(cfg.WhisperCLI.Binary, cfg.WhisperCLI.Model, cfg.WhisperCLI.Args)
	case config.ProviderHTTP:
		return NewHTTPAPI(cfg.HTTP.Endpoint, cfg.HTTP.APIKey, cfg.HTTP.Model, nil)
	case config.ProviderOpenAI:
		return NewOpenAI(cfg.OpenAI.APIKey, cfg.OpenAI.BaseURL, cfg.OpenAI.Model)
	case config.ProviderWebSocket:
		return NewWSStream(cfg.WebSocket.URL, logger)
	default:
		return nil, fmt.Errorf("unknown transcription provider: %q", cfg.Provider)
	}
}
