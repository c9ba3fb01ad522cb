package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Speech narrates stage text with the OpenAI speech endpoint.
type Speech struct {
	client *openai.Client
	model  openai.SpeechModel
	voice  openai.SpeechVoice
}

// NewSpeech returns a narrator. baseURL may point at any OpenAI-compatible
// server; empty uses the public API.
func NewSpeech(apiKey, baseURL string) (*Speech, error) {
	if strings.TrimSpace(apiKey) == "" && strings.TrimSpace(baseURL) == "" {
		return nil, fmt.Errorf("media: speech requires an API key")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	return &Speech{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.TTSModel1,
		voice:  openai.VoiceFable,
	}, nil
}

// Synthesize returns MP3 audio of text.
func (s *Speech) Synthesize(ctx context.Context, text string) ([]byte, error) {
	resp, err := s.client.CreateSpeech(ctx, openai.CreateSpeechRequest{
		Model:          s.model,
		Input:          text,
		Voice:          s.voice,
		ResponseFormat: openai.SpeechResponseFormatMp3,
	})
	if err != nil {
		return nil, fmt.Errorf("media: speech: %w", err)
	}
	defer resp.Close()
	data, err := io.ReadAll(resp)
	if err != nil {
		return nil, fmt.Errorf("media: read speech: %w", err)
	}
	return data, nil
}
