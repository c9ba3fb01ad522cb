package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ollama/ollama/api"
	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/metrics"
)

const (
	defaultOllamaURL   = "http://127.0.0.1:11434"
	defaultOllamaModel = "llama3.1"
)

// Ollama talks to a local Ollama server through its native chat API.
type Ollama struct {
	client  *api.Client
	model   string
	timeout time.Duration
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewOllama builds a client from cfg. The base URL must not carry the /v1
// OpenAI-compatibility suffix.
func NewOllama(cfg Config, logger *zap.Logger, m *metrics.Metrics) (*Ollama, error) {
	base := strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/v1")
	if base == "" {
		base = defaultOllamaURL
	}
	parsed, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("llm: parse ollama url %q: %w", base, err)
	}
	model := cfg.Model
	if model == "" {
		model = defaultOllamaModel
	}
	return &Ollama{
		client:  api.NewClient(parsed, &http.Client{}),
		model:   model,
		timeout: cfg.Timeout,
		logger:  logger,
		metrics: m,
	}, nil
}

// Complete sends the history without streaming.
func (c *Ollama) Complete(ctx context.Context, messages []Message) (out string, err error) {
	start := time.Now()
	defer func() { instrument(c.metrics, c.logger, "ollama", c.model, start, err) }()

	stream := false
	req := &api.ChatRequest{
		Model:    c.model,
		Messages: make([]api.Message, 0, len(messages)),
		Stream:   &stream,
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, api.Message{Role: msg.Role, Content: msg.Content})
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var resp api.ChatResponse
	if err := c.client.Chat(ctx, req, func(r api.ChatResponse) error {
		resp = r
		return nil
	}); err != nil {
		return "", fmt.Errorf("llm: ollama chat: %w", err)
	}
	if resp.Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Message.Content, nil
}
