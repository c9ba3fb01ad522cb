package llm

import (
	"context"
	"fmt"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/metrics"
)

const defaultOpenAIModel = openai.GPT4oMini

// OpenAI talks to any OpenAI-compatible chat completion endpoint.
type OpenAI struct {
	client  *openai.Client
	model   string
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewOpenAI builds a client from cfg.
func NewOpenAI(cfg Config, logger *zap.Logger, m *metrics.Metrics) *OpenAI {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	oc.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	model := cfg.Model
	if model == "" {
		model = defaultOpenAIModel
	}
	return &OpenAI{
		client:  openai.NewClientWithConfig(oc),
		model:   model,
		logger:  logger,
		metrics: m,
	}
}

// Complete sends the history and returns the first choice.
func (c *OpenAI) Complete(ctx context.Context, messages []Message) (out string, err error) {
	start := time.Now()
	defer func() { instrument(c.metrics, c.logger, "openai", c.model, start, err) }()

	req := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: make([]openai.ChatCompletionMessage, 0, len(messages)),
	}
	for _, msg := range messages {
		req.Messages = append(req.Messages, openai.ChatCompletionMessage{Role: msg.Role, Content: msg.Content})
	}
	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("llm: openai completion: %w", err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", ErrEmptyResponse
	}
	return resp.Choices[0].Message.Content, nil
}
