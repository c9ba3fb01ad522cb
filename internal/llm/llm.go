// Package llm defines the narrow completion interface the engine consumes and
// its OpenAI-compatible and Ollama implementations.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/metrics"
)

// Roles used in chat histories.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrEmptyResponse is returned when a provider answers with no content.
var ErrEmptyResponse = errors.New("llm: empty response")

// Message is one turn of a chat history.
type Message struct {
	Role    string
	Content string
}

// Client completes a chat history.
type Client interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// Func adapts a plain function to Client.
type Func func(ctx context.Context, messages []Message) (string, error)

// Complete calls f.
func (f Func) Complete(ctx context.Context, messages []Message) (string, error) {
	return f(ctx, messages)
}

// Prompt is a convenience for a single system + user exchange.
func Prompt(ctx context.Context, c Client, system, user string) (string, error) {
	messages := make([]Message, 0, 2)
	if strings.TrimSpace(system) != "" {
		messages = append(messages, Message{Role: RoleSystem, Content: system})
	}
	messages = append(messages, Message{Role: RoleUser, Content: user})
	return c.Complete(ctx, messages)
}

// Config selects and tunes a provider.
type Config struct {
	Provider string
	Model    string
	BaseURL  string
	APIKey   string
	Timeout  time.Duration
}

// New builds the client named by cfg.Provider.
func New(cfg Config, logger *zap.Logger, m *metrics.Metrics) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		if strings.TrimSpace(cfg.APIKey) == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm: openai provider requires an API key")
		}
		return NewOpenAI(cfg, logger, m), nil
	case "ollama":
		return NewOllama(cfg, logger, m)
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}

func instrument(m *metrics.Metrics, logger *zap.Logger, provider, model string, start time.Time, err error) {
	elapsed := time.Since(start)
	m.LLMRequest(provider, model, elapsed, err)
	if err != nil {
		logger.Warn("llm completion failed",
			zap.String("provider", provider),
			zap.String("model", model),
			zap.Duration("elapsed", elapsed),
			zap.Error(err),
		)
		return
	}
	logger.Debug("llm completion",
		zap.String("provider", provider),
		zap.String("model", model),
		zap.Duration("elapsed", elapsed),
	)
}
