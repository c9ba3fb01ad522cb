package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultStabilityHost   = "https://api.stability.ai"
	DefaultStabilityEngine = "stable-diffusion-v1-6"
	stylePrompt            = ", storybook illustration, soft light, no text"
)

// ErrImageGenerationFailed wraps every failed image request.
var ErrImageGenerationFailed = errors.New("media: image generation failed")

// StabilityOption customizes a Stability client.
type StabilityOption func(*Stability)

// WithEngine selects the Stability engine id.
func WithEngine(engine string) StabilityOption {
	return func(s *Stability) {
		if strings.TrimSpace(engine) != "" {
			s.engine = strings.TrimSpace(engine)
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) StabilityOption {
	return func(s *Stability) {
		if c != nil {
			s.client = c
		}
	}
}

// WithStabilityLogger attaches a logger.
func WithStabilityLogger(logger *zap.Logger) StabilityOption {
	return func(s *Stability) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Stability generates images through the Stability text-to-image API.
type Stability struct {
	host   string
	apiKey string
	engine string
	client *http.Client
	logger *zap.Logger
}

// NewStability returns a client for host (API_HOST) authenticated with apiKey
// (STABILITY_API_KEY).
func NewStability(host, apiKey string, opts ...StabilityOption) (*Stability, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("media: stability api key is required")
	}
	if strings.TrimSpace(host) == "" {
		host = DefaultStabilityHost
	}
	s := &Stability{
		host:   strings.TrimRight(strings.TrimSpace(host), "/"),
		apiKey: apiKey,
		engine: DefaultStabilityEngine,
		client: &http.Client{Timeout: 90 * time.Second},
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type textPrompt struct {
	Text   string  `json:"text"`
	Weight float64 `json:"weight"`
}

type stabilityRequest struct {
	TextPrompts []textPrompt `json:"text_prompts"`
	CfgScale    float64      `json:"cfg_scale"`
	Height      int          `json:"height"`
	Width       int          `json:"width"`
	Samples     int          `json:"samples"`
	Steps       int          `json:"steps"`
}

// Generate returns a PNG for prompt.
func (s *Stability) Generate(ctx context.Context, prompt string) ([]byte, error) {
	log := s.logger.With(zap.String("engine", s.engine))
	body, err := json.Marshal(stabilityRequest{
		TextPrompts: []textPrompt{{Text: prompt + stylePrompt, Weight: 1}},
		CfgScale:    7,
		Height:      512,
		Width:       512,
		Samples:     1,
		Steps:       30,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", ErrImageGenerationFailed, err)
	}
	endpoint := fmt.Sprintf("%s/v1/generation/%s/text-to-image", s.host, s.engine)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: create request: %v", ErrImageGenerationFailed, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "image/png")
	req.Header.Set("Authorization", "Bearer "+s.apiKey)

	log.Debug("requesting stage image", zap.String("url", endpoint))
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageGenerationFailed, err)
	}
	defer resp.Body.Close()

	data, readErr := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		log.Warn("stability returned non-OK status", zap.Int("status_code", resp.StatusCode), zap.ByteString("response_body", data))
		return nil, fmt.Errorf("%w: status %d: %s", ErrImageGenerationFailed, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if readErr != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrImageGenerationFailed, readErr)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty image", ErrImageGenerationFailed)
	}
	log.Info("stage image received", zap.Int("size_bytes", len(data)))
	return data, nil
}
