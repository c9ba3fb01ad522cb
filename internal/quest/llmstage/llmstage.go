// Package llmstage asks a language model for the next quest stage, one at a
// time, keeping the conversation so later stages build on earlier ones.
package llmstage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/governance"
	"github.com/kingrea/agora/internal/llm"
	"github.com/kingrea/agora/internal/quest"
)

// ErrFormat is returned when the model never produced a usable stage.
var ErrFormat = errors.New("llmstage: model output did not match the stage format")

const (
	DefaultAttempts  = 5
	DefaultMaxStages = 8
	endStage         = "end"
)

// AllowedActions are the only actions a generated stage may carry.
var AllowedActions = []string{"vote_governance culture", "vote_governance decision"}

const systemPrompt = `You are the game master of a governance simulation. Players form a small community and decide how it is run.
Design the next stage of the quest. Answer with YAML only, using exactly these keys:

stage: <short stage name, or "end" when the quest is complete>
message: <what the game master tells the players>
action: <one of: vote_governance culture | vote_governance decision | empty>
timeout_mins: <number of minutes, 0 for none>

Do not add other keys, prose or code fences.`

// StackSource supplies the current governance stack for context.
type StackSource interface {
	Current() (governance.Stack, error)
}

type document struct {
	Stage       string  `yaml:"stage"`
	Message     string  `yaml:"message"`
	Action      string  `yaml:"action"`
	TimeoutMins float64 `yaml:"timeout_mins"`
}

// Generator produces stages for LLM quests. It implements the runner's
// stage source.
type Generator struct {
	client    llm.Client
	adapter   chat.Adapter
	stack     StackSource
	logger    *zap.Logger
	attempts  int
	maxStages int

	mu       sync.Mutex
	history  []llm.Message
	produced int
}

// Option customizes a Generator.
type Option func(*Generator)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(g *Generator) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithStack adds the governance stack to every prompt.
func WithStack(s StackSource) Option {
	return func(g *Generator) { g.stack = s }
}

// WithAttempts bounds the tries per stage.
func WithAttempts(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.attempts = n
		}
	}
}

// WithMaxStages bounds the length of a generated quest.
func WithMaxStages(n int) Option {
	return func(g *Generator) {
		if n > 0 {
			g.maxStages = n
		}
	}
}

// New returns a generator announcing retries through adapter.
func New(client llm.Client, adapter chat.Adapter, opts ...Option) *Generator {
	g := &Generator{
		client:    client,
		adapter:   adapter,
		logger:    zap.NewNop(),
		attempts:  DefaultAttempts,
		maxStages: DefaultMaxStages,
		history:   []llm.Message{{Role: llm.RoleSystem, Content: systemPrompt}},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Produced returns how many stages were generated.
func (g *Generator) Produced() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.produced
}

// Next asks for the following stage. done is true once the model ends the
// quest or the stage limit is reached.
func (g *Generator) Next(ctx context.Context, q *quest.Quest) (quest.Stage, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.produced >= g.maxStages {
		return quest.Stage{}, true, nil
	}
	request := llm.Message{Role: llm.RoleUser, Content: g.request(q)}
	var lastErr error
	for attempt := 1; attempt <= g.attempts; attempt++ {
		messages := append(append([]llm.Message(nil), g.history...), request)
		reply, err := g.client.Complete(ctx, messages)
		if err == nil {
			var doc document
			doc, err = parse(reply)
			if err == nil {
				g.history = append(g.history, request, llm.Message{Role: llm.RoleAssistant, Content: reply})
				if strings.EqualFold(doc.Stage, endStage) {
					return quest.Stage{}, true, nil
				}
				g.produced++
				return doc.stage(), false, nil
			}
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return quest.Stage{}, false, ctxErr
		}
		lastErr = err
		g.logger.Warn("stage generation failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < g.attempts {
			g.announce(ctx, q, attempt)
		}
	}
	return quest.Stage{}, false, fmt.Errorf("%w after %d attempts: %v", ErrFormat, g.attempts, lastErr)
}

func (g *Generator) request(q *quest.Quest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Quest: %s\n", q.Title)
	fmt.Fprintf(&b, "Players: %d\n", q.PlayerCount())
	fmt.Fprintf(&b, "This is stage %d of at most %d.\n", g.produced+1, g.maxStages)
	if g.stack != nil {
		if stack, err := g.stack.Current(); err == nil {
			b.WriteString("Current governance:\n")
			b.WriteString(stack.Render())
			b.WriteString("\n")
		}
	}
	b.WriteString("Write the next stage.")
	return b.String()
}

func (g *Generator) announce(ctx context.Context, q *quest.Quest, attempt int) {
	channel := q.GameChannel()
	if g.adapter == nil || channel == "" {
		return
	}
	text := fmt.Sprintf("The game master is gathering their thoughts (attempt %d of %d failed, trying again).", attempt, g.attempts)
	if _, err := g.adapter.Post(ctx, channel, chat.Text(text)); err != nil {
		g.logger.Warn("announce retry", zap.Error(err))
	}
}

func parse(reply string) (document, error) {
	body := stripFence(reply)
	if body == "" {
		return document{}, fmt.Errorf("empty reply")
	}
	var doc document
	dec := yaml.NewDecoder(strings.NewReader(body))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return document{}, fmt.Errorf("decode: %w", err)
	}
	doc.Stage = strings.TrimSpace(doc.Stage)
	doc.Message = strings.TrimSpace(doc.Message)
	doc.Action = strings.Join(strings.Fields(strings.ToLower(doc.Action)), " ")
	if doc.Stage == "" {
		return document{}, fmt.Errorf("stage is required")
	}
	if strings.EqualFold(doc.Stage, endStage) {
		return doc, nil
	}
	if doc.Message == "" {
		return document{}, fmt.Errorf("message is required")
	}
	if doc.TimeoutMins < 0 {
		return document{}, fmt.Errorf("timeout_mins must be >= 0")
	}
	if doc.Action != "" && !allowed(doc.Action) {
		return document{}, fmt.Errorf("action %q is not allowed", doc.Action)
	}
	return doc, nil
}

func allowed(line string) bool {
	for _, a := range AllowedActions {
		if line == a {
			return true
		}
	}
	return false
}

func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	return strings.TrimSuffix(strings.TrimSpace(s), "```")
}

func (d document) stage() quest.Stage {
	stage := quest.Stage{Name: d.Stage, Message: d.Message, TimeoutMins: d.TimeoutMins}
	if d.Action != "" {
		stage.Actions = []quest.Action{{Line: d.Action, Retries: 1, SoftFailure: "The community could not decide; the story moves on."}}
	}
	return stage
}
