package culture

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/metrics"
	"github.com/kingrea/agora/internal/state"
)

// Pipeline folds messages through the active culture modules of a channel.
type Pipeline struct {
	registry *Registry
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

// NewPipeline returns a pipeline over reg.
func NewPipeline(reg *Registry, opts ...Option) *Pipeline {
	p := &Pipeline{registry: reg, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Registry exposes the module registry.
func (p *Pipeline) Registry() *Registry {
	return p.registry
}

// Activate adds key to the channel's active set. The bool reports whether the
// set changed.
func (p *Pipeline) Activate(st *state.ChannelState, key string) (Info, bool, error) {
	m, ok := p.registry.Lookup(key)
	if !ok {
		return Info{}, false, fmt.Errorf("culture: unknown module %q", key)
	}
	info := m.Info()
	return info, st.ActivateCulture(info.Key), nil
}

// Deactivate removes key from the channel's active set.
func (p *Pipeline) Deactivate(st *state.ChannelState, key string) (Info, bool, error) {
	m, ok := p.registry.Lookup(key)
	if !ok {
		return Info{}, false, fmt.Errorf("culture: unknown module %q", key)
	}
	info := m.Info()
	return info, st.DeactivateCulture(info.Key), nil
}

// Toggle flips key and reports whether it is now active.
func (p *Pipeline) Toggle(st *state.ChannelState, key string) (Info, bool, error) {
	m, ok := p.registry.Lookup(key)
	if !ok {
		return Info{}, false, fmt.Errorf("culture: unknown module %q", key)
	}
	info := m.Info()
	if st.CultureActive(info.Key) {
		st.DeactivateCulture(info.Key)
		return info, false, nil
	}
	st.ActivateCulture(info.Key)
	return info, true, nil
}

// ActiveKeys returns the fold order for a channel: its own set in activation
// order followed by globally active modules it does not already hold.
func (p *Pipeline) ActiveKeys(st *state.ChannelState) []string {
	local := st.ActiveCultures()
	keys := state.NewKeySet(local...)
	for _, key := range p.registry.GlobalKeys() {
		keys.Add(key)
	}
	return keys.Keys()
}

// Apply folds content through the channel's active modules. A failing
// LLM-backed module is skipped and the prior output kept; any other failure
// stops the fold and is returned together with the output so far.
func (p *Pipeline) Apply(ctx context.Context, st *state.ChannelState, author chat.User, content string) (string, error) {
	out := content
	for _, key := range p.ActiveKeys(st) {
		m, ok := p.registry.Lookup(key)
		if !ok {
			p.logger.Warn("active culture is not registered", zap.String("culture", key))
			continue
		}
		next, err := m.Transform(ctx, Input{Author: author, Content: out, Channel: st})
		if err != nil {
			p.metrics.CultureFailed(key)
			if m.Info().LLMAltered {
				p.logger.Warn("culture transform failed, keeping prior output",
					zap.String("culture", key),
					zap.String("channel", string(st.ID)),
					zap.Error(err),
				)
				continue
			}
			return out, fmt.Errorf("culture: %s: %w", key, err)
		}
		p.metrics.CultureApplied(key)
		out = next
	}
	return out, nil
}

// Handle runs the full message contract for a non-command message: delete the
// original, fold, repost attributed to the author, count it and remember it as
// the channel's previous message. Channels with no active culture keep the
// original; only the counter and previous message are updated. The bool
// reports whether the message was reposted.
func (p *Pipeline) Handle(ctx context.Context, adapter chat.Adapter, st *state.ChannelState, msg chat.Message) (bool, error) {
	if msg.Author.Bot {
		return false, nil
	}
	if len(p.ActiveKeys(st)) == 0 {
		st.IncrementMessages(msg.Author.ID)
		st.SetPreviousMessage(msg.Content)
		return false, nil
	}
	if err := adapter.Delete(ctx, msg); err != nil {
		return false, fmt.Errorf("culture: delete original: %w", err)
	}
	out, applyErr := p.Apply(ctx, st, msg.Author, msg.Content)
	_, err := chat.Retry(ctx, chat.DefaultRetryAttempts, chat.DefaultRetryBackoff, func(ctx context.Context) (chat.Message, error) {
		return adapter.Post(ctx, msg.Channel, chat.Text(Attribute(msg.Author, out)))
	})
	if err != nil {
		return false, fmt.Errorf("culture: repost: %w", err)
	}
	st.IncrementMessages(msg.Author.ID)
	st.SetPreviousMessage(out)
	return true, applyErr
}

// Attribute formats a reposted message.
func Attribute(author chat.User, text string) string {
	return author.Mention() + " posted: " + text
}
