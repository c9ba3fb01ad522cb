// Package action parses declarative action lines and dispatches them to
// registered handlers.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/shlex"
	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/metrics"
	"github.com/kingrea/agora/internal/quest"
	"github.com/kingrea/agora/internal/state"
)

var (
	// ErrUnknownAction is returned for a verb with no registered handler.
	ErrUnknownAction = errors.New("action: unknown action")
	// ErrArity is returned when the argument count is out of range.
	ErrArity = errors.New("action: wrong number of arguments")
)

// Unbounded disables the MaxArgs check.
const Unbounded = -1

// Invocation binds an action to the chat context it runs in.
type Invocation struct {
	Adapter chat.Adapter
	Channel chat.ChannelID
	State   *state.ChannelState
	Quest   *quest.Quest
	// Message is the channel's most recent message when the action was bound.
	Message chat.Message
	Logger  *zap.Logger
}

// Handler executes a verb.
type Handler func(ctx context.Context, inv Invocation, args []string) error

// Spec registers a handler with its argument schema.
type Spec struct {
	Handler     Handler
	MinArgs     int
	MaxArgs     int
	Validate    func(args []string) error
	Usage       string
	Description string
}

func (s Spec) check(verb string, args []string) error {
	if len(args) < s.MinArgs || (s.MaxArgs != Unbounded && len(args) > s.MaxArgs) {
		if s.Usage != "" {
			return fmt.Errorf("%w: %s got %d (usage: %s)", ErrArity, verb, len(args), s.Usage)
		}
		return fmt.Errorf("%w: %s got %d", ErrArity, verb, len(args))
	}
	if s.Validate != nil {
		if err := s.Validate(args); err != nil {
			return fmt.Errorf("action: %s: %w", verb, err)
		}
	}
	return nil
}

// Parse splits a line shell-style. Quoted substrings stay single arguments
// and the verb is lowercased.
func Parse(line string) (string, []string, error) {
	tokens, err := shlex.Split(line)
	if err != nil {
		return "", nil, fmt.Errorf("action: parse %q: %w", line, err)
	}
	if len(tokens) == 0 {
		return "", nil, fmt.Errorf("action: empty line")
	}
	return strings.ToLower(tokens[0]), tokens[1:], nil
}

// Registry maps verbs to handlers.
type Registry struct {
	mu      sync.RWMutex
	specs   map[string]Spec
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records each dispatch.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{specs: map[string]Spec{}, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs a verb.
func (r *Registry) Register(verb string, spec Spec) error {
	verb = strings.ToLower(strings.TrimSpace(verb))
	if verb == "" {
		return fmt.Errorf("action: verb is required")
	}
	if spec.Handler == nil {
		return fmt.Errorf("action: handler is required for %s", verb)
	}
	if spec.MinArgs < 0 || (spec.MaxArgs != Unbounded && spec.MaxArgs < spec.MinArgs) {
		return fmt.Errorf("action: invalid arity for %s", verb)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.specs[verb]; exists {
		return fmt.Errorf("action: %s already registered", verb)
	}
	r.specs[verb] = spec
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(verb string, spec Spec) {
	if err := r.Register(verb, spec); err != nil {
		panic(err)
	}
}

// Lookup finds a verb.
func (r *Registry) Lookup(verb string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[strings.ToLower(verb)]
	return spec, ok
}

// Verbs returns the registered verbs sorted.
func (r *Registry) Verbs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for verb := range r.specs {
		out = append(out, verb)
	}
	sort.Strings(out)
	return out
}

// ValidateLine checks that line parses, names a registered verb and
// satisfies its argument schema, without running it.
func (r *Registry) ValidateLine(line string) error {
	verb, args, err := r.resolve(line)
	if err != nil {
		return err
	}
	spec, _ := r.Lookup(verb)
	return spec.check(verb, args)
}

func (r *Registry) resolve(line string) (string, []string, error) {
	verb, args, err := Parse(line)
	if err != nil {
		return "", nil, err
	}
	if _, ok := r.Lookup(verb); !ok {
		return verb, args, fmt.Errorf("%w: %s", ErrUnknownAction, verb)
	}
	return verb, args, nil
}

// Dispatch parses line and runs its handler. With strict unset an unknown
// verb is logged and skipped; generated stages rely on that.
func (r *Registry) Dispatch(ctx context.Context, inv Invocation, line string, strict bool) error {
	verb, args, err := r.resolve(line)
	if errors.Is(err, ErrUnknownAction) && !strict {
		r.logger.Warn("skipping unknown action", zap.String("verb", verb), zap.String("line", line))
		return nil
	}
	if err != nil {
		r.metrics.ActionAttempted(verb, err)
		return err
	}
	spec, _ := r.Lookup(verb)
	if err := spec.check(verb, args); err != nil {
		r.metrics.ActionAttempted(verb, err)
		return err
	}
	if inv.Logger == nil {
		inv.Logger = r.logger
	}
	r.logger.Debug("dispatch action", zap.String("verb", verb), zap.Strings("args", args))
	err = spec.Handler(ctx, inv, args)
	r.metrics.ActionAttempted(verb, err)
	if err != nil {
		return fmt.Errorf("action: %s: %w", verb, err)
	}
	return nil
}
