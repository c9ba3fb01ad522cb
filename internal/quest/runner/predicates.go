package runner

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/kingrea/agora/internal/action"
	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/quest"
	"github.com/kingrea/agora/internal/state"
)

// Env is what a progress predicate may inspect.
type Env struct {
	Quest   *quest.Quest
	State   *state.ChannelState
	Adapter chat.Adapter
}

// Check evaluates a predicate against the live stage.
type Check func(ctx context.Context, env Env, args []string) (bool, error)

// Predicate registers a check with its argument schema.
type Predicate struct {
	Check    Check
	MinArgs  int
	MaxArgs  int
	Validate func(args []string) error
}

// Predicates is a registry of progress predicates by name.
type Predicates struct {
	mu    sync.RWMutex
	preds map[string]Predicate
}

// NewPredicates returns an empty registry.
func NewPredicates() *Predicates {
	return &Predicates{preds: map[string]Predicate{}}
}

// DefaultPredicates registers the built-in progress conditions.
func DefaultPredicates() *Predicates {
	p := NewPredicates()
	p.MustRegister("all_submitted", Predicate{Check: func(_ context.Context, env Env, _ []string) (bool, error) {
		return env.Quest.AllSubmitted(), nil
	}})
	p.MustRegister("min_players", Predicate{MinArgs: 1, MaxArgs: 1, Validate: positiveInt, Check: func(_ context.Context, env Env, args []string) (bool, error) {
		n, _ := strconv.Atoi(args[0])
		return env.Quest.PlayerCount() >= n, nil
	}})
	p.MustRegister("decision_made", Predicate{MinArgs: 1, MaxArgs: 1, Check: func(_ context.Context, env Env, args []string) (bool, error) {
		_, ok := env.State.Decision(args[0])
		return ok, nil
	}})
	p.MustRegister("group_attribute_set", Predicate{
		MinArgs: 1,
		MaxArgs: 1,
		Validate: func(args []string) error {
			if !state.IsGroupAttribute(args[0]) {
				return fmt.Errorf("unknown group attribute %q", args[0])
			}
			return nil
		},
		Check: func(_ context.Context, env Env, args []string) (bool, error) {
			_, ok := env.State.GroupAttribute(args[0])
			return ok, nil
		},
	})
	p.MustRegister("messages_at_least", Predicate{MinArgs: 1, MaxArgs: 1, Validate: positiveInt, Check: func(_ context.Context, env Env, args []string) (bool, error) {
		n, _ := strconv.Atoi(args[0])
		return env.State.TotalMessages() >= n, nil
	}})
	return p
}

func positiveInt(args []string) error {
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 0 {
		return fmt.Errorf("%q is not a non-negative integer", args[0])
	}
	return nil
}

// Register installs a predicate.
func (p *Predicates) Register(name string, pred Predicate) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("runner: predicate name is required")
	}
	if pred.Check == nil {
		return fmt.Errorf("runner: check is required for %s", name)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.preds[name]; exists {
		return fmt.Errorf("runner: predicate %s already registered", name)
	}
	p.preds[name] = pred
	return nil
}

// MustRegister panics if registration fails.
func (p *Predicates) MustRegister(name string, pred Predicate) {
	if err := p.Register(name, pred); err != nil {
		panic(err)
	}
}

// Names returns the registered predicate names sorted.
func (p *Predicates) Names() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.preds))
	for name := range p.preds {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (p *Predicates) resolve(line string) (Predicate, []string, error) {
	name, args, err := action.Parse(line)
	if err != nil {
		return Predicate{}, nil, err
	}
	p.mu.RLock()
	pred, ok := p.preds[name]
	p.mu.RUnlock()
	if !ok {
		return Predicate{}, nil, fmt.Errorf("runner: unknown progress condition %s", name)
	}
	if len(args) < pred.MinArgs || len(args) > pred.MaxArgs {
		return Predicate{}, nil, fmt.Errorf("runner: %s takes %d..%d arguments, got %d", name, pred.MinArgs, pred.MaxArgs, len(args))
	}
	if pred.Validate != nil {
		if err := pred.Validate(args); err != nil {
			return Predicate{}, nil, fmt.Errorf("runner: %s: %w", name, err)
		}
	}
	return pred, args, nil
}

// ValidateLine checks a progress condition without evaluating it.
func (p *Predicates) ValidateLine(line string) error {
	_, _, err := p.resolve(line)
	return err
}

// Evaluate runs a progress condition.
func (p *Predicates) Evaluate(ctx context.Context, env Env, line string) (bool, error) {
	pred, args, err := p.resolve(line)
	if err != nil {
		return false, err
	}
	return pred.Check(ctx, env, args)
}
