// Package decision holds the pluggable vote aggregation rules.
package decision

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"strings"
	"sync"
)

// Built-in decision module keys. Random is resolved at vote time.
const (
	Majority  = "majority"
	Consensus = "consensus"
	Random    = "random"
)

// Tally counts votes per option value.
type Tally map[string]int

// Total returns the number of votes cast.
func (t Tally) Total() int {
	total := 0
	for _, n := range t {
		total += n
	}
	return total
}

// Aggregator picks a winner from a tally, or reports none.
type Aggregator func(Tally) (string, bool)

// Module is a named aggregation rule.
type Module struct {
	Key         string
	Name        string
	Description string
	Icon        string
	Aggregate   Aggregator
}

// MajorityRule returns the option with the strictly greatest tally when it
// exceeds half of the votes cast.
func MajorityRule(t Tally) (string, bool) {
	total := t.Total()
	if total == 0 {
		return "", false
	}
	best, bestCount, tied := "", -1, false
	for option, n := range t {
		switch {
		case n > bestCount:
			best, bestCount, tied = option, n, false
		case n == bestCount:
			tied = true
		}
	}
	if tied || bestCount*2 <= total {
		return "", false
	}
	return best, true
}

// ConsensusRule returns the option that received every vote.
func ConsensusRule(t Tally) (string, bool) {
	total := t.Total()
	if total == 0 {
		return "", false
	}
	for option, n := range t {
		if n == total {
			return option, true
		}
	}
	return "", false
}

// Registry maintains known decision modules.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{modules: map[string]Module{}}
}

// DefaultRegistry returns a registry with majority and consensus installed.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(Module{
		Key:         Majority,
		Name:        "Majority",
		Description: "The option chosen by more than half of the voters wins.",
		Icon:        "⚖️",
		Aggregate:   MajorityRule,
	})
	r.MustRegister(Module{
		Key:         Consensus,
		Name:        "Consensus",
		Description: "An option wins only if every voter chose it.",
		Icon:        "🤝",
		Aggregate:   ConsensusRule,
	})
	return r
}

// Register installs a module. Returns an error if the key already exists.
func (r *Registry) Register(m Module) error {
	key := normalizeKey(m.Key)
	if key == "" {
		return fmt.Errorf("decision: key is required")
	}
	if key == Random {
		return fmt.Errorf("decision: %q is reserved", Random)
	}
	if m.Aggregate == nil {
		return fmt.Errorf("decision: aggregator is required for %s", key)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[key]; exists {
		return fmt.Errorf("decision: %s already registered", key)
	}
	m.Key = key
	r.modules[key] = m
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(m Module) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Lookup returns a module by key.
func (r *Registry) Lookup(key string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[normalizeKey(key)]
	return m, ok
}

// Keys returns the registered keys sorted.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]string, 0, len(r.modules))
	for k := range r.modules {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Resolve maps a requested key to a module. An empty key falls back to
// fallback; "random" chooses uniformly among the registered modules.
func (r *Registry) Resolve(key, fallback string, rng *rand.Rand) (Module, error) {
	key = normalizeKey(key)
	if key == "" {
		key = normalizeKey(fallback)
	}
	if key == "" {
		key = Majority
	}
	if key == Random {
		keys := r.Keys()
		if len(keys) == 0 {
			return Module{}, fmt.Errorf("decision: no modules registered")
		}
		var idx int
		if rng != nil {
			idx = rng.IntN(len(keys))
		} else {
			idx = rand.IntN(len(keys))
		}
		key = keys[idx]
	}
	m, ok := r.Lookup(key)
	if !ok {
		return Module{}, fmt.Errorf("decision: unknown module %s", key)
	}
	return m, nil
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
