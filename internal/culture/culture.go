// Package culture implements the message transform pipeline. Culture modules
// are toggled per channel and folded over every non-command message in the
// order they were activated.
package culture

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/state"
)

// Info describes a culture module.
type Info struct {
	Key  string
	Name string
	// Global modules apply to every channel after the channel's own set.
	Global              bool
	LLMAltered          bool
	Prompt              string
	ActivationMessage   string
	DeactivationMessage string
	Thumbnail           string
	Icon                string
}

// Input is the message a module transforms.
type Input struct {
	Author  chat.User
	Content string
	Channel *state.ChannelState
}

// Module is a single message transform.
type Module interface {
	Info() Info
	Transform(ctx context.Context, in Input) (string, error)
}

// Registry maintains the known culture modules and their global flags.
type Registry struct {
	mu      sync.RWMutex
	modules map[string]Module
	order   *state.KeySet
	global  *state.KeySet
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		modules: map[string]Module{},
		order:   state.NewKeySet(),
		global:  state.NewKeySet(),
	}
}

// Register installs m. Returns an error if the key is empty or taken.
func (r *Registry) Register(m Module) error {
	if m == nil {
		return fmt.Errorf("culture: module is required")
	}
	info := m.Info()
	key := normalizeKey(info.Key)
	if key == "" {
		return fmt.Errorf("culture: module key is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.modules[key]; exists {
		return fmt.Errorf("culture: %s already registered", key)
	}
	r.modules[key] = m
	r.order.Add(key)
	if info.Global {
		r.global.Add(key)
	}
	return nil
}

// MustRegister panics if registration fails.
func (r *Registry) MustRegister(m Module) {
	if err := r.Register(m); err != nil {
		panic(err)
	}
}

// Lookup returns the module for key.
func (r *Registry) Lookup(key string) (Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.modules[normalizeKey(key)]
	return m, ok
}

// Keys returns module keys in registration order.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.order.Keys()
}

// SetGlobal switches a module's global activation.
func (r *Registry) SetGlobal(key string, on bool) error {
	key = normalizeKey(key)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[key]; !ok {
		return fmt.Errorf("culture: unknown module %s", key)
	}
	if on {
		r.global.Add(key)
	} else {
		r.global.Remove(key)
	}
	return nil
}

// GlobalKeys returns globally active keys in activation order.
func (r *Registry) GlobalKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.global.Keys()
}

func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}
