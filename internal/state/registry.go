package state

import (
	"sort"
	"sync"

	"github.com/kingrea/agora/internal/chat"
)

// Registry maps channel ids to their state.
type Registry struct {
	mu       sync.RWMutex
	channels map[chat.ChannelID]*ChannelState
	seed     func(*ChannelState)
}

// NewRegistry returns an empty registry. seed, when non-nil, initialises each
// newly created channel state (default decision module, community values).
func NewRegistry(seed func(*ChannelState)) *Registry {
	return &Registry{channels: map[chat.ChannelID]*ChannelState{}, seed: seed}
}

// Channel returns the state for id, creating it on first use.
func (r *Registry) Channel(id chat.ChannelID) *ChannelState {
	r.mu.RLock()
	st, ok := r.channels[id]
	r.mu.RUnlock()
	if ok {
		return st
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if st, ok := r.channels[id]; ok {
		return st
	}
	st = NewChannelState(id)
	if r.seed != nil {
		r.seed(st)
	}
	r.channels[id] = st
	return st
}

// Lookup returns the state for id without creating it.
func (r *Registry) Lookup(id chat.ChannelID) (*ChannelState, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.channels[id]
	return st, ok
}

// Drop forgets a channel's state.
func (r *Registry) Drop(id chat.ChannelID) {
	r.mu.Lock()
	delete(r.channels, id)
	r.mu.Unlock()
}

// IDs returns the known channel ids sorted.
func (r *Registry) IDs() []chat.ChannelID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]chat.ChannelID, 0, len(r.channels))
	for id := range r.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
