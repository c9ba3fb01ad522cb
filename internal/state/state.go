// Package state holds the per-channel simulation state. Every channel owns a
// ChannelState; nothing is shared across channels.
package state

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/agora/internal/chat"
)

// Recognised group attribute topics.
const (
	TopicGroupName    = "group_name"
	TopicGroupPurpose = "group_purpose"
	TopicGroupGoal    = "group_goal"
)

// IsGroupAttribute reports whether topic names a group attribute slot.
func IsGroupAttribute(topic string) bool {
	switch topic {
	case TopicGroupName, TopicGroupPurpose, TopicGroupGoal:
		return true
	}
	return false
}

// Decision is one entry of the append-only decision log.
type Decision struct {
	Question string
	Decision string
	Module   string
	At       time.Time
}

// MessageCount pairs an author with their message count.
type MessageCount struct {
	User  chat.UserID
	Count int
}

// ChannelState is the mutable rule set and history of one channel.
type ChannelState struct {
	ID chat.ChannelID

	mu             sync.Mutex
	cultures       *KeySet
	obscurityMode  string
	decisionModule string
	counts         map[chat.UserID]int
	decisions      []Decision
	decisionIndex  map[string]int
	attributes     map[string]string
	values         map[string]string
	proposedValues map[string]string
	previous       string
	voteOpen       bool
}

// NewChannelState returns an empty state with the default obscurity mode.
func NewChannelState(id chat.ChannelID) *ChannelState {
	return &ChannelState{
		ID:             id,
		cultures:       NewKeySet(),
		obscurityMode:  "scramble",
		counts:         map[chat.UserID]int{},
		decisionIndex:  map[string]int{},
		attributes:     map[string]string{},
		values:         map[string]string{},
		proposedValues: map[string]string{},
	}
}

// ActivateCulture adds key to the active list; it is a no-op when present.
func (s *ChannelState) ActivateCulture(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cultures.Add(key)
}

// DeactivateCulture removes key; it is a no-op when inactive.
func (s *ChannelState) DeactivateCulture(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cultures.Remove(key)
}

// CultureActive reports whether key is active locally.
func (s *ChannelState) CultureActive(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cultures.Has(key)
}

// ActiveCultures returns the active keys in activation order.
func (s *ChannelState) ActiveCultures() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cultures.Keys()
}

// ObscurityMode returns the obscurity sub-mode.
func (s *ChannelState) ObscurityMode() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obscurityMode
}

// SetObscurityMode stores the obscurity sub-mode.
func (s *ChannelState) SetObscurityMode(mode string) {
	s.mu.Lock()
	s.obscurityMode = mode
	s.mu.Unlock()
}

// DecisionModule returns the channel's active decision module key.
func (s *ChannelState) DecisionModule() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisionModule
}

// SetDecisionModule replaces the active decision module key.
func (s *ChannelState) SetDecisionModule(key string) {
	s.mu.Lock()
	s.decisionModule = key
	s.mu.Unlock()
}

// IncrementMessages bumps the author's message counter and returns it.
func (s *ChannelState) IncrementMessages(user chat.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[user]++
	return s.counts[user]
}

// MessageCount returns a single author's count.
func (s *ChannelState) MessageCount(user chat.UserID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[user]
}

// TotalMessages sums every author's count.
func (s *ChannelState) TotalMessages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.counts {
		total += n
	}
	return total
}

// MessageCounts returns counts sorted by count desc, then user id.
func (s *ChannelState) MessageCounts() []MessageCount {
	s.mu.Lock()
	out := make([]MessageCount, 0, len(s.counts))
	for user, n := range s.counts {
		out = append(out, MessageCount{User: user, Count: n})
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].User < out[j].User
	})
	return out
}

// RecordDecision appends to the decision log. A later decision on the same
// question becomes the one returned by Decision.
func (s *ChannelState) RecordDecision(d Decision) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.decisions = append(s.decisions, d)
	s.decisionIndex[d.Question] = len(s.decisions) - 1
}

// Decision returns the latest decision for question.
func (s *ChannelState) Decision(question string) (Decision, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.decisionIndex[question]
	if !ok {
		return Decision{}, false
	}
	return s.decisions[idx], true
}

// Decisions returns the full log in order.
func (s *ChannelState) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Decision(nil), s.decisions...)
}

// SetGroupAttribute updates a recognised slot and reports whether topic was one.
func (s *ChannelState) SetGroupAttribute(topic, value string) bool {
	if !IsGroupAttribute(topic) {
		return false
	}
	s.mu.Lock()
	s.attributes[topic] = value
	s.mu.Unlock()
	return true
}

// GroupAttribute returns a slot's value.
func (s *ChannelState) GroupAttribute(topic string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.attributes[topic]
	return v, ok
}

// ProposeValues stages values to be promoted by the next winning vote.
func (s *ChannelState) ProposeValues(values map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range values {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		s.proposedValues[k] = strings.TrimSpace(v)
	}
}

// ProposedValues returns a copy of the staged values.
func (s *ChannelState) ProposedValues() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.proposedValues)
}

// PromoteProposedValues merges the staged values into the agora values and
// clears the staging map. It returns how many entries were promoted.
func (s *ChannelState) PromoteProposedValues() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.proposedValues)
	for k, v := range s.proposedValues {
		s.values[k] = v
	}
	s.proposedValues = map[string]string{}
	return n
}

// SetValues replaces the agora values map.
func (s *ChannelState) SetValues(values map[string]string) {
	s.mu.Lock()
	s.values = cloneMap(values)
	s.mu.Unlock()
}

// Values returns a copy of the agora values.
func (s *ChannelState) Values() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneMap(s.values)
}

// PreviousMessage returns the last published message text (after transforms).
func (s *ChannelState) PreviousMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previous
}

// SetPreviousMessage records the last published message text.
func (s *ChannelState) SetPreviousMessage(text string) {
	s.mu.Lock()
	s.previous = text
	s.mu.Unlock()
}

// BeginVote claims the channel's single vote slot.
func (s *ChannelState) BeginVote() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.voteOpen {
		return false
	}
	s.voteOpen = true
	return true
}

// EndVote releases the vote slot.
func (s *ChannelState) EndVote() {
	s.mu.Lock()
	s.voteOpen = false
	s.mu.Unlock()
}

// VoteOpen reports whether a vote currently runs in the channel.
func (s *ChannelState) VoteOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.voteOpen
}

func cloneMap(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
