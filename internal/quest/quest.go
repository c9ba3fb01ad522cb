// Package quest models a quest: its authored or generated stages and the
// mutable run state players act on.
package quest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kingrea/agora/internal/chat"
)

// ModeLLM selects generated stages instead of an authored preset.
const ModeLLM = "llm"

var (
	ErrAlreadyJoined      = errors.New("quest: already joined")
	ErrNicknamesExhausted = errors.New("quest: no nicknames left")
	ErrNotJoined          = errors.New("quest: not a player in this quest")
	// ErrQuit aborts a quest that a player or action quit.
	ErrQuit = errors.New("quest: quit")
	// ErrInactive aborts a quest idle for longer than the game timeout.
	ErrInactive = errors.New("quest: inactive")
)

// DefaultNicknames seeds the nickname pool when none is configured.
var DefaultNicknames = []string{
	"Ada", "Basil", "Clover", "Dune", "Ember", "Fern", "Grove", "Hazel",
	"Iris", "Juniper", "Kestrel", "Linden", "Moss", "Nettle", "Onyx", "Pebble",
}

// Options are the flags chosen when a quest is proposed.
type Options struct {
	Images bool
	Audio  bool
	Fast   bool
	Solo   bool
}

// ParseOptions reads flag words such as "images fast".
func ParseOptions(words []string) (Options, error) {
	var opts Options
	for _, w := range words {
		switch strings.ToLower(strings.TrimSpace(w)) {
		case "":
		case "images", "image":
			opts.Images = true
		case "audio":
			opts.Audio = true
		case "fast":
			opts.Fast = true
		case "solo":
			opts.Solo = true
		default:
			return Options{}, fmt.Errorf("quest: unknown option %q", w)
		}
	}
	return opts, nil
}

// Quest is one run of the simulation.
type Quest struct {
	Mode     string
	Title    string
	Intro    string
	Stages   []Stage
	Options  Options
	Proposer chat.User

	mu          sync.Mutex
	gameChannel chat.ChannelID
	players     []chat.User
	nicknames   map[chat.UserID]string
	submissions map[chat.UserID]string
	pool        []string
	initialPool []string
	lastActive  time.Time
	now         func() time.Time
	done        chan struct{}

	progress atomic.Bool
	quit     atomic.Bool
	finished atomic.Bool
}

// New builds a quest from a spec. LLM quests pass an empty spec.
func New(mode string, spec Spec, opts Options, proposer chat.User, nicknames []string, clock func() time.Time) *Quest {
	if clock == nil {
		clock = time.Now
	}
	if len(nicknames) == 0 {
		nicknames = DefaultNicknames
	}
	title := spec.Game.Title
	if title == "" && mode == ModeLLM {
		title = "An improvised quest"
	}
	q := &Quest{
		Mode:        strings.ToLower(strings.TrimSpace(mode)),
		Title:       title,
		Intro:       spec.Game.Intro,
		Stages:      append([]Stage(nil), spec.Game.Stages...),
		Options:     opts,
		Proposer:    proposer,
		nicknames:   map[chat.UserID]string{},
		submissions: map[chat.UserID]string{},
		initialPool: append([]string(nil), nicknames...),
		now:         clock,
	}
	q.pool = append([]string(nil), q.initialPool...)
	q.lastActive = clock()
	return q
}

// IsLLM reports whether stages are generated.
func (q *Quest) IsLLM() bool {
	return q.Mode == ModeLLM
}

// GameChannel returns the channel the quest runs in.
func (q *Quest) GameChannel() chat.ChannelID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.gameChannel
}

// SetGameChannel binds the quest to a channel.
func (q *Quest) SetGameChannel(id chat.ChannelID) {
	q.mu.Lock()
	q.gameChannel = id
	q.mu.Unlock()
}

// Join adds a player and assigns the next nickname from the pool.
func (q *Quest) Join(user chat.User) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.nicknames[user.ID]; ok {
		return "", ErrAlreadyJoined
	}
	if len(q.pool) == 0 {
		return "", ErrNicknamesExhausted
	}
	nick := q.pool[0]
	q.pool = q.pool[1:]
	q.players = append(q.players, user)
	q.nicknames[user.ID] = nick
	q.lastActive = q.now()
	return nick, nil
}

// Joined reports whether user is a player.
func (q *Quest) Joined(user chat.UserID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.nicknames[user]
	return ok
}

// Players returns the players in join order.
func (q *Quest) Players() []chat.User {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]chat.User(nil), q.players...)
}

// PlayerCount returns how many players joined.
func (q *Quest) PlayerCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.players)
}

// Nickname returns a player's nickname.
func (q *Quest) Nickname(user chat.UserID) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.nicknames[user]
	return n, ok
}

// RemainingNicknames returns how many nicknames are left in the pool.
func (q *Quest) RemainingNicknames() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pool)
}

// Submit records a player's current submission, replacing an earlier one.
func (q *Quest) Submit(user chat.UserID, text string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.nicknames[user]; !ok {
		return ErrNotJoined
	}
	q.submissions[user] = strings.TrimSpace(text)
	q.lastActive = q.now()
	return nil
}

// Submissions returns a copy of the submission mapping.
func (q *Quest) Submissions() map[chat.UserID]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[chat.UserID]string, len(q.submissions))
	for k, v := range q.submissions {
		out[k] = v
	}
	return out
}

// AllSubmitted reports whether every player has a submission.
func (q *Quest) AllSubmitted() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.players) == 0 {
		return false
	}
	for _, p := range q.players {
		if _, ok := q.submissions[p.ID]; !ok {
			return false
		}
	}
	return true
}

// ClearSubmissions starts a new submission phase.
func (q *Quest) ClearSubmissions() {
	q.mu.Lock()
	q.submissions = map[chat.UserID]string{}
	q.mu.Unlock()
}

// FinalizeSubmissions closes a submission phase so every player has exactly
// one entry; missing players receive placeholder.
func (q *Quest) FinalizeSubmissions(placeholder string) map[chat.UserID]string {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, p := range q.players {
		if _, ok := q.submissions[p.ID]; !ok {
			q.submissions[p.ID] = placeholder
		}
	}
	out := make(map[chat.UserID]string, len(q.submissions))
	for k, v := range q.submissions {
		out[k] = v
	}
	return out
}

// MarkProgress short-circuits the live stage.
func (q *Quest) MarkProgress() { q.progress.Store(true) }

// ProgressCompleted reports whether the live stage was short-circuited.
func (q *Quest) ProgressCompleted() bool { return q.progress.Load() }

// ResetProgress clears the flag at the start of a stage.
func (q *Quest) ResetProgress() { q.progress.Store(false) }

// Quit requests an abort and closes the Done channel.
func (q *Quest) Quit() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.quit.Load() {
		return
	}
	q.quit.Store(true)
	close(q.doneLocked())
}

// Done is closed once Quit is called, so blocking work can stop early.
func (q *Quest) Done() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.doneLocked()
}

func (q *Quest) doneLocked() chan struct{} {
	if q.done == nil {
		q.done = make(chan struct{})
	}
	return q.done
}

// Quitted reports whether an abort was requested.
func (q *Quest) Quitted() bool { return q.quit.Load() }

// Finish ends the quest after the live stage.
func (q *Quest) Finish() { q.finished.Store(true) }

// Finished reports whether Finish was called.
func (q *Quest) Finished() bool { return q.finished.Load() }

// Touch records player activity.
func (q *Quest) Touch() {
	q.mu.Lock()
	q.lastActive = q.now()
	q.mu.Unlock()
}

// LastActivity returns the last recorded activity.
func (q *Quest) LastActivity() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.lastActive
}

// Reset clears players and submissions and restores the nickname pool.
func (q *Quest) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.players = nil
	q.nicknames = map[chat.UserID]string{}
	q.submissions = map[chat.UserID]string{}
	q.pool = append([]string(nil), q.initialPool...)
	q.lastActive = q.now()
	q.progress.Store(false)
	if q.quit.Load() {
		q.done = nil
	}
	q.quit.Store(false)
	q.finished.Store(false)
}
