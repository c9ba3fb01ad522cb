// Package bot is the inbound surface: it routes channel messages to the
// command handlers or the culture pipeline and owns the lifetime of quests.
package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"unicode"

	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/action"
	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/culture"
	"github.com/kingrea/agora/internal/governance"
	"github.com/kingrea/agora/internal/metrics"
	"github.com/kingrea/agora/internal/quest"
	"github.com/kingrea/agora/internal/quest/runner"
	"github.com/kingrea/agora/internal/state"
)

// Defaults.
const (
	DefaultPrefix   = "-"
	DefaultCategory = "quests"
	recentPerChan   = 256
)

// ValuesChecker critiques a message against the community's values.
type ValuesChecker interface {
	Check(ctx context.Context, values map[string]string, message string) (string, error)
}

// Deps are the engine components the bot drives.
type Deps struct {
	Adapter    chat.Adapter
	States     *state.Registry
	Cultures   *culture.Pipeline
	Governance *governance.Store
	Actions    *action.Registry
	Runner     *runner.Runner
	Values     ValuesChecker
	Presets    quest.Presets
}

// Bot handles inbound messages.
type Bot struct {
	Deps
	prefix      string
	category    string
	defaultMode string
	nicknames   []string
	logger      *zap.Logger
	metrics     *metrics.Metrics
	commands    map[string]command

	mu       sync.Mutex
	ctx      context.Context
	quests   map[chat.ChannelID]*quest.Quest
	recent   map[chat.ChannelID][]chat.Message
	channels int
	wg       sync.WaitGroup
}

// Option customizes a Bot.
type Option func(*Bot)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Bot) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bot) { b.metrics = m }
}

// WithPrefix sets the command prefix.
func WithPrefix(prefix string) Option {
	return func(b *Bot) {
		if strings.TrimSpace(prefix) != "" {
			b.prefix = strings.TrimSpace(prefix)
		}
	}
}

// WithCategory names the category game channels are created in.
func WithCategory(name string) Option {
	return func(b *Bot) {
		if strings.TrimSpace(name) != "" {
			b.category = name
		}
	}
}

// WithDefaultMode selects the quest the -start command plays.
func WithDefaultMode(mode string) Option {
	return func(b *Bot) { b.defaultMode = strings.ToLower(strings.TrimSpace(mode)) }
}

// WithNicknames sets the nickname pool each quest draws from.
func WithNicknames(names []string) Option {
	return func(b *Bot) { b.nicknames = append([]string(nil), names...) }
}

// New returns a bot. Quests it starts run under ctx.
func New(ctx context.Context, deps Deps, opts ...Option) (*Bot, error) {
	if deps.Adapter == nil || deps.States == nil || deps.Cultures == nil || deps.Runner == nil {
		return nil, fmt.Errorf("bot: adapter, states, cultures and runner are required")
	}
	b := &Bot{
		Deps:     deps,
		prefix:   DefaultPrefix,
		category: DefaultCategory,
		logger:   zap.NewNop(),
		ctx:      ctx,
		quests:   map[chat.ChannelID]*quest.Quest{},
		recent:   map[chat.ChannelID][]chat.Message{},
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.Presets == nil {
		b.Presets = quest.Presets{}
	}
	b.commands = b.commandTable()
	return b, nil
}

// Wait blocks until every quest and background vote started by the bot ends.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// Quest returns the quest bound to a lobby or game channel.
func (b *Bot) Quest(channel chat.ChannelID) (*quest.Quest, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.quests[channel]
	return q, ok
}

// Handle is the router handler for every inbound message.
func (b *Bot) Handle(ctx context.Context, msg chat.Message) {
	if msg.Author.Bot {
		return
	}
	if name, rest, ok := b.parseCommand(msg.Content); ok {
		b.runCommand(ctx, msg, name, rest)
		return
	}
	b.remember(msg)
	if q, ok := b.Quest(msg.Channel); ok {
		q.Touch()
	}
	st := b.States.Channel(msg.Channel)
	if _, err := b.Cultures.Handle(ctx, b.Adapter, st, msg); err != nil {
		b.logger.Warn("culture pipeline", zap.String("channel", string(msg.Channel)), zap.Error(err))
	}
}

func (b *Bot) parseCommand(content string) (string, string, bool) {
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, b.prefix) {
		return "", "", false
	}
	body := strings.TrimPrefix(trimmed, b.prefix)
	if body == "" || unicode.IsSpace(rune(body[0])) {
		return "", "", false
	}
	name, rest, _ := strings.Cut(body, " ")
	return strings.ToLower(name), strings.TrimSpace(rest), true
}

func (b *Bot) runCommand(ctx context.Context, msg chat.Message, name, rest string) {
	cmd, ok := b.commands[name]
	if !ok {
		b.fail(ctx, msg.Channel, "Unknown command", fmt.Sprintf("%s%s is not a command. Try %sinfo.", b.prefix, name, b.prefix))
		return
	}
	b.logger.Debug("command", zap.String("name", name), zap.String("channel", string(msg.Channel)), zap.String("user", string(msg.Author.ID)))
	if err := cmd.run(ctx, msg, rest); err != nil {
		var ue userError
		if errors.As(err, &ue) {
			b.fail(ctx, msg.Channel, ue.title, ue.Error())
			return
		}
		b.logger.Warn("command failed", zap.String("name", name), zap.Error(err))
		b.fail(ctx, msg.Channel, "Something went wrong", err.Error())
	}
}

// userError is shown to the user as an error embed.
type userError struct {
	title string
	msg   string
}

func (e userError) Error() string { return e.msg }

func userErr(title, format string, args ...any) error {
	return userError{title: title, msg: fmt.Sprintf(format, args...)}
}

func (b *Bot) fail(ctx context.Context, channel chat.ChannelID, title, description string) {
	if _, err := b.Adapter.Post(ctx, channel, chat.WithEmbed(chat.ErrorEmbed(title, description))); err != nil {
		b.logger.Warn("post error embed", zap.Error(err))
	}
}

func (b *Bot) say(ctx context.Context, channel chat.ChannelID, out chat.Outgoing) error {
	_, err := chat.Retry(ctx, chat.DefaultRetryAttempts, chat.DefaultRetryBackoff, func(ctx context.Context) (chat.Message, error) {
		return b.Adapter.Post(ctx, channel, out)
	})
	return err
}

func (b *Bot) remember(msg chat.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := append(b.recent[msg.Channel], msg)
	if len(list) > recentPerChan {
		list = list[len(list)-recentPerChan:]
	}
	b.recent[msg.Channel] = list
}

func (b *Bot) recall(channel chat.ChannelID, id chat.MessageID) (chat.Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.recent[channel]
	for i := len(list) - 1; i >= 0; i-- {
		if id == "" || list[i].ID == id {
			return list[i], true
		}
	}
	return chat.Message{}, false
}

// spawn runs fn in the background under the bot's context.
func (b *Bot) spawn(fn func(ctx context.Context)) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(b.ctx)
	}()
}

func (b *Bot) bind(channels []chat.ChannelID, q *quest.Quest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range channels {
		if c != "" {
			b.quests[c] = q
		}
	}
}

func (b *Bot) release(q *quest.Quest) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c, bound := range b.quests {
		if bound == q {
			delete(b.quests, c)
		}
	}
}

func (b *Bot) nextChannelName(title string) string {
	b.mu.Lock()
	b.channels++
	n := b.channels
	b.mu.Unlock()
	var slug strings.Builder
	dash := false
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			slug.WriteRune(r)
			dash = false
		case !dash && slug.Len() > 0:
			slug.WriteByte('-')
			dash = true
		}
	}
	name := strings.TrimSuffix(slug.String(), "-")
	if name == "" {
		name = "quest"
	}
	return fmt.Sprintf("%s-%d", name, n)
}
