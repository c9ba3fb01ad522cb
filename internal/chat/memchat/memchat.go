// Package memchat is an in-memory chat.Adapter. It backs the local console
// and the package tests, and can simulate user interactions on views.
package memchat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/agora/internal/chat"
)

// EventKind classifies adapter changes delivered to listeners.
type EventKind string

const (
	EventPosted  EventKind = "posted"
	EventEdited  EventKind = "edited"
	EventDeleted EventKind = "deleted"
	EventDM      EventKind = "dm"
	EventView    EventKind = "view"
)

// Event notifies listeners about a change; Message is a copy.
type Event struct {
	Kind    EventKind
	Channel chat.ChannelID
	Message chat.Message
	User    chat.UserID
	Text    string
}

// DirectMessage records a DM sent by the bot.
type DirectMessage struct {
	User chat.UserID
	Text string
}

type channel struct {
	id       chat.ChannelID
	name     string
	category chat.CategoryID
	messages []chat.Message
	members  []chat.UserID
}

type presented struct {
	channel chat.ChannelID
	view    chat.View
	expires time.Time
}

// Adapter implements chat.Adapter in memory.
type Adapter struct {
	mu         sync.Mutex
	bot        chat.User
	users      map[chat.UserID]chat.User
	channels   map[chat.ChannelID]*channel
	order      []chat.ChannelID
	categories map[string]chat.CategoryID
	views      map[chat.MessageID]*presented
	dms        []DirectMessage
	responses  map[chat.UserID][]string
	reactions  map[chat.MessageID][]string
	seq        int
	failFetch  int
	clock      func() time.Time
	listeners  []func(Event)
}

// Option customizes the adapter.
type Option func(*Adapter)

// WithClock injects a deterministic clock for message timestamps and view expiry.
func WithClock(clock func() time.Time) Option {
	return func(a *Adapter) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// New returns an empty adapter whose posts are authored by bot.
func New(bot chat.User, opts ...Option) *Adapter {
	bot.Bot = true
	a := &Adapter{
		bot:        bot,
		users:      map[chat.UserID]chat.User{bot.ID: bot},
		channels:   map[chat.ChannelID]*channel{},
		categories: map[string]chat.CategoryID{},
		views:      map[chat.MessageID]*presented{},
		responses:  map[chat.UserID][]string{},
		reactions:  map[chat.MessageID][]string{},
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Bot returns the bot identity.
func (a *Adapter) Bot() chat.User {
	return a.bot
}

// Subscribe registers a listener for adapter events. Listeners run
// synchronously after the adapter lock is released.
func (a *Adapter) Subscribe(fn func(Event)) {
	if fn == nil {
		return
	}
	a.mu.Lock()
	a.listeners = append(a.listeners, fn)
	a.mu.Unlock()
}

// AddChannel creates (or returns) a channel and adds the bot plus members.
func (a *Adapter) AddChannel(name string, members ...chat.User) chat.ChannelID {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := a.ensureChannelLocked(name, "")
	for _, m := range members {
		a.addMemberLocked(ch, m)
	}
	return ch.id
}

// AddMember adds a user to a channel.
func (a *Adapter) AddMember(id chat.ChannelID, user chat.User) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if !ok {
		return fmt.Errorf("memchat: channel %s: %w", id, chat.ErrNotFound)
	}
	a.addMemberLocked(ch, user)
	return nil
}

// Channels lists channel ids in creation order.
func (a *Adapter) Channels() []chat.ChannelID {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]chat.ChannelID(nil), a.order...)
}

// User returns a known user by id.
func (a *Adapter) User(id chat.UserID) (chat.User, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	u, ok := a.users[id]
	return u, ok
}

// Receive records a message authored by a user, as the platform would on
// inbound traffic, and returns it for routing.
func (a *Adapter) Receive(id chat.ChannelID, author chat.User, content string) (chat.Message, error) {
	a.mu.Lock()
	ch, ok := a.channels[id]
	if !ok {
		a.mu.Unlock()
		return chat.Message{}, fmt.Errorf("memchat: channel %s: %w", id, chat.ErrNotFound)
	}
	if _, known := a.users[author.ID]; !known {
		a.users[author.ID] = author
	}
	msg := a.appendLocked(ch, author, chat.Outgoing{Content: content})
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	notify(listeners, Event{Kind: EventPosted, Channel: id, Message: msg})
	return msg, nil
}

// Messages returns the visible messages of a channel in order.
func (a *Adapter) Messages(id chat.ChannelID) []chat.Message {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if !ok {
		return nil
	}
	return append([]chat.Message(nil), ch.messages...)
}

// Contents returns the text of the visible messages of a channel.
func (a *Adapter) Contents(id chat.ChannelID) []string {
	msgs := a.Messages(id)
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

// DMs returns every direct message sent by the bot.
func (a *Adapter) DMs() []DirectMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]DirectMessage(nil), a.dms...)
}

// Responses returns ephemeral interaction replies sent to a user.
func (a *Adapter) Responses(user chat.UserID) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.responses[user]...)
}

// Reactions returns the emoji added to a message.
func (a *Adapter) Reactions(id chat.MessageID) []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.reactions[id]...)
}

// FailNextFetches makes the next n FetchLastMessage calls fail, to exercise
// retry paths.
func (a *Adapter) FailNextFetches(n int) {
	a.mu.Lock()
	a.failFetch = n
	a.mu.Unlock()
}

// LastView returns the most recent live view presented in a channel.
func (a *Adapter) LastView(id chat.ChannelID) (chat.MessageID, chat.View, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if !ok {
		return "", chat.View{}, false
	}
	for i := len(ch.messages) - 1; i >= 0; i-- {
		if p, ok := a.views[ch.messages[i].ID]; ok {
			return ch.messages[i].ID, p.view, true
		}
	}
	return "", chat.View{}, false
}

// Select simulates a user choosing a dropdown value on a view.
func (a *Adapter) Select(msg chat.MessageID, user chat.User, value string) error {
	view, err := a.liveView(msg)
	if err != nil {
		return err
	}
	if view.OnSelect == nil {
		return fmt.Errorf("memchat: view %s has no select", msg)
	}
	view.OnSelect(a.interaction(msg, user), value)
	return nil
}

// Click simulates a user pressing a button on a view.
func (a *Adapter) Click(msg chat.MessageID, user chat.User, buttonID string) error {
	view, err := a.liveView(msg)
	if err != nil {
		return err
	}
	for _, b := range view.Buttons {
		if b.ID != buttonID {
			continue
		}
		if b.Disabled {
			return fmt.Errorf("memchat: button %s is disabled", buttonID)
		}
		if view.OnClick != nil {
			view.OnClick(a.interaction(msg, user), buttonID)
		}
		return nil
	}
	return fmt.Errorf("memchat: button %s: %w", buttonID, chat.ErrNotFound)
}

func (a *Adapter) liveView(msg chat.MessageID) (chat.View, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.views[msg]
	if !ok {
		return chat.View{}, fmt.Errorf("memchat: view %s: %w", msg, chat.ErrNotFound)
	}
	if !p.expires.IsZero() && a.clock().After(p.expires) {
		return chat.View{}, fmt.Errorf("memchat: view %s expired", msg)
	}
	return p.view, nil
}

func (a *Adapter) interaction(msg chat.MessageID, user chat.User) chat.Interaction {
	return chat.Interaction{
		User:    user,
		Message: msg,
		Respond: func(text string) {
			a.mu.Lock()
			a.responses[user.ID] = append(a.responses[user.ID], text)
			a.mu.Unlock()
		},
	}
}

// Post implements chat.Adapter.
func (a *Adapter) Post(ctx context.Context, id chat.ChannelID, out chat.Outgoing) (chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return chat.Message{}, err
	}
	a.mu.Lock()
	ch, ok := a.channels[id]
	if !ok {
		a.mu.Unlock()
		return chat.Message{}, fmt.Errorf("memchat: channel %s: %w", id, chat.ErrNotFound)
	}
	msg := a.appendLocked(ch, a.bot, out)
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	notify(listeners, Event{Kind: EventPosted, Channel: id, Message: msg})
	return msg, nil
}

// Edit implements chat.Adapter.
func (a *Adapter) Edit(ctx context.Context, msg chat.Message, out chat.Outgoing) (chat.Message, error) {
	a.mu.Lock()
	ch, idx, err := a.findLocked(msg)
	if err != nil {
		a.mu.Unlock()
		return chat.Message{}, err
	}
	edited := ch.messages[idx]
	edited.Content = out.Content
	edited.Embeds = append([]chat.Embed(nil), out.Embeds...)
	if len(out.Files) > 0 {
		edited.Files = append([]chat.Attachment(nil), out.Files...)
	}
	ch.messages[idx] = edited
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	notify(listeners, Event{Kind: EventEdited, Channel: ch.id, Message: edited})
	return edited, nil
}

// Delete implements chat.Adapter.
func (a *Adapter) Delete(ctx context.Context, msg chat.Message) error {
	a.mu.Lock()
	ch, idx, err := a.findLocked(msg)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	removed := ch.messages[idx]
	ch.messages = append(ch.messages[:idx], ch.messages[idx+1:]...)
	delete(a.views, removed.ID)
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	notify(listeners, Event{Kind: EventDeleted, Channel: ch.id, Message: removed})
	return nil
}

// React implements chat.Adapter.
func (a *Adapter) React(ctx context.Context, msg chat.Message, emoji string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, _, err := a.findLocked(msg); err != nil {
		return err
	}
	a.reactions[msg.ID] = append(a.reactions[msg.ID], emoji)
	return nil
}

// DM implements chat.Adapter.
func (a *Adapter) DM(ctx context.Context, user chat.UserID, text string) error {
	a.mu.Lock()
	if _, ok := a.users[user]; !ok {
		a.mu.Unlock()
		return fmt.Errorf("memchat: user %s: %w", user, chat.ErrNotFound)
	}
	a.dms = append(a.dms, DirectMessage{User: user, Text: text})
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	notify(listeners, Event{Kind: EventDM, User: user, Text: text})
	return nil
}

// FetchLastMessage implements chat.Adapter.
func (a *Adapter) FetchLastMessage(ctx context.Context, id chat.ChannelID) (chat.Message, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.failFetch > 0 {
		a.failFetch--
		return chat.Message{}, fmt.Errorf("memchat: fetch last message in %s: temporarily unavailable", id)
	}
	ch, ok := a.channels[id]
	if !ok {
		return chat.Message{}, fmt.Errorf("memchat: channel %s: %w", id, chat.ErrNotFound)
	}
	if len(ch.messages) == 0 {
		return chat.Message{}, fmt.Errorf("memchat: channel %s has no messages: %w", id, chat.ErrNotFound)
	}
	return ch.messages[len(ch.messages)-1], nil
}

// PresentView implements chat.Adapter.
func (a *Adapter) PresentView(ctx context.Context, id chat.ChannelID, view chat.View) (chat.Message, error) {
	out := chat.Outgoing{Content: view.Content}
	if view.Embed != nil {
		out.Embeds = []chat.Embed{*view.Embed}
	}
	a.mu.Lock()
	ch, ok := a.channels[id]
	if !ok {
		a.mu.Unlock()
		return chat.Message{}, fmt.Errorf("memchat: channel %s: %w", id, chat.ErrNotFound)
	}
	msg := a.appendLocked(ch, a.bot, out)
	p := &presented{channel: id, view: view}
	if view.Timeout > 0 {
		p.expires = a.clock().Add(view.Timeout)
	}
	a.views[msg.ID] = p
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	notify(listeners, Event{Kind: EventView, Channel: id, Message: msg})
	return msg, nil
}

// UpdateView implements chat.Adapter.
func (a *Adapter) UpdateView(ctx context.Context, msg chat.Message, view chat.View) error {
	a.mu.Lock()
	p, ok := a.views[msg.ID]
	if !ok {
		a.mu.Unlock()
		return fmt.Errorf("memchat: view %s: %w", msg.ID, chat.ErrNotFound)
	}
	p.view = view
	listeners := a.snapshotListeners()
	a.mu.Unlock()
	notify(listeners, Event{Kind: EventView, Channel: p.channel, Message: msg})
	return nil
}

// ListMembers implements chat.Adapter.
func (a *Adapter) ListMembers(ctx context.Context, id chat.ChannelID) ([]chat.Member, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if !ok {
		return nil, fmt.Errorf("memchat: channel %s: %w", id, chat.ErrNotFound)
	}
	members := make([]chat.Member, 0, len(ch.members))
	for _, uid := range ch.members {
		members = append(members, a.users[uid])
	}
	return members, nil
}

// EnsureCategory implements chat.Adapter.
func (a *Adapter) EnsureCategory(ctx context.Context, name string) (chat.CategoryID, error) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return "", fmt.Errorf("memchat: category name is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if id, ok := a.categories[key]; ok {
		return id, nil
	}
	id := chat.CategoryID("cat-" + key)
	a.categories[key] = id
	return id, nil
}

// EnsureChannel implements chat.Adapter. Subjects granted read access become
// members; an Everyone read override adds every known user.
func (a *Adapter) EnsureChannel(ctx context.Context, name string, category chat.CategoryID, overwrites []chat.Overwrite) (chat.ChannelID, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("memchat: channel name is required")
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := a.ensureChannelLocked(name, category)
	for _, ow := range overwrites {
		if !ow.Read {
			continue
		}
		if ow.Everyone {
			for _, u := range a.users {
				a.addMemberLocked(ch, u)
			}
			continue
		}
		if u, ok := a.users[ow.Subject]; ok {
			a.addMemberLocked(ch, u)
		}
	}
	return ch.id, nil
}

func (a *Adapter) ensureChannelLocked(name string, category chat.CategoryID) *channel {
	id := chat.ChannelID(strings.ToLower(strings.TrimSpace(name)))
	if ch, ok := a.channels[id]; ok {
		return ch
	}
	ch := &channel{id: id, name: name, category: category}
	a.channels[id] = ch
	a.order = append(a.order, id)
	a.addMemberLocked(ch, a.bot)
	return ch
}

func (a *Adapter) addMemberLocked(ch *channel, user chat.User) {
	if existing, ok := a.users[user.ID]; ok {
		user = existing
	} else {
		a.users[user.ID] = user
	}
	for _, m := range ch.members {
		if m == user.ID {
			return
		}
	}
	ch.members = append(ch.members, user.ID)
}

func (a *Adapter) appendLocked(ch *channel, author chat.User, out chat.Outgoing) chat.Message {
	a.seq++
	msg := chat.Message{
		ID:        chat.MessageID(fmt.Sprintf("m%d", a.seq)),
		Channel:   ch.id,
		Author:    author,
		Content:   out.Content,
		Embeds:    append([]chat.Embed(nil), out.Embeds...),
		Files:     append([]chat.Attachment(nil), out.Files...),
		ReplyTo:   out.ReplyTo,
		CreatedAt: a.clock(),
	}
	ch.messages = append(ch.messages, msg)
	return msg
}

func (a *Adapter) findLocked(msg chat.Message) (*channel, int, error) {
	ch, ok := a.channels[msg.Channel]
	if !ok {
		return nil, -1, fmt.Errorf("memchat: channel %s: %w", msg.Channel, chat.ErrNotFound)
	}
	for i, m := range ch.messages {
		if m.ID == msg.ID {
			return ch, i, nil
		}
	}
	return nil, -1, fmt.Errorf("memchat: message %s: %w", msg.ID, chat.ErrNotFound)
}

func (a *Adapter) snapshotListeners() []func(Event) {
	return append([]func(Event){}, a.listeners...)
}

func notify(listeners []func(Event), ev Event) {
	for _, fn := range listeners {
		fn(ev)
	}
}

var _ chat.Adapter = (*Adapter)(nil)
