// Package chat defines the narrow surface the engine needs from a chat
// platform. Adapters (memchat, gateway) translate it to a concrete transport.
package chat

import (
	"context"
	"errors"
	"time"
)

// ChannelID identifies a text channel on the platform.
type ChannelID string

// UserID identifies a platform account.
type UserID string

// MessageID identifies a posted message.
type MessageID string

// CategoryID identifies a channel category.
type CategoryID string

// ErrNotFound is returned when a channel, message, or user is unknown.
var ErrNotFound = errors.New("chat: not found")

// User is the author of a message or the actor of an interaction.
type User struct {
	ID   UserID `json:"id"`
	Name string `json:"name"`
	Bot  bool   `json:"bot,omitempty"`
}

// Mention renders the user the way reposted messages attribute authors.
func (u User) Mention() string {
	if u.Name != "" {
		return "@" + u.Name
	}
	return "@" + string(u.ID)
}

// Member is a channel member eligible for interactions.
type Member = User

// Message is a message as observed on the platform.
type Message struct {
	ID        MessageID    `json:"id"`
	Channel   ChannelID    `json:"channel"`
	Author    User         `json:"author"`
	Content   string       `json:"content"`
	Embeds    []Embed      `json:"embeds,omitempty"`
	Files     []Attachment `json:"files,omitempty"`
	ReplyTo   MessageID    `json:"reply_to,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// Embed is a styled card attached to a message.
type Embed struct {
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	Color       int          `json:"color,omitempty"`
	Thumbnail   string       `json:"thumbnail,omitempty"`
	Image       string       `json:"image,omitempty"`
	Fields      []EmbedField `json:"fields,omitempty"`
	Footer      string       `json:"footer,omitempty"`
}

// EmbedField is a labelled line inside an embed.
type EmbedField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// Attachment is a file uploaded alongside a message.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path,omitempty"`
}

// Outgoing describes content the bot wants to publish.
type Outgoing struct {
	Content string       `json:"content,omitempty"`
	Embeds  []Embed      `json:"embeds,omitempty"`
	Files   []Attachment `json:"files,omitempty"`
	ReplyTo MessageID    `json:"reply_to,omitempty"`
}

// Text is shorthand for a plain text message.
func Text(content string) Outgoing {
	return Outgoing{Content: content}
}

// WithEmbed is shorthand for a message carrying a single embed.
func WithEmbed(embed Embed) Outgoing {
	return Outgoing{Embeds: []Embed{embed}}
}

// Overwrite is an abstract permission override for channel creation.
type Overwrite struct {
	Subject UserID `json:"subject,omitempty"`
	// Everyone applies the override to the default role instead of Subject.
	Everyone bool `json:"everyone,omitempty"`
	Read     bool `json:"read"`
	Send     bool `json:"send"`
}

// SelectOption is one entry of a single-select dropdown.
type SelectOption struct {
	Label       string `json:"label"`
	Value       string `json:"value"`
	Emoji       string `json:"emoji,omitempty"`
	Description string `json:"description,omitempty"`
}

// Button is a clickable component.
type Button struct {
	ID       string `json:"id"`
	Label    string `json:"label"`
	Disabled bool   `json:"disabled,omitempty"`
}

// Interaction is a user's action on a presented view.
type Interaction struct {
	User    User
	Message MessageID
	// Respond sends an ephemeral reply visible to the acting user.
	Respond func(text string)
}

// Reply sends an ephemeral response if the adapter supports one.
func (i Interaction) Reply(text string) {
	if i.Respond != nil {
		i.Respond(text)
	}
}

// View is an interactive message: an optional embed plus components and the
// callbacks that receive interactions until Timeout elapses.
type View struct {
	Content     string
	Embed       *Embed
	Placeholder string
	Options     []SelectOption
	Buttons     []Button
	OnSelect    func(Interaction, string)
	OnClick     func(Interaction, string)
	Timeout     time.Duration
}

// Adapter is everything the core needs from the chat platform.
type Adapter interface {
	Post(ctx context.Context, channel ChannelID, out Outgoing) (Message, error)
	Edit(ctx context.Context, msg Message, out Outgoing) (Message, error)
	Delete(ctx context.Context, msg Message) error
	React(ctx context.Context, msg Message, emoji string) error
	DM(ctx context.Context, user UserID, text string) error
	FetchLastMessage(ctx context.Context, channel ChannelID) (Message, error)
	PresentView(ctx context.Context, channel ChannelID, view View) (Message, error)
	// UpdateView replaces the components of a presented view, e.g. to disable a button.
	UpdateView(ctx context.Context, msg Message, view View) error
	ListMembers(ctx context.Context, channel ChannelID) ([]Member, error)
	EnsureCategory(ctx context.Context, name string) (CategoryID, error)
	EnsureChannel(ctx context.Context, name string, category CategoryID, overwrites []Overwrite) (ChannelID, error)
}
