package vote

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/decision"
)

// Circle emoji label the options in order.
var circles = []string{"🔴", "🟠", "🟡", "🟢", "🔵", "🟣", "🟤", "⚫", "⚪", "⭕"}

type ballot struct {
	mu         sync.Mutex
	options    map[string]struct{}
	eligible   map[chat.UserID]struct{}
	selections map[chat.UserID]string
	submitted  map[chat.UserID]string
	deadline   time.Time
	extended   int
	extendOnce sync.Once
	declined   bool
	voted      chan struct{}
}

func newBallot(options []string, eligible map[chat.UserID]struct{}, deadline time.Time) *ballot {
	set := make(map[string]struct{}, len(options))
	for _, o := range options {
		set[o] = struct{}{}
	}
	return &ballot{
		options:    set,
		eligible:   eligible,
		selections: map[chat.UserID]string{},
		submitted:  map[chat.UserID]string{},
		deadline:   deadline,
		voted:      make(chan struct{}, 1),
	}
}

func (b *ballot) selectOption(user chat.UserID, value string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.submitted[user]; ok {
		return alreadyVotedText
	}
	if _, ok := b.eligible[user]; !ok {
		return "You are not eligible to vote in this channel."
	}
	if _, ok := b.options[value]; !ok {
		return "That option is not on the ballot."
	}
	b.selections[user] = value
	return fmt.Sprintf("You selected %q. Press Submit to cast your vote.", value)
}

func (b *ballot) submit(user chat.UserID) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.submitted[user]; ok {
		return alreadyVotedText
	}
	if _, ok := b.eligible[user]; !ok {
		return "You are not eligible to vote in this channel."
	}
	choice, ok := b.selections[user]
	if !ok {
		return "Pick an option before submitting."
	}
	b.submitted[user] = choice
	select {
	case b.voted <- struct{}{}:
	default:
	}
	return fmt.Sprintf("Your vote for %q has been recorded.", choice)
}

func (b *ballot) complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.eligible) > 0 && len(b.submitted) >= len(b.eligible)
}

func (b *ballot) deadlineAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deadline
}

// extend moves the deadline once; later calls report false.
func (b *ballot) extend(amount time.Duration) bool {
	applied := false
	b.extendOnce.Do(func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.declined {
			return
		}
		b.deadline = b.deadline.Add(amount)
		b.extended++
		applied = true
	})
	return applied
}

func (b *ballot) decline() {
	b.mu.Lock()
	b.declined = true
	b.mu.Unlock()
}

func (b *ballot) snapshot() (map[chat.UserID]string, time.Time, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	votes := make(map[chat.UserID]string, len(b.submitted))
	for u, c := range b.submitted {
		votes[u] = c
	}
	return votes, b.deadline, b.extended
}

func (e *Engine) ballotView(question string, module decision.Module, options []string, b *ballot, timeout time.Duration) chat.View {
	selectOptions := make([]chat.SelectOption, 0, len(options))
	for i, option := range options {
		selectOptions = append(selectOptions, chat.SelectOption{
			Label: option,
			Value: option,
			Emoji: circles[i%len(circles)],
		})
	}
	return chat.View{
		Embed: &chat.Embed{
			Title:       question,
			Description: fmt.Sprintf("%s **%s**: %s", module.Icon, module.Name, module.Description),
			Color:       chat.ColorInfo,
			Footer:      fmt.Sprintf("Voting closes in %s.", timeout.Round(time.Second)),
		},
		Placeholder: "Select an option",
		Options:     selectOptions,
		Buttons:     []chat.Button{{ID: submitButton, Label: "Submit"}},
		OnSelect: func(in chat.Interaction, value string) {
			in.Reply(b.selectOption(in.User.ID, value))
		},
		OnClick: func(in chat.Interaction, id string) {
			if id == submitButton {
				in.Reply(b.submit(in.User.ID))
			}
		},
		Timeout: timeout + e.extension + e.tick,
	}
}

func (e *Engine) promptExtension(ctx context.Context, channel chat.ChannelID, question string, b *ballot) (chat.Message, error) {
	var view chat.View
	var msg chat.Message
	var mu sync.Mutex
	view = chat.View{
		Content: fmt.Sprintf("⏳ The vote on %q closes in %s. Need more time?", question, e.lead.Round(time.Second)),
		Buttons: []chat.Button{
			{ID: extendButton, Label: fmt.Sprintf("Extend by %s", e.extension.Round(time.Second))},
			{ID: declineButton, Label: "No need"},
		},
		Timeout: e.lead + e.extension + e.tick,
	}
	view.OnClick = func(in chat.Interaction, id string) {
		updateCtx := context.WithoutCancel(ctx)
		mu.Lock()
		current := msg
		mu.Unlock()
		switch id {
		case extendButton:
			if !b.extend(e.extension) {
				in.Reply("This vote can no longer be extended.")
				return
			}
			in.Reply(fmt.Sprintf("Vote extended by %s.", e.extension.Round(time.Second)))
			e.logger.Info("vote extended", zap.String("question", question), zap.String("by", string(in.User.ID)))
		case declineButton:
			b.decline()
			in.Reply("No extension, then.")
		default:
			return
		}
		e.disableExtension(updateCtx, current)
	}
	posted, err := e.adapter.PresentView(ctx, channel, view)
	if err != nil {
		return chat.Message{}, err
	}
	mu.Lock()
	msg = posted
	mu.Unlock()
	return posted, nil
}

func (e *Engine) disableExtension(ctx context.Context, msg chat.Message) {
	if msg.ID == "" {
		return
	}
	view := chat.View{
		Content: "⏳ Extension closed.",
		Buttons: []chat.Button{
			{ID: extendButton, Label: fmt.Sprintf("Extend by %s", e.extension.Round(time.Second)), Disabled: true},
			{ID: declineButton, Label: "No need", Disabled: true},
		},
	}
	if err := e.adapter.UpdateView(ctx, msg, view); err != nil {
		e.logger.Debug("disable extension prompt", zap.Error(err))
	}
}

// ResultsEmbed renders the tally, each option's share and the winner.
func ResultsEmbed(r Result) chat.Embed {
	total := r.Tally.Total()
	fields := make([]chat.EmbedField, 0, len(r.Options))
	order := append([]string(nil), r.Options...)
	sort.SliceStable(order, func(i, j int) bool { return r.Tally[order[i]] > r.Tally[order[j]] })
	for _, option := range order {
		n := r.Tally[option]
		pct := 0.0
		if total > 0 {
			pct = float64(n) * 100 / float64(total)
		}
		fields = append(fields, chat.EmbedField{
			Name:  option,
			Value: fmt.Sprintf("%d vote%s (%.0f%%)", n, plural(n), pct),
		})
	}
	embed := chat.Embed{
		Title:  "Results: " + r.Question,
		Fields: fields,
		Footer: fmt.Sprintf("Decided by %s. %d of %d eligible members voted.", r.Module.Name, total, r.Eligible),
	}
	if r.HasWinner {
		embed.Description = fmt.Sprintf("Winner: **%s**", r.Winner)
		embed.Color = chat.ColorSuccess
	} else {
		embed.Description = "No winner"
		embed.Color = chat.ColorWarn
	}
	return embed
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}

// DescribeOptions renders options with their circle labels, for text surfaces.
func DescribeOptions(options []string) string {
	lines := make([]string, 0, len(options))
	for i, option := range options {
		lines = append(lines, circles[i%len(circles)]+" "+option)
	}
	return strings.Join(lines, "\n")
}
