package bot

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/action"
	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/culture"
	"github.com/kingrea/agora/internal/governance"
	"github.com/kingrea/agora/internal/quest"
)

type command struct {
	usage   string
	summary string
	run     func(ctx context.Context, msg chat.Message, rest string) error
}

func (b *Bot) commandTable() map[string]command {
	table := map[string]command{
		"propose":         {usage: "propose <mode> [images] [audio] [fast] [solo]", summary: "Propose a quest in this channel.", run: b.propose},
		"join":            {usage: "join", summary: "Join the proposed quest.", run: b.join},
		"begin":           {usage: "begin", summary: "Open the game channel and start the quest.", run: b.begin},
		"start":           {usage: "start", summary: "Start the default quest solo and fast, for testing.", run: b.start},
		"obscurity_mode":  {usage: "obscurity_mode <mode>", summary: "Choose how obscurity distorts messages.", run: b.obscurityMode},
		"check_values":    {usage: "check_values [message id]", summary: "Check a message against our values.", run: b.checkValues},
		"submit":          {usage: "submit <text>", summary: "Submit your answer for the current stage.", run: b.submit},
		"info":            {usage: "info", summary: "Describe the quest here, or list what you can do.", run: b.info},
		"governance":      {usage: "governance", summary: "Show the governance stack.", run: b.governance},
		"vote_governance": {usage: "vote_governance <type>", summary: "Vote on a governance module.", run: b.voteGovernance},
		"leaderboard":     {usage: "leaderboard", summary: "Show who has spoken the most.", run: b.leaderboard},
		"quit":            {usage: "quit", summary: "Abandon the quest.", run: b.quit},
		"end":             {usage: "end", summary: "End the quest after the current stage.", run: b.end},
	}
	for _, key := range b.Cultures.Registry().Keys() {
		key := key
		table[key] = command{usage: key, summary: "Toggle the " + key + " culture.", run: func(ctx context.Context, msg chat.Message, _ string) error {
			return b.toggleCulture(ctx, msg, key)
		}}
	}
	return table
}

func (b *Bot) modes() []string {
	return append(b.Presets.Modes(), quest.ModeLLM)
}

func (b *Bot) newQuest(mode string, opts quest.Options, proposer chat.User) (*quest.Quest, error) {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == quest.ModeLLM {
		return quest.New(quest.ModeLLM, quest.Spec{}, opts, proposer, b.nicknames, nil), nil
	}
	spec, ok := b.Presets.Lookup(mode)
	if !ok {
		return nil, userErr("Unknown quest", "%q is not a quest. Choose one of: %s.", mode, strings.Join(b.modes(), ", "))
	}
	return quest.New(mode, spec, opts, proposer, b.nicknames, nil), nil
}

func (b *Bot) propose(ctx context.Context, msg chat.Message, rest string) error {
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return userErr("Which quest?", "Usage: %spropose <mode> [images] [audio] [fast] [solo]. Modes: %s.", b.prefix, strings.Join(b.modes(), ", "))
	}
	opts, err := quest.ParseOptions(fields[1:])
	if err != nil {
		return userErr("Unknown option", "%v", err)
	}
	if _, busy := b.Quest(msg.Channel); busy {
		return userErr("Quest already proposed", "Finish or %squit the current quest first.", b.prefix)
	}
	q, err := b.newQuest(fields[0], opts, msg.Author)
	if err != nil {
		return err
	}
	b.bind([]chat.ChannelID{msg.Channel}, q)
	text := fmt.Sprintf("%s proposed **%s**. Type %sjoin to take part, then %sbegin.", msg.Author.Mention(), q.Title, b.prefix, b.prefix)
	return b.say(ctx, msg.Channel, chat.WithEmbed(chat.InfoEmbed("A quest is proposed", text)))
}

func (b *Bot) lobbyQuest(channel chat.ChannelID) (*quest.Quest, error) {
	q, ok := b.Quest(channel)
	if !ok {
		return nil, userErr("No quest", "Nobody has proposed a quest here. Try %spropose.", b.prefix)
	}
	return q, nil
}

func (b *Bot) join(ctx context.Context, msg chat.Message, _ string) error {
	q, err := b.lobbyQuest(msg.Channel)
	if err != nil {
		return err
	}
	if q.GameChannel() != "" {
		return userErr("Too late", "%s has already begun.", q.Title)
	}
	nick, err := q.Join(msg.Author)
	switch {
	case errors.Is(err, quest.ErrAlreadyJoined):
		return userErr("Already joined", "You are already part of %s.", q.Title)
	case errors.Is(err, quest.ErrNicknamesExhausted):
		return userErr("Quest is full", "There are no nicknames left for %s.", q.Title)
	case err != nil:
		return err
	}
	return b.say(ctx, msg.Channel, chat.Text(fmt.Sprintf("%s joined as **%s**.", msg.Author.Mention(), nick)))
}

func (b *Bot) begin(ctx context.Context, msg chat.Message, _ string) error {
	q, err := b.lobbyQuest(msg.Channel)
	if err != nil {
		return err
	}
	if q.GameChannel() != "" {
		return userErr("Already running", "%s has already begun.", q.Title)
	}
	if q.PlayerCount() == 0 {
		return userErr("No players", "Type %sjoin before the quest can begin.", b.prefix)
	}
	return b.launch(ctx, msg.Channel, q)
}

func (b *Bot) launch(ctx context.Context, lobby chat.ChannelID, q *quest.Quest) error {
	category, err := b.Adapter.EnsureCategory(ctx, b.category)
	if err != nil {
		return fmt.Errorf("bot: ensure category: %w", err)
	}
	overwrites := []chat.Overwrite{{Everyone: true}}
	for _, p := range q.Players() {
		overwrites = append(overwrites, chat.Overwrite{Subject: p.ID, Read: true, Send: true})
	}
	game, err := b.Adapter.EnsureChannel(ctx, b.nextChannelName(q.Title), category, overwrites)
	if err != nil {
		return fmt.Errorf("bot: create game channel: %w", err)
	}
	q.SetGameChannel(game)
	b.bind([]chat.ChannelID{lobby, game}, q)
	b.spawn(func(ctx context.Context) {
		defer b.release(q)
		if err := b.Runner.Run(ctx, q); err != nil {
			b.logger.Info("quest ended early", zap.String("title", q.Title), zap.Error(err))
		}
	})
	return b.say(ctx, lobby, chat.WithEmbed(chat.InfoEmbed(q.Title, fmt.Sprintf("The quest begins in #%s.", game))))
}

func (b *Bot) start(ctx context.Context, msg chat.Message, _ string) error {
	mode := b.defaultMode
	if mode == "" {
		modes := b.Presets.Modes()
		if len(modes) == 0 {
			return userErr("No quests", "No quest presets are installed.")
		}
		mode = modes[0]
	}
	if _, busy := b.Quest(msg.Channel); busy {
		return userErr("Quest already proposed", "Finish or %squit the current quest first.", b.prefix)
	}
	q, err := b.newQuest(mode, quest.Options{Solo: true, Fast: true}, msg.Author)
	if err != nil {
		return err
	}
	if _, err := q.Join(msg.Author); err != nil {
		return err
	}
	b.bind([]chat.ChannelID{msg.Channel}, q)
	return b.launch(ctx, msg.Channel, q)
}

func (b *Bot) toggleCulture(ctx context.Context, msg chat.Message, key string) error {
	st := b.States.Channel(msg.Channel)
	info, on, err := b.Cultures.Toggle(st, key)
	if err != nil {
		return userErr("Unknown culture", "%v", err)
	}
	text := info.DeactivationMessage
	if on {
		text = info.ActivationMessage
	}
	embed := chat.InfoEmbed(strings.TrimSpace(info.Icon+" "+info.Name), text)
	embed.Thumbnail = info.Thumbnail
	return b.say(ctx, msg.Channel, chat.WithEmbed(embed))
}

func (b *Bot) obscurityMode(ctx context.Context, msg chat.Message, rest string) error {
	mode, err := culture.ParseMode(rest)
	if err != nil {
		return userErr("Unknown mode", "%v", err)
	}
	b.States.Channel(msg.Channel).SetObscurityMode(mode)
	return b.say(ctx, msg.Channel, chat.Text("Obscurity mode is now "+mode+"."))
}

func (b *Bot) checkValues(ctx context.Context, msg chat.Message, rest string) error {
	if b.Values == nil {
		return userErr("Values unavailable", "Checking values needs a language model.")
	}
	st := b.States.Channel(msg.Channel)
	values := st.Values()
	if len(values) == 0 {
		return userErr("No values yet", "The community has not agreed on any values.")
	}
	target, ok := b.recall(msg.Channel, chat.MessageID(strings.TrimSpace(rest)))
	if !ok {
		return userErr("Message not found", "I cannot find message %q in this channel.", rest)
	}
	critique, err := b.Values.Check(ctx, values, target.Content)
	if err != nil {
		return userErr("Values check failed", "%v", err)
	}
	return b.say(ctx, msg.Channel, chat.WithEmbed(chat.InfoEmbed("Values check", critique)))
}

func (b *Bot) submit(ctx context.Context, msg chat.Message, rest string) error {
	q, err := b.lobbyQuest(msg.Channel)
	if err != nil {
		return err
	}
	if rest == "" {
		return userErr("Empty submission", "Usage: %ssubmit <text>.", b.prefix)
	}
	if err := q.Submit(msg.Author.ID, rest); errors.Is(err, quest.ErrNotJoined) {
		return userErr("Not a player", "Only players of %s can submit.", q.Title)
	} else if err != nil {
		return err
	}
	return b.Adapter.React(ctx, msg, "✅")
}

func (b *Bot) info(ctx context.Context, msg chat.Message, _ string) error {
	if q, ok := b.Quest(msg.Channel); ok {
		var sb strings.Builder
		fmt.Fprintf(&sb, "Mode: %s\n", q.Mode)
		if q.GameChannel() != "" {
			fmt.Fprintf(&sb, "Game channel: #%s\n", q.GameChannel())
		}
		sb.WriteString("Players:\n")
		for _, p := range q.Players() {
			nick, _ := q.Nickname(p.ID)
			fmt.Fprintf(&sb, "- %s as %s\n", p.Mention(), nick)
		}
		return b.say(ctx, msg.Channel, chat.WithEmbed(chat.InfoEmbed(q.Title, strings.TrimSpace(sb.String()))))
	}
	names := make([]string, 0, len(b.commands))
	for name := range b.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	var sb strings.Builder
	fmt.Fprintf(&sb, "Quests: %s\n\n", strings.Join(b.modes(), ", "))
	for _, name := range names {
		fmt.Fprintf(&sb, "`%s%s` %s\n", b.prefix, b.commands[name].usage, b.commands[name].summary)
	}
	return b.say(ctx, msg.Channel, chat.WithEmbed(chat.InfoEmbed("Agora", strings.TrimSpace(sb.String()))))
}

func (b *Bot) governance(ctx context.Context, msg chat.Message, _ string) error {
	if b.Governance == nil {
		return userErr("Governance unavailable", "No governance store is configured.")
	}
	stack, err := b.Governance.Current()
	if err != nil {
		return err
	}
	out := chat.WithEmbed(chat.InfoEmbed("Governance", stack.Render()))
	if len(stack.Modules) > 0 {
		if path, err := b.Governance.Latest(); err == nil {
			out.Files = []chat.Attachment{{Name: "governance.png", Path: path}}
		}
	}
	return b.say(ctx, msg.Channel, out)
}

func (b *Bot) voteGovernance(ctx context.Context, msg chat.Message, rest string) error {
	if b.Actions == nil {
		return userErr("Voting unavailable", "No actions are configured.")
	}
	t, err := governance.ParseType(rest)
	if err != nil {
		return userErr("Unknown module type", "Choose one of: structure, culture, decision, process.")
	}
	q, _ := b.Quest(msg.Channel)
	inv := action.Invocation{
		Adapter: b.Adapter,
		Channel: msg.Channel,
		State:   b.States.Channel(msg.Channel),
		Quest:   q,
		Message: msg,
		Logger:  b.logger,
	}
	b.spawn(func(ctx context.Context) {
		if err := b.Actions.Dispatch(ctx, inv, "vote_governance "+string(t), true); err != nil {
			b.fail(context.WithoutCancel(ctx), msg.Channel, "Governance vote", err.Error())
		}
	})
	return nil
}

func (b *Bot) leaderboard(ctx context.Context, msg chat.Message, _ string) error {
	board := culture.Leaderboard(b.States.Channel(msg.Channel))
	return b.say(ctx, msg.Channel, chat.WithEmbed(chat.InfoEmbed("Leaderboard", board)))
}

func (b *Bot) quit(ctx context.Context, msg chat.Message, _ string) error {
	q, err := b.lobbyQuest(msg.Channel)
	if err != nil {
		return err
	}
	if q.GameChannel() == "" {
		b.release(q)
		return b.say(ctx, msg.Channel, chat.Text(q.Title+" was withdrawn."))
	}
	q.Quit()
	return b.say(ctx, msg.Channel, chat.Text("Abandoning "+q.Title+"..."))
}

func (b *Bot) end(ctx context.Context, msg chat.Message, _ string) error {
	q, err := b.lobbyQuest(msg.Channel)
	if err != nil {
		return err
	}
	if q.GameChannel() == "" {
		return userErr("Not running", "%s has not begun.", q.Title)
	}
	q.Finish()
	q.MarkProgress()
	return b.say(ctx, msg.Channel, chat.Text(q.Title+" will end after this stage."))
}
