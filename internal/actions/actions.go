// Package actions registers the built-in quest verbs with an action registry.
package actions

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/action"
	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/culture"
	"github.com/kingrea/agora/internal/decision"
	"github.com/kingrea/agora/internal/governance"
	"github.com/kingrea/agora/internal/state"
	"github.com/kingrea/agora/internal/vote"
)

// Defaults for submission phases.
const (
	DefaultSubmissionWindow = 2 * time.Minute
	DefaultPlaceholder      = "(no submission)"
	topicFlag               = "--topic="
)

var errNoQuest = errors.New("no quest is bound to this channel")

// Services are the collaborators the verbs act through.
type Services struct {
	Votes      *vote.Engine
	Governance *governance.Store
	Cultures   *culture.Pipeline
	// VoteTimeout applies to every vote a verb opens; zero uses the engine default.
	VoteTimeout      time.Duration
	SubmissionWindow time.Duration
	Placeholder      string
	Tick             time.Duration
}

func (s Services) withDefaults() Services {
	if s.SubmissionWindow <= 0 {
		s.SubmissionWindow = DefaultSubmissionWindow
	}
	if s.Placeholder == "" {
		s.Placeholder = DefaultPlaceholder
	}
	if s.Tick <= 0 {
		s.Tick = time.Second
	}
	return s
}

// NewRegistry returns a registry holding every built-in verb.
func NewRegistry(svc Services, opts ...action.Option) (*action.Registry, error) {
	reg := action.NewRegistry(opts...)
	if err := Register(reg, svc); err != nil {
		return nil, err
	}
	return reg, nil
}

// Register installs the built-in verbs.
func Register(reg *action.Registry, svc Services) error {
	svc = svc.withDefaults()
	h := handlers{svc: svc}
	specs := map[string]action.Spec{
		"post": {Handler: h.post, MinArgs: 1, MaxArgs: action.Unbounded, Usage: "post <text>"},
		"wait": {Handler: h.wait, MinArgs: 1, MaxArgs: 1, Validate: seconds, Usage: "wait <seconds>"},
		"collect_submissions": {
			Handler: h.collectSubmissions, MaxArgs: 2, Usage: `collect_submissions ["prompt"] [seconds]`,
			Validate: func(args []string) error {
				if len(args) == 2 {
					return seconds(args[1:])
				}
				return nil
			},
		},
		"vote":               {Handler: h.vote, MinArgs: 2, MaxArgs: action.Unbounded, Usage: `vote [--topic=<attribute>] "question" <option>...`, Validate: validateTopic},
		"vote_submissions":   {Handler: h.voteSubmissions, MinArgs: 1, MaxArgs: 2, Usage: `vote_submissions [--topic=<attribute>] "question"`, Validate: validateTopic},
		"vote_governance":    {Handler: h.voteGovernance, MinArgs: 1, MaxArgs: 1, Validate: governanceType, Usage: "vote_governance <structure|culture|decision|process>"},
		"activate_culture":   {Handler: h.activateCulture, MinArgs: 1, MaxArgs: 1, Usage: "activate_culture <module>"},
		"deactivate_culture": {Handler: h.deactivateCulture, MinArgs: 1, MaxArgs: 1, Usage: "deactivate_culture <module>"},
		"obscurity_mode": {Handler: h.obscurityMode, MinArgs: 1, MaxArgs: 1, Usage: "obscurity_mode <mode>", Validate: func(args []string) error {
			_, err := culture.ParseMode(args[0])
			return err
		}},
		"set_decision":    {Handler: h.setDecision, MinArgs: 1, MaxArgs: 1, Usage: "set_decision <majority|consensus|random>"},
		"propose_values":  {Handler: h.proposeValues, MinArgs: 1, MaxArgs: action.Unbounded, Validate: validateValues, Usage: `propose_values "Name: description"...`},
		"show_governance": {Handler: h.showGovernance},
		"quit":            {Handler: h.quit},
		"end":             {Handler: h.end},
	}
	verbs := make([]string, 0, len(specs))
	for verb := range specs {
		verbs = append(verbs, verb)
	}
	sort.Strings(verbs)
	for _, verb := range verbs {
		if err := reg.Register(verb, specs[verb]); err != nil {
			return err
		}
	}
	return nil
}

func seconds(args []string) error {
	v, err := strconv.ParseFloat(args[0], 64)
	if err != nil || v < 0 {
		return fmt.Errorf("%q is not a number of seconds", args[0])
	}
	return nil
}

func governanceType(args []string) error {
	_, err := governance.ParseType(args[0])
	return err
}

func validateTopic(args []string) error {
	topic, rest := splitTopic(args)
	if topic != "" && !state.IsGroupAttribute(topic) {
		return fmt.Errorf("unknown group attribute %q", topic)
	}
	if len(rest) == 0 {
		return fmt.Errorf("a question is required")
	}
	return nil
}

func validateValues(args []string) error {
	_, err := parseValues(args)
	return err
}

// splitTopic strips a leading --topic=<attribute> argument.
func splitTopic(args []string) (string, []string) {
	if len(args) > 0 && strings.HasPrefix(args[0], topicFlag) {
		return strings.ToLower(strings.TrimPrefix(args[0], topicFlag)), args[1:]
	}
	return "", args
}

func parseValues(args []string) (map[string]string, error) {
	values := make(map[string]string, len(args))
	for _, arg := range args {
		name, desc, ok := strings.Cut(arg, ":")
		if !ok {
			name, desc, ok = strings.Cut(arg, "=")
		}
		name, desc = strings.TrimSpace(name), strings.TrimSpace(desc)
		if !ok || name == "" || desc == "" {
			return nil, fmt.Errorf("value %q must look like \"Name: description\"", arg)
		}
		values[name] = desc
	}
	return values, nil
}

type handlers struct {
	svc Services
}

func (h handlers) say(ctx context.Context, inv action.Invocation, out chat.Outgoing) error {
	_, err := chat.Retry(ctx, chat.DefaultRetryAttempts, chat.DefaultRetryBackoff, func(ctx context.Context) (chat.Message, error) {
		return inv.Adapter.Post(ctx, inv.Channel, out)
	})
	return err
}

func (h handlers) post(ctx context.Context, inv action.Invocation, args []string) error {
	return h.say(ctx, inv, chat.Text(strings.Join(args, " ")))
}

func (h handlers) wait(ctx context.Context, _ action.Invocation, args []string) error {
	secs, _ := strconv.ParseFloat(args[0], 64)
	return sleep(ctx, time.Duration(secs*float64(time.Second)))
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (h handlers) collectSubmissions(ctx context.Context, inv action.Invocation, args []string) error {
	q := inv.Quest
	if q == nil {
		return errNoQuest
	}
	prompt := "Share your answer with -submit <text>."
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		prompt = args[0] + "\nReply with -submit <text>."
	}
	window := h.svc.SubmissionWindow
	if len(args) == 2 {
		secs, _ := strconv.ParseFloat(args[1], 64)
		window = time.Duration(secs * float64(time.Second))
	}
	q.ClearSubmissions()
	if err := h.say(ctx, inv, chat.WithEmbed(chat.InfoEmbed("Submissions are open", prompt))); err != nil {
		return err
	}

	deadline := time.NewTimer(window)
	defer deadline.Stop()
	ticker := time.NewTicker(h.svc.Tick)
	defer ticker.Stop()
wait:
	for !q.AllSubmitted() && !q.Quitted() {
		select {
		case <-ctx.Done():
			break wait
		case <-deadline.C:
			break wait
		case <-ticker.C:
		}
	}

	final := q.FinalizeSubmissions(h.svc.Placeholder)
	var b strings.Builder
	for _, p := range q.Players() {
		nick, _ := q.Nickname(p.ID)
		fmt.Fprintf(&b, "**%s**: %s\n", nick, final[p.ID])
	}
	return h.say(context.WithoutCancel(ctx), inv, chat.WithEmbed(chat.InfoEmbed("Submissions", strings.TrimSpace(b.String()))))
}

func (h handlers) runVote(ctx context.Context, inv action.Invocation, question string, options []string, topic string) (vote.Result, error) {
	req := vote.Request{
		Channel:  inv.State,
		Question: question,
		Options:  options,
		Timeout:  h.svc.VoteTimeout,
		Topic:    topic,
	}
	if inv.Quest != nil {
		req.Fast = inv.Quest.Options.Fast
		req.Solo = inv.Quest.Options.Solo
		inv.Quest.Touch()
	}
	res, err := h.svc.Votes.Run(ctx, req)
	if inv.Quest != nil && len(res.Votes) > 0 {
		inv.Quest.Touch()
	}
	return res, err
}

func (h handlers) vote(ctx context.Context, inv action.Invocation, args []string) error {
	topic, rest := splitTopic(args)
	if len(rest) < 2 {
		return fmt.Errorf("%w: a question and options are required", vote.ErrInvalidOptions)
	}
	_, err := h.runVote(ctx, inv, rest[0], rest[1:], topic)
	return err
}

func (h handlers) voteSubmissions(ctx context.Context, inv action.Invocation, args []string) error {
	q := inv.Quest
	if q == nil {
		return errNoQuest
	}
	topic, rest := splitTopic(args)
	subs := q.Submissions()
	seen := map[string]struct{}{}
	var options []string
	for _, p := range q.Players() {
		text := strings.TrimSpace(subs[p.ID])
		if text == "" || text == h.svc.Placeholder {
			continue
		}
		if _, dup := seen[text]; dup {
			continue
		}
		seen[text] = struct{}{}
		options = append(options, text)
	}
	if len(options) > vote.MaxOptions {
		options = options[:vote.MaxOptions]
	}
	if len(options) == 0 {
		return fmt.Errorf("%w: nobody submitted anything", vote.ErrInvalidOptions)
	}
	_, err := h.runVote(ctx, inv, rest[0], options, topic)
	return err
}

func (h handlers) voteGovernance(ctx context.Context, inv action.Invocation, args []string) error {
	if h.svc.Governance == nil {
		return fmt.Errorf("no governance store configured")
	}
	t, err := governance.ParseType(args[0])
	if err != nil {
		return err
	}
	catalogue, err := h.svc.Governance.ModulesOfType(t)
	if err != nil {
		return err
	}
	if len(catalogue) > vote.MaxOptions {
		catalogue = catalogue[:vote.MaxOptions]
	}
	options := make([]string, 0, len(catalogue))
	for _, m := range catalogue {
		options = append(options, m.Name)
	}
	question := fmt.Sprintf("Which %s module should we adopt?", t)
	res, err := h.runVote(ctx, inv, question, options, "")
	if err != nil {
		return err
	}
	var chosen governance.Module
	for _, m := range catalogue {
		if m.Name == res.Winner {
			chosen = m
			break
		}
	}
	stored, snapshot, err := h.svc.Governance.Add(chosen)
	if err != nil {
		return err
	}
	h.applyGovernance(ctx, inv, stored)

	out := chat.WithEmbed(chat.InfoEmbed("Governance updated", fmt.Sprintf("%s %s is now our %s module.", stored.Icon, stored.Name, stored.Type)))
	if snapshot != "" {
		out.Files = []chat.Attachment{{Name: "governance.png", Path: snapshot}}
	}
	return h.say(context.WithoutCancel(ctx), inv, out)
}

// applyGovernance turns an adopted module into channel rules when it names
// a known culture or decision module.
func (h handlers) applyGovernance(ctx context.Context, inv action.Invocation, m governance.Module) {
	switch m.Type {
	case governance.TypeCulture:
		if h.svc.Cultures == nil {
			return
		}
		info, changed, err := h.svc.Cultures.Activate(inv.State, m.Key)
		if err != nil {
			inv.Logger.Debug("governance culture has no transform", zap.String("key", m.Key))
			return
		}
		if changed && info.ActivationMessage != "" {
			if err := h.say(ctx, inv, chat.WithEmbed(chat.InfoEmbed(info.Name, info.ActivationMessage))); err != nil {
				inv.Logger.Warn("post culture activation", zap.String("key", m.Key), zap.Error(err))
			}
		}
	case governance.TypeDecision:
		if m.Key == decision.Random {
			inv.State.SetDecisionModule(m.Key)
			return
		}
		if _, ok := h.svc.Votes.Decisions().Lookup(m.Key); ok {
			inv.State.SetDecisionModule(m.Key)
		}
	}
}

func (h handlers) cultureToggle(ctx context.Context, inv action.Invocation, key string, on bool) error {
	if h.svc.Cultures == nil {
		return fmt.Errorf("no culture pipeline configured")
	}
	var (
		info    culture.Info
		changed bool
		err     error
	)
	if on {
		info, changed, err = h.svc.Cultures.Activate(inv.State, key)
	} else {
		info, changed, err = h.svc.Cultures.Deactivate(inv.State, key)
	}
	if err != nil || !changed {
		return err
	}
	text := info.DeactivationMessage
	if on {
		text = info.ActivationMessage
	}
	if text == "" {
		return nil
	}
	return h.say(ctx, inv, chat.WithEmbed(chat.InfoEmbed(info.Name, text)))
}

func (h handlers) activateCulture(ctx context.Context, inv action.Invocation, args []string) error {
	return h.cultureToggle(ctx, inv, args[0], true)
}

func (h handlers) deactivateCulture(ctx context.Context, inv action.Invocation, args []string) error {
	return h.cultureToggle(ctx, inv, args[0], false)
}

func (h handlers) obscurityMode(ctx context.Context, inv action.Invocation, args []string) error {
	mode, err := culture.ParseMode(args[0])
	if err != nil {
		return err
	}
	inv.State.SetObscurityMode(mode)
	return h.say(ctx, inv, chat.Text("Obscurity mode is now "+mode+"."))
}

func (h handlers) setDecision(ctx context.Context, inv action.Invocation, args []string) error {
	key := strings.ToLower(strings.TrimSpace(args[0]))
	if key != decision.Random {
		if _, ok := h.svc.Votes.Decisions().Lookup(key); !ok {
			return fmt.Errorf("unknown decision module %q", key)
		}
	}
	inv.State.SetDecisionModule(key)
	return h.say(ctx, inv, chat.Text("Decisions are now made by "+key+"."))
}

func (h handlers) proposeValues(ctx context.Context, inv action.Invocation, args []string) error {
	values, err := parseValues(args)
	if err != nil {
		return err
	}
	inv.State.ProposeValues(values)
	return h.say(ctx, inv, chat.WithEmbed(chat.InfoEmbed("Proposed values", culture.FormatValues(values)+"\nThey take effect after the next decided vote.")))
}

func (h handlers) showGovernance(ctx context.Context, inv action.Invocation, _ []string) error {
	if h.svc.Governance == nil {
		return fmt.Errorf("no governance store configured")
	}
	stack, err := h.svc.Governance.Current()
	if err != nil {
		return err
	}
	out := chat.WithEmbed(chat.InfoEmbed("Governance", stack.Render()))
	if len(stack.Modules) > 0 {
		if path, err := h.svc.Governance.Latest(); err == nil {
			out.Files = []chat.Attachment{{Name: "governance.png", Path: path}}
		}
	}
	return h.say(ctx, inv, out)
}

func (h handlers) quit(_ context.Context, inv action.Invocation, _ []string) error {
	if inv.Quest == nil {
		return errNoQuest
	}
	inv.Quest.Quit()
	return nil
}

func (h handlers) end(_ context.Context, inv action.Invocation, _ []string) error {
	if inv.Quest == nil {
		return errNoQuest
	}
	inv.Quest.Finish()
	inv.Quest.MarkProgress()
	return nil
}
