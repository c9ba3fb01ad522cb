// Package vote runs bounded polls in a channel and applies the winning
// option's effects to the channel state.
package vote

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/decision"
	"github.com/kingrea/agora/internal/metrics"
	"github.com/kingrea/agora/internal/state"
)

var (
	// ErrNoWinner is returned when the decision module finds no winner. The
	// results are still posted and returned.
	ErrNoWinner = errors.New("vote: no winner")
	// ErrVoteInProgress is returned when the channel already has an open vote.
	ErrVoteInProgress = errors.New("vote: a vote is already open in this channel")
	// ErrInvalidOptions is returned for an empty, oversized or duplicated option list.
	ErrInvalidOptions = errors.New("vote: invalid options")
)

// Timing defaults.
const (
	DefaultTimeout   = 60 * time.Second
	FastTimeout      = 7 * time.Second
	ExtensionLead    = 45 * time.Second
	ExtensionAmount  = 60 * time.Second
	DefaultTick      = time.Second
	MaxOptions       = 10
	submitButton     = "submit"
	extendButton     = "extend"
	declineButton    = "no_need"
	alreadyVotedText = "You have already voted."
)

// Journal receives decisions for the session record.
type Journal interface {
	Decision(question, decision, module string)
}

// Request describes a vote to open.
type Request struct {
	Channel  *state.ChannelState
	Question string
	Options  []string
	// Timeout defaults to DefaultTimeout; Fast overrides it with FastTimeout.
	Timeout time.Duration
	// Topic names a group attribute slot the winner fills, if any.
	Topic string
	// DecisionModule overrides the channel's module; "random" picks one.
	DecisionModule string
	Solo           bool
	Fast           bool
}

// Result is the outcome of a closed vote.
type Result struct {
	Question  string
	Options   []string
	Module    decision.Module
	Tally     decision.Tally
	Votes     map[chat.UserID]string
	Eligible  int
	Winner    string
	HasWinner bool
	Opened    time.Time
	Deadline  time.Time
	Closed    time.Time
	Extended  int
	// Reason is why the vote closed: "all_voted", "timeout" or "cancelled".
	Reason string
}

// Engine opens votes through a chat adapter.
type Engine struct {
	adapter   chat.Adapter
	decisions *decision.Registry
	logger    *zap.Logger
	metrics   *metrics.Metrics
	journal   Journal
	rng       *rand.Rand
	now       func() time.Time
	tick      time.Duration
	lead      time.Duration
	extension time.Duration
	fast      time.Duration
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics attaches metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithJournal records winning decisions.
func WithJournal(j Journal) Option {
	return func(e *Engine) { e.journal = j }
}

// WithRand drives the "random" decision module choice.
func WithRand(rng *rand.Rand) Option {
	return func(e *Engine) { e.rng = rng }
}

// WithClock overrides the wall clock.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) {
		if clock != nil {
			e.now = clock
		}
	}
}

// WithTick sets how often the vote loop checks its deadlines.
func WithTick(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.tick = d
		}
	}
}

// WithExtension sets when the extension prompt appears before the deadline
// and how much time an extension adds.
func WithExtension(lead, amount time.Duration) Option {
	return func(e *Engine) {
		if lead > 0 {
			e.lead = lead
		}
		if amount > 0 {
			e.extension = amount
		}
	}
}

// WithFastTimeout overrides the fast-mode timeout.
func WithFastTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.fast = d
		}
	}
}

// NewEngine returns an engine posting through adapter.
func NewEngine(adapter chat.Adapter, decisions *decision.Registry, opts ...Option) *Engine {
	e := &Engine{
		adapter:   adapter,
		decisions: decisions,
		logger:    zap.NewNop(),
		now:       time.Now,
		tick:      DefaultTick,
		lead:      ExtensionLead,
		extension: ExtensionAmount,
		fast:      FastTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.decisions == nil {
		e.decisions = decision.DefaultRegistry()
	}
	return e
}

// Decisions exposes the decision module registry.
func (e *Engine) Decisions() *decision.Registry {
	return e.decisions
}

// ValidateOptions checks the option list for a vote.
func ValidateOptions(options []string, solo bool) error {
	if len(options) == 0 {
		return fmt.Errorf("%w: at least one option is required", ErrInvalidOptions)
	}
	if len(options) > MaxOptions {
		return fmt.Errorf("%w: at most %d options are allowed, got %d", ErrInvalidOptions, MaxOptions, len(options))
	}
	if !solo && len(options) < 2 {
		return fmt.Errorf("%w: at least two options are required", ErrInvalidOptions)
	}
	seen := map[string]struct{}{}
	for _, option := range options {
		trimmed := strings.TrimSpace(option)
		if trimmed == "" {
			return fmt.Errorf("%w: options must not be blank", ErrInvalidOptions)
		}
		if _, dup := seen[trimmed]; dup {
			return fmt.Errorf("%w: %q is listed twice", ErrInvalidOptions, trimmed)
		}
		seen[trimmed] = struct{}{}
	}
	return nil
}

// Run opens the vote, waits until it closes and applies the outcome. A vote
// closes when every eligible member has submitted, when its deadline passes,
// or when ctx is cancelled; in every case the current tally is aggregated.
func (e *Engine) Run(ctx context.Context, req Request) (Result, error) {
	if req.Channel == nil {
		return Result{}, fmt.Errorf("vote: channel state is required")
	}
	options := make([]string, 0, len(req.Options))
	for _, option := range req.Options {
		options = append(options, strings.TrimSpace(option))
	}
	if err := ValidateOptions(options, req.Solo); err != nil {
		return Result{}, err
	}
	module, err := e.decisions.Resolve(req.DecisionModule, req.Channel.DecisionModule(), e.rng)
	if err != nil {
		return Result{}, fmt.Errorf("vote: %w", err)
	}
	if !req.Channel.BeginVote() {
		return Result{}, ErrVoteInProgress
	}
	defer req.Channel.EndVote()

	channelID := req.Channel.ID
	members, err := chat.Retry(ctx, chat.DefaultRetryAttempts, chat.DefaultRetryBackoff, func(ctx context.Context) ([]chat.Member, error) {
		return e.adapter.ListMembers(ctx, channelID)
	})
	if err != nil {
		return Result{}, fmt.Errorf("vote: list members: %w", err)
	}
	eligible := map[chat.UserID]struct{}{}
	for _, m := range members {
		if !m.Bot {
			eligible[m.ID] = struct{}{}
		}
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if req.Fast {
		timeout = e.fast
	}

	opened := e.now()
	b := newBallot(options, eligible, opened.Add(timeout))
	view := e.ballotView(req.Question, module, options, b, timeout)
	voteMsg, err := e.adapter.PresentView(ctx, channelID, view)
	if err != nil {
		return Result{}, fmt.Errorf("vote: present ballot: %w", err)
	}
	e.metrics.VoteOpened(module.Key)
	e.logger.Info("vote opened",
		zap.String("channel", string(channelID)),
		zap.String("question", req.Question),
		zap.String("module", module.Key),
		zap.Int("eligible", len(eligible)),
		zap.Duration("timeout", timeout),
	)

	reason, extensionMsg := e.wait(ctx, channelID, req.Question, b, opened, timeout)

	// The vote message outlives ctx; close it with a detached context.
	closeCtx := context.WithoutCancel(ctx)
	closed := view
	closed.Options = nil
	closed.Buttons = []chat.Button{{ID: submitButton, Label: "Voting closed", Disabled: true}}
	if err := e.adapter.UpdateView(closeCtx, voteMsg, closed); err != nil {
		e.logger.Warn("close ballot view", zap.Error(err))
	}
	if extensionMsg != nil {
		e.disableExtension(closeCtx, *extensionMsg)
	}

	result := Result{
		Question: req.Question,
		Options:  options,
		Module:   module,
		Eligible: len(eligible),
		Opened:   opened,
		Closed:   e.now(),
		Reason:   reason,
	}
	result.Votes, result.Deadline, result.Extended = b.snapshot()
	result.Tally = decision.Tally{}
	for _, option := range options {
		result.Tally[option] = 0
	}
	for _, choice := range result.Votes {
		result.Tally[choice]++
	}
	result.Winner, result.HasWinner = module.Aggregate(result.Tally)
	e.metrics.VoteClosed(module.Key, result.HasWinner)

	if result.HasWinner {
		e.applyWinner(req, result)
	}
	if _, err := e.adapter.Post(closeCtx, channelID, chat.WithEmbed(ResultsEmbed(result))); err != nil {
		e.logger.Warn("post vote results", zap.Error(err))
	}
	e.logger.Info("vote closed",
		zap.String("channel", string(channelID)),
		zap.String("question", req.Question),
		zap.String("reason", reason),
		zap.String("winner", result.Winner),
		zap.Bool("has_winner", result.HasWinner),
	)
	if !result.HasWinner {
		return result, ErrNoWinner
	}
	return result, nil
}

func (e *Engine) wait(ctx context.Context, channel chat.ChannelID, question string, b *ballot, opened time.Time, timeout time.Duration) (string, *chat.Message) {
	ticker := time.NewTicker(e.tick)
	defer ticker.Stop()
	var extensionMsg *chat.Message
	prompted := false
	for {
		if b.complete() {
			return "all_voted", extensionMsg
		}
		now := e.now()
		if !prompted && timeout > e.lead && !now.Before(opened.Add(timeout-e.lead)) {
			prompted = true
			if msg, err := e.promptExtension(ctx, channel, question, b); err != nil {
				e.logger.Warn("present extension prompt", zap.Error(err))
			} else {
				extensionMsg = &msg
			}
		}
		if !now.Before(b.deadlineAt()) {
			return "timeout", extensionMsg
		}
		select {
		case <-ctx.Done():
			return "cancelled", extensionMsg
		case <-b.voted:
		case <-ticker.C:
		}
	}
}

func (e *Engine) applyWinner(req Request, result Result) {
	st := req.Channel
	st.RecordDecision(state.Decision{
		Question: req.Question,
		Decision: result.Winner,
		Module:   result.Module.Key,
		At:       result.Closed,
	})
	if req.Topic != "" && state.IsGroupAttribute(req.Topic) {
		st.SetGroupAttribute(req.Topic, result.Winner)
	}
	if n := st.PromoteProposedValues(); n > 0 {
		e.logger.Info("proposed values promoted", zap.Int("count", n))
	}
	if e.journal != nil {
		e.journal.Decision(req.Question, result.Winner, result.Module.Key)
	}
}
