// Package runner drives a quest through its stages: render, dispatch the
// stage's actions, wait for progress or the stage deadline, then advance.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kingrea/agora/internal/action"
	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/metrics"
	"github.com/kingrea/agora/internal/quest"
	"github.com/kingrea/agora/internal/state"
)

// Defaults.
const (
	DefaultTick        = time.Second
	DefaultGameTimeout = 30 * time.Minute
	ClosingMessage     = "The quest has ended. Thank you for governing together."
)

// StageSource produces stages on demand. done reports that no stages remain.
type StageSource interface {
	Next(ctx context.Context, q *quest.Quest) (stage quest.Stage, done bool, err error)
}

// Media renders the optional illustration and narration of a stage.
type Media interface {
	Attachments(ctx context.Context, q *quest.Quest, stage quest.Stage) ([]chat.Attachment, error)
}

// Journal records quest progress for the session.
type Journal interface {
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Runner executes quests.
type Runner struct {
	adapter      chat.Adapter
	actions      *action.Registry
	predicates   *Predicates
	states       *state.Registry
	generator    StageSource
	generators   func(*quest.Quest) StageSource
	media        Media
	journal      Journal
	logger       *zap.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	tick         time.Duration
	minute       time.Duration
	fetchBackoff time.Duration
	gameTimeout  time.Duration
}

// Option customizes a Runner.
type Option func(*Runner)

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records stage outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Runner) { r.metrics = m }
}

// WithJournal records quest progress.
func WithJournal(j Journal) Option {
	return func(r *Runner) { r.journal = j }
}

// WithGenerator sets the source of stages for LLM quests.
func WithGenerator(g StageSource) Option {
	return func(r *Runner) { r.generator = g }
}

// WithGeneratorFactory builds a fresh stage source per LLM quest so chat
// histories are not shared between quests.
func WithGeneratorFactory(fn func(*quest.Quest) StageSource) Option {
	return func(r *Runner) { r.generators = fn }
}

// WithMedia enables stage illustrations and narration.
func WithMedia(m Media) Option {
	return func(r *Runner) { r.media = m }
}

// WithPredicates replaces the progress condition registry.
func WithPredicates(p *Predicates) Option {
	return func(r *Runner) {
		if p != nil {
			r.predicates = p
		}
	}
}

// WithClock overrides the clock used for inactivity checks.
func WithClock(clock func() time.Time) Option {
	return func(r *Runner) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithTick sets how often progress conditions are evaluated.
func WithTick(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.tick = d
		}
	}
}

// WithMinute scales timeout_mins. Tests shrink it.
func WithMinute(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.minute = d
		}
	}
}

// WithFetchBackoff sets the pause between last-message fetch attempts.
func WithFetchBackoff(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.fetchBackoff = d
		}
	}
}

// WithGameTimeout aborts quests idle for longer than d. Zero disables it.
func WithGameTimeout(d time.Duration) Option {
	return func(r *Runner) { r.gameTimeout = d }
}

// New returns a runner dispatching through actions.
func New(adapter chat.Adapter, actions *action.Registry, states *state.Registry, opts ...Option) *Runner {
	r := &Runner{
		adapter:      adapter,
		actions:      actions,
		predicates:   DefaultPredicates(),
		states:       states,
		logger:       zap.NewNop(),
		now:          time.Now,
		tick:         DefaultTick,
		minute:       time.Minute,
		fetchBackoff: chat.DefaultRetryBackoff,
		gameTimeout:  DefaultGameTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Predicates exposes the progress condition registry.
func (r *Runner) Predicates() *Predicates {
	return r.predicates
}

// Validate checks every action and progress condition of an authored quest
// against the registries.
func (r *Runner) Validate(spec quest.Spec) error {
	return Preflight(spec.Game.Stages, r.actions, r.predicates)
}

// Preflight checks stage lines against the given registries.
func Preflight(stages []quest.Stage, actions *action.Registry, predicates *Predicates) error {
	var errs []error
	for _, stage := range stages {
		for i, a := range stage.Actions {
			if err := actions.ValidateLine(a.Line); err != nil {
				errs = append(errs, fmt.Errorf("stage %s action[%d]: %w", stage.Name, i, err))
			}
		}
		for i, c := range stage.ProgressConditions {
			if err := predicates.ValidateLine(c.Line); err != nil {
				errs = append(errs, fmt.Errorf("stage %s progress_condition[%d]: %w", stage.Name, i, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Run plays q in its game channel until the stages run out, an action ends
// the quest, or the quest aborts.
func (r *Runner) Run(ctx context.Context, q *quest.Quest) error {
	channel := q.GameChannel()
	if channel == "" {
		return fmt.Errorf("runner: quest %s has no game channel", q.Title)
	}
	gen := r.generator
	if r.generators != nil {
		gen = r.generators(q)
	}
	if q.IsLLM() && gen == nil {
		return fmt.Errorf("runner: quest %s needs a stage generator", q.Title)
	}
	if !q.IsLLM() {
		if err := Preflight(q.Stages, r.actions, r.predicates); err != nil {
			return fmt.Errorf("runner: quest %s: %w", q.Title, err)
		}
	}
	st := r.states.Channel(channel)
	q.Touch()

	r.journalInfo("quest %q started in %s (%s)", q.Title, channel, q.Mode)
	r.logger.Info("quest started", zap.String("title", q.Title), zap.String("mode", q.Mode), zap.String("channel", string(channel)))
	intro := chat.InfoEmbed(q.Title, q.Intro)
	if _, err := r.post(ctx, channel, chat.WithEmbed(intro)); err != nil {
		return fmt.Errorf("runner: post intro: %w", err)
	}

	err := r.play(ctx, q, st, gen)
	closeCtx := context.WithoutCancel(ctx)
	switch {
	case err == nil:
		r.journalInfo("quest %q finished", q.Title)
		if _, perr := r.post(closeCtx, channel, chat.WithEmbed(chat.InfoEmbed(q.Title, ClosingMessage))); perr != nil {
			r.logger.Warn("post closing message", zap.Error(perr))
		}
	case errors.Is(err, quest.ErrQuit):
		r.journalWarn("quest %q quit", q.Title)
		r.postQuietly(closeCtx, channel, chat.WithEmbed(chat.InfoEmbed(q.Title, "The quest was abandoned.")))
	case errors.Is(err, quest.ErrInactive):
		r.journalWarn("quest %q closed for inactivity", q.Title)
		r.postQuietly(closeCtx, channel, chat.WithEmbed(chat.ErrorEmbed(q.Title, "The quest was closed after a long silence.")))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		r.journalWarn("quest %q interrupted", q.Title)
	default:
		r.journalError("quest %q failed: %v", q.Title, err)
		r.postQuietly(closeCtx, channel, chat.WithEmbed(chat.ErrorEmbed(q.Title, "The quest cannot continue.")))
	}
	r.logger.Info("quest stopped", zap.String("title", q.Title), zap.Error(err))
	return err
}

func (r *Runner) play(ctx context.Context, q *quest.Quest, st *state.ChannelState, gen StageSource) error {
	for index := 0; ; index++ {
		if q.Quitted() {
			return quest.ErrQuit
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		var stage quest.Stage
		if q.IsLLM() {
			next, done, err := gen.Next(ctx, q)
			if err != nil {
				return fmt.Errorf("runner: generate stage %d: %w", index+1, err)
			}
			if done {
				return nil
			}
			stage = next
		} else {
			if index >= len(q.Stages) {
				return nil
			}
			stage = q.Stages[index]
		}
		outcome, err := r.runStage(ctx, q, st, stage)
		r.metrics.StageFinished(outcome)
		if err != nil {
			return err
		}
		r.journalInfo("stage %q %s", stage.Name, outcome)
		if q.Finished() {
			return nil
		}
	}
}

func (r *Runner) runStage(ctx context.Context, q *quest.Quest, st *state.ChannelState, stage quest.Stage) (string, error) {
	q.ResetProgress()
	stageCtx := ctx
	if timeout := stage.Timeout(r.minute); timeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	logger := r.logger.With(zap.String("quest", q.Title), zap.String("stage", stage.Name))
	logger.Info("stage started")

	if err := r.render(stageCtx, q, stage); err != nil {
		return "failed", err
	}

	actionCtx, stopActions := untilQuit(stageCtx, q)
	defer stopActions()
	for _, a := range stage.Actions {
		if err := r.dispatch(ctx, actionCtx, q, st, a, logger); err != nil {
			if errors.Is(err, quest.ErrQuit) {
				return "quit", err
			}
			if stageCtx.Err() != nil && ctx.Err() == nil {
				logger.Info("stage timed out during actions", zap.Error(err))
				return "timeout", nil
			}
			return "failed", err
		}
		if q.Quitted() {
			return "quit", quest.ErrQuit
		}
		if q.Finished() {
			return "ended", nil
		}
	}

	return r.wait(ctx, stageCtx, q, st, stage)
}

func (r *Runner) render(ctx context.Context, q *quest.Quest, stage quest.Stage) error {
	out := chat.WithEmbed(chat.InfoEmbed(stage.Name, stage.Message))
	if stage.ImagePath != "" {
		out.Files = append(out.Files, chat.Attachment{Name: "stage.png", Path: stage.ImagePath})
	}
	if r.media != nil && (q.Options.Images || q.Options.Audio) {
		files, err := r.media.Attachments(ctx, q, stage)
		if err != nil {
			r.logger.Warn("render stage media", zap.String("stage", stage.Name), zap.Error(err))
		}
		out.Files = append(out.Files, files...)
	}
	if _, err := r.post(ctx, q.GameChannel(), out); err != nil {
		return fmt.Errorf("runner: render stage %s: %w", stage.Name, err)
	}
	return nil
}

// dispatch runs one action with its retry policy. The quest context posts
// failure notices even after the stage deadline passed.
func (r *Runner) dispatch(ctx, stageCtx context.Context, q *quest.Quest, st *state.ChannelState, a quest.Action, logger *zap.Logger) error {
	channel := q.GameChannel()
	attempts := a.Retries + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		inv := action.Invocation{
			Adapter: r.adapter,
			Channel: channel,
			State:   st,
			Quest:   q,
			Message: r.bind(stageCtx, channel, logger),
			Logger:  logger,
		}
		lastErr = r.actions.Dispatch(stageCtx, inv, a.Line, !q.IsLLM())
		if lastErr == nil {
			return nil
		}
		if q.Quitted() {
			logger.Info("action interrupted by quit", zap.String("action", a.Line), zap.Error(lastErr))
			return quest.ErrQuit
		}
		if stageCtx.Err() != nil {
			return lastErr
		}
		logger.Warn("action failed", zap.String("action", a.Line), zap.Int("attempt", attempt), zap.Int("attempts", attempts), zap.Error(lastErr))
		if attempt < attempts && a.RetryMessage != "" {
			r.postQuietly(ctx, channel, chat.Text(a.RetryMessage))
		}
	}
	if a.FailureMessage != "" {
		r.postQuietly(ctx, channel, chat.Text(a.FailureMessage))
	}
	if a.SoftFailure != "" {
		r.postQuietly(ctx, channel, chat.Text(a.SoftFailure))
		r.journalWarn("action %q failed softly: %v", a.Line, lastErr)
		return nil
	}
	return fmt.Errorf("runner: action %q failed after %d attempts: %w", a.Line, attempts, lastErr)
}

// untilQuit derives a context that is also cancelled when the quest quits,
// so an open vote or wait closes as soon as a player leaves.
func untilQuit(parent context.Context, q *quest.Quest) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-q.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// bind fetches the channel's last message so a handler has a chat context.
func (r *Runner) bind(ctx context.Context, channel chat.ChannelID, logger *zap.Logger) chat.Message {
	msg, err := chat.Retry(ctx, chat.DefaultRetryAttempts, r.fetchBackoff, func(ctx context.Context) (chat.Message, error) {
		return r.adapter.FetchLastMessage(ctx, channel)
	})
	if err != nil {
		logger.Warn("fetch last message", zap.Error(err))
		return chat.Message{Channel: channel}
	}
	return msg
}

func (r *Runner) wait(ctx, stageCtx context.Context, q *quest.Quest, st *state.ChannelState, stage quest.Stage) (string, error) {
	timed := stage.Timeout(r.minute) > 0
	if len(stage.ProgressConditions) == 0 && !timed {
		return "completed", nil
	}
	env := Env{Quest: q, State: st, Adapter: r.adapter}
	ticker := time.NewTicker(r.tick)
	defer ticker.Stop()
	for {
		if q.Quitted() {
			return "quit", quest.ErrQuit
		}
		if q.ProgressCompleted() {
			return "completed", nil
		}
		if len(stage.ProgressConditions) > 0 && r.conditionsMet(stageCtx, env, stage) {
			q.MarkProgress()
			return "completed", nil
		}
		if r.gameTimeout > 0 && r.now().Sub(q.LastActivity()) > r.gameTimeout {
			return "inactive", quest.ErrInactive
		}
		select {
		case <-stageCtx.Done():
			if err := ctx.Err(); err != nil {
				return "cancelled", err
			}
			return "timeout", nil
		case <-q.Done():
		case <-ticker.C:
		}
	}
}

// conditionsMet reports whether every progress condition holds.
func (r *Runner) conditionsMet(ctx context.Context, env Env, stage quest.Stage) bool {
	for _, c := range stage.ProgressConditions {
		ok, err := r.predicates.Evaluate(ctx, env, c.Line)
		if err != nil {
			r.logger.Warn("progress condition", zap.String("condition", c.Line), zap.Error(err))
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func (r *Runner) post(ctx context.Context, channel chat.ChannelID, out chat.Outgoing) (chat.Message, error) {
	return chat.Retry(ctx, chat.DefaultRetryAttempts, r.fetchBackoff, func(ctx context.Context) (chat.Message, error) {
		return r.adapter.Post(ctx, channel, out)
	})
}

func (r *Runner) postQuietly(ctx context.Context, channel chat.ChannelID, out chat.Outgoing) {
	if _, err := r.post(ctx, channel, out); err != nil {
		r.logger.Warn("post", zap.Error(err))
	}
}

func (r *Runner) journalInfo(format string, args ...any) {
	if r.journal != nil {
		r.journal.Info(format, args...)
	}
}

func (r *Runner) journalWarn(format string, args ...any) {
	if r.journal != nil {
		r.journal.Warn(format, args...)
	}
}

func (r *Runner) journalError(format string, args ...any) {
	if r.journal != nil {
		r.journal.Error(format, args...)
	}
}
