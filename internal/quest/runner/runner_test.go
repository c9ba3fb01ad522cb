package runner

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kingrea/agora/internal/action"
	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/chat/memchat"
	"github.com/kingrea/agora/internal/decision"
	"github.com/kingrea/agora/internal/quest"
	"github.com/kingrea/agora/internal/state"
	"github.com/kingrea/agora/internal/vote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type harness struct {
	adapter *memchat.Adapter
	channel chat.ChannelID
	actions *action.Registry
	states  *state.Registry
	failing atomic.Int32
	posted  atomic.Int32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		adapter: memchat.New(chat.User{ID: "bot", Name: "agora"}),
		actions: action.NewRegistry(),
		states:  state.NewRegistry(nil),
	}
	h.channel = h.adapter.AddChannel("quest", chat.User{ID: "p1", Name: "ada"})
	h.actions.MustRegister("flaky", action.Spec{Handler: func(context.Context, action.Invocation, []string) error {
		h.failing.Add(1)
		return errors.New("platform hiccup")
	}})
	h.actions.MustRegister("say", action.Spec{MinArgs: 1, MaxArgs: 1, Handler: func(ctx context.Context, inv action.Invocation, args []string) error {
		h.posted.Add(1)
		_, err := inv.Adapter.Post(ctx, inv.Channel, chat.Text(args[0]))
		return err
	}})
	h.actions.MustRegister("quit", action.Spec{Handler: func(_ context.Context, inv action.Invocation, _ []string) error {
		inv.Quest.Quit()
		return nil
	}})
	return h
}

func (h *harness) quest(stages ...quest.Stage) *quest.Quest {
	q := quest.New("test", quest.Spec{Game: quest.Game{Title: "Trial", Intro: "Begin.", Stages: stages}}, quest.Options{}, chat.User{}, nil, nil)
	q.SetGameChannel(h.channel)
	return q
}

func (h *harness) runner(opts ...Option) *Runner {
	base := []Option{WithTick(5 * time.Millisecond), WithFetchBackoff(time.Millisecond), WithMinute(200 * time.Millisecond)}
	return New(h.adapter, h.actions, h.states, append(base, opts...)...)
}

func (h *harness) contains(text string) bool {
	for _, m := range h.adapter.Messages(h.channel) {
		if strings.Contains(m.Content, text) {
			return true
		}
		for _, e := range m.Embeds {
			if strings.Contains(e.Description, text) {
				return true
			}
		}
	}
	return false
}

func TestRetryExhaustionAborts(t *testing.T) {
	h := newHarness(t)
	q := h.quest(
		quest.Stage{Name: "one", Actions: []quest.Action{{
			Line:           "flaky",
			Retries:        2,
			RetryMessage:   "Trying again.",
			FailureMessage: "It did not work.",
		}}},
		quest.Stage{Name: "two", Actions: []quest.Action{{Line: "say unreachable"}}},
	)
	err := h.runner().Run(context.Background(), q)
	require.Error(t, err)
	assert.EqualValues(t, 3, h.failing.Load())
	assert.True(t, h.contains("It did not work."))
	assert.Equal(t, 2, strings.Count(strings.Join(h.adapter.Contents(h.channel), "\n"), "Trying again."))
	assert.Zero(t, h.posted.Load(), "the quest must abort before stage two")
}

func TestSoftFailureContinues(t *testing.T) {
	h := newHarness(t)
	q := h.quest(
		quest.Stage{Name: "one", Actions: []quest.Action{{
			Line:           "flaky",
			Retries:        2,
			FailureMessage: "It did not work.",
			SoftFailure:    "Moving on regardless.",
		}}},
		quest.Stage{Name: "two", Actions: []quest.Action{{Line: "say reached"}}},
	)
	require.NoError(t, h.runner().Run(context.Background(), q))
	assert.EqualValues(t, 3, h.failing.Load())
	assert.True(t, h.contains("Moving on regardless."))
	assert.True(t, h.contains("reached"))
	assert.True(t, h.contains(ClosingMessage))
}

func TestStageTimeoutAdvancesWithoutProgress(t *testing.T) {
	h := newHarness(t)
	q := h.quest(
		quest.Stage{
			Name:               "slow",
			ProgressConditions: []quest.ProgressCondition{{Line: `decision_made "never asked"`}},
			TimeoutMins:        1,
		},
		quest.Stage{Name: "after", Actions: []quest.Action{{Line: "say advanced"}}},
	)
	start := time.Now()
	require.NoError(t, h.runner().Run(context.Background(), q))
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 200*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
	assert.True(t, h.contains("advanced"))
}

func TestProgressConditionsShortCircuit(t *testing.T) {
	h := newHarness(t)
	q := h.quest(quest.Stage{
		Name:               "gather",
		ProgressConditions: []quest.ProgressCondition{{Line: "min_players 1"}, {Line: "messages_at_least 0"}},
		TimeoutMins:        100,
	})
	_, err := q.Join(chat.User{ID: "p1"})
	require.NoError(t, err)
	done := make(chan error, 1)
	go func() { done <- h.runner().Run(context.Background(), q) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stage did not advance once its conditions held")
	}
	assert.True(t, q.ProgressCompleted())
}

func TestQuitAborts(t *testing.T) {
	h := newHarness(t)
	q := h.quest(
		quest.Stage{Name: "one", Actions: []quest.Action{{Line: "quit"}}},
		quest.Stage{Name: "two", Actions: []quest.Action{{Line: "say unreachable"}}},
	)
	err := h.runner().Run(context.Background(), q)
	assert.ErrorIs(t, err, quest.ErrQuit)
	assert.Zero(t, h.posted.Load())
}

func TestQuitClosesAnOpenVote(t *testing.T) {
	h := newHarness(t)
	votes := vote.NewEngine(h.adapter, decision.DefaultRegistry(), vote.WithTick(5*time.Millisecond))
	h.actions.MustRegister("ballot", action.Spec{MinArgs: 2, MaxArgs: action.Unbounded, Handler: func(ctx context.Context, inv action.Invocation, args []string) error {
		_, err := votes.Run(ctx, vote.Request{Channel: inv.State, Question: args[0], Options: args[1:], Timeout: 3 * time.Second})
		return err
	}})
	q := h.quest(
		quest.Stage{Name: "pick", Actions: []quest.Action{{Line: `ballot "pick" x y`, Retries: 1}}},
		quest.Stage{Name: "two", Actions: []quest.Action{{Line: "say unreachable"}}},
	)
	go func() {
		time.Sleep(100 * time.Millisecond)
		q.Quit()
	}()

	start := time.Now()
	err := h.runner().Run(context.Background(), q)
	assert.ErrorIs(t, err, quest.ErrQuit)
	assert.Less(t, time.Since(start), 2*time.Second)
	assert.True(t, h.contains("The quest was abandoned."))
	assert.False(t, h.contains("The quest cannot continue."))
	assert.Zero(t, h.posted.Load())
}

func TestInactivityAborts(t *testing.T) {
	h := newHarness(t)
	now := time.Now()
	clock := func() time.Time { return now.Add(time.Hour) }
	q := h.quest(quest.Stage{Name: "idle", ProgressConditions: []quest.ProgressCondition{{Line: "all_submitted"}}})
	err := h.runner(WithClock(clock), WithGameTimeout(time.Minute)).Run(context.Background(), q)
	assert.ErrorIs(t, err, quest.ErrInactive)
}

func TestUnknownVerbsAreFatalInAuthoredQuests(t *testing.T) {
	h := newHarness(t)
	q := h.quest(quest.Stage{Name: "one", Actions: []quest.Action{{Line: "dance"}}})
	err := h.runner().Run(context.Background(), q)
	assert.ErrorIs(t, err, action.ErrUnknownAction)
	assert.Empty(t, h.adapter.Messages(h.channel), "preflight runs before anything is posted")
}

func TestBindingRetriesFetch(t *testing.T) {
	h := newHarness(t)
	var bound chat.Message
	h.actions.MustRegister("capture", action.Spec{Handler: func(_ context.Context, inv action.Invocation, _ []string) error {
		bound = inv.Message
		return nil
	}})
	h.adapter.FailNextFetches(2)
	q := h.quest(quest.Stage{Name: "one", Message: "Hello", Actions: []quest.Action{{Line: "capture"}}})
	require.NoError(t, h.runner().Run(context.Background(), q))
	require.NotEmpty(t, bound.ID)
	require.Len(t, bound.Embeds, 1)
	assert.Equal(t, "Hello", bound.Embeds[0].Description)
}

type scriptedStages struct {
	stages []quest.Stage
	calls  int
}

func (s *scriptedStages) Next(context.Context, *quest.Quest) (quest.Stage, bool, error) {
	if s.calls >= len(s.stages) {
		return quest.Stage{}, true, nil
	}
	s.calls++
	return s.stages[s.calls-1], false, nil
}

func TestGeneratedStagesSkipUnknownVerbs(t *testing.T) {
	h := newHarness(t)
	q := quest.New(quest.ModeLLM, quest.Spec{}, quest.Options{}, chat.User{}, nil, nil)
	q.SetGameChannel(h.channel)
	gen := &scriptedStages{stages: []quest.Stage{
		{Name: "one", Actions: []quest.Action{{Line: "improvise wildly"}}},
		{Name: "two", Actions: []quest.Action{{Line: "say done"}}},
	}}
	require.NoError(t, h.runner(WithGenerator(gen)).Run(context.Background(), q))
	assert.Equal(t, 2, gen.calls)
	assert.True(t, h.contains("done"))
}

func TestPreflightReportsEveryProblem(t *testing.T) {
	h := newHarness(t)
	err := Preflight([]quest.Stage{{
		Name:               "bad",
		Actions:            []quest.Action{{Line: "dance"}, {Line: "say"}},
		ProgressConditions: []quest.ProgressCondition{{Line: "group_attribute_set colour"}, {Line: "whenever"}},
	}}, h.actions, DefaultPredicates())
	require.Error(t, err)
	for _, want := range []string{"action[0]", "action[1]", "progress_condition[0]", "progress_condition[1]"} {
		assert.Contains(t, err.Error(), want)
	}
}
