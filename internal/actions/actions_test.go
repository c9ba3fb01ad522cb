package actions

import (
	"context"
	"errors"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kingrea/agora/internal/action"
	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/chat/memchat"
	"github.com/kingrea/agora/internal/culture"
	"github.com/kingrea/agora/internal/decision"
	"github.com/kingrea/agora/internal/governance"
	"github.com/kingrea/agora/internal/quest"
	"github.com/kingrea/agora/internal/quest/runner"
	"github.com/kingrea/agora/internal/state"
	"github.com/kingrea/agora/internal/vote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const cultureCatalogue = `modules:
  - name: Assembly
    icon: "🏛️"
  - name: Eloquence
    key: eloquence
    icon: "📜"
`

type env struct {
	adapter *memchat.Adapter
	channel chat.ChannelID
	states  *state.Registry
	state   *state.ChannelState
	store   *governance.Store
	players []chat.User
	reg     *action.Registry
	quest   *quest.Quest
}

func newEnv(t *testing.T) *env {
	t.Helper()
	root := t.TempDir()
	catalogue := filepath.Join(root, "catalogue")
	require.NoError(t, os.MkdirAll(catalogue, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(catalogue, "culture.yaml"), []byte(cultureCatalogue), 0o644))

	e := &env{
		adapter: memchat.New(chat.User{ID: "bot", Name: "agora", Bot: true}),
		states:  state.NewRegistry(nil),
		store:   governance.NewStore(filepath.Join(root, "run"), catalogue),
		players: []chat.User{{ID: "p1", Name: "ada"}, {ID: "p2", Name: "bo"}, {ID: "p3", Name: "cy"}},
	}
	e.channel = e.adapter.AddChannel("quest", e.players...)
	e.state = e.states.Channel(e.channel)
	engine := vote.NewEngine(e.adapter, decision.DefaultRegistry(), vote.WithTick(5*time.Millisecond))
	pipeline := culture.NewPipeline(culture.DefaultRegistry(nil, rand.New(rand.NewPCG(1, 2))))
	reg, err := NewRegistry(Services{
		Votes:       engine,
		Governance:  e.store,
		Cultures:    pipeline,
		VoteTimeout: 30 * time.Second,
		Tick:        5 * time.Millisecond,
	})
	require.NoError(t, err)
	e.reg = reg
	e.quest = quest.New("test", quest.Spec{}, quest.Options{}, chat.User{}, nil, nil)
	e.quest.SetGameChannel(e.channel)
	for _, p := range e.players {
		_, err := e.quest.Join(p)
		require.NoError(t, err)
	}
	return e
}

func (e *env) dispatch(ctx context.Context, line string) error {
	inv := action.Invocation{Adapter: e.adapter, Channel: e.channel, State: e.state, Quest: e.quest}
	return e.reg.Dispatch(ctx, inv, line, true)
}

func (e *env) ballot(t *testing.T) chat.MessageID {
	t.Helper()
	var id chat.MessageID
	require.Eventually(t, func() bool {
		var ok bool
		id, _, ok = e.adapter.LastView(e.channel)
		return ok
	}, 2*time.Second, 2*time.Millisecond)
	return id
}

func (e *env) cast(t *testing.T, ballot chat.MessageID, choices ...string) {
	t.Helper()
	for i, choice := range choices {
		require.NoError(t, e.adapter.Select(ballot, e.players[i], choice))
		require.NoError(t, e.adapter.Click(ballot, e.players[i], "submit"))
	}
}

func (e *env) lastContent() string {
	msgs := e.adapter.Messages(e.channel)
	if len(msgs) == 0 {
		return ""
	}
	last := msgs[len(msgs)-1]
	if last.Content != "" {
		return last.Content
	}
	if len(last.Embeds) > 0 {
		return last.Embeds[0].Description
	}
	return ""
}

func TestEveryBuiltinVerbIsRegistered(t *testing.T) {
	e := newEnv(t)
	assert.Equal(t, []string{
		"activate_culture", "collect_submissions", "deactivate_culture", "end", "obscurity_mode",
		"post", "propose_values", "quit", "set_decision", "show_governance", "vote",
		"vote_governance", "vote_submissions", "wait",
	}, e.reg.Verbs())
}

func TestGovernanceVoteReplacesCultureModule(t *testing.T) {
	e := newEnv(t)
	q := quest.New("s5", quest.Spec{Game: quest.Game{Title: "Found a culture", Stages: []quest.Stage{
		{Name: "Welcome", Actions: []quest.Action{{Line: "post Welcome"}}},
		{Name: "Culture", Actions: []quest.Action{{Line: "vote_governance culture"}}},
	}}}, quest.Options{}, chat.User{}, nil, nil)
	q.SetGameChannel(e.channel)

	r := runner.New(e.adapter, e.reg, e.states, runner.WithTick(5*time.Millisecond), runner.WithFetchBackoff(time.Millisecond))
	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background(), q) }()

	e.cast(t, e.ballot(t), "Eloquence", "Eloquence", "Assembly")
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("quest did not finish")
	}

	stack, err := e.store.Current()
	require.NoError(t, err)
	var cultures []string
	for _, m := range stack.Modules {
		if m.Type == governance.TypeCulture {
			cultures = append(cultures, m.Name)
		}
	}
	assert.Equal(t, []string{"Eloquence"}, cultures)
	assert.True(t, e.state.CultureActive("eloquence"), "an adopted culture module with a transform is activated")
	snaps, err := e.store.Snapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

// readOnlyAdapter refuses every post.
type readOnlyAdapter struct{ *memchat.Adapter }

func (readOnlyAdapter) Post(context.Context, chat.ChannelID, chat.Outgoing) (chat.Message, error) {
	return chat.Message{}, errors.New("channel is read-only")
}

func TestAdoptedCultureLogsFailedAnnouncement(t *testing.T) {
	e := newEnv(t)
	core, logs := observer.New(zap.WarnLevel)
	h := handlers{svc: Services{Cultures: culture.NewPipeline(culture.DefaultRegistry(nil, rand.New(rand.NewPCG(1, 2))))}}
	inv := action.Invocation{Adapter: readOnlyAdapter{e.adapter}, Channel: e.channel, State: e.state, Logger: zap.New(core)}

	// A cancelled context skips the retry backoff.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.applyGovernance(ctx, inv, governance.Module{Type: governance.TypeCulture, Name: "Eloquence", Key: "eloquence"})

	assert.True(t, e.state.CultureActive("eloquence"))
	entries := logs.FilterMessage("post culture activation").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "eloquence", entries[0].ContextMap()["key"])
}

func TestVoteWithTopicFillsGroupAttribute(t *testing.T) {
	e := newEnv(t)
	done := make(chan error, 1)
	go func() {
		done <- e.dispatch(context.Background(), `vote --topic=group_name "What is our name?" "The Commons" "The Hive"`)
	}()
	e.cast(t, e.ballot(t), "The Hive", "The Hive", "The Commons")
	require.NoError(t, <-done)
	name, ok := e.state.GroupAttribute(state.TopicGroupName)
	require.True(t, ok)
	assert.Equal(t, "The Hive", name)

	assert.Error(t, e.reg.ValidateLine(`vote --topic=colour "q" a b`))
}

func TestCollectAndVoteOnSubmissions(t *testing.T) {
	e := newEnv(t)
	done := make(chan error, 1)
	go func() { done <- e.dispatch(context.Background(), `collect_submissions "Name a value." 5`) }()

	require.Eventually(t, func() bool {
		return strings.Contains(e.lastContent(), "Name a value.")
	}, time.Second, 2*time.Millisecond)
	require.NoError(t, e.quest.Submit("p1", "Kindness"))
	require.NoError(t, e.quest.Submit("p2", "Kindness"))
	require.NoError(t, e.quest.Submit("p3", "Courage"))
	require.NoError(t, <-done)
	assert.Contains(t, e.lastContent(), "Courage")

	go func() { done <- e.dispatch(context.Background(), `vote_submissions "Which value first?"`) }()
	ballot := e.ballot(t)
	_, view, _ := e.adapter.LastView(e.channel)
	require.Len(t, view.Options, 2, "duplicate submissions collapse to one option")
	e.cast(t, ballot, "Courage", "Courage", "Kindness")
	require.NoError(t, <-done)
	d, ok := e.state.Decision("Which value first?")
	require.True(t, ok)
	assert.Equal(t, "Courage", d.Decision)
}

func TestSubmissionWindowFillsPlaceholders(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.dispatch(context.Background(), `collect_submissions "Share." 0.05`))
	subs := e.quest.Submissions()
	assert.Len(t, subs, 3)
	assert.Equal(t, DefaultPlaceholder, subs["p1"])
	assert.ErrorIs(t, e.dispatch(context.Background(), `vote_submissions "Pick"`), vote.ErrInvalidOptions)
}

func TestChannelRuleVerbs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.dispatch(ctx, "activate_culture obscurity"))
	assert.True(t, e.state.CultureActive("obscurity"))
	require.NoError(t, e.dispatch(ctx, "activate_culture obscurity"))
	assert.Equal(t, []string{"obscurity"}, e.state.ActiveCultures())
	require.NoError(t, e.dispatch(ctx, "deactivate_culture obscurity"))
	assert.Empty(t, e.state.ActiveCultures())
	assert.Error(t, e.dispatch(ctx, "activate_culture telepathy"))

	require.NoError(t, e.dispatch(ctx, "obscurity_mode PIG_LATIN"))
	assert.Equal(t, culture.ModePigLatin, e.state.ObscurityMode())
	assert.Error(t, e.dispatch(ctx, "obscurity_mode mumble"))

	require.NoError(t, e.dispatch(ctx, "set_decision consensus"))
	assert.Equal(t, decision.Consensus, e.state.DecisionModule())
	require.NoError(t, e.dispatch(ctx, "set_decision random"))
	assert.Error(t, e.dispatch(ctx, "set_decision dictator"))

	require.NoError(t, e.dispatch(ctx, `propose_values "Care: we look after each other" "Candour=we say what we think"`))
	assert.Equal(t, map[string]string{"Care": "we look after each other", "Candour": "we say what we think"}, e.state.ProposedValues())
	assert.Error(t, e.dispatch(ctx, `propose_values "nothing here"`))
}

func TestShowGovernanceReusesTheLatestSnapshot(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	_, snapshot, err := e.store.Add(governance.Module{Type: governance.TypeStructure, Name: "Assembly"})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, e.dispatch(ctx, "show_governance"))
		msgs := e.adapter.Messages(e.channel)
		last := msgs[len(msgs)-1]
		require.Len(t, last.Files, 1)
		assert.Equal(t, snapshot, last.Files[0].Path)
	}
	snaps, err := e.store.Snapshots()
	require.NoError(t, err)
	assert.Len(t, snaps, 1)
}

func TestPostWaitShowQuitEnd(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	require.NoError(t, e.dispatch(ctx, `post "Hello there," everyone`))
	assert.Equal(t, "Hello there, everyone", e.lastContent())

	start := time.Now()
	require.NoError(t, e.dispatch(ctx, "wait 0.02"))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, e.dispatch(cancelled, "wait 10"), context.Canceled)

	require.NoError(t, e.dispatch(ctx, "show_governance"))
	assert.Equal(t, "No governance modules are active yet.", e.lastContent())

	require.NoError(t, e.dispatch(ctx, "end"))
	assert.True(t, e.quest.Finished())
	assert.True(t, e.quest.ProgressCompleted())
	require.NoError(t, e.dispatch(ctx, "quit"))
	assert.True(t, e.quest.Quitted())
}
