package vote

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/chat/memchat"
	"github.com/kingrea/agora/internal/decision"
	"github.com/kingrea/agora/internal/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type outcome struct {
	result Result
	err    error
}

type fixture struct {
	adapter *memchat.Adapter
	channel chat.ChannelID
	state   *state.ChannelState
	players []chat.User
	engine  *Engine
}

func newFixture(t *testing.T, players int, opts ...Option) *fixture {
	t.Helper()
	adapter := memchat.New(chat.User{ID: "bot", Name: "agora"})
	users := make([]chat.User, 0, players)
	for i := 1; i <= players; i++ {
		users = append(users, chat.User{ID: chat.UserID(fmt.Sprintf("p%d", i)), Name: fmt.Sprintf("player%d", i)})
	}
	id := adapter.AddChannel("agora", users...)
	st := state.NewChannelState(id)
	st.SetDecisionModule(decision.Majority)
	opts = append([]Option{WithTick(5 * time.Millisecond)}, opts...)
	return &fixture{
		adapter: adapter,
		channel: id,
		state:   st,
		players: users,
		engine:  NewEngine(adapter, decision.DefaultRegistry(), opts...),
	}
}

func (f *fixture) start(ctx context.Context, req Request) <-chan outcome {
	req.Channel = f.state
	done := make(chan outcome, 1)
	go func() {
		r, err := f.engine.Run(ctx, req)
		done <- outcome{result: r, err: err}
	}()
	return done
}

func (f *fixture) awaitView(t *testing.T, not chat.MessageID) (chat.MessageID, chat.View) {
	t.Helper()
	var (
		id   chat.MessageID
		view chat.View
	)
	require.Eventually(t, func() bool {
		var ok bool
		id, view, ok = f.adapter.LastView(f.channel)
		return ok && id != not
	}, 2*time.Second, 2*time.Millisecond)
	return id, view
}

func (f *fixture) cast(t *testing.T, msg chat.MessageID, user chat.User, value string) {
	t.Helper()
	require.NoError(t, f.adapter.Select(msg, user, value))
	require.NoError(t, f.adapter.Click(msg, user, submitButton))
}

func await(t *testing.T, done <-chan outcome) outcome {
	t.Helper()
	select {
	case o := <-done:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("vote did not close")
		return outcome{}
	}
}

func lastEmbed(t *testing.T, f *fixture) chat.Embed {
	t.Helper()
	msgs := f.adapter.Messages(f.channel)
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.Len(t, last.Embeds, 1)
	return last.Embeds[0]
}

func TestVoteClosesWhenEveryMemberVoted(t *testing.T) {
	f := newFixture(t, 3)
	started := time.Now()
	done := f.start(context.Background(), Request{Question: "lunch", Options: []string{"soup", "salad"}, Timeout: 30 * time.Second})

	ballotID, view := f.awaitView(t, "")
	require.Len(t, view.Options, 2)
	assert.Equal(t, "🔴", view.Options[0].Emoji)
	assert.Contains(t, view.Embed.Description, "Majority")

	f.cast(t, ballotID, f.players[0], "soup")
	f.cast(t, ballotID, f.players[1], "salad")
	f.cast(t, ballotID, f.players[2], "soup")

	o := await(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, "all_voted", o.result.Reason)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, "soup", o.result.Winner)
	assert.Equal(t, decision.Tally{"soup": 2, "salad": 1}, o.result.Tally)
	assert.Equal(t, 3, o.result.Eligible)
}

func TestVotersMayChangeSelectionUntilSubmit(t *testing.T) {
	f := newFixture(t, 1)
	done := f.start(context.Background(), Request{Question: "pick", Options: []string{"x", "y"}, Timeout: 30 * time.Second})
	ballotID, _ := f.awaitView(t, "")
	p := f.players[0]

	require.NoError(t, f.adapter.Select(ballotID, p, "x"))
	require.NoError(t, f.adapter.Select(ballotID, p, "y"))
	require.NoError(t, f.adapter.Click(ballotID, p, submitButton))

	o := await(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, "y", o.result.Winner)
}

func TestSecondSubmitReportsAlreadyVoted(t *testing.T) {
	f := newFixture(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	done := f.start(ctx, Request{Question: "pick", Options: []string{"x", "y"}, Timeout: 30 * time.Second})
	ballotID, _ := f.awaitView(t, "")
	p := f.players[0]

	f.cast(t, ballotID, p, "x")
	require.NoError(t, f.adapter.Select(ballotID, p, "y"))
	require.NoError(t, f.adapter.Click(ballotID, p, submitButton))
	responses := f.adapter.Responses(p.ID)
	require.GreaterOrEqual(t, len(responses), 2)
	assert.Equal(t, alreadyVotedText, responses[len(responses)-1])

	cancel()
	o := await(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, "cancelled", o.result.Reason)
	assert.Equal(t, "x", o.result.Winner, "a cancelled vote is aggregated with the current tally")
}

func TestTwoPlayersSplitDeclineExtensionNoWinner(t *testing.T) {
	f := newFixture(t, 2, WithExtension(1950*time.Millisecond, time.Minute))
	done := f.start(context.Background(), Request{Question: "pick", Options: []string{"x", "y"}, Timeout: 2 * time.Second})
	ballotID, _ := f.awaitView(t, "")

	promptID, prompt := f.awaitView(t, ballotID)
	require.Len(t, prompt.Buttons, 2)
	require.NoError(t, f.adapter.Click(promptID, f.players[0], declineButton))
	assert.Error(t, f.adapter.Click(promptID, f.players[1], extendButton), "declining disables the prompt")

	f.cast(t, ballotID, f.players[0], "x")
	f.cast(t, ballotID, f.players[1], "y")

	o := await(t, done)
	assert.ErrorIs(t, o.err, ErrNoWinner)
	assert.False(t, o.result.HasWinner)
	assert.Zero(t, o.result.Extended)
	assert.Equal(t, "No winner", lastEmbed(t, f).Description)
	_, ok := f.state.Decision("pick")
	assert.False(t, ok)
}

func TestFivePlayersReachConsensus(t *testing.T) {
	f := newFixture(t, 5)
	done := f.start(context.Background(), Request{
		Question:       "pick",
		Options:        []string{"x", "y"},
		Timeout:        30 * time.Second,
		DecisionModule: decision.Consensus,
	})
	ballotID, _ := f.awaitView(t, "")
	for _, p := range f.players {
		f.cast(t, ballotID, p, "x")
	}

	o := await(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, "x", o.result.Winner)
	d, ok := f.state.Decision("pick")
	require.True(t, ok)
	assert.Equal(t, "x", d.Decision)
	assert.Equal(t, decision.Consensus, d.Module)
	assert.Contains(t, lastEmbed(t, f).Description, "x")
}

func TestExtensionAppliesOnce(t *testing.T) {
	timeout := 2 * time.Second
	extension := 10 * time.Second
	f := newFixture(t, 2, WithExtension(1950*time.Millisecond, extension))
	done := f.start(context.Background(), Request{Question: "pick", Options: []string{"x", "y"}, Timeout: timeout})
	ballotID, _ := f.awaitView(t, "")
	promptID, prompt := f.awaitView(t, ballotID)

	require.NoError(t, f.adapter.Click(promptID, f.players[0], extendButton))
	assert.Error(t, f.adapter.Click(promptID, f.players[1], extendButton), "extend is disabled after use")
	// The callback itself is one-shot too.
	prompt.OnClick(chat.Interaction{User: f.players[1]}, extendButton)

	f.cast(t, ballotID, f.players[0], "x")
	f.cast(t, ballotID, f.players[1], "x")

	o := await(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, 1, o.result.Extended)
	assert.Equal(t, timeout+extension, o.result.Deadline.Sub(o.result.Opened))
}

func TestNoExtensionPromptForShortVotes(t *testing.T) {
	f := newFixture(t, 2)
	done := f.start(context.Background(), Request{Question: "pick", Options: []string{"x", "y"}, Timeout: 50 * time.Millisecond})
	o := await(t, done)
	assert.ErrorIs(t, o.err, ErrNoWinner)
	assert.Equal(t, "timeout", o.result.Reason)
	views := 0
	for _, m := range f.adapter.Messages(f.channel) {
		if len(m.Embeds) == 0 {
			views++
		}
	}
	assert.Zero(t, views, "only the ballot and results are posted")
}

func TestFastModeOverridesTimeout(t *testing.T) {
	f := newFixture(t, 2, WithFastTimeout(40*time.Millisecond))
	done := f.start(context.Background(), Request{Question: "pick", Options: []string{"x", "y"}, Timeout: time.Hour, Fast: true})
	o := await(t, done)
	assert.ErrorIs(t, o.err, ErrNoWinner)
	assert.Equal(t, 40*time.Millisecond, o.result.Deadline.Sub(o.result.Opened))
}

func TestWinnerFillsGroupAttributeAndPromotesValues(t *testing.T) {
	f := newFixture(t, 1)
	f.state.ProposeValues(map[string]string{"care": "look after each other"})
	done := f.start(context.Background(), Request{
		Question: "What is our name?",
		Options:  []string{"The Commons"},
		Topic:    state.TopicGroupName,
		Timeout:  30 * time.Second,
		Solo:     true,
	})
	ballotID, _ := f.awaitView(t, "")
	f.cast(t, ballotID, f.players[0], "The Commons")

	o := await(t, done)
	require.NoError(t, o.err)
	name, ok := f.state.GroupAttribute(state.TopicGroupName)
	require.True(t, ok)
	assert.Equal(t, "The Commons", name)
	assert.Equal(t, map[string]string{"care": "look after each other"}, f.state.Values())
}

func TestOnlyOneVotePerChannel(t *testing.T) {
	f := newFixture(t, 2)
	require.True(t, f.state.BeginVote())
	_, err := f.engine.Run(context.Background(), Request{Channel: f.state, Question: "q", Options: []string{"a", "b"}})
	assert.ErrorIs(t, err, ErrVoteInProgress)
}

func TestValidateOptions(t *testing.T) {
	assert.ErrorIs(t, ValidateOptions(nil, true), ErrInvalidOptions)
	assert.ErrorIs(t, ValidateOptions([]string{"a"}, false), ErrInvalidOptions)
	assert.NoError(t, ValidateOptions([]string{"a"}, true))
	assert.ErrorIs(t, ValidateOptions([]string{"a", "a"}, false), ErrInvalidOptions)
	eleven := make([]string, 11)
	for i := range eleven {
		eleven[i] = fmt.Sprintf("o%d", i)
	}
	assert.ErrorIs(t, ValidateOptions(eleven, false), ErrInvalidOptions)
	assert.NoError(t, ValidateOptions(eleven[:10], false))
}

type recordingJournal struct{ entries []string }

func (j *recordingJournal) Decision(q, d, m string) {
	j.entries = append(j.entries, q+"="+d+"/"+m)
}

func TestJournalReceivesWinningDecision(t *testing.T) {
	j := &recordingJournal{}
	f := newFixture(t, 1, WithJournal(j))
	done := f.start(context.Background(), Request{Question: "pick", Options: []string{"x", "y"}, Timeout: 30 * time.Second})
	ballotID, _ := f.awaitView(t, "")
	f.cast(t, ballotID, f.players[0], "y")
	o := await(t, done)
	require.NoError(t, o.err)
	assert.Equal(t, []string{"pick=y/majority"}, j.entries)
}
