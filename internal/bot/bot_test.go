package bot

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/kingrea/agora/internal/actions"
	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/chat/memchat"
	"github.com/kingrea/agora/internal/culture"
	"github.com/kingrea/agora/internal/decision"
	"github.com/kingrea/agora/internal/quest"
	"github.com/kingrea/agora/internal/quest/runner"
	"github.com/kingrea/agora/internal/state"
	"github.com/kingrea/agora/internal/vote"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	ada = chat.User{ID: "u1", Name: "ada"}
	bo  = chat.User{ID: "u2", Name: "bo"}
)

type fixture struct {
	adapter *memchat.Adapter
	lobby   chat.ChannelID
	states  *state.Registry
	bot     *Bot
	cancel  context.CancelFunc
}

func commonsPreset() quest.Spec {
	return quest.Spec{Game: quest.Game{
		Title: "Found a Commons",
		Intro: "Welcome, founders.",
		Stages: []quest.Stage{
			{Name: "Gather", Message: "Say hello.", Actions: []quest.Action{{Line: "post Welcome aboard"}}},
			{Name: "Name", Message: "Submit a name.", ProgressConditions: []quest.ProgressCondition{{Line: "all_submitted"}}},
		},
	}}
}

type staticValues struct{}

func (staticValues) Check(_ context.Context, values map[string]string, message string) (string, error) {
	return "Checked " + message + " against " + culture.FormatValues(values), nil
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f := &fixture{
		adapter: memchat.New(chat.User{ID: "bot", Name: "agora", Bot: true}),
		states:  state.NewRegistry(nil),
		cancel:  cancel,
	}
	f.lobby = f.adapter.AddChannel("lobby", ada, bo)
	pipeline := culture.NewPipeline(culture.DefaultRegistry(nil, rand.New(rand.NewPCG(3, 4))))
	reg, err := actions.NewRegistry(actions.Services{
		Votes:    vote.NewEngine(f.adapter, decision.DefaultRegistry(), vote.WithTick(5*time.Millisecond)),
		Cultures: pipeline,
		Tick:     5 * time.Millisecond,
	})
	require.NoError(t, err)
	r := runner.New(f.adapter, reg, f.states, runner.WithTick(5*time.Millisecond), runner.WithFetchBackoff(time.Millisecond))
	f.bot, err = New(ctx, Deps{
		Adapter:  f.adapter,
		States:   f.states,
		Cultures: pipeline,
		Actions:  reg,
		Runner:   r,
		Values:   staticValues{},
		Presets:  quest.Presets{"commons": commonsPreset()},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		cancel()
		f.bot.Wait()
	})
	return f
}

func (f *fixture) send(t *testing.T, channel chat.ChannelID, author chat.User, content string) chat.Message {
	t.Helper()
	msg, err := f.adapter.Receive(channel, author, content)
	require.NoError(t, err)
	f.bot.Handle(context.Background(), msg)
	return msg
}

func (f *fixture) last(channel chat.ChannelID) chat.Message {
	msgs := f.adapter.Messages(channel)
	if len(msgs) == 0 {
		return chat.Message{}
	}
	return msgs[len(msgs)-1]
}

func TestNewRequiresCoreDeps(t *testing.T) {
	_, err := New(context.Background(), Deps{})
	assert.Error(t, err)
}

func TestParseCommand(t *testing.T) {
	b := &Bot{prefix: "-"}
	name, rest, ok := b.parseCommand("  -Propose commons fast ")
	require.True(t, ok)
	assert.Equal(t, "propose", name)
	assert.Equal(t, "commons fast", rest)

	_, _, ok = b.parseCommand("- not a command")
	assert.False(t, ok)
	_, _, ok = b.parseCommand("hello")
	assert.False(t, ok)
}

func TestUnknownCommandPostsErrorEmbed(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.lobby, ada, "-dance")
	last := f.last(f.lobby)
	require.Len(t, last.Embeds, 1)
	assert.Equal(t, "Unknown command", last.Embeds[0].Title)
	assert.Equal(t, chat.ColorError, last.Embeds[0].Color)
}

func TestProposeJoinBeginPlaysQuest(t *testing.T) {
	f := newFixture(t)

	f.send(t, f.lobby, ada, "-propose chess")
	assert.Equal(t, "Unknown quest", f.last(f.lobby).Embeds[0].Title)

	f.send(t, f.lobby, ada, "-begin")
	assert.Equal(t, "No quest", f.last(f.lobby).Embeds[0].Title)

	f.send(t, f.lobby, ada, "-propose commons")
	q, ok := f.bot.Quest(f.lobby)
	require.True(t, ok)
	assert.Equal(t, "Found a Commons", q.Title)

	f.send(t, f.lobby, ada, "-begin")
	assert.Equal(t, "No players", f.last(f.lobby).Embeds[0].Title)

	f.send(t, f.lobby, ada, "-join")
	assert.Contains(t, f.last(f.lobby).Content, "joined as **Ada**")
	f.send(t, f.lobby, ada, "-join")
	assert.Equal(t, "Already joined", f.last(f.lobby).Embeds[0].Title)
	f.send(t, f.lobby, bo, "-join")

	f.send(t, f.lobby, ada, "-begin")
	game := q.GameChannel()
	require.NotEmpty(t, game)
	assert.Equal(t, chat.ChannelID("found-a-commons-1"), game)
	assert.Contains(t, f.last(f.lobby).Embeds[0].Description, "#found-a-commons-1")

	bound, ok := f.bot.Quest(game)
	require.True(t, ok)
	assert.Same(t, q, bound)

	require.Eventually(t, func() bool {
		return f.last(game).Embeds != nil && f.last(game).Embeds[0].Title == "Name"
	}, 2*time.Second, 2*time.Millisecond)
	assert.Contains(t, f.adapter.Contents(game), "Welcome aboard")

	sub := f.send(t, game, ada, "-submit The Commons")
	assert.Equal(t, []string{"✅"}, f.adapter.Reactions(sub.ID))
	f.send(t, game, bo, "-submit The Hive")

	require.Eventually(t, func() bool {
		_, live := f.bot.Quest(game)
		return !live
	}, 2*time.Second, 2*time.Millisecond)
	last := f.last(game)
	require.Len(t, last.Embeds, 1)
	assert.Equal(t, runner.ClosingMessage, last.Embeds[0].Description)
	_, ok = f.bot.Quest(f.lobby)
	assert.False(t, ok, "the lobby is released with the game channel")
}

func TestStartPlaysSoloAndFast(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.lobby, ada, "-start")
	q, ok := f.bot.Quest(f.lobby)
	require.True(t, ok)
	assert.True(t, q.Options.Solo)
	assert.True(t, q.Options.Fast)
	assert.Equal(t, 1, q.PlayerCount())
	require.NotEmpty(t, q.GameChannel())

	f.send(t, q.GameChannel(), ada, "-quit")
	require.Eventually(t, func() bool {
		_, live := f.bot.Quest(f.lobby)
		return !live
	}, 2*time.Second, 2*time.Millisecond)
}

func TestQuitBeforeBeginWithdrawsProposal(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.lobby, ada, "-propose commons")
	f.send(t, f.lobby, ada, "-end")
	assert.Equal(t, "Not running", f.last(f.lobby).Embeds[0].Title)
	f.send(t, f.lobby, ada, "-quit")
	assert.Equal(t, "Found a Commons was withdrawn.", f.last(f.lobby).Content)
	_, ok := f.bot.Quest(f.lobby)
	assert.False(t, ok)
}

func TestSubmitRequiresPlayer(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.lobby, ada, "-propose commons")
	f.send(t, f.lobby, bo, "-submit hello")
	assert.Equal(t, "Not a player", f.last(f.lobby).Embeds[0].Title)
	f.send(t, f.lobby, ada, "-join")
	f.send(t, f.lobby, ada, "-submit")
	assert.Equal(t, "Empty submission", f.last(f.lobby).Embeds[0].Title)
}

func TestCultureToggleRewritesMessages(t *testing.T) {
	f := newFixture(t)
	st := f.states.Channel(f.lobby)

	f.send(t, f.lobby, ada, "-obscurity_mode pig_latin")
	assert.Equal(t, culture.ModePigLatin, st.ObscurityMode())

	f.send(t, f.lobby, ada, "-obscurity")
	assert.True(t, st.CultureActive("obscurity"))
	require.Len(t, f.last(f.lobby).Embeds, 1)

	original := f.send(t, f.lobby, bo, "hello")
	contents := f.adapter.Contents(f.lobby)
	assert.NotContains(t, contents, original.Content, "the original message is replaced")
	assert.Equal(t, "@bo posted: ellohay", contents[len(contents)-1])
	assert.Equal(t, 1, st.TotalMessages())

	f.send(t, f.lobby, ada, "-obscurity")
	assert.False(t, st.CultureActive("obscurity"))
}

func TestCheckValues(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.lobby, ada, "-check_values")
	assert.Equal(t, "No values yet", f.last(f.lobby).Embeds[0].Title)

	st := f.states.Channel(f.lobby)
	st.ProposeValues(map[string]string{"Care": "we look after each other"})
	st.PromoteProposedValues()

	target := f.send(t, f.lobby, bo, "we should share the harvest")
	f.send(t, f.lobby, ada, "-check_values "+string(target.ID))
	last := f.last(f.lobby)
	require.Len(t, last.Embeds, 1)
	assert.Equal(t, "Values check", last.Embeds[0].Title)
	assert.Contains(t, last.Embeds[0].Description, "share the harvest")
	assert.Contains(t, last.Embeds[0].Description, "- Care: we look after each other")

	f.send(t, f.lobby, ada, "-check_values nope")
	assert.Equal(t, "Message not found", f.last(f.lobby).Embeds[0].Title)
}

func TestInfoListsCommandsAndQuest(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.lobby, ada, "-info")
	desc := f.last(f.lobby).Embeds[0].Description
	assert.Contains(t, desc, "Quests: commons, llm")
	assert.Contains(t, desc, "-propose <mode>")
	assert.Contains(t, desc, "-eloquence")

	f.send(t, f.lobby, ada, "-propose commons")
	f.send(t, f.lobby, ada, "-join")
	f.send(t, f.lobby, ada, "-info")
	last := f.last(f.lobby).Embeds[0]
	assert.Equal(t, "Found a Commons", last.Title)
	assert.Contains(t, last.Description, "@ada as Ada")
}

func TestVoteGovernanceWithoutStore(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.lobby, ada, "-vote_governance tyranny")
	assert.Equal(t, "Unknown module type", f.last(f.lobby).Embeds[0].Title)

	f.send(t, f.lobby, ada, "-governance")
	assert.Equal(t, "Governance unavailable", f.last(f.lobby).Embeds[0].Title)
}

func TestLeaderboardCountsMessages(t *testing.T) {
	f := newFixture(t)
	f.send(t, f.lobby, ada, "one")
	f.send(t, f.lobby, ada, "two")
	f.send(t, f.lobby, bo, "three")
	f.send(t, f.lobby, ada, "-leaderboard")
	desc := f.last(f.lobby).Embeds[0].Description
	assert.True(t, strings.HasPrefix(desc, "1. u1: 2 messages"), desc)
	assert.Contains(t, desc, "2. u2: 1 messages")
}

func TestRouterKeepsChannelOrderAndDropsDuplicates(t *testing.T) {
	var mu sync.Mutex
	seen := map[chat.ChannelID][]string{}
	r := NewRouter(context.Background(), func(_ context.Context, msg chat.Message) {
		mu.Lock()
		defer mu.Unlock()
		seen[msg.Channel] = append(seen[msg.Channel], msg.Content)
	}, RouterWithQueueCapacity(4), RouterWithDedupeWindow(2))

	for i, content := range []string{"a", "b", "c", "d", "e"} {
		assert.True(t, r.Route(chat.Message{ID: chat.MessageID(content), Channel: "one", Content: content}), i)
		r.Route(chat.Message{ID: chat.MessageID("x" + content), Channel: "two", Content: content})
	}
	assert.False(t, r.Route(chat.Message{ID: "xe", Channel: "two", Content: "dupe"}))
	assert.True(t, r.Route(chat.Message{ID: "a", Channel: "one", Content: "a again"}), "ids fall out of the dedupe window")
	r.Close()
	assert.False(t, r.Route(chat.Message{ID: "late", Channel: "one"}))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c", "d", "e", "a again"}, seen["one"])
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, seen["two"])
}

func TestRouterCloseRacesWithSenders(t *testing.T) {
	for round := 0; round < 50; round++ {
		var handled atomic.Int32
		r := NewRouter(context.Background(), func(context.Context, chat.Message) {
			handled.Add(1)
		}, RouterWithQueueCapacity(2))

		var accepted atomic.Int32
		var wg sync.WaitGroup
		for sender := 0; sender < 8; sender++ {
			wg.Add(1)
			go func(sender int) {
				defer wg.Done()
				for i := 0; i < 20; i++ {
					msg := chat.Message{Channel: chat.ChannelID(fmt.Sprintf("c%d", i%3)), Content: fmt.Sprint(sender, i)}
					if r.Route(msg) {
						accepted.Add(1)
					}
				}
			}(sender)
		}
		r.Close()
		wg.Wait()
		assert.Equal(t, accepted.Load(), handled.Load(), "round %d", round)
	}
}

func TestRouterRecoversFromPanics(t *testing.T) {
	done := make(chan struct{})
	r := NewRouter(context.Background(), func(_ context.Context, msg chat.Message) {
		if msg.Content == "boom" {
			panic("boom")
		}
		close(done)
	})
	r.Route(chat.Message{ID: "1", Channel: "c", Content: "boom"})
	r.Route(chat.Message{ID: "2", Channel: "c", Content: "ok"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker died after a panic")
	}
	r.Close()
}
