package culture

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/agora/internal/chat"
	"github.com/kingrea/agora/internal/chat/memchat"
	"github.com/kingrea/agora/internal/llm"
	"github.com/kingrea/agora/internal/state"
)

type funcModule struct {
	key string
	llm bool
	fn  func(string) (string, error)
}

func (m funcModule) Info() Info { return Info{Key: m.key, Name: m.key, LLMAltered: m.llm} }

func (m funcModule) Transform(_ context.Context, in Input) (string, error) { return m.fn(in.Content) }

func upper() funcModule {
	return funcModule{key: "upper", fn: func(s string) (string, error) { return strings.ToUpper(s), nil }}
}

func bang() funcModule {
	return funcModule{key: "bang", fn: func(s string) (string, error) { return s + "!" + strings.ToLower(s), nil }}
}

func TestApplyFoldsInActivationOrder(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(upper())
	reg.MustRegister(bang())
	p := NewPipeline(reg)
	author := chat.User{ID: "u1", Name: "ada"}

	ab := state.NewChannelState("c1")
	ab.ActivateCulture("upper")
	ab.ActivateCulture("bang")
	out, err := p.Apply(context.Background(), ab, author, "Hi")
	require.NoError(t, err)
	assert.Equal(t, "HI!hi", out)

	ba := state.NewChannelState("c2")
	ba.ActivateCulture("bang")
	ba.ActivateCulture("upper")
	out, err = p.Apply(context.Background(), ba, author, "Hi")
	require.NoError(t, err)
	assert.Equal(t, "HI!HI", out)
}

func TestGlobalModulesApplyAfterLocalOnes(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(upper())
	reg.MustRegister(bang())
	require.NoError(t, reg.SetGlobal("upper", true))
	p := NewPipeline(reg)
	st := state.NewChannelState("c1")
	st.ActivateCulture("bang")
	assert.Equal(t, []string{"bang", "upper"}, p.ActiveKeys(st))

	st.ActivateCulture("upper")
	assert.Equal(t, []string{"bang", "upper"}, p.ActiveKeys(st), "no duplicates")
}

func TestLLMFailureKeepsPriorOutput(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(upper())
	reg.MustRegister(funcModule{key: "flaky", llm: true, fn: func(string) (string, error) {
		return "", errors.New("model unavailable")
	}})
	p := NewPipeline(reg)
	st := state.NewChannelState("c1")
	st.ActivateCulture("upper")
	st.ActivateCulture("flaky")

	out, err := p.Apply(context.Background(), st, chat.User{ID: "u"}, "hey")
	require.NoError(t, err)
	assert.Equal(t, "HEY", out)
}

func TestNonLLMFailureIsReturned(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(funcModule{key: "broken", fn: func(s string) (string, error) { return "", errors.New("boom") }})
	p := NewPipeline(reg)
	st := state.NewChannelState("c1")
	st.ActivateCulture("broken")
	out, err := p.Apply(context.Background(), st, chat.User{ID: "u"}, "hey")
	assert.Error(t, err)
	assert.Equal(t, "hey", out)
}

func TestToggleAndUnknownModules(t *testing.T) {
	p := NewPipeline(DefaultRegistry(nil, nil))
	st := state.NewChannelState("c1")

	info, active, err := p.Toggle(st, "Obscurity")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, "obscurity", info.Key)

	_, changed, err := p.Activate(st, "obscurity")
	require.NoError(t, err)
	assert.False(t, changed)

	_, active, err = p.Toggle(st, "obscurity")
	require.NoError(t, err)
	assert.False(t, active)

	_, changed, err = p.Deactivate(st, "obscurity")
	require.NoError(t, err)
	assert.False(t, changed)

	_, _, err = p.Activate(st, "telepathy")
	assert.Error(t, err)
}

func newChannel(t *testing.T) (*memchat.Adapter, chat.ChannelID, chat.User) {
	t.Helper()
	adapter := memchat.New(chat.User{ID: "bot", Name: "agora"})
	user := chat.User{ID: "u1", Name: "user"}
	id := adapter.AddChannel("agora", user)
	return adapter, id, user
}

func TestHandleReplaceVowels(t *testing.T) {
	adapter, id, user := newChannel(t)
	p := NewPipeline(DefaultRegistry(nil, nil))
	st := state.NewChannelState(id)
	st.SetObscurityMode(ModeReplaceVowels)
	_, _, err := p.Activate(st, "obscurity")
	require.NoError(t, err)

	msg, err := adapter.Receive(id, user, "hello")
	require.NoError(t, err)
	reposted, err := p.Handle(context.Background(), adapter, st, msg)
	require.NoError(t, err)
	assert.True(t, reposted)
	assert.Equal(t, []string{"@user posted: h ll "}, adapter.Contents(id))
	assert.Equal(t, 1, st.MessageCount(user.ID))
	assert.Equal(t, "h ll ", st.PreviousMessage())
}

func TestHandleEloquenceWithStubbedModel(t *testing.T) {
	adapter, id, user := newChannel(t)
	var prompts []llm.Message
	stub := llm.Func(func(_ context.Context, messages []llm.Message) (string, error) {
		prompts = messages
		return "Hail, good sir.", nil
	})
	p := NewPipeline(DefaultRegistry(stub, nil))
	st := state.NewChannelState(id)
	_, _, err := p.Activate(st, "eloquence")
	require.NoError(t, err)

	msg, err := adapter.Receive(id, user, "hi")
	require.NoError(t, err)
	_, err = p.Handle(context.Background(), adapter, st, msg)
	require.NoError(t, err)
	assert.Equal(t, []string{"@user posted: Hail, good sir."}, adapter.Contents(id))
	require.Len(t, prompts, 2)
	assert.Equal(t, "hi", prompts[1].Content)
}

func TestHandleWithoutCulturesKeepsOriginal(t *testing.T) {
	adapter, id, user := newChannel(t)
	p := NewPipeline(DefaultRegistry(nil, nil))
	st := state.NewChannelState(id)
	msg, err := adapter.Receive(id, user, "plain words")
	require.NoError(t, err)
	reposted, err := p.Handle(context.Background(), adapter, st, msg)
	require.NoError(t, err)
	assert.False(t, reposted)
	assert.Equal(t, []string{"plain words"}, adapter.Contents(id))
	assert.Equal(t, 1, st.MessageCount(user.ID))
	assert.Equal(t, "plain words", st.PreviousMessage())
}

func TestRitualAgreesWithPreviousMessage(t *testing.T) {
	var user string
	stub := llm.Func(func(_ context.Context, messages []llm.Message) (string, error) {
		user = messages[len(messages)-1].Content
		return "Yes, and tea too.", nil
	})
	r := NewRitual(stub)
	st := state.NewChannelState("c")
	out, err := r.Transform(context.Background(), Input{Content: "tea", Channel: st})
	require.NoError(t, err)
	assert.Equal(t, "tea", out, "first message has nothing to agree with")

	st.SetPreviousMessage("coffee is great")
	out, err = r.Transform(context.Background(), Input{Content: "tea", Channel: st})
	require.NoError(t, err)
	assert.Equal(t, "Yes, and tea too.", out)
	assert.Contains(t, user, "coffee is great")
}

func TestObscurityModes(t *testing.T) {
	assert.Equal(t, "h ll  w rld", ReplaceVowels("Hello World"))
	assert.Equal(t, "ellohay appleway rhythmay", PigLatin("Hello apple rhythm"))
	assert.Equal(t, "HelloBrightWorld", CamelCase("hello bright world"))

	o := NewObscurity(rand.New(rand.NewPCG(7, 7)))
	out := o.Scramble("the quick brown")
	words := strings.Split(out, " ")
	require.Len(t, words, 3)
	assert.Equal(t, "the", words[0])
	for i, original := range []string{"the", "quick", "brown"} {
		assert.Equal(t, original[0], words[i][0])
		assert.Equal(t, original[len(original)-1], words[i][len(words[i])-1])
		assert.ElementsMatch(t, []rune(original), []rune(words[i]))
	}

	_, err := ParseMode("morse")
	assert.Error(t, err)
	mode, err := ParseMode(" Pig_Latin ")
	require.NoError(t, err)
	assert.Equal(t, ModePigLatin, mode)
}

func TestValuesCheckAndLeaderboard(t *testing.T) {
	v := NewValues(llm.Func(func(_ context.Context, messages []llm.Message) (string, error) {
		return "  Aligned with care.  ", nil
	}))
	critique, err := v.Check(context.Background(), map[string]string{"care": "look after each other"}, "hi")
	require.NoError(t, err)
	assert.Equal(t, "Aligned with care.", critique)

	_, err = v.Check(context.Background(), nil, "hi")
	assert.Error(t, err)

	st := state.NewChannelState("c")
	st.IncrementMessages("ada")
	st.IncrementMessages("ada")
	st.IncrementMessages("ada")
	st.IncrementMessages("bo")
	assert.Equal(t, "1. ada: 3 messages (75%)\n2. bo: 1 messages (25%)", Leaderboard(st))
}
