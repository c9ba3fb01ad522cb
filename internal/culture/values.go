package culture

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/kingrea/agora/internal/llm"
	"github.com/kingrea/agora/internal/state"
)

const valuesPrompt = "You are a facilitator who checks whether a message aligns with a community's agreed values. " +
	"Given the values and a message, say briefly whether the message aligns with each value and why. " +
	"Be constructive and do not rewrite the message."

// Values critiques messages against the community values on request. It never
// rewrites messages.
type Values struct {
	client llm.Client
}

// NewValues returns the module.
func NewValues(client llm.Client) *Values {
	return &Values{client: client}
}

func (v *Values) Info() Info {
	return Info{
		Key:                 "values",
		Name:                "Values",
		LLMAltered:          true,
		Prompt:              valuesPrompt,
		ActivationMessage:   "Values are now active. Reply to a message with -check_values to see how it aligns.",
		DeactivationMessage: "Values checking is no longer active.",
		Icon:                "🧭",
	}
}

func (v *Values) Transform(_ context.Context, in Input) (string, error) {
	return in.Content, nil
}

// Check asks the model how message aligns with values.
func (v *Values) Check(ctx context.Context, values map[string]string, message string) (string, error) {
	if len(values) == 0 {
		return "", fmt.Errorf("values: no community values are set")
	}
	if v.client == nil {
		return "", fmt.Errorf("values: no language model configured")
	}
	user := "Values:\n" + FormatValues(values) + "\n\nMessage: " + message
	out, err := llm.Prompt(ctx, v.client, valuesPrompt, user)
	if err != nil {
		return "", fmt.Errorf("values: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// FormatValues renders values as sorted "name: description" lines.
func FormatValues(values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, fmt.Sprintf("- %s: %s", k, values[k]))
	}
	return strings.Join(lines, "\n")
}

// Diversity does not transform text; it surfaces the channel's per-author
// message counts.
type Diversity struct{}

func (Diversity) Info() Info {
	return Info{
		Key:                 "diversity",
		Name:                "Diversity",
		ActivationMessage:   "Diversity is now active. Use -leaderboard to see who is being heard.",
		DeactivationMessage: "Diversity tracking is no longer shown.",
		Icon:                "🌈",
	}
}

func (Diversity) Transform(_ context.Context, in Input) (string, error) {
	return in.Content, nil
}

// Leaderboard renders each author's share of the channel's messages.
func Leaderboard(st *state.ChannelState) string {
	counts := st.MessageCounts()
	if len(counts) == 0 {
		return "No messages have been counted yet."
	}
	total := st.TotalMessages()
	var b strings.Builder
	for i, c := range counts {
		share := float64(c.Count) * 100 / float64(total)
		fmt.Fprintf(&b, "%d. %s: %d messages (%.0f%%)\n", i+1, c.User, c.Count, share)
	}
	return strings.TrimRight(b.String(), "\n")
}
