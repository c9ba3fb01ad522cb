package culture

import (
	"context"
	"fmt"
	"strings"

	"github.com/kingrea/agora/internal/llm"
)

const (
	eloquencePrompt = "You are from the Shakespearean era. Rewrite the user's message so it is eloquent and poetic in the " +
		"style of a Shakespearean character. Keep the meaning. Reply with the rewritten message only, under 300 characters."
	ritualPrompt = "You write messages for a group practising a ritual of agreement. Rewrite the new message so that it " +
		"reflects the previous message and expresses agreement with it, keeping the new message's intent and any " +
		"distortions already present. Reply with the rewritten message only."
)

// Eloquence rewrites messages in a Shakespearean register.
type Eloquence struct {
	client llm.Client
}

// NewEloquence returns the module.
func NewEloquence(client llm.Client) *Eloquence {
	return &Eloquence{client: client}
}

func (e *Eloquence) Info() Info {
	return Info{
		Key:                 "eloquence",
		Name:                "Eloquence",
		LLMAltered:          true,
		Prompt:              eloquencePrompt,
		ActivationMessage:   "Eloquence is now active. Hark! Thy words shall be rendered most fair.",
		DeactivationMessage: "Eloquence is no longer active. Plain speech returns.",
		Icon:                "📜",
	}
}

func (e *Eloquence) Transform(ctx context.Context, in Input) (string, error) {
	if e.client == nil {
		return "", fmt.Errorf("eloquence: no language model configured")
	}
	out, err := llm.Prompt(ctx, e.client, eloquencePrompt, in.Content)
	if err != nil {
		return "", fmt.Errorf("eloquence: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// Ritual rewrites each message to agree with the previous one.
type Ritual struct {
	client llm.Client
}

// NewRitual returns the module.
func NewRitual(client llm.Client) *Ritual {
	return &Ritual{client: client}
}

func (r *Ritual) Info() Info {
	return Info{
		Key:                 "ritual",
		Name:                "Ritual",
		LLMAltered:          true,
		Prompt:              ritualPrompt,
		ActivationMessage:   "A ritual of agreement has begun. Every message now builds on the last.",
		DeactivationMessage: "The ritual of agreement is over.",
		Icon:                "🕯️",
	}
}

func (r *Ritual) Transform(ctx context.Context, in Input) (string, error) {
	previous := ""
	if in.Channel != nil {
		previous = strings.TrimSpace(in.Channel.PreviousMessage())
	}
	if previous == "" {
		return in.Content, nil
	}
	if r.client == nil {
		return "", fmt.Errorf("ritual: no language model configured")
	}
	user := fmt.Sprintf("Previous message: %s\nNew message: %s", previous, in.Content)
	out, err := llm.Prompt(ctx, r.client, ritualPrompt, user)
	if err != nil {
		return "", fmt.Errorf("ritual: %w", err)
	}
	return strings.TrimSpace(out), nil
}
