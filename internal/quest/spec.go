package quest

import (
	"fmt"
	"strings"
	"time"
)

// Spec is the on-disk quest document.
type Spec struct {
	Game Game `yaml:"game"`
}

// Game holds the quest's title, intro and ordered stages.
type Game struct {
	Title  string  `yaml:"title"`
	Intro  string  `yaml:"intro,omitempty"`
	Stages []Stage `yaml:"stages"`
}

// Stage is one unit of a quest. Stages are immutable once loaded.
type Stage struct {
	Name               string              `yaml:"name"`
	Message            string              `yaml:"message"`
	Actions            []Action            `yaml:"actions,omitempty"`
	ProgressConditions []ProgressCondition `yaml:"progress_conditions,omitempty"`
	TimeoutMins        float64             `yaml:"timeout_mins,omitempty"`
	ImagePath          string              `yaml:"image_path,omitempty"`
}

// Timeout converts TimeoutMins using minute as the unit. Zero means no
// deadline.
func (s Stage) Timeout(minute time.Duration) time.Duration {
	if s.TimeoutMins <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMins * float64(minute))
}

// Action is a declarative handler invocation with its retry policy.
type Action struct {
	Line           string `yaml:"action"`
	Retries        int    `yaml:"retries,omitempty"`
	RetryMessage   string `yaml:"retry_message,omitempty"`
	FailureMessage string `yaml:"failure_message,omitempty"`
	// SoftFailure, when set, is posted after retries are exhausted and the
	// stage continues instead of aborting.
	SoftFailure string `yaml:"soft_failure,omitempty"`
}

// ProgressCondition is a predicate line evaluated while a stage is live.
type ProgressCondition struct {
	Line string `yaml:"progress_condition"`
}

// Validate ensures the quest definition is usable. Verb and predicate names are checked
// by the runner, which owns the registries.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.Game.Title) == "" {
		return fmt.Errorf("quest: game.title is required")
	}
	if len(s.Game.Stages) == 0 {
		return fmt.Errorf("quest %s: at least one stage is required", s.Game.Title)
	}
	seen := map[string]struct{}{}
	for i, stage := range s.Game.Stages {
		if err := stage.Validate(); err != nil {
			return fmt.Errorf("quest %s stage[%d]: %w", s.Game.Title, i, err)
		}
		if _, dup := seen[stage.Name]; dup {
			return fmt.Errorf("quest %s: duplicate stage name %s", s.Game.Title, stage.Name)
		}
		seen[stage.Name] = struct{}{}
	}
	return nil
}

// Validate checks a single stage.
func (s Stage) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("name is required")
	}
	if s.TimeoutMins < 0 {
		return fmt.Errorf("stage %s: timeout_mins must be >= 0", s.Name)
	}
	for i, a := range s.Actions {
		if strings.TrimSpace(a.Line) == "" {
			return fmt.Errorf("stage %s action[%d]: action is required", s.Name, i)
		}
		if a.Retries < 0 {
			return fmt.Errorf("stage %s action[%d]: retries must be >= 0", s.Name, i)
		}
	}
	for i, c := range s.ProgressConditions {
		if strings.TrimSpace(c.Line) == "" {
			return fmt.Errorf("stage %s progress_condition[%d]: predicate is required", s.Name, i)
		}
	}
	return nil
}

// Normalized returns a trimmed copy.
func (s Spec) Normalized() Spec {
	out := Spec{Game: Game{
		Title:  strings.TrimSpace(s.Game.Title),
		Intro:  strings.TrimSpace(s.Game.Intro),
		Stages: make([]Stage, 0, len(s.Game.Stages)),
	}}
	for _, stage := range s.Game.Stages {
		out.Game.Stages = append(out.Game.Stages, stage.Normalized())
	}
	return out
}

// Normalized returns a trimmed copy of the stage.
func (s Stage) Normalized() Stage {
	clone := Stage{
		Name:        strings.TrimSpace(s.Name),
		Message:     strings.TrimSpace(s.Message),
		TimeoutMins: s.TimeoutMins,
		ImagePath:   strings.TrimSpace(s.ImagePath),
	}
	for _, a := range s.Actions {
		a.Line = strings.TrimSpace(a.Line)
		clone.Actions = append(clone.Actions, a)
	}
	for _, c := range s.ProgressConditions {
		c.Line = strings.TrimSpace(c.Line)
		clone.ProgressConditions = append(clone.ProgressConditions, c)
	}
	return clone
}
