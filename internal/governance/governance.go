// Package governance maintains the active governance stack: at most one module
// per type, persisted as a YAML document and audited through numbered PNG
// snapshots.
package governance

import (
	"errors"
	"fmt"
	"strings"
)

// Type names a governance slot.
type Type string

const (
	TypeStructure Type = "structure"
	TypeCulture   Type = "culture"
	TypeDecision  Type = "decision"
	TypeProcess   Type = "process"
)

// Types lists the recognised slots in display order.
var Types = []Type{TypeStructure, TypeCulture, TypeDecision, TypeProcess}

// ErrNestedModules is returned when a module carries child modules. Nesting is
// not supported; the stack is flat with one module per type.
var ErrNestedModules = errors.New("governance: nested modules are not supported")

// ParseType normalizes a type name and rejects unknown slots.
func ParseType(raw string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(raw)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("governance: unknown module type %q", raw)
}

// Module is one entry of the stack or of a type catalogue.
type Module struct {
	Type     Type     `yaml:"type"`
	Name     string   `yaml:"name"`
	UniqueID string   `yaml:"uniqueID,omitempty"`
	Icon     string   `yaml:"icon,omitempty"`
	Key      string   `yaml:"key,omitempty"`
	Summary  string   `yaml:"summary,omitempty"`
	Modules  []Module `yaml:"modules,omitempty"`
}

// Validate checks required fields.
func (m Module) Validate() error {
	if _, err := ParseType(string(m.Type)); err != nil {
		return err
	}
	if strings.TrimSpace(m.Name) == "" {
		return fmt.Errorf("governance: %s module name is required", m.Type)
	}
	if len(m.Modules) > 0 {
		return fmt.Errorf("%w (%s)", ErrNestedModules, m.Name)
	}
	return nil
}

// Normalized returns a trimmed copy. Key defaults to the lowercased name.
func (m Module) Normalized() Module {
	clone := m
	clone.Type = Type(strings.ToLower(strings.TrimSpace(string(m.Type))))
	clone.Name = strings.TrimSpace(m.Name)
	clone.Icon = strings.TrimSpace(m.Icon)
	clone.Summary = strings.TrimSpace(m.Summary)
	clone.Key = strings.ToLower(strings.TrimSpace(m.Key))
	if clone.Key == "" {
		clone.Key = strings.ToLower(clone.Name)
	}
	return clone
}

// Stack is the on-disk governance document.
type Stack struct {
	Modules []Module `yaml:"modules"`
}

// OfType returns the active module of type t.
func (s Stack) OfType(t Type) (Module, bool) {
	for _, m := range s.Modules {
		if m.Type == t {
			return m, true
		}
	}
	return Module{}, false
}

// Replace drops any module sharing m's type and appends m.
func (s Stack) Replace(m Module) Stack {
	out := Stack{Modules: make([]Module, 0, len(s.Modules)+1)}
	for _, existing := range s.Modules {
		if existing.Type == m.Type {
			continue
		}
		out.Modules = append(out.Modules, existing)
	}
	out.Modules = append(out.Modules, m)
	return out
}

// Render formats the stack as text, one line per type slot.
func (s Stack) Render() string {
	if len(s.Modules) == 0 {
		return "No governance modules are active yet."
	}
	var b strings.Builder
	for _, t := range Types {
		m, ok := s.OfType(t)
		if !ok {
			continue
		}
		icon := m.Icon
		if icon != "" {
			icon += " "
		}
		fmt.Fprintf(&b, "%s%-9s %s\n", icon, strings.ToUpper(string(t)), m.Name)
	}
	return strings.TrimRight(b.String(), "\n")
}
