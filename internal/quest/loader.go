package quest

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseSpecYAML decodes, normalizes and validates a quest document.
func ParseSpecYAML(data []byte) (Spec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Spec{}, fmt.Errorf("quest: document is empty")
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("quest: decode: %w", err)
	}
	spec = spec.Normalized()
	if err := spec.Validate(); err != nil {
		return Spec{}, err
	}
	return spec, nil
}

// LoadSpecFile reads a quest document from disk.
func LoadSpecFile(path string) (Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("quest: read %s: %w", path, err)
	}
	spec, err := ParseSpecYAML(data)
	if err != nil {
		return Spec{}, fmt.Errorf("quest: %s: %w", path, err)
	}
	return spec, nil
}

// Presets maps mode names to authored quests.
type Presets map[string]Spec

// Modes returns the preset names sorted.
func (p Presets) Modes() []string {
	out := make([]string, 0, len(p))
	for mode := range p {
		out = append(out, mode)
	}
	sort.Strings(out)
	return out
}

// Lookup finds a preset by mode name, case-insensitively.
func (p Presets) Lookup(mode string) (Spec, bool) {
	spec, ok := p[normalizeMode(mode)]
	return spec, ok
}

// LoadPresets reads every *.yaml quest in dir, keyed by file stem. A missing
// directory yields no presets.
func LoadPresets(dir string) (Presets, error) {
	presets := Presets{}
	trimmed := strings.TrimSpace(dir)
	if trimmed == "" {
		return presets, nil
	}
	entries, err := os.ReadDir(trimmed)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return presets, nil
		}
		return nil, fmt.Errorf("quest: read %s: %w", trimmed, err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !isYAMLFile(entry.Name()) {
			continue
		}
		spec, err := LoadSpecFile(filepath.Join(trimmed, entry.Name()))
		if err != nil {
			return nil, err
		}
		mode := normalizeMode(strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name())))
		if mode == ModeLLM {
			return nil, fmt.Errorf("quest: preset name %q is reserved", ModeLLM)
		}
		presets[mode] = spec
	}
	return presets, nil
}

func isYAMLFile(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	return strings.HasSuffix(lower, ".yaml") || strings.HasSuffix(lower, ".yml")
}

func normalizeMode(mode string) string {
	return strings.ToLower(strings.TrimSpace(mode))
}
