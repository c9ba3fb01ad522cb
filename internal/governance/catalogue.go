package governance

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type catalogueFile struct {
	Modules []Module `yaml:"modules"`
}

// ModulesOfType reads the catalogue of modules available for t from
// <catalogueDir>/<t>.yaml. Entries inherit the file's type when they omit one.
func (s *Store) ModulesOfType(t Type) ([]Module, error) {
	if _, err := ParseType(string(t)); err != nil {
		return nil, err
	}
	path := filepath.Join(s.catalogueDir, string(t)+".yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("governance: read %s: %w", path, err)
	}
	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("governance: parse %s: %w", path, err)
	}
	seen := map[string]struct{}{}
	out := make([]Module, 0, len(file.Modules))
	for i, entry := range file.Modules {
		if strings.TrimSpace(string(entry.Type)) == "" {
			entry.Type = t
		}
		entry = entry.Normalized()
		if entry.Type != t {
			return nil, fmt.Errorf("governance: %s entry %d has type %s", path, i, entry.Type)
		}
		if err := entry.Validate(); err != nil {
			return nil, fmt.Errorf("governance: %s entry %d: %w", path, i, err)
		}
		if _, dup := seen[entry.Key]; dup {
			return nil, fmt.Errorf("governance: %s lists %s twice", path, entry.Key)
		}
		seen[entry.Key] = struct{}{}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("governance: %s lists no modules", path)
	}
	return out, nil
}
