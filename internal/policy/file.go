package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileDraft struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Priority    int              `yaml:"priority"`
	Enabled     *bool            `yaml:"enabled"`
	Rules       []map[string]any `yaml:"rules"`
}

type policyFile struct {
	Policies []fileDraft `yaml:"policies"`
}

// LoadFile reads policy drafts from a YAML or JSON file with a top-level
// "policies" list. Every draft's rules are decoded before returning.
func LoadFile(path string) ([]Draft, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy file read: %w", err)
	}
	return ParseFile(data)
}

// ParseFile is LoadFile over in-memory content.
func ParseFile(data []byte) ([]Draft, error) {
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("policy file unmarshal: %w", err)
	}

	drafts := make([]Draft, 0, len(f.Policies))
	for i, p := range f.Policies {
		rules, err := json.Marshal(p.Rules)
		if err != nil {
			return nil, fmt.Errorf("policy %d (%s): encode rules: %w", i, p.Name, err)
		}
		if _, err := DecodeRules(rules); err != nil {
			return nil, fmt.Errorf("policy %d (%s): %w", i, p.Name, err)
		}
		drafts = append(drafts, Draft{
			Name:        p.Name,
			Description: p.Description,
			Priority:    p.Priority,
			Rules:       rules,
			Enabled:     p.Enabled,
		})
	}
	return drafts, nil
}
