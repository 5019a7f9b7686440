package filter

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// rulesDocument is the on-disk shape of a standalone rules file.
type rulesDocument struct {
	Exclusions []string   `yaml:"exclusions"`
	Rules      []RuleSpec `yaml:"rules"`
}

// LoadRulesFile reads a YAML rules document and returns the validated
// rules plus any exclusions it declares. The file is rejected as a
// whole if any rule fails validation, so a partially-applied rule set
// can never become active.
func LoadRulesFile(path string) ([]*Rule, []string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read rules file: %w", err)
	}

	var doc rulesDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse rules file: %w", err)
	}

	rules := make([]*Rule, 0, len(doc.Rules))
	for i, spec := range doc.Rules {
		rule, err := NewRule(spec)
		if err != nil {
			return nil, nil, fmt.Errorf("rules file entry %d: %w", i+1, err)
		}
		rules = append(rules, rule)
	}

	return rules, doc.Exclusions, nil
}
