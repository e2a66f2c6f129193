package rules

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/username/landlordly/backend/src/model"
)

//go:embed defaults.yaml
var defaultsYAML []byte

type defaultRuleDoc struct {
	Name       string          `yaml:"name"`
	Priority   int             `yaml:"priority"`
	Type       string          `yaml:"type"`
	Category   string          `yaml:"category"`
	Conditions conditionSetDoc `yaml:"conditions"`
}

// DefaultRules returns the seed rule set, with conditions in stored JSON form.
func DefaultRules() ([]model.MatchingRule, error) {
	var doc struct {
		Rules []defaultRuleDoc `yaml:"rules"`
	}
	if err := yaml.Unmarshal(defaultsYAML, &doc); err != nil {
		return nil, fmt.Errorf("parse default rules: %w", err)
	}
	out := make([]model.MatchingRule, 0, len(doc.Rules))
	for _, d := range doc.Rules {
		set, err := fromDoc(d.Conditions)
		if err != nil {
			return nil, fmt.Errorf("default rule %q: %w", d.Name, err)
		}
		encoded, err := Encode(set)
		if err != nil {
			return nil, err
		}
		r := model.MatchingRule{
			Name:       d.Name,
			Priority:   d.Priority,
			Enabled:    true,
			Conditions: encoded,
		}
		if d.Type != "" {
			t := d.Type
			r.Type = &t
		}
		if d.Category != "" {
			c := d.Category
			r.Category = &c
		}
		out = append(out, r)
	}
	return out, nil
}
