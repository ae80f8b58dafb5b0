package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/agrovista/fincore/pkg/rollout"
)

type rulesFile struct {
	Rules []rollout.Rule `yaml:"rules"`
}

// LoadRolloutRules reads operator-supplied gate rules from a YAML file:
//
//	rules:
//	  - name: conflict-budget
//	    expression: metrics["concurrent_conflicts_total"] <= 50
//
// An empty path returns no rules.
func LoadRolloutRules(path string) ([]rollout.Rule, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rollout rules: %w", err)
	}
	var file rulesFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse rollout rules: %w", err)
	}
	for i, r := range file.Rules {
		if r.Name == "" {
			return nil, fmt.Errorf("rollout rule %d has no name", i)
		}
		if r.Expression == "" {
			return nil, fmt.Errorf("rollout rule %q has no expression", r.Name)
		}
	}
	return file.Rules, nil
}
