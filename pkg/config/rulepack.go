package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/dislovemartin/ACGS-sub005/pkg/detector"
	"github.com/dislovemartin/ACGS-sub005/pkg/escalation"
)

// RulePack extends the built-in escalation rules and conflict patterns.
type RulePack struct {
	Name            string                   `yaml:"name" json:"name"`
	EscalationRules []escalation.CELRuleSpec `yaml:"escalation_rules" json:"escalation_rules"`
	Patterns        []detector.Pattern       `yaml:"patterns" json:"patterns"`
}

// LoadRulePack loads one rule pack YAML file.
func LoadRulePack(path string) (*RulePack, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("load rule pack %q: %w", path, err)
	}

	var pack RulePack
	if err := yaml.Unmarshal(data, &pack); err != nil {
		return nil, fmt.Errorf("parse rule pack %q: %w", path, err)
	}
	if pack.Name == "" {
		pack.Name = filepath.Base(path)
	}
	for i, p := range pack.Patterns {
		if p.Name == "" || len(p.Keywords) == 0 {
			return nil, fmt.Errorf("rule pack %q: pattern %d needs a name and keywords", path, i)
		}
	}
	return &pack, nil
}

// LoadRulePacks loads every rulepack_*.yaml in dir, in file name order, and
// merges them into one pack.
func LoadRulePacks(dir string) (*RulePack, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "rulepack_*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)

	merged := &RulePack{Name: dir}
	for _, path := range matches {
		pack, err := LoadRulePack(path)
		if err != nil {
			return nil, err
		}
		merged.EscalationRules = append(merged.EscalationRules, pack.EscalationRules...)
		merged.Patterns = append(merged.Patterns, pack.Patterns...)
	}
	return merged, nil
}

// CompileRules compiles the pack's CEL escalation rules.
func (p *RulePack) CompileRules() ([]escalation.Rule, error) {
	if p == nil {
		return nil, nil
	}
	return escalation.CompileCELRules(p.EscalationRules)
}
