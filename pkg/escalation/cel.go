package escalation

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/dislovemartin/ACGS-sub005/pkg/contracts"
)

// CELRuleSpec declares an extra escalation rule whose predicate is a CEL
// expression. Variables: severity, confidence, failed_attempts,
// principle_count, conflict_type, stakeholder_count, priority_score,
// escalation_required.
type CELRuleSpec struct {
	ID             string   `yaml:"id" json:"id"`
	Description    string   `yaml:"description,omitempty" json:"description,omitempty"`
	When           string   `yaml:"when" json:"when"`
	Level          string   `yaml:"level" json:"level"`
	TimeoutMinutes int      `yaml:"timeout_minutes" json:"timeout_minutes"`
	RequiredRoles  []string `yaml:"required_roles,omitempty" json:"required_roles,omitempty"`
	Channels       []string `yaml:"channels,omitempty" json:"channels,omitempty"`
	PriorityBoost  float64  `yaml:"priority_boost,omitempty" json:"priority_boost,omitempty"`
}

func newCELEnv() (*cel.Env, error) {
	env, err := cel.NewEnv(
		cel.Variable("severity", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("failed_attempts", cel.IntType),
		cel.Variable("principle_count", cel.IntType),
		cel.Variable("conflict_type", cel.StringType),
		cel.Variable("stakeholder_count", cel.IntType),
		cel.Variable("priority_score", cel.DoubleType),
		cel.Variable("escalation_required", cel.BoolType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

// CompileCELRules compiles specs into rules. Compilation errors are returned
// up front; evaluation errors surface at match time.
func CompileCELRules(specs []CELRuleSpec) ([]Rule, error) {
	if len(specs) == 0 {
		return nil, nil
	}
	env, err := newCELEnv()
	if err != nil {
		return nil, err
	}

	rules := make([]Rule, 0, len(specs))
	for _, spec := range specs {
		if spec.ID == "" || spec.When == "" {
			return nil, contracts.E(contracts.KindValidationFailure, "escalation.CompileCELRules", "rule requires id and when")
		}
		level, ok := contracts.ParseEscalationLevel(strings.ToUpper(spec.Level))
		if !ok {
			return nil, contracts.E(contracts.KindValidationFailure, "escalation.CompileCELRules", "rule %s: unknown level %q", spec.ID, spec.Level)
		}
		if spec.TimeoutMinutes <= 0 {
			return nil, contracts.E(contracts.KindValidationFailure, "escalation.CompileCELRules", "rule %s: timeout_minutes must be positive", spec.ID)
		}

		ast, issues := env.Compile(spec.When)
		if issues != nil && issues.Err() != nil {
			return nil, contracts.Wrap(contracts.KindValidationFailure, "escalation.CompileCELRules", fmt.Errorf("rule %s: compile: %w", spec.ID, issues.Err()))
		}
		if !ast.OutputType().IsExactType(cel.BoolType) {
			return nil, contracts.E(contracts.KindValidationFailure, "escalation.CompileCELRules", "rule %s: expression must be bool, got %s", spec.ID, ast.OutputType())
		}
		prg, err := env.Program(ast,
			cel.InterruptCheckFrequency(100),
			cel.CostLimit(10000),
		)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program: %w", spec.ID, err)
		}

		roles := make([]contracts.Role, len(spec.RequiredRoles))
		for i, r := range spec.RequiredRoles {
			roles[i] = contracts.Role(r)
		}
		channels := make([]contracts.Channel, len(spec.Channels))
		for i, c := range spec.Channels {
			channels[i] = contracts.Channel(c)
		}
		if len(channels) == 0 {
			channels = []contracts.Channel{contracts.ChannelLog}
		}

		id := spec.ID
		rules = append(rules, Rule{
			ID:             id,
			Description:    spec.Description,
			Level:          level,
			TimeoutMinutes: spec.TimeoutMinutes,
			RequiredRoles:  roles,
			Channels:       channels,
			PriorityBoost:  spec.PriorityBoost,
			Match: func(f Facts) (bool, error) {
				out, _, err := prg.Eval(map[string]any{
					"severity":            string(f.Severity),
					"confidence":          f.Confidence,
					"failed_attempts":     int64(f.FailedAttempts),
					"principle_count":     int64(f.PrincipleCount),
					"conflict_type":       string(f.ConflictType),
					"stakeholder_count":   int64(f.StakeholderCount),
					"priority_score":      f.PriorityScore,
					"escalation_required": f.EscalationRequired,
				})
				if err != nil {
					return false, fmt.Errorf("rule %s: eval: %w", id, err)
				}
				val, ok := out.Value().(bool)
				if !ok {
					return false, fmt.Errorf("rule %s: result not bool", id)
				}
				return val, nil
			},
		})
	}
	return rules, nil
}
