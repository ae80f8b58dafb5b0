package rollout

import (
	"fmt"

	"github.com/google/cel-go/cel"
)

// Rule is one operator-supplied gate expression. The expression must
// evaluate to a bool over the snapshot; true means the check passes, false
// adds a STOP reason named after the rule.
type Rule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
}

type compiledRule struct {
	name    string
	expr    string
	program cel.Program
}

// RuleSet is a compiled set of gate rules.
type RuleSet struct {
	rules []compiledRule
}

// CompileRules builds a rule set. Expressions see three variables:
// metrics (map of counter name to count), panic (bool), and system
// (errorRate, p95LatencyMs, outboxPending, outboxDeadLetters).
func CompileRules(rules []Rule) (*RuleSet, error) {
	celEnv, err := cel.NewEnv(
		cel.Variable("metrics", cel.MapType(cel.StringType, cel.IntType)),
		cel.Variable("panic", cel.BoolType),
		cel.Variable("system", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("build rule environment: %w", err)
	}

	set := &RuleSet{}
	for _, r := range rules {
		ast, issues := celEnv.Compile(r.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compile rule %q: %w", r.Name, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("rule %q must evaluate to bool, got %s", r.Name, ast.OutputType())
		}
		program, err := celEnv.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("program rule %q: %w", r.Name, err)
		}
		set.rules = append(set.rules, compiledRule{name: r.Name, expr: r.Expression, program: program})
	}
	return set, nil
}

// Evaluate runs every rule against the snapshot and returns one reason per
// failed rule.
func (s *RuleSet) Evaluate(snap Snapshot) ([]string, error) {
	input := map[string]any{
		"metrics": snap.Metrics,
		"panic":   snap.Panic.Active,
		"system": map[string]any{
			"errorRate":         snap.System.ErrorRate,
			"p95LatencyMs":      snap.System.P95LatencyMillis,
			"outboxPending":     snap.System.OutboxPending,
			"outboxDeadLetters": snap.System.OutboxDeadLetters,
		},
	}

	var violations []string
	for _, r := range s.rules {
		out, _, err := r.program.Eval(input)
		if err != nil {
			return nil, fmt.Errorf("evaluate rule %q: %w", r.name, err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return nil, fmt.Errorf("rule %q returned non-bool %v", r.name, out.Value())
		}
		if !ok {
			violations = append(violations, fmt.Sprintf("rule %q failed: %s", r.name, r.expr))
		}
	}
	return violations, nil
}
