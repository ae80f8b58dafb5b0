// Package workflow is the transition guard: a declarative allow-list of
// legal state transitions per entity type, enforced in the service layer and
// mirrored as a storage trigger (see trigger.go) so a bypass at either layer
// still fails.
//
// The guard is pure: it queries no external state and has no side effects.
package workflow

import (
	_ "embed"
	"fmt"

	"gopkg.in/yaml.v3"
)

//go:embed policy.yaml
var policyYAML []byte

// Capability names an actor permission checked by transition rules.
type Capability string

const (
	CapBudgetEdit     Capability = "budget:edit"
	CapBudgetApprove  Capability = "budget:approve"
	CapBudgetActivate Capability = "budget:activate"
)

// TransitionRule is one allow-list row. From may be the wildcard "*",
// meaning any non-terminal state.
type TransitionRule struct {
	EntityType string     `yaml:"-"`
	From       string     `yaml:"from"`
	To         string     `yaml:"to"`
	Capability Capability `yaml:"capability"`
}

type entityPolicy struct {
	States      []string         `yaml:"states"`
	Terminal    []string         `yaml:"terminal"`
	Transitions []TransitionRule `yaml:"transitions"`
}

type policyFile struct {
	Entities map[string]entityPolicy `yaml:"entities"`
}

// Policy holds the parsed allow-list for all guarded entity types.
type Policy struct {
	entities map[string]entityPolicy
}

// IllegalTransitionError reports a disallowed state change. It is surfaced
// identically whether the service guard or the storage trigger caught it.
type IllegalTransitionError struct {
	EntityType string
	From       string
	To         string
	Missing    Capability // set when the pair is legal but the actor lacks the capability
}

func (e *IllegalTransitionError) Error() string {
	if e.Missing != "" {
		return fmt.Sprintf("illegal transition %s: %s -> %s requires capability %q",
			e.EntityType, e.From, e.To, e.Missing)
	}
	return fmt.Sprintf("illegal transition %s: %s -> %s", e.EntityType, e.From, e.To)
}

// Load parses the embedded allow-list. It panics only on a corrupted embed,
// which is a build defect.
func Load() *Policy {
	p, err := parse(policyYAML)
	if err != nil {
		panic(fmt.Sprintf("workflow: embedded policy invalid: %v", err))
	}
	return p
}

func parse(raw []byte) (*Policy, error) {
	var file policyFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if len(file.Entities) == 0 {
		return nil, fmt.Errorf("parse policy: no entities declared")
	}
	for name, ep := range file.Entities {
		known := make(map[string]bool, len(ep.States))
		for _, s := range ep.States {
			known[s] = true
		}
		for _, r := range ep.Transitions {
			if r.From != "*" && !known[r.From] {
				return nil, fmt.Errorf("parse policy: %s: unknown from-state %q", name, r.From)
			}
			if !known[r.To] {
				return nil, fmt.Errorf("parse policy: %s: unknown to-state %q", name, r.To)
			}
		}
	}
	return &Policy{entities: file.Entities}, nil
}

// Rules expands the allow-list for one entity into concrete rows, with
// wildcards resolved against the entity's non-terminal states. This is the
// exact row set Arm mirrors into storage.
func (p *Policy) Rules(entityType string) []TransitionRule {
	ep, ok := p.entities[entityType]
	if !ok {
		return nil
	}
	terminal := make(map[string]bool, len(ep.Terminal))
	for _, s := range ep.Terminal {
		terminal[s] = true
	}

	var rules []TransitionRule
	for _, r := range ep.Transitions {
		if r.From != "*" {
			r.EntityType = entityType
			rules = append(rules, r)
			continue
		}
		for _, from := range ep.States {
			if terminal[from] || from == r.To {
				continue
			}
			rules = append(rules, TransitionRule{
				EntityType: entityType,
				From:       from,
				To:         r.To,
				Capability: r.Capability,
			})
		}
	}
	return rules
}

// EntityTypes lists the guarded entity types.
func (p *Policy) EntityTypes() []string {
	types := make([]string, 0, len(p.entities))
	for name := range p.entities {
		types = append(types, name)
	}
	return types
}

// CanTransition reports whether from -> to is legal for the entity type given
// the actor's capabilities. Pairs outside the allow-list are illegal for
// every actor.
func (p *Policy) CanTransition(entityType, from, to string, caps []Capability) bool {
	rule, ok := p.lookup(entityType, from, to)
	if !ok {
		return false
	}
	if rule.Capability == "" {
		return true
	}
	for _, c := range caps {
		if c == rule.Capability {
			return true
		}
	}
	return false
}

// Validate is CanTransition raising *IllegalTransitionError on denial.
func (p *Policy) Validate(entityType, from, to string, caps []Capability) error {
	rule, ok := p.lookup(entityType, from, to)
	if !ok {
		return &IllegalTransitionError{EntityType: entityType, From: from, To: to}
	}
	if p.CanTransition(entityType, from, to, caps) {
		return nil
	}
	return &IllegalTransitionError{EntityType: entityType, From: from, To: to, Missing: rule.Capability}
}

func (p *Policy) lookup(entityType, from, to string) (TransitionRule, bool) {
	for _, r := range p.Rules(entityType) {
		if r.From == from && r.To == to {
			return r, true
		}
	}
	return TransitionRule{}, false
}
