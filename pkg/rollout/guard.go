// Package rollout decides GO or STOP for a deployment from an invariant
// metrics snapshot. Financial invariant failures, illegal transition
// attempts, and an active financial panic are fatal regardless of tolerance;
// system health checks run against environment-configured thresholds.
package rollout

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"

	"github.com/agrovista/fincore/pkg/invariants"
)

// Verdict is the gate outcome.
type Verdict string

const (
	VerdictGo   Verdict = "GO"
	VerdictStop Verdict = "STOP"
)

// PanicState reports whether the financial panic latch is active.
type PanicState struct {
	Active bool   `json:"active"`
	Reason string `json:"reason,omitempty"`
}

// SystemHealth is the operational side of the snapshot.
type SystemHealth struct {
	ErrorRate         float64 `json:"errorRate"`
	P95LatencyMillis  float64 `json:"p95LatencyMs"`
	OutboxPending     int64   `json:"outboxPending"`
	OutboxDeadLetters int64   `json:"outboxDeadLetters"`
}

// Snapshot is the gate input, typically exported by the running deployment
// and handed to the CI pipeline as JSON.
type Snapshot struct {
	Metrics map[string]int64 `json:"metrics"`
	Panic   PanicState       `json:"panic"`
	System  SystemHealth     `json:"system"`
}

// LoadSnapshot reads a snapshot JSON file.
func LoadSnapshot(path string) (Snapshot, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return snap, nil
}

// Thresholds are the tunable limits. The always-fatal checks have no knobs
// on purpose: a deploy on top of financial corruption is never acceptable.
type Thresholds struct {
	MaxErrorRate         float64 `env:"ROLLOUT_MAX_ERROR_RATE" envDefault:"0.01"`
	MaxP95LatencyMillis  float64 `env:"ROLLOUT_MAX_P95_LATENCY_MS" envDefault:"500"`
	MaxOutboxPending     int64   `env:"ROLLOUT_MAX_OUTBOX_PENDING" envDefault:"1000"`
	MaxOutboxDeadLetters int64   `env:"ROLLOUT_MAX_OUTBOX_DEAD_LETTERS" envDefault:"0"`
}

// ThresholdsFromEnv parses thresholds from the environment.
func ThresholdsFromEnv() (Thresholds, error) {
	var t Thresholds
	if err := env.Parse(&t); err != nil {
		return Thresholds{}, fmt.Errorf("parse rollout thresholds: %w", err)
	}
	return t, nil
}

// Decision is the gate output: the verdict plus one reason per failed check.
type Decision struct {
	Verdict Verdict  `json:"verdict"`
	Reasons []string `json:"reasons,omitempty"`
}

// Go reports whether the deployment may proceed.
func (d Decision) Go() bool { return d.Verdict == VerdictGo }

// ExitCode is the CI/CD process exit code for this decision.
func (d Decision) ExitCode() int {
	if d.Go() {
		return 0
	}
	return 1
}

// Evaluate runs every check against the snapshot. All failures are itemized;
// the gate never stops at the first one, so an operator sees the full
// picture in one run.
func Evaluate(snap Snapshot, t Thresholds) Decision {
	var reasons []string

	if n := snap.Metrics[invariants.FinancialFailures]; n > 0 {
		reasons = append(reasons, fmt.Sprintf(
			"financial invariant failures present: %d (always fatal)", n))
	}
	if n := snap.Metrics[invariants.IllegalTransitions]; n > 0 {
		reasons = append(reasons, fmt.Sprintf(
			"illegal transition attempts present: %d (always fatal)", n))
	}
	if snap.Panic.Active {
		reason := "financial panic active (always fatal)"
		if snap.Panic.Reason != "" {
			reason = fmt.Sprintf("financial panic active: %s (always fatal)", snap.Panic.Reason)
		}
		reasons = append(reasons, reason)
	}

	if snap.System.ErrorRate > t.MaxErrorRate {
		reasons = append(reasons, fmt.Sprintf(
			"error rate %.4f exceeds limit %.4f", snap.System.ErrorRate, t.MaxErrorRate))
	}
	if snap.System.P95LatencyMillis > t.MaxP95LatencyMillis {
		reasons = append(reasons, fmt.Sprintf(
			"p95 latency %.0fms exceeds limit %.0fms", snap.System.P95LatencyMillis, t.MaxP95LatencyMillis))
	}
	if snap.System.OutboxPending > t.MaxOutboxPending {
		reasons = append(reasons, fmt.Sprintf(
			"outbox backlog %d exceeds limit %d", snap.System.OutboxPending, t.MaxOutboxPending))
	}
	if snap.System.OutboxDeadLetters > t.MaxOutboxDeadLetters {
		reasons = append(reasons, fmt.Sprintf(
			"outbox dead letters %d exceed limit %d", snap.System.OutboxDeadLetters, t.MaxOutboxDeadLetters))
	}

	if len(reasons) > 0 {
		return Decision{Verdict: VerdictStop, Reasons: reasons}
	}
	return Decision{Verdict: VerdictGo}
}

// EvaluateWithRules runs Evaluate plus a compiled rule set; rule violations
// append to the reasons and force STOP like any built-in check.
func EvaluateWithRules(snap Snapshot, t Thresholds, rules *RuleSet) (Decision, error) {
	decision := Evaluate(snap, t)
	if rules == nil {
		return decision, nil
	}
	violations, err := rules.Evaluate(snap)
	if err != nil {
		return Decision{}, err
	}
	if len(violations) > 0 {
		decision.Verdict = VerdictStop
		decision.Reasons = append(decision.Reasons, violations...)
	}
	return decision, nil
}
