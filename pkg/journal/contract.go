package journal

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Integration sources whose ingest payloads must declare a compatible
// contract version.
var integrationSources = map[string]struct{}{
	"TASK_MODULE":             {},
	"HR_MODULE":               {},
	"CONSULTING_ORCHESTRATOR": {},
}

// supportedRange is the semver range of ingest contract versions this core
// accepts from integration sources.
var supportedRange = mustConstraint(">= 1.0.0, < 2.0.0")

func mustConstraint(s string) *semver.Constraints {
	c, err := semver.NewConstraint(s)
	if err != nil {
		panic(err)
	}
	return c
}

// ContractMode controls how compatibility violations are handled.
type ContractMode string

const (
	ContractStrict ContractMode = "strict"
	ContractWarn   ContractMode = "warn"
)

// ContractViolationError reports an ingest payload from an integration source
// with a missing or unsupported contract version.
type ContractViolationError struct {
	TenantID string
	Source   string
	Version  string
}

func (e *ContractViolationError) Error() string {
	version := e.Version
	if version == "" {
		version = "missing"
	}
	return fmt.Sprintf("ingest contract violation: tenant=%s source=%s version=%s supported=%s",
		e.TenantID, e.Source, version, supportedRange.String())
}

// CheckContract validates contract compatibility for integration-sourced
// events. Non-integration sources always pass. In warn mode the violation is
// returned alongside ok=true so callers can log without rejecting.
func CheckContract(metadata map[string]any, tenantID string, mode ContractMode) (bool, *ContractViolationError) {
	source, _ := metadata["source"].(string)
	source = strings.TrimSpace(source)
	if _, tracked := integrationSources[source]; !tracked {
		return true, nil
	}

	violation := &ContractViolationError{TenantID: tenantID, Source: source}
	raw, _ := metadata["contractVersion"].(string)
	raw = strings.TrimSpace(raw)
	if raw != "" {
		violation.Version = raw
		if v, err := semver.NewVersion(raw); err == nil && supportedRange.Check(v) {
			return true, nil
		}
	}

	if mode == ContractStrict {
		return false, violation
	}
	return true, violation
}
