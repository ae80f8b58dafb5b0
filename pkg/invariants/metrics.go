// Package invariants tracks violations of the core's financial and workflow
// invariants. Counters only ever go up; the rollout guard and the financial
// panic predicate read the snapshot.
package invariants

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Counter names. These are the keys the rollout guard reads from a snapshot,
// so renaming one is a breaking operational change.
const (
	FinancialFailures   = "financial_invariant_failures_total"
	IllegalTransitions  = "illegal_transition_attempts_total"
	ConcurrentConflicts = "concurrent_conflicts_total"
	DuplicatesPrevented = "event_duplicates_prevented_total"
	PublishFailures     = "outbox_publish_failures_total"
)

// Registry is a process-wide counter set with per-tenant breakdown.
type Registry struct {
	mu       sync.RWMutex
	counters map[string]int64
	byTenant map[string]map[string]int64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		counters: make(map[string]int64),
		byTenant: make(map[string]map[string]int64),
	}
}

// Default is the process-wide registry the core components record into.
var Default = NewRegistry()

// Increment bumps a counter by one.
func (r *Registry) Increment(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
}

// IncrementTenant bumps a counter and its per-tenant breakdown.
func (r *Registry) IncrementTenant(name, tenantID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counters[name]++
	perTenant := r.byTenant[name]
	if perTenant == nil {
		perTenant = make(map[string]int64)
		r.byTenant[name] = perTenant
	}
	perTenant[tenantID]++
}

// Snapshot returns a copy of all counters.
func (r *Registry) Snapshot() map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.counters))
	for k, v := range r.counters {
		out[k] = v
	}
	return out
}

// Breakdown returns the per-tenant counts for one counter.
func (r *Registry) Breakdown(name string) map[string]int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int64, len(r.byTenant[name]))
	for k, v := range r.byTenant[name] {
		out[k] = v
	}
	return out
}

// Get returns one counter value.
func (r *Registry) Get(name string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[name]
}

// ShouldTriggerFinancialPanic reports whether accumulated financial
// invariant failures reached the configured threshold. While true, ingest
// paths refuse new financial mutations.
func (r *Registry) ShouldTriggerFinancialPanic(threshold int64) bool {
	if threshold <= 0 {
		return false
	}
	return r.Get(FinancialFailures) >= threshold
}

// Render emits the counters in Prometheus text exposition format.
func (r *Registry) Render() string {
	snapshot := r.Snapshot()
	names := make([]string, 0, len(snapshot))
	for name := range snapshot {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		fmt.Fprintf(&b, "# TYPE invariant_%s counter\n", name)
		fmt.Fprintf(&b, "invariant_%s %d\n", name, snapshot[name])

		breakdown := r.Breakdown(name)
		tenants := make([]string, 0, len(breakdown))
		for tenant := range breakdown {
			tenants = append(tenants, tenant)
		}
		sort.Strings(tenants)
		for _, tenant := range tenants {
			fmt.Fprintf(&b, "invariant_%s{tenant=%q} %d\n", name, tenant, breakdown[tenant])
		}
	}
	return b.String()
}
