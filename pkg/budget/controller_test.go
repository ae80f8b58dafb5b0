package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrovista/fincore/pkg/invariants"
	"github.com/agrovista/fincore/pkg/journal"
	"github.com/agrovista/fincore/pkg/outbox"
	"github.com/agrovista/fincore/pkg/workflow"
)

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discard{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestController(t *testing.T) (*Controller, *MemoryStore, *outbox.MemoryStore, *invariants.Registry) {
	t.Helper()
	sink := outbox.NewMemoryStore()
	store := NewMemoryStore(sink)
	metrics := invariants.NewRegistry()
	ctrl := NewController(store, workflow.Load(), metrics, testLogger(), 0)
	return ctrl, store, sink, metrics
}

func seedPlan(t *testing.T, ctrl *Controller) Plan {
	t.Helper()
	plan, err := ctrl.Create(context.Background(), NewPlan("tenant-1", "season 2026"))
	require.NoError(t, err)
	return plan
}

func TestControllerCreateEmitsBootstrapEvent(t *testing.T) {
	ctrl, _, sink, _ := newTestController(t)
	plan := seedPlan(t, ctrl)
	assert.Equal(t, int64(1), plan.Version)

	stats, err := sink.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestControllerMutateBumpsVersionByOne(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	plan := seedPlan(t, ctrl)

	updated, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID, nil, func(m *Mutation) error {
		m.Plan.Items = append(m.Plan.Items, Item{
			ID: "i1", Category: "seed", Planned: decimal.NewFromInt(1500),
		})
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)
	assert.Equal(t, "1500", updated.TotalPlanned.String())

	stored, err := store.Get(context.Background(), plan.TenantID, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Version)
}

func TestControllerMutateStampsEventCorrelation(t *testing.T) {
	ctrl, _, sink, _ := newTestController(t)
	plan := seedPlan(t, ctrl)

	_, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID, nil, func(m *Mutation) error {
		m.Emit("COST_INCURRED", map[string]any{"amount": "125.50"})
		return nil
	})
	require.NoError(t, err)

	claimed, err := sink.ClaimPending(context.Background(), 10, time.Now())
	require.NoError(t, err)
	require.Len(t, claimed, 2)

	var event outbox.Message
	for _, m := range claimed {
		if m.Type == "COST_INCURRED" {
			event = m
		}
	}
	require.NotEmpty(t, event.ID)
	assert.Equal(t, plan.ID, event.AggregateID)
	assert.Equal(t, EntityType, event.AggregateType)
	assert.Equal(t, "tenant-1", event.Payload["tenantId"])
	assert.Equal(t, plan.ID, event.Payload["planId"])
	assert.Equal(t, int64(2), event.Payload["planVersion"])
	assert.Equal(t, "125.50", event.Payload["amount"])
	hash, ok := event.Payload["stateHash"].(string)
	require.True(t, ok)
	assert.Len(t, hash, 64)
}

func TestControllerTransitionRequiresCapability(t *testing.T) {
	ctrl, store, _, metrics := newTestController(t)
	plan := seedPlan(t, ctrl)

	_, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID, nil, func(m *Mutation) error {
		return m.Transition(StatusReview)
	})
	var terr *workflow.IllegalTransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, workflow.CapBudgetEdit, terr.Missing)
	assert.Equal(t, int64(1), metrics.Get(invariants.IllegalTransitions))

	// Denied mutation leaves the plan untouched.
	stored, err := store.Get(context.Background(), plan.TenantID, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusDraft, stored.Status)
	assert.Equal(t, int64(1), stored.Version)
}

func TestControllerTransitionWithCapability(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	plan := seedPlan(t, ctrl)

	updated, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID,
		[]workflow.Capability{workflow.CapBudgetEdit},
		func(m *Mutation) error { return m.Transition(StatusReview) })
	require.NoError(t, err)
	assert.Equal(t, StatusReview, updated.Status)
}

func TestControllerSkippedStateIsIllegal(t *testing.T) {
	ctrl, _, _, _ := newTestController(t)
	plan := seedPlan(t, ctrl)

	_, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID,
		[]workflow.Capability{workflow.CapBudgetEdit, workflow.CapBudgetApprove, workflow.CapBudgetActivate},
		func(m *Mutation) error { return m.Transition(StatusActive) })
	var terr *workflow.IllegalTransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "DRAFT", terr.From)
	assert.Equal(t, "ACTIVE", terr.To)
}

func TestControllerRejectsUnbalancedPostings(t *testing.T) {
	ctrl, _, sink, metrics := newTestController(t)
	plan := seedPlan(t, ctrl)

	_, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID, nil, func(m *Mutation) error {
		m.Post(
			journal.Posting{Type: journal.Debit, Amount: decimal.RequireFromString("100.00")},
			journal.Posting{Type: journal.Credit, Amount: decimal.RequireFromString("99.99")},
		)
		m.Emit("COST_INCURRED", nil)
		return nil
	})
	var uerr *journal.UnbalancedError
	require.True(t, errors.As(err, &uerr))
	assert.Equal(t, "0.01", uerr.Delta.String())
	assert.Equal(t, int64(1), metrics.Get(invariants.FinancialFailures))

	// Nothing committed: only the creation event is in the outbox.
	stats, err := sink.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
}

func TestControllerAcceptsBalancedPostings(t *testing.T) {
	ctrl, _, _, metrics := newTestController(t)
	plan := seedPlan(t, ctrl)

	_, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID, nil, func(m *Mutation) error {
		m.Post(
			journal.Posting{Type: journal.Debit, Amount: decimal.RequireFromString("100.00005")},
			journal.Posting{Type: journal.Credit, Amount: decimal.RequireFromString("100.00014")},
		)
		return nil
	})
	// Both sides round to 100.0001 at the canonical scale.
	require.NoError(t, err)
	assert.Zero(t, metrics.Get(invariants.FinancialFailures))
}

func TestControllerConcurrentMutationsAllLand(t *testing.T) {
	ctrl, store, _, metrics := newTestController(t)
	plan := seedPlan(t, ctrl)

	const writers = 10
	var wg sync.WaitGroup
	var successes atomic.Int64
	versions := make(chan int64, writers)

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			updated, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID, nil, func(m *Mutation) error {
				m.Plan.Items = append(m.Plan.Items, Item{
					ID:       fmt.Sprintf("i%d", n),
					Category: "field-ops",
					Planned:  decimal.NewFromInt(10),
				})
				return nil
			})
			if err == nil {
				successes.Add(1)
				versions <- updated.Version
			}
		}(i)
	}
	wg.Wait()
	close(versions)

	// Memory store serializes CAS, so with generous retries every writer
	// should land; tolerate exhaustion but require the ledger to stay exact.
	stored, err := store.Get(context.Background(), plan.TenantID, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1)+successes.Load(), stored.Version,
		"version must advance exactly once per committed mutation")
	assert.Len(t, stored.Items, int(successes.Load()))
	assert.Equal(t, decimal.NewFromInt(10*successes.Load()).String(), stored.TotalPlanned.String())

	seen := make(map[int64]bool)
	for v := range versions {
		assert.False(t, seen[v], "no two mutations may commit the same version")
		seen[v] = true
	}

	if successes.Load() < writers {
		assert.Positive(t, metrics.Get(invariants.ConcurrentConflicts))
	}
}

func TestControllerRetriesExhausted(t *testing.T) {
	sink := outbox.NewMemoryStore()
	store := NewMemoryStore(sink)
	metrics := invariants.NewRegistry()
	ctrl := NewController(&alwaysConflict{store}, workflow.Load(), metrics, testLogger(), 3)

	plan := NewPlan("tenant-1", "p")
	require.NoError(t, store.Create(context.Background(), plan))

	_, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID, nil, func(m *Mutation) error {
		return nil
	})
	assert.True(t, errors.Is(err, ErrConcurrentModification))
	assert.Equal(t, int64(3), metrics.Get(invariants.ConcurrentConflicts))
}

func activatePlan(t *testing.T, ctrl *Controller, plan Plan) Plan {
	t.Helper()
	caps := []workflow.Capability{workflow.CapBudgetEdit, workflow.CapBudgetApprove, workflow.CapBudgetActivate}
	var (
		out Plan
		err error
	)
	for _, status := range []Status{StatusReview, StatusApproved, StatusActive} {
		out, err = ctrl.Mutate(context.Background(), plan.TenantID, plan.ID, caps,
			func(m *Mutation) error { return m.Transition(status) })
		require.NoError(t, err)
	}
	return out
}

func TestControllerSyncActualsRequiresActivePlan(t *testing.T) {
	ctrl, store, _, _ := newTestController(t)
	plan := seedPlan(t, ctrl)

	_, err := ctrl.SyncActuals(context.Background(), plan.TenantID, plan.ID, nil)
	require.True(t, errors.Is(err, ErrSyncRequiresActive))

	stored, err := store.Get(context.Background(), plan.TenantID, plan.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Version)
}

func TestControllerSyncActualsUpdatesTotals(t *testing.T) {
	ctrl, _, sink, _ := newTestController(t)
	plan := seedPlan(t, ctrl)

	_, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID, nil, func(m *Mutation) error {
		m.Plan.Items = []Item{
			{ID: "i1", Category: "seeds", Planned: decimal.NewFromInt(1000), Actual: decimal.RequireFromString("400.50")},
			{ID: "i2", Category: "fuel", Planned: decimal.NewFromInt(500), Actual: decimal.RequireFromString("99.50")},
		}
		return nil
	})
	require.NoError(t, err)
	activated := activatePlan(t, ctrl, plan)

	result, err := ctrl.SyncActuals(context.Background(), plan.TenantID, plan.ID, nil)
	require.NoError(t, err)
	assert.False(t, result.Overspent)
	assert.Empty(t, result.Overruns)
	assert.Equal(t, "500", result.TotalActual.String())
	assert.Equal(t, activated.Version+1, result.Plan.Version)

	// In-budget syncs raise no review event.
	claimed, err := sink.ClaimPending(context.Background(), 50, time.Now())
	require.NoError(t, err)
	for _, m := range claimed {
		assert.NotEqual(t, string(journal.EventAdjustment), m.Type)
	}
}

func TestControllerSyncActualsFlagsOverspend(t *testing.T) {
	ctrl, _, sink, _ := newTestController(t)
	plan := seedPlan(t, ctrl)

	_, err := ctrl.Mutate(context.Background(), plan.TenantID, plan.ID, nil, func(m *Mutation) error {
		m.Plan.Items = []Item{
			{ID: "i1", Category: "seeds", Planned: decimal.NewFromInt(1000), Actual: decimal.RequireFromString("1250.75")},
			{ID: "i2", Category: "fuel", Planned: decimal.NewFromInt(500), Actual: decimal.NewFromInt(100)},
		}
		return nil
	})
	require.NoError(t, err)
	activatePlan(t, ctrl, plan)

	result, err := ctrl.SyncActuals(context.Background(), plan.TenantID, plan.ID, nil)
	require.NoError(t, err)
	assert.True(t, result.Overspent)
	require.Len(t, result.Overruns, 1)
	assert.Equal(t, "seeds", result.Overruns[0].Category)
	assert.Equal(t, "1350.75", result.TotalActual.String())

	claimed, err := sink.ClaimPending(context.Background(), 50, time.Now())
	require.NoError(t, err)
	var review outbox.Message
	for _, m := range claimed {
		if m.Type == string(journal.EventAdjustment) {
			review = m
		}
	}
	require.NotEmpty(t, review.ID, "overspend must raise a review event")
	assert.Equal(t, "FINANCIAL", review.Payload["reviewType"])
	assert.Contains(t, review.Payload["summary"], "seeds")
	overruns, ok := review.Payload["overruns"].([]any)
	require.True(t, ok)
	require.Len(t, overruns, 1)
	line, ok := overruns[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "1250.75", line["actual"])
	assert.Equal(t, "1000", line["planned"])
}

// alwaysConflict wraps a store and fails every Update with a version conflict.
type alwaysConflict struct {
	*MemoryStore
}

func (s *alwaysConflict) Update(context.Context, Plan, int64, ...outbox.Message) error {
	return ErrVersionConflict
}
