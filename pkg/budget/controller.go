package budget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/agrovista/fincore/pkg/canonical"
	"github.com/agrovista/fincore/pkg/invariants"
	"github.com/agrovista/fincore/pkg/journal"
	"github.com/agrovista/fincore/pkg/outbox"
	"github.com/agrovista/fincore/pkg/workflow"
)

// ErrConcurrentModification reports a mutation that lost the version race on
// every retry attempt. The caller may resubmit; no partial state was written.
var ErrConcurrentModification = errors.New("budget plan concurrently modified, retries exhausted")

// DefaultMaxRetries bounds the reload-reapply loop per mutation.
const DefaultMaxRetries = 8

// eventVersion is the wire contract version stamped into every emitted
// payload.
const eventVersion = 1

// Controller applies mutations to budget plans under optimistic concurrency:
// read, apply in memory, compare-and-swap. On a version conflict it reloads
// the fresh state and reapplies the whole mutation, so a mutation function
// must be pure over the plan it is handed.
type Controller struct {
	store      Store
	policy     *workflow.Policy
	metrics    *invariants.Registry
	logger     *slog.Logger
	maxRetries int
	clock      func() time.Time
}

// NewController wires a controller. maxRetries <= 0 uses DefaultMaxRetries.
func NewController(store Store, policy *workflow.Policy, metrics *invariants.Registry, logger *slog.Logger, maxRetries int) *Controller {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Controller{
		store:      store,
		policy:     policy,
		metrics:    metrics,
		logger:     logger,
		maxRetries: maxRetries,
		clock:      time.Now,
	}
}

// WithClock overrides the clock for tests.
func (c *Controller) WithClock(clock func() time.Time) *Controller {
	c.clock = clock
	return c
}

// Mutation is the working state handed to a mutation function. Edit the Plan
// fields directly; use Transition for status changes so the allow-list is
// consulted, Post for financial postings, and Emit for outbox events.
type Mutation struct {
	Plan *Plan

	policy   *workflow.Policy
	caps     []workflow.Capability
	postings []journal.Posting
	events   []pendingEvent
}

type pendingEvent struct {
	eventType string
	payload   map[string]any
}

// Transition moves the plan to a new status, consulting the transition
// allow-list with the actor's capabilities. Returns *workflow.IllegalTransitionError
// on denial; the plan is unchanged in that case.
func (m *Mutation) Transition(to Status) error {
	if err := m.policy.Validate(EntityType, string(m.Plan.Status), string(to), m.caps); err != nil {
		return err
	}
	m.Plan.Status = to
	return nil
}

// Post records double-entry postings to be balance-checked at commit.
func (m *Mutation) Post(postings ...journal.Posting) {
	m.postings = append(m.postings, postings...)
}

// Emit queues a domain event for the outbox. The controller completes the
// payload with the tenant, plan correlation, the post-commit version, and the
// canonical state hash.
func (m *Mutation) Emit(eventType string, payload map[string]any) {
	m.events = append(m.events, pendingEvent{eventType: eventType, payload: payload})
}

// Create persists a fresh plan and its creation event atomically.
func (c *Controller) Create(ctx context.Context, plan Plan) (Plan, error) {
	msg, err := c.buildMessage(plan, string(journal.EventBootstrap), map[string]any{"name": plan.Name})
	if err != nil {
		return Plan{}, err
	}
	if err := c.store.Create(ctx, plan, msg); err != nil {
		return Plan{}, err
	}
	c.logger.Info("budget plan created",
		"tenant", plan.TenantID, "plan", plan.ID, "name", plan.Name)
	return plan, nil
}

// Mutate runs fn against the current plan state and commits the result with a
// version bump of exactly one. Version conflicts reload and reapply up to
// maxRetries times, then fail with ErrConcurrentModification. Unbalanced
// postings and illegal transitions abort without retry: they are logic
// errors, not races.
func (c *Controller) Mutate(ctx context.Context, tenantID, planID string, caps []workflow.Capability, fn func(*Mutation) error) (Plan, error) {
	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		plan, err := c.store.Get(ctx, tenantID, planID)
		if err != nil {
			return Plan{}, err
		}

		working := plan.Clone()
		mut := &Mutation{Plan: &working, policy: c.policy, caps: caps}
		if err := fn(mut); err != nil {
			c.record(tenantID, err)
			return Plan{}, err
		}

		if err := journal.AssertBalancedPostings(mut.postings); err != nil {
			c.metrics.IncrementTenant(invariants.FinancialFailures, tenantID)
			c.logger.Error("unbalanced postings rejected",
				"tenant", tenantID, "plan", planID, "err", err)
			return Plan{}, err
		}

		working.RecomputeTotals()
		working.Version = plan.Version + 1
		working.UpdatedAt = c.clock().UTC()

		messages, err := c.buildMessages(working, mut.events)
		if err != nil {
			return Plan{}, err
		}

		err = c.store.Update(ctx, working, plan.Version, messages...)
		if err == nil {
			c.logger.Debug("budget plan mutated",
				"tenant", tenantID, "plan", planID,
				"version", working.Version, "attempt", attempt)
			return working, nil
		}
		if errors.Is(err, ErrVersionConflict) {
			c.metrics.IncrementTenant(invariants.ConcurrentConflicts, tenantID)
			c.logger.Debug("version conflict, retrying",
				"tenant", tenantID, "plan", planID, "attempt", attempt)
			continue
		}
		c.record(tenantID, err)
		return Plan{}, err
	}

	c.logger.Warn("mutation retries exhausted",
		"tenant", tenantID, "plan", planID, "maxRetries", c.maxRetries)
	return Plan{}, ErrConcurrentModification
}

// ErrSyncRequiresActive rejects an actuals sync against a plan that is not
// yet the operative budget.
var ErrSyncRequiresActive = errors.New("actuals sync requires an ACTIVE plan")

// Overrun is one budget line whose actuals exceeded the planned amount.
type Overrun struct {
	Category string
	Planned  decimal.Decimal
	Actual   decimal.Decimal
}

// SyncResult reports the outcome of an actuals synchronization.
type SyncResult struct {
	Plan        Plan
	TotalActual decimal.Decimal
	Overspent   bool
	Overruns    []Overrun
}

// SyncActuals recomputes the plan's actual totals from its line items and
// checks every line for overspend. Only ACTIVE plans synchronize. When any
// category exceeds its planned amount the commit carries an ADJUSTMENT event
// flagging the plan for financial review.
func (c *Controller) SyncActuals(ctx context.Context, tenantID, planID string, caps []workflow.Capability) (SyncResult, error) {
	var result SyncResult
	plan, err := c.Mutate(ctx, tenantID, planID, caps, func(m *Mutation) error {
		if m.Plan.Status != StatusActive {
			return fmt.Errorf("%w: plan %s is %s", ErrSyncRequiresActive, m.Plan.ID, m.Plan.Status)
		}

		// Conflict retries rerun this function against fresh state.
		result.Overspent = false
		result.Overruns = nil
		for _, item := range m.Plan.Items {
			if item.Actual.GreaterThan(item.Planned) {
				result.Overspent = true
				result.Overruns = append(result.Overruns, Overrun{
					Category: item.Category,
					Planned:  item.Planned,
					Actual:   item.Actual,
				})
			}
		}

		if result.Overspent {
			m.Emit(string(journal.EventAdjustment), map[string]any{
				"reviewType": "FINANCIAL",
				"summary":    overrunSummary(m.Plan.Version+1, result.Overruns),
				"overruns":   overrunPayload(result.Overruns),
			})
		}
		return nil
	})
	if err != nil {
		return SyncResult{}, err
	}

	result.Plan = plan
	result.TotalActual = plan.TotalActual
	return result, nil
}

func overrunSummary(version int64, overruns []Overrun) string {
	var b strings.Builder
	fmt.Fprintf(&b, "budget overspend (v%d):", version)
	for _, o := range overruns {
		fmt.Fprintf(&b, "\noverspend in category %s: %s > %s",
			o.Category, o.Actual.String(), o.Planned.String())
	}
	return b.String()
}

func overrunPayload(overruns []Overrun) []any {
	out := make([]any, 0, len(overruns))
	for _, o := range overruns {
		out = append(out, map[string]any{
			"category": o.Category,
			"planned":  o.Planned.String(),
			"actual":   o.Actual.String(),
		})
	}
	return out
}

// record bumps the invariant counter matching the failure class.
func (c *Controller) record(tenantID string, err error) {
	var illegal *workflow.IllegalTransitionError
	var unbalanced *journal.UnbalancedError
	switch {
	case errors.As(err, &illegal):
		c.metrics.IncrementTenant(invariants.IllegalTransitions, tenantID)
	case errors.As(err, &unbalanced):
		c.metrics.IncrementTenant(invariants.FinancialFailures, tenantID)
	}
}

func (c *Controller) buildMessages(plan Plan, events []pendingEvent) ([]outbox.Message, error) {
	messages := make([]outbox.Message, 0, len(events))
	for _, ev := range events {
		msg, err := c.buildMessage(plan, ev.eventType, ev.payload)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// buildMessage completes the event payload with correlation fields and the
// canonical hash of the committed plan state, so consumers can verify they
// reconstructed the same state.
func (c *Controller) buildMessage(plan Plan, eventType string, payload map[string]any) (outbox.Message, error) {
	stateHash, err := canonical.Hash(plan)
	if err != nil {
		return outbox.Message{}, fmt.Errorf("hash plan state: %w", err)
	}

	full := make(map[string]any, len(payload)+5)
	for k, v := range payload {
		full[k] = v
	}
	full["tenantId"] = plan.TenantID
	full["planId"] = plan.ID
	full["planVersion"] = plan.Version
	full["stateHash"] = stateHash
	full["eventVersion"] = eventVersion

	return outbox.New(eventType, EntityType, plan.ID, plan.TenantID, full), nil
}
