// Package budget holds the budget plan aggregate: the versioned financial
// document the controller mutates under optimistic concurrency control.
package budget

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EntityType is the workflow and storage identity of the aggregate.
const EntityType = "budget_plan"

// Status is the plan's workflow state. Legal transitions are owned by the
// transition guard; nothing in this package mutates Status directly.
type Status string

const (
	StatusDraft    Status = "DRAFT"
	StatusReview   Status = "REVIEW"
	StatusApproved Status = "APPROVED"
	StatusActive   Status = "ACTIVE"
	StatusArchived Status = "ARCHIVED"
)

// Item is one budget line.
type Item struct {
	ID       string          `json:"id"`
	Category string          `json:"category"`
	Planned  decimal.Decimal `json:"planned"`
	Actual   decimal.Decimal `json:"actual"`
}

// Plan is the budget aggregate root. Version increments by exactly one per
// committed mutation; readers use it for conflict detection, consumers for
// ordering.
type Plan struct {
	ID           string          `json:"id"`
	TenantID     string          `json:"tenantId"`
	Name         string          `json:"name"`
	Status       Status          `json:"status"`
	Version      int64           `json:"version"`
	TotalPlanned decimal.Decimal `json:"totalPlanned"`
	TotalActual  decimal.Decimal `json:"totalActual"`
	Items        []Item          `json:"items"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// NewPlan mints a draft plan at version 1.
func NewPlan(tenantID, name string) Plan {
	now := time.Now().UTC()
	return Plan{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Name:         name,
		Status:       StatusDraft,
		Version:      1,
		TotalPlanned: decimal.Zero,
		TotalActual:  decimal.Zero,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Clone deep-copies the plan so mutation attempts never alias stored state.
func (p Plan) Clone() Plan {
	out := p
	out.Items = make([]Item, len(p.Items))
	copy(out.Items, p.Items)
	return out
}

// RecomputeTotals derives the plan totals from its items.
func (p *Plan) RecomputeTotals() {
	planned := decimal.Zero
	actual := decimal.Zero
	for _, item := range p.Items {
		planned = planned.Add(item.Planned)
		actual = actual.Add(item.Actual)
	}
	p.TotalPlanned = planned
	p.TotalActual = actual
}
