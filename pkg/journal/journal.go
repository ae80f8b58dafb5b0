// Package journal classifies domain events into accounting phases and
// enforces balanced double-entry postings. It is the single gate every
// financial mutation must pass before commit.
package journal

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/agrovista/fincore/pkg/money"
)

// Phase is the accounting phase of an event. Derived, never stored.
type Phase string

const (
	PhaseAccrual    Phase = "ACCRUAL"
	PhaseSettlement Phase = "SETTLEMENT"
	PhaseAdjustment Phase = "ADJUSTMENT"
	PhaseBootstrap  Phase = "BOOTSTRAP"
	PhaseOther      Phase = "OTHER"
)

// Classify maps an event type onto its accounting phase. Total and pure:
// unmapped types fall to PhaseOther, never an error.
func Classify(t EventType) Phase {
	switch t {
	case EventCostIncurred, EventRevenueRecognized, EventObligationCreated, EventReserveAllocated:
		return PhaseAccrual
	case EventObligationSettled:
		return PhaseSettlement
	case EventAdjustment:
		return PhaseAdjustment
	case EventBootstrap:
		return PhaseBootstrap
	default:
		return PhaseOther
	}
}

// ResolveSettlementRef returns the settlement correlation reference for
// settlement-phase events: an explicit settlementRef field wins, else
// "obligation:" + obligationId. Empty for every other phase and when neither
// field is present.
func ResolveSettlementRef(t EventType, metadata map[string]any) string {
	if Classify(t) != PhaseSettlement {
		return ""
	}
	if ref, ok := metadata["settlementRef"].(string); ok && strings.TrimSpace(ref) != "" {
		return strings.TrimSpace(ref)
	}
	if id, ok := metadata["obligationId"].(string); ok && strings.TrimSpace(id) != "" {
		return "obligation:" + strings.TrimSpace(id)
	}
	return ""
}

// EnrichMetadata stamps the derived journalPhase and settlementRef into event
// metadata so external consumers never re-derive them. The input map is not
// mutated.
func EnrichMetadata(t EventType, metadata map[string]any) map[string]any {
	enriched := make(map[string]any, len(metadata)+2)
	for k, v := range metadata {
		enriched[k] = v
	}
	enriched["journalPhase"] = string(Classify(t))
	if ref := ResolveSettlementRef(t, metadata); ref != "" {
		enriched["settlementRef"] = ref
	}
	return enriched
}

// PostingType is one side of a double-entry record.
type PostingType string

const (
	Debit  PostingType = "DEBIT"
	Credit PostingType = "CREDIT"
)

// Posting is one debit or credit line. Postings never exist alone; they are
// validated as the full set belonging to one event.
type Posting struct {
	Type        PostingType     `json:"type"`
	Amount      decimal.Decimal `json:"amount"`
	AccountCode string          `json:"accountCode,omitempty"`
}

// UnbalancedError reports a posting set whose canonically-rounded debits and
// credits do not net to zero. It signals an upstream computation bug and is
// never silently coerced.
type UnbalancedError struct {
	Debit  decimal.Decimal
	Credit decimal.Decimal
	Delta  decimal.Decimal
}

func (e *UnbalancedError) Error() string {
	return fmt.Sprintf("unbalanced journal: debit=%s credit=%s delta=%s",
		e.Debit.String(), e.Credit.String(), e.Delta.String())
}

// AssertBalancedPostings rounds each posting via the monetary policy, sums
// debits and credits separately, and fails on any non-zero canonical delta.
func AssertBalancedPostings(postings []Posting) error {
	return AssertBalancedPostingsScale(postings, money.DefaultScale)
}

// AssertBalancedPostingsScale is AssertBalancedPostings with an explicit scale.
func AssertBalancedPostingsScale(postings []Posting, scale int32) error {
	debit := decimal.Zero
	credit := decimal.Zero
	for _, p := range postings {
		amount := money.Round(p.Amount, scale)
		switch p.Type {
		case Debit:
			debit = debit.Add(amount)
		case Credit:
			credit = credit.Add(amount)
		default:
			return fmt.Errorf("unknown posting type %q", p.Type)
		}
	}

	delta := debit.Sub(credit)
	if !delta.IsZero() {
		return &UnbalancedError{Debit: debit, Credit: credit, Delta: delta}
	}
	return nil
}
