package journal

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies an economic fact entering the core.
type EventType string

const (
	EventCostIncurred      EventType = "COST_INCURRED"
	EventRevenueRecognized EventType = "REVENUE_RECOGNIZED"
	EventObligationCreated EventType = "OBLIGATION_CREATED"
	EventObligationSettled EventType = "OBLIGATION_SETTLED"
	EventReserveAllocated  EventType = "RESERVE_ALLOCATED"
	EventAdjustment        EventType = "ADJUSTMENT"
	EventBootstrap         EventType = "BOOTSTRAP"
	EventOther             EventType = "OTHER"
)

// DomainEvent is an immutable economic fact. Once recorded it is never
// updated; corrections arrive as new ADJUSTMENT events.
type DomainEvent struct {
	ID         string         `json:"id"`
	Type       EventType      `json:"type"`
	TenantID   string         `json:"tenantId"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	OccurredAt time.Time      `json:"occurredAt"`
}

// NewDomainEvent mints an event with a fresh id and the enriched metadata
// every downstream consumer relies on (journalPhase, settlementRef).
func NewDomainEvent(t EventType, tenantID string, metadata map[string]any) DomainEvent {
	return DomainEvent{
		ID:         uuid.NewString(),
		Type:       t,
		TenantID:   tenantID,
		Metadata:   EnrichMetadata(t, metadata),
		OccurredAt: time.Now().UTC(),
	}
}
