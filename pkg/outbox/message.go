// Package outbox implements durable, at-least-once delivery of domain events
// recorded transactionally with the aggregate mutation they describe.
// Delivery is asynchronous and may be delayed indefinitely by partition;
// consumers must treat the message id as an idempotency key.
package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status is the delivery lifecycle of a message.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

// Message is one outbox row. Created in the same transaction as the mutation
// it describes; afterwards only delivery bookkeeping fields change.
type Message struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	AggregateID   string         `json:"aggregateId,omitempty"`
	AggregateType string         `json:"aggregateType,omitempty"`
	TenantID      string         `json:"tenantId"`
	Payload       map[string]any `json:"payload"`
	CreatedAt     time.Time      `json:"createdAt"`
	PublishedAt   *time.Time     `json:"publishedAt,omitempty"`

	Status       Status     `json:"status"`
	Attempts     int        `json:"attempts"`
	NextRetryAt  *time.Time `json:"nextRetryAt,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	DeadLetterAt *time.Time `json:"deadLetterAt,omitempty"`
}

// New mints a pending message with a fresh id.
func New(eventType, aggregateType, aggregateID, tenantID string, payload map[string]any) Message {
	return Message{
		ID:            uuid.NewString(),
		Type:          eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		TenantID:      tenantID,
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		Status:        StatusPending,
	}
}

// WireBody is the broker POST body. PublishedAt and the bookkeeping fields
// never cross the wire.
type WireBody struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	AggregateID   *string        `json:"aggregateId"`
	AggregateType *string        `json:"aggregateType"`
	Payload       map[string]any `json:"payload"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// Wire converts the message into its broker wire form. Absent correlation
// fields serialize as explicit nulls per the wire contract.
func (m Message) Wire() WireBody {
	body := WireBody{
		ID:        m.ID,
		Type:      m.Type,
		Payload:   m.Payload,
		CreatedAt: m.CreatedAt,
	}
	if m.AggregateID != "" {
		body.AggregateID = &m.AggregateID
	}
	if m.AggregateType != "" {
		body.AggregateType = &m.AggregateType
	}
	return body
}
