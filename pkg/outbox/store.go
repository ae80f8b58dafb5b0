package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports an unknown message id.
var ErrNotFound = errors.New("outbox message not found")

// Store persists outbox messages. Implementations: Postgres (production),
// SQLite (single-node and offline deployments), memory (tests).
type Store interface {
	// Insert records a new pending message. Mutation paths normally insert
	// through their own transaction instead (see budget.PostgresStore);
	// Insert exists for direct publication and tests.
	Insert(ctx context.Context, msg Message) error

	// ClaimPending atomically moves up to limit due PENDING messages
	// (nextRetryAt absent or <= now) to PROCESSING and returns them in
	// creation order.
	ClaimPending(ctx context.Context, limit int, now time.Time) ([]Message, error)

	// MarkProcessed records successful delivery.
	MarkProcessed(ctx context.Context, id string, publishedAt time.Time) error

	// Reschedule returns a message to PENDING with a retry time.
	Reschedule(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastError string) error

	// MarkDead moves a message to FAILED (dead letter).
	MarkDead(ctx context.Context, id string, attempts int, lastError string, deadAt time.Time) error

	// Stats reports backlog health for the rollout guard.
	Stats(ctx context.Context) (Stats, error)
}

// Stats is the outbox backlog snapshot.
type Stats struct {
	Pending          int64
	Processing       int64
	Failed           int64
	OldestPendingAge time.Duration
}
