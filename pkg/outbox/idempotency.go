package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agrovista/fincore/pkg/invariants"
)

// Reservations lets a consumer claim a message id exactly once. Delivery is
// at-least-once, so every consumer must reserve before processing.
type Reservations interface {
	// Reserve returns true when this consumer is the first to claim the
	// message, false when it was already processed.
	Reserve(ctx context.Context, consumer, messageID string) (bool, error)
	// Reserved reports whether the message was already claimed, without
	// claiming it.
	Reserved(ctx context.Context, consumer, messageID string) (bool, error)
}

// RedisReservations implements Reservations with SET NX, giving competing
// consumer replicas an atomic first-writer-wins claim.
type RedisReservations struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisReservations wraps a redis client. Reservations expire after ttl
// (default 7 days) so the keyspace self-cleans once replays are no longer
// plausible.
func NewRedisReservations(client *redis.Client, ttl time.Duration) *RedisReservations {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisReservations{client: client, ttl: ttl}
}

func (r *RedisReservations) Reserve(ctx context.Context, consumer, messageID string) (bool, error) {
	ok, err := r.client.SetNX(ctx, reservationKey(consumer, messageID), 1, r.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserve message %s for %s: %w", messageID, consumer, err)
	}
	return ok, nil
}

func (r *RedisReservations) Reserved(ctx context.Context, consumer, messageID string) (bool, error) {
	n, err := r.client.Exists(ctx, reservationKey(consumer, messageID)).Result()
	if err != nil {
		return false, fmt.Errorf("check reservation of message %s for %s: %w", messageID, consumer, err)
	}
	return n > 0, nil
}

func reservationKey(consumer, messageID string) string {
	return "outbox:reserved:" + consumer + ":" + messageID
}

// ConsumerGuard couples reservations with the duplicate counter so every
// prevented redelivery is visible to the rollout gate.
type ConsumerGuard struct {
	reservations Reservations
	metrics      *invariants.Registry
	consumer     string
}

// NewConsumerGuard names the consumer group the guard reserves for.
func NewConsumerGuard(consumer string, reservations Reservations, metrics *invariants.Registry) *ConsumerGuard {
	return &ConsumerGuard{reservations: reservations, metrics: metrics, consumer: consumer}
}

// FirstDelivery reports whether this is the first delivery of the message to
// the consumer group. Duplicates bump the prevention counter and must be
// acknowledged without processing.
func (g *ConsumerGuard) FirstDelivery(ctx context.Context, msg Message) (bool, error) {
	ok, err := g.reservations.Reserve(ctx, g.consumer, msg.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		g.metrics.IncrementTenant(invariants.DuplicatesPrevented, msg.TenantID)
	}
	return ok, nil
}

// AlreadyDelivered reports whether an earlier delivery of the message was
// recorded, without claiming it. A positive answer bumps the duplicate
// counter. Publishers pair this with MarkDelivered so a failed delivery
// never leaves a reservation behind.
func (g *ConsumerGuard) AlreadyDelivered(ctx context.Context, msg Message) (bool, error) {
	reserved, err := g.reservations.Reserved(ctx, g.consumer, msg.ID)
	if err != nil {
		return false, err
	}
	if reserved {
		g.metrics.IncrementTenant(invariants.DuplicatesPrevented, msg.TenantID)
	}
	return reserved, nil
}

// MarkDelivered records a completed delivery so later redeliveries of the
// same message can be detected.
func (g *ConsumerGuard) MarkDelivered(ctx context.Context, msg Message) error {
	_, err := g.reservations.Reserve(ctx, g.consumer, msg.ID)
	return err
}
