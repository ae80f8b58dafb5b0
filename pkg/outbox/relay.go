package outbox

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/agrovista/fincore/pkg/invariants"
)

// RelayConfig tunes the drain loop.
type RelayConfig struct {
	BatchSize  int
	MaxRetries int
	// BaseDelay is the first retry delay; subsequent retries double it,
	// capped at RetryCap.
	BaseDelay time.Duration
	RetryCap  time.Duration
	// PublishRate throttles broker calls per second; zero means unthrottled.
	PublishRate float64
}

// DefaultRelayConfig mirrors the production defaults.
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:   50,
		MaxRetries:  5,
		BaseDelay:   time.Second,
		RetryCap:    time.Minute,
		PublishRate: 0,
	}
}

// DrainStats summarizes one DrainAndPublish pass.
type DrainStats struct {
	Claimed      int
	Published    int
	Rescheduled  int
	DeadLetters  int
	Deduplicated int
}

// Relay drains pending outbox rows and pushes them to the broker. Failures
// reschedule the row; the row is never abandoned until MaxRetries, after
// which it dead-letters for operator attention.
type Relay struct {
	store     Store
	publisher *BrokerPublisher
	validator *ContractValidator
	limiter   *rate.Limiter
	cfg       RelayConfig
	metrics   *invariants.Registry
	logger    *slog.Logger
	clock     func() time.Time
	observer  func(DrainStats)
	guard     *ConsumerGuard
}

// NewRelay wires a relay over a store and broker publisher.
func NewRelay(store Store, publisher *BrokerPublisher, cfg RelayConfig, metrics *invariants.Registry, logger *slog.Logger) *Relay {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.PublishRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.PublishRate), 1)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultRelayConfig().BatchSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultRelayConfig().MaxRetries
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultRelayConfig().BaseDelay
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = DefaultRelayConfig().RetryCap
	}
	return &Relay{
		store:     store,
		publisher: publisher,
		validator: NewContractValidator(),
		limiter:   limiter,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		clock:     time.Now,
	}
}

// WithClock overrides the clock for tests.
func (r *Relay) WithClock(clock func() time.Time) *Relay {
	r.clock = clock
	return r
}

// WithObserver registers a callback receiving the stats of every completed
// drain pass, used to feed exported metrics.
func (r *Relay) WithObserver(observer func(DrainStats)) *Relay {
	r.observer = observer
	return r
}

// WithGuard attaches a delivery idempotency guard. A crash between a broker
// accept and MarkProcessed leaves the row claimable again; the guard's
// reservation detects the redelivery and completes the row without a second
// broker call.
func (r *Relay) WithGuard(guard *ConsumerGuard) *Relay {
	r.guard = guard
	return r
}

// DrainAndPublish claims one batch of due messages and attempts delivery.
// Returns stats and the first storage error; publish failures are not errors
// here, they are rescheduled.
func (r *Relay) DrainAndPublish(ctx context.Context) (DrainStats, error) {
	var stats DrainStats

	now := r.clock()
	claimed, err := r.store.ClaimPending(ctx, r.cfg.BatchSize, now)
	if err != nil {
		return stats, err
	}
	stats.Claimed = len(claimed)

	for _, msg := range claimed {
		if err := r.limiter.Wait(ctx); err != nil {
			return stats, err
		}

		attempts := msg.Attempts + 1

		if err := r.validator.Validate(msg); err != nil {
			// Contract violations never heal on retry.
			r.logger.Error("outbox contract violation, dead-lettering",
				"message", msg.ID, "type", msg.Type, "err", err)
			if derr := r.store.MarkDead(ctx, msg.ID, attempts, err.Error(), r.clock()); derr != nil {
				return stats, derr
			}
			stats.DeadLetters++
			continue
		}

		if r.guard != nil {
			delivered, err := r.guard.AlreadyDelivered(ctx, msg)
			if err != nil {
				return stats, err
			}
			if delivered {
				r.logger.Info("outbox message already delivered, completing without publish",
					"message", msg.ID, "type", msg.Type)
				if perr := r.store.MarkProcessed(ctx, msg.ID, r.clock()); perr != nil {
					return stats, perr
				}
				stats.Deduplicated++
				continue
			}
		}

		if err := r.publisher.Publish(ctx, msg); err != nil {
			r.metrics.IncrementTenant(invariants.PublishFailures, msg.TenantID)

			if attempts >= r.cfg.MaxRetries {
				r.logger.Error("outbox delivery exhausted retries, dead-lettering",
					"message", msg.ID, "type", msg.Type, "attempts", attempts, "err", err)
				if derr := r.store.MarkDead(ctx, msg.ID, attempts, err.Error(), r.clock()); derr != nil {
					return stats, derr
				}
				stats.DeadLetters++
				continue
			}

			nextRetryAt := r.clock().Add(r.backoff(attempts))
			r.logger.Warn("outbox delivery failed, rescheduling",
				"message", msg.ID, "type", msg.Type,
				"attempt", attempts, "maxRetries", r.cfg.MaxRetries,
				"nextRetryAt", nextRetryAt)
			if serr := r.store.Reschedule(ctx, msg.ID, attempts, nextRetryAt, err.Error()); serr != nil {
				return stats, serr
			}
			stats.Rescheduled++
			continue
		}

		if r.guard != nil {
			// A failed reservation write only degrades this message back
			// to at-least-once; the broker accepted it either way.
			if gerr := r.guard.MarkDelivered(ctx, msg); gerr != nil {
				r.logger.Warn("recording delivery reservation failed",
					"message", msg.ID, "err", gerr)
			}
		}
		if err := r.store.MarkProcessed(ctx, msg.ID, r.clock()); err != nil {
			return stats, err
		}
		r.logger.Debug("outbox message published", "message", msg.ID, "type", msg.Type)
		stats.Published++
	}

	if r.observer != nil {
		r.observer(stats)
	}
	return stats, nil
}

// Run polls DrainAndPublish until the context ends.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := r.DrainAndPublish(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				r.logger.Error("outbox drain pass failed", "err", err)
				continue
			}
			if stats.Claimed > 0 {
				r.logger.Info("outbox drain pass",
					"claimed", stats.Claimed, "published", stats.Published,
					"rescheduled", stats.Rescheduled, "deadLetters", stats.DeadLetters,
					"deduplicated", stats.Deduplicated)
			}
		}
	}
}

// backoff doubles the base delay per prior attempt, capped.
func (r *Relay) backoff(attempts int) time.Duration {
	d := r.cfg.BaseDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.RetryCap {
			return r.cfg.RetryCap
		}
	}
	return d
}
