package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	aggregate_id   TEXT,
	aggregate_type TEXT,
	tenant_id      TEXT NOT NULL,
	payload        JSONB NOT NULL,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	attempts       INT NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	published_at   TIMESTAMPTZ,
	next_retry_at  TIMESTAMPTZ,
	last_error     TEXT,
	dead_letter_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending
	ON outbox_messages (created_at) WHERE status = 'PENDING'`

// PostgresStore implements Store on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the outbox table and indexes. Idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure outbox schema: %w", err)
	}
	return nil
}

// Execer is the subset of database/sql needed to insert a message inside a
// caller-owned transaction.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// InsertTx records a message using the caller's transaction. This is the path
// aggregate mutations use so the outbox row commits atomically with the
// aggregate write.
func InsertTx(ctx context.Context, tx Execer, msg Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO outbox_messages
			(id, type, aggregate_id, aggregate_type, tenant_id, payload, status, attempts, created_at)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, $7, $8, $9)`,
		msg.ID, msg.Type, msg.AggregateID, msg.AggregateType, msg.TenantID,
		payload, string(StatusPending), 0, msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (s *PostgresStore) Insert(ctx context.Context, msg Message) error {
	return InsertTx(ctx, s.db, msg)
}

func (s *PostgresStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]Message, error) {
	// Single-statement claim keeps competing drainers from double-claiming.
	rows, err := s.db.QueryContext(ctx, `
		UPDATE outbox_messages SET status = 'PROCESSING'
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'PENDING'
			  AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY created_at ASC
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, type, COALESCE(aggregate_id, ''), COALESCE(aggregate_type, ''),
			tenant_id, payload, status, attempts, created_at`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var claimed []Message
	for rows.Next() {
		var m Message
		var payload []byte
		if err := rows.Scan(&m.ID, &m.Type, &m.AggregateID, &m.AggregateType,
			&m.TenantID, &payload, &m.Status, &m.Attempts, &m.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &m.Payload); err != nil {
			return nil, fmt.Errorf("corrupt payload in outbox message %s: %w", m.ID, err)
		}
		claimed = append(claimed, m)
	}
	return claimed, rows.Err()
}

func (s *PostgresStore) MarkProcessed(ctx context.Context, id string, publishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'PROCESSED', published_at = $2, next_retry_at = NULL, last_error = NULL
		WHERE id = $1`, id, publishedAt)
	return oneRow(res, err)
}

func (s *PostgresStore) Reschedule(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'PENDING', attempts = $2, next_retry_at = $3, last_error = $4
		WHERE id = $1`, id, attempts, nextRetryAt, lastError)
	return oneRow(res, err)
}

func (s *PostgresStore) MarkDead(ctx context.Context, id string, attempts int, lastError string, deadAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'FAILED', attempts = $2, last_error = $3, dead_letter_at = $4, next_retry_at = NULL
		WHERE id = $1`, id, attempts, lastError, deadAt)
	return oneRow(res, err)
}

func (s *PostgresStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'PENDING'),
			COUNT(*) FILTER (WHERE status = 'PROCESSING'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COALESCE(EXTRACT(EPOCH FROM now() - MIN(created_at) FILTER (WHERE status = 'PENDING')), 0)
		FROM outbox_messages`,
	).Scan(&stats.Pending, &stats.Processing, &stats.Failed, &oldestSeconds{&stats.OldestPendingAge})
	if err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}

// BackfillCorrelation repairs historical rows missing aggregate correlation
// fields by joining back to the originating aggregate table on the payload's
// planId. Returns the number of repaired rows.
func (s *PostgresStore) BackfillCorrelation(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages o
		SET aggregate_id = b.id, aggregate_type = 'budget_plan'
		FROM budget_plans b
		WHERE o.aggregate_id IS NULL
		  AND o.payload->>'planId' = b.id`)
	if err != nil {
		return 0, fmt.Errorf("backfill correlation: %w", err)
	}
	return res.RowsAffected()
}

func oneRow(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// oldestSeconds scans a float seconds column into a Duration.
type oldestSeconds struct {
	d *time.Duration
}

func (o *oldestSeconds) Scan(src any) error {
	switch v := src.(type) {
	case float64:
		*o.d = time.Duration(v * float64(time.Second))
	case int64:
		*o.d = time.Duration(v) * time.Second
	case []byte:
		var f float64
		if _, err := fmt.Sscanf(string(v), "%f", &f); err != nil {
			return err
		}
		*o.d = time.Duration(f * float64(time.Second))
	case nil:
		*o.d = 0
	default:
		return fmt.Errorf("unsupported age type %T", src)
	}
	return nil
}
