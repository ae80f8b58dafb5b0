package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS outbox_messages (
	id             TEXT PRIMARY KEY,
	type           TEXT NOT NULL,
	aggregate_id   TEXT,
	aggregate_type TEXT,
	tenant_id      TEXT NOT NULL,
	payload        TEXT NOT NULL,
	status         TEXT NOT NULL DEFAULT 'PENDING',
	attempts       INTEGER NOT NULL DEFAULT 0,
	created_at     TIMESTAMP NOT NULL,
	published_at   TIMESTAMP,
	next_retry_at  TIMESTAMP,
	last_error     TEXT,
	dead_letter_at TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_outbox_pending ON outbox_messages (status, created_at)`

// SQLiteStore implements Store on an embedded SQLite database, used by
// single-node and offline field deployments where events queue locally until
// connectivity returns.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (or creates) the database at path and ensures the
// schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite outbox: %w", err)
	}
	// Drain and mutation paths share one file; serialize writers.
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite outbox schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Insert(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg.Payload)
	if err != nil {
		return fmt.Errorf("marshal outbox payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO outbox_messages
			(id, type, aggregate_id, aggregate_type, tenant_id, payload, status, attempts, created_at)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, 'PENDING', 0, ?)`,
		msg.ID, msg.Type, msg.AggregateID, msg.AggregateType, msg.TenantID,
		string(payload), msg.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ClaimPending(ctx context.Context, limit int, now time.Time) ([]Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, type, COALESCE(aggregate_id, ''), COALESCE(aggregate_type, ''),
			tenant_id, payload, attempts, created_at
		FROM outbox_messages
		WHERE status = 'PENDING' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at ASC
		LIMIT ?`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}

	var claimed []Message
	for rows.Next() {
		var m Message
		var payload string
		if err := rows.Scan(&m.ID, &m.Type, &m.AggregateID, &m.AggregateType,
			&m.TenantID, &payload, &m.Attempts, &m.CreatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &m.Payload); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("corrupt payload in outbox message %s: %w", m.ID, err)
		}
		m.Status = StatusProcessing
		claimed = append(claimed, m)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	for _, m := range claimed {
		if _, err := tx.ExecContext(ctx,
			`UPDATE outbox_messages SET status = 'PROCESSING' WHERE id = ?`, m.ID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *SQLiteStore) MarkProcessed(ctx context.Context, id string, publishedAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'PROCESSED', published_at = ?, next_retry_at = NULL, last_error = NULL
		WHERE id = ?`, publishedAt, id)
	return oneRow(res, err)
}

func (s *SQLiteStore) Reschedule(ctx context.Context, id string, attempts int, nextRetryAt time.Time, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'PENDING', attempts = ?, next_retry_at = ?, last_error = ?
		WHERE id = ?`, attempts, nextRetryAt, lastError, id)
	return oneRow(res, err)
}

func (s *SQLiteStore) MarkDead(ctx context.Context, id string, attempts int, lastError string, deadAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'FAILED', attempts = ?, last_error = ?, dead_letter_at = ?, next_retry_at = NULL
		WHERE id = ?`, attempts, lastError, deadAt, id)
	return oneRow(res, err)
}

func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var stats Stats
	var oldest sql.NullTime
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'PENDING' THEN 1 END),
			COUNT(CASE WHEN status = 'PROCESSING' THEN 1 END),
			COUNT(CASE WHEN status = 'FAILED' THEN 1 END),
			MIN(CASE WHEN status = 'PENDING' THEN created_at END)
		FROM outbox_messages`,
	).Scan(&stats.Pending, &stats.Processing, &stats.Failed, &oldest)
	if err != nil {
		return Stats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAge = time.Since(oldest.Time)
	}
	return stats, nil
}
