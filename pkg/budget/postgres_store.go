package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/agrovista/fincore/pkg/outbox"
	"github.com/agrovista/fincore/pkg/workflow"
)

const plansSchema = `
CREATE TABLE IF NOT EXISTS budget_plans (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	name          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'DRAFT',
	version       BIGINT NOT NULL DEFAULT 1,
	total_planned NUMERIC NOT NULL DEFAULT 0,
	total_actual  NUMERIC NOT NULL DEFAULT 0,
	items         JSONB NOT NULL DEFAULT '[]',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_budget_plans_tenant ON budget_plans (tenant_id)`

// PostgresStore implements Store on PostgreSQL. Update is a single
// compare-and-swap statement guarded by the stored version, and outbox
// messages are written through the same transaction so aggregate state and
// its events commit or roll back together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open connection pool.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the plans table. Idempotent. The status transition
// trigger is armed separately (see workflow.Policy.Arm).
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, plansSchema); err != nil {
		return fmt.Errorf("ensure budget_plans schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, id string) (Plan, error) {
	var plan Plan
	var items []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, name, status, version, total_planned, total_actual,
			items, created_at, updated_at
		FROM budget_plans
		WHERE tenant_id = $1 AND id = $2`, tenantID, id,
	).Scan(&plan.ID, &plan.TenantID, &plan.Name, &plan.Status, &plan.Version,
		&plan.TotalPlanned, &plan.TotalActual, &items, &plan.CreatedAt, &plan.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Plan{}, ErrNotFound
	}
	if err != nil {
		return Plan{}, fmt.Errorf("get budget plan: %w", err)
	}
	if err := json.Unmarshal(items, &plan.Items); err != nil {
		return Plan{}, fmt.Errorf("corrupt items in budget plan %s: %w", plan.ID, err)
	}
	return plan, nil
}

func (s *PostgresStore) Create(ctx context.Context, plan Plan, messages ...outbox.Message) error {
	items, err := json.Marshal(plan.Items)
	if err != nil {
		return fmt.Errorf("marshal budget items: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO budget_plans
			(id, tenant_id, name, status, version, total_planned, total_actual, items, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		plan.ID, plan.TenantID, plan.Name, string(plan.Status), plan.Version,
		plan.TotalPlanned, plan.TotalActual, items, plan.CreatedAt, plan.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert budget plan: %w", err)
	}

	for _, msg := range messages {
		if err := outbox.InsertTx(ctx, tx, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *PostgresStore) Update(ctx context.Context, plan Plan, expectedVersion int64, messages ...outbox.Message) error {
	items, err := json.Marshal(plan.Items)
	if err != nil {
		return fmt.Errorf("marshal budget items: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE budget_plans
		SET name = $4, status = $5, version = $6, total_planned = $7,
			total_actual = $8, items = $9, updated_at = $10
		WHERE tenant_id = $1 AND id = $2 AND version = $3`,
		plan.TenantID, plan.ID, expectedVersion,
		plan.Name, string(plan.Status), plan.Version, plan.TotalPlanned,
		plan.TotalActual, items, plan.UpdatedAt)
	if err != nil {
		// The storage trigger raises on illegal status transitions; surface
		// it as the same error the service guard produces.
		err = workflow.TranslateStorageError(err, EntityType)
		var terr *workflow.IllegalTransitionError
		if errors.As(err, &terr) {
			return terr
		}
		return fmt.Errorf("update budget plan: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		// Either the row is gone or another writer bumped the version first.
		var exists bool
		if err := tx.QueryRowContext(ctx,
			`SELECT EXISTS (SELECT 1 FROM budget_plans WHERE tenant_id = $1 AND id = $2)`,
			plan.TenantID, plan.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrNotFound
		}
		return ErrVersionConflict
	}

	for _, msg := range messages {
		if err := outbox.InsertTx(ctx, tx, msg); err != nil {
			return err
		}
	}
	return tx.Commit()
}
