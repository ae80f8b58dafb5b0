package budget

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agrovista/fincore/pkg/outbox"
	"github.com/agrovista/fincore/pkg/workflow"
)

func storedPlan() Plan {
	plan := NewPlan("tenant-1", "season 2026")
	plan.ID = "plan-1"
	return plan
}

func TestPostgresStoreGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "tenant_id", "name", "status", "version",
		"total_planned", "total_actual", "items", "created_at", "updated_at",
	}).AddRow("plan-1", "tenant-1", "season 2026", "DRAFT", 3,
		"1500.0000", "120.5000", []byte(`[{"id":"i1","category":"seed","planned":"1500","actual":"120.5"}]`), now, now)

	mock.ExpectQuery(regexp.QuoteMeta("FROM budget_plans")).
		WithArgs("tenant-1", "plan-1").
		WillReturnRows(rows)

	store := NewPostgresStore(db)
	plan, err := store.Get(context.Background(), "tenant-1", "plan-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), plan.Version)
	assert.Equal(t, StatusDraft, plan.Status)
	assert.Equal(t, "1500", plan.TotalPlanned.String())
	require.Len(t, plan.Items, 1)
	assert.Equal(t, "seed", plan.Items[0].Category)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("FROM budget_plans")).
		WithArgs("tenant-1", "missing").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	store := NewPostgresStore(db)
	_, err = store.Get(context.Background(), "tenant-1", "missing")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgresStoreUpdateCommitsPlanAndOutboxTogether(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	plan := storedPlan()
	plan.Version = 4
	msg := outbox.New("BUDGET_UPDATED", EntityType, plan.ID, plan.TenantID,
		map[string]any{"tenantId": plan.TenantID, "eventVersion": 1})

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE budget_plans")).
		WithArgs(plan.TenantID, plan.ID, int64(3),
			plan.Name, string(plan.Status), plan.Version, sqlmock.AnyArg(),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO outbox_messages")).
		WithArgs(msg.ID, msg.Type, plan.ID, EntityType, plan.TenantID,
			sqlmock.AnyArg(), "PENDING", 0, msg.CreatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	require.NoError(t, store.Update(context.Background(), plan, 3, msg))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUpdateVersionConflict(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	plan := storedPlan()
	plan.Version = 4

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE budget_plans")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(plan.TenantID, plan.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	err = store.Update(context.Background(), plan, 3)
	assert.True(t, errors.Is(err, ErrVersionConflict))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStoreUpdateMissingPlan(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	plan := storedPlan()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE budget_plans")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT EXISTS")).
		WithArgs(plan.TenantID, plan.ID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	err = store.Update(context.Background(), plan, 1)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestPostgresStoreUpdateTranslatesTriggerRejection(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	plan := storedPlan()
	plan.Status = StatusActive

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("UPDATE budget_plans")).
		WillReturnError(&pq.Error{
			Code:    "P0001",
			Message: "ILLEGAL_TRANSITION: budget_plan from DRAFT to ACTIVE",
		})
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	err = store.Update(context.Background(), plan, 1)

	var terr *workflow.IllegalTransitionError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, EntityType, terr.EntityType)
	assert.Equal(t, "DRAFT", terr.From)
	assert.Equal(t, "ACTIVE", terr.To)
}

func TestPostgresStoreCreate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	plan := storedPlan()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO budget_plans")).
		WithArgs(plan.ID, plan.TenantID, plan.Name, "DRAFT", int64(1),
			sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			plan.CreatedAt, plan.UpdatedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	require.NoError(t, store.Create(context.Background(), plan))
	require.NoError(t, mock.ExpectationsWereMet())
}
