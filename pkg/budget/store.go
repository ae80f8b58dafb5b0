package budget

import (
	"context"
	"errors"

	"github.com/agrovista/fincore/pkg/outbox"
)

// ErrNotFound reports an unknown plan id within the tenant.
var ErrNotFound = errors.New("budget plan not found")

// ErrVersionConflict reports a compare-and-swap miss: the stored version no
// longer matches the version the mutation was computed against. The
// controller retries; callers never see this error directly.
var ErrVersionConflict = errors.New("budget plan version conflict")

// Store persists plans. Update is a compare-and-swap: the write succeeds only
// when the stored version equals expectedVersion, and any outbox messages
// commit in the same transaction as the plan row.
type Store interface {
	Get(ctx context.Context, tenantID, id string) (Plan, error)
	Create(ctx context.Context, plan Plan, messages ...outbox.Message) error
	Update(ctx context.Context, plan Plan, expectedVersion int64, messages ...outbox.Message) error
}
