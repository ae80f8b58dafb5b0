package budget

import (
	"context"
	"sync"

	"github.com/agrovista/fincore/pkg/outbox"
)

// MemoryStore is an in-memory Store for tests. CAS semantics match the
// Postgres store: the outbox sink receives messages only when the plan write
// commits.
type MemoryStore struct {
	mu     sync.Mutex
	plans  map[string]Plan // keyed tenantID + "/" + id
	outbox *outbox.MemoryStore
}

// NewMemoryStore returns an empty store writing outbox messages into sink.
// A nil sink discards them.
func NewMemoryStore(sink *outbox.MemoryStore) *MemoryStore {
	return &MemoryStore{plans: make(map[string]Plan), outbox: sink}
}

func planKey(tenantID, id string) string { return tenantID + "/" + id }

func (s *MemoryStore) Get(_ context.Context, tenantID, id string) (Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	plan, ok := s.plans[planKey(tenantID, id)]
	if !ok {
		return Plan{}, ErrNotFound
	}
	return plan.Clone(), nil
}

func (s *MemoryStore) Create(ctx context.Context, plan Plan, messages ...outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[planKey(plan.TenantID, plan.ID)] = plan.Clone()
	return s.deliver(ctx, messages)
}

func (s *MemoryStore) Update(ctx context.Context, plan Plan, expectedVersion int64, messages ...outbox.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := planKey(plan.TenantID, plan.ID)
	stored, ok := s.plans[key]
	if !ok {
		return ErrNotFound
	}
	if stored.Version != expectedVersion {
		return ErrVersionConflict
	}
	s.plans[key] = plan.Clone()
	return s.deliver(ctx, messages)
}

func (s *MemoryStore) deliver(ctx context.Context, messages []outbox.Message) error {
	if s.outbox == nil {
		return nil
	}
	for _, msg := range messages {
		if err := s.outbox.Insert(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}
