package outbox

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and stress scenarios.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*Message
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]*Message)}
}

func (s *MemoryStore) Insert(_ context.Context, msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := msg
	s.messages[msg.ID] = &copied
	return nil
}

func (s *MemoryStore) ClaimPending(_ context.Context, limit int, now time.Time) ([]Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Message
	for _, m := range s.messages {
		if m.Status != StatusPending {
			continue
		}
		if m.NextRetryAt != nil && m.NextRetryAt.After(now) {
			continue
		}
		due = append(due, m)
	}
	sort.Slice(due, func(i, j int) bool { return due[i].CreatedAt.Before(due[j].CreatedAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Message, 0, len(due))
	for _, m := range due {
		m.Status = StatusProcessing
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, id string, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = StatusProcessed
	m.PublishedAt = &publishedAt
	m.NextRetryAt = nil
	m.LastError = ""
	return nil
}

func (s *MemoryStore) Reschedule(_ context.Context, id string, attempts int, nextRetryAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = StatusPending
	m.Attempts = attempts
	m.NextRetryAt = &nextRetryAt
	m.LastError = lastError
	return nil
}

func (s *MemoryStore) MarkDead(_ context.Context, id string, attempts int, lastError string, deadAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrNotFound
	}
	m.Status = StatusFailed
	m.Attempts = attempts
	m.LastError = lastError
	m.DeadLetterAt = &deadAt
	m.NextRetryAt = nil
	return nil
}

func (s *MemoryStore) Stats(_ context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats Stats
	now := time.Now()
	for _, m := range s.messages {
		switch m.Status {
		case StatusPending:
			stats.Pending++
			if age := now.Sub(m.CreatedAt); age > stats.OldestPendingAge {
				stats.OldestPendingAge = age
			}
		case StatusProcessing:
			stats.Processing++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

// Get returns a copy of one message, for assertions in tests.
func (s *MemoryStore) Get(id string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return Message{}, false
	}
	return *m, true
}
