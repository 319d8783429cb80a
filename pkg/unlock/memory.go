package unlock

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps attempts in process memory. The slot check and the insert
// run under one lock.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[uuid.UUID]Attempt
	slots    map[Slot]uuid.UUID
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[uuid.UUID]Attempt),
		slots:    make(map[Slot]uuid.UUID),
	}
}

func (m *MemoryStore) Insert(_ context.Context, a Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, held := m.slots[a.Slot()]; held {
		return ErrAlreadyAttemptedToday
	}
	m.attempts[a.ID] = a
	if a.Status.HoldsSlot() {
		m.slots[a.Slot()] = a.ID
	}
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, id uuid.UUID, from, to Status, providerPaymentID string, at time.Time) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transition(id, from, to, providerPaymentID, at)
}

// caller holds m.mu
func (m *MemoryStore) transition(id uuid.UUID, from, to Status, providerPaymentID string, at time.Time) (Attempt, error) {
	a, ok := m.attempts[id]
	if !ok {
		return Attempt{}, ErrAttemptNotFound
	}
	if a.Status != from {
		return a, ErrInvalidTransition
	}

	a.Status = to
	a.UpdatedAt = at
	if providerPaymentID != "" {
		a.ProviderPaymentID = providerPaymentID
	}
	m.attempts[id] = a
	if !to.HoldsSlot() {
		delete(m.slots, a.Slot())
	}
	return a, nil
}

func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.attempts[id]
	if !ok {
		return Attempt{}, ErrAttemptNotFound
	}
	return a, nil
}

func (m *MemoryStore) SucceededContent(_ context.Context, userID uuid.UUID, contentIDs []string) (map[string]bool, error) {
	want := make(map[string]struct{}, len(contentIDs))
	for _, id := range contentIDs {
		want[id] = struct{}{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool)
	for _, a := range m.attempts {
		if a.UserID != userID || a.Status != StatusSucceeded {
			continue
		}
		if _, ok := want[a.ContentID]; ok {
			out[a.ContentID] = true
		}
	}
	return out, nil
}

func (m *MemoryStore) CreatedBefore(_ context.Context, cutoff time.Time, limit int) ([]Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Attempt
	for _, a := range m.attempts {
		if a.Status == StatusCreated && a.CreatedAt.Before(cutoff) {
			out = append(out, a)
		}
	}
	slices.SortFunc(out, func(a, b Attempt) int { return a.CreatedAt.Compare(b.CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
