package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
)

// MemoryEvents is an in-memory EventStore used in development and tests.
type MemoryEvents struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryEvents() *MemoryEvents {
	return &MemoryEvents{records: make(map[string]Record)}
}

func (m *MemoryEvents) Begin(_ context.Context, ev Event, at, staleBefore time.Time) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[ev.ID]
	if !ok {
		r = Record{
			EventID:    ev.ID,
			EventType:  ev.Type,
			Provider:   ev.Provider,
			Livemode:   ev.Livemode,
			ReceivedAt: at,
		}
	}
	switch {
	case r.Status == StatusProcessed:
		return r, nil
	case r.Status == StatusProcessing && !r.ClaimedAt.Before(staleBefore):
		return r, ErrEventInFlight
	}
	r.Status = StatusProcessing
	r.ClaimedAt = at
	r.AttemptCount++
	m.records[ev.ID] = r
	return r, nil
}

func (m *MemoryEvents) MarkProcessed(_ context.Context, eventID string, at time.Time) error {
	return m.update(eventID, func(r *Record) {
		r.Status = StatusProcessed
		r.ProcessedAt = &at
		r.LastError = ""
	})
}

func (m *MemoryEvents) MarkFailed(_ context.Context, eventID, cause string, _ time.Time) error {
	return m.update(eventID, func(r *Record) {
		r.Status = StatusFailed
		r.LastError = cause
	})
}

func (m *MemoryEvents) Get(_ context.Context, eventID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[eventID]
	if !ok {
		return Record{}, ErrEventNotFound
	}
	return r, nil
}

func (m *MemoryEvents) update(eventID string, fn func(*Record)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[eventID]
	if !ok {
		return ErrEventNotFound
	}
	fn(&r)
	m.records[eventID] = r
	return nil
}

// MemoryEntitlements adapts entitlement.MemorySnapshots to EntitlementStore.
type MemoryEntitlements struct {
	mu   sync.Mutex
	rows *entitlement.MemorySnapshots
}

// NewMemoryEntitlements writes through to rows, which resolvers may read concurrently.
func NewMemoryEntitlements(rows *entitlement.MemorySnapshots) *MemoryEntitlements {
	if rows == nil {
		rows = entitlement.NewMemorySnapshots()
	}
	return &MemoryEntitlements{rows: rows}
}

func (m *MemoryEntitlements) UpdateEntitlement(ctx context.Context, userID uuid.UUID, fn UpdateFunc) (entitlement.UserEntitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.rows.Entitlement(ctx, userID)
	found := err == nil
	if !found {
		cur = entitlement.UserEntitlement{UserID: userID}
	}
	next, err := fn(cur, found)
	if err != nil {
		return cur, err
	}
	next.UserID = userID
	m.rows.Put(next)
	return next, nil
}

// Snapshots exposes the underlying rows.
func (m *MemoryEntitlements) Snapshots() *entitlement.MemorySnapshots { return m.rows }
