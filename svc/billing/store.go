package billing

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/checkout"
)

// IntentRecord remembers an in-flight processor intent for one (user, target)
// so a repeated request reuses it instead of creating a second charge.
type IntentRecord struct {
	UserID           uuid.UUID
	TargetKey        string // checkout.Target.Key()
	ProviderIntentID string // pi_... when known
	SubscriptionID   string
	AttemptID        uuid.UUID // unlock purchases only
	ClientSecret     string
	Status           string // requires_payment or incomplete
	ExpiresAt        time.Time
	CreatedAt        time.Time
}

// Intent renders the record as the answer to a repeated intent request.
func (r IntentRecord) Intent() checkout.Intent {
	if r.Status == "incomplete" {
		return checkout.IntentIncomplete{ClientSecret: r.ClientSecret, SubscriptionID: r.SubscriptionID}
	}
	return checkout.IntentRequiresPayment{ClientSecret: r.ClientSecret, SubscriptionID: r.SubscriptionID, AttemptID: r.AttemptID}
}

// IntentStore persists intent records, one per (user, target).
type IntentStore interface {
	// Save inserts or replaces the record for (UserID, TargetKey).
	Save(ctx context.Context, rec IntentRecord) error
	// Active returns the unexpired record for (user, target) or ErrIntentNotFound.
	Active(ctx context.Context, userID uuid.UUID, targetKey string, now time.Time) (IntentRecord, error)
	ByProviderID(ctx context.Context, providerIntentID string) (IntentRecord, error)
	// ByAttempt returns the record of an unlock attempt, expired or not.
	ByAttempt(ctx context.Context, attemptID uuid.UUID) (IntentRecord, error)
	// DeleteExpired drops records whose ExpiresAt is not after before.
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Customer links a user to the processor's customer object.
type Customer struct {
	UserID     uuid.UUID
	CustomerID string
	Email      string
	CreatedAt  time.Time
}

type CustomerStore interface {
	// Customer returns ErrCustomerNotFound for users that never paid.
	Customer(ctx context.Context, userID uuid.UUID) (Customer, error)
	// SaveCustomer stores c unless the user already has a customer, and
	// returns the stored one.
	SaveCustomer(ctx context.Context, c Customer) (Customer, error)
}

// MemoryIntents is an in-process IntentStore.
type MemoryIntents struct {
	mu      sync.Mutex
	records map[string]IntentRecord
}

func NewMemoryIntents() *MemoryIntents {
	return &MemoryIntents{records: make(map[string]IntentRecord)}
}

func intentKey(userID uuid.UUID, targetKey string) string {
	return userID.String() + "|" + targetKey
}

func (m *MemoryIntents) Save(_ context.Context, rec IntentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[intentKey(rec.UserID, rec.TargetKey)] = rec
	return nil
}

func (m *MemoryIntents) Active(_ context.Context, userID uuid.UUID, targetKey string, now time.Time) (IntentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[intentKey(userID, targetKey)]
	if !ok || !rec.ExpiresAt.After(now) {
		return IntentRecord{}, ErrIntentNotFound
	}
	return rec, nil
}

func (m *MemoryIntents) ByProviderID(_ context.Context, providerIntentID string) (IntentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if providerIntentID != "" && rec.ProviderIntentID == providerIntentID {
			return rec, nil
		}
	}
	return IntentRecord{}, ErrIntentNotFound
}

func (m *MemoryIntents) ByAttempt(_ context.Context, attemptID uuid.UUID) (IntentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range m.records {
		if attemptID != uuid.Nil && rec.AttemptID == attemptID {
			return rec, nil
		}
	}
	return IntentRecord{}, ErrIntentNotFound
}

func (m *MemoryIntents) DeleteExpired(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, rec := range m.records {
		if !rec.ExpiresAt.After(before) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

// MemoryCustomers is an in-process CustomerStore.
type MemoryCustomers struct {
	mu        sync.Mutex
	customers map[uuid.UUID]Customer
}

func NewMemoryCustomers() *MemoryCustomers {
	return &MemoryCustomers{customers: make(map[uuid.UUID]Customer)}
}

func (m *MemoryCustomers) Customer(_ context.Context, userID uuid.UUID) (Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[userID]
	if !ok {
		return Customer{}, ErrCustomerNotFound
	}
	return c, nil
}

func (m *MemoryCustomers) SaveCustomer(_ context.Context, c Customer) (Customer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.customers[c.UserID]; ok {
		return cur, nil
	}
	m.customers[c.UserID] = c
	return c, nil
}
