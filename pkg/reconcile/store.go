package reconcile

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/unlock"
)

// EventStore persists processing records.
type EventStore interface {
	// Begin claims ev for processing. A new or failed record, or a processing
	// one claimed before staleBefore, is set to processing with ClaimedAt = at
	// and its attempt count incremented. A processed record is returned
	// unchanged. Any other processing record is returned with ErrEventInFlight.
	Begin(ctx context.Context, ev Event, at, staleBefore time.Time) (Record, error)
	MarkProcessed(ctx context.Context, eventID string, at time.Time) error
	MarkFailed(ctx context.Context, eventID, cause string, at time.Time) error
	Get(ctx context.Context, eventID string) (Record, error)
}

// UpdateFunc computes the next entitlement from the stored one. found is false
// when the user has no row yet; cur then only carries the user id.
type UpdateFunc func(cur entitlement.UserEntitlement, found bool) (entitlement.UserEntitlement, error)

// EntitlementStore is the authoritative entitlement table.
type EntitlementStore interface {
	// UpdateEntitlement runs fn over the locked row and stores its result.
	// An error from fn leaves the row untouched and is returned as is.
	UpdateEntitlement(ctx context.Context, userID uuid.UUID, fn UpdateFunc) (entitlement.UserEntitlement, error)
}

// Unlocks is the part of unlock.Tracker the reconciler drives.
type Unlocks interface {
	Get(ctx context.Context, id uuid.UUID) (unlock.Attempt, error)
	MarkSucceeded(ctx context.Context, id uuid.UUID, providerPaymentID string) (unlock.Attempt, error)
	MarkFailed(ctx context.Context, id uuid.UUID) (unlock.Attempt, error)
}

// Locker serializes work per key across workers.
type Locker interface {
	Lock(ctx context.Context, key string) (release func(), err error)
}

// Invalidator drops cached snapshots after the entitlement changed.
type Invalidator interface {
	Invalidate(ctx context.Context, userID uuid.UUID) error
}

// Archive keeps raw payloads.
type Archive interface {
	Store(ctx context.Context, ev Event) error
}

// Notifier is told about every applied mutation, e.g. to send a receipt.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, m Mutation) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, userID uuid.UUID, m Mutation) error

func (f NotifierFunc) Notify(ctx context.Context, userID uuid.UUID, m Mutation) error {
	return f(ctx, userID, m)
}
