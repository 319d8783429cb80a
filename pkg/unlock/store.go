package unlock

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store persists attempts. Implementations must make Insert atomic with respect
// to the slot: a concurrent second insert for a slot already held by a created
// or succeeded attempt fails with ErrAlreadyAttemptedToday.
type Store interface {
	Insert(ctx context.Context, a Attempt) error
	// Transition moves id from one status to another only if the stored status
	// equals from. It returns the updated attempt, ErrAttemptNotFound or
	// ErrInvalidTransition together with the current attempt.
	Transition(ctx context.Context, id uuid.UUID, from, to Status, providerPaymentID string, at time.Time) (Attempt, error)
	Get(ctx context.Context, id uuid.UUID) (Attempt, error)
	SucceededContent(ctx context.Context, userID uuid.UUID, contentIDs []string) (map[string]bool, error)
	// CreatedBefore lists up to limit created attempts whose CreatedAt is
	// before cutoff, oldest first.
	CreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Attempt, error)
}
