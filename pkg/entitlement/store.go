package entitlement

import (
	"context"

	"github.com/google/uuid"
)

// RuleStore returns access rules for the requested content ids. Ids without
// a rule are absent from the result.
type RuleStore interface {
	Rules(ctx context.Context, contentIDs []string) (map[string]Rule, error)
}

// UnlockLookup reports which of the content ids the user has a succeeded unlock for.
type UnlockLookup interface {
	UnlockedContent(ctx context.Context, userID uuid.UUID, contentIDs []string) (map[string]bool, error)
}

// SnapshotStore reads the authoritative entitlement row. It returns
// ErrNotFound when the user has never subscribed.
type SnapshotStore interface {
	Entitlement(ctx context.Context, userID uuid.UUID) (UserEntitlement, error)
}

// SnapshotCache is a short-lived read-through cache of snapshots. It is never
// the source of truth and must be invalidated whenever the entitlement changes.
type SnapshotCache interface {
	Get(ctx context.Context, userID uuid.UUID) (UserEntitlement, bool, error)
	Set(ctx context.Context, snapshot UserEntitlement) error
	Invalidate(ctx context.Context, userID uuid.UUID) error
}
