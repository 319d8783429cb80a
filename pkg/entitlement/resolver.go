package entitlement

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/logger"
	"github.com/dmitrymomot/paygate/pkg/tier"
)

// Resolver answers "can this user see X?" for single items and batches.
// It never writes entitlement state.
type Resolver struct {
	catalog   *tier.Catalog
	rules     RuleStore
	unlocks   UnlockLookup
	snapshots SnapshotStore
	cache     SnapshotCache
	logger    *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSnapshotStore enables ResolveForUser and Snapshot.
func WithSnapshotStore(s SnapshotStore) ResolverOption {
	return func(r *Resolver) { r.snapshots = s }
}

// WithSnapshotCache puts a read-through cache in front of the snapshot store.
func WithSnapshotCache(c SnapshotCache) ResolverOption {
	return func(r *Resolver) { r.cache = c }
}

func WithLogger(l *slog.Logger) ResolverOption {
	return func(r *Resolver) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewResolver panics when a required dependency is nil.
func NewResolver(catalog *tier.Catalog, rules RuleStore, unlocks UnlockLookup, opts ...ResolverOption) *Resolver {
	if catalog == nil {
		panic("entitlement: tier catalog is required")
	}
	if rules == nil {
		panic("entitlement: RuleStore is required")
	}
	if unlocks == nil {
		panic("entitlement: UnlockLookup is required")
	}

	r := &Resolver{
		catalog: catalog,
		rules:   rules,
		unlocks: unlocks,
		logger:  logger.Discard(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Catalog returns the tier table decisions are computed against.
func (r *Resolver) Catalog() *tier.Catalog { return r.catalog }

// Resolve decides access to a single content item. A blank id is rejected
// with ErrInvalidContent.
func (r *Resolver) Resolve(ctx context.Context, user UserEntitlement, contentID string) (Decision, error) {
	if strings.TrimSpace(contentID) == "" {
		return Decision{}, ErrInvalidContent
	}
	decisions, err := r.ResolveBatch(ctx, user, []string{contentID})
	if err != nil {
		return Decision{}, err
	}
	return decisions[contentID], nil
}

// ResolveBatch decides access to every content id with one rule lookup and at
// most one unlock lookup, regardless of the number of items.
func (r *Resolver) ResolveBatch(ctx context.Context, user UserEntitlement, contentIDs []string) (map[string]Decision, error) {
	ids := dedupe(contentIDs)
	out := make(map[string]Decision, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	rules, err := r.rules.Rules(ctx, ids)
	if err != nil {
		return nil, errors.Join(ErrRuleLookupFailed, err)
	}

	// Only items the tier cannot open need the unlock lookup.
	var pending []string
	for _, id := range ids {
		rule, ok := rules[id]
		if !ok || !rule.Gated() {
			continue
		}
		if d := Decide(r.catalog, user, &rule, false); !d.Accessible {
			pending = append(pending, id)
		}
	}

	unlocked := map[string]bool{}
	if len(pending) > 0 {
		unlocked, err = r.unlocks.UnlockedContent(ctx, user.UserID, pending)
		if err != nil {
			return nil, errors.Join(ErrUnlockLookup, err)
		}
	}

	for _, id := range ids {
		var rule *Rule
		if rl, ok := rules[id]; ok {
			rule = &rl
		}
		d := Decide(r.catalog, user, rule, unlocked[id])
		d.ContentID = id
		out[id] = d
	}
	return out, nil
}

// ResolveForUser loads one snapshot for userID and resolves the batch against it.
func (r *Resolver) ResolveForUser(ctx context.Context, userID uuid.UUID, contentIDs []string) (map[string]Decision, error) {
	snapshot, err := r.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return r.ResolveBatch(ctx, snapshot, contentIDs)
}

// Snapshot returns the user's entitlement, through the cache when configured.
// Users without a stored entitlement get the unsubscribed snapshot.
func (r *Resolver) Snapshot(ctx context.Context, userID uuid.UUID) (UserEntitlement, error) {
	if r.snapshots == nil {
		return UserEntitlement{}, ErrNoSnapshotSource
	}

	if r.cache != nil {
		snap, ok, err := r.cache.Get(ctx, userID)
		if err != nil {
			r.logger.WarnContext(ctx, "entitlement cache read failed", logger.UserID(userID), logger.Error(err))
		} else if ok {
			return snap, nil
		}
	}

	snap, err := r.load(ctx, userID)
	if err != nil {
		return UserEntitlement{}, err
	}

	if r.cache != nil {
		if err := r.cache.Set(ctx, snap); err != nil {
			r.logger.WarnContext(ctx, "entitlement cache write failed", logger.UserID(userID), logger.Error(err))
			return snap, nil
		}
		// A writer may have invalidated between our read and Set. Reading
		// again after Set observes its row, so a stale entry is dropped here.
		fresh, err := r.load(ctx, userID)
		if err != nil || !sameSnapshot(snap, fresh) {
			if err := r.cache.Invalidate(ctx, userID); err != nil {
				r.logger.WarnContext(ctx, "entitlement cache invalidate failed", logger.UserID(userID), logger.Error(err))
			}
		}
	}
	return snap, nil
}

func (r *Resolver) load(ctx context.Context, userID uuid.UUID) (UserEntitlement, error) {
	snap, err := r.snapshots.Entitlement(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		snap = Unsubscribed(userID, r.catalog.Lowest())
	case err != nil:
		return UserEntitlement{}, errors.Join(ErrSnapshotFailed, err)
	}
	if snap.UserID != userID {
		return UserEntitlement{}, ErrUserMismatch
	}
	return snap, nil
}

func sameSnapshot(a, b UserEntitlement) bool {
	return a.Tier == b.Tier && a.Status == b.Status && a.UpdatedAt.Equal(b.UpdatedAt)
}

// Invalidate drops the cached snapshot so the next resolution reads fresh state.
func (r *Resolver) Invalidate(ctx context.Context, userID uuid.UUID) error {
	if r.cache == nil {
		return nil
	}
	return r.cache.Invalidate(ctx, userID)
}

// HasFeature reports whether the user's current subscription grants f.
func (r *Resolver) HasFeature(user UserEntitlement, f tier.Feature) bool {
	return user.Status.Entitled() && r.catalog.HasFeature(user.Tier, f)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
