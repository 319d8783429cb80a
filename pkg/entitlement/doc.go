// Package entitlement decides whether a user may access a piece of gated content.
//
// Decisions are pure functions of an entitlement snapshot, the content's
// access Rule and whether the user holds a succeeded unlock (see Decide).
// Resolver adds the I/O around it: a single rule lookup and a single unlock
// lookup per batch, plus optional snapshot loading through a short-TTL cache
// that callers invalidate after a checkout or webhook changes the entitlement.
//
//	r := entitlement.NewResolver(catalog, ruleStore, unlockTracker,
//	    entitlement.WithSnapshotStore(store),
//	    entitlement.WithSnapshotCache(entitlement.NewMemoryCache(10_000, 5*time.Second)),
//	)
//	decisions, err := r.ResolveForUser(ctx, userID, []string{"report-42", "report-43"})
package entitlement
