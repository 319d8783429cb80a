// Package reconcile applies payment processor events to authoritative state.
//
// Provider parsers turn a verified webhook into an Event carrying a Mutation.
// Reconciler.Apply records the event, applies the mutation under a per-user
// lock and marks the record processed. Events are deduplicated by id, so
// redeliveries are harmless:
//
//	rec := reconcile.New(catalog, events, entitlements, tracker,
//		reconcile.WithInvalidator(resolver),
//		reconcile.WithLocker(redisLocker),
//	)
//	if err := rec.Apply(ctx, ev); errors.Is(err, reconcile.ErrEventNotRecorded) {
//		// ask the processor to redeliver
//	}
//
// Subscription events older than the stored row are skipped, which makes
// unordered delivery safe. An unlock payment for an attempt that was already
// canceled or failed is never turned into a grant; the event is marked failed
// for manual review instead.
package reconcile
