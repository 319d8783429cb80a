package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/logger"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
)

// Reconciler applies processor events to the authoritative entitlement and
// unlock state. It is the only writer of either.
type Reconciler struct {
	catalog      *tier.Catalog
	events       EventStore
	entitlements EntitlementStore
	unlocks      Unlocks
	locker       Locker
	invalidator  Invalidator
	archive      Archive
	notifiers    []Notifier
	logger       *slog.Logger
	now          func() time.Time
	lease        time.Duration
}

// DefaultLease is how long a claimed event is left to its worker before a
// redelivery may take it over.
const DefaultLease = 5 * time.Minute

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLocker replaces the default in-process KeyedMutex, e.g. with a Redis lock
// when several instances consume webhooks.
func WithLocker(l Locker) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.locker = l
		}
	}
}

// WithInvalidator drops cached snapshots of users whose entitlement changed.
func WithInvalidator(i Invalidator) Option {
	return func(r *Reconciler) { r.invalidator = i }
}

// WithArchive stores every raw payload before it is processed.
func WithArchive(a Archive) Option {
	return func(r *Reconciler) { r.archive = a }
}

func WithNotifier(n Notifier) Option {
	return func(r *Reconciler) {
		if n != nil {
			r.notifiers = append(r.notifiers, n)
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithLease sets how long a processing claim blocks other deliveries of the
// same event.
func WithLease(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.lease = d
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		if now != nil {
			r.now = now
		}
	}
}

// New panics if any store is nil.
func New(catalog *tier.Catalog, events EventStore, entitlements EntitlementStore, unlocks Unlocks, opts ...Option) *Reconciler {
	if catalog == nil {
		panic("reconcile: Catalog is required")
	}
	if events == nil {
		panic("reconcile: EventStore is required")
	}
	if entitlements == nil {
		panic("reconcile: EntitlementStore is required")
	}
	if unlocks == nil {
		panic("reconcile: Unlocks is required")
	}
	r := &Reconciler{
		catalog:      catalog,
		events:       events,
		entitlements: entitlements,
		unlocks:      unlocks,
		locker:       NewKeyedMutex(),
		logger:       logger.Discard(),
		now:          time.Now,
		lease:        DefaultLease,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Apply processes ev exactly once per event id. Replays of a processed event
// succeed without effect, and so does a duplicate that arrives while another
// worker holds the claim. A failed mutation marks the record failed and
// returns ErrWebhookApplyFailed. Failures that a redelivery can fix (lock
// timeouts, store errors) also carry ErrRetryLater; a failed record is claimed
// again by the next delivery. ErrEventNotRecorded means nothing was stored and
// the processor should redeliver.
func (r *Reconciler) Apply(ctx context.Context, ev Event) error {
	if ev.ID == "" || ev.Mutation == nil {
		return ErrInvalidEvent
	}
	log := r.logger.With(logger.EventID(ev.ID), logger.EventType(ev.Type), logger.Provider(string(ev.Provider)))

	if r.archive != nil {
		if err := r.archive.Store(ctx, ev); err != nil {
			log.WarnContext(ctx, "webhook payload not archived", logger.Error(err))
		}
	}

	now := r.now().UTC()
	rec, err := r.events.Begin(ctx, ev, now, now.Add(-r.lease))
	if errors.Is(err, ErrEventInFlight) {
		// the worker holding the claim answers its own delivery
		log.InfoContext(ctx, "webhook event already in flight", slog.Int("attempt", rec.AttemptCount))
		return nil
	}
	if err != nil {
		return errors.Join(ErrEventNotRecorded, err)
	}
	if rec.Status == StatusProcessed {
		log.DebugContext(ctx, "webhook event already processed")
		return nil
	}

	userID, changed, err := r.apply(ctx, ev)
	if err != nil {
		if errors.Is(err, ErrStaleEvent) {
			log.InfoContext(ctx, "stale webhook event skipped")
			return r.finish(ctx, log, ev.ID)
		}
		if merr := r.events.MarkFailed(ctx, ev.ID, err.Error(), r.now().UTC()); merr != nil {
			log.ErrorContext(ctx, "failed to mark webhook event failed", logger.Error(merr))
		}
		log.ErrorContext(ctx, "webhook event failed", slog.Int("attempt", rec.AttemptCount), logger.Error(err))
		if transient(err) {
			return errors.Join(ErrWebhookApplyFailed, ErrRetryLater, err)
		}
		return errors.Join(ErrWebhookApplyFailed, err)
	}

	if err := r.finish(ctx, log, ev.ID); err != nil {
		return err
	}
	if changed {
		r.afterApply(ctx, log, userID, ev.Mutation)
	}
	log.InfoContext(ctx, "webhook event processed", logger.UserID(userID))
	return nil
}

// Get returns the processing record of an event.
func (r *Reconciler) Get(ctx context.Context, eventID string) (Record, error) {
	return r.events.Get(ctx, eventID)
}

func (r *Reconciler) finish(ctx context.Context, log *slog.Logger, eventID string) error {
	if err := r.events.MarkProcessed(ctx, eventID, r.now().UTC()); err != nil {
		log.ErrorContext(ctx, "failed to mark webhook event processed", logger.Error(err))
		return errors.Join(ErrWebhookApplyFailed, err)
	}
	return nil
}

// apply runs the mutation under the user's lock. It returns the affected user
// and whether any state changed.
func (r *Reconciler) apply(ctx context.Context, ev Event) (uuid.UUID, bool, error) {
	switch m := ev.Mutation.(type) {
	case Ignored:
		return uuid.Nil, false, nil
	case SubscriptionChanged:
		if _, err := r.catalog.Level(m.Tier); err != nil {
			return m.UserID, false, err
		}
		return m.UserID, true, r.withUser(ctx, m.UserID, func() error {
			return r.changeSubscription(ctx, ev, m)
		})
	case SubscriptionCanceled:
		return m.UserID, true, r.withUser(ctx, m.UserID, func() error {
			return r.cancelSubscription(ctx, ev, m)
		})
	case UnlockPaid:
		return r.finishUnlock(ctx, m.AttemptID, unlock.StatusSucceeded, func() error {
			_, err := r.unlocks.MarkSucceeded(ctx, m.AttemptID, m.PaymentID)
			return err
		})
	case UnlockPaymentFailed:
		return r.finishUnlock(ctx, m.AttemptID, unlock.StatusFailed, func() error {
			_, err := r.unlocks.MarkFailed(ctx, m.AttemptID)
			return err
		})
	}
	return uuid.Nil, false, fmt.Errorf("%w: unsupported mutation %T", ErrInvalidEvent, ev.Mutation)
}

func (r *Reconciler) finishUnlock(ctx context.Context, attemptID uuid.UUID, to unlock.Status, mark func() error) (uuid.UUID, bool, error) {
	a, err := r.unlocks.Get(ctx, attemptID)
	if err != nil {
		return uuid.Nil, false, err
	}
	changed := false
	err = r.withUser(ctx, a.UserID, func() error {
		cur, err := r.unlocks.Get(ctx, attemptID)
		if err != nil {
			return err
		}
		switch {
		case cur.Status == to:
			return nil
		case cur.Status != unlock.StatusCreated && to != unlock.StatusSucceeded:
			// already settled, e.g. canceled by the sweep before its intent was voided
			return nil
		}
		if err := mark(); err != nil {
			return err
		}
		changed = true
		return nil
	})
	return a.UserID, changed, err
}

func (r *Reconciler) withUser(ctx context.Context, userID uuid.UUID, fn func() error) error {
	if userID == uuid.Nil {
		return ErrUnknownUser
	}
	release, err := r.locker.Lock(ctx, "user:"+userID.String())
	if err != nil {
		return errors.Join(ErrLockTimeout, err)
	}
	defer release()
	return fn()
}

func (r *Reconciler) changeSubscription(ctx context.Context, ev Event, m SubscriptionChanged) error {
	at := r.eventTime(ev)
	_, err := r.entitlements.UpdateEntitlement(ctx, m.UserID, func(cur entitlement.UserEntitlement, found bool) (entitlement.UserEntitlement, error) {
		if found && at.Before(cur.UpdatedAt) {
			return cur, ErrStaleEvent
		}
		next := cur
		next.Tier = m.Tier
		next.Status = m.Status
		next.PeriodEnd = m.PeriodEnd
		next.ProviderSubscriptionID = m.SubscriptionID
		if m.CustomerID != "" {
			next.ProviderCustomerID = m.CustomerID
		}
		next.UpdatedAt = at
		return next, nil
	})
	return err
}

func (r *Reconciler) cancelSubscription(ctx context.Context, ev Event, m SubscriptionCanceled) error {
	at := r.eventTime(ev)
	_, err := r.entitlements.UpdateEntitlement(ctx, m.UserID, func(cur entitlement.UserEntitlement, found bool) (entitlement.UserEntitlement, error) {
		if found && at.Before(cur.UpdatedAt) {
			return cur, ErrStaleEvent
		}
		// a replaced subscription being canceled does not touch the current one
		if found && cur.ProviderSubscriptionID != "" && m.SubscriptionID != "" && cur.ProviderSubscriptionID != m.SubscriptionID {
			return cur, ErrStaleEvent
		}
		next := cur
		next.Tier = r.catalog.Lowest()
		next.Status = entitlement.StatusCanceled
		next.PeriodEnd = nil
		next.UpdatedAt = at
		return next, nil
	})
	return err
}

func (r *Reconciler) afterApply(ctx context.Context, log *slog.Logger, userID uuid.UUID, m Mutation) {
	if r.invalidator != nil {
		if err := r.invalidator.Invalidate(ctx, userID); err != nil {
			log.WarnContext(ctx, "snapshot cache not invalidated", logger.UserID(userID), logger.Error(err))
		}
	}
	for _, n := range r.notifiers {
		if err := n.Notify(ctx, userID, m); err != nil {
			log.WarnContext(ctx, "webhook notifier failed", logger.UserID(userID), logger.Error(err))
		}
	}
}

// transient reports whether err may go away on redelivery. Events that can
// never apply are not retried.
func transient(err error) bool {
	switch {
	case errors.Is(err, tier.ErrUnknownTier),
		errors.Is(err, ErrUnknownUser),
		errors.Is(err, ErrInvalidEvent),
		errors.Is(err, unlock.ErrAttemptNotFound),
		errors.Is(err, unlock.ErrInvalidTransition):
		return false
	}
	return true
}

func (r *Reconciler) eventTime(ev Event) time.Time {
	if ev.OccurredAt.IsZero() {
		return r.now().UTC()
	}
	return ev.OccurredAt.UTC()
}
