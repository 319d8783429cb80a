package unlock

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/logger"
)

// DefaultStaleAfter is how long a created attempt may wait for its payment
// before SweepStale cancels it.
const DefaultStaleAfter = 2 * time.Hour

// Tracker enforces one unlock attempt per user, content item and calendar day.
type Tracker struct {
	store  Store
	loc    *time.Location
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithLocation sets the time zone whose calendar day bounds the rate limit. Defaults to UTC.
func WithLocation(loc *time.Location) Option {
	return func(t *Tracker) {
		if loc != nil {
			t.loc = loc
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTracker panics if store is nil.
func NewTracker(store Store, opts ...Option) *Tracker {
	if store == nil {
		panic("unlock: Store is required")
	}
	t := &Tracker{
		store:  store,
		loc:    time.UTC,
		now:    time.Now,
		logger: logger.Discard(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Day returns the calendar day of at in the tracker's location, as midnight UTC.
func (t *Tracker) Day(at time.Time) time.Time {
	y, m, d := at.In(t.loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// BeginAttempt records a new created attempt. It fails with ErrAlreadyUnlocked
// when the user already owns the content and with ErrAlreadyAttemptedToday when
// today's slot is held by a created or succeeded attempt.
func (t *Tracker) BeginAttempt(ctx context.Context, userID uuid.UUID, contentID string) (Attempt, error) {
	contentID = strings.TrimSpace(contentID)
	if userID == uuid.Nil {
		return Attempt{}, ErrInvalidUser
	}
	if contentID == "" {
		return Attempt{}, ErrInvalidContent
	}

	owned, err := t.store.SucceededContent(ctx, userID, []string{contentID})
	if err != nil {
		return Attempt{}, err
	}
	if owned[contentID] {
		return Attempt{}, ErrAlreadyUnlocked
	}

	now := t.now().UTC()
	a := Attempt{
		ID:          uuid.New(),
		UserID:      userID,
		ContentID:   contentID,
		AttemptDate: t.Day(now),
		Status:      StatusCreated,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.store.Insert(ctx, a); err != nil {
		return Attempt{}, err
	}

	t.logger.InfoContext(ctx, "unlock attempt created",
		logger.AttemptID(a.ID), logger.UserID(userID), logger.ContentID(contentID))
	return a, nil
}

// MarkSucceeded grants the unlock. Replays for an attempt that already
// succeeded return it without error.
func (t *Tracker) MarkSucceeded(ctx context.Context, id uuid.UUID, providerPaymentID string) (Attempt, error) {
	a, err := t.store.Transition(ctx, id, StatusCreated, StatusSucceeded, providerPaymentID, t.now().UTC())
	if errors.Is(err, ErrInvalidTransition) && a.Status == StatusSucceeded {
		return a, nil
	}
	return a, err
}

// MarkFailed releases the day's slot without granting anything.
func (t *Tracker) MarkFailed(ctx context.Context, id uuid.UUID) (Attempt, error) {
	return t.finish(ctx, id, StatusFailed)
}

// MarkCanceled releases the day's slot without granting anything.
func (t *Tracker) MarkCanceled(ctx context.Context, id uuid.UUID) (Attempt, error) {
	return t.finish(ctx, id, StatusCanceled)
}

func (t *Tracker) finish(ctx context.Context, id uuid.UUID, to Status) (Attempt, error) {
	a, err := t.store.Transition(ctx, id, StatusCreated, to, "", t.now().UTC())
	if errors.Is(err, ErrInvalidTransition) && a.Status == to {
		return a, nil
	}
	return a, err
}

func (t *Tracker) Get(ctx context.Context, id uuid.UUID) (Attempt, error) {
	return t.store.Get(ctx, id)
}

// UnlockedContent reports which content ids the user has a succeeded attempt for.
// One store query serves the whole batch.
func (t *Tracker) UnlockedContent(ctx context.Context, userID uuid.UUID, contentIDs []string) (map[string]bool, error) {
	if len(contentIDs) == 0 {
		return map[string]bool{}, nil
	}
	return t.store.SucceededContent(ctx, userID, contentIDs)
}

// sweepBatch bounds the attempts handled by one SweepStale call.
const sweepBatch = 500

// VoidFunc makes the payment behind a stale attempt unusable. An error keeps
// the attempt created, so a payment still in flight can settle it.
type VoidFunc func(ctx context.Context, a Attempt) error

// SweepStale cancels created attempts older than olderThan, freeing their
// slots. When void is set it runs first for every attempt.
func (t *Tracker) SweepStale(ctx context.Context, olderThan time.Duration, void VoidFunc) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	now := t.now().UTC()
	stale, err := t.store.CreatedBefore(ctx, now.Add(-olderThan), sweepBatch)
	if err != nil {
		return 0, err
	}

	var n int64
	for _, a := range stale {
		if void != nil {
			if err := void(ctx, a); err != nil {
				t.logger.WarnContext(ctx, "stale unlock attempt kept", logger.AttemptID(a.ID), logger.Error(err))
				continue
			}
		}
		if _, err := t.MarkCanceled(ctx, a.ID); err != nil {
			if errors.Is(err, ErrInvalidTransition) {
				continue // settled meanwhile
			}
			return n, err
		}
		n++
	}
	if n > 0 {
		t.logger.InfoContext(ctx, "stale unlock attempts canceled", slog.Int64("count", n))
	}
	return n, nil
}
