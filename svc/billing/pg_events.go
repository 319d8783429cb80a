package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/paygate/pkg/pg"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
)

// EventRepo implements reconcile.EventStore on the webhook_events table.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

const eventColumns = `event_id, event_type, provider, livemode, status, attempt_count, received_at, claimed_at, processed_at, last_error`

func scanEvent(row pgx.Row) (reconcile.Record, error) {
	var (
		rec              reconcile.Record
		provider, status string
	)
	if err := row.Scan(
		&rec.EventID,
		&rec.EventType,
		&provider,
		&rec.Livemode,
		&status,
		&rec.AttemptCount,
		&rec.ReceivedAt,
		&rec.ClaimedAt,
		&rec.ProcessedAt,
		&rec.LastError,
	); err != nil {
		return reconcile.Record{}, err
	}
	rec.Provider = reconcile.Provider(provider)
	rec.Status = reconcile.Status(status)
	return rec, nil
}

// Begin claims the event with a single upsert. The conditional DO UPDATE
// lets exactly one of several concurrent deliveries win the claim.
func (r *EventRepo) Begin(ctx context.Context, ev reconcile.Event, at, staleBefore time.Time) (reconcile.Record, error) {
	rec, err := scanEvent(r.pool.QueryRow(ctx, `
INSERT INTO webhook_events (event_id, event_type, provider, livemode, status, attempt_count, received_at, claimed_at)
VALUES ($1, $2, $3, $4, 'processing', 1, $5, $5)
ON CONFLICT (event_id) DO UPDATE SET
	status = 'processing',
	claimed_at = EXCLUDED.claimed_at,
	attempt_count = webhook_events.attempt_count + 1
WHERE webhook_events.status = 'failed'
	OR (webhook_events.status = 'processing' AND webhook_events.claimed_at < $6)
RETURNING `+eventColumns,
		ev.ID, ev.Type, string(ev.Provider), ev.Livemode, at, staleBefore,
	))
	if err == nil {
		return rec, nil
	}
	if !pg.IsNotFoundError(err) {
		return reconcile.Record{}, fmt.Errorf("record webhook event: %w", err)
	}

	// the conflicting row is processed or claimed by another worker
	cur, err := r.Get(ctx, ev.ID)
	if err != nil {
		return reconcile.Record{}, err
	}
	if cur.Status != reconcile.StatusProcessed {
		return cur, reconcile.ErrEventInFlight
	}
	return cur, nil
}

func (r *EventRepo) MarkProcessed(ctx context.Context, eventID string, at time.Time) error {
	return r.update(ctx, `
UPDATE webhook_events SET status = 'processed', processed_at = $2, last_error = ''
WHERE event_id = $1
`, eventID, at)
}

func (r *EventRepo) MarkFailed(ctx context.Context, eventID, cause string, _ time.Time) error {
	return r.update(ctx, `
UPDATE webhook_events SET status = 'failed', last_error = $2
WHERE event_id = $1
`, eventID, cause)
}

func (r *EventRepo) Get(ctx context.Context, eventID string) (reconcile.Record, error) {
	rec, err := scanEvent(r.pool.QueryRow(ctx, `SELECT `+eventColumns+` FROM webhook_events WHERE event_id = $1`, eventID))
	if pg.IsNotFoundError(err) {
		return reconcile.Record{}, reconcile.ErrEventNotFound
	}
	if err != nil {
		return reconcile.Record{}, fmt.Errorf("get webhook event: %w", err)
	}
	return rec, nil
}

func (r *EventRepo) update(ctx context.Context, query string, args ...any) error {
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update webhook event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return reconcile.ErrEventNotFound
	}
	return nil
}
