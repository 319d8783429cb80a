package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/paygate/pkg/pg"
)

// IntentRepo implements IntentStore on checkout_intents.
type IntentRepo struct {
	pool *pgxpool.Pool
}

func NewIntentRepo(pool *pgxpool.Pool) *IntentRepo {
	return &IntentRepo{pool: pool}
}

const intentColumns = `user_id, target_key, provider_intent_id, subscription_id, attempt_id, client_secret, status, expires_at, created_at`

func scanIntent(row pgx.Row) (IntentRecord, error) {
	var (
		rec       IntentRecord
		attemptID pgtype.UUID
	)
	if err := row.Scan(
		&rec.UserID,
		&rec.TargetKey,
		&rec.ProviderIntentID,
		&rec.SubscriptionID,
		&attemptID,
		&rec.ClientSecret,
		&rec.Status,
		&rec.ExpiresAt,
		&rec.CreatedAt,
	); err != nil {
		return IntentRecord{}, err
	}
	if attemptID.Valid {
		rec.AttemptID = uuid.UUID(attemptID.Bytes)
	}
	return rec, nil
}

func (r *IntentRepo) Save(ctx context.Context, rec IntentRecord) error {
	attemptID := pgtype.UUID{Bytes: rec.AttemptID, Valid: rec.AttemptID != uuid.Nil}
	_, err := r.pool.Exec(ctx, `
INSERT INTO checkout_intents (`+intentColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id, target_key) DO UPDATE SET
	provider_intent_id = EXCLUDED.provider_intent_id,
	subscription_id = EXCLUDED.subscription_id,
	attempt_id = EXCLUDED.attempt_id,
	client_secret = EXCLUDED.client_secret,
	status = EXCLUDED.status,
	expires_at = EXCLUDED.expires_at,
	created_at = EXCLUDED.created_at
`,
		rec.UserID,
		rec.TargetKey,
		rec.ProviderIntentID,
		rec.SubscriptionID,
		attemptID,
		rec.ClientSecret,
		rec.Status,
		rec.ExpiresAt,
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("save checkout intent: %w", err)
	}
	return nil
}

func (r *IntentRepo) Active(ctx context.Context, userID uuid.UUID, targetKey string, now time.Time) (IntentRecord, error) {
	return r.one(ctx, `
SELECT `+intentColumns+` FROM checkout_intents
WHERE user_id = $1 AND target_key = $2 AND expires_at > $3
`, userID, targetKey, now)
}

func (r *IntentRepo) ByProviderID(ctx context.Context, providerIntentID string) (IntentRecord, error) {
	if providerIntentID == "" {
		return IntentRecord{}, ErrIntentNotFound
	}
	return r.one(ctx, `
SELECT `+intentColumns+` FROM checkout_intents
WHERE provider_intent_id = $1
ORDER BY created_at DESC
LIMIT 1
`, providerIntentID)
}

func (r *IntentRepo) ByAttempt(ctx context.Context, attemptID uuid.UUID) (IntentRecord, error) {
	if attemptID == uuid.Nil {
		return IntentRecord{}, ErrIntentNotFound
	}
	return r.one(ctx, `SELECT `+intentColumns+` FROM checkout_intents WHERE attempt_id = $1`, attemptID)
}

func (r *IntentRepo) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM checkout_intents WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete expired checkout intents: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *IntentRepo) one(ctx context.Context, query string, args ...any) (IntentRecord, error) {
	rec, err := scanIntent(r.pool.QueryRow(ctx, query, args...))
	if pg.IsNotFoundError(err) {
		return IntentRecord{}, ErrIntentNotFound
	}
	if err != nil {
		return IntentRecord{}, fmt.Errorf("get checkout intent: %w", err)
	}
	return rec, nil
}

// CustomerRepo implements CustomerStore on billing_customers.
type CustomerRepo struct {
	pool *pgxpool.Pool
}

func NewCustomerRepo(pool *pgxpool.Pool) *CustomerRepo {
	return &CustomerRepo{pool: pool}
}

func (r *CustomerRepo) Customer(ctx context.Context, userID uuid.UUID) (Customer, error) {
	var c Customer
	err := r.pool.QueryRow(ctx, `
SELECT user_id, customer_id, email, created_at
FROM billing_customers
WHERE user_id = $1
`, userID).Scan(&c.UserID, &c.CustomerID, &c.Email, &c.CreatedAt)
	if pg.IsNotFoundError(err) {
		return Customer{}, ErrCustomerNotFound
	}
	if err != nil {
		return Customer{}, fmt.Errorf("get billing customer: %w", err)
	}
	return c, nil
}

func (r *CustomerRepo) SaveCustomer(ctx context.Context, c Customer) (Customer, error) {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if _, err := r.pool.Exec(ctx, `
INSERT INTO billing_customers (user_id, customer_id, email, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (user_id) DO NOTHING
`, c.UserID, c.CustomerID, c.Email, c.CreatedAt); err != nil {
		return Customer{}, fmt.Errorf("save billing customer: %w", err)
	}
	// a concurrent request may have won; return whatever is stored
	return r.Customer(ctx, c.UserID)
}
