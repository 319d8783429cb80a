package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/paygate/pkg/pg"
	"github.com/dmitrymomot/paygate/pkg/unlock"
)

const unlockSlotIndex = "unlock_attempts_slot_idx"

// UnlockRepo implements unlock.Store. The partial unique index on
// (user_id, content_id, attempt_date) makes Insert atomic per slot.
type UnlockRepo struct {
	pool *pgxpool.Pool
}

func NewUnlockRepo(pool *pgxpool.Pool) *UnlockRepo {
	return &UnlockRepo{pool: pool}
}

const unlockColumns = `id, user_id, content_id, attempt_date, status, provider_payment_id, created_at, updated_at`

func scanAttempt(row pgx.Row) (unlock.Attempt, error) {
	var (
		a      unlock.Attempt
		status string
	)
	if err := row.Scan(
		&a.ID,
		&a.UserID,
		&a.ContentID,
		&a.AttemptDate,
		&status,
		&a.ProviderPaymentID,
		&a.CreatedAt,
		&a.UpdatedAt,
	); err != nil {
		return unlock.Attempt{}, err
	}
	a.Status = unlock.Status(status)
	return a, nil
}

func (r *UnlockRepo) Insert(ctx context.Context, a unlock.Attempt) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO unlock_attempts (`+unlockColumns+`)
VALUES ($1, $2, $3, $4::date, $5, $6, $7, $8)
`,
		a.ID,
		a.UserID,
		a.ContentID,
		a.DateKey(),
		string(a.Status),
		a.ProviderPaymentID,
		a.CreatedAt,
		a.UpdatedAt,
	)
	return insertAttemptError(err)
}

// insertAttemptError maps a slot index violation to ErrAlreadyAttemptedToday.
// Other unique violations, such as a reused id, stay storage errors.
func insertAttemptError(err error) error {
	if err == nil {
		return nil
	}
	if pg.IsDuplicateKeyError(err) && pg.ConstraintName(err) == unlockSlotIndex {
		return unlock.ErrAlreadyAttemptedToday
	}
	return fmt.Errorf("insert unlock attempt: %w", err)
}

func (r *UnlockRepo) Transition(ctx context.Context, id uuid.UUID, from, to unlock.Status, providerPaymentID string, at time.Time) (unlock.Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx, `
UPDATE unlock_attempts
SET
	status = $3,
	provider_payment_id = CASE WHEN $4::text <> '' THEN $4::text ELSE provider_payment_id END,
	updated_at = $5
WHERE id = $1 AND status = $2
RETURNING `+unlockColumns,
		id, string(from), string(to), providerPaymentID, at,
	))
	if err == nil {
		return a, nil
	}
	if !pg.IsNotFoundError(err) {
		return unlock.Attempt{}, fmt.Errorf("transition unlock attempt: %w", err)
	}

	// the row is missing or its status moved on
	cur, err := r.Get(ctx, id)
	if err != nil {
		return unlock.Attempt{}, err
	}
	return cur, unlock.ErrInvalidTransition
}

func (r *UnlockRepo) Get(ctx context.Context, id uuid.UUID) (unlock.Attempt, error) {
	a, err := scanAttempt(r.pool.QueryRow(ctx, `SELECT `+unlockColumns+` FROM unlock_attempts WHERE id = $1`, id))
	if pg.IsNotFoundError(err) {
		return unlock.Attempt{}, unlock.ErrAttemptNotFound
	}
	if err != nil {
		return unlock.Attempt{}, fmt.Errorf("get unlock attempt: %w", err)
	}
	return a, nil
}

func (r *UnlockRepo) SucceededContent(ctx context.Context, userID uuid.UUID, contentIDs []string) (map[string]bool, error) {
	out := make(map[string]bool, len(contentIDs))
	if len(contentIDs) == 0 {
		return out, nil
	}
	rows, err := r.pool.Query(ctx, `
SELECT DISTINCT content_id
FROM unlock_attempts
WHERE user_id = $1 AND status = 'succeeded' AND content_id = ANY($2::text[])
`, userID, contentIDs)
	if err != nil {
		return nil, fmt.Errorf("list unlocked content: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unlocked content: %w", err)
		}
		out[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unlocked content: %w", err)
	}
	return out, nil
}

func (r *UnlockRepo) CreatedBefore(ctx context.Context, cutoff time.Time, limit int) ([]unlock.Attempt, error) {
	rows, err := r.pool.Query(ctx, `
SELECT `+unlockColumns+`
FROM unlock_attempts
WHERE status = 'created' AND created_at < $1
ORDER BY created_at
LIMIT $2
`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale unlock attempts: %w", err)
	}
	defer rows.Close()

	var out []unlock.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unlock attempt: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate unlock attempts: %w", err)
	}
	return out, nil
}
