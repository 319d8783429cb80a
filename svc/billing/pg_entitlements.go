package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/pg"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
)

// EntitlementRepo is the Postgres entitlement table. It serves snapshot reads
// and the reconciler's row-locked updates.
type EntitlementRepo struct {
	pool *pgxpool.Pool
}

func NewEntitlementRepo(pool *pgxpool.Pool) *EntitlementRepo {
	return &EntitlementRepo{pool: pool}
}

const selectEntitlement = `
SELECT user_id, tier, status, period_end, provider_customer_id, provider_subscription_id, updated_at
FROM user_entitlements
WHERE user_id = $1`

func scanEntitlement(row pgx.Row) (entitlement.UserEntitlement, error) {
	var (
		e            entitlement.UserEntitlement
		rawTier, raw string
	)
	if err := row.Scan(
		&e.UserID,
		&rawTier,
		&raw,
		&e.PeriodEnd,
		&e.ProviderCustomerID,
		&e.ProviderSubscriptionID,
		&e.UpdatedAt,
	); err != nil {
		return entitlement.UserEntitlement{}, err
	}
	e.Tier = tier.Tier(rawTier)
	e.Status = entitlement.Status(raw)
	return e, nil
}

func (r *EntitlementRepo) Entitlement(ctx context.Context, userID uuid.UUID) (entitlement.UserEntitlement, error) {
	e, err := scanEntitlement(r.pool.QueryRow(ctx, selectEntitlement, userID))
	if pg.IsNotFoundError(err) {
		return entitlement.UserEntitlement{}, entitlement.ErrNotFound
	}
	if err != nil {
		return entitlement.UserEntitlement{}, fmt.Errorf("get entitlement: %w", err)
	}
	return e, nil
}

func (r *EntitlementRepo) UpdateEntitlement(ctx context.Context, userID uuid.UUID, fn reconcile.UpdateFunc) (entitlement.UserEntitlement, error) {
	var out entitlement.UserEntitlement
	err := pg.WithTx(ctx, r.pool, func(ctx context.Context, tx pgx.Tx) error {
		found := true
		cur, err := scanEntitlement(tx.QueryRow(ctx, selectEntitlement+" FOR UPDATE", userID))
		switch {
		case pg.IsNotFoundError(err):
			found = false
			cur = entitlement.UserEntitlement{UserID: userID}
		case err != nil:
			return fmt.Errorf("lock entitlement: %w", err)
		}

		next, err := fn(cur, found)
		if err != nil {
			return err
		}
		next.UserID = userID
		if next.UpdatedAt.IsZero() {
			next.UpdatedAt = time.Now().UTC()
		}

		if _, err := tx.Exec(ctx, `
INSERT INTO user_entitlements (
	user_id, tier, status, period_end, provider_customer_id, provider_subscription_id, updated_at
) VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (user_id) DO UPDATE SET
	tier = EXCLUDED.tier,
	status = EXCLUDED.status,
	period_end = EXCLUDED.period_end,
	provider_customer_id = EXCLUDED.provider_customer_id,
	provider_subscription_id = EXCLUDED.provider_subscription_id,
	updated_at = EXCLUDED.updated_at
`,
			next.UserID,
			string(next.Tier),
			string(next.Status),
			next.PeriodEnd,
			next.ProviderCustomerID,
			next.ProviderSubscriptionID,
			next.UpdatedAt,
		); err != nil {
			return fmt.Errorf("store entitlement: %w", err)
		}
		out = next
		return nil
	})
	if err != nil {
		return entitlement.UserEntitlement{}, err
	}
	return out, nil
}

// RuleRepo reads content access rules.
type RuleRepo struct {
	pool *pgxpool.Pool
}

func NewRuleRepo(pool *pgxpool.Pool) *RuleRepo {
	return &RuleRepo{pool: pool}
}

func (r *RuleRepo) Rules(ctx context.Context, contentIDs []string) (map[string]entitlement.Rule, error) {
	out := make(map[string]entitlement.Rule, len(contentIDs))
	if len(contentIDs) == 0 {
		return out, nil
	}

	rows, err := r.pool.Query(ctx, `
SELECT content_id, min_tier, unlockable, unlock_price_amount, unlock_price_currency
FROM content_access_rules
WHERE content_id = ANY($1::text[])
`, contentIDs)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rule    entitlement.Rule
			minTier string
		)
		if err := rows.Scan(
			&rule.ContentID,
			&minTier,
			&rule.Unlockable,
			&rule.UnlockPrice.Amount,
			&rule.UnlockPrice.Currency,
		); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.MinTier = tier.Tier(minTier)
		out[rule.ContentID] = rule
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rules: %w", err)
	}
	return out, nil
}

// SaveRule inserts or replaces a rule.
func (r *RuleRepo) SaveRule(ctx context.Context, rule entitlement.Rule) error {
	_, err := r.pool.Exec(ctx, `
INSERT INTO content_access_rules (content_id, min_tier, unlockable, unlock_price_amount, unlock_price_currency)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (content_id) DO UPDATE SET
	min_tier = EXCLUDED.min_tier,
	unlockable = EXCLUDED.unlockable,
	unlock_price_amount = EXCLUDED.unlock_price_amount,
	unlock_price_currency = EXCLUDED.unlock_price_currency
`, rule.ContentID, string(rule.MinTier), rule.Unlockable, rule.UnlockPrice.Amount, rule.UnlockPrice.Currency)
	if err != nil {
		return fmt.Errorf("save rule: %w", err)
	}
	return nil
}
