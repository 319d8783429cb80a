package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/email"
	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
)

type attemptGetter interface {
	Get(ctx context.Context, id uuid.UUID) (unlock.Attempt, error)
}

// ReceiptNotifier emails a receipt after a processed grant or cancellation.
// Users without a stored email address are skipped.
type ReceiptNotifier struct {
	sender    email.EmailSender
	customers CustomerStore
	catalog   *tier.Catalog
	attempts  attemptGetter
	rules     entitlement.RuleStore
}

func NewReceiptNotifier(sender email.EmailSender, customers CustomerStore, catalog *tier.Catalog, attempts attemptGetter, rules entitlement.RuleStore) *ReceiptNotifier {
	if sender == nil || customers == nil || catalog == nil || attempts == nil || rules == nil {
		panic("billing: receipt notifier dependencies are required")
	}
	return &ReceiptNotifier{sender: sender, customers: customers, catalog: catalog, attempts: attempts, rules: rules}
}

func (n *ReceiptNotifier) Notify(ctx context.Context, userID uuid.UUID, m reconcile.Mutation) error {
	receipt, ok, err := n.receipt(ctx, m)
	if err != nil || !ok {
		return err
	}

	c, err := n.customers.Customer(ctx, userID)
	if errors.Is(err, ErrCustomerNotFound) || (err == nil && c.Email == "") {
		return nil
	}
	if err != nil {
		return err
	}

	params, err := receipt.Render()
	if err != nil {
		return err
	}
	params.SendTo = c.Email
	return n.sender.SendEmail(ctx, params)
}

func (n *ReceiptNotifier) receipt(ctx context.Context, m reconcile.Mutation) (email.Receipt, bool, error) {
	switch v := m.(type) {
	case reconcile.SubscriptionChanged:
		if !v.Status.Entitled() {
			return email.Receipt{}, false, nil
		}
		r := email.Receipt{Kind: email.ReceiptSubscription, Tier: v.Tier, PeriodEnd: v.PeriodEnd}
		if def, ok := n.catalog.Get(v.Tier); ok {
			r.Amount = def.Config.Price
		}
		return r, true, nil

	case reconcile.SubscriptionCanceled:
		return email.Receipt{Kind: email.ReceiptCancellation}, true, nil

	case reconcile.UnlockPaid:
		a, err := n.attempts.Get(ctx, v.AttemptID)
		if err != nil {
			return email.Receipt{}, false, fmt.Errorf("receipt: %w", err)
		}
		r := email.Receipt{Kind: email.ReceiptUnlock, ContentID: a.ContentID, PaymentID: v.PaymentID}
		if rules, err := n.rules.Rules(ctx, []string{a.ContentID}); err == nil {
			r.Amount = rules[a.ContentID].UnlockPrice
		}
		return r, true, nil
	}
	return email.Receipt{}, false, nil
}
