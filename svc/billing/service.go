package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/checkout"
	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/logger"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
)

// Service is the server side of the checkout flow. It creates processor
// intents but never writes entitlement state: grants only come from webhooks.
type Service struct {
	catalog   *tier.Catalog
	resolver  *entitlement.Resolver
	tracker   *unlock.Tracker
	rules     entitlement.RuleStore
	intents   IntentStore
	customers CustomerStore

	payments Payments
	hosted   HostedCheckout

	intentTTL     time.Duration
	maxContentIDs int
	now           func() time.Time
	logger        *slog.Logger
}

type Option func(*Service)

// WithPayments enables in-app payments. Without it the intent endpoints
// fail with checkout.ErrProviderUnconfigured.
func WithPayments(p Payments) Option {
	return func(s *Service) { s.payments = p }
}

// WithHostedCheckout enables redirect checkout.
func WithHostedCheckout(h HostedCheckout) Option {
	return func(s *Service) { s.hosted = h }
}

// WithIntentTTL sets how long an in-flight intent is reused.
func WithIntentTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.intentTTL = d
		}
	}
}

func WithMaxContentIDs(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxContentIDs = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService panics if a required dependency is nil.
func NewService(resolver *entitlement.Resolver, tracker *unlock.Tracker, rules entitlement.RuleStore, intents IntentStore, customers CustomerStore, opts ...Option) *Service {
	switch {
	case resolver == nil:
		panic("billing: resolver is required")
	case tracker == nil:
		panic("billing: unlock tracker is required")
	case rules == nil:
		panic("billing: rule store is required")
	case intents == nil:
		panic("billing: intent store is required")
	case customers == nil:
		panic("billing: customer store is required")
	}
	s := &Service{
		catalog:       resolver.Catalog(),
		resolver:      resolver,
		tracker:       tracker,
		rules:         rules,
		intents:       intents,
		customers:     customers,
		intentTTL:     23 * time.Hour,
		maxContentIDs: 100,
		now:           time.Now,
		logger:        logger.Discard(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// PublishableKey returns the key the client uses to complete intents.
func (s *Service) PublishableKey() (string, error) {
	if s.payments == nil {
		return "", checkout.ErrProviderUnconfigured
	}
	key := s.payments.PublishableKey()
	if err := checkout.ValidatePublishableKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// SubscriptionIntent returns what the client needs to subscribe userID to
// rawTier: nothing when the user already has it, otherwise a client secret.
// An unexpired intent for the same tier is returned instead of a new one.
func (s *Service) SubscriptionIntent(ctx context.Context, userID uuid.UUID, email, rawTier string) (checkout.Intent, error) {
	if s.payments == nil {
		return nil, checkout.ErrProviderUnconfigured
	}
	def, err := s.paidTier(rawTier)
	if err != nil {
		return nil, err
	}
	snap, err := s.resolver.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	if snap.Status.Entitled() && s.catalog.AtLeast(snap.Tier, def.Tier) {
		return checkout.IntentActive{Status: snap.Status, SubscriptionID: snap.ProviderSubscriptionID}, nil
	}

	targetKey := checkout.ForTier(def.Tier).Key()
	now := s.now().UTC()
	rec, err := s.intents.Active(ctx, userID, targetKey, now)
	switch {
	case err == nil:
		s.logger.DebugContext(ctx, "reusing subscription intent", logger.UserID(userID), logger.Tier(string(def.Tier)))
		return rec.Intent(), nil
	case !errors.Is(err, ErrIntentNotFound):
		return nil, err
	}

	customerID, err := s.customer(ctx, userID, email)
	if err != nil {
		return nil, err
	}
	res, err := s.payments.CreateSubscription(ctx, SubscriptionRequest{
		UserID:         userID,
		CustomerID:     customerID,
		Tier:           def.Tier,
		PriceID:        def.PriceID,
		TrialDays:      def.Config.TrialDays,
		IdempotencyKey: s.idempotencyKey(userID, targetKey, now),
	})
	if err != nil {
		return nil, errors.Join(checkout.ErrIntentCreationFailed, err)
	}

	intent, err := subscriptionIntent(res)
	if err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "subscription intent created",
		logger.UserID(userID), logger.Tier(string(def.Tier)), slog.String("status", res.Status))

	if res.ClientSecret == "" {
		return intent, nil
	}
	pid, _ := checkout.PaymentIntentID(res.ClientSecret)
	rec = IntentRecord{
		UserID:           userID,
		TargetKey:        targetKey,
		ProviderIntentID: pid,
		SubscriptionID:   res.SubscriptionID,
		ClientSecret:     res.ClientSecret,
		Status:           checkout.Response(intent).Status,
		ExpiresAt:        now.Add(s.intentTTL),
		CreatedAt:        now,
	}
	if err := s.intents.Save(ctx, rec); err != nil {
		s.logger.WarnContext(ctx, "intent record not saved", logger.UserID(userID), logger.Error(err))
	}
	return intent, nil
}

// UnlockAttempt opens today's unlock attempt for contentID and creates the
// one-time payment for it. The attempt is marked failed when the processor
// refuses the payment, so the slot is not burned.
func (s *Service) UnlockAttempt(ctx context.Context, userID uuid.UUID, email, contentID string) (checkout.UnlockIntent, error) {
	if s.payments == nil {
		return checkout.UnlockIntent{}, checkout.ErrProviderUnconfigured
	}
	contentID = strings.TrimSpace(contentID)
	rule, err := s.rule(ctx, contentID)
	if err != nil {
		return checkout.UnlockIntent{}, err
	}
	if !rule.Unlockable || rule.UnlockPrice.Amount <= 0 {
		return checkout.UnlockIntent{}, ErrNotUnlockable
	}

	attempt, err := s.tracker.BeginAttempt(ctx, userID, contentID)
	if err != nil {
		return checkout.UnlockIntent{}, err
	}

	customerID, err := s.customer(ctx, userID, email)
	if err != nil {
		s.abandon(ctx, attempt)
		return checkout.UnlockIntent{}, err
	}
	pay, err := s.payments.CreatePayment(ctx, PaymentRequest{
		UserID:         userID,
		CustomerID:     customerID,
		AttemptID:      attempt.ID,
		ContentID:      contentID,
		Amount:         rule.UnlockPrice,
		IdempotencyKey: "unlock:" + attempt.ID.String(),
	})
	if err != nil {
		s.abandon(ctx, attempt)
		return checkout.UnlockIntent{}, errors.Join(checkout.ErrIntentCreationFailed, err)
	}

	now := s.now().UTC()
	rec := IntentRecord{
		UserID:           userID,
		TargetKey:        checkout.ForContent(contentID).Key(),
		ProviderIntentID: pay.PaymentIntentID,
		AttemptID:        attempt.ID,
		ClientSecret:     pay.ClientSecret,
		Status:           "requires_payment",
		ExpiresAt:        now.Add(s.intentTTL),
		CreatedAt:        now,
	}
	if err := s.intents.Save(ctx, rec); err != nil {
		// the sweep finds the payment through this record; without it the
		// payment could outlive its attempt
		if cerr := s.payments.CancelPayment(ctx, pay.PaymentIntentID); cerr != nil {
			s.logger.ErrorContext(ctx, "unrecorded unlock payment not voided", logger.AttemptID(attempt.ID), logger.Error(cerr))
			return checkout.UnlockIntent{}, errors.Join(checkout.ErrIntentCreationFailed, err)
		}
		s.abandon(ctx, attempt)
		return checkout.UnlockIntent{}, errors.Join(checkout.ErrIntentCreationFailed, err)
	}

	s.logger.InfoContext(ctx, "unlock attempt created",
		logger.UserID(userID), logger.ContentID(contentID), logger.AttemptID(attempt.ID))
	return checkout.UnlockIntent{
		AttemptID:       attempt.ID,
		ContentID:       contentID,
		AttemptDate:     attempt.DateKey(),
		Status:          string(attempt.Status),
		ClientSecret:    pay.ClientSecret,
		PaymentIntentID: pay.PaymentIntentID,
	}, nil
}

// Confirm submits paymentMethodID for an intent the user owns. A decline is
// returned as an error wrapping checkout.ErrPaymentDeclined.
func (s *Service) Confirm(ctx context.Context, userID uuid.UUID, clientSecret, paymentMethodID string) (checkout.Confirmation, error) {
	if s.payments == nil {
		return checkout.Confirmation{}, checkout.ErrProviderUnconfigured
	}
	if strings.TrimSpace(paymentMethodID) == "" {
		return checkout.Confirmation{}, checkout.ErrMissingPaymentMethod
	}
	pid, ok := checkout.PaymentIntentID(clientSecret)
	if !ok {
		return checkout.Confirmation{}, ErrInvalidClientSecret
	}
	rec, err := s.intents.ByProviderID(ctx, pid)
	if err != nil {
		return checkout.Confirmation{}, err
	}
	if rec.UserID != userID || rec.ClientSecret != clientSecret {
		return checkout.Confirmation{}, ErrIntentNotFound
	}

	conf, err := s.payments.ConfirmPayment(ctx, pid, paymentMethodID)
	if err != nil {
		return checkout.Confirmation{}, errors.Join(checkout.ErrConfirmationFailed, err)
	}
	if conf.Outcome == checkout.OutcomeDeclined {
		s.logger.InfoContext(ctx, "payment declined", logger.UserID(userID), slog.String("reason", conf.DeclineReason))
		return conf, declineError{reason: conf.DeclineReason}
	}
	return conf, nil
}

// Checkout creates a hosted checkout page for rawTier.
func (s *Service) Checkout(ctx context.Context, userID uuid.UUID, email, rawTier, successURL, cancelURL string) (string, error) {
	if s.hosted == nil {
		return "", checkout.ErrProviderUnconfigured
	}
	def, err := s.paidTier(rawTier)
	if err != nil {
		return "", err
	}
	for _, raw := range []string{successURL, cancelURL} {
		if u, err := url.Parse(raw); err != nil || !u.IsAbs() || u.Host == "" {
			return "", checkout.ErrInvalidRedirectURL
		}
	}
	snap, err := s.resolver.Snapshot(ctx, userID)
	if err != nil {
		return "", err
	}
	if snap.Status.Entitled() && s.catalog.AtLeast(snap.Tier, def.Tier) {
		return "", ErrAlreadySubscribed
	}

	req := CheckoutRequest{
		UserID:     userID,
		Email:      email,
		Tier:       def.Tier,
		PriceID:    def.PriceID,
		TrialDays:  def.Config.TrialDays,
		SuccessURL: successURL,
		CancelURL:  cancelURL,
	}
	if c, err := s.customers.Customer(ctx, userID); err == nil {
		req.CustomerID = c.CustomerID
	}
	checkoutURL, err := s.hosted.CreateCheckout(ctx, req)
	if err != nil {
		return "", errors.Join(checkout.ErrIntentCreationFailed, err)
	}
	s.logger.InfoContext(ctx, "hosted checkout created", logger.UserID(userID), logger.Tier(string(def.Tier)))
	return checkoutURL, nil
}

// Access resolves contentIDs for userID in one batch.
func (s *Service) Access(ctx context.Context, userID uuid.UUID, contentIDs []string) (map[string]entitlement.Decision, error) {
	if len(contentIDs) == 0 {
		return nil, ErrNoContentIDs
	}
	if len(contentIDs) > s.maxContentIDs {
		return nil, fmt.Errorf("%w: %d > %d", ErrTooManyContentIDs, len(contentIDs), s.maxContentIDs)
	}
	return s.resolver.ResolveForUser(ctx, userID, contentIDs)
}

// Sweep cancels unlock attempts left in created longer than olderThan and
// drops intent records that expired more than olderThan ago. The payment of
// each stale attempt is voided first; an attempt whose payment is already
// paid or processing stays open for its webhook.
func (s *Service) Sweep(ctx context.Context, olderThan time.Duration) error {
	if olderThan <= 0 {
		olderThan = unlock.DefaultStaleAfter
	}
	canceled, err := s.tracker.SweepStale(ctx, olderThan, s.voidPayment)
	if err != nil {
		return err
	}
	expired, err := s.intents.DeleteExpired(ctx, s.now().UTC().Add(-olderThan))
	if err != nil {
		return err
	}
	if canceled > 0 || expired > 0 {
		s.logger.InfoContext(ctx, "billing sweep", slog.Int64("canceled_attempts", canceled), slog.Int64("expired_intents", expired))
	}
	return nil
}

func (s *Service) voidPayment(ctx context.Context, a unlock.Attempt) error {
	rec, err := s.intents.ByAttempt(ctx, a.ID)
	if errors.Is(err, ErrIntentNotFound) {
		// no payment was created for the attempt
		return nil
	}
	if err != nil {
		return err
	}
	if rec.ProviderIntentID == "" {
		return nil
	}
	if s.payments == nil {
		return checkout.ErrProviderUnconfigured
	}
	return s.payments.CancelPayment(ctx, rec.ProviderIntentID)
}

// paidTier parses a client-supplied tier and requires it to be purchasable.
func (s *Service) paidTier(raw string) (tier.Definition, error) {
	t, err := s.catalog.Parse(raw)
	if err != nil {
		return tier.Definition{}, err
	}
	def, ok := s.catalog.Get(t)
	if !ok || !def.IsPaid() || def.PriceID == "" {
		return tier.Definition{}, fmt.Errorf("%w: tier %q is not purchasable", checkout.ErrInvalidTarget, raw)
	}
	return def, nil
}

func (s *Service) rule(ctx context.Context, contentID string) (entitlement.Rule, error) {
	if contentID == "" {
		return entitlement.Rule{}, unlock.ErrInvalidContent
	}
	rules, err := s.rules.Rules(ctx, []string{contentID})
	if err != nil {
		return entitlement.Rule{}, errors.Join(entitlement.ErrRuleLookupFailed, err)
	}
	rule, ok := rules[contentID]
	if !ok {
		return entitlement.Rule{}, fmt.Errorf("%w: %s", ErrNotUnlockable, contentID)
	}
	return rule, nil
}

// customer returns the processor customer id of userID, creating it on first use.
func (s *Service) customer(ctx context.Context, userID uuid.UUID, email string) (string, error) {
	c, err := s.customers.Customer(ctx, userID)
	if err == nil && c.CustomerID != "" {
		return c.CustomerID, nil
	}
	if err != nil && !errors.Is(err, ErrCustomerNotFound) {
		return "", err
	}

	id, err := s.payments.CreateCustomer(ctx, userID, email)
	if err != nil {
		return "", errors.Join(checkout.ErrIntentCreationFailed, err)
	}
	c, err = s.customers.SaveCustomer(ctx, Customer{
		UserID:     userID,
		CustomerID: id,
		Email:      email,
		CreatedAt:  s.now().UTC(),
	})
	if err != nil {
		return "", err
	}
	return c.CustomerID, nil
}

func (s *Service) abandon(ctx context.Context, a unlock.Attempt) {
	if _, err := s.tracker.MarkFailed(ctx, a.ID); err != nil {
		s.logger.ErrorContext(ctx, "failed to release unlock attempt", logger.AttemptID(a.ID), logger.Error(err))
	}
}

// idempotencyKey is stable for one user and target within an intent TTL
// window, so concurrent requests collapse into one processor object.
func (s *Service) idempotencyKey(userID uuid.UUID, targetKey string, now time.Time) string {
	window := now.Truncate(s.intentTTL).Unix()
	return fmt.Sprintf("%s:%s:%d", userID, targetKey, window)
}

// subscriptionIntent maps a processor subscription status to the wire union.
func subscriptionIntent(res SubscriptionResult) (checkout.Intent, error) {
	switch strings.ToLower(res.Status) {
	case string(entitlement.StatusActive), string(entitlement.StatusTrialing):
		return checkout.IntentActive{Status: entitlement.Status(strings.ToLower(res.Status)), SubscriptionID: res.SubscriptionID}, nil
	case "incomplete":
		if res.ClientSecret != "" {
			return checkout.IntentRequiresPayment{ClientSecret: res.ClientSecret, SubscriptionID: res.SubscriptionID}, nil
		}
		return checkout.IntentIncomplete{SubscriptionID: res.SubscriptionID}, nil
	}
	return nil, fmt.Errorf("%w: subscription %s has status %q", checkout.ErrIntentCreationFailed, res.SubscriptionID, res.Status)
}
