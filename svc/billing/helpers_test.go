package billing_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/checkout"
	"github.com/dmitrymomot/paygate/pkg/entitlement"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
	"github.com/dmitrymomot/paygate/svc/billing"
)

var t0 = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakePayments struct {
	mu sync.Mutex

	key           string
	customers     []uuid.UUID
	subscriptions []billing.SubscriptionRequest
	payments      []billing.PaymentRequest
	confirmed     []string
	canceled      []string

	subResult    billing.SubscriptionResult
	confirmation checkout.Confirmation
	customerErr  error
	subErr       error
	payErr       error
	confirmErr   error
	cancelErr    error
}

func newFakePayments() *fakePayments {
	return &fakePayments{
		key: "pk_test_123",
		subResult: billing.SubscriptionResult{
			SubscriptionID: "sub_1",
			Status:         "incomplete",
			ClientSecret:   "pi_sub_secret_abc",
		},
		confirmation: checkout.Confirmation{Outcome: checkout.OutcomeSucceeded},
	}
}

func (f *fakePayments) PublishableKey() string { return f.key }

func (f *fakePayments) CreateCustomer(_ context.Context, userID uuid.UUID, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.customerErr != nil {
		return "", f.customerErr
	}
	f.customers = append(f.customers, userID)
	return "cus_" + userID.String()[:8], nil
}

func (f *fakePayments) CreateSubscription(_ context.Context, req billing.SubscriptionRequest) (billing.SubscriptionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscriptions = append(f.subscriptions, req)
	if f.subErr != nil {
		return billing.SubscriptionResult{}, f.subErr
	}
	return f.subResult, nil
}

func (f *fakePayments) CreatePayment(_ context.Context, req billing.PaymentRequest) (billing.PaymentResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments = append(f.payments, req)
	if f.payErr != nil {
		return billing.PaymentResult{}, f.payErr
	}
	id := fmt.Sprintf("pi_%d", len(f.payments))
	return billing.PaymentResult{PaymentIntentID: id, ClientSecret: id + "_secret_xyz"}, nil
}

func (f *fakePayments) ConfirmPayment(_ context.Context, paymentIntentID, _ string) (checkout.Confirmation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.confirmed = append(f.confirmed, paymentIntentID)
	if f.confirmErr != nil {
		return checkout.Confirmation{}, f.confirmErr
	}
	c := f.confirmation
	c.PaymentIntentID = paymentIntentID
	return c, nil
}

func (f *fakePayments) CancelPayment(_ context.Context, paymentIntentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	f.canceled = append(f.canceled, paymentIntentID)
	return nil
}

func (f *fakePayments) canceledIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.canceled)
}

func (f *fakePayments) counts() (customers, subscriptions, payments int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.customers), len(f.subscriptions), len(f.payments)
}

type fakeHosted struct {
	mu   sync.Mutex
	reqs []billing.CheckoutRequest
	err  error
}

func (f *fakeHosted) CreateCheckout(_ context.Context, req billing.CheckoutRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return "", f.err
	}
	return "https://checkout.example.com/" + string(req.Tier), nil
}

var testRules = []entitlement.Rule{
	{ContentID: "report-1", MinTier: tier.Pro, Unlockable: true, UnlockPrice: tier.Money{Amount: 499, Currency: "USD"}},
	{ContentID: "premium", MinTier: tier.Pro},
	{ContentID: "single", Unlockable: true, UnlockPrice: tier.Money{Amount: 199, Currency: "USD"}},
}

type fixture struct {
	clock      *testClock
	catalog    *tier.Catalog
	pay        *fakePayments
	hosted     *fakeHosted
	snapshots  *entitlement.MemorySnapshots
	tracker    *unlock.Tracker
	intents    *billing.MemoryIntents
	customers  *billing.MemoryCustomers
	resolver   *entitlement.Resolver
	reconciler *reconcile.Reconciler
	svc        *billing.Service
}

func newFixture(t *testing.T, opts ...billing.Option) *fixture {
	t.Helper()

	f := &fixture{
		clock:     &testClock{now: t0},
		catalog:   tier.DefaultCatalog(),
		pay:       newFakePayments(),
		hosted:    &fakeHosted{},
		snapshots: entitlement.NewMemorySnapshots(),
		intents:   billing.NewMemoryIntents(),
		customers: billing.NewMemoryCustomers(),
	}
	f.tracker = unlock.NewTracker(unlock.NewMemoryStore(), unlock.WithClock(f.clock.Now))
	rules := entitlement.NewStaticRules(testRules...)
	f.resolver = entitlement.NewResolver(f.catalog, rules, f.tracker, entitlement.WithSnapshotStore(f.snapshots))
	f.reconciler = reconcile.New(f.catalog, reconcile.NewMemoryEvents(), reconcile.NewMemoryEntitlements(f.snapshots), f.tracker,
		reconcile.WithInvalidator(f.resolver), reconcile.WithClock(f.clock.Now))

	base := []billing.Option{
		billing.WithPayments(f.pay),
		billing.WithHostedCheckout(f.hosted),
		billing.WithClock(f.clock.Now),
	}
	f.svc = billing.NewService(f.resolver, f.tracker, rules, f.intents, f.customers, append(base, opts...)...)
	return f
}

func (f *fixture) subscribe(userID uuid.UUID, t tier.Tier, status entitlement.Status) {
	f.snapshots.Put(entitlement.UserEntitlement{UserID: userID, Tier: t, Status: status, UpdatedAt: f.clock.Now()})
}
