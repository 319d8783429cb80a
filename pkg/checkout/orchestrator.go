package checkout

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/logger"
	"github.com/dmitrymomot/paygate/pkg/statemachine"
	"github.com/dmitrymomot/paygate/pkg/tier"
	"github.com/dmitrymomot/paygate/pkg/unlock"
)

// SucceededFunc observes sessions that reached succeeded, e.g. to invalidate
// cached entitlement snapshots. It never grants anything by itself.
type SucceededFunc func(ctx context.Context, st State)

// Orchestrator drives checkout sessions for one user. At most one session is
// active at a time.
type Orchestrator struct {
	userID      uuid.UUID
	backend     Backend
	confirmer   PaymentConfirmer
	logger      *slog.Logger
	onSucceeded []SucceededFunc
	callTimeout time.Duration

	mu      sync.Mutex
	current *Session
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithOnSucceeded registers a hook run after a session succeeds.
func WithOnSucceeded(fn SucceededFunc) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.onSucceeded = append(o.onSucceeded, fn)
		}
	}
}

// WithCallTimeout bounds every backend and processor call. Zero disables the bound.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.callTimeout = d }
}

// New panics when backend or confirmer is nil.
func New(userID uuid.UUID, backend Backend, confirmer PaymentConfirmer, opts ...Option) *Orchestrator {
	if backend == nil {
		panic("checkout: Backend is required")
	}
	if confirmer == nil {
		panic("checkout: PaymentConfirmer is required")
	}
	o := &Orchestrator{
		userID:      userID,
		backend:     backend,
		confirmer:   confirmer,
		logger:      logger.Discard(),
		callTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Current returns the latest session, or nil before the first checkout.
func (o *Orchestrator) Current() *Session {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current
}

// StartCheckout begins a checkout for target and drives it in the background
// up to awaiting_payment (or straight to succeeded when no payment is needed).
// While a session is active the same session is returned instead of a new one.
func (o *Orchestrator) StartCheckout(ctx context.Context, target Target) (*Session, error) {
	if err := target.Validate(); err != nil {
		return nil, err
	}

	o.mu.Lock()
	if cur := o.current; cur != nil && cur.Status().Active() {
		o.mu.Unlock()
		return cur, nil
	}

	s := newSession(ctx, o.userID, target, o.logTransition)
	epoch, err := s.begin(evStart, StatusIdle)
	if err != nil {
		o.mu.Unlock()
		return nil, err
	}
	o.current = s
	o.mu.Unlock()

	go o.run(s, epoch)
	return s, nil
}

func (o *Orchestrator) run(s *Session, epoch uint64) {
	ctx := s.ctx

	key, err := call(o, ctx, o.backend.PublishableKey)
	if err == nil {
		err = ValidatePublishableKey(key)
	}
	if err != nil {
		o.failSession(s, epoch, classifyKeyError(err))
		return
	}
	if err := s.advance(epoch, evKeyFetched, func() { s.publishableKey = key }); err != nil {
		o.dropped(s, err)
		return
	}

	intent, err := o.createIntent(ctx, s)
	if err != nil {
		o.failSession(s, epoch, err)
		return
	}

	switch v := intent.(type) {
	case IntentActive:
		err = s.advance(epoch, evSettled, func() { s.subscriptionID = v.SubscriptionID })
		if err == nil {
			o.succeeded(ctx, s)
		}
	case IntentRequiresPayment:
		err = s.advance(epoch, evIntentReady, func() {
			s.clientSecret, s.subscriptionID, s.attemptID = v.ClientSecret, v.SubscriptionID, v.AttemptID
		})
	case IntentIncomplete:
		if v.ClientSecret == "" {
			o.failSession(s, epoch, errors.Join(ErrIntentCreationFailed, ErrUnexpectedResponse))
			return
		}
		err = s.advance(epoch, evIntentReady, func() {
			s.clientSecret, s.subscriptionID = v.ClientSecret, v.SubscriptionID
		})
	default:
		o.failSession(s, epoch, errors.Join(ErrIntentCreationFailed, ErrUnexpectedResponse))
		return
	}
	if err != nil {
		o.dropped(s, err)
	}
}

func (o *Orchestrator) createIntent(ctx context.Context, s *Session) (Intent, error) {
	if s.target.IsUnlock() {
		ui, err := call(o, ctx, func(ctx context.Context) (UnlockIntent, error) {
			return o.backend.CreateUnlockIntent(ctx, s.target.ContentID)
		})
		switch {
		case errors.Is(err, unlock.ErrAlreadyAttemptedToday), errors.Is(err, unlock.ErrAlreadyUnlocked):
			return nil, err
		case err != nil:
			return nil, errors.Join(ErrIntentCreationFailed, err)
		case ui.ClientSecret == "":
			return nil, errors.Join(ErrIntentCreationFailed, ErrUnexpectedResponse)
		}
		return IntentRequiresPayment{ClientSecret: ui.ClientSecret, AttemptID: ui.AttemptID}, nil
	}

	intent, err := call(o, ctx, func(ctx context.Context) (Intent, error) {
		return o.backend.CreateSubscriptionIntent(ctx, s.target.Tier)
	})
	if err != nil {
		return nil, errors.Join(ErrIntentCreationFailed, err)
	}
	return intent, nil
}

// ConfirmPayment submits the payment method for the active session. It blocks
// for one processor round trip. Only a succeeded outcome completes the session;
// a processing outcome returns it to awaiting_payment.
func (o *Orchestrator) ConfirmPayment(ctx context.Context, paymentMethodID string) (Result, error) {
	s := o.Current()
	if s == nil {
		return Result{}, ErrNoSession
	}
	if strings.TrimSpace(paymentMethodID) == "" {
		return Result{}, ErrMissingPaymentMethod
	}

	epoch, err := s.begin(evSubmit, StatusAwaitingPayment)
	if err != nil {
		return Result{Status: s.Status()}, err
	}
	secret := s.clientSecretValue()

	conf, err := call(o, ctx, func(ctx context.Context) (Confirmation, error) {
		return o.confirmer.ConfirmPayment(ctx, secret, paymentMethodID)
	})

	var cause error
	switch {
	case errors.Is(err, ErrPaymentDeclined):
		cause = err
	case err != nil:
		cause = errors.Join(ErrConfirmationFailed, err)
	case conf.Outcome == OutcomeDeclined:
		cause = ErrPaymentDeclined
		if conf.DeclineReason != "" {
			cause = errors.Join(ErrPaymentDeclined, errors.New(conf.DeclineReason))
		}
	}
	if cause != nil {
		if ferr := o.failSession(s, epoch, cause); ferr != nil {
			return Result{Status: s.Status()}, ferr
		}
		return Result{Status: StatusFailed, Outcome: conf.Outcome}, cause
	}

	if conf.Outcome != OutcomeSucceeded {
		// not settled yet (3DS, async methods): the secret stays usable and
		// the webhook decides
		if err := s.advance(epoch, evPending, func() { s.paymentID = conf.PaymentIntentID }); err != nil {
			o.dropped(s, err)
			return Result{Status: s.Status()}, err
		}
		o.logger.Info("checkout payment pending",
			logger.UserID(o.userID), slog.String("session_id", s.id.String()), slog.String("outcome", string(conf.Outcome)))
		return Result{Status: StatusAwaitingPayment, Outcome: conf.Outcome, PaymentIntentID: conf.PaymentIntentID}, nil
	}

	if err := s.advance(epoch, evConfirmed, func() { s.paymentID = conf.PaymentIntentID }); err != nil {
		o.dropped(s, err)
		return Result{Status: s.Status()}, err
	}
	o.succeeded(ctx, s)
	return Result{Status: StatusSucceeded, Outcome: conf.Outcome, PaymentIntentID: conf.PaymentIntentID}, nil
}

// Cancel returns the current session to idle. Responses to requests already
// in flight are dropped. Backend intents are left to expire on their own.
func (o *Orchestrator) Cancel() {
	s := o.Current()
	if s == nil {
		return
	}
	if s.abort() {
		o.logger.Info("checkout canceled", logger.UserID(o.userID), slog.String("session_id", s.id.String()))
	}
}

// StartRedirectCheckout creates a hosted checkout for t and returns its URL.
// It refuses to run while an in-app checkout is active.
func (o *Orchestrator) StartRedirectCheckout(ctx context.Context, t tier.Tier, successURL, cancelURL string) (string, error) {
	if t == "" {
		return "", ErrInvalidTarget
	}
	for _, raw := range []string{successURL, cancelURL} {
		if u, err := url.Parse(raw); err != nil || !u.IsAbs() || u.Host == "" {
			return "", ErrInvalidRedirectURL
		}
	}
	if cur := o.Current(); cur != nil && cur.Status().Active() {
		return "", ErrCheckoutInProgress
	}

	checkoutURL, err := call(o, ctx, func(ctx context.Context) (string, error) {
		return o.backend.CreateCheckout(ctx, t, successURL, cancelURL)
	})
	if err != nil {
		return "", errors.Join(ErrIntentCreationFailed, err)
	}
	return checkoutURL, nil
}

func (o *Orchestrator) failSession(s *Session, epoch uint64, cause error) error {
	if err := s.fail(epoch, cause); err != nil {
		o.dropped(s, err)
		return err
	}
	o.logger.Warn("checkout failed",
		logger.UserID(o.userID),
		slog.String("session_id", s.id.String()),
		slog.String("target", s.target.Key()),
		logger.Error(cause),
	)
	return nil
}

func (o *Orchestrator) succeeded(ctx context.Context, s *Session) {
	st := s.State()
	o.logger.Info("checkout succeeded",
		logger.UserID(o.userID), slog.String("session_id", st.ID.String()), slog.String("target", st.Target.Key()))
	for _, fn := range o.onSucceeded {
		fn(ctx, st)
	}
}

func (o *Orchestrator) dropped(s *Session, err error) {
	if isCanceled(err) {
		o.logger.Debug("late checkout response dropped", slog.String("session_id", s.id.String()))
		return
	}
	o.logger.Error("checkout transition rejected", slog.String("session_id", s.id.String()), logger.Error(err))
}

func (o *Orchestrator) logTransition(_ context.Context, from, to statemachine.State, ev statemachine.Event) {
	o.logger.Debug("checkout transition",
		logger.UserID(o.userID), logger.State(from.Name(), to.Name()), logger.Event(ev.Name()))
}

func call[T any](o *Orchestrator, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	if o.callTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, o.callTimeout)
	defer cancel()
	return fn(ctx)
}

func classifyKeyError(err error) error {
	if errors.Is(err, ErrProviderUnconfigured) {
		return err
	}
	return errors.Join(ErrIntentCreationFailed, err)
}
