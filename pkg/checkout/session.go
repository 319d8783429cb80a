package checkout

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/statemachine"
)

// Session is one checkout attempt. It is owned by a single Orchestrator and
// safe for concurrent reads.
type Session struct {
	id     uuid.UUID
	userID uuid.UUID
	target Target

	mu     sync.Mutex
	sm     statemachine.StateMachine
	epoch  uint64
	ctx    context.Context
	cancel context.CancelFunc
	change chan struct{}

	publishableKey string
	clientSecret   string
	subscriptionID string
	attemptID      uuid.UUID
	paymentID      string
	err            error
}

// State is a point-in-time copy of a session.
type State struct {
	ID             uuid.UUID `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	Target         Target    `json:"target"`
	Status         Status    `json:"status"`
	PublishableKey string    `json:"publishable_key,omitempty"`
	ClientSecret   string    `json:"client_secret,omitempty"`
	SubscriptionID string    `json:"subscription_id,omitempty"`
	AttemptID      uuid.UUID `json:"attempt_id,omitzero"`
	PaymentID      string    `json:"payment_id,omitempty"`
	Error          string    `json:"error,omitempty"`
}

func newSession(parent context.Context, userID uuid.UUID, target Target, listener statemachine.Listener) *Session {
	s := &Session{
		id:     uuid.New(),
		userID: userID,
		target: target,
		change: make(chan struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(parent))

	suspended := []statemachine.State{StatusFetchingKey, StatusCreatingIntent, StatusConfirming}
	cancelable := []statemachine.State{
		StatusFetchingKey, StatusCreatingIntent, StatusAwaitingPayment,
		StatusConfirming, StatusSucceeded, StatusFailed,
	}
	s.sm = statemachine.MustNew(StatusIdle,
		statemachine.WithTransition(StatusIdle, StatusFetchingKey, evStart),
		statemachine.WithTransition(StatusFetchingKey, StatusCreatingIntent, evKeyFetched),
		statemachine.WithTransition(StatusCreatingIntent, StatusAwaitingPayment, evIntentReady),
		statemachine.WithTransition(StatusCreatingIntent, StatusSucceeded, evSettled),
		statemachine.WithTransition(StatusAwaitingPayment, StatusConfirming, evSubmit),
		statemachine.WithTransition(StatusConfirming, StatusSucceeded, evConfirmed),
		statemachine.WithTransition(StatusConfirming, StatusAwaitingPayment, evPending),
		statemachine.WithTransitionFrom(suspended, StatusFailed, evFail),
		statemachine.WithTransitionFrom(cancelable, StatusIdle, evCancel),
		statemachine.WithListener(listener),
	)
	return s
}

func (s *Session) ID() uuid.UUID  { return s.id }
func (s *Session) Target() Target { return s.target }

func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status()
}

// Err returns the failure cause of a failed session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Wait blocks until the session is no longer suspended on a network call
// (awaiting payment, succeeded, failed or canceled) or ctx ends.
func (s *Session) Wait(ctx context.Context) (State, error) {
	for {
		s.mu.Lock()
		st, ch := s.snapshot(), s.change
		s.mu.Unlock()

		if !st.Status.Suspended() {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// caller holds s.mu
func (s *Session) status() Status {
	return s.sm.Current().(Status)
}

// caller holds s.mu
func (s *Session) snapshot() State {
	st := State{
		ID:             s.id,
		UserID:         s.userID,
		Target:         s.target,
		Status:         s.status(),
		PublishableKey: s.publishableKey,
		ClientSecret:   s.clientSecret,
		SubscriptionID: s.subscriptionID,
		AttemptID:      s.attemptID,
		PaymentID:      s.paymentID,
	}
	if s.err != nil {
		st.Error = s.err.Error()
	}
	return st
}

// advance applies mutate and fires ev, unless the session was canceled after
// epoch was captured. The late response is then dropped with ErrCanceled.
func (s *Session) advance(epoch uint64, ev event, mutate func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.epoch != epoch {
		return ErrCanceled
	}
	if err := s.sm.Fire(s.ctx, ev, nil); err != nil {
		return err
	}
	if mutate != nil {
		mutate()
	}
	s.notify()
	return nil
}

// fail moves the session to failed with cause, unless it was canceled meanwhile.
func (s *Session) fail(epoch uint64, cause error) error {
	return s.advance(epoch, evFail, func() { s.err = cause })
}

// begin fires ev from the current state and returns the epoch the following
// network call must present.
func (s *Session) begin(ev event, guard Status) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status() != guard {
		return 0, ErrNotAwaitingPayment
	}
	if err := s.sm.Fire(s.ctx, ev, nil); err != nil {
		return 0, err
	}
	s.notify()
	return s.epoch, nil
}

func (s *Session) abort() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status() == StatusIdle {
		return false
	}
	s.epoch++
	s.cancel()
	if err := s.sm.Fire(context.Background(), evCancel, nil); err != nil {
		return false
	}
	s.err = ErrCanceled
	s.notify()
	return true
}

func (s *Session) clientSecretValue() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientSecret
}

// caller holds s.mu
func (s *Session) notify() {
	close(s.change)
	s.change = make(chan struct{})
}

func isCanceled(err error) bool {
	return errors.Is(err, ErrCanceled)
}
