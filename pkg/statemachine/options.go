package statemachine

import (
	"errors"
	"fmt"
)

// Option configures a state machine during construction.
type Option func(*SimpleStateMachine) error

// TransitionOption configures a single transition with guards and actions.
type TransitionOption func(*transitionConfig)

// TransitionDef defines a transition between states.
type TransitionDef struct {
	From    State
	To      State
	Event   Event
	Guards  []Guard
	Actions []Action
}

type transitionConfig struct {
	guards  []Guard
	actions []Action
}

// New creates a new state machine with the given initial state and options.
func New(initialState State, opts ...Option) (StateMachine, error) {
	if initialState == nil {
		return nil, errors.New("initial state cannot be nil")
	}

	sm := newSimpleStateMachine(initialState)
	for _, opt := range opts {
		if err := opt(sm); err != nil {
			return nil, err
		}
	}

	return sm, nil
}

// MustNew is like New but panics on invalid configuration.
func MustNew(initialState State, opts ...Option) StateMachine {
	sm, err := New(initialState, opts...)
	if err != nil {
		panic(fmt.Sprintf("failed to create state machine: %v", err))
	}
	return sm
}

// WithTransition adds a single transition to the state machine.
func WithTransition(from, to State, event Event, opts ...TransitionOption) Option {
	return func(sm *SimpleStateMachine) error {
		cfg := &transitionConfig{}
		for _, opt := range opts {
			opt(cfg)
		}
		return sm.AddTransition(from, to, event, cfg.guards, cfg.actions)
	}
}

// WithTransitionFrom adds the same transition from each of the given states.
// Handy for "any state -> X" edges such as cancellation.
func WithTransitionFrom(from []State, to State, event Event, opts ...TransitionOption) Option {
	return func(sm *SimpleStateMachine) error {
		if len(from) == 0 {
			return ErrInvalidTransition
		}
		for _, f := range from {
			if err := WithTransition(f, to, event, opts...)(sm); err != nil {
				return err
			}
		}
		return nil
	}
}

// WithTransitions adds multiple transitions to the state machine at once.
func WithTransitions(transitions []TransitionDef) Option {
	return func(sm *SimpleStateMachine) error {
		for i, t := range transitions {
			if err := sm.AddTransition(t.From, t.To, t.Event, t.Guards, t.Actions); err != nil {
				return fmt.Errorf("failed to add transition[%d] %s->%s on %s: %w",
					i, nameOf(t.From), nameOf(t.To), nameOf(t.Event), err)
			}
		}
		return nil
	}
}

// WithListener registers a callback invoked after every committed transition.
func WithListener(l Listener) Option {
	return func(sm *SimpleStateMachine) error {
		if l != nil {
			sm.listeners = append(sm.listeners, l)
		}
		return nil
	}
}

// WithGuard adds a single guard to a transition.
func WithGuard(guard Guard) TransitionOption {
	return func(cfg *transitionConfig) {
		if guard != nil {
			cfg.guards = append(cfg.guards, guard)
		}
	}
}

// WithGuards adds multiple guards to a transition.
func WithGuards(guards ...Guard) TransitionOption {
	return func(cfg *transitionConfig) {
		for _, guard := range guards {
			WithGuard(guard)(cfg)
		}
	}
}

// WithAction adds a single action to a transition.
func WithAction(action Action) TransitionOption {
	return func(cfg *transitionConfig) {
		if action != nil {
			cfg.actions = append(cfg.actions, action)
		}
	}
}

// WithActions adds multiple actions to a transition.
func WithActions(actions ...Action) TransitionOption {
	return func(cfg *transitionConfig) {
		for _, action := range actions {
			WithAction(action)(cfg)
		}
	}
}

func nameOf(v interface{ Name() string }) string {
	if v == nil {
		return "<nil>"
	}
	return v.Name()
}
