package statemachine

import (
	"context"
	"slices"
)

// State represents a state in the state machine.
type State interface {
	Name() string
}

// Event represents an event that can trigger a state transition.
type Event interface {
	Name() string
}

// Action executes side effects during state transitions. Returning an error prevents the transition.
type Action func(ctx context.Context, from, to State, event Event, data any) error

// Guard evaluates whether a transition should be allowed based on runtime conditions.
type Guard func(ctx context.Context, from State, event Event, data any) bool

// Listener observes committed transitions. It runs after the state has changed
// and outside of the machine lock, so it may safely read Current.
type Listener func(ctx context.Context, from, to State, event Event)

// Transition defines a state change triggered by an event, with optional guards and actions.
type Transition struct {
	From    State
	To      State
	Event   Event
	Guards  []Guard  // all must pass
	Actions []Action // executed in order before the state changes
}

// StateMachine defines the core finite state machine operations.
type StateMachine interface {
	Current() State
	Is(states ...State) bool
	AddTransition(from, to State, event Event, guards []Guard, actions []Action) error
	Fire(ctx context.Context, event Event, data any) error
	CanFire(ctx context.Context, event Event, data any) bool
	Reset() error
}

// StringState provides a simple string-based state implementation.
type StringState string

func (s StringState) Name() string {
	return string(s)
}

// StringEvent provides a simple string-based event implementation.
type StringEvent string

func (e StringEvent) Name() string {
	return string(e)
}

// In reports whether s matches any of the given states by name.
func In(s State, states ...State) bool {
	if s == nil {
		return false
	}
	return slices.ContainsFunc(states, func(other State) bool {
		return other != nil && other.Name() == s.Name()
	})
}
