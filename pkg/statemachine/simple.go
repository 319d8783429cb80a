package statemachine

import (
	"context"
	"fmt"
	"sync"
)

// SimpleStateMachine is a thread-safe in-memory state machine.
// Transitions are indexed as [fromState][event][]Transition.
type SimpleStateMachine struct {
	initialState State
	currentState State
	transitions  map[string]map[string][]Transition
	listeners    []Listener
	mu           sync.RWMutex
}

func newSimpleStateMachine(initialState State) *SimpleStateMachine {
	return &SimpleStateMachine{
		initialState: initialState,
		currentState: initialState,
		transitions:  make(map[string]map[string][]Transition),
	}
}

func (sm *SimpleStateMachine) Current() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.currentState
}

// Is reports whether the current state matches any of the given states.
func (sm *SimpleStateMachine) Is(states ...State) bool {
	return In(sm.Current(), states...)
}

func (sm *SimpleStateMachine) AddTransition(from, to State, event Event, guards []Guard, actions []Action) error {
	if from == nil || to == nil || event == nil {
		return ErrInvalidTransition
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()

	fromName := from.Name()
	if _, ok := sm.transitions[fromName]; !ok {
		sm.transitions[fromName] = make(map[string][]Transition)
	}

	// Several transitions may share from/event; guards pick the first match.
	sm.transitions[fromName][event.Name()] = append(sm.transitions[fromName][event.Name()], Transition{
		From:    from,
		To:      to,
		Event:   event,
		Guards:  guards,
		Actions: actions,
	})
	return nil
}

func (sm *SimpleStateMachine) Fire(ctx context.Context, event Event, data any) error {
	if event == nil {
		return ErrInvalidEvent
	}

	sm.mu.Lock()
	from := sm.currentState
	t, err := sm.match(ctx, event, data)
	if err != nil {
		sm.mu.Unlock()
		return err
	}

	for _, action := range t.Actions {
		if action == nil {
			continue
		}
		if err := action(ctx, from, t.To, event, data); err != nil {
			sm.mu.Unlock()
			return fmt.Errorf("action failed: %w", err)
		}
	}

	sm.currentState = t.To
	listeners := sm.listeners
	sm.mu.Unlock()

	for _, l := range listeners {
		l(ctx, from, t.To, event)
	}
	return nil
}

func (sm *SimpleStateMachine) CanFire(ctx context.Context, event Event, data any) bool {
	if event == nil {
		return false
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	_, err := sm.match(ctx, event, data)
	return err == nil
}

func (sm *SimpleStateMachine) Reset() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.currentState = sm.initialState
	return nil
}

// match finds the first transition whose guards pass. Caller must hold the lock.
func (sm *SimpleStateMachine) match(ctx context.Context, event Event, data any) (*Transition, error) {
	stateName := sm.currentState.Name()
	eventName := event.Name()

	transitions := sm.transitions[stateName][eventName]
	if len(transitions) == 0 {
		return nil, NewErrNoTransitionAvailable(stateName, eventName)
	}

	for i, t := range transitions {
		passed := true
		for _, guard := range t.Guards {
			if guard != nil && !guard(ctx, sm.currentState, event, data) {
				passed = false
				break
			}
		}
		if passed {
			return &transitions[i], nil
		}
	}

	return nil, NewErrTransitionRejected(stateName, eventName)
}
