// Package statemachine implements a small, concurrency-safe finite state machine.
//
// States and events are described by the minimal State and Event interfaces;
// StringState and StringEvent cover the common case. Transitions are declared up
// front with functional options and may carry guards (all must pass) and actions
// (run in order, any error aborts the transition). Listeners observe committed
// transitions.
//
// Typical use is a short-lived machine per workflow instance:
//
//	const (
//	    Idle     = statemachine.StringState("idle")
//	    Fetching = statemachine.StringState("fetching_key")
//	    Failed   = statemachine.StringState("failed")
//
//	    Start  = statemachine.StringEvent("start")
//	    Fail   = statemachine.StringEvent("fail")
//	    Cancel = statemachine.StringEvent("cancel")
//	)
//
//	sm := statemachine.MustNew(Idle,
//	    statemachine.WithTransition(Idle, Fetching, Start),
//	    statemachine.WithTransition(Fetching, Failed, Fail),
//	    statemachine.WithTransitionFrom([]statemachine.State{Fetching, Failed}, Idle, Cancel),
//	)
//
//	if err := sm.Fire(ctx, Start, nil); err != nil {
//	    // statemachine.IsNoTransitionAvailableError(err) / IsTransitionRejectedError(err)
//	}
package statemachine
