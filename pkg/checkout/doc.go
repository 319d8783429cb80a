// Package checkout drives a user through a subscription or unlock purchase.
//
// Each attempt is a Session backed by a small state machine:
//
//	idle -> fetching_key -> creating_intent -> awaiting_payment -> confirming -> succeeded
//	                                 \-> succeeded (subscription already active or trialing)
//	fetching_key | creating_intent | confirming -> failed
//	any state -> idle (Cancel)
//
// An Orchestrator holds at most one active session per user; StartCheckout
// returns the active session instead of starting a second one. Network calls
// run outside the session lock and present the epoch captured before the call;
// Cancel bumps the epoch, so a response that arrives after cancellation is
// dropped instead of resurrecting the session.
//
// The orchestrator never writes entitlement state. Access is granted only by
// the webhook reconciler; WithOnSucceeded hooks are used to drop cached
// snapshots so the next resolution observes the change.
package checkout
