// Package billing is the server side of paygate: the HTTP API the checkout
// orchestrator talks to, the payment processor adapters (Stripe for in-app
// payments, Paddle for hosted checkout) and the Postgres and Redis backed
// stores behind the entitlement resolver, the unlock tracker and the webhook
// reconciler.
//
// Service never grants access. It creates processor intents and remembers
// them; entitlement rows and succeeded unlocks are written only by
// reconcile.Reconciler when a verified webhook arrives.
//
// Routes mounted by Handler.Handle:
//
//	GET  /health
//	GET  /billing/stripe-key
//	POST /billing/subscription-intent   {tier}
//	POST /billing/unlock-attempt        {content_id}
//	POST /billing/checkout              {tier, success_url, cancel_url}
//	POST /billing/confirm               {client_secret, payment_method_id}
//	POST /billing/access                {content_ids}
//	POST /webhooks                      Stripe events
//	POST /webhooks/paddle               Paddle notifications
//	GET  /webhooks/events/{id}
//
// The caller is identified by the X-User-ID header set by the gateway.
package billing
