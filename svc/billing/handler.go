package billing

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/dmitrymomot/paygate/pkg/checkout"
	"github.com/dmitrymomot/paygate/pkg/httpserver"
	"github.com/dmitrymomot/paygate/pkg/logger"
	"github.com/dmitrymomot/paygate/pkg/ratelimiter"
	"github.com/dmitrymomot/paygate/pkg/reconcile"
	"github.com/dmitrymomot/paygate/pkg/requestid"
)

const (
	// UserHeader carries the authenticated user id set by the gateway in front of the service.
	UserHeader = "X-User-ID"
	// EmailHeader optionally carries the user's email for the processor customer.
	EmailHeader = "X-User-Email"

	maxBodySize    = 64 << 10
	maxWebhookSize = 1 << 20
)

// Handler serves the billing HTTP API.
type Handler struct {
	svc        *Service
	reconciler *reconcile.Reconciler
	stripe     WebhookParser
	paddle     WebhookParser
	limiter    *ratelimiter.Bucket
	checks     map[string]httpserver.Check
	logger     *slog.Logger
}

type HandlerOption func(*Handler)

// WithStripeWebhooks mounts POST /webhooks.
func WithStripeWebhooks(p WebhookParser) HandlerOption {
	return func(h *Handler) { h.stripe = p }
}

// WithPaddleWebhooks mounts POST /webhooks/paddle.
func WithPaddleWebhooks(p WebhookParser) HandlerOption {
	return func(h *Handler) { h.paddle = p }
}

// WithRateLimiter limits intent creation per user.
func WithRateLimiter(b *ratelimiter.Bucket) HandlerOption {
	return func(h *Handler) { h.limiter = b }
}

// WithHealthChecks adds dependency checks to GET /health.
func WithHealthChecks(checks map[string]httpserver.Check) HandlerOption {
	return func(h *Handler) { h.checks = checks }
}

func WithHandlerLogger(l *slog.Logger) HandlerOption {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

func NewHandler(svc *Service, reconciler *reconcile.Reconciler, opts ...HandlerOption) *Handler {
	if svc == nil || reconciler == nil {
		panic("billing: service and reconciler are required")
	}
	h := &Handler{svc: svc, reconciler: reconciler, logger: logger.Discard()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle returns the router with every billing route mounted.
func (h *Handler) Handle() http.Handler {
	r := chi.NewRouter()
	r.Use(requestid.Middleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", httpserver.HealthHandler(h.logger, h.checks))

	r.Route("/billing", func(r chi.Router) {
		r.Use(middleware.RequestSize(maxBodySize))
		r.Get("/stripe-key", h.stripeKey)
		r.Post("/access", h.access)
		r.Post("/confirm", h.confirm)

		r.Group(func(r chi.Router) {
			if h.limiter != nil {
				r.Use(ratelimiter.Middleware(h.limiter, ratelimiter.Header(UserHeader), h.denied))
			}
			r.Post("/subscription-intent", h.subscriptionIntent)
			r.Post("/unlock-attempt", h.unlockAttempt)
			r.Post("/checkout", h.checkout)
		})
	})

	r.Route("/webhooks", func(r chi.Router) {
		if h.stripe != nil {
			r.Post("/", h.webhook(h.stripe))
		}
		if h.paddle != nil {
			r.Post("/paddle", h.webhook(h.paddle))
		}
		r.Get("/events/{id}", h.event)
	})
	return r
}

func (h *Handler) stripeKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.svc.PublishableKey()
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"publishable_key": key})
}

type tierRequest struct {
	Tier string `json:"tier"`
}

func (h *Handler) subscriptionIntent(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req tierRequest
	if !h.decode(w, r, &req) {
		return
	}
	intent, err := h.svc.SubscriptionIntent(r.Context(), userID, userEmail(r), req.Tier)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, checkout.Response(intent))
}

type unlockRequest struct {
	ContentID string `json:"content_id"`
}

func (h *Handler) unlockAttempt(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req unlockRequest
	if !h.decode(w, r, &req) {
		return
	}
	intent, err := h.svc.UnlockAttempt(r.Context(), userID, userEmail(r), req.ContentID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusCreated, intent)
}

type checkoutRequest struct {
	Tier       string `json:"tier"`
	SuccessURL string `json:"success_url"`
	CancelURL  string `json:"cancel_url"`
}

func (h *Handler) checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}
	url, err := h.svc.Checkout(r.Context(), userID, userEmail(r), req.Tier, req.SuccessURL, req.CancelURL)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"url": url})
}

type confirmRequest struct {
	ClientSecret    string `json:"client_secret"`
	PaymentMethodID string `json:"payment_method_id"`
}

func (h *Handler) confirm(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req confirmRequest
	if !h.decode(w, r, &req) {
		return
	}
	conf, err := h.svc.Confirm(r.Context(), userID, req.ClientSecret, req.PaymentMethodID)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, conf)
}

type accessRequest struct {
	ContentIDs []string `json:"content_ids"`
}

func (h *Handler) access(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req accessRequest
	if !h.decode(w, r, &req) {
		return
	}
	decisions, err := h.svc.Access(r.Context(), userID, req.ContentIDs)
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, decisions)
}

// webhook acknowledges every event that was durably recorded and either
// applied or failed for good. Unrecorded events and transient failures ask
// the processor to redeliver.
func (h *Handler) webhook(parser WebhookParser) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookSize))
		if err != nil {
			writeError(w, r, h.logger, fmt.Errorf("%w: %v", ErrInvalidPayload, err))
			return
		}
		ev, err := parser.ParseWebhook(payload, r.Header)
		if err != nil {
			h.logger.WarnContext(r.Context(), "webhook rejected", logger.Error(err))
			writeError(w, r, h.logger, err)
			return
		}

		err = h.reconciler.Apply(r.Context(), ev)
		switch {
		case errors.Is(err, reconcile.ErrEventNotRecorded), errors.Is(err, reconcile.ErrRetryLater):
			writeError(w, r, h.logger, err)
			return
		case errors.Is(err, reconcile.ErrInvalidEvent):
			writeError(w, r, h.logger, errors.Join(ErrInvalidPayload, err))
			return
		case err != nil:
			// recorded as failed; redelivery would not change the outcome
			h.logger.ErrorContext(r.Context(), "webhook event not applied",
				logger.EventID(ev.ID), logger.EventType(ev.Type), logger.Error(err))
		}
		writeData(w, http.StatusOK, map[string]bool{"received": true})
	}
}

func (h *Handler) event(w http.ResponseWriter, r *http.Request) {
	rec, err := h.reconciler.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, reconcile.ErrEventNotFound) {
		writeJSON(w, http.StatusNotFound, JSONResponse{Error: &ErrorDetail{Code: "event_not_found", Message: err.Error()}})
		return
	}
	if err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	writeData(w, http.StatusOK, rec)
}

func (h *Handler) denied(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, h.logger, err)
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.Header.Get(UserHeader)))
	if err != nil || id == uuid.Nil {
		writeError(w, r, h.logger, ErrMissingUser)
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, errBadRequest.Code, JSONResponse{Error: &ErrorDetail{Code: errBadRequest.Key, Message: "malformed request body"}})
		return false
	}
	return true
}

func userEmail(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(EmailHeader))
}
