package billing

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/dmitrymomot/paygate/pkg/checkout"
	"github.com/dmitrymomot/paygate/pkg/logger"
)

// JSONResponse is the envelope of every API response.
type JSONResponse struct {
	Data  any          `json:"data,omitempty"`
	Error *ErrorDetail `json:"error,omitempty"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, body JSONResponse) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeData(w http.ResponseWriter, status int, v any) {
	writeJSON(w, status, JSONResponse{Data: v})
}

// writeError maps err to its HTTP form. Server errors are logged and their
// message is not exposed.
func writeError(w http.ResponseWriter, r *http.Request, log *slog.Logger, err error) {
	he := httpError(err)
	msg := err.Error()
	switch {
	case he.Code >= http.StatusInternalServerError:
		log.ErrorContext(r.Context(), "request failed",
			slog.String("method", r.Method), slog.String("path", r.URL.Path), logger.Error(err))
		if he.Key != errProviderUnconfigured.Key {
			msg = http.StatusText(he.Code)
		}
	case errors.Is(err, checkout.ErrPaymentDeclined):
		msg = declineReason(err)
	}
	writeJSON(w, he.Code, JSONResponse{Error: &ErrorDetail{Code: he.Key, Message: msg}})
}

// declineError carries the processor's decline code next to ErrPaymentDeclined.
type declineError struct{ reason string }

func (e declineError) Error() string { return e.reason }
func (e declineError) Unwrap() error { return checkout.ErrPaymentDeclined }

func declineReason(err error) string {
	var de declineError
	if errors.As(err, &de) && de.reason != "" {
		return de.reason
	}
	return checkout.ErrPaymentDeclined.Error()
}
