package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/dmitrymomot/paygate/pkg/logger"
)

// Check tests one dependency.
type Check func(context.Context) error

type healthReport struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// HealthHandler reports "ok" when every check passes and 503 otherwise.
// Without checks it is a pure liveness check.
func HealthHandler(log *slog.Logger, checks map[string]Check) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		defer cancel()

		report := healthReport{Status: "ok"}
		status := http.StatusOK
		if len(names) > 0 {
			report.Checks = make(map[string]string, len(names))
		}
		for _, name := range names {
			if err := checks[name](ctx); err != nil {
				log.WarnContext(ctx, "health check failed", slog.String("check", name), logger.Error(err))
				report.Checks[name] = "failing"
				report.Status = "degraded"
				status = http.StatusServiceUnavailable
				continue
			}
			report.Checks[name] = "ok"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	}
}
