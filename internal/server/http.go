// Package server assembles the HTTP router and middleware chain.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"go.uber.org/zap"

	leadhandler "clinic-crm/backend/internal/lead/handler"
	"clinic-crm/backend/internal/server/middleware"
)

// Pinger reports storage liveness for /healthz (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Deps holds the handler dependencies for the router.
type Deps struct {
	// Leads serves the ingestion and bulk import routes.
	Leads *leadhandler.Handler
	// ImportAuth wraps the import route with dashboard JWT verification. If
	// nil, the import route rejects every request as unauthenticated.
	ImportAuth func(http.Handler) http.Handler
	// HealthPinger is checked by /healthz. If nil, the ping is skipped.
	HealthPinger Pinger
}

// NewRouter builds the router with recovery and request logging wrapped
// around every route.
func NewRouter(deps Deps, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}

	mux := http.NewServeMux()
	if deps.Leads != nil {
		deps.Leads.Register(mux, deps.ImportAuth)
	}
	mux.HandleFunc("GET /healthz", healthz(deps.HealthPinger))

	var h http.Handler = mux
	h = middleware.RequestLogger(log)(h)
	h = middleware.Recover(log)(h)
	return h
}

func healthz(pinger Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := "ok"
		code := http.StatusOK
		if pinger != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := pinger.PingContext(ctx); err != nil {
				status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": status})
	}
}
