package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/projectmart/backend/internal/auth"
	"github.com/projectmart/backend/internal/handlers"
	"github.com/projectmart/backend/internal/middleware"
)

// Pinger reports database reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Deps struct {
	Webhooks *handlers.WebhookHandler
	Scans    *handlers.ScanHandler
	Disputes *handlers.DisputeHandler
	Tokens   middleware.TokenValidator
	DB       Pinger
}

// New returns the service handler: processor and scan callbacks at the root,
// the actor API under /api/v1.
func New(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", health(d.DB))
	r.Post("/webhooks/payments", d.Webhooks.HandleEvent)
	r.Post("/internal/scan-results", d.Scans.RecordResult)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.ActorAuth(d.Tokens))

		r.Get("/purchases/{id}", d.Disputes.GetPurchase)
		r.With(middleware.RequireRole(auth.RoleBuyer)).Post("/purchases/{id}/dispute", d.Disputes.OpenDispute)

		r.Route("/admin", func(r chi.Router) {
			r.Use(middleware.RequireRole(auth.RoleAdmin))
			r.Post("/purchases/{id}/resolve", d.Disputes.ResolveDispute)
			r.Get("/purchases/{id}/audit", d.Disputes.AuditTrail)
		})
	})
	return r
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"unavailable"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok"}`))
	}
}
