package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/starford/scoreroom/internal/scoreservice"
)

// NewRouter creates a chi router with all API routes mounted. Every route
// requires a valid access token.
func NewRouter(svc *scoreservice.Service, verifier Verifier) chi.Router {
	h := NewHandler(svc)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(verifier))

	r.Route("/compositions/{id}", func(r chi.Router) {
		r.Get("/", h.GetComposition)
		r.Get("/history", h.History)
		r.Get("/export", h.Export)
	})

	return r
}

// Pinger reports whether a backend is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Live handles GET /health/live.
func Live(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready returns the GET /health/ready handler; it fails while p is unreachable.
func Ready(p Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
	}
}
