package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/repolens/internal/api/middleware"
	"github.com/kiranshivaraju/repolens/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler     http.HandlerFunc
	StartAnalysis     http.HandlerFunc
	ListAnalyses      http.HandlerFunc
	GetAnalysis       http.HandlerFunc
	AnalysisStatus    http.HandlerFunc
	AdminListAnalyses http.HandlerFunc
	CallbackHandler   http.HandlerFunc
	ProgressHandler   http.HandlerFunc
	EventsHandler     http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public health check
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	// Worker callbacks authenticate with the per-job callback token
	r.Post("/api/v1/webhooks/analysis", orNotImplemented(deps.CallbackHandler))
	r.Post("/api/v1/webhooks/analysis/progress", orNotImplemented(deps.ProgressHandler))

	// Browsers cannot set headers on a websocket handshake; origin is checked instead
	r.Get("/api/v1/events", orNotImplemented(deps.EventsHandler))

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		r.With(deps.RateLimit.Limit).Post("/api/v1/analyses", orNotImplemented(deps.StartAnalysis))
		r.Get("/api/v1/analyses", orNotImplemented(deps.ListAnalyses))
		r.Get("/api/v1/analyses/{correlationID}", orNotImplemented(deps.GetAnalysis))
		r.Get("/api/v1/analyses/{correlationID}/status", orNotImplemented(deps.AnalysisStatus))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))

			r.Get("/api/v1/admin/analyses", orNotImplemented(deps.AdminListAnalyses))
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
