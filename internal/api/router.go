package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	mw "github.com/kiranshivaraju/tenantlytics/internal/api/middleware"
	"github.com/kiranshivaraju/tenantlytics/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit
	// AdminTier gates the admin routes by plan. Nil admits every plan.
	AdminTier func(http.Handler) http.Handler

	HealthHandler  http.HandlerFunc
	MetricsHandler http.Handler

	CreateSchedule http.HandlerFunc
	ListSchedules  http.HandlerFunc
	UpdateSchedule http.HandlerFunc
	DeleteSchedule http.HandlerFunc

	RunAnalysis     http.HandlerFunc
	GetAnalysis     http.HandlerFunc
	InvalidateCache http.HandlerFunc

	Usage http.HandlerFunc

	ListNotifications http.HandlerFunc
	MarkNotification  http.HandlerFunc

	Audit     http.HandlerFunc
	WebSocket http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		response.Error(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
	})

	// Public endpoints
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/schedules", orNotImplemented(deps.CreateSchedule))
		r.Get("/api/v1/schedules", orNotImplemented(deps.ListSchedules))
		r.Put("/api/v1/schedules/{scheduleID}", orNotImplemented(deps.UpdateSchedule))
		r.Delete("/api/v1/schedules/{scheduleID}", orNotImplemented(deps.DeleteSchedule))

		r.Post("/api/v1/analyses", orNotImplemented(deps.RunAnalysis))
		r.Post("/api/v1/analyses/cache/invalidate", orNotImplemented(deps.InvalidateCache))
		r.Get("/api/v1/analyses/{analysisID}", orNotImplemented(deps.GetAnalysis))

		r.Get("/api/v1/usage/{feature}", orNotImplemented(deps.Usage))

		r.Get("/api/v1/notifications", orNotImplemented(deps.ListNotifications))
		r.Put("/api/v1/notifications/{notificationID}/read", orNotImplemented(deps.MarkNotification))

		r.Get("/api/v1/ws", orNotImplemented(deps.WebSocket))

		// Admin routes
		r.Group(func(r chi.Router) {
			r.Use(deps.Auth.RequireScope(mw.ScopeAdmin))
			if deps.AdminTier != nil {
				r.Use(deps.AdminTier)
			}

			r.Get("/api/v1/audit", orNotImplemented(deps.Audit))
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
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
