package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tenantlytics/internal/api/middleware"
	"github.com/kiranshivaraju/tenantlytics/internal/api/response"
	"github.com/kiranshivaraju/tenantlytics/internal/jobs"
	"github.com/kiranshivaraju/tenantlytics/internal/plans"
	"github.com/kiranshivaraju/tenantlytics/internal/quota"
	"github.com/kiranshivaraju/tenantlytics/internal/schedule"
	"github.com/kiranshivaraju/tenantlytics/internal/store"
)

// writeError maps service errors onto the error envelope.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, schedule.ErrInvalidArgument), errors.Is(err, jobs.ErrInvalidArgument):
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, plans.ErrPlanLimitExceeded):
		response.Error(w, http.StatusForbidden, "PLAN_LIMIT_EXCEEDED", err.Error(), nil)
	case errors.Is(err, quota.ErrQuotaExceeded):
		response.Error(w, http.StatusTooManyRequests, "QUOTA_EXCEEDED", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, jobs.ErrPoolClosed):
		response.Error(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE",
			"The service is shutting down", nil)
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
			"An unexpected error occurred", nil)
	}
}

// requireTenant returns the authenticated tenant or writes a 401.
func requireTenant(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	tenantID, ok := mw.GetTenantID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing tenant", nil)
	}
	return tenantID, ok
}

// pathUUID parses a UUID URL parameter or writes a 400.
func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a valid UUID", nil)
		return uuid.Nil, false
	}
	return id, true
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	return true
}

// queryLimit parses the limit query parameter. Zero means the service default.
func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
		return 0, false
	}
	return n, true
}
