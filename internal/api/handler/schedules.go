package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tenantlytics/internal/api/middleware"
	"github.com/kiranshivaraju/tenantlytics/internal/api/response"
	"github.com/kiranshivaraju/tenantlytics/internal/schedule"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

// ScheduleService defines the schedule operations the handlers depend on.
type ScheduleService interface {
	Create(ctx context.Context, p schedule.CreateParams) (*models.Schedule, error)
	Update(ctx context.Context, id uuid.UUID, p schedule.UpdateParams) (*models.Schedule, error)
	Delete(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, actorID string) (*models.Schedule, error)
	List(ctx context.Context, tenantID uuid.UUID) ([]*models.Schedule, error)
}

type scheduleRequest struct {
	Frequency *models.Frequency `json:"frequency"`
	Interval  *int              `json:"interval"`
}

// NewCreateScheduleHandler returns an http.HandlerFunc for POST /api/v1/schedules.
func NewCreateScheduleHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}

		var req scheduleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Frequency == nil || *req.Frequency == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "frequency is required", nil)
			return
		}

		sc, err := svc.Create(r.Context(), schedule.CreateParams{
			TenantID:  tenantID,
			ActorID:   mw.ActorID(r),
			Frequency: *req.Frequency,
			Interval:  req.Interval,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Created(w, sc)
	}
}

// NewListSchedulesHandler returns an http.HandlerFunc for GET /api/v1/schedules.
func NewListSchedulesHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}

		items, err := svc.List(r.Context(), tenantID)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, items)
	}
}

// NewUpdateScheduleHandler returns an http.HandlerFunc for PUT /api/v1/schedules/{scheduleID}.
func NewUpdateScheduleHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "scheduleID")
		if !ok {
			return
		}

		var req scheduleRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Frequency == nil && req.Interval == nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "frequency or interval is required", nil)
			return
		}

		sc, err := svc.Update(r.Context(), id, schedule.UpdateParams{
			TenantID:  tenantID,
			ActorID:   mw.ActorID(r),
			Frequency: req.Frequency,
			Interval:  req.Interval,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, sc)
	}
}

// NewDeleteScheduleHandler returns an http.HandlerFunc for DELETE /api/v1/schedules/{scheduleID}.
// Deleting an already-deleted schedule answers 204.
func NewDeleteScheduleHandler(svc ScheduleService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "scheduleID")
		if !ok {
			return
		}

		sc, err := svc.Delete(r.Context(), id, tenantID, mw.ActorID(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		if sc == nil {
			response.NoContent(w)
			return
		}
		response.JSON(w, sc)
	}
}
