package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tenantlytics/internal/api/middleware"
	"github.com/kiranshivaraju/tenantlytics/internal/api/response"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

// Inbox defines the notification operations the handlers depend on.
type Inbox interface {
	List(ctx context.Context, tenantID uuid.UUID, userID *string, unreadOnly bool, limit int) ([]*models.Notification, error)
	MarkRead(ctx context.Context, tenantID, id uuid.UUID, userID *string) (*models.Notification, error)
}

// NewListNotificationsHandler returns an http.HandlerFunc for GET /api/v1/notifications.
func NewListNotificationsHandler(svc Inbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		limit, ok := queryLimit(w, r)
		if !ok {
			return
		}

		unreadOnly := false
		if raw := r.URL.Query().Get("unread"); raw != "" {
			v, err := strconv.ParseBool(raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unread must be a boolean", nil)
				return
			}
			unreadOnly = v
		}

		items, err := svc.List(r.Context(), tenantID, mw.GetUserID(r), unreadOnly, limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Collection(w, items, len(items), limit)
	}
}

// NewMarkNotificationReadHandler returns an http.HandlerFunc for
// PUT /api/v1/notifications/{notificationID}/read.
func NewMarkNotificationReadHandler(svc Inbox) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "notificationID")
		if !ok {
			return
		}

		n, err := svc.MarkRead(r.Context(), tenantID, id, mw.GetUserID(r))
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, n)
	}
}
