// Package notify persists tenant notifications and fans them out to live sessions.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/internal/metrics"
	"github.com/kiranshivaraju/tenantlytics/internal/store"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

const (
	EventNotification   = "notification"
	EventAnalysisStatus = "analysis_status"
)

// Event is a message pushed to live sessions.
type Event struct {
	Type     string    `json:"type"`
	TenantID uuid.UUID `json:"tenant_id"`
	Payload  any       `json:"payload"`
	At       time.Time `json:"at"`
}

// AnalysisStatus is the payload of an EventAnalysisStatus event.
type AnalysisStatus struct {
	AnalysisID uuid.UUID  `json:"analysis_id"`
	DatasetID  uuid.UUID  `json:"dataset_id"`
	ScheduleID *uuid.UUID `json:"schedule_id,omitempty"`
	Status     string     `json:"status"`
}

// SessionRegistry is the live-session side of fan-out.
type SessionRegistry interface {
	ClientsForTenant(tenantID uuid.UUID) []SessionInfo
	Push(sessionID string, ev Event) error
}

// NotificationStore is the persistence the dispatcher needs.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, filter store.NotificationFilter) ([]*models.Notification, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, userID *string) (*models.Notification, error)
}

// Dispatcher writes notifications to the inbox and pushes them live.
type Dispatcher struct {
	store    NotificationStore
	sessions SessionRegistry
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(s NotificationStore, sessions SessionRegistry) *Dispatcher {
	return &Dispatcher{
		store:    s,
		sessions: sessions,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Notify persists n and pushes it to the tenant's live sessions. A
// notification addressed to a user reaches only that user's sessions.
// Push failures are logged and never returned.
func (d *Dispatcher) Notify(ctx context.Context, n *models.Notification) (*models.Notification, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = d.now()
	}
	if err := d.store.CreateNotification(ctx, n); err != nil {
		return nil, err
	}

	d.fanOut(Event{
		Type:     EventNotification,
		TenantID: n.TenantID,
		Payload:  n,
		At:       n.CreatedAt,
	}, n.UserID)
	return n, nil
}

// Signal pushes a live-only event to every session of the tenant.
func (d *Dispatcher) Signal(_ context.Context, tenantID uuid.UUID, ev Event) {
	ev.TenantID = tenantID
	if ev.At.IsZero() {
		ev.At = d.now()
	}
	d.fanOut(ev, nil)
}

func (d *Dispatcher) fanOut(ev Event, userID *string) {
	if d.sessions == nil {
		return
	}
	for _, s := range d.sessions.ClientsForTenant(ev.TenantID) {
		if userID != nil && s.UserID != nil && *s.UserID != *userID {
			continue
		}
		if err := d.sessions.Push(s.ID, ev); err != nil {
			metrics.DroppedEvents.Inc()
			slog.Warn("failed to push live event",
				"session_id", s.ID,
				"tenant_id", ev.TenantID,
				"event", ev.Type,
				"error", err,
			)
		}
	}
}

// List returns the inbox of a tenant, optionally narrowed to one user.
func (d *Dispatcher) List(ctx context.Context, tenantID uuid.UUID, userID *string, unreadOnly bool, limit int) ([]*models.Notification, error) {
	items, err := d.store.ListNotifications(ctx, store.NotificationFilter{
		TenantID:   tenantID,
		UserID:     userID,
		UnreadOnly: unreadOnly,
		Limit:      limit,
	})
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.Notification{}
	}
	return items, nil
}

// MarkRead flags a notification as read. Returns store.ErrNotFound when the
// notification does not exist or is not visible to the caller.
func (d *Dispatcher) MarkRead(ctx context.Context, tenantID, id uuid.UUID, userID *string) (*models.Notification, error) {
	return d.store.MarkNotificationRead(ctx, id, tenantID, userID)
}
