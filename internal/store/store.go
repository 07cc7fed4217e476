package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")

// ErrInvalidTransition is returned when an analysis is asked to leave a terminal state.
var ErrInvalidTransition = errors.New("invalid analysis status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	CreateOrganization(ctx context.Context, org *models.Organization) error
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error

	CreateDataset(ctx context.Context, ds *models.Dataset) error
	GetDataset(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Dataset, error)
	ListDatasets(ctx context.Context, tenantID uuid.UUID) ([]*models.Dataset, error)

	CreateSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error)
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error)
	ListSchedules(ctx context.Context, tenantID uuid.UUID) ([]*models.Schedule, error)
	ListAllSchedules(ctx context.Context) ([]*models.Schedule, error)
	CountSchedules(ctx context.Context, tenantID uuid.UUID) (int, error)
	TouchScheduleRun(ctx context.Context, id uuid.UUID, at time.Time) error

	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	GetAnalysis(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Analysis, error)
	CompleteAnalysis(ctx context.Context, id uuid.UUID, results json.RawMessage) error
	FailAnalysis(ctx context.Context, id uuid.UUID, message string) error
	FailPendingAnalyses(ctx context.Context, createdBefore time.Time, message string) (int, error)
	CountAnalyses(ctx context.Context, filter AnalysisCountFilter) (int, error)

	CreateAuditEntry(ctx context.Context, e *models.AuditLogEntry) error
	QueryAuditEntries(ctx context.Context, filter AuditFilter) ([]*models.AuditLogEntry, error)
	CountAuditEntries(ctx context.Context, tenantID uuid.UUID, action string, since time.Time) (int, error)

	CreateNotification(ctx context.Context, n *models.Notification) error
	ListNotifications(ctx context.Context, filter NotificationFilter) ([]*models.Notification, error)
	MarkNotificationRead(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, userID *string) (*models.Notification, error)
}

// AnalysisCountFilter selects analyses for quota counting.
type AnalysisCountFilter struct {
	TenantID uuid.UUID
	Since    time.Time
	Statuses []string
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	TenantID *uuid.UUID
	ActorID  string
	Action   string
	From     time.Time
	To       time.Time
	Limit    int
}

type NotificationFilter struct {
	TenantID   uuid.UUID
	UserID     *string
	UnreadOnly bool
	Limit      int
}

const defaultNotificationLimit = 50

func normalizeLimit(limit, def, max int) int {
	if limit <= 0 {
		return def
	}
	if limit > max {
		return max
	}
	return limit
}
