package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	NotificationAnalysisCompleted          = "ANALYSIS_COMPLETED"
	NotificationAnalysisFailed             = "ANALYSIS_FAILED"
	NotificationScheduledAnalysisCompleted = "SCHEDULED_ANALYSIS_COMPLETED"
)

// Notification is an inbox item for a tenant, optionally addressed to one user.
// Only the recipient's mark-read changes it after creation.
type Notification struct {
	ID         uuid.UUID  `db:"id"          json:"id"`
	TenantID   uuid.UUID  `db:"tenant_id"   json:"tenant_id"`
	UserID     *string    `db:"user_id"     json:"user_id,omitempty"`
	Type       string     `db:"type"        json:"type"`
	Title      string     `db:"title"       json:"title"`
	Message    string     `db:"message"     json:"message"`
	AnalysisID *uuid.UUID `db:"analysis_id" json:"analysis_id,omitempty"`
	DatasetID  *uuid.UUID `db:"dataset_id"  json:"dataset_id,omitempty"`
	ScheduleID *uuid.UUID `db:"schedule_id" json:"schedule_id,omitempty"`
	Read       bool       `db:"read"        json:"read"`
	CreatedAt  time.Time  `db:"created_at"  json:"created_at"`
	ReadAt     *time.Time `db:"read_at"     json:"read_at,omitempty"`
}
