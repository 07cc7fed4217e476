// Package audit records the append-only trail of state-changing actions.
package audit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/internal/store"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

const (
	ActionScheduleCreated = "ANALYTICS_SCHEDULE_CREATED"
	ActionScheduleUpdated = "ANALYTICS_SCHEDULE_UPDATED"
	ActionScheduleDeleted = "ANALYTICS_SCHEDULE_DELETED"

	ActionRunStarted   = "ANALYSIS_RUN_STARTED"
	ActionRunCompleted = "ANALYSIS_RUN_COMPLETED"
	ActionRunFailed    = "ANALYSIS_RUN_FAILED"

	ActionCacheResult      = "CACHE_ANALYSIS_RESULT"
	ActionCacheInvalidated = "INVALIDATE_ANALYSIS_CACHE"

	ActionQuotaExceeded = "ANALYSIS_QUOTA_EXCEEDED"
	ActionAgentQuery    = "AGENT_QUERY"
)

// ActorSystem identifies actions taken by the service itself, such as scheduled runs.
const ActorSystem = "system"

// DefaultPageSize caps the number of entries a single Query returns.
const DefaultPageSize = 1000

// Entry is one action to record.
type Entry struct {
	TenantID *uuid.UUID
	ActorID  string
	Action   string
	Resource string
	Details  map[string]any
}

// Filter narrows a Query. Zero values match everything.
type Filter struct {
	TenantID *uuid.UUID
	ActorID  string
	Action   string
	From     time.Time
	To       time.Time
}

// EntryStore is the persistence the trail needs.
type EntryStore interface {
	CreateAuditEntry(ctx context.Context, e *models.AuditLogEntry) error
	QueryAuditEntries(ctx context.Context, filter store.AuditFilter) ([]*models.AuditLogEntry, error)
}

// Trail appends and queries audit entries.
type Trail struct {
	store    EntryStore
	pageSize int
	now      func() time.Time
}

// NewTrail creates a Trail. A non-positive pageSize uses DefaultPageSize.
func NewTrail(s EntryStore, pageSize int) *Trail {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Trail{
		store:    s,
		pageSize: pageSize,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Append records e. Persistence failures are logged and never returned so
// that auditing cannot fail the primary operation.
func (t *Trail) Append(ctx context.Context, e Entry) {
	actor := e.ActorID
	if actor == "" {
		actor = ActorSystem
	}
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}

	rec := &models.AuditLogEntry{
		ID:        uuid.New(),
		TenantID:  e.TenantID,
		ActorID:   actor,
		Action:    e.Action,
		Resource:  e.Resource,
		Details:   details,
		CreatedAt: t.now(),
	}
	if err := t.store.CreateAuditEntry(ctx, rec); err != nil {
		slog.Error("failed to append audit entry",
			"action", e.Action,
			"resource", e.Resource,
			"actor_id", actor,
			"error", err,
		)
	}
}

// Query returns matching entries, newest first, capped at the page size.
func (t *Trail) Query(ctx context.Context, f Filter) ([]*models.AuditLogEntry, error) {
	entries, err := t.store.QueryAuditEntries(ctx, store.AuditFilter{
		TenantID: f.TenantID,
		ActorID:  f.ActorID,
		Action:   f.Action,
		From:     f.From,
		To:       f.To,
		Limit:    t.pageSize,
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.AuditLogEntry{}
	}
	return entries, nil
}

// TenantRef returns a pointer to id, for populating Entry.TenantID inline.
func TenantRef(id uuid.UUID) *uuid.UUID {
	return &id
}
