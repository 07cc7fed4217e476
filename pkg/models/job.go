package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	AnalysisStatusPending   = "PENDING"
	AnalysisStatusCompleted = "COMPLETED"
	AnalysisStatusFailed    = "FAILED"
)

// Analysis is one execution of an analysis job. The API returns it on
// POST /api/v1/analyses; clients poll GET /api/v1/analyses/{id} or listen on
// the live session until status is COMPLETED or FAILED.
type Analysis struct {
	ID           uuid.UUID       `db:"id"            json:"id"`
	TenantID     uuid.UUID       `db:"tenant_id"     json:"tenant_id"`
	DatasetID    uuid.UUID       `db:"dataset_id"    json:"dataset_id"`
	ScheduleID   *uuid.UUID      `db:"schedule_id"   json:"schedule_id,omitempty"`
	Type         string          `db:"type"          json:"type"`
	Parameters   map[string]any  `db:"parameters"    json:"parameters"`
	Status       string          `db:"status"        json:"status"`
	Results      json.RawMessage `db:"results"       json:"results,omitempty"`
	ErrorMessage *string         `db:"error_message" json:"error_message,omitempty"`
	CacheHit     bool            `db:"cache_hit"     json:"cache_hit"`
	CreatedAt    time.Time       `db:"created_at"    json:"created_at"`
	CompletedAt  *time.Time      `db:"completed_at"  json:"completed_at,omitempty"`
}

// IsTerminal reports whether status admits no further transition.
func IsTerminal(status string) bool {
	return status == AnalysisStatusCompleted || status == AnalysisStatusFailed
}

// CanTransition reports whether an analysis may move from one status to another.
// PENDING is the only non-terminal state.
func CanTransition(from, to string) bool {
	return from == AnalysisStatusPending && IsTerminal(to)
}
