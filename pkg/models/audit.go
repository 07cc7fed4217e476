package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditLogEntry records one state-changing action. Entries are never updated or deleted.
type AuditLogEntry struct {
	ID        uuid.UUID      `db:"id"         json:"id"`
	TenantID  *uuid.UUID     `db:"tenant_id"  json:"tenant_id,omitempty"`
	ActorID   string         `db:"actor_id"   json:"actor_id"`
	Action    string         `db:"action"     json:"action"`
	Resource  string         `db:"resource"   json:"resource"`
	Details   map[string]any `db:"details"    json:"details,omitempty"`
	CreatedAt time.Time      `db:"created_at" json:"created_at"`
}
