// Package models contains shared data models used across the Tenantlytics codebase.
package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	OrgStatusActive    = "active"
	OrgStatusSuspended = "suspended"
)

// Organization is a tenant. Schedules, datasets and analyses all belong to one.
// PlanID selects the quota limits and allowed schedule frequencies.
type Organization struct {
	ID        uuid.UUID `db:"id"         json:"id"`
	Name      string    `db:"name"       json:"name"`
	PlanID    string    `db:"plan_id"    json:"plan_id"`
	Status    string    `db:"status"     json:"status"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}
