package models

import (
	"time"

	"github.com/google/uuid"
)

// Frequency is how often a schedule fires.
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
	FrequencyCustom  Frequency = "custom"
)

// AllFrequencies lists every supported frequency, most frequent calendar point first.
var AllFrequencies = []Frequency{
	FrequencyHourly, FrequencyDaily, FrequencyWeekly, FrequencyMonthly, FrequencyCustom,
}

// Valid reports whether f is one of the known frequencies.
func (f Frequency) Valid() bool {
	for _, known := range AllFrequencies {
		if f == known {
			return true
		}
	}
	return false
}

// Schedule is a tenant-owned recurring analysis definition. Interval is in
// minutes and is set only for custom schedules.
type Schedule struct {
	ID        uuid.UUID  `db:"id"               json:"id"`
	TenantID  uuid.UUID  `db:"tenant_id"        json:"tenant_id"`
	Frequency Frequency  `db:"frequency"        json:"frequency"`
	Interval  *int       `db:"interval_minutes" json:"interval,omitempty"`
	LastRunAt *time.Time `db:"last_run_at"      json:"last_run_at,omitempty"`
	CreatedAt time.Time  `db:"created_at"       json:"created_at"`
	UpdatedAt time.Time  `db:"updated_at"       json:"updated_at"`
}
