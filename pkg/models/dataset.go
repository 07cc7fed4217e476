package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Dataset is tenant data handed to the analysis engine as an opaque payload.
type Dataset struct {
	ID        uuid.UUID       `db:"id"         json:"id"`
	TenantID  uuid.UUID       `db:"tenant_id"  json:"tenant_id"`
	Name      string          `db:"name"       json:"name"`
	Industry  string          `db:"industry"   json:"industry,omitempty"`
	Data      json.RawMessage `db:"data"       json:"-"`
	CreatedAt time.Time       `db:"created_at" json:"created_at"`
}
