package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/kiranshivaraju/tenantlytics/internal/api/response"
	"github.com/kiranshivaraju/tenantlytics/internal/audit"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

// AuditQuerier reads the audit trail.
type AuditQuerier interface {
	Query(ctx context.Context, f audit.Filter) ([]*models.AuditLogEntry, error)
}

// NewAuditHandler returns an http.HandlerFunc for GET /api/v1/audit. Results
// are always scoped to the caller's tenant.
func NewAuditHandler(svc AuditQuerier, pageSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}

		q := r.URL.Query()
		filter := audit.Filter{
			TenantID: &tenantID,
			ActorID:  q.Get("actor_id"),
			Action:   q.Get("action"),
		}

		for name, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
			raw := q.Get(name)
			if raw == "" {
				continue
			}
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
					name+" must be a valid RFC3339 timestamp", nil)
				return
			}
			*dst = t.UTC()
		}
		if !filter.From.IsZero() && !filter.To.IsZero() && filter.To.Before(filter.From) {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "to must not be before from", nil)
			return
		}

		entries, err := svc.Query(r.Context(), filter)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Collection(w, entries, len(entries), pageSize)
	}
}
