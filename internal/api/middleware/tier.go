package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/internal/api/response"
	"github.com/kiranshivaraju/tenantlytics/internal/plans"
	"github.com/kiranshivaraju/tenantlytics/internal/store"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

// OrgLookup resolves a tenant to its organization.
type OrgLookup interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
}

// RequireTier returns middleware that admits tenants whose plan ranks at or
// above required. It must run after Authenticate.
func RequireTier(table *plans.Table, orgs OrgLookup, required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenantID, ok := GetTenantID(r)
			if !ok {
				response.Error(w, http.StatusUnauthorized,
					"INVALID_TOKEN", "Missing tenant context", nil)
				return
			}

			org, err := orgs.GetOrganization(r.Context(), tenantID)
			switch {
			case errors.Is(err, store.ErrNotFound):
				response.Error(w, http.StatusForbidden,
					"PLAN_TIER_REQUIRED", "Organization not found", nil)
				return
			case err != nil:
				slog.Error("organization lookup failed", "tenant_id", tenantID, "error", err)
				response.Error(w, http.StatusInternalServerError,
					"INTERNAL_ERROR", "Failed to resolve plan", nil)
				return
			}

			if !table.AtLeast(org.PlanID, required) {
				response.Error(w, http.StatusForbidden,
					"PLAN_TIER_REQUIRED", "This feature requires the "+required+" plan or higher",
					map[string]any{"plan_id": org.PlanID, "required": required})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
