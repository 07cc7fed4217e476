package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/internal/api/response"
	"github.com/kiranshivaraju/tenantlytics/internal/plans"
	"github.com/kiranshivaraju/tenantlytics/internal/quota"
)

// UsageChecker reports plan usage without blocking anything.
type UsageChecker interface {
	Check(ctx context.Context, tenantID uuid.UUID, feature string) (quota.Usage, error)
}

var knownFeatures = []string{
	plans.FeatureScheduling,
	plans.FeatureAnalytics,
	plans.FeatureAgentQueries,
}

// featureName resolves a path segment to a plan feature. Matching ignores
// case and accepts "-" or "_" in place of spaces, so agent-queries works.
func featureName(raw string) (string, bool) {
	norm := strings.NewReplacer("-", " ", "_", " ").Replace(raw)
	for _, f := range knownFeatures {
		if strings.EqualFold(f, norm) {
			return f, true
		}
	}
	return "", false
}

// NewUsageHandler returns an http.HandlerFunc for GET /api/v1/usage/{feature}.
func NewUsageHandler(svc UsageChecker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}

		feature, ok := featureName(chi.URLParam(r, "feature"))
		if !ok {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown feature",
				map[string][]string{"feature": knownFeatures})
			return
		}

		u, err := svc.Check(r.Context(), tenantID, feature)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, u)
	}
}
