package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	mw "github.com/kiranshivaraju/tenantlytics/internal/api/middleware"
	"github.com/kiranshivaraju/tenantlytics/internal/api/response"
	"github.com/kiranshivaraju/tenantlytics/internal/cache"
	"github.com/kiranshivaraju/tenantlytics/internal/jobs"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

// AnalysisService defines the job operations the handlers depend on.
type AnalysisService interface {
	RunAdHoc(ctx context.Context, req jobs.AdHocRequest) (*models.Analysis, error)
	Get(ctx context.Context, tenantID, analysisID uuid.UUID) (*models.Analysis, error)
}

// CacheInvalidator drops cached analysis results.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, key cache.Key, actorID string, tenantID uuid.UUID) error
}

// DatasetLookup resolves a dataset within a tenant.
type DatasetLookup interface {
	GetDataset(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Dataset, error)
}

type analysisRequest struct {
	DatasetID  uuid.UUID      `json:"dataset_id"`
	Type       string         `json:"type"`
	Industry   string         `json:"industry"`
	Parameters map[string]any `json:"parameters"`
}

// NewRunAnalysisHandler returns an http.HandlerFunc for POST /api/v1/analyses.
// The job is accepted immediately; clients poll it or follow live status events.
func NewRunAnalysisHandler(svc AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}

		var req analysisRequest
		if !decodeBody(w, r, &req) {
			return
		}

		a, err := svc.RunAdHoc(r.Context(), jobs.AdHocRequest{
			TenantID:   tenantID,
			ActorID:    mw.ActorID(r),
			UserID:     mw.GetUserID(r),
			DatasetID:  req.DatasetID,
			Type:       req.Type,
			Industry:   req.Industry,
			Parameters: req.Parameters,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.Accepted(w, a)
	}
}

// NewGetAnalysisHandler returns an http.HandlerFunc for GET /api/v1/analyses/{analysisID}.
func NewGetAnalysisHandler(svc AnalysisService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}
		id, ok := pathUUID(w, r, "analysisID")
		if !ok {
			return
		}

		a, err := svc.Get(r.Context(), tenantID, id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, a)
	}
}

// NewInvalidateCacheHandler returns an http.HandlerFunc for
// POST /api/v1/analyses/cache/invalidate. Only the dataset's tenant may drop
// its results; other tenants get 404.
func NewInvalidateCacheHandler(datasets DatasetLookup, results CacheInvalidator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenantID, ok := requireTenant(w, r)
		if !ok {
			return
		}

		var req analysisRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.DatasetID == uuid.Nil || req.Type == "" {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "dataset_id and type are required", nil)
			return
		}

		if _, err := datasets.GetDataset(r.Context(), req.DatasetID, tenantID); err != nil {
			writeError(w, r, err)
			return
		}

		key, err := cache.DeriveKey(req.DatasetID, req.Type, req.Parameters)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "parameters cannot be encoded", nil)
			return
		}
		if err := results.Invalidate(r.Context(), key, mw.ActorID(r), tenantID); err != nil {
			writeError(w, r, err)
			return
		}
		response.JSON(w, map[string]any{
			"key":         string(key),
			"invalidated": true,
		})
	}
}
