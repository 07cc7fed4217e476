package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/internal/audit"
	"github.com/kiranshivaraju/tenantlytics/internal/metrics"
)

// DefaultResultTTL is how long a computed analysis result stays reusable.
const DefaultResultTTL = 24 * time.Hour

// Key identifies a cached analysis result: datasetID:type:paramHash.
type Key string

// Meta describes who produced a cached result and when.
type Meta struct {
	CachedAt   time.Time `json:"cached_at"`
	TenantID   uuid.UUID `json:"tenant_id"`
	ActorID    string    `json:"actor_id"`
	ResultHash string    `json:"result_hash"`
}

// Entry is the stored value under a Key.
type Entry struct {
	Result json.RawMessage `json:"result"`
	Meta   Meta            `json:"meta"`
}

// Auditor records cache writes and invalidations.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry)
}

// DeriveKey builds the content address for an analysis request. The parameter
// bag is hashed as canonical JSON: object keys are sorted at every depth and a
// nil bag hashes the same as an empty one.
func DeriveKey(datasetID uuid.UUID, analysisType string, params map[string]any) (Key, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	sum := sha256.Sum256(raw)
	return Key(fmt.Sprintf("%s:%s:%s", datasetID, analysisType, hex.EncodeToString(sum[:])[:16])), nil
}

// ResultCache stores analysis outputs by content address with a fixed TTL.
type ResultCache struct {
	kv      Cache
	ttl     time.Duration
	auditor Auditor
	now     func() time.Time
}

// NewResultCache creates a ResultCache. A non-positive ttl uses DefaultResultTTL.
func NewResultCache(kv Cache, auditor Auditor, ttl time.Duration) *ResultCache {
	if ttl <= 0 {
		ttl = DefaultResultTTL
	}
	return &ResultCache{
		kv:      kv,
		ttl:     ttl,
		auditor: auditor,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Get returns the entry for key. Backend and decode errors are logged and
// reported as a miss.
func (r *ResultCache) Get(ctx context.Context, key Key) (*Entry, bool) {
	raw, found, err := r.kv.Get(ctx, AnalysisResultKey(key))
	if err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		slog.Warn("result cache read failed", "key", string(key), "error", err)
		return nil, false
	}
	if !found {
		metrics.CacheLookups.WithLabelValues("miss").Inc()
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		metrics.CacheLookups.WithLabelValues("error").Inc()
		slog.Warn("result cache entry corrupt", "key", string(key), "error", err)
		return nil, false
	}
	metrics.CacheLookups.WithLabelValues("hit").Inc()
	return &entry, true
}

// Put stores result under key and records CACHE_ANALYSIS_RESULT.
func (r *ResultCache) Put(ctx context.Context, key Key, result json.RawMessage, actorID string, tenantID uuid.UUID) error {
	sum := sha256.Sum256(result)
	entry := Entry{
		Result: result,
		Meta: Meta{
			CachedAt:   r.now(),
			TenantID:   tenantID,
			ActorID:    actorID,
			ResultHash: hex.EncodeToString(sum[:]),
		},
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	if err := r.kv.Set(ctx, AnalysisResultKey(key), raw, r.ttl); err != nil {
		return fmt.Errorf("store cache entry: %w", err)
	}

	r.auditor.Append(ctx, audit.Entry{
		TenantID: audit.TenantRef(tenantID),
		ActorID:  actorID,
		Action:   audit.ActionCacheResult,
		Resource: "analysis_cache:" + string(key),
		Details: map[string]any{
			"result_hash": entry.Meta.ResultHash,
			"ttl_seconds": int(r.ttl.Seconds()),
		},
	})
	return nil
}

// Invalidate removes key and records INVALIDATE_ANALYSIS_CACHE. Removing a
// missing key is not an error.
func (r *ResultCache) Invalidate(ctx context.Context, key Key, actorID string, tenantID uuid.UUID) error {
	if err := r.kv.Delete(ctx, AnalysisResultKey(key)); err != nil {
		return fmt.Errorf("delete cache entry: %w", err)
	}
	r.auditor.Append(ctx, audit.Entry{
		TenantID: audit.TenantRef(tenantID),
		ActorID:  actorID,
		Action:   audit.ActionCacheInvalidated,
		Resource: "analysis_cache:" + string(key),
	})
	return nil
}
