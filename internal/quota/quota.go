// Package quota computes per-tenant usage against plan limits.
package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/internal/audit"
	"github.com/kiranshivaraju/tenantlytics/internal/metrics"
	"github.com/kiranshivaraju/tenantlytics/internal/plans"
	"github.com/kiranshivaraju/tenantlytics/internal/store"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

var ErrQuotaExceeded = errors.New("quota exceeded")

// Usage is a tenant's consumption of one feature. Progress is count/limit
// clamped to 1; unlimited features report zero count and progress.
type Usage struct {
	Feature   string  `json:"feature"`
	Progress  float64 `json:"progress"`
	Limit     int     `json:"limit"`
	Count     int     `json:"count"`
	Unlimited bool    `json:"unlimited"`
}

// Counter counts a tenant's qualifying events since a point in time.
type Counter func(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)

// OrgLookup resolves a tenant to its organization record.
type OrgLookup interface {
	GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error)
}

// UsageStore is the persistence the default counters read from.
type UsageStore interface {
	CountAnalyses(ctx context.Context, filter store.AnalysisCountFilter) (int, error)
	CountAuditEntries(ctx context.Context, tenantID uuid.UUID, action string, since time.Time) (int, error)
	CountSchedules(ctx context.Context, tenantID uuid.UUID) (int, error)
}

// DefaultCounters wires the built-in feature counters to s. Analytics counts
// PENDING analyses too so that in-flight work holds its slot.
func DefaultCounters(s UsageStore) map[string]Counter {
	return map[string]Counter{
		plans.FeatureAnalytics: func(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
			return s.CountAnalyses(ctx, store.AnalysisCountFilter{
				TenantID: tenantID,
				Since:    since,
				Statuses: []string{models.AnalysisStatusCompleted, models.AnalysisStatusPending},
			})
		},
		plans.FeatureAgentQueries: func(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error) {
			return s.CountAuditEntries(ctx, tenantID, audit.ActionAgentQuery, since)
		},
		plans.FeatureScheduling: func(ctx context.Context, tenantID uuid.UUID, _ time.Time) (int, error) {
			return s.CountSchedules(ctx, tenantID)
		},
	}
}

// Enforcer checks usage against the tenant's plan.
type Enforcer struct {
	orgs     OrgLookup
	plans    *plans.Table
	counters map[string]Counter
	now      func() time.Time
}

// NewEnforcer creates an Enforcer.
func NewEnforcer(orgs OrgLookup, table *plans.Table, counters map[string]Counter) *Enforcer {
	return &Enforcer{
		orgs:     orgs,
		plans:    table,
		counters: counters,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock returns a copy of e that reads time from now.
func (e *Enforcer) WithClock(now func() time.Time) *Enforcer {
	cp := *e
	cp.now = now
	return &cp
}

// Check returns the tenant's usage of feature without blocking.
func (e *Enforcer) Check(ctx context.Context, tenantID uuid.UUID, feature string) (Usage, error) {
	return e.usage(ctx, tenantID, feature)
}

// Enforce returns ErrQuotaExceeded, with the usage, once count has reached the limit.
func (e *Enforcer) Enforce(ctx context.Context, tenantID uuid.UUID, feature string) (Usage, error) {
	u, err := e.usage(ctx, tenantID, feature)
	if err != nil {
		return u, err
	}
	if !u.Unlimited && u.Count >= u.Limit {
		metrics.QuotaRejections.WithLabelValues(feature).Inc()
		return u, fmt.Errorf("%w: %s used %d of %d", ErrQuotaExceeded, feature, u.Count, u.Limit)
	}
	return u, nil
}

// Plan resolves the tenant's plan. Unknown plan ids fall back to the most
// restrictive plan; unknown tenants return store.ErrNotFound.
func (e *Enforcer) Plan(ctx context.Context, tenantID uuid.UUID) (plans.Plan, error) {
	org, err := e.orgs.GetOrganization(ctx, tenantID)
	if err != nil {
		return plans.Plan{}, err
	}
	return e.plans.Resolve(org.PlanID), nil
}

func (e *Enforcer) usage(ctx context.Context, tenantID uuid.UUID, feature string) (Usage, error) {
	u := Usage{Feature: feature, Unlimited: true}

	plan, err := e.Plan(ctx, tenantID)
	if err != nil {
		return u, err
	}
	f, ok := plan.Feature(feature)
	if !ok || f.Unlimited() {
		return u, nil
	}
	count, ok := e.counters[feature]
	if !ok {
		return u, nil
	}

	n, err := count(ctx, tenantID, MonthStart(e.now()))
	if err != nil {
		return u, fmt.Errorf("counting %s usage: %w", feature, err)
	}

	u.Unlimited = false
	u.Limit = *f.Limit
	u.Count = n
	u.Progress = min(float64(n)/float64(u.Limit), 1)
	return u, nil
}

// MonthStart returns midnight UTC on the first day of t's month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
