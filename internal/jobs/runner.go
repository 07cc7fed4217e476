// Package jobs runs analysis jobs: quota check, cache lookup, engine
// computation on a worker pool, and the bookkeeping around each outcome.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/internal/audit"
	"github.com/kiranshivaraju/tenantlytics/internal/cache"
	"github.com/kiranshivaraju/tenantlytics/internal/engine"
	"github.com/kiranshivaraju/tenantlytics/internal/keylock"
	"github.com/kiranshivaraju/tenantlytics/internal/metrics"
	"github.com/kiranshivaraju/tenantlytics/internal/notify"
	"github.com/kiranshivaraju/tenantlytics/internal/plans"
	"github.com/kiranshivaraju/tenantlytics/internal/quota"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

var ErrInvalidArgument = errors.New("invalid argument")

const (
	// ScheduledAnalysisType is the analysis type every scheduled run uses.
	ScheduledAnalysisType = "comprehensive"

	defaultEngineTimeout = 120 * time.Second
	bookkeepingTimeout   = 10 * time.Second

	orphanedMessage = "interrupted by server restart"
)

// Store is the persistence the runner needs.
type Store interface {
	GetDataset(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Dataset, error)
	ListDatasets(ctx context.Context, tenantID uuid.UUID) ([]*models.Dataset, error)
	GetSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error)
	TouchScheduleRun(ctx context.Context, id uuid.UUID, at time.Time) error
	CreateAnalysis(ctx context.Context, a *models.Analysis) error
	GetAnalysis(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Analysis, error)
	CompleteAnalysis(ctx context.Context, id uuid.UUID, results json.RawMessage) error
	FailAnalysis(ctx context.Context, id uuid.UUID, message string) error
	FailPendingAnalyses(ctx context.Context, createdBefore time.Time, message string) (int, error)
}

// QuotaEnforcer blocks work that would exceed the tenant's plan.
type QuotaEnforcer interface {
	Enforce(ctx context.Context, tenantID uuid.UUID, feature string) (quota.Usage, error)
}

// ResultCache reuses earlier engine outputs.
type ResultCache interface {
	Get(ctx context.Context, key cache.Key) (*cache.Entry, bool)
	Put(ctx context.Context, key cache.Key, result json.RawMessage, actorID string, tenantID uuid.UUID) error
}

// Auditor records job lifecycle actions.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry)
}

// Notifier delivers outcome notifications and live status signals.
type Notifier interface {
	Notify(ctx context.Context, n *models.Notification) (*models.Notification, error)
	Signal(ctx context.Context, tenantID uuid.UUID, ev notify.Event)
}

// Submitter queues compute tasks.
type Submitter interface {
	Submit(ctx context.Context, task Task) error
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Store         Store
	Engine        engine.Engine
	Quota         QuotaEnforcer
	Results       ResultCache
	Audit         Auditor
	Notifier      Notifier
	Pool          Submitter
	EngineTimeout time.Duration
}

// Runner executes analysis cycles.
type Runner struct {
	store    Store
	engine   engine.Engine
	quota    QuotaEnforcer
	results  ResultCache
	audit    Auditor
	notifier Notifier
	pool     Submitter
	timeout  time.Duration

	tenantLocks keylock.Map
	now         func() time.Time
}

// NewRunner creates a Runner.
func NewRunner(d Deps) *Runner {
	timeout := d.EngineTimeout
	if timeout <= 0 {
		timeout = defaultEngineTimeout
	}
	return &Runner{
		store:    d.Store,
		engine:   d.Engine,
		quota:    d.Quota,
		results:  d.Results,
		audit:    d.Audit,
		notifier: d.Notifier,
		pool:     d.Pool,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AdHocRequest is a user-submitted analysis.
type AdHocRequest struct {
	TenantID   uuid.UUID
	ActorID    string
	UserID     *string
	DatasetID  uuid.UUID
	Type       string
	Industry   string
	Parameters map[string]any
}

// RunSummary reports what a scheduled firing did per dataset.
type RunSummary struct {
	ScheduleID   uuid.UUID `json:"schedule_id"`
	Datasets     int       `json:"datasets"`
	Submitted    int       `json:"submitted"`
	CacheHits    int       `json:"cache_hits"`
	QuotaSkipped int       `json:"quota_skipped"`
	Failed       int       `json:"failed"`
}

// cycle carries one dataset's analysis through the runner.
type cycle struct {
	tenantID   uuid.UUID
	actorID    string
	userID     *string
	dataset    *models.Dataset
	scheduleID *uuid.UUID
	typ        string
	industry   string
	params     map[string]any
}

func (c cycle) origin() string {
	if c.scheduleID != nil {
		return "scheduled"
	}
	return "adhoc"
}

// RunAdHoc starts an analysis and returns without waiting for the engine.
// The returned job is PENDING, or COMPLETED when served from cache.
func (r *Runner) RunAdHoc(ctx context.Context, req AdHocRequest) (*models.Analysis, error) {
	if req.DatasetID == uuid.Nil {
		return nil, fmt.Errorf("%w: dataset_id is required", ErrInvalidArgument)
	}
	if req.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidArgument)
	}

	ds, err := r.store.GetDataset(ctx, req.DatasetID, req.TenantID)
	if err != nil {
		return nil, err
	}
	industry := req.Industry
	if industry == "" {
		industry = ds.Industry
	}

	return r.start(ctx, cycle{
		tenantID: req.TenantID,
		actorID:  req.ActorID,
		userID:   req.UserID,
		dataset:  ds,
		typ:      req.Type,
		industry: industry,
		params:   req.Parameters,
	})
}

// RunForAllDatasets starts a comprehensive analysis for every dataset of the
// schedule's tenant. Per-dataset failures are logged and counted, never returned.
func (r *Runner) RunForAllDatasets(ctx context.Context, scheduleID uuid.UUID) (RunSummary, error) {
	summary := RunSummary{ScheduleID: scheduleID}

	sched, err := r.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return summary, err
	}
	datasets, err := r.store.ListDatasets(ctx, sched.TenantID)
	if err != nil {
		return summary, fmt.Errorf("listing datasets: %w", err)
	}
	summary.Datasets = len(datasets)

	for _, ds := range datasets {
		a, err := r.start(ctx, cycle{
			tenantID:   sched.TenantID,
			actorID:    audit.ActorSystem,
			dataset:    ds,
			scheduleID: &sched.ID,
			typ:        ScheduledAnalysisType,
			industry:   ds.Industry,
			params:     map[string]any{},
		})
		switch {
		case errors.Is(err, quota.ErrQuotaExceeded):
			summary.QuotaSkipped++
			r.audit.Append(ctx, audit.Entry{
				TenantID: audit.TenantRef(sched.TenantID),
				ActorID:  audit.ActorSystem,
				Action:   audit.ActionQuotaExceeded,
				Resource: "dataset:" + ds.ID.String(),
				Details:  map[string]any{"schedule_id": sched.ID.String()},
			})
			slog.Warn("scheduled analysis skipped: quota exceeded",
				"schedule_id", sched.ID, "dataset_id", ds.ID, "tenant_id", sched.TenantID)
		case err != nil:
			summary.Failed++
			slog.Error("scheduled analysis failed to start",
				"schedule_id", sched.ID, "dataset_id", ds.ID, "error", err)
		case a.CacheHit:
			summary.CacheHits++
		default:
			summary.Submitted++
		}
	}

	if err := r.store.TouchScheduleRun(ctx, sched.ID, r.now()); err != nil {
		slog.Warn("failed to record schedule run", "schedule_id", sched.ID, "error", err)
	}

	slog.Info("scheduled run dispatched",
		"schedule_id", sched.ID,
		"tenant_id", sched.TenantID,
		"datasets", summary.Datasets,
		"submitted", summary.Submitted,
		"cache_hits", summary.CacheHits,
		"quota_skipped", summary.QuotaSkipped,
		"failed", summary.Failed,
	)
	return summary, nil
}

// Get returns a tenant's analysis.
func (r *Runner) Get(ctx context.Context, tenantID, analysisID uuid.UUID) (*models.Analysis, error) {
	return r.store.GetAnalysis(ctx, analysisID, tenantID)
}

// FailOrphaned fails PENDING analyses created before cutoff. Those belong to
// an earlier process and no worker will ever finish them. Run it before the
// pool accepts new work.
func (r *Runner) FailOrphaned(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := r.store.FailPendingAnalyses(ctx, cutoff, orphanedMessage)
	if err != nil {
		return 0, fmt.Errorf("fail orphaned analyses: %w", err)
	}
	if n > 0 {
		slog.Warn("failed orphaned analyses", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

// start runs the synchronous half of a cycle. Quota check, cache lookup and
// job creation happen under the tenant lock so concurrent submissions cannot
// overshoot the limit.
func (r *Runner) start(ctx context.Context, c cycle) (*models.Analysis, error) {
	key, err := cache.DeriveKey(c.dataset.ID, c.typ, c.params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}

	unlock := r.tenantLocks.Lock(c.tenantID)
	if _, err := r.quota.Enforce(ctx, c.tenantID, plans.FeatureAnalytics); err != nil {
		unlock()
		return nil, err
	}

	now := r.now()
	a := &models.Analysis{
		ID:         uuid.New(),
		TenantID:   c.tenantID,
		DatasetID:  c.dataset.ID,
		ScheduleID: c.scheduleID,
		Type:       c.typ,
		Parameters: c.params,
		Status:     models.AnalysisStatusPending,
		CreatedAt:  now,
	}
	if a.Parameters == nil {
		a.Parameters = map[string]any{}
	}

	if entry, hit := r.results.Get(ctx, key); hit {
		a.Status = models.AnalysisStatusCompleted
		a.Results = entry.Result
		a.CacheHit = true
		a.CompletedAt = &now
		err := r.store.CreateAnalysis(ctx, a)
		unlock()
		if err != nil {
			return nil, fmt.Errorf("creating analysis: %w", err)
		}
		r.succeeded(ctx, *a, c)
		return a, nil
	}

	err = r.store.CreateAnalysis(ctx, a)
	unlock()
	if err != nil {
		return nil, fmt.Errorf("creating analysis: %w", err)
	}

	r.audit.Append(ctx, audit.Entry{
		TenantID: audit.TenantRef(c.tenantID),
		ActorID:  c.actorID,
		Action:   audit.ActionRunStarted,
		Resource: "analysis:" + a.ID.String(),
		Details: map[string]any{
			"dataset_id": c.dataset.ID.String(),
			"type":       c.typ,
			"origin":     c.origin(),
		},
	})
	r.signalStatus(ctx, *a)

	job := *a
	if err := r.pool.Submit(ctx, func(poolCtx context.Context) {
		r.execute(poolCtx, job, c, key)
	}); err != nil {
		bookCtx, cancel := r.bookkeeping(ctx)
		r.failed(bookCtx, job, c, fmt.Errorf("dispatching analysis: %w", err))
		cancel()
		return nil, err
	}
	return a, nil
}

// execute is the pool half of a cycle. It always leaves the job terminal.
// Only the engine call observes ctx; the outcome is recorded on a detached
// context so that cancelling the pool fails the job instead of orphaning it.
func (r *Runner) execute(ctx context.Context, a models.Analysis, c cycle, key cache.Key) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("panic in analysis task", "error", rec, "analysis_id", a.ID)
			panicCtx, cancel := r.bookkeeping(ctx)
			defer cancel()
			r.failed(panicCtx, a, c, fmt.Errorf("%w: panic: %v", engine.ErrEngineFailure, rec))
		}
	}()

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	started := time.Now()
	out, err := r.engine.Compute(callCtx, engine.Request{
		Data:       c.dataset.Data,
		Type:       c.typ,
		Industry:   c.industry,
		Parameters: a.Parameters,
	})
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	metrics.AnalysisDuration.WithLabelValues(c.typ).Observe(time.Since(started).Seconds())

	bookCtx, cancelBook := r.bookkeeping(ctx)
	defer cancelBook()

	switch {
	case err != nil && timedOut && !errors.Is(err, engine.ErrEngineTimeout):
		err = fmt.Errorf("%w: %v", engine.ErrEngineTimeout, err)
	case err == nil && !json.Valid(out):
		err = fmt.Errorf("%w: results are not valid JSON", engine.ErrEngineFailure)
	}
	if err != nil {
		r.failed(bookCtx, a, c, err)
		return
	}

	if err := r.store.CompleteAnalysis(bookCtx, a.ID, out); err != nil {
		slog.Error("failed to persist analysis result", "analysis_id", a.ID, "error", err)
		r.failed(bookCtx, a, c, fmt.Errorf("storing result: %w", err))
		return
	}
	completed := r.now()
	a.Status = models.AnalysisStatusCompleted
	a.Results = out
	a.CompletedAt = &completed

	if err := r.results.Put(bookCtx, key, out, c.actorID, c.tenantID); err != nil {
		slog.Warn("failed to cache analysis result", "analysis_id", a.ID, "key", string(key), "error", err)
	}
	r.succeeded(bookCtx, a, c)
}

// bookkeeping returns a context for recording an outcome. It keeps ctx's
// values but not its cancellation.
func (r *Runner) bookkeeping(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

func (r *Runner) succeeded(ctx context.Context, a models.Analysis, c cycle) {
	metrics.AnalysesTotal.WithLabelValues(models.AnalysisStatusCompleted, c.origin()).Inc()
	r.audit.Append(ctx, audit.Entry{
		TenantID: audit.TenantRef(c.tenantID),
		ActorID:  c.actorID,
		Action:   audit.ActionRunCompleted,
		Resource: "analysis:" + a.ID.String(),
		Details: map[string]any{
			"dataset_id": c.dataset.ID.String(),
			"type":       c.typ,
			"cache_hit":  a.CacheHit,
		},
	})
	r.signalStatus(ctx, a)

	n := &models.Notification{
		TenantID:   c.tenantID,
		UserID:     c.userID,
		Type:       models.NotificationAnalysisCompleted,
		Title:      "Analysis completed",
		Message:    fmt.Sprintf("%s analysis of %q is ready.", c.typ, c.dataset.Name),
		AnalysisID: &a.ID,
		DatasetID:  &c.dataset.ID,
		ScheduleID: c.scheduleID,
	}
	if c.scheduleID != nil {
		n.Type = models.NotificationScheduledAnalysisCompleted
		n.Title = "Scheduled analysis completed"
	}
	r.deliver(ctx, n)
}

func (r *Runner) failed(ctx context.Context, a models.Analysis, c cycle, cause error) {
	if err := r.store.FailAnalysis(ctx, a.ID, cause.Error()); err != nil {
		slog.Error("failed to mark analysis failed", "analysis_id", a.ID, "error", err)
		return
	}
	completed := r.now()
	msg := cause.Error()
	a.Status = models.AnalysisStatusFailed
	a.ErrorMessage = &msg
	a.CompletedAt = &completed

	metrics.AnalysesTotal.WithLabelValues(models.AnalysisStatusFailed, c.origin()).Inc()
	slog.Warn("analysis failed", "analysis_id", a.ID, "tenant_id", c.tenantID, "error", cause)
	r.audit.Append(ctx, audit.Entry{
		TenantID: audit.TenantRef(c.tenantID),
		ActorID:  c.actorID,
		Action:   audit.ActionRunFailed,
		Resource: "analysis:" + a.ID.String(),
		Details: map[string]any{
			"dataset_id": c.dataset.ID.String(),
			"type":       c.typ,
			"error":      msg,
		},
	})
	r.signalStatus(ctx, a)
	r.deliver(ctx, &models.Notification{
		TenantID:   c.tenantID,
		UserID:     c.userID,
		Type:       models.NotificationAnalysisFailed,
		Title:      "Analysis failed",
		Message:    fmt.Sprintf("%s analysis of %q failed: %s", c.typ, c.dataset.Name, msg),
		AnalysisID: &a.ID,
		DatasetID:  &c.dataset.ID,
		ScheduleID: c.scheduleID,
	})
}

func (r *Runner) signalStatus(ctx context.Context, a models.Analysis) {
	r.notifier.Signal(ctx, a.TenantID, notify.Event{
		Type: notify.EventAnalysisStatus,
		Payload: notify.AnalysisStatus{
			AnalysisID: a.ID,
			DatasetID:  a.DatasetID,
			ScheduleID: a.ScheduleID,
			Status:     a.Status,
		},
	})
}

func (r *Runner) deliver(ctx context.Context, n *models.Notification) {
	if _, err := r.notifier.Notify(ctx, n); err != nil {
		slog.Error("failed to deliver notification",
			"type", n.Type, "tenant_id", n.TenantID, "error", err)
	}
}
