// Package schedule owns tenant analysis schedules and the triggers that fire them.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/internal/audit"
	"github.com/kiranshivaraju/tenantlytics/internal/jobs"
	"github.com/kiranshivaraju/tenantlytics/internal/keylock"
	"github.com/kiranshivaraju/tenantlytics/internal/metrics"
	"github.com/kiranshivaraju/tenantlytics/internal/plans"
	"github.com/kiranshivaraju/tenantlytics/internal/store"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
	"github.com/robfig/cron/v3"
)

var ErrInvalidArgument = errors.New("invalid argument")

// Store is the persistence the manager needs.
type Store interface {
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error)
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
	DeleteSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error)
	ListSchedules(ctx context.Context, tenantID uuid.UUID) ([]*models.Schedule, error)
	ListAllSchedules(ctx context.Context) ([]*models.Schedule, error)
	CountSchedules(ctx context.Context, tenantID uuid.UUID) (int, error)
}

// PlanResolver returns a tenant's effective plan.
type PlanResolver interface {
	Plan(ctx context.Context, tenantID uuid.UUID) (plans.Plan, error)
}

// Runner executes a schedule firing.
type Runner interface {
	RunForAllDatasets(ctx context.Context, scheduleID uuid.UUID) (jobs.RunSummary, error)
}

// Auditor records schedule changes.
type Auditor interface {
	Append(ctx context.Context, e audit.Entry)
}

// CreateParams describes a new schedule.
type CreateParams struct {
	TenantID  uuid.UUID
	ActorID   string
	Frequency models.Frequency
	Interval  *int
}

// UpdateParams changes a schedule. Nil fields keep their stored value, except
// that moving off custom clears the interval.
type UpdateParams struct {
	TenantID  uuid.UUID
	ActorID   string
	Frequency *models.Frequency
	Interval  *int
}

// trigger is the live clock entry of a schedule. gen identifies the
// installation so a firing can tell whether it is still current.
type trigger struct {
	entry cron.EntryID
	gen   uint64
}

// Manager creates, updates and deletes schedules and keeps exactly one live
// trigger per persisted schedule.
type Manager struct {
	store  Store
	plans  PlanResolver
	runner Runner
	audit  Auditor
	clock  Clock

	mu       sync.Mutex
	triggers map[uuid.UUID]trigger
	gen      atomic.Uint64

	scheduleLocks keylock.Map
	tenantLocks   keylock.Map

	runCtx atomic.Pointer[context.Context]
	now    func() time.Time
}

// NewManager creates a Manager. Call Restore and Start to begin firing.
func NewManager(s Store, plans PlanResolver, runner Runner, auditor Auditor, clock Clock) *Manager {
	m := &Manager{
		store:    s,
		plans:    plans,
		runner:   runner,
		audit:    auditor,
		clock:    clock,
		triggers: make(map[uuid.UUID]trigger),
		now:      func() time.Time { return time.Now().UTC() },
	}
	ctx := context.Background()
	m.runCtx.Store(&ctx)
	return m
}

// Create validates, persists and arms a new schedule.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*models.Schedule, error) {
	interval, err := normalizeInterval(p.Frequency, p.Interval)
	if err != nil {
		return nil, err
	}
	if _, err := TriggerSchedule(p.Frequency, interval); err != nil {
		return nil, err
	}

	plan, err := m.plans.Plan(ctx, p.TenantID)
	if err != nil {
		return nil, err
	}
	if err := checkFrequency(plan, p.Frequency); err != nil {
		return nil, err
	}

	unlockTenant := m.tenantLocks.Lock(p.TenantID)
	if err := m.checkCount(ctx, plan, p.TenantID); err != nil {
		unlockTenant()
		return nil, err
	}

	now := m.now()
	sc := &models.Schedule{
		ID:        uuid.New(),
		TenantID:  p.TenantID,
		Frequency: p.Frequency,
		Interval:  interval,
		CreatedAt: now,
		UpdatedAt: now,
	}
	unlock := m.scheduleLocks.Lock(sc.ID)
	defer unlock()
	err = m.store.CreateSchedule(ctx, sc)
	unlockTenant()
	if err != nil {
		return nil, fmt.Errorf("creating schedule: %w", err)
	}

	if err := m.install(sc); err != nil {
		return nil, err
	}

	m.audit.Append(ctx, audit.Entry{
		TenantID: audit.TenantRef(sc.TenantID),
		ActorID:  p.ActorID,
		Action:   audit.ActionScheduleCreated,
		Resource: "schedule:" + sc.ID.String(),
		Details:  scheduleDetails(sc),
	})
	slog.Info("schedule created", "schedule_id", sc.ID, "tenant_id", sc.TenantID, "frequency", sc.Frequency)
	return sc, nil
}

// Update merges p into the stored schedule, re-validates it against the
// tenant's current plan and swaps the trigger.
func (m *Manager) Update(ctx context.Context, id uuid.UUID, p UpdateParams) (*models.Schedule, error) {
	unlock := m.scheduleLocks.Lock(id)
	defer unlock()

	sc, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.TenantID != uuid.Nil && sc.TenantID != p.TenantID {
		return nil, store.ErrNotFound
	}
	prev := *sc

	freq := sc.Frequency
	if p.Frequency != nil {
		freq = *p.Frequency
	}
	interval := p.Interval
	if interval == nil && freq == models.FrequencyCustom {
		interval = sc.Interval
	}
	interval, err = normalizeInterval(freq, interval)
	if err != nil {
		return nil, err
	}
	if _, err := TriggerSchedule(freq, interval); err != nil {
		return nil, err
	}

	plan, err := m.plans.Plan(ctx, sc.TenantID)
	if err != nil {
		return nil, err
	}
	if err := checkFrequency(plan, freq); err != nil {
		return nil, err
	}

	sc.Frequency = freq
	sc.Interval = interval
	sc.UpdatedAt = m.now()
	if err := m.store.UpdateSchedule(ctx, sc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			m.retire(id)
		}
		return nil, err
	}

	m.retire(id)
	if err := m.install(sc); err != nil {
		return nil, err
	}

	m.audit.Append(ctx, audit.Entry{
		TenantID: audit.TenantRef(sc.TenantID),
		ActorID:  p.ActorID,
		Action:   audit.ActionScheduleUpdated,
		Resource: "schedule:" + sc.ID.String(),
		Details: map[string]any{
			"from": scheduleDetails(&prev),
			"to":   scheduleDetails(sc),
		},
	})
	return sc, nil
}

// Delete removes a schedule and retires its trigger. Deleting a schedule
// that is already gone returns (nil, nil). A non-nil tenantID restricts the
// delete to that tenant's schedules.
func (m *Manager) Delete(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, actorID string) (*models.Schedule, error) {
	unlock := m.scheduleLocks.Lock(id)
	defer unlock()

	if tenantID != uuid.Nil {
		sc, err := m.store.GetSchedule(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			m.retire(id)
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		if sc.TenantID != tenantID {
			return nil, store.ErrNotFound
		}
	}

	sc, err := m.store.DeleteSchedule(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		m.retire(id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.retire(id)

	m.audit.Append(ctx, audit.Entry{
		TenantID: audit.TenantRef(sc.TenantID),
		ActorID:  actorID,
		Action:   audit.ActionScheduleDeleted,
		Resource: "schedule:" + sc.ID.String(),
		Details:  scheduleDetails(sc),
	})
	slog.Info("schedule deleted", "schedule_id", sc.ID, "tenant_id", sc.TenantID)
	return sc, nil
}

// List returns a tenant's schedules.
func (m *Manager) List(ctx context.Context, tenantID uuid.UUID) ([]*models.Schedule, error) {
	items, err := m.store.ListSchedules(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []*models.Schedule{}
	}
	return items, nil
}

// Get returns one schedule.
func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*models.Schedule, error) {
	return m.store.GetSchedule(ctx, id)
}

// Restore arms a trigger for every persisted schedule that lacks one and
// returns how many were installed.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	all, err := m.store.ListAllSchedules(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing schedules: %w", err)
	}

	installed := 0
	for _, sc := range all {
		unlock := m.scheduleLocks.Lock(sc.ID)
		if m.LiveTriggers(sc.ID) == 0 {
			if err := m.install(sc); err != nil {
				slog.Error("skipping schedule with invalid trigger", "schedule_id", sc.ID, "error", err)
			} else {
				installed++
			}
		}
		unlock()
	}
	slog.Info("schedules restored", "count", installed)
	return installed, nil
}

// LiveTriggers reports how many triggers are installed for a schedule (0 or 1).
func (m *Manager) LiveTriggers(id uuid.UUID) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.triggers[id]; ok {
		return 1
	}
	return 0
}

// Start runs the clock. Firings use ctx for their work.
func (m *Manager) Start(ctx context.Context) {
	m.runCtx.Store(&ctx)
	m.clock.Start()
}

// Stop halts the clock and waits for running firings, or for ctx to be done.
func (m *Manager) Stop(ctx context.Context) error {
	stopped := m.clock.Stop()
	select {
	case <-stopped.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// install arms a trigger for sc. Callers hold the schedule lock.
func (m *Manager) install(sc *models.Schedule) error {
	sched, err := TriggerSchedule(sc.Frequency, sc.Interval)
	if err != nil {
		return err
	}

	id := sc.ID
	gen := m.gen.Add(1)
	entry := m.clock.Schedule(sched, cron.FuncJob(func() { m.fire(id, gen) }))

	m.mu.Lock()
	m.triggers[id] = trigger{entry: entry, gen: gen}
	metrics.LiveTriggers.Set(float64(len(m.triggers)))
	m.mu.Unlock()
	return nil
}

// retire removes the trigger of id, if any. Callers hold the schedule lock.
func (m *Manager) retire(id uuid.UUID) {
	m.mu.Lock()
	t, ok := m.triggers[id]
	if ok {
		delete(m.triggers, id)
	}
	metrics.LiveTriggers.Set(float64(len(m.triggers)))
	m.mu.Unlock()

	if ok {
		m.clock.Remove(t.entry)
	}
}

func (m *Manager) current(id uuid.UUID, gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	return ok && t.gen == gen
}

// fire runs one trigger firing. Stale firings are dropped, and errors and
// panics are logged without affecting later firings.
func (m *Manager) fire(id uuid.UUID, gen uint64) {
	defer func() {
		if r := recover(); r != nil {
			metrics.TriggerFirings.WithLabelValues("panic").Inc()
			slog.Error("panic in schedule firing", "schedule_id", id, "error", r)
		}
	}()

	unlock := m.scheduleLocks.Lock(id)
	live := m.current(id, gen)
	unlock()
	if !live {
		metrics.TriggerFirings.WithLabelValues("stale").Inc()
		return
	}

	ctx := *m.runCtx.Load()
	_, err := m.runner.RunForAllDatasets(ctx, id)
	switch {
	case errors.Is(err, store.ErrNotFound):
		metrics.TriggerFirings.WithLabelValues("missing").Inc()
		slog.Warn("schedule fired after deletion, retiring trigger", "schedule_id", id)
		unlock := m.scheduleLocks.Lock(id)
		if m.current(id, gen) {
			m.retire(id)
		}
		unlock()
	case err != nil:
		metrics.TriggerFirings.WithLabelValues("error").Inc()
		slog.Error("scheduled run failed", "schedule_id", id, "error", err)
	default:
		metrics.TriggerFirings.WithLabelValues("ok").Inc()
	}
}

func (m *Manager) checkCount(ctx context.Context, plan plans.Plan, tenantID uuid.UUID) error {
	f, ok := plan.Feature(plans.FeatureScheduling)
	if !ok || f.Unlimited() {
		return nil
	}
	n, err := m.store.CountSchedules(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("counting schedules: %w", err)
	}
	if n >= *f.Limit {
		return fmt.Errorf("%w: %s plan allows %d schedules", plans.ErrPlanLimitExceeded, plan.ID, *f.Limit)
	}
	return nil
}

func checkFrequency(plan plans.Plan, freq models.Frequency) error {
	if !plan.Allows(freq) {
		return fmt.Errorf("%w: %s plan does not allow %s schedules", plans.ErrPlanLimitExceeded, plan.ID, freq)
	}
	return nil
}

// normalizeInterval enforces that an interval is given exactly when the
// frequency is custom.
func normalizeInterval(freq models.Frequency, interval *int) (*int, error) {
	if !freq.Valid() {
		return nil, fmt.Errorf("%w: unknown frequency %q", ErrInvalidArgument, freq)
	}
	if freq != models.FrequencyCustom {
		if interval != nil {
			return nil, fmt.Errorf("%w: interval is only valid for custom frequency", ErrInvalidArgument)
		}
		return nil, nil
	}
	if interval == nil {
		return nil, fmt.Errorf("%w: custom frequency requires interval", ErrInvalidArgument)
	}
	if *interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be a positive number of minutes", ErrInvalidArgument)
	}
	v := *interval
	return &v, nil
}

func scheduleDetails(sc *models.Schedule) map[string]any {
	d := map[string]any{"frequency": string(sc.Frequency)}
	if sc.Interval != nil {
		d["interval"] = *sc.Interval
	}
	return d
}
