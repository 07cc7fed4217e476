package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/internal/audit"
	"github.com/kiranshivaraju/tenantlytics/internal/jobs"
	"github.com/kiranshivaraju/tenantlytics/internal/plans"
	"github.com/kiranshivaraju/tenantlytics/internal/quota"
	"github.com/kiranshivaraju/tenantlytics/internal/schedule"
	"github.com/kiranshivaraju/tenantlytics/internal/store"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeEntry struct {
	schedule cron.Schedule
	job      cron.Job
}

type fakeClock struct {
	mu      sync.Mutex
	next    cron.EntryID
	entries map[cron.EntryID]fakeEntry
	started bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{entries: make(map[cron.EntryID]fakeEntry)}
}

func (c *fakeClock) Schedule(s cron.Schedule, job cron.Job) cron.EntryID {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	c.entries[c.next] = fakeEntry{schedule: s, job: job}
	return c.next
}

func (c *fakeClock) Remove(id cron.EntryID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

func (c *fakeClock) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = true
}

func (c *fakeClock) Stop() context.Context {
	c.mu.Lock()
	c.started = false
	c.mu.Unlock()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}

func (c *fakeClock) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *fakeClock) jobs() []cron.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]cron.Job, 0, len(c.entries))
	for _, e := range c.entries {
		out = append(out, e.job)
	}
	return out
}

// FireAll runs every installed job synchronously.
func (c *fakeClock) FireAll() {
	for _, j := range c.jobs() {
		j.Run()
	}
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []uuid.UUID
	fn    func(id uuid.UUID) (jobs.RunSummary, error)
}

func (r *fakeRunner) RunForAllDatasets(_ context.Context, id uuid.UUID) (jobs.RunSummary, error) {
	r.mu.Lock()
	r.calls = append(r.calls, id)
	fn := r.fn
	r.mu.Unlock()
	if fn != nil {
		return fn(id)
	}
	return jobs.RunSummary{ScheduleID: id}, nil
}

func (r *fakeRunner) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type fixture struct {
	store   *store.MemoryStore
	clock   *fakeClock
	runner  *fakeRunner
	trail   *audit.Trail
	manager *schedule.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	clock := newFakeClock()
	runner := &fakeRunner{}
	trail := audit.NewTrail(s, 0)
	enforcer := quota.NewEnforcer(s, plans.Default(), quota.DefaultCounters(s))
	return &fixture{
		store:   s,
		clock:   clock,
		runner:  runner,
		trail:   trail,
		manager: schedule.NewManager(s, enforcer, runner, trail, clock),
	}
}

func (f *fixture) tenant(t *testing.T, planID string) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.store.CreateOrganization(context.Background(), &models.Organization{
		ID: id, Name: "acme", PlanID: planID, Status: models.OrgStatusActive,
	}))
	return id
}

func (f *fixture) count(t *testing.T, action string) int {
	t.Helper()
	entries, err := f.trail.Query(context.Background(), audit.Filter{Action: action})
	require.NoError(t, err)
	return len(entries)
}

func intPtr(n int) *int { return &n }

func freqPtr(f models.Frequency) *models.Frequency { return &f }

// --- Create ---

func TestCreate_FreePlanRejectsDaily(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "free")

	_, err := f.manager.Create(context.Background(), schedule.CreateParams{
		TenantID: tenant, ActorID: "alice", Frequency: models.FrequencyDaily,
	})
	assert.ErrorIs(t, err, plans.ErrPlanLimitExceeded)

	list, err := f.manager.List(context.Background(), tenant)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, 0, f.clock.Len())
	assert.Equal(t, 0, f.count(t, audit.ActionScheduleCreated))
}

func TestCreate_InstallsTriggerAndAudits(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "free")

	sc, err := f.manager.Create(context.Background(), schedule.CreateParams{
		TenantID: tenant, ActorID: "alice", Frequency: models.FrequencyWeekly,
	})
	require.NoError(t, err)
	assert.Equal(t, models.FrequencyWeekly, sc.Frequency)
	assert.Nil(t, sc.Interval)
	assert.Equal(t, 1, f.manager.LiveTriggers(sc.ID))
	assert.Equal(t, 1, f.clock.Len())
	assert.Equal(t, 1, f.count(t, audit.ActionScheduleCreated))
}

func TestCreate_UnknownPlanUsesMostRestrictive(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "legacy-gold")

	_, err := f.manager.Create(context.Background(), schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyDaily})
	assert.ErrorIs(t, err, plans.ErrPlanLimitExceeded)

	_, err = f.manager.Create(context.Background(), schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyWeekly})
	assert.NoError(t, err)
}

func TestCreate_UnknownTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.manager.Create(context.Background(), schedule.CreateParams{TenantID: uuid.New(), Frequency: models.FrequencyWeekly})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCreate_ScheduleCountLimit(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "free")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyWeekly})
		require.NoError(t, err)
	}
	_, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyWeekly})
	assert.ErrorIs(t, err, plans.ErrPlanLimitExceeded)
	assert.Equal(t, 2, f.clock.Len())
}

func TestCreate_IntervalRules(t *testing.T) {
	tests := []struct {
		name     string
		freq     models.Frequency
		interval *int
	}{
		{"custom without interval", models.FrequencyCustom, nil},
		{"custom zero interval", models.FrequencyCustom, intPtr(0)},
		{"custom negative interval", models.FrequencyCustom, intPtr(-5)},
		{"weekly with interval", models.FrequencyWeekly, intPtr(30)},
		{"unknown frequency", models.Frequency("fortnightly"), nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			tenant := f.tenant(t, "enterprise")

			_, err := f.manager.Create(context.Background(), schedule.CreateParams{
				TenantID: tenant, Frequency: tt.freq, Interval: tt.interval,
			})
			assert.ErrorIs(t, err, schedule.ErrInvalidArgument)
			assert.Equal(t, 0, f.clock.Len())
		})
	}
}

func TestCreate_Custom(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "enterprise")

	sc, err := f.manager.Create(context.Background(), schedule.CreateParams{
		TenantID: tenant, Frequency: models.FrequencyCustom, Interval: intPtr(15),
	})
	require.NoError(t, err)
	require.NotNil(t, sc.Interval)
	assert.Equal(t, 15, *sc.Interval)
}

// --- Update ---

func TestUpdate_ExactlyOneTrigger(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "pro")
	ctx := context.Background()

	sc, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyDaily})
	require.NoError(t, err)

	got, err := f.manager.Update(ctx, sc.ID, schedule.UpdateParams{
		TenantID: tenant, ActorID: "bob", Frequency: freqPtr(models.FrequencyWeekly),
	})
	require.NoError(t, err)
	assert.Equal(t, models.FrequencyWeekly, got.Frequency)
	assert.Equal(t, 1, f.manager.LiveTriggers(sc.ID))
	assert.Equal(t, 1, f.clock.Len())
	assert.Equal(t, 1, f.count(t, audit.ActionScheduleUpdated))

	f.clock.FireAll()
	assert.Equal(t, 1, f.runner.Calls())
}

func TestUpdate_RevalidatesAgainstPlan(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "pro")
	ctx := context.Background()

	sc, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyWeekly})
	require.NoError(t, err)

	_, err = f.manager.Update(ctx, sc.ID, schedule.UpdateParams{TenantID: tenant, Frequency: freqPtr(models.FrequencyHourly)})
	assert.ErrorIs(t, err, plans.ErrPlanLimitExceeded)

	stored, err := f.manager.Get(ctx, sc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.FrequencyWeekly, stored.Frequency)
	assert.Equal(t, 1, f.clock.Len())
}

func TestUpdate_LeavingCustomClearsInterval(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "enterprise")
	ctx := context.Background()

	sc, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyCustom, Interval: intPtr(10)})
	require.NoError(t, err)

	got, err := f.manager.Update(ctx, sc.ID, schedule.UpdateParams{TenantID: tenant, Frequency: freqPtr(models.FrequencyMonthly)})
	require.NoError(t, err)
	assert.Nil(t, got.Interval)

	_, err = f.manager.Update(ctx, sc.ID, schedule.UpdateParams{TenantID: tenant, Frequency: freqPtr(models.FrequencyCustom)})
	assert.ErrorIs(t, err, schedule.ErrInvalidArgument)

	got, err = f.manager.Update(ctx, sc.ID, schedule.UpdateParams{TenantID: tenant, Frequency: freqPtr(models.FrequencyCustom), Interval: intPtr(45)})
	require.NoError(t, err)
	assert.Equal(t, 45, *got.Interval)

	got, err = f.manager.Update(ctx, sc.ID, schedule.UpdateParams{TenantID: tenant, Interval: intPtr(90)})
	require.NoError(t, err)
	assert.Equal(t, models.FrequencyCustom, got.Frequency)
	assert.Equal(t, 90, *got.Interval)
}

func TestUpdate_OtherTenantIsNotFound(t *testing.T) {
	f := newFixture(t)
	owner := f.tenant(t, "pro")
	other := f.tenant(t, "pro")
	ctx := context.Background()

	sc, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: owner, Frequency: models.FrequencyWeekly})
	require.NoError(t, err)

	_, err = f.manager.Update(ctx, sc.ID, schedule.UpdateParams{TenantID: other, Frequency: freqPtr(models.FrequencyDaily)})
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = f.manager.Update(ctx, uuid.New(), schedule.UpdateParams{TenantID: owner})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

// --- Delete ---

func TestDelete_Twice(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "free")
	ctx := context.Background()

	sc, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyWeekly})
	require.NoError(t, err)

	deleted, err := f.manager.Delete(ctx, sc.ID, tenant, "alice")
	require.NoError(t, err)
	require.NotNil(t, deleted)
	assert.Equal(t, sc.ID, deleted.ID)
	assert.Equal(t, 0, f.manager.LiveTriggers(sc.ID))
	assert.Equal(t, 0, f.clock.Len())

	again, err := f.manager.Delete(ctx, sc.ID, tenant, "alice")
	assert.NoError(t, err)
	assert.Nil(t, again)
	assert.Equal(t, 1, f.count(t, audit.ActionScheduleDeleted))

	f.clock.FireAll()
	assert.Equal(t, 0, f.runner.Calls())
}

func TestDelete_OtherTenantKeepsSchedule(t *testing.T) {
	f := newFixture(t)
	owner := f.tenant(t, "free")
	ctx := context.Background()

	sc, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: owner, Frequency: models.FrequencyWeekly})
	require.NoError(t, err)

	_, err = f.manager.Delete(ctx, sc.ID, uuid.New(), "mallory")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, 1, f.manager.LiveTriggers(sc.ID))
}

// --- Firing ---

func TestFire_StaleGenerationDropped(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "pro")
	ctx := context.Background()

	sc, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyDaily})
	require.NoError(t, err)
	stale := f.clock.jobs()
	require.Len(t, stale, 1)

	_, err = f.manager.Update(ctx, sc.ID, schedule.UpdateParams{TenantID: tenant, Frequency: freqPtr(models.FrequencyWeekly)})
	require.NoError(t, err)

	stale[0].Run()
	assert.Equal(t, 0, f.runner.Calls())

	f.clock.FireAll()
	assert.Equal(t, 1, f.runner.Calls())
}

func TestFire_MissingScheduleRetiresTrigger(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "free")
	ctx := context.Background()

	sc, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyWeekly})
	require.NoError(t, err)
	f.runner.fn = func(uuid.UUID) (jobs.RunSummary, error) { return jobs.RunSummary{}, store.ErrNotFound }

	_, err = f.store.DeleteSchedule(ctx, sc.ID)
	require.NoError(t, err)

	f.clock.FireAll()
	assert.Equal(t, 1, f.runner.Calls())
	assert.Equal(t, 0, f.manager.LiveTriggers(sc.ID))
	assert.Equal(t, 0, f.clock.Len())
}

func TestFire_PanicDoesNotStopFutureFirings(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "free")
	ctx := context.Background()

	sc, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyWeekly})
	require.NoError(t, err)

	f.runner.fn = func(uuid.UUID) (jobs.RunSummary, error) { panic("boom") }
	assert.NotPanics(t, f.clock.FireAll)

	f.runner.fn = nil
	f.clock.FireAll()
	assert.Equal(t, 2, f.runner.Calls())
	assert.Equal(t, 1, f.manager.LiveTriggers(sc.ID))
}

// --- Restore / lifecycle ---

func TestRestore(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "enterprise")
	ctx := context.Background()
	now := time.Now().UTC()

	for _, freq := range []models.Frequency{models.FrequencyHourly, models.FrequencyMonthly} {
		require.NoError(t, f.store.CreateSchedule(ctx, &models.Schedule{
			ID: uuid.New(), TenantID: tenant, Frequency: freq, CreatedAt: now, UpdatedAt: now,
		}))
	}
	require.NoError(t, f.store.CreateSchedule(ctx, &models.Schedule{
		ID: uuid.New(), TenantID: tenant, Frequency: models.FrequencyCustom, CreatedAt: now, UpdatedAt: now,
	}))

	n, err := f.manager.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, f.clock.Len())

	n, err = f.manager.Restore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 2, f.clock.Len())
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	f.manager.Start(context.Background())
	assert.True(t, f.clock.started)
	require.NoError(t, f.manager.Stop(context.Background()))
	assert.False(t, f.clock.started)
}

func TestConcurrentUpdatesLeaveOneTrigger(t *testing.T) {
	f := newFixture(t)
	tenant := f.tenant(t, "enterprise")
	ctx := context.Background()

	sc, err := f.manager.Create(ctx, schedule.CreateParams{TenantID: tenant, Frequency: models.FrequencyDaily})
	require.NoError(t, err)

	freqs := []models.Frequency{models.FrequencyHourly, models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.manager.Update(ctx, sc.ID, schedule.UpdateParams{TenantID: tenant, Frequency: freqPtr(freqs[i%len(freqs)])})
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, f.clock.Len())
	assert.Equal(t, 1, f.manager.LiveTriggers(sc.ID))
}
