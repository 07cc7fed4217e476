package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

// MemoryStore is an in-process Store used by tests and local development.
// Records are copied on the way in and out so callers cannot mutate stored state.
type MemoryStore struct {
	mu            sync.RWMutex
	orgs          map[uuid.UUID]models.Organization
	keys          map[uuid.UUID]models.APIKey
	datasets      map[uuid.UUID]models.Dataset
	schedules     map[uuid.UUID]models.Schedule
	analyses      map[uuid.UUID]models.Analysis
	audit         []models.AuditLogEntry
	notifications map[uuid.UUID]models.Notification

	now func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:          make(map[uuid.UUID]models.Organization),
		keys:          make(map[uuid.UUID]models.APIKey),
		datasets:      make(map[uuid.UUID]models.Dataset),
		schedules:     make(map[uuid.UUID]models.Schedule),
		analyses:      make(map[uuid.UUID]models.Analysis),
		notifications: make(map[uuid.UUID]models.Notification),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) Ping(_ context.Context) error { return nil }

func (m *MemoryStore) CreateOrganization(_ context.Context, org *models.Organization) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orgs[org.ID]; ok {
		return ErrDuplicateKey
	}
	m.orgs[org.ID] = *org
	return nil
}

func (m *MemoryStore) GetOrganization(_ context.Context, id uuid.UUID) (*models.Organization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orgs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (m *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range m.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			k := k
			out = append(out, &k)
		}
	}
	return out, nil
}

func (m *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	now := m.now()
	k.LastUsedAt = &now
	k.UpdatedAt = now
	m.keys[id] = k
	return nil
}

func (m *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range m.keys {
		if k.KeyPrefix == key.KeyPrefix && k.DeletedAt == nil {
			return ErrDuplicateKey
		}
	}
	m.keys[key.ID] = *key
	return nil
}

func (m *MemoryStore) CreateDataset(_ context.Context, ds *models.Dataset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.datasets[ds.ID] = *ds
	return nil
}

func (m *MemoryStore) GetDataset(_ context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.datasets[id]
	if !ok || d.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryStore) ListDatasets(_ context.Context, tenantID uuid.UUID) ([]*models.Dataset, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Dataset
	for _, d := range m.datasets {
		if d.TenantID == tenantID {
			d := d
			out = append(out, &d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func copySchedule(s models.Schedule) *models.Schedule {
	if s.Interval != nil {
		v := *s.Interval
		s.Interval = &v
	}
	if s.LastRunAt != nil {
		v := *s.LastRunAt
		s.LastRunAt = &v
	}
	return &s
}

func (m *MemoryStore) CreateSchedule(_ context.Context, s *models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.schedules[s.ID]; ok {
		return ErrDuplicateKey
	}
	m.schedules[s.ID] = *copySchedule(*s)
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id uuid.UUID) (*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySchedule(s), nil
}

func (m *MemoryStore) UpdateSchedule(_ context.Context, s *models.Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.schedules[s.ID]
	if !ok {
		return ErrNotFound
	}
	cur.Frequency = s.Frequency
	cur.Interval = s.Interval
	cur.UpdatedAt = s.UpdatedAt
	m.schedules[s.ID] = *copySchedule(cur)
	return nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id uuid.UUID) (*models.Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, ErrNotFound
	}
	delete(m.schedules, id)
	for aid, a := range m.analyses {
		if a.ScheduleID != nil && *a.ScheduleID == id {
			a.ScheduleID = nil
			m.analyses[aid] = a
		}
	}
	return copySchedule(s), nil
}

func (m *MemoryStore) sortedSchedules(match func(models.Schedule) bool) []*models.Schedule {
	var out []*models.Schedule
	for _, s := range m.schedules {
		if match(s) {
			out = append(out, copySchedule(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) ListSchedules(_ context.Context, tenantID uuid.UUID) ([]*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedSchedules(func(s models.Schedule) bool { return s.TenantID == tenantID }), nil
}

func (m *MemoryStore) ListAllSchedules(_ context.Context) ([]*models.Schedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sortedSchedules(func(models.Schedule) bool { return true }), nil
}

func (m *MemoryStore) CountSchedules(_ context.Context, tenantID uuid.UUID) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, s := range m.schedules {
		if s.TenantID == tenantID {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) TouchScheduleRun(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return ErrNotFound
	}
	s.LastRunAt = &at
	m.schedules[id] = s
	return nil
}

func (m *MemoryStore) CreateAnalysis(_ context.Context, a *models.Analysis) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.analyses[a.ID]; ok {
		return ErrDuplicateKey
	}
	m.analyses[a.ID] = *a
	return nil
}

func (m *MemoryStore) GetAnalysis(_ context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Analysis, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.analyses[id]
	if !ok || a.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return &a, nil
}

func (m *MemoryStore) finish(id uuid.UUID, to string, results json.RawMessage, msg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.analyses[id]
	if !ok {
		return ErrNotFound
	}
	if !models.CanTransition(a.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	now := m.now()
	a.Status = to
	a.Results = results
	a.ErrorMessage = msg
	a.CompletedAt = &now
	m.analyses[id] = a
	return nil
}

func (m *MemoryStore) CompleteAnalysis(_ context.Context, id uuid.UUID, results json.RawMessage) error {
	return m.finish(id, models.AnalysisStatusCompleted, results, nil)
}

func (m *MemoryStore) FailAnalysis(_ context.Context, id uuid.UUID, message string) error {
	return m.finish(id, models.AnalysisStatusFailed, nil, &message)
}

func (m *MemoryStore) FailPendingAnalyses(_ context.Context, createdBefore time.Time, message string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for id, a := range m.analyses {
		if a.Status != models.AnalysisStatusPending || !a.CreatedAt.Before(createdBefore) {
			continue
		}
		msg := message
		a.Status = models.AnalysisStatusFailed
		a.ErrorMessage = &msg
		a.CompletedAt = &now
		m.analyses[id] = a
		n++
	}
	return n, nil
}

func (m *MemoryStore) CountAnalyses(_ context.Context, filter AnalysisCountFilter) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, a := range m.analyses {
		if a.TenantID != filter.TenantID || a.CreatedAt.Before(filter.Since) {
			continue
		}
		if len(filter.Statuses) > 0 && !slices.Contains(filter.Statuses, a.Status) {
			continue
		}
		n++
	}
	return n, nil
}

func (m *MemoryStore) CreateAuditEntry(_ context.Context, e *models.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, *e)
	return nil
}

func (m *MemoryStore) QueryAuditEntries(_ context.Context, filter AuditFilter) ([]*models.AuditLogEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.AuditLogEntry
	for i := len(m.audit) - 1; i >= 0; i-- {
		e := m.audit[i]
		if filter.TenantID != nil && (e.TenantID == nil || *e.TenantID != *filter.TenantID) {
			continue
		}
		if filter.ActorID != "" && e.ActorID != filter.ActorID {
			continue
		}
		if filter.Action != "" && e.Action != filter.Action {
			continue
		}
		if !filter.From.IsZero() && e.CreatedAt.Before(filter.From) {
			continue
		}
		if !filter.To.IsZero() && e.CreatedAt.After(filter.To) {
			continue
		}
		out = append(out, &e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := normalizeLimit(filter.Limit, maxAuditPage, maxAuditPage); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) CountAuditEntries(_ context.Context, tenantID uuid.UUID, action string, since time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.audit {
		if e.TenantID != nil && *e.TenantID == tenantID && e.Action == action && !e.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) CreateNotification(_ context.Context, n *models.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifications[n.ID] = *n
	return nil
}

func visibleTo(n models.Notification, userID *string) bool {
	return userID == nil || n.UserID == nil || *n.UserID == *userID
}

func (m *MemoryStore) ListNotifications(_ context.Context, filter NotificationFilter) ([]*models.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Notification
	for _, n := range m.notifications {
		if n.TenantID != filter.TenantID || !visibleTo(n, filter.UserID) {
			continue
		}
		if filter.UnreadOnly && n.Read {
			continue
		}
		n := n
		out = append(out, &n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit := normalizeLimit(filter.Limit, defaultNotificationLimit, 200); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) MarkNotificationRead(_ context.Context, id uuid.UUID, tenantID uuid.UUID, userID *string) (*models.Notification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notifications[id]
	if !ok || n.TenantID != tenantID || !visibleTo(n, userID) {
		return nil, ErrNotFound
	}
	if !n.Read {
		now := m.now()
		n.Read = true
		n.ReadAt = &now
		m.notifications[id] = n
	}
	return &n, nil
}
