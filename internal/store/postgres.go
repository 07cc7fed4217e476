package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/tenantlytics/pkg/models"
)

const maxAuditPage = 1000

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Organizations ---

func (s *PostgresStore) CreateOrganization(ctx context.Context, org *models.Organization) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO organizations (id, name, plan_id, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		org.ID, org.Name, org.PlanID, org.Status, org.CreatedAt, org.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create organization: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOrganization(ctx context.Context, id uuid.UUID) (*models.Organization, error) {
	var o models.Organization
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, plan_id, status, created_at, updated_at FROM organizations WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.PlanID, &o.Status, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get organization: %w", err)
	}
	return &o, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.TenantID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, tenant_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.TenantID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

// --- Datasets ---

func (s *PostgresStore) CreateDataset(ctx context.Context, ds *models.Dataset) error {
	data := ds.Data
	if len(data) == 0 {
		data = json.RawMessage(`{}`)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO datasets (id, tenant_id, name, industry, data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		ds.ID, ds.TenantID, ds.Name, ds.Industry, data, ds.CreatedAt)
	if err != nil {
		return fmt.Errorf("create dataset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDataset(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Dataset, error) {
	var d models.Dataset
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, name, industry, data, created_at
		 FROM datasets WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&d.ID, &d.TenantID, &d.Name, &d.Industry, &data, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get dataset: %w", err)
	}
	d.Data = data
	return &d, nil
}

func (s *PostgresStore) ListDatasets(ctx context.Context, tenantID uuid.UUID) ([]*models.Dataset, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, tenant_id, name, industry, data, created_at
		 FROM datasets WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list datasets: %w", err)
	}
	defer rows.Close()

	var out []*models.Dataset
	for rows.Next() {
		var d models.Dataset
		var data []byte
		if err := rows.Scan(&d.ID, &d.TenantID, &d.Name, &d.Industry, &data, &d.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan dataset: %w", err)
		}
		d.Data = data
		out = append(out, &d)
	}
	return out, rows.Err()
}

// --- Schedules ---

const scheduleColumns = `id, tenant_id, frequency, interval_minutes, last_run_at, created_at, updated_at`

func scanSchedule(row pgx.Row) (*models.Schedule, error) {
	var sc models.Schedule
	var freq string
	if err := row.Scan(&sc.ID, &sc.TenantID, &freq, &sc.Interval, &sc.LastRunAt,
		&sc.CreatedAt, &sc.UpdatedAt); err != nil {
		return nil, err
	}
	sc.Frequency = models.Frequency(freq)
	return &sc, nil
}

func (s *PostgresStore) CreateSchedule(ctx context.Context, sc *models.Schedule) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analytics_schedules (`+scheduleColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sc.ID, sc.TenantID, string(sc.Frequency), sc.Interval, sc.LastRunAt, sc.CreatedAt, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create schedule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error) {
	sc, err := scanSchedule(s.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM analytics_schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

func (s *PostgresStore) UpdateSchedule(ctx context.Context, sc *models.Schedule) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analytics_schedules SET frequency = $2, interval_minutes = $3, updated_at = $4 WHERE id = $1`,
		sc.ID, string(sc.Frequency), sc.Interval, sc.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DeleteSchedule(ctx context.Context, id uuid.UUID) (*models.Schedule, error) {
	sc, err := scanSchedule(s.pool.QueryRow(ctx,
		`DELETE FROM analytics_schedules WHERE id = $1 RETURNING `+scheduleColumns, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("delete schedule: %w", err)
	}
	return sc, nil
}

func (s *PostgresStore) listSchedules(ctx context.Context, query string, args ...any) ([]*models.Schedule, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*models.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSchedules(ctx context.Context, tenantID uuid.UUID) ([]*models.Schedule, error) {
	return s.listSchedules(ctx,
		`SELECT `+scheduleColumns+` FROM analytics_schedules WHERE tenant_id = $1 ORDER BY created_at`, tenantID)
}

func (s *PostgresStore) ListAllSchedules(ctx context.Context) ([]*models.Schedule, error) {
	return s.listSchedules(ctx,
		`SELECT `+scheduleColumns+` FROM analytics_schedules ORDER BY created_at`)
}

func (s *PostgresStore) CountSchedules(ctx context.Context, tenantID uuid.UUID) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM analytics_schedules WHERE tenant_id = $1`, tenantID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count schedules: %w", err)
	}
	return n, nil
}

func (s *PostgresStore) TouchScheduleRun(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analytics_schedules SET last_run_at = $2 WHERE id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch schedule run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Analyses ---

func (s *PostgresStore) CreateAnalysis(ctx context.Context, a *models.Analysis) error {
	params := a.Parameters
	if params == nil {
		params = map[string]any{}
	}
	var results any
	if len(a.Results) > 0 {
		results = a.Results
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO analyses (id, tenant_id, dataset_id, schedule_id, type, parameters, status, results,
		                       error_message, cache_hit, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		a.ID, a.TenantID, a.DatasetID, a.ScheduleID, a.Type, params, a.Status, results,
		a.ErrorMessage, a.CacheHit, a.CreatedAt, a.CompletedAt)
	if err != nil {
		return fmt.Errorf("create analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetAnalysis(ctx context.Context, id uuid.UUID, tenantID uuid.UUID) (*models.Analysis, error) {
	var a models.Analysis
	var results []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, tenant_id, dataset_id, schedule_id, type, parameters, status, results,
		        error_message, cache_hit, created_at, completed_at
		 FROM analyses WHERE id = $1 AND tenant_id = $2`, id, tenantID,
	).Scan(&a.ID, &a.TenantID, &a.DatasetID, &a.ScheduleID, &a.Type, &a.Parameters, &a.Status,
		&results, &a.ErrorMessage, &a.CacheHit, &a.CreatedAt, &a.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get analysis: %w", err)
	}
	if len(results) > 0 {
		a.Results = results
	}
	return &a, nil
}

// finishAnalysis moves a PENDING analysis to a terminal status. The WHERE
// clause is the guard: rows already terminal are left untouched.
func (s *PostgresStore) finishAnalysis(ctx context.Context, id uuid.UUID, status string, results json.RawMessage, msg *string) error {
	var resultsArg any
	if len(results) > 0 {
		resultsArg = results
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET status = $2, results = $3, error_message = $4, completed_at = $5
		 WHERE id = $1 AND status = $6`,
		id, status, resultsArg, msg, time.Now().UTC(), models.AnalysisStatusPending)
	if err != nil {
		return fmt.Errorf("update analysis status: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx, `SELECT status FROM analyses WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get analysis status: %w", err)
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
}

func (s *PostgresStore) CompleteAnalysis(ctx context.Context, id uuid.UUID, results json.RawMessage) error {
	return s.finishAnalysis(ctx, id, models.AnalysisStatusCompleted, results, nil)
}

func (s *PostgresStore) FailAnalysis(ctx context.Context, id uuid.UUID, message string) error {
	return s.finishAnalysis(ctx, id, models.AnalysisStatusFailed, nil, &message)
}

// FailPendingAnalyses marks every PENDING analysis created before the cutoff
// as FAILED and returns how many were changed.
func (s *PostgresStore) FailPendingAnalyses(ctx context.Context, createdBefore time.Time, message string) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE analyses SET status = $1, error_message = $2, completed_at = $3
		 WHERE status = $4 AND created_at < $5`,
		models.AnalysisStatusFailed, message, time.Now().UTC(), models.AnalysisStatusPending, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("fail pending analyses: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) CountAnalyses(ctx context.Context, filter AnalysisCountFilter) (int, error) {
	conditions := []string{"tenant_id = $1", "created_at >= $2"}
	args := []any{filter.TenantID, filter.Since}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, "status = ANY($3)")
		args = append(args, filter.Statuses)
	}

	var n int
	query := "SELECT COUNT(*) FROM analyses WHERE " + strings.Join(conditions, " AND ")
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count analyses: %w", err)
	}
	return n, nil
}

// --- Audit Log ---

func (s *PostgresStore) CreateAuditEntry(ctx context.Context, e *models.AuditLogEntry) error {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO audit_logs (id, tenant_id, actor_id, action, resource, details, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TenantID, e.ActorID, e.Action, e.Resource, details, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("create audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) QueryAuditEntries(ctx context.Context, filter AuditFilter) ([]*models.AuditLogEntry, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if filter.TenantID != nil {
		conditions = append(conditions, fmt.Sprintf("tenant_id = $%d", argIdx))
		args = append(args, *filter.TenantID)
		argIdx++
	}
	if filter.ActorID != "" {
		conditions = append(conditions, fmt.Sprintf("actor_id = $%d", argIdx))
		args = append(args, filter.ActorID)
		argIdx++
	}
	if filter.Action != "" {
		conditions = append(conditions, fmt.Sprintf("action = $%d", argIdx))
		args = append(args, filter.Action)
		argIdx++
	}
	if !filter.From.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.From)
		argIdx++
	}
	if !filter.To.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at <= $%d", argIdx))
		args = append(args, filter.To)
		argIdx++
	}

	query := `SELECT id, tenant_id, actor_id, action, resource, details, created_at FROM audit_logs`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", argIdx)
	args = append(args, normalizeLimit(filter.Limit, maxAuditPage, maxAuditPage))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []*models.AuditLogEntry
	for rows.Next() {
		var e models.AuditLogEntry
		if err := rows.Scan(&e.ID, &e.TenantID, &e.ActorID, &e.Action, &e.Resource,
			&e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CountAuditEntries(ctx context.Context, tenantID uuid.UUID, action string, since time.Time) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM audit_logs WHERE tenant_id = $1 AND action = $2 AND created_at >= $3`,
		tenantID, action, since).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit entries: %w", err)
	}
	return n, nil
}

// --- Notifications ---

const notificationColumns = `id, tenant_id, user_id, type, title, message, analysis_id, dataset_id,
	schedule_id, read, created_at, read_at`

func scanNotification(row pgx.Row) (*models.Notification, error) {
	var n models.Notification
	if err := row.Scan(&n.ID, &n.TenantID, &n.UserID, &n.Type, &n.Title, &n.Message,
		&n.AnalysisID, &n.DatasetID, &n.ScheduleID, &n.Read, &n.CreatedAt, &n.ReadAt); err != nil {
		return nil, err
	}
	return &n, nil
}

func (s *PostgresStore) CreateNotification(ctx context.Context, n *models.Notification) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO notifications (`+notificationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		n.ID, n.TenantID, n.UserID, n.Type, n.Title, n.Message, n.AnalysisID, n.DatasetID,
		n.ScheduleID, n.Read, n.CreatedAt, n.ReadAt)
	if err != nil {
		return fmt.Errorf("create notification: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*models.Notification, error) {
	conditions := []string{"tenant_id = $1"}
	args := []any{filter.TenantID}
	argIdx := 2

	if filter.UserID != nil {
		conditions = append(conditions, fmt.Sprintf("(user_id IS NULL OR user_id = $%d)", argIdx))
		args = append(args, *filter.UserID)
		argIdx++
	}
	if filter.UnreadOnly {
		conditions = append(conditions, "read = FALSE")
	}

	query := fmt.Sprintf(`SELECT %s FROM notifications WHERE %s ORDER BY created_at DESC LIMIT $%d`,
		notificationColumns, strings.Join(conditions, " AND "), argIdx)
	args = append(args, normalizeLimit(filter.Limit, defaultNotificationLimit, 200))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list notifications: %w", err)
	}
	defer rows.Close()

	var out []*models.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkNotificationRead(ctx context.Context, id uuid.UUID, tenantID uuid.UUID, userID *string) (*models.Notification, error) {
	query := `UPDATE notifications SET read = TRUE, read_at = COALESCE(read_at, NOW())
		 WHERE id = $1 AND tenant_id = $2`
	args := []any{id, tenantID}
	if userID != nil {
		query += ` AND (user_id IS NULL OR user_id = $3)`
		args = append(args, *userID)
	}
	query += ` RETURNING ` + notificationColumns

	n, err := scanNotification(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("mark notification read: %w", err)
	}
	return n, nil
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
