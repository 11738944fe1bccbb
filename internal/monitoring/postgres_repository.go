package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
// External ids are stored as a JSONB object keyed by system.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL monitoring repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// conditions accumulates SQL predicates and their positional arguments.
type conditions struct {
	clauses []string
	args    []interface{}
}

func (c *conditions) add(clause string, arg interface{}) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, fmt.Sprintf(clause, len(c.args)))
}

func (c *conditions) addRaw(clause string) {
	c.clauses = append(c.clauses, clause)
}

func (c *conditions) where() string {
	if len(c.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.clauses, " AND ")
}

func marshalExternalIDs(ids ExternalIDs) ([]byte, error) {
	return json.Marshal(ids.Clone())
}

func unmarshalExternalIDs(data []byte) (ExternalIDs, error) {
	ids := ExternalIDs{}
	if len(data) == 0 {
		return ids, nil
	}
	if err := json.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decoding external ids: %w", err)
	}
	return ids, nil
}

// versionedExec runs an insert (expectedVersion 0) or a version-guarded update.
func (r *PostgresRepository) versionedExec(ctx context.Context, insert, update string, expectedVersion int64, args ...interface{}) error {
	var (
		tag pgconn.CommandTag
		err error
	)
	if expectedVersion == 0 {
		tag, err = r.pool.Exec(ctx, insert, args...)
	} else {
		tag, err = r.pool.Exec(ctx, update, append(args, expectedVersion)...)
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrVersionConflict
	}
	return nil
}

const monitorColumns = `
	id, tenant_id, name, url, interval_seconds, timeout_seconds, external_ids,
	status, last_check_at, response_time_ms, pending_deletion, version,
	created_at, updated_at`

func scanMonitor(row pgx.Row) (*Monitor, error) {
	var (
		m      Monitor
		extIDs []byte
	)
	err := row.Scan(
		&m.ID, &m.TenantID, &m.Name, &m.URL, &m.IntervalSeconds, &m.TimeoutSeconds, &extIDs,
		&m.Status, &m.LastCheckAt, &m.ResponseTimeMs, &m.PendingDeletion, &m.Version,
		&m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if m.ExternalIDs, err = unmarshalExternalIDs(extIDs); err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMonitor retrieves a monitor by id.
func (r *PostgresRepository) GetMonitor(ctx context.Context, id string) (*Monitor, error) {
	query := `SELECT` + monitorColumns + ` FROM monitors WHERE id = $1`
	return scanMonitor(r.pool.QueryRow(ctx, query, id))
}

// FindMonitorByExternalID retrieves a monitor by the id an external system owns.
func (r *PostgresRepository) FindMonitorByExternalID(ctx context.Context, system System, externalID string) (*Monitor, error) {
	query := `SELECT` + monitorColumns + ` FROM monitors WHERE external_ids ->> $1 = $2`
	return scanMonitor(r.pool.QueryRow(ctx, query, string(system), externalID))
}

// ListMonitors returns monitors matching the filter, ordered by id.
func (r *PostgresRepository) ListMonitors(ctx context.Context, filter MonitorFilter) ([]*Monitor, error) {
	var c conditions
	if filter.TenantID != "" {
		c.add("tenant_id = $%d", filter.TenantID)
	}
	if filter.Linked {
		c.addRaw("external_ids <> '{}'::jsonb")
	}

	rows, err := r.pool.Query(ctx, `SELECT`+monitorColumns+` FROM monitors`+c.where()+` ORDER BY id`, c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Monitor
	for rows.Next() {
		m, err := scanMonitor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// SaveMonitor creates or updates a monitor with optimistic concurrency.
func (r *PostgresRepository) SaveMonitor(ctx context.Context, m *Monitor, expectedVersion int64) error {
	extIDs, err := marshalExternalIDs(m.ExternalIDs)
	if err != nil {
		return err
	}

	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}

	insert := `
		INSERT INTO monitors (` + monitorColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO NOTHING
	`
	update := `
		UPDATE monitors SET
			tenant_id = $2, name = $3, url = $4, interval_seconds = $5, timeout_seconds = $6,
			external_ids = $7, status = $8, last_check_at = $9, response_time_ms = $10,
			pending_deletion = $11, version = $12, created_at = $13, updated_at = $14
		WHERE id = $1 AND version = $15
	`

	err = r.versionedExec(ctx, insert, update, expectedVersion,
		m.ID, m.TenantID, m.Name, m.URL, m.IntervalSeconds, m.TimeoutSeconds,
		extIDs, m.Status, m.LastCheckAt, m.ResponseTimeMs, m.PendingDeletion,
		expectedVersion+1, m.CreatedAt, now,
	)
	if err != nil {
		return err
	}
	m.Version = expectedVersion + 1
	m.UpdatedAt = now
	return nil
}

// DeleteMonitor hard-deletes a monitor that has no external registrations.
func (r *PostgresRepository) DeleteMonitor(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM monitors WHERE id = $1 AND external_ids = '{}'::jsonb`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := r.GetMonitor(ctx, id); getErr != nil {
			return getErr
		}
		return ErrExternallyRegistered
	}
	return nil
}

const alertColumns = `
	id, tenant_id, monitor_id, schedule_id, external_ids, title, message, severity, status,
	acknowledged_at, acknowledged_by, resolved_at, resolved_by, version,
	created_at, updated_at`

func scanAlert(row pgx.Row) (*Alert, error) {
	var (
		a      Alert
		extIDs []byte
	)
	err := row.Scan(
		&a.ID, &a.TenantID, &a.MonitorID, &a.ScheduleID, &extIDs, &a.Title, &a.Message, &a.Severity, &a.Status,
		&a.AcknowledgedAt, &a.AcknowledgedBy, &a.ResolvedAt, &a.ResolvedBy, &a.Version,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if a.ExternalIDs, err = unmarshalExternalIDs(extIDs); err != nil {
		return nil, err
	}
	return &a, nil
}

// GetAlert retrieves an alert by id.
func (r *PostgresRepository) GetAlert(ctx context.Context, id string) (*Alert, error) {
	return scanAlert(r.pool.QueryRow(ctx, `SELECT`+alertColumns+` FROM alerts WHERE id = $1`, id))
}

// FindAlertByExternalID retrieves an alert by the id an external system owns.
func (r *PostgresRepository) FindAlertByExternalID(ctx context.Context, system System, externalID string) (*Alert, error) {
	query := `SELECT` + alertColumns + ` FROM alerts WHERE external_ids ->> $1 = $2`
	return scanAlert(r.pool.QueryRow(ctx, query, string(system), externalID))
}

// ListAlerts returns alerts matching the filter, ordered by creation time.
func (r *PostgresRepository) ListAlerts(ctx context.Context, filter AlertFilter) ([]*Alert, error) {
	var c conditions
	if filter.TenantID != "" {
		c.add("tenant_id = $%d", filter.TenantID)
	}
	if filter.MonitorID != "" {
		c.add("monitor_id = $%d", filter.MonitorID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		c.add("status = ANY($%d)", statuses)
	}
	if filter.Linked {
		c.addRaw("external_ids <> '{}'::jsonb")
	}

	rows, err := r.pool.Query(ctx, `SELECT`+alertColumns+` FROM alerts`+c.where()+` ORDER BY created_at, id`, c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SaveAlert creates or updates an alert with optimistic concurrency.
func (r *PostgresRepository) SaveAlert(ctx context.Context, a *Alert, expectedVersion int64) error {
	extIDs, err := marshalExternalIDs(a.ExternalIDs)
	if err != nil {
		return err
	}

	now := time.Now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	if a.UpdatedAt.IsZero() {
		a.UpdatedAt = now
	}

	insert := `
		INSERT INTO alerts (` + alertColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`
	update := `
		UPDATE alerts SET
			tenant_id = $2, monitor_id = $3, schedule_id = $4, external_ids = $5, title = $6,
			message = $7, severity = $8, status = $9, acknowledged_at = $10, acknowledged_by = $11,
			resolved_at = $12, resolved_by = $13, version = $14, created_at = $15, updated_at = $16
		WHERE id = $1 AND version = $17
	`

	err = r.versionedExec(ctx, insert, update, expectedVersion,
		a.ID, a.TenantID, a.MonitorID, a.ScheduleID, extIDs, a.Title, a.Message, a.Severity, a.Status,
		a.AcknowledgedAt, a.AcknowledgedBy, a.ResolvedAt, a.ResolvedBy, expectedVersion+1,
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return err
	}
	a.Version = expectedVersion + 1
	return nil
}

const incidentColumns = `
	id, tenant_id, title, status, alert_ids, public, version, created_at, updated_at, resolved_at`

func scanIncident(row pgx.Row) (*Incident, error) {
	var i Incident
	err := row.Scan(
		&i.ID, &i.TenantID, &i.Title, &i.Status, &i.AlertIDs, &i.Public, &i.Version,
		&i.CreatedAt, &i.UpdatedAt, &i.ResolvedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &i, nil
}

// GetIncident retrieves an incident by id.
func (r *PostgresRepository) GetIncident(ctx context.Context, id string) (*Incident, error) {
	return scanIncident(r.pool.QueryRow(ctx, `SELECT`+incidentColumns+` FROM incidents WHERE id = $1`, id))
}

// ListIncidents returns incidents matching the filter, ordered by id.
func (r *PostgresRepository) ListIncidents(ctx context.Context, filter IncidentFilter) ([]*Incident, error) {
	var c conditions
	if filter.TenantID != "" {
		c.add("tenant_id = $%d", filter.TenantID)
	}
	if filter.AlertID != "" {
		c.add("$%d = ANY(alert_ids)", filter.AlertID)
	}
	if filter.Open {
		c.add("status <> $%d", string(IncidentResolved))
	}

	rows, err := r.pool.Query(ctx, `SELECT`+incidentColumns+` FROM incidents`+c.where()+` ORDER BY id`, c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Incident
	for rows.Next() {
		i, err := scanIncident(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, i)
	}
	return out, rows.Err()
}

// SaveIncident creates or updates an incident with optimistic concurrency.
func (r *PostgresRepository) SaveIncident(ctx context.Context, i *Incident, expectedVersion int64) error {
	now := time.Now()
	if i.CreatedAt.IsZero() {
		i.CreatedAt = now
	}

	insert := `
		INSERT INTO incidents (` + incidentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	update := `
		UPDATE incidents SET
			tenant_id = $2, title = $3, status = $4, alert_ids = $5, public = $6,
			version = $7, created_at = $8, updated_at = $9, resolved_at = $10
		WHERE id = $1 AND version = $11
	`

	err := r.versionedExec(ctx, insert, update, expectedVersion,
		i.ID, i.TenantID, i.Title, i.Status, i.AlertIDs, i.Public, expectedVersion+1,
		i.CreatedAt, now, i.ResolvedAt,
	)
	if err != nil {
		return err
	}
	i.Version = expectedVersion + 1
	i.UpdatedAt = now
	return nil
}

const scheduleColumns = `
	id, tenant_id, name, service, timezone, participants, external_ids, version,
	created_at, updated_at`

func scanSchedule(row pgx.Row) (*Schedule, error) {
	var (
		s      Schedule
		extIDs []byte
	)
	err := row.Scan(
		&s.ID, &s.TenantID, &s.Name, &s.Service, &s.Timezone, &s.Participants, &extIDs, &s.Version,
		&s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if s.ExternalIDs, err = unmarshalExternalIDs(extIDs); err != nil {
		return nil, err
	}
	return &s, nil
}

// GetSchedule retrieves a schedule by id.
func (r *PostgresRepository) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	return scanSchedule(r.pool.QueryRow(ctx, `SELECT`+scheduleColumns+` FROM schedules WHERE id = $1`, id))
}

// FindScheduleByExternalID retrieves a schedule by the id an external system owns.
func (r *PostgresRepository) FindScheduleByExternalID(ctx context.Context, system System, externalID string) (*Schedule, error) {
	query := `SELECT` + scheduleColumns + ` FROM schedules WHERE external_ids ->> $1 = $2`
	return scanSchedule(r.pool.QueryRow(ctx, query, string(system), externalID))
}

// ListSchedules returns schedules matching the filter, ordered by id.
func (r *PostgresRepository) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var c conditions
	if filter.TenantID != "" {
		c.add("tenant_id = $%d", filter.TenantID)
	}
	if filter.Linked {
		c.addRaw("external_ids <> '{}'::jsonb")
	}

	rows, err := r.pool.Query(ctx, `SELECT`+scheduleColumns+` FROM schedules`+c.where()+` ORDER BY id`, c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SaveSchedule creates or updates a schedule with optimistic concurrency.
func (r *PostgresRepository) SaveSchedule(ctx context.Context, s *Schedule, expectedVersion int64) error {
	extIDs, err := marshalExternalIDs(s.ExternalIDs)
	if err != nil {
		return err
	}

	now := time.Now()
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}

	insert := `
		INSERT INTO schedules (` + scheduleColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	update := `
		UPDATE schedules SET
			tenant_id = $2, name = $3, service = $4, timezone = $5, participants = $6,
			external_ids = $7, version = $8, created_at = $9, updated_at = $10
		WHERE id = $1 AND version = $11
	`

	err = r.versionedExec(ctx, insert, update, expectedVersion,
		s.ID, s.TenantID, s.Name, s.Service, s.Timezone, s.Participants, extIDs,
		expectedVersion+1, s.CreatedAt, now,
	)
	if err != nil {
		return err
	}
	s.Version = expectedVersion + 1
	s.UpdatedAt = now
	return nil
}

// SaveOverride stores an override.
func (r *PostgresRepository) SaveOverride(ctx context.Context, o *Override) error {
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO schedule_overrides (id, tenant_id, schedule_id, user_ref, starts_at, ends_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.pool.Exec(ctx, query, o.ID, o.TenantID, o.ScheduleID, o.User, o.StartsAt, o.EndsAt, o.CreatedAt)
	return err
}

// ListOverrides returns the overrides of a schedule ordered by start time.
func (r *PostgresRepository) ListOverrides(ctx context.Context, scheduleID string) ([]*Override, error) {
	query := `
		SELECT id, tenant_id, schedule_id, user_ref, starts_at, ends_at, created_at
		FROM schedule_overrides
		WHERE schedule_id = $1
		ORDER BY starts_at
	`

	rows, err := r.pool.Query(ctx, query, scheduleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Override
	for rows.Next() {
		var o Override
		if err := rows.Scan(&o.ID, &o.TenantID, &o.ScheduleID, &o.User, &o.StartsAt, &o.EndsAt, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &o)
	}
	return out, rows.Err()
}

// Ensure PostgresRepository implements Repository interface.
var _ Repository = (*PostgresRepository)(nil)
