package integrationlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository is a PostgreSQL implementation of Repository.
// Sequence numbers come from the integration_log_seq sequence so that
// reservation order survives concurrent writers across processes.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL integration log repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// NextSeq reserves the next sequence number.
func (r *PostgresRepository) NextSeq(ctx context.Context) (int64, error) {
	var seq int64
	if err := r.pool.QueryRow(ctx, `SELECT nextval('integration_log_seq')`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("reserving log sequence: %w", err)
	}
	return seq, nil
}

// AppendEntry stores an entry.
func (r *PostgresRepository) AppendEntry(ctx context.Context, e *Entry) error {
	metadata, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	query := `
		INSERT INTO integration_log (
			id, seq, tenant_id, event_type, resource_type, resource_id, system, metadata, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.pool.Exec(ctx, query,
		e.ID, e.Seq, e.TenantID, string(e.EventType), e.ResourceType, e.ResourceID, e.System, metadata, e.CreatedAt,
	)
	return err
}

// ListEntries returns entries matching the filter, ordered by sequence.
func (r *PostgresRepository) ListEntries(ctx context.Context, filter EntryFilter) ([]*Entry, error) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.EventType != "" {
		add("event_type = $%d", string(filter.EventType))
	}
	if filter.AfterSeq > 0 {
		add("seq > $%d", filter.AfterSeq)
	}

	query := `
		SELECT id, seq, tenant_id, event_type, resource_type, resource_id, system, metadata, created_at
		FROM integration_log`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		var (
			e         Entry
			eventType string
			metadata  []byte
		)
		if err := rows.Scan(&e.ID, &e.Seq, &e.TenantID, &eventType, &e.ResourceType, &e.ResourceID, &e.System, &metadata, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.EventType = EventType(eventType)
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &e.Metadata); err != nil {
				return nil, fmt.Errorf("decoding metadata: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

const syncErrorColumns = `
	id, tenant_id, event_type, system, operation, resource_type, resource_id,
	external_id, error, event_data, attempts, max_attempts, next_attempt_at,
	status, created_at, updated_at`

func scanSyncError(row pgx.Row) (*SyncError, error) {
	var (
		s         SyncError
		operation string
		status    string
		eventData []byte
	)
	err := row.Scan(
		&s.ID, &s.TenantID, &s.EventType, &s.System, &operation, &s.ResourceType, &s.ResourceID,
		&s.ExternalID, &s.Error, &eventData, &s.Attempts, &s.MaxAttempts, &s.NextAttemptAt,
		&status, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	s.Operation = Operation(operation)
	s.Status = Status(status)
	if len(eventData) > 0 {
		s.EventData = json.RawMessage(eventData)
	}
	return &s, nil
}

// SaveSyncError inserts or replaces a sync error.
func (r *PostgresRepository) SaveSyncError(ctx context.Context, s *SyncError) error {
	var eventData []byte
	if len(s.EventData) > 0 {
		eventData = s.EventData
	}

	query := `
		INSERT INTO sync_errors (` + syncErrorColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			error = EXCLUDED.error,
			external_id = EXCLUDED.external_id,
			attempts = EXCLUDED.attempts,
			max_attempts = EXCLUDED.max_attempts,
			next_attempt_at = EXCLUDED.next_attempt_at,
			status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at`

	_, err := r.pool.Exec(ctx, query,
		s.ID, s.TenantID, s.EventType, s.System, string(s.Operation), s.ResourceType, s.ResourceID,
		s.ExternalID, s.Error, eventData, s.Attempts, s.MaxAttempts, s.NextAttemptAt,
		string(s.Status), s.CreatedAt, s.UpdatedAt,
	)
	return err
}

// GetSyncError retrieves a sync error by id.
func (r *PostgresRepository) GetSyncError(ctx context.Context, id string) (*SyncError, error) {
	query := `SELECT` + syncErrorColumns + ` FROM sync_errors WHERE id = $1`
	return scanSyncError(r.pool.QueryRow(ctx, query, id))
}

// ListSyncErrors returns sync errors matching the filter, ordered by next attempt.
func (r *PostgresRepository) ListSyncErrors(ctx context.Context, filter SyncErrorFilter) ([]*SyncError, error) {
	var (
		clauses []string
		args    []interface{}
	)
	add := func(clause string, arg interface{}) {
		args = append(args, arg)
		clauses = append(clauses, fmt.Sprintf(clause, len(args)))
	}
	if filter.TenantID != "" {
		add("tenant_id = $%d", filter.TenantID)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if !filter.DueBefore.IsZero() {
		add("next_attempt_at <= $%d", filter.DueBefore)
	}

	query := `SELECT` + syncErrorColumns + ` FROM sync_errors`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY next_attempt_at, id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SyncError
	for rows.Next() {
		s, err := scanSyncError(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ClaimSyncErrors leases due pending items. Rows locked by a concurrent
// claim are skipped rather than waited on.
func (r *PostgresRepository) ClaimSyncErrors(ctx context.Context, dueBefore, leaseUntil time.Time, limit int) ([]*SyncError, error) {
	if limit <= 0 {
		limit = math.MaxInt32
	}
	query := `
		UPDATE sync_errors SET next_attempt_at = $1
		WHERE id IN (
			SELECT id FROM sync_errors
			WHERE status = $2 AND next_attempt_at <= $3
			ORDER BY next_attempt_at, id
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING` + syncErrorColumns

	rows, err := r.pool.Query(ctx, query, leaseUntil, string(StatusPending), dueBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SyncError
	for rows.Next() {
		s, err := scanSyncError(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var _ Repository = (*PostgresRepository)(nil)
