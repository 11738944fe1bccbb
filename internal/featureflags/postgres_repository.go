package featureflags

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores flags in the feature_flags table. Values are JSONB.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository creates a flag repository backed by pool.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// List returns every stored flag.
func (r *PostgresRepository) List(ctx context.Context) (map[string]*Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT key, value, updated_at, updated_by, reason
		FROM feature_flags
	`)
	if err != nil {
		return nil, fmt.Errorf("querying feature flags: %w", err)
	}
	defer rows.Close()

	flags := make(map[string]*Flag)
	for rows.Next() {
		var (
			f     Flag
			value []byte
		)
		if err := rows.Scan(&f.Key, &value, &f.UpdatedAt, &f.UpdatedBy, &f.Reason); err != nil {
			return nil, fmt.Errorf("scanning feature flag: %w", err)
		}
		if err := json.Unmarshal(value, &f.Value); err != nil {
			return nil, fmt.Errorf("decoding feature flag %s: %w", f.Key, err)
		}
		flags[f.Key] = &f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating feature flags: %w", err)
	}
	return flags, nil
}

// Save upserts flags in a single transaction.
func (r *PostgresRepository) Save(ctx context.Context, flags []*Flag) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op after commit

	for _, f := range flags {
		value, err := json.Marshal(f.Value)
		if err != nil {
			return fmt.Errorf("encoding feature flag %s: %w", f.Key, err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO feature_flags (key, value, updated_at, updated_by, reason)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (key) DO UPDATE SET
				value = EXCLUDED.value,
				updated_at = EXCLUDED.updated_at,
				updated_by = EXCLUDED.updated_by,
				reason = EXCLUDED.reason
		`, f.Key, value, f.UpdatedAt, f.UpdatedBy, f.Reason)
		if err != nil {
			return fmt.Errorf("saving feature flag %s: %w", f.Key, err)
		}
	}

	return tx.Commit(ctx)
}

// Delete removes a stored flag.
func (r *PostgresRepository) Delete(ctx context.Context, key string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM feature_flags WHERE key = $1`, key)
	if err != nil {
		return fmt.Errorf("deleting feature flag %s: %w", key, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFlagNotFound
	}
	return nil
}
