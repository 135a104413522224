package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type SettingRepository struct {
	pool *pgxpool.Pool
}

func NewSettingRepository(pool *pgxpool.Pool) *SettingRepository {
	return &SettingRepository{pool: pool}
}

func (r *SettingRepository) All(ctx context.Context) (map[string]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT setting_key, value FROM setting`)
	if err != nil {
		return nil, errors.Wrap(err, "select setting")
	}
	defer rows.Close()

	values := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, errors.Wrap(err, "scan setting")
		}
		values[key] = value
	}
	return values, rows.Err()
}

// Save upserts every given key in a single database transaction.
func (r *SettingRepository) Save(ctx context.Context, values map[string]string) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	now := time.Now()
	query := `INSERT INTO setting (setting_key, value, created_at, updated_at) VALUES ($1, $2, $3, $3)
	          ON CONFLICT (setting_key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`
	for key, value := range values {
		if _, err := tx.Exec(ctx, query, key, value, now); err != nil {
			return errors.Wrapf(err, "upsert setting %s", key)
		}
	}

	return errors.Wrap(tx.Commit(ctx), "commit transaction")
}
