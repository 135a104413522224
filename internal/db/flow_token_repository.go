package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type FlowTokenRepository struct {
	pool *pgxpool.Pool
}

func NewFlowTokenRepository(pool *pgxpool.Pool) *FlowTokenRepository {
	return &FlowTokenRepository{pool: pool}
}

// Consume marks the token id as used. It reports false when the id was
// already consumed.
func (r *FlowTokenRepository) Consume(ctx context.Context, id uuid.UUID, expiresAt time.Time) (bool, error) {
	now := time.Now()
	if _, err := r.pool.Exec(ctx, `DELETE FROM flow_token_use WHERE expires_at < $1`, now); err != nil {
		return false, errors.Wrap(err, "purge flow_token_use")
	}

	query := `INSERT INTO flow_token_use (id, used_at, expires_at) VALUES ($1, $2, $3) ON CONFLICT (id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, id, now, expiresAt)
	if err != nil {
		return false, errors.Wrap(err, "insert flow_token_use")
	}
	return tag.RowsAffected() == 1, nil
}
