package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type OutboxRepository struct {
	pool *pgxpool.Pool
}

func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

func (r *OutboxRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return r.pool.Begin(ctx)
}

func insertOutboxMessage(ctx context.Context, tx pgx.Tx, entity *OutboxMessageEntity) error {
	now := time.Now()
	entity.CreatedAt = now
	entity.UpdatedAt = now
	if entity.ScheduledAt == nil {
		entity.ScheduledAt = &now
	}

	query := `INSERT INTO outbox_message (id, entity_id, event_type, payload, created_at, updated_at, scheduled_at, publish_attempts)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`
	_, err := tx.Exec(ctx, query, entity.ID, entity.EntityID, entity.EventType, entity.Payload, entity.CreatedAt,
		entity.UpdatedAt, entity.ScheduledAt, entity.PublishAttempts)
	return errors.Wrap(err, "insert outbox_message")
}

// GetUnpublished locks up to limit due messages for the duration of tx.
func (r *OutboxRepository) GetUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]*OutboxMessageEntity, error) {
	query := `SELECT id, entity_id, event_type, payload, created_at, updated_at, scheduled_at, published_at, publish_attempts, error
	          FROM outbox_message
	          WHERE scheduled_at <= $1
	          ORDER BY scheduled_at
	          LIMIT $2
	          FOR UPDATE SKIP LOCKED`

	rows, err := tx.Query(ctx, query, time.Now(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select outbox_message")
	}
	defer rows.Close()

	var messages []*OutboxMessageEntity
	for rows.Next() {
		var entity OutboxMessageEntity
		err := rows.Scan(&entity.ID, &entity.EntityID, &entity.EventType, &entity.Payload, &entity.CreatedAt,
			&entity.UpdatedAt, &entity.ScheduledAt, &entity.PublishedAt, &entity.PublishAttempts, &entity.Error)
		if err != nil {
			return nil, errors.Wrap(err, "scan outbox_message")
		}
		messages = append(messages, &entity)
	}
	return messages, rows.Err()
}

func (r *OutboxRepository) Update(ctx context.Context, tx pgx.Tx, entity *OutboxMessageEntity) error {
	entity.UpdatedAt = time.Now()

	query := `UPDATE outbox_message
	          SET scheduled_at = $1, published_at = $2, publish_attempts = $3, error = $4, updated_at = $5
	          WHERE id = $6`
	_, err := tx.Exec(ctx, query, entity.ScheduledAt, entity.PublishedAt, entity.PublishAttempts, entity.Error,
		entity.UpdatedAt, entity.ID)
	return errors.Wrap(err, "update outbox_message")
}
