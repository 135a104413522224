package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type SubmissionRepository struct {
	pool *pgxpool.Pool
}

func NewSubmissionRepository(pool *pgxpool.Pool) *SubmissionRepository {
	return &SubmissionRepository{pool: pool}
}

func (r *SubmissionRepository) Create(ctx context.Context, entity *SubmissionEntity) (*SubmissionEntity, error) {
	now := time.Now()
	entity.CreatedAt = now
	entity.UpdatedAt = now

	query := `INSERT INTO submission (form_id, submission_data, payment_status, payment_intent_id, amount, currency, mode, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9) RETURNING id`
	err := r.pool.QueryRow(ctx, query, entity.FormID, entity.Data, entity.PaymentStatus, entity.PaymentIntentID,
		toNumeric(entity.Amount), entity.Currency, entity.Mode, entity.CreatedAt, entity.UpdatedAt).Scan(&entity.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert submission")
	}
	return entity, nil
}

func (r *SubmissionRepository) GetByID(ctx context.Context, id int64) (*SubmissionEntity, error) {
	query := `SELECT id, form_id, submission_data, payment_status, payment_intent_id, amount, currency, mode, created_at, updated_at
	          FROM submission WHERE id = $1`

	var (
		entity SubmissionEntity
		amount pgtype.Numeric
	)
	err := r.pool.QueryRow(ctx, query, id).Scan(&entity.ID, &entity.FormID, &entity.Data, &entity.PaymentStatus,
		&entity.PaymentIntentID, &amount, &entity.Currency, &entity.Mode, &entity.CreatedAt, &entity.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select submission")
	}
	entity.Amount = fromNumeric(amount)
	return &entity, nil
}

func (r *SubmissionRepository) SetPaymentIntent(ctx context.Context, id int64, paymentIntentID string) error {
	query := `UPDATE submission SET payment_intent_id = $1, updated_at = $2 WHERE id = $3`
	tag, err := r.pool.Exec(ctx, query, paymentIntentID, time.Now(), id)
	if err != nil {
		return errors.Wrap(err, "update submission payment_intent_id")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStatus moves a submission from one status to another. It reports
// false when the submission was not in the from status, which makes repeated
// or concurrent transitions no-ops.
func (r *SubmissionRepository) TransitionStatus(ctx context.Context, id int64, from, to string) (bool, error) {
	return transitionSubmission(ctx, r.pool, id, from, to)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// completeSubmission marks a pending or failed submission completed. A failed
// intent can still be confirmed later, so failed is not terminal; completed is.
func completeSubmission(ctx context.Context, conn execer, id int64) error {
	query := `UPDATE submission SET payment_status = $1, updated_at = $2 WHERE id = $3 AND payment_status IN ($4, $5)`
	_, err := conn.Exec(ctx, query, PaymentStatusCompleted, time.Now(), id, PaymentStatusPending, PaymentStatusFailed)
	return errors.Wrap(err, "complete submission")
}

func transitionSubmission(ctx context.Context, conn execer, id int64, from, to string) (bool, error) {
	query := `UPDATE submission SET payment_status = $1, updated_at = $2 WHERE id = $3 AND payment_status = $4`
	tag, err := conn.Exec(ctx, query, to, time.Now(), id, from)
	if err != nil {
		return false, errors.Wrap(err, "update submission payment_status")
	}
	return tag.RowsAffected() == 1, nil
}
