package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const (
	defaultLedgerLimit = 100
	maxLedgerLimit     = 500
)

type TransactionRepository struct {
	pool *pgxpool.Pool
}

func NewTransactionRepository(pool *pgxpool.Pool) *TransactionRepository {
	return &TransactionRepository{pool: pool}
}

// Record inserts the transaction unless one with the same external
// transaction id exists. When a row is inserted, the linked submission (if
// any) is completed and the outbox message (if any) is enqueued, all in one
// database transaction. The returned flag is false for duplicates.
func (r *TransactionRepository) Record(ctx context.Context, entity *TransactionEntity, event *OutboxMessageEntity) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if entity.CreatedAt.IsZero() {
		entity.CreatedAt = time.Now()
	}

	query := `INSERT INTO payment_transaction (form_id, submission_id, transaction_id, amount, currency, status, mode,
	                                           customer_email, customer_name, payment_method, created_at, metadata)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	          ON CONFLICT (transaction_id) DO NOTHING
	          RETURNING id`
	err = tx.QueryRow(ctx, query, entity.FormID, entity.SubmissionID, entity.TransactionID, toNumeric(entity.Amount),
		entity.Currency, entity.Status, entity.Mode, entity.CustomerEmail, entity.CustomerName, entity.PaymentMethod,
		entity.CreatedAt, entity.Metadata).Scan(&entity.ID)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "insert payment_transaction")
	}

	if entity.SubmissionID != nil {
		if err := completeSubmission(ctx, tx, *entity.SubmissionID); err != nil {
			return false, err
		}
	}

	if event != nil {
		if err := insertOutboxMessage(ctx, tx, event); err != nil {
			return false, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit transaction")
	}
	return true, nil
}

func (r *TransactionRepository) Query(ctx context.Context, q TransactionQuery) ([]*TransactionEntity, error) {
	query := `SELECT ` + transactionColumns + ` FROM payment_transaction
	          WHERE mode = $1
	            AND ($2::bigint = 0 OR form_id = $2)
	            AND ($3::timestamptz IS NULL OR created_at >= $3)
	            AND ($4::timestamptz IS NULL OR created_at <= $4)
	          ORDER BY created_at DESC, id DESC
	          LIMIT $5 OFFSET $6`

	rows, err := r.pool.Query(ctx, query, q.Mode, q.FormID, q.From, q.To, clampLimit(q.Limit), max(q.Offset, 0))
	if err != nil {
		return nil, errors.Wrap(err, "query payment_transaction")
	}
	defer rows.Close()

	var transactions []*TransactionEntity
	for rows.Next() {
		entity, err := scanTransaction(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan payment_transaction")
		}
		transactions = append(transactions, entity)
	}
	return transactions, rows.Err()
}

func (r *TransactionRepository) DistinctFormIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT DISTINCT form_id FROM payment_transaction ORDER BY form_id`)
	if err != nil {
		return nil, errors.Wrap(err, "select distinct form_id")
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

const transactionColumns = `id, form_id, submission_id, transaction_id, amount, currency, status, mode,
	customer_email, customer_name, payment_method, created_at, metadata`

func scanTransaction(row pgx.Row) (*TransactionEntity, error) {
	var (
		entity TransactionEntity
		amount pgtype.Numeric
	)
	err := row.Scan(&entity.ID, &entity.FormID, &entity.SubmissionID, &entity.TransactionID, &amount, &entity.Currency,
		&entity.Status, &entity.Mode, &entity.CustomerEmail, &entity.CustomerName, &entity.PaymentMethod,
		&entity.CreatedAt, &entity.Metadata)
	if err != nil {
		return nil, err
	}
	entity.Amount = fromNumeric(amount)
	return &entity, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultLedgerLimit
	}
	return min(limit, maxLedgerLimit)
}
