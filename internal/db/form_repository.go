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

var (
	ErrNotFound = errors.New("record not found")
	ErrInUse    = errors.New("record is referenced by other rows")
)

const foreignKeyViolation = "23503"

type FormRepository struct {
	pool *pgxpool.Pool
}

func NewFormRepository(pool *pgxpool.Pool) *FormRepository {
	return &FormRepository{pool: pool}
}

const formColumns = `id, title, fields, amount, currency, created_at, updated_at`

func scanForm(row pgx.Row) (*FormEntity, error) {
	var (
		entity FormEntity
		amount pgtype.Numeric
	)
	err := row.Scan(&entity.ID, &entity.Title, &entity.Fields, &amount, &entity.Currency, &entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, err
	}
	entity.Amount = fromNumeric(amount)
	return &entity, nil
}

func (r *FormRepository) Create(ctx context.Context, entity *FormEntity) (*FormEntity, error) {
	now := time.Now()
	entity.CreatedAt = now
	entity.UpdatedAt = now

	query := `INSERT INTO payment_form (title, fields, amount, currency, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6) RETURNING id`
	err := r.pool.QueryRow(ctx, query, entity.Title, entity.Fields, toNumeric(entity.Amount), entity.Currency,
		entity.CreatedAt, entity.UpdatedAt).Scan(&entity.ID)
	if err != nil {
		return nil, errors.Wrap(err, "insert payment_form")
	}
	return entity, nil
}

func (r *FormRepository) Update(ctx context.Context, entity *FormEntity) (*FormEntity, error) {
	entity.UpdatedAt = time.Now()

	query := `UPDATE payment_form SET title = $1, fields = $2, amount = $3, currency = $4, updated_at = $5
	          WHERE id = $6 RETURNING created_at`
	err := r.pool.QueryRow(ctx, query, entity.Title, entity.Fields, toNumeric(entity.Amount), entity.Currency,
		entity.UpdatedAt, entity.ID).Scan(&entity.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "update payment_form")
	}
	return entity, nil
}

func (r *FormRepository) GetByID(ctx context.Context, id int64) (*FormEntity, error) {
	query := `SELECT ` + formColumns + ` FROM payment_form WHERE id = $1`
	entity, err := scanForm(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select payment_form")
	}
	return entity, nil
}

func (r *FormRepository) List(ctx context.Context) ([]*FormEntity, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+formColumns+` FROM payment_form ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list payment_form")
	}
	defer rows.Close()

	var forms []*FormEntity
	for rows.Next() {
		entity, err := scanForm(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan payment_form")
		}
		forms = append(forms, entity)
	}
	return forms, rows.Err()
}

func (r *FormRepository) Delete(ctx context.Context, id int64) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM payment_form WHERE id = $1`, id)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation {
		return ErrInUse
	}
	if err != nil {
		return errors.Wrap(err, "delete payment_form")
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
