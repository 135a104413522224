// Package ledger answers the admin reporting queries over recorded
// transactions.
package ledger

import (
	"bytes"
	"context"
	"embed"
	"html/template"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-form-service/internal/apperr"
	"payment-form-service/internal/db"
	"payment-form-service/internal/settings"
)

const (
	dateLayout      = "2006-01-02"
	timestampLayout = "2006-01-02 15:04:05"

	DefaultLimit = 100
	MaxLimit     = 500
)

//go:embed templates/table.html
var templates embed.FS

// FilterInput holds the raw values posted by the admin filter form.
type FilterInput struct {
	Mode      string `form:"mode"`
	FormID    string `form:"form_id"`
	StartDate string `form:"start_date"`
	EndDate   string `form:"end_date"`
	Limit     string `form:"limit"`
	Offset    string `form:"offset"`
}

type Filter struct {
	Mode   string
	FormID int64
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}

// ParseFilter validates the input. Dates are whole days in loc: the start
// bound is 00:00:00 and the end bound is the last microsecond of the day.
func ParseFilter(in FilterInput, loc *time.Location) (Filter, error) {
	f := Filter{Mode: strings.ToLower(strings.TrimSpace(in.Mode)), Limit: DefaultLimit}
	if f.Mode == "" {
		f.Mode = settings.ModeLive
	}
	if f.Mode != settings.ModeLive && f.Mode != settings.ModeTest {
		return Filter{}, apperr.Validation("Invalid mode")
	}

	if raw := strings.TrimSpace(in.FormID); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return Filter{}, apperr.Validation("Invalid form ID")
		}
		f.FormID = id
	}

	if raw := strings.TrimSpace(in.StartDate); raw != "" {
		day, err := time.ParseInLocation(dateLayout, raw, loc)
		if err != nil {
			return Filter{}, apperr.Validation("Invalid start date")
		}
		f.From = &day
	}
	if raw := strings.TrimSpace(in.EndDate); raw != "" {
		day, err := time.ParseInLocation(dateLayout, raw, loc)
		if err != nil {
			return Filter{}, apperr.Validation("Invalid end date")
		}
		end := day.AddDate(0, 0, 1).Add(-time.Microsecond)
		f.To = &end
	}
	if f.From != nil && f.To != nil && f.From.After(*f.To) {
		return Filter{}, apperr.Validation("Start date must not be after end date")
	}

	if raw := strings.TrimSpace(in.Limit); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return Filter{}, apperr.Validation("Invalid limit")
		}
		f.Limit = min(limit, MaxLimit)
	}
	if raw := strings.TrimSpace(in.Offset); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			return Filter{}, apperr.Validation("Invalid offset")
		}
		f.Offset = offset
	}
	return f, nil
}

type Repository interface {
	Query(ctx context.Context, q db.TransactionQuery) ([]*db.TransactionEntity, error)
	DistinctFormIDs(ctx context.Context) ([]int64, error)
}

type Service struct {
	repo   Repository
	tmpl   *template.Template
	logger *slog.Logger
}

func NewService(repo Repository, logger *slog.Logger) (*Service, error) {
	tmpl, err := template.New("table.html").Funcs(template.FuncMap{
		"amount":    func(d decimal.Decimal) string { return d.StringFixed(2) },
		"timestamp": func(t time.Time) string { return t.Format(timestampLayout) },
	}).ParseFS(templates, "templates/table.html")
	if err != nil {
		return nil, errors.Wrap(err, "parse ledger template")
	}
	return &Service{repo: repo, tmpl: tmpl, logger: logger}, nil
}

// Query returns matching transactions, newest first.
func (s *Service) Query(ctx context.Context, f Filter) ([]*db.TransactionEntity, error) {
	rows, err := s.repo.Query(ctx, db.TransactionQuery{
		Mode:   f.Mode,
		FormID: f.FormID,
		From:   f.From,
		To:     f.To,
		Limit:  f.Limit,
		Offset: f.Offset,
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error querying transactions", "error", err)
		return nil, apperr.Persistence(err, "Failed to load transactions")
	}
	return rows, nil
}

func (s *Service) RenderTable(rows []*db.TransactionEntity) (string, error) {
	var buf bytes.Buffer
	if err := s.tmpl.ExecuteTemplate(&buf, "table", rows); err != nil {
		return "", errors.Wrap(err, "render transactions table")
	}
	return buf.String(), nil
}

// FormIDs lists the forms that have at least one transaction.
func (s *Service) FormIDs(ctx context.Context) ([]int64, error) {
	ids, err := s.repo.DistinctFormIDs(ctx)
	if err != nil {
		return nil, apperr.Persistence(err, "Failed to load form IDs")
	}
	return ids, nil
}
