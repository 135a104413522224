package form

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"payment-form-service/internal/db"
)

const (
	FieldText     = "text"
	FieldEmail    = "email"
	FieldTextarea = "textarea"

	DefaultCurrency = "usd"
)

type Field struct {
	Type     string `json:"type" validate:"required,oneof=text email textarea"`
	Label    string `json:"label" validate:"required,max=255"`
	Required bool   `json:"required"`
}

// Definition is the admin-configured schema of a payment form. Intake treats
// it as a read-only snapshot.
type Definition struct {
	ID        int64           `json:"id"`
	Title     string          `json:"title" validate:"max=255"`
	Fields    []Field         `json:"fields" validate:"required,min=1,unique=Label,dive"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency" validate:"required,len=3,alpha"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Normalize trims labels, lower-cases the currency and rounds the amount to
// minor-unit precision.
func (d *Definition) Normalize() {
	d.Title = strings.TrimSpace(d.Title)
	d.Currency = strings.ToLower(strings.TrimSpace(d.Currency))
	if d.Currency == "" {
		d.Currency = DefaultCurrency
	}
	for i := range d.Fields {
		d.Fields[i].Label = strings.TrimSpace(d.Fields[i].Label)
		d.Fields[i].Type = strings.ToLower(strings.TrimSpace(d.Fields[i].Type))
	}
	d.Amount = d.Amount.Round(2)
}

func (d *Definition) Validate() error {
	if err := validate.Struct(d); err != nil {
		return err
	}
	if !d.Amount.IsPositive() {
		return errors.New("amount must be greater than zero")
	}
	return nil
}

func (d *Definition) toEntity() (*db.FormEntity, error) {
	fields, err := json.Marshal(d.Fields)
	if err != nil {
		return nil, errors.Wrap(err, "marshal fields")
	}
	return &db.FormEntity{
		ID:       d.ID,
		Title:    d.Title,
		Fields:   fields,
		Amount:   d.Amount,
		Currency: d.Currency,
	}, nil
}

func fromEntity(entity *db.FormEntity) (*Definition, error) {
	var fields []Field
	if len(entity.Fields) > 0 {
		if err := json.Unmarshal(entity.Fields, &fields); err != nil {
			return nil, errors.Wrapf(err, "unmarshal fields of form %d", entity.ID)
		}
	}
	return &Definition{
		ID:        entity.ID,
		Title:     entity.Title,
		Fields:    fields,
		Amount:    entity.Amount,
		Currency:  entity.Currency,
		CreatedAt: entity.CreatedAt,
		UpdatedAt: entity.UpdatedAt,
	}, nil
}
