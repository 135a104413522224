package db

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
)

type FormEntity struct {
	ID        int64
	Title     string
	Fields    []byte
	Amount    decimal.Decimal
	Currency  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type SubmissionEntity struct {
	ID              int64
	FormID          int64
	Data            []byte
	PaymentStatus   string
	PaymentIntentID *string
	Amount          decimal.Decimal
	Currency        string
	Mode            string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type TransactionEntity struct {
	ID            int64
	FormID        int64
	SubmissionID  *int64
	TransactionID string
	Amount        decimal.Decimal
	Currency      string
	Status        string
	Mode          string
	CustomerEmail *string
	CustomerName  *string
	PaymentMethod *string
	CreatedAt     time.Time
	Metadata      []byte
}

type OutboxMessageEntity struct {
	ID              uuid.UUID
	EntityID        string
	EventType       string
	Payload         []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
	ScheduledAt     *time.Time
	PublishedAt     *time.Time
	PublishAttempts int
	Error           *string
}

// TransactionQuery selects ledger rows. Zero values mean "no constraint",
// except Mode which is always applied.
type TransactionQuery struct {
	Mode   string
	FormID int64
	From   *time.Time
	To     *time.Time
	Limit  int
	Offset int
}
