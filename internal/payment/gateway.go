// Package payment talks to the payment processor: it creates payment intents
// and verifies the signed event notifications the processor sends back.
package payment

import (
	"context"

	"github.com/shopspring/decimal"
)

const (
	MetadataFormID       = "form_id"
	MetadataSubmissionID = "submission_id"
	MetadataMode         = "mode"

	EventIntentSucceeded = "payment_intent.succeeded"
	EventIntentFailed    = "payment_intent.payment_failed"
)

type IntentRequest struct {
	Amount   decimal.Decimal
	Currency string
	Metadata map[string]string
}

type Intent struct {
	ID           string
	ClientSecret string
}

type Gateway interface {
	CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error)
}

// Event is a verified processor notification. Intent is set for
// payment_intent.* events.
type Event struct {
	ID     string
	Type   string
	Intent *IntentObject
}

type IntentObject struct {
	ID                 string
	Amount             int64
	Currency           string
	Status             string
	Metadata           map[string]string
	PaymentMethodTypes []string
	ReceiptEmail       string
	FailureMessage     string
}

// MinorUnits converts a decimal amount to the processor's integer
// representation, e.g. 25.00 to 2500.
func MinorUnits(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

func FromMinorUnits(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}
