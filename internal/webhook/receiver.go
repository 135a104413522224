// Package webhook finalizes payments from the processor's signed event
// notifications.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"

	"github.com/VictoriaMetrics/metrics"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"payment-form-service/internal/apperr"
	"payment-form-service/internal/db"
	"payment-form-service/internal/form"
	"payment-form-service/internal/logging"
	"payment-form-service/internal/payment"
	"payment-form-service/internal/settings"
)

const EventTransactionRecorded = "transaction.recorded"

type Outcome string

const (
	OutcomeHandled   Outcome = "handled"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeDropped   Outcome = "dropped"
	OutcomeDuplicate Outcome = "duplicate"
)

var (
	webhookRejectedCounter = metrics.GetOrCreateCounter(`webhook_events_total{result="rejected"}`)
	webhookErrorCounter    = metrics.GetOrCreateCounter(`webhook_events_total{result="error"}`)
)

func outcomeCounter(o Outcome) *metrics.Counter {
	return metrics.GetOrCreateCounter(`webhook_events_total{result="` + string(o) + `"}`)
}

type EventVerifier interface {
	ConstructEvent(payload []byte, header, secret string) (*payment.Event, error)
}

type TransactionRecorder interface {
	Record(ctx context.Context, entity *db.TransactionEntity, event *db.OutboxMessageEntity) (bool, error)
}

type SubmissionRepository interface {
	GetByID(ctx context.Context, id int64) (*db.SubmissionEntity, error)
	TransitionStatus(ctx context.Context, id int64, from, to string) (bool, error)
}

type FormGetter interface {
	Get(ctx context.Context, id int64) (*form.Definition, error)
}

type SettingsSource interface {
	Current() settings.Settings
}

type Receiver struct {
	verifier      EventVerifier
	transactions  TransactionRecorder
	submissions   SubmissionRepository
	forms         FormGetter
	settings      SettingsSource
	publishEvents bool
	logger        *slog.Logger
}

// NewReceiver builds a receiver. With publishEvents set, every recorded
// transaction also enqueues a transaction.recorded outbox message.
func NewReceiver(verifier EventVerifier, transactions TransactionRecorder, submissions SubmissionRepository,
	forms FormGetter, settings SettingsSource, publishEvents bool, logger *slog.Logger) *Receiver {
	return &Receiver{
		verifier:      verifier,
		transactions:  transactions,
		submissions:   submissions,
		forms:         forms,
		settings:      settings,
		publishEvents: publishEvents,
		logger:        logger,
	}
}

func (r *Receiver) Handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	outcome, err := r.handle(ctx, payload, signature)
	switch {
	case err == nil:
		outcomeCounter(outcome).Inc()
	case apperr.Is(err, apperr.KindSignature), apperr.Is(err, apperr.KindValidation):
		webhookRejectedCounter.Inc()
	default:
		webhookErrorCounter.Inc()
	}
	return outcome, err
}

func (r *Receiver) handle(ctx context.Context, payload []byte, signature string) (Outcome, error) {
	snapshot := r.settings.Current()
	if snapshot.WebhookSecret == "" {
		r.logger.ErrorContext(ctx, "Webhook secret not configured")
		return "", apperr.Configuration("Webhook secret not configured")
	}

	event, err := r.verifier.ConstructEvent(payload, signature, snapshot.WebhookSecret)
	if err != nil {
		r.logger.WarnContext(ctx, "Rejected webhook", "error", err)
		return "", err
	}
	ctx = logging.AppendCtx(ctx, slog.String("eventId", event.ID))

	switch event.Type {
	case payment.EventIntentSucceeded:
		return r.recordTransaction(ctx, event.Intent, snapshot)
	case payment.EventIntentFailed:
		return r.markFailed(ctx, event.Intent)
	default:
		r.logger.InfoContext(ctx, "Unhandled event type", "type", event.Type)
		return OutcomeIgnored, nil
	}
}

func (r *Receiver) recordTransaction(ctx context.Context, intent *payment.IntentObject, snapshot settings.Settings) (Outcome, error) {
	if intent == nil {
		return "", apperr.Validation("Invalid payload")
	}
	ctx = logging.AppendCtx(ctx, slog.String("paymentIntentId", intent.ID))

	formID, _ := strconv.ParseInt(intent.Metadata[payment.MetadataFormID], 10, 64)
	if formID <= 0 {
		r.logger.WarnContext(ctx, "Form ID not found in payment intent metadata")
		return OutcomeDropped, nil
	}

	mode := intent.Metadata[payment.MetadataMode]
	if mode != settings.ModeTest && mode != settings.ModeLive {
		mode = snapshot.Mode()
	}

	metadata, err := json.Marshal(intent.Metadata)
	if err != nil {
		return "", errors.Wrap(err, "marshal intent metadata")
	}

	entity := &db.TransactionEntity{
		FormID:        formID,
		TransactionID: intent.ID,
		Amount:        payment.FromMinorUnits(intent.Amount),
		Currency:      strings.ToLower(intent.Currency),
		Status:        intent.Status,
		Mode:          mode,
		Metadata:      metadata,
	}
	if len(intent.PaymentMethodTypes) > 0 {
		entity.PaymentMethod = &intent.PaymentMethodTypes[0]
	}
	if intent.ReceiptEmail != "" {
		entity.CustomerEmail = &intent.ReceiptEmail
	}
	if err := r.fillFromSubmission(ctx, entity, intent.Metadata[payment.MetadataSubmissionID]); err != nil {
		r.logger.ErrorContext(ctx, "Error loading submission", "error", err)
		return "", apperr.Persistence(err, "Failed to load submission")
	}

	var outboxMessage *db.OutboxMessageEntity
	if r.publishEvents {
		outboxMessage, err = newRecordedMessage(entity)
		if err != nil {
			return "", err
		}
	}

	inserted, err := r.transactions.Record(ctx, entity, outboxMessage)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error recording transaction", "error", err)
		return "", apperr.Persistence(err, "Failed to record transaction")
	}
	if !inserted {
		r.logger.InfoContext(ctx, "Duplicate delivery ignored")
		return OutcomeDuplicate, nil
	}

	r.logger.InfoContext(ctx, "Transaction recorded", "formId", formID, "mode", mode, "amount", entity.Amount.StringFixed(2))
	return OutcomeHandled, nil
}

// fillFromSubmission links the transaction to its submission and copies the
// customer details the payer entered. A missing submission is not an error;
// failing to load one is, so the event is redelivered.
func (r *Receiver) fillFromSubmission(ctx context.Context, entity *db.TransactionEntity, rawID string) error {
	submissionID, _ := strconv.ParseInt(rawID, 10, 64)
	if submissionID <= 0 {
		return nil
	}

	submission, err := r.submissions.GetByID(ctx, submissionID)
	if errors.Is(err, db.ErrNotFound) {
		r.logger.WarnContext(ctx, "Submission not found", "submissionId", submissionID)
		return nil
	}
	if err != nil {
		return errors.Wrapf(err, "load submission %d", submissionID)
	}
	if submission.FormID != entity.FormID {
		r.logger.WarnContext(ctx, "Submission belongs to another form", "submissionId", submissionID)
		return nil
	}
	entity.SubmissionID = &submission.ID

	var data map[string]string
	if err := json.Unmarshal(submission.Data, &data); err != nil {
		return nil
	}

	var def *form.Definition
	if r.forms != nil {
		def, _ = r.forms.Get(ctx, entity.FormID)
	}
	email, name := customerDetails(def, data)
	if entity.CustomerEmail == nil && email != "" {
		entity.CustomerEmail = &email
	}
	if name != "" {
		entity.CustomerName = &name
	}
	return nil
}

// customerDetails picks the first email-typed field and the field labelled
// "name" (any case). Without a definition any label containing "email" is
// taken as the address.
func customerDetails(def *form.Definition, data map[string]string) (email, name string) {
	if def != nil {
		for _, field := range def.Fields {
			if field.Type == form.FieldEmail && data[field.Label] != "" {
				email = data[field.Label]
				break
			}
		}
	}
	for label, value := range data {
		lower := strings.ToLower(label)
		if email == "" && def == nil && strings.Contains(lower, "email") {
			email = value
		}
		if lower == "name" || lower == "full name" {
			name = value
		}
	}
	return email, name
}

func (r *Receiver) markFailed(ctx context.Context, intent *payment.IntentObject) (Outcome, error) {
	if intent == nil {
		return "", apperr.Validation("Invalid payload")
	}
	ctx = logging.AppendCtx(ctx, slog.String("paymentIntentId", intent.ID))

	submissionID, _ := strconv.ParseInt(intent.Metadata[payment.MetadataSubmissionID], 10, 64)
	if submissionID <= 0 {
		r.logger.WarnContext(ctx, "Submission ID not found in payment intent metadata")
		return OutcomeDropped, nil
	}

	changed, err := r.submissions.TransitionStatus(ctx, submissionID, db.PaymentStatusPending, db.PaymentStatusFailed)
	if err != nil {
		r.logger.ErrorContext(ctx, "Error marking submission failed", "error", err)
		return "", apperr.Persistence(err, "Failed to update submission")
	}
	if !changed {
		return OutcomeDuplicate, nil
	}

	r.logger.InfoContext(ctx, "Payment failed", "submissionId", submissionID, "reason", intent.FailureMessage)
	return OutcomeHandled, nil
}

type recordedEvent struct {
	TransactionID string  `json:"transaction_id"`
	FormID        int64   `json:"form_id"`
	SubmissionID  *int64  `json:"submission_id,omitempty"`
	Amount        string  `json:"amount"`
	Currency      string  `json:"currency"`
	Status        string  `json:"status"`
	Mode          string  `json:"mode"`
	CustomerEmail *string `json:"customer_email,omitempty"`
}

func newRecordedMessage(entity *db.TransactionEntity) (*db.OutboxMessageEntity, error) {
	payload, err := json.Marshal(recordedEvent{
		TransactionID: entity.TransactionID,
		FormID:        entity.FormID,
		SubmissionID:  entity.SubmissionID,
		Amount:        entity.Amount.StringFixed(2),
		Currency:      entity.Currency,
		Status:        entity.Status,
		Mode:          entity.Mode,
		CustomerEmail: entity.CustomerEmail,
	})
	if err != nil {
		return nil, errors.Wrap(err, "marshal transaction event")
	}

	return &db.OutboxMessageEntity{
		ID:        uuid.New(),
		EntityID:  entity.TransactionID,
		EventType: EventTransactionRecorded,
		Payload:   payload,
	}, nil
}
