package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-form-service/internal/apperr"
	"payment-form-service/internal/config"
	"payment-form-service/internal/db"
	"payment-form-service/internal/form"
	"payment-form-service/internal/payment"
	"payment-form-service/internal/settings"
	"payment-form-service/internal/testhelpers"
)

const secret = "whsec_test"

type memoryLedger struct {
	mu       sync.Mutex
	rows     map[string]*db.TransactionEntity
	messages []*db.OutboxMessageEntity
	err      error
}

func (m *memoryLedger) Record(_ context.Context, entity *db.TransactionEntity, event *db.OutboxMessageEntity) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return false, m.err
	}
	if m.rows == nil {
		m.rows = make(map[string]*db.TransactionEntity)
	}
	if _, ok := m.rows[entity.TransactionID]; ok {
		return false, nil
	}
	m.rows[entity.TransactionID] = entity
	if event != nil {
		m.messages = append(m.messages, event)
	}
	return true, nil
}

type memorySubmissions struct {
	rows   map[int64]*db.SubmissionEntity
	getErr error
}

func (m *memorySubmissions) GetByID(_ context.Context, id int64) (*db.SubmissionEntity, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	s, ok := m.rows[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return s, nil
}

func (m *memorySubmissions) TransitionStatus(_ context.Context, id int64, from, to string) (bool, error) {
	s, ok := m.rows[id]
	if !ok || s.PaymentStatus != from {
		return false, nil
	}
	s.PaymentStatus = to
	return true, nil
}

type staticForms struct{}

func (staticForms) Get(_ context.Context, id int64) (*form.Definition, error) {
	return &form.Definition{
		ID: id,
		Fields: []form.Field{
			{Type: form.FieldText, Label: "Name", Required: true},
			{Type: form.FieldEmail, Label: "Contact"},
		},
		Amount:   decimal.NewFromInt(25),
		Currency: "usd",
	}, nil
}

type staticSettings settings.Settings

func (s staticSettings) Current() settings.Settings { return settings.Settings(s) }

type fixture struct {
	receiver    *Receiver
	ledger      *memoryLedger
	submissions *memorySubmissions
}

func newFixture(s settings.Settings, publish bool) *fixture {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ledger := &memoryLedger{}
	submissions := &memorySubmissions{rows: map[int64]*db.SubmissionEntity{
		41: {ID: 41, FormID: 7, Data: []byte(`{"Name":"Ada","Contact":"ada@example.com"}`), PaymentStatus: db.PaymentStatusPending},
	}}
	verifier := payment.NewFactory(config.Stripe{}, logger)

	return &fixture{
		receiver:    NewReceiver(verifier, ledger, submissions, staticForms{}, staticSettings(s), publish, logger),
		ledger:      ledger,
		submissions: submissions,
	}
}

func liveSettings() settings.Settings {
	return settings.Settings{TestMode: false, WebhookSecret: secret}
}

func signed(payload []byte) string {
	return testhelpers.StripeSignature(payload, secret, time.Now())
}

func TestHandle_RecordsSucceededIntent(t *testing.T) {
	f := newFixture(liveSettings(), false)
	payload := testhelpers.PaymentIntentEvent(payment.EventIntentSucceeded, "pi_1", 2500, "usd", map[string]string{"form_id": "7"})

	outcome, err := f.receiver.Handle(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, outcome)

	row := f.ledger.rows["pi_1"]
	require.NotNil(t, row)
	assert.Equal(t, int64(7), row.FormID)
	assert.Equal(t, "25.00", row.Amount.StringFixed(2))
	assert.Equal(t, "usd", row.Currency)
	assert.Equal(t, "succeeded", row.Status)
	assert.Equal(t, settings.ModeLive, row.Mode)
	assert.Equal(t, "card", *row.PaymentMethod)
	assert.Nil(t, row.SubmissionID)
	assert.JSONEq(t, `{"form_id":"7"}`, string(row.Metadata))
	assert.Empty(t, f.ledger.messages)
}

func TestHandle_UsesStampedModeAndSubmission(t *testing.T) {
	f := newFixture(liveSettings(), true)
	payload := testhelpers.PaymentIntentEvent(payment.EventIntentSucceeded, "pi_2", 1999, "EUR",
		map[string]string{"form_id": "7", "submission_id": "41", "mode": "test"})

	outcome, err := f.receiver.Handle(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, outcome)

	row := f.ledger.rows["pi_2"]
	assert.Equal(t, settings.ModeTest, row.Mode)
	assert.Equal(t, "eur", row.Currency)
	assert.Equal(t, "19.99", row.Amount.StringFixed(2))
	require.NotNil(t, row.SubmissionID)
	assert.Equal(t, int64(41), *row.SubmissionID)
	assert.Equal(t, "Ada", *row.CustomerName)
	assert.Equal(t, "ada@example.com", *row.CustomerEmail)

	require.Len(t, f.ledger.messages, 1)
	msg := f.ledger.messages[0]
	assert.Equal(t, EventTransactionRecorded, msg.EventType)
	assert.Equal(t, "pi_2", msg.EntityID)
	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Payload, &body))
	assert.Equal(t, "19.99", body["amount"])
}

func TestHandle_DuplicateDelivery(t *testing.T) {
	f := newFixture(liveSettings(), false)
	payload := testhelpers.PaymentIntentEvent(payment.EventIntentSucceeded, "pi_3", 2500, "usd", map[string]string{"form_id": "7"})

	first, err := f.receiver.Handle(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	second, err := f.receiver.Handle(context.Background(), payload, signed(payload))
	require.NoError(t, err)

	assert.Equal(t, OutcomeHandled, first)
	assert.Equal(t, OutcomeDuplicate, second)
	assert.Len(t, f.ledger.rows, 1)
}

func TestHandle_NoSideEffects(t *testing.T) {
	payload := testhelpers.PaymentIntentEvent(payment.EventIntentSucceeded, "pi_4", 2500, "usd", map[string]string{"form_id": "7"})

	tests := []struct {
		name     string
		settings settings.Settings
		payload  []byte
		header   string
		want     Outcome
		wantKind apperr.Kind
		wantErr  bool
	}{
		{
			name:     "secret not configured",
			settings: settings.Settings{},
			payload:  payload,
			header:   signed(payload),
			wantErr:  true,
			wantKind: apperr.KindConfiguration,
		},
		{
			name:     "mismatched signature",
			settings: liveSettings(),
			payload:  payload,
			header:   testhelpers.StripeSignature(payload, "whsec_other", time.Now()),
			wantErr:  true,
			wantKind: apperr.KindSignature,
		},
		{
			name:     "unhandled event type",
			settings: liveSettings(),
			payload:  testhelpers.PaymentIntentEvent("payment_intent.created", "pi_4", 2500, "usd", map[string]string{"form_id": "7"}),
			want:     OutcomeIgnored,
		},
		{
			name:     "missing form id",
			settings: liveSettings(),
			payload:  testhelpers.PaymentIntentEvent(payment.EventIntentSucceeded, "pi_4", 2500, "usd", nil),
			want:     OutcomeDropped,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.settings, true)
			header := tt.header
			if header == "" {
				header = signed(tt.payload)
			}

			outcome, err := f.receiver.Handle(context.Background(), tt.payload, header)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, outcome)
			}
			assert.Empty(t, f.ledger.rows)
			assert.Empty(t, f.ledger.messages)
		})
	}
}

func TestHandle_PersistenceError(t *testing.T) {
	f := newFixture(liveSettings(), false)
	f.ledger.err = errors.New("connection reset")
	payload := testhelpers.PaymentIntentEvent(payment.EventIntentSucceeded, "pi_5", 2500, "usd", map[string]string{"form_id": "7"})

	_, err := f.receiver.Handle(context.Background(), payload, signed(payload))
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))
}

func TestHandle_SubmissionLoadErrorIsRetried(t *testing.T) {
	f := newFixture(liveSettings(), false)
	f.submissions.getErr = errors.New("connection reset")
	payload := testhelpers.PaymentIntentEvent(payment.EventIntentSucceeded, "pi_7", 2500, "usd",
		map[string]string{"form_id": "7", "submission_id": "41"})

	_, err := f.receiver.Handle(context.Background(), payload, signed(payload))
	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))
	assert.Empty(t, f.ledger.rows)

	f.submissions.getErr = nil
	outcome, err := f.receiver.Handle(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, outcome)
	require.NotNil(t, f.ledger.rows["pi_7"].SubmissionID)
	assert.Equal(t, int64(41), *f.ledger.rows["pi_7"].SubmissionID)
}

func TestHandle_PaymentFailedMarksSubmission(t *testing.T) {
	f := newFixture(liveSettings(), false)
	payload := testhelpers.PaymentIntentEvent(payment.EventIntentFailed, "pi_6", 2500, "usd",
		map[string]string{"form_id": "7", "submission_id": "41"})

	outcome, err := f.receiver.Handle(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeHandled, outcome)
	assert.Equal(t, db.PaymentStatusFailed, f.submissions.rows[41].PaymentStatus)
	assert.Empty(t, f.ledger.rows)

	outcome, err = f.receiver.Handle(context.Background(), payload, signed(payload))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicate, outcome)
}

func TestCustomerDetails_WithoutDefinition(t *testing.T) {
	email, name := customerDetails(nil, map[string]string{"Your Email": "x@example.com", "name": "Grace"})
	assert.Equal(t, "x@example.com", email)
	assert.Equal(t, "Grace", name)
}
