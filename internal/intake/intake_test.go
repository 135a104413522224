package intake

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-form-service/internal/apperr"
	"payment-form-service/internal/db"
	"payment-form-service/internal/form"
	"payment-form-service/internal/payment"
	"payment-form-service/internal/settings"
	"payment-form-service/internal/token"
)

type fakeForms struct {
	getFn func(ctx context.Context, id int64) (*form.Definition, error)
}

func (f *fakeForms) Get(ctx context.Context, id int64) (*form.Definition, error) {
	return f.getFn(ctx, id)
}

type fakeSubmissions struct {
	created     []*db.SubmissionEntity
	intents     map[int64]string
	transitions []string
	createErr   error
}

func (f *fakeSubmissions) Create(_ context.Context, entity *db.SubmissionEntity) (*db.SubmissionEntity, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	entity.ID = int64(len(f.created) + 41)
	f.created = append(f.created, entity)
	return entity, nil
}

func (f *fakeSubmissions) SetPaymentIntent(_ context.Context, id int64, paymentIntentID string) error {
	if f.intents == nil {
		f.intents = make(map[int64]string)
	}
	f.intents[id] = paymentIntentID
	return nil
}

func (f *fakeSubmissions) TransitionStatus(_ context.Context, _ int64, from, to string) (bool, error) {
	f.transitions = append(f.transitions, from+"->"+to)
	return true, nil
}

type fakeTokens struct {
	checkFn  func(tok, action string, formID int64) error
	consumed int
}

func (f *fakeTokens) Verify(tok, action string, formID int64) (*token.Claims, error) {
	if err := f.checkFn(tok, action, formID); err != nil {
		return nil, err
	}
	return &token.Claims{Action: action, FormID: formID}, nil
}

func (f *fakeTokens) Consume(_ context.Context, tok, action string, formID int64) error {
	if err := f.checkFn(tok, action, formID); err != nil {
		return err
	}
	f.consumed++
	return nil
}

type fakeGateway struct {
	requests []payment.IntentRequest
	err      error
}

func (g *fakeGateway) CreateIntent(_ context.Context, req payment.IntentRequest) (*payment.Intent, error) {
	g.requests = append(g.requests, req)
	if g.err != nil {
		return nil, g.err
	}
	return &payment.Intent{ID: "pi_123", ClientSecret: "pi_123_secret_abc"}, nil
}

type fakeFactory struct {
	gateway *fakeGateway
}

func (f *fakeFactory) Gateway(s settings.Settings) (payment.Gateway, error) {
	if s.SecretKey() == "" {
		return nil, apperr.Configuration("Payment processor is not configured")
	}
	return f.gateway, nil
}

type staticSettings settings.Settings

func (s staticSettings) Current() settings.Settings { return settings.Settings(s) }

type fixture struct {
	service     *Service
	submissions *fakeSubmissions
	gateway     *fakeGateway
	tokens      *fakeTokens
}

func donationForm() *form.Definition {
	return &form.Definition{
		ID:    7,
		Title: "Donation",
		Fields: []form.Field{
			{Type: form.FieldText, Label: "Name", Required: true},
			{Type: form.FieldEmail, Label: "Email"},
			{Type: form.FieldTextarea, Label: "Note"},
		},
		Amount:   decimal.RequireFromString("25.00"),
		Currency: "usd",
	}
}

func newFixture(s settings.Settings) *fixture {
	forms := &fakeForms{getFn: func(_ context.Context, id int64) (*form.Definition, error) {
		if id == 7 {
			return donationForm(), nil
		}
		return nil, apperr.NotFound("Form not found")
	}}
	tokens := &fakeTokens{checkFn: func(tok, action string, _ int64) error {
		if tok != "valid" || action != token.ActionProcessPaymentForm {
			return token.ErrInvalid
		}
		return nil
	}}
	submissions := &fakeSubmissions{}
	gateway := &fakeGateway{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	return &fixture{
		service:     NewService(forms, submissions, tokens, &fakeFactory{gateway: gateway}, staticSettings(s), logger),
		submissions: submissions,
		gateway:     gateway,
		tokens:      tokens,
	}
}

func testModeSettings() settings.Settings {
	return settings.Settings{TestMode: true, TestSecretKey: "sk_test_1", TestPublicKey: "pk_test_1"}
}

func TestSubmit_Success(t *testing.T) {
	f := newFixture(testModeSettings())

	result, err := f.service.Submit(context.Background(), Request{
		Nonce:    "valid",
		FormID:   "7",
		FormData: `{"Name":"Ada","Unknown":"dropped","amount":"1.00"}`,
	})
	require.NoError(t, err)

	assert.Equal(t, "pi_123_secret_abc", result.ClientSecret)
	assert.Equal(t, int64(41), result.SubmissionID)

	require.Len(t, f.submissions.created, 1)
	created := f.submissions.created[0]
	assert.Equal(t, db.PaymentStatusPending, created.PaymentStatus)
	assert.Equal(t, settings.ModeTest, created.Mode)
	assert.True(t, decimal.RequireFromString("25.00").Equal(created.Amount))

	var stored map[string]string
	require.NoError(t, json.Unmarshal(created.Data, &stored))
	assert.Equal(t, map[string]string{"Name": "Ada"}, stored)

	require.Len(t, f.gateway.requests, 1)
	req := f.gateway.requests[0]
	assert.True(t, decimal.RequireFromString("25.00").Equal(req.Amount))
	assert.Equal(t, "usd", req.Currency)
	assert.Equal(t, map[string]string{"form_id": "7", "submission_id": "41", "mode": "test"}, req.Metadata)

	assert.Equal(t, "pi_123", f.submissions.intents[41])
	assert.Empty(t, f.submissions.transitions)
	assert.Equal(t, 1, f.tokens.consumed)
}

func TestSubmit_Rejections(t *testing.T) {
	tests := []struct {
		name     string
		settings settings.Settings
		req      Request
		wantKind apperr.Kind
		wantMsg  string
	}{
		{
			name:     "no secret key for mode",
			settings: settings.Settings{TestMode: false, TestSecretKey: "sk_test_1"},
			req:      Request{Nonce: "valid", FormID: "7", FormData: `{"Name":"Ada"}`},
			wantKind: apperr.KindConfiguration,
		},
		{
			name:     "bad token",
			settings: testModeSettings(),
			req:      Request{Nonce: "forged", FormID: "7", FormData: `{"Name":"Ada"}`},
			wantKind: apperr.KindAuthorization,
			wantMsg:  "Invalid security token",
		},
		{
			name:     "non-numeric form id",
			settings: testModeSettings(),
			req:      Request{Nonce: "valid", FormID: "abc", FormData: `{"Name":"Ada"}`},
			wantKind: apperr.KindValidation,
			wantMsg:  "Invalid form ID",
		},
		{
			name:     "unknown form",
			settings: testModeSettings(),
			req:      Request{Nonce: "valid", FormID: "8", FormData: `{"Name":"Ada"}`},
			wantKind: apperr.KindValidation,
			wantMsg:  "Invalid form ID",
		},
		{
			name:     "empty form data",
			settings: testModeSettings(),
			req:      Request{Nonce: "valid", FormID: "7", FormData: `{}`},
			wantKind: apperr.KindValidation,
			wantMsg:  "Form data is required",
		},
		{
			name:     "malformed form data",
			settings: testModeSettings(),
			req:      Request{Nonce: "valid", FormID: "7", FormData: `Name=Ada`},
			wantKind: apperr.KindValidation,
			wantMsg:  "Form data is required",
		},
		{
			name:     "required field blank",
			settings: testModeSettings(),
			req:      Request{Nonce: "valid", FormID: "7", FormData: `{"Name":"  ","Note":"hi"}`},
			wantKind: apperr.KindValidation,
			wantMsg:  "Name is required",
		},
		{
			name:     "invalid email",
			settings: testModeSettings(),
			req:      Request{Nonce: "valid", FormID: "7", FormData: `{"Name":"Ada","Email":"not-an-email"}`},
			wantKind: apperr.KindValidation,
			wantMsg:  "Email must be a valid email address",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(tt.settings)

			_, err := f.service.Submit(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			if tt.wantMsg != "" {
				assert.Equal(t, tt.wantMsg, apperr.Message(err))
			}
			assert.Empty(t, f.submissions.created)
			assert.Empty(t, f.gateway.requests)
			assert.Zero(t, f.tokens.consumed)
		})
	}
}

func TestSubmit_ProviderErrorMarksSubmissionFailed(t *testing.T) {
	f := newFixture(testModeSettings())
	f.gateway.err = apperr.Provider(errors.New("card_declined"), "Your card was declined.")

	_, err := f.service.Submit(context.Background(), Request{Nonce: "valid", FormID: "7", FormData: `{"Name":"Ada"}`})
	require.Error(t, err)

	assert.Equal(t, apperr.KindProvider, apperr.KindOf(err))
	assert.Equal(t, "Your card was declined.", apperr.Message(err))
	assert.Equal(t, []string{"pending->failed"}, f.submissions.transitions)
	assert.Empty(t, f.submissions.intents)
}

func TestSubmit_PersistenceError(t *testing.T) {
	f := newFixture(testModeSettings())
	f.submissions.createErr = errors.New("connection reset")

	_, err := f.service.Submit(context.Background(), Request{Nonce: "valid", FormID: "7", FormData: `{"Name":"Ada"}`})

	assert.Equal(t, apperr.KindPersistence, apperr.KindOf(err))
	assert.Empty(t, f.gateway.requests)
}

type memoryNonces struct {
	used map[uuid.UUID]bool
}

func (m *memoryNonces) Consume(_ context.Context, id uuid.UUID, _ time.Time) (bool, error) {
	if m.used[id] {
		return false, nil
	}
	m.used[id] = true
	return true, nil
}

func TestSubmit_RetryWithSameTokenAfterRejection(t *testing.T) {
	issuer := token.NewIssuer("test-secret", time.Hour, &memoryNonces{used: map[uuid.UUID]bool{}})
	forms := &fakeForms{getFn: func(context.Context, int64) (*form.Definition, error) { return donationForm(), nil }}
	submissions := &fakeSubmissions{}
	gateway := &fakeGateway{}
	service := NewService(forms, submissions, issuer, &fakeFactory{gateway: gateway}, staticSettings(testModeSettings()),
		slog.New(slog.NewTextHandler(io.Discard, nil)))

	nonce, err := issuer.Issue(token.ActionProcessPaymentForm, 7)
	require.NoError(t, err)

	_, err = service.Submit(context.Background(), Request{Nonce: nonce, FormID: "7", FormData: `{"Name":" "}`})
	assert.Equal(t, "Name is required", apperr.Message(err))

	result, err := service.Submit(context.Background(), Request{Nonce: nonce, FormID: "7", FormData: `{"Name":"Ada"}`})
	require.NoError(t, err)
	assert.Equal(t, "pi_123_secret_abc", result.ClientSecret)

	_, err = service.Submit(context.Background(), Request{Nonce: nonce, FormID: "7", FormData: `{"Name":"Ada"}`})
	assert.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	assert.Len(t, submissions.created, 1)
}

func TestCleanFormData_NonStringValues(t *testing.T) {
	def := donationForm()
	def.Fields = append(def.Fields, form.Field{Type: form.FieldText, Label: "Age"})

	data, err := cleanFormData(def, `{"Name":"Ada","Age":36}`)
	require.NoError(t, err)
	assert.Equal(t, "36", data["Age"])
}
