package payment

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/h2non/gock"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"payment-form-service/internal/apperr"
	"payment-form-service/internal/config"
	"payment-form-service/internal/settings"
	"payment-form-service/internal/testhelpers"
)

const webhookSecret = "whsec_test"

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	f := NewFactory(config.Stripe{TimeoutMs: 2000}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	gock.InterceptClient(f.httpClient)
	t.Cleanup(func() {
		gock.RestoreClient(f.httpClient)
		gock.Off()
	})
	return f
}

// formMatcher matches form-encoded request bodies containing want.
func formMatcher(want map[string]string) gock.MatchFunc {
	return func(req *http.Request, _ *gock.Request) (bool, error) {
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return false, err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))

		values, err := url.ParseQuery(string(body))
		if err != nil {
			return false, err
		}
		for k, v := range want {
			if values.Get(k) != v {
				return false, nil
			}
		}
		return true, nil
	}
}

func testSettings() settings.Settings {
	return settings.Settings{TestMode: true, TestSecretKey: "sk_test_123", TestPublicKey: "pk_test_123"}
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(2500), MinorUnits(decimal.RequireFromString("25.00")))
	assert.Equal(t, int64(1999), MinorUnits(decimal.RequireFromString("19.99")))
	assert.Equal(t, int64(1001), MinorUnits(decimal.RequireFromString("10.005")))
	assert.Equal(t, "25", FromMinorUnits(2500).String())
	assert.Equal(t, "19.99", FromMinorUnits(1999).String())
}

func TestFactory_GatewayRequiresKey(t *testing.T) {
	f := NewFactory(config.Stripe{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	_, err := f.Gateway(settings.Settings{TestMode: false, TestSecretKey: "sk_test_123"})
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}

func TestStripeGateway_CreateIntent(t *testing.T) {
	f := newTestFactory(t)
	gock.New("https://api.stripe.com").
		Post("/v1/payment_intents").
		MatchHeader("Authorization", "Bearer sk_test_123").
		AddMatcher(formMatcher(map[string]string{
			"amount":            "2500",
			"currency":          "usd",
			"metadata[form_id]": "7",
			"metadata[mode]":    "test",
		})).
		Reply(200).
		JSON(map[string]any{
			"id":            "pi_123",
			"object":        "payment_intent",
			"amount":        2500,
			"currency":      "usd",
			"client_secret": "pi_123_secret_abc",
			"status":        "requires_payment_method",
		})

	gw, err := f.Gateway(testSettings())
	require.NoError(t, err)

	intent, err := gw.CreateIntent(context.Background(), IntentRequest{
		Amount:   decimal.RequireFromString("25.00"),
		Currency: "USD",
		Metadata: map[string]string{MetadataFormID: "7", MetadataSubmissionID: "1", MetadataMode: "test"},
	})
	require.NoError(t, err)
	assert.Equal(t, "pi_123", intent.ID)
	assert.Equal(t, "pi_123_secret_abc", intent.ClientSecret)
	assert.True(t, gock.IsDone())
}

func TestStripeGateway_CreateIntentErrors(t *testing.T) {
	tests := []struct {
		name     string
		mock     func()
		amount   string
		wantKind apperr.Kind
		wantMsg  string
	}{
		{
			name:     "non-positive amount",
			mock:     func() {},
			amount:   "0",
			wantKind: apperr.KindValidation,
			wantMsg:  "Invalid payment amount",
		},
		{
			name: "card declined",
			mock: func() {
				gock.New("https://api.stripe.com").
					Post("/v1/payment_intents").
					Reply(402).
					JSON(map[string]any{"error": map[string]any{
						"type":    "card_error",
						"code":    "card_declined",
						"message": "Your card was declined.",
					}})
			},
			amount:   "25.00",
			wantKind: apperr.KindProvider,
			wantMsg:  "Your card was declined.",
		},
		{
			name: "unreachable",
			mock: func() {
				gock.New("https://api.stripe.com").
					Post("/v1/payment_intents").
					ReplyError(errors.New("connection refused"))
			},
			amount:   "25.00",
			wantKind: apperr.KindProvider,
			wantMsg:  "Payment processor unreachable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newTestFactory(t)
			tt.mock()

			gw, err := f.Gateway(testSettings())
			require.NoError(t, err)

			_, err = gw.CreateIntent(context.Background(), IntentRequest{
				Amount:   decimal.RequireFromString(tt.amount),
				Currency: "usd",
			})
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
			assert.Equal(t, tt.wantMsg, apperr.Message(err))
			assert.True(t, gock.IsDone())
		})
	}
}

func TestFactory_ConstructEvent(t *testing.T) {
	f := NewFactory(config.Stripe{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	payload := testhelpers.PaymentIntentEvent(EventIntentSucceeded, "pi_1", 2500, "usd", map[string]string{"form_id": "7"})

	event, err := f.ConstructEvent(payload, testhelpers.StripeSignature(payload, webhookSecret, time.Now()), webhookSecret)
	require.NoError(t, err)

	assert.Equal(t, EventIntentSucceeded, event.Type)
	require.NotNil(t, event.Intent)
	assert.Equal(t, "pi_1", event.Intent.ID)
	assert.Equal(t, int64(2500), event.Intent.Amount)
	assert.Equal(t, "usd", event.Intent.Currency)
	assert.Equal(t, "7", event.Intent.Metadata[MetadataFormID])
	assert.Equal(t, []string{"card"}, event.Intent.PaymentMethodTypes)
}

func TestFactory_ConstructEventRejects(t *testing.T) {
	f := NewFactory(config.Stripe{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	payload := testhelpers.PaymentIntentEvent(EventIntentSucceeded, "pi_1", 2500, "usd", nil)

	tests := []struct {
		name     string
		payload  []byte
		header   string
		wantKind apperr.Kind
	}{
		{name: "missing header", payload: payload, header: "", wantKind: apperr.KindSignature},
		{name: "wrong secret", payload: payload, header: testhelpers.StripeSignature(payload, "whsec_other", time.Now()), wantKind: apperr.KindSignature},
		{name: "too old", payload: payload, header: testhelpers.StripeSignature(payload, webhookSecret, time.Now().Add(-time.Hour)), wantKind: apperr.KindSignature},
		{name: "tampered body", payload: append([]byte(" "), payload...), header: testhelpers.StripeSignature(payload, webhookSecret, time.Now()), wantKind: apperr.KindSignature},
		{name: "malformed json", payload: []byte("{"), header: testhelpers.StripeSignature([]byte("{"), webhookSecret, time.Now()), wantKind: apperr.KindValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ConstructEvent(tt.payload, tt.header, webhookSecret)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, apperr.KindOf(err))
		})
	}
}
