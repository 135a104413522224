package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/client"
	"github.com/stripe/stripe-go/v74/webhook"

	"payment-form-service/internal/apperr"
	"payment-form-service/internal/config"
	"payment-form-service/internal/settings"
)

const defaultTimeoutMs = 10_000

// Factory builds processor clients for a settings snapshot. The HTTP client
// is shared; API keys are not.
type Factory struct {
	httpClient *http.Client
	url        string
	logger     *slog.Logger
}

func NewFactory(cfg config.Stripe, logger *slog.Logger) *Factory {
	timeoutMs := cfg.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = defaultTimeoutMs
	}
	url := cfg.URL
	if url == "" {
		url = stripe.APIURL
	}
	return &Factory{
		httpClient: &http.Client{Timeout: time.Duration(timeoutMs) * time.Millisecond},
		url:        url,
		logger:     logger,
	}
}

// Gateway returns a client authenticated with the secret key of the
// snapshot's mode.
func (f *Factory) Gateway(s settings.Settings) (Gateway, error) {
	key := s.SecretKey()
	if key == "" {
		return nil, apperr.Configuration("Payment processor is not configured")
	}

	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{
		HTTPClient:        f.httpClient,
		URL:               stripe.String(f.url),
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &leveledLogger{logger: f.logger},
	})

	api := &client.API{}
	api.Init(key, &stripe.Backends{API: backend, Connect: backend, Uploads: backend})

	return &StripeGateway{api: api, logger: f.logger}, nil
}

// ConstructEvent verifies the Stripe-Signature header over the raw body.
func (f *Factory) ConstructEvent(payload []byte, header, secret string) (*Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, header, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, apperr.Signature(err, "Invalid signature")
		}
		return nil, apperr.Wrap(apperr.KindValidation, err, "Invalid payload")
	}

	result := &Event{ID: event.ID, Type: string(event.Type)}
	if strings.HasPrefix(result.Type, "payment_intent.") && event.Data != nil {
		var pi stripe.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "Invalid payload")
		}
		result.Intent = intentObject(&pi)
	}
	return result, nil
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}

func intentObject(pi *stripe.PaymentIntent) *IntentObject {
	obj := &IntentObject{
		ID:                 pi.ID,
		Amount:             pi.Amount,
		Currency:           string(pi.Currency),
		Status:             string(pi.Status),
		Metadata:           pi.Metadata,
		PaymentMethodTypes: pi.PaymentMethodTypes,
		ReceiptEmail:       pi.ReceiptEmail,
	}
	if pi.LastPaymentError != nil {
		obj.FailureMessage = pi.LastPaymentError.Msg
	}
	return obj
}

type StripeGateway struct {
	api    *client.API
	logger *slog.Logger
}

func (g *StripeGateway) CreateIntent(ctx context.Context, req IntentRequest) (*Intent, error) {
	if !req.Amount.IsPositive() {
		return nil, apperr.Validation("Invalid payment amount")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(MinorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			g.logger.WarnContext(ctx, "Payment intent rejected", "code", stripeErr.Code, "message", stripeErr.Msg)
			return nil, apperr.Provider(err, stripeErr.Msg)
		}
		g.logger.ErrorContext(ctx, "Error creating payment intent", "error", err)
		return nil, apperr.Provider(err, "Payment processor unreachable")
	}

	return &Intent{ID: pi.ID, ClientSecret: pi.ClientSecret}, nil
}

// leveledLogger routes stripe-go's internal logging into slog.
type leveledLogger struct {
	logger *slog.Logger
}

func (l *leveledLogger) Debugf(format string, v ...interface{}) {
	l.logger.Debug("stripe", "message", fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Infof(format string, v ...interface{}) {
	l.logger.Debug("stripe", "message", fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Warnf(format string, v ...interface{}) {
	l.logger.Warn("stripe", "message", fmt.Sprintf(format, v...))
}

func (l *leveledLogger) Errorf(format string, v ...interface{}) {
	l.logger.Error("stripe", "message", fmt.Sprintf(format, v...))
}
