// Package intake accepts public form submissions and opens a payment intent
// for each of them.
package intake

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"payment-form-service/internal/apperr"
	"payment-form-service/internal/db"
	"payment-form-service/internal/form"
	"payment-form-service/internal/logging"
	"payment-form-service/internal/payment"
	"payment-form-service/internal/settings"
	"payment-form-service/internal/token"
)

var (
	intakeSuccessCounter       = metrics.GetOrCreateCounter(`intake_total{result="success"}`)
	intakeRejectedCounter      = metrics.GetOrCreateCounter(`intake_total{result="rejected"}`)
	intakeProviderErrorCounter = metrics.GetOrCreateCounter(`intake_total{result="provider_error"}`)
	intakeErrorCounter         = metrics.GetOrCreateCounter(`intake_total{result="error"}`)

	intakeDurationHistogram = metrics.GetOrCreateHistogram(`intake_duration_milliseconds`)
)

type Request struct {
	Nonce    string
	FormID   string
	FormData string
}

type Result struct {
	ClientSecret string `json:"client_secret"`
	SubmissionID int64  `json:"submission_id"`
}

type FormGetter interface {
	Get(ctx context.Context, id int64) (*form.Definition, error)
}

type SubmissionRepository interface {
	Create(ctx context.Context, entity *db.SubmissionEntity) (*db.SubmissionEntity, error)
	SetPaymentIntent(ctx context.Context, id int64, paymentIntentID string) error
	TransitionStatus(ctx context.Context, id int64, from, to string) (bool, error)
}

// Tokens are verified first and consumed only right before the submission is
// stored.
type Tokens interface {
	Verify(tok, action string, formID int64) (*token.Claims, error)
	Consume(ctx context.Context, tok, action string, formID int64) error
}

type GatewayFactory interface {
	Gateway(s settings.Settings) (payment.Gateway, error)
}

type SettingsSource interface {
	Current() settings.Settings
}

type Service struct {
	forms       FormGetter
	submissions SubmissionRepository
	tokens      Tokens
	gateways    GatewayFactory
	settings    SettingsSource
	logger      *slog.Logger
}

func NewService(forms FormGetter, submissions SubmissionRepository, tokens Tokens, gateways GatewayFactory,
	settings SettingsSource, logger *slog.Logger) *Service {
	return &Service{
		forms:       forms,
		submissions: submissions,
		tokens:      tokens,
		gateways:    gateways,
		settings:    settings,
		logger:      logger,
	}
}

var validate = validator.New()

// Submit validates a submission against the stored form definition, records
// it as pending and creates a payment intent for the definition's amount.
func (s *Service) Submit(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	defer func() {
		intakeDurationHistogram.Update(float64(time.Since(start).Milliseconds()))
	}()

	result, err := s.submit(ctx, req)
	switch {
	case err == nil:
		intakeSuccessCounter.Inc()
	case apperr.Is(err, apperr.KindProvider):
		intakeProviderErrorCounter.Inc()
	case apperr.Is(err, apperr.KindValidation), apperr.Is(err, apperr.KindAuthorization):
		intakeRejectedCounter.Inc()
	default:
		intakeErrorCounter.Inc()
	}
	return result, err
}

func (s *Service) submit(ctx context.Context, req Request) (*Result, error) {
	snapshot := s.settings.Current()
	gateway, err := s.gateways.Gateway(snapshot)
	if err != nil {
		s.logger.ErrorContext(ctx, "Payment processor is not configured", "mode", snapshot.Mode())
		return nil, err
	}

	formID, _ := strconv.ParseInt(strings.TrimSpace(req.FormID), 10, 64)
	if _, err := s.tokens.Verify(req.Nonce, token.ActionProcessPaymentForm, formID); err != nil {
		s.logger.WarnContext(ctx, "Rejected security token", "formId", req.FormID, "error", err)
		return nil, apperr.Wrap(apperr.KindAuthorization, err, "Invalid security token")
	}

	if formID <= 0 {
		return nil, apperr.Validation("Invalid form ID")
	}
	ctx = logging.AppendCtx(ctx, slog.Int64("formId", formID))

	def, err := s.forms.Get(ctx, formID)
	if apperr.Is(err, apperr.KindNotFound) {
		return nil, apperr.Validation("Invalid form ID")
	}
	if err != nil {
		return nil, err
	}

	data, err := cleanFormData(def, req.FormData)
	if err != nil {
		return nil, err
	}

	if !def.Amount.IsPositive() {
		return nil, apperr.Validation("Invalid payment amount")
	}

	rawData, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, "marshal submission data")
	}

	if err := s.tokens.Consume(ctx, req.Nonce, token.ActionProcessPaymentForm, formID); err != nil {
		s.logger.WarnContext(ctx, "Rejected security token", "error", err)
		return nil, apperr.Wrap(apperr.KindAuthorization, err, "Invalid security token")
	}

	submission, err := s.submissions.Create(ctx, &db.SubmissionEntity{
		FormID:        def.ID,
		Data:          rawData,
		PaymentStatus: db.PaymentStatusPending,
		Amount:        def.Amount,
		Currency:      def.Currency,
		Mode:          snapshot.Mode(),
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Error saving submission", "error", err)
		return nil, apperr.Persistence(err, "Failed to save submission")
	}
	ctx = logging.AppendCtx(ctx, slog.Int64("submissionId", submission.ID))

	intent, err := gateway.CreateIntent(ctx, payment.IntentRequest{
		Amount:   def.Amount,
		Currency: def.Currency,
		Metadata: map[string]string{
			payment.MetadataFormID:       strconv.FormatInt(def.ID, 10),
			payment.MetadataSubmissionID: strconv.FormatInt(submission.ID, 10),
			payment.MetadataMode:         snapshot.Mode(),
		},
	})
	if err != nil {
		if _, markErr := s.submissions.TransitionStatus(ctx, submission.ID, db.PaymentStatusPending, db.PaymentStatusFailed); markErr != nil {
			s.logger.ErrorContext(ctx, "Error marking submission failed", "error", markErr)
		}
		return nil, err
	}

	if err := s.submissions.SetPaymentIntent(ctx, submission.ID, intent.ID); err != nil {
		s.logger.ErrorContext(ctx, "Error storing payment intent", "paymentIntentId", intent.ID, "error", err)
		return nil, apperr.Persistence(err, "Failed to save submission")
	}

	s.logger.InfoContext(ctx, "Payment intent created", "paymentIntentId", intent.ID, "mode", snapshot.Mode())
	return &Result{ClientSecret: intent.ClientSecret, SubmissionID: submission.ID}, nil
}

// cleanFormData keeps the values of fields the form defines and checks them
// against the field rules. Unknown labels are dropped.
func cleanFormData(def *form.Definition, raw string) (map[string]string, error) {
	var input map[string]any
	if strings.TrimSpace(raw) == "" || json.Unmarshal([]byte(raw), &input) != nil || len(input) == 0 {
		return nil, apperr.Validation("Form data is required")
	}

	data := make(map[string]string, len(def.Fields))
	for _, field := range def.Fields {
		value := strings.TrimSpace(stringValue(input[field.Label]))
		if value == "" {
			if field.Required {
				return nil, apperr.Validation(fmt.Sprintf("%s is required", field.Label))
			}
			continue
		}
		if field.Type == form.FieldEmail && validate.Var(value, "email") != nil {
			return nil, apperr.Validation(fmt.Sprintf("%s must be a valid email address", field.Label))
		}
		data[field.Label] = value
	}
	return data, nil
}

func stringValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case string:
		return value
	default:
		return fmt.Sprint(value)
	}
}
