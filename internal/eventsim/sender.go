// Package eventsim posts signed processor events to a running service so the
// webhook path can be exercised without the processor's CLI.
package eventsim

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stripe/stripe-go/v74/webhook"

	"payment-form-service/internal/payment"
)

const defaultTimeout = 10 * time.Second

type Event struct {
	Type         string
	FormID       int64
	SubmissionID int64
	Mode         string
	Amount       decimal.Decimal
	Currency     string
}

type Response struct {
	Status int
	Body   string
}

type Sender struct {
	client *resty.Client
	url    string
	secret string
	logger *slog.Logger
}

func NewSender(url, secret string, logger *slog.Logger) *Sender {
	return &Sender{
		client: resty.New().SetTimeout(defaultTimeout),
		url:    url,
		secret: secret,
		logger: logger,
	}
}

// Send signs the event with the webhook secret and posts it.
func (s *Sender) Send(ctx context.Context, e Event) (*Response, error) {
	payload, intentID, err := Payload(e)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "Sending event", "url", s.url, "type", e.Type, "paymentIntentId", intentID)
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetHeader("Stripe-Signature", Sign(payload, s.secret, time.Now())).
		SetBody(payload).
		Post(s.url)
	if err != nil {
		return nil, errors.Wrap(err, "post event")
	}

	s.logger.InfoContext(ctx, "Event delivered", "status", resp.StatusCode(), "body", resp.String())
	return &Response{Status: resp.StatusCode(), Body: resp.String()}, nil
}

// Sign builds a Stripe-Signature header value.
func Sign(payload []byte, secret string, ts time.Time) string {
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(webhook.ComputeSignature(ts, payload, secret)))
}

// Payload renders e as a payment_intent event body with a fresh intent id.
func Payload(e Event) ([]byte, string, error) {
	intentID := "pi_sim_" + uuid.New().String()[:8]

	metadata := map[string]string{}
	if e.FormID > 0 {
		metadata[payment.MetadataFormID] = strconv.FormatInt(e.FormID, 10)
	}
	if e.SubmissionID > 0 {
		metadata[payment.MetadataSubmissionID] = strconv.FormatInt(e.SubmissionID, 10)
	}
	if e.Mode != "" {
		metadata[payment.MetadataMode] = e.Mode
	}

	status := "succeeded"
	if e.Type != payment.EventIntentSucceeded {
		status = "requires_payment_method"
	}

	payload, err := json.Marshal(map[string]any{
		"id":      "evt_sim_" + uuid.New().String()[:8],
		"object":  "event",
		"type":    e.Type,
		"created": time.Now().Unix(),
		"data": map[string]any{
			"object": map[string]any{
				"id":                   intentID,
				"object":               "payment_intent",
				"amount":               payment.MinorUnits(e.Amount),
				"currency":             e.Currency,
				"status":               status,
				"payment_method_types": []string{"card"},
				"metadata":             metadata,
			},
		},
	})
	if err != nil {
		return nil, "", errors.Wrap(err, "marshal event")
	}
	return payload, intentID, nil
}
