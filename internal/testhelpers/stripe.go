package testhelpers

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v74/webhook"
)

// StripeSignature builds a Stripe-Signature header for payload signed at ts.
func StripeSignature(payload []byte, secret string, ts time.Time) string {
	sig := webhook.ComputeSignature(ts, payload, secret)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(sig))
}

// PaymentIntentEvent returns a minimal event body for a payment_intent.* type.
func PaymentIntentEvent(eventType, intentID string, amount int64, currency string, metadata map[string]string) []byte {
	status := "succeeded"
	if eventType != "payment_intent.succeeded" {
		status = "requires_payment_method"
	}

	body, err := json.Marshal(map[string]any{
		"id":          "evt_" + intentID,
		"object":      "event",
		"api_version": "2020-08-27",
		"type":        eventType,
		"data": map[string]any{
			"object": map[string]any{
				"id":                   intentID,
				"object":               "payment_intent",
				"amount":               amount,
				"currency":             currency,
				"status":               status,
				"payment_method_types": []string{"card"},
				"metadata":             metadata,
			},
		},
	})
	if err != nil {
		panic(err)
	}
	return body
}
