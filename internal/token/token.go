// Package token issues and checks the signed anti-forgery tokens that gate
// the public submission endpoint and the ledger filter.
package token

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const (
	ActionProcessPaymentForm = "process_payment_form"
	ActionFilterTransactions = "filter_transactions"
)

var (
	ErrInvalid = errors.New("invalid token")
	ErrExpired = errors.New("token expired")
	ErrUsed    = errors.New("token already used")
)

type Claims struct {
	Action string    `json:"action"`
	FormID int64     `json:"form_id,omitempty"`
	JTI    uuid.UUID `json:"jti"`
	Exp    int64     `json:"exp"`
}

// NonceStore records consumed token ids. Consume reports false when the id
// was seen before.
type NonceStore interface {
	Consume(ctx context.Context, id uuid.UUID, expiresAt time.Time) (bool, error)
}

type Issuer struct {
	secret []byte
	ttl    time.Duration
	store  NonceStore
	now    func() time.Time
}

func NewIssuer(secret string, ttl time.Duration, store NonceStore) *Issuer {
	return &Issuer{secret: []byte(secret), ttl: ttl, store: store, now: time.Now}
}

// Issue returns a token for action. A zero formID leaves the token unbound.
func (i *Issuer) Issue(action string, formID int64) (string, error) {
	claims := Claims{
		Action: action,
		FormID: formID,
		JTI:    uuid.New(),
		Exp:    i.now().Add(i.ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", errors.Wrap(err, "marshal claims")
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + base64.RawURLEncoding.EncodeToString(i.sign(encoded)), nil
}

// Verify checks signature, expiry, action and the bound form id.
func (i *Issuer) Verify(token, action string, formID int64) (*Claims, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return nil, ErrInvalid
	}
	got, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil || !hmac.Equal(got, i.sign(encoded)) {
		return nil, ErrInvalid
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, ErrInvalid
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, ErrInvalid
	}

	if claims.Action != action || claims.FormID != formID {
		return nil, ErrInvalid
	}
	if i.now().Unix() >= claims.Exp {
		return nil, ErrExpired
	}
	return &claims, nil
}

// Consume verifies the token and marks it used.
func (i *Issuer) Consume(ctx context.Context, token, action string, formID int64) error {
	claims, err := i.Verify(token, action, formID)
	if err != nil {
		return err
	}

	fresh, err := i.store.Consume(ctx, claims.JTI, time.Unix(claims.Exp, 0))
	if err != nil {
		return errors.Wrap(err, "consume token")
	}
	if !fresh {
		return ErrUsed
	}
	return nil
}

func (i *Issuer) sign(encoded string) []byte {
	mac := hmac.New(sha256.New, i.secret)
	mac.Write([]byte(encoded))
	return mac.Sum(nil)
}
