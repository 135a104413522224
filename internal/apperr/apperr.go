// Package apperr classifies failures of the payment workflow so that the HTTP
// boundary can turn them into structured responses.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindInternal Kind = iota
	KindConfiguration
	KindAuthorization
	KindValidation
	KindNotFound
	KindProvider
	KindSignature
	KindPersistence
)

func (k Kind) String() string {
	switch k {
	case KindConfiguration:
		return "configuration"
	case KindAuthorization:
		return "authorization"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindProvider:
		return "provider"
	case KindSignature:
		return "signature"
	case KindPersistence:
		return "persistence"
	default:
		return "internal"
	}
}

// Error carries a kind and a message that is safe to return to the caller.
// The wrapped cause is for logs only.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, msg string) error {
	return errors.WithStack(&Error{Kind: kind, Msg: msg})
}

func Wrap(kind Kind, err error, msg string) error {
	return errors.WithStack(&Error{Kind: kind, Msg: msg, Err: err})
}

func Configuration(msg string) error { return New(KindConfiguration, msg) }
func Authorization(msg string) error { return New(KindAuthorization, msg) }
func Validation(msg string) error    { return New(KindValidation, msg) }
func NotFound(msg string) error      { return New(KindNotFound, msg) }

func Provider(err error, msg string) error    { return Wrap(KindProvider, err, msg) }
func Signature(err error, msg string) error   { return Wrap(KindSignature, err, msg) }
func Persistence(err error, msg string) error { return Wrap(KindPersistence, err, msg) }

func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Message returns the caller-facing message, hiding causes of unclassified errors.
func Message(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return "Internal error"
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthorization:
		return http.StatusForbidden
	case KindValidation, KindSignature:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindProvider:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}
