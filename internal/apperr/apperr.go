package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for callers that need to map it to a response
// without inspecting the message.
type Kind string

const (
	KindValidation              Kind = "validation"
	KindNotFound                Kind = "not_found"
	KindForbidden               Kind = "forbidden"
	KindConflict                Kind = "conflict"
	KindInvalidTransition       Kind = "invalid_transition"
	KindInsufficientStock       Kind = "insufficient_stock"
	KindProductUnavailable      Kind = "product_unavailable"
	KindRefundExceedsBalance    Kind = "refund_exceeds_balance"
	KindInvalidSignature        Kind = "invalid_signature"
	KindCollaboratorUnavailable Kind = "collaborator_unavailable"
)

// Error carries a kind plus a caller-safe message. Wrapped internal errors
// stay available through errors.Unwrap but are never rendered to clients.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an error with the given kind and message.
func New(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

// Newf builds an error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or an empty kind if err was not built
// by this package.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// MessageOf returns the caller-safe message of err, or a generic fallback
// for errors outside the taxonomy.
func MessageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
