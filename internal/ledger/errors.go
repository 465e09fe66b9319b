package ledger

import (
	"context"
	"errors"

	"persona-ledger/internal/pricing"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrConflict is returned by a Store when a commit lost an optimistic
	// race. It is the only error the Coordinator retries.
	ErrConflict = errors.New("write conflict")

	// ErrConflictExhausted means every allowed attempt ended in ErrConflict.
	ErrConflictExhausted = errors.New("write conflict: retries exhausted")

	// ErrInvalidPrice aliases pricing.ErrInvalidPrice so callers can match
	// every send failure against this package.
	ErrInvalidPrice = pricing.ErrInvalidPrice
)

// PreconditionError reports a conversation or persona that is not in a
// sendable state. The package-level values are compared by identity.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "precondition failed: " + e.Reason
}

var (
	ErrLocationRequired = &PreconditionError{Reason: "location_required"}
	ErrAiNotFound       = &PreconditionError{Reason: "ai_not_found"}
	ErrAiNotActive      = &PreconditionError{Reason: "ai_not_active"}
	ErrAiAvatarPending  = &PreconditionError{Reason: "ai_avatar_pending"}
)

// ErrorKind is a stable classification of send failures, used for HTTP
// status mapping and metric labels.
type ErrorKind string

const (
	KindNone                ErrorKind = ""
	KindInvalidArgument     ErrorKind = "invalid_argument"
	KindNotFound            ErrorKind = "not_found"
	KindPrecondition        ErrorKind = "precondition"
	KindInvalidPrice        ErrorKind = "invalid_price"
	KindInsufficientBalance ErrorKind = "insufficient_balance"
	KindConflict            ErrorKind = "conflict"
	KindConflictExhausted   ErrorKind = "conflict_exhausted"
	KindCanceled            ErrorKind = "canceled"
	KindInternal            ErrorKind = "internal"
)

func KindOf(err error) ErrorKind {
	var pe *PreconditionError
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrConflictExhausted):
		return KindConflictExhausted
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.As(err, &pe):
		return KindPrecondition
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidPrice):
		return KindInvalidPrice
	case errors.Is(err, ErrInsufficientBalance):
		return KindInsufficientBalance
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	default:
		return KindInternal
	}
}

// PreconditionReason returns the gate reason carried by err, if any.
func PreconditionReason(err error) (string, bool) {
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return pe.Reason, true
	}
	return "", false
}
