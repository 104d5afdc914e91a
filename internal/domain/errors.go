package domain

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind is the stable, machine-readable class of a ledger failure.
type ErrorKind string

const (
	KindInvalidRecipient   ErrorKind = "InvalidRecipient"
	KindInvalidAmount      ErrorKind = "InvalidAmount"
	KindSelfTransfer       ErrorKind = "SelfTransfer"
	KindAccountNotFound    ErrorKind = "AccountNotFound"
	KindInsufficientFunds  ErrorKind = "InsufficientFunds"
	KindAlreadyProvisioned ErrorKind = "AlreadyProvisioned"
	KindStorageFailure     ErrorKind = "StorageFailure"
	KindTimeout            ErrorKind = "Timeout"
	KindInvalidRequest     ErrorKind = "InvalidRequest"
	KindRequestTokenReused ErrorKind = "RequestTokenReused"
)

// Error is returned by every ledger operation. Message is safe to show to
// callers; Err holds the internal cause and is only logged.
type Error struct {
	Kind    ErrorKind
	Message string
	// Balance is the sender's current balance, set for InsufficientFunds.
	Balance *int64
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrInsufficientFunds)
// holds for an InsufficientFunds error carrying a balance.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

var (
	ErrInvalidRecipient   = &Error{Kind: KindInvalidRecipient, Message: "invalid recipient account id"}
	ErrInvalidAmount      = &Error{Kind: KindInvalidAmount, Message: "amount must be a positive whole number of minor units"}
	ErrSelfTransfer       = &Error{Kind: KindSelfTransfer, Message: "cannot transfer to yourself"}
	ErrAccountNotFound    = &Error{Kind: KindAccountNotFound, Message: "account not found"}
	ErrInsufficientFunds  = &Error{Kind: KindInsufficientFunds, Message: "insufficient balance"}
	ErrAlreadyProvisioned = &Error{Kind: KindAlreadyProvisioned, Message: "account already provisioned"}
	ErrStorageFailure     = &Error{Kind: KindStorageFailure, Message: "internal server error"}
	ErrTimeout            = &Error{Kind: KindTimeout, Message: "transfer timed out, please retry"}
	ErrInvalidRequest     = &Error{Kind: KindInvalidRequest, Message: "invalid request body"}
	// ErrRequestTokenReused is returned when an idempotency key comes back
	// with a different recipient or amount than the transfer it committed.
	ErrRequestTokenReused = &Error{Kind: KindRequestTokenReused, Message: "idempotency key already used for a different transfer"}
)

// ErrConflict marks a transient write conflict (serialization failure,
// deadlock victim, concurrent use of one request token). It never leaves the
// service layer: the engine retries once and then reports StorageFailure.
var ErrConflict = errors.New("transient write conflict")

// ErrAmbiguousCommit means the commit was sent but its outcome is unknown.
// Such a transfer must not be retried.
var ErrAmbiguousCommit = errors.New("commit outcome unknown")

// NewInsufficientFunds reports the balance observed inside the atomic section.
func NewInsufficientFunds(balance int64) *Error {
	return &Error{Kind: KindInsufficientFunds, Message: ErrInsufficientFunds.Message, Balance: &balance}
}

// Wrap attaches an internal cause to a sentinel without changing its kind or
// public message.
func Wrap(sentinel *Error, cause error) *Error {
	return &Error{Kind: sentinel.Kind, Message: sentinel.Message, Balance: sentinel.Balance, Err: cause}
}

// StorageError classifies an infrastructure error. Context deadline becomes
// Timeout; errors that already carry a kind pass through unchanged.
func StorageError(err error) error {
	if err == nil {
		return nil
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(ErrTimeout, err)
	}
	return Wrap(ErrStorageFailure, err)
}

// KindOf returns the kind of err, StorageFailure for unclassified errors.
func KindOf(err error) ErrorKind {
	var le *Error
	if errors.As(err, &le) {
		return le.Kind
	}
	return KindStorageFailure
}

// AsError returns err as a ledger *Error, classifying it first if needed.
func AsError(err error) *Error {
	var le *Error
	if errors.As(StorageError(err), &le) {
		return le
	}
	return nil
}
