package ledgerxgo

import (
	"context"
	"errors"
	"fmt"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInternalServer     = errors.New("internal server error")
	ErrServiceBusy        = errors.New("service busy")
	ErrServiceUnavailable = errors.New("service temporarily unavailable")
)

// ErrBadRequest is an InvalidArgument failure. Fields maps each offending
// input to the reason it was rejected.
type ErrBadRequest struct {
	Fields map[string]string `json:"fields"`
}

func (e ErrBadRequest) Error() string {
	return fmt.Sprintf("missing/invalid params: %v", e.Fields)
}

type ErrNotFound struct {
	Resource string       `json:"resource"`
	ID       snowflake.ID `json:"id"`
}

func (e ErrNotFound) Error() string {
	if e.Resource == "" {
		return "record not found"
	}
	return fmt.Sprintf("%s `%v` not found", e.Resource, e.ID)
}

type ErrAccountInactive struct {
	AcctID snowflake.ID `json:"account_id"`
}

func (e ErrAccountInactive) Error() string {
	return fmt.Sprintf("account `%v` is inactive", e.AcctID)
}

type ErrCurrencyMismatch struct {
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

func (e ErrCurrencyMismatch) Error() string {
	return fmt.Sprintf("currency mismatch: expected %s, got %s", e.Expected, e.Actual)
}

type ErrInsufficientFunds struct {
	AcctID snowflake.ID `json:"account_id"`
}

func (e ErrInsufficientFunds) Error() string {
	return fmt.Sprintf("insufficient funds in account `%v`", e.AcctID)
}

type ErrInvalidOperation struct {
	Reason string `json:"reason"`
}

func (e ErrInvalidOperation) Error() string {
	return "invalid operation: " + e.Reason
}

// ErrLockTimeout is returned when the account lock(s) could not be acquired in
// time. Nothing was mutated, so the whole operation may be retried.
type ErrLockTimeout struct {
	AcctIDs []snowflake.ID `json:"account_ids"`
}

func (e ErrLockTimeout) Error() string {
	return fmt.Sprintf("timed out acquiring lock on accounts %v", e.AcctIDs)
}

type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindInvalidArgument
	KindNotFound
	KindAccountInactive
	KindCurrencyMismatch
	KindInsufficientFunds
	KindInvalidOperation
	KindLockTimeout
	KindServiceBusy
	KindServiceUnavailable
	KindCanceled
)

var kindNames = map[ErrorKind]string{
	KindInternal:           "Internal",
	KindInvalidArgument:    "InvalidArgument",
	KindNotFound:           "NotFound",
	KindAccountInactive:    "AccountInactive",
	KindCurrencyMismatch:   "CurrencyMismatch",
	KindInsufficientFunds:  "InsufficientFunds",
	KindInvalidOperation:   "InvalidOperation",
	KindLockTimeout:        "LockTimeout",
	KindServiceBusy:        "ServiceBusy",
	KindServiceUnavailable: "ServiceUnavailable",
	KindCanceled:           "Canceled",
}

func (k ErrorKind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// KindOf classifies err into the ledger error taxonomy.
func KindOf(err error) ErrorKind {
	switch {
	case errors.As(err, &ErrBadRequest{}):
		return KindInvalidArgument
	case errors.As(err, &ErrNotFound{}):
		return KindNotFound
	case errors.As(err, &ErrAccountInactive{}):
		return KindAccountInactive
	case errors.As(err, &ErrCurrencyMismatch{}):
		return KindCurrencyMismatch
	case errors.As(err, &ErrInsufficientFunds{}):
		return KindInsufficientFunds
	case errors.As(err, &ErrInvalidOperation{}):
		return KindInvalidOperation
	case errors.As(err, &ErrLockTimeout{}):
		return KindLockTimeout
	case errors.Is(err, ErrServiceBusy):
		return KindServiceBusy
	case errors.Is(err, ErrServiceUnavailable):
		return KindServiceUnavailable
	case errors.Is(err, context.Canceled):
		return KindCanceled
	default:
		return KindInternal
	}
}

// IsRetryable reports whether the failed operation had no effect and may be
// reissued unchanged.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindLockTimeout, KindServiceBusy, KindServiceUnavailable:
		return true
	default:
		return false
	}
}

// isDomainError reports failures caused by the request rather than by the
// system serving it.
func isDomainError(err error) bool {
	switch KindOf(err) {
	case KindInvalidArgument, KindNotFound, KindAccountInactive,
		KindCurrencyMismatch, KindInsufficientFunds, KindInvalidOperation:
		return true
	default:
		return false
	}
}
