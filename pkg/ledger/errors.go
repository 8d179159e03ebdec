package ledger

import (
	"context"
	"errors"
	"fmt"
)

// Domain-level error values returned by the ledger services.
var (
	ErrInsufficientCredits       = errors.New("insufficient credits")
	ErrWalletNotFound            = errors.New("wallet not found")
	ErrUnknownReservation        = errors.New("unknown reservation")
	ErrReservationExists         = errors.New("reservation already exists")
	ErrReservationClosed         = errors.New("reservation closed")
	ErrReservationExpired        = errors.New("reservation expired")
	ErrDuplicateIdempotencyKey   = errors.New("duplicate idempotency key")
	ErrDuplicateReservationDebit = errors.New("duplicate reservation debit")
	ErrDuplicatePayment          = errors.New("duplicate payment")
	ErrLedgerKeyInUse            = errors.New("ledger key already used by another entry")
	ErrUnknownPayment            = errors.New("unknown payment")
	ErrInvalidPaymentState       = errors.New("invalid payment state")
	ErrInvalidPaymentID          = errors.New("invalid payment id")
	ErrInvalidRefundID           = errors.New("invalid refund id")
	ErrUnknownCheckoutIntent     = errors.New("unknown checkout intent")
	ErrInvalidCheckoutState      = errors.New("invalid checkout state")
	ErrInvalidUserID             = errors.New("invalid user id")
	ErrInvalidReservationID      = errors.New("invalid reservation id")
	ErrInvalidOperationID        = errors.New("invalid operation id")
	ErrInvalidOperationCode      = errors.New("invalid operation code")
	ErrInvalidIdempotencyKey     = errors.New("invalid idempotency key")
	ErrInvalidCredits            = errors.New("invalid credits")
	ErrInvalidEntry              = errors.New("invalid ledger entry")
	ErrInvalidTxType             = errors.New("invalid tx type")
	ErrInvalidReservationStatus  = errors.New("invalid reservation status")
	ErrInvalidCheckoutStatus     = errors.New("invalid checkout status")
	ErrInvalidPaymentStatus      = errors.New("invalid payment status")
	ErrInvalidCheckoutIntentID   = errors.New("invalid checkout intent id")
	ErrInvalidMetadataJSON       = errors.New("invalid metadata json")
	ErrInvalidTTL                = errors.New("invalid reservation ttl")
	ErrInvalidServiceConfig      = errors.New("invalid service config")
	ErrInvalidBalance            = errors.New("invalid balance")
)

// OperationError wraps a failure with a stable operation code.
type OperationError struct {
	operation string
	subject   string
	code      string
	err       error
}

// Error returns the formatted error message.
func (operationError OperationError) Error() string {
	return fmt.Sprintf("%s.%s.%s: %v", operationError.operation, operationError.subject, operationError.code, operationError.err)
}

// Unwrap returns the underlying error.
func (operationError OperationError) Unwrap() error {
	return operationError.err
}

// Operation returns the operation segment.
func (operationError OperationError) Operation() string {
	return operationError.operation
}

// Subject returns the subject segment.
func (operationError OperationError) Subject() string {
	return operationError.subject
}

// Code returns the stable error code segment.
func (operationError OperationError) Code() string {
	return operationError.code
}

// WrapError wraps an error with operation, subject, and code metadata.
func WrapError(operation string, subject string, code string, err error) error {
	if err == nil {
		return nil
	}
	return OperationError{
		operation: operation,
		subject:   subject,
		code:      code,
		err:       err,
	}
}

// ErrorClass tells callers how to react to a failure.
type ErrorClass string

const (
	ErrorClassNone                ErrorClass = ""
	ErrorClassValidation          ErrorClass = "validation"
	ErrorClassInsufficientCredits ErrorClass = "insufficient_credits"
	ErrorClassNotFound            ErrorClass = "not_found"
	ErrorClassConflict            ErrorClass = "conflict"
	ErrorClassInvalidState        ErrorClass = "invalid_state"
	ErrorClassCanceled            ErrorClass = "canceled"
	ErrorClassCorruptData         ErrorClass = "corrupt_data"
	ErrorClassInternal            ErrorClass = "internal"
)

var validationErrors = []error{
	ErrInvalidUserID,
	ErrInvalidReservationID,
	ErrInvalidOperationID,
	ErrInvalidOperationCode,
	ErrInvalidIdempotencyKey,
	ErrInvalidCredits,
	ErrInvalidEntry,
	ErrInvalidTxType,
	ErrInvalidCheckoutIntentID,
	ErrInvalidMetadataJSON,
	ErrInvalidTTL,
	ErrInvalidPaymentID,
	ErrInvalidRefundID,
}

// corruptDataErrors come from stored rows that no longer parse; retrying reads the same row.
var corruptDataErrors = []error{
	ErrInvalidReservationStatus,
	ErrInvalidCheckoutStatus,
	ErrInvalidPaymentStatus,
}

// Classify maps an error onto its ErrorClass.
func Classify(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	for _, validationError := range validationErrors {
		if errors.Is(err, validationError) {
			return ErrorClassValidation
		}
	}
	for _, corruptDataError := range corruptDataErrors {
		if errors.Is(err, corruptDataError) {
			return ErrorClassCorruptData
		}
	}
	switch {
	case errors.Is(err, ErrInsufficientCredits):
		return ErrorClassInsufficientCredits
	case errors.Is(err, ErrUnknownReservation), errors.Is(err, ErrUnknownCheckoutIntent), errors.Is(err, ErrWalletNotFound), errors.Is(err, ErrUnknownPayment):
		return ErrorClassNotFound
	case errors.Is(err, ErrReservationExists), errors.Is(err, ErrDuplicateIdempotencyKey), errors.Is(err, ErrDuplicateReservationDebit), errors.Is(err, ErrDuplicatePayment):
		return ErrorClassConflict
	case errors.Is(err, ErrReservationClosed), errors.Is(err, ErrReservationExpired), errors.Is(err, ErrInvalidCheckoutState),
		errors.Is(err, ErrInvalidPaymentState), errors.Is(err, ErrLedgerKeyInUse), errors.Is(err, ErrInvalidBalance):
		return ErrorClassInvalidState
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ErrorClassCanceled
	}
	return ErrorClassInternal
}

// IsRetryable reports whether repeating the same call may succeed without upstream changes.
func IsRetryable(err error) bool {
	switch Classify(err) {
	case ErrorClassConflict, ErrorClassCanceled, ErrorClassInternal:
		return true
	}
	return false
}
