package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorCode string

const (
	ValidationError        ErrorCode = "validation_error"
	InvalidStateTransition ErrorCode = "invalid_state_transition"
	CurrencyMismatch       ErrorCode = "currency_mismatch"
	InsufficientBalance    ErrorCode = "insufficient_balance"
	LimitExceeded          ErrorCode = "limit_exceeded"
	ExternalFailure        ErrorCode = "external_failure"
	NotFound               ErrorCode = "not_found"
	PaymentNotFound        ErrorCode = "payment_not_found"
	TransactionNotFound    ErrorCode = "transaction_not_found"
	PaymentMethodNotFound  ErrorCode = "payment_method_not_found"
	RefundNotFound         ErrorCode = "refund_not_found"
	ThreeDSecureNotFound   ErrorCode = "three_d_secure_not_found"
	PaymentExpired         ErrorCode = "payment_expired"
	AuthorizationExpired   ErrorCode = "authorization_expired"
	ConcurrencyConflict    ErrorCode = "concurrency_conflict"
	DuplicatePayment       ErrorCode = "duplicate_payment"
	DuplicateRequest       ErrorCode = "duplicate_request"
	InvalidInput           ErrorCode = "invalid_input"
	InternalError          ErrorCode = "internal_error"
)

type AppError struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

func (e AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches on the error code so callers can compare against the predefined
// errors even when a message was customised.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func NewAppError(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

func NewAppErrorf(code ErrorCode, format string, args ...interface{}) *AppError {
	return &AppError{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// WithDetails returns a copy so the predefined errors are never mutated.
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// Retryable reports whether the caller may safely retry the same request.
func (e *AppError) Retryable() bool {
	return e.Code == ConcurrencyConflict
}

func (e *AppError) HTTPStatus() int {
	switch e.Code {
	case ValidationError, InvalidInput, CurrencyMismatch:
		return http.StatusBadRequest
	case NotFound, PaymentNotFound, TransactionNotFound, PaymentMethodNotFound, RefundNotFound, ThreeDSecureNotFound:
		return http.StatusNotFound
	case ConcurrencyConflict, DuplicatePayment, DuplicateRequest:
		return http.StatusConflict
	case InvalidStateTransition, InsufficientBalance, LimitExceeded, PaymentExpired, AuthorizationExpired:
		return http.StatusUnprocessableEntity
	case ExternalFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// As extracts an *AppError from err, wrapping anything else as an internal error.
func As(err error) *AppError {
	if err == nil {
		return nil
	}
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return NewAppError(InternalError, "an unexpected error occurred").WithDetails(err.Error())
}

func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

func Validationf(format string, args ...interface{}) *AppError {
	return NewAppErrorf(ValidationError, format, args...)
}

func InvalidTransitionf(format string, args ...interface{}) *AppError {
	return NewAppErrorf(InvalidStateTransition, format, args...)
}

// Predefined errors for common cases
var (
	ErrValidation             = NewAppError(ValidationError, "validation failed")
	ErrInvalidTransition      = NewAppError(InvalidStateTransition, "operation not allowed in current state")
	ErrCurrencyMismatch       = NewAppError(CurrencyMismatch, "currency mismatch")
	ErrInsufficientBalance    = NewAppError(InsufficientBalance, "amount exceeds available balance")
	ErrLimitExceeded          = NewAppError(LimitExceeded, "amount exceeds configured limit")
	ErrExternalFailure        = NewAppError(ExternalFailure, "external service failure")
	ErrNotFound               = NewAppError(NotFound, "resource not found")
	ErrPaymentNotFound        = NewAppError(PaymentNotFound, "payment not found")
	ErrTransactionNotFound    = NewAppError(TransactionNotFound, "transaction not found")
	ErrPaymentMethodNotFound  = NewAppError(PaymentMethodNotFound, "payment method not found")
	ErrRefundNotFound         = NewAppError(RefundNotFound, "refund not found")
	ErrThreeDSecureNotFound   = NewAppError(ThreeDSecureNotFound, "3-D Secure authentication not found")
	ErrPaymentExpired         = NewAppError(PaymentExpired, "payment has expired")
	ErrAuthorizationExpired   = NewAppError(AuthorizationExpired, "authorization has expired")
	ErrConcurrencyConflict    = NewAppError(ConcurrencyConflict, "resource was modified concurrently, retry the request")
	ErrDuplicatePayment       = NewAppError(DuplicatePayment, "payment already exists")
	ErrDuplicateRequest       = NewAppError(DuplicateRequest, "request with this idempotency key is in progress")
	ErrInvalidInput           = NewAppError(InvalidInput, "invalid input")
	ErrCannotBeginTransaction = NewAppError(InternalError, "cannot begin nested database transaction")
)
