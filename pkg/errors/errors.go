package errors

import (
	"errors"
	"fmt"
	"net/http"

	"livecast/internal/core/domain"
)

// ErrorCode classifies failures at the API edge.
type ErrorCode string

const (
	ErrCodeAuth         ErrorCode = "AUTH_ERROR"
	ErrCodeConflict     ErrorCode = "CONFLICT"
	ErrCodeNotFound     ErrorCode = "NOT_FOUND"
	ErrCodeNegotiation  ErrorCode = "NEGOTIATION_ERROR"
	ErrCodeRelay        ErrorCode = "RELAY_ERROR"
	ErrCodeStorage      ErrorCode = "STORAGE_ERROR"
	ErrCodeCapacity     ErrorCode = "CAPACITY_ERROR"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeInternal     ErrorCode = "INTERNAL_ERROR"
)

// AppError carries a code and HTTP status alongside the underlying cause.
type AppError struct {
	Code       ErrorCode
	Message    string
	HTTPStatus int
	Cause      error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func New(code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus}
}

func Wrap(err error, code ErrorCode, message string, httpStatus int) *AppError {
	return &AppError{Code: code, Message: message, HTTPStatus: httpStatus, Cause: err}
}

func NewAuthError(message string) *AppError {
	return New(ErrCodeAuth, message, http.StatusUnauthorized)
}

func NewConflictError(message string) *AppError {
	return New(ErrCodeConflict, message, http.StatusConflict)
}

func NewNotFoundError(resource string) *AppError {
	return New(ErrCodeNotFound, fmt.Sprintf("%s not found", resource), http.StatusNotFound)
}

func NewCapacityError(message string) *AppError {
	return New(ErrCodeCapacity, message, http.StatusTooManyRequests)
}

func NewInvalidInputError(message string) *AppError {
	return New(ErrCodeInvalidInput, message, http.StatusBadRequest)
}

func NewInternalError(message string) *AppError {
	return New(ErrCodeInternal, message, http.StatusInternalServerError)
}

// FromDomain maps core sentinel errors onto API errors. Unknown errors
// become internal without leaking detail to clients.
func FromDomain(err error) *AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, domain.ErrBadCredential):
		return Wrap(err, ErrCodeAuth, "invalid stream credential", http.StatusUnauthorized)
	case errors.Is(err, domain.ErrPublisherConflict):
		return Wrap(err, ErrCodeConflict, "stream already has a publisher", http.StatusConflict)
	case errors.Is(err, domain.ErrStreamNotFound):
		return Wrap(err, ErrCodeNotFound, "stream not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrRecordingNotFound):
		return Wrap(err, ErrCodeNotFound, "recording not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrCapacityReached):
		return Wrap(err, ErrCodeCapacity, "capacity reached", http.StatusTooManyRequests)
	case errors.Is(err, domain.ErrNegotiationFailed):
		return Wrap(err, ErrCodeNegotiation, "handshake failed", http.StatusBadRequest)
	case errors.Is(err, domain.ErrStorageFault):
		return Wrap(err, ErrCodeStorage, "storage fault", http.StatusInternalServerError)
	case errors.Is(err, domain.ErrRelayFault):
		return Wrap(err, ErrCodeRelay, "relay fault", http.StatusInternalServerError)
	default:
		return Wrap(err, ErrCodeInternal, "internal error", http.StatusInternalServerError)
	}
}

// GetAppError extracts an AppError from an error chain, or nil.
func GetAppError(err error) *AppError {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
