package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Classification drives retry decisions across the delivery layer.
// It is assigned where the failure is observed (usually the HTTP boundary)
// so that queues and the rate limiter never inspect error strings.
type Classification string

const (
	// ClassTransient errors (timeouts, 429, 5xx) are retried with backoff.
	ClassTransient Classification = "transient"
	// ClassPermanent errors (other 4xx, validation, unknown kind) are never retried.
	ClassPermanent Classification = "permanent"
	// ClassConflict marks an idempotency key reused with a different payload.
	ClassConflict Classification = "conflict"
)

// AppError represents an application error with HTTP status and retry classification
type AppError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Status     int            `json:"-"`
	Class      Classification `json:"-"`
	StatusCode int            `json:"-"` // upstream HTTP status, 0 when not HTTP-originated
	Err        error          `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Common error codes
const (
	CodeNotFound            = "NOT_FOUND"
	CodeBadRequest          = "BAD_REQUEST"
	CodeConflict            = "CONFLICT"
	CodeIdempotencyConflict = "IDEMPOTENCY_CONFLICT"
	CodeRateLimited         = "RATE_LIMITED"
	CodeUpstreamError       = "UPSTREAM_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeValidationError     = "VALIDATION_ERROR"
	CodeUnknownKind         = "UNKNOWN_KIND"
)

// Common application errors
var (
	ErrNotFound      = &AppError{Code: CodeNotFound, Message: "resource not found", Status: http.StatusNotFound, Class: ClassPermanent}
	ErrBadRequest    = &AppError{Code: CodeBadRequest, Message: "bad request", Status: http.StatusBadRequest, Class: ClassPermanent}
	ErrConflict      = &AppError{Code: CodeConflict, Message: "resource conflict", Status: http.StatusConflict, Class: ClassConflict}
	ErrInternalError = &AppError{Code: CodeInternalError, Message: "internal server error", Status: http.StatusInternalServerError, Class: ClassTransient}
)

// New creates a new AppError
func New(code string, message string, status int) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Status:  status,
		Class:   classForStatus(status),
	}
}

// Wrap wraps an error with an AppError
func Wrap(err error, appErr *AppError) *AppError {
	return &AppError{
		Code:       appErr.Code,
		Message:    appErr.Message,
		Status:     appErr.Status,
		Class:      appErr.Class,
		StatusCode: appErr.StatusCode,
		Err:        err,
	}
}

// FromStatusCode builds an AppError describing an upstream HTTP response,
// classified from the status code alone.
func FromStatusCode(statusCode int, message string) *AppError {
	code := CodeUpstreamError
	if statusCode == http.StatusTooManyRequests {
		code = CodeRateLimited
	}
	return &AppError{
		Code:       code,
		Message:    message,
		Status:     http.StatusBadGateway,
		Class:      classForStatus(statusCode),
		StatusCode: statusCode,
	}
}

// Transient wraps err as a retryable failure (timeouts, connection resets).
func Transient(err error, message string) *AppError {
	return &AppError{
		Code:    CodeTimeout,
		Message: message,
		Status:  http.StatusGatewayTimeout,
		Class:   ClassTransient,
		Err:     err,
	}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error, message string) *AppError {
	return &AppError{
		Code:    CodeValidationError,
		Message: message,
		Status:  http.StatusBadRequest,
		Class:   ClassPermanent,
		Err:     err,
	}
}

func classForStatus(statusCode int) Classification {
	switch {
	case statusCode == http.StatusTooManyRequests:
		return ClassTransient
	case statusCode >= 500:
		return ClassTransient
	case statusCode == http.StatusConflict:
		return ClassConflict
	case statusCode >= 400:
		return ClassPermanent
	default:
		return ClassPermanent
	}
}

// IsRetryable reports whether err should be retried. Unclassified errors
// default to retryable so infrastructure hiccups are not dropped.
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Class == ClassTransient
	}
	return true
}

// Classify returns the classification of err, defaulting to transient
// for plain errors.
func Classify(err error) Classification {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Class
	}
	return ClassTransient
}

// Is checks if the error is a specific AppError
func Is(err error, target *AppError) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == target.Code
	}
	return false
}

// GetStatus returns the HTTP status from an error
func GetStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}
	return http.StatusInternalServerError
}
