package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors. Callers match on these with errors.Is; AppError carries
// the HTTP rendering.
var (
	ErrNotFound       = errors.New("resource not found")
	ErrAlreadyExists  = errors.New("resource already exists")
	ErrInvalidInput   = errors.New("invalid input")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrForbidden      = errors.New("forbidden")
	ErrInternal       = errors.New("internal error")
	ErrConflict       = errors.New("conflict")
	ErrServiceUnavail = errors.New("service unavailable")

	// Authentication and session taxonomy.
	ErrInvalidCredential = errors.New("invalid credential")
	ErrAccountNotFound   = errors.New("account not found")
	ErrTokenMalformed    = errors.New("token malformed")
	ErrTokenExpired      = errors.New("token expired")
	ErrTokenNotFound     = errors.New("token not found")
	ErrInsufficientRole  = errors.New("insufficient role")
	ErrStoreUnavailable  = errors.New("store unavailable")
)

// AppError represents a structured application error with HTTP status mapping.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"-"`
	Err     error  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// NotFound creates a 404 error.
func NotFound(resource, id string) *AppError {
	return &AppError{
		Code:    "NOT_FOUND",
		Message: fmt.Sprintf("%s with id %s not found", resource, id),
		Status:  http.StatusNotFound,
		Err:     ErrNotFound,
	}
}

// AlreadyExists creates a 409 error.
func AlreadyExists(resource, field, value string) *AppError {
	return &AppError{
		Code:    "ALREADY_EXISTS",
		Message: fmt.Sprintf("%s with %s %q already exists", resource, field, value),
		Status:  http.StatusConflict,
		Err:     ErrAlreadyExists,
	}
}

// InvalidInput creates a 400 error.
func InvalidInput(message string) *AppError {
	return &AppError{
		Code:    "INVALID_INPUT",
		Message: message,
		Status:  http.StatusBadRequest,
		Err:     ErrInvalidInput,
	}
}

// Unauthorized creates a 401 error.
func Unauthorized(message string) *AppError {
	return &AppError{
		Code:    "UNAUTHENTICATED",
		Message: message,
		Status:  http.StatusUnauthorized,
		Err:     ErrUnauthorized,
	}
}

// Forbidden creates a 403 error.
func Forbidden(message string) *AppError {
	return &AppError{
		Code:    "FORBIDDEN",
		Message: message,
		Status:  http.StatusForbidden,
		Err:     ErrForbidden,
	}
}

// Internal creates a 500 error.
func Internal(err error) *AppError {
	return &AppError{
		Code:    "INTERNAL_ERROR",
		Message: "an internal error occurred",
		Status:  http.StatusInternalServerError,
		Err:     err,
	}
}

// InvalidCredential reports a secret that does not match the stored hash.
func InvalidCredential() *AppError {
	return &AppError{
		Code:    "INVALID_CREDENTIALS",
		Message: "invalid credentials",
		Status:  http.StatusUnauthorized,
		Err:     ErrInvalidCredential,
	}
}

// AccountNotFound reports an unknown or soft-deleted account. It renders
// exactly like InvalidCredential.
func AccountNotFound(identifier string) *AppError {
	return &AppError{
		Code:    "INVALID_CREDENTIALS",
		Message: "invalid credentials",
		Status:  http.StatusUnauthorized,
		Err:     fmt.Errorf("%w: %s", ErrAccountNotFound, identifier),
	}
}

// TokenMalformed creates a 401 error for a token that cannot be parsed or verified.
func TokenMalformed(reason error) *AppError {
	return &AppError{
		Code:    "INVALID_TOKEN",
		Message: "invalid token",
		Status:  http.StatusUnauthorized,
		Err:     fmt.Errorf("%w: %v", ErrTokenMalformed, reason),
	}
}

// TokenExpired creates a 401 error for a token past its expiry.
func TokenExpired() *AppError {
	return &AppError{
		Code:    "TOKEN_EXPIRED",
		Message: "token expired",
		Status:  http.StatusUnauthorized,
		Err:     ErrTokenExpired,
	}
}

// TokenNotFound creates a 401 error for a refresh token whose record is gone.
func TokenNotFound() *AppError {
	return &AppError{
		Code:    "TOKEN_REVOKED",
		Message: "token revoked",
		Status:  http.StatusUnauthorized,
		Err:     ErrTokenNotFound,
	}
}

// InsufficientRole creates a 403 error for an action gated by role.
func InsufficientRole(action string) *AppError {
	return &AppError{
		Code:    "INSUFFICIENT_ROLE",
		Message: fmt.Sprintf("role does not permit %s", action),
		Status:  http.StatusForbidden,
		Err:     ErrInsufficientRole,
	}
}

// StoreUnavailable creates a retryable 503 error for a failing dependency.
func StoreUnavailable(err error) *AppError {
	return &AppError{
		Code:    "STORE_UNAVAILABLE",
		Message: "a backing store is temporarily unavailable, retry later",
		Status:  http.StatusServiceUnavailable,
		Err:     errors.Join(ErrStoreUnavailable, err),
	}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	return fmt.Errorf("%s: %w", message, err)
}

// IsDomain reports whether err is an expected outcome of a store operation
// rather than a failure of the store itself.
func IsDomain(err error) bool {
	return errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrAlreadyExists) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInvalidInput)
}

// HTTPStatus returns the HTTP status code for the given error.
func HTTPStatus(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Status
	}

	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrAlreadyExists), errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrInvalidCredential),
		errors.Is(err, ErrAccountNotFound),
		errors.Is(err, ErrTokenMalformed),
		errors.Is(err, ErrTokenExpired),
		errors.Is(err, ErrTokenNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrInsufficientRole):
		return http.StatusForbidden
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrServiceUnavail):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
