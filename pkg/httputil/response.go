package httputil

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	apperrors "github.com/sharp-crm/Sharp-crm2-sub002/pkg/errors"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/logger"
	"github.com/sharp-crm/Sharp-crm2-sub002/pkg/validator"
)

// RetryAfterSeconds is advertised on 503 responses.
const RetryAfterSeconds = "5"

// Response is the standard JSON response envelope.
type Response struct {
	Data  any            `json:"data,omitempty"`
	Error *ErrorResponse `json:"error,omitempty"`
}

// ErrorResponse represents an error in the standard response format.
type ErrorResponse struct {
	Code      string            `json:"code"`
	Message   string            `json:"message"`
	Fields    map[string]string `json:"fields,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already sent; nothing meaningful can be done if encoding fails.
	_ = json.NewEncoder(w).Encode(v)
}

// WriteData writes v inside the success envelope.
func WriteData(w http.ResponseWriter, status int, v any) {
	WriteJSON(w, status, Response{Data: v})
}

// WriteError renders err in the error envelope. AppErrors keep their code,
// message and status; bare sentinels are mapped through apperrors.HTTPStatus
// and anything else becomes a logged 500. Store outages carry Retry-After.
func WriteError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	l := logger.FromContext(r.Context())
	if l == slog.Default() && fallback != nil {
		l = fallback
	}
	requestID := logger.CorrelationIDFromContext(r.Context())

	status := apperrors.HTTPStatus(err)
	code, message := "INTERNAL_ERROR", "an internal error occurred"

	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		code, message = appErr.Code, appErr.Message
	case errors.Is(err, apperrors.ErrNotFound):
		code, message = "NOT_FOUND", "resource not found"
	case errors.Is(err, apperrors.ErrAlreadyExists):
		code, message = "ALREADY_EXISTS", "resource already exists"
	case errors.Is(err, apperrors.ErrInvalidInput):
		code, message = "INVALID_INPUT", err.Error()
	case status == http.StatusUnauthorized:
		code, message = "UNAUTHENTICATED", "authentication required"
	case status == http.StatusServiceUnavailable:
		code, message = "STORE_UNAVAILABLE", "a backing store is temporarily unavailable, retry later"
	}

	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", RetryAfterSeconds)
	}
	if status >= http.StatusInternalServerError {
		l.ErrorContext(r.Context(), "request failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
		)
	}

	WriteJSON(w, status, Response{
		Error: &ErrorResponse{Code: code, Message: message, RequestID: requestID},
	})
}

// WriteValidationError writes a 400 with field-level details when err is a
// validator.ValidationError.
func WriteValidationError(w http.ResponseWriter, err error) {
	var valErr *validator.ValidationError
	if errors.As(err, &valErr) {
		WriteJSON(w, http.StatusBadRequest, Response{
			Error: &ErrorResponse{
				Code:    "VALIDATION_ERROR",
				Message: "request validation failed",
				Fields:  valErr.Fields(),
			},
		})
		return
	}

	WriteJSON(w, http.StatusBadRequest, Response{
		Error: &ErrorResponse{Code: "INVALID_INPUT", Message: err.Error()},
	})
}

// PaginatedResponse is a generic paginated list envelope.
type PaginatedResponse[T any] struct {
	Data       []T  `json:"data"`
	TotalCount int  `json:"total_count"`
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
}

// NewPaginatedResponse builds a PaginatedResponse, computing TotalPages and HasNext.
func NewPaginatedResponse[T any](data []T, totalCount, page, perPage int) PaginatedResponse[T] {
	totalPages := 0
	if perPage > 0 {
		totalPages = totalCount / perPage
		if totalCount%perPage > 0 {
			totalPages++
		}
	}
	if data == nil {
		data = []T{}
	}
	return PaginatedResponse[T]{
		Data:       data,
		TotalCount: totalCount,
		Page:       page,
		PerPage:    perPage,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
	}
}

// ParseUUID validates param as a UUID. On failure it writes a 400 and returns
// false so the caller can return early.
func ParseUUID(w http.ResponseWriter, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(param)
	if err != nil {
		WriteJSON(w, http.StatusBadRequest, Response{
			Error: &ErrorResponse{
				Code:    "INVALID_PARAMETER",
				Message: "invalid UUID: " + param,
			},
		})
		return uuid.Nil, false
	}
	return id, true
}
