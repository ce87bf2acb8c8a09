package api

import (
	"errors"
	"net/http"

	"github.com/moniwatch/moniwatch/internal/manager"
	"github.com/moniwatch/moniwatch/internal/models"
)

// APIError represents a structured API error.
type APIError struct {
	HTTPStatus int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Message
}

// Common API error codes.
const (
	ErrCodeInvalidJSON   = "INVALID_JSON"
	ErrCodeValidation    = "VALIDATION_ERROR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeImportFailed  = "IMPORT_FAILED"
	ErrCodeStoreError    = "STORE_ERROR"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// Predefined API errors.
var (
	ErrInvalidJSON = &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       ErrCodeInvalidJSON,
		Message:    "Invalid JSON body",
	}
	ErrInvalidID = &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       ErrCodeValidation,
		Message:    "id must be a positive integer",
	}
	ErrJobNotFound = &APIError{
		HTTPStatus: http.StatusNotFound,
		Code:       ErrCodeNotFound,
		Message:    "Job not found",
	}
	ErrLogNotFound = &APIError{
		HTTPStatus: http.StatusNotFound,
		Code:       ErrCodeNotFound,
		Message:    "Execution log not found",
	}
	ErrPushNotFound = &APIError{
		HTTPStatus: http.StatusNotFound,
		Code:       ErrCodeNotFound,
		Message:    "Push record not found",
	}
	ErrConfigNotFound = &APIError{
		HTTPStatus: http.StatusNotFound,
		Code:       ErrCodeNotFound,
		Message:    "Configuration entry not found",
	}
	ErrJobAlreadyExists = &APIError{
		HTTPStatus: http.StatusConflict,
		Code:       ErrCodeAlreadyExists,
		Message:    "Job already exists",
	}
	ErrJobRunning = &APIError{
		HTTPStatus: http.StatusConflict,
		Code:       ErrCodeConflict,
		Message:    "A firing of this job is already in flight",
	}
	ErrUnauthorized = &APIError{
		HTTPStatus: http.StatusUnauthorized,
		Code:       ErrCodeUnauthorized,
		Message:    "API key required",
	}
	ErrForbidden = &APIError{
		HTTPStatus: http.StatusForbidden,
		Code:       ErrCodeForbidden,
		Message:    "Invalid API key",
	}
	ErrRateLimited = &APIError{
		HTTPStatus: http.StatusTooManyRequests,
		Code:       ErrCodeRateLimited,
		Message:    "Too many requests",
	}
	ErrInternalError = &APIError{
		HTTPStatus: http.StatusInternalServerError,
		Code:       ErrCodeInternalError,
		Message:    "Internal server error",
	}
)

// NewValidationError creates a validation error with a custom message.
func NewValidationError(message string) *APIError {
	return &APIError{
		HTTPStatus: http.StatusBadRequest,
		Code:       ErrCodeValidation,
		Message:    message,
	}
}

// MapDomainError maps domain/model errors to API errors.
func MapDomainError(err error) *APIError {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, models.ErrJobNotFound), errors.Is(err, models.ErrEntryNotFound):
		return ErrJobNotFound
	case errors.Is(err, models.ErrLogNotFound):
		return ErrLogNotFound
	case errors.Is(err, models.ErrPushNotFound):
		return ErrPushNotFound
	case errors.Is(err, models.ErrConfigNotFound):
		return ErrConfigNotFound
	case errors.Is(err, models.ErrJobExists):
		return ErrJobAlreadyExists
	case errors.Is(err, models.ErrFiringInFlight):
		return ErrJobRunning
	case errors.Is(err, manager.ErrImportFailed):
		return &APIError{
			HTTPStatus: http.StatusUnprocessableEntity,
			Code:       ErrCodeImportFailed,
			Message:    err.Error(),
		}
	case errors.Is(err, models.ErrInvalidJob),
		errors.Is(err, models.ErrInvalidSchedule),
		errors.Is(err, models.ErrUnknownOperator),
		errors.Is(err, models.ErrJobKindMismatch),
		errors.Is(err, models.ErrChannelMisconfigured):
		return NewValidationError(err.Error())
	default:
		return &APIError{
			HTTPStatus: http.StatusInternalServerError,
			Code:       ErrCodeInternalError,
			Message:    "An unexpected error occurred",
		}
	}
}

// WriteAPIError writes an API error response.
func (h *Handler) WriteAPIError(w http.ResponseWriter, err *APIError) {
	writeAPIError(w, err)
}

func writeAPIError(w http.ResponseWriter, err *APIError) {
	writeJSON(w, err.HTTPStatus, Response{
		Success: false,
		Error: &ErrorInfo{
			Code:    err.Code,
			Message: err.Message,
		},
	})
}

// HandleError maps a domain error to an API error and writes the response.
// Unexpected errors are logged with operation.
// Returns true if an error was handled, false if err was nil.
func (h *Handler) HandleError(w http.ResponseWriter, err error, operation string) bool {
	if err == nil {
		return false
	}

	apiErr := MapDomainError(err)
	if apiErr.Code == ErrCodeInternalError {
		h.logger.Error().Err(err).Str("operation", operation).Msg("Operation failed")
		apiErr = &APIError{
			HTTPStatus: http.StatusInternalServerError,
			Code:       ErrCodeStoreError,
			Message:    "Failed to " + operation,
		}
	}

	h.WriteAPIError(w, apiErr)
	return true
}
