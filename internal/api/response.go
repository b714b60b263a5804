package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/cloo-solutions/ragline/internal/domain"
)

// SuccessResponse wraps successful API responses
type SuccessResponse struct {
	Data interface{} `json:"data"`
}

// ErrorResponse represents an error API response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSON writes a JSON response with the given status code
func JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// Success writes a successful JSON response
func Success(w http.ResponseWriter, status int, data interface{}) {
	JSON(w, status, SuccessResponse{Data: data})
}

// Error writes an error JSON response
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, ErrorResponse{Error: message})
}

// DomainErrorToHTTP maps domain errors to HTTP status codes. Quota is a
// business-rule outcome and gets its own status; isolation violations are a
// server-side failure and never read as caller mistakes.
func DomainErrorToHTTP(err error) int {
	if err == nil {
		return http.StatusOK
	}

	if domain.IsTenantIsolation(err) {
		return http.StatusInternalServerError
	}

	var domainErr *domain.DomainError
	if !errors.As(err, &domainErr) {
		return http.StatusInternalServerError
	}

	switch domainErr.Code {
	case domain.ErrCodeValidation:
		return http.StatusBadRequest
	case domain.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case domain.ErrCodeQuotaExceeded:
		return http.StatusPaymentRequired
	case domain.ErrCodeLLMProvider:
		return http.StatusBadGateway
	case domain.ErrCodeRetrieval:
		return http.StatusServiceUnavailable
	case domain.ErrCodeParse:
		return http.StatusBadGateway
	case domain.ErrCodeInternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// HandleError writes an appropriate error response based on the error type.
// Isolation details stay in the logs; the caller sees a generic failure.
func HandleError(w http.ResponseWriter, err error) {
	status := DomainErrorToHTTP(err)

	if domain.IsTenantIsolation(err) {
		JSON(w, status, ErrorResponse{
			Error: "internal error",
			Code:  domain.ErrCodeTenantIsolation,
		})
		return
	}

	var domainErr *domain.DomainError
	if errors.As(err, &domainErr) {
		JSON(w, status, ErrorResponse{Error: domainErr.Message, Code: domainErr.Code})
		return
	}

	Error(w, status, err.Error())
}
