package domain

import (
	"errors"
	"fmt"
)

// DomainError represents a domain-specific error
type DomainError struct {
	Code    string
	Message string
	Err     error
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new DomainError
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     nil,
	}
}

// NewDomainErrorWithCause creates a new DomainError with an underlying cause
func NewDomainErrorWithCause(code, message string, err error) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// Error codes for the query pipeline
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeTenantIsolation = "TENANT_ISOLATION_VIOLATION"
	ErrCodeRetrieval       = "RETRIEVAL_TRANSIENT"
	ErrCodeLLMProvider     = "LLM_PROVIDER_ERROR"
	ErrCodeQuotaExceeded   = "QUOTA_EXCEEDED"
	ErrCodeParse           = "PARSE_ERROR"
	ErrCodeUnauthorized    = "UNAUTHORIZED"
	ErrCodeInternalError   = "INTERNAL_ERROR"
)

// Validation errors
var (
	ErrEmptyQuery       = NewDomainError(ErrCodeValidation, "query text cannot be empty")
	ErrMissingTenant    = NewDomainError(ErrCodeValidation, "tenant id is required")
	ErrEmptyBatch       = NewDomainError(ErrCodeValidation, "batch contains no queries")
	ErrBatchTooLarge    = NewDomainError(ErrCodeValidation, "batch exceeds maximum size")
	ErrInvalidTopK      = NewDomainError(ErrCodeValidation, "top-k must be positive")
	ErrInvalidThreshold = NewDomainError(ErrCodeValidation, "similarity threshold must be within [0, 1]")
)

// Provider and quota errors. QuotaExceeded is a business-rule outcome, not a
// bug: transports map it to a distinct status so callers can prompt a plan
// upgrade instead of showing a generic failure.
var (
	ErrQuotaExceeded    = NewDomainError(ErrCodeQuotaExceeded, "token quota exceeded")
	ErrCircuitOpen      = NewDomainError(ErrCodeLLMProvider, "llm provider circuit is open")
	ErrLLMNotConfigured = NewDomainError(ErrCodeInternalError, "llm client not configured")
)

// Authorization errors
var (
	ErrInvalidAPIKey = NewDomainError(ErrCodeUnauthorized, "invalid api key")
)

// TenantIsolationError reports a chunk that does not belong to the requesting
// tenant. It is fatal: fallback logic must never mask it.
type TenantIsolationError struct {
	Context        string
	Index          int
	ExpectedTenant string
	ActualTenant   string
}

func (e *TenantIsolationError) Error() string {
	actual := e.ActualTenant
	if actual == "" {
		actual = "<missing>"
	}
	return fmt.Sprintf("[%s] tenant isolation violation in %s: chunk %d belongs to %q, expected %q",
		ErrCodeTenantIsolation, e.Context, e.Index, actual, e.ExpectedTenant)
}

// IsTenantIsolation reports whether err is (or wraps) a tenant isolation
// violation.
func IsTenantIsolation(err error) bool {
	var tie *TenantIsolationError
	return errors.As(err, &tie)
}

// IsQuotaExceeded reports whether err is the quota business-rule error.
func IsQuotaExceeded(err error) bool {
	var de *DomainError
	return errors.As(err, &de) && de.Code == ErrCodeQuotaExceeded
}
