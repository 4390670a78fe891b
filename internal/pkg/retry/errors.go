package retry

import (
	"fmt"
	"net/http"
)

// Code identifies a failure class shared by every retrying component.
type Code string

const (
	CodeNetworkError            Code = "NETWORK_ERROR"
	CodeRateLimit               Code = "RATE_LIMIT_ERROR"
	CodeProviderTimeout         Code = "PROVIDER_TIMEOUT"
	CodeTemporaryProviderError  Code = "TEMPORARY_PROVIDER_ERROR"
	CodeDatabaseConnectionError Code = "DATABASE_CONNECTION_ERROR"
	CodeUnknown                 Code = "UNKNOWN_ERROR"

	CodeInvalidEmail       Code = "INVALID_EMAIL"
	CodeInvalidAddress     Code = "INVALID_ADDRESS"
	CodeProviderRejection  Code = "PROVIDER_REJECTION"
	CodeForbidden          Code = "FORBIDDEN"
	CodeInvalidDelivery    Code = "INVALID_DELIVERY"
	CodeNotFound           Code = "NOT_FOUND"
	CodeDecryptionError    Code = "DECRYPTION_ERROR"
	CodeConfigurationError Code = "CONFIGURATION_ERROR"
)

// Error is a classified failure. Retryable tells callers whether another
// attempt can possibly succeed.
type Error struct {
	Code      Code
	Retryable bool
	Message   string
	Metadata  map[string]any
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(code Code, retryable bool, message string, cause error) *Error {
	return &Error{Code: code, Retryable: retryable, Message: message, Err: cause}
}

func NewNetworkError(message string, cause error) *Error {
	return newError(CodeNetworkError, true, message, cause)
}

func NewRateLimitError(message string, cause error) *Error {
	return newError(CodeRateLimit, true, message, cause)
}

func NewProviderTimeout(message string, cause error) *Error {
	return newError(CodeProviderTimeout, true, message, cause)
}

func NewTemporaryProviderError(message string, cause error) *Error {
	return newError(CodeTemporaryProviderError, true, message, cause)
}

func NewDatabaseConnectionError(message string, cause error) *Error {
	return newError(CodeDatabaseConnectionError, true, message, cause)
}

func NewInvalidEmail(message string, cause error) *Error {
	return newError(CodeInvalidEmail, false, message, cause)
}

func NewInvalidAddress(message string, cause error) *Error {
	return newError(CodeInvalidAddress, false, message, cause)
}

func NewProviderRejection(message string, cause error) *Error {
	return newError(CodeProviderRejection, false, message, cause)
}

func NewInvalidDelivery(message string, cause error) *Error {
	return newError(CodeInvalidDelivery, false, message, cause)
}

func NewNotFound(message string, cause error) *Error {
	return newError(CodeNotFound, false, message, cause)
}

func NewDecryptionError(message string, cause error) *Error {
	return newError(CodeDecryptionError, false, message, cause)
}

func NewConfigurationError(message string, cause error) *Error {
	return newError(CodeConfigurationError, false, message, cause)
}

// WithMetadata attaches a key to the error metadata and returns the error.
func (e *Error) WithMetadata(key string, value any) *Error {
	if e.Metadata == nil {
		e.Metadata = map[string]any{}
	}
	e.Metadata[key] = value
	return e
}

// HTTPError is returned by provider clients for a non-2xx response.
// Channel is the delivery channel the request was made for, if any.
type HTTPError struct {
	StatusCode int
	Message    string
	Channel    string
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("provider responded %d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("provider responded %d: %s", e.StatusCode, e.Message)
}

// DatabaseError marks an error as coming from the persistence layer so the
// classifier applies the database rules to it.
type DatabaseError struct {
	Op  string
	Err error
}

func (e *DatabaseError) Error() string {
	return fmt.Sprintf("database %s: %v", e.Op, e.Err)
}

func (e *DatabaseError) Unwrap() error {
	return e.Err
}

// WrapDB wraps err as a DatabaseError. A nil err stays nil.
func WrapDB(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DatabaseError{Op: op, Err: err}
}
