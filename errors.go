package hardening

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/giantswarm/hardening/security"
)

// Error codes returned in HTTP error bodies
const (
	ErrorCodeRateLimitExceeded = "rate_limit_exceeded"
	ErrorCodeCSRFTokenInvalid  = "csrf_token_invalid"
	ErrorCodeDecryptionFailed  = "decryption_failed"
	ErrorCodeInvalidRequest    = "invalid_request"
	ErrorCodeServerError       = "server_error"
)

// User-facing messages
const (
	// MessageDecryptionFailed deliberately does not say whether the password
	// or the data was wrong.
	MessageDecryptionFailed = "Incorrect password or corrupted data."

	MessageCSRFTokenInvalid = "Invalid or missing CSRF token."
	MessageServerError      = "An internal error occurred. Please try again later."
)

// Error is an HTTP-facing error with a stable code.
type Error struct {
	Code        string // Error code (e.g., "rate_limit_exceeded")
	Description string // Human-readable error description
	Status      int    // HTTP status code

	// RetryAfter is sent as Retry-After when positive
	RetryAfter time.Duration
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new HTTP error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common errors as constructors
var (
	// ErrRateLimited indicates the caller exhausted its quota
	ErrRateLimited = func(result security.RateLimitResult) *Error {
		e := NewError(ErrorCodeRateLimitExceeded, result.Message, http.StatusTooManyRequests)
		e.RetryAfter = result.ResetIn
		return e
	}

	// ErrCSRFTokenInvalid indicates a missing or mismatched CSRF token
	ErrCSRFTokenInvalid = func() *Error {
		return NewError(ErrorCodeCSRFTokenInvalid, MessageCSRFTokenInvalid, http.StatusForbidden)
	}

	// ErrDecryptionFailed indicates a wrong password or corrupted payload
	ErrDecryptionFailed = func() *Error {
		return NewError(ErrorCodeDecryptionFailed, MessageDecryptionFailed, http.StatusBadRequest)
	}

	// ErrInvalidRequest indicates the request is malformed
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func() *Error {
		return NewError(ErrorCodeServerError, MessageServerError, http.StatusInternalServerError)
	}
)

// UserMessage returns the text to show an end user for err.
// Decryption failures of either kind map to the same message.
func UserMessage(err error) string {
	var httpErr *Error
	switch {
	case err == nil:
		return ""
	case errors.Is(err, security.ErrAuthentication), errors.Is(err, security.ErrInvalidPayload):
		return MessageDecryptionFailed
	case errors.As(err, &httpErr):
		return httpErr.Description
	default:
		return MessageServerError
	}
}

// AsError converts err to an *Error suitable for WriteError.
func AsError(err error) *Error {
	var httpErr *Error
	switch {
	case errors.As(err, &httpErr):
		return httpErr
	case errors.Is(err, security.ErrAuthentication), errors.Is(err, security.ErrInvalidPayload):
		return ErrDecryptionFailed()
	case errors.Is(err, security.ErrUnknownPurpose):
		return ErrInvalidRequest("unknown rate limit purpose")
	default:
		return ErrServerError()
	}
}

// WriteError writes e as a JSON error response.
func WriteError(w http.ResponseWriter, e *Error) {
	if e.RetryAfter > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(e.RetryAfter)))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":             e.Code,
		"error_description": e.Description,
	})
}

// retryAfterSeconds rounds up so clients never retry inside the window
func retryAfterSeconds(d time.Duration) int {
	return int(math.Ceil(d.Seconds()))
}
