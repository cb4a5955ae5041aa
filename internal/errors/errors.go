// Package errors defines the gateway's error kinds and their HTTP mapping.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AccountError reports a failure in the account store or its files.
type AccountError struct {
	Op      string
	Message string
	Err     error
}

func (e *AccountError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("account %s: %s: %v", e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("account %s: %s", e.Op, e.Message)
}

func (e *AccountError) Unwrap() error { return e.Err }

// NewAccountError creates an AccountError
func NewAccountError(op, message string, err error) *AccountError {
	return &AccountError{Op: op, Message: message, Err: err}
}

// OAuthError reports a token refresh or userinfo failure. InvalidGrant marks
// the terminal case where the refresh token itself was rejected.
type OAuthError struct {
	Message      string
	InvalidGrant bool
}

func (e *OAuthError) Error() string {
	if e.InvalidGrant {
		return fmt.Sprintf("oauth: %s (reauthorization required)", e.Message)
	}
	return "oauth: " + e.Message
}

// NewOAuthError creates an OAuthError
func NewOAuthError(message string, invalidGrant bool) *OAuthError {
	return &OAuthError{Message: message, InvalidGrant: invalidGrant}
}

// IsInvalidGrant reports whether err carries a rejected refresh token
func IsInvalidGrant(err error) bool {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe.InvalidGrant
	}
	return err != nil && strings.Contains(err.Error(), "invalid_grant")
}

// NetworkError reports a transport failure reaching upstream or OAuth.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("network %s: %v", e.Op, e.Err)
	}
	return "network " + e.Op
}

func (e *NetworkError) Unwrap() error { return e.Err }

// NewNetworkError creates a NetworkError
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err}
}

// IsNetworkError reports whether err is a transport-level failure
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// RateLimitError reports an account in cooldown.
type RateLimitError struct {
	Email     string
	Remaining time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: %s cooling for %s", e.Email, e.Remaining.Round(time.Second))
}

// UpstreamError carries a non-2xx upstream response.
type UpstreamError struct {
	StatusCode int
	Body       string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the dispatcher may rotate and try again
func (e *UpstreamError) Retryable() bool {
	switch e.StatusCode {
	case 401, 403, 429, 500, 503, 529:
		return true
	}
	return false
}

// NewUpstreamError creates an UpstreamError
func NewUpstreamError(status int, body string) *UpstreamError {
	return &UpstreamError{StatusCode: status, Body: body}
}

// NoAccountsError reports an empty or fully-cooling pool.
type NoAccountsError struct {
	AllRateLimited bool
}

func (e *NoAccountsError) Error() string {
	if e.AllRateLimited {
		return "no accounts available: all accounts are rate limited"
	}
	return "no accounts available"
}

// MappingError reports a malformed client request.
type MappingError struct {
	Message string
}

func (e *MappingError) Error() string { return "invalid request: " + e.Message }

// NewMappingError creates a MappingError
func NewMappingError(format string, args ...interface{}) *MappingError {
	return &MappingError{Message: fmt.Sprintf(format, args...)}
}

// HTTPStatusFromError returns the status code a handler should respond with
func HTTPStatusFromError(err error) int {
	var (
		rl *RateLimitError
		up *UpstreamError
		na *NoAccountsError
		me *MappingError
		oe *OAuthError
		ne *NetworkError
	)
	switch {
	case errors.As(err, &rl):
		return 429
	case errors.As(err, &up):
		return up.StatusCode
	case errors.As(err, &na):
		if na.AllRateLimited {
			return 429
		}
		return 503
	case errors.As(err, &me):
		return 400
	case errors.As(err, &oe):
		// The gateway's own credentials failed, not the caller's.
		return 503
	case errors.As(err, &ne):
		return 502
	default:
		return 500
	}
}
