package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var (
	ErrAuthentication      = errors.New("authentication failed")
	ErrTransient           = errors.New("transient provider error")
	ErrUnsupportedProvider = errors.New("unsupported provider")
	ErrNotFound            = errors.New("event not found")
	ErrDuplicateEvent      = errors.New("duplicate event")
	ErrInvalidGrant        = errors.New("invalid_grant")
	ErrNoRefreshToken      = errors.New("no refresh token available")
	ErrRefreshUnsupported  = errors.New("provider does not support token refresh")
)

// StatusError carries the HTTP status a provider answered with.
type StatusError struct {
	Code    int
	Message string
	Err     error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("provider returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("provider returned %d %s", e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error {
	return e.Err
}

// Is maps status codes onto the taxonomy sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrAuthentication:
		return e.Code == http.StatusUnauthorized || e.Code == http.StatusForbidden
	case ErrNotFound:
		return e.Code == http.StatusNotFound || e.Code == http.StatusGone
	case ErrTransient:
		return e.Code == http.StatusRequestTimeout || e.Code == http.StatusTooManyRequests || e.Code >= 500
	}
	return false
}

var authKeywords = []string{"token", "auth", "invalid_grant"}

// IsAuthError reports whether err looks like a credential problem: a 401/403
// status or a message mentioning tokens or authorization.
func IsAuthError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthentication) || errors.Is(err, ErrInvalidGrant) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, kw := range authKeywords {
		if strings.Contains(msg, kw) {
			return true
		}
	}
	return false
}

// IsUnrecoverableRefresh reports whether a refresh failure means the owner
// must re-authorize.
func IsUnrecoverableRefresh(err error) bool {
	return errors.Is(err, ErrInvalidGrant) || errors.Is(err, ErrNoRefreshToken) ||
		errors.Is(err, ErrRefreshUnsupported) || strings.Contains(strings.ToLower(errString(err)), "invalid_grant")
}

// IsPermanent reports errors that retrying cannot fix.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrUnsupportedProvider) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrDuplicateEvent) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
