// Package core defines the fundamental types and errors for Site Kit.
package core

import (
	"errors"
	"fmt"
)

// Core errors that can occur across the system
var (
	// Integration errors
	ErrNotConfigured     = errors.New("integration not configured")
	ErrAlreadyConfigured = errors.New("integration already configured")
	ErrImmutableField    = errors.New("field is immutable once set")
	ErrVersionConflict   = errors.New("integration was modified concurrently")
	ErrRefreshFailed     = errors.New("token refresh failed")

	// Provider errors
	ErrUnknownProvider = errors.New("unknown provider")
	ErrInvalidParams   = errors.New("invalid report parameters")

	// Cache errors
	ErrCacheMiss   = errors.New("cache miss")
	ErrLockTimeout = errors.New("timed out waiting for lock")

	// Validation errors
	ErrInvalidInput    = errors.New("invalid input")
	ErrMissingRequired = errors.New("missing required field")
)

// RefreshError reports a failed attempt to obtain a usable access token.
type RefreshError struct {
	Reason string
	Err    error
}

func (e *RefreshError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("refresh: %s: %v", e.Reason, e.Err)
	}
	return "refresh: " + e.Reason
}

func (e *RefreshError) Unwrap() error { return e.Err }

// Is lets callers match any RefreshError with errors.Is(err, ErrRefreshFailed).
func (e *RefreshError) Is(target error) bool {
	return target == ErrRefreshFailed
}

// AdapterErrorKind classifies provider adapter failures
type AdapterErrorKind string

const (
	AdapterDisabled        AdapterErrorKind = "disabled"
	AdapterUnauthenticated AdapterErrorKind = "unauthenticated"
	AdapterUnauthorized    AdapterErrorKind = "unauthorized"
	AdapterProviderFailure AdapterErrorKind = "provider_failure"
)

// AdapterError is returned by a provider adapter invocation.
type AdapterError struct {
	Provider Provider
	Kind     AdapterErrorKind
	Details  string
	Err      error
}

func (e *AdapterError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Provider, e.Kind)
	if e.Details != "" {
		msg += ": " + e.Details
	}
	return msg
}

func (e *AdapterError) Unwrap() error { return e.Err }

// IsAdapterKind reports whether err is an AdapterError of the given kind
func IsAdapterKind(err error, kind AdapterErrorKind) bool {
	var ae *AdapterError
	return errors.As(err, &ae) && ae.Kind == kind
}
