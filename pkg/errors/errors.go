// Package errors provides the vault's structured error kinds (SPEC_FULL.md §7) and
// their HTTP status mapping.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Kind is one of the error kinds named in SPEC_FULL.md §7.
type Kind string

const (
	KindNotFound       Kind = "NOT_FOUND"
	KindAuthFailed     Kind = "AUTH_FAILED"
	KindRateLimited    Kind = "RATE_LIMITED"
	KindCircuitOpen    Kind = "CIRCUIT_OPEN"
	KindStoreFailure   Kind = "STORE_FAILURE"
	KindCatalogFailure Kind = "CATALOG_FAILURE"
	KindTransient      Kind = "TRANSIENT"
	KindInternal       Kind = "INTERNAL"
)

// httpStatus maps each kind to the status code the API surface returns for it.
var httpStatus = map[Kind]int{
	KindNotFound:       404,
	KindAuthFailed:     401,
	KindRateLimited:    429,
	KindCircuitOpen:    503,
	KindStoreFailure:   503,
	KindCatalogFailure: 500,
	KindTransient:      500,
	KindInternal:       500,
}

// VaultError is the service's structured error value: a kind, a message, an
// optional cause, and whatever detail a handler needs to render a response
// (Retry-After seconds, the offending object key, and so on).
type VaultError struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	Cause     error
	Details   map[string]any
}

func (e *VaultError) Error() string {
	if e.Component != "" && e.Operation != "" {
		return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *VaultError) Unwrap() error { return e.Cause }

func (e *VaultError) Is(target error) bool {
	var ve *VaultError
	if errors.As(target, &ve) {
		return e.Kind == ve.Kind
	}
	return false
}

// HTTPStatus returns the status code the API surface should respond with.
func (e *VaultError) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return 500
}

// RetryAfter returns the seconds clients should wait, when the kind carries one.
func (e *VaultError) RetryAfter() (int, bool) {
	if e.Details == nil {
		return 0, false
	}
	if v, ok := e.Details["retry_after_seconds"].(int); ok {
		return v, true
	}
	return 0, false
}

func newErr(kind Kind, component, operation, message string, cause error, details map[string]any) *VaultError {
	return &VaultError{Kind: kind, Component: component, Operation: operation, Message: message, Cause: cause, Details: details}
}

// NotFound builds a KindNotFound error for a missing row or blob.
func NotFound(what, key string) *VaultError {
	return newErr(KindNotFound, "", "", fmt.Sprintf("%s not found: %s", what, key), nil, map[string]any{"key": key})
}

// AuthFailed builds a KindAuthFailed error (invalid or missing collection key).
func AuthFailed(collection string) *VaultError {
	return newErr(KindAuthFailed, "auth", "verify_key", "invalid or missing collection key", nil, map[string]any{"collection": collection})
}

// RateLimited builds a KindRateLimited error carrying the Retry-After hint.
func RateLimited(collection string, retryAfter time.Duration) *VaultError {
	secs := int(retryAfter.Seconds())
	if secs < 1 {
		secs = 1
	}
	return newErr(KindRateLimited, "authlimit", "verify_key", "too many failed attempts", nil, map[string]any{
		"collection": collection, "retry_after_seconds": secs,
	})
}

// CircuitOpenWithRemaining builds a KindCircuitOpen error carrying the remaining cooldown.
func CircuitOpenWithRemaining(name string, remaining time.Duration) *VaultError {
	secs := int(remaining.Seconds())
	if secs < 1 {
		secs = 1
	}
	return newErr(KindCircuitOpen, "circuit", name, "circuit breaker open", nil, map[string]any{
		"time_remaining_seconds": remaining.Seconds(), "retry_after_seconds": secs,
	})
}

// StoreFailure wraps an object-store client failure.
func StoreFailure(operation, key string, cause error) *VaultError {
	return newErr(KindStoreFailure, "store", operation, fmt.Sprintf("object store operation failed: %s", key), cause, map[string]any{"key": key})
}

// CatalogFailure wraps a catalog failure.
func CatalogFailure(operation string, cause error) *VaultError {
	return newErr(KindCatalogFailure, "catalog", operation, "catalog operation failed", cause, nil)
}

// Transient marks an error as retryable only at the next filesystem event, never in-pipeline.
func Transient(component, operation string, cause error) *VaultError {
	return newErr(KindTransient, component, operation, "transient failure, will retry at next event", cause, nil)
}

// Internal wraps an unexpected condition.
func Internal(component, operation string, cause error) *VaultError {
	return newErr(KindInternal, component, operation, "internal error", cause, nil)
}

// KindOf extracts the Kind of err, or KindInternal if err is not a *VaultError.
func KindOf(err error) Kind {
	var ve *VaultError
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindInternal
}
