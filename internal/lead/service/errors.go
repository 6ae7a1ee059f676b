package service

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel and typed errors for ingestion and import; handlers map them to
// HTTP status codes. Messages are safe to show untrusted callers.
var (
	// ErrSubscriptionInactive rejects tenants outside the active-like set.
	ErrSubscriptionInactive = errors.New("subscription is not active")
	// ErrPayloadTooLarge rejects submissions whose serialized extras exceed
	// the byte budget.
	ErrPayloadTooLarge = errors.New("custom fields payload too large")
)

// RateLimitedError carries the scope that tripped and the delay until the
// window resets, surfaced to clients as a Retry-After.
type RateLimitedError struct {
	Scope      string // "address" or "tenant"
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s scope; retry after %ds", e.Scope, int(e.RetryAfter.Seconds())+1)
}

// RetryAfterSeconds returns the delay rounded up to whole seconds, minimum 1.
func (e *RateLimitedError) RetryAfterSeconds() int {
	s := int(e.RetryAfter.Seconds())
	if float64(s) < e.RetryAfter.Seconds() || s < 1 {
		s++
	}
	return s
}

// DuplicateError rejects a submission matching an existing lead's phone or
// email. Carries the existing lead's ID within the same tenant; no
// cross-tenant identifiers are ever disclosed.
type DuplicateError struct {
	ExistingID string
}

func (e *DuplicateError) Error() string {
	return "a lead with this phone or email already exists"
}
