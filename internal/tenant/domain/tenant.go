package domain

import (
	"errors"
	"time"
)

// Tenant represents an isolated clinic account. All lead and schema data is
// scoped to exactly one tenant. Tenants are never deleted, only deactivated.
type Tenant struct {
	ID     string
	Name   string
	Status Status

	// Current credential material. The full key is never stored; only its
	// public prefix and a PBKDF2 hash with a per-key salt.
	KeyPrefix string
	KeyHash   string
	KeySalt   string

	// Previous credential material, kept valid until PrevKeyExpiresAt after a
	// rotation so in-flight integrations do not break immediately.
	PrevKeyPrefix    string
	PrevKeyHash      string
	PrevKeySalt      string
	PrevKeyExpiresAt *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Status is the tenant subscription state.
type Status string

const (
	StatusActive    Status = "active"
	StatusTrialing  Status = "trialing"
	StatusPastDue   Status = "past_due"
	StatusSuspended Status = "suspended"
	StatusCanceled  Status = "canceled"
)

// CanIngest reports whether the tenant's subscription state accepts lead
// submissions. Only active-like states qualify.
func (t *Tenant) CanIngest() bool {
	return t.Status == StatusActive || t.Status == StatusTrialing
}

// PreviousKeyValid reports whether the rotated-out credential may still be
// used at now. Requires a non-nil expiry strictly in the future.
func (t *Tenant) PreviousKeyValid(now time.Time) bool {
	return t.PrevKeyHash != "" && t.PrevKeyExpiresAt != nil && now.Before(*t.PrevKeyExpiresAt)
}

// Validate validates the tenant for persistence. Returns an error describing the first validation failure.
func (t *Tenant) Validate() error {
	if t.Name == "" {
		return errors.New("name is required")
	}
	if t.KeyPrefix == "" || t.KeyHash == "" || t.KeySalt == "" {
		return errors.New("credential material is required")
	}
	if t.Status == "" {
		t.Status = StatusActive
	}
	return nil
}
