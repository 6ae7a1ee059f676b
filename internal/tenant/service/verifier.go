// Package service implements tenant credential verification and rotation.
package service

import (
	"context"
	"errors"
	"time"

	"clinic-crm/backend/internal/security"
	"clinic-crm/backend/internal/tenant/domain"
)

// ErrInvalidCredential is the single generic outcome for every verification
// failure. Which stage failed (unknown prefix, hash mismatch, expired previous
// key) is deliberately not disclosed to callers, so a probing client cannot
// enumerate prefixes or tenants.
var ErrInvalidCredential = errors.New("invalid credential")

// TenantRepo is the minimal tenant repository needed by the verifier.
type TenantRepo interface {
	ListByKeyPrefix(ctx context.Context, prefix string) ([]*domain.Tenant, error)
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
	UpdateCredentials(ctx context.Context, t *domain.Tenant) error
}

// Verification is the outcome of a successful credential check.
type Verification struct {
	Tenant *domain.Tenant
	// UsedPrevious is true when the rotated-out key authenticated the request.
	// The caller should emit a deprecation warning event, without blocking.
	UsedPrevious bool
}

// Verifier authenticates opaque API keys against stored tenant credential material.
type Verifier struct {
	repo TenantRepo
	nowF func() time.Time
}

// NewVerifier returns a Verifier backed by repo.
func NewVerifier(repo TenantRepo) *Verifier {
	return &Verifier{repo: repo, nowF: func() time.Time { return time.Now().UTC() }}
}

// Verify authenticates presentedKey. The lookup is two-staged: candidate
// tenants are narrowed by the public key prefix (possibly more than one, since
// prefixes are not unique), then each candidate's stored hash is checked with
// a constant-time PBKDF2 comparison. The previous hash slot is attempted only
// inside its grace window. Any failure yields ErrInvalidCredential.
func (v *Verifier) Verify(ctx context.Context, presentedKey string) (*Verification, error) {
	prefix, err := security.KeyPrefix(presentedKey)
	if err != nil {
		return nil, ErrInvalidCredential
	}
	candidates, err := v.repo.ListByKeyPrefix(ctx, prefix)
	if err != nil {
		return nil, err
	}
	now := v.nowF()
	for _, t := range candidates {
		if t.KeyPrefix == prefix && security.VerifyAPIKey(presentedKey, t.KeyHash, t.KeySalt) {
			return &Verification{Tenant: t}, nil
		}
		if t.PrevKeyPrefix == prefix && t.PreviousKeyValid(now) &&
			security.VerifyAPIKey(presentedKey, t.PrevKeyHash, t.PrevKeySalt) {
			return &Verification{Tenant: t, UsedPrevious: true}, nil
		}
	}
	return nil, ErrInvalidCredential
}

// Rotate issues a new API key for tenantID. The current credential is demoted
// to the previous slot, valid until now+grace, and the new key is returned in
// clear exactly once. Returns the plaintext key; only derived material is stored.
func (v *Verifier) Rotate(ctx context.Context, tenantID string, grace time.Duration) (string, error) {
	t, err := v.repo.GetByID(ctx, tenantID)
	if err != nil {
		return "", err
	}
	if t == nil {
		return "", errors.New("tenant not found")
	}

	key, prefix, err := security.GenerateAPIKey()
	if err != nil {
		return "", err
	}
	salt, err := security.NewSalt()
	if err != nil {
		return "", err
	}

	now := v.nowF()
	expiry := now.Add(grace)
	t.PrevKeyPrefix = t.KeyPrefix
	t.PrevKeyHash = t.KeyHash
	t.PrevKeySalt = t.KeySalt
	t.PrevKeyExpiresAt = &expiry
	t.KeyPrefix = prefix
	t.KeyHash = security.HashAPIKey(key, salt)
	t.KeySalt = salt
	t.UpdatedAt = now

	if err := v.repo.UpdateCredentials(ctx, t); err != nil {
		return "", err
	}
	return key, nil
}
