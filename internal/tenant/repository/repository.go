package repository

import (
	"context"

	"clinic-crm/backend/internal/tenant/domain"
)

// Repository defines persistence for tenants.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Tenant, error)
	// ListByKeyPrefix returns all tenants whose current or previous key prefix
	// matches. Prefixes are not unique, so more than one candidate is possible.
	ListByKeyPrefix(ctx context.Context, prefix string) ([]*domain.Tenant, error)
	Create(ctx context.Context, t *domain.Tenant) error
	// UpdateCredentials persists a key rotation: new current material plus the
	// demoted previous slot and its expiry.
	UpdateCredentials(ctx context.Context, t *domain.Tenant) error
}
