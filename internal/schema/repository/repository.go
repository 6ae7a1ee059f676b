package repository

import (
	"context"
	"errors"
	"time"

	"clinic-crm/backend/internal/schema/domain"
)

// ErrCapacityExceeded is returned by InsertIgnore when inserting would push
// the (tenant, entity) catalog past domain.MaxPropertiesPerEntity. The cap is
// enforced in storage so concurrent inserts cannot race past the service-level
// count check.
var ErrCapacityExceeded = errors.New("property definition capacity exceeded")

// Repository defines persistence for property definitions.
type Repository interface {
	ListByTenantEntity(ctx context.Context, tenantID, entity string) ([]*domain.PropertyDefinition, error)
	CountByTenantEntity(ctx context.Context, tenantID, entity string) (int, error)
	// InsertIgnore inserts p unless (tenant, entity, key) already exists.
	// Returns false with nil error on conflict, so concurrent first sightings
	// of the same key are idempotent rather than errors. Inserting a new key
	// into a catalog already at domain.MaxPropertiesPerEntity returns
	// ErrCapacityExceeded; the check and the insert are atomic.
	InsertIgnore(ctx context.Context, p *domain.PropertyDefinition) (bool, error)
	// Touch increments usage_count and refreshes last_seen_at for an existing key.
	Touch(ctx context.Context, tenantID, entity, key string, at time.Time) error
}
