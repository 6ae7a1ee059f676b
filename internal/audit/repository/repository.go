package repository

import (
	"context"

	"clinic-crm/backend/internal/audit/domain"
)

// Repository defines persistence for audit events. Append-only: no update or
// delete operations exist.
type Repository interface {
	Create(ctx context.Context, e *domain.Event) error
}
