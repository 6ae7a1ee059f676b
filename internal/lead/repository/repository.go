package repository

import (
	"context"
	"errors"

	"clinic-crm/backend/internal/lead/domain"
)

// ErrDuplicate is returned by Create when the storage uniqueness constraint on
// (tenant, phone) or (tenant, email) rejects the insert. The application-level
// duplicate lookup is only a fast path; this constraint closes the
// check-then-act race between concurrent submissions.
var ErrDuplicate = errors.New("duplicate lead")

// Contacts maps normalized phone numbers and lower-cased emails to existing
// lead IDs for one tenant. Used by bulk import for in-memory duplicate detection.
type Contacts struct {
	ByPhone map[string]string
	ByEmail map[string]string
}

// Repository defines persistence for leads.
type Repository interface {
	GetByID(ctx context.Context, tenantID, id string) (*domain.Lead, error)
	// FindByPhoneOrEmail returns an existing lead matching the normalized
	// phone or email, or nil when none matches.
	FindByPhoneOrEmail(ctx context.Context, tenantID, phone, email string) (*domain.Lead, error)
	// ListContacts loads every (phone, email) pair for the tenant.
	ListContacts(ctx context.Context, tenantID string) (*Contacts, error)
	// Create inserts the lead; returns ErrDuplicate (possibly wrapped) on a
	// uniqueness-constraint violation.
	Create(ctx context.Context, l *domain.Lead) error
	Update(ctx context.Context, l *domain.Lead) error
}
