package domain

import (
	"errors"
	"time"

	"clinic-crm/backend/internal/field"
)

// MaxPropertiesPerEntity caps the catalog size per (tenant, entity) to bound
// the spread of ad-hoc fields.
const MaxPropertiesPerEntity = 100

// PropertyDefinition is one dynamically-discovered custom field in a tenant's
// catalog. (TenantID, Entity, Key) is unique. Definitions are created lazily
// on first sighting and never auto-deleted.
type PropertyDefinition struct {
	ID       string
	TenantID string
	Entity   string
	Key      string
	Label    string
	Type     field.Type

	ShowInList bool
	ShowInForm bool
	Required   bool
	Sensitive  bool

	UsageCount int64
	LastSeenAt time.Time
	SortOrder  int
	CreatedAt  time.Time
}

// Validate validates the definition for persistence. Returns an error describing the first validation failure.
func (p *PropertyDefinition) Validate() error {
	if p.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if p.Entity == "" {
		return errors.New("entity is required")
	}
	if p.Key == "" {
		return errors.New("key is required")
	}
	if !p.Type.Valid() {
		return errors.New("type is not a known semantic type")
	}
	return nil
}
