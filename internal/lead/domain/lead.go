package domain

import (
	"errors"
	"time"
)

// Lead is a patient/contact inquiry record owned by one tenant. Core
// attributes are fixed columns; everything else lives in the Custom map,
// restricted to keys present in the tenant's property catalog.
type Lead struct {
	ID       string
	TenantID string

	Name  string
	Phone string
	Email string

	Status Status
	Source string

	ConsentGiven bool
	ConsentAt    *time.Time
	// ConsentIP is the origin address recorded when consent was given.
	ConsentIP string

	// Custom holds validated dynamic field values keyed by normalized
	// property key. Values are JSON-serializable (string, float64, bool,
	// RFC3339 date string).
	Custom map[string]any

	CreatedBy string
	CreatedAt time.Time
	UpdatedBy string
	UpdatedAt time.Time
}

// Status is the lead pipeline state.
type Status string

const (
	StatusNew       Status = "new"
	StatusContacted Status = "contacted"
	StatusQualified Status = "qualified"
	StatusConverted Status = "converted"
	StatusClosed    Status = "closed"
)

// MaxNameLen bounds the lead name.
const MaxNameLen = 200

// Validate validates the lead for persistence. Returns an error describing the first validation failure.
func (l *Lead) Validate() error {
	if l.TenantID == "" {
		return errors.New("tenant id is required")
	}
	if l.Name == "" {
		return errors.New("name is required")
	}
	if len(l.Name) > MaxNameLen {
		return errors.New("name exceeds maximum length")
	}
	if l.Phone == "" && l.Email == "" {
		return errors.New("phone or email is required")
	}
	if l.Status == "" {
		l.Status = StatusNew
	}
	return nil
}
