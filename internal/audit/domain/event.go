package domain

import "time"

// Event is one append-only audit record. Events are written as side effects of
// ingestion and import and never mutated or read back by this subsystem.
type Event struct {
	ID       string
	TenantID string
	// Actor is the dashboard user or integration that caused the event; empty
	// for anonymous API ingestion.
	Actor     string
	Action    string
	SubjectID string
	// Detail is a JSON blob with action-specific context (e.g. the raw payload
	// for ingestion trails).
	Detail    string
	CreatedAt time.Time
}
