// Package producer defines the interface for emitting audit events to an
// external stream (e.g. Kafka).
package producer

import (
	"context"

	"clinic-crm/backend/internal/audit/domain"
)

// Producer emits audit events. Callers use it best-effort: log and ignore errors.
type Producer interface {
	// Emit sends a single audit event. Implementations may block briefly;
	// callers already run off the request path.
	Emit(ctx context.Context, e *domain.Event) error
	// Close releases resources (e.g. Kafka writer). Safe to call if already closed.
	Close() error
}
