package repository

import (
	"context"
	"database/sql"

	"clinic-crm/backend/internal/audit/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an audit event repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create appends the event. The event must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, e *domain.Event) error {
	actor := sql.NullString{String: e.Actor, Valid: e.Actor != ""}
	detail := e.Detail
	if detail == "" {
		detail = "{}"
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, tenant_id, actor, action, subject_id, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.ID, e.TenantID, actor, e.Action, e.SubjectID, detail, e.CreatedAt)
	return err
}
