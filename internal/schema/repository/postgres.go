package repository

import (
	"context"
	"database/sql"
	"time"

	"clinic-crm/backend/internal/field"
	"clinic-crm/backend/internal/schema/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a property definition repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const propertyColumns = `id, tenant_id, entity, key, label, type, show_in_list, show_in_form,
	required, sensitive, usage_count, last_seen_at, sort_order, created_at`

// ListByTenantEntity returns every definition for (tenantID, entity), ordered
// by sort order then key.
func (r *PostgresRepository) ListByTenantEntity(ctx context.Context, tenantID, entity string) ([]*domain.PropertyDefinition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+propertyColumns+` FROM property_definitions
		 WHERE tenant_id = $1 AND entity = $2 ORDER BY sort_order, key`, tenantID, entity)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.PropertyDefinition
	for rows.Next() {
		var p domain.PropertyDefinition
		var typ string
		if err := rows.Scan(&p.ID, &p.TenantID, &p.Entity, &p.Key, &p.Label, &typ,
			&p.ShowInList, &p.ShowInForm, &p.Required, &p.Sensitive,
			&p.UsageCount, &p.LastSeenAt, &p.SortOrder, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Type = field.Type(typ)
		out = append(out, &p)
	}
	return out, rows.Err()
}

// CountByTenantEntity returns the catalog size for (tenantID, entity).
func (r *PostgresRepository) CountByTenantEntity(ctx context.Context, tenantID, entity string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM property_definitions WHERE tenant_id = $1 AND entity = $2`,
		tenantID, entity).Scan(&n)
	return n, err
}

// InsertIgnore inserts p; ON CONFLICT DO NOTHING keyed on (tenant, entity, key)
// makes concurrent first sightings idempotent. The capacity cap is checked
// inside the same transaction under an advisory lock scoped to
// (tenant, entity), so two concurrent inserts at one below the cap cannot
// both slip past a count taken before either committed.
func (r *PostgresRepository) InsertIgnore(ctx context.Context, p *domain.PropertyDefinition) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		p.TenantID+"/"+p.Entity+"/property_definitions"); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO property_definitions (id, tenant_id, entity, key, label, type,
			show_in_list, show_in_form, required, sensitive, usage_count, last_seen_at, sort_order, created_at)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		WHERE (SELECT count(*) FROM property_definitions WHERE tenant_id = $2 AND entity = $3) < $15
		ON CONFLICT (tenant_id, entity, key) DO NOTHING`,
		p.ID, p.TenantID, p.Entity, p.Key, p.Label, string(p.Type),
		p.ShowInList, p.ShowInForm, p.Required, p.Sensitive,
		p.UsageCount, p.LastSeenAt, p.SortOrder, p.CreatedAt,
		domain.MaxPropertiesPerEntity)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, tx.Commit()
	}

	// Zero rows is either a key conflict (fine, idempotent) or the guard
	// blocking a full catalog; an existence check tells them apart.
	var exists bool
	if err := tx.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM property_definitions WHERE tenant_id = $1 AND entity = $2 AND key = $3)`,
		p.TenantID, p.Entity, p.Key).Scan(&exists); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	return false, ErrCapacityExceeded
}

// Touch increments usage_count and refreshes last_seen_at for an existing key.
// A missing row is not an error; the next reconcile will insert it.
func (r *PostgresRepository) Touch(ctx context.Context, tenantID, entity, key string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE property_definitions SET usage_count = usage_count + 1, last_seen_at = $4
		WHERE tenant_id = $1 AND entity = $2 AND key = $3`,
		tenantID, entity, key, at)
	return err
}
