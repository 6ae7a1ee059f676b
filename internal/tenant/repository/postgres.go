package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"clinic-crm/backend/internal/tenant/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a tenant repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const tenantColumns = `id, name, status, api_key_prefix, api_key_hash, api_key_salt,
	prev_key_prefix, prev_key_hash, prev_key_salt, prev_key_expires_at, created_at, updated_at`

// GetByID returns the tenant for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Tenant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+tenantColumns+` FROM tenants WHERE id = $1`, id)
	t, err := scanTenant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return t, nil
}

// ListByKeyPrefix returns tenants whose current or previous key prefix equals prefix.
func (r *PostgresRepository) ListByKeyPrefix(ctx context.Context, prefix string) ([]*domain.Tenant, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+tenantColumns+` FROM tenants WHERE api_key_prefix = $1 OR prev_key_prefix = $1`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Create persists the tenant to the database. The tenant must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.Tenant) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tenants (id, name, status, api_key_prefix, api_key_hash, api_key_salt,
			prev_key_prefix, prev_key_hash, prev_key_salt, prev_key_expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		t.ID, t.Name, string(t.Status), t.KeyPrefix, t.KeyHash, t.KeySalt,
		nullStr(t.PrevKeyPrefix), nullStr(t.PrevKeyHash), nullStr(t.PrevKeySalt),
		nullTime(t.PrevKeyExpiresAt), t.CreatedAt, t.UpdatedAt)
	return err
}

// UpdateCredentials updates current and previous credential slots for the tenant.
func (r *PostgresRepository) UpdateCredentials(ctx context.Context, t *domain.Tenant) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE tenants SET api_key_prefix = $2, api_key_hash = $3, api_key_salt = $4,
			prev_key_prefix = $5, prev_key_hash = $6, prev_key_salt = $7,
			prev_key_expires_at = $8, updated_at = $9
		WHERE id = $1`,
		t.ID, t.KeyPrefix, t.KeyHash, t.KeySalt,
		nullStr(t.PrevKeyPrefix), nullStr(t.PrevKeyHash), nullStr(t.PrevKeySalt),
		nullTime(t.PrevKeyExpiresAt), t.UpdatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*domain.Tenant, error) {
	var t domain.Tenant
	var status string
	var prevPrefix, prevHash, prevSalt sql.NullString
	var prevExpires sql.NullTime
	err := row.Scan(&t.ID, &t.Name, &status, &t.KeyPrefix, &t.KeyHash, &t.KeySalt,
		&prevPrefix, &prevHash, &prevSalt, &prevExpires, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	t.Status = domain.Status(status)
	t.PrevKeyPrefix = prevPrefix.String
	t.PrevKeyHash = prevHash.String
	t.PrevKeySalt = prevSalt.String
	if prevExpires.Valid {
		at := prevExpires.Time
		t.PrevKeyExpiresAt = &at
	}
	return &t, nil
}

func nullStr(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
