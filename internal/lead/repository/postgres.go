package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"clinic-crm/backend/internal/lead/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a lead repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const leadColumns = `id, tenant_id, name, phone, email, status, source,
	consent_given, consent_at, consent_ip, custom, created_by, created_at, updated_by, updated_at`

// GetByID returns the lead for (tenantID, id), or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, tenantID, id string) (*domain.Lead, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE tenant_id = $1 AND id = $2`, tenantID, id)
	l, err := scanLead(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

// FindByPhoneOrEmail returns an existing lead matching phone or email, or nil.
// Empty phone/email arguments never match.
func (r *PostgresRepository) FindByPhoneOrEmail(ctx context.Context, tenantID, phone, email string) (*domain.Lead, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+leadColumns+` FROM leads
		WHERE tenant_id = $1 AND ((phone = $2 AND $2 <> '') OR (email = $3 AND $3 <> ''))
		LIMIT 1`, tenantID, phone, email)
	l, err := scanLead(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return l, nil
}

// ListContacts loads every (phone, email) pair for the tenant into memory.
func (r *PostgresRepository) ListContacts(ctx context.Context, tenantID string) (*Contacts, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, phone, email FROM leads WHERE tenant_id = $1`, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	c := &Contacts{ByPhone: make(map[string]string), ByEmail: make(map[string]string)}
	for rows.Next() {
		var id, phone, email string
		if err := rows.Scan(&id, &phone, &email); err != nil {
			return nil, err
		}
		if phone != "" {
			c.ByPhone[phone] = id
		}
		if email != "" {
			c.ByEmail[email] = id
		}
	}
	return c, rows.Err()
}

// Create inserts the lead. A uniqueness-constraint violation on
// (tenant, phone) or (tenant, email) is translated to ErrDuplicate.
func (r *PostgresRepository) Create(ctx context.Context, l *domain.Lead) error {
	custom, err := json.Marshal(customOrEmpty(l.Custom))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO leads (id, tenant_id, name, phone, email, status, source,
			consent_given, consent_at, consent_ip, custom, created_by, created_at, updated_by, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		l.ID, l.TenantID, l.Name, l.Phone, l.Email, string(l.Status), l.Source,
		l.ConsentGiven, nullTime(l.ConsentAt), nullStr(l.ConsentIP), custom,
		l.CreatedBy, l.CreatedAt, nullStr(l.UpdatedBy), l.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

// Update overwrites core fields and the custom map for an existing lead.
func (r *PostgresRepository) Update(ctx context.Context, l *domain.Lead) error {
	custom, err := json.Marshal(customOrEmpty(l.Custom))
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE leads SET name = $3, phone = $4, email = $5, status = $6, source = $7,
			consent_given = $8, consent_at = $9, consent_ip = $10, custom = $11,
			updated_by = $12, updated_at = $13
		WHERE tenant_id = $1 AND id = $2`,
		l.TenantID, l.ID, l.Name, l.Phone, l.Email, string(l.Status), l.Source,
		l.ConsentGiven, nullTime(l.ConsentAt), nullStr(l.ConsentIP), custom,
		nullStr(l.UpdatedBy), l.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %v", ErrDuplicate, err)
	}
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func customOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLead(row rowScanner) (*domain.Lead, error) {
	var l domain.Lead
	var status string
	var consentAt sql.NullTime
	var consentIP, updatedBy sql.NullString
	var custom []byte
	err := row.Scan(&l.ID, &l.TenantID, &l.Name, &l.Phone, &l.Email, &status, &l.Source,
		&l.ConsentGiven, &consentAt, &consentIP, &custom, &l.CreatedBy, &l.CreatedAt,
		&updatedBy, &l.UpdatedAt)
	if err != nil {
		return nil, err
	}
	l.Status = domain.Status(status)
	if consentAt.Valid {
		at := consentAt.Time
		l.ConsentAt = &at
	}
	l.ConsentIP = consentIP.String
	l.UpdatedBy = updatedBy.String
	if len(custom) > 0 {
		if err := json.Unmarshal(custom, &l.Custom); err != nil {
			return nil, err
		}
	}
	return &l, nil
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
