// Package service implements key normalization, semantic type inference, and
// the capped property catalog that lets tenants extend their lead schema
// without migrations.
package service

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"clinic-crm/backend/internal/field"
	"clinic-crm/backend/internal/schema/domain"
	"clinic-crm/backend/internal/schema/repository"
)

// ErrCatalogFull is returned when admitting new keys would push a tenant's
// catalog past domain.MaxPropertiesPerEntity. The reconcile fails closed:
// no subset of the new keys is admitted.
var ErrCatalogFull = errors.New("property catalog capacity exceeded")

// ErrReservedKey is returned by CreateDeclared when an operator explicitly
// requests a reserved or empty key. Implicit extras with such keys are
// silently dropped instead; only declared creations treat this as fatal.
var ErrReservedKey = errors.New("key is reserved")

// maxKeyLen is the identifier-length limit for normalized keys.
const maxKeyLen = 63

// reservedKeys are core lead attributes, SQL keywords, and sensitive terms
// that may never become custom property keys.
var reservedKeys = map[string]struct{}{
	// core lead attributes
	"id": {}, "tenant_id": {}, "name": {}, "phone": {}, "email": {},
	"status": {}, "source": {}, "consent": {}, "consent_given": {},
	"consent_at": {}, "consent_ip": {}, "custom": {}, "created_by": {},
	"created_at": {}, "updated_by": {}, "updated_at": {},
	// SQL keywords
	"select": {}, "insert": {}, "update": {}, "delete": {}, "drop": {},
	"table": {}, "where": {}, "from": {}, "join": {}, "union": {},
	"order": {}, "group": {}, "having": {}, "limit": {}, "offset": {},
	// sensitive terms
	"password": {}, "token": {}, "secret": {}, "api_key": {}, "apikey": {},
	"credit_card": {}, "ssn": {}, "nric": {},
}

var (
	nonIdentRe   = regexp.MustCompile(`[^a-z0-9]+`)
	multiUnderRe = regexp.MustCompile(`_{2,}`)
	isoDateRe    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2})?)?`)
	emailShapeRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	phoneShapeRe = regexp.MustCompile(`^\+?[0-9][0-9 ()\-]{6,}$`)
	numericRe    = regexp.MustCompile(`^-?\d+(\.\d+)?$`)
	urlSchemeRe  = regexp.MustCompile(`^https?://`)
	boolTokenRe  = regexp.MustCompile(`^(?i)(true|false|yes|no)$`)
	numberKeyRe  = regexp.MustCompile(`(price|amount|cost|fee|total|count|qty|quantity|age|budget)`)
	dateKeyRe    = regexp.MustCompile(`(date|birthday|dob|_at$|_on$)`)
	phoneKeyRe   = regexp.MustCompile(`(phone|mobile|whatsapp|tel)`)
	urlKeyRe     = regexp.MustCompile(`(url|website|link)`)
)

// PlannedField is one extras key after normalization and type resolution,
// ready for validation and reconciliation.
type PlannedField struct {
	// RawKey is the key as submitted, used in error messages.
	RawKey string
	// Key is the normalized catalog identifier.
	Key string
	// Type is the declared (known key) or inferred (new key) semantic type.
	Type field.Type
	// Known is true when the key already exists in the catalog.
	Known bool
	// Label is the human label for a newly created definition.
	Label string
}

// Catalog manages the per-tenant property catalog.
type Catalog struct {
	repo repository.Repository
	nowF func() time.Time
}

// NewCatalog returns a Catalog backed by repo.
func NewCatalog(repo repository.Repository) *Catalog {
	return &Catalog{repo: repo, nowF: func() time.Time { return time.Now().UTC() }}
}

// NormalizeKey lowers raw, maps every non-alphanumeric run to one underscore,
// trims underscores, and truncates to the identifier limit. ok is false when
// the key normalizes to empty or collides with a reserved word; such keys are
// dropped, never errored, so a submission is not rejected for a name clash.
func NormalizeKey(raw string) (key string, ok bool) {
	k := strings.ToLower(strings.TrimSpace(raw))
	k = nonIdentRe.ReplaceAllString(k, "_")
	k = multiUnderRe.ReplaceAllString(k, "_")
	k = strings.Trim(k, "_")
	if len(k) > maxKeyLen {
		k = strings.Trim(k[:maxKeyLen], "_")
	}
	if k == "" {
		return "", false
	}
	if _, reserved := reservedKeys[k]; reserved {
		return "", false
	}
	return k, true
}

// InferType resolves the semantic type for a previously-unseen field.
// Precedence: runtime literal type, then key-name heuristics, then value
// shape, then string.
func InferType(key string, value any) field.Type {
	switch value.(type) {
	case bool:
		return field.TypeBoolean
	case float64, float32, int, int64:
		return field.TypeNumber
	}

	switch {
	case strings.Contains(key, "email"):
		return field.TypeEmail
	case phoneKeyRe.MatchString(key):
		return field.TypePhone
	case urlKeyRe.MatchString(key):
		return field.TypeURL
	case dateKeyRe.MatchString(key):
		return field.TypeDate
	case numberKeyRe.MatchString(key):
		return field.TypeNumber
	}

	if s, isStr := value.(string); isStr {
		s = strings.TrimSpace(s)
		switch {
		case isoDateRe.MatchString(s):
			return field.TypeDate
		case emailShapeRe.MatchString(s):
			return field.TypeEmail
		case urlSchemeRe.MatchString(s):
			return field.TypeURL
		case phoneShapeRe.MatchString(s):
			return field.TypePhone
		case numericRe.MatchString(s):
			return field.TypeNumber
		case boolTokenRe.MatchString(s):
			return field.TypeBoolean
		}
	}
	return field.TypeString
}

// Plan normalizes the extras keys of one submission and resolves each to its
// catalog type (known) or inferred type (new). Keys that normalize to empty or
// reserved identifiers are dropped silently. No catalog mutation happens here.
func (c *Catalog) Plan(ctx context.Context, tenantID, entity string, extras map[string]any) ([]PlannedField, error) {
	existing, err := c.repo.ListByTenantEntity(ctx, tenantID, entity)
	if err != nil {
		return nil, err
	}
	known := make(map[string]*domain.PropertyDefinition, len(existing))
	for _, p := range existing {
		known[p.Key] = p
	}

	var planned []PlannedField
	seen := make(map[string]struct{})
	for rawKey, value := range extras {
		key, ok := NormalizeKey(rawKey)
		if !ok {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		pf := PlannedField{RawKey: rawKey, Key: key, Label: labelFor(rawKey, key)}
		if def, found := known[key]; found {
			pf.Type = def.Type
			pf.Known = true
		} else {
			pf.Type = InferType(key, value)
		}
		planned = append(planned, pf)
	}
	return planned, nil
}

// Reconcile applies one submission's planned fields to the catalog: known keys
// get usage/last-seen refreshed, new keys are admitted together or not at all.
// If admitting every new key would exceed the capacity cap, the call fails
// closed with ErrCatalogFull before any insert; the repository re-checks the
// cap atomically per insert, so concurrent reconciles that both pass the
// count here still cannot push the catalog past the cap. Returns the keys
// actually created (concurrent duplicate inserts are ignored, not errors).
func (c *Catalog) Reconcile(ctx context.Context, tenantID, entity string, planned []PlannedField) ([]string, error) {
	var newFields []PlannedField
	for _, pf := range planned {
		if !pf.Known {
			newFields = append(newFields, pf)
		}
	}

	if len(newFields) > 0 {
		count, err := c.repo.CountByTenantEntity(ctx, tenantID, entity)
		if err != nil {
			return nil, err
		}
		if count+len(newFields) > domain.MaxPropertiesPerEntity {
			return nil, fmt.Errorf("%w: %d existing + %d new exceeds %d",
				ErrCatalogFull, count, len(newFields), domain.MaxPropertiesPerEntity)
		}
	}

	now := c.nowF()
	var created []string
	for _, pf := range newFields {
		def := &domain.PropertyDefinition{
			ID:         uuid.New().String(),
			TenantID:   tenantID,
			Entity:     entity,
			Key:        pf.Key,
			Label:      pf.Label,
			Type:       pf.Type,
			ShowInForm: true,
			UsageCount: 1,
			LastSeenAt: now,
			CreatedAt:  now,
		}
		inserted, err := c.repo.InsertIgnore(ctx, def)
		if errors.Is(err, repository.ErrCapacityExceeded) {
			return created, fmt.Errorf("%w: capacity reached admitting %q", ErrCatalogFull, pf.Key)
		}
		if err != nil {
			return created, err
		}
		if inserted {
			created = append(created, pf.Key)
		} else {
			// Lost a first-sighting race; count the sighting instead.
			if err := c.repo.Touch(ctx, tenantID, entity, pf.Key, now); err != nil {
				return created, err
			}
		}
	}
	for _, pf := range planned {
		if pf.Known {
			if err := c.repo.Touch(ctx, tenantID, entity, pf.Key, now); err != nil {
				return created, err
			}
		}
	}
	return created, nil
}

// Declaration is an operator's explicit "create new property" choice made
// ahead of a bulk import run.
type Declaration struct {
	Key   string
	Label string
	Type  field.Type
}

// CreateDeclared creates operator-declared properties before a bulk import.
// Unlike implicit extras, a reserved or empty key here is fatal
// (ErrReservedKey), and a capacity overflow aborts with ErrCatalogFull before
// anything is created: a human configured this mapping and must be told.
func (c *Catalog) CreateDeclared(ctx context.Context, tenantID, entity string, decls []Declaration) (int, error) {
	if len(decls) == 0 {
		return 0, nil
	}

	normalized := make([]Declaration, 0, len(decls))
	for _, d := range decls {
		key, ok := NormalizeKey(d.Key)
		if !ok {
			return 0, fmt.Errorf("%w: %q", ErrReservedKey, d.Key)
		}
		typ := d.Type
		if !typ.Valid() {
			typ = field.TypeString
		}
		label := d.Label
		if label == "" {
			label = labelFor(d.Key, key)
		}
		normalized = append(normalized, Declaration{Key: key, Label: label, Type: typ})
	}

	count, err := c.repo.CountByTenantEntity(ctx, tenantID, entity)
	if err != nil {
		return 0, err
	}
	if count+len(normalized) > domain.MaxPropertiesPerEntity {
		return 0, fmt.Errorf("%w: %d existing + %d declared exceeds %d",
			ErrCatalogFull, count, len(normalized), domain.MaxPropertiesPerEntity)
	}

	now := c.nowF()
	created := 0
	for _, d := range normalized {
		def := &domain.PropertyDefinition{
			ID:         uuid.New().String(),
			TenantID:   tenantID,
			Entity:     entity,
			Key:        d.Key,
			Label:      d.Label,
			Type:       d.Type,
			ShowInForm: true,
			UsageCount: 1,
			LastSeenAt: now,
			CreatedAt:  now,
		}
		inserted, err := c.repo.InsertIgnore(ctx, def)
		if errors.Is(err, repository.ErrCapacityExceeded) {
			return created, fmt.Errorf("%w: capacity reached creating %q", ErrCatalogFull, d.Key)
		}
		if err != nil {
			return created, err
		}
		if inserted {
			created++
		}
	}
	return created, nil
}

// labelFor derives a human label from the submitted key, falling back to a
// title-cased normalized key.
func labelFor(rawKey, key string) string {
	raw := strings.TrimSpace(rawKey)
	if raw != "" && !strings.ContainsAny(raw, "<>") {
		return raw
	}
	parts := strings.Split(key, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, " ")
}
