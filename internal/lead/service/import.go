package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clinic-crm/backend/internal/audit"
	"clinic-crm/backend/internal/field"
	"clinic-crm/backend/internal/lead/domain"
	leadrepo "clinic-crm/backend/internal/lead/repository"
	schemarepo "clinic-crm/backend/internal/schema/repository"
	schemasvc "clinic-crm/backend/internal/schema/service"
)

// DuplicatePolicy controls how bulk import treats rows colliding with an
// existing lead's phone or email.
type DuplicatePolicy string

const (
	// PolicySkip counts the row as a duplicate and writes nothing.
	PolicySkip DuplicatePolicy = "skip"
	// PolicyUpdate overwrites the existing record's core fields and extras.
	PolicyUpdate DuplicatePolicy = "update"
	// PolicyCreate inserts a new record despite the collision. The storage
	// uniqueness constraint may still reject it; that surfaces as a row error.
	PolicyCreate DuplicatePolicy = "create"
)

// Valid reports whether p is a known policy.
func (p DuplicatePolicy) Valid() bool {
	return p == PolicySkip || p == PolicyUpdate || p == PolicyCreate
}

// ImportRequest describes one bulk import run.
type ImportRequest struct {
	TenantID string
	// Actor is the dashboard user running the import, stamped as provenance.
	Actor string
	// Columns names the source columns in row order.
	Columns []string
	// Mapping maps a source column name to a target field: a core attribute
	// ("name", "phone", "email", "source") or a custom property key. Unmapped
	// columns are ignored.
	Mapping map[string]string
	// Rows is the raw row matrix.
	Rows [][]string
	// Defaults supplies values for target fields when a row's cell is empty.
	Defaults map[string]string
	// Policy is the duplicate-handling policy; defaults to skip.
	Policy DuplicatePolicy
	// NewProperties are explicit "create new property" choices made ahead of
	// the run. Creation is a separate fail-fast phase: a capacity or
	// reserved-key error aborts the entire batch before any row is written.
	NewProperties []schemasvc.Declaration
}

// RowError captures one failed row; the run continues past it.
type RowError struct {
	// Row is the 1-based row number within the submitted matrix.
	Row    int
	Reason string
	// Data is the offending row's mapped values, for operator review.
	Data map[string]string
}

// ImportResult summarizes a completed run. The run never aborts early because
// of a single bad row.
type ImportResult struct {
	Imported             int
	Skipped              int
	Duplicates           int
	Errors               []RowError
	NewPropertiesCreated int
}

// Importer applies the schema and validation rules of single-lead ingestion
// across an operator-supplied mapping of many rows at once.
type Importer struct {
	validator *field.Validator
	catalog   Catalog
	props     schemarepo.Repository
	leads     leadrepo.Repository
	auditor   audit.Logger
	log       *zap.Logger
	nowF      func() time.Time
}

// NewImporter returns an Importer with the given collaborators.
func NewImporter(
	validator *field.Validator,
	catalog Catalog,
	props schemarepo.Repository,
	leads leadrepo.Repository,
	auditor audit.Logger,
	log *zap.Logger,
) *Importer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Importer{
		validator: validator,
		catalog:   catalog,
		props:     props,
		leads:     leads,
		auditor:   auditor,
		log:       log,
		nowF:      func() time.Time { return time.Now().UTC() },
	}
}

// Run processes the import to completion, isolating per-row failures.
// Property creation happens first and fails fast; a schema-definition error
// here is fatal for the whole batch because a human operator configured the
// mapping and should be told immediately.
func (im *Importer) Run(ctx context.Context, req ImportRequest) (*ImportResult, error) {
	if !req.Policy.Valid() {
		req.Policy = PolicySkip
	}

	created, err := im.catalog.CreateDeclared(ctx, req.TenantID, leadEntity, req.NewProperties)
	if err != nil {
		return nil, err
	}
	result := &ImportResult{NewPropertiesCreated: created, Errors: []RowError{}}

	// Catalog types for custom columns, loaded once after declarations.
	defs, err := im.props.ListByTenantEntity(ctx, req.TenantID, leadEntity)
	if err != nil {
		return nil, err
	}
	propTypes := make(map[string]field.Type, len(defs))
	for _, d := range defs {
		propTypes[d.Key] = d.Type
	}

	// Existing contacts, loaded once; accepted rows are added as the run
	// progresses so intra-batch duplicates are caught.
	contacts, err := im.leads.ListContacts(ctx, req.TenantID)
	if err != nil {
		return nil, err
	}

	now := im.nowF()
	for i, row := range req.Rows {
		rowNum := i + 1
		record := im.mapRow(req, row)

		if rowErr := im.processRow(ctx, req, record, contacts, propTypes, now); rowErr != nil {
			switch rowErr.kind {
			case rowSkipped:
				result.Skipped++
				result.Duplicates++
			case rowUpdated:
				result.Imported++
				result.Duplicates++
			default:
				result.Errors = append(result.Errors, RowError{Row: rowNum, Reason: rowErr.reason, Data: record})
			}
			continue
		}
		result.Imported++
	}

	if im.auditor != nil {
		detail, _ := json.Marshal(map[string]any{
			"imported": result.Imported, "skipped": result.Skipped,
			"duplicates": result.Duplicates, "errors": len(result.Errors),
			"new_properties": result.NewPropertiesCreated,
		})
		im.auditor.LogEvent(ctx, req.TenantID, req.Actor, audit.ActionImportCompleted, "", string(detail))
	}
	return result, nil
}

// rowOutcome distinguishes non-inserted outcomes of one row.
type rowOutcome struct {
	kind   int
	reason string
}

const (
	rowFailed = iota
	rowSkipped
	rowUpdated
)

func failRow(format string, args ...any) *rowOutcome {
	return &rowOutcome{kind: rowFailed, reason: fmt.Sprintf(format, args...)}
}

// mapRow builds the target-field record for one row from the column mapping
// and defaults.
func (im *Importer) mapRow(req ImportRequest, row []string) map[string]string {
	record := make(map[string]string)
	for ci, col := range req.Columns {
		target, mapped := req.Mapping[col]
		if !mapped || target == "" || ci >= len(row) {
			continue
		}
		if v := strings.TrimSpace(row[ci]); v != "" {
			record[target] = v
		}
	}
	for target, def := range req.Defaults {
		if record[target] == "" && def != "" {
			record[target] = def
		}
	}
	return record
}

// processRow validates and writes one row. Returns nil when a new lead was
// inserted; otherwise a rowOutcome describing the skip, update, or failure.
func (im *Importer) processRow(
	ctx context.Context,
	req ImportRequest,
	record map[string]string,
	contacts *leadrepo.Contacts,
	propTypes map[string]field.Type,
	now time.Time,
) *rowOutcome {
	name, err := im.validator.SanitizeString("name", record["name"])
	if err != nil || name == "" {
		return failRow("missing or invalid name")
	}
	if len(name) > domain.MaxNameLen {
		return failRow("name exceeds maximum length")
	}
	if record["phone"] == "" && record["email"] == "" {
		return failRow("phone or email is required")
	}

	var phone, email string
	if record["phone"] != "" {
		v, err := im.validator.Validate("phone", record["phone"], field.TypePhone)
		if err != nil {
			return failRow("invalid phone: %s", record["phone"])
		}
		phone = v.String()
	}
	if record["email"] != "" {
		v, err := im.validator.Validate("email", record["email"], field.TypeEmail)
		if err != nil {
			return failRow("invalid email: %s", record["email"])
		}
		email = v.String()
	}

	// Custom fields: only keys present in the catalog are carried; the
	// operator declares new ones ahead of the run.
	custom := make(map[string]any)
	for target, raw := range record {
		if target == "name" || target == "phone" || target == "email" || target == "source" {
			continue
		}
		key, ok := schemasvc.NormalizeKey(target)
		if !ok {
			continue
		}
		typ, known := propTypes[key]
		if !known {
			continue
		}
		v, err := im.validator.Validate(target, raw, typ)
		if err != nil {
			return failRow("invalid value for %s", target)
		}
		custom[key] = v.Interface()
	}

	existingID := ""
	if phone != "" {
		existingID = contacts.ByPhone[phone]
	}
	if existingID == "" && email != "" {
		existingID = contacts.ByEmail[email]
	}

	if existingID != "" {
		switch req.Policy {
		case PolicySkip:
			return &rowOutcome{kind: rowSkipped}
		case PolicyUpdate:
			if err := im.updateExisting(ctx, req, existingID, name, phone, email, record["source"], custom, now); err != nil {
				return failRow("update failed: %v", err)
			}
			return &rowOutcome{kind: rowUpdated}
		case PolicyCreate:
			// Fall through to insert; the storage constraint has the last word.
		}
	}

	l := &domain.Lead{
		ID:        uuid.New().String(),
		TenantID:  req.TenantID,
		Name:      name,
		Phone:     phone,
		Email:     email,
		Status:    domain.StatusNew,
		Source:    sourceOr(record["source"], "import"),
		Custom:    custom,
		CreatedBy: req.Actor,
		CreatedAt: now,
		UpdatedAt: now,
	}
	createCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	if err := im.leads.Create(createCtx, l); err != nil {
		if errors.Is(err, leadrepo.ErrDuplicate) {
			return failRow("duplicate lead rejected by storage")
		}
		return failRow("insert failed: %v", err)
	}

	if phone != "" {
		contacts.ByPhone[phone] = l.ID
	}
	if email != "" {
		contacts.ByEmail[email] = l.ID
	}
	return nil
}

func (im *Importer) updateExisting(
	ctx context.Context,
	req ImportRequest,
	id, name, phone, email, source string,
	custom map[string]any,
	now time.Time,
) error {
	getCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	existing, err := im.leads.GetByID(getCtx, req.TenantID, id)
	if err != nil {
		return err
	}
	if existing == nil {
		return errors.New("existing lead disappeared")
	}

	existing.Name = name
	if phone != "" {
		existing.Phone = phone
	}
	if email != "" {
		existing.Email = email
	}
	if source != "" {
		existing.Source = source
	}
	if existing.Custom == nil {
		existing.Custom = make(map[string]any)
	}
	for k, v := range custom {
		existing.Custom[k] = v
	}
	existing.UpdatedBy = req.Actor
	existing.UpdatedAt = now

	updCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	return im.leads.Update(updCtx, existing)
}

func sourceOr(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
