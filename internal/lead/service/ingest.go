// Package service implements the lead ingestion pipeline and the bulk import
// reconciliator.
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
	"clinic-crm/backend/internal/ratelimit"
	schemasvc "clinic-crm/backend/internal/schema/service"
	tenantdomain "clinic-crm/backend/internal/tenant/domain"
	tenantsvc "clinic-crm/backend/internal/tenant/service"
)

const (
	// maxExtrasBytes is the serialized-extras budget per submission, a coarse
	// defense against oversized payload abuse.
	maxExtrasBytes = 64 * 1024
	// storageTimeout bounds each storage call so a slow database fails the
	// request instead of hanging it.
	storageTimeout = 5 * time.Second
	// leadEntity is the catalog entity custom lead fields belong to.
	leadEntity = "lead"
)

// coreKeys are submission keys handled as fixed lead attributes; everything
// else is an extra destined for the custom-field map.
var coreKeys = map[string]struct{}{
	"name": {}, "phone": {}, "email": {}, "source": {}, "consent": {},
}

// CredentialVerifier is the minimal credential service needed by ingestion.
type CredentialVerifier interface {
	Verify(ctx context.Context, presentedKey string) (*tenantsvc.Verification, error)
}

// Catalog is the minimal schema catalog needed by ingestion and import.
type Catalog interface {
	Plan(ctx context.Context, tenantID, entity string, extras map[string]any) ([]schemasvc.PlannedField, error)
	Reconcile(ctx context.Context, tenantID, entity string, planned []schemasvc.PlannedField) ([]string, error)
	CreateDeclared(ctx context.Context, tenantID, entity string, decls []schemasvc.Declaration) (int, error)
}

// RateLimits holds the two ingestion scopes' limits.
type RateLimits struct {
	AddressLimit  int
	AddressWindow time.Duration
	TenantLimit   int
	TenantWindow  time.Duration
}

// Submission is one inbound third-party lead submission.
type Submission struct {
	// APIKey is the presented x-api-key credential.
	APIKey string
	// RemoteAddr is the client source address, used for rate limiting and
	// consent provenance.
	RemoteAddr string
	// Body is the decoded JSON object: core attributes plus arbitrary extras.
	Body map[string]any
	// RawBody is the undecoded payload, kept for the audit trail.
	RawBody []byte
}

// Result is a successful ingestion outcome.
type Result struct {
	Lead *domain.Lead
	// PropertiesCreated lists catalog keys created by this submission.
	PropertiesCreated []string
	// UsedDeprecatedKey is true when the rotated-out credential authenticated
	// the request; a warning audit event has been emitted.
	UsedDeprecatedKey bool
}

// Ingestor orchestrates auth, rate limiting, validation, deduplication,
// persistence, and auditing for single lead submissions.
type Ingestor struct {
	verifier  CredentialVerifier
	limiter   ratelimit.Limiter
	limits    RateLimits
	validator *field.Validator
	catalog   Catalog
	leads     leadrepo.Repository
	auditor   audit.Logger
	log       *zap.Logger
	nowF      func() time.Time
}

// NewIngestor returns an Ingestor with the given collaborators.
func NewIngestor(
	verifier CredentialVerifier,
	limiter ratelimit.Limiter,
	limits RateLimits,
	validator *field.Validator,
	catalog Catalog,
	leads leadrepo.Repository,
	auditor audit.Logger,
	log *zap.Logger,
) *Ingestor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Ingestor{
		verifier:  verifier,
		limiter:   limiter,
		limits:    limits,
		validator: validator,
		catalog:   catalog,
		leads:     leads,
		auditor:   auditor,
		log:       log,
		nowF:      func() time.Time { return time.Now().UTC() },
	}
}

// Ingest runs the pipeline for one submission. All-or-nothing: any failure
// aborts before persistence. The two audit writes after a successful persist
// are best-effort and run off the request path.
func (s *Ingestor) Ingest(ctx context.Context, sub Submission) (*Result, error) {
	// Authenticate.
	verification, err := s.verifier.Verify(ctx, sub.APIKey)
	if err != nil {
		return nil, err
	}
	tenant := verification.Tenant

	// Subscription eligibility.
	if !tenant.CanIngest() {
		return nil, ErrSubscriptionInactive
	}

	// Rate check: address scope first, then tenant scope.
	if err := s.rateCheck(ctx, sub.RemoteAddr, tenant); err != nil {
		return nil, err
	}

	now := s.nowF()

	// Structural core-field validation before touching custom fields.
	name, err := s.validateName(sub.Body["name"])
	if err != nil {
		return nil, err
	}
	phoneRaw, _ := sub.Body["phone"].(string)
	emailRaw, _ := sub.Body["email"].(string)
	if strings.TrimSpace(phoneRaw) == "" {
		return nil, &field.ValidationError{Field: "phone", Reason: "phone is required"}
	}
	if strings.TrimSpace(emailRaw) == "" {
		return nil, &field.ValidationError{Field: "email", Reason: "email is required"}
	}

	phoneVal, err := s.validator.Validate("phone", phoneRaw, field.TypePhone)
	if err != nil {
		return nil, err
	}
	emailVal, err := s.validator.Validate("email", emailRaw, field.TypeEmail)
	if err != nil {
		return nil, err
	}
	phone := phoneVal.String()
	email := emailVal.String()

	source := "api"
	if raw, ok := sub.Body["source"].(string); ok {
		if cleaned, err := s.validator.SanitizeString("source", raw); err == nil && cleaned != "" {
			source = cleaned
		}
	}
	consentGiven := parseConsent(sub.Body["consent"])

	// Partition extras and enforce the byte budget.
	extras := make(map[string]any)
	for k, v := range sub.Body {
		if _, core := coreKeys[k]; !core {
			extras[k] = v
		}
	}
	if len(extras) > 0 {
		serialized, err := json.Marshal(extras)
		if err != nil {
			return nil, &field.ValidationError{Field: "custom", Reason: "custom fields are not serializable"}
		}
		if len(serialized) > maxExtrasBytes {
			return nil, ErrPayloadTooLarge
		}
	}

	// Resolve extras against the catalog and validate each with its type.
	planned, custom, err := s.validateExtras(ctx, tenant.ID, extras)
	if err != nil {
		return nil, err
	}

	// Duplicate fast path. The storage constraint below remains the guarantee.
	if err := s.duplicateCheck(ctx, tenant.ID, phone, email); err != nil {
		return nil, err
	}

	// Grow the schema for surviving extras.
	created, err := s.reconcile(ctx, tenant.ID, planned)
	if err != nil {
		return nil, err
	}

	l := &domain.Lead{
		ID:           uuid.New().String(),
		TenantID:     tenant.ID,
		Name:         name,
		Phone:        phone,
		Email:        email,
		Status:       domain.StatusNew,
		Source:       source,
		ConsentGiven: consentGiven,
		Custom:       custom,
		CreatedBy:    "api",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if consentGiven {
		at := now
		l.ConsentAt = &at
		l.ConsentIP = sub.RemoteAddr
	}

	if err := s.persist(ctx, l); err != nil {
		if errors.Is(err, leadrepo.ErrDuplicate) {
			// Lost the check-then-act race; translate to the same outcome as
			// the fast path.
			return nil, s.duplicateOutcome(ctx, tenant.ID, phone, email)
		}
		return nil, err
	}

	s.emitAudits(ctx, tenant, l, sub, verification.UsedPrevious)

	return &Result{
		Lead:              l,
		PropertiesCreated: created,
		UsedDeprecatedKey: verification.UsedPrevious,
	}, nil
}

func (s *Ingestor) rateCheck(ctx context.Context, addr string, tenant *tenantdomain.Tenant) error {
	d, err := s.limiter.Allow(ctx, "ip:"+addr, s.limits.AddressLimit, s.limits.AddressWindow)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &RateLimitedError{Scope: "address", RetryAfter: d.RetryAfter}
	}
	d, err = s.limiter.Allow(ctx, "tenant:"+tenant.ID, s.limits.TenantLimit, s.limits.TenantWindow)
	if err != nil {
		return err
	}
	if !d.Allowed {
		return &RateLimitedError{Scope: "tenant", RetryAfter: d.RetryAfter}
	}
	return nil
}

func (s *Ingestor) validateName(raw any) (string, error) {
	str, _ := raw.(string)
	name, err := s.validator.SanitizeString("name", str)
	if err != nil {
		return "", err
	}
	if name == "" {
		return "", &field.ValidationError{Field: "name", Reason: "name is required"}
	}
	if len(name) > domain.MaxNameLen {
		return "", &field.ValidationError{Field: "name", Reason: "name exceeds maximum length"}
	}
	return name, nil
}

// validateExtras plans the extras against the catalog and validates every
// value with its declared or inferred type. Any single failure rejects the
// whole submission; no partial custom map is ever produced.
func (s *Ingestor) validateExtras(ctx context.Context, tenantID string, extras map[string]any) ([]schemasvc.PlannedField, map[string]any, error) {
	if len(extras) == 0 {
		return nil, nil, nil
	}
	planCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	planned, err := s.catalog.Plan(planCtx, tenantID, leadEntity, extras)
	if err != nil {
		return nil, nil, err
	}
	custom := make(map[string]any, len(planned))
	for _, pf := range planned {
		v, err := s.validator.Validate(pf.RawKey, extras[pf.RawKey], pf.Type)
		if err != nil {
			return nil, nil, err
		}
		custom[pf.Key] = v.Interface()
	}
	return planned, custom, nil
}

func (s *Ingestor) duplicateCheck(ctx context.Context, tenantID, phone, email string) error {
	lookupCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	existing, err := s.leads.FindByPhoneOrEmail(lookupCtx, tenantID, phone, email)
	if err != nil {
		return err
	}
	if existing != nil {
		return &DuplicateError{ExistingID: existing.ID}
	}
	return nil
}

// duplicateOutcome builds the DuplicateError after a constraint violation,
// re-resolving the existing lead's ID.
func (s *Ingestor) duplicateOutcome(ctx context.Context, tenantID, phone, email string) error {
	lookupCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	existing, err := s.leads.FindByPhoneOrEmail(lookupCtx, tenantID, phone, email)
	if err == nil && existing != nil {
		return &DuplicateError{ExistingID: existing.ID}
	}
	return &DuplicateError{}
}

func (s *Ingestor) reconcile(ctx context.Context, tenantID string, planned []schemasvc.PlannedField) ([]string, error) {
	if len(planned) == 0 {
		return nil, nil
	}
	recCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	return s.catalog.Reconcile(recCtx, tenantID, leadEntity, planned)
}

func (s *Ingestor) persist(ctx context.Context, l *domain.Lead) error {
	createCtx, cancel := context.WithTimeout(ctx, storageTimeout)
	defer cancel()
	return s.leads.Create(createCtx, l)
}

// emitAudits fires the raw-payload trail, the structured created event, and
// the optional deprecated-key warning in parallel with the API response.
func (s *Ingestor) emitAudits(ctx context.Context, tenant *tenantdomain.Tenant, l *domain.Lead, sub Submission, usedPrevious bool) {
	if s.auditor == nil {
		return
	}
	go func() {
		s.auditor.LogEvent(ctx, tenant.ID, "", audit.ActionLeadRawPayload, l.ID, string(sub.RawBody))
		detail, _ := json.Marshal(map[string]any{
			"source": l.Source, "phone": l.Phone, "email": l.Email, "ip": sub.RemoteAddr,
		})
		s.auditor.LogEvent(ctx, tenant.ID, "", audit.ActionLeadCreated, l.ID, string(detail))
		if usedPrevious {
			s.auditor.LogEvent(ctx, tenant.ID, "", audit.ActionDeprecatedKeyUsed, l.ID,
				fmt.Sprintf(`{"key_prefix":%q}`, tenant.PrevKeyPrefix))
		}
	}()
}

// parseConsent coerces the consent attribute from a bool or an object with a
// "given" member. Absent or unrecognized consent means not given.
func parseConsent(raw any) bool {
	switch c := raw.(type) {
	case bool:
		return c
	case map[string]any:
		given, _ := c["given"].(bool)
		return given
	}
	return false
}
