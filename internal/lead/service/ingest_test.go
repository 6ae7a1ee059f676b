package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"clinic-crm/backend/internal/audit"
	"clinic-crm/backend/internal/field"
	"clinic-crm/backend/internal/lead/domain"
	leadrepo "clinic-crm/backend/internal/lead/repository"
	"clinic-crm/backend/internal/ratelimit"
	schemadomain "clinic-crm/backend/internal/schema/domain"
	schemarepo "clinic-crm/backend/internal/schema/repository"
	schemasvc "clinic-crm/backend/internal/schema/service"
	tenantdomain "clinic-crm/backend/internal/tenant/domain"
	tenantsvc "clinic-crm/backend/internal/tenant/service"
)

type fakeVerifier struct {
	tenant       *tenantdomain.Tenant
	usedPrevious bool
	err          error
}

func (f *fakeVerifier) Verify(ctx context.Context, presentedKey string) (*tenantsvc.Verification, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &tenantsvc.Verification{Tenant: f.tenant, UsedPrevious: f.usedPrevious}, nil
}

type memPropertyRepo struct {
	mu sync.Mutex
	m  map[string]*schemadomain.PropertyDefinition
}

func newMemPropertyRepo() *memPropertyRepo {
	return &memPropertyRepo{m: make(map[string]*schemadomain.PropertyDefinition)}
}

func propKey(tenantID, entity, key string) string {
	return tenantID + "|" + entity + "|" + key
}

func (r *memPropertyRepo) ListByTenantEntity(ctx context.Context, tenantID, entity string) ([]*schemadomain.PropertyDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*schemadomain.PropertyDefinition
	for _, p := range r.m {
		if p.TenantID == tenantID && p.Entity == entity {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memPropertyRepo) CountByTenantEntity(ctx context.Context, tenantID, entity string) (int, error) {
	list, _ := r.ListByTenantEntity(ctx, tenantID, entity)
	return len(list), nil
}

func (r *memPropertyRepo) InsertIgnore(ctx context.Context, p *schemadomain.PropertyDefinition) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := propKey(p.TenantID, p.Entity, p.Key)
	if _, exists := r.m[k]; exists {
		return false, nil
	}
	n := 0
	for _, q := range r.m {
		if q.TenantID == p.TenantID && q.Entity == p.Entity {
			n++
		}
	}
	if n >= schemadomain.MaxPropertiesPerEntity {
		return false, schemarepo.ErrCapacityExceeded
	}
	cp := *p
	r.m[k] = &cp
	return true, nil
}

func (r *memPropertyRepo) Touch(ctx context.Context, tenantID, entity, key string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.m[propKey(tenantID, entity, key)]; ok {
		p.UsageCount++
		p.LastSeenAt = at
	}
	return nil
}

// memLeadRepo enforces (tenant, phone) and (tenant, email) uniqueness under
// its own lock, mirroring the storage constraint.
type memLeadRepo struct {
	mu    sync.Mutex
	leads map[string]*domain.Lead // id -> lead
}

func newMemLeadRepo() *memLeadRepo {
	return &memLeadRepo{leads: make(map[string]*domain.Lead)}
}

func (r *memLeadRepo) GetByID(ctx context.Context, tenantID, id string) (*domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.leads[id]; ok && l.TenantID == tenantID {
		cp := *l
		return &cp, nil
	}
	return nil, nil
}

func (r *memLeadRepo) FindByPhoneOrEmail(ctx context.Context, tenantID, phone, email string) (*domain.Lead, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findLocked(tenantID, phone, email, ""), nil
}

func (r *memLeadRepo) findLocked(tenantID, phone, email, excludeID string) *domain.Lead {
	for _, l := range r.leads {
		if l.TenantID != tenantID || l.ID == excludeID {
			continue
		}
		if (phone != "" && l.Phone == phone) || (email != "" && l.Email == email) {
			cp := *l
			return &cp
		}
	}
	return nil
}

func (r *memLeadRepo) ListContacts(ctx context.Context, tenantID string) (*leadrepo.Contacts, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := &leadrepo.Contacts{ByPhone: make(map[string]string), ByEmail: make(map[string]string)}
	for _, l := range r.leads {
		if l.TenantID != tenantID {
			continue
		}
		if l.Phone != "" {
			c.ByPhone[l.Phone] = l.ID
		}
		if l.Email != "" {
			c.ByEmail[l.Email] = l.ID
		}
	}
	return c, nil
}

func (r *memLeadRepo) Create(ctx context.Context, l *domain.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.findLocked(l.TenantID, l.Phone, l.Email, ""); existing != nil {
		return fmt.Errorf("%w: existing %s", leadrepo.ErrDuplicate, existing.ID)
	}
	cp := *l
	r.leads[l.ID] = &cp
	return nil
}

func (r *memLeadRepo) Update(ctx context.Context, l *domain.Lead) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing := r.findLocked(l.TenantID, l.Phone, l.Email, l.ID); existing != nil {
		return fmt.Errorf("%w: existing %s", leadrepo.ErrDuplicate, existing.ID)
	}
	cp := *l
	r.leads[l.ID] = &cp
	return nil
}

func (r *memLeadRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.leads)
}

type loggedEvent struct {
	tenantID, actor, action, subjectID, detail string
}

type memAudit struct {
	mu     sync.Mutex
	events []loggedEvent
}

func (a *memAudit) LogEvent(ctx context.Context, tenantID, actor, action, subjectID, detail string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, loggedEvent{tenantID, actor, action, subjectID, detail})
}

// waitFor polls for an event with the given action; audits are emitted off the
// request path.
func (a *memAudit) waitFor(t *testing.T, action string) loggedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		a.mu.Lock()
		for _, e := range a.events {
			if e.action == action {
				a.mu.Unlock()
				return e
			}
		}
		a.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no %q audit event observed", action)
	return loggedEvent{}
}

func (a *memAudit) find(action string) *loggedEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e.action == action {
			cp := e
			return &cp
		}
	}
	return nil
}

type ingestHarness struct {
	ingestor *Ingestor
	verifier *fakeVerifier
	props    *memPropertyRepo
	leads    *memLeadRepo
	audits   *memAudit
}

func defaultLimits() RateLimits {
	return RateLimits{
		AddressLimit: 100, AddressWindow: time.Hour,
		TenantLimit: 1000, TenantWindow: 24 * time.Hour,
	}
}

func newIngestHarness(limits RateLimits) *ingestHarness {
	h := &ingestHarness{
		verifier: &fakeVerifier{tenant: &tenantdomain.Tenant{ID: "t1", Name: "Klinik Sentosa", Status: tenantdomain.StatusActive}},
		props:    newMemPropertyRepo(),
		leads:    newMemLeadRepo(),
		audits:   &memAudit{},
	}
	h.ingestor = NewIngestor(
		h.verifier,
		ratelimit.NewMemoryLimiter(),
		limits,
		field.NewValidator(field.DefaultRegion),
		schemasvc.NewCatalog(h.props),
		h.leads,
		h.audits,
		nil,
	)
	return h
}

func submission(body map[string]any) Submission {
	raw, _ := json.Marshal(body)
	return Submission{APIKey: "lk_abcd1234_ffff", RemoteAddr: "203.0.113.7", Body: body, RawBody: raw}
}

func TestIngest_CreatesLeadAndInfersProperty(t *testing.T) {
	h := newIngestHarness(defaultLimits())
	ctx := context.Background()

	res, err := h.ingestor.Ingest(ctx, submission(map[string]any{
		"name":      "Ahmad",
		"phone":     "012-345 6789",
		"email":     "Ahmad@Example.com",
		"treatment": "braces",
		"consent":   true,
	}))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}

	l := res.Lead
	if l.Phone != "+60123456789" {
		t.Errorf("phone = %q, want normalized +60123456789", l.Phone)
	}
	if l.Email != "ahmad@example.com" {
		t.Errorf("email = %q, want lower-cased", l.Email)
	}
	if got := l.Custom["treatment"]; got != "braces" {
		t.Errorf("custom treatment = %v, want braces", got)
	}
	if !l.ConsentGiven || l.ConsentAt == nil || l.ConsentIP != "203.0.113.7" {
		t.Errorf("consent not stamped: given=%v at=%v ip=%q", l.ConsentGiven, l.ConsentAt, l.ConsentIP)
	}
	if len(res.PropertiesCreated) != 1 || res.PropertiesCreated[0] != "treatment" {
		t.Errorf("PropertiesCreated = %v, want [treatment]", res.PropertiesCreated)
	}

	defs, _ := h.props.ListByTenantEntity(ctx, "t1", "lead")
	if len(defs) != 1 || defs[0].Key != "treatment" || defs[0].Type != field.TypeString {
		t.Errorf("catalog = %+v, want one string definition for treatment", defs)
	}

	if e := h.audits.waitFor(t, audit.ActionLeadCreated); e.subjectID != l.ID {
		t.Errorf("created audit subject = %q, want %q", e.subjectID, l.ID)
	}
	h.audits.waitFor(t, audit.ActionLeadRawPayload)
}

func TestIngest_InvalidCredential(t *testing.T) {
	h := newIngestHarness(defaultLimits())
	h.verifier.err = tenantsvc.ErrInvalidCredential

	_, err := h.ingestor.Ingest(context.Background(), submission(map[string]any{
		"name": "Ahmad", "phone": "0123456789", "email": "a@example.com",
	}))
	if !errors.Is(err, tenantsvc.ErrInvalidCredential) {
		t.Fatalf("err = %v, want ErrInvalidCredential", err)
	}
}

func TestIngest_SubscriptionInactive(t *testing.T) {
	h := newIngestHarness(defaultLimits())
	h.verifier.tenant.Status = tenantdomain.StatusPastDue

	_, err := h.ingestor.Ingest(context.Background(), submission(map[string]any{
		"name": "Ahmad", "phone": "0123456789", "email": "a@example.com",
	}))
	if !errors.Is(err, ErrSubscriptionInactive) {
		t.Fatalf("err = %v, want ErrSubscriptionInactive", err)
	}
	if h.leads.count() != 0 {
		t.Error("lead persisted despite inactive subscription")
	}
}

func TestIngest_AddressRateLimited(t *testing.T) {
	limits := defaultLimits()
	limits.AddressLimit = 2
	h := newIngestHarness(limits)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		body := map[string]any{
			"name": "Ahmad", "phone": fmt.Sprintf("01234567%02d", i), "email": fmt.Sprintf("a%d@example.com", i),
		}
		if _, err := h.ingestor.Ingest(ctx, submission(body)); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}

	_, err := h.ingestor.Ingest(ctx, submission(map[string]any{
		"name": "Ahmad", "phone": "0123456799", "email": "z@example.com",
	}))
	var rl *RateLimitedError
	if !errors.As(err, &rl) {
		t.Fatalf("err = %v, want RateLimitedError", err)
	}
	if rl.Scope != "address" {
		t.Errorf("scope = %q, want address", rl.Scope)
	}
	if rl.RetryAfterSeconds() < 1 {
		t.Errorf("RetryAfterSeconds = %d, want >= 1", rl.RetryAfterSeconds())
	}
}

func TestIngest_TenantRateLimited(t *testing.T) {
	limits := defaultLimits()
	limits.TenantLimit = 1
	h := newIngestHarness(limits)
	ctx := context.Background()

	first := submission(map[string]any{"name": "A", "phone": "0123456701", "email": "a1@example.com"})
	first.RemoteAddr = "198.51.100.1"
	if _, err := h.ingestor.Ingest(ctx, first); err != nil {
		t.Fatalf("first: %v", err)
	}

	second := submission(map[string]any{"name": "B", "phone": "0123456702", "email": "a2@example.com"})
	second.RemoteAddr = "198.51.100.2"
	_, err := h.ingestor.Ingest(ctx, second)
	var rl *RateLimitedError
	if !errors.As(err, &rl) || rl.Scope != "tenant" {
		t.Fatalf("err = %v, want tenant-scope RateLimitedError", err)
	}
}

func TestIngest_MissingCoreFields(t *testing.T) {
	h := newIngestHarness(defaultLimits())
	ctx := context.Background()

	cases := []struct {
		name      string
		body      map[string]any
		wantField string
	}{
		{"no name", map[string]any{"phone": "0123456789", "email": "a@example.com"}, "name"},
		{"no phone", map[string]any{"name": "Ahmad", "email": "a@example.com"}, "phone"},
		{"no email", map[string]any{"name": "Ahmad", "phone": "0123456789"}, "email"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ingestor.Ingest(ctx, submission(tc.body))
			var ve *field.ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("err = %v, want ValidationError", err)
			}
			if ve.Field != tc.wantField {
				t.Errorf("field = %q, want %q", ve.Field, tc.wantField)
			}
		})
	}
}

func TestIngest_PayloadTooLarge(t *testing.T) {
	h := newIngestHarness(defaultLimits())

	_, err := h.ingestor.Ingest(context.Background(), submission(map[string]any{
		"name":  "Ahmad",
		"phone": "0123456789",
		"email": "a@example.com",
		"notes": strings.Repeat("x", maxExtrasBytes+1),
	}))
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("err = %v, want ErrPayloadTooLarge", err)
	}
	if h.leads.count() != 0 {
		t.Error("lead persisted despite oversized payload")
	}
}

func TestIngest_InvalidExtraRejectsWholeSubmission(t *testing.T) {
	h := newIngestHarness(defaultLimits())
	ctx := context.Background()

	_, err := h.ingestor.Ingest(ctx, submission(map[string]any{
		"name":   "Ahmad",
		"phone":  "0123456789",
		"email":  "a@example.com",
		"budget": "not a number",
	}))
	var ve *field.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("err = %v, want ValidationError for budget", err)
	}
	if h.leads.count() != 0 {
		t.Error("lead persisted despite invalid custom field")
	}
	if n, _ := h.props.CountByTenantEntity(ctx, "t1", "lead"); n != 0 {
		t.Errorf("catalog grew to %d despite rejected submission", n)
	}
}

func TestIngest_ReservedExtraKeyDropped(t *testing.T) {
	h := newIngestHarness(defaultLimits())
	ctx := context.Background()

	res, err := h.ingestor.Ingest(ctx, submission(map[string]any{
		"name":     "Ahmad",
		"phone":    "0123456789",
		"email":    "a@example.com",
		"password": "hunter2",
	}))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if _, carried := res.Lead.Custom["password"]; carried {
		t.Error("reserved key carried into custom map")
	}
	if n, _ := h.props.CountByTenantEntity(ctx, "t1", "lead"); n != 0 {
		t.Errorf("catalog has %d definitions, want 0", n)
	}
}

func TestIngest_CatalogFullRejects(t *testing.T) {
	h := newIngestHarness(defaultLimits())
	ctx := context.Background()

	for i := 0; i < schemadomain.MaxPropertiesPerEntity; i++ {
		h.props.InsertIgnore(ctx, &schemadomain.PropertyDefinition{
			ID: fmt.Sprintf("p%d", i), TenantID: "t1", Entity: "lead",
			Key: fmt.Sprintf("field_%d", i), Type: field.TypeString,
		})
	}

	_, err := h.ingestor.Ingest(ctx, submission(map[string]any{
		"name":      "Ahmad",
		"phone":     "0123456789",
		"email":     "a@example.com",
		"treatment": "braces",
	}))
	if !errors.Is(err, schemasvc.ErrCatalogFull) {
		t.Fatalf("err = %v, want ErrCatalogFull", err)
	}
	if h.leads.count() != 0 {
		t.Error("lead persisted despite full catalog")
	}
}

func TestIngest_DuplicateRejectedWithExistingID(t *testing.T) {
	h := newIngestHarness(defaultLimits())
	ctx := context.Background()

	first, err := h.ingestor.Ingest(ctx, submission(map[string]any{
		"name": "Ahmad", "phone": "0123456789", "email": "a@example.com",
	}))
	if err != nil {
		t.Fatalf("first: %v", err)
	}

	_, err = h.ingestor.Ingest(ctx, submission(map[string]any{
		"name": "Ahmad bin Ali", "phone": "0123456789", "email": "other@example.com",
	}))
	var dup *DuplicateError
	if !errors.As(err, &dup) {
		t.Fatalf("err = %v, want DuplicateError", err)
	}
	if dup.ExistingID != first.Lead.ID {
		t.Errorf("ExistingID = %q, want %q", dup.ExistingID, first.Lead.ID)
	}
	if h.leads.count() != 1 {
		t.Errorf("lead count = %d, want 1", h.leads.count())
	}
}

func TestIngest_ConcurrentSamePhone(t *testing.T) {
	h := newIngestHarness(defaultLimits())
	ctx := context.Background()

	body := map[string]any{"name": "Ahmad", "phone": "0123456789", "email": "a@example.com"}
	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.ingestor.Ingest(ctx, submission(body))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	successes, duplicates := 0, 0
	for err := range errs {
		var dup *DuplicateError
		switch {
		case err == nil:
			successes++
		case errors.As(err, &dup):
			duplicates++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if successes != 1 || duplicates != 1 {
		t.Errorf("successes = %d, duplicates = %d; want exactly one of each", successes, duplicates)
	}
	if h.leads.count() != 1 {
		t.Errorf("lead count = %d, want 1", h.leads.count())
	}
}

func TestIngest_DeprecatedKeyAudited(t *testing.T) {
	h := newIngestHarness(defaultLimits())
	h.verifier.usedPrevious = true
	h.verifier.tenant.PrevKeyPrefix = "oldprefix"

	res, err := h.ingestor.Ingest(context.Background(), submission(map[string]any{
		"name": "Ahmad", "phone": "0123456789", "email": "a@example.com",
	}))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.UsedDeprecatedKey {
		t.Error("UsedDeprecatedKey = false, want true")
	}
	e := h.audits.waitFor(t, audit.ActionDeprecatedKeyUsed)
	if !strings.Contains(e.detail, "oldprefix") {
		t.Errorf("deprecated-key detail = %q, want prefix mention", e.detail)
	}
}

func TestIngest_ConsentObjectForm(t *testing.T) {
	h := newIngestHarness(defaultLimits())

	res, err := h.ingestor.Ingest(context.Background(), submission(map[string]any{
		"name": "Ahmad", "phone": "0123456789", "email": "a@example.com",
		"consent": map[string]any{"given": true, "text": "I agree"},
	}))
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if !res.Lead.ConsentGiven {
		t.Error("ConsentGiven = false, want true from object form")
	}
	if _, carried := res.Lead.Custom["consent"]; carried {
		t.Error("consent leaked into custom map")
	}
}
