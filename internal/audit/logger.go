// Package audit writes best-effort audit events as side effects of ingestion
// and import. Failures are logged and never affect the caller: a committed
// lead is not rolled back because its audit write failed.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"clinic-crm/backend/internal/audit/domain"
	"clinic-crm/backend/internal/audit/producer"
	auditrepo "clinic-crm/backend/internal/audit/repository"
)

// Actions emitted by this subsystem.
const (
	ActionLeadCreated       = "lead.created"
	ActionLeadUpdated       = "lead.updated"
	ActionLeadRawPayload    = "lead.raw_payload"
	ActionDeprecatedKeyUsed = "credential.deprecated_key_used"
	ActionImportCompleted   = "lead.import_completed"
)

// writeTimeout bounds each audit write so a slow collaborator cannot hang the
// emitting goroutine.
const writeTimeout = 5 * time.Second

// Logger writes a single audit event with explicit action/subject.
// LogEvent is best-effort: failures are logged and do not affect the caller.
type Logger interface {
	LogEvent(ctx context.Context, tenantID, actor, action, subjectID, detail string)
}

// Writer implements Logger against the audit repository and an optional
// stream producer.
type Writer struct {
	repo     auditrepo.Repository
	producer producer.Producer
	log      *zap.Logger
}

// NewWriter returns a Logger that persists to repo and, when producer is
// non-nil, also emits each event to the audit stream.
func NewWriter(repo auditrepo.Repository, p producer.Producer, log *zap.Logger) *Writer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{repo: repo, producer: p, log: log}
}

// LogEvent writes one audit event. Best-effort: errors are logged and not
// returned. The write uses its own timeout-bounded context detached from the
// request, so an already-finished HTTP request does not cancel it.
func (w *Writer) LogEvent(ctx context.Context, tenantID, actor, action, subjectID, detail string) {
	e := &domain.Event{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		Actor:     actor,
		Action:    action,
		SubjectID: subjectID,
		Detail:    detail,
		CreatedAt: time.Now().UTC(),
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	if w.repo != nil {
		if err := w.repo.Create(writeCtx, e); err != nil {
			w.log.Warn("audit write failed",
				zap.String("action", action),
				zap.String("tenant_id", tenantID),
				zap.Error(err))
		}
	}
	if w.producer != nil {
		if err := w.producer.Emit(writeCtx, e); err != nil {
			w.log.Warn("audit stream emit failed",
				zap.String("action", action),
				zap.String("tenant_id", tenantID),
				zap.Error(err))
		}
	}
}
