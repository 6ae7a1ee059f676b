// Package handler exposes lead ingestion and bulk import over HTTP and owns
// the mapping from service errors to status codes.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"clinic-crm/backend/internal/field"
	"clinic-crm/backend/internal/lead/service"
	schemasvc "clinic-crm/backend/internal/schema/service"
	"clinic-crm/backend/internal/server/middleware"
	tenantsvc "clinic-crm/backend/internal/tenant/service"
)

const (
	// maxSubmitBody bounds the single-submission request body. The extras
	// budget is enforced separately by the pipeline; this guards the transport.
	maxSubmitBody = 256 << 10
	// maxImportBody bounds the bulk import request body.
	maxImportBody = 10 << 20
)

// Ingestor is the single-submission pipeline consumed by this handler.
type Ingestor interface {
	Ingest(ctx context.Context, sub service.Submission) (*service.Result, error)
}

// Importer is the bulk import service consumed by this handler.
type Importer interface {
	Run(ctx context.Context, req service.ImportRequest) (*service.ImportResult, error)
}

// Handler serves the lead endpoints.
type Handler struct {
	ingestor Ingestor
	importer Importer
	log      *zap.Logger
}

// New returns a Handler for the given services.
func New(ingestor Ingestor, importer Importer, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{ingestor: ingestor, importer: importer, log: log}
}

// Register mounts the lead routes on mux. The import route must additionally
// be wrapped with dashboard JWT auth by the caller.
func (h *Handler) Register(mux *http.ServeMux, importAuth func(http.Handler) http.Handler) {
	mux.HandleFunc("POST /api/v1/leads", h.Submit)
	importH := http.Handler(http.HandlerFunc(h.Import))
	if importAuth != nil {
		importH = importAuth(importH)
	}
	mux.Handle("POST /api/v1/leads/import", importH)
}

type customField struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

type leadData struct {
	Name         string        `json:"name"`
	Phone        string        `json:"phone"`
	Email        string        `json:"email"`
	Status       string        `json:"status"`
	Source       string        `json:"source"`
	CustomFields []customField `json:"custom_fields"`
}

type submitResponse struct {
	Success                 bool     `json:"success"`
	LeadID                  string   `json:"lead_id"`
	Data                    leadData `json:"data"`
	CustomPropertiesCreated int      `json:"custom_properties_created"`
}

// Submit handles POST /api/v1/leads.
func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r, maxSubmitBody)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_json", errDetail{Message: "request body is not a JSON object"})
		return
	}

	res, err := h.ingestor.Ingest(r.Context(), service.Submission{
		APIKey:     r.Header.Get("x-api-key"),
		RemoteAddr: clientIP(r),
		Body:       parsed,
		RawBody:    body,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	fields := make([]customField, 0, len(res.Lead.Custom))
	for k, v := range res.Lead.Custom {
		fields = append(fields, customField{Key: k, Value: v})
	}
	sort.Slice(fields, func(i, j int) bool { return fields[i].Key < fields[j].Key })

	writeJSON(w, http.StatusCreated, submitResponse{
		Success: true,
		LeadID:  res.Lead.ID,
		Data: leadData{
			Name:         res.Lead.Name,
			Phone:        res.Lead.Phone,
			Email:        res.Lead.Email,
			Status:       string(res.Lead.Status),
			Source:       res.Lead.Source,
			CustomFields: fields,
		},
		CustomPropertiesCreated: len(res.PropertiesCreated),
	})
}

type importRequest struct {
	Columns         []string          `json:"columns"`
	Mapping         map[string]string `json:"mapping"`
	Rows            [][]string        `json:"rows"`
	Defaults        map[string]string `json:"defaults"`
	DuplicatePolicy string            `json:"duplicate_policy"`
	NewProperties   []struct {
		Key   string `json:"key"`
		Label string `json:"label"`
		Type  string `json:"type"`
	} `json:"new_properties"`
}

type importRowError struct {
	Row    int               `json:"row"`
	Reason string            `json:"reason"`
	Data   map[string]string `json:"data,omitempty"`
}

type importResponse struct {
	Success              bool             `json:"success"`
	Imported             int              `json:"imported"`
	Skipped              int              `json:"skipped"`
	Duplicates           int              `json:"duplicates"`
	Errors               []importRowError `json:"errors"`
	NewPropertiesCreated int              `json:"new_properties_created"`
}

// Import handles POST /api/v1/leads/import. The route is wrapped with
// dashboard JWT auth; tenant and actor come from the verified claims.
func (h *Handler) Import(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated", errDetail{Message: "missing dashboard session"})
		return
	}

	body, err := readBody(w, r, maxImportBody)
	if err != nil {
		writeBodyError(w, err)
		return
	}
	var req importRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed_json", errDetail{Message: "request body is not a valid import request"})
		return
	}

	decls := make([]schemasvc.Declaration, 0, len(req.NewProperties))
	for _, d := range req.NewProperties {
		decls = append(decls, schemasvc.Declaration{Key: d.Key, Label: d.Label, Type: field.Type(d.Type)})
	}

	res, err := h.importer.Run(r.Context(), service.ImportRequest{
		TenantID:      claims.TenantID,
		Actor:         claims.Subject,
		Columns:       req.Columns,
		Mapping:       req.Mapping,
		Rows:          req.Rows,
		Defaults:      req.Defaults,
		Policy:        service.DuplicatePolicy(req.DuplicatePolicy),
		NewProperties: decls,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	rowErrs := make([]importRowError, 0, len(res.Errors))
	for _, re := range res.Errors {
		rowErrs = append(rowErrs, importRowError{Row: re.Row, Reason: re.Reason, Data: re.Data})
	}
	writeJSON(w, http.StatusOK, importResponse{
		Success:              true,
		Imported:             res.Imported,
		Skipped:              res.Skipped,
		Duplicates:           res.Duplicates,
		Errors:               rowErrs,
		NewPropertiesCreated: res.NewPropertiesCreated,
	})
}

type errDetail struct {
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	ExistingID string `json:"existing_id,omitempty"`
	RetryAfter int    `json:"retry_after,omitempty"`
}

type errorResponse struct {
	Success bool      `json:"success"`
	Code    string    `json:"code"`
	Error   errDetail `json:"error"`
}

// writeServiceError maps pipeline errors to the response taxonomy. Unknown
// errors become a generic 500 so internals never leak to callers.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error) {
	var (
		ve  *field.ValidationError
		rl  *service.RateLimitedError
		dup *service.DuplicateError
	)
	switch {
	case errors.Is(err, tenantsvc.ErrInvalidCredential):
		writeError(w, http.StatusUnauthorized, "invalid_credential", errDetail{Message: "invalid API key"})
	case errors.Is(err, service.ErrSubscriptionInactive):
		writeError(w, http.StatusForbidden, "subscription_inactive", errDetail{Message: "subscription is not active"})
	case errors.As(err, &rl):
		w.Header().Set("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
		writeError(w, http.StatusTooManyRequests, "rate_limited", errDetail{
			Message:    "rate limit exceeded",
			RetryAfter: rl.RetryAfterSeconds(),
		})
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, "validation_failed", errDetail{Message: ve.Reason, Field: ve.Field})
	case errors.Is(err, service.ErrPayloadTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", errDetail{Message: "custom fields payload too large"})
	case errors.Is(err, schemasvc.ErrCatalogFull):
		writeError(w, http.StatusUnprocessableEntity, "catalog_full", errDetail{Message: "custom property limit reached"})
	case errors.Is(err, schemasvc.ErrReservedKey):
		writeError(w, http.StatusUnprocessableEntity, "reserved_key", errDetail{Message: "requested property key is reserved"})
	case errors.As(err, &dup):
		writeError(w, http.StatusConflict, "duplicate_lead", errDetail{
			Message:    "a lead with this phone or email already exists",
			ExistingID: dup.ExistingID,
		})
	default:
		h.log.Error("lead request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", errDetail{Message: "internal error"})
	}
}

func readBody(w http.ResponseWriter, r *http.Request, limit int64) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func writeBodyError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", errDetail{Message: "request body too large"})
		return
	}
	writeError(w, http.StatusBadRequest, "unreadable_body", errDetail{Message: "could not read request body"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code string, detail errDetail) {
	writeJSON(w, status, errorResponse{Success: false, Code: code, Error: detail})
}

// clientIP resolves the submitting client's address, honoring the first
// X-Forwarded-For hop when present.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
