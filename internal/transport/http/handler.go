// Package httptransport exposes the Session API and equipment ingestion over
// HTTP. Handlers decode, call the orchestrator and encode; they hold no
// workflow logic.
package httptransport

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"atsflow/internal/approval"
	"atsflow/internal/ingestion"
	"atsflow/internal/session/models"
	"atsflow/internal/session/service"
	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
	audit "atsflow/pkg/platform/audit"
	"atsflow/pkg/platform/httputil"
	"atsflow/pkg/platform/middleware/equipment"
	"atsflow/pkg/requestcontext"
)

// Service is the Session API.
type Service interface {
	CreateSession(ctx context.Context, actor domain.Actor, req service.CreateRequest) (*models.TestSession, error)
	CheckIn(ctx context.Context, actor domain.Actor, id domain.SessionID) (*models.TestSession, error)
	StartTest(ctx context.Context, actor domain.Actor, id domain.SessionID, t models.TestType) error
	SubmitReading(ctx context.Context, msg ingestion.Message) (ingestion.Ack, error)
	SubmitManualReading(ctx context.Context, actor domain.Actor, msg ingestion.Message) (ingestion.Ack, error)
	RetrySubResult(ctx context.Context, actor domain.Actor, id domain.SessionID, t models.TestType) (*models.TestSession, error)
	ResolveSubResult(ctx context.Context, actor domain.Actor, id domain.SessionID, t models.TestType, status models.SubResultStatus, note string) (*models.TestSession, error)
	RecordApproval(ctx context.Context, actor domain.Actor, id domain.SessionID, req approval.DecisionRequest) (*models.TestSession, error)
	IssueCertificate(ctx context.Context, actor domain.Actor, id domain.SessionID) (*models.TestSession, error)
	CancelSession(ctx context.Context, actor domain.Actor, id domain.SessionID, reason string) (*models.TestSession, error)
	GetSession(ctx context.Context, actor domain.Actor, id domain.SessionID) (*models.TestSession, error)
	GetSessionByCode(ctx context.Context, actor domain.Actor, code string) (*models.TestSession, error)
	AuditTrail(ctx context.Context, actor domain.Actor, id domain.SessionID, afterSeq int64) ([]audit.Record, error)
	CertificateByNumber(ctx context.Context, actor domain.Actor, number string) (*models.Certificate, []byte, error)
	CertificateBySessionCode(ctx context.Context, actor domain.Actor, code string) (*models.Certificate, error)
}

// Handler serves the Session API.
type Handler struct {
	service Service
	logger  *slog.Logger
}

func NewHandler(service Service, logger *slog.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// RegisterSessions mounts the authenticated Session API routes.
func (h *Handler) RegisterSessions(r chi.Router) {
	r.Post("/sessions", h.handleCreate)
	r.Get("/sessions/by-code/{code}", h.handleGetByCode)
	r.Get("/sessions/by-code/{code}/certificate", h.handleCertificateBySession)
	r.Route("/sessions/{id}", func(r chi.Router) {
		r.Get("/", h.handleGet)
		r.Post("/check-in", h.handleCheckIn)
		r.Post("/tests/{testType}/start", h.handleStartTest)
		r.Post("/tests/{testType}/readings", h.handleManualReading)
		r.Post("/tests/{testType}/retry", h.handleRetry)
		r.Post("/tests/{testType}/resolve", h.handleResolve)
		r.Post("/approvals", h.handleApproval)
		r.Post("/certificate", h.handleIssue)
		r.Post("/cancel", h.handleCancel)
		r.Get("/audit", h.handleAudit)
	})
	r.Get("/certificates/{number}", h.handleCertificate)
	r.Get("/certificates/{number}/document", h.handleCertificateDocument)
}

// RegisterEquipment mounts the equipment ingestion route.
func (h *Handler) RegisterEquipment(r chi.Router) {
	r.Post("/readings", h.handleEquipmentReading)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	ctx := r.Context()
	attrs := []any{
		"op", op,
		"request_id", requestcontext.RequestID(ctx),
		"code", string(dErrors.CodeOf(err)),
		"error", err,
	}
	if httputil.StatusFor(dErrors.CodeOf(err)) >= http.StatusInternalServerError {
		h.logger.ErrorContext(ctx, "request failed", attrs...)
	} else {
		h.logger.WarnContext(ctx, "request rejected", attrs...)
	}
	httputil.WriteError(w, err)
}

func sessionID(r *http.Request) (domain.SessionID, error) {
	return domain.ParseSessionID(chi.URLParam(r, "id"))
}

func testType(r *http.Request) (models.TestType, error) {
	return models.ParseTestType(chi.URLParam(r, "testType"))
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[CreateSessionRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	session, err := h.service.CreateSession(ctx, requestcontext.Actor(ctx), service.CreateRequest{
		VehicleRef:     req.VehicleRef,
		CenterRef:      req.CenterRef,
		AppointmentRef: req.AppointmentRef,
		RequiredTests:  req.parsedTests,
	})
	if err != nil {
		h.fail(w, r, "create_session", err)
		return
	}
	w.Header().Set("Location", "/api/v1/sessions/"+session.ID.String())
	httputil.WriteJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		h.fail(w, r, "get_session", err)
		return
	}
	session, err := h.service.GetSession(r.Context(), requestcontext.Actor(r.Context()), id)
	if err != nil {
		h.fail(w, r, "get_session", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) handleGetByCode(w http.ResponseWriter, r *http.Request) {
	session, err := h.service.GetSessionByCode(r.Context(), requestcontext.Actor(r.Context()), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, "get_session_by_code", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) handleCheckIn(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		h.fail(w, r, "check_in", err)
		return
	}
	session, err := h.service.CheckIn(r.Context(), requestcontext.Actor(r.Context()), id)
	if err != nil {
		h.fail(w, r, "check_in", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) handleStartTest(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		h.fail(w, r, "start_test", err)
		return
	}
	t, err := testType(r)
	if err != nil {
		h.fail(w, r, "start_test", err)
		return
	}
	if err := h.service.StartTest(r.Context(), requestcontext.Actor(r.Context()), id, t); err != nil {
		h.fail(w, r, "start_test", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleManualReading(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := sessionID(r)
	if err != nil {
		h.fail(w, r, "manual_reading", err)
		return
	}
	t, err := testType(r)
	if err != nil {
		h.fail(w, r, "manual_reading", err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[ReadingRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	msg := req.message(ctx, id, t, "")
	ack, err := h.service.SubmitManualReading(ctx, requestcontext.Actor(ctx), msg)
	if err != nil {
		h.fail(w, r, "manual_reading", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, ack)
}

func (h *Handler) handleEquipmentReading(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	req, ok := httputil.DecodeAndPrepare[ReadingRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	id, err := domain.ParseSessionID(req.SessionID)
	if err != nil {
		h.fail(w, r, "equipment_reading", err)
		return
	}
	msg := req.message(ctx, id, models.TestType(req.TestType), r.Header.Get(equipment.HeaderID))
	ack, err := h.service.SubmitReading(ctx, msg)
	if err != nil {
		h.fail(w, r, "equipment_reading", err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, ack)
}

// message builds the gateway message. A missing timestamp takes the request
// time.
func (r *ReadingRequest) message(ctx context.Context, id domain.SessionID, t models.TestType, equipmentID string) ingestion.Message {
	ts := r.Timestamp
	if ts.IsZero() {
		ts = requestcontext.Now(ctx).UTC()
	}
	return ingestion.Message{
		SessionID:   id,
		TestType:    t,
		EquipmentID: equipmentID,
		Timestamp:   ts,
		Readings:    r.Readings,
		Final:       r.Final,
		FaultCode:   r.FaultCode,
		Images:      r.Images,
		Operator:    r.Operator,
	}
}

func (h *Handler) handleRetry(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		h.fail(w, r, "retry_sub_result", err)
		return
	}
	t, err := testType(r)
	if err != nil {
		h.fail(w, r, "retry_sub_result", err)
		return
	}
	session, err := h.service.RetrySubResult(r.Context(), requestcontext.Actor(r.Context()), id, t)
	if err != nil {
		h.fail(w, r, "retry_sub_result", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) handleResolve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := sessionID(r)
	if err != nil {
		h.fail(w, r, "resolve_sub_result", err)
		return
	}
	t, err := testType(r)
	if err != nil {
		h.fail(w, r, "resolve_sub_result", err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[ResolveRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	session, err := h.service.ResolveSubResult(ctx, requestcontext.Actor(ctx), id, t, req.parsedStatus, req.Note)
	if err != nil {
		h.fail(w, r, "resolve_sub_result", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

// handleApproval answers 200 with the session. When approval succeeded but
// certificate issuance failed, the Approved session is returned with 202 so
// the caller knows to retry issuance.
func (h *Handler) handleApproval(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := sessionID(r)
	if err != nil {
		h.fail(w, r, "record_approval", err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[ApprovalRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	session, err := h.service.RecordApproval(ctx, requestcontext.Actor(ctx), id, req.parsed)
	switch {
	case err != nil && session != nil && session.Status == models.StatusApproved:
		h.logger.ErrorContext(ctx, "certificate issuance deferred",
			"request_id", requestcontext.RequestID(ctx),
			"session_id", id.String(),
			"error", err,
		)
		httputil.WriteJSON(w, http.StatusAccepted, session)
	case err != nil:
		h.fail(w, r, "record_approval", err)
	default:
		httputil.WriteJSON(w, http.StatusOK, session)
	}
}

func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		h.fail(w, r, "issue_certificate", err)
		return
	}
	session, err := h.service.IssueCertificate(r.Context(), requestcontext.Actor(r.Context()), id)
	if err != nil {
		h.fail(w, r, "issue_certificate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, err := sessionID(r)
	if err != nil {
		h.fail(w, r, "cancel_session", err)
		return
	}
	req, ok := httputil.DecodeAndPrepare[CancelRequest](w, r, h.logger, ctx, requestcontext.RequestID(ctx))
	if !ok {
		return
	}
	session, err := h.service.CancelSession(ctx, requestcontext.Actor(ctx), id, req.Reason)
	if err != nil {
		h.fail(w, r, "cancel_session", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, session)
}

type auditResponse struct {
	Records []audit.Record `json:"records"`
	NextSeq int64          `json:"next_seq"`
}

func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		h.fail(w, r, "audit_trail", err)
		return
	}
	var after int64
	if raw := r.URL.Query().Get("after_seq"); raw != "" {
		after, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || after < 0 {
			h.fail(w, r, "audit_trail", dErrors.New(dErrors.CodeBadRequest, "after_seq must be a non-negative integer"))
			return
		}
	}
	records, err := h.service.AuditTrail(r.Context(), requestcontext.Actor(r.Context()), id, after)
	if err != nil {
		h.fail(w, r, "audit_trail", err)
		return
	}
	resp := auditResponse{Records: records, NextSeq: after}
	if records == nil {
		resp.Records = []audit.Record{}
	}
	if n := len(records); n > 0 {
		resp.NextSeq = records[n-1].Seq
	}
	httputil.WriteJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCertificate(w http.ResponseWriter, r *http.Request) {
	cert, _, err := h.service.CertificateByNumber(r.Context(), requestcontext.Actor(r.Context()), chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, r, "certificate", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cert)
}

func (h *Handler) handleCertificateDocument(w http.ResponseWriter, r *http.Request) {
	cert, doc, err := h.service.CertificateByNumber(r.Context(), requestcontext.Actor(r.Context()), chi.URLParam(r, "number"))
	if err != nil {
		h.fail(w, r, "certificate_document", err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Document-Digest", cert.DocumentDigest)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(doc)
}

func (h *Handler) handleCertificateBySession(w http.ResponseWriter, r *http.Request) {
	cert, err := h.service.CertificateBySessionCode(r.Context(), requestcontext.Actor(r.Context()), chi.URLParam(r, "code"))
	if err != nil {
		h.fail(w, r, "certificate_by_session", err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, cert)
}
