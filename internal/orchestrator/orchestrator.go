// Package orchestrator is the Session API. It composes the state machine,
// the ingestion gateway, the approval workflow and the certificate issuer,
// and keeps the gateway's channels in step with the session lifecycle.
package orchestrator

import (
	"context"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"atsflow/internal/approval"
	"atsflow/internal/ingestion"
	"atsflow/internal/ports"
	"atsflow/internal/rbac"
	"atsflow/internal/session/models"
	"atsflow/internal/session/service"
	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
	audit "atsflow/pkg/platform/audit"
)

const tracerName = "atsflow/orchestrator"

// Sessions is the state machine.
type Sessions interface {
	CreateSession(ctx context.Context, actor domain.Actor, req service.CreateRequest) (*service.Result, error)
	CheckIn(ctx context.Context, actor domain.Actor, id domain.SessionID) (*service.Result, error)
	RetrySubResult(ctx context.Context, actor domain.Actor, id domain.SessionID, t models.TestType) (*service.Result, error)
	ResolveSubResult(ctx context.Context, actor domain.Actor, id domain.SessionID, t models.TestType, status models.SubResultStatus, note string) (*service.Result, error)
	Cancel(ctx context.Context, actor domain.Actor, id domain.SessionID, reason string) (*service.Result, error)
	Get(ctx context.Context, id domain.SessionID) (*models.TestSession, error)
	GetByCode(ctx context.Context, code string) (*models.TestSession, error)
}

// Gateway is the equipment ingestion gateway.
type Gateway interface {
	Submit(ctx context.Context, msg ingestion.Message) (ingestion.Ack, error)
	StartTest(ctx context.Context, id domain.SessionID, t models.TestType) error
	CloseSession(id domain.SessionID)
}

// Approvals records sign-offs.
type Approvals interface {
	Record(ctx context.Context, actor domain.Actor, id domain.SessionID, req approval.DecisionRequest) (*service.Result, error)
}

// Certificates issues and finds certificates.
type Certificates interface {
	Issue(ctx context.Context, actor domain.Actor, id domain.SessionID) (*service.Result, error)
	Lookup(ctx context.Context, number string) (*models.Certificate, error)
	Document(ctx context.Context, cert *models.Certificate) ([]byte, error)
}

// AuditTrail reads a session's audit records.
type AuditTrail interface {
	List(ctx context.Context, correlationID string, afterSeq int64) ([]audit.Record, error)
}

// Profiles supplies the default test list for a centre.
type Profiles interface {
	For(centerRef string) []models.TestType
}

// Orchestrator implements the Session API.
type Orchestrator struct {
	sessions     Sessions
	gateway      Gateway
	approvals    Approvals
	certificates Certificates
	audit        AuditTrail
	profiles     Profiles
	permissions  ports.PermissionChecker
	tracer       trace.Tracer
	logger       *slog.Logger
}

type Option func(*Orchestrator)

func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		o.tracer = tracer
	}
}

func WithProfiles(p Profiles) Option {
	return func(o *Orchestrator) {
		o.profiles = p
	}
}

func New(sessions Sessions, gateway Gateway, approvals Approvals, certificates Certificates, trail AuditTrail, permissions ports.PermissionChecker, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		sessions:     sessions,
		gateway:      gateway,
		approvals:    approvals,
		certificates: certificates,
		audit:        trail,
		permissions:  permissions,
		tracer:       otel.Tracer(tracerName),
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) start(ctx context.Context, op string, actor domain.Actor, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("actor.id", actor.ID),
		attribute.String("actor.role", string(actor.Role)),
	)
	return o.tracer.Start(ctx, "session."+op, trace.WithAttributes(attrs...))
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(dErrors.CodeOf(err)))
	}
	span.End()
}

func sessionAttr(id domain.SessionID) attribute.KeyValue {
	return attribute.String("session.id", id.String())
}

func (o *Orchestrator) authorize(ctx context.Context, actor domain.Actor, perm rbac.Permission) error {
	if actor.IsZero() {
		return dErrors.New(dErrors.CodeUnauthorized, "actor is required")
	}
	ok, err := o.permissions.Allowed(ctx, actor, perm)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "permission check failed")
	}
	if !ok {
		return dErrors.Newf(dErrors.CodeForbidden, "role %s may not %s", actor.Role, perm)
	}
	return nil
}

// CreateSession schedules a session. Without an explicit test list the
// centre's equipment profile decides which tests are required.
func (o *Orchestrator) CreateSession(ctx context.Context, actor domain.Actor, req service.CreateRequest) (_ *models.TestSession, err error) {
	ctx, span := o.start(ctx, "create", actor, attribute.String("center.ref", req.CenterRef))
	defer func() { end(span, err) }()

	if len(req.RequiredTests) == 0 && o.profiles != nil {
		req.RequiredTests = o.profiles.For(req.CenterRef)
	}
	res, err := o.sessions.CreateSession(ctx, actor, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(sessionAttr(res.Session.ID), attribute.String("session.code", res.Session.Code))
	return res.Session, nil
}

func (o *Orchestrator) CheckIn(ctx context.Context, actor domain.Actor, id domain.SessionID) (_ *models.TestSession, err error) {
	ctx, span := o.start(ctx, "check_in", actor, sessionAttr(id))
	defer func() { end(span, err) }()

	res, err := o.sessions.CheckIn(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return res.Session, nil
}

// StartTest opens the equipment channel for one required test and arms its
// stall timer.
func (o *Orchestrator) StartTest(ctx context.Context, actor domain.Actor, id domain.SessionID, t models.TestType) (err error) {
	ctx, span := o.start(ctx, "start_test", actor, sessionAttr(id), attribute.String("test.type", string(t)))
	defer func() { end(span, err) }()

	if err := o.authorize(ctx, actor, rbac.PermConductTests); err != nil {
		return err
	}
	session, err := o.sessions.Get(ctx, id)
	if err != nil {
		return err
	}
	if !session.Status.AcceptsReadings() {
		return dErrors.NewTransition(string(session.Status), string(models.StatusInProgress), "session does not accept readings")
	}
	sr := session.SubResult(t)
	if sr == nil {
		return dErrors.Newf(dErrors.CodeValidation, "test type %q is not required for this session", t)
	}
	if sr.Status != models.SubResultPending {
		return dErrors.Newf(dErrors.CodeConflict, "%s test is already %s", t, sr.Status)
	}
	return o.gateway.StartTest(ctx, id, t)
}

// SubmitReading hands an equipment message to the gateway and returns the
// resulting sub-result.
func (o *Orchestrator) SubmitReading(ctx context.Context, msg ingestion.Message) (_ ingestion.Ack, err error) {
	ctx, span := o.start(ctx, "submit_reading", domain.EquipmentActor(msg.EquipmentID),
		sessionAttr(msg.SessionID),
		attribute.String("test.type", string(msg.TestType)),
		attribute.Bool("reading.final", msg.Final),
	)
	defer func() { end(span, err) }()

	ack, err := o.gateway.Submit(ctx, msg)
	if err != nil {
		return ack, err
	}
	span.SetAttributes(attribute.String("ack.status", string(ack.Status)))
	return ack, nil
}

// SubmitManualReading records a reading keyed in by a test operator for
// equipment without a network connection.
func (o *Orchestrator) SubmitManualReading(ctx context.Context, actor domain.Actor, msg ingestion.Message) (ingestion.Ack, error) {
	if err := o.authorize(ctx, actor, rbac.PermUploadTestData); err != nil {
		return ingestion.Ack{}, err
	}
	msg.Operator = actor.ID
	if msg.EquipmentID == "" {
		msg.EquipmentID = "manual:" + actor.ID
	}
	return o.SubmitReading(ctx, msg)
}

// RetrySubResult reopens an Inconclusive test and its equipment channel.
func (o *Orchestrator) RetrySubResult(ctx context.Context, actor domain.Actor, id domain.SessionID, t models.TestType) (_ *models.TestSession, err error) {
	ctx, span := o.start(ctx, "retry_sub_result", actor, sessionAttr(id), attribute.String("test.type", string(t)))
	defer func() { end(span, err) }()

	res, err := o.sessions.RetrySubResult(ctx, actor, id, t)
	if err != nil {
		return nil, err
	}
	if err := o.gateway.StartTest(ctx, id, t); err != nil {
		// The sub-result is Pending again; the first reading reopens the channel.
		o.logger.WarnContext(ctx, "failed to reopen equipment channel",
			"session_id", id.String(),
			"test_type", string(t),
			"error", err,
		)
	}
	return res.Session, nil
}

func (o *Orchestrator) ResolveSubResult(ctx context.Context, actor domain.Actor, id domain.SessionID, t models.TestType, status models.SubResultStatus, note string) (_ *models.TestSession, err error) {
	ctx, span := o.start(ctx, "resolve_sub_result", actor, sessionAttr(id), attribute.String("test.type", string(t)))
	defer func() { end(span, err) }()

	res, err := o.sessions.ResolveSubResult(ctx, actor, id, t, status, note)
	if err != nil {
		return nil, err
	}
	return res.Session, nil
}

// RecordApproval records a sign-off. When the approval completes a session
// but issuance fails, the Approved session is returned together with the
// issuance error.
func (o *Orchestrator) RecordApproval(ctx context.Context, actor domain.Actor, id domain.SessionID, req approval.DecisionRequest) (_ *models.TestSession, err error) {
	ctx, span := o.start(ctx, "record_approval", actor, sessionAttr(id), attribute.String("approval.decision", string(req.Decision)))
	defer func() { end(span, err) }()

	res, err := o.approvals.Record(ctx, actor, id, req)
	if res == nil {
		return nil, err
	}
	o.settle(res.Session)
	span.SetAttributes(attribute.String("session.status", string(res.Session.Status)))
	return res.Session, err
}

// IssueCertificate retries issuance for an Approved session. It returns the
// existing certificate when one was already issued.
func (o *Orchestrator) IssueCertificate(ctx context.Context, actor domain.Actor, id domain.SessionID) (_ *models.TestSession, err error) {
	ctx, span := o.start(ctx, "issue_certificate", actor, sessionAttr(id))
	defer func() { end(span, err) }()

	res, err := o.certificates.Issue(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return res.Session, nil
}

// CancelSession ends the session and stops its equipment channels.
func (o *Orchestrator) CancelSession(ctx context.Context, actor domain.Actor, id domain.SessionID, reason string) (_ *models.TestSession, err error) {
	ctx, span := o.start(ctx, "cancel", actor, sessionAttr(id))
	defer func() { end(span, err) }()

	res, err := o.sessions.Cancel(ctx, actor, id, reason)
	if err != nil {
		return nil, err
	}
	o.gateway.CloseSession(id)
	return res.Session, nil
}

func (o *Orchestrator) GetSession(ctx context.Context, actor domain.Actor, id domain.SessionID) (_ *models.TestSession, err error) {
	ctx, span := o.start(ctx, "get", actor, sessionAttr(id))
	defer func() { end(span, err) }()

	if err := o.authorize(ctx, actor, rbac.PermViewSessions); err != nil {
		return nil, err
	}
	return o.sessions.Get(ctx, id)
}

func (o *Orchestrator) GetSessionByCode(ctx context.Context, actor domain.Actor, code string) (_ *models.TestSession, err error) {
	ctx, span := o.start(ctx, "get_by_code", actor, attribute.String("session.code", code))
	defer func() { end(span, err) }()

	if err := o.authorize(ctx, actor, rbac.PermViewSessions); err != nil {
		return nil, err
	}
	return o.sessions.GetByCode(ctx, code)
}

// AuditTrail returns the session's audit records after afterSeq.
func (o *Orchestrator) AuditTrail(ctx context.Context, actor domain.Actor, id domain.SessionID, afterSeq int64) (_ []audit.Record, err error) {
	ctx, span := o.start(ctx, "audit_trail", actor, sessionAttr(id))
	defer func() { end(span, err) }()

	if err := o.authorize(ctx, actor, rbac.PermViewAuditLogs); err != nil {
		return nil, err
	}
	session, err := o.sessions.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	records, err := o.audit.List(ctx, session.Code, afterSeq)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to read audit trail")
	}
	return records, nil
}

// CertificateByNumber returns a certificate and its document.
func (o *Orchestrator) CertificateByNumber(ctx context.Context, actor domain.Actor, number string) (_ *models.Certificate, _ []byte, err error) {
	ctx, span := o.start(ctx, "certificate_by_number", actor, attribute.String("certificate.number", number))
	defer func() { end(span, err) }()

	if err := o.authorize(ctx, actor, rbac.PermViewSessions); err != nil {
		return nil, nil, err
	}
	cert, err := o.certificates.Lookup(ctx, number)
	if err != nil {
		return nil, nil, err
	}
	doc, err := o.certificates.Document(ctx, cert)
	if err != nil {
		return nil, nil, err
	}
	return cert, doc, nil
}

// CertificateBySessionCode returns the certificate of a completed session.
func (o *Orchestrator) CertificateBySessionCode(ctx context.Context, actor domain.Actor, code string) (_ *models.Certificate, err error) {
	ctx, span := o.start(ctx, "certificate_by_session", actor, attribute.String("session.code", code))
	defer func() { end(span, err) }()

	if err := o.authorize(ctx, actor, rbac.PermViewSessions); err != nil {
		return nil, err
	}
	session, err := o.sessions.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if session.Certificate == nil {
		return nil, dErrors.Newf(dErrors.CodeNotFound, "session %s has no certificate", code)
	}
	return session.Certificate, nil
}

// settle closes equipment channels once a session can no longer take
// readings for any of its tests.
func (o *Orchestrator) settle(session *models.TestSession) {
	if session.Status.IsTerminal() || !slices.ContainsFunc(session.SubResults, func(sr models.SubResult) bool {
		return sr.Status == models.SubResultPending
	}) {
		o.gateway.CloseSession(session.ID)
	}
}
