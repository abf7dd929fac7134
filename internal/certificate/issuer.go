// Package certificate issues fitness certificates for approved sessions.
//
// Issuance is idempotent per session: concurrent calls collapse into one,
// and a call for a session that already holds a certificate returns it.
// The certificate row, the audit record and the Completed transition are
// committed as one unit.
package certificate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"atsflow/internal/ports"
	"atsflow/internal/rbac"
	"atsflow/internal/session/models"
	"atsflow/internal/session/service"
	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
	audit "atsflow/pkg/platform/audit"
	"atsflow/pkg/platform/sentinel"
)

const (
	DefaultValidity = 365 * 24 * time.Hour
	DefaultPrefix   = "FC"

	documentContentType = "text/plain; charset=utf-8"
)

// Store persists certificates.
type Store interface {
	Create(ctx context.Context, cert *models.Certificate) error
	FindByNumber(ctx context.Context, number string) (*models.Certificate, error)
	FindBySession(ctx context.Context, sessionID string) (*models.Certificate, error)
	NextSequence(ctx context.Context) (int64, error)
}

// Machine is the session state machine as seen by the issuer.
type Machine interface {
	Get(ctx context.Context, id domain.SessionID) (*models.TestSession, error)
	Execute(ctx context.Context, id domain.SessionID, mut service.Mutation) (*service.Result, error)
}

// Issuer creates certificates.
type Issuer struct {
	machine     Machine
	store       Store
	blobs       ports.BlobStore
	renderer    *Renderer
	permissions ports.PermissionChecker
	group       singleflight.Group
	validity    time.Duration
	prefix      string
	logger      *slog.Logger
	metrics     *Metrics
	now         func() time.Time
}

type Option func(*Issuer)

func WithLogger(logger *slog.Logger) Option {
	return func(i *Issuer) {
		i.logger = logger
	}
}

func WithMetrics(m *Metrics) Option {
	return func(i *Issuer) {
		i.metrics = m
	}
}

// WithValidity sets how long a certificate is valid from the test date.
func WithValidity(d time.Duration) Option {
	return func(i *Issuer) {
		if d > 0 {
			i.validity = d
		}
	}
}

// WithPrefix sets the certificate number prefix.
func WithPrefix(prefix string) Option {
	return func(i *Issuer) {
		if prefix != "" {
			i.prefix = prefix
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		i.now = now
	}
}

// WithPermissions gates issuance on PermIssueCertificate. Without it any
// actor may trigger issuance of an approved session.
func WithPermissions(checker ports.PermissionChecker) Option {
	return func(i *Issuer) {
		i.permissions = checker
	}
}

func New(machine Machine, store Store, blobs ports.BlobStore, renderer *Renderer, opts ...Option) *Issuer {
	i := &Issuer{
		machine:  machine,
		store:    store,
		blobs:    blobs,
		renderer: renderer,
		validity: DefaultValidity,
		prefix:   DefaultPrefix,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Issue creates the certificate for an approved session and completes it.
// Repeated calls return the certificate already issued. A failed attempt is
// retried once; audit write failures are not retried.
func (i *Issuer) Issue(ctx context.Context, actor domain.Actor, id domain.SessionID) (*service.Result, error) {
	if err := i.authorize(ctx, actor); err != nil {
		return nil, err
	}
	v, err, shared := i.group.Do(id.String(), func() (any, error) {
		return i.issueWithRetry(ctx, actor, id)
	})
	if err != nil {
		return nil, err
	}
	res := v.(*service.Result)
	if shared {
		// Every caller gets its own copy of the collapsed result.
		res = &service.Result{Session: res.Session.Clone(), Records: res.Records, Steps: res.Steps}
	}
	return res, nil
}

// Lookup finds a certificate by its number.
func (i *Issuer) Lookup(ctx context.Context, number string) (*models.Certificate, error) {
	cert, err := i.store.FindByNumber(ctx, number)
	if errors.Is(err, sentinel.ErrNotFound) {
		return nil, dErrors.New(dErrors.CodeNotFound, "certificate not found")
	}
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load certificate")
	}
	return cert, nil
}

// Document returns the stored document of a certificate.
func (i *Issuer) Document(ctx context.Context, cert *models.Certificate) ([]byte, error) {
	doc, err := i.blobs.Get(ctx, cert.DocumentURL)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "certificate document not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load certificate document")
	}
	return doc, nil
}

func (i *Issuer) authorize(ctx context.Context, actor domain.Actor) error {
	if i.permissions == nil {
		return nil
	}
	ok, err := i.permissions.Allowed(ctx, actor, rbac.PermIssueCertificate)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "permission check failed")
	}
	if !ok {
		return dErrors.Newf(dErrors.CodeForbidden, "role %s may not issue certificates", actor.Role)
	}
	return nil
}

func (i *Issuer) issueWithRetry(ctx context.Context, actor domain.Actor, id domain.SessionID) (*service.Result, error) {
	start := time.Now()
	res, err := i.issue(ctx, actor, id)
	if err != nil && retryable(err) {
		i.logger.WarnContext(ctx, "certificate issuance failed, retrying once",
			"session_id", id.String(),
			"error", err,
		)
		res, err = i.issue(ctx, actor, id)
	}
	if err != nil {
		i.metrics.IncFailure(string(dErrors.CodeOf(err)))
		if retryable(err) {
			return nil, dErrors.Wrap(err, dErrors.CodeCertificateIssuance, "certificate issuance failed")
		}
		return nil, err
	}
	if len(res.Records) > 0 {
		i.metrics.ObserveIssued(start)
		i.logger.InfoContext(ctx, "certificate issued",
			"session_id", id.String(),
			"certificate_number", res.Session.Certificate.Number,
		)
	}
	return res, nil
}

// retryable reports whether a second attempt could succeed. State errors and
// audit failures are final.
func retryable(err error) bool {
	switch dErrors.CodeOf(err) {
	case dErrors.CodeAuditWrite, dErrors.CodeInvalidTransition, dErrors.CodeNotFound,
		dErrors.CodeForbidden, dErrors.CodeTimeout:
		return false
	}
	return true
}

func (i *Issuer) issue(ctx context.Context, actor domain.Actor, id domain.SessionID) (*service.Result, error) {
	session, err := i.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if session.Certificate != nil {
		return &service.Result{Session: session}, nil
	}
	if session.Status != models.StatusApproved {
		return nil, dErrors.NewTransition(string(session.Status), string(models.StatusCompleted), "certificate requires an approved session")
	}

	cert, fresh, err := i.prepare(ctx, actor, session)
	if err != nil {
		return nil, err
	}

	return i.machine.Execute(ctx, id, service.Mutation{
		Name:  "issue_certificate",
		Actor: actor,
		Apply: func(work *models.TestSession, _ time.Time) ([]audit.Entry, error) {
			if work.Certificate != nil {
				return nil, nil
			}
			if work.Status != models.StatusApproved {
				return nil, dErrors.NewTransition(string(work.Status), string(models.StatusCompleted), "certificate requires an approved session")
			}
			c := *cert
			work.Certificate = &c
			if err := work.TransitionTo(models.StatusCompleted); err != nil {
				return nil, err
			}
			return []audit.Entry{{
				Action:     audit.ActionCertificateIssued,
				EntityType: audit.EntityCertificate,
				EntityID:   cert.Number,
				After:      cert,
			}}, nil
		},
		Persist: func(ctx context.Context, work *models.TestSession) error {
			if !fresh {
				return nil
			}
			if err := i.store.Create(ctx, work.Certificate); err != nil {
				return fmt.Errorf("store certificate %s: %w", cert.Number, err)
			}
			return nil
		},
	})
}

// prepare returns the certificate to attach. A certificate persisted by an
// earlier attempt whose session write did not land is reused, so a retry
// never mints a second number.
func (i *Issuer) prepare(ctx context.Context, actor domain.Actor, session *models.TestSession) (*models.Certificate, bool, error) {
	existing, err := i.store.FindBySession(ctx, session.ID.String())
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sentinel.ErrNotFound):
		return nil, false, fmt.Errorf("look up certificate: %w", err)
	}

	seq, err := i.store.NextSequence(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("allocate certificate number: %w", err)
	}
	issuedAt := i.now().UTC().Truncate(time.Microsecond)
	validFrom := issuedAt
	if session.TestedAt != nil {
		validFrom = session.TestedAt.UTC()
	}
	cert := &models.Certificate{
		Number:      Number(i.prefix, session.Code, seq),
		SessionID:   session.ID.String(),
		SessionCode: session.Code,
		VehicleRef:  session.VehicleRef,
		CenterRef:   session.CenterRef,
		IssuedAt:    issuedAt,
		ValidFrom:   validFrom,
		ValidUntil:  validFrom.Add(i.validity),
		IssuedBy:    actor.ID,
	}

	doc, digest, err := i.renderer.Render(session, cert)
	if err != nil {
		return nil, false, err
	}
	url, err := i.blobs.Put(ctx, doc, documentContentType)
	if err != nil {
		return nil, false, fmt.Errorf("store certificate document: %w", err)
	}
	cert.DocumentURL = url
	cert.DocumentDigest = digest
	return cert, true, nil
}

// Number derives a certificate number from the session code and a
// monotonic counter.
func Number(prefix, sessionCode string, seq int64) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, sessionCode, seq)
}
