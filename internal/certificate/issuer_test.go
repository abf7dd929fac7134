package certificate

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"atsflow/internal/blob"
	certstore "atsflow/internal/certificate/store"
	"atsflow/internal/ports/mocks"
	"atsflow/internal/rbac"
	"atsflow/internal/session/models"
	"atsflow/internal/session/service"
	sessionstore "atsflow/internal/session/store"
	"atsflow/internal/validator"
	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
	audit "atsflow/pkg/platform/audit"
	"atsflow/pkg/platform/audit/publishers/compliance"
	auditmemory "atsflow/pkg/platform/audit/store/memory"
)

var (
	admin    = domain.Actor{ID: "admin-1", Role: domain.RoleATSCenterAdmin}
	approver = domain.Actor{ID: "rto-1", Role: domain.RoleRTOOfficer}
)

type IssuerSuite struct {
	suite.Suite
	ctx      context.Context
	sessions *service.Service
	ledger   *auditmemory.InMemoryStore
	certs    *certstore.InMemoryStore
	blobs    *blob.InMemoryStore
	issuer   *Issuer
	clock    time.Time
}

func TestIssuerSuite(t *testing.T) {
	suite.Run(t, new(IssuerSuite))
}

func (s *IssuerSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	now := func() time.Time { return s.clock }

	s.ledger = auditmemory.NewInMemoryStore()
	s.sessions = service.New(sessionstore.NewMemory(), compliance.New(s.ledger), service.WithClock(now))
	s.certs = certstore.NewMemory()
	s.blobs = blob.NewMemory("")

	renderer, err := NewRenderer()
	s.Require().NoError(err)
	s.issuer = New(s.sessions, s.certs, s.blobs, renderer,
		WithClock(now),
		WithPermissions(rbac.NewChecker()),
	)
}

// approvedSession drives a one-test session to Approved.
func (s *IssuerSuite) approvedSession() *models.TestSession {
	res, err := s.sessions.CreateSession(s.ctx, admin, service.CreateRequest{
		VehicleRef:    "KA01AB1234",
		CenterRef:     "center-1",
		RequiredTests: []models.TestType{models.TestSpeed},
	})
	s.Require().NoError(err)
	id := res.Session.ID

	_, err = s.sessions.CheckIn(s.ctx, admin, id)
	s.Require().NoError(err)
	_, err = s.sessions.CommitReading(s.ctx, service.ReadingCommit{
		SessionID: id,
		TestType:  models.TestSpeed,
		Outcome:   &validator.Outcome{Status: models.SubResultPass},
	})
	s.Require().NoError(err)

	approved, err := s.sessions.Execute(s.ctx, id, service.Mutation{
		Name:  "approve",
		Actor: approver,
		Apply: func(work *models.TestSession, _ time.Time) ([]audit.Entry, error) {
			return nil, work.TransitionTo(models.StatusApproved)
		},
	})
	s.Require().NoError(err)
	s.Require().Equal(models.StatusApproved, approved.Session.Status)
	return approved.Session
}

func (s *IssuerSuite) TestIssueCompletesSession() {
	session := s.approvedSession()

	res, err := s.issuer.Issue(s.ctx, approver, session.ID)
	s.Require().NoError(err)

	s.Equal(models.StatusCompleted, res.Session.Status)
	cert := res.Session.Certificate
	s.Require().NotNil(cert)
	s.Equal(Number(DefaultPrefix, session.Code, 1), cert.Number)
	s.Equal(session.TestedAt.UTC(), cert.ValidFrom)
	s.Equal(cert.ValidFrom.Add(DefaultValidity), cert.ValidUntil)
	s.Equal(approver.ID, cert.IssuedBy)
	s.NotEmpty(cert.DocumentDigest)

	doc, err := s.issuer.Document(s.ctx, cert)
	s.Require().NoError(err)
	s.Contains(string(doc), cert.Number)

	stored, err := s.issuer.Lookup(s.ctx, cert.Number)
	s.Require().NoError(err)
	s.Equal(*cert, *stored)

	var actions []audit.Action
	for _, r := range res.Records {
		actions = append(actions, r.Action)
	}
	s.Equal([]audit.Action{audit.ActionCertificateIssued, audit.ActionStatusChanged}, actions)
}

func (s *IssuerSuite) TestIssueIsIdempotent() {
	session := s.approvedSession()

	first, err := s.issuer.Issue(s.ctx, approver, session.ID)
	s.Require().NoError(err)
	second, err := s.issuer.Issue(s.ctx, approver, session.ID)
	s.Require().NoError(err)

	s.Equal(first.Session.Certificate.Number, second.Session.Certificate.Number)
	s.Empty(second.Records, "no new audit records on a repeated call")
}

func (s *IssuerSuite) TestConcurrentIssueCreatesOneCertificate() {
	session := s.approvedSession()

	const callers = 10
	var wg sync.WaitGroup
	numbers := make(chan string, callers)
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.issuer.Issue(s.ctx, approver, session.ID)
			if err == nil {
				numbers <- res.Session.Certificate.Number
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[string]bool{}
	for n := range numbers {
		seen[n] = true
	}
	s.Len(seen, 1)
	_, err := s.certs.FindBySession(s.ctx, session.ID.String())
	s.NoError(err)
}

func (s *IssuerSuite) TestIssueRequiresApprovedSession() {
	res, err := s.sessions.CreateSession(s.ctx, admin, service.CreateRequest{
		VehicleRef: "KA01AB1234", CenterRef: "center-1", RequiredTests: []models.TestType{models.TestSpeed},
	})
	s.Require().NoError(err)

	_, err = s.issuer.Issue(s.ctx, approver, res.Session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

func (s *IssuerSuite) TestIssueRequiresPermission() {
	session := s.approvedSession()
	_, err := s.issuer.Issue(s.ctx, admin, session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
}

func (s *IssuerSuite) TestBlobFailureIsRetriedOnceThenSurfaced() {
	session := s.approvedSession()
	ctrl := gomock.NewController(s.T())
	blobs := mocks.NewMockBlobStore(ctrl)
	blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return("", errors.New("bucket offline")).Times(2)

	renderer, err := NewRenderer()
	s.Require().NoError(err)
	issuer := New(s.sessions, s.certs, blobs, renderer)

	_, err = issuer.Issue(s.ctx, approver, session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeCertificateIssuance))

	stored, err := s.sessions.Get(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, stored.Status, "session stays approved for operator intervention")
	s.Nil(stored.Certificate)
}

func (s *IssuerSuite) TestTransientFailureRecoversOnRetry() {
	session := s.approvedSession()
	ctrl := gomock.NewController(s.T())
	blobs := mocks.NewMockBlobStore(ctrl)
	gomock.InOrder(
		blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return("", errors.New("timeout")),
		blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return("blob://atsflow/doc-1", nil),
	)

	renderer, err := NewRenderer()
	s.Require().NoError(err)
	issuer := New(s.sessions, s.certs, blobs, renderer)

	res, err := issuer.Issue(s.ctx, approver, session.ID)
	s.Require().NoError(err)
	s.Equal("blob://atsflow/doc-1", res.Session.Certificate.DocumentURL)
}

func (s *IssuerSuite) TestAuditFailureIsNotRetried() {
	session := s.approvedSession()
	s.ledger.FailWith(errors.New("ledger offline"))

	_, err := s.issuer.Issue(s.ctx, approver, session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeAuditWrite))

	s.ledger.FailWith(nil)
	stored, err := s.sessions.Get(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusApproved, stored.Status)
}

func (s *IssuerSuite) TestLookupUnknown() {
	_, err := s.issuer.Lookup(s.ctx, "FC-NOPE-0001")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func TestNumber(t *testing.T) {
	if got := Number("FC", "TS260314000001", 7); got != "FC-TS260314000001-0007" {
		t.Fatalf("Number = %s", got)
	}
}
