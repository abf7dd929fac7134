package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"atsflow/internal/ports"
	"atsflow/internal/ports/mocks"
	"atsflow/internal/rbac"
	"atsflow/internal/session/models"
	"atsflow/internal/session/store"
	"atsflow/internal/validator"
	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
	audit "atsflow/pkg/platform/audit"
	"atsflow/pkg/platform/audit/publishers/compliance"
	auditmemory "atsflow/pkg/platform/audit/store/memory"
)

var (
	admin  = domain.Actor{ID: "admin-1", Role: domain.RoleATSCenterAdmin}
	tester = domain.Actor{ID: "tester-1", Role: domain.RoleATSCenterTesting}
)

type ServiceSuite struct {
	suite.Suite
	ctx          context.Context
	ctrl         *gomock.Controller
	store        *store.InMemoryStore
	ledger       *auditmemory.InMemoryStore
	recorder     *compliance.Publisher
	appointments *mocks.MockAppointmentLookup
	notifier     *mocks.MockNotifier
	service      *Service
	clock        time.Time
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.ctrl = gomock.NewController(s.T())
	s.store = store.NewMemory()
	s.ledger = auditmemory.NewInMemoryStore()
	s.clock = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	s.recorder = compliance.New(s.ledger, compliance.WithClock(s.now))
	s.appointments = mocks.NewMockAppointmentLookup(s.ctrl)
	s.notifier = mocks.NewMockNotifier(s.ctrl)
	s.notifier.EXPECT().Notify(gomock.Any(), gomock.Any(), gomock.Any()).AnyTimes()
	s.service = New(s.store, s.recorder,
		WithClock(s.now),
		WithPermissions(rbac.NewChecker()),
		WithAppointments(s.appointments),
		WithNotifier(s.notifier),
	)
}

func (s *ServiceSuite) now() time.Time {
	return s.clock
}

func (s *ServiceSuite) create(tests ...models.TestType) *models.TestSession {
	if len(tests) == 0 {
		tests = []models.TestType{models.TestSpeed, models.TestNoise}
	}
	res, err := s.service.CreateSession(s.ctx, admin, CreateRequest{
		VehicleRef:     "KA01AB1234",
		CenterRef:      "center-1",
		AppointmentRef: "appt-1",
		RequiredTests:  tests,
	})
	s.Require().NoError(err)
	return res.Session
}

func (s *ServiceSuite) checkIn(id domain.SessionID) {
	s.appointments.EXPECT().Status(gomock.Any(), "KA01AB1234", "center-1").Return(ports.AppointmentConfirmed, nil)
	_, err := s.service.CheckIn(s.ctx, tester, id)
	s.Require().NoError(err)
}

func (s *ServiceSuite) commit(id domain.SessionID, t models.TestType, status models.SubResultStatus) *Result {
	res, err := s.service.CommitReading(s.ctx, ReadingCommit{
		SessionID:   id,
		TestType:    t,
		EquipmentID: "eq-" + string(t),
		Operator:    tester.ID,
		CapturedAt:  s.clock,
		Readings:    []json.RawMessage{json.RawMessage(`{"value":1}`)},
		Outcome:     &validator.Outcome{Status: status},
	})
	s.Require().NoError(err)
	return res
}

func (s *ServiceSuite) auditActions(code string) []audit.Action {
	records, err := s.recorder.List(s.ctx, code, 0)
	s.Require().NoError(err)
	out := make([]audit.Action, len(records))
	for i, r := range records {
		out[i] = r.Action
	}
	return out
}

func (s *ServiceSuite) TestCreateSession() {
	session := s.create()

	s.Equal(models.StatusScheduled, session.Status)
	s.Regexp(`^TS260314\d{6}$`, session.Code)
	s.Len(session.SubResults, 2)
	s.Equal([]audit.Action{audit.ActionSessionCreated}, s.auditActions(session.Code))
}

func (s *ServiceSuite) TestCreateSessionRequiresPermission() {
	_, err := s.service.CreateSession(s.ctx, tester, CreateRequest{
		VehicleRef:    "KA01AB1234",
		CenterRef:     "center-1",
		RequiredTests: []models.TestType{models.TestSpeed},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden))
	s.Equal(0, s.ledger.Count())
}

func (s *ServiceSuite) TestCreateSessionValidates() {
	_, err := s.service.CreateSession(s.ctx, admin, CreateRequest{VehicleRef: "KA01AB1234", CenterRef: "center-1"})
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))
}

func (s *ServiceSuite) TestCheckInRequiresConfirmedAppointment() {
	session := s.create()
	s.appointments.EXPECT().Status(gomock.Any(), gomock.Any(), gomock.Any()).Return(ports.AppointmentPending, nil)

	_, err := s.service.CheckIn(s.ctx, tester, session.ID)

	var te *dErrors.TransitionError
	s.Require().ErrorAs(err, &te)
	s.Equal(string(models.StatusScheduled), te.Current)
	s.Equal(string(models.StatusCheckedIn), te.Attempted)

	stored, err := s.service.Get(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusScheduled, stored.Status)
	s.Equal(int64(1), stored.Version)
}

func (s *ServiceSuite) TestCheckInTwiceIsRejected() {
	session := s.create()
	s.checkIn(session.ID)

	s.appointments.EXPECT().Status(gomock.Any(), gomock.Any(), gomock.Any()).Return(ports.AppointmentConfirmed, nil)
	_, err := s.service.CheckIn(s.ctx, tester, session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

func (s *ServiceSuite) TestFirstReadingStartsSessionAndLastSubmitsForReview() {
	session := s.create()
	s.checkIn(session.ID)

	first := s.commit(session.ID, models.TestSpeed, models.SubResultPass)
	s.Equal(models.StatusInProgress, first.Session.Status)
	s.Equal([]models.Step{{From: models.StatusCheckedIn, To: models.StatusInProgress}}, first.Steps)
	s.Equal(tester.ID, first.Session.Participants.TestedBy)
	s.Nil(first.Session.FinalResult)

	last := s.commit(session.ID, models.TestNoise, models.SubResultPass)
	s.Equal(models.StatusPendingReview, last.Session.Status)
	s.Require().NotNil(last.Session.FinalResult)
	s.Equal(models.SubResultPass, last.Session.FinalResult.Status)
	s.NotNil(last.Session.TestedAt)
	s.Len(last.Records, 2, "reading record plus one status change")

	s.Equal([]audit.Action{
		audit.ActionSessionCreated,
		audit.ActionSessionCheckedIn, audit.ActionStatusChanged,
		audit.ActionReadingRecorded, audit.ActionStatusChanged,
		audit.ActionReadingRecorded, audit.ActionStatusChanged,
	}, s.auditActions(session.Code))
}

func (s *ServiceSuite) TestAnyFailMakesFinalResultFail() {
	session := s.create()
	s.checkIn(session.ID)
	s.commit(session.ID, models.TestSpeed, models.SubResultFail)
	res := s.commit(session.ID, models.TestNoise, models.SubResultPass)

	s.Equal(models.StatusPendingReview, res.Session.Status)
	s.Equal(models.SubResultFail, res.Session.FinalResult.Status)
}

func (s *ServiceSuite) TestDecidedSubResultIsImmutable() {
	session := s.create()
	s.checkIn(session.ID)
	s.commit(session.ID, models.TestSpeed, models.SubResultPass)

	_, err := s.service.CommitReading(s.ctx, ReadingCommit{
		SessionID: session.ID,
		TestType:  models.TestSpeed,
		Readings:  []json.RawMessage{json.RawMessage(`{}`)},
		Outcome:   &validator.Outcome{Status: models.SubResultFail},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))

	stored, _ := s.service.Get(s.ctx, session.ID)
	s.Equal(models.SubResultPass, stored.SubResult(models.TestSpeed).Status)
}

func (s *ServiceSuite) TestReadingsRejectedBeforeCheckIn() {
	session := s.create()
	_, err := s.service.CommitReading(s.ctx, ReadingCommit{
		SessionID: session.ID,
		TestType:  models.TestSpeed,
		Outcome:   &validator.Outcome{Status: models.SubResultPass},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))
}

func (s *ServiceSuite) TestPartialReadingKeepsSubResultPending() {
	session := s.create()
	s.checkIn(session.ID)

	res, err := s.service.CommitReading(s.ctx, ReadingCommit{
		SessionID:   session.ID,
		TestType:    models.TestNoise,
		EquipmentID: "meter-1",
		Readings:    []json.RawMessage{json.RawMessage(`{"level":70}`)},
	})
	s.Require().NoError(err)
	sr := res.Session.SubResult(models.TestNoise)
	s.Equal(models.SubResultPending, sr.Status)
	s.Len(sr.Readings, 1)
	s.Equal(0, sr.Attempts)
}

func (s *ServiceSuite) TestTimeoutBlocksReviewUntilResolved() {
	session := s.create()
	s.checkIn(session.ID)
	s.commit(session.ID, models.TestSpeed, models.SubResultPass)

	res, err := s.service.MarkInconclusive(s.ctx, session.ID, models.TestNoise, "no reading within 30s")
	s.Require().NoError(err)
	s.Equal(models.SubResultInconclusive, res.Session.SubResult(models.TestNoise).Status)
	s.Equal(models.StatusInProgress, res.Session.Status, "inconclusive blocks review")

	_, err = s.service.ResolveSubResult(s.ctx, tester, session.ID, models.TestNoise, models.SubResultPass, "manual meter")
	s.True(dErrors.HasCode(err, dErrors.CodeForbidden), "testers cannot resolve")

	res, err = s.service.ResolveSubResult(s.ctx, admin, session.ID, models.TestNoise, models.SubResultPass, "manual meter")
	s.Require().NoError(err)
	s.Equal(models.StatusPendingReview, res.Session.Status)
	s.Equal(1, res.Session.SubResult(models.TestNoise).Attempts)
}

func (s *ServiceSuite) TestLateTimeoutIsNoOp() {
	session := s.create()
	s.checkIn(session.ID)
	s.commit(session.ID, models.TestSpeed, models.SubResultPass)

	res, err := s.service.MarkInconclusive(s.ctx, session.ID, models.TestSpeed, "late timer")
	s.Require().NoError(err)
	s.Empty(res.Records)
	s.Equal(models.SubResultPass, res.Session.SubResult(models.TestSpeed).Status)
}

func (s *ServiceSuite) TestRetryReopensInconclusive() {
	session := s.create()
	s.checkIn(session.ID)
	_, err := s.service.MarkInconclusive(s.ctx, session.ID, models.TestSpeed, "stalled")
	s.Require().NoError(err)

	_, err = s.service.CommitReading(s.ctx, ReadingCommit{
		SessionID: session.ID,
		TestType:  models.TestSpeed,
		Outcome:   &validator.Outcome{Status: models.SubResultPass},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeConflict), "inconclusive must be retried first")

	res, err := s.service.RetrySubResult(s.ctx, admin, session.ID, models.TestSpeed)
	s.Require().NoError(err)
	s.Equal(models.SubResultPending, res.Session.SubResult(models.TestSpeed).Status)

	s.commit(session.ID, models.TestSpeed, models.SubResultPass)
}

func (s *ServiceSuite) TestRetryRequiresInconclusive() {
	session := s.create()
	s.checkIn(session.ID)
	_, err := s.service.RetrySubResult(s.ctx, admin, session.ID, models.TestSpeed)
	s.True(dErrors.HasCode(err, dErrors.CodeConflict))
}

func (s *ServiceSuite) TestEquipmentFailureFailsInProgressSession() {
	session := s.create()
	s.checkIn(session.ID)
	s.commit(session.ID, models.TestSpeed, models.SubResultPass)

	res, err := s.service.FailForEquipment(s.ctx, session.ID, models.TestNoise, "meter-1", "sensor offline")
	s.Require().NoError(err)
	s.Equal(models.StatusFailed, res.Session.Status)
	s.Contains(res.Session.FailureReason, "meter-1")
}

func (s *ServiceSuite) TestEquipmentFailureBeforeStartMarksInconclusive() {
	session := s.create()
	s.checkIn(session.ID)

	res, err := s.service.FailForEquipment(s.ctx, session.ID, models.TestNoise, "meter-1", "sensor offline")
	s.Require().NoError(err)
	s.Equal(models.StatusCheckedIn, res.Session.Status)
	s.Equal(models.SubResultInconclusive, res.Session.SubResult(models.TestNoise).Status)
}

func (s *ServiceSuite) TestCancelFromAnyNonTerminalState() {
	session := s.create()
	s.checkIn(session.ID)

	_, err := s.service.Cancel(s.ctx, admin, session.ID, "")
	s.True(dErrors.HasCode(err, dErrors.CodeValidation))

	res, err := s.service.Cancel(s.ctx, admin, session.ID, "vehicle left")
	s.Require().NoError(err)
	s.Equal(models.StatusCancelled, res.Session.Status)

	_, err = s.service.Cancel(s.ctx, admin, session.ID, "again")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition))

	_, err = s.service.CommitReading(s.ctx, ReadingCommit{
		SessionID: session.ID,
		TestType:  models.TestSpeed,
		Outcome:   &validator.Outcome{Status: models.SubResultPass},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidTransition), "in-flight readings no-op after cancel")

	res2, err := s.service.MarkInconclusive(s.ctx, session.ID, models.TestSpeed, "late")
	s.Require().NoError(err)
	s.Empty(res2.Records)
}

func (s *ServiceSuite) TestAuditFailureRollsBackMutation() {
	session := s.create()
	s.ledger.FailWith(errors.New("disk full"))

	s.appointments.EXPECT().Status(gomock.Any(), gomock.Any(), gomock.Any()).Return(ports.AppointmentConfirmed, nil)
	_, err := s.service.CheckIn(s.ctx, tester, session.ID)
	s.True(dErrors.HasCode(err, dErrors.CodeAuditWrite))

	s.ledger.FailWith(nil)
	stored, err := s.service.Get(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusScheduled, stored.Status)
	s.Equal(int64(1), stored.Version)
}

func (s *ServiceSuite) TestPersistFailureDoesNotCommitSession() {
	session := s.create()
	_, err := s.service.Execute(s.ctx, session.ID, Mutation{
		Name:  "test",
		Actor: admin,
		Apply: func(work *models.TestSession, _ time.Time) ([]audit.Entry, error) {
			work.CancelReason = "x"
			return []audit.Entry{{Action: audit.ActionSessionCancelled}}, nil
		},
		Persist: func(context.Context, *models.TestSession) error {
			return dErrors.New(dErrors.CodeCertificateIssuance, "store down")
		},
	})
	s.True(dErrors.HasCode(err, dErrors.CodeCertificateIssuance))

	stored, _ := s.service.Get(s.ctx, session.ID)
	s.Empty(stored.CancelReason)
}

func (s *ServiceSuite) TestUpdatedAtAdvancesWithFrozenClock() {
	session := s.create()
	s.checkIn(session.ID)
	first := s.commit(session.ID, models.TestSpeed, models.SubResultPass)

	s.True(first.Session.UpdatedAt.After(session.UpdatedAt))
	stored, _ := s.service.Get(s.ctx, session.ID)
	s.Equal(int64(3), stored.Version)
}

func (s *ServiceSuite) TestConcurrentCommitsAreSerialized() {
	tests := models.DefaultTestOrder
	session := s.create(tests...)
	s.checkIn(session.ID)

	var wg sync.WaitGroup
	errs := make(chan error, len(tests))
	for _, t := range tests {
		wg.Add(1)
		go func(t models.TestType) {
			defer wg.Done()
			_, err := s.service.CommitReading(s.ctx, ReadingCommit{
				SessionID:   session.ID,
				TestType:    t,
				EquipmentID: "eq",
				Readings:    []json.RawMessage{json.RawMessage(`{}`)},
				Outcome:     &validator.Outcome{Status: models.SubResultPass},
			})
			errs <- err
		}(t)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	stored, err := s.service.Get(s.ctx, session.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPendingReview, stored.Status)
	s.True(stored.AllFinal())

	records, err := s.recorder.List(s.ctx, session.Code, 0)
	s.Require().NoError(err)
	s.NoError(audit.VerifyChain(records))
}

func (s *ServiceSuite) TestLockTimeout() {
	session := s.create()
	svc := New(s.store, s.recorder, WithLockTimeout(20*time.Millisecond))

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_, _ = svc.Execute(s.ctx, session.ID, Mutation{
			Name:  "slow",
			Actor: admin,
			Apply: func(*models.TestSession, time.Time) ([]audit.Entry, error) {
				close(started)
				<-release
				return nil, nil
			},
		})
	}()
	<-started
	_, err := svc.Execute(s.ctx, session.ID, Mutation{
		Name:  "blocked",
		Actor: admin,
		Apply: func(*models.TestSession, time.Time) ([]audit.Entry, error) { return nil, nil },
	})
	close(release)
	s.True(dErrors.HasCode(err, dErrors.CodeTimeout))
}

func (s *ServiceSuite) TestGetUnknownSession() {
	_, err := s.service.Get(s.ctx, domain.NewSessionID())
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	_, err = s.service.GetByCode(s.ctx, "TS000000000000")
	s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestReviewNotificationSent() {
	ctrl := gomock.NewController(s.T())
	notifier := mocks.NewMockNotifier(ctrl)
	svc := New(s.store, s.recorder, WithClock(s.now), WithNotifier(notifier))

	res, err := svc.CreateSession(s.ctx, admin, CreateRequest{
		VehicleRef: "KA01AB1234", CenterRef: "center-1", RequiredTests: []models.TestType{models.TestSpeed},
	})
	s.Require().NoError(err)
	_, err = svc.CheckIn(s.ctx, tester, res.Session.ID)
	s.Require().NoError(err)

	notifier.EXPECT().Notify(gomock.Any(), ports.RoleRecipient(domain.RoleATSOwner), gomock.Any()).
		Do(func(_ context.Context, _ string, e ports.Event) {
			s.Equal(ports.EventReviewRequested, e.Type)
			s.Equal(res.Session.Code, e.SessionCode)
		})
	notifier.EXPECT().Notify(gomock.Any(), ports.RoleRecipient(domain.RoleATSCenterAdmin), gomock.Any())

	_, err = svc.CommitReading(s.ctx, ReadingCommit{
		SessionID: res.Session.ID,
		TestType:  models.TestSpeed,
		Outcome:   &validator.Outcome{Status: models.SubResultPass},
	})
	s.Require().NoError(err)
}

func TestSessionCode(t *testing.T) {
	at := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	if got := SessionCode(at, 42); got != "TS260102000042" {
		t.Fatalf("SessionCode = %s", got)
	}
	if got := SessionCode(at, 1_000_001); got != "TS260102000001" {
		t.Fatalf("SessionCode wraps = %s", got)
	}
}
