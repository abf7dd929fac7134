// Package service is the session state machine. It owns every mutation of a
// test session: one writer per session, each change audited before it is
// persisted, and the audit write and the store write committed as one unit.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"atsflow/internal/ports"
	"atsflow/internal/rbac"
	"atsflow/internal/session/metrics"
	"atsflow/internal/session/models"
	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
	audit "atsflow/pkg/platform/audit"
	"atsflow/pkg/platform/sentinel"
	"atsflow/pkg/platform/tx"
)

// Store persists sessions. Save must reject a write whose expectedVersion no
// longer matches with sentinel.ErrConflict.
type Store interface {
	Create(ctx context.Context, s *models.TestSession) error
	Save(ctx context.Context, s *models.TestSession, expectedVersion int64) error
	FindByID(ctx context.Context, id domain.SessionID) (*models.TestSession, error)
	FindByCode(ctx context.Context, code string) (*models.TestSession, error)
	NextSequence(ctx context.Context) (int64, error)
}

// Recorder is the fail-closed audit ledger.
type Recorder interface {
	Record(ctx context.Context, entries ...audit.Entry) ([]audit.Record, error)
}

// Mutation is one serialized change to a session.
//
// Apply edits the working copy and returns the audit entries describing the
// change. Status steps taken through TransitionTo are audited automatically
// and need no entry of their own. Persist, when set, runs inside the same
// unit of work after the audit write and before the session is saved.
type Mutation struct {
	Name    string
	Actor   domain.Actor
	Apply   func(s *models.TestSession, now time.Time) ([]audit.Entry, error)
	Persist func(ctx context.Context, s *models.TestSession) error
}

// Result is the committed state and the audit records that describe it.
type Result struct {
	Session *models.TestSession
	Records []audit.Record
	Steps   []models.Step
}

// Service is the session state machine.
type Service struct {
	store        Store
	recorder     Recorder
	runner       tx.Runner
	locks        *sessionLocks
	permissions  ports.PermissionChecker
	appointments ports.AppointmentLookup
	notifier     ports.Notifier
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
	lockTimeout  time.Duration
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithTxRunner sets the unit of work joining the audit and store writes.
// Without it both writes run directly under the session lock.
func WithTxRunner(runner tx.Runner) Option {
	return func(s *Service) {
		s.runner = runner
	}
}

func WithPermissions(checker ports.PermissionChecker) Option {
	return func(s *Service) {
		s.permissions = checker
	}
}

func WithAppointments(lookup ports.AppointmentLookup) Option {
	return func(s *Service) {
		s.appointments = lookup
	}
}

func WithNotifier(n ports.Notifier) Option {
	return func(s *Service) {
		s.notifier = n
	}
}

// WithLockTimeout bounds the wait for a session's writer lock.
func WithLockTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.lockTimeout = d
	}
}

// New constructs the state machine.
func New(store Store, recorder Recorder, opts ...Option) *Service {
	s := &Service{
		store:    store,
		recorder: recorder,
		runner:   tx.Direct,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.locks = newSessionLocks(s.lockTimeout)
	return s
}

// Get loads a session by ID.
func (s *Service) Get(ctx context.Context, id domain.SessionID) (*models.TestSession, error) {
	session, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err, "failed to load session")
	}
	return session, nil
}

// GetByCode loads a session by its public code.
func (s *Service) GetByCode(ctx context.Context, code string) (*models.TestSession, error) {
	session, err := s.store.FindByCode(ctx, code)
	if err != nil {
		return nil, translateStoreErr(err, "failed to load session")
	}
	return session, nil
}

// Execute applies mut to the session under its writer lock. The audit records
// are written first; if that fails nothing is persisted and the caller gets
// an audit_write_failed error. A mutation that fails validation leaves the
// stored session untouched.
func (s *Service) Execute(ctx context.Context, id domain.SessionID, mut Mutation) (*Result, error) {
	start := time.Now()
	defer s.metrics.ObserveMutation(mut.Name, start)

	var res *Result
	err := s.locks.withLock(ctx, id, func(ctx context.Context) error {
		s.metrics.ObserveLockWait(start)
		var err error
		res, err = s.executeLocked(ctx, id, mut)
		return err
	})
	if err != nil {
		s.metrics.IncMutationFailure(mut.Name, string(dErrors.CodeOf(err)))
		return nil, err
	}

	for _, step := range res.Steps {
		s.metrics.ObserveTransition(string(step.From), string(step.To))
	}
	s.notifySteps(ctx, res.Session, res.Steps)
	return res, nil
}

func (s *Service) executeLocked(ctx context.Context, id domain.SessionID, mut Mutation) (*Result, error) {
	current, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, translateStoreErr(err, "failed to load session")
	}

	now := s.stamp(current.UpdatedAt)
	work := current.Clone()
	entries, err := mut.Apply(work, now)
	if err != nil {
		return nil, err
	}
	steps := work.TakeSteps()
	for _, step := range steps {
		if !step.From.CanTransitionTo(step.To) {
			return nil, dErrors.NewTransition(string(step.From), string(step.To), "transition not allowed")
		}
	}
	if len(entries) == 0 && len(steps) == 0 {
		return &Result{Session: current}, nil
	}

	work.UpdatedAt = now
	work.Version = current.Version + 1
	entries = append(entries, stepEntries(work, steps)...)
	for i := range entries {
		fillEntry(&entries[i], mut.Actor, work)
	}

	var records []audit.Record
	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		records, err = s.recorder.Record(ctx, entries...)
		if err != nil {
			return err
		}
		if mut.Persist != nil {
			if err := mut.Persist(ctx, work); err != nil {
				return err
			}
		}
		if err := s.store.Save(ctx, work, current.Version); err != nil {
			return translateStoreErr(err, "failed to save session")
		}
		return nil
	})
	if err != nil {
		if dErrors.HasCode(err, dErrors.CodeAuditWrite) {
			s.logger.ErrorContext(ctx, "session mutation rolled back: audit write failed",
				"session_id", id.String(),
				"operation", mut.Name,
				"error", err,
			)
		}
		return nil, err
	}

	return &Result{Session: work, Records: records, Steps: steps}, nil
}

// stamp returns a timestamp strictly after prev so UpdatedAt always advances.
func (s *Service) stamp(prev time.Time) time.Time {
	now := s.now().UTC().Truncate(time.Microsecond)
	if !now.After(prev) {
		now = prev.Add(time.Microsecond)
	}
	return now
}

// authorize returns a forbidden error unless actor holds perm.
func (s *Service) authorize(ctx context.Context, actor domain.Actor, perm rbac.Permission) error {
	if actor.IsZero() {
		return dErrors.New(dErrors.CodeUnauthorized, "actor is required")
	}
	if s.permissions == nil {
		return nil
	}
	ok, err := s.permissions.Allowed(ctx, actor, perm)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, "permission check failed")
	}
	if !ok {
		return dErrors.Newf(dErrors.CodeForbidden, "role %s may not %s", actor.Role, perm)
	}
	return nil
}

func translateStoreErr(err error, msg string) error {
	var de *dErrors.Error
	switch {
	case errors.As(err, &de):
		return err
	case errors.Is(err, sentinel.ErrNotFound):
		return dErrors.New(dErrors.CodeNotFound, "session not found")
	case errors.Is(err, sentinel.ErrConflict):
		return dErrors.Wrap(err, dErrors.CodeConflict, "session was modified concurrently")
	default:
		return dErrors.Wrap(err, dErrors.CodeInternal, msg)
	}
}

// stepEntries produces one status_changed record per step.
func stepEntries(work *models.TestSession, steps []models.Step) []audit.Entry {
	out := make([]audit.Entry, 0, len(steps))
	for _, step := range steps {
		out = append(out, audit.Entry{
			Action:     audit.ActionStatusChanged,
			EntityType: audit.EntitySession,
			EntityID:   work.ID.String(),
			Before:     statusView{Status: step.From},
			After:      statusView{Status: step.To},
		})
	}
	return out
}

func fillEntry(e *audit.Entry, actor domain.Actor, work *models.TestSession) {
	if e.Actor == "" {
		e.Actor = actor.ID
		e.ActorRole = string(actor.Role)
	}
	if e.EntityType == "" {
		e.EntityType = audit.EntitySession
	}
	if e.EntityID == "" {
		e.EntityID = work.ID.String()
	}
	e.CorrelationID = work.Code
}

func subResultEntityID(id domain.SessionID, t models.TestType) string {
	return fmt.Sprintf("%s/%s", id, t)
}

type statusView struct {
	Status models.Status `json:"status"`
}

// sessionView is the audited snapshot of a session. Raw readings are left out;
// they are recorded on the sub-result entries.
type sessionView struct {
	Status      models.Status                              `json:"status"`
	SubResults  map[models.TestType]models.SubResultStatus `json:"sub_results"`
	RetestCount int                                        `json:"retest_count"`
	FinalResult *models.FinalResult                        `json:"final_result,omitempty"`
	Version     int64                                      `json:"version"`
}

func viewOf(s *models.TestSession) sessionView {
	subs := make(map[models.TestType]models.SubResultStatus, len(s.SubResults))
	for _, sr := range s.SubResults {
		subs[sr.TestType] = sr.Status
	}
	return sessionView{
		Status:      s.Status,
		SubResults:  subs,
		RetestCount: s.RetestCount,
		FinalResult: s.FinalResult,
		Version:     s.Version,
	}
}
