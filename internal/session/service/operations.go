package service

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"atsflow/internal/ports"
	"atsflow/internal/rbac"
	"atsflow/internal/session/models"
	"atsflow/internal/validator"
	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
	audit "atsflow/pkg/platform/audit"
)

// CreateRequest schedules a session.
type CreateRequest struct {
	VehicleRef     string
	CenterRef      string
	AppointmentRef string
	RequiredTests  []models.TestType
}

// ReadingCommit is an accepted, validated channel state handed over by the
// ingestion gateway. Readings replace the sub-result's readings wholesale.
// A nil Outcome records the readings without deciding the sub-result, which
// is how aggregating tests report progress before their closing reading.
type ReadingCommit struct {
	SessionID   domain.SessionID
	TestType    models.TestType
	EquipmentID string
	Operator    string
	CapturedAt  time.Time
	Readings    []json.RawMessage
	Images      []string
	Outcome     *validator.Outcome
}

// CreateSession schedules a new session with one Pending sub-result per
// required test.
func (s *Service) CreateSession(ctx context.Context, actor domain.Actor, req CreateRequest) (*Result, error) {
	if err := s.authorize(ctx, actor, rbac.PermScheduleTests); err != nil {
		return nil, err
	}
	req.VehicleRef = strings.TrimSpace(req.VehicleRef)
	req.CenterRef = strings.TrimSpace(req.CenterRef)

	seq, err := s.store.NextSequence(ctx)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "failed to allocate session code")
	}
	now := s.now().UTC().Truncate(time.Microsecond)
	code := SessionCode(now, seq)

	session, err := models.NewTestSession(domain.NewSessionID(), code, req.VehicleRef, req.CenterRef, req.AppointmentRef, req.RequiredTests, now)
	if err != nil {
		return nil, err
	}

	entry := audit.Entry{
		Action: audit.ActionSessionCreated,
		After:  viewOf(session),
	}
	fillEntry(&entry, actor, session)

	var records []audit.Record
	err = s.runner.RunInTx(ctx, func(ctx context.Context) error {
		var err error
		records, err = s.recorder.Record(ctx, entry)
		if err != nil {
			return err
		}
		if err := s.store.Create(ctx, session); err != nil {
			return translateStoreErr(err, "failed to create session")
		}
		return nil
	})
	if err != nil {
		s.metrics.IncMutationFailure("create", string(dErrors.CodeOf(err)))
		return nil, err
	}

	s.metrics.IncSessionsCreated()
	s.logger.InfoContext(ctx, "session scheduled",
		"session_id", session.ID.String(),
		"session_code", session.Code,
		"center_ref", session.CenterRef,
	)
	return &Result{Session: session, Records: records}, nil
}

// SessionCode renders the public session code: TS, the scheduling date as
// yyMMdd and a six digit sequence.
func SessionCode(at time.Time, seq int64) string {
	return fmt.Sprintf("TS%s%06d", at.Format("060102"), seq%1_000_000)
}

// CheckIn records that the vehicle was presented. The appointment must be
// confirmed.
func (s *Service) CheckIn(ctx context.Context, actor domain.Actor, id domain.SessionID) (*Result, error) {
	if err := s.authorize(ctx, actor, rbac.PermConductTests); err != nil {
		return nil, err
	}
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	appointment := ports.AppointmentConfirmed
	if s.appointments != nil {
		appointment, err = s.appointments.Status(ctx, current.VehicleRef, current.CenterRef)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeUnavailable, "appointment lookup failed")
		}
	}

	return s.Execute(ctx, id, Mutation{
		Name:  "check_in",
		Actor: actor,
		Apply: func(work *models.TestSession, _ time.Time) ([]audit.Entry, error) {
			if work.Status != models.StatusScheduled {
				return nil, dErrors.NewTransition(string(work.Status), string(models.StatusCheckedIn), "session is not scheduled")
			}
			if appointment != ports.AppointmentConfirmed {
				return nil, dErrors.NewTransition(string(work.Status), string(models.StatusCheckedIn),
					fmt.Sprintf("appointment is %s, not confirmed", appointment))
			}
			before := viewOf(work)
			if err := work.TransitionTo(models.StatusCheckedIn); err != nil {
				return nil, err
			}
			work.CheckedInBy = actor.ID
			return []audit.Entry{{
				Action: audit.ActionSessionCheckedIn,
				Before: before,
				After:  viewOf(work),
			}}, nil
		},
	})
}

// CommitReading applies an accepted reading to its sub-result. The first
// reading moves a checked-in session to InProgress, and the session moves to
// PendingReview as soon as every sub-result is decided.
func (s *Service) CommitReading(ctx context.Context, c ReadingCommit) (*Result, error) {
	actor := domain.EquipmentActor(c.EquipmentID)
	res, err := s.Execute(ctx, c.SessionID, Mutation{
		Name:  "commit_reading",
		Actor: actor,
		Apply: func(work *models.TestSession, now time.Time) ([]audit.Entry, error) {
			sr, err := openSubResult(work, c.TestType)
			if err != nil {
				return nil, err
			}
			before := subResultView{Status: sr.Status, Attempts: sr.Attempts}
			if work.Status == models.StatusCheckedIn {
				if err := work.TransitionTo(models.StatusInProgress); err != nil {
					return nil, err
				}
			}
			if work.Participants.TestedBy == "" && c.Operator != "" {
				work.Participants.TestedBy = c.Operator
			}

			sr.Readings = cloneReadings(c.Readings)
			sr.EquipmentID = c.EquipmentID
			captured := c.CapturedAt.UTC()
			sr.CapturedAt = &captured
			sr.Images = append(sr.Images, c.Images...)
			if c.Outcome != nil {
				sr.Status = c.Outcome.Status
				sr.Normalized = c.Outcome.Normalized
				sr.Notes = append(sr.Notes, c.Outcome.Notes...)
				sr.Attempts++
			}

			entries := []audit.Entry{{
				Action:     audit.ActionReadingRecorded,
				EntityType: audit.EntitySubResult,
				EntityID:   subResultEntityID(work.ID, c.TestType),
				Before:     before,
				After:      sr.Clone(),
			}}
			if work.CanSubmitForReview() {
				if err := work.ApplySubmitForReview(now); err != nil {
					return nil, err
				}
			}
			return entries, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if c.Outcome != nil {
		s.metrics.IncSubResult(string(c.TestType), string(c.Outcome.Status))
	}
	return res, nil
}

// MarkInconclusive records that equipment stopped reporting. It is a no-op
// when the session no longer accepts readings or the sub-result has already
// been decided, so a late timer can never override a result.
func (s *Service) MarkInconclusive(ctx context.Context, id domain.SessionID, t models.TestType, reason string) (*Result, error) {
	res, err := s.Execute(ctx, id, Mutation{
		Name:  "mark_inconclusive",
		Actor: domain.SystemActor,
		Apply: func(work *models.TestSession, _ time.Time) ([]audit.Entry, error) {
			sr := work.SubResult(t)
			if !work.Status.AcceptsReadings() || sr == nil || sr.Status != models.SubResultPending {
				return nil, nil
			}
			sr.Status = models.SubResultInconclusive
			sr.Notes = append(sr.Notes, reason)
			return []audit.Entry{{
				Action:     audit.ActionSubResultTimedOut,
				EntityType: audit.EntitySubResult,
				EntityID:   subResultEntityID(work.ID, t),
				Before:     subResultView{Status: models.SubResultPending, Attempts: sr.Attempts},
				After:      subResultView{Status: sr.Status, Attempts: sr.Attempts, Note: reason},
			}}, nil
		},
	})
	if err != nil {
		return nil, err
	}
	if len(res.Records) > 0 {
		s.metrics.IncSubResult(string(t), string(models.SubResultInconclusive))
		s.logger.WarnContext(ctx, "equipment timed out",
			"session_id", id.String(),
			"test_type", string(t),
			"reason", reason,
		)
		s.Notify(ctx, res.Session, ports.EventEquipmentTimeout, fmt.Sprintf("%s: %s", t, reason),
			ports.RoleRecipient(domain.RoleATSCenterTesting), ports.RoleRecipient(domain.RoleATSCenterAdmin))
	}
	return res, nil
}

// FailForEquipment handles an unrecoverable equipment fault. An in-progress
// session moves to Failed. A checked-in session cannot fail yet, so only the
// sub-result is marked Inconclusive.
func (s *Service) FailForEquipment(ctx context.Context, id domain.SessionID, t models.TestType, equipmentID, reason string) (*Result, error) {
	return s.Execute(ctx, id, Mutation{
		Name:  "equipment_failure",
		Actor: domain.EquipmentActor(equipmentID),
		Apply: func(work *models.TestSession, _ time.Time) ([]audit.Entry, error) {
			if !work.Status.AcceptsReadings() {
				return nil, nil
			}
			before := viewOf(work)
			if sr := work.SubResult(t); sr != nil && !sr.Status.IsFinal() {
				sr.Status = models.SubResultInconclusive
				sr.Notes = append(sr.Notes, "equipment fault: "+reason)
			}
			if work.Status == models.StatusInProgress {
				work.FailureReason = fmt.Sprintf("equipment %s failed during %s test: %s", equipmentID, t, reason)
				if err := work.TransitionTo(models.StatusFailed); err != nil {
					return nil, err
				}
			}
			return []audit.Entry{{
				Action: audit.ActionEquipmentFailure,
				Before: before,
				After:  viewOf(work),
			}}, nil
		},
	})
}

// RetrySubResult reopens an Inconclusive sub-result for another attempt.
func (s *Service) RetrySubResult(ctx context.Context, actor domain.Actor, id domain.SessionID, t models.TestType) (*Result, error) {
	if err := s.authorize(ctx, actor, rbac.PermResolveSubResult); err != nil {
		return nil, err
	}
	return s.Execute(ctx, id, Mutation{
		Name:  "retry_sub_result",
		Actor: actor,
		Apply: func(work *models.TestSession, _ time.Time) ([]audit.Entry, error) {
			sr, err := inconclusiveSubResult(work, t)
			if err != nil {
				return nil, err
			}
			*sr = models.SubResult{TestType: t, Status: models.SubResultPending, Attempts: sr.Attempts}
			return []audit.Entry{{
				Action:     audit.ActionSubResultRetried,
				EntityType: audit.EntitySubResult,
				EntityID:   subResultEntityID(work.ID, t),
				Before:     subResultView{Status: models.SubResultInconclusive, Attempts: sr.Attempts},
				After:      subResultView{Status: models.SubResultPending, Attempts: sr.Attempts},
			}}, nil
		},
	})
}

// ResolveSubResult records a manual Pass or Fail for an Inconclusive
// sub-result.
func (s *Service) ResolveSubResult(ctx context.Context, actor domain.Actor, id domain.SessionID, t models.TestType, status models.SubResultStatus, note string) (*Result, error) {
	if err := s.authorize(ctx, actor, rbac.PermResolveSubResult); err != nil {
		return nil, err
	}
	if !status.IsFinal() {
		return nil, dErrors.New(dErrors.CodeValidation, "resolution must be pass or fail")
	}
	note = strings.TrimSpace(note)
	if note == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a resolution note is required")
	}
	return s.Execute(ctx, id, Mutation{
		Name:  "resolve_sub_result",
		Actor: actor,
		Apply: func(work *models.TestSession, now time.Time) ([]audit.Entry, error) {
			sr, err := inconclusiveSubResult(work, t)
			if err != nil {
				return nil, err
			}
			sr.Status = status
			sr.Attempts++
			sr.Notes = append(sr.Notes, fmt.Sprintf("resolved by %s: %s", actor.ID, note))
			after := subResultView{Status: status, Attempts: sr.Attempts, Note: note}

			if work.Status == models.StatusCheckedIn {
				if err := work.TransitionTo(models.StatusInProgress); err != nil {
					return nil, err
				}
			}
			if work.CanSubmitForReview() {
				if err := work.ApplySubmitForReview(now); err != nil {
					return nil, err
				}
			}
			return []audit.Entry{{
				Action:     audit.ActionSubResultResolved,
				EntityType: audit.EntitySubResult,
				EntityID:   subResultEntityID(work.ID, t),
				Before:     subResultView{Status: models.SubResultInconclusive, Attempts: sr.Attempts - 1},
				After:      after,
			}}, nil
		},
	})
}

// Cancel ends the session administratively. It is legal from every
// non-terminal state.
func (s *Service) Cancel(ctx context.Context, actor domain.Actor, id domain.SessionID, reason string) (*Result, error) {
	if err := s.authorize(ctx, actor, rbac.PermCancelSessions); err != nil {
		return nil, err
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "a cancellation reason is required")
	}
	return s.Execute(ctx, id, Mutation{
		Name:  "cancel",
		Actor: actor,
		Apply: func(work *models.TestSession, _ time.Time) ([]audit.Entry, error) {
			before := viewOf(work)
			if err := work.TransitionTo(models.StatusCancelled); err != nil {
				return nil, err
			}
			work.CancelReason = reason
			return []audit.Entry{{
				Action: audit.ActionSessionCancelled,
				Before: before,
				After:  viewOf(work),
			}}, nil
		},
	})
}

// openSubResult returns the sub-result for t when it can still take readings.
func openSubResult(work *models.TestSession, t models.TestType) (*models.SubResult, error) {
	if !work.Status.AcceptsReadings() {
		return nil, dErrors.NewTransition(string(work.Status), string(models.StatusInProgress), "session does not accept readings")
	}
	sr := work.SubResult(t)
	switch {
	case sr == nil:
		return nil, dErrors.Newf(dErrors.CodeValidation, "test type %s is not required for this session", t)
	case sr.Status.IsFinal():
		return nil, dErrors.Newf(dErrors.CodeConflict, "%s result is already %s", t, sr.Status)
	case sr.Status == models.SubResultInconclusive:
		return nil, dErrors.Newf(dErrors.CodeConflict, "%s result is inconclusive; retry it before sending readings", t)
	}
	return sr, nil
}

func inconclusiveSubResult(work *models.TestSession, t models.TestType) (*models.SubResult, error) {
	if !work.Status.AcceptsReadings() {
		return nil, dErrors.NewTransition(string(work.Status), string(models.StatusInProgress), "session is not being tested")
	}
	sr := work.SubResult(t)
	if sr == nil {
		return nil, dErrors.Newf(dErrors.CodeValidation, "test type %s is not required for this session", t)
	}
	if sr.Status != models.SubResultInconclusive {
		return nil, dErrors.Newf(dErrors.CodeConflict, "%s result is %s, not inconclusive", t, sr.Status)
	}
	return sr, nil
}

func cloneReadings(in []json.RawMessage) []json.RawMessage {
	out := make([]json.RawMessage, len(in))
	for i, r := range in {
		out[i] = slices.Clone(r)
	}
	return out
}

type subResultView struct {
	Status   models.SubResultStatus `json:"status"`
	Attempts int                    `json:"attempts"`
	Note     string                 `json:"note,omitempty"`
}
