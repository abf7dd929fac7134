// Package approval sequences the review and approval sign-offs on a session
// awaiting review.
//
// A round starts when the session enters PendingReview. The reviewer signs
// off first, then an approver who is not the reviewer. Approval of a passing
// result moves the session to Approved and triggers certificate issuance.
// A rejection either opens a retest round, ends the session as Rejected
// (non-remediable defect) or as Failed once the retest budget is spent.
package approval

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"atsflow/internal/ports"
	"atsflow/internal/rbac"
	"atsflow/internal/session/models"
	"atsflow/internal/session/service"
	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
	audit "atsflow/pkg/platform/audit"
)

// DefaultMaxRetests is the number of rejections after which a session fails.
const DefaultMaxRetests = 3

// Machine is the session state machine as seen by the workflow.
type Machine interface {
	Get(ctx context.Context, id domain.SessionID) (*models.TestSession, error)
	Execute(ctx context.Context, id domain.SessionID, mut service.Mutation) (*service.Result, error)
	Notify(ctx context.Context, session *models.TestSession, t ports.EventType, detail string, recipients ...string)
}

// Issuer issues the certificate for an approved session and completes it.
type Issuer interface {
	Issue(ctx context.Context, actor domain.Actor, id domain.SessionID) (*service.Result, error)
}

// DecisionRequest is one sign-off.
type DecisionRequest struct {
	Decision models.Decision
	// Reason applies to rejections; empty means retest.
	Reason models.RejectReason
	// RetestTypes narrows a retest; empty means every test that did not pass,
	// or every test when all passed.
	RetestTypes []models.TestType
	Remark      string
}

// Workflow records approval decisions.
type Workflow struct {
	machine     Machine
	permissions ports.PermissionChecker
	issuer      Issuer
	maxRetests  int
	logger      *slog.Logger
}

type Option func(*Workflow)

func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		w.logger = logger
	}
}

// WithMaxRetests sets how many rejections a session may take before it
// fails. Values below 1 are ignored.
func WithMaxRetests(n int) Option {
	return func(w *Workflow) {
		if n > 0 {
			w.maxRetests = n
		}
	}
}

// WithIssuer sets the issuer invoked on the Approved transition.
func WithIssuer(issuer Issuer) Option {
	return func(w *Workflow) {
		w.issuer = issuer
	}
}

func New(machine Machine, permissions ports.PermissionChecker, opts ...Option) *Workflow {
	w := &Workflow{
		machine:     machine,
		permissions: permissions,
		maxRetests:  DefaultMaxRetests,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Record applies actor's decision to the session. On an approval that moves
// the session to Approved, the certificate is issued in the same call; if
// issuance fails the Approved session is returned together with a
// certificate_issuance_failed error.
func (w *Workflow) Record(ctx context.Context, actor domain.Actor, id domain.SessionID, req DecisionRequest) (*service.Result, error) {
	if err := validateRequest(&req); err != nil {
		return nil, err
	}
	current, err := w.machine.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	canReview, canApprove, err := w.capabilities(ctx, actor)
	if err != nil {
		return nil, err
	}
	if !canReview && !canApprove {
		return nil, dErrors.NewApprovalConflict(string(current.Status), "",
			fmt.Sprintf("role %s may not review or approve tests", actor.Role))
	}

	res, err := w.machine.Execute(ctx, id, service.Mutation{
		Name:  "record_approval",
		Actor: actor,
		Apply: func(work *models.TestSession, now time.Time) ([]audit.Entry, error) {
			return w.apply(work, now, actor, canReview, canApprove, req)
		},
	})
	if err != nil {
		return nil, err
	}
	w.afterDecision(ctx, res)

	if res.Session.Status != models.StatusApproved || w.issuer == nil {
		return res, nil
	}
	issued, err := w.issuer.Issue(ctx, actor, id)
	if err != nil {
		w.logger.ErrorContext(ctx, "certificate issuance failed; session left approved",
			"session_id", id.String(),
			"error", err,
		)
		w.machine.Notify(ctx, res.Session, ports.EventIssuanceFailed, err.Error(),
			ports.RoleRecipient(domain.RoleATSCenterAdmin), ports.RoleRecipient(domain.RoleSuperAdmin))
		return res, err
	}
	issued.Records = append(res.Records, issued.Records...)
	issued.Steps = append(res.Steps, issued.Steps...)
	return issued, nil
}

func (w *Workflow) capabilities(ctx context.Context, actor domain.Actor) (review, approve bool, err error) {
	if actor.IsZero() {
		return false, false, dErrors.New(dErrors.CodeUnauthorized, "actor is required")
	}
	if review, err = w.permissions.Allowed(ctx, actor, rbac.PermReviewTests); err != nil {
		return false, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "permission check failed")
	}
	if approve, err = w.permissions.Allowed(ctx, actor, rbac.PermApproveTests); err != nil {
		return false, false, dErrors.Wrap(err, dErrors.CodeUnavailable, "permission check failed")
	}
	return review, approve, nil
}

func (w *Workflow) apply(work *models.TestSession, now time.Time, actor domain.Actor, canReview, canApprove bool, req DecisionRequest) ([]audit.Entry, error) {
	if work.Status != models.StatusPendingReview {
		target := models.StatusApproved
		if req.Decision == models.DecisionReject {
			target = models.StatusRejected
		}
		return nil, dErrors.NewTransition(string(work.Status), string(target), "session is not awaiting review")
	}
	if work.FinalResult == nil {
		return nil, dErrors.New(dErrors.CodeInvariantViolation, "pending review without a final result")
	}

	stage := stageFor(work, canReview, canApprove)
	if err := checkStage(work, actor, stage); err != nil {
		return nil, err
	}
	if req.Decision == models.DecisionApprove && work.FinalResult.Status != models.SubResultPass {
		return nil, dErrors.NewApprovalConflict(string(work.Status), string(stage),
			"final result is fail; only rejection is possible")
	}

	record := models.ApprovalRecord{
		Round:    work.RetestCount,
		Stage:    stage,
		Actor:    actor.ID,
		Role:     actor.Role,
		Decision: req.Decision,
		Remark:   req.Remark,
		At:       now,
	}
	if stage == models.StageReview {
		work.Participants.ReviewedBy = actor.ID
	} else {
		work.Participants.ApprovedBy = actor.ID
	}

	var outcome []audit.Entry
	if req.Decision == models.DecisionApprove {
		work.Approvals = append(work.Approvals, record)
		if stage == models.StageApprove {
			if err := work.TransitionTo(models.StatusApproved); err != nil {
				return nil, err
			}
		}
	} else {
		record.Reason = req.Reason
		var err error
		outcome, err = w.reject(work, &record, req)
		if err != nil {
			return nil, err
		}
	}

	entries := []audit.Entry{{
		Action:     audit.ActionApprovalRecorded,
		EntityType: audit.EntityApproval,
		EntityID:   fmt.Sprintf("%s/%d/%s", work.ID, record.Round, record.Stage),
		After:      record,
	}}
	return append(entries, outcome...), nil
}

func (w *Workflow) reject(work *models.TestSession, record *models.ApprovalRecord, req DecisionRequest) ([]audit.Entry, error) {
	before := struct {
		Status      models.Status `json:"status"`
		RetestCount int           `json:"retest_count"`
	}{work.Status, work.RetestCount}

	if req.Reason == models.RejectDefect {
		work.Approvals = append(work.Approvals, *record)
		if err := work.TransitionTo(models.StatusRejected); err != nil {
			return nil, err
		}
		return []audit.Entry{{Action: audit.ActionSessionDefectReject, Before: before, After: map[string]any{
			"status": work.Status, "remark": req.Remark,
		}}}, nil
	}

	types, err := retestTypes(work, req.RetestTypes)
	if err != nil {
		return nil, err
	}
	record.RetestTypes = types
	work.Approvals = append(work.Approvals, *record)
	work.RetestCount++

	if work.RetestCount >= w.maxRetests {
		work.FailureReason = fmt.Sprintf("retest budget of %d exhausted", w.maxRetests)
		if err := work.TransitionTo(models.StatusFailed); err != nil {
			return nil, err
		}
		return []audit.Entry{{Action: audit.ActionRetestBudgetSpent, Before: before, After: map[string]any{
			"status": work.Status, "retest_count": work.RetestCount,
		}}}, nil
	}

	if err := work.ApplyRetest(types); err != nil {
		return nil, err
	}
	return []audit.Entry{{Action: audit.ActionRetestScheduled, Before: before, After: map[string]any{
		"status": work.Status, "retest_count": work.RetestCount, "retest_types": types,
	}}}, nil
}

func (w *Workflow) afterDecision(ctx context.Context, res *service.Result) {
	session := res.Session
	if session.Status != models.StatusPendingReview {
		return
	}
	if review := session.RoundDecision(models.StageReview); review != nil && session.RoundDecision(models.StageApprove) == nil {
		w.machine.Notify(ctx, session, ports.EventApprovalRequested, "reviewed by "+review.Actor,
			ports.RoleRecipient(domain.RoleRTOOfficer), ports.RoleRecipient(domain.RoleAdditionalCommissioner))
	}
}

// stageFor picks the stage the actor signs in. An actor holding both
// permissions takes whichever stage is still open.
func stageFor(work *models.TestSession, canReview, canApprove bool) models.Stage {
	switch {
	case canReview && canApprove:
		if work.RoundDecision(models.StageReview) == nil {
			return models.StageReview
		}
		return models.StageApprove
	case canApprove:
		return models.StageApprove
	default:
		return models.StageReview
	}
}

func checkStage(work *models.TestSession, actor domain.Actor, stage models.Stage) error {
	status := string(work.Status)
	switch stage {
	case models.StageReview:
		if work.RoundDecision(models.StageReview) != nil {
			return dErrors.NewApprovalConflict(status, string(stage), "review already recorded for this round")
		}
		if work.Participants.TestedBy == actor.ID {
			return dErrors.NewApprovalConflict(status, string(stage), "the tester cannot review their own tests")
		}
	case models.StageApprove:
		review := work.RoundDecision(models.StageReview)
		if review == nil || review.Decision != models.DecisionApprove {
			return dErrors.NewApprovalConflict(status, string(stage), "approval requires a reviewer sign-off first")
		}
		if review.Actor == actor.ID {
			return dErrors.NewApprovalConflict(status, string(stage), "approver must differ from reviewer")
		}
	}
	return nil
}

func retestTypes(work *models.TestSession, requested []models.TestType) ([]models.TestType, error) {
	if len(requested) > 0 {
		for _, t := range requested {
			if !slices.Contains(work.RequiredTests, t) {
				return nil, dErrors.Newf(dErrors.CodeValidation, "test type %s is not required for this session", t)
			}
		}
		return slices.Clone(requested), nil
	}
	if failing := work.FailingTests(); len(failing) > 0 {
		return failing, nil
	}
	return slices.Clone(work.RequiredTests), nil
}

func validateRequest(req *DecisionRequest) error {
	req.Remark = strings.TrimSpace(req.Remark)
	switch req.Decision {
	case models.DecisionApprove:
		if req.Reason != "" || len(req.RetestTypes) > 0 {
			return dErrors.New(dErrors.CodeValidation, "reason and retest_types apply only to rejections")
		}
	case models.DecisionReject:
		if req.Reason == "" {
			req.Reason = models.RejectRetest
		}
		if req.Reason != models.RejectRetest && req.Reason != models.RejectDefect {
			return dErrors.Newf(dErrors.CodeValidation, "unknown rejection reason %q", req.Reason)
		}
		if req.Remark == "" {
			return dErrors.New(dErrors.CodeValidation, "a remark is required when rejecting")
		}
		if req.Reason == models.RejectDefect && len(req.RetestTypes) > 0 {
			return dErrors.New(dErrors.CodeValidation, "retest_types do not apply to defect rejections")
		}
		seen := make(map[models.TestType]struct{}, len(req.RetestTypes))
		for _, t := range req.RetestTypes {
			if !t.IsValid() {
				return dErrors.Newf(dErrors.CodeValidation, "unknown test type %q", t)
			}
			if _, dup := seen[t]; dup {
				return dErrors.Newf(dErrors.CodeValidation, "test type %q listed twice", t)
			}
			seen[t] = struct{}{}
		}
	default:
		return dErrors.Newf(dErrors.CodeValidation, "decision must be approve or reject, got %q", req.Decision)
	}
	return nil
}
