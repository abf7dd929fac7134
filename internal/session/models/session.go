package models

import (
	"encoding/json"
	"slices"
	"time"

	"atsflow/pkg/domain"
	dErrors "atsflow/pkg/domain-errors"
)

// SubResult is the outcome of one required test within a session.
//
// Invariants:
//   - a Pass or Fail sub-result is immutable until a retest resets it
//   - Readings hold the accepted raw readings in arrival order
type SubResult struct {
	TestType    TestType           `json:"test_type"`
	Status      SubResultStatus    `json:"status"`
	Readings    []json.RawMessage  `json:"readings,omitempty"`
	Normalized  map[string]float64 `json:"normalized,omitempty"`
	Notes       []string           `json:"notes,omitempty"`
	EquipmentID string             `json:"equipment_id,omitempty"`
	CapturedAt  *time.Time         `json:"captured_at,omitempty"`
	Images      []string           `json:"images,omitempty"`
	Attempts    int                `json:"attempts"`
}

// Participants records who acted on the session. Fields fill in as the
// workflow advances and are cleared when a retest opens a new round.
type Participants struct {
	TestedBy   string `json:"tested_by,omitempty"`
	ReviewedBy string `json:"reviewed_by,omitempty"`
	ApprovedBy string `json:"approved_by,omitempty"`
}

// FinalResult is the aggregate outcome of one review round. It is set once
// when the session enters PendingReview and is never edited; a retest
// archives it into PriorResults and the next round sets a new one.
type FinalResult struct {
	Status    SubResultStatus `json:"status"`
	Round     int             `json:"round"`
	DecidedAt time.Time       `json:"decided_at"`
}

// Stage is the approval stage an actor signs off in.
type Stage string

const (
	StageReview  Stage = "review"
	StageApprove Stage = "approve"
)

// Decision is an approval decision.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// RejectReason says what a rejection should lead to.
type RejectReason string

const (
	// RejectRetest sends the failing tests back for another attempt.
	RejectRetest RejectReason = "retest"
	// RejectDefect records a non-remediable defect and ends the session.
	RejectDefect RejectReason = "defect"
)

// ApprovalRecord is one sign-off. Records are append-only.
type ApprovalRecord struct {
	Round       int          `json:"round"`
	Stage       Stage        `json:"stage"`
	Actor       string       `json:"actor"`
	Role        domain.Role  `json:"role"`
	Decision    Decision     `json:"decision"`
	Reason      RejectReason `json:"reason,omitempty"`
	RetestTypes []TestType   `json:"retest_types,omitempty"`
	Remark      string       `json:"remark,omitempty"`
	At          time.Time    `json:"at"`
}

// Certificate is the fitness certificate issued on completion.
type Certificate struct {
	Number         string    `json:"number"`
	SessionID      string    `json:"session_id"`
	SessionCode    string    `json:"session_code"`
	VehicleRef     string    `json:"vehicle_ref"`
	CenterRef      string    `json:"center_ref"`
	IssuedAt       time.Time `json:"issued_at"`
	ValidFrom      time.Time `json:"valid_from"`
	ValidUntil     time.Time `json:"valid_until"`
	IssuedBy       string    `json:"issued_by"`
	DocumentURL    string    `json:"document_url"`
	DocumentDigest string    `json:"document_digest"`
}

// Step is one status change applied to a working copy.
type Step struct {
	From Status
	To   Status
}

// TestSession is the aggregate root for one vehicle fitness test.
//
// Invariants:
//   - Status only moves along the legal transition graph (see CanTransitionTo)
//   - SubResults follow RequiredTests order; every required test has exactly one entry
//   - Approvals and PriorResults are append-only
//   - UpdatedAt advances with every change
type TestSession struct {
	ID             domain.SessionID `json:"id"`
	Code           string           `json:"code"`
	VehicleRef     string           `json:"vehicle_ref"`
	CenterRef      string           `json:"center_ref"`
	AppointmentRef string           `json:"appointment_ref,omitempty"`
	Status         Status           `json:"status"`
	RequiredTests  []TestType       `json:"required_tests"`
	SubResults     []SubResult      `json:"sub_results"`
	Participants   Participants     `json:"participants"`
	Approvals      []ApprovalRecord `json:"approvals,omitempty"`
	RetestCount    int              `json:"retest_count"`
	FinalResult    *FinalResult     `json:"final_result,omitempty"`
	PriorResults   []FinalResult    `json:"prior_results,omitempty"`
	Certificate    *Certificate     `json:"certificate,omitempty"`
	FailureReason  string           `json:"failure_reason,omitempty"`
	CancelReason   string           `json:"cancel_reason,omitempty"`
	CheckedInBy    string           `json:"checked_in_by,omitempty"`
	TestedAt       *time.Time       `json:"tested_at,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	Version        int64            `json:"version"`

	steps []Step
}

// NewTestSession builds a Scheduled session with one Pending sub-result per
// required test.
func NewTestSession(id domain.SessionID, code, vehicleRef, centerRef, appointmentRef string, required []TestType, now time.Time) (*TestSession, error) {
	if vehicleRef == "" || centerRef == "" {
		return nil, dErrors.New(dErrors.CodeValidation, "vehicle_ref and center_ref are required")
	}
	if len(required) == 0 {
		return nil, dErrors.New(dErrors.CodeValidation, "at least one test type is required")
	}
	seen := make(map[TestType]struct{}, len(required))
	subs := make([]SubResult, 0, len(required))
	for _, t := range required {
		if !t.IsValid() {
			return nil, dErrors.Newf(dErrors.CodeValidation, "unknown test type %q", t)
		}
		if _, dup := seen[t]; dup {
			return nil, dErrors.Newf(dErrors.CodeValidation, "test type %q listed twice", t)
		}
		seen[t] = struct{}{}
		subs = append(subs, SubResult{TestType: t, Status: SubResultPending})
	}
	return &TestSession{
		ID:             id,
		Code:           code,
		VehicleRef:     vehicleRef,
		CenterRef:      centerRef,
		AppointmentRef: appointmentRef,
		Status:         StatusScheduled,
		RequiredTests:  slices.Clone(required),
		SubResults:     subs,
		CreatedAt:      now,
		UpdatedAt:      now,
		Version:        1,
	}, nil
}

// SubResult returns the sub-result for t, or nil when t is not required.
// The pointer aliases the session; mutate only working copies.
func (s *TestSession) SubResult(t TestType) *SubResult {
	for i := range s.SubResults {
		if s.SubResults[i].TestType == t {
			return &s.SubResults[i]
		}
	}
	return nil
}

// TransitionTo moves the session to next if the graph allows it and records
// the step for auditing.
func (s *TestSession) TransitionTo(next Status) error {
	if !s.Status.CanTransitionTo(next) {
		return dErrors.NewTransition(string(s.Status), string(next), "transition not allowed")
	}
	s.steps = append(s.steps, Step{From: s.Status, To: next})
	s.Status = next
	return nil
}

// TakeSteps returns and clears the steps recorded since the last call.
func (s *TestSession) TakeSteps() []Step {
	steps := s.steps
	s.steps = nil
	return steps
}

// AllFinal reports whether every required sub-result is Pass or Fail.
// An Inconclusive sub-result blocks review until it is resolved or retried.
func (s *TestSession) AllFinal() bool {
	for _, sr := range s.SubResults {
		if !sr.Status.IsFinal() {
			return false
		}
	}
	return true
}

// Outcome aggregates the sub-results: Pass only if every one passed.
func (s *TestSession) Outcome() SubResultStatus {
	for _, sr := range s.SubResults {
		if sr.Status != SubResultPass {
			return SubResultFail
		}
	}
	return SubResultPass
}

// CanSubmitForReview reports whether the session may move to PendingReview.
func (s *TestSession) CanSubmitForReview() bool {
	return s.Status == StatusInProgress && s.AllFinal()
}

// ApplySubmitForReview fixes the round's final result and moves to
// PendingReview.
func (s *TestSession) ApplySubmitForReview(now time.Time) error {
	if !s.CanSubmitForReview() {
		return dErrors.NewTransition(string(s.Status), string(StatusPendingReview), "all required tests must be pass or fail")
	}
	if s.FinalResult != nil {
		return dErrors.New(dErrors.CodeInvariantViolation, "final result already set for this round")
	}
	if err := s.TransitionTo(StatusPendingReview); err != nil {
		return err
	}
	s.FinalResult = &FinalResult{Status: s.Outcome(), Round: s.RetestCount, DecidedAt: now}
	tested := now
	s.TestedAt = &tested
	return nil
}

// RoundApprovals returns the approvals recorded in the current round.
func (s *TestSession) RoundApprovals() []ApprovalRecord {
	var out []ApprovalRecord
	for _, a := range s.Approvals {
		if a.Round == s.RetestCount {
			out = append(out, a)
		}
	}
	return out
}

// RoundDecision returns the current round's decision for stage, if any.
func (s *TestSession) RoundDecision(stage Stage) *ApprovalRecord {
	for i := len(s.Approvals) - 1; i >= 0; i-- {
		a := s.Approvals[i]
		if a.Round == s.RetestCount && a.Stage == stage {
			return &a
		}
	}
	return nil
}

// ApplyRetest archives the round's final result and resets the given
// sub-results to Pending for another attempt.
func (s *TestSession) ApplyRetest(types []TestType) error {
	if err := s.TransitionTo(StatusInProgress); err != nil {
		return err
	}
	if s.FinalResult != nil {
		s.PriorResults = append(s.PriorResults, *s.FinalResult)
		s.FinalResult = nil
	}
	for _, t := range types {
		sr := s.SubResult(t)
		if sr == nil {
			return dErrors.Newf(dErrors.CodeValidation, "test type %q is not required for this session", t)
		}
		attempts := sr.Attempts
		*sr = SubResult{TestType: t, Status: SubResultPending, Attempts: attempts}
	}
	s.TestedAt = nil
	s.Participants.ReviewedBy = ""
	s.Participants.ApprovedBy = ""
	return nil
}

// FailingTests returns the test types whose sub-result is not Pass.
func (s *TestSession) FailingTests() []TestType {
	var out []TestType
	for _, sr := range s.SubResults {
		if sr.Status != SubResultPass {
			out = append(out, sr.TestType)
		}
	}
	return out
}

// Clone returns a deep copy. Recorded steps are not copied.
func (s *TestSession) Clone() *TestSession {
	if s == nil {
		return nil
	}
	c := *s
	c.steps = nil
	c.RequiredTests = slices.Clone(s.RequiredTests)
	c.SubResults = make([]SubResult, len(s.SubResults))
	for i, sr := range s.SubResults {
		c.SubResults[i] = sr.Clone()
	}
	c.Approvals = make([]ApprovalRecord, len(s.Approvals))
	for i, a := range s.Approvals {
		a.RetestTypes = slices.Clone(a.RetestTypes)
		c.Approvals[i] = a
	}
	if len(s.Approvals) == 0 {
		c.Approvals = nil
	}
	c.PriorResults = slices.Clone(s.PriorResults)
	if s.FinalResult != nil {
		fr := *s.FinalResult
		c.FinalResult = &fr
	}
	if s.Certificate != nil {
		cert := *s.Certificate
		c.Certificate = &cert
	}
	if s.TestedAt != nil {
		t := *s.TestedAt
		c.TestedAt = &t
	}
	return &c
}

// Clone returns a deep copy of the sub-result.
func (sr SubResult) Clone() SubResult {
	c := sr
	if sr.Readings != nil {
		c.Readings = make([]json.RawMessage, len(sr.Readings))
		for i, r := range sr.Readings {
			c.Readings[i] = slices.Clone(r)
		}
	}
	if sr.Normalized != nil {
		c.Normalized = make(map[string]float64, len(sr.Normalized))
		for k, v := range sr.Normalized {
			c.Normalized[k] = v
		}
	}
	c.Notes = slices.Clone(sr.Notes)
	c.Images = slices.Clone(sr.Images)
	if sr.CapturedAt != nil {
		t := *sr.CapturedAt
		c.CapturedAt = &t
	}
	return c
}
