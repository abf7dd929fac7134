package httptransport

import (
	"encoding/json"
	"strings"
	"time"

	"atsflow/internal/approval"
	"atsflow/internal/session/models"
	dErrors "atsflow/pkg/domain-errors"
)

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	VehicleRef     string   `json:"vehicle_ref"`
	CenterRef      string   `json:"center_ref"`
	AppointmentRef string   `json:"appointment_ref"`
	RequiredTests  []string `json:"required_tests"`

	parsedTests []models.TestType
}

func (r *CreateSessionRequest) Validate() error {
	r.VehicleRef = strings.TrimSpace(r.VehicleRef)
	r.CenterRef = strings.TrimSpace(r.CenterRef)
	r.AppointmentRef = strings.TrimSpace(r.AppointmentRef)
	if r.VehicleRef == "" {
		return dErrors.New(dErrors.CodeValidation, "vehicle_ref is required")
	}
	if r.CenterRef == "" {
		return dErrors.New(dErrors.CodeValidation, "center_ref is required")
	}
	if len(r.VehicleRef) > 32 || len(r.CenterRef) > 64 || len(r.AppointmentRef) > 64 {
		return dErrors.New(dErrors.CodeValidation, "reference too long")
	}
	r.parsedTests = make([]models.TestType, 0, len(r.RequiredTests))
	for _, raw := range r.RequiredTests {
		t, err := models.ParseTestType(raw)
		if err != nil {
			return err
		}
		r.parsedTests = append(r.parsedTests, t)
	}
	return nil
}

// ReadingRequest is the body of an equipment or operator reading.
type ReadingRequest struct {
	SessionID string          `json:"session_id"`
	TestType  string          `json:"test_type"`
	Timestamp time.Time       `json:"timestamp"`
	Readings  json.RawMessage `json:"readings"`
	Final     bool            `json:"final"`
	FaultCode string          `json:"fault_code"`
	Images    []string        `json:"images"`
	Operator  string          `json:"operator"`
}

// Validate checks only the transport envelope; the gateway validates the
// message itself.
func (r *ReadingRequest) Validate() error {
	if len(r.Images) > 8 {
		return dErrors.New(dErrors.CodeValidation, "at most 8 images per reading")
	}
	return nil
}

// ResolveRequest is the body of POST .../tests/{testType}/resolve.
type ResolveRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`

	parsedStatus models.SubResultStatus
}

func (r *ResolveRequest) Validate() error {
	r.parsedStatus = models.SubResultStatus(strings.TrimSpace(r.Status))
	if !r.parsedStatus.IsFinal() {
		return dErrors.New(dErrors.CodeValidation, "status must be pass or fail")
	}
	r.Note = strings.TrimSpace(r.Note)
	if r.Note == "" {
		return dErrors.New(dErrors.CodeValidation, "note is required")
	}
	return nil
}

// ApprovalRequest is the body of POST /sessions/{id}/approvals.
type ApprovalRequest struct {
	Decision    string   `json:"decision"`
	Reason      string   `json:"reason"`
	RetestTypes []string `json:"retest_types"`
	Remark      string   `json:"remark"`

	parsed approval.DecisionRequest
}

func (r *ApprovalRequest) Validate() error {
	decision := models.Decision(strings.TrimSpace(r.Decision))
	if decision != models.DecisionApprove && decision != models.DecisionReject {
		return dErrors.New(dErrors.CodeValidation, "decision must be approve or reject")
	}
	if len(r.Remark) > 1000 {
		return dErrors.New(dErrors.CodeValidation, "remark must be at most 1000 characters")
	}
	types := make([]models.TestType, 0, len(r.RetestTypes))
	for _, raw := range r.RetestTypes {
		t, err := models.ParseTestType(raw)
		if err != nil {
			return err
		}
		types = append(types, t)
	}
	r.parsed = approval.DecisionRequest{
		Decision:    decision,
		Reason:      models.RejectReason(strings.TrimSpace(r.Reason)),
		RetestTypes: types,
		Remark:      strings.TrimSpace(r.Remark),
	}
	return nil
}

// CancelRequest is the body of POST /sessions/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason"`
}

func (r *CancelRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	if r.Reason == "" {
		return dErrors.New(dErrors.CodeValidation, "reason is required")
	}
	if len(r.Reason) > 500 {
		return dErrors.New(dErrors.CodeValidation, "reason must be at most 500 characters")
	}
	return nil
}
