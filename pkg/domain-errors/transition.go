package domainerrors

import "fmt"

// TransitionError reports an operation that is illegal for the current
// session state. Callers can read Current and Attempted to decide what to do.
type TransitionError struct {
	Current   string
	Attempted string
	Reason    string
}

func (e *TransitionError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot move from %s to %s: %s", e.Current, e.Attempted, e.Reason)
	}
	return fmt.Sprintf("cannot move from %s to %s", e.Current, e.Attempted)
}

// NewTransition builds an invalid_transition error that also exposes the
// states involved through errors.As on *TransitionError.
func NewTransition(current, attempted, reason string) error {
	te := &TransitionError{Current: current, Attempted: attempted, Reason: reason}
	return &Error{Code: CodeInvalidTransition, Message: te.Error(), Err: te}
}

// ApprovalConflictError reports an approval decision that is out of order,
// not permitted for the actor, or inconsistent with the session's result.
type ApprovalConflictError struct {
	Current string
	Stage   string
	Reason  string
}

func (e *ApprovalConflictError) Error() string {
	return fmt.Sprintf("%s decision rejected in state %s: %s", e.Stage, e.Current, e.Reason)
}

// NewApprovalConflict builds an approval_conflict error exposing the session
// state through errors.As on *ApprovalConflictError.
func NewApprovalConflict(current, stage, reason string) error {
	ae := &ApprovalConflictError{Current: current, Stage: stage, Reason: reason}
	return &Error{Code: CodeApprovalConflict, Message: ae.Error(), Err: ae}
}
