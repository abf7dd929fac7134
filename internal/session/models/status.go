package models

// Status is the lifecycle state of a test session.
type Status string

const (
	StatusScheduled     Status = "scheduled"
	StatusCheckedIn     Status = "checked_in"
	StatusInProgress    Status = "in_progress"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusRejected      Status = "rejected"
	StatusCompleted     Status = "completed"
	StatusFailed        Status = "failed"
	StatusCancelled     Status = "cancelled"
)

// transitions is the complete legal graph. Cancelled is reachable from every
// non-terminal state and is added by CanTransitionTo.
var transitions = map[Status][]Status{
	StatusScheduled:     {StatusCheckedIn},
	StatusCheckedIn:     {StatusInProgress},
	StatusInProgress:    {StatusPendingReview, StatusFailed},
	StatusPendingReview: {StatusApproved, StatusInProgress, StatusFailed, StatusRejected},
	StatusApproved:      {StatusCompleted},
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusScheduled, StatusCheckedIn, StatusInProgress, StatusPendingReview,
		StatusApproved, StatusRejected, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// AcceptsReadings reports whether equipment readings may be committed.
func (s Status) AcceptsReadings() bool {
	return s == StatusCheckedIn || s == StatusInProgress
}

// CanTransitionTo reports whether next is a legal successor of s.
func (s Status) CanTransitionTo(next Status) bool {
	if s.IsTerminal() {
		return false
	}
	if next == StatusCancelled {
		return true
	}
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s Status) String() string {
	return string(s)
}
