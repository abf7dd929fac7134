package service

import (
	"context"

	"atsflow/internal/ports"
	"atsflow/internal/session/models"
	"atsflow/pkg/domain"
)

// Notify sends event about session to each recipient. Delivery is
// fire-and-forget; it runs after the change is committed.
func (s *Service) Notify(ctx context.Context, session *models.TestSession, t ports.EventType, detail string, recipients ...string) {
	if s.notifier == nil || session == nil {
		return
	}
	event := ports.Event{
		Type:        t,
		SessionID:   session.ID.String(),
		SessionCode: session.Code,
		Status:      string(session.Status),
		Detail:      detail,
		OccurredAt:  session.UpdatedAt,
	}
	for _, r := range recipients {
		s.notifier.Notify(ctx, r, event)
	}
}

// notifySteps tells the people who act next about committed transitions.
func (s *Service) notifySteps(ctx context.Context, session *models.TestSession, steps []models.Step) {
	admins := ports.RoleRecipient(domain.RoleATSCenterAdmin)
	for _, step := range steps {
		switch step.To {
		case models.StatusPendingReview:
			detail := ""
			if session.FinalResult != nil {
				detail = "final result " + string(session.FinalResult.Status)
			}
			s.Notify(ctx, session, ports.EventReviewRequested, detail,
				ports.RoleRecipient(domain.RoleATSOwner), admins)
		case models.StatusInProgress:
			if step.From == models.StatusPendingReview {
				s.Notify(ctx, session, ports.EventRetestScheduled, "",
					ports.RoleRecipient(domain.RoleATSCenterTesting), admins)
			}
		case models.StatusFailed:
			s.Notify(ctx, session, ports.EventSessionFailed, session.FailureReason, admins)
		case models.StatusRejected:
			s.Notify(ctx, session, ports.EventSessionRejected, "", admins)
		case models.StatusCompleted:
			detail := ""
			if session.Certificate != nil {
				detail = session.Certificate.Number
			}
			s.Notify(ctx, session, ports.EventSessionCompleted, detail, admins)
		case models.StatusCancelled:
			s.Notify(ctx, session, ports.EventSessionCancelled, session.CancelReason, admins)
		}
	}
}
