// Package ports defines the external collaborators the orchestrator depends
// on. Each has an in-process implementation for tests and single-node runs
// and a networked one for production.
package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"time"

	"atsflow/internal/rbac"
	"atsflow/pkg/domain"
)

// AppointmentStatus is the booking state reported by the appointment system.
type AppointmentStatus string

const (
	AppointmentConfirmed AppointmentStatus = "confirmed"
	AppointmentPending   AppointmentStatus = "pending"
	AppointmentCancelled AppointmentStatus = "cancelled"
	AppointmentNotFound  AppointmentStatus = "not_found"
)

// AppointmentLookup reports whether a vehicle has a booking at a centre.
type AppointmentLookup interface {
	Status(ctx context.Context, vehicleRef, centerRef string) (AppointmentStatus, error)
}

// PermissionChecker answers whether an actor may exercise a permission.
type PermissionChecker interface {
	Allowed(ctx context.Context, actor domain.Actor, perm rbac.Permission) (bool, error)
}

// BlobStore keeps binary artifacts (reading images, certificate documents)
// and returns a stable URL for each.
type BlobStore interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, url string) ([]byte, error)
}

// EventType names a notification.
type EventType string

const (
	EventReviewRequested   EventType = "review_requested"
	EventApprovalRequested EventType = "approval_requested"
	EventRetestScheduled   EventType = "retest_scheduled"
	EventSessionCompleted  EventType = "session_completed"
	EventSessionFailed     EventType = "session_failed"
	EventSessionRejected   EventType = "session_rejected"
	EventSessionCancelled  EventType = "session_cancelled"
	EventEquipmentTimeout  EventType = "equipment_timeout"
	EventIssuanceFailed    EventType = "certificate_issuance_failed"
)

// Event is the payload of a notification.
type Event struct {
	Type        EventType `json:"type"`
	SessionID   string    `json:"session_id"`
	SessionCode string    `json:"session_code"`
	Status      string    `json:"status"`
	Detail      string    `json:"detail,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Notifier delivers events to a recipient (a user ID or "role:<role>").
// Delivery is fire-and-forget; failures never affect the caller.
type Notifier interface {
	Notify(ctx context.Context, recipient string, event Event)
}

// RoleRecipient addresses everyone holding role.
func RoleRecipient(role domain.Role) string {
	return "role:" + string(role)
}
