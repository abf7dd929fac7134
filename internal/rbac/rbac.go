// Package rbac maps roles to the permissions that gate session operations.
package rbac

import (
	"context"
	"maps"

	"atsflow/pkg/domain"
)

// Permission is a capability checked before a role-gated operation.
type Permission string

const (
	PermScheduleTests    Permission = "schedule_tests"
	PermConductTests     Permission = "conduct_tests"
	PermUploadTestData   Permission = "upload_test_data"
	PermResolveSubResult Permission = "resolve_sub_results"
	PermCancelSessions   Permission = "cancel_sessions"
	PermReviewTests      Permission = "review_tests"
	PermApproveTests     Permission = "approve_tests"
	PermIssueCertificate Permission = "issue_certificates"
	PermViewSessions     Permission = "view_sessions"
	PermViewAuditLogs    Permission = "view_audit_logs"
)

var allPermissions = []Permission{
	PermScheduleTests,
	PermConductTests,
	PermUploadTestData,
	PermResolveSubResult,
	PermCancelSessions,
	PermReviewTests,
	PermApproveTests,
	PermIssueCertificate,
	PermViewSessions,
	PermViewAuditLogs,
}

func set(perms ...Permission) map[Permission]struct{} {
	out := make(map[Permission]struct{}, len(perms))
	for _, p := range perms {
		out[p] = struct{}{}
	}
	return out
}

// ownPermissions are granted to a role directly. Reviewing belongs to the
// centre side (owner, admin); approving belongs to the transport department.
var ownPermissions = map[domain.Role]map[Permission]struct{}{
	domain.RoleSuperAdmin: set(allPermissions...),
	domain.RoleTransportCommissioner: set(
		PermViewSessions, PermViewAuditLogs,
	),
	domain.RoleAdditionalCommissioner: set(
		PermApproveTests, PermIssueCertificate, PermViewSessions, PermViewAuditLogs,
	),
	domain.RoleRTOOfficer: set(
		PermApproveTests, PermIssueCertificate, PermViewSessions, PermViewAuditLogs,
	),
	domain.RoleATSOwner: set(
		PermReviewTests, PermViewSessions, PermViewAuditLogs,
	),
	domain.RoleATSCenterAdmin: set(
		PermScheduleTests, PermCancelSessions, PermResolveSubResult,
		PermReviewTests, PermViewSessions, PermViewAuditLogs,
	),
	domain.RoleATSCenterTesting: set(
		PermConductTests, PermUploadTestData, PermViewSessions,
	),
}

// inheritsFrom lists the junior roles whose permissions a role also holds.
var inheritsFrom = map[domain.Role][]domain.Role{
	domain.RoleTransportCommissioner: {
		domain.RoleAdditionalCommissioner, domain.RoleRTOOfficer, domain.RoleATSOwner,
		domain.RoleATSCenterAdmin, domain.RoleATSCenterTesting,
	},
	domain.RoleAdditionalCommissioner: {
		domain.RoleRTOOfficer, domain.RoleATSOwner, domain.RoleATSCenterAdmin, domain.RoleATSCenterTesting,
	},
	domain.RoleRTOOfficer:     {domain.RoleATSCenterAdmin, domain.RoleATSCenterTesting},
	domain.RoleATSOwner:       {domain.RoleATSCenterAdmin, domain.RoleATSCenterTesting},
	domain.RoleATSCenterAdmin: {domain.RoleATSCenterTesting},
}

// signOffs stay with the roles granted them directly, so a reviewer's role
// never becomes an approver's by inheritance and the reverse.
var signOffs = set(PermReviewTests, PermApproveTests, PermIssueCertificate)

// rolePermissions is the resolved role table.
var rolePermissions = resolve(ownPermissions, inheritsFrom)

func resolve(own map[domain.Role]map[Permission]struct{}, juniors map[domain.Role][]domain.Role) map[domain.Role]map[Permission]struct{} {
	out := make(map[domain.Role]map[Permission]struct{}, len(own))
	for role, perms := range own {
		resolved := maps.Clone(perms)
		for _, junior := range juniors[role] {
			for p := range own[junior] {
				if _, ok := signOffs[p]; !ok {
					resolved[p] = struct{}{}
				}
			}
		}
		out[role] = resolved
	}
	return out
}

// Has reports whether role grants perm. Unknown roles grant nothing.
func Has(role domain.Role, perm Permission) bool {
	_, ok := rolePermissions[role][perm]
	return ok
}

// Checker answers permission questions from the static role table.
type Checker struct{}

func NewChecker() *Checker {
	return &Checker{}
}

// Allowed reports whether actor may exercise perm.
func (c *Checker) Allowed(_ context.Context, actor domain.Actor, perm Permission) (bool, error) {
	if actor.IsZero() {
		return false, nil
	}
	return Has(actor.Role, perm), nil
}
