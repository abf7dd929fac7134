package domain

import dErrors "atsflow/pkg/domain-errors"

// Role is the closed set of actor roles known to the platform.
type Role string

const (
	RoleSuperAdmin             Role = "super_admin"
	RoleTransportCommissioner  Role = "transport_commissioner"
	RoleAdditionalCommissioner Role = "additional_commissioner"
	RoleRTOOfficer             Role = "rto_officer"
	RoleATSOwner               Role = "ats_owner"
	RoleATSCenterAdmin         Role = "ats_center_admin"
	RoleATSCenterTesting       Role = "ats_center_testing"

	// RoleSystem is attached to actions taken by the service itself, such as
	// equipment timeouts. It is never accepted from a token.
	RoleSystem Role = "system"
)

var knownRoles = map[Role]struct{}{
	RoleSuperAdmin:             {},
	RoleTransportCommissioner:  {},
	RoleAdditionalCommissioner: {},
	RoleRTOOfficer:             {},
	RoleATSOwner:               {},
	RoleATSCenterAdmin:         {},
	RoleATSCenterTesting:       {},
}

// ParseRole accepts only the user-facing roles.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if _, ok := knownRoles[r]; !ok {
		return "", dErrors.Newf(dErrors.CodeInvalidInput, "unknown role %q", s)
	}
	return r, nil
}

func (r Role) String() string {
	return string(r)
}
