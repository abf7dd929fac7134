package rbac

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"atsflow/pkg/domain"
)

func TestRoleTable(t *testing.T) {
	tests := []struct {
		role domain.Role
		perm Permission
		want bool
	}{
		{domain.RoleRTOOfficer, PermApproveTests, true},
		{domain.RoleAdditionalCommissioner, PermApproveTests, true},
		{domain.RoleATSOwner, PermReviewTests, true},
		{domain.RoleATSCenterAdmin, PermReviewTests, true},
		{domain.RoleATSCenterTesting, PermConductTests, true},
		{domain.RoleATSCenterAdmin, PermScheduleTests, true},
		{domain.RoleATSCenterAdmin, PermCancelSessions, true},

		{domain.RoleATSOwner, PermApproveTests, false},
		{domain.RoleRTOOfficer, PermReviewTests, false},
		{domain.RoleATSCenterTesting, PermApproveTests, false},
		{domain.RoleTransportCommissioner, PermApproveTests, false},
		{domain.RoleSystem, PermViewSessions, false},

		// inherited from junior roles
		{domain.RoleATSCenterAdmin, PermConductTests, true},
		{domain.RoleATSCenterAdmin, PermUploadTestData, true},
		{domain.RoleATSOwner, PermScheduleTests, true},
		{domain.RoleATSOwner, PermConductTests, true},
		{domain.RoleRTOOfficer, PermCancelSessions, true},
		{domain.RoleRTOOfficer, PermUploadTestData, true},
		{domain.RoleTransportCommissioner, PermConductTests, true},
		{domain.RoleAdditionalCommissioner, PermResolveSubResult, true},

		// sign-offs are never inherited
		{domain.RoleTransportCommissioner, PermIssueCertificate, false},
		{domain.RoleAdditionalCommissioner, PermReviewTests, false},
		{domain.RoleATSCenterTesting, PermScheduleTests, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.perm), func(t *testing.T) {
			assert.Equal(t, tt.want, Has(tt.role, tt.perm))
		})
	}
}

func TestSuperAdminHoldsEverything(t *testing.T) {
	for _, p := range allPermissions {
		assert.True(t, Has(domain.RoleSuperAdmin, p), p)
	}
}

func TestChecker(t *testing.T) {
	c := NewChecker()

	ok, err := c.Allowed(context.Background(), domain.Actor{ID: "u1", Role: domain.RoleRTOOfficer}, PermApproveTests)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Allowed(context.Background(), domain.Actor{}, PermViewSessions)
	require.NoError(t, err)
	assert.False(t, ok, "anonymous actors hold no permissions")
}

func TestInheritanceLeavesJuniorRolesUnchanged(t *testing.T) {
	for role, own := range ownPermissions {
		for p := range rolePermissions[role] {
			if _, direct := own[p]; direct {
				continue
			}
			_, signOff := signOffs[p]
			assert.False(t, signOff, "%s inherited sign-off %s", role, p)
		}
	}
	assert.Len(t, rolePermissions[domain.RoleATSCenterTesting], len(ownPermissions[domain.RoleATSCenterTesting]))
}
