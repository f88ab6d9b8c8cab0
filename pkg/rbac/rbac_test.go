package rbac

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/acuitybridge/core/pkg/contracts"
)

func TestCheck_Table(t *testing.T) {
	tests := []struct {
		role    contracts.Role
		action  Action
		allowed bool
	}{
		{contracts.RoleParticipant, ActionSubmitCheckIn, true},
		{contracts.RoleParticipant, ActionViewOwnData, true},
		{contracts.RoleParticipant, ActionViewEscalation, false},
		{contracts.RoleParticipant, ActionExportAudit, false},
		{contracts.RoleClinician, ActionAcknowledgeEscalation, true},
		{contracts.RoleClinician, ActionResolveEscalation, true},
		{contracts.RoleClinician, ActionQueryAudit, true},
		{contracts.RoleClinician, ActionExportAudit, false},
		{contracts.RoleClinician, ActionManagePolicy, false},
		{contracts.RoleAdmin, ActionManagePolicy, true},
		{contracts.RoleAdmin, ActionExportAudit, true},
		{contracts.RoleAdmin, ActionAcknowledgeEscalation, false},
		{contracts.RoleAuditor, ActionExportAudit, true},
		{contracts.RoleAuditor, ActionViewEscalation, true},
		{contracts.RoleAuditor, ActionResolveEscalation, false},
		{contracts.RoleSystem, ActionExportAudit, false},
		{contracts.Role("JANITOR"), ActionViewOwnData, false},
		{contracts.RoleAdmin, Action("delete_everything"), false},
	}
	for _, tt := range tests {
		t.Run(string(tt.role)+"/"+string(tt.action), func(t *testing.T) {
			assert.Equal(t, tt.allowed, Check(tt.role, tt.action))
		})
	}
}

func TestRequire(t *testing.T) {
	require.NoError(t, Require(contracts.RoleAuditor, ActionExportAudit))

	err := Require(contracts.RoleParticipant, ActionExportAudit)
	require.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, err.Error(), "PARTICIPANT")
}

func TestPermissionsFor(t *testing.T) {
	assert.Equal(t, []Action{ActionSubmitCheckIn, ActionViewOwnData}, PermissionsFor(contracts.RoleParticipant))
	assert.Equal(t,
		[]Action{ActionExportAudit, ActionManagePolicy, ActionQueryAudit, ActionViewEscalation},
		PermissionsFor(contracts.RoleAdmin))
	assert.Empty(t, PermissionsFor(contracts.Role("UNKNOWN")))
}
