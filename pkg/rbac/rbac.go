// Package rbac is the static role to permission table consulted before
// role-gated actions.
package rbac

import (
	"errors"
	"fmt"
	"sort"

	"github.com/acuitybridge/core/pkg/contracts"
)

// ErrPermissionDenied is returned by Require when the role lacks the action.
var ErrPermissionDenied = errors.New("rbac: permission denied")

// Action is a gated operation.
type Action string

const (
	ActionSubmitCheckIn         Action = "submit_check_in"
	ActionViewOwnData           Action = "view_own_data"
	ActionViewEscalation        Action = "view_escalation"
	ActionAcknowledgeEscalation Action = "acknowledge_escalation"
	ActionResolveEscalation     Action = "resolve_escalation"
	ActionManagePolicy          Action = "manage_policy"
	ActionExportAudit           Action = "export_audit"
	ActionQueryAudit            Action = "query_audit"
)

var permissions = map[contracts.Role]map[Action]struct{}{
	contracts.RoleParticipant: {
		ActionSubmitCheckIn: {},
		ActionViewOwnData:   {},
	},
	contracts.RoleClinician: {
		ActionViewEscalation:        {},
		ActionAcknowledgeEscalation: {},
		ActionResolveEscalation:     {},
		ActionQueryAudit:            {},
	},
	contracts.RoleAdmin: {
		ActionViewEscalation: {},
		ActionManagePolicy:   {},
		ActionExportAudit:    {},
		ActionQueryAudit:     {},
	},
	contracts.RoleAuditor: {
		ActionViewEscalation: {},
		ActionExportAudit:    {},
		ActionQueryAudit:     {},
	},
}

// Check reports whether role may perform action. Unknown roles and actions
// are denied.
func Check(role contracts.Role, action Action) bool {
	_, ok := permissions[role][action]
	return ok
}

// Require returns ErrPermissionDenied, wrapped with the role and action, when
// Check is false.
func Require(role contracts.Role, action Action) error {
	if !Check(role, action) {
		return fmt.Errorf("%w: role %q may not %s", ErrPermissionDenied, role, action)
	}
	return nil
}

// PermissionsFor lists the actions granted to role, sorted.
func PermissionsFor(role contracts.Role) []Action {
	granted := make([]Action, 0, len(permissions[role]))
	for action := range permissions[role] {
		granted = append(granted, action)
	}
	sort.Slice(granted, func(i, j int) bool { return granted[i] < granted[j] })
	return granted
}
