// Package contracts defines the shared vocabulary of the escalation workflow:
// workflow risk flags, escalation lifecycle states, actor roles, and the
// participant-facing inputs (check-ins and supplementary readings).
//
// Flags are policy-driven routing signals for human review. They are not
// clinical assessments.
package contracts

// EscalationState is a lifecycle state of an escalation case.
type EscalationState string

const (
	StateDetected                 EscalationState = "DETECTED"
	StateAlertSent                EscalationState = "ALERT_SENT"
	StateClinicianNotified        EscalationState = "CLINICIAN_NOTIFIED"
	StateAcknowledged             EscalationState = "ACKNOWLEDGED"
	StateResolved                 EscalationState = "RESOLVED"
	StateTimedOut                 EscalationState = "TIMED_OUT"
	StateCrisisInterfaceTriggered EscalationState = "CRISIS_INTERFACE_TRIGGERED"
)

// IsTerminal reports whether no further transition is possible from s.
func (s EscalationState) IsTerminal() bool {
	return s == StateResolved || s == StateCrisisInterfaceTriggered
}

// Role is the role of an actor for access control and audit attribution.
type Role string

const (
	RoleParticipant Role = "PARTICIPANT"
	RoleClinician   Role = "CLINICIAN"
	RoleAdmin       Role = "ADMIN"
	RoleAuditor     Role = "AUDITOR"
	// RoleSystem attributes actions taken by the orchestrator itself.
	// It carries no permissions.
	RoleSystem Role = "SYSTEM"
)

// SystemActorID is the actor identifier recorded for automated transitions.
const SystemActorID = "SYSTEM"
