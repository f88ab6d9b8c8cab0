package escalation

import (
	"errors"
	"fmt"
	"time"

	"github.com/acuitybridge/core/pkg/contracts"
)

var (
	ErrInvalidTransition = errors.New("escalation: invalid state transition")
	ErrUnauthorized      = errors.New("escalation: actor is not the assigned clinician")
	ErrTenantMismatch    = errors.New("escalation: organization mismatch")
	ErrMissingNotes      = errors.New("escalation: resolution notes are required")
	ErrGreenFlag         = errors.New("escalation: GREEN flags do not escalate")
	ErrUnknownFlag       = errors.New("escalation: unknown risk flag")
	ErrCaseNotFound      = errors.New("escalation: case not found")
	ErrCaseClosed        = errors.New("escalation: case is closed")
)

// transitions is the complete set of legal state changes. Anything absent
// is rejected; states are never skipped.
var transitions = map[contracts.EscalationState][]contracts.EscalationState{
	contracts.StateDetected:          {contracts.StateAlertSent},
	contracts.StateAlertSent:         {contracts.StateClinicianNotified},
	contracts.StateClinicianNotified: {contracts.StateAcknowledged, contracts.StateTimedOut},
	contracts.StateAcknowledged:      {contracts.StateResolved},
	contracts.StateTimedOut:          {contracts.StateCrisisInterfaceTriggered},
}

// AllowedTransitions returns the states reachable from s in one step.
func AllowedTransitions(s contracts.EscalationState) []contracts.EscalationState {
	return append([]contracts.EscalationState(nil), transitions[s]...)
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to contracts.EscalationState) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

func validateTransition(from, to contracts.EscalationState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: cannot move from %s to %s (allowed: %v)",
			ErrInvalidTransition, from, to, transitions[from])
	}
	return nil
}

// Case is one escalation. The orchestrator owns the live value; callers
// only ever see copies.
type Case struct {
	CaseID                        string                    `json:"case_id"`
	ParticipantID                 string                    `json:"participant_id"`
	OrgID                         string                    `json:"org_id"`
	FlagLevel                     contracts.RiskFlag        `json:"flag_level"`
	TriggeringIndicators          []string                  `json:"triggering_indicators"`
	State                         contracts.EscalationState `json:"state"`
	AssignedClinicianID           string                    `json:"assigned_clinician_id,omitempty"`
	CreatedAt                     time.Time                 `json:"created_at"`
	AlertSentAt                   *time.Time                `json:"alert_sent_at,omitempty"`
	ClinicianNotifiedAt           *time.Time                `json:"clinician_notified_at,omitempty"`
	AcknowledgedAt                *time.Time                `json:"acknowledged_at,omitempty"`
	ResolvedAt                    *time.Time                `json:"resolved_at,omitempty"`
	TimedOutAt                    *time.Time                `json:"timed_out_at,omitempty"`
	CrisisTriggeredAt             *time.Time                `json:"crisis_triggered_at,omitempty"`
	ResolutionNotes               string                    `json:"resolution_notes,omitempty"`
	AutomatedInteractionSuspended bool                      `json:"automated_interaction_suspended"`
}

// Clone returns a deep copy.
func (c Case) Clone() Case {
	out := c
	out.TriggeringIndicators = append([]string(nil), c.TriggeringIndicators...)
	out.AlertSentAt = cloneTime(c.AlertSentAt)
	out.ClinicianNotifiedAt = cloneTime(c.ClinicianNotifiedAt)
	out.AcknowledgedAt = cloneTime(c.AcknowledgedAt)
	out.ResolvedAt = cloneTime(c.ResolvedAt)
	out.TimedOutAt = cloneTime(c.TimedOutAt)
	out.CrisisTriggeredAt = cloneTime(c.CrisisTriggeredAt)
	return out
}

// IsOpen reports whether the case can still change state.
func (c Case) IsOpen() bool {
	return !c.State.IsTerminal()
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
