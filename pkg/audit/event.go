package audit

// EventType is the closed taxonomy of audit events. The string values are
// part of the interchange format and must not change.
type EventType string

const (
	EventSignalEvaluated               EventType = "SIGNAL_EVALUATED"
	EventEscalationOpened              EventType = "ESCALATION_OPENED"
	EventClinicianNotified             EventType = "CLINICIAN_NOTIFIED"
	EventEscalationAcknowledged        EventType = "ESCALATION_ACKNOWLEDGED"
	EventEscalationResolved            EventType = "ESCALATION_RESOLVED"
	EventEscalationTimedOut            EventType = "ESCALATION_TIMED_OUT"
	EventCrisisInterfaceTriggered      EventType = "CRISIS_INTERFACE_TRIGGERED"
	EventAutomatedInteractionSuspended EventType = "AUTOMATED_INTERACTION_SUSPENDED"
	EventAutomatedInteractionResumed   EventType = "AUTOMATED_INTERACTION_RESUMED"
	EventPolicyRegistered              EventType = "POLICY_REGISTERED"
	EventPolicyUpdated                 EventType = "POLICY_UPDATED"
	EventConsentGranted                EventType = "CONSENT_GRANTED"
	EventConsentRevoked                EventType = "CONSENT_REVOKED"
	EventDataAccessed                  EventType = "DATA_ACCESSED"
	EventAuditExported                 EventType = "AUDIT_EXPORTED"
)

// AllEventTypes lists the taxonomy in declaration order.
func AllEventTypes() []EventType {
	return []EventType{
		EventSignalEvaluated,
		EventEscalationOpened,
		EventClinicianNotified,
		EventEscalationAcknowledged,
		EventEscalationResolved,
		EventEscalationTimedOut,
		EventCrisisInterfaceTriggered,
		EventAutomatedInteractionSuspended,
		EventAutomatedInteractionResumed,
		EventPolicyRegistered,
		EventPolicyUpdated,
		EventConsentGranted,
		EventConsentRevoked,
		EventDataAccessed,
		EventAuditExported,
	}
}

// Valid reports whether t belongs to the taxonomy.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes() {
		if t == known {
			return true
		}
	}
	return false
}
