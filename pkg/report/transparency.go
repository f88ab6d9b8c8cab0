// Package report builds Decision Transparency Reports: decision-support
// summaries of an escalation case for clinician review. A report is not a
// clinical assessment, diagnosis or treatment recommendation.
package report

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/acuitybridge/core/pkg/audit"
	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/escalation"
)

const (
	ReportType = "Decision Transparency Report"
	Disclaimer = "This report is a decision-support summary for clinician review. " +
		"It does not constitute a clinical assessment or diagnosis."
)

// TimelineEvent is one reached lifecycle state.
type TimelineEvent struct {
	State       contracts.EscalationState `json:"state"`
	Timestamp   string                    `json:"timestamp"`
	Description string                    `json:"description"`

	at time.Time
}

// Report is the serialized transparency report.
type Report struct {
	ReportType           string                    `json:"report_type"`
	Disclaimer           string                    `json:"disclaimer"`
	CaseID               string                    `json:"case_id"`
	ParticipantID        string                    `json:"participant_id"`
	OrgID                string                    `json:"org_id"`
	FlagLevel            contracts.RiskFlag        `json:"flag_level"`
	CurrentState         contracts.EscalationState `json:"current_state"`
	TriggeringIndicators []string                  `json:"triggering_indicators"`
	Timeline             []TimelineEvent           `json:"timeline"`
	ReasoningChain       []string                  `json:"reasoning_chain"`
	GeneratedAt          string                    `json:"generated_at"`
}

// Generate builds a report for c. reasons are the evaluator's reasons; when
// empty a single reason naming the flag and its indicators is used.
func Generate(c escalation.Case, reasons []string, generatedAt time.Time) Report {
	reasoning := append([]string(nil), reasons...)
	if len(reasoning) == 0 {
		reasoning = []string{fmt.Sprintf("Flag level %s triggered by indicators: %s",
			c.FlagLevel, strings.Join(c.TriggeringIndicators, ", "))}
	}
	return Report{
		ReportType:           ReportType,
		Disclaimer:           Disclaimer,
		CaseID:               c.CaseID,
		ParticipantID:        c.ParticipantID,
		OrgID:                c.OrgID,
		FlagLevel:            c.FlagLevel,
		CurrentState:         c.State,
		TriggeringIndicators: append([]string{}, c.TriggeringIndicators...),
		Timeline:             Timeline(c),
		ReasoningChain:       reasoning,
		GeneratedAt:          generatedAt.UTC().Format(audit.TimestampLayout),
	}
}

// Timeline lists the states c has reached, oldest first.
func Timeline(c escalation.Case) []TimelineEvent {
	clinician := c.AssignedClinicianID
	if clinician == "" {
		clinician = "unknown"
	}

	var events []TimelineEvent
	add := func(state contracts.EscalationState, at *time.Time, desc string) {
		if at == nil || at.IsZero() {
			return
		}
		events = append(events, TimelineEvent{
			State:       state,
			Timestamp:   at.UTC().Format(audit.TimestampLayout),
			Description: desc,
			at:          *at,
		})
	}

	created := c.CreatedAt
	add(contracts.StateDetected, &created, "Escalation case opened.")
	add(contracts.StateAlertSent, c.AlertSentAt, "Alert sent through notification channels.")
	add(contracts.StateClinicianNotified, c.ClinicianNotifiedAt, fmt.Sprintf("Clinician %s notified.", clinician))
	add(contracts.StateAcknowledged, c.AcknowledgedAt, fmt.Sprintf("Acknowledged by clinician %s.", clinician))
	add(contracts.StateResolved, c.ResolvedAt, "Resolved. Notes: "+c.ResolutionNotes)
	add(contracts.StateTimedOut, c.TimedOutAt, "Clinician acknowledgment SLA exceeded.")
	add(contracts.StateCrisisInterfaceTriggered, c.CrisisTriggeredAt,
		"Crisis resource interface triggered per partner policy. Human oversight expected at receiving end.")

	sort.SliceStable(events, func(i, j int) bool { return events[i].at.Before(events[j].at) })
	if events == nil {
		events = []TimelineEvent{}
	}
	return events
}

// Text renders the report for terminal output.
func (r Report) Text() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n%s\n\n", r.ReportType, r.Disclaimer)
	fmt.Fprintf(&b, "Case:        %s\n", r.CaseID)
	fmt.Fprintf(&b, "Participant: %s\n", r.ParticipantID)
	fmt.Fprintf(&b, "Org:         %s\n", r.OrgID)
	fmt.Fprintf(&b, "Flag:        %s\n", r.FlagLevel)
	fmt.Fprintf(&b, "State:       %s\n", r.CurrentState)
	fmt.Fprintf(&b, "Generated:   %s\n", r.GeneratedAt)

	b.WriteString("\nTimeline:\n")
	for _, e := range r.Timeline {
		fmt.Fprintf(&b, "  %s  %-27s %s\n", e.Timestamp, e.State, e.Description)
	}
	b.WriteString("\nReasoning:\n")
	for _, reason := range r.ReasoningChain {
		fmt.Fprintf(&b, "  - %s\n", reason)
	}
	return b.String()
}
