// Package escalation runs the human-in-the-loop lifecycle of an escalation
// case: detection, alerting, clinician notification, acknowledgment and
// resolution, with an SLA breach path into the partner's crisis interface.
//
// Every successful mutation is written to the audit log before the call
// returns. Validation always precedes mutation, so a failed call leaves the
// case exactly as it was.
package escalation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/acuitybridge/core/pkg/audit"
	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/observability"
	"github.com/acuitybridge/core/pkg/policy"
)

// CrisisNote annotates the CRISIS_INTERFACE_TRIGGERED audit entry.
const CrisisNote = "Triggered per partner policy. Requires that partner integration permits. " +
	"Human oversight expected at receiving end. No connection to emergency services is guaranteed."

// DefaultDispatchTimeout bounds a single crisis dispatch.
const DefaultDispatchTimeout = 10 * time.Second

// CrisisDispatcher routes a case that breached its SLA to the partner's
// crisis resources. It runs after the state change has been committed and
// audited; its failure is logged and never rolls the case back.
type CrisisDispatcher interface {
	DispatchCrisis(ctx context.Context, c Case, p policy.PartnerPolicy) error
}

type caseSlot struct {
	mu sync.Mutex
	c  Case
}

// Orchestrator owns escalation cases and the per-participant suspension set.
type Orchestrator struct {
	mu    sync.RWMutex
	cases map[string]*caseSlot

	// suspended maps a participant to the cases currently holding its
	// automated interaction suspended.
	susMu     sync.Mutex
	suspended map[string]map[string]struct{}

	audit           *audit.Log
	clock           func() time.Time
	logger          *slog.Logger
	dispatcher      CrisisDispatcher
	dispatchTimeout time.Duration

	tracer      trace.Tracer
	transitions metric.Int64Counter
}

// NewOrchestrator creates an orchestrator writing to log.
func NewOrchestrator(log *audit.Log) *Orchestrator {
	o := &Orchestrator{
		cases:           make(map[string]*caseSlot),
		suspended:       make(map[string]map[string]struct{}),
		audit:           log,
		clock:           time.Now,
		logger:          slog.Default().With("component", "escalation"),
		dispatchTimeout: DefaultDispatchTimeout,
		tracer:          otel.Tracer("github.com/acuitybridge/core/pkg/escalation"),
	}
	var err error
	o.transitions, err = otel.Meter("github.com/acuitybridge/core/pkg/escalation").Int64Counter(
		"acuity.escalation.transitions",
		metric.WithDescription("Escalation state transitions by target state"))
	if err != nil {
		o.logger.Warn("escalation: transition counter unavailable", "error", err)
	}
	return o
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// WithLogger overrides the structured logger.
func (o *Orchestrator) WithLogger(logger *slog.Logger) *Orchestrator {
	o.logger = logger
	return o
}

// WithTracer overrides the tracer, normally the global one.
func (o *Orchestrator) WithTracer(tracer trace.Tracer) *Orchestrator {
	o.tracer = tracer
	return o
}

// WithDispatcher sets the crisis dispatcher invoked after an SLA breach.
// A non-positive timeout keeps DefaultDispatchTimeout.
func (o *Orchestrator) WithDispatcher(d CrisisDispatcher, timeout time.Duration) *Orchestrator {
	o.dispatcher = d
	if timeout > 0 {
		o.dispatchTimeout = timeout
	}
	return o
}

// OpenCase creates a case in DETECTED and immediately suspends automated
// interaction for the participant.
func (o *Orchestrator) OpenCase(
	ctx context.Context,
	participant contracts.Participant,
	flag contracts.RiskFlag,
	indicators []string,
	p policy.PartnerPolicy,
) (c Case, err error) {
	ctx, span := o.tracer.Start(ctx, "escalation.OpenCase", trace.WithAttributes(
		attribute.String("org_id", p.OrgID),
		attribute.String("flag", string(flag)),
	))
	defer func() { endSpan(ctx, span, err) }()

	switch {
	case flag == contracts.FlagGreen:
		return Case{}, ErrGreenFlag
	case !flag.Valid():
		return Case{}, ErrUnknownFlag
	case participant.OrgID != p.OrgID:
		return Case{}, ErrTenantMismatch
	}

	slot := &caseSlot{c: Case{
		CaseID:               uuid.New().String(),
		ParticipantID:        participant.ParticipantID,
		OrgID:                p.OrgID,
		FlagLevel:            flag,
		TriggeringIndicators: append([]string{}, indicators...),
		State:                contracts.StateDetected,
		CreatedAt:            o.clock().UTC(),
	}}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	o.mu.Lock()
	o.cases[slot.c.CaseID] = slot
	o.mu.Unlock()
	span.SetAttributes(attribute.String("case_id", slot.c.CaseID))

	o.emit(ctx, &slot.c, audit.EventEscalationOpened, contracts.SystemActorID, contracts.RoleSystem, map[string]any{
		"flag_level":     string(flag),
		"indicators":     slot.c.TriggeringIndicators,
		"participant_id": participant.ParticipantID,
	})
	o.recordTransition(ctx, contracts.StateDetected)
	o.suspendLocked(ctx, &slot.c)

	o.logger.InfoContext(ctx, "escalation opened",
		"case_id", slot.c.CaseID, "org_id", slot.c.OrgID, "flag", flag)
	return slot.c.Clone(), nil
}

// SendAlert moves a case from DETECTED to ALERT_SENT.
func (o *Orchestrator) SendAlert(ctx context.Context, caseID string) (Case, error) {
	return o.mutate(ctx, "escalation.SendAlert", caseID, func(ctx context.Context, c *Case) error {
		if err := validateTransition(c.State, contracts.StateAlertSent); err != nil {
			return err
		}
		now := o.now()
		c.State = contracts.StateAlertSent
		c.AlertSentAt = &now
		o.emit(ctx, c, audit.EventEscalationOpened, contracts.SystemActorID, contracts.RoleSystem, map[string]any{
			"new_state": string(contracts.StateAlertSent),
		})
		return nil
	})
}

// NotifyClinician assigns clinicianID and moves the case to
// CLINICIAN_NOTIFIED. The SLA window starts here.
func (o *Orchestrator) NotifyClinician(ctx context.Context, caseID, clinicianID string) (Case, error) {
	return o.mutate(ctx, "escalation.NotifyClinician", caseID, func(ctx context.Context, c *Case) error {
		if err := validateTransition(c.State, contracts.StateClinicianNotified); err != nil {
			return err
		}
		if strings.TrimSpace(clinicianID) == "" {
			return ErrUnauthorized
		}
		now := o.now()
		c.State = contracts.StateClinicianNotified
		c.AssignedClinicianID = clinicianID
		c.ClinicianNotifiedAt = &now
		o.emit(ctx, c, audit.EventClinicianNotified, contracts.SystemActorID, contracts.RoleSystem, map[string]any{
			"clinician_id": clinicianID,
			"new_state":    string(contracts.StateClinicianNotified),
		})
		return nil
	})
}

// Acknowledge is the human gate. Only the assigned clinician may
// acknowledge, and only once.
func (o *Orchestrator) Acknowledge(ctx context.Context, caseID, clinicianID string) (Case, error) {
	return o.mutate(ctx, "escalation.Acknowledge", caseID, func(ctx context.Context, c *Case) error {
		if err := validateTransition(c.State, contracts.StateAcknowledged); err != nil {
			return err
		}
		if c.AssignedClinicianID != clinicianID {
			return ErrUnauthorized
		}
		now := o.now()
		c.State = contracts.StateAcknowledged
		c.AcknowledgedAt = &now
		o.emit(ctx, c, audit.EventEscalationAcknowledged, clinicianID, contracts.RoleClinician, map[string]any{
			"new_state": string(contracts.StateAcknowledged),
		})
		return nil
	})
}

// Resolve closes an acknowledged case. Notes are mandatory. Automated
// interaction resumes unless another case still holds the participant.
func (o *Orchestrator) Resolve(ctx context.Context, caseID, clinicianID, notes string) (Case, error) {
	return o.mutate(ctx, "escalation.Resolve", caseID, func(ctx context.Context, c *Case) error {
		if err := validateTransition(c.State, contracts.StateResolved); err != nil {
			return err
		}
		if c.AssignedClinicianID != clinicianID {
			return ErrUnauthorized
		}
		if strings.TrimSpace(notes) == "" {
			return ErrMissingNotes
		}
		now := o.now()
		c.State = contracts.StateResolved
		c.ResolvedAt = &now
		c.ResolutionNotes = notes
		c.AutomatedInteractionSuspended = false

		metadata := map[string]any{
			"new_state":        string(contracts.StateResolved),
			"resolution_notes": notes,
		}
		if holders := o.release(c.ParticipantID, c.CaseID); holders == 0 {
			o.emit(ctx, c, audit.EventAutomatedInteractionResumed, contracts.SystemActorID, contracts.RoleSystem, map[string]any{
				"participant_id": c.ParticipantID,
			})
		} else {
			o.logger.WarnContext(ctx, "escalation: suspension retained by other open cases",
				"case_id", c.CaseID, "participant_id", c.ParticipantID, "holders", holders)
			metadata["suspension_retained"] = true
		}
		o.emit(ctx, c, audit.EventEscalationResolved, clinicianID, contracts.RoleClinician, metadata)
		return nil
	})
}

// CheckSLATimeout is polled for notified cases. When the acknowledgment
// window has elapsed the case times out and is immediately routed to the
// crisis interface, each step audited. Otherwise it is a no-op.
func (o *Orchestrator) CheckSLATimeout(ctx context.Context, caseID string, p policy.PartnerPolicy) (Case, error) {
	triggered := false
	c, err := o.mutate(ctx, "escalation.CheckSLATimeout", caseID, func(ctx context.Context, c *Case) error {
		if c.OrgID != p.OrgID {
			return ErrTenantMismatch
		}
		if c.State != contracts.StateClinicianNotified || c.ClinicianNotifiedAt == nil {
			return nil
		}
		now := o.now()
		elapsed := now.Sub(*c.ClinicianNotifiedAt)
		if elapsed <= p.SLA() {
			return nil
		}

		c.State = contracts.StateTimedOut
		c.TimedOutAt = &now
		o.emit(ctx, c, audit.EventEscalationTimedOut, contracts.SystemActorID, contracts.RoleSystem, map[string]any{
			"sla_seconds":     p.ClinicianAckSLASeconds,
			"elapsed_seconds": elapsed.Seconds(),
			"new_state":       string(contracts.StateTimedOut),
		})
		o.recordTransition(ctx, contracts.StateTimedOut)

		crisisAt := o.now()
		c.State = contracts.StateCrisisInterfaceTriggered
		c.CrisisTriggeredAt = &crisisAt
		o.emit(ctx, c, audit.EventCrisisInterfaceTriggered, contracts.SystemActorID, contracts.RoleSystem, map[string]any{
			"new_state":      string(contracts.StateCrisisInterfaceTriggered),
			"note":           CrisisNote,
			"crisis_targets": p.CrisisTargetNames(),
		})
		triggered = true

		o.logger.WarnContext(ctx, "escalation: acknowledgment SLA breached",
			"case_id", c.CaseID, "org_id", c.OrgID, "sla_seconds", p.ClinicianAckSLASeconds,
			"elapsed_seconds", elapsed.Seconds())
		return nil
	})
	if err != nil || !triggered {
		return c, err
	}
	o.dispatch(ctx, c, p)
	return c, nil
}

// SuspendAutomatedInteraction blocks automated content for the case's
// participant until the case is resolved or interaction is resumed. Closed
// cases cannot take the suspension.
func (o *Orchestrator) SuspendAutomatedInteraction(ctx context.Context, caseID string) (Case, error) {
	return o.mutate(ctx, "escalation.SuspendAutomatedInteraction", caseID, func(ctx context.Context, c *Case) error {
		if c.State.IsTerminal() {
			return fmt.Errorf("%w: %s is %s", ErrCaseClosed, c.CaseID, c.State)
		}
		o.suspendLocked(ctx, c)
		return nil
	})
}

// ResumeAutomatedInteraction clears the participant's suspension
// unconditionally, whichever cases held it, and clears the flag on each of
// those cases.
func (o *Orchestrator) ResumeAutomatedInteraction(ctx context.Context, caseID string) (Case, error) {
	var siblings []string
	c, err := o.mutate(ctx, "escalation.ResumeAutomatedInteraction", caseID, func(ctx context.Context, c *Case) error {
		o.susMu.Lock()
		for id := range o.suspended[c.ParticipantID] {
			if id != c.CaseID {
				siblings = append(siblings, id)
			}
		}
		delete(o.suspended, c.ParticipantID)
		o.susMu.Unlock()

		c.AutomatedInteractionSuspended = false
		o.emit(ctx, c, audit.EventAutomatedInteractionResumed, contracts.SystemActorID, contracts.RoleSystem, map[string]any{
			"participant_id": c.ParticipantID,
		})
		return nil
	})
	if err != nil {
		return c, err
	}
	// Sibling locks are taken one at a time after ours is released.
	for _, id := range siblings {
		o.clearSuspendedFlag(id)
	}
	return c, nil
}

// clearSuspendedFlag drops the suspended flag on caseID unless the case has
// become a holder again since the resume.
func (o *Orchestrator) clearSuspendedFlag(caseID string) {
	slot, ok := o.slot(caseID)
	if !ok {
		return
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	o.susMu.Lock()
	_, held := o.suspended[slot.c.ParticipantID][slot.c.CaseID]
	o.susMu.Unlock()
	if !held {
		slot.c.AutomatedInteractionSuspended = false
	}
}

// IsInteractionSuspended reports whether any case currently suspends
// automated interaction for participantID.
func (o *Orchestrator) IsInteractionSuspended(participantID string) bool {
	o.susMu.Lock()
	defer o.susMu.Unlock()
	return len(o.suspended[participantID]) > 0
}

// Get returns a copy of the case.
func (o *Orchestrator) Get(caseID string) (Case, error) {
	slot, ok := o.slot(caseID)
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.c.Clone(), nil
}

// OpenCases returns copies of every non-terminal case, oldest first.
func (o *Orchestrator) OpenCases() []Case {
	o.mu.RLock()
	slots := make([]*caseSlot, 0, len(o.cases))
	for _, s := range o.cases {
		slots = append(slots, s)
	}
	o.mu.RUnlock()

	out := make([]Case, 0, len(slots))
	for _, s := range slots {
		s.mu.Lock()
		if s.c.IsOpen() {
			out = append(out, s.c.Clone())
		}
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].CaseID < out[j].CaseID
	})
	return out
}

func (o *Orchestrator) slot(caseID string) (*caseSlot, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.cases[caseID]
	return s, ok
}

// mutate runs fn with the case locked and returns a copy of the result.
// fn must validate before changing anything.
func (o *Orchestrator) mutate(ctx context.Context, op, caseID string, fn func(context.Context, *Case) error) (c Case, err error) {
	ctx, span := o.tracer.Start(ctx, op, trace.WithAttributes(attribute.String("case_id", caseID)))
	defer func() { endSpan(ctx, span, err) }()

	slot, ok := o.slot(caseID)
	if !ok {
		return Case{}, ErrCaseNotFound
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	before := slot.c.State
	if err := fn(ctx, &slot.c); err != nil {
		o.logger.DebugContext(ctx, "escalation: operation rejected",
			"op", op, "case_id", caseID, "state", before, "error", err)
		return slot.c.Clone(), err
	}
	if slot.c.State != before {
		o.recordTransition(ctx, slot.c.State)
	}
	span.SetAttributes(observability.CaseOperation(slot.c.OrgID, slot.c.CaseID,
		string(slot.c.FlagLevel), string(slot.c.State))...)
	return slot.c.Clone(), nil
}

// suspendLocked adds c as a holder of its participant's suspension. The
// caller holds the case lock.
func (o *Orchestrator) suspendLocked(ctx context.Context, c *Case) {
	o.susMu.Lock()
	holders, ok := o.suspended[c.ParticipantID]
	if !ok {
		holders = make(map[string]struct{})
		o.suspended[c.ParticipantID] = holders
	}
	holders[c.CaseID] = struct{}{}
	o.susMu.Unlock()

	c.AutomatedInteractionSuspended = true
	o.emit(ctx, c, audit.EventAutomatedInteractionSuspended, contracts.SystemActorID, contracts.RoleSystem, map[string]any{
		"participant_id": c.ParticipantID,
	})
}

// release drops caseID as a holder and returns how many holders remain.
func (o *Orchestrator) release(participantID, caseID string) int {
	o.susMu.Lock()
	defer o.susMu.Unlock()
	holders := o.suspended[participantID]
	delete(holders, caseID)
	if len(holders) == 0 {
		delete(o.suspended, participantID)
		return 0
	}
	return len(holders)
}

func (o *Orchestrator) dispatch(ctx context.Context, c Case, p policy.PartnerPolicy) {
	if o.dispatcher == nil {
		return
	}
	ctx, span := o.tracer.Start(ctx, "escalation.DispatchCrisis", trace.WithAttributes(
		attribute.String("case_id", c.CaseID),
	))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, o.dispatchTimeout)
	defer cancel()
	if err := o.dispatcher.DispatchCrisis(ctx, c, p); err != nil {
		observability.SetSpanStatus(ctx, err)
		o.logger.ErrorContext(ctx, "escalation: crisis dispatch failed",
			"case_id", c.CaseID, "org_id", c.OrgID, "error", err)
	}
}

func (o *Orchestrator) emit(ctx context.Context, c *Case, event audit.EventType, actorID string, role contracts.Role, metadata map[string]any) {
	o.audit.AppendContext(ctx, audit.Entry{
		OrgID:        c.OrgID,
		ActorID:      actorID,
		ActorRole:    string(role),
		EventType:    event,
		TargetEntity: c.CaseID,
		Metadata:     metadata,
	})
}

func (o *Orchestrator) recordTransition(ctx context.Context, to contracts.EscalationState) {
	if o.transitions != nil {
		o.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", string(to))))
	}
}

func (o *Orchestrator) now() time.Time {
	return o.clock().UTC()
}

func endSpan(ctx context.Context, span trace.Span, err error) {
	observability.SetSpanStatus(ctx, err)
	span.End()
}
