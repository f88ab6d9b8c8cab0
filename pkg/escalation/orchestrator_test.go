package escalation_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/acuitybridge/core/pkg/audit"
	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/escalation"
	"github.com/acuitybridge/core/pkg/policy"
	"github.com/acuitybridge/core/pkg/signals"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fixture struct {
	log   *audit.Log
	orch  *escalation.Orchestrator
	clock *fakeClock
	pol   policy.PartnerPolicy
	part  contracts.Participant
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := newFakeClock()
	log := audit.New(audit.WithClock(clock.Now))
	pol := policy.New("org-a", "Clinic A")
	pol.ClinicianAckSLASeconds = 300
	pol.EscalationKeywordOverrides = []string{"relapse"}
	pol.CrisisResourceTargets = []contracts.CrisisResourceTarget{
		{TargetID: "t-1", Name: "Regional Crisis Line", TargetType: contracts.TargetPhone, Endpoint: "+1-555-0100", RequiresBAA: true},
	}
	return &fixture{
		log:   log,
		orch:  escalation.NewOrchestrator(log).WithClock(clock.Now),
		clock: clock,
		pol:   pol,
		part:  contracts.Participant{ParticipantID: "p-1", OrgID: "org-a", Active: true},
	}
}

// notified opens a case and drives it to CLINICIAN_NOTIFIED for clinician.
func (f *fixture) notified(t *testing.T, clinician string) escalation.Case {
	t.Helper()
	ctx := context.Background()
	c, err := f.orch.OpenCase(ctx, f.part, contracts.FlagOrange, []string{"distress 7.0"}, f.pol)
	require.NoError(t, err)
	_, err = f.orch.SendAlert(ctx, c.CaseID)
	require.NoError(t, err)
	c, err = f.orch.NotifyClinician(ctx, c.CaseID, clinician)
	require.NoError(t, err)
	return c
}

func eventTypes(entries []audit.Entry) []audit.EventType {
	out := make([]audit.EventType, len(entries))
	for i, e := range entries {
		out[i] = e.EventType
	}
	return out
}

func TestOpenCase_SuspendsAndAudits(t *testing.T) {
	f := newFixture(t)
	c, err := f.orch.OpenCase(context.Background(), f.part, contracts.FlagYellow, []string{"low mood"}, f.pol)
	require.NoError(t, err)

	assert.NotEmpty(t, c.CaseID)
	assert.Equal(t, contracts.StateDetected, c.State)
	assert.Equal(t, "org-a", c.OrgID)
	assert.True(t, c.AutomatedInteractionSuspended)
	assert.Equal(t, f.clock.Now(), c.CreatedAt)
	assert.True(t, f.orch.IsInteractionSuspended("p-1"))

	entries := f.log.Query("org-a", audit.QueryFilter{})
	require.Len(t, entries, 2)
	assert.Equal(t, []audit.EventType{audit.EventEscalationOpened, audit.EventAutomatedInteractionSuspended}, eventTypes(entries))
	assert.Equal(t, "YELLOW", entries[0].Metadata["flag_level"])
	assert.Equal(t, []any{"low mood"}, entries[0].Metadata["indicators"])
	assert.Equal(t, c.CaseID, entries[0].TargetEntity)
	assert.Equal(t, "SYSTEM", entries[0].ActorRole)
}

func TestOpenCase_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.orch.OpenCase(ctx, f.part, contracts.FlagGreen, nil, f.pol)
	assert.ErrorIs(t, err, escalation.ErrGreenFlag)

	_, err = f.orch.OpenCase(ctx, f.part, contracts.RiskFlag("PURPLE"), nil, f.pol)
	assert.ErrorIs(t, err, escalation.ErrUnknownFlag)

	other := contracts.Participant{ParticipantID: "p-9", OrgID: "org-b"}
	_, err = f.orch.OpenCase(ctx, other, contracts.FlagRed, nil, f.pol)
	assert.ErrorIs(t, err, escalation.ErrTenantMismatch)

	assert.Equal(t, 0, f.log.Len())
	assert.Empty(t, f.orch.OpenCases())
	assert.False(t, f.orch.IsInteractionSuspended("p-1"))
}

func TestHappyPath_ResolveResumesInteraction(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.notified(t, "dr_x")
	assert.Equal(t, "dr_x", c.AssignedClinicianID)
	require.NotNil(t, c.ClinicianNotifiedAt)

	f.clock.Advance(time.Minute)
	c, err := f.orch.Acknowledge(ctx, c.CaseID, "dr_x")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateAcknowledged, c.State)

	c, err = f.orch.Resolve(ctx, c.CaseID, "dr_x", "Reached participant by phone; safety plan reviewed.")
	require.NoError(t, err)
	assert.Equal(t, contracts.StateResolved, c.State)
	assert.NotNil(t, c.ResolvedAt)
	assert.False(t, c.AutomatedInteractionSuspended)
	assert.False(t, f.orch.IsInteractionSuspended("p-1"))
	assert.Empty(t, f.orch.OpenCases())

	assert.Equal(t, []audit.EventType{
		audit.EventEscalationOpened,
		audit.EventAutomatedInteractionSuspended,
		audit.EventEscalationOpened,
		audit.EventClinicianNotified,
		audit.EventEscalationAcknowledged,
		audit.EventAutomatedInteractionResumed,
		audit.EventEscalationResolved,
	}, eventTypes(f.log.Query("org-a", audit.QueryFilter{})))

	resolved := f.log.Query("org-a", audit.QueryFilter{EventType: audit.EventEscalationResolved})
	require.Len(t, resolved, 1)
	assert.Equal(t, "dr_x", resolved[0].ActorID)
	assert.Equal(t, "CLINICIAN", resolved[0].ActorRole)
	assert.NotContains(t, resolved[0].Metadata, "suspension_retained")

	valid, idx := f.log.VerifyChain()
	assert.True(t, valid)
	assert.Nil(t, idx)
}

func TestScenarioA_RedCheckInOpensCaseAndSuspends(t *testing.T) {
	f := newFixture(t)
	checkIn := contracts.CheckIn{
		CheckInID:     "c-1",
		ParticipantID: "p-1",
		OrgID:         "org-a",
		DistressLevel: contracts.Score(9.0),
		KeywordFlags:  []string{"relapse"},
	}
	result := signals.Evaluate(checkIn, f.pol, nil)
	require.Equal(t, contracts.FlagRed, result.Flag)

	_, err := f.orch.OpenCase(context.Background(), f.part, result.Flag, result.Reasons, f.pol)
	require.NoError(t, err)
	assert.True(t, f.orch.IsInteractionSuspended("p-1"))
}

func TestScenarioB_SLABreachTriggersCrisisInterface(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.notified(t, "dr_x")
	before := f.log.Len()

	f.clock.Advance(301 * time.Second)
	c, err := f.orch.CheckSLATimeout(ctx, c.CaseID, f.pol)
	require.NoError(t, err)

	assert.Equal(t, contracts.StateCrisisInterfaceTriggered, c.State)
	assert.NotNil(t, c.TimedOutAt)
	assert.NotNil(t, c.CrisisTriggeredAt)
	assert.Equal(t, before+2, f.log.Len())

	tail := f.log.Query("org-a", audit.QueryFilter{})[before:]
	assert.Equal(t, []audit.EventType{audit.EventEscalationTimedOut, audit.EventCrisisInterfaceTriggered}, eventTypes(tail))
	assert.Equal(t, int64(300), tail[0].Metadata["sla_seconds"])
	assert.Equal(t, float64(301), tail[0].Metadata["elapsed_seconds"])
	assert.Equal(t, escalation.CrisisNote, tail[1].Metadata["note"])
	assert.Equal(t, []any{"Regional Crisis Line"}, tail[1].Metadata["crisis_targets"])

	assert.True(t, f.orch.IsInteractionSuspended("p-1"), "crisis cases keep the participant suspended")
	assert.Empty(t, f.orch.OpenCases())
}

func TestCheckSLATimeout_NoOps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.notified(t, "dr_x")
	before := f.log.Len()

	f.clock.Advance(300 * time.Second)
	got, err := f.orch.CheckSLATimeout(ctx, c.CaseID, f.pol)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateClinicianNotified, got.State, "exactly at the SLA is not a breach")

	_, err = f.orch.Acknowledge(ctx, c.CaseID, "dr_x")
	require.NoError(t, err)
	f.clock.Advance(time.Hour)
	got, err = f.orch.CheckSLATimeout(ctx, c.CaseID, f.pol)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateAcknowledged, got.State)
	assert.Equal(t, before+1, f.log.Len())
}

func TestCheckSLATimeout_TenantMismatch(t *testing.T) {
	f := newFixture(t)
	c := f.notified(t, "dr_x")
	f.clock.Advance(time.Hour)

	_, err := f.orch.CheckSLATimeout(context.Background(), c.CaseID, policy.New("org-b", "Other"))
	assert.ErrorIs(t, err, escalation.ErrTenantMismatch)

	got, err := f.orch.Get(c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateClinicianNotified, got.State)
}

func TestScenarioC_WrongClinicianCannotAcknowledge(t *testing.T) {
	f := newFixture(t)
	c := f.notified(t, "dr_x")
	before := f.log.Len()

	_, err := f.orch.Acknowledge(context.Background(), c.CaseID, "dr_y")
	assert.ErrorIs(t, err, escalation.ErrUnauthorized)

	got, err := f.orch.Get(c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateClinicianNotified, got.State)
	assert.Equal(t, before, f.log.Len())
}

func TestAcknowledge_SecondAttemptIsInvalidTransition(t *testing.T) {
	f := newFixture(t)
	c := f.notified(t, "dr_x")
	_, err := f.orch.Acknowledge(context.Background(), c.CaseID, "dr_x")
	require.NoError(t, err)

	_, err = f.orch.Acknowledge(context.Background(), c.CaseID, "dr_x")
	assert.ErrorIs(t, err, escalation.ErrInvalidTransition)
}

func TestScenarioD_ResolveRequiresNotes(t *testing.T) {
	for _, notes := range []string{"", "   ", "\n\t"} {
		f := newFixture(t)
		ctx := context.Background()
		c := f.notified(t, "dr_x")
		_, err := f.orch.Acknowledge(ctx, c.CaseID, "dr_x")
		require.NoError(t, err)
		before := f.log.Len()

		_, err = f.orch.Resolve(ctx, c.CaseID, "dr_x", notes)
		assert.ErrorIs(t, err, escalation.ErrMissingNotes)

		got, err := f.orch.Get(c.CaseID)
		require.NoError(t, err)
		assert.Equal(t, contracts.StateAcknowledged, got.State)
		assert.Empty(t, got.ResolutionNotes)
		assert.Equal(t, before, f.log.Len())
		assert.Empty(t, f.log.Query("org-a", audit.QueryFilter{EventType: audit.EventEscalationResolved}))
	}
}

func TestResolve_UnauthorizedCheckedBeforeNotes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.notified(t, "dr_x")
	_, err := f.orch.Acknowledge(ctx, c.CaseID, "dr_x")
	require.NoError(t, err)

	_, err = f.orch.Resolve(ctx, c.CaseID, "dr_y", "")
	assert.ErrorIs(t, err, escalation.ErrUnauthorized)
}

func TestResolve_RetainsSuspensionWhileAnotherCaseIsOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.notified(t, "dr_x")
	second, err := f.orch.OpenCase(ctx, f.part, contracts.FlagRed, []string{"keyword: relapse"}, f.pol)
	require.NoError(t, err)

	_, err = f.orch.Acknowledge(ctx, first.CaseID, "dr_x")
	require.NoError(t, err)
	resolved, err := f.orch.Resolve(ctx, first.CaseID, "dr_x", "Follow-up scheduled.")
	require.NoError(t, err)
	assert.False(t, resolved.AutomatedInteractionSuspended)
	assert.True(t, f.orch.IsInteractionSuspended("p-1"))

	entries := f.log.Query("org-a", audit.QueryFilter{EventType: audit.EventEscalationResolved})
	require.Len(t, entries, 1)
	assert.Equal(t, true, entries[0].Metadata["suspension_retained"])
	assert.Empty(t, f.log.Query("org-a", audit.QueryFilter{EventType: audit.EventAutomatedInteractionResumed}))

	_, err = f.orch.ResumeAutomatedInteraction(ctx, second.CaseID)
	require.NoError(t, err)
	assert.False(t, f.orch.IsInteractionSuspended("p-1"))
}

func TestSuspendAndResumeExplicitly(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c, err := f.orch.OpenCase(ctx, f.part, contracts.FlagOrange, nil, f.pol)
	require.NoError(t, err)

	c, err = f.orch.ResumeAutomatedInteraction(ctx, c.CaseID)
	require.NoError(t, err)
	assert.False(t, c.AutomatedInteractionSuspended)
	assert.False(t, f.orch.IsInteractionSuspended("p-1"))

	c, err = f.orch.SuspendAutomatedInteraction(ctx, c.CaseID)
	require.NoError(t, err)
	assert.True(t, c.AutomatedInteractionSuspended)
	assert.True(t, f.orch.IsInteractionSuspended("p-1"))

	resumed := f.log.Query("org-a", audit.QueryFilter{EventType: audit.EventAutomatedInteractionResumed})
	require.Len(t, resumed, 1)
	assert.Equal(t, "p-1", resumed[0].Metadata["participant_id"])
}

func TestSuspend_RejectsClosedCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	c := f.notified(t, "dr_x")
	_, err := f.orch.Acknowledge(ctx, c.CaseID, "dr_x")
	require.NoError(t, err)
	_, err = f.orch.Resolve(ctx, c.CaseID, "dr_x", "Follow-up scheduled.")
	require.NoError(t, err)
	require.False(t, f.orch.IsInteractionSuspended("p-1"))
	before := f.log.Len()

	got, err := f.orch.SuspendAutomatedInteraction(ctx, c.CaseID)
	assert.ErrorIs(t, err, escalation.ErrCaseClosed)
	assert.False(t, got.AutomatedInteractionSuspended)
	assert.False(t, f.orch.IsInteractionSuspended("p-1"))
	assert.Equal(t, before, f.log.Len())
}

func TestResume_ClearsFlagOnSiblingCases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first, err := f.orch.OpenCase(ctx, f.part, contracts.FlagOrange, nil, f.pol)
	require.NoError(t, err)
	second, err := f.orch.OpenCase(ctx, f.part, contracts.FlagRed, []string{"keyword: relapse"}, f.pol)
	require.NoError(t, err)
	require.True(t, first.AutomatedInteractionSuspended)
	require.True(t, second.AutomatedInteractionSuspended)

	resumed, err := f.orch.ResumeAutomatedInteraction(ctx, second.CaseID)
	require.NoError(t, err)
	assert.False(t, resumed.AutomatedInteractionSuspended)
	assert.False(t, f.orch.IsInteractionSuspended("p-1"))

	sibling, err := f.orch.Get(first.CaseID)
	require.NoError(t, err)
	assert.False(t, sibling.AutomatedInteractionSuspended)

	// Suspending again marks only the case that takes the suspension.
	again, err := f.orch.SuspendAutomatedInteraction(ctx, first.CaseID)
	require.NoError(t, err)
	assert.True(t, again.AutomatedInteractionSuspended)
	other, err := f.orch.Get(second.CaseID)
	require.NoError(t, err)
	assert.False(t, other.AutomatedInteractionSuspended)
}

func TestSpansCarryCaseAttributes(t *testing.T) {
	f := newFixture(t)
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	f.orch.WithTracer(tp.Tracer("test"))
	ctx := context.Background()

	c, err := f.orch.OpenCase(ctx, f.part, contracts.FlagRed, []string{"keyword: relapse"}, f.pol)
	require.NoError(t, err)
	_, err = f.orch.SendAlert(ctx, c.CaseID)
	require.NoError(t, err)
	_, err = f.orch.Acknowledge(ctx, c.CaseID, "dr_x")
	require.Error(t, err)

	byName := map[string]sdktrace.ReadOnlySpan{}
	for _, s := range recorder.Ended() {
		byName[s.Name()] = s
	}
	alert, ok := byName["escalation.SendAlert"]
	require.True(t, ok)
	assert.Contains(t, alert.Attributes(), attribute.String("acuity.case_id", c.CaseID))
	assert.Contains(t, alert.Attributes(), attribute.String("acuity.flag", "RED"))
	assert.Contains(t, alert.Attributes(), attribute.String("acuity.state", string(contracts.StateAlertSent)))

	ack, ok := byName["escalation.Acknowledge"]
	require.True(t, ok)
	assert.Equal(t, codes.Error, ack.Status().Code)
}

func TestUnknownCase(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.orch.Get("missing")
	assert.ErrorIs(t, err, escalation.ErrCaseNotFound)
	_, err = f.orch.SendAlert(ctx, "missing")
	assert.ErrorIs(t, err, escalation.ErrCaseNotFound)
	_, err = f.orch.CheckSLATimeout(ctx, "missing", f.pol)
	assert.ErrorIs(t, err, escalation.ErrCaseNotFound)
}

func TestReturnedCaseIsACopy(t *testing.T) {
	f := newFixture(t)
	c, err := f.orch.OpenCase(context.Background(), f.part, contracts.FlagOrange, []string{"a"}, f.pol)
	require.NoError(t, err)
	c.TriggeringIndicators[0] = "mutated"
	c.State = contracts.StateResolved

	got, err := f.orch.Get(c.CaseID)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.TriggeringIndicators)
	assert.Equal(t, contracts.StateDetected, got.State)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []escalation.Case
	err   error
	block bool
}

func (d *recordingDispatcher) DispatchCrisis(ctx context.Context, c escalation.Case, _ policy.PartnerPolicy) error {
	d.mu.Lock()
	d.calls = append(d.calls, c)
	d.mu.Unlock()
	if d.block {
		<-ctx.Done()
		return ctx.Err()
	}
	return d.err
}

func TestCrisisDispatcherFailureDoesNotRollBack(t *testing.T) {
	f := newFixture(t)
	d := &recordingDispatcher{err: errors.New("partner endpoint unavailable")}
	f.orch.WithDispatcher(d, time.Second)
	c := f.notified(t, "dr_x")

	f.clock.Advance(10 * time.Minute)
	got, err := f.orch.CheckSLATimeout(context.Background(), c.CaseID, f.pol)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCrisisInterfaceTriggered, got.State)

	require.Len(t, d.calls, 1)
	assert.Equal(t, contracts.StateCrisisInterfaceTriggered, d.calls[0].State)
}

func TestCrisisDispatcherIsBoundedByTimeout(t *testing.T) {
	f := newFixture(t)
	d := &recordingDispatcher{block: true}
	f.orch.WithDispatcher(d, 20*time.Millisecond)
	c := f.notified(t, "dr_x")

	f.clock.Advance(10 * time.Minute)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := f.orch.CheckSLATimeout(context.Background(), c.CaseID, f.pol)
		assert.NoError(t, err)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch was not bounded by its timeout")
	}
}

func TestConcurrentCasesKeepChainValid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p := contracts.Participant{ParticipantID: "p-" + string(rune('a'+i)), OrgID: "org-a"}
			c, err := f.orch.OpenCase(ctx, p, contracts.FlagOrange, nil, f.pol)
			if !assert.NoError(t, err) {
				return
			}
			_, err = f.orch.SendAlert(ctx, c.CaseID)
			assert.NoError(t, err)
			_, err = f.orch.NotifyClinician(ctx, c.CaseID, "dr_x")
			assert.NoError(t, err)
			_, err = f.orch.CheckSLATimeout(ctx, c.CaseID, f.pol)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Len(t, f.orch.OpenCases(), 16)
	assert.Equal(t, 16*4, f.log.Len())
	valid, _ := f.log.VerifyChain()
	assert.True(t, valid)
}
