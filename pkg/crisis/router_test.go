package crisis_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/acuitybridge/core/pkg/audit"
	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/crisis"
	"github.com/acuitybridge/core/pkg/escalation"
	"github.com/acuitybridge/core/pkg/policy"
	"github.com/acuitybridge/core/pkg/util/resiliency"
)

func crisisCase() escalation.Case {
	at := time.Date(2026, 3, 2, 9, 5, 1, 0, time.UTC)
	return escalation.Case{
		CaseID:            "case-1",
		ParticipantID:     "p-1",
		OrgID:             "org-a",
		FlagLevel:         contracts.FlagRed,
		State:             contracts.StateCrisisInterfaceTriggered,
		CrisisTriggeredAt: &at,
	}
}

func TestRoute_StubPerTarget(t *testing.T) {
	log := audit.New()
	pol := policy.New("org-a", "Clinic A")
	pol.CrisisResourceTargets = []contracts.CrisisResourceTarget{
		{TargetID: "t-1", Name: "Regional Crisis Line", TargetType: contracts.TargetPhone, Endpoint: "+1-555-0100"},
		{TargetID: "t-2", Name: "On-call Queue", TargetType: contracts.TargetInternalQueue, Endpoint: "queue://oncall"},
	}

	results, err := crisis.NewRouter(log).Route(context.Background(), crisisCase(), pol)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.True(t, r.Routed)
	}
	assert.Equal(t,
		"[STUB] Crisis interface invoked for target 'Regional Crisis Line' (phone: +1-555-0100). Production implementation requires partner integration.",
		results[0].Message)

	entries := log.Query("org-a", audit.QueryFilter{EventType: audit.EventCrisisInterfaceTriggered})
	require.Len(t, entries, 2)
	assert.Equal(t, "On-call Queue", entries[1].Metadata["target_name"])
	assert.Equal(t, true, entries[1].Metadata["routed"])
	assert.Equal(t, crisis.TargetNote, entries[1].Metadata["note"])
	assert.Equal(t, "case-1", entries[1].TargetEntity)
}

func TestRoute_NoTargetsIsAudited(t *testing.T) {
	log := audit.New()
	results, err := crisis.NewRouter(log).Route(context.Background(), crisisCase(), policy.New("org-a", "Clinic A"))
	require.NoError(t, err)
	assert.Empty(t, results)

	entries := log.Query("org-a", audit.QueryFilter{})
	require.Len(t, entries, 1)
	assert.Equal(t, crisis.NoTargetsNote, entries[0].Metadata["note"])
	assert.Equal(t, crisis.NoTargetsAction, entries[0].Metadata["action"])
}

func TestRoute_TenantMismatch(t *testing.T) {
	log := audit.New()
	_, err := crisis.NewRouter(log).Route(context.Background(), crisisCase(), policy.New("org-b", "Other"))
	assert.ErrorIs(t, err, escalation.ErrTenantMismatch)
	assert.Equal(t, 0, log.Len())
}

func TestRoute_RateLimitedAttemptIsRecorded(t *testing.T) {
	log := audit.New()
	pol := policy.New("org-a", "Clinic A")
	pol.CrisisResourceTargets = []contracts.CrisisResourceTarget{
		{TargetID: "t-1", Name: "Line", TargetType: contracts.TargetPhone, Endpoint: "+1-555-0100"},
	}
	router := crisis.NewRouter(log, crisis.WithRateLimit(rate.Every(time.Hour), 1))

	_, err := router.Route(context.Background(), crisisCase(), pol)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	results, err := router.Route(ctx, crisisCase(), pol)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Routed)

	err = router.DispatchCrisis(ctx, crisisCase(), pol)
	assert.ErrorIs(t, err, crisis.ErrRoutingFailed)
	assert.Equal(t, 3, log.Len())
}

func TestRoute_WebhookDelivery(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	log := audit.New()
	pol := policy.New("org-a", "Clinic A")
	pol.CrisisResourceTargets = []contracts.CrisisResourceTarget{
		{TargetID: "t-9", Name: "Partner Hook", TargetType: contracts.TargetWebhook, Endpoint: srv.URL},
	}
	router := crisis.NewRouter(log, crisis.WithWebhookClient(resiliency.NewClient("crisis", resiliency.WithBaseBackoff(time.Millisecond))))

	require.NoError(t, router.DispatchCrisis(context.Background(), crisisCase(), pol))
	assert.Equal(t, "case-1", got["case_id"])
	assert.Equal(t, "RED", got["flag_level"])
	assert.Equal(t, "t-9", got["target_id"])
	assert.NotContains(t, got, "participant_id")
}

func TestRoute_WebhookRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	pol := policy.New("org-a", "Clinic A")
	pol.CrisisResourceTargets = []contracts.CrisisResourceTarget{
		{TargetID: "t-9", Name: "Partner Hook", TargetType: contracts.TargetWebhook, Endpoint: srv.URL},
	}
	router := crisis.NewRouter(audit.New(), crisis.WithWebhookClient(resiliency.NewClient("crisis")))

	results, err := router.Route(context.Background(), crisisCase(), pol)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Routed)
	assert.Contains(t, results[0].Message, "403")
}

func TestRouter_AsOrchestratorDispatcher(t *testing.T) {
	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	log := audit.New(audit.WithClock(clock))
	pol := policy.New("org-a", "Clinic A")
	pol.CrisisResourceTargets = []contracts.CrisisResourceTarget{
		{TargetID: "t-1", Name: "Line", TargetType: contracts.TargetPhone, Endpoint: "+1-555-0100"},
	}
	orch := escalation.NewOrchestrator(log).WithClock(clock).WithDispatcher(crisis.NewRouter(log), time.Second)

	ctx := context.Background()
	c, err := orch.OpenCase(ctx, contracts.Participant{ParticipantID: "p-1", OrgID: "org-a"}, contracts.FlagRed, nil, pol)
	require.NoError(t, err)
	_, err = orch.SendAlert(ctx, c.CaseID)
	require.NoError(t, err)
	_, err = orch.NotifyClinician(ctx, c.CaseID, "dr_x")
	require.NoError(t, err)

	now = now.Add(10 * time.Minute)
	_, err = orch.CheckSLATimeout(ctx, c.CaseID, pol)
	require.NoError(t, err)

	// cascade entry plus one routing entry
	assert.Len(t, log.Query("org-a", audit.QueryFilter{EventType: audit.EventCrisisInterfaceTriggered}), 2)
	valid, _ := log.VerifyChain()
	assert.True(t, valid)
}
