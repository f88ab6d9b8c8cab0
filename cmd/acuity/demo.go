package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"sync"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/acuitybridge/core/pkg/audit"
	"github.com/acuitybridge/core/pkg/config"
	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/crisis"
	"github.com/acuitybridge/core/pkg/escalation"
	"github.com/acuitybridge/core/pkg/policy"
	"github.com/acuitybridge/core/pkg/report"
	"github.com/acuitybridge/core/pkg/signals"
	"github.com/acuitybridge/core/pkg/sla"
)

func demoCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run the synthetic post-discharge scenario end to end",
		Long: `Runs two synthetic participants through the workflow. One case is
acknowledged and resolved by a clinician; the other misses its
acknowledgment SLA and is routed to the partner's crisis resources.
Prints the transparency report, the audit export and the chain status.

All data is synthetic. This software is not a medical device.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("policies")
			explicit := cmd.Flags().Changed("policies")
			return runDemo(cmd.Context(), cmd.OutOrStdout(), path, explicit)
		},
	}
	cmd.Flags().String("policies", config.DefaultPoliciesFile, "Partner policy file; the first policy is used")
	return cmd
}

// demoClock lets the scenario skip past the acknowledgment SLA.
type demoClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *demoClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *demoClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type demo struct {
	out      io.Writer
	clock    *demoClock
	log      *audit.Log
	policies *policy.Registry
	orch     *escalation.Orchestrator
	pol      policy.PartnerPolicy
}

func runDemo(ctx context.Context, out io.Writer, policiesPath string, explicit bool) error {
	pol, source, err := demoPolicy(policiesPath, explicit)
	if err != nil {
		return err
	}

	// Library logs would interleave with the walkthrough.
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &demoClock{t: time.Now().UTC().Truncate(time.Second)}
	log := audit.New(audit.WithClock(clock.Now), audit.WithLogger(quiet))
	router := crisis.NewRouter(log, crisis.WithLogger(quiet))
	d := &demo{
		out:      out,
		clock:    clock,
		log:      log,
		policies: policy.NewRegistry(policy.WithAuditLog(log)),
		orch: escalation.NewOrchestrator(log).
			WithClock(clock.Now).
			WithLogger(quiet).
			WithDispatcher(router, 0),
		pol: pol,
	}

	d.banner("AcuityBridge synthetic scenario")
	d.printf("DISCLAIMER: all data in this demo is synthetic. This software is not a medical device.\n")

	d.banner("Step 1: partner policy")
	if err := d.policies.Register(ctx, pol); err != nil {
		return err
	}
	d.printf("Loaded %s (org_id %s) from %s\n", pol.OrgName, pol.OrgID, source)
	d.printf("Acknowledgment SLA: %ds, crisis targets: %v\n", pol.ClinicianAckSLASeconds, pol.CrisisTargetNames())

	resolved, reasons, err := d.scenarioResolved(ctx)
	if err != nil {
		return err
	}
	if err := d.scenarioTimeout(ctx, sla.NewSweeper(d.orch, d.policies, sla.WithLogger(quiet))); err != nil {
		return err
	}

	d.banner("Step 6: decision transparency report")
	d.printf("%s\n", report.Generate(resolved, reasons, clock.Now()).Text())

	d.banner("Step 7: audit export for compliance review")
	bundle, err := audit.NewExporter(log, nil).Export(ctx, audit.ExportRequest{
		OrgID:     pol.OrgID,
		ActorID:   "auditor_synthetic_001",
		ActorRole: contracts.RoleAuditor,
	})
	if err != nil {
		return err
	}
	meta, _ := json.MarshalIndent(bundle.ExportMetadata, "", "  ")
	d.printf("%s\n", meta)
	for _, e := range bundle.Entries {
		d.printf("  %s  %-34s %-12s %s\n", e.Timestamp.Format(time.RFC3339), e.EventType, e.ActorRole, e.TargetEntity)
	}

	valid, brokenAt := log.VerifyChain()
	status := color.New(color.FgGreen).Sprint(audit.ChainIntegrity(valid, brokenAt))
	if !valid {
		status = color.New(color.FgRed).Sprint(audit.ChainIntegrity(valid, brokenAt))
	}
	d.printf("\nChain integrity: %s (%d entries, head %s)\n", status, log.Len(), log.Head())

	d.banner("Scenario complete")
	d.printf("All data was synthetic. No real participants, PHI or PII.\n")
	return nil
}

// scenarioResolved walks a RED check-in through the full human-gated lifecycle.
func (d *demo) scenarioResolved(ctx context.Context) (escalation.Case, []string, error) {
	part := d.enroll("Synthetic Participant A (not a real person)")

	d.banner("Step 2: day 1 check-in (nominal)")
	d.evaluate(ctx, part, contracts.CheckIn{
		MoodScore: ptr(7), SleepQuality: ptr(8), EnergyLevel: ptr(6.5), DistressLevel: ptr(1.5),
	})

	d.banner("Step 3: day 5 check-in (elevated)")
	d.clock.Advance(96 * time.Hour)
	keywords := d.pol.EscalationKeywordOverrides
	if len(keywords) > 1 {
		keywords = keywords[1:2]
	}
	res := d.evaluate(ctx, part, contracts.CheckIn{
		MoodScore: ptr(2), SleepQuality: ptr(1.5), EnergyLevel: ptr(1), DistressLevel: ptr(9),
		KeywordFlags: keywords,
		Notes:        "(Synthetic) Participant reported difficulty coping.",
	})
	if !res.RequiresHumanReview(d.pol) {
		return escalation.Case{}, nil, fmt.Errorf("demo: flag %s does not require review under %s", res.Flag, d.pol.OrgID)
	}

	d.banner("Step 4: escalation lifecycle")
	const clinician = "dr_synthetic_001"
	c, err := d.orch.OpenCase(ctx, part, res.Flag, res.Reasons, d.pol)
	if err != nil {
		return c, nil, err
	}
	d.printf("Case %s opened in %s, automated interaction suspended: %t\n",
		c.CaseID, c.State, d.orch.IsInteractionSuspended(part.ParticipantID))

	steps := []struct {
		label string
		run   func() (escalation.Case, error)
	}{
		{"alert sent", func() (escalation.Case, error) { return d.orch.SendAlert(ctx, c.CaseID) }},
		{"clinician notified", func() (escalation.Case, error) { return d.orch.NotifyClinician(ctx, c.CaseID, clinician) }},
		{"acknowledged", func() (escalation.Case, error) { return d.orch.Acknowledge(ctx, c.CaseID, clinician) }},
		{"resolved", func() (escalation.Case, error) {
			return d.orch.Resolve(ctx, c.CaseID, clinician,
				"Synthetic resolution: follow-up scheduled, safety plan reviewed, no immediate concern identified.")
		}},
	}
	for _, s := range steps {
		d.clock.Advance(2 * time.Minute)
		if c, err = s.run(); err != nil {
			return c, nil, fmt.Errorf("demo: %s: %w", s.label, err)
		}
		d.printf("  %-20s -> %s\n", s.label, c.State)
	}
	d.printf("Automated interaction resumed: %t\n", !d.orch.IsInteractionSuspended(part.ParticipantID))
	return c, res.Reasons, nil
}

// scenarioTimeout lets an ORANGE case miss its SLA so the sweeper routes it
// to crisis resources.
func (d *demo) scenarioTimeout(ctx context.Context, sweeper *sla.Sweeper) error {
	d.banner("Step 5: unacknowledged escalation")
	part := d.enroll("Synthetic Participant B (not a real person)")
	res := d.evaluate(ctx, part, contracts.CheckIn{
		MoodScore: ptr(4), DistressLevel: ptr(d.pol.EscalationThresholds.OrangeMinDistress),
	})

	c, err := d.orch.OpenCase(ctx, part, res.Flag, res.Reasons, d.pol)
	if err != nil {
		return err
	}
	if _, err := d.orch.SendAlert(ctx, c.CaseID); err != nil {
		return err
	}
	if _, err := d.orch.NotifyClinician(ctx, c.CaseID, "dr_synthetic_002"); err != nil {
		return err
	}
	d.printf("Case %s awaiting acknowledgment\n", c.CaseID)

	d.clock.Advance(d.pol.SLA() + time.Second)
	stats, err := sweeper.SweepOnce(ctx)
	if err != nil {
		return err
	}
	c, err = d.orch.Get(c.CaseID)
	if err != nil {
		return err
	}
	d.printf("SLA sweep: checked %d, timed out %d; case now %s\n", stats.Checked, stats.TimedOut, c.State)
	d.printf("Automated interaction still suspended: %t\n", d.orch.IsInteractionSuspended(part.ParticipantID))

	for _, e := range d.log.Query(d.pol.OrgID, audit.QueryFilter{EventType: audit.EventCrisisInterfaceTriggered}) {
		if e.TargetEntity != c.CaseID {
			continue
		}
		if msg, ok := e.Metadata["message"].(string); ok {
			d.printf("  %s\n", msg)
		} else if note, ok := e.Metadata["note"].(string); ok {
			d.printf("  %s\n", note)
		}
	}
	return nil
}

func (d *demo) enroll(name string) contracts.Participant {
	part := contracts.Participant{
		ParticipantID: uuid.NewString(),
		OrgID:         d.pol.OrgID,
		DisplayName:   name,
		EnrolledAt:    d.clock.Now(),
		Active:        true,
	}
	d.printf("Enrolled %s (%s)\n", part.DisplayName, part.ParticipantID)
	return part
}

func (d *demo) evaluate(ctx context.Context, part contracts.Participant, ci contracts.CheckIn) signals.Result {
	ci.CheckInID = uuid.NewString()
	ci.ParticipantID = part.ParticipantID
	ci.OrgID = part.OrgID
	ci.Timestamp = d.clock.Now()

	res := signals.Evaluate(ci, d.pol, nil)
	d.log.AppendContext(ctx, audit.Entry{
		OrgID:        part.OrgID,
		ActorID:      contracts.SystemActorID,
		ActorRole:    string(contracts.RoleSystem),
		EventType:    audit.EventSignalEvaluated,
		TargetEntity: part.ParticipantID,
		Metadata:     map[string]any{"flag": string(res.Flag), "reasons": res.Reasons},
	})

	d.printf("Flag %s (human review required: %t)\n", flagColor(res.Flag), res.RequiresHumanReview(d.pol))
	for _, r := range res.Reasons {
		d.printf("  - %s\n", r)
	}
	return res
}

func (d *demo) banner(text string) {
	d.printf("\n%s\n", color.New(color.Bold).Sprintf("== %s ==", text))
}

func (d *demo) printf(format string, args ...any) {
	_, _ = fmt.Fprintf(d.out, format, args...)
}

func flagColor(f contracts.RiskFlag) string {
	switch f {
	case contracts.FlagRed:
		return color.New(color.FgRed, color.Bold).Sprint(f)
	case contracts.FlagOrange:
		return color.New(color.FgHiYellow).Sprint(f)
	case contracts.FlagYellow:
		return color.New(color.FgYellow).Sprint(f)
	default:
		return color.New(color.FgGreen).Sprint(f)
	}
}

// demoPolicy returns the first policy in path. A missing default file falls
// back to an inline synthetic policy.
func demoPolicy(path string, explicit bool) (policy.PartnerPolicy, string, error) {
	policies, err := policy.LoadFile(path)
	switch {
	case err == nil && len(policies) > 0:
		return policies[0], path, nil
	case err != nil && (explicit || !errors.Is(err, fs.ErrNotExist)):
		return policy.PartnerPolicy{}, "", err
	}

	p := policy.New("demo_clinic", "Demo Community Clinic (synthetic)")
	p.EscalationKeywordOverrides = []string{"overdose", "relapse"}
	p.CrisisResourceTargets = []contracts.CrisisResourceTarget{{
		TargetID:   "county-crisis",
		Name:       "County Crisis Team (synthetic)",
		TargetType: contracts.TargetPhone,
		Endpoint:   "+1-555-0000",
	}}
	return p, "inline defaults", nil
}

func ptr(v float64) *float64 { return &v }
