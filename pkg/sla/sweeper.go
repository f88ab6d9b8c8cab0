// Package sla polls open escalation cases and fires the acknowledgment
// timeout cascade for those past their partner's SLA.
package sla

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/escalation"
	"github.com/acuitybridge/core/pkg/observability"
	"github.com/acuitybridge/core/pkg/policy"
)

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 15 * time.Second

// Stats summarizes one sweep.
type Stats struct {
	Checked  int
	TimedOut int
	Failed   int
}

// Sweeper checks every notified case held by its orchestrator once per
// interval. Cases live in process memory, so every process sweeps its own.
type Sweeper struct {
	orch     *escalation.Orchestrator
	policies *policy.Registry
	interval time.Duration
	obs      *observability.Provider
	logger   *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithInterval sets the polling period.
func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithObservability traces each sweep through p.
func WithObservability(p *observability.Provider) Option {
	return func(s *Sweeper) { s.obs = p }
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) { s.logger = logger }
}

// NewSweeper creates a sweeper over orch resolving policies per org.
func NewSweeper(orch *escalation.Orchestrator, policies *policy.Registry, opts ...Option) *Sweeper {
	s := &Sweeper{
		orch:     orch,
		policies: policies,
		interval: DefaultInterval,
		logger:   slog.Default().With("component", "sla"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.InfoContext(ctx, "sla: sweeper started", "interval", s.interval.String())
	for {
		if _, err := s.SweepOnce(ctx); err != nil {
			s.logger.ErrorContext(ctx, "sla: sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "sla: sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce runs a single pass over the orchestrator's open cases.
func (s *Sweeper) SweepOnce(ctx context.Context) (stats Stats, err error) {
	if s.obs != nil {
		var done func(error)
		ctx, done = s.obs.TrackOperation(ctx, "sla.Sweep")
		defer func() { done(err) }()
	}

	var errs []error
	for _, c := range s.orch.OpenCases() {
		if c.State != contracts.StateClinicianNotified {
			continue
		}
		stats.Checked++
		p, perr := s.policies.Get(c.OrgID)
		if perr != nil {
			stats.Failed++
			errs = append(errs, fmt.Errorf("case %s: %w", c.CaseID, perr))
			continue
		}
		after, cerr := s.orch.CheckSLATimeout(ctx, c.CaseID, p)
		if cerr != nil {
			stats.Failed++
			errs = append(errs, fmt.Errorf("case %s: %w", c.CaseID, cerr))
			continue
		}
		if after.State == contracts.StateCrisisInterfaceTriggered {
			stats.TimedOut++
		}
	}

	observability.AddSpanEvent(ctx, "sla.swept",
		attribute.Int("checked", stats.Checked),
		attribute.Int("timed_out", stats.TimedOut),
		attribute.Int("failed", stats.Failed),
	)
	if stats.TimedOut > 0 || stats.Failed > 0 {
		s.logger.InfoContext(ctx, "sla: sweep complete",
			"checked", stats.Checked, "timed_out", stats.TimedOut, "failed", stats.Failed)
	}
	return stats, errors.Join(errs...)
}
