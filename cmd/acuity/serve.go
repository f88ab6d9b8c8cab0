package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/acuitybridge/core/pkg/audit"
	"github.com/acuitybridge/core/pkg/canonicalize"
	"github.com/acuitybridge/core/pkg/config"
	"github.com/acuitybridge/core/pkg/crisis"
	"github.com/acuitybridge/core/pkg/escalation"
	"github.com/acuitybridge/core/pkg/lease"
	"github.com/acuitybridge/core/pkg/observability"
	"github.com/acuitybridge/core/pkg/policy"
	"github.com/acuitybridge/core/pkg/sla"
	"github.com/acuitybridge/core/pkg/store/ledger"
	"github.com/acuitybridge/core/pkg/util/resiliency"
)

const (
	leaseKeyPrefix  = "acuity:audit-mirror:"
	mirrorQueueSize = 1024
	shutdownTimeout = 10 * time.Second
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the escalation core with the SLA sweeper until signalled",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg, cmd.ErrOrStderr()))
		},
	}
}

// service holds the long-lived components so they can be shut down in order.
type service struct {
	obs      *observability.Provider
	log      *audit.Log
	mirror   *ledger.SQLLedger
	async    *audit.AsyncSink
	policies *policy.Registry
	orch     *escalation.Orchestrator
	sweeper  *sla.Sweeper
	lease    lease.Lease
	closers  []func() error
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	svc, err := buildService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.shutdown(ctx, logger)

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if svc.lease != nil {
		go func() {
			if err := lease.Keep(ctx, svc.lease, cfg.LeaseTTL/3); err != nil {
				cancel(fmt.Errorf("audit mirror lease lost: %w", err))
			}
		}()
	}

	logger.InfoContext(ctx, "acuity: serving",
		"orgs", svc.policies.ListOrgs(), "audit_entries", svc.log.Len(), "audit_driver", cfg.AuditDriver)
	if err := svc.sweeper.Run(ctx); err != nil {
		return err
	}
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return nil
}

func buildService(ctx context.Context, cfg *config.Config, logger *slog.Logger) (svc *service, err error) {
	svc = &service{}
	defer func() {
		if err != nil {
			svc.shutdown(ctx, logger)
		}
	}()

	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceName = cfg.ServiceName
	obsCfg.Environment = cfg.Env
	obsCfg.OTLPEndpoint = cfg.OTelEndpoint
	obsCfg.Insecure = cfg.OTelInsecure
	obsCfg.SampleRate = cfg.OTelSampleRate
	obsCfg.Enabled = cfg.OTelEnabled
	if svc.obs, err = observability.New(ctx, obsCfg); err != nil {
		return svc, fmt.Errorf("observability: %w", err)
	}

	// Resume the chain from the mirror so restarts keep one verifiable log.
	logOpts := []audit.Option{audit.WithLogger(logger.With("component", "audit"))}
	var records []audit.Record
	if cfg.AuditDriver != "" {
		if err = svc.claimMirror(ctx, cfg, logger); err != nil {
			return svc, err
		}
		if svc.mirror, err = ledger.Open(ctx, ledger.Dialect(cfg.AuditDriver), cfg.AuditDSN); err != nil {
			return svc, err
		}
		records, err = svc.mirror.Load(ctx)
		if errors.Is(err, ledger.ErrSequenceGap) {
			// Keep serving; the restored chain reports the gap as BROKEN.
			logger.ErrorContext(ctx, "acuity: audit mirror is missing records", "error", err)
			err = nil
		}
		if err != nil {
			return svc, err
		}
		svc.async = audit.NewAsyncSink(svc.mirror, mirrorQueueSize,
			audit.WithAsyncLogger(logger.With("component", "audit.mirror")))
		logOpts = append(logOpts, audit.WithSink(svc.async))
	}
	svc.log = audit.Restore(records, logOpts...)
	if valid, brokenAt := svc.log.VerifyChain(); !valid {
		logger.ErrorContext(ctx, "acuity: mirrored audit chain does not verify",
			"chain_integrity", audit.ChainIntegrity(valid, brokenAt))
	}

	svc.policies = policy.NewRegistry(policy.WithAuditLog(svc.log))
	policies, err := policy.LoadFile(cfg.PoliciesFile)
	if err != nil {
		return svc, err
	}
	if err := policy.RegisterAll(ctx, svc.policies, policies); err != nil {
		return svc, err
	}

	routerOpts := []crisis.Option{
		crisis.WithLogger(logger.With("component", "crisis")),
		crisis.WithRateLimit(rate.Limit(float64(cfg.CrisisRatePerMinute)/60), 5),
	}
	if cfg.CrisisWebhookEnabled {
		routerOpts = append(routerOpts, crisis.WithWebhookClient(resiliency.NewClient("crisis-webhook")))
	}
	router := crisis.NewRouter(svc.log, routerOpts...)

	svc.orch = escalation.NewOrchestrator(svc.log).
		WithLogger(logger.With("component", "escalation")).
		WithTracer(svc.obs.Tracer()).
		WithDispatcher(router, cfg.CrisisDispatchTimeout)

	svc.sweeper = sla.NewSweeper(svc.orch, svc.policies,
		sla.WithInterval(cfg.SweepInterval),
		sla.WithObservability(svc.obs),
		sla.WithLogger(logger.With("component", "sla")),
	)
	return svc, nil
}

// claimMirror takes the Redis lease on the audit mirror when Redis is
// configured. Each process numbers mirror sequences from its own log, so a
// second writer on the same database is refused.
func (s *service) claimMirror(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.RedisAddr == "" {
		return nil
	}
	key := leaseKeyPrefix + canonicalize.HashBytes([]byte(cfg.AuditDriver + "\x00" + cfg.AuditDSN))[:16]
	redisLease, client := lease.DialRedis(cfg.RedisAddr, key, cfg.LeaseTTL)
	s.closers = append(s.closers, client.Close)
	if err := lease.Claim(ctx, redisLease); err != nil {
		return fmt.Errorf("audit mirror %s: %w", cfg.AuditDriver, err)
	}
	s.lease = redisLease
	logger.InfoContext(ctx, "acuity: audit mirror lease held", "addr", cfg.RedisAddr, "holder", redisLease.Token())
	return nil
}

func (s *service) shutdown(ctx context.Context, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	if s.async != nil {
		if err := s.async.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "acuity: audit mirror did not drain", "error", err)
		}
	}
	if s.mirror != nil {
		_ = s.mirror.Close()
	}
	if s.lease != nil {
		if err := s.lease.Release(ctx); err != nil {
			logger.WarnContext(ctx, "acuity: audit mirror lease release failed", "error", err)
		}
	}
	for _, c := range s.closers {
		_ = c()
	}
	if s.obs != nil {
		_ = s.obs.Shutdown(ctx)
	}
}
