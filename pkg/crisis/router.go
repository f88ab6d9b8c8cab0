// Package crisis routes escalation cases that breached their acknowledgment
// SLA to the partner's configured crisis resource targets.
//
// Routing is an integration boundary. Unless webhook delivery is enabled,
// every target is served by a stub that records the attempt and reports
// success. Nothing here guarantees a connection to emergency services;
// operational crisis protocols belong to the partner.
package crisis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/acuitybridge/core/pkg/audit"
	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/escalation"
	"github.com/acuitybridge/core/pkg/policy"
	"github.com/acuitybridge/core/pkg/util/resiliency"
)

// Audit notes attached to routing entries.
const (
	TargetNote      = "Interface stub invoked. Operational crisis protocols are the partner's responsibility."
	NoTargetsNote   = "No crisis resource targets configured for this partner."
	NoTargetsAction = "No routing attempted. Partner must configure targets."
)

const defaultPerMinute = 30

// ErrRoutingFailed is returned by DispatchCrisis when at least one target
// was not reached.
var ErrRoutingFailed = errors.New("crisis: routing failed")

// Result describes one routing attempt.
type Result struct {
	Target  contracts.CrisisResourceTarget `json:"target"`
	Routed  bool                           `json:"routed"`
	Message string                         `json:"message"`
}

// Router delivers crisis routing attempts and audits each one.
type Router struct {
	audit   *audit.Log
	logger  *slog.Logger
	webhook *resiliency.Client

	limitMu  sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// Option configures a Router.
type Option func(*Router)

// WithWebhookClient enables real delivery to webhook targets.
func WithWebhookClient(c *resiliency.Client) Option {
	return func(r *Router) { r.webhook = c }
}

// WithRateLimit sets the per-target attempt rate.
func WithRateLimit(limit rate.Limit, burst int) Option {
	return func(r *Router) {
		r.limit = limit
		r.burst = burst
	}
}

// WithLogger overrides the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// NewRouter creates a router auditing into log. By default each target
// accepts 30 attempts per minute with a burst of 5.
func NewRouter(log *audit.Log, opts ...Option) *Router {
	r := &Router{
		audit:    log,
		logger:   slog.Default().With("component", "crisis"),
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(defaultPerMinute) / 60),
		burst:    5,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route attempts every target configured in p for case c. Each attempt gets
// its own audit entry; a policy without targets gets a single entry saying
// no routing was attempted.
func (r *Router) Route(ctx context.Context, c escalation.Case, p policy.PartnerPolicy) ([]Result, error) {
	if c.OrgID != p.OrgID {
		return nil, escalation.ErrTenantMismatch
	}

	results := make([]Result, 0, len(p.CrisisResourceTargets))
	if len(p.CrisisResourceTargets) == 0 {
		r.emit(ctx, c, map[string]any{
			"note":   NoTargetsNote,
			"action": NoTargetsAction,
		})
		r.logger.WarnContext(ctx, "crisis: no targets configured", "org_id", c.OrgID, "case_id", c.CaseID)
		return results, nil
	}

	for _, target := range p.CrisisResourceTargets {
		res := r.routeOne(ctx, c, target)
		results = append(results, res)
		r.emit(ctx, c, map[string]any{
			"target_name": target.Name,
			"target_type": target.TargetType,
			"routed":      res.Routed,
			"message":     res.Message,
			"note":        TargetNote,
		})
	}
	return results, nil
}

// DispatchCrisis lets a Router serve as the orchestrator's crisis dispatcher.
func (r *Router) DispatchCrisis(ctx context.Context, c escalation.Case, p policy.PartnerPolicy) error {
	results, err := r.Route(ctx, c, p)
	if err != nil {
		return err
	}
	var failed []error
	for _, res := range results {
		if !res.Routed {
			failed = append(failed, fmt.Errorf("%s: %s", res.Target.Name, res.Message))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("%w: %w", ErrRoutingFailed, errors.Join(failed...))
	}
	return nil
}

func (r *Router) routeOne(ctx context.Context, c escalation.Case, target contracts.CrisisResourceTarget) Result {
	if err := r.limiter(c.OrgID, target).Wait(ctx); err != nil {
		r.logger.WarnContext(ctx, "crisis: attempt not admitted",
			"case_id", c.CaseID, "target", target.Name, "error", err)
		return Result{Target: target, Message: fmt.Sprintf("Routing not attempted: %v", err)}
	}
	if r.webhook != nil && target.TargetType == contracts.TargetWebhook {
		return r.deliverWebhook(ctx, c, target)
	}
	return Result{Target: target, Routed: true, Message: StubMessage(target)}
}

// StubMessage is the message reported for a stub routing attempt.
func StubMessage(t contracts.CrisisResourceTarget) string {
	return fmt.Sprintf("[STUB] Crisis interface invoked for target '%s' (%s: %s). "+
		"Production implementation requires partner integration.", t.Name, t.TargetType, t.Endpoint)
}

// webhookPayload carries identifiers only; participant data stays behind the
// partner's BAA boundary.
type webhookPayload struct {
	CaseID            string `json:"case_id"`
	OrgID             string `json:"org_id"`
	FlagLevel         string `json:"flag_level"`
	State             string `json:"state"`
	CrisisTriggeredAt string `json:"crisis_triggered_at,omitempty"`
	TargetID          string `json:"target_id"`
}

func (r *Router) deliverWebhook(ctx context.Context, c escalation.Case, target contracts.CrisisResourceTarget) Result {
	payload := webhookPayload{
		CaseID:    c.CaseID,
		OrgID:     c.OrgID,
		FlagLevel: string(c.FlagLevel),
		State:     string(c.State),
		TargetID:  target.TargetID,
	}
	if c.CrisisTriggeredAt != nil {
		payload.CrisisTriggeredAt = c.CrisisTriggeredAt.Format(audit.TimestampLayout)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{Target: target, Message: fmt.Sprintf("Webhook payload encoding failed: %v", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.Endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{Target: target, Message: fmt.Sprintf("Webhook request invalid: %v", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.webhook.Do(req)
	if resp != nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}
	if err != nil {
		r.logger.ErrorContext(ctx, "crisis: webhook delivery failed",
			"case_id", c.CaseID, "target", target.Name, "error", err)
		return Result{Target: target, Message: fmt.Sprintf("Webhook delivery to '%s' failed: %v", target.Name, err)}
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return Result{Target: target, Message: fmt.Sprintf("Webhook '%s' rejected delivery with status %d", target.Name, resp.StatusCode)}
	}
	return Result{Target: target, Routed: true, Message: fmt.Sprintf("Webhook delivered to '%s' (status %d).", target.Name, resp.StatusCode)}
}

func (r *Router) limiter(orgID string, target contracts.CrisisResourceTarget) *rate.Limiter {
	key := orgID + "/" + target.TargetID + "/" + target.Endpoint
	r.limitMu.Lock()
	defer r.limitMu.Unlock()
	l, ok := r.limiters[key]
	if !ok {
		l = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = l
	}
	return l
}

func (r *Router) emit(ctx context.Context, c escalation.Case, metadata map[string]any) {
	r.audit.AppendContext(ctx, audit.Entry{
		OrgID:        c.OrgID,
		ActorID:      contracts.SystemActorID,
		ActorRole:    string(contracts.RoleSystem),
		EventType:    audit.EventCrisisInterfaceTriggered,
		TargetEntity: c.CaseID,
		Metadata:     metadata,
	})
}
