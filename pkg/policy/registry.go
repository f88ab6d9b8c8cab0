package policy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/acuitybridge/core/pkg/audit"
	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/rbac"
)

var (
	// ErrPolicyExists is returned by Register for an org that already has a policy.
	ErrPolicyExists = errors.New("policy: already registered")
	// ErrPolicyNotFound is returned when no policy is registered for an org.
	ErrPolicyNotFound = errors.New("policy: not registered")
)

// Registry holds one policy per organization. Policies are copied on the way
// in and out, so a caller can never mutate a registered policy.
type Registry struct {
	mu       sync.RWMutex
	policies map[string]PartnerPolicy
	log      *audit.Log
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithAuditLog records POLICY_REGISTERED and POLICY_UPDATED entries.
func WithAuditLog(log *audit.Log) RegistryOption {
	return func(r *Registry) { r.log = log }
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{policies: make(map[string]PartnerPolicy)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register validates p and stores it. It fails if p.OrgID is already registered.
func (r *Registry) Register(ctx context.Context, p PartnerPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.policies[p.OrgID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: org %q (use Update)", ErrPolicyExists, p.OrgID)
	}
	r.policies[p.OrgID] = p.Clone()
	r.mu.Unlock()

	r.record(ctx, audit.EventPolicyRegistered, contracts.SystemActorID, contracts.RoleSystem, p)
	return nil
}

// Get returns a copy of the policy registered for orgID.
func (r *Registry) Get(orgID string) (PartnerPolicy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.policies[orgID]
	if !ok {
		return PartnerPolicy{}, fmt.Errorf("%w: org %q", ErrPolicyNotFound, orgID)
	}
	return p.Clone(), nil
}

// Update replaces an existing policy on behalf of the system.
func (r *Registry) Update(ctx context.Context, p PartnerPolicy) error {
	return r.update(ctx, contracts.SystemActorID, contracts.RoleSystem, p)
}

// UpdateAs replaces an existing policy on behalf of a human actor, who must
// hold the manage_policy permission.
func (r *Registry) UpdateAs(ctx context.Context, actorID string, role contracts.Role, p PartnerPolicy) error {
	if err := rbac.Require(role, rbac.ActionManagePolicy); err != nil {
		return fmt.Errorf("policy: update by %s: %w", actorID, err)
	}
	return r.update(ctx, actorID, role, p)
}

func (r *Registry) update(ctx context.Context, actorID string, role contracts.Role, p PartnerPolicy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	if _, exists := r.policies[p.OrgID]; !exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: cannot update org %q", ErrPolicyNotFound, p.OrgID)
	}
	r.policies[p.OrgID] = p.Clone()
	r.mu.Unlock()

	r.record(ctx, audit.EventPolicyUpdated, actorID, role, p)
	return nil
}

// ListOrgs returns the registered org IDs, sorted.
func (r *Registry) ListOrgs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	orgs := make([]string, 0, len(r.policies))
	for org := range r.policies {
		orgs = append(orgs, org)
	}
	sort.Strings(orgs)
	return orgs
}

// Len returns the number of registered policies.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.policies)
}

// Contains reports whether orgID has a policy.
func (r *Registry) Contains(orgID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.policies[orgID]
	return ok
}

func (r *Registry) record(ctx context.Context, event audit.EventType, actorID string, role contracts.Role, p PartnerPolicy) {
	if r.log == nil {
		return
	}
	r.log.AppendContext(ctx, audit.Entry{
		OrgID:        p.OrgID,
		ActorID:      actorID,
		ActorRole:    string(role),
		EventType:    event,
		TargetEntity: p.OrgID,
		Metadata: map[string]any{
			"org_name":                  p.OrgName,
			"clinician_ack_sla_seconds": p.ClinicianAckSLASeconds,
			"consent_model":             string(p.ConsentModel),
			"data_retention_days":       p.DataRetentionDays,
			"crisis_targets":            p.CrisisTargetNames(),
			"keyword_override_count":    len(p.EscalationKeywordOverrides),
		},
	})
}
