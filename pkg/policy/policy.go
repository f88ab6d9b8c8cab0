// Package policy defines partner workflow policies: the thresholds that map
// check-in signals to workflow flags, the clinician acknowledgment SLA, crisis
// resource targets and the consent and retention settings of one partner
// organization. Policies configure routing only; they are not clinical
// protocols.
package policy

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/acuitybridge/core/pkg/contracts"
)

// ErrInvalidPolicy wraps every validation failure.
var ErrInvalidPolicy = errors.New("policy: invalid")

// ConsentModel is how participants enter a partner's workflow.
type ConsentModel string

const (
	ConsentOptIn  ConsentModel = "opt_in"
	ConsentOptOut ConsentModel = "opt_out"
)

// MinRetentionDays is the lowest accepted data retention period.
const MinRetentionDays = 30

// DefaultOrgID identifies the built-in conservative policy.
const DefaultOrgID = "default"

// Thresholds are the policy cut-offs used by the signal evaluator. Distress
// minimums are inclusive lower bounds; mood and sleep thresholds are
// inclusive upper bounds. All values lie in [0, 10].
type Thresholds struct {
	YellowMinDistress float64 `json:"yellow_min_distress" yaml:"yellow_min_distress"`
	OrangeMinDistress float64 `json:"orange_min_distress" yaml:"orange_min_distress"`
	RedMinDistress    float64 `json:"red_min_distress" yaml:"red_min_distress"`
	LowMoodThreshold  float64 `json:"low_mood_threshold" yaml:"low_mood_threshold"`
	LowSleepThreshold float64 `json:"low_sleep_threshold" yaml:"low_sleep_threshold"`
}

// DefaultThresholds returns the conservative defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{
		YellowMinDistress: 4,
		OrangeMinDistress: 6,
		RedMinDistress:    8,
		LowMoodThreshold:  3,
		LowSleepThreshold: 3,
	}
}

// Validate checks ranges and the yellow <= orange <= red ordering.
func (t Thresholds) Validate() error {
	var errs []error
	for _, f := range []struct {
		name  string
		value float64
	}{
		{"yellow_min_distress", t.YellowMinDistress},
		{"orange_min_distress", t.OrangeMinDistress},
		{"red_min_distress", t.RedMinDistress},
		{"low_mood_threshold", t.LowMoodThreshold},
		{"low_sleep_threshold", t.LowSleepThreshold},
	} {
		if f.value < 0 || f.value > 10 {
			errs = append(errs, fmt.Errorf("%s (%g) must be within [0, 10]", f.name, f.value))
		}
	}
	if t.OrangeMinDistress < t.YellowMinDistress {
		errs = append(errs, fmt.Errorf("orange_min_distress (%g) must be >= yellow_min_distress (%g)",
			t.OrangeMinDistress, t.YellowMinDistress))
	}
	if t.RedMinDistress < t.OrangeMinDistress {
		errs = append(errs, fmt.Errorf("red_min_distress (%g) must be >= orange_min_distress (%g)",
			t.RedMinDistress, t.OrangeMinDistress))
	}
	return errors.Join(errs...)
}

// PartnerPolicy is the complete workflow policy of one partner organization.
// OrgID is the tenant key used to assert a policy governs a given case.
type PartnerPolicy struct {
	OrgID                      string                           `json:"org_id" yaml:"org_id"`
	OrgName                    string                           `json:"org_name" yaml:"org_name"`
	EscalationThresholds       Thresholds                       `json:"escalation_thresholds" yaml:"escalation_thresholds"`
	CrisisResourceTargets      []contracts.CrisisResourceTarget `json:"crisis_resource_targets" yaml:"crisis_resource_targets"`
	ConsentModel               ConsentModel                     `json:"consent_model" yaml:"consent_model"`
	DataRetentionDays          int                              `json:"data_retention_days" yaml:"data_retention_days"`
	NotificationChannels       []string                         `json:"notification_channels" yaml:"notification_channels"`
	ClinicianAckSLASeconds     int                              `json:"clinician_ack_sla_seconds" yaml:"clinician_ack_sla_seconds"`
	EscalationKeywordOverrides []string                         `json:"escalation_keyword_overrides" yaml:"escalation_keyword_overrides"`
	HumanReviewRequiredFlags   []contracts.RiskFlag             `json:"human_review_required_flags" yaml:"human_review_required_flags"`
}

// New returns a policy for orgID with every other field at its default.
func New(orgID, orgName string) PartnerPolicy {
	return PartnerPolicy{
		OrgID:                      orgID,
		OrgName:                    orgName,
		EscalationThresholds:       DefaultThresholds(),
		CrisisResourceTargets:      []contracts.CrisisResourceTarget{},
		ConsentModel:               ConsentOptIn,
		DataRetentionDays:          90,
		NotificationChannels:       []string{"dashboard"},
		ClinicianAckSLASeconds:     300,
		EscalationKeywordOverrides: []string{},
		HumanReviewRequiredFlags:   []contracts.RiskFlag{contracts.FlagYellow, contracts.FlagOrange, contracts.FlagRed},
	}
}

// DefaultPolicy is used when no partner policy is configured.
func DefaultPolicy() PartnerPolicy {
	return New(DefaultOrgID, "Default Policy (Conservative Defaults)")
}

// SLA returns the clinician acknowledgment window.
func (p PartnerPolicy) SLA() time.Duration {
	return time.Duration(p.ClinicianAckSLASeconds) * time.Second
}

// RequiresHumanReview reports whether flag is in the mandatory-review set.
func (p PartnerPolicy) RequiresHumanReview(flag contracts.RiskFlag) bool {
	for _, f := range p.HumanReviewRequiredFlags {
		if f == flag {
			return true
		}
	}
	return false
}

// CrisisTargetNames lists the configured crisis target names in order.
func (p PartnerPolicy) CrisisTargetNames() []string {
	names := make([]string, 0, len(p.CrisisResourceTargets))
	for _, t := range p.CrisisResourceTargets {
		names = append(names, t.Name)
	}
	return names
}

// Clone returns a deep copy of p.
func (p PartnerPolicy) Clone() PartnerPolicy {
	p.CrisisResourceTargets = append([]contracts.CrisisResourceTarget(nil), p.CrisisResourceTargets...)
	p.NotificationChannels = append([]string(nil), p.NotificationChannels...)
	p.EscalationKeywordOverrides = append([]string(nil), p.EscalationKeywordOverrides...)
	p.HumanReviewRequiredFlags = append([]contracts.RiskFlag(nil), p.HumanReviewRequiredFlags...)
	return p
}

var targetTypes = map[string]struct{}{
	contracts.TargetPhone:         {},
	contracts.TargetWebhook:       {},
	contracts.TargetInternalQueue: {},
	contracts.TargetExternalAPI:   {},
}

// Validate reports every problem with p, wrapped in ErrInvalidPolicy.
func (p PartnerPolicy) Validate() error {
	var errs []error
	if strings.TrimSpace(p.OrgID) == "" {
		errs = append(errs, errors.New("org_id is required"))
	}
	if strings.TrimSpace(p.OrgName) == "" {
		errs = append(errs, errors.New("org_name is required"))
	}
	if err := p.EscalationThresholds.Validate(); err != nil {
		errs = append(errs, err)
	}
	if p.ConsentModel != ConsentOptIn && p.ConsentModel != ConsentOptOut {
		errs = append(errs, fmt.Errorf("consent_model must be opt_in or opt_out, got %q", p.ConsentModel))
	}
	if p.DataRetentionDays < MinRetentionDays {
		errs = append(errs, fmt.Errorf("data_retention_days (%d) must be >= %d", p.DataRetentionDays, MinRetentionDays))
	}
	if p.ClinicianAckSLASeconds <= 0 {
		errs = append(errs, fmt.Errorf("clinician_ack_sla_seconds (%d) must be > 0", p.ClinicianAckSLASeconds))
	}
	for i, ch := range p.NotificationChannels {
		if strings.TrimSpace(ch) == "" {
			errs = append(errs, fmt.Errorf("notification_channels[%d] is empty", i))
		}
	}
	for i, t := range p.CrisisResourceTargets {
		if t.Name == "" || t.Endpoint == "" {
			errs = append(errs, fmt.Errorf("crisis_resource_targets[%d] needs name and endpoint", i))
		}
		if _, ok := targetTypes[t.TargetType]; !ok {
			errs = append(errs, fmt.Errorf("crisis_resource_targets[%d] has unknown target_type %q", i, t.TargetType))
		}
	}
	for i, f := range p.HumanReviewRequiredFlags {
		if !f.Valid() {
			errs = append(errs, fmt.Errorf("human_review_required_flags[%d] is not a flag: %q", i, f))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: org %q: %w", ErrInvalidPolicy, p.OrgID, errors.Join(errs...))
	}
	return nil
}
