// Package signals maps a participant check-in and optional supplementary
// readings to a workflow flag under a partner policy.
//
// Flags are routing signals for human review, not clinical assessments.
// Evaluate is pure: it has no side effects and writes no audit entries.
package signals

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/acuitybridge/core/pkg/contracts"
	"github.com/acuitybridge/core/pkg/policy"
)

// Supplementary reading cut-offs. Readings strictly below these raise the
// flag to at least ORANGE.
const (
	LowHRVThreshold        = 20.0
	VeryLowSleepHoursLimit = 3.0
)

// NominalReason is the single reason returned when no condition fires.
const NominalReason = "All signals within GREEN thresholds. Human review optional."

// Result is the outcome of one evaluation.
type Result struct {
	Flag    contracts.RiskFlag `json:"flag"`
	Reasons []string           `json:"reasons"`
}

// RequiresHumanReview reports whether the flag is in p's mandatory-review set.
func (r Result) RequiresHumanReview(p policy.PartnerPolicy) bool {
	return p.RequiresHumanReview(r.Flag)
}

// Evaluate computes the workflow flag for checkIn under p.
//
// Distress sets the starting flag from the red, orange and yellow minimums,
// checked in that order. Low mood and low sleep each raise the flag to at
// least YELLOW. A keyword in p's override set forces RED. Low HRV and very
// low sleep hours raise it to at least ORANGE. Flags only ever combine
// upward. Scores are assumed to lie in [0, 10].
func Evaluate(checkIn contracts.CheckIn, p policy.PartnerPolicy, readings []contracts.BiomarkerReading) Result {
	th := p.EscalationThresholds
	flag := contracts.FlagGreen
	var reasons []string

	if d := checkIn.DistressLevel; d != nil {
		switch {
		case *d >= th.RedMinDistress:
			flag = contracts.FlagRed
			reasons = append(reasons, distressReason(*d, contracts.FlagRed, th.RedMinDistress))
		case *d >= th.OrangeMinDistress:
			flag = contracts.MaxFlag(flag, contracts.FlagOrange)
			reasons = append(reasons, distressReason(*d, contracts.FlagOrange, th.OrangeMinDistress))
		case *d >= th.YellowMinDistress:
			flag = contracts.MaxFlag(flag, contracts.FlagYellow)
			reasons = append(reasons, distressReason(*d, contracts.FlagYellow, th.YellowMinDistress))
		}
	}

	if m := checkIn.MoodScore; m != nil && *m <= th.LowMoodThreshold {
		flag = contracts.MaxFlag(flag, contracts.FlagYellow)
		reasons = append(reasons, fmt.Sprintf(
			"Mood score (%s) <= low mood threshold (%s). Elevated for human review.",
			formatScore(*m), formatScore(th.LowMoodThreshold)))
	}

	if s := checkIn.SleepQuality; s != nil && *s <= th.LowSleepThreshold {
		flag = contracts.MaxFlag(flag, contracts.FlagYellow)
		reasons = append(reasons, fmt.Sprintf(
			"Sleep quality (%s) <= low sleep threshold (%s). Elevated for human review.",
			formatScore(*s), formatScore(th.LowSleepThreshold)))
	}

	if matched := MatchKeywords(checkIn.KeywordFlags, p.EscalationKeywordOverrides); len(matched) > 0 {
		flag = contracts.FlagRed
		reasons = append(reasons, fmt.Sprintf(
			"Escalation keywords detected: %s. Immediate human review required per partner policy.",
			formatList(matched)))
	}

	for _, r := range readings {
		if r.MetricName == contracts.MetricHeartRateVariability && r.Value < LowHRVThreshold {
			flag = contracts.MaxFlag(flag, contracts.FlagOrange)
			reasons = append(reasons, fmt.Sprintf(
				"Low HRV reading (%s %s). Supplementary signal elevated for human review.",
				formatScore(r.Value), r.Unit))
		}
		if r.MetricName == contracts.MetricSleepHours && r.Value < VeryLowSleepHoursLimit {
			flag = contracts.MaxFlag(flag, contracts.FlagOrange)
			reasons = append(reasons, fmt.Sprintf(
				"Very low sleep (%s hours). Supplementary signal elevated for human review.",
				formatScore(r.Value)))
		}
	}

	if len(reasons) == 0 {
		reasons = append(reasons, NominalReason)
	}
	return Result{Flag: flag, Reasons: reasons}
}

// MatchKeywords returns the check-in keywords present in overrides, in
// check-in order. Both sides are compared in Unicode NFC form, so composed
// and decomposed spellings of the same word match.
func MatchKeywords(keywords, overrides []string) []string {
	if len(keywords) == 0 || len(overrides) == 0 {
		return nil
	}
	set := make(map[string]struct{}, len(overrides))
	for _, o := range overrides {
		set[norm.NFC.String(o)] = struct{}{}
	}
	var matched []string
	for _, k := range keywords {
		if _, ok := set[norm.NFC.String(k)]; ok {
			matched = append(matched, k)
		}
	}
	return matched
}

func distressReason(level float64, flag contracts.RiskFlag, threshold float64) string {
	return fmt.Sprintf("Distress level (%s) >= %s threshold (%s). Human review required.",
		formatScore(level), flag, formatScore(threshold))
}

// formatScore renders whole numbers with one decimal ("9.0") and everything
// else in shortest form ("7.25").
func formatScore(v float64) string {
	if v == math.Trunc(v) && !math.IsInf(v, 0) {
		return strconv.FormatFloat(v, 'f', 1, 64)
	}
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatList renders ["a", "b"] as ['a', 'b'].
func formatList(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = "'" + s + "'"
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
