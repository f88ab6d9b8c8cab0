package signals

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/acuitybridge/core/pkg/contracts"
)

func scoredCheckIn(distress, mood, sleep float64, keywords []string) contracts.CheckIn {
	return contracts.CheckIn{
		ParticipantID: "p-1",
		OrgID:         "org-a",
		DistressLevel: contracts.Score(distress),
		MoodScore:     contracts.Score(mood),
		SleepQuality:  contracts.Score(sleep),
		KeywordFlags:  keywords,
	}
}

func rank(c contracts.CheckIn, readings []contracts.BiomarkerReading) int {
	return Evaluate(c, testPolicy(), readings).Flag.Rank()
}

func TestProperty_FlagMonotoneInSeverity(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 300
	properties := gopter.NewProperties(parameters)

	score := gen.Float64Range(0, 10)

	properties.Property("higher distress never lowers the flag", prop.ForAll(
		func(a, b, mood, sleep float64) bool {
			lo, hi := a, b
			if lo > hi {
				lo, hi = hi, lo
			}
			return rank(scoredCheckIn(lo, mood, sleep, nil), nil) <= rank(scoredCheckIn(hi, mood, sleep, nil), nil)
		},
		score, score, score, score,
	))

	properties.Property("adding an override keyword never lowers the flag", prop.ForAll(
		func(distress, mood, sleep float64) bool {
			without := rank(scoredCheckIn(distress, mood, sleep, nil), nil)
			with := rank(scoredCheckIn(distress, mood, sleep, []string{"relapse"}), nil)
			return without <= with && with == contracts.FlagRed.Rank()
		},
		score, score, score,
	))

	properties.Property("lower HRV or sleep hours never lowers the flag", prop.ForAll(
		func(distress, mood, sleep, x, y float64, metricIdx int) bool {
			metric := []string{contracts.MetricHeartRateVariability, contracts.MetricSleepHours}[metricIdx]
			milder, severe := x, y
			if milder < severe {
				milder, severe = severe, milder
			}
			c := scoredCheckIn(distress, mood, sleep, nil)
			return rank(c, []contracts.BiomarkerReading{{MetricName: metric, Value: milder}}) <=
				rank(c, []contracts.BiomarkerReading{{MetricName: metric, Value: severe}})
		},
		score, score, score, gen.Float64Range(0, 100), gen.Float64Range(0, 100), gen.IntRange(0, 1),
	))

	properties.Property("every evaluation carries at least one reason", prop.ForAll(
		func(distress, mood, sleep float64) bool {
			return len(Evaluate(scoredCheckIn(distress, mood, sleep, nil), testPolicy(), nil).Reasons) > 0
		},
		score, score, score,
	))

	properties.TestingRun(t)
}
