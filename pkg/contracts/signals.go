package contracts

import "time"

// RiskFlag is a workflow flag level. GREEN < YELLOW < ORANGE < RED.
type RiskFlag string

const (
	FlagGreen  RiskFlag = "GREEN"
	FlagYellow RiskFlag = "YELLOW"
	FlagOrange RiskFlag = "ORANGE"
	FlagRed    RiskFlag = "RED"
)

var flagRank = map[RiskFlag]int{
	FlagGreen:  0,
	FlagYellow: 1,
	FlagOrange: 2,
	FlagRed:    3,
}

// Rank returns the position of f in the total order, or -1 for an unknown flag.
func (f RiskFlag) Rank() int {
	r, ok := flagRank[f]
	if !ok {
		return -1
	}
	return r
}

// Valid reports whether f is one of the four known flags.
func (f RiskFlag) Valid() bool {
	return f.Rank() >= 0
}

// MaxFlag returns the more severe of a and b.
func MaxFlag(a, b RiskFlag) RiskFlag {
	if a.Rank() >= b.Rank() {
		return a
	}
	return b
}

// Participant is a person enrolled in a workflow under one partner org.
type Participant struct {
	ParticipantID string    `json:"participant_id" yaml:"participant_id"`
	OrgID         string    `json:"org_id" yaml:"org_id"`
	DisplayName   string    `json:"display_name,omitempty" yaml:"display_name,omitempty"` // synthetic only outside BAA-covered deployments
	EnrolledAt    time.Time `json:"enrolled_at" yaml:"enrolled_at"`
	Active        bool      `json:"active" yaml:"active"`
}

// CheckIn is a structured self-report. Scores are unitless, 0-10 inclusive;
// range validation belongs to the producer.
type CheckIn struct {
	CheckInID     string    `json:"check_in_id"`
	ParticipantID string    `json:"participant_id"`
	OrgID         string    `json:"org_id"`
	Timestamp     time.Time `json:"timestamp"`

	// Optional scores. Nil means not reported.
	MoodScore     *float64 `json:"mood_score,omitempty"`
	SleepQuality  *float64 `json:"sleep_quality,omitempty"`
	EnergyLevel   *float64 `json:"energy_level,omitempty"`
	DistressLevel *float64 `json:"distress_level,omitempty"`

	// KeywordFlags are terms detected in free text that matched partner lists.
	KeywordFlags []string `json:"keyword_flags,omitempty"`
	Notes        string   `json:"notes,omitempty"`
}

// Score is a convenience for building optional check-in scores.
func Score(v float64) *float64 {
	return &v
}

// Supplementary metric names understood by the signal evaluator.
const (
	MetricHeartRateVariability = "heart_rate_variability"
	MetricSleepHours           = "sleep_hours"
)

// BiomarkerReading is a supplementary wearable data point. Not a clinical measurement.
type BiomarkerReading struct {
	ReadingID     string    `json:"reading_id"`
	ParticipantID string    `json:"participant_id"`
	OrgID         string    `json:"org_id"`
	Timestamp     time.Time `json:"timestamp"`
	MetricName    string    `json:"metric_name"`
	Value         float64   `json:"value"`
	Unit          string    `json:"unit,omitempty"`
}
