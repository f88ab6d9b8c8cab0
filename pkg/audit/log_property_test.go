package audit

import (
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var orgs = []string{"org-a", "org-b", "org-c"}

func buildLog(n int) *Log {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	log := New(WithClock(func() time.Time {
		tick++
		return start.Add(time.Duration(tick) * time.Second)
	}))
	for i := 0; i < n; i++ {
		log.Append(Entry{
			OrgID:        orgs[i%len(orgs)],
			ActorID:      fmt.Sprintf("actor-%d", i),
			ActorRole:    "SYSTEM",
			EventType:    EventSignalEvaluated,
			TargetEntity: fmt.Sprintf("case-%d", i),
			Metadata:     map[string]any{"i": i},
		})
	}
	return log
}

// tamper mutates one field of the stored entry at idx in place.
func tamper(log *Log, idx, field int) {
	e := &log.ledger.(*MemoryLedger).records[idx].Entry
	switch field % 9 {
	case 0:
		e.EntryID += "x"
	case 1:
		e.Timestamp = e.Timestamp.Add(time.Millisecond)
	case 2:
		e.OrgID += "x"
	case 3:
		e.ActorID += "x"
	case 4:
		e.ActorRole += "x"
	case 5:
		e.EventType = EventDataAccessed
	case 6:
		e.TargetEntity += "x"
	case 7:
		e.Metadata = map[string]any{"i": -1}
	case 8:
		e.PreviousHash = "0000"
	}
}

func TestProperty_ChainVerifiesAfterAnyAppends(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("verify_chain is valid for every append sequence", prop.ForAll(
		func(n int) bool {
			valid, broken := buildLog(n).VerifyChain()
			return valid && broken == nil
		},
		gen.IntRange(1, 40),
	))

	properties.TestingRun(t)
}

func TestProperty_TamperingIsDetected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("mutating any field of a non-final entry breaks the chain at or before it", prop.ForAll(
		func(n, pick, field int) bool {
			log := buildLog(n)
			idx := pick % (n - 1)
			tamper(log, idx, field)

			valid, broken := log.VerifyChain()
			return !valid && broken != nil && *broken <= idx
		},
		gen.IntRange(2, 30),
		gen.IntRange(0, 1000),
		gen.IntRange(0, 8),
	))

	properties.TestingRun(t)
}

func TestProperty_TenantIsolation(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("query(org) never returns another org's entries", prop.ForAll(
		func(choices []int) bool {
			log := New()
			want := map[string]int{}
			for _, c := range choices {
				org := orgs[c]
				want[org]++
				log.Append(Entry{OrgID: org, EventType: EventDataAccessed})
			}
			for _, org := range orgs {
				got := log.Query(org, QueryFilter{})
				if len(got) != want[org] {
					return false
				}
				for _, e := range got {
					if e.OrgID != org {
						return false
					}
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, len(orgs)-1)),
	))

	properties.TestingRun(t)
}
