// Package audit implements the hash-chained, append-only audit log that every
// escalation transition is written through.
//
// Each entry carries the SHA-256 hash of its predecessor's canonical
// sorted-key encoding. VerifyChain recomputes every hash and reports the first
// index where the chain no longer holds; tampering is reported as data, never
// as an error. One Log serves many organizations; isolation is applied at
// query time.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Log is the in-process audit log. Appends are serialized by a single writer
// lock; readers observe a consistent prefix.
type Log struct {
	mu     sync.RWMutex
	ledger Ledger
	head   string
	next   uint64
	sinks  []Sink
	clock  func() time.Time
	logger *slog.Logger

	appends    metric.Int64Counter
	sinkErrors metric.Int64Counter
}

// Option configures a Log.
type Option func(*Log)

// WithClock overrides the time source used to stamp entries.
func WithClock(clock func() time.Time) Option {
	return func(l *Log) { l.clock = clock }
}

// WithLedger replaces the default in-memory ledger. The ledger must be empty.
func WithLedger(ledger Ledger) Option {
	return func(l *Log) { l.ledger = ledger }
}

// WithSink registers a mirror sink at construction time.
func WithSink(sink Sink) Option {
	return func(l *Log) { l.sinks = append(l.sinks, sink) }
}

// WithLogger sets the structured logger used for sink failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New creates an empty audit log.
func New(opts ...Option) *Log {
	l := &Log{
		clock:  time.Now,
		logger: slog.Default().With("component", "audit"),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.ledger == nil {
		l.ledger = NewMemoryLedger()
	}

	meter := otel.Meter("github.com/acuitybridge/core/pkg/audit")
	var err error
	if l.appends, err = meter.Int64Counter("acuity.audit.appends",
		metric.WithDescription("Audit entries appended")); err != nil {
		l.logger.Warn("audit: append counter unavailable", "error", err)
	}
	if l.sinkErrors, err = meter.Int64Counter("acuity.audit.sink_errors",
		metric.WithDescription("Audit mirror sink write failures")); err != nil {
		l.logger.Warn("audit: sink error counter unavailable", "error", err)
	}
	return l
}

// Restore rebuilds a log from persisted records, keeping the recorded hashes
// so the result can be verified exactly as it was mirrored. Records must be
// in sequence order. Missing sequences are kept missing: VerifyChain reports
// the first record after a gap, and new appends continue after the highest
// restored sequence.
func Restore(records []Record, opts ...Option) *Log {
	l := New(opts...)
	for _, rec := range records {
		rec.Entry = rec.Entry.Clone()
		l.ledger.Append(rec)
		l.head = rec.Hash
		l.next = rec.Sequence + 1
	}
	return l
}

// AddSink registers a mirror sink. Only records appended afterwards are delivered.
func (l *Log) AddSink(sink Sink) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sinks = append(l.sinks, sink)
}

// Append records an entry and returns the stored copy. EntryID and
// Timestamp are filled in when empty, PreviousHash is always overwritten
// with the hash of the current tail. Append never fails.
func (l *Log) Append(entry Entry) Entry {
	return l.AppendContext(context.Background(), entry)
}

// AppendContext is Append with a context passed through to mirror sinks.
func (l *Log) AppendContext(ctx context.Context, entry Entry) Entry {
	if entry.EntryID == "" {
		entry.EntryID = uuid.New().String()
	}
	metadata, err := normalizeMetadata(entry.Metadata)
	if err != nil {
		// Unencodable metadata is recorded as such rather than rejected.
		l.logger.ErrorContext(ctx, "audit: metadata not encodable",
			"entry_id", entry.EntryID, "event_type", entry.EventType, "error", err)
		metadata = map[string]any{"metadata_error": err.Error()}
	}
	entry.Metadata = metadata

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = l.clock()
	}
	entry.Timestamp = entry.Timestamp.UTC().Truncate(time.Microsecond)
	entry.PreviousHash = l.head

	hash, err := entry.Hash()
	if err != nil {
		// Metadata is JSON-normalized above, so this only trips on a broken encoder.
		l.logger.ErrorContext(ctx, "audit: hashing failed", "entry_id", entry.EntryID, "error", err)
	}

	rec := Record{
		Sequence: l.next,
		Entry:    entry,
		Hash:     hash,
	}
	l.ledger.Append(rec)
	l.head = hash
	l.next++

	if l.appends != nil {
		l.appends.Add(ctx, 1, metric.WithAttributes(attribute.String("event_type", string(entry.EventType))))
	}
	for _, sink := range l.sinks {
		if err := sink.Write(ctx, Record{Sequence: rec.Sequence, Entry: entry.Clone(), Hash: hash}); err != nil {
			l.logger.ErrorContext(ctx, "audit: sink write failed",
				"sequence", rec.Sequence, "entry_id", entry.EntryID, "error", err)
			if l.sinkErrors != nil {
				l.sinkErrors.Add(ctx, 1)
			}
		}
	}

	return entry.Clone()
}

// VerifyChain walks the log in append order. It returns (true, nil) when the
// chain is intact, otherwise false and the index of the first entry whose
// sequence, link or recorded hash does not match a fresh recomputation.
func (l *Log) VerifyChain() (bool, *int) {
	l.mu.RLock()
	records := l.ledger.Records()
	l.mu.RUnlock()

	return verifyRecords(records)
}

func verifyRecords(records []Record) (bool, *int) {
	prev := ""
	for i, rec := range records {
		if rec.Sequence != uint64(i) || rec.Entry.PreviousHash != prev {
			return false, &i
		}
		computed, err := rec.Entry.Hash()
		if err != nil || computed != rec.Hash {
			return false, &i
		}
		prev = computed
	}
	return true, nil
}

// QueryFilter narrows a query. Zero values match everything; Start and End
// are inclusive.
type QueryFilter struct {
	EventType EventType
	Start     *time.Time
	End       *time.Time
	ActorID   string
}

func (f QueryFilter) matches(e Entry) bool {
	if f.EventType != "" && e.EventType != f.EventType {
		return false
	}
	if f.Start != nil && e.Timestamp.Before(*f.Start) {
		return false
	}
	if f.End != nil && e.Timestamp.After(*f.End) {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	return true
}

// Query returns copies of the entries for orgID that match filter, in append
// order. An empty orgID matches nothing.
func (l *Log) Query(orgID string, filter QueryFilter) []Entry {
	results := make([]Entry, 0)
	if orgID == "" {
		return results
	}

	l.mu.RLock()
	records := l.ledger.Records()
	l.mu.RUnlock()

	for _, rec := range records {
		if rec.Entry.OrgID != orgID || !filter.matches(rec.Entry) {
			continue
		}
		results = append(results, rec.Entry.Clone())
	}
	return results
}

// Records returns copies of every record across all organizations. It backs
// persistence tooling and is not tenant scoped.
func (l *Log) Records() []Record {
	l.mu.RLock()
	records := l.ledger.Records()
	l.mu.RUnlock()

	out := make([]Record, len(records))
	for i, rec := range records {
		rec.Entry = rec.Entry.Clone()
		out[i] = rec
	}
	return out
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.ledger.Len()
}

// Head returns the hash of the most recent entry, or "" for an empty log.
func (l *Log) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}
