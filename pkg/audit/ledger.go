package audit

// Ledger is the append-only storage behind a Log. Implementations never
// rewrite or drop a record; the Log serializes calls to Append.
type Ledger interface {
	Append(rec Record)
	// Records returns the records in append order. Callers must not modify them.
	Records() []Record
	Len() int
}

// MemoryLedger keeps records in a slice. It is the default ledger.
type MemoryLedger struct {
	records []Record
}

// NewMemoryLedger returns an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{records: make([]Record, 0, 64)}
}

func (l *MemoryLedger) Append(rec Record) {
	l.records = append(l.records, rec)
}

// Records returns a length-capped view so later appends never show through.
func (l *MemoryLedger) Records() []Record {
	n := len(l.records)
	return l.records[:n:n]
}

func (l *MemoryLedger) Len() int {
	return len(l.records)
}
