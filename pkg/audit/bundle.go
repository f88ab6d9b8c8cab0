package audit

import (
	"fmt"
	"time"

	"github.com/acuitybridge/core/pkg/privacy"
)

// ChainValid is the chain_integrity value of an intact log.
const ChainValid = "VALID"

// ScopeNote is embedded in every export to state what the hash chain does
// and does not guarantee.
const ScopeNote = "This export uses SHA-256 hash chaining for structural tamper evidence. " +
	"Production deployment would use WORM storage, object-lock, or a cryptographic commitment scheme."

// ExportMetadata describes an export bundle.
type ExportMetadata struct {
	OrgID          string `json:"org_id"`
	ExportedAt     string `json:"exported_at"`
	EntryCount     int    `json:"entry_count"`
	ChainIntegrity string `json:"chain_integrity"`
	ScopeNote      string `json:"scope_note"`
}

// ExportBundle is the reviewer-facing export of one organization's entries.
type ExportBundle struct {
	ExportMetadata ExportMetadata `json:"export_metadata"`
	Entries        []Entry        `json:"entries"`
}

// RedactPHI returns a copy of metadata with protected health information
// removed. It is applied on export only.
func RedactPHI(metadata map[string]any) map[string]any {
	return privacy.RedactMetadata(metadata)
}

// ChainIntegrity formats a VerifyChain result as VALID or BROKEN_AT_INDEX_<i>.
func ChainIntegrity(valid bool, brokenAt *int) string {
	if valid || brokenAt == nil {
		return ChainValid
	}
	return fmt.Sprintf("BROKEN_AT_INDEX_%d", *brokenAt)
}

// ExportForReview returns orgID's entries within [start, end] with redacted
// metadata, together with the integrity of the whole chain. Nil bounds are open.
func (l *Log) ExportForReview(orgID string, start, end *time.Time) ExportBundle {
	bundle, _ := l.exportSnapshot(orgID, start, end)
	return bundle
}

// exportSnapshot builds the bundle from one consistent view of the log and
// also returns the chain head of that view.
func (l *Log) exportSnapshot(orgID string, start, end *time.Time) (ExportBundle, string) {
	l.mu.RLock()
	records, head := l.ledger.Records(), l.head
	l.mu.RUnlock()

	filter := QueryFilter{Start: start, End: end}
	entries := make([]Entry, 0)
	for _, rec := range records {
		if orgID == "" || rec.Entry.OrgID != orgID || !filter.matches(rec.Entry) {
			continue
		}
		e := rec.Entry.Clone()
		e.Metadata = RedactPHI(e.Metadata)
		entries = append(entries, e)
	}
	valid, brokenAt := verifyRecords(records)

	return ExportBundle{
		ExportMetadata: ExportMetadata{
			OrgID:          orgID,
			ExportedAt:     l.clock().UTC().Format(time.RFC3339Nano),
			EntryCount:     len(entries),
			ChainIntegrity: ChainIntegrity(valid, brokenAt),
			ScopeNote:      ScopeNote,
		},
		Entries: entries,
	}, head
}
