// Package privacy redacts protected health information from audit metadata
// before it leaves the process. Redaction is applied at export time only;
// stored audit entries keep their original values so hashes stay stable.
package privacy

import (
	"regexp"
	"strings"
)

// RedactedMarker replaces the whole value of a sensitive key.
const RedactedMarker = "[REDACTED]"

// phiPattern tags a substring matcher with the kind used in its marker.
type phiPattern struct {
	kind string
	re   *regexp.Regexp
}

// Applied in order. Dates run before phones so an ISO date is never read as a number run.
var phiPatterns = []phiPattern{
	{kind: "SSN", re: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{kind: "DOB", re: regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)},
	{kind: "PHONE", re: regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`)},
	{kind: "EMAIL", re: regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
}

var sensitiveKeys = map[string]struct{}{
	"name":            {},
	"full_name":       {},
	"first_name":      {},
	"last_name":       {},
	"dob":             {},
	"date_of_birth":   {},
	"birth_date":      {},
	"ssn":             {},
	"social_security": {},
	"email":           {},
	"email_address":   {},
	"phone":           {},
	"phone_number":    {},
	"address":         {},
	"home_address":    {},
	"street_address":  {},
	"zip_code":        {},
	"postal_code":     {},
}

// IsSensitiveKey reports whether values under key are always redacted. Case-insensitive.
func IsSensitiveKey(key string) bool {
	_, ok := sensitiveKeys[strings.ToLower(key)]
	return ok
}

// Marker returns the replacement text for a pattern kind, e.g. "[REDACTED-SSN]".
func Marker(kind string) string {
	return "[REDACTED-" + kind + "]"
}

// ScrubString replaces SSN-, date-, phone- and email-like substrings of s.
func ScrubString(s string) string {
	for _, p := range phiPatterns {
		s = p.re.ReplaceAllString(s, Marker(p.kind))
	}
	return s
}

// RedactMetadata returns a redacted copy of metadata. Sensitive keys are
// replaced wholesale, string values are scrubbed, nested maps are redacted
// recursively and every other value is passed through. The input is not
// modified. Redaction is idempotent.
func RedactMetadata(metadata map[string]any) map[string]any {
	out := make(map[string]any, len(metadata))
	for k, v := range metadata {
		if IsSensitiveKey(k) {
			out[k] = RedactedMarker
			continue
		}
		switch val := v.(type) {
		case string:
			out[k] = ScrubString(val)
		case map[string]any:
			out[k] = RedactMetadata(val)
		default:
			out[k] = v
		}
	}
	return out
}
