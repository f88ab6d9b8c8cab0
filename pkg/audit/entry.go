package audit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/acuitybridge/core/pkg/canonicalize"
)

// Entry is a single audit record. Once appended it is never mutated; every
// read path hands out copies.
type Entry struct {
	EntryID      string         `json:"entry_id"`
	Timestamp    time.Time      `json:"timestamp"`
	OrgID        string         `json:"org_id"`
	ActorID      string         `json:"actor_id"`
	ActorRole    string         `json:"actor_role"`
	EventType    EventType      `json:"event_type"`
	TargetEntity string         `json:"target_entity"`
	Metadata     map[string]any `json:"metadata"`
	PreviousHash string         `json:"previous_hash"`
}

// Record pairs an appended entry with the hash recorded for it at append
// time. Sequence is the zero-based position in the log.
type Record struct {
	Sequence uint64 `json:"sequence"`
	Entry    Entry  `json:"entry"`
	Hash     string `json:"hash"`
}

// TimestampLayout is the text form used when entry timestamps are stored or
// displayed.
const TimestampLayout = time.RFC3339Nano

// isoTimestamp formats t in UTC as 2006-01-02T15:04:05[.ffffff]+00:00, with
// the fraction present only when the microsecond part is non-zero.
func isoTimestamp(t time.Time) string {
	t = t.UTC()
	out := t.Format("2006-01-02T15:04:05")
	if us := t.Nanosecond() / 1000; us != 0 {
		out += fmt.Sprintf(".%06d", us)
	}
	return out + "+00:00"
}

// canonicalFields is the exact field set covered by an entry hash.
func (e Entry) canonicalFields() map[string]any {
	metadata := e.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	return map[string]any{
		"entry_id":      e.EntryID,
		"timestamp":     isoTimestamp(e.Timestamp),
		"org_id":        e.OrgID,
		"actor_id":      e.ActorID,
		"actor_role":    e.ActorRole,
		"event_type":    string(e.EventType),
		"target_entity": e.TargetEntity,
		"metadata":      metadata,
		"previous_hash": e.PreviousHash,
	}
}

// CanonicalJSON returns the sorted-key encoding that Hash is computed over.
func (e Entry) CanonicalJSON() ([]byte, error) {
	return canonicalize.SortedJSON(e.canonicalFields())
}

// Hash returns the lowercase hex SHA-256 of the canonical encoding.
func (e Entry) Hash() (string, error) {
	data, err := e.CanonicalJSON()
	if err != nil {
		return "", fmt.Errorf("audit: canonical encoding of entry %s: %w", e.EntryID, err)
	}
	return canonicalize.HashBytes(data), nil
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	e.Metadata = cloneMap(e.Metadata)
	return e
}

// EncodeMetadata renders metadata in the canonical text form. Integers and
// floats stay distinguishable, so DecodeMetadata restores the same values.
func EncodeMetadata(m map[string]any) ([]byte, error) {
	if m == nil {
		m = map[string]any{}
	}
	return canonicalize.SortedJSON(m)
}

// DecodeMetadata parses stored metadata back into normalized values.
func DecodeMetadata(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return normalizeMetadata(raw)
}

// normalizeMetadata copies metadata into JSON-native values that share
// nothing with the caller. Integers become int64 and floats float64 so both
// keep their distinct canonical forms; other types go through their JSON
// encoding.
func normalizeMetadata(m map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", k, err)
		}
		out[k] = nv
	}
	return out, nil
}

func normalizeValue(v any) (any, error) {
	switch val := v.(type) {
	case nil, bool, string, int64:
		return val, nil
	case json.Number:
		return numberValue(val)
	case map[string]any:
		return normalizeMetadata(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			nv, err := normalizeValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String:
		return rv.String(), nil
	case reflect.Bool:
		return rv.Bool(), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > math.MaxInt64 {
			return json.Number(strconv.FormatUint(u, 10)), nil
		}
		return int64(u), nil
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("unsupported float %v", f)
		}
		return f, nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			break
		}
		out := make([]any, rv.Len())
		for i := range out {
			nv, err := normalizeValue(rv.Index(i).Interface())
			if err != nil {
				return nil, err
			}
			out[i] = nv
		}
		return out, nil
	}

	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		return nil, err
	}
	return normalizeValue(decoded)
}

// numberValue maps decoded JSON numbers back to int64 or float64. A fraction
// or exponent marks a float.
func numberValue(n json.Number) (any, error) {
	s := n.String()
	if !strings.ContainsAny(s, ".eE") {
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		return n, nil
	}
	return n.Float64()
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
