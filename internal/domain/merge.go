package domain

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// MergeAttributes merges an incoming attribute map into an existing one,
// field by field, without ever discarding previously recorded facts:
//
//   - list-valued fields: union, deduplicated, order-insensitive
//   - map-valued fields: recursive merge under the same rules
//   - numeric scalars: the higher value wins
//   - date-valued strings (RFC 3339 or YYYY-MM-DD on both sides): the later wins
//   - fields absent or null in existing: the incoming value is adopted
//   - structurally incompatible fields: the incoming value is rejected and
//     reported, the stored value is kept, and the rest of the merge proceeds
//
// Non-date string scalars keep the stored value; only list/set fields are
// required to merge commutatively. Neither input map is mutated. Conflicts
// inside nested maps are reported with a dotted field path ("panel.ids").
// The returned changed slice names the incoming fields that were applied,
// sorted, for the merge-history annotation.
func MergeAttributes(existing, incoming map[string]any) (merged map[string]any, conflicts []MergeConflictError, changed []string) {
	merged = make(map[string]any, len(existing)+len(incoming))
	for k, v := range existing {
		merged[k] = v
	}

	for key, inVal := range incoming {
		if inVal == nil {
			continue
		}
		exVal, ok := merged[key]
		if !ok || exVal == nil {
			merged[key] = normalizeValue(inVal)
			changed = append(changed, key)
			continue
		}

		out, fieldConflicts := mergeValue(key, exVal, inVal)
		conflicts = append(conflicts, fieldConflicts...)
		if !deepEqual(exVal, out) {
			changed = append(changed, key)
		}
		merged[key] = out
	}

	sort.Strings(changed)
	return merged, conflicts, changed
}

// mergeValue merges a single field pair. An incompatible pair keeps the
// stored value and reports a conflict; conflicts inside nested maps surface
// with the parent key prefixed.
func mergeValue(key string, existing, incoming any) (any, []MergeConflictError) {
	exList, exIsList := asList(existing)
	inList, inIsList := asList(incoming)
	if exIsList && inIsList {
		return unionLists(exList, inList), nil
	}

	exMap, exIsMap := asMap(existing)
	inMap, inIsMap := asMap(incoming)
	if exIsMap && inIsMap {
		sub, subConflicts, _ := MergeAttributes(exMap, inMap)
		for i := range subConflicts {
			subConflicts[i].Field = key + "." + subConflicts[i].Field
		}
		return sub, subConflicts
	}

	exNum, exIsNum := asNumber(existing)
	inNum, inIsNum := asNumber(incoming)
	if exIsNum && inIsNum {
		if inNum > exNum {
			return incoming, nil
		}
		return existing, nil
	}

	exTime, exIsTime := asTime(existing)
	inTime, inIsTime := asTime(incoming)
	if exIsTime && inIsTime {
		if inTime.After(exTime) {
			return incoming, nil
		}
		return existing, nil
	}

	_, exIsStr := existing.(string)
	_, inIsStr := incoming.(string)
	if exIsStr && inIsStr {
		return existing, nil
	}

	if exBool, ok := existing.(bool); ok {
		if _, ok := incoming.(bool); ok {
			// A true fact is never un-recorded.
			if exBool {
				return existing, nil
			}
			return incoming, nil
		}
	}

	return existing, []MergeConflictError{{
		Field:    key,
		Existing: kindOf(existing),
		Incoming: kindOf(incoming),
	}}
}

// unionLists returns the set union of two lists, preserving first-seen order.
func unionLists(a, b []any) []any {
	out := make([]any, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))
	for _, list := range [][]any{a, b} {
		for _, v := range list {
			k := elementKey(v)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, v)
		}
	}
	return out
}

// elementKey produces a stable identity for list deduplication.
func elementKey(v any) string {
	if s, ok := v.(string); ok {
		return "s:" + s
	}
	if n, ok := asNumber(v); ok {
		return fmt.Sprintf("n:%g", n)
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("x:%v", v)
	}
	return "j:" + string(raw)
}

func asList(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, true
	}
	return nil, false
}

func asMap(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

func asNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

// asTime recognizes the date shapes sources actually send: RFC 3339 or a
// bare calendar date.
func asTime(v any) (time.Time, bool) {
	s, ok := v.(string)
	if !ok {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func kindOf(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case []any, []string:
		return "list"
	case map[string]any:
		return "map"
	case string:
		return "string"
	case bool:
		return "bool"
	case float64, float32, int, int32, int64, json.Number:
		return "number"
	}
	return fmt.Sprintf("%T", v)
}

// deepEqual compares two attribute values by canonical JSON encoding. List
// order matters here only for change detection, not for merge semantics.
func deepEqual(a, b any) bool {
	ra, errA := json.Marshal(a)
	rb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ra) == string(rb)
}

// NormalizeAttributes returns a copy of the map with typed slices widened to
// []any, so maps built in Go code and maps decoded from JSON merge alike.
func NormalizeAttributes(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = normalizeValue(v)
	}
	return out
}

func normalizeValue(v any) any {
	if list, ok := asList(v); ok {
		out := make([]any, len(list))
		for i, e := range list {
			out[i] = normalizeValue(e)
		}
		return out
	}
	if m, ok := asMap(v); ok {
		return NormalizeAttributes(m)
	}
	return v
}
