package domain

import (
	"reflect"
	"sort"
	"strings"
)

// FieldChange is one entry of a structural diff.
type FieldChange struct {
	Old any
	New any
}

// Diff computes the structural difference between two state documents,
// keyed by dotted field path. Nested maps are descended into; lists and
// scalars are compared atomically.
func Diff(base, other State) map[string]FieldChange {
	out := make(map[string]FieldChange)
	diffInto(out, "", map[string]any(base), map[string]any(other))
	return out
}

func diffInto(out map[string]FieldChange, prefix string, base, other map[string]any) {
	for key, ov := range other {
		path := joinPath(prefix, key)
		bv, exists := base[key]
		if !exists {
			out[path] = FieldChange{Old: nil, New: ov}
			continue
		}
		bm, bIsMap := asMap(bv)
		om, oIsMap := asMap(ov)
		if bIsMap && oIsMap {
			diffInto(out, path, bm, om)
			continue
		}
		if !reflect.DeepEqual(bv, ov) {
			out[path] = FieldChange{Old: bv, New: ov}
		}
	}
	for key, bv := range base {
		if _, exists := other[key]; exists {
			continue
		}
		out[joinPath(prefix, key)] = FieldChange{Old: bv, New: nil}
	}
}

// ValueAt returns the value stored at a dotted path.
func ValueAt(s State, path string) (any, bool) {
	cur := map[string]any(s)
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		v, ok := cur[seg]
		if !ok {
			return nil, false
		}
		if i == len(segs)-1 {
			return v, true
		}
		m, isMap := asMap(v)
		if !isMap {
			return nil, false
		}
		cur = m
	}
	return nil, false
}

// SetValue writes a value at a dotted path, creating intermediate maps as
// needed. A nil value deletes the leaf.
func SetValue(s State, path string, value any) {
	cur := map[string]any(s)
	segs := strings.Split(path, ".")
	for i, seg := range segs {
		if i == len(segs)-1 {
			if value == nil {
				delete(cur, seg)
			} else {
				cur[seg] = value
			}
			return
		}
		next, ok := asMap(cur[seg])
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
}

// Overlay lays a partial document over a base: maps merge recursively with
// overlay fields replacing base fields, base fields absent from the overlay
// survive. Neither input is mutated.
func Overlay(base, overlay State) State {
	return State(overlayMap(map[string]any(base), map[string]any(overlay)))
}

func overlayMap(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for k, v := range base {
		out[k] = cloneValue(v)
	}
	for k, ov := range overlay {
		bm, bIsMap := asMap(out[k])
		om, oIsMap := asMap(ov)
		if bIsMap && oIsMap {
			out[k] = overlayMap(bm, om)
			continue
		}
		out[k] = cloneValue(ov)
	}
	return out
}

// Clone deep-copies a state document. Nested maps are copied recursively;
// lists are copied one level deep.
func Clone(s State) State {
	if s == nil {
		return State{}
	}
	return State(cloneMap(map[string]any(s)))
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case State:
		return cloneMap(map[string]any(t))
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// sortedPaths returns diff keys in deterministic order.
func sortedPaths(diff map[string]FieldChange) []string {
	paths := make([]string, 0, len(diff))
	for p := range diff {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case State:
		return map[string]any(t), true
	}
	return nil, false
}

func joinPath(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}
