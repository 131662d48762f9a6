package domain

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Strategy names reported in resolution metadata and conflict records.
const (
	StrategyRuleBased   = "rule_based"
	StrategyIncremental = "incremental"
	StrategyMerge       = "merge"
)

// Resolution describes which strategy (and rule, where applicable) actually
// produced a resolved value.
type Resolution struct {
	Strategy string `json:"strategy"`
	Rule     string `json:"rule,omitempty"`
}

// Strategy is a pure function mapping (path, base, local, remote) to a
// merged value. Implementations must be deterministic: identical inputs
// always yield identical outputs.
type Strategy interface {
	Name() string
	Resolve(path string, base, local, remote any) (any, Resolution, error)
}

// RuleFunc merges one combat/resource field under a named precedence rule.
type RuleFunc func(base, local, remote any) (any, error)

type fieldRule struct {
	pattern string
	name    string
	fn      RuleFunc
}

// RuleBasedStrategy resolves combat and resource fields by domain-specific
// precedence rules. Rules are pluggable: Register prepends a rule so later
// registrations win over the defaults.
type RuleBasedStrategy struct {
	rules []fieldRule
}

// NewRuleBasedStrategy builds the strategy with the default D&D precedence
// rules: depleting numerics take the lower value, condition lists union,
// spell slot maps take the per-level minimum, death saves keep the worse
// counters, and inventory containers merge.
func NewRuleBasedStrategy() *RuleBasedStrategy {
	s := &RuleBasedStrategy{}
	defaults := []fieldRule{
		{"hit_points", "lowest_wins", lowestNumber},
		{"temporary_hit_points", "lowest_wins", lowestNumber},
		{"combat.hit_points", "lowest_wins", lowestNumber},
		{"conditions", "union", unionList},
		{"death_saves", "worst_counters", highestOrMapMax},
		{"spell_slots", "per_level_min", lowestOrMapMin},
		{"resources.spell_slots", "per_level_min", lowestOrMapMin},
		{"resources", "lowest_wins", lowestOrMapMin},
		{"class_resources", "lowest_wins", lowestNumber},
		{"inventory", "container_union", containerUnion},
		{"equipment", "container_union", containerUnion},
		{"combat", "lowest_wins", lowestNumber},
	}
	s.rules = defaults
	return s
}

// Register adds a precedence rule for paths matching pattern. The newest
// registration takes priority.
func (s *RuleBasedStrategy) Register(pattern, name string, fn RuleFunc) {
	s.rules = append([]fieldRule{{pattern: pattern, name: name, fn: fn}}, s.rules...)
}

func (s *RuleBasedStrategy) Name() string { return StrategyRuleBased }

func (s *RuleBasedStrategy) Resolve(path string, base, local, remote any) (any, Resolution, error) {
	for _, r := range s.rules {
		if !MatchPath(r.pattern, path) {
			continue
		}
		v, err := r.fn(base, local, remote)
		if err != nil {
			return nil, Resolution{}, &ConflictError{FieldPath: path, Strategy: s.Name(), Reason: err.Error()}
		}
		return v, Resolution{Strategy: s.Name(), Rule: r.name}, nil
	}
	return nil, Resolution{}, &ConflictError{FieldPath: path, Strategy: s.Name(), Reason: "no precedence rule for field"}
}

// IncrementalStrategy merges progress fields by applying both sides' deltas
// over the base instead of overwriting: resolved = base + Δlocal + Δremote.
type IncrementalStrategy struct{}

func (IncrementalStrategy) Name() string { return StrategyIncremental }

func (s IncrementalStrategy) Resolve(path string, base, local, remote any) (any, Resolution, error) {
	b, bOK := toNumber(base)
	l, lOK := toNumber(local)
	r, rOK := toNumber(remote)
	if !lOK || !rOK {
		return nil, Resolution{}, &ConflictError{FieldPath: path, Strategy: s.Name(), Reason: "field is not numeric"}
	}
	if !bOK {
		b = 0
	}
	merged := b + (l - b) + (r - b)
	return numberLike(merged, base, local, remote), Resolution{Strategy: s.Name(), Rule: "delta_sum"}, nil
}

// MergeStrategy is the structural fallback: maps merge recursively, lists
// and scalars fall back to remote-wins on collision.
type MergeStrategy struct{}

func (MergeStrategy) Name() string { return StrategyMerge }

func (s MergeStrategy) Resolve(path string, base, local, remote any) (any, Resolution, error) {
	return structuralMerge(local, remote), Resolution{Strategy: s.Name()}, nil
}

func structuralMerge(local, remote any) any {
	lm, lIsMap := asMap(local)
	rm, rIsMap := asMap(remote)
	if lIsMap && rIsMap {
		out := make(map[string]any, len(lm)+len(rm))
		for k, v := range lm {
			out[k] = cloneValue(v)
		}
		for k, rv := range rm {
			if lv, ok := out[k]; ok {
				out[k] = structuralMerge(lv, rv)
			} else {
				out[k] = cloneValue(rv)
			}
		}
		return out
	}
	if reflect.DeepEqual(local, remote) {
		return cloneValue(local)
	}
	return cloneValue(remote)
}

func lowestNumber(base, local, remote any) (any, error) {
	l, lOK := toNumber(local)
	r, rOK := toNumber(remote)
	if !lOK || !rOK {
		return nil, errNotNumeric
	}
	if l < r {
		return numberLike(l, base, local, remote), nil
	}
	return numberLike(r, base, local, remote), nil
}

func highestNumber(base, local, remote any) (any, error) {
	l, lOK := toNumber(local)
	r, rOK := toNumber(remote)
	if !lOK || !rOK {
		return nil, errNotNumeric
	}
	if l > r {
		return numberLike(l, base, local, remote), nil
	}
	return numberLike(r, base, local, remote), nil
}

func unionList(base, local, remote any) (any, error) {
	ll, lOK := toList(local)
	rl, rOK := toList(remote)
	if !lOK || !rOK {
		return nil, errNotList
	}
	out := make([]any, 0, len(ll)+len(rl))
	seen := make(map[string]struct{}, len(ll)+len(rl))
	for _, v := range append(append([]any{}, ll...), rl...) {
		key := canonical(v)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, cloneValue(v))
	}
	sort.Slice(out, func(i, j int) bool { return canonical(out[i]) < canonical(out[j]) })
	return out, nil
}

// Diff flattens nested maps to leaf paths, so these rules see scalar leaves
// most of the time and whole maps only when one side replaced the container.
func lowestOrMapMin(base, local, remote any) (any, error) {
	if bothMaps(local, remote) {
		return numericMapPick(local, remote, true)
	}
	return lowestNumber(base, local, remote)
}

func highestOrMapMax(base, local, remote any) (any, error) {
	if bothMaps(local, remote) {
		return numericMapPick(local, remote, false)
	}
	return highestNumber(base, local, remote)
}

func bothMaps(local, remote any) bool {
	_, lOK := asMap(local)
	_, rOK := asMap(remote)
	return lOK && rOK
}

func numericMapPick(local, remote any, min bool) (any, error) {
	lm, lOK := asMap(local)
	rm, rOK := asMap(remote)
	if !lOK || !rOK {
		return nil, errNotNumericMap
	}
	out := make(map[string]any, len(lm)+len(rm))
	for k, v := range lm {
		out[k] = cloneValue(v)
	}
	for k, rv := range rm {
		lv, both := out[k]
		if !both {
			out[k] = cloneValue(rv)
			continue
		}
		ln, lnOK := toNumber(lv)
		rn, rnOK := toNumber(rv)
		if !lnOK || !rnOK {
			return nil, errNotNumericMap
		}
		pick := rn
		if (min && ln < rn) || (!min && ln > rn) {
			pick = ln
		}
		out[k] = numberLike(pick, lv, rv)
	}
	return out, nil
}

func containerUnion(base, local, remote any) (any, error) {
	if _, ok := toList(local); ok {
		return unionList(base, local, remote)
	}
	if _, ok := toNumber(local); ok {
		return lowestNumber(base, local, remote)
	}
	lm, lOK := asMap(local)
	rm, rOK := asMap(remote)
	if !lOK || !rOK {
		return nil, errNotContainer
	}
	out := make(map[string]any, len(lm)+len(rm))
	for k, v := range lm {
		out[k] = cloneValue(v)
	}
	for k, rv := range rm {
		if lv, both := out[k]; both {
			out[k] = structuralMerge(lv, rv)
		} else {
			out[k] = cloneValue(rv)
		}
	}
	return out, nil
}

var (
	errNotNumeric    = ruleError("values are not numeric")
	errNotList       = ruleError("values are not lists")
	errNotNumericMap = ruleError("values are not numeric maps")
	errNotContainer  = ruleError("values are not containers")
)

type ruleError string

func (e ruleError) Error() string { return string(e) }

func toNumber(v any) (float64, bool) {
	switch t := v.(type) {
	case int:
		return float64(t), true
	case int32:
		return float64(t), true
	case int64:
		return float64(t), true
	case float32:
		return float64(t), true
	case float64:
		return t, true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}

func toList(v any) ([]any, bool) {
	l, ok := v.([]any)
	return l, ok
}

// numberLike keeps integral results integral when every sampled input was an
// integer kind, so merged documents round-trip the way they came in.
func numberLike(n float64, samples ...any) any {
	if n != float64(int64(n)) {
		return n
	}
	for _, s := range samples {
		switch s.(type) {
		case float32, float64, json.Number:
			return n
		}
	}
	return int64(n)
}

func canonical(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}
