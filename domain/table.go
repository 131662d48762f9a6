package domain

import "strings"

// strategyEntry binds one path pattern to a strategy. Entries are matched
// in order, first match wins, so dispatch is a deterministic pure function
// of the field path.
type strategyEntry struct {
	pattern  string
	strategy Strategy
}

// StrategyTable maps field paths to resolution strategies through a
// prioritized pattern list with a structural-merge fallback.
type StrategyTable struct {
	entries  []strategyEntry
	fallback Strategy
}

// NewStrategyTable builds the default dispatch table: combat and resource
// fields go to the rule-based strategy, progress fields to the incremental
// strategy, everything else to structural merge.
func NewStrategyTable() *StrategyTable {
	rules := NewRuleBasedStrategy()
	incr := IncrementalStrategy{}
	t := &StrategyTable{fallback: MergeStrategy{}}
	for _, pattern := range []string{
		"hit_points",
		"temporary_hit_points",
		"conditions",
		"death_saves",
		"spell_slots",
		"class_resources",
		"resources",
		"inventory",
		"equipment",
		"combat",
	} {
		t.entries = append(t.entries, strategyEntry{pattern: pattern, strategy: rules})
	}
	for _, pattern := range []string{
		"experience_points",
		"level",
		"proficiency_bonus",
		"progress",
	} {
		t.entries = append(t.entries, strategyEntry{pattern: pattern, strategy: incr})
	}
	return t
}

// Bind prepends a pattern, taking priority over existing entries.
func (t *StrategyTable) Bind(pattern string, s Strategy) {
	t.entries = append([]strategyEntry{{pattern: pattern, strategy: s}}, t.entries...)
}

// StrategyFor returns the strategy for a field path.
func (t *StrategyTable) StrategyFor(path string) Strategy {
	for _, e := range t.entries {
		if MatchPath(e.pattern, path) {
			return e.strategy
		}
	}
	return t.fallback
}

// MatchPath reports whether a dotted pattern matches a dotted path. The
// pattern's segments must prefix-match the path's segments; "*" matches any
// single segment. "resources" therefore matches both "resources" and
// "resources.spell_slots.level_1", while "res" matches neither.
func MatchPath(pattern, path string) bool {
	ps := strings.Split(pattern, ".")
	fs := strings.Split(path, ".")
	if len(ps) > len(fs) {
		return false
	}
	for i, seg := range ps {
		if seg == "*" {
			continue
		}
		if seg != fs[i] {
			return false
		}
	}
	return true
}
