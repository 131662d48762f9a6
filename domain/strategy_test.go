package domain

import (
	"errors"
	"reflect"
	"testing"
)

func TestRuleBasedLowestWinsOnHitPoints(t *testing.T) {
	s := NewRuleBasedStrategy()
	v, res, err := s.Resolve("hit_points", 20, 15, 12)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v != int64(12) {
		t.Fatalf("unexpected value: %v (%T)", v, v)
	}
	if res.Strategy != StrategyRuleBased || res.Rule != "lowest_wins" {
		t.Fatalf("unexpected resolution: %+v", res)
	}
}

func TestRuleBasedConditionUnionIsDeterministic(t *testing.T) {
	s := NewRuleBasedStrategy()
	local := []any{"poisoned", "prone"}
	remote := []any{"stunned", "poisoned"}

	v1, _, err := s.Resolve("conditions", []any{"poisoned"}, local, remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	v2, _, err := s.Resolve("conditions", []any{"poisoned"}, remote, local)
	if err != nil {
		t.Fatalf("resolve swapped: %v", err)
	}
	want := []any{"poisoned", "prone", "stunned"}
	if !reflect.DeepEqual(v1, want) {
		t.Fatalf("unexpected union: %+v", v1)
	}
	if !reflect.DeepEqual(v1, v2) {
		t.Fatalf("union depends on argument order: %+v vs %+v", v1, v2)
	}
}

func TestRuleBasedSpellSlotLeafTakesMinimum(t *testing.T) {
	s := NewRuleBasedStrategy()
	v, res, err := s.Resolve("resources.spell_slots.level_1", 4, 2, 3)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v != int64(2) {
		t.Fatalf("unexpected value: %v", v)
	}
	if res.Rule != "per_level_min" {
		t.Fatalf("unexpected rule: %+v", res)
	}
}

func TestRuleBasedSpellSlotMapTakesPerLevelMinimum(t *testing.T) {
	s := NewRuleBasedStrategy()
	local := map[string]any{"level_1": 2, "level_2": 3}
	remote := map[string]any{"level_1": 3, "level_2": 1}
	v, _, err := s.Resolve("spell_slots", nil, local, remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m, ok := v.(map[string]any)
	if !ok {
		t.Fatalf("unexpected type: %T", v)
	}
	if m["level_1"] != int64(2) || m["level_2"] != int64(1) {
		t.Fatalf("unexpected merged slots: %+v", m)
	}
}

func TestRuleBasedDeathSavesKeepWorstCounters(t *testing.T) {
	s := NewRuleBasedStrategy()
	local := map[string]any{"failures": 2, "successes": 1}
	remote := map[string]any{"failures": 1, "successes": 2}
	v, _, err := s.Resolve("death_saves", nil, local, remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m := v.(map[string]any)
	if m["failures"] != int64(2) || m["successes"] != int64(2) {
		t.Fatalf("unexpected death saves: %+v", m)
	}
}

func TestRuleBasedRejectsNonNumericDepletable(t *testing.T) {
	s := NewRuleBasedStrategy()
	_, _, err := s.Resolve("hit_points", 20, "full", 12)
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if conflictErr.FieldPath != "hit_points" {
		t.Fatalf("unexpected field: %+v", conflictErr)
	}
}

func TestRuleBasedRegisterTakesPriority(t *testing.T) {
	s := NewRuleBasedStrategy()
	s.Register("hit_points", "remote_wins", func(base, local, remote any) (any, error) {
		return remote, nil
	})
	v, res, err := s.Resolve("hit_points", 20, 15, 12)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v != 12 || res.Rule != "remote_wins" {
		t.Fatalf("registered rule not applied: %v %+v", v, res)
	}
}

func TestIncrementalSumsBothDeltas(t *testing.T) {
	s := IncrementalStrategy{}
	v, res, err := s.Resolve("experience_points", 100, 150, 130)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v != int64(180) {
		t.Fatalf("unexpected value: %v", v)
	}
	if res.Strategy != StrategyIncremental {
		t.Fatalf("unexpected resolution: %+v", res)
	}
}

func TestIncrementalMissingBaseCountsFromZero(t *testing.T) {
	s := IncrementalStrategy{}
	v, _, err := s.Resolve("experience_points", nil, 50, 30)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v != int64(80) {
		t.Fatalf("unexpected value: %v", v)
	}
}

func TestMergeRecursesIntoMaps(t *testing.T) {
	s := MergeStrategy{}
	local := map[string]any{"notes": "local", "shared": map[string]any{"a": 1}}
	remote := map[string]any{"title": "remote", "shared": map[string]any{"b": 2}}
	v, _, err := s.Resolve("journal", nil, local, remote)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	m := v.(map[string]any)
	if m["notes"] != "local" || m["title"] != "remote" {
		t.Fatalf("unexpected merge: %+v", m)
	}
	shared := m["shared"].(map[string]any)
	if shared["a"] != 1 || shared["b"] != 2 {
		t.Fatalf("nested maps not merged: %+v", shared)
	}
}

func TestMergeScalarCollisionRemoteWins(t *testing.T) {
	s := MergeStrategy{}
	v, _, err := s.Resolve("notes", "old", "local", "remote")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if v != "remote" {
		t.Fatalf("unexpected value: %v", v)
	}
}

func TestStrategyTableDispatch(t *testing.T) {
	table := NewStrategyTable()
	cases := []struct {
		path string
		want string
	}{
		{"hit_points", StrategyRuleBased},
		{"resources.spell_slots.level_3", StrategyRuleBased},
		{"conditions", StrategyRuleBased},
		{"experience_points", StrategyIncremental},
		{"progress.quests_completed", StrategyIncremental},
		{"notes", StrategyMerge},
		{"appearance.hair", StrategyMerge},
	}
	for _, c := range cases {
		if got := table.StrategyFor(c.path).Name(); got != c.want {
			t.Fatalf("StrategyFor(%q) = %s, want %s", c.path, got, c.want)
		}
	}
}

func TestStrategyTableBindTakesPriority(t *testing.T) {
	table := NewStrategyTable()
	table.Bind("hit_points", MergeStrategy{})
	if got := table.StrategyFor("hit_points").Name(); got != StrategyMerge {
		t.Fatalf("bound strategy not used: %s", got)
	}
}

func TestMatchPath(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"resources", "resources", true},
		{"resources", "resources.spell_slots.level_1", true},
		{"resources", "res", false},
		{"res", "resources", false},
		{"resources.*", "resources.ki", true},
		{"resources.*", "resources", false},
		{"combat.hit_points", "combat.hit_points", true},
		{"combat.hit_points", "combat.initiative", false},
	}
	for _, c := range cases {
		if got := MatchPath(c.pattern, c.path); got != c.want {
			t.Fatalf("MatchPath(%q, %q) = %v, want %v", c.pattern, c.path, got, c.want)
		}
	}
}
