package merge

import (
	"context"
	"errors"
	"testing"

	"github.com/polver/polver/core/policy/value"
)

func doc(t *testing.T, raw string) *value.Value {
	t.Helper()
	v, err := value.FromJSON([]byte(raw))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	return v
}

func TestDetectConflictsNoneWhenDisjoint(t *testing.T) {
	base := doc(t, `{"a":1,"b":2}`)
	source := doc(t, `{"a":9,"b":2}`)
	target := doc(t, `{"a":1,"b":7}`)
	if got := DetectConflicts(base, source, target); len(got) != 0 {
		t.Fatalf("disjoint edits must not conflict: %+v", got)
	}
}

func TestDetectConflictsIdenticalChangesAreClean(t *testing.T) {
	base := doc(t, `{"a":1}`)
	source := doc(t, `{"a":2}`)
	target := doc(t, `{"a":2}`)
	if got := DetectConflicts(base, source, target); len(got) != 0 {
		t.Fatalf("identical edits must not conflict: %+v", got)
	}
}

func TestDetectConflictsModifyModify(t *testing.T) {
	base := doc(t, `{"limit":5}`)
	source := doc(t, `{"limit":10}`)
	target := doc(t, `{"limit":20}`)
	got := DetectConflicts(base, source, target)
	if len(got) != 1 || got[0].Kind != ConflictModifyModify || got[0].Path != "limit" {
		t.Fatalf("unexpected conflicts %+v", got)
	}
	if got[0].Base.NumberLiteral() != "5" {
		t.Fatalf("conflict base value: %v", got[0].Base)
	}
}

func TestDetectConflictsModifyDelete(t *testing.T) {
	base := doc(t, `{"rule":{"effect":"allow"}}`)
	source := doc(t, `{"rule":{"effect":"deny"}}`)
	target := doc(t, `{}`)
	got := DetectConflicts(base, source, target)
	if len(got) != 1 || got[0].Kind != ConflictModifyDelete {
		t.Fatalf("unexpected conflicts %+v", got)
	}
}

func TestDetectConflictsAddAdd(t *testing.T) {
	base := doc(t, `{}`)
	source := doc(t, `{"owner":"alice"}`)
	target := doc(t, `{"owner":"bob"}`)
	got := DetectConflicts(base, source, target)
	if len(got) != 1 || got[0].Kind != ConflictAddAdd || got[0].Path != "owner" {
		t.Fatalf("unexpected conflicts %+v", got)
	}
}

func TestMergeCleanCombinesBothSides(t *testing.T) {
	base := doc(t, `{"a":1,"b":1}`)
	source := doc(t, `{"a":2,"b":1,"c":3}`)
	target := doc(t, `{"a":1,"b":9}`)
	res, err := Merge(base, source, target, Options{Strategy: StrategyManual})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := doc(t, `{"a":2,"b":9,"c":3}`)
	if !value.Equal(res.Merged, want) {
		t.Fatalf("merged = %s, want %s", res.Merged.CanonicalJSON(), want.CanonicalJSON())
	}
}

func TestMergeSourceWins(t *testing.T) {
	base := doc(t, `{"limit":5}`)
	source := doc(t, `{"limit":10}`)
	target := doc(t, `{"limit":20}`)
	res, err := Merge(base, source, target, Options{Strategy: StrategySourceWins})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Merged.Field("limit").NumberLiteral() != "10" {
		t.Fatalf("source-wins kept %s", res.Merged.CanonicalJSON())
	}
}

func TestMergeTargetWins(t *testing.T) {
	base := doc(t, `{"limit":5}`)
	source := doc(t, `{"limit":10}`)
	target := doc(t, `{"limit":20}`)
	res, err := Merge(base, source, target, Options{Strategy: StrategyTargetWins})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Merged.Field("limit").NumberLiteral() != "20" {
		t.Fatalf("target-wins kept %s", res.Merged.CanonicalJSON())
	}
}

func TestMergeSourceWinsDeletion(t *testing.T) {
	base := doc(t, `{"rule":{"effect":"allow"},"keep":1}`)
	source := doc(t, `{"keep":1}`)
	target := doc(t, `{"rule":{"effect":"deny"},"keep":1}`)
	res, err := Merge(base, source, target, Options{Strategy: StrategySourceWins})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if _, ok := res.Merged.Get("rule"); ok {
		t.Fatalf("source-wins should delete the rule: %s", res.Merged.CanonicalJSON())
	}
}

func TestMergeAutoConcatenatesSequences(t *testing.T) {
	base := doc(t, `{"actions":["read"]}`)
	source := doc(t, `{"actions":["read","write"]}`)
	target := doc(t, `{"actions":["read","delete"]}`)
	res, err := Merge(base, source, target, Options{Strategy: StrategyAuto})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := doc(t, `{"actions":["read","delete","write"]}`)
	if !value.Equal(res.Merged, want) {
		t.Fatalf("auto merge = %s, want %s", res.Merged.CanonicalJSON(), want.CanonicalJSON())
	}
}

func TestMergeAutoUnionsMappings(t *testing.T) {
	base := doc(t, `{"roles":{}}`)
	source := doc(t, `{"roles":{"dev":["a"]}}`)
	target := doc(t, `{"roles":{"ops":["b"]}}`)
	res, err := Merge(base, source, target, Options{Strategy: StrategyAuto})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	want := doc(t, `{"roles":{"ops":["b"],"dev":["a"]}}`)
	if !value.Equal(res.Merged, want) {
		t.Fatalf("auto merge = %s, want %s", res.Merged.CanonicalJSON(), want.CanonicalJSON())
	}
}

func TestMergeAutoScalarConflictFails(t *testing.T) {
	base := doc(t, `{"limit":5}`)
	source := doc(t, `{"limit":10}`)
	target := doc(t, `{"limit":20}`)
	_, err := Merge(base, source, target, Options{Strategy: StrategyAuto})
	var conflictErr *ConflictError
	if !errors.As(err, &conflictErr) {
		t.Fatalf("expected ConflictError, got %v", err)
	}
	if len(conflictErr.Conflicts) != 1 || conflictErr.Conflicts[0].Path != "limit" {
		t.Fatalf("unexpected conflict payload %+v", conflictErr.Conflicts)
	}
}

func TestMergeAllowPartialKeepsUnresolved(t *testing.T) {
	base := doc(t, `{"limit":5,"name":"x"}`)
	source := doc(t, `{"limit":10,"name":"y"}`)
	target := doc(t, `{"limit":20,"name":"x"}`)
	res, err := Merge(base, source, target, Options{Strategy: StrategyManual, AllowPartial: true})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if len(res.Unresolved) != 1 || res.Unresolved[0].Path != "limit" {
		t.Fatalf("unresolved: %+v", res.Unresolved)
	}
	if res.Merged.Field("name").StringValue() != "y" {
		t.Fatalf("clean change was dropped: %s", res.Merged.CanonicalJSON())
	}
	if res.Merged.Field("limit").NumberLiteral() != "20" {
		t.Fatalf("unresolved path should keep the target value: %s", res.Merged.CanonicalJSON())
	}
}

func TestMergeManualResolutions(t *testing.T) {
	base := doc(t, `{"limit":5}`)
	source := doc(t, `{"limit":10}`)
	target := doc(t, `{"limit":20}`)
	res, err := Merge(base, source, target, Options{
		Strategy:    StrategyManual,
		Resolutions: map[string]*value.Value{"limit": value.Int(42)},
	})
	if err != nil {
		t.Fatalf("Merge: %v", err)
	}
	if res.Merged.Field("limit").NumberLiteral() != "42" {
		t.Fatalf("manual resolution not applied: %s", res.Merged.CanonicalJSON())
	}
}

type fakeGraph map[string][2]string

func (g fakeGraph) Parents(_ context.Context, id string) (string, string, error) {
	p := g[id]
	return p[0], p[1], nil
}

func TestFindCommonAncestorLinear(t *testing.T) {
	graph := fakeGraph{
		"c3": {"c2", ""},
		"c2": {"c1", ""},
		"c1": {"", ""},
		"d1": {"c1", ""},
	}
	got, err := FindCommonAncestor(context.Background(), graph, "c3", "d1")
	if err != nil {
		t.Fatalf("FindCommonAncestor: %v", err)
	}
	if got != "c1" {
		t.Fatalf("ancestor = %q, want c1", got)
	}
}

func TestFindCommonAncestorSelf(t *testing.T) {
	graph := fakeGraph{"c2": {"c1", ""}, "c1": {"", ""}}
	got, err := FindCommonAncestor(context.Background(), graph, "c2", "c2")
	if err != nil {
		t.Fatalf("FindCommonAncestor: %v", err)
	}
	if got != "c2" {
		t.Fatalf("a commit is its own ancestor, got %q", got)
	}
}

func TestFindCommonAncestorDescendant(t *testing.T) {
	graph := fakeGraph{"c2": {"c1", ""}, "c1": {"", ""}}
	got, err := FindCommonAncestor(context.Background(), graph, "c2", "c1")
	if err != nil {
		t.Fatalf("FindCommonAncestor: %v", err)
	}
	if got != "c1" {
		t.Fatalf("ancestor = %q, want c1", got)
	}
}

func TestFindCommonAncestorThroughMergeParent(t *testing.T) {
	// s1 landed on another branch by merging d1; d2 continues after d1.
	graph := fakeGraph{
		"d1": {"", ""},
		"d2": {"d1", ""},
		"s1": {"", "d1"},
	}
	got, err := FindCommonAncestor(context.Background(), graph, "d2", "s1")
	if err != nil {
		t.Fatalf("FindCommonAncestor: %v", err)
	}
	if got != "d1" {
		t.Fatalf("ancestor = %q, want d1", got)
	}
}

func TestFindCommonAncestorDisjoint(t *testing.T) {
	graph := fakeGraph{"a1": {"", ""}, "b1": {"", ""}}
	got, err := FindCommonAncestor(context.Background(), graph, "a1", "b1")
	if err != nil {
		t.Fatalf("FindCommonAncestor: %v", err)
	}
	if got != "" {
		t.Fatalf("disjoint histories must yield empty ancestor, got %q", got)
	}
}

func TestFindCommonAncestorCycleGuard(t *testing.T) {
	graph := fakeGraph{"a": {"b", ""}, "b": {"a", ""}, "z": {"", ""}}
	got, err := FindCommonAncestor(context.Background(), graph, "a", "z")
	if err != nil {
		t.Fatalf("FindCommonAncestor: %v", err)
	}
	if got != "" {
		t.Fatalf("cycle walk should terminate empty, got %q", got)
	}
}
