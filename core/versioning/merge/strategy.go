package merge

import (
	"fmt"

	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning/diff"
)

// Strategy selects how conflicting paths are settled.
type Strategy string

const (
	// StrategySourceWins takes the source branch value at every conflict.
	StrategySourceWins Strategy = "source-wins"
	// StrategyTargetWins keeps the target branch value at every conflict.
	StrategyTargetWins Strategy = "target-wins"
	// StrategyAuto unions conflicting mappings and concatenates
	// conflicting sequences; anything else stays unresolved.
	StrategyAuto Strategy = "auto"
	// StrategyManual resolves only paths named in Options.Resolutions.
	StrategyManual Strategy = "manual"
)

// Options steers Merge.
type Options struct {
	Strategy Strategy
	// AllowPartial returns a result carrying unresolved conflicts instead
	// of failing with a ConflictError.
	AllowPartial bool
	// Resolutions maps conflict paths to chosen values; a nil value
	// deletes the path. Consulted before the strategy for any strategy.
	Resolutions map[string]*value.Value
}

// Result is a completed (or, with AllowPartial, partially completed)
// merge.
type Result struct {
	Merged     *value.Value `json:"merged"`
	Conflicts  []Conflict   `json:"conflicts,omitempty"`
	Unresolved []Conflict   `json:"unresolved,omitempty"`
}

// Merge folds source changes into target relative to their common
// ancestor base. Non-conflicting changes from both sides always land;
// conflicts are settled per the options. With unresolved conflicts and
// AllowPartial unset it returns a *ConflictError.
func Merge(base, source, target *value.Value, opts Options) (*Result, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyAuto
	}
	conflicts := DetectConflicts(base, source, target)

	conflictPaths := map[string]bool{}
	for _, c := range conflicts {
		conflictPaths[c.Path] = true
	}

	// Start from the target document and bring over every source change
	// that does not touch a conflicting path.
	merged := target.Clone()
	sourceDiff := diff.Diff(base, source)
	clean := &diff.Result{}
	for _, c := range sourceDiff.Changes {
		if overlapsAny(c.Path, conflictPaths) {
			continue
		}
		clean.Changes = append(clean.Changes, c)
	}
	merged, err := applyLenient(merged, clean)
	if err != nil {
		return nil, fmt.Errorf("merge: apply source changes: %w", err)
	}

	var unresolved []Conflict
	for _, c := range conflicts {
		resolved, val := resolve(c, base, source, target, opts)
		if !resolved {
			unresolved = append(unresolved, c)
			continue
		}
		if err := setOrDelete(merged, c.Path, val); err != nil {
			return nil, fmt.Errorf("merge: resolve %q: %w", c.Path, err)
		}
	}

	if len(unresolved) > 0 && !opts.AllowPartial {
		return nil, &ConflictError{Conflicts: unresolved}
	}
	return &Result{Merged: merged, Conflicts: conflicts, Unresolved: unresolved}, nil
}

// resolve picks the value for a conflicted path. The boolean is false
// when the conflict must surface to a human.
func resolve(c Conflict, base, source, target *value.Value, opts Options) (bool, *value.Value) {
	if val, ok := opts.Resolutions[c.Path]; ok {
		return true, val.Clone()
	}
	sVal, sOK := value.Lookup(source, c.Path)
	tVal, tOK := value.Lookup(target, c.Path)

	switch opts.Strategy {
	case StrategySourceWins:
		if !sOK {
			return true, nil
		}
		return true, sVal.Clone()
	case StrategyTargetWins:
		if !tOK {
			return true, nil
		}
		return true, tVal.Clone()
	case StrategyAuto:
		return autoResolve(c, sVal, sOK, tVal, tOK)
	default:
		return false, nil
	}
}

// autoResolve structurally combines both sides where that cannot lose
// either side's intent: sequences concatenate (target first, then source
// items not already present) and mappings union with non-overlapping
// keys. Everything else is left for manual resolution.
func autoResolve(c Conflict, sVal *value.Value, sOK bool, tVal *value.Value, tOK bool) (bool, *value.Value) {
	if !sOK || !tOK {
		return false, nil
	}
	if sVal.Kind() == value.KindSequence && tVal.Kind() == value.KindSequence {
		out := tVal.Clone()
		for _, item := range sVal.Items() {
			if !sequenceContains(out, item) {
				out.Append(item.Clone())
			}
		}
		return true, out
	}
	if sVal.Kind() == value.KindMapping && tVal.Kind() == value.KindMapping {
		out := tVal.Clone()
		for _, k := range sVal.Keys() {
			existing, ok := out.Get(k)
			if !ok {
				out.Set(k, sVal.Field(k).Clone())
				continue
			}
			if !value.Equal(existing, sVal.Field(k)) {
				return false, nil
			}
		}
		return true, out
	}
	return false, nil
}

func sequenceContains(seq *value.Value, item *value.Value) bool {
	for _, existing := range seq.Items() {
		if value.Equal(existing, item) {
			return true
		}
	}
	return false
}

func setOrDelete(root *value.Value, path string, val *value.Value) error {
	if val == nil {
		if _, ok := value.Lookup(root, path); !ok {
			return nil
		}
		return value.Remove(root, path)
	}
	if _, ok := value.Lookup(root, path); ok {
		return value.Replace(root, path, val)
	}
	return value.Insert(root, path, val)
}

func overlapsAny(path string, conflictPaths map[string]bool) bool {
	for p := range conflictPaths {
		if pathsOverlap(path, p) {
			return true
		}
	}
	return false
}

// applyLenient applies changes one by one, tolerating path drift caused
// by the target side reshaping sequences the source also touched.
func applyLenient(doc *value.Value, res *diff.Result) (*value.Value, error) {
	var removes []diff.Change
	ordered := make([]diff.Change, 0, len(res.Changes))
	for _, c := range res.Changes {
		if c.Op == diff.OpRemove {
			removes = append(removes, c)
			continue
		}
		ordered = append(ordered, c)
	}
	for i := len(removes) - 1; i >= 0; i-- {
		ordered = append(ordered, removes[i])
	}

	out := doc
	for _, c := range ordered {
		single := &diff.Result{Changes: []diff.Change{c}}
		next, err := diff.Apply(out, single)
		if err != nil {
			if c.Op == diff.OpRemove || c.Op == diff.OpModify {
				continue
			}
			return nil, err
		}
		out = next
	}
	return out, nil
}
