// Package diff computes structural differences between two policy
// documents and classifies the authorization impact of each change.
package diff

import (
	"strconv"

	"github.com/polver/polver/core/policy/value"
)

// Op labels one change.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
	OpModify Op = "modify"
)

// Impact grades how a change affects authorization outcomes.
type Impact string

const (
	// ImpactCosmetic covers descriptions, labels and other metadata that
	// never influence a decision.
	ImpactCosmetic Impact = "cosmetic"
	// ImpactNonBreaking covers changes that cannot revoke access that was
	// previously granted, such as adding an allow rule.
	ImpactNonBreaking Impact = "non-breaking"
	// ImpactBreaking covers changes that can deny previously granted
	// access, such as removing an allow rule or a role grant.
	ImpactBreaking Impact = "breaking"
)

func impactRank(i Impact) int {
	switch i {
	case ImpactBreaking:
		return 2
	case ImpactNonBreaking:
		return 1
	default:
		return 0
	}
}

// Change is one leaf-level difference between two documents.
type Change struct {
	Op       Op           `json:"op"`
	Path     string       `json:"path"`
	OldValue *value.Value `json:"oldValue,omitempty"`
	NewValue *value.Value `json:"newValue,omitempty"`
	Impact   Impact       `json:"impact"`
}

// Summary aggregates a change set.
type Summary struct {
	Added    int    `json:"added"`
	Removed  int    `json:"removed"`
	Modified int    `json:"modified"`
	Breaking int    `json:"breaking"`
	Overall  Impact `json:"overall"`
}

// Result is a complete diff between a base and a target document.
type Result struct {
	Changes []Change `json:"changes"`
	Summary Summary  `json:"summary"`
}

// Empty reports whether the diff carries no changes.
func (r *Result) Empty() bool {
	return r == nil || len(r.Changes) == 0
}

// Diff computes the change set that turns base into target. Sequence
// items are matched positionally; mapping fields by key.
func Diff(base, target *value.Value) *Result {
	var changes []Change
	walk("", base, target, &changes)

	res := &Result{Changes: changes, Summary: Summary{Overall: ImpactCosmetic}}
	for i := range res.Changes {
		c := &res.Changes[i]
		c.Impact = classify(*c)
		switch c.Op {
		case OpAdd:
			res.Summary.Added++
		case OpRemove:
			res.Summary.Removed++
		case OpModify:
			res.Summary.Modified++
		}
		if c.Impact == ImpactBreaking {
			res.Summary.Breaking++
		}
		if impactRank(c.Impact) > impactRank(res.Summary.Overall) {
			res.Summary.Overall = c.Impact
		}
	}
	return res
}

func walk(path string, base, target *value.Value, out *[]Change) {
	switch {
	case base == nil && target == nil:
		return
	case base == nil:
		*out = append(*out, Change{Op: OpAdd, Path: path, NewValue: target.Clone()})
		return
	case target == nil:
		*out = append(*out, Change{Op: OpRemove, Path: path, OldValue: base.Clone()})
		return
	}
	if value.Equal(base, target) {
		return
	}

	if base.Kind() == value.KindMapping && target.Kind() == value.KindMapping {
		for _, k := range base.Keys() {
			tv, ok := target.Get(k)
			if !ok {
				walk(value.ChildPath(path, k), base.Field(k), nil, out)
				continue
			}
			walk(value.ChildPath(path, k), base.Field(k), tv, out)
		}
		for _, k := range target.Keys() {
			if _, ok := base.Get(k); !ok {
				walk(value.ChildPath(path, k), nil, target.Field(k), out)
			}
		}
		return
	}

	if base.Kind() == value.KindSequence && target.Kind() == value.KindSequence {
		n := base.Len()
		if target.Len() < n {
			n = target.Len()
		}
		for i := 0; i < n; i++ {
			walk(value.ChildPath(path, strconv.Itoa(i)), base.Index(i), target.Index(i), out)
		}
		for i := n; i < base.Len(); i++ {
			walk(value.ChildPath(path, strconv.Itoa(i)), base.Index(i), nil, out)
		}
		for i := n; i < target.Len(); i++ {
			walk(value.ChildPath(path, strconv.Itoa(i)), nil, target.Index(i), out)
		}
		return
	}

	*out = append(*out, Change{Op: OpModify, Path: path, OldValue: base.Clone(), NewValue: target.Clone()})
}
