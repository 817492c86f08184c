package diff

import (
	"fmt"

	"github.com/polver/polver/core/policy/value"
)

// Apply replays a diff onto base and returns the patched document. base
// is not mutated. Applying Diff(a, b) to a yields a document equal to b.
func Apply(base *value.Value, res *Result) (*value.Value, error) {
	out := base.Clone()
	if res.Empty() {
		return out, nil
	}

	// Removals run last and in reverse so tail-of-sequence indexes stay
	// valid while earlier changes are applied.
	var removes []Change
	for _, c := range res.Changes {
		switch c.Op {
		case OpAdd:
			if c.Path == "" {
				out = c.NewValue.Clone()
				continue
			}
			if err := value.Insert(out, c.Path, c.NewValue.Clone()); err != nil {
				return nil, fmt.Errorf("apply add: %w", err)
			}
		case OpModify:
			if err := value.Replace(out, c.Path, c.NewValue.Clone()); err != nil {
				return nil, fmt.Errorf("apply modify: %w", err)
			}
		case OpRemove:
			removes = append(removes, c)
		default:
			return nil, fmt.Errorf("apply: unknown op %q", c.Op)
		}
	}
	for i := len(removes) - 1; i >= 0; i-- {
		if err := value.Remove(out, removes[i].Path); err != nil {
			return nil, fmt.Errorf("apply remove: %w", err)
		}
	}
	return out, nil
}

// Reverse inverts a diff: adds become removes, removes become adds, and
// modifies swap their values. Applying the reverse of Diff(a, b) to b
// yields a document equal to a.
func Reverse(res *Result) *Result {
	if res.Empty() {
		return &Result{Summary: Summary{Overall: ImpactCosmetic}}
	}
	inverted := make([]Change, 0, len(res.Changes))
	for _, c := range res.Changes {
		switch c.Op {
		case OpAdd:
			inverted = append(inverted, Change{Op: OpRemove, Path: c.Path, OldValue: c.NewValue.Clone()})
		case OpRemove:
			inverted = append(inverted, Change{Op: OpAdd, Path: c.Path, NewValue: c.OldValue.Clone()})
		case OpModify:
			inverted = append(inverted, Change{
				Op:       OpModify,
				Path:     c.Path,
				OldValue: c.NewValue.Clone(),
				NewValue: c.OldValue.Clone(),
			})
		}
	}
	out := &Result{Changes: inverted, Summary: Summary{Overall: ImpactCosmetic}}
	for i := range out.Changes {
		c := &out.Changes[i]
		c.Impact = classify(*c)
		switch c.Op {
		case OpAdd:
			out.Summary.Added++
		case OpRemove:
			out.Summary.Removed++
		case OpModify:
			out.Summary.Modified++
		}
		if c.Impact == ImpactBreaking {
			out.Summary.Breaking++
		}
		if impactRank(c.Impact) > impactRank(out.Summary.Overall) {
			out.Summary.Overall = c.Impact
		}
	}
	return out
}
