// Package merge implements three-way conflict detection and merging of
// policy documents against a common ancestor.
package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning/diff"
)

// ConflictKind labels why two change sets collide at a path.
type ConflictKind string

const (
	ConflictModifyModify ConflictKind = "modify-modify"
	ConflictModifyDelete ConflictKind = "modify-delete"
	ConflictAddAdd       ConflictKind = "add-add"
)

// Conflict is one path both sides changed incompatibly.
type Conflict struct {
	Kind         ConflictKind `json:"kind"`
	Path         string       `json:"path"`
	Base         *value.Value `json:"base,omitempty"`
	SourceChange *diff.Change `json:"sourceChange,omitempty"`
	TargetChange *diff.Change `json:"targetChange,omitempty"`
}

// ConflictError reports a merge that could not complete.
type ConflictError struct {
	Conflicts      []Conflict `json:"conflicts"`
	CommonAncestor string     `json:"commonAncestor"`
}

func (e *ConflictError) Error() string {
	paths := make([]string, 0, len(e.Conflicts))
	for _, c := range e.Conflicts {
		paths = append(paths, fmt.Sprintf("%s at %q", c.Kind, c.Path))
	}
	return fmt.Sprintf("merge produced %d conflict(s): %s", len(e.Conflicts), strings.Join(paths, ", "))
}

// DetectConflicts diffs both sides against the shared base and returns
// every path where the change sets overlap incompatibly. Identical
// changes on both sides are not conflicts.
func DetectConflicts(base, source, target *value.Value) []Conflict {
	sourceDiff := diff.Diff(base, source)
	targetDiff := diff.Diff(base, target)

	var conflicts []Conflict
	seen := map[string]bool{}
	for i := range sourceDiff.Changes {
		cs := &sourceDiff.Changes[i]
		for j := range targetDiff.Changes {
			ct := &targetDiff.Changes[j]
			if !pathsOverlap(cs.Path, ct.Path) {
				continue
			}
			if sameChange(cs, ct) {
				continue
			}
			path := liftSequencePath(base, source, target, shallowerPath(cs.Path, ct.Path))
			kind := conflictKind(cs.Op, ct.Op)
			key := string(kind) + "|" + path
			if seen[key] {
				continue
			}
			seen[key] = true
			baseVal, _ := value.Lookup(base, path)
			conflicts = append(conflicts, Conflict{
				Kind:         kind,
				Path:         path,
				Base:         baseVal.Clone(),
				SourceChange: cs,
				TargetChange: ct,
			})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Path < conflicts[j].Path })
	return conflicts
}

func sameChange(a, b *diff.Change) bool {
	if a.Op != b.Op || a.Path != b.Path {
		return false
	}
	return value.Equal(a.OldValue, b.OldValue) && value.Equal(a.NewValue, b.NewValue)
}

func pathsOverlap(a, b string) bool {
	if a == b {
		return true
	}
	as := value.SplitPath(a)
	bs := value.SplitPath(b)
	n := len(as)
	if len(bs) < n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// liftSequencePath widens a conflict that lands on a sequence index to
// the sequence itself, so resolution works on whole lists instead of
// positionally unstable indexes.
func liftSequencePath(base, source, target *value.Value, path string) string {
	segs := value.SplitPath(path)
	if len(segs) == 0 {
		return path
	}
	if !isIndexSegment(segs[len(segs)-1]) {
		return path
	}
	parentPath := value.JoinPath(segs[:len(segs)-1])
	for _, root := range []*value.Value{base, source, target} {
		if p, ok := value.Lookup(root, parentPath); ok && p.Kind() == value.KindSequence {
			return parentPath
		}
	}
	return path
}

func isIndexSegment(seg string) bool {
	if seg == "" {
		return false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func shallowerPath(a, b string) string {
	if len(value.SplitPath(a)) <= len(value.SplitPath(b)) {
		return a
	}
	return b
}

func conflictKind(a, b diff.Op) ConflictKind {
	if a == diff.OpRemove || b == diff.OpRemove {
		return ConflictModifyDelete
	}
	if a == diff.OpAdd && b == diff.OpAdd {
		return ConflictAddAdd
	}
	return ConflictModifyModify
}
