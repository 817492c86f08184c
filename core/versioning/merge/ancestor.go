package merge

import (
	"context"
	"errors"
	"fmt"
)

// ErrUnrelatedHistories is returned when two commits share no ancestor.
var ErrUnrelatedHistories = errors.New("commits share no common ancestor")

// CommitGraph exposes the parent links the ancestor walk needs.
type CommitGraph interface {
	// Parents returns the primary and merge parent commit IDs, either of
	// which may be empty.
	Parents(ctx context.Context, commitID string) (parent, mergeParent string, err error)
}

const maxAncestorVisits = 100000

// FindCommonAncestor returns the first ancestor of b (breadth-first,
// nearest first) that is also an ancestor of a. Both primary and merge
// parents count, so a branch populated by promotion merges stays related
// to its source branch. A commit is its own ancestor, so
// FindCommonAncestor(x, x) == x. An empty result means the histories are
// unrelated.
func FindCommonAncestor(ctx context.Context, graph CommitGraph, a, b string) (string, error) {
	if a == "" || b == "" {
		return "", nil
	}
	reachable, err := ancestorSet(ctx, graph, a)
	if err != nil {
		return "", fmt.Errorf("walk ancestry of %s: %w", a, err)
	}

	visited := map[string]bool{}
	queue := []string{b}
	for len(queue) > 0 && len(visited) < maxAncestorVisits {
		cur := queue[0]
		queue = queue[1:]
		if cur == "" || visited[cur] {
			continue
		}
		visited[cur] = true
		if reachable[cur] {
			return cur, nil
		}
		parent, mergeParent, err := graph.Parents(ctx, cur)
		if err != nil {
			return "", fmt.Errorf("walk ancestry of %s: %w", b, err)
		}
		queue = append(queue, parent, mergeParent)
	}
	return "", nil
}

func ancestorSet(ctx context.Context, graph CommitGraph, start string) (map[string]bool, error) {
	seen := map[string]bool{}
	queue := []string{start}
	for len(queue) > 0 && len(seen) < maxAncestorVisits {
		cur := queue[0]
		queue = queue[1:]
		if cur == "" || seen[cur] {
			continue
		}
		seen[cur] = true
		parent, mergeParent, err := graph.Parents(ctx, cur)
		if err != nil {
			return nil, err
		}
		queue = append(queue, parent, mergeParent)
	}
	return seen, nil
}
