package value

import (
	"fmt"
	"strconv"
	"strings"
)

// Paths address nodes inside a document with slash-separated segments,
// e.g. "rules/2/effect". A numeric segment indexes a sequence, any other
// segment names a mapping field. The empty path addresses the root.

// SplitPath breaks a path into segments.
func SplitPath(path string) []string {
	path = strings.Trim(path, "/")
	if path == "" {
		return nil
	}
	return strings.Split(path, "/")
}

// JoinPath assembles segments into a path.
func JoinPath(segments []string) string {
	return strings.Join(segments, "/")
}

// ChildPath appends a segment to a path.
func ChildPath(path, segment string) string {
	if path == "" {
		return segment
	}
	return path + "/" + segment
}

// Lookup resolves path inside root.
func Lookup(root *Value, path string) (*Value, bool) {
	cur := root
	for _, seg := range SplitPath(path) {
		switch cur.Kind() {
		case KindMapping:
			next, ok := cur.Get(seg)
			if !ok {
				return nil, false
			}
			cur = next
		case KindSequence:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= cur.Len() {
				return nil, false
			}
			cur = cur.Index(idx)
		default:
			return nil, false
		}
	}
	return cur, true
}

// parent resolves all but the last segment and returns the container plus
// the final segment.
func parent(root *Value, path string) (*Value, string, error) {
	segments := SplitPath(path)
	if len(segments) == 0 {
		return nil, "", fmt.Errorf("path %q has no parent", path)
	}
	container, ok := Lookup(root, JoinPath(segments[:len(segments)-1]))
	if !ok {
		return nil, "", fmt.Errorf("path %q: parent not found", path)
	}
	return container, segments[len(segments)-1], nil
}

// Replace overwrites the node at path. The node must already exist; the
// empty path replaces the root in place.
func Replace(root *Value, path string, val *Value) error {
	if SplitPath(path) == nil {
		*root = *val.Clone()
		return nil
	}
	container, last, err := parent(root, path)
	if err != nil {
		return err
	}
	switch container.Kind() {
	case KindMapping:
		if _, ok := container.Get(last); !ok {
			return fmt.Errorf("path %q: field not found", path)
		}
		container.Set(last, val)
	case KindSequence:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= container.Len() {
			return fmt.Errorf("path %q: index out of range", path)
		}
		container.ReplaceAt(idx, val)
	default:
		return fmt.Errorf("path %q: cannot descend into %s", path, container.Kind())
	}
	return nil
}

// Insert adds a node at path. Mapping fields are set; sequence indexes
// shift existing items right, with an index equal to the length appending.
func Insert(root *Value, path string, val *Value) error {
	container, last, err := parent(root, path)
	if err != nil {
		return err
	}
	switch container.Kind() {
	case KindMapping:
		container.Set(last, val)
	case KindSequence:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx > container.Len() {
			return fmt.Errorf("path %q: index out of range", path)
		}
		container.InsertAt(idx, val)
	default:
		return fmt.Errorf("path %q: cannot descend into %s", path, container.Kind())
	}
	return nil
}

// Remove deletes the node at path.
func Remove(root *Value, path string) error {
	container, last, err := parent(root, path)
	if err != nil {
		return err
	}
	switch container.Kind() {
	case KindMapping:
		if _, ok := container.Get(last); !ok {
			return fmt.Errorf("path %q: field not found", path)
		}
		container.Delete(last)
	case KindSequence:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= container.Len() {
			return fmt.Errorf("path %q: index out of range", path)
		}
		container.RemoveAt(idx)
	default:
		return fmt.Errorf("path %q: cannot descend into %s", path, container.Kind())
	}
	return nil
}
