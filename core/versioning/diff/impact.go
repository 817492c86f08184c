package diff

import (
	"github.com/polver/polver/core/policy/value"
)

// Impact classification inspects the changed subtree rather than a fixed
// document schema: any node carrying an "effect" or "decision" field (or
// sitting under a "roles" branch) counts as access-relevant.

var cosmeticSegments = map[string]bool{
	"description": true,
	"metadata":    true,
	"labels":      true,
	"annotations": true,
	"title":       true,
	"comment":     true,
}

var allowWords = map[string]bool{"allow": true, "permit": true}
var denyWords = map[string]bool{"deny": true, "forbid": true}

func classify(c Change) Impact {
	segments := value.SplitPath(c.Path)
	for _, seg := range segments {
		if cosmeticSegments[seg] {
			return ImpactCosmetic
		}
	}

	underRoles := false
	for _, seg := range segments {
		if seg == "roles" {
			underRoles = true
			break
		}
	}
	lastSeg := ""
	if len(segments) > 0 {
		lastSeg = segments[len(segments)-1]
	}

	switch c.Op {
	case OpRemove:
		// Dropping a grant or a role assignment revokes access.
		if underRoles || grantsAccess(c.OldValue, lastSeg) {
			return ImpactBreaking
		}
		return ImpactNonBreaking
	case OpAdd:
		// A new deny narrows access; a new allow or role only widens it.
		if deniesAccess(c.NewValue, lastSeg) && !grantsAccess(c.NewValue, lastSeg) {
			return ImpactBreaking
		}
		return ImpactNonBreaking
	case OpModify:
		if grantsAccess(c.OldValue, lastSeg) && !grantsAccess(c.NewValue, lastSeg) {
			return ImpactBreaking
		}
		if underRoles && !value.Equal(c.OldValue, c.NewValue) {
			return ImpactBreaking
		}
		return ImpactNonBreaking
	default:
		return ImpactNonBreaking
	}
}

// grantsAccess reports whether the subtree contains an allow decision.
// fieldName is the mapping key the subtree hangs from, so a bare "allow"
// string under an "effect" key is recognized.
func grantsAccess(v *value.Value, fieldName string) bool {
	return decisionPresent(v, fieldName, allowWords)
}

// deniesAccess reports whether the subtree contains a deny decision.
func deniesAccess(v *value.Value, fieldName string) bool {
	return decisionPresent(v, fieldName, denyWords)
}

func decisionPresent(v *value.Value, fieldName string, words map[string]bool) bool {
	switch v.Kind() {
	case value.KindString:
		return isDecisionField(fieldName) && words[v.StringValue()]
	case value.KindSequence:
		for _, item := range v.Items() {
			if decisionPresent(item, fieldName, words) {
				return true
			}
		}
		return false
	case value.KindMapping:
		for _, k := range v.Keys() {
			if decisionPresent(v.Field(k), k, words) {
				return true
			}
		}
		return false
	default:
		return false
	}
}

func isDecisionField(name string) bool {
	return name == "effect" || name == "decision" || name == "action_on_match"
}
