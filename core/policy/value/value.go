// Package value models policy document content as a tagged variant tree.
// Mappings remember author key order so documents render back the way they
// were written, while hashing always uses a canonical sorted form.
package value

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
)

// Kind discriminates the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindSequence
	KindMapping
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindSequence:
		return "sequence"
	case KindMapping:
		return "mapping"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is one node of a policy document. Numbers keep their source
// literal so hashing is stable across decode/encode cycles.
type Value struct {
	kind    Kind
	boolVal bool
	numVal  string
	strVal  string
	seq     []*Value
	keys    []string
	fields  map[string]*Value
}

// Null returns the null value.
func Null() *Value { return &Value{kind: KindNull} }

// Bool returns a boolean value.
func Bool(b bool) *Value { return &Value{kind: KindBool, boolVal: b} }

// String returns a string value.
func String(s string) *Value { return &Value{kind: KindString, strVal: s} }

// Number returns a numeric value from its JSON literal. The literal is
// trusted; use Int or Float for programmatic construction.
func Number(literal string) *Value { return &Value{kind: KindNumber, numVal: literal} }

// Int returns a numeric value for n.
func Int(n int64) *Value { return Number(strconv.FormatInt(n, 10)) }

// Float returns a numeric value for f.
func Float(f float64) *Value { return Number(strconv.FormatFloat(f, 'g', -1, 64)) }

// Sequence returns a sequence holding the given items.
func Sequence(items ...*Value) *Value {
	return &Value{kind: KindSequence, seq: items}
}

// NewMapping returns an empty mapping.
func NewMapping() *Value {
	return &Value{kind: KindMapping, fields: map[string]*Value{}}
}

// Kind reports the variant held by v. A nil Value reads as null.
func (v *Value) Kind() Kind {
	if v == nil {
		return KindNull
	}
	return v.kind
}

// IsNull reports whether v holds null.
func (v *Value) IsNull() bool { return v.Kind() == KindNull }

// BoolValue returns the boolean payload, false for other kinds.
func (v *Value) BoolValue() bool {
	if v == nil || v.kind != KindBool {
		return false
	}
	return v.boolVal
}

// StringValue returns the string payload, "" for other kinds.
func (v *Value) StringValue() string {
	if v == nil || v.kind != KindString {
		return ""
	}
	return v.strVal
}

// NumberLiteral returns the numeric literal, "" for other kinds.
func (v *Value) NumberLiteral() string {
	if v == nil || v.kind != KindNumber {
		return ""
	}
	return v.numVal
}

// Float64 returns the numeric payload as a float, 0 for other kinds.
func (v *Value) Float64() float64 {
	if v == nil || v.kind != KindNumber {
		return 0
	}
	f, _ := strconv.ParseFloat(v.numVal, 64)
	return f
}

// Len returns the item count for sequences and the field count for
// mappings, 0 otherwise.
func (v *Value) Len() int {
	switch v.Kind() {
	case KindSequence:
		return len(v.seq)
	case KindMapping:
		return len(v.keys)
	default:
		return 0
	}
}

// Index returns the i-th sequence item, nil when out of range or not a
// sequence.
func (v *Value) Index(i int) *Value {
	if v == nil || v.kind != KindSequence || i < 0 || i >= len(v.seq) {
		return nil
	}
	return v.seq[i]
}

// Items returns the backing sequence slice. Callers must not mutate it.
func (v *Value) Items() []*Value {
	if v == nil || v.kind != KindSequence {
		return nil
	}
	return v.seq
}

// Append adds an item to a sequence.
func (v *Value) Append(item *Value) {
	if v == nil || v.kind != KindSequence {
		return
	}
	v.seq = append(v.seq, item)
}

// InsertAt inserts an item at index i, clamped to [0, Len].
func (v *Value) InsertAt(i int, item *Value) {
	if v == nil || v.kind != KindSequence {
		return
	}
	if i < 0 {
		i = 0
	}
	if i > len(v.seq) {
		i = len(v.seq)
	}
	v.seq = append(v.seq, nil)
	copy(v.seq[i+1:], v.seq[i:])
	v.seq[i] = item
}

// ReplaceAt replaces the item at index i.
func (v *Value) ReplaceAt(i int, item *Value) {
	if v == nil || v.kind != KindSequence || i < 0 || i >= len(v.seq) {
		return
	}
	v.seq[i] = item
}

// RemoveAt removes the item at index i.
func (v *Value) RemoveAt(i int) {
	if v == nil || v.kind != KindSequence || i < 0 || i >= len(v.seq) {
		return
	}
	v.seq = append(v.seq[:i], v.seq[i+1:]...)
}

// Keys returns mapping keys in insertion order. Callers must not mutate
// the returned slice.
func (v *Value) Keys() []string {
	if v == nil || v.kind != KindMapping {
		return nil
	}
	return v.keys
}

// Get returns the field for key and whether it exists.
func (v *Value) Get(key string) (*Value, bool) {
	if v == nil || v.kind != KindMapping {
		return nil, false
	}
	f, ok := v.fields[key]
	return f, ok
}

// Field returns the field for key, nil when absent.
func (v *Value) Field(key string) *Value {
	f, _ := v.Get(key)
	return f
}

// Set assigns a mapping field, appending the key on first write.
func (v *Value) Set(key string, val *Value) {
	if v == nil || v.kind != KindMapping {
		return
	}
	if _, ok := v.fields[key]; !ok {
		v.keys = append(v.keys, key)
	}
	v.fields[key] = val
}

// Delete removes a mapping field if present.
func (v *Value) Delete(key string) {
	if v == nil || v.kind != KindMapping {
		return
	}
	if _, ok := v.fields[key]; !ok {
		return
	}
	delete(v.fields, key)
	for i, k := range v.keys {
		if k == key {
			v.keys = append(v.keys[:i], v.keys[i+1:]...)
			break
		}
	}
}

// Clone deep-copies v.
func (v *Value) Clone() *Value {
	if v == nil {
		return nil
	}
	out := &Value{kind: v.kind, boolVal: v.boolVal, numVal: v.numVal, strVal: v.strVal}
	switch v.kind {
	case KindSequence:
		out.seq = make([]*Value, len(v.seq))
		for i, item := range v.seq {
			out.seq[i] = item.Clone()
		}
	case KindMapping:
		out.keys = append([]string(nil), v.keys...)
		out.fields = make(map[string]*Value, len(v.fields))
		for k, f := range v.fields {
			out.fields[k] = f.Clone()
		}
	}
	return out
}

// Equal reports structural equality. Mapping key order does not matter;
// numeric literals are compared by parsed magnitude first, then literally
// for values outside float range.
func Equal(a, b *Value) bool {
	if a.Kind() != b.Kind() {
		return false
	}
	switch a.Kind() {
	case KindNull:
		return true
	case KindBool:
		return a.boolVal == b.boolVal
	case KindString:
		return a.strVal == b.strVal
	case KindNumber:
		if a.numVal == b.numVal {
			return true
		}
		af, aerr := strconv.ParseFloat(a.numVal, 64)
		bf, berr := strconv.ParseFloat(b.numVal, 64)
		return aerr == nil && berr == nil && af == bf
	case KindSequence:
		if len(a.seq) != len(b.seq) {
			return false
		}
		for i := range a.seq {
			if !Equal(a.seq[i], b.seq[i]) {
				return false
			}
		}
		return true
	case KindMapping:
		if len(a.fields) != len(b.fields) {
			return false
		}
		for k, av := range a.fields {
			bv, ok := b.fields[k]
			if !ok || !Equal(av, bv) {
				return false
			}
		}
		return true
	default:
		return false
	}
}

// Hash returns the hex sha256 of the canonical JSON encoding. Two
// documents that differ only in mapping key order hash identically.
func (v *Value) Hash() string {
	sum := sha256.Sum256(v.CanonicalJSON())
	return hex.EncodeToString(sum[:])
}
