package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"
)

// FromJSON decodes a JSON document preserving mapping key order.
func FromJSON(data []byte) (*Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	v, err := decodeJSON(dec)
	if err != nil {
		return nil, err
	}
	if _, err := dec.Token(); err == nil {
		return nil, fmt.Errorf("decode json: trailing data after document")
	}
	return v, nil
}

func decodeJSON(dec *json.Decoder) (*Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("decode json: %w", err)
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			m := NewMapping()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, fmt.Errorf("decode json key: %w", err)
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("decode json: non-string key %v", keyTok)
				}
				field, err := decodeJSON(dec)
				if err != nil {
					return nil, err
				}
				m.Set(key, field)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("decode json: %w", err)
			}
			return m, nil
		case '[':
			s := Sequence()
			for dec.More() {
				item, err := decodeJSON(dec)
				if err != nil {
					return nil, err
				}
				s.Append(item)
			}
			if _, err := dec.Token(); err != nil {
				return nil, fmt.Errorf("decode json: %w", err)
			}
			return s, nil
		default:
			return nil, fmt.Errorf("decode json: unexpected delimiter %v", t)
		}
	case string:
		return String(t), nil
	case json.Number:
		return Number(t.String()), nil
	case bool:
		return Bool(t), nil
	case nil:
		return Null(), nil
	default:
		return nil, fmt.Errorf("decode json: unexpected token %v", tok)
	}
}

// FromYAML decodes a YAML document preserving mapping key order.
func FromYAML(data []byte) (*Value, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode yaml: %w", err)
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return Null(), nil
	}
	return fromYAMLNode(doc.Content[0])
}

func fromYAMLNode(node *yaml.Node) (*Value, error) {
	switch node.Kind {
	case yaml.AliasNode:
		return fromYAMLNode(node.Alias)
	case yaml.MappingNode:
		m := NewMapping()
		for i := 0; i+1 < len(node.Content); i += 2 {
			keyNode := node.Content[i]
			if keyNode.Kind == yaml.AliasNode {
				keyNode = keyNode.Alias
			}
			field, err := fromYAMLNode(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			m.Set(keyNode.Value, field)
		}
		return m, nil
	case yaml.SequenceNode:
		s := Sequence()
		for _, item := range node.Content {
			v, err := fromYAMLNode(item)
			if err != nil {
				return nil, err
			}
			s.Append(v)
		}
		return s, nil
	case yaml.ScalarNode:
		return fromYAMLScalar(node)
	default:
		return nil, fmt.Errorf("decode yaml: unsupported node kind %d", node.Kind)
	}
}

func fromYAMLScalar(node *yaml.Node) (*Value, error) {
	switch node.Tag {
	case "!!null", "":
		if node.Tag == "" && node.Value != "" {
			return String(node.Value), nil
		}
		return Null(), nil
	case "!!bool":
		var b bool
		if err := node.Decode(&b); err != nil {
			return nil, fmt.Errorf("decode yaml bool: %w", err)
		}
		return Bool(b), nil
	case "!!int", "!!float":
		return Number(node.Value), nil
	case "!!str":
		return String(node.Value), nil
	default:
		return String(node.Value), nil
	}
}

// FromAny converts decoded generic data (map[string]any, []any, scalars)
// into a Value. Map key order is sorted for determinism.
func FromAny(data any) (*Value, error) {
	switch t := data.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case string:
		return String(t), nil
	case json.Number:
		return Number(t.String()), nil
	case int:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case float64:
		return Float(t), nil
	case []any:
		s := Sequence()
		for _, item := range t {
			v, err := FromAny(item)
			if err != nil {
				return nil, err
			}
			s.Append(v)
		}
		return s, nil
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		m := NewMapping()
		for _, k := range keys {
			v, err := FromAny(t[k])
			if err != nil {
				return nil, err
			}
			m.Set(k, v)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("convert value: unsupported type %T", data)
	}
}

// ToAny converts v into generic data suitable for schema validation.
// Mapping key order is lost.
func (v *Value) ToAny() any {
	switch v.Kind() {
	case KindNull:
		return nil
	case KindBool:
		return v.boolVal
	case KindString:
		return v.strVal
	case KindNumber:
		if i, err := strconv.ParseInt(v.numVal, 10, 64); err == nil {
			return i
		}
		f, _ := strconv.ParseFloat(v.numVal, 64)
		return f
	case KindSequence:
		out := make([]any, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.ToAny()
		}
		return out
	case KindMapping:
		out := make(map[string]any, len(v.fields))
		for k, f := range v.fields {
			out[k] = f.ToAny()
		}
		return out
	default:
		return nil
	}
}

// MarshalJSON renders v with mapping keys in insertion order.
func (v *Value) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	if err := encodeJSON(&buf, v, false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes into v preserving mapping key order.
func (v *Value) UnmarshalJSON(data []byte) error {
	decoded, err := FromJSON(data)
	if err != nil {
		return err
	}
	*v = *decoded
	return nil
}

// CanonicalJSON renders v with mapping keys sorted. This is the hashing
// form: byte-identical for structurally equal documents.
func (v *Value) CanonicalJSON() []byte {
	var buf bytes.Buffer
	// canonical encoding cannot fail: every variant is representable
	_ = encodeJSON(&buf, v, true)
	return buf.Bytes()
}

func encodeJSON(buf *bytes.Buffer, v *Value, canonical bool) error {
	switch v.Kind() {
	case KindNull:
		buf.WriteString("null")
	case KindBool:
		buf.WriteString(strconv.FormatBool(v.boolVal))
	case KindNumber:
		buf.WriteString(v.numVal)
	case KindString:
		encoded, err := json.Marshal(v.strVal)
		if err != nil {
			return fmt.Errorf("encode string: %w", err)
		}
		buf.Write(encoded)
	case KindSequence:
		buf.WriteByte('[')
		for i, item := range v.seq {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeJSON(buf, item, canonical); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case KindMapping:
		keys := v.keys
		if canonical {
			keys = append([]string(nil), v.keys...)
			sort.Strings(keys)
		}
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			keyBytes, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("encode key: %w", err)
			}
			buf.Write(keyBytes)
			buf.WriteByte(':')
			if err := encodeJSON(buf, v.fields[k], canonical); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("encode: unknown kind %v", v.Kind())
	}
	return nil
}
