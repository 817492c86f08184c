package schema

import (
	"encoding/json"
	"testing"
)

func TestValidateSchema(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"name":{"type":"string"}},"required":["name"]}`)
	if err := ValidateSchema("test", schema, map[string]any{"name": "ok"}); err != nil {
		t.Fatalf("expected valid schema: %v", err)
	}
	if err := ValidateSchema("test", schema, map[string]any{"nope": "bad"}); err == nil {
		t.Fatalf("expected schema validation error")
	}
}

func TestValidateSchemaEmpty(t *testing.T) {
	if err := ValidateSchema("test", nil, nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
	if err := ValidateSchema("test", []byte{}, nil); err == nil {
		t.Fatalf("expected error for empty schema")
	}
}

func TestIssuesFlattening(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"rules":{"type":"array"}},"required":["rules"]}`)
	err := ValidateSchema("test", schema, map[string]any{"rules": "not-an-array"})
	if err == nil {
		t.Fatalf("expected validation error")
	}
	issues := Issues(err)
	if len(issues) == 0 {
		t.Fatalf("expected at least one issue")
	}
	if Issues(nil) != nil {
		t.Fatalf("expected nil issues for nil error")
	}
}

func TestNormalizeValue(t *testing.T) {
	data := json.RawMessage(`{"k":"v"}`)
	val, err := normalizeValue(data)
	if err != nil {
		t.Fatalf("normalize raw: %v", err)
	}
	m, ok := val.(map[string]any)
	if !ok || m["k"] != "v" {
		t.Fatalf("unexpected normalized value")
	}
	if _, err := normalizeValue([]byte("{")); err == nil {
		t.Fatalf("expected error for invalid byte json")
	}
}

func TestSchemaIDDefault(t *testing.T) {
	if schemaID("") != "inmemory://schema" {
		t.Fatalf("unexpected default schema id")
	}
	if schemaID("branch-config") != "inmemory://branch-config" {
		t.Fatalf("unexpected schema id")
	}
}
