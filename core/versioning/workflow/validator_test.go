package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/polver/polver/core/infra/locks"
	"github.com/polver/polver/core/infra/schema"
	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning/branch"
	"github.com/polver/polver/core/versioning/store"
)

const policyShape = `{
	"type": "object",
	"required": ["rules"],
	"properties": {
		"rules": {"type": "array"}
	}
}`

func newSchemaValidator(t *testing.T, configs map[string]branch.Config, baseSchema []byte) (*SchemaValidator, *schema.Registry) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	st := store.NewRedisStore(client)
	branches := branch.NewManager(st, locks.NewRedisStore(client), configs, time.Second)
	registry := schema.NewRegistry(client)
	return NewSchemaValidator(registry, branches, baseSchema), registry
}

func mustValue(t *testing.T, raw string) *value.Value {
	t.Helper()
	v, err := value.FromJSON([]byte(raw))
	if err != nil {
		t.Fatalf("FromJSON: %v", err)
	}
	return v
}

func TestSchemaValidatorBaseSchema(t *testing.T) {
	v, _ := newSchemaValidator(t, nil, []byte(policyShape))
	ctx := context.Background()

	res, err := v.Validate(ctx, "pol-1", mustValue(t, `{"rules":[]}`), branch.Staging)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("conforming document rejected: %v", res.Errors)
	}

	res, err = v.Validate(ctx, "pol-1", mustValue(t, `{"name":"x"}`), branch.Staging)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid || len(res.Errors) == 0 {
		t.Fatalf("document missing rules accepted: %+v", res)
	}
}

func TestSchemaValidatorBranchRules(t *testing.T) {
	configs := branch.DefaultConfigs()
	cfg := configs[branch.Production]
	cfg.ValidationRules = []string{"prod-limits"}
	configs[branch.Production] = cfg

	v, registry := newSchemaValidator(t, configs, nil)
	ctx := context.Background()

	ruleSchema := []byte(`{
		"type": "object",
		"properties": {"limit": {"type": "integer", "maximum": 100}}
	}`)
	if err := registry.Register(ctx, "prod-limits", ruleSchema); err != nil {
		t.Fatalf("Register: %v", err)
	}

	res, err := v.Validate(ctx, "pol-1", mustValue(t, `{"limit":50}`), branch.Production)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("within limits rejected: %v", res.Errors)
	}

	res, err = v.Validate(ctx, "pol-1", mustValue(t, `{"limit":500}`), branch.Production)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Valid {
		t.Fatalf("limit overflow accepted")
	}

	// The same document passes for a branch without the rule.
	res, err = v.Validate(ctx, "pol-1", mustValue(t, `{"limit":500}`), branch.Staging)
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if !res.Valid {
		t.Fatalf("staging should not enforce production rules: %v", res.Errors)
	}
}

func TestSchemaValidatorMissingRuleIsInfraFault(t *testing.T) {
	configs := branch.DefaultConfigs()
	cfg := configs[branch.Production]
	cfg.ValidationRules = []string{"ghost-rule"}
	configs[branch.Production] = cfg

	v, _ := newSchemaValidator(t, configs, nil)
	_, err := v.Validate(context.Background(), "pol-1", mustValue(t, `{}`), branch.Production)
	if err == nil {
		t.Fatalf("unregistered rule must be an error, not a validation failure")
	}
	if IsValidationIssue(err) {
		t.Fatalf("infra fault misclassified as content issue: %v", err)
	}
}
