package workflow

import (
	"context"
	"errors"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/polver/polver/core/infra/schema"
	"github.com/polver/polver/core/policy/value"
	"github.com/polver/polver/core/versioning/branch"
)

// ValidationResult is the outcome of validating a policy document.
// Warnings never block an operation.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validator checks a policy document before it lands on a branch.
type Validator interface {
	Validate(ctx context.Context, policyID string, content *value.Value, targetBranch string) (*ValidationResult, error)
}

// NoopValidator accepts everything.
type NoopValidator struct{}

func (NoopValidator) Validate(context.Context, string, *value.Value, string) (*ValidationResult, error) {
	return &ValidationResult{Valid: true}, nil
}

// SchemaValidator validates documents against a base JSON schema plus
// the per-branch rules registered in the schema registry.
type SchemaValidator struct {
	registry   *schema.Registry
	branches   *branch.Manager
	baseSchema []byte
}

// NewSchemaValidator wires a SchemaValidator. baseSchema may be nil to
// skip the shared shape check; registry may be nil when no branch names
// validation rules.
func NewSchemaValidator(registry *schema.Registry, branches *branch.Manager, baseSchema []byte) *SchemaValidator {
	return &SchemaValidator{registry: registry, branches: branches, baseSchema: baseSchema}
}

func (v *SchemaValidator) Validate(ctx context.Context, policyID string, content *value.Value, targetBranch string) (*ValidationResult, error) {
	payload := content.ToAny()
	result := &ValidationResult{Valid: true}

	if len(v.baseSchema) > 0 {
		if err := schema.ValidateSchema("policy-document", v.baseSchema, payload); err != nil {
			result.Errors = append(result.Errors, schema.Issues(err)...)
		}
	}

	for _, ruleID := range v.branches.ConfigFor(targetBranch).ValidationRules {
		if v.registry == nil {
			return nil, fmt.Errorf("branch %s names validation rule %s but no registry is configured", targetBranch, ruleID)
		}
		err := v.registry.ValidateID(ctx, ruleID, payload)
		if err == nil {
			continue
		}
		var ve *jsonschema.ValidationError
		if !errors.As(err, &ve) {
			// registry unreachable or rule missing, not a content problem
			return nil, fmt.Errorf("validate %s against rule %s: %w", policyID, ruleID, err)
		}
		for _, issue := range schema.Issues(err) {
			result.Errors = append(result.Errors, ruleID+": "+issue)
		}
	}

	result.Valid = len(result.Errors) == 0
	return result, nil
}

// gate runs the validator and converts a failed result into a
// *ValidationError for the given stage.
func gate(ctx context.Context, validator Validator, stage, policyID string, content *value.Value, targetBranch string) (*ValidationResult, error) {
	if validator == nil {
		return &ValidationResult{Valid: true}, nil
	}
	result, err := validator.Validate(ctx, policyID, content, targetBranch)
	if err != nil {
		return nil, fmt.Errorf("run %s validation: %w", stage, err)
	}
	if !result.Valid {
		return result, &ValidationError{Stage: stage, Errors: result.Errors, Warnings: result.Warnings}
	}
	return result, nil
}

// IsValidationIssue reports whether err is a content validation failure
// rather than an infrastructure fault.
func IsValidationIssue(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
