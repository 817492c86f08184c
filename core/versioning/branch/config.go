// Package branch manages branch heads, per-branch promotion policy and
// branch-level locking.
package branch

import (
	"embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/polver/polver/core/infra/schema"
)

const branchesSchemaFile = "schema/branches.schema.json"

//go:embed schema/*.json
var branchSchemaFS embed.FS

// Well-known branch names of the default promotion lattice.
const (
	Draft      = "draft"
	Staging    = "staging"
	Production = "production"
)

// Config is the promotion policy for one branch.
type Config struct {
	Name string `json:"name" yaml:"name"`
	// RequiresApproval gates promotions into this branch behind reviewer
	// sign-off.
	RequiresApproval bool `json:"requires_approval" yaml:"requires_approval"`
	MinApprovers     int  `json:"min_approvers" yaml:"min_approvers"`
	// AllowedSourceBranches lists where promotions into this branch may
	// come from. Empty means the branch accepts direct commits only.
	AllowedSourceBranches []string `json:"allowed_source_branches" yaml:"allowed_source_branches"`
	// ValidationRules names registered schema rules enforced on entry.
	ValidationRules []string `json:"validation_rules" yaml:"validation_rules"`
}

// AcceptsFrom reports whether source is a legal promotion origin.
func (c Config) AcceptsFrom(source string) bool {
	for _, allowed := range c.AllowedSourceBranches {
		if allowed == source {
			return true
		}
	}
	return false
}

// DefaultConfigs is the draft -> staging -> production lattice used when
// no branch configuration file is provided.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		Draft: {
			Name: Draft,
		},
		Staging: {
			Name:                  Staging,
			RequiresApproval:      true,
			MinApprovers:          1,
			AllowedSourceBranches: []string{Draft},
		},
		Production: {
			Name:                  Production,
			RequiresApproval:      true,
			MinApprovers:          2,
			AllowedSourceBranches: []string{Staging},
		},
	}
}

type configFile struct {
	Branches []Config `yaml:"branches"`
}

// ParseConfigs validates and decodes a branch configuration document.
func ParseConfigs(data []byte) (map[string]Config, error) {
	if len(data) == 0 {
		return DefaultConfigs(), nil
	}
	schemaBytes, err := branchSchemaFS.ReadFile(branchesSchemaFile)
	if err != nil {
		return nil, fmt.Errorf("load branches schema: %w", err)
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("parse branch config: %w", err)
	}
	if err := schema.ValidateSchema("branches", schemaBytes, payload); err != nil {
		return nil, fmt.Errorf("validate branch config: %w", err)
	}

	var file configFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse branch config: %w", err)
	}
	configs := make(map[string]Config, len(file.Branches))
	for _, cfg := range file.Branches {
		if _, dup := configs[cfg.Name]; dup {
			return nil, fmt.Errorf("branch %q configured twice", cfg.Name)
		}
		configs[cfg.Name] = cfg
	}
	for name, cfg := range configs {
		for _, source := range cfg.AllowedSourceBranches {
			if _, ok := configs[source]; !ok {
				return nil, fmt.Errorf("branch %q allows unknown source %q", name, source)
			}
		}
	}
	return configs, nil
}

// LoadConfigs reads a branch configuration file; a missing path yields
// the defaults.
func LoadConfigs(path string) (map[string]Config, error) {
	if path == "" {
		return DefaultConfigs(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DefaultConfigs(), nil
		}
		return nil, fmt.Errorf("read branch config %s: %w", path, err)
	}
	return ParseConfigs(data)
}
