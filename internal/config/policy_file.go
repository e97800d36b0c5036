package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the optional bootstrap document loaded at start-up. It only
// adds to the built-in defaults; nothing it declares can remove a default policy.
type PolicyFile struct {
	DefaultDeny   *bool          `yaml:"default_deny,omitempty"`
	KnownServices []string       `yaml:"known_services,omitempty"`
	Whitelist     []string       `yaml:"whitelist,omitempty"`
	Policies      []PolicyConfig `yaml:"policies,omitempty"`
}

// PolicyConfig mirrors the arguments of Engine.RegisterPolicy.
type PolicyConfig struct {
	Name              string   `yaml:"name"`
	Description       string   `yaml:"description,omitempty"`
	Level             string   `yaml:"level"`
	Condition         string   `yaml:"condition,omitempty"`
	Weight            float64  `yaml:"weight"`
	Methods           []string `yaml:"methods"`
	ActionOnViolation string   `yaml:"action_on_violation"`
}

// LoadPolicyFile parses the YAML bootstrap document at path.
func LoadPolicyFile(path string) (*PolicyFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return ParsePolicyFile(data)
}

func ParsePolicyFile(data []byte) (*PolicyFile, error) {
	var pf PolicyFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("failed to parse policy file: %w", err)
	}
	for i, p := range pf.Policies {
		if p.Name == "" {
			return nil, fmt.Errorf("policy %d: name is required", i)
		}
		if len(p.Methods) == 0 {
			return nil, fmt.Errorf("policy %q: at least one method is required", p.Name)
		}
		if p.Weight < 0 {
			return nil, fmt.Errorf("policy %q: weight must not be negative", p.Name)
		}
	}
	return &pf, nil
}
