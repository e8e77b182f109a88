package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ashureev/delfos/internal/agent"
	"github.com/ashureev/delfos/internal/validator"
)

const maxSupportedPolicyVersion = 1

// Policy bundles the validation rules and the intent vocabulary.
type Policy struct {
	Validator  validator.Policy
	Vocabulary agent.Vocabulary
}

// DefaultPolicyBundle returns the compiled-in policy and vocabulary.
func DefaultPolicyBundle() Policy {
	return Policy{
		Validator:  validator.DefaultPolicy(),
		Vocabulary: agent.DefaultVocabulary(),
	}
}

// policyFile is the on-disk layout. Lists that are present replace the
// defaults; absent lists keep them.
type policyFile struct {
	SchemaVersion int              `yaml:"schema_version"`
	Validator     validatorSection `yaml:"validator"`
	Vocabulary    agent.Vocabulary `yaml:"vocabulary"`
}

type validatorSection struct {
	AllowedStatements      []string `yaml:"allowed_statements"`
	ForbiddenKeywords      []string `yaml:"forbidden_keywords"`
	DeniedKeywords         []string `yaml:"denied_keywords"`
	DeniedFunctions        []string `yaml:"denied_functions"`
	DeniedFunctionPrefixes []string `yaml:"denied_function_prefixes"`
	DeniedSchemas          []string `yaml:"denied_schemas"`
	AllowedSchemas         []string `yaml:"allowed_schemas"`
	AllowComments          *bool    `yaml:"allow_comments"`
}

// LoadPolicy reads the YAML policy at path over the defaults. An empty path
// returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicyBundle(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(raw)
}

// ParsePolicy parses raw YAML over the defaults.
func ParsePolicy(raw []byte) (Policy, error) {
	var f policyFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return Policy{}, fmt.Errorf("parse policy: %w", err)
	}
	if f.SchemaVersion > maxSupportedPolicyVersion {
		return Policy{}, fmt.Errorf("unsupported schema_version %d (max supported: %d)",
			f.SchemaVersion, maxSupportedPolicyVersion)
	}

	p := DefaultPolicyBundle()
	v := f.Validator
	override(&p.Validator.AllowedStatements, v.AllowedStatements)
	override(&p.Validator.ForbiddenKeywords, v.ForbiddenKeywords)
	override(&p.Validator.DeniedKeywords, v.DeniedKeywords)
	override(&p.Validator.DeniedFunctions, v.DeniedFunctions)
	override(&p.Validator.DeniedFunctionPrefixes, v.DeniedFunctionPrefixes)
	override(&p.Validator.DeniedSchemas, v.DeniedSchemas)
	override(&p.Validator.AllowedSchemas, v.AllowedSchemas)
	if v.AllowComments != nil {
		p.Validator.AllowComments = *v.AllowComments
	}
	p.Vocabulary = p.Vocabulary.Merge(f.Vocabulary)

	if len(p.Validator.AllowedStatements) == 0 {
		return Policy{}, fmt.Errorf("policy allows no statements")
	}
	return p, nil
}

func override(dst *[]string, src []string) {
	if len(src) > 0 {
		*dst = src
	}
}
