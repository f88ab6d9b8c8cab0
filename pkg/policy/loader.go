package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// SupportedSchemaVersions is the semver constraint a policy file's
// schema_version must satisfy. Files without a version are read as 1.0.0.
const SupportedSchemaVersions = ">= 1.0.0, < 2.0.0"

const defaultSchemaVersion = "1.0.0"

var (
	// ErrInvalidDocument is returned when a policy file is malformed or fails the document schema.
	ErrInvalidDocument = errors.New("policy: invalid policy document")
	// ErrUnsupportedSchemaVersion is returned when schema_version is outside SupportedSchemaVersions.
	ErrUnsupportedSchemaVersion = errors.New("policy: unsupported schema version")
)

type document struct {
	SchemaVersion string      `yaml:"schema_version"`
	Policies      []yaml.Node `yaml:"policies"`
}

// LoadFile reads and validates a YAML policy file with a top-level
// "policies" list.
func LoadFile(path string) ([]PartnerPolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	policies, err := Load(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return policies, nil
}

// LoadDir loads every *.yaml and *.yml file in dir, in name order. An org
// defined in more than one file is an error.
func LoadDir(dir string) ([]PartnerPolicy, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("policy: read dir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var all []PartnerPolicy
	seen := map[string]string{}
	for _, name := range names {
		policies, err := LoadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, err
		}
		for _, p := range policies {
			if prev, dup := seen[p.OrgID]; dup {
				return nil, fmt.Errorf("%w: org %q defined in %s and %s", ErrInvalidDocument, p.OrgID, prev, name)
			}
			seen[p.OrgID] = name
			all = append(all, p)
		}
	}
	return all, nil
}

// Load parses a policy document. Fields a policy omits take their defaults.
func Load(data []byte) ([]PartnerPolicy, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	top, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: top level must be a mapping with a 'policies' list", ErrInvalidDocument)
	}
	if err := checkSchemaVersion(top["schema_version"]); err != nil {
		return nil, err
	}
	if err := validateDocument(raw); err != nil {
		return nil, err
	}

	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}

	policies := make([]PartnerPolicy, 0, len(doc.Policies))
	seen := map[string]int{}
	for i := range doc.Policies {
		p := New("", "")
		if err := doc.Policies[i].Decode(&p); err != nil {
			return nil, fmt.Errorf("%w: policies[%d]: %w", ErrInvalidDocument, i, err)
		}
		for j := range p.CrisisResourceTargets {
			if p.CrisisResourceTargets[j].TargetID == "" {
				p.CrisisResourceTargets[j].TargetID = uuid.New().String()
			}
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("policies[%d]: %w", i, err)
		}
		if prev, dup := seen[p.OrgID]; dup {
			return nil, fmt.Errorf("%w: org %q appears at policies[%d] and policies[%d]", ErrInvalidDocument, p.OrgID, prev, i)
		}
		seen[p.OrgID] = i
		policies = append(policies, p)
	}
	return policies, nil
}

func checkSchemaVersion(value any) error {
	version := defaultSchemaVersion
	if value != nil {
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("%w: schema_version must be a quoted string", ErrInvalidDocument)
		}
		version = s
	}

	v, err := semver.NewVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrUnsupportedSchemaVersion, version, err)
	}
	c, err := semver.NewConstraint(SupportedSchemaVersions)
	if err != nil {
		return fmt.Errorf("policy: bad version constraint: %w", err)
	}
	if !c.Check(v) {
		return fmt.Errorf("%w: %s does not satisfy %q", ErrUnsupportedSchemaVersion, v, SupportedSchemaVersions)
	}
	return nil
}

// validateDocument checks raw against the document schema. The YAML tree is
// re-read as JSON so numbers reach the validator as json.Number.
func validateDocument(raw any) error {
	schema, err := documentValidator()
	if err != nil {
		return err
	}
	asJSON, err := json.Marshal(raw)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	dec := json.NewDecoder(bytes.NewReader(asJSON))
	dec.UseNumber()
	var instance any
	if err := dec.Decode(&instance); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return nil
}

// RegisterAll registers each policy, stopping at the first failure.
func RegisterAll(ctx context.Context, reg *Registry, policies []PartnerPolicy) error {
	for _, p := range policies {
		if err := reg.Register(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
