package config

import (
	"fmt"
	"os"
	"slices"

	"gopkg.in/yaml.v3"

	"atsflow/internal/session/models"
)

// Profiles lists the tests each centre's equipment supports, in execution
// order. Centres without an entry use Default.
type Profiles struct {
	Default []models.TestType            `yaml:"default"`
	Centers map[string][]models.TestType `yaml:"centers"`
}

// DefaultProfiles runs every test type in the standard order.
func DefaultProfiles() *Profiles {
	return &Profiles{Default: slices.Clone(models.DefaultTestOrder)}
}

// LoadProfiles reads a profiles file. An empty path yields DefaultProfiles.
func LoadProfiles(path string) (*Profiles, error) {
	if path == "" {
		return DefaultProfiles(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profiles: %w", err)
	}
	return ParseProfiles(raw)
}

func ParseProfiles(raw []byte) (*Profiles, error) {
	var p Profiles
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parse profiles: %w", err)
	}
	if len(p.Default) == 0 {
		p.Default = slices.Clone(models.DefaultTestOrder)
	}
	if err := checkTypes("default", p.Default); err != nil {
		return nil, err
	}
	for center, tests := range p.Centers {
		if len(tests) == 0 {
			return nil, fmt.Errorf("profile for center %s lists no tests", center)
		}
		if err := checkTypes(center, tests); err != nil {
			return nil, err
		}
	}
	return &p, nil
}

// For returns the tests for centerRef.
func (p *Profiles) For(centerRef string) []models.TestType {
	if tests, ok := p.Centers[centerRef]; ok {
		return slices.Clone(tests)
	}
	return slices.Clone(p.Default)
}

func checkTypes(profile string, tests []models.TestType) error {
	seen := make(map[models.TestType]bool, len(tests))
	for _, t := range tests {
		if !t.IsValid() {
			return fmt.Errorf("profile %s: unknown test type %q", profile, t)
		}
		if seen[t] {
			return fmt.Errorf("profile %s: test type %q listed twice", profile, t)
		}
		seen[t] = true
	}
	return nil
}
