package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tillerworks/tiller/pkg/invariant"
)

// invariantManifest is one invariant_*.yaml file: named CEL predicates that
// tool contracts reference by id.
type invariantManifest struct {
	Invariants []invariant.Predicate `yaml:"invariants"`
}

// LoadInvariants reads every invariant_*.yaml manifest in dir and returns the
// declared predicates. Compilation is left to the predicate set.
func LoadInvariants(dir string) ([]invariant.Predicate, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "invariant_*.yaml"))
	if err != nil {
		return nil, err
	}

	var out []invariant.Predicate
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var m invariantManifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		out = append(out, m.Invariants...)
	}
	return out, nil
}
