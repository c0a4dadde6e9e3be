package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// manifest is one tool_*.yaml file: a list of tool declarations. Schemas are
// written as inline YAML mappings and converted to JSON for the registry.
type manifest struct {
	Tools []manifestTool `yaml:"tools"`
}

type manifestTool struct {
	Name                   string               `yaml:"name"`
	Version                string               `yaml:"version"`
	RiskClass              string               `yaml:"risk_class"`
	RequiresApproval       bool                 `yaml:"requires_approval"`
	MinTrustScore          float64              `yaml:"min_trust_score"`
	MaxDurationMs          int64                `yaml:"max_duration_ms"`
	Idempotent             bool                 `yaml:"idempotent"`
	CompensationActionName string               `yaml:"compensation_action_name"`
	Invariants             []string             `yaml:"invariants"`
	RateLimit              *contracts.RateLimit `yaml:"rate_limit"`
	InputSchema            map[string]any       `yaml:"input_schema"`
	OutputSchema           map[string]any       `yaml:"output_schema"`
}

// LoadContracts reads every tool_*.yaml manifest in dir and returns the
// declared contracts. Validation is left to the registry.
func LoadContracts(dir string) ([]*contracts.ToolContract, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "tool_*.yaml"))
	if err != nil {
		return nil, err
	}

	var out []*contracts.ToolContract
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var m manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		for i := range m.Tools {
			contract, err := m.Tools[i].toContract()
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path, err)
			}
			out = append(out, contract)
		}
	}
	return out, nil
}

func (t *manifestTool) toContract() (*contracts.ToolContract, error) {
	contract := &contracts.ToolContract{
		Name:                   t.Name,
		Version:                t.Version,
		RiskClass:              contracts.RiskClass(t.RiskClass),
		RequiresApproval:       t.RequiresApproval,
		MinTrustScore:          t.MinTrustScore,
		MaxDurationMs:          t.MaxDurationMs,
		Idempotent:             t.Idempotent,
		CompensationActionName: t.CompensationActionName,
		Invariants:             t.Invariants,
		RateLimit:              t.RateLimit,
	}
	if t.InputSchema != nil {
		data, err := json.Marshal(t.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: input schema: %w", t.Name, err)
		}
		contract.InputSchema = json.RawMessage(data)
	}
	if t.OutputSchema != nil {
		data, err := json.Marshal(t.OutputSchema)
		if err != nil {
			return nil, fmt.Errorf("tool %s: output schema: %w", t.Name, err)
		}
		contract.OutputSchema = json.RawMessage(data)
	}
	return contract, nil
}
