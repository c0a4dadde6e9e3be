// Package schema holds the tool contract registry and the proposed-call
// validator. Contracts are registered at init and immutable for a run; the
// validator itself is pure and does no I/O.
package schema

import (
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/tillerworks/tiller/pkg/contracts"
)

// compiledContract pairs a declaration with its compiled schemas.
type compiledContract struct {
	contract *contracts.ToolContract
	input    *jsonschema.Schema
	output   *jsonschema.Schema
}

// Registry is the build-once read-many contract registry.
type Registry struct {
	mu        sync.RWMutex
	contracts map[string]*compiledContract
	frozen    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{contracts: make(map[string]*compiledContract)}
}

// Register validates and compiles a contract. Duplicate names and
// registrations after Freeze are rejected.
func (r *Registry) Register(contract *contracts.ToolContract) error {
	if err := contract.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry: frozen, cannot register %s", contract.Name)
	}
	if _, exists := r.contracts[contract.Name]; exists {
		return fmt.Errorf("registry: contract %s already registered", contract.Name)
	}

	cc := &compiledContract{contract: contract}
	var err error
	if len(contract.InputSchema) > 0 {
		if cc.input, err = compileSchema(contract.Name, "input", string(contract.InputSchema)); err != nil {
			return err
		}
	}
	if len(contract.OutputSchema) > 0 {
		if cc.output, err = compileSchema(contract.Name, "output", string(contract.OutputSchema)); err != nil {
			return err
		}
	}

	r.contracts[contract.Name] = cc
	return nil
}

// Freeze marks the end of init; further registrations fail.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the contract declaration for a tool, or nil.
func (r *Registry) Get(name string) *contracts.ToolContract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if cc, ok := r.contracts[name]; ok {
		return cc.contract
	}
	return nil
}

// Names returns the registered tool names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.contracts))
	for name := range r.contracts {
		names = append(names, name)
	}
	return names
}

func (r *Registry) compiled(name string) *compiledContract {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.contracts[name]
}

func compileSchema(tool, kind, raw string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://tiller.schemas.local/%s/%s.schema.json", tool, kind)
	if err := c.AddResource(url, strings.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("registry: %s %s schema load failed: %w", tool, kind, err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("registry: %s %s schema compile failed: %w", tool, kind, err)
	}
	return schema, nil
}
