package tools

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/jettison-io/parley/internal/llm"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// entry binds a tool name to its target system, HTTP route, and compiled
// argument schema.
type entry struct {
	System string
	Route  route
	Def    llm.ToolDef
	Schema *jsonschema.Schema
}

// Registry resolves tool names to target systems and routes. Systems are
// configuration data; the registry is rebuilt from config, never
// compiled-in dispatch.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry)}
}

// LoadSystem converts every operation of the system's OpenAPI spec into a
// registered tool. Operations without an operationId are named
// "<method>_<path>" like the original spec loader.
func (r *Registry) LoadSystem(system string, spec *Spec, logger *slog.Logger) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for path, methods := range spec.Paths {
		for method, op := range methods {
			m := strings.ToLower(method)
			if !specMethods[m] {
				continue
			}
			name := op.OperationID
			if name == "" {
				name = fmt.Sprintf("%s_%s", m, path)
			}
			desc := op.Description
			if desc == "" {
				desc = op.Summary
			}
			schemaJSON := toolSchema(op.Parameters)
			compiled, err := compileSchema(name, schemaJSON)
			if err != nil {
				return fmt.Errorf("tool %s: %w", name, err)
			}
			if prev, ok := r.entries[name]; ok {
				logger.Warn("duplicate tool name, keeping first",
					"tool", name, "kept", prev.System, "dropped", system)
				continue
			}
			r.entries[name] = entry{
				System: system,
				Route:  route{Method: strings.ToUpper(m), Path: path},
				Def: llm.ToolDef{
					Name:        name,
					Description: desc,
					Schema:      schemaJSON,
				},
				Schema: compiled,
			}
			r.order = append(r.order, name)
			logger.Debug("registered tool", "tool", name, "system", system, "method", m, "path", path)
		}
	}
	return nil
}

// Defs returns all tool definitions in registration order, for the LLM.
func (r *Registry) Defs() []llm.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDef, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entries[name].Def)
	}
	return out
}

// SystemFor returns the target system owning the named tool.
func (r *Registry) SystemFor(name string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.System, ok
}

func (r *Registry) lookup(name string) (entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

func compileSchema(name string, schemaJSON []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "inline://" + name + ".json"
	if err := compiler.AddResource(url, strings.NewReader(string(schemaJSON))); err != nil {
		return nil, fmt.Errorf("invalid argument schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile argument schema: %w", err)
	}
	return schema, nil
}
