// Package registry holds the catalog of CRM tools the MCP may dispatch.
// Every tool carries a compiled JSON Schema for its parameters; validation
// runs before any side effect, and names matching the safety blocklist are
// refused at registration time.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/groundline/groundline/pkg/crm"
)

var (
	ErrToolNotFound   = errors.New("registry: tool not found")
	ErrDuplicateTool  = errors.New("registry: tool already registered")
	ErrInvalidParams  = errors.New("registry: parameters failed schema validation")
	ErrBlockedName    = errors.New("registry: tool name refused by safety guard")
	ErrDangerousTool  = errors.New("registry: dangerous tools cannot be executed")
	ErrMissingExecute = errors.New("registry: tool has no execute binding")
)

// Category groups tools by the CRM concern they touch.
type Category string

const (
	CategoryLeadLifecycle  Category = "lead_lifecycle"
	CategoryFieldUpdates   Category = "field_updates"
	CategoryAccountContact Category = "account_contact"
	CategorySalesWorkflow  Category = "sales_workflow"
	CategoryActivity       Category = "activity"
	CategoryEnrichmentSync Category = "enrichment_sync"
)

// ExecuteFunc runs a tool against its executor with schema-valid parameters.
type ExecuteFunc func(ctx context.Context, params map[string]any) (*crm.Result, error)

// Tool is one registered CRM operation.
type Tool struct {
	Name        string
	Description string
	Category    Category
	// EntityType names the CRM entity the tool touches; it lands on the
	// audit row.
	EntityType string
	// Mutating tools change CRM state; read-only lookups do not.
	Mutating bool
	// Dangerous tools can be catalogued but never executed.
	Dangerous bool
	Execute   ExecuteFunc

	schema *jsonschema.Schema
}

// NameGuard vets a tool name at registration. The MCP safety guard's
// CheckToolName is the production implementation; keeping it a func value
// keeps this package free of the mcp dependency.
type NameGuard func(name string) error

// Registry is a concurrency-safe tool catalog.
type Registry struct {
	nameGuard NameGuard

	mu    sync.RWMutex
	tools map[string]*Tool
}

// New builds an empty registry. A nil guard accepts every name.
func New(guard NameGuard) *Registry {
	if guard == nil {
		guard = func(string) error { return nil }
	}
	return &Registry{nameGuard: guard, tools: make(map[string]*Tool)}
}

// Register adds a tool after vetting its name and compiling its parameter
// schema. rawSchema is a JSON Schema document; an empty schema accepts any
// object.
func (r *Registry) Register(t *Tool, rawSchema string) error {
	if t.Name == "" {
		return fmt.Errorf("%w: empty name", ErrBlockedName)
	}
	if err := r.nameGuard(t.Name); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBlockedName, t.Name, err)
	}
	if t.Execute == nil {
		return fmt.Errorf("%w: %s", ErrMissingExecute, t.Name)
	}

	if rawSchema == "" {
		rawSchema = `{"type":"object"}`
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(t.Name+".schema.json", strings.NewReader(rawSchema)); err != nil {
		return fmt.Errorf("registry: schema for %s: %w", t.Name, err)
	}
	schema, err := compiler.Compile(t.Name + ".schema.json")
	if err != nil {
		return fmt.Errorf("registry: compile schema for %s: %w", t.Name, err)
	}
	t.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, t.Name)
	}
	r.tools[t.Name] = t
	return nil
}

// Get looks a tool up by name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	return t, nil
}

// List returns all tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ValidateParams checks params against the tool's schema without executing.
func (t *Tool) ValidateParams(params map[string]any) error {
	// The schema validator expects decoded JSON types; params already are.
	if err := t.schema.Validate(normalizeForSchema(params)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidParams, t.Name, err)
	}
	return nil
}

// Dispatch validates the parameters and runs the tool. Dangerous tools are
// refused even if something managed to register one.
func (r *Registry) Dispatch(ctx context.Context, name string, params map[string]any) (*crm.Result, error) {
	t, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	if t.Dangerous {
		return nil, fmt.Errorf("%w: %s", ErrDangerousTool, name)
	}
	if err := t.ValidateParams(params); err != nil {
		return nil, err
	}
	return t.Execute(ctx, params)
}

// normalizeForSchema rewrites Go-native values (int, []string, nested maps)
// into the decoded-JSON shapes the schema validator expects.
func normalizeForSchema(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeForSchema(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeForSchema(val)
		}
		return out
	case []string:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = val
		}
		return out
	case int:
		return float64(t)
	case int64:
		return float64(t)
	case float32:
		return float64(t)
	default:
		return v
	}
}
