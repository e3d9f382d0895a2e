package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/tollgate/pkg/models"
)

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Tool is an executable capability the model can call.
type Tool interface {
	Name() string
	Description() string
	// Schema returns the JSON Schema for the tool's arguments.
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is a tool's output. IsError results are still handed to the
// model, which decides how to proceed.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ToolOption adjusts a tool's descriptor at registration.
type ToolOption func(*models.ToolDescriptor)

// WithIntegration ties the tool to an external integration for trust purposes.
func WithIntegration(id string) ToolOption {
	return func(d *models.ToolDescriptor) { d.IntegrationID = id }
}

// NonRetryable disables the automatic retry on transient failures.
func NonRetryable() ToolOption {
	return func(d *models.ToolDescriptor) { d.NonRetryable = true }
}

type registeredTool struct {
	tool   Tool
	desc   models.ToolDescriptor
	schema *jsonschema.Schema
}

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Arguments are validated against each tool's schema before execution.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]*registeredTool
}

// NewToolRegistry creates an empty registry.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]*registeredTool)}
}

// Register adds or replaces a tool. The schema is compiled once here.
func (r *ToolRegistry) Register(tool Tool, opts ...ToolOption) error {
	name := tool.Name()
	if name == "" || len(name) > MaxToolNameLength {
		return fmt.Errorf("invalid tool name %q", name)
	}
	desc := models.ToolDescriptor{
		Name:        name,
		Description: tool.Description(),
		Schema:      tool.Schema(),
	}
	for _, opt := range opts {
		opt(&desc)
	}

	var compiled *jsonschema.Schema
	if len(desc.Schema) > 0 {
		var err error
		compiled, err = jsonschema.CompileString(name+".schema.json", string(desc.Schema))
		if err != nil {
			return fmt.Errorf("compile schema for tool %s: %w", name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = &registeredTool{tool: tool, desc: desc, schema: compiled}
	return nil
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return rt.tool, true
}

// Descriptor returns the capability descriptor for a tool.
func (r *ToolRegistry) Descriptor(name string) (models.ToolDescriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rt, ok := r.tools[name]
	if !ok {
		return models.ToolDescriptor{}, false
	}
	return rt.desc, true
}

// Descriptors resolves the named tools, sorted by name. An empty list means
// every registered tool. Unknown names are reported as an error.
func (r *ToolRegistry) Descriptors(names []string) ([]models.ToolDescriptor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []models.ToolDescriptor
	if len(names) == 0 {
		for _, rt := range r.tools {
			out = append(out, rt.desc)
		}
	} else {
		for _, name := range names {
			rt, ok := r.tools[name]
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
			}
			out = append(out, rt.desc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Execute validates params and runs the named tool.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(params) > MaxToolParamsSize {
		return nil, NewToolError(name, fmt.Errorf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize)).
			WithType(ToolErrorInvalidInput)
	}

	r.mu.RLock()
	rt, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, NewToolError(name, fmt.Errorf("%w: %s", ErrToolNotFound, name)).WithType(ToolErrorNotFound)
	}

	if rt.schema != nil {
		if err := validateArguments(rt.schema, params); err != nil {
			return nil, NewToolError(name, err).WithType(ToolErrorInvalidInput)
		}
	}
	return rt.tool.Execute(ctx, params)
}

func validateArguments(schema *jsonschema.Schema, params json.RawMessage) error {
	if len(params) == 0 {
		params = json.RawMessage(`{}`)
	}
	var decoded any
	if err := json.Unmarshal(params, &decoded); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	if err := schema.Validate(decoded); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}
