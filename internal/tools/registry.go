package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/nextlevelbuilder/loom/internal/providers"
)

var (
	ErrUnknownTool = errors.New("tools: unknown tool")
	ErrBadRequest  = errors.New("tools: bad request")
)

// Tool is the interface all builtin and MCP-federated tools implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]interface{}

	// RequiresConfirmation reports whether a call must be approved by
	// the user before execution.
	RequiresConfirmation() bool

	Execute(ctx context.Context, args map[string]interface{}) (*Result, error)
}

// Previewer is implemented by gated tools that can describe the effect
// of a call before it runs, for the confirmation prompt.
type Previewer interface {
	Preview(ctx context.Context, args map[string]interface{}) (string, error)
}

type registered struct {
	tool   Tool
	schema *jsonschema.Schema
}

// Registry maps tool names to handlers and validates calls against each
// tool's declared schema before dispatch.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]*registered
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		tools:  make(map[string]*registered),
		logger: logger,
	}
}

func (r *Registry) Register(t Tool) error {
	schema, err := compileSchema(t.Name(), t.Parameters())
	if err != nil {
		return fmt.Errorf("register %s: %w", t.Name(), err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("register %s: duplicate tool name", t.Name())
	}
	r.tools[t.Name()] = &registered{tool: t, schema: schema}
	return nil
}

// Unregister removes a tool, typically when an MCP server disconnects.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.tools[name]
	if !ok {
		return nil, false
	}
	return reg.tool, true
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns the tool schemas in provider wire form, sorted by
// name for stable prompts.
func (r *Registry) Definitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, reg := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Name:        reg.tool.Name(),
			Description: reg.tool.Description(),
			Parameters:  reg.tool.Parameters(),
		})
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Call validates args against the tool's schema, rejects unknown keys,
// injects params into the context and dispatches.
func (r *Registry) Call(ctx context.Context, name string, args map[string]interface{}, params CallParams) (*Result, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	if err := ensureKnownKeys(reg.tool, args); err != nil {
		return nil, err
	}
	if err := reg.schema.Validate(normalizeArgs(args)); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadRequest, name, err)
	}

	r.logger.Debug("tool call", "tool", name, "session", params.SessionID, "branch", params.BranchID)
	return reg.tool.Execute(WithCallParams(ctx, params), args)
}

// ensureKnownKeys rejects argument keys absent from the tool's schema.
func ensureKnownKeys(t Tool, args map[string]interface{}) error {
	props, _ := t.Parameters()["properties"].(map[string]interface{})
	for key := range args {
		if _, ok := props[key]; !ok {
			return fmt.Errorf("%w: %s: unknown argument %q", ErrBadRequest, t.Name(), key)
		}
	}
	return nil
}

func compileSchema(name string, params map[string]interface{}) (*jsonschema.Schema, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	c := jsonschema.NewCompiler()
	url := "inmem://" + name + ".json"
	if err := c.AddResource(url, bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return c.Compile(url)
}

// normalizeArgs round-trips args through JSON so numbers validate as
// json.Number-free float64 regardless of how the caller decoded them.
func normalizeArgs(args map[string]interface{}) interface{} {
	data, err := json.Marshal(args)
	if err != nil {
		return args
	}
	var out interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return args
	}
	return out
}
