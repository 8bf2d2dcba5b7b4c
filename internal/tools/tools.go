// Package tools defines the tool interface and registry for Nyumba.
// Each tool declares its class so the dispatcher can gate mutating calls
// behind approval and give analysis calls their longer deadline.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jkaninda/nyumba/internal/execctx"
	"github.com/jkaninda/nyumba/internal/llm"
)

// Class partitions tools by how the dispatcher treats them.
type Class string

const (
	// ClassReadOnly tools execute immediately under the standard deadline.
	ClassReadOnly Class = "read_only"
	// ClassAnalysis tools execute immediately but get the analysis
	// deadline; sandboxed script runs land here.
	ClassAnalysis Class = "analysis"
	// ClassMutating tools never execute during dispatch; they require
	// explicit approval first.
	ClassMutating Class = "mutating"
)

// Tool is the interface all Nyumba tools implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "get_entity_state").
	Name() string

	// Description returns a human-readable description for the model.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's
	// parameters, sent to the model for function calling.
	InputSchema() map[string]any

	// Class returns how the dispatcher must treat this tool.
	Class() Class

	// Execute runs the tool. The execution context carries the progress
	// queue, session callback and timeouts for this request.
	Execute(ctx context.Context, ectx *execctx.Context, params map[string]any) (*Result, error)
}

// Result is the outcome of a tool execution.
type Result struct {
	Output   string         `json:"output"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Success  bool           `json:"success"`
}

// MaxOutputBytes caps tool output carried back into the conversation.
const MaxOutputBytes = 1 << 20 // 1 MB

// TruncateOutput caps a string at maxBytes, appending a truncation notice
// if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// RequireString extracts a required non-empty string param.
func RequireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// OptionalString extracts an optional string param, returning fallback
// when absent.
func OptionalString(params map[string]any, key, fallback string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// Registry holds available tools keyed by name. Thread-safe for
// concurrent reads; writes should only happen at startup.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	enabled func(name string) bool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error,
// not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// SetEnabledCheck installs a predicate consulted before a tool is exposed
// or executed. Nil means every registered tool is enabled.
func (r *Registry) SetEnabledCheck(enabled func(name string) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enabled = enabled
}

// Get returns the tool by name, or nil when it is unknown or currently
// disabled.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t := r.tools[name]
	if t == nil {
		return nil
	}
	if r.enabled != nil && !r.enabled(name) {
		return nil
	}
	return t
}

// IsMutating reports whether the named tool requires approval. Unknown
// names are treated as mutating: an unrecognized action never slips past
// the approval gate.
func (r *Registry) IsMutating(name string) bool {
	t := r.Get(name)
	return t == nil || t.Class() == ClassMutating
}

// List returns the enabled tool names in sorted order.
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.All()))
	for _, t := range r.All() {
		names = append(names, t.Name())
	}
	return names
}

// All returns the enabled tools sorted by name, so the definitions sent
// to the model are deterministic.
func (r *Registry) All() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Tool, 0, len(r.tools))
	for name, t := range r.tools {
		if r.enabled != nil && !r.enabled(name) {
			continue
		}
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name() < result[j].Name() })
	return result
}

// Definitions converts the enabled tools into model tool definitions.
func (r *Registry) Definitions() []llm.ToolDefinition {
	all := r.All()
	defs := make([]llm.ToolDefinition, len(all))
	for i, t := range all {
		defs[i] = llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		}
	}
	return defs
}
