// Package tools implements tool dispatch for the research loop: registry
// lookup, the URL revisit guard, result classification, failure diagnosis,
// and the code-generation expert.
package tools

import (
	"context"
	"sort"
	"sync"

	"github.com/CK991357/gemini-chat-sub000/internal/research"
)

// Context carries per-invocation settings into a tool.
type Context struct {
	Mode         string
	ResearchMode research.Mode
}

// Result is the common return shape shared by every tool.
type Result struct {
	Success bool                 `json:"success"`
	Output  string               `json:"output"`
	Sources []research.SourceRef `json:"sources,omitempty"`
}

// Tool is the narrow contract the core consumes. Implementations are injected
// by name; the core never depends on a tool's internals.
type Tool interface {
	Name() string
	Invoke(ctx context.Context, params map[string]interface{}, tc Context) (*Result, error)
}

// Registry maps tool names to implementations.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool by its name.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = t
}

// Get returns the tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names returns the registered tool names, sorted.
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

// ToolFunc adapts a function to the Tool interface.
type ToolFunc struct {
	ToolName string
	Fn       func(ctx context.Context, params map[string]interface{}, tc Context) (*Result, error)
}

func (t ToolFunc) Name() string { return t.ToolName }

func (t ToolFunc) Invoke(ctx context.Context, params map[string]interface{}, tc Context) (*Result, error) {
	return t.Fn(ctx, params, tc)
}
