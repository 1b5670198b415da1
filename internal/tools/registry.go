package tools

import (
	"context"
	"fmt"
	"sync"
)

// ErrToolNotFound is returned by Execute when no tool is registered under
// the requested name.
type ErrToolNotFound struct {
	Name string
}

func (e *ErrToolNotFound) Error() string {
	return fmt.Sprintf("tool %q not found", e.Name)
}

// Registry holds the set of tools available for invocation.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry builds an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds or replaces a tool under its own Name().
func (r *Registry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Execute looks up name and runs it against input. Returns *ErrToolNotFound
// when no such tool is registered.
func (r *Registry) Execute(ctx context.Context, name string, input []byte) (string, error) {
	tool, ok := r.Get(name)
	if !ok {
		return "", &ErrToolNotFound{Name: name}
	}
	return tool.Execute(ctx, input)
}

// AsLLMTools returns every registered tool's Spec, for inclusion in a
// model request's tool-use declaration.
func (r *Registry) AsLLMTools() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	specs := make([]Spec, 0, len(r.tools))
	for _, t := range r.tools {
		specs = append(specs, Spec{Name: t.Name(), Description: t.Description(), InputSchema: t.InputSchema()})
	}
	return specs
}
