package realtime

import (
	"context"
	"encoding/json"
	"fmt"
)

// Tool is a function the model may invoke mid-conversation. Execute
// runs on its own goroutine, never on the WebSocket reader, so slow
// backends do not stall ping/pong.
type Tool interface {
	// Name is the function name the model calls.
	Name() string
	// Definition returns the full tool schema sent in session.update
	// (type, name, description, parameters).
	Definition() map[string]any
	// Execute runs the tool. args is the JSON arguments object from
	// the model. The returned value is serialized as the
	// function_call_output; errors are converted to a spoken-error
	// result by the session.
	Execute(ctx context.Context, args json.RawMessage) (any, error)
}

// Registry holds the tools exposed to one session.
type Registry struct {
	tools map[string]Tool
	order []Tool
}

// NewRegistry creates a registry from the given tools. Duplicate names
// are rejected.
func NewRegistry(tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		if _, exists := r.tools[t.Name()]; exists {
			return nil, fmt.Errorf("duplicate tool %q", t.Name())
		}
		r.tools[t.Name()] = t
		r.order = append(r.order, t)
	}
	return r, nil
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, bool) {
	if r == nil {
		return nil, false
	}
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns every tool schema in registration order.
func (r *Registry) Definitions() []map[string]any {
	if r == nil || len(r.order) == 0 {
		return nil
	}
	defs := make([]map[string]any, len(r.order))
	for i, t := range r.order {
		defs[i] = t.Definition()
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.order)
}
