// Package tool implements the agent's tool surface: a registry of
// user-defined and MCP-discovered tools, a schema-validating executor with a
// bounded execution window, and the built-in tool host.
//
// The executor never returns a Go error to the turn loop. Every outcome —
// success, bad arguments, handler failure, timeout, even a panic — is
// rendered into a string so the tool-result message sent back to the LLM is
// always well-formed.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/voceria/voceria/pkg/types"
)

// Handler executes a user-defined or MCP-discovered tool. args is the
// decoded JSON argument object; it may be nil when the model sent no
// arguments. String results pass through to the LLM unchanged, nil becomes
// the literal "null", and anything else is JSON-serialized.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// Tool couples a definition offered to the LLM with the handler that runs it.
type Tool struct {
	Definition types.ToolDefinition
	Handler    Handler
}

// ErrToolExists is returned by Register on a name collision. The first
// registration wins; callers decide whether a collision is fatal.
var ErrToolExists = errors.New("tool already registered")

// Registry holds the named tools an agent offers to the LLM. Registration
// happens at startup (agent config, then MCP discovery); lookups happen on
// every tool call, so reads take the cheap path.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds t to the registry. The definition name must be non-empty and
// unique, and the handler non-nil.
func (r *Registry) Register(t Tool) error {
	if t.Definition.Name == "" {
		return errors.New("tool definition must have a name")
	}
	if t.Handler == nil {
		return fmt.Errorf("tool %q must have a handler", t.Definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[t.Definition.Name]; ok {
		return fmt.Errorf("%q: %w", t.Definition.Name, ErrToolExists)
	}
	r.tools[t.Definition.Name] = t
	r.order = append(r.order, t.Definition.Name)
	return nil
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Definitions returns the registered tool schemas in registration order.
func (r *Registry) Definitions() []types.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]types.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].Definition)
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tools)
}
