package tool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voceria/voceria/internal/protocol"
	"github.com/voceria/voceria/pkg/types"
)

// ErrNotBuiltin reports that a name is outside the built-in set, so dispatch
// should fall through to the user registry.
var ErrNotBuiltin = errors.New("not a built-in tool")

// BuiltinFunc is the in-process body of a built-in tool.
type BuiltinFunc func(ctx context.Context, args map[string]any) (string, error)

// Builtin couples a built-in definition with its body.
type Builtin struct {
	Definition types.ToolDefinition
	Run        BuiltinFunc
}

// HostOption configures a BuiltinHost.
type HostOption func(*BuiltinHost)

// WithBuiltinTimeout overrides the execution window views enforce.
func WithBuiltinTimeout(d time.Duration) HostOption {
	return func(h *BuiltinHost) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// BuiltinHost is the process-wide catalogue of built-in tools, populated
// once at startup. Agents opt in to a subset by name; View materializes
// that subset for a session.
type BuiltinHost struct {
	timeout time.Duration

	mu    sync.RWMutex
	tools map[string]Builtin
}

// NewBuiltinHost returns an empty catalogue.
func NewBuiltinHost(opts ...HostOption) *BuiltinHost {
	h := &BuiltinHost{
		timeout: protocol.ToolTimeout,
		tools:   make(map[string]Builtin),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds b to the catalogue. The definition name must be non-empty
// and unique, and the body non-nil.
func (h *BuiltinHost) Register(b Builtin) error {
	if b.Definition.Name == "" {
		return errors.New("built-in tool must have a name")
	}
	if b.Run == nil {
		return fmt.Errorf("built-in tool %q must have a body", b.Definition.Name)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.tools[b.Definition.Name]; ok {
		return fmt.Errorf("%q: %w", b.Definition.Name, ErrToolExists)
	}
	h.tools[b.Definition.Name] = b
	return nil
}

// View materializes the dispatch surface for the enabled names, in the
// order the agent listed them. Names not in the catalogue are logged and
// skipped.
func (h *BuiltinHost) View(enabled []string) *BuiltinView {
	h.mu.RLock()
	defer h.mu.RUnlock()

	v := &BuiltinView{
		tools:   make(map[string]Builtin, len(enabled)),
		timeout: h.timeout,
	}
	for _, name := range enabled {
		b, ok := h.tools[name]
		if !ok {
			slog.Warn("agent enables unknown built-in tool", "tool", name)
			continue
		}
		if _, dup := v.tools[name]; dup {
			continue
		}
		v.tools[name] = b
		v.order = append(v.order, name)
	}
	return v
}

// BuiltinView is one agent's enabled subset of the catalogue. It is
// immutable after construction.
type BuiltinView struct {
	tools   map[string]Builtin
	order   []string
	timeout time.Duration
}

// Definitions returns the enabled tool schemas.
func (v *BuiltinView) Definitions() []types.ToolDefinition {
	defs := make([]types.ToolDefinition, 0, len(v.order))
	for _, name := range v.order {
		defs = append(defs, v.tools[name].Definition)
	}
	return defs
}

// Len returns the number of enabled built-ins.
func (v *BuiltinView) Len() int {
	return len(v.order)
}

// Execute dispatches name to its built-in body. It returns ErrNotBuiltin
// for names outside the view so the caller can fall through to the user
// registry; every other failure is rendered into the result string,
// matching the executor's surface.
func (v *BuiltinView) Execute(ctx context.Context, name string, args map[string]any) (string, error) {
	b, ok := v.tools[name]
	if !ok {
		return "", ErrNotBuiltin
	}

	if issues := validateArgs(b.Definition.Parameters, args); len(issues) > 0 {
		return fmt.Sprintf("Error: Invalid arguments for tool %q: %s", name, strings.Join(issues, ", ")), nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	result, err := runHandler(ctx, func(ctx context.Context) (any, error) {
		return b.Run(ctx, args)
	})
	if err != nil {
		return "Error: " + err.Error(), nil
	}
	return stringify(result), nil
}
