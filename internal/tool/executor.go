package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/voceria/voceria/internal/observe"
	"github.com/voceria/voceria/internal/protocol"
)

type secretsKey struct{}

// ContextWithSecrets returns a context carrying its own copy of secrets, so
// a handler can never mutate the agent-wide map. A nil or empty map leaves
// ctx unchanged.
func ContextWithSecrets(ctx context.Context, secrets map[string]string) context.Context {
	if len(secrets) == 0 {
		return ctx
	}
	cp := make(map[string]string, len(secrets))
	for k, v := range secrets {
		cp[k] = v
	}
	return context.WithValue(ctx, secretsKey{}, cp)
}

// SecretsFromContext returns the secrets attached by ContextWithSecrets, or
// nil when none were attached.
func SecretsFromContext(ctx context.Context) map[string]string {
	s, _ := ctx.Value(secretsKey{}).(map[string]string)
	return s
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithSecrets supplies the agent's secrets; each invocation receives its own
// copy through the handler context.
func WithSecrets(secrets map[string]string) ExecutorOption {
	return func(e *Executor) {
		e.secrets = secrets
	}
}

// WithTimeout overrides the per-invocation execution window.
func WithTimeout(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithMetrics attaches the observe metrics set.
func WithMetrics(m *observe.Metrics) ExecutorOption {
	return func(e *Executor) {
		e.metrics = m
	}
}

// Executor resolves, validates, and runs registered tools. It is safe for
// concurrent use; parallel tool calls within one turn share a single
// Executor.
type Executor struct {
	registry *Registry
	secrets  map[string]string
	timeout  time.Duration
	metrics  *observe.Metrics
}

// NewExecutor returns an Executor over registry. The default execution
// window is protocol.ToolTimeout.
func NewExecutor(registry *Registry, opts ...ExecutorOption) *Executor {
	e := &Executor{
		registry: registry,
		timeout:  protocol.ToolTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute runs the named tool against the decoded argument object and
// returns the tool-result string. It never panics and never returns an
// empty-handed error: unknown tools, invalid arguments, handler failures,
// timeouts, and panics all come back as "Error: ..." strings for the LLM.
func (e *Executor) Execute(ctx context.Context, name string, args map[string]any) string {
	t, ok := e.registry.Lookup(name)
	if !ok {
		e.count(ctx, name, "unknown")
		return fmt.Sprintf("Error: Unknown tool %q", name)
	}

	if issues := validateArgs(t.Definition.Parameters, args); len(issues) > 0 {
		e.count(ctx, name, "invalid_args")
		return fmt.Sprintf("Error: Invalid arguments for tool %q: %s", name, strings.Join(issues, ", "))
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	ctx = ContextWithSecrets(ctx, e.secrets)

	start := time.Now()
	result, err := runHandler(ctx, func(ctx context.Context) (any, error) {
		return t.Handler(ctx, args)
	})
	elapsed := time.Since(start)

	if err != nil {
		e.observe(ctx, name, "error", elapsed)
		return "Error: " + err.Error()
	}
	e.observe(ctx, name, "ok", elapsed)
	return stringify(result)
}

func (e *Executor) count(ctx context.Context, name, status string) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordToolCall(ctx, name, status)
}

func (e *Executor) observe(ctx context.Context, name, status string, elapsed time.Duration) {
	if e.metrics == nil {
		return
	}
	e.metrics.RecordToolCall(ctx, name, status)
	e.metrics.ToolDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(
			attribute.String("tool", name),
			attribute.String("status", status),
		),
	)
}

// runHandler invokes fn on its own goroutine, converting panics to errors
// and enforcing the context deadline even when the handler ignores ctx. The
// result channel is buffered so an abandoned handler can still finish and
// exit.
func runHandler(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	type outcome struct {
		result any
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", r)}
			}
		}()
		result, err := fn(ctx)
		done <- outcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// validateArgs checks args against the tool's JSON Schema. A nil or empty
// schema accepts anything.
func validateArgs(schema map[string]any, args map[string]any) []string {
	if len(schema) == 0 {
		return nil
	}
	if args == nil {
		args = map[string]any{}
	}

	result, err := gojsonschema.Validate(gojsonschema.NewGoLoader(schema), gojsonschema.NewGoLoader(args))
	if err != nil {
		return []string{err.Error()}
	}
	if result.Valid() {
		return nil
	}
	issues := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		issues = append(issues, re.String())
	}
	return issues
}

// stringify renders a handler result for the tool message: strings pass
// through, nil is the literal "null", everything else is JSON.
func stringify(v any) string {
	switch s := v.(type) {
	case nil:
		return "null"
	case string:
		return s
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
}
