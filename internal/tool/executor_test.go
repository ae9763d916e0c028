package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/voceria/voceria/internal/observe"
	"github.com/voceria/voceria/pkg/types"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// echoTool returns a Tool whose handler echoes its args back as the result.
func echoTool(name string) Tool {
	return Tool{
		Definition: types.ToolDefinition{Name: name, Description: "echoes args"},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return args, nil
		},
	}
}

// staticTool returns a Tool whose handler returns a fixed result.
func staticTool(name string, result any) Tool {
	return Tool{
		Definition: types.ToolDefinition{Name: name},
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return result, nil
		},
	}
}

// failTool returns a Tool whose handler always fails with message.
func failTool(name, message string) Tool {
	return Tool{
		Definition: types.ToolDefinition{Name: name},
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			return nil, errors.New(message)
		},
	}
}

// weatherTool returns a Tool whose schema requires a string "city" argument.
func weatherTool() Tool {
	return Tool{
		Definition: types.ToolDefinition{
			Name:        "weather",
			Description: "looks up the weather",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"city": map[string]any{"type": "string"},
				},
				"required": []string{"city"},
			},
		},
		Handler: func(_ context.Context, args map[string]any) (any, error) {
			return fmt.Sprintf("sunny in %v", args["city"]), nil
		},
	}
}

// newTestExecutor builds an Executor over a fresh registry holding tools.
func newTestExecutor(t *testing.T, tools ...Tool) *Executor {
	t.Helper()
	reg := NewRegistry()
	for _, tl := range tools {
		must(t, reg.Register(tl))
	}
	return NewExecutor(reg)
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Registry tests
// ──────────────────────────────────────────────────────────────────────────────

// TestRegisterRejectsEmptyName verifies that a nameless definition is rejected.
func TestRegisterRejectsEmptyName(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	err := reg.Register(Tool{
		Handler: func(context.Context, map[string]any) (any, error) { return nil, nil },
	})
	if err == nil {
		t.Error("expected error for empty name, got nil")
	}
}

// TestRegisterRejectsNilHandler verifies that a nil handler is rejected.
func TestRegisterRejectsNilHandler(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	err := reg.Register(Tool{Definition: types.ToolDefinition{Name: "no-handler"}})
	if err == nil {
		t.Error("expected error for nil handler, got nil")
	}
}

// TestRegisterFirstWins verifies that a name collision keeps the first
// registration and reports ErrToolExists.
func TestRegisterFirstWins(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	must(t, reg.Register(staticTool("echo", "first")))
	err := reg.Register(staticTool("echo", "second"))
	if !errors.Is(err, ErrToolExists) {
		t.Errorf("err = %v, want ErrToolExists", err)
	}
	if reg.Len() != 1 {
		t.Errorf("Len = %d, want 1", reg.Len())
	}

	e := NewExecutor(reg)
	if got := e.Execute(context.Background(), "echo", nil); got != "first" {
		t.Errorf("Execute = %q, want %q", got, "first")
	}
}

// TestDefinitionsPreserveOrder verifies registration order survives listing.
func TestDefinitionsPreserveOrder(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	want := []string{"charlie", "alpha", "bravo"}
	for _, name := range want {
		must(t, reg.Register(echoTool(name)))
	}

	defs := reg.Definitions()
	if len(defs) != len(want) {
		t.Fatalf("Definitions length = %d, want %d", len(defs), len(want))
	}
	for i, d := range defs {
		if d.Name != want[i] {
			t.Errorf("Definitions[%d] = %q, want %q", i, d.Name, want[i])
		}
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Executor tests
// ──────────────────────────────────────────────────────────────────────────────

// TestExecuteUnknownTool verifies the exact error string for missing tools.
func TestExecuteUnknownTool(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t)

	got := e.Execute(context.Background(), "missing", nil)
	want := `Error: Unknown tool "missing"`
	if got != want {
		t.Errorf("Execute = %q, want %q", got, want)
	}
}

// TestExecuteStringPassesThrough verifies string results are not re-encoded.
func TestExecuteStringPassesThrough(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, staticTool("greet", "hello, world"))

	if got := e.Execute(context.Background(), "greet", nil); got != "hello, world" {
		t.Errorf("Execute = %q, want %q", got, "hello, world")
	}
}

// TestExecuteNilResultIsNull verifies a nil handler result becomes "null".
func TestExecuteNilResultIsNull(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, staticTool("void", nil))

	if got := e.Execute(context.Background(), "void", nil); got != "null" {
		t.Errorf("Execute = %q, want %q", got, "null")
	}
}

// TestExecuteSerializesStructuredResult verifies non-string results are
// JSON-encoded.
func TestExecuteSerializesStructuredResult(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, staticTool("report", map[string]any{"temp": 21}))

	if got := e.Execute(context.Background(), "report", nil); got != `{"temp":21}` {
		t.Errorf("Execute = %q, want %q", got, `{"temp":21}`)
	}
}

// TestExecuteHandlerError verifies handler failures are rendered, not raised.
func TestExecuteHandlerError(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, failTool("boom", "service unavailable"))

	got := e.Execute(context.Background(), "boom", nil)
	want := "Error: service unavailable"
	if got != want {
		t.Errorf("Execute = %q, want %q", got, want)
	}
}

// TestExecuteRejectsInvalidArguments verifies schema validation failures are
// rendered with the offending details.
func TestExecuteRejectsInvalidArguments(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, weatherTool())

	got := e.Execute(context.Background(), "weather", map[string]any{})
	prefix := `Error: Invalid arguments for tool "weather": `
	if !strings.HasPrefix(got, prefix) {
		t.Fatalf("Execute = %q, want prefix %q", got, prefix)
	}
	if !strings.Contains(got, "city") {
		t.Errorf("Execute = %q, want mention of the missing %q property", got, "city")
	}
}

// TestExecuteRejectsWrongArgumentType verifies type mismatches fail validation.
func TestExecuteRejectsWrongArgumentType(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, weatherTool())

	got := e.Execute(context.Background(), "weather", map[string]any{"city": 7})
	if !strings.HasPrefix(got, `Error: Invalid arguments for tool "weather": `) {
		t.Errorf("Execute = %q, want a validation error", got)
	}
}

// TestExecuteAcceptsValidArguments verifies a conforming call reaches the
// handler.
func TestExecuteAcceptsValidArguments(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, weatherTool())

	got := e.Execute(context.Background(), "weather", map[string]any{"city": "Oslo"})
	if got != "sunny in Oslo" {
		t.Errorf("Execute = %q, want %q", got, "sunny in Oslo")
	}
}

// TestExecuteNilArgsWithoutSchema verifies tools without a schema accept a
// nil argument object.
func TestExecuteNilArgsWithoutSchema(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, staticTool("ping", "pong"))

	if got := e.Execute(context.Background(), "ping", nil); got != "pong" {
		t.Errorf("Execute = %q, want %q", got, "pong")
	}
}

// TestExecuteTimeout verifies the execution window cuts off a handler that
// honours its context.
func TestExecuteTimeout(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	must(t, reg.Register(Tool{
		Definition: types.ToolDefinition{Name: "slow"},
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}))
	e := NewExecutor(reg, WithTimeout(30*time.Millisecond))

	got := e.Execute(context.Background(), "slow", nil)
	want := "Error: context deadline exceeded"
	if got != want {
		t.Errorf("Execute = %q, want %q", got, want)
	}
}

// TestExecuteTimeoutAbandonsStuckHandler verifies Execute returns on deadline
// even when the handler ignores its context entirely.
func TestExecuteTimeoutAbandonsStuckHandler(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	reg := NewRegistry()
	must(t, reg.Register(Tool{
		Definition: types.ToolDefinition{Name: "stuck"},
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			<-release
			return "late", nil
		},
	}))
	e := NewExecutor(reg, WithTimeout(30*time.Millisecond))

	start := time.Now()
	got := e.Execute(context.Background(), "stuck", nil)
	close(release)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("Execute blocked for %v waiting on a stuck handler", elapsed)
	}
	if !strings.HasPrefix(got, "Error:") {
		t.Errorf("Execute = %q, want an error string", got)
	}
}

// TestExecuteRecoversPanic verifies a panicking handler is rendered as an
// error string instead of crashing the turn.
func TestExecuteRecoversPanic(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	must(t, reg.Register(Tool{
		Definition: types.ToolDefinition{Name: "grenade"},
		Handler: func(_ context.Context, _ map[string]any) (any, error) {
			panic("kaboom")
		},
	}))
	e := NewExecutor(reg)

	got := e.Execute(context.Background(), "grenade", nil)
	want := "Error: tool panicked: kaboom"
	if got != want {
		t.Errorf("Execute = %q, want %q", got, want)
	}
}

// TestExecuteAppliesDeadline verifies the handler context carries the
// execution deadline.
func TestExecuteAppliesDeadline(t *testing.T) {
	t.Parallel()
	sawDeadline := false
	reg := NewRegistry()
	must(t, reg.Register(Tool{
		Definition: types.ToolDefinition{Name: "probe"},
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			_, sawDeadline = ctx.Deadline()
			return "ok", nil
		},
	}))
	e := NewExecutor(reg)

	if got := e.Execute(context.Background(), "probe", nil); got != "ok" {
		t.Fatalf("Execute = %q, want %q", got, "ok")
	}
	if !sawDeadline {
		t.Error("handler context has no deadline")
	}
}

// TestExecuteInjectsSecretsCopy verifies each invocation sees the configured
// secrets and that mutating them does not leak into later invocations.
func TestExecuteInjectsSecretsCopy(t *testing.T) {
	t.Parallel()
	seen := make(chan string, 2)
	reg := NewRegistry()
	must(t, reg.Register(Tool{
		Definition: types.ToolDefinition{Name: "spy"},
		Handler: func(ctx context.Context, _ map[string]any) (any, error) {
			secrets := SecretsFromContext(ctx)
			seen <- secrets["api_key"]
			secrets["api_key"] = "mutated"
			return "done", nil
		},
	}))
	e := NewExecutor(reg, WithSecrets(map[string]string{"api_key": "s3cret"}))

	e.Execute(context.Background(), "spy", nil)
	e.Execute(context.Background(), "spy", nil)

	for range 2 {
		if got := <-seen; got != "s3cret" {
			t.Errorf("handler saw api_key = %q, want %q", got, "s3cret")
		}
	}
}

// TestSecretsFromContextWithoutSecrets verifies the accessor returns nil on a
// bare context.
func TestSecretsFromContextWithoutSecrets(t *testing.T) {
	t.Parallel()
	if got := SecretsFromContext(context.Background()); got != nil {
		t.Errorf("SecretsFromContext = %v, want nil", got)
	}
}

// TestExecuteWithMetrics verifies every outcome path records without
// panicking when metrics are attached.
func TestExecuteWithMetrics(t *testing.T) {
	t.Parallel()
	m, err := observe.NewMetrics(sdkmetric.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	reg := NewRegistry()
	must(t, reg.Register(weatherTool()))
	must(t, reg.Register(failTool("boom", "nope")))
	e := NewExecutor(reg, WithMetrics(m))

	ctx := context.Background()
	e.Execute(ctx, "missing", nil)                            // unknown
	e.Execute(ctx, "weather", map[string]any{})               // invalid_args
	e.Execute(ctx, "weather", map[string]any{"city": "Oslo"}) // ok
	e.Execute(ctx, "boom", nil)                               // error
}

// TestExecuteConcurrent verifies no data races under parallel tool calls on
// one executor.
func TestExecuteConcurrent(t *testing.T) {
	t.Parallel()
	e := newTestExecutor(t, echoTool("echo"))

	done := make(chan struct{})
	go func() {
		for range 50 {
			e.Execute(context.Background(), "echo", map[string]any{"n": 1})
		}
		close(done)
	}()
	for range 50 {
		e.Execute(context.Background(), "echo", map[string]any{"n": 2})
	}
	<-done
}
