package tool

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"reflect"
	"sync"
	"testing"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/voceria/voceria/internal/config"
)

// ──────────────────────────────────────────────────────────────────────────────
// Helpers
// ──────────────────────────────────────────────────────────────────────────────

// fakeCaller is an in-memory toolCaller recording every CallTool invocation.
type fakeCaller struct {
	mu     sync.Mutex
	calls  []*mcpsdk.CallToolParams
	result *mcpsdk.CallToolResult
	err    error
}

func (f *fakeCaller) CallTool(_ context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, params)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

// textResult builds a CallToolResult with one TextContent per text.
func textResult(isError bool, texts ...string) *mcpsdk.CallToolResult {
	content := make([]mcpsdk.Content, 0, len(texts))
	for _, s := range texts {
		content = append(content, &mcpsdk.TextContent{Text: s})
	}
	return &mcpsdk.CallToolResult{Content: content, IsError: isError}
}

// ──────────────────────────────────────────────────────────────────────────────
// Transport construction
// ──────────────────────────────────────────────────────────────────────────────

// TestBuildTransportStdio verifies command splitting and environment merging.
func TestBuildTransportStdio(t *testing.T) {
	t.Parallel()
	transport, err := buildTransport(context.Background(), config.MCPServerConfig{
		Name:      "dice",
		Transport: config.MCPStdio,
		Command:   "/bin/mcp-dice --sides 20",
		Env:       map[string]string{"DICE_SEED": "7"},
	})
	must(t, err)

	ct, ok := transport.(*mcpsdk.CommandTransport)
	if !ok {
		t.Fatalf("transport type = %T, want *mcpsdk.CommandTransport", transport)
	}

	wantArgs := []string{"/bin/mcp-dice", "--sides", "20"}
	if !reflect.DeepEqual(ct.Command.Args, wantArgs) {
		t.Errorf("Args = %v, want %v", ct.Command.Args, wantArgs)
	}

	if want := len(os.Environ()) + 1; len(ct.Command.Env) != want {
		t.Errorf("Env length = %d, want %d (parent environment plus one)", len(ct.Command.Env), want)
	}
	found := false
	for _, kv := range ct.Command.Env {
		if kv == "DICE_SEED=7" {
			found = true
		}
	}
	if !found {
		t.Error("DICE_SEED=7 not present in subprocess environment")
	}
}

// TestBuildTransportStdioInheritsEnv verifies that with no extra variables
// the subprocess keeps the default inherited environment.
func TestBuildTransportStdioInheritsEnv(t *testing.T) {
	t.Parallel()
	transport, err := buildTransport(context.Background(), config.MCPServerConfig{
		Name:      "dice",
		Transport: config.MCPStdio,
		Command:   "/bin/mcp-dice",
	})
	must(t, err)

	ct := transport.(*mcpsdk.CommandTransport)
	if ct.Command.Env != nil {
		t.Errorf("Env = %v, want nil (inherit parent)", ct.Command.Env)
	}
}

// TestBuildTransportStdioEmptyCommand verifies an empty command is rejected.
func TestBuildTransportStdioEmptyCommand(t *testing.T) {
	t.Parallel()
	_, err := buildTransport(context.Background(), config.MCPServerConfig{
		Name:      "dice",
		Transport: config.MCPStdio,
		Command:   "   ",
	})
	if err == nil {
		t.Error("expected error for empty command, got nil")
	}
}

// TestBuildTransportStreamableHTTP verifies URL wiring with and without a
// bearer token.
func TestBuildTransportStreamableHTTP(t *testing.T) {
	t.Parallel()
	transport, err := buildTransport(context.Background(), config.MCPServerConfig{
		Name:      "search",
		Transport: config.MCPStreamableHTTP,
		URL:       "https://tools.example.com/mcp",
	})
	must(t, err)

	st, ok := transport.(*mcpsdk.StreamableClientTransport)
	if !ok {
		t.Fatalf("transport type = %T, want *mcpsdk.StreamableClientTransport", transport)
	}
	if st.Endpoint != "https://tools.example.com/mcp" {
		t.Errorf("Endpoint = %q, want the configured URL", st.Endpoint)
	}
	if st.HTTPClient != nil {
		t.Error("HTTPClient should be nil without a token")
	}

	transport, err = buildTransport(context.Background(), config.MCPServerConfig{
		Name:      "search",
		Transport: config.MCPStreamableHTTP,
		URL:       "https://tools.example.com/mcp",
		Token:     "tok-123",
	})
	must(t, err)
	if transport.(*mcpsdk.StreamableClientTransport).HTTPClient == nil {
		t.Error("HTTPClient should be set when a token is configured")
	}
}

// TestBuildTransportStreamableHTTPMissingURL verifies a missing URL is
// rejected.
func TestBuildTransportStreamableHTTPMissingURL(t *testing.T) {
	t.Parallel()
	_, err := buildTransport(context.Background(), config.MCPServerConfig{
		Name:      "search",
		Transport: config.MCPStreamableHTTP,
	})
	if err == nil {
		t.Error("expected error for missing url, got nil")
	}
}

// TestBuildTransportUnknown verifies unrecognised transports are rejected.
func TestBuildTransportUnknown(t *testing.T) {
	t.Parallel()
	_, err := buildTransport(context.Background(), config.MCPServerConfig{
		Name:      "pigeon",
		Transport: "carrier-pigeon",
	})
	if err == nil {
		t.Error("expected error for unknown transport, got nil")
	}
}

// TestBearerTransportStampsHeader verifies the token reaches the server on
// every request.
func TestBearerTransportStampsHeader(t *testing.T) {
	t.Parallel()
	headers := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers <- r.Header.Get("Authorization")
	}))
	defer srv.Close()

	client := &http.Client{Transport: bearerTransport{token: "tok-123"}}
	resp, err := client.Get(srv.URL)
	must(t, err)
	resp.Body.Close()

	if got := <-headers; got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want %q", got, "Bearer tok-123")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Discovery and registration
// ──────────────────────────────────────────────────────────────────────────────

// TestRegisterMCPToolsFirstWins verifies that a duplicate discovered name is
// skipped rather than overwriting.
func TestRegisterMCPToolsFirstWins(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	caller := &fakeCaller{result: textResult(false, "ok")}

	n := registerMCPTools(reg, caller, "search", []mcpsdk.Tool{
		{Name: "lookup", Description: "first"},
		{Name: "lookup", Description: "second"},
		{Name: "fetch"},
	})

	if n != 2 {
		t.Errorf("registered = %d, want 2", n)
	}
	if reg.Len() != 2 {
		t.Errorf("Len = %d, want 2", reg.Len())
	}

	defs := reg.Definitions()
	if defs[0].Name != "lookup" || defs[0].Description != "first" {
		t.Errorf("Definitions[0] = %+v, want the first lookup registration", defs[0])
	}
	if defs[1].Name != "fetch" {
		t.Errorf("Definitions[1] = %q, want %q", defs[1].Name, "fetch")
	}
}

// TestRegisterMCPToolsDefaultSchema verifies a tool without a schema gets the
// accept-anything object default.
func TestRegisterMCPToolsDefaultSchema(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	caller := &fakeCaller{result: textResult(false, "ok")}

	registerMCPTools(reg, caller, "search", []mcpsdk.Tool{{Name: "lookup"}})

	defs := reg.Definitions()
	if len(defs) != 1 {
		t.Fatalf("Definitions length = %d, want 1", len(defs))
	}
	if got := defs[0].Parameters["type"]; got != "object" {
		t.Errorf(`Parameters["type"] = %v, want "object"`, got)
	}
}

// TestMCPHandlerConcatenatesText verifies the handler joins the text content
// blocks of the result.
func TestMCPHandlerConcatenatesText(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{result: textResult(false, "Hello, ", "world")}

	h := mcpHandler(caller, "lookup")
	got, err := h(context.Background(), map[string]any{"q": "golang"})
	must(t, err)
	if got != "Hello, world" {
		t.Errorf("handler result = %q, want %q", got, "Hello, world")
	}

	caller.mu.Lock()
	defer caller.mu.Unlock()
	if len(caller.calls) != 1 {
		t.Fatalf("CallTool invocations = %d, want 1", len(caller.calls))
	}
	if caller.calls[0].Name != "lookup" {
		t.Errorf("params.Name = %q, want %q", caller.calls[0].Name, "lookup")
	}
	if !reflect.DeepEqual(caller.calls[0].Arguments, map[string]any{"q": "golang"}) {
		t.Errorf("params.Arguments = %v, want the args map", caller.calls[0].Arguments)
	}
}

// TestMCPHandlerTransportError verifies transport failures surface as errors.
func TestMCPHandlerTransportError(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{err: errors.New("connection reset")}

	h := mcpHandler(caller, "lookup")
	if _, err := h(context.Background(), nil); err == nil {
		t.Error("expected error, got nil")
	}
}

// TestMCPHandlerIsError verifies a result flagged IsError becomes a Go error
// carrying the text content.
func TestMCPHandlerIsError(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{result: textResult(true, "rate limited")}

	h := mcpHandler(caller, "lookup")
	_, err := h(context.Background(), nil)
	if err == nil || err.Error() != "rate limited" {
		t.Errorf("err = %v, want %q", err, "rate limited")
	}
}

// TestMCPHandlerIsErrorWithoutText verifies an empty error result still
// produces a usable message.
func TestMCPHandlerIsErrorWithoutText(t *testing.T) {
	t.Parallel()
	caller := &fakeCaller{result: textResult(true)}

	h := mcpHandler(caller, "lookup")
	_, err := h(context.Background(), nil)
	if err == nil || err.Error() == "" {
		t.Errorf("err = %v, want a non-empty message", err)
	}
}

// TestMCPToolThroughExecutor verifies a discovered tool runs through the same
// validation and rendering pipeline as user-defined tools.
func TestMCPToolThroughExecutor(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()
	caller := &fakeCaller{result: textResult(false, "42 results")}
	registerMCPTools(reg, caller, "search", []mcpsdk.Tool{{Name: "lookup"}})

	e := NewExecutor(reg)
	if got := e.Execute(context.Background(), "lookup", map[string]any{"q": "golang"}); got != "42 results" {
		t.Errorf("Execute = %q, want %q", got, "42 results")
	}

	caller.result = textResult(true, "rate limited")
	if got := e.Execute(context.Background(), "lookup", nil); got != "Error: rate limited" {
		t.Errorf("Execute = %q, want %q", got, "Error: rate limited")
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Startup
// ──────────────────────────────────────────────────────────────────────────────

// TestConnectMCPNoServers verifies the empty configuration is a no-op.
func TestConnectMCPNoServers(t *testing.T) {
	t.Parallel()
	reg := NewRegistry()

	conns := ConnectMCP(context.Background(), reg, nil)
	if conns == nil {
		t.Fatal("ConnectMCP returned nil")
	}
	must(t, conns.Close())
	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0", reg.Len())
	}
}

// TestConnectMCPSkipsUnreachableServers verifies startup survives servers
// that cannot be connected.
func TestConnectMCPSkipsUnreachableServers(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	reg := NewRegistry()
	conns := ConnectMCP(ctx, reg, []config.MCPServerConfig{
		{Name: "pigeon", Transport: "carrier-pigeon"},
		{Name: "missing", Transport: config.MCPStdio, Command: "/nonexistent/voceria-test-mcp-server"},
	})

	if reg.Len() != 0 {
		t.Errorf("Len = %d, want 0 after failed connections", reg.Len())
	}
	must(t, conns.Close())
}

// TestSplitCommand verifies executable/argument splitting.
func TestSplitCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in       string
		wantExe  string
		wantArgs []string
	}{
		{"", "", nil},
		{"  ", "", nil},
		{"/bin/foo", "/bin/foo", []string{}},
		{"/bin/foo --bar baz", "/bin/foo", []string{"--bar", "baz"}},
	}
	for _, tc := range cases {
		exe, args := splitCommand(tc.in)
		if exe != tc.wantExe {
			t.Errorf("splitCommand(%q) executable = %q, want %q", tc.in, exe, tc.wantExe)
		}
		if len(args) != len(tc.wantArgs) {
			t.Errorf("splitCommand(%q) args = %v, want %v", tc.in, args, tc.wantArgs)
			continue
		}
		for i := range args {
			if args[i] != tc.wantArgs[i] {
				t.Errorf("splitCommand(%q) args[%d] = %q, want %q", tc.in, i, args[i], tc.wantArgs[i])
			}
		}
	}
}

// TestSchemaToMap verifies the schema conversion fallbacks.
func TestSchemaToMap(t *testing.T) {
	t.Parallel()
	if got := schemaToMap(nil); got["type"] != "object" {
		t.Errorf("schemaToMap(nil) = %v, want the object default", got)
	}

	direct := map[string]any{"type": "object", "required": []any{"q"}}
	if got := schemaToMap(direct); !reflect.DeepEqual(got, direct) {
		t.Errorf("schemaToMap(map) = %v, want passthrough", got)
	}

	type schema struct {
		Type string `json:"type"`
	}
	if got := schemaToMap(&schema{Type: "object"}); got["type"] != "object" {
		t.Errorf("schemaToMap(struct) = %v, want a converted map", got)
	}

	var typedNil *schema
	if got := schemaToMap(typedNil); got["type"] != "object" {
		t.Errorf("schemaToMap(typed nil) = %v, want the object default", got)
	}
}
