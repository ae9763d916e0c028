package tool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"sync"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/voceria/voceria/internal/config"
	"github.com/voceria/voceria/pkg/types"
)

// toolCaller is the slice of an MCP session that remote tool handlers use.
type toolCaller interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
}

// MCPConnections tracks live MCP server sessions so shutdown can close them.
type MCPConnections struct {
	mu       sync.Mutex
	sessions []*mcpsdk.ClientSession
}

func (c *MCPConnections) add(s *mcpsdk.ClientSession) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessions = append(c.sessions, s)
}

// Close closes every connected server session. The first error wins.
func (c *MCPConnections) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var firstErr error
	for _, s := range c.sessions {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.sessions = nil
	return firstErr
}

// ConnectMCP connects to every configured MCP server in parallel, lists each
// server's tools, and registers them in reg alongside the user-defined
// tools. A server that fails to connect is logged and skipped — the agent
// runs with whatever connected. Name collisions keep the first registration.
//
// For stdio servers ctx also scopes the subprocess lifetime, so pass the
// process context rather than a startup deadline.
func ConnectMCP(ctx context.Context, reg *Registry, servers []config.MCPServerConfig) *MCPConnections {
	conns := &MCPConnections{}
	if len(servers) == 0 {
		return conns
	}

	client := mcpsdk.NewClient(&mcpsdk.Implementation{Name: "voceria", Version: "1.0.0"}, nil)

	var g errgroup.Group
	for _, srv := range servers {
		g.Go(func() error {
			session, tools, err := connectServer(ctx, client, srv)
			if err != nil {
				slog.Warn("MCP server unavailable, continuing without it", "server", srv.Name, "error", err)
				return nil
			}
			conns.add(session)
			n := registerMCPTools(reg, session, srv.Name, tools)
			slog.Info("MCP server connected", "server", srv.Name, "tools", n)
			return nil
		})
	}
	_ = g.Wait() // per-server failures are logged above, never propagated
	return conns
}

// connectServer establishes the transport, performs the MCP handshake, and
// lists the server's tools.
func connectServer(ctx context.Context, client *mcpsdk.Client, cfg config.MCPServerConfig) (*mcpsdk.ClientSession, []mcpsdk.Tool, error) {
	transport, err := buildTransport(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	var tools []mcpsdk.Tool
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, nil, fmt.Errorf("list tools: %w", err)
		}
		tools = append(tools, *tool)
	}
	return session, tools, nil
}

// buildTransport maps a server config onto an MCP SDK transport.
func buildTransport(ctx context.Context, cfg config.MCPServerConfig) (mcpsdk.Transport, error) {
	switch cfg.Transport {
	case config.MCPStdio:
		executable, args := splitCommand(cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("stdio server %q requires a non-empty command", cfg.Name)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		if len(cfg.Env) > 0 {
			// A nil cmd.Env inherits the parent environment; merging keeps
			// that behaviour while adding the configured variables.
			cmd.Env = os.Environ()
			for k, v := range cfg.Env {
				cmd.Env = append(cmd.Env, k+"="+v)
			}
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case config.MCPStreamableHTTP:
		if cfg.URL == "" {
			return nil, fmt.Errorf("streamable-http server %q requires a non-empty url", cfg.Name)
		}
		transport := &mcpsdk.StreamableClientTransport{Endpoint: cfg.URL}
		if cfg.Token != "" {
			transport.HTTPClient = &http.Client{Transport: bearerTransport{token: cfg.Token}}
		}
		return transport, nil

	default:
		return nil, fmt.Errorf("unknown transport %q for server %q", cfg.Transport, cfg.Name)
	}
}

// bearerTransport stamps a static Bearer token on every outgoing request.
type bearerTransport struct {
	token string
}

func (t bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+t.token)
	return http.DefaultTransport.RoundTrip(clone)
}

// registerMCPTools adds each discovered tool to reg. Collisions are logged
// and skipped; the count of registered tools is returned.
func registerMCPTools(reg *Registry, caller toolCaller, serverName string, tools []mcpsdk.Tool) int {
	registered := 0
	for _, t := range tools {
		def := types.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  schemaToMap(t.InputSchema),
		}
		if err := reg.Register(Tool{Definition: def, Handler: mcpHandler(caller, t.Name)}); err != nil {
			slog.Warn("skipping MCP tool", "server", serverName, "tool", t.Name, "error", err)
			continue
		}
		registered++
	}
	return registered
}

// mcpHandler adapts one remote tool to the registry Handler shape. The
// result's text content is concatenated; a result flagged IsError comes back
// as a Go error so the executor renders it like any handler failure.
func mcpHandler(caller toolCaller, name string) Handler {
	return func(ctx context.Context, args map[string]any) (any, error) {
		result, err := caller.CallTool(ctx, &mcpsdk.CallToolParams{
			Name:      name,
			Arguments: args,
		})
		if err != nil {
			return nil, err
		}

		var sb strings.Builder
		for _, c := range result.Content {
			if tc, ok := c.(*mcpsdk.TextContent); ok {
				sb.WriteString(tc.Text)
			}
		}
		if result.IsError {
			if sb.Len() == 0 {
				return nil, errors.New("tool execution failed")
			}
			return nil, errors.New(sb.String())
		}
		return sb.String(), nil
	}
}

// schemaToMap converts whatever schema representation the SDK delivered into
// the map shape the validator consumes. Unknown shapes degrade to an
// accept-anything object schema.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil || m == nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// splitCommand splits a command string into executable and arguments.
// e.g. "/bin/foo --bar baz" → ("/bin/foo", ["--bar", "baz"]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
