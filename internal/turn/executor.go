package turn

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/voceria/voceria/internal/observe"
	"github.com/voceria/voceria/internal/protocol"
	"github.com/voceria/voceria/internal/tool"
	"github.com/voceria/voceria/pkg/provider/llm"
	"github.com/voceria/voceria/pkg/types"
)

// FinalAnswerName is the termination tool: the model delivers every spoken
// reply through it whenever real tools are offered.
const FinalAnswerName = "final_answer"

// FinalAnswerDefinition is appended to the offered tool list on every pass.
var FinalAnswerDefinition = types.ToolDefinition{
	Name:        FinalAnswerName,
	Description: "Deliver the final answer to the user. Call this once you have everything you need; the answer is spoken aloud verbatim.",
	Parameters: map[string]any{
		"type": "object",
		"properties": map[string]any{
			"answer": map[string]any{
				"type":        "string",
				"description": "The complete spoken answer for the user.",
			},
		},
		"required": []string{"answer"},
	},
}

// Result is the outcome of a completed turn.
type Result struct {
	// Text is the assistant's final reply, ready for synthesis.
	Text string

	// Steps lists the tool-use labels in execution order, e.g.
	// "Using get_weather".
	Steps []string
}

// Config assembles an Executor.
type Config struct {
	// LLM performs the chat completions.
	LLM llm.Provider

	// Tools executes user-defined and MCP-discovered tools.
	Tools *tool.Executor

	// Builtins dispatches the agent's enabled built-ins. May be nil.
	Builtins *tool.BuiltinView

	// Definitions lists the real tools offered to the model (user-defined,
	// built-in, MCP). When non-empty, final_answer is appended and every
	// full-set completion forces tool use.
	Definitions []types.ToolDefinition

	// MaxTokens caps each completion; zero means protocol.DefaultMaxTokens.
	MaxTokens int

	// Metrics records completion latencies. May be nil.
	Metrics *observe.Metrics
}

// Executor drives the completion/tool loop for one agent. It is stateless
// across turns; the per-session transcript is passed into Run.
type Executor struct {
	llm       llm.Provider
	tools     *tool.Executor
	builtins  *tool.BuiltinView
	offered   []types.ToolDefinition
	maxTokens int
	metrics   *observe.Metrics
}

// NewExecutor builds a turn executor from cfg.
func NewExecutor(cfg Config) *Executor {
	e := &Executor{
		llm:       cfg.LLM,
		tools:     cfg.Tools,
		builtins:  cfg.Builtins,
		maxTokens: cfg.MaxTokens,
		metrics:   cfg.Metrics,
	}
	if e.maxTokens <= 0 {
		e.maxTokens = protocol.DefaultMaxTokens
	}
	if len(cfg.Definitions) > 0 {
		e.offered = make([]types.ToolDefinition, 0, len(cfg.Definitions)+1)
		e.offered = append(e.offered, cfg.Definitions...)
		if !hasDefinition(cfg.Definitions, FinalAnswerName) {
			e.offered = append(e.offered, FinalAnswerDefinition)
		}
	}
	return e
}

// Run executes one turn: it appends {user, text} to the transcript, then
// drives completions and tool execution until the model delivers an answer
// through final_answer, stops with plain content, or the pass cap forces a
// reply. The loop runs at most protocol.MaxToolIterations+1 passes.
//
// Cancellation of ctx aborts the turn; Run returns the context error and the
// caller discards the turn silently.
func (e *Executor) Run(ctx context.Context, text string, transcript *Transcript) (*Result, error) {
	transcript.Append(types.Message{Role: types.RoleUser, Content: text})

	var steps []string

	resp, err := e.complete(ctx, e.fullRequest(transcript))
	if err != nil {
		return nil, err
	}

	for pass := 0; ; pass++ {
		// final_answer wins immediately, even with sibling tool calls.
		if call, ok := findCall(resp.ToolCalls, FinalAnswerName); ok {
			steps = append(steps, "Using "+FinalAnswerName)
			answer := finalAnswerText(call)
			if answer == "" {
				answer = protocol.FallbackResponse
			}
			transcript.Append(types.Message{Role: types.RoleAssistant, Content: answer})
			return &Result{Text: answer, Steps: steps}, nil
		}

		// Pass cap: whatever content came back is the reply.
		if pass == protocol.MaxToolIterations {
			return e.finish(transcript, resp.Content, steps), nil
		}

		switch {
		case len(resp.ToolCalls) > 0:
			transcript.Append(types.Message{
				Role:      types.RoleAssistant,
				Content:   resp.Content,
				ToolCalls: resp.ToolCalls,
			})
			for _, call := range resp.ToolCalls {
				steps = append(steps, "Using "+call.Name)
			}
			results := e.executeCalls(ctx, resp.ToolCalls)
			for i, call := range resp.ToolCalls {
				transcript.Append(types.Message{
					Role:       types.RoleTool,
					Content:    results[i],
					ToolCallID: call.ID,
				})
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}

		case resp.FinishReason == llm.FinishToolCalls:
			// The model claimed tool use but sent no calls.
			slog.Warn("completion finished for tool use without tool calls")
			if resp.Content == "" {
				return e.finish(transcript, "", steps), nil
			}
			transcript.Append(types.Message{Role: types.RoleAssistant, Content: resp.Content})

		default:
			return e.finish(transcript, resp.Content, steps), nil
		}

		// A forced final_answer on the last re-call guarantees termination.
		if pass == protocol.MaxToolIterations-1 && len(e.offered) > 0 {
			resp, err = e.complete(ctx, e.forcedRequest(transcript))
		} else {
			resp, err = e.complete(ctx, e.fullRequest(transcript))
		}
		if err != nil {
			return nil, err
		}
	}
}

// finish appends the reply (or the fallback when empty) as the assistant
// message and builds the result.
func (e *Executor) finish(transcript *Transcript, reply string, steps []string) *Result {
	if strings.TrimSpace(reply) == "" {
		reply = protocol.FallbackResponse
	}
	transcript.Append(types.Message{Role: types.RoleAssistant, Content: reply})
	return &Result{Text: reply, Steps: steps}
}

// fullRequest offers the complete tool set, forcing tool use when any tools
// exist.
func (e *Executor) fullRequest(transcript *Transcript) llm.CompletionRequest {
	req := llm.CompletionRequest{
		Messages:  transcript.Messages(),
		MaxTokens: e.maxTokens,
	}
	if len(e.offered) > 0 {
		req.Tools = e.offered
		req.ToolChoice = llm.ToolChoice{Mode: llm.ToolChoiceRequired}
	}
	return req
}

// forcedRequest offers only final_answer and forces the model to call it.
func (e *Executor) forcedRequest(transcript *Transcript) llm.CompletionRequest {
	return llm.CompletionRequest{
		Messages:   transcript.Messages(),
		Tools:      []types.ToolDefinition{FinalAnswerDefinition},
		ToolChoice: llm.ForceFunction(FinalAnswerName),
		MaxTokens:  e.maxTokens,
	}
}

// complete calls the provider and records the exchange latency.
func (e *Executor) complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	start := time.Now()
	resp, err := e.llm.Complete(ctx, req)
	if e.metrics != nil {
		e.metrics.LLMDuration.Record(ctx, time.Since(start).Seconds())
		if err != nil && ctx.Err() == nil {
			e.metrics.RecordProviderError(ctx, "llm", "chat")
		}
	}
	if err != nil {
		return nil, fmt.Errorf("turn: completion failed: %w", err)
	}
	return resp, nil
}

// executeCalls runs every tool call concurrently and returns the result
// strings in the order the model issued the calls.
func (e *Executor) executeCalls(ctx context.Context, calls []types.ToolCall) []string {
	results := make([]string, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			results[i] = e.dispatch(ctx, call)
			return nil
		})
	}
	_ = g.Wait() // dispatch renders failures into result strings
	return results
}

// dispatch resolves one tool call: built-ins first, then the user registry.
func (e *Executor) dispatch(ctx context.Context, call types.ToolCall) string {
	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return fmt.Sprintf("Error: Invalid JSON arguments for tool %q", call.Name)
	}

	if e.builtins != nil {
		result, err := e.builtins.Execute(ctx, call.Name, args)
		if err == nil {
			return result
		}
		if !errors.Is(err, tool.ErrNotBuiltin) {
			return "Error: " + err.Error()
		}
	}
	return e.tools.Execute(ctx, call.Name, args)
}

// decodeArgs parses a tool call's JSON argument string. Blank arguments and
// the literal null mean an empty object.
func decodeArgs(arguments string) (map[string]any, error) {
	trimmed := strings.TrimSpace(arguments)
	if trimmed == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

// findCall returns the first tool call with the given name.
func findCall(calls []types.ToolCall, name string) (types.ToolCall, bool) {
	for _, c := range calls {
		if c.Name == name {
			return c, true
		}
	}
	return types.ToolCall{}, false
}

// finalAnswerText extracts the answer argument; malformed arguments yield
// the empty string so the caller falls back.
func finalAnswerText(call types.ToolCall) string {
	args, err := decodeArgs(call.Arguments)
	if err != nil {
		return ""
	}
	answer, _ := args["answer"].(string)
	return strings.TrimSpace(answer)
}

func hasDefinition(defs []types.ToolDefinition, name string) bool {
	for _, d := range defs {
		if d.Name == name {
			return true
		}
	}
	return false
}
