package llm

import "github.com/voceria/voceria/pkg/types"

// Finish reasons reported by CompletionResponse. Backends normalize to the
// OpenAI vocabulary; unknown upstream values pass through verbatim.
const (
	// FinishStop means the model completed its answer.
	FinishStop = "stop"

	// FinishToolCalls means the model stopped to request tool execution.
	FinishToolCalls = "tool_calls"

	// FinishLength means the completion hit the max_tokens cap.
	FinishLength = "length"
)

// ToolChoiceMode selects how the model may use the offered tools.
type ToolChoiceMode string

const (
	// ToolChoiceAuto lets the model decide. This is the zero-value default.
	ToolChoiceAuto ToolChoiceMode = "auto"

	// ToolChoiceNone forbids tool calls for this request.
	ToolChoiceNone ToolChoiceMode = "none"

	// ToolChoiceRequired forces the model to call at least one tool.
	ToolChoiceRequired ToolChoiceMode = "required"

	// ToolChoiceFunction forces a call to the single function named in
	// ToolChoice.Function.
	ToolChoiceFunction ToolChoiceMode = "function"
)

// IsValid reports whether m is a recognised tool choice mode. The empty
// string is valid and means auto.
func (m ToolChoiceMode) IsValid() bool {
	switch m {
	case "", ToolChoiceAuto, ToolChoiceNone, ToolChoiceRequired, ToolChoiceFunction:
		return true
	}
	return false
}

// ToolChoice constrains the model's tool use for one request. The zero value
// means auto. Function is consulted only when Mode is ToolChoiceFunction.
type ToolChoice struct {
	Mode     ToolChoiceMode
	Function string
}

// ForceFunction returns a ToolChoice that forces a call to the named function.
func ForceFunction(name string) ToolChoice {
	return ToolChoice{Mode: ToolChoiceFunction, Function: name}
}

// CompletionRequest describes one chat-completion exchange. The message list
// carries the full conversation including the system message.
type CompletionRequest struct {
	// Messages is the conversation history, oldest first.
	Messages []types.Message

	// Tools lists the tool schemas offered to the model. May be empty.
	Tools []types.ToolDefinition

	// ToolChoice constrains tool use. Ignored when Tools is empty.
	ToolChoice ToolChoice

	// MaxTokens caps the completion length. Zero or negative means the
	// platform default applies.
	MaxTokens int

	// Temperature adjusts sampling when non-zero. Zero leaves the upstream
	// default in place.
	Temperature float64
}

// Usage holds the token accounting returned by the backend. Counts are in
// the model's native token unit; zero when the upstream omits them.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionResponse is the first choice of a chat completion.
type CompletionResponse struct {
	// Content is the assistant text. May be empty when the model only
	// requested tool calls.
	Content string

	// ToolCalls lists requested tool invocations in the model's order.
	ToolCalls []types.ToolCall

	// FinishReason is why generation stopped, e.g. FinishStop or
	// FinishToolCalls.
	FinishReason string

	// Usage is the token accounting for this exchange.
	Usage Usage
}
