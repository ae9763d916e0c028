// Package anyllm implements llm.Provider on top of
// github.com/mozilla-ai/any-llm-go, a unified multi-provider interface
// covering OpenAI, Anthropic, Gemini, Ollama, DeepSeek, Mistral, Groq, and
// local llama.cpp/llamafile servers.
//
// It serves deployments that talk to a model host directly instead of an
// OpenAI-compatible gateway:
//
//	p, err := anyllm.New("ollama", "llama3.1", anyllmlib.WithBaseURL("http://localhost:11434"))
package anyllm

import (
	"context"
	"errors"
	"fmt"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/mozilla-ai/any-llm-go/providers/anthropic"
	"github.com/mozilla-ai/any-llm-go/providers/deepseek"
	"github.com/mozilla-ai/any-llm-go/providers/gemini"
	"github.com/mozilla-ai/any-llm-go/providers/groq"
	"github.com/mozilla-ai/any-llm-go/providers/llamacpp"
	"github.com/mozilla-ai/any-llm-go/providers/llamafile"
	"github.com/mozilla-ai/any-llm-go/providers/mistral"
	"github.com/mozilla-ai/any-llm-go/providers/ollama"
	anyllmoai "github.com/mozilla-ai/any-llm-go/providers/openai"

	"github.com/voceria/voceria/internal/protocol"
	"github.com/voceria/voceria/internal/resilience"
	"github.com/voceria/voceria/pkg/provider/llm"
	"github.com/voceria/voceria/pkg/types"
)

// placeholder replaces empty message content; some hosts reject "".
const placeholder = "..."

// Provider implements llm.Provider by wrapping github.com/mozilla-ai/any-llm-go.
type Provider struct {
	backend anyllmlib.Provider
	model   string
	retry   resilience.RetryConfig
}

// New creates a Provider backed by the named upstream.
//
// providerName is one of: "openai", "anthropic", "gemini", "ollama",
// "deepseek", "mistral", "groq", "llamacpp", "llamafile".
//
// opts are any-llm-go options (anyllmlib.WithAPIKey, anyllmlib.WithBaseURL).
// Without an API key option the SDK falls back to the provider's usual
// environment variable (OPENAI_API_KEY, ANTHROPIC_API_KEY, ...).
func New(providerName string, model string, opts ...anyllmlib.Option) (*Provider, error) {
	if providerName == "" {
		return nil, fmt.Errorf("anyllm: providerName must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("anyllm: model must not be empty")
	}

	backend, err := createBackend(providerName, opts...)
	if err != nil {
		return nil, fmt.Errorf("anyllm: create %q backend: %w", providerName, err)
	}

	return &Provider{
		backend: backend,
		model:   model,
		retry: resilience.RetryConfig{
			Name: "anyllm",
			// The SDK does not type API failures; everything except an
			// unusable body is treated as transient.
			Retryable: func(err error) bool {
				return !errors.Is(err, llm.ErrInvalidResponse)
			},
		},
	}, nil
}

// createBackend creates the underlying any-llm-go provider for the given name.
func createBackend(providerName string, opts ...anyllmlib.Option) (anyllmlib.Provider, error) {
	switch providerName {
	case "openai":
		return anyllmoai.New(opts...)
	case "anthropic":
		return anthropic.New(opts...)
	case "gemini":
		return gemini.New(opts...)
	case "ollama":
		return ollama.New(opts...)
	case "deepseek":
		return deepseek.New(opts...)
	case "mistral":
		return mistral.New(opts...)
	case "groq":
		return groq.New(opts...)
	case "llamacpp":
		return llamacpp.New(opts...)
	case "llamafile":
		return llamafile.New(opts...)
	default:
		return nil, fmt.Errorf("unsupported provider %q", providerName)
	}
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("anyllm: build params: %w", err)
	}

	var result *llm.CompletionResponse
	err = resilience.Retry(ctx, p.retry, func(ctx context.Context) error {
		resp, err := p.backend.Completion(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return fmt.Errorf("empty choices: %w", llm.ErrInvalidResponse)
		}
		choice := resp.Choices[0]

		result = &llm.CompletionResponse{
			Content:      choice.Message.ContentString(),
			FinishReason: choice.FinishReason,
		}
		if resp.Usage != nil {
			result.Usage = llm.Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			}
		}
		for _, tc := range choice.Message.ToolCalls {
			result.ToolCalls = append(result.ToolCalls, types.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("anyllm: completion: %w", err)
	}
	return result, nil
}

// buildParams converts a CompletionRequest into anyllm CompletionParams.
func (p *Provider) buildParams(req llm.CompletionRequest) (anyllmlib.CompletionParams, error) {
	var messages []anyllmlib.Message
	for _, m := range req.Messages {
		messages = append(messages, convertMessage(m))
	}

	params := anyllmlib.CompletionParams{
		Model:    p.model,
		Messages: messages,
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = protocol.DefaultMaxTokens
	}
	params.MaxTokens = &maxTokens

	if req.Temperature != 0 {
		t := req.Temperature
		params.Temperature = &t
	}

	tools, err := narrowTools(req)
	if err != nil {
		return anyllmlib.CompletionParams{}, err
	}
	for _, td := range tools {
		params.Tools = append(params.Tools, anyllmlib.Tool{
			Type: "function",
			Function: anyllmlib.Function{
				Name:        td.Name,
				Description: td.Description,
				Parameters:  td.Parameters,
			},
		})
	}

	return params, nil
}

// narrowTools applies the requested tool choice by shaping the tool list.
// The SDK exposes no tool_choice field: "none" withholds the tools, a forced
// function offers only that function, and "required" degrades to auto.
func narrowTools(req llm.CompletionRequest) ([]types.ToolDefinition, error) {
	if len(req.Tools) == 0 {
		return nil, nil
	}
	switch req.ToolChoice.Mode {
	case "", llm.ToolChoiceAuto, llm.ToolChoiceRequired:
		return req.Tools, nil
	case llm.ToolChoiceNone:
		return nil, nil
	case llm.ToolChoiceFunction:
		var narrowed []types.ToolDefinition
		for _, td := range req.Tools {
			if td.Name == req.ToolChoice.Function {
				narrowed = append(narrowed, td)
			}
		}
		return narrowed, nil
	default:
		return nil, fmt.Errorf("unknown tool choice mode %q", req.ToolChoice.Mode)
	}
}

// convertMessage converts a types.Message to an anyllm message.
func convertMessage(m types.Message) anyllmlib.Message {
	content := m.Content
	if content == "" {
		content = placeholder
	}

	msg := anyllmlib.Message{
		Role:       m.Role,
		Content:    content,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, anyllmlib.ToolCall{
			ID:   tc.ID,
			Type: "function",
			Function: anyllmlib.FunctionCall{
				Name:      tc.Name,
				Arguments: tc.Arguments,
			},
		})
	}
	return msg
}

var _ llm.Provider = (*Provider)(nil)
