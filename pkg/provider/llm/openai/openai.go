// Package openai implements llm.Provider against an OpenAI-compatible
// chat-completion gateway via github.com/openai/openai-go.
//
// The gateway contract is POST <base>/chat/completions with Bearer auth.
// Request shaping quirks live here: empty message content is replaced by
// "..." and max_tokens falls back to the platform default, because several
// gateway deployments reject empty content strings and uncapped completions.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"
	"github.com/openai/openai-go/shared"

	"github.com/voceria/voceria/internal/protocol"
	"github.com/voceria/voceria/internal/resilience"
	"github.com/voceria/voceria/pkg/provider/llm"
	"github.com/voceria/voceria/pkg/types"
)

// placeholder is sent instead of empty message content. Strict gateways
// reject "" even on assistant messages that only carry tool calls.
const placeholder = "..."

// Provider implements llm.Provider against an OpenAI-compatible gateway.
type Provider struct {
	client oai.Client
	model  string
	retry  resilience.RetryConfig
}

// config holds optional configuration for the provider.
type config struct {
	baseURL string
	timeout time.Duration
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL points the client at a gateway other than api.openai.com.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// New constructs a gateway-backed Provider.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai: apiKey must not be empty")
	}
	if model == "" {
		return nil, fmt.Errorf("openai: model must not be empty")
	}

	cfg := &config{}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// Attempts are governed by resilience.Retry, not the SDK.
		option.WithMaxRetries(0),
	}
	if cfg.baseURL != "" {
		// The SDK resolves "chat/completions" against the base URL; without
		// a trailing slash the last path segment (e.g. /v1) is dropped.
		base := cfg.baseURL
		if !strings.HasSuffix(base, "/") {
			base += "/"
		}
		reqOpts = append(reqOpts, option.WithBaseURL(base))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	client := oai.NewClient(reqOpts...)
	return &Provider{
		client: client,
		model:  model,
		retry: resilience.RetryConfig{
			Name: "openai",
			// Gateway statuses are final; only transport-class failures earn
			// another attempt.
			Retryable: func(err error) bool {
				var ge *llm.GatewayError
				return !errors.As(err, &ge)
			},
		},
	}, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, fmt.Errorf("openai: build params: %w", err)
	}

	var resp *oai.ChatCompletion
	err = resilience.Retry(ctx, p.retry, func(ctx context.Context) error {
		r, err := p.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return classify(err)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("openai: chat completion: %w", err)
	}

	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai: empty choices: %w", llm.ErrInvalidResponse)
	}
	choice := resp.Choices[0]
	if choice.FinishReason == "" {
		return nil, fmt.Errorf("openai: choice without finish reason: %w", llm.ErrInvalidResponse)
	}

	result := &llm.CompletionResponse{
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: llm.Usage{
			PromptTokens:     int(resp.Usage.PromptTokens),
			CompletionTokens: int(resp.Usage.CompletionTokens),
			TotalTokens:      int(resp.Usage.TotalTokens),
		},
	}
	for _, tc := range choice.Message.ToolCalls {
		result.ToolCalls = append(result.ToolCalls, types.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return result, nil
}

// classify converts SDK API errors into llm.GatewayError so retry logic and
// callers can tell a reachable-but-unhappy gateway from a transport failure.
func classify(err error) error {
	var apierr *oai.Error
	if errors.As(err, &apierr) {
		body := apierr.RawJSON()
		if body == "" {
			body = apierr.Message
		}
		return &llm.GatewayError{StatusCode: apierr.StatusCode, Body: body}
	}
	return err
}

// buildParams converts a CompletionRequest into SDK params.
func (p *Provider) buildParams(req llm.CompletionRequest) (oai.ChatCompletionNewParams, error) {
	var messages []oai.ChatCompletionMessageParamUnion
	for _, m := range req.Messages {
		msg, err := convertMessage(m)
		if err != nil {
			return oai.ChatCompletionNewParams{}, err
		}
		messages = append(messages, msg)
	}

	params := oai.ChatCompletionNewParams{
		Model:    shared.ChatModel(p.model),
		Messages: messages,
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = protocol.DefaultMaxTokens
	}
	// max_tokens rather than max_completion_tokens: the older field is the
	// one every gateway understands.
	params.MaxTokens = param.NewOpt(int64(maxTokens))

	if req.Temperature != 0 {
		params.Temperature = param.NewOpt(req.Temperature)
	}

	if len(req.Tools) == 0 {
		return params, nil
	}

	for _, td := range req.Tools {
		params.Tools = append(params.Tools, oai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        td.Name,
				Description: param.NewOpt(td.Description),
				Parameters:  shared.FunctionParameters(td.Parameters),
			},
		})
	}

	switch req.ToolChoice.Mode {
	case "", llm.ToolChoiceAuto:
		// Upstream default.
	case llm.ToolChoiceNone, llm.ToolChoiceRequired:
		params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
			OfAuto: param.NewOpt(string(req.ToolChoice.Mode)),
		}
	case llm.ToolChoiceFunction:
		params.ToolChoice = oai.ChatCompletionToolChoiceOptionUnionParam{
			OfChatCompletionNamedToolChoice: &oai.ChatCompletionNamedToolChoiceParam{
				Function: oai.ChatCompletionNamedToolChoiceFunctionParam{
					Name: req.ToolChoice.Function,
				},
			},
		}
	default:
		return oai.ChatCompletionNewParams{}, fmt.Errorf("openai: unknown tool choice mode %q", req.ToolChoice.Mode)
	}

	return params, nil
}

// convertMessage converts a types.Message to an SDK message param.
func convertMessage(m types.Message) (oai.ChatCompletionMessageParamUnion, error) {
	content := m.Content
	if content == "" {
		content = placeholder
	}

	switch m.Role {
	case types.RoleSystem:
		return oai.SystemMessage(content), nil

	case types.RoleUser:
		return oai.UserMessage(content), nil

	case types.RoleAssistant:
		asst := oai.ChatCompletionAssistantMessageParam{}
		asst.Content.OfString = oai.String(content)
		if m.Name != "" {
			asst.Name = oai.String(m.Name)
		}
		for _, tc := range m.ToolCalls {
			asst.ToolCalls = append(asst.ToolCalls, oai.ChatCompletionMessageToolCallParam{
				ID: tc.ID,
				Function: oai.ChatCompletionMessageToolCallFunctionParam{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		return oai.ChatCompletionMessageParamUnion{OfAssistant: &asst}, nil

	case types.RoleTool:
		return oai.ToolMessage(content, m.ToolCallID), nil

	default:
		return oai.ChatCompletionMessageParamUnion{}, fmt.Errorf("openai: unknown message role %q", m.Role)
	}
}

var _ llm.Provider = (*Provider)(nil)
