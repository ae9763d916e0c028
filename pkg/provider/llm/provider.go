// Package llm defines the provider-agnostic interface for chat-completion
// backends.
//
// A provider wraps a remote or local model API (an OpenAI-compatible gateway,
// Anthropic, a local Ollama instance, ...) and exposes a single blocking
// Complete call. The turn executor drives the tool-call loop on top of it;
// providers only shape requests and responses.
//
// Implementations must be safe for concurrent use.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// ErrInvalidResponse indicates the backend answered 2xx but the body did not
// contain a usable completion (no choices, or a choice without a finish
// reason). Wrapped by backends; match with errors.Is.
var ErrInvalidResponse = errors.New("llm: invalid completion response")

// GatewayError reports a non-2xx HTTP response from the completion endpoint.
// It is never retried: the upstream was reachable and made a decision.
type GatewayError struct {
	// StatusCode is the HTTP status returned by the gateway.
	StatusCode int

	// Body is the response body, verbatim where available.
	Body string
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	return fmt.Sprintf("llm: gateway returned %d: %s", e.StatusCode, e.Body)
}

// Provider is the interface implemented by all chat-completion backends.
type Provider interface {
	// Complete performs one request/response exchange. The request is
	// cancellable via ctx; implementations must return promptly once ctx is
	// done. A nil error guarantees a non-nil response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}
