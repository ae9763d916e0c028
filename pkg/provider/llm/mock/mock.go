// Package mock provides a test double for the llm.Provider interface.
//
// Provider replays a scripted sequence of replies, one per Complete call, and
// records every request so tests can assert on message history, tool lists,
// and tool choice. Configure the script before handing the mock out; the
// methods themselves are safe for concurrent use.
//
// Example:
//
//	p := &mock.Provider{Replies: []mock.Reply{
//	    {Response: &llm.CompletionResponse{Content: "Hello!", FinishReason: llm.FinishStop}},
//	}}
//	resp, err := p.Complete(ctx, req)
package mock

import (
	"context"
	"errors"
	"sync"

	"github.com/voceria/voceria/pkg/provider/llm"
)

// ErrScriptExhausted is returned by Complete once every scripted Reply has
// been consumed. A test hitting it made more calls than it declared.
var ErrScriptExhausted = errors.New("mock: no scripted reply left")

// Reply is one scripted outcome. When Err is non-nil it is returned and
// Response is ignored.
type Reply struct {
	Response *llm.CompletionResponse
	Err      error
}

// Call records a single invocation of Complete.
type Call struct {
	// Ctx is the context passed to Complete.
	Ctx context.Context
	// Req is the CompletionRequest passed to Complete.
	Req llm.CompletionRequest
}

// Provider is a scripted mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// Replies are consumed in order, one per Complete call.
	Replies []Reply

	// Calls records every invocation of Complete in order.
	Calls []Call

	next int
}

// Complete records the call and returns the next scripted Reply.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.Calls = append(p.Calls, Call{Ctx: ctx, Req: req})
	if p.next >= len(p.Replies) {
		return nil, ErrScriptExhausted
	}
	reply := p.Replies[p.next]
	p.next++

	if reply.Err != nil {
		return nil, reply.Err
	}
	return reply.Response, nil
}

// CallCount returns the number of Complete invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Calls)
}

// Reset clears recorded calls and rewinds the script.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls = nil
	p.next = 0
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
