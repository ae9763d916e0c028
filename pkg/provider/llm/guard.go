package llm

import (
	"context"

	"github.com/voceria/voceria/internal/resilience"
)

// Guard wraps p with a circuit breaker. While the breaker is open, Complete
// fails fast with resilience.ErrCircuitOpen instead of hitting the upstream.
// Cancellation of the caller's context does not count against the breaker.
func Guard(p Provider, cb *resilience.CircuitBreaker) Provider {
	return &guarded{p: p, cb: cb}
}

type guarded struct {
	p  Provider
	cb *resilience.CircuitBreaker
}

var _ Provider = (*guarded)(nil)

func (g *guarded) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	var resp *CompletionResponse
	err := g.cb.Execute(ctx, func(ctx context.Context) error {
		r, err := g.p.Complete(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}
