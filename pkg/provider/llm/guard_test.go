package llm_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/voceria/voceria/internal/resilience"
	"github.com/voceria/voceria/pkg/provider/llm"
	"github.com/voceria/voceria/pkg/provider/llm/mock"
)

// TestGuard_PassesThrough checks that a healthy provider is unaffected.
func TestGuard_PassesThrough(t *testing.T) {
	p := &mock.Provider{Replies: []mock.Reply{
		{Response: &llm.CompletionResponse{Content: "Hello!", FinishReason: llm.FinishStop}},
	}}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "test"})

	resp, err := llm.Guard(p, cb).Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "Hello!" {
		t.Errorf("expected content Hello!, got %q", resp.Content)
	}
	if p.CallCount() != 1 {
		t.Errorf("expected 1 provider call, got %d", p.CallCount())
	}
}

// TestGuard_OpenBreakerFailsFast checks that the upstream is spared once the
// breaker opens.
func TestGuard_OpenBreakerFailsFast(t *testing.T) {
	p := &mock.Provider{Replies: []mock.Reply{
		{Err: errors.New("boom")},
	}}
	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:         "test",
		MaxFailures:  1,
		ResetTimeout: time.Hour,
	})
	g := llm.Guard(p, cb)

	if _, err := g.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected first call to fail")
	}
	_, err := g.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if p.CallCount() != 1 {
		t.Errorf("expected the open breaker to skip the provider, got %d calls", p.CallCount())
	}
}
