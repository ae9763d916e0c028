// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify
// which text was synthesized.
//
// Example:
//
//	p := &mock.Provider{
//	    Chunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	}
//	err := p.Synthesize(ctx, "Hello.", sink)
package mock

import (
	"context"
	"sync"

	"github.com/voceria/voceria/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// Text is the utterance passed to Synthesize.
	Text string
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Chunks is the sequence of audio byte slices delivered to emit on every
	// Synthesize call.
	Chunks [][]byte

	// SynthesizeErr, if non-nil, is returned by Synthesize before any chunk
	// is emitted.
	SynthesizeErr error

	// HoldUntilCancel, when true, makes Synthesize block after emitting its
	// chunks until ctx is cancelled — mimicking an utterance still playing
	// when a barge-in arrives.
	HoldUntilCancel bool

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// Synthesize records the call, emits Chunks in order, and returns
// SynthesizeErr. Cancellation stops emission and returns nil, matching the
// real providers.
func (p *Provider) Synthesize(ctx context.Context, text string, emit func(chunk []byte)) error {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, Text: text})
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	err := p.SynthesizeErr
	hold := p.HoldUntilCancel
	p.mu.Unlock()

	if err != nil {
		return err
	}
	for _, audio := range chunks {
		select {
		case <-ctx.Done():
			return nil
		default:
		}
		emit(audio)
	}
	if hold {
		<-ctx.Done()
	}
	return nil
}

// Close records the call and returns CloseErr.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.CloseCallCount++
	return p.CloseErr
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.CloseCallCount = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
