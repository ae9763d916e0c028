// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider turns one utterance of text into a stream of raw PCM16 audio
// chunks. Synthesis is one-shot: the caller hands over the full reply text
// and receives chunks through a callback until the utterance is complete.
// Callers that need to stop mid-utterance (barge-in) cancel the context;
// chunks already delivered are not revoked.
package tts

import "context"

// Provider is the abstraction over a speech synthesis backend.
//
// Implementations must be safe for concurrent use across sessions; within a
// session the orchestrator runs at most one synthesis at a time.
type Provider interface {
	// Synthesize converts text into a stream of PCM16 audio chunks, invoking
	// emit for each chunk in order. It blocks until the utterance is fully
	// delivered, ctx is cancelled, or the upstream fails.
	//
	// Cancellation is not an error: when ctx is cancelled mid-utterance the
	// upstream connection is torn down and Synthesize returns nil.
	Synthesize(ctx context.Context, text string, emit func(chunk []byte)) error

	// Close releases any held connections. No Synthesize call may follow.
	Close() error
}
