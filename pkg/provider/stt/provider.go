// Package stt defines the Provider interface for streaming speech-to-text
// backends.
//
// An STT provider wraps a real-time transcription service and exposes a
// uniform streaming interface. The central abstraction is Stream: once
// opened, a stream accepts raw PCM audio frames and emits two kinds of
// events — low-latency interim transcripts for display, and completed turns
// (the provider's end-of-utterance detection) that drive the agent.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"

	"github.com/voceria/voceria/pkg/types"
)

// StreamConfig describes the audio format and recognition hints for a new
// stream.
type StreamConfig struct {
	// SampleRate is the PCM sample rate in Hz of the audio pushed via
	// SendAudio. Zero selects the provider default.
	SampleRate int

	// Prompt biases recognition towards expected phrases, e.g. product names
	// the caller is likely to say. Empty means no bias.
	Prompt string
}

// Stream is an open transcription stream. Callers must call Close when the
// stream is no longer needed; failing to do so leaks the upstream connection
// and its goroutines. All methods are safe for concurrent use.
type Stream interface {
	// SendAudio delivers a chunk of raw PCM audio. Best-effort: a stream
	// whose socket is not open swallows the chunk and returns nil.
	SendAudio(chunk []byte) error

	// Clear asks the provider to terminate any in-progress utterance,
	// forcing an end-of-turn. Used on cancel and reset.
	Clear() error

	// Transcripts returns the channel of interim transcripts. Closed when
	// the stream ends.
	Transcripts() <-chan types.Transcript

	// Turns returns the channel of completed, formatted turn texts. Closed
	// when the stream ends.
	Turns() <-chan string

	// Err reports why the stream ended. It is meaningful once Transcripts
	// and Turns are closed, and nil after a clean shutdown.
	Err() error

	// Close terminates the stream and releases its resources. Safe to call
	// more than once.
	Close() error
}

// Provider is the abstraction over any streaming STT backend.
type Provider interface {
	// StartStream opens a transcription stream. The context bounds only the
	// connection handshake; the stream itself lives until Close. The caller
	// owns the Stream and must close it.
	StartStream(ctx context.Context, cfg StreamConfig) (Stream, error)
}
