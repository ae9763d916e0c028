// Package mock provides test doubles for the stt package interfaces.
//
// Use Provider to verify that the caller starts streams with the expected
// StreamConfig. Use Stream to feed controlled transcripts and turns and to
// inspect which audio chunks were delivered.
//
// Example:
//
//	st := mock.NewStream()
//	p := &mock.Provider{Stream: st}
//	handle, _ := p.StartStream(ctx, cfg)
//	st.TurnsCh <- "hello there"
package mock

import (
	"context"
	"sync"

	"github.com/voceria/voceria/pkg/provider/stt"
	"github.com/voceria/voceria/pkg/types"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	// Ctx is the context passed to StartStream.
	Ctx context.Context
	// Cfg is the StreamConfig passed to StartStream.
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Stream is the handle returned by StartStream. If nil, StartStream
	// returns a new default Stream with buffered channels.
	Stream stt.Stream

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	// StartStreamCalls records every call to StartStream.
	StartStreamCalls []StartStreamCall
}

// StartStream records the call and returns Stream, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = append(p.StartStreamCalls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Stream != nil {
		return p.Stream, nil
	}
	return NewStream(), nil
}

// StartStreamCallCount returns the number of StartStream calls. Thread-safe.
func (p *Provider) StartStreamCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StartStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartStreamCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)

// SendAudioCall records a single invocation of Stream.SendAudio.
type SendAudioCall struct {
	// Chunk is a copy of the audio bytes that were passed to SendAudio.
	Chunk []byte
}

// Stream is a mock implementation of stt.Stream.
// Callers push Transcript values into TranscriptsCh and completed turns into
// TurnsCh, then close both channels to signal the end of the stream.
type Stream struct {
	mu sync.Mutex

	// TranscriptsCh is the channel returned by Transcripts(). Callers own
	// this channel and are responsible for sending to and closing it.
	TranscriptsCh chan types.Transcript

	// TurnsCh is the channel returned by Turns(). Callers own this channel.
	TurnsCh chan string

	// SendAudioErr, if non-nil, is returned by every SendAudio call.
	SendAudioErr error

	// ClearErr, if non-nil, is returned by every Clear call.
	ClearErr error

	// StreamErr is returned by Err. Set it before closing the channels to
	// simulate an abnormal stream end.
	StreamErr error

	// CloseErr, if non-nil, is returned by Close.
	CloseErr error

	// --- Call records ---

	// SendAudioCalls records every call to SendAudio in order.
	SendAudioCalls []SendAudioCall

	// ClearCallCount is the number of times Clear was called.
	ClearCallCount int

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewStream returns a Stream with buffered transcript and turn channels.
func NewStream() *Stream {
	return &Stream{
		TranscriptsCh: make(chan types.Transcript, 16),
		TurnsCh:       make(chan string, 16),
	}
}

// SendAudio records the call and returns SendAudioErr.
func (s *Stream) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SendAudioCalls = append(s.SendAudioCalls, SendAudioCall{Chunk: cp})
	return s.SendAudioErr
}

// Clear records the call and returns ClearErr.
func (s *Stream) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ClearCallCount++
	return s.ClearErr
}

// Transcripts returns TranscriptsCh.
func (s *Stream) Transcripts() <-chan types.Transcript {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TranscriptsCh
}

// Turns returns TurnsCh.
func (s *Stream) Turns() <-chan string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.TurnsCh
}

// Err returns StreamErr.
func (s *Stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.StreamErr
}

// Close records the call and returns CloseErr.
func (s *Stream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	return s.CloseErr
}

// SendAudioCallCount returns the number of SendAudio calls. Thread-safe.
func (s *Stream) SendAudioCallCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.SendAudioCalls)
}

// ResetCalls clears all recorded calls. Thread-safe.
func (s *Stream) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.SendAudioCalls = nil
	s.ClearCallCount = 0
	s.CloseCallCount = 0
}

// Ensure Stream implements stt.Stream at compile time.
var _ stt.Stream = (*Stream)(nil)
