// Package session orchestrates one voice conversation: it owns the STT
// stream, drives the turn loop on end-of-turn transcripts, and streams
// synthesized speech back over the client transport.
//
// # Lifecycle
//
// A session is born when a client connects and dies when the connection
// closes. Start establishes the STT stream in the background and announces
// readiness; the greeting is spoken once the client reports audio_ready.
// End-of-turn transcripts from STT start turns, each producing a frame
// sequence of turn → thinking → chat → audio → tts_done. Cancel and reset
// abort in-flight work and are acknowledged only after the aborted synthesis
// has settled, so no stale audio can trail the acknowledgement.
//
// At most one turn and one synthesis run at a time. Starting a new turn
// cancels and waits out the previous one, which keeps transcript mutation
// serialized without a lock around the LLM call.
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/voceria/voceria/internal/config"
	"github.com/voceria/voceria/internal/observe"
	"github.com/voceria/voceria/internal/protocol"
	"github.com/voceria/voceria/internal/transcript"
	"github.com/voceria/voceria/internal/turn"
	"github.com/voceria/voceria/pkg/provider/stt"
	"github.com/voceria/voceria/pkg/provider/tts"
)

// maxSTTReconnects bounds background reconnect attempts per session. One
// attempt recovers from a provider blip; anything beyond that is an outage
// the client should handle by reconnecting, which yields a fresh session.
const maxSTTReconnects = 1

// Transport delivers frames to the client. Implementations must be safe for
// concurrent use; the session sends from several goroutines.
type Transport interface {
	// SendJSON marshals and delivers one control frame.
	SendJSON(v any) error
	// SendAudio delivers one binary audio chunk.
	SendAudio(chunk []byte) error
}

// TurnRunner executes one conversation turn against the transcript.
// *turn.Executor is the production implementation.
type TurnRunner interface {
	Run(ctx context.Context, text string, transcript *turn.Transcript) (*turn.Result, error)
}

// Config carries the collaborators for one session. Transport, STT, TTS and
// Turns are required; the rest may be zero.
type Config struct {
	// ID identifies the session in logs and the manager.
	ID string

	// Agent is the immutable agent definition for this deployment.
	Agent config.AgentConfig

	// Transport delivers frames to the connected client.
	Transport Transport

	// STT produces transcripts from client audio.
	STT stt.Provider

	// TTS synthesizes agent speech. The session owns this handle and
	// closes it on Stop.
	TTS tts.Provider

	// Turns runs the tool-calling loop for each end-of-turn transcript.
	Turns TurnRunner

	// ToolCount is the number of tool definitions the turn loop offers.
	// It gates the tool section of the system prompt.
	ToolCount int

	// Corrector fixes phonetic mis-hearings of vocabulary terms before
	// turn text reaches the model. May be nil.
	Corrector *transcript.Corrector

	// Metrics records session telemetry. May be nil.
	Metrics *observe.Metrics

	// Production silences state-machine violation warnings.
	Production bool
}

// speech is one reserved synthesis slot: its context cancels the synthesis
// and its done channel closes when the slot has fully settled.
type speech struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// Session is the per-connection orchestrator. All exported methods are safe
// for concurrent use, though the transport layer serializes control frames.
type Session struct {
	id         string
	agent      config.AgentConfig
	transport  Transport
	sttP       stt.Provider
	ttsP       tts.Provider
	turns      TurnRunner
	corrector  *transcript.Corrector
	metrics    *observe.Metrics
	production bool
	greeting   string

	transcript *turn.Transcript

	// ctx parents every blocking call the session makes; cancel is the
	// master kill switch pulled by Stop.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	state      protocol.State
	stream     stt.Stream
	greeted    bool
	chatCancel context.CancelFunc
	ttsCancel  context.CancelFunc
	turnDone   chan struct{}
	ttsDone    chan struct{}
	reconnects int
	stopped    bool

	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
}

// NewSession builds a session in the connecting state. Call Start to
// establish the STT stream and begin serving.
func NewSession(cfg Config) *Session {
	greeting := cfg.Agent.Greeting
	if greeting == "" {
		greeting = protocol.DefaultGreeting
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         cfg.ID,
		agent:      cfg.Agent,
		transport:  cfg.Transport,
		sttP:       cfg.STT,
		ttsP:       cfg.TTS,
		turns:      cfg.Turns,
		corrector:  cfg.Corrector,
		metrics:    cfg.Metrics,
		production: cfg.Production,
		greeting:   greeting,
		transcript: turn.NewTranscript(BuildSystemPrompt(cfg.Agent, cfg.ToolCount)),
		ctx:        ctx,
		cancel:     cancel,
		state:      protocol.StateConnecting,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// State returns the current lifecycle state.
func (s *Session) State() protocol.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Transcript exposes the conversation history, mostly for inspection.
func (s *Session) Transcript() *turn.Transcript { return s.transcript }

// Wait blocks until every background goroutine has exited. Tests use it;
// Stop already waits internally.
func (s *Session) Wait() { s.wg.Wait() }

// ─── Lifecycle ───

// Start announces readiness and connects the STT stream in the background.
// The ready frame goes out first so the client can begin capturing audio
// while the upstream dial is still in flight.
func (s *Session) Start() {
	if s.metrics != nil {
		s.metrics.SessionsTotal.Add(s.ctx, 1)
		s.metrics.ActiveSessions.Add(s.ctx, 1)
	}
	s.send(protocol.NewReady())
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectSTT()
	}()
	slog.Info("session started", "session_id", s.id, "agent", s.agent.Name)
}

// Stop tears the session down: aborts in-flight work, closes the STT stream
// and the TTS handle, and waits for every goroutine to exit. Safe to call
// more than once; later calls return the first result.
func (s *Session) Stop() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		stream := s.stream
		s.stream = nil
		s.mu.Unlock()

		s.abortInflight()
		s.cancel()

		var errs []error
		if stream != nil {
			if err := stream.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := s.ttsP.Close(); err != nil {
			errs = append(errs, err)
		}

		s.wg.Wait()

		if s.metrics != nil {
			s.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		slog.Info("session stopped", "session_id", s.id)
		s.stopErr = errors.Join(errs...)
	})
	return s.stopErr
}

// ─── Client events ───

// OnAudioReady marks the client's playback path as live and speaks the
// greeting. Only the first call greets; duplicates are ignored.
func (s *Session) OnAudioReady() {
	s.mu.Lock()
	if s.stopped || s.greeted {
		s.mu.Unlock()
		return
	}
	s.greeted = true
	s.mu.Unlock()

	s.setState(protocol.StateListening)
	sp, ok := s.beginSpeech(s.ctx)
	if !ok {
		return
	}
	s.send(protocol.NewGreeting(s.greeting))
	go s.relayTTS(sp, s.greeting)
}

// OnAudio forwards one microphone chunk to the STT stream. Chunks arriving
// while no stream is up are dropped; speech is real-time and stale audio is
// worse than lost audio.
func (s *Session) OnAudio(chunk []byte) {
	s.mu.Lock()
	stream := s.stream
	s.mu.Unlock()
	if stream == nil {
		return
	}
	if err := stream.SendAudio(chunk); err != nil {
		slog.Debug("drop audio chunk", "session_id", s.id, "error", err)
	}
}

// OnCancel aborts the in-flight turn and synthesis (client barge-in). The
// cancelled acknowledgement is sent only after the aborted work has settled,
// which guarantees no audio chunk follows it.
func (s *Session) OnCancel() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	stream := s.stream
	s.mu.Unlock()

	s.abortInflight()
	if stream != nil {
		if err := stream.Clear(); err != nil {
			slog.Debug("stt clear failed", "session_id", s.id, "error", err)
		}
	}

	s.send(protocol.NewCancelled())
	s.setState(protocol.StateListening)
}

// OnReset aborts in-flight work like OnCancel, truncates the conversation to
// the system prompt, acknowledges with a reset frame, and replays the
// greeting so the client hears a fresh opening. A client that never sent
// audio_ready cannot play audio yet, so the replay waits for OnAudioReady.
func (s *Session) OnReset() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	stream := s.stream
	greeted := s.greeted
	s.mu.Unlock()

	s.abortInflight()
	if stream != nil {
		if err := stream.Clear(); err != nil {
			slog.Debug("stt clear failed", "session_id", s.id, "error", err)
		}
	}

	s.transcript.Reset()
	s.send(protocol.NewResetAck())
	s.setState(protocol.StateListening)
	slog.Info("session reset", "session_id", s.id)

	if !greeted {
		return
	}
	sp, ok := s.beginSpeech(s.ctx)
	if !ok {
		return
	}
	s.send(protocol.NewGreeting(s.greeting))
	go s.relayTTS(sp, s.greeting)
}

// ─── STT plumbing ───

// connectSTT dials the STT provider and hands the stream to a relay
// goroutine. Dial failure is fatal for speech input but not for the session:
// the client is told and may keep using the connection.
func (s *Session) connectSTT() {
	ctx, cancel := context.WithTimeout(s.ctx, protocol.STTConnectTimeout)
	defer cancel()

	stream, err := s.sttP.StartStream(ctx, stt.StreamConfig{
		SampleRate: protocol.STTSampleRate,
		Prompt:     s.agent.Prompt,
	})
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		slog.Error("stt connect failed", "session_id", s.id, "error", err)
		if s.metrics != nil {
			s.metrics.RecordProviderError(s.ctx, "stt", "connect")
		}
		s.setState(protocol.StateError)
		s.send(protocol.NewError(protocol.ErrMsgSTTConnect))
		return
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		_ = stream.Close()
		return
	}
	s.stream = stream
	s.mu.Unlock()

	s.setState(protocol.StateReady)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relaySTT(stream)
	}()
}

// relaySTT pumps the stream's events until both channels close: interim
// transcripts go straight to the client, end-of-turn transcripts start turns.
// Session shutdown exits the loop directly so a stream that never closes its
// channels cannot wedge Stop.
func (s *Session) relaySTT(stream stt.Stream) {
	transcripts, turns := stream.Transcripts(), stream.Turns()
	for transcripts != nil || turns != nil {
		select {
		case <-s.ctx.Done():
			return
		case t, ok := <-transcripts:
			if !ok {
				transcripts = nil
				continue
			}
			s.send(protocol.NewTranscript(t.Text, t.Final))
		case text, ok := <-turns:
			if !ok {
				turns = nil
				continue
			}
			s.startTurn(text)
		}
	}
	s.handleStreamEnd(stream.Err())
}

// handleStreamEnd reacts to the STT stream going away. The first drop gets
// one background reconnect; after that the session stays up for the frames
// already in flight but speech input is gone.
func (s *Session) handleStreamEnd(err error) {
	s.mu.Lock()
	if s.stopped {
		s.stream = nil
		s.mu.Unlock()
		return
	}
	s.stream = nil
	attempt := s.reconnects
	if attempt < maxSTTReconnects {
		s.reconnects++
	}
	s.mu.Unlock()

	if err != nil {
		slog.Error("stt stream dropped", "session_id", s.id, "error", err)
		if s.metrics != nil {
			s.metrics.RecordProviderError(s.ctx, "stt", "stream")
		}
		s.send(protocol.NewError(protocol.ErrMsgSTTDropped))
	} else {
		slog.Info("stt stream closed by upstream", "session_id", s.id)
	}

	if attempt >= maxSTTReconnects {
		slog.Warn("stt reconnect budget exhausted", "session_id", s.id)
		s.setState(protocol.StateError)
		return
	}

	slog.Info("reconnecting stt stream", "session_id", s.id, "attempt", attempt+1)
	if s.metrics != nil {
		s.metrics.STTReconnects.Add(s.ctx, 1)
	}
	s.setState(protocol.StateConnecting)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.connectSTT()
	}()
}

// ─── Turn lifecycle ───

// startTurn begins a turn for one end-of-turn transcript. It runs on the STT
// relay goroutine: aborting and waiting out the previous turn here keeps
// turns strictly sequential, so the transcript is only ever mutated by one
// goroutine at a time.
func (s *Session) startTurn(text string) {
	corrected := text
	if s.corrector != nil {
		var corrections []transcript.Correction
		corrected, corrections = s.corrector.Correct(text)
		for _, c := range corrections {
			slog.Debug("transcript corrected", "session_id", s.id,
				"from", c.Original, "to", c.Corrected, "confidence", c.Confidence)
		}
	}

	s.abortInflight()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan struct{})
	s.chatCancel = cancel
	s.turnDone = done
	s.wg.Add(1)
	s.mu.Unlock()

	s.send(protocol.NewTurn(corrected))
	s.setState(protocol.StateThinking)
	s.send(protocol.NewThinking())

	go func() {
		defer s.wg.Done()
		defer close(done)
		defer cancel()
		s.runTurn(ctx, corrected)
	}()
}

// runTurn executes the turn loop and speaks the result. A context error at
// any checkpoint means the turn was cancelled; the cancelling operation owns
// the next frame, so the turn exits without sending anything.
func (s *Session) runTurn(ctx context.Context, text string) {
	start := time.Now()
	res, err := s.turns.Run(ctx, text, s.transcript)
	if err != nil {
		if ctx.Err() != nil {
			s.recordTurn("cancelled")
			return
		}
		slog.Error("turn failed", "session_id", s.id, "error", err)
		s.recordTurn("error")
		s.send(protocol.NewError(protocol.ErrMsgChatFailed))
		s.setState(protocol.StateListening)
		return
	}
	if ctx.Err() != nil {
		s.recordTurn("cancelled")
		return
	}

	if s.metrics != nil {
		s.metrics.TurnDuration.Record(s.ctx, time.Since(start).Seconds())
	}
	outcome := "completed"
	if res.Text == protocol.FallbackResponse {
		outcome = "fallback"
	}
	s.recordTurn(outcome)

	s.send(protocol.NewChat(res.Text, res.Steps))
	if strings.TrimSpace(res.Text) == "" {
		// Nothing to synthesize. The client still needs the end-of-reply
		// marker to re-arm its microphone.
		s.send(protocol.NewTTSDone())
		s.setState(protocol.StateListening)
		return
	}

	sp, ok := s.beginSpeech(ctx)
	if !ok {
		return
	}
	s.relayTTS(sp, res.Text)
}

func (s *Session) recordTurn(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTurn(s.ctx, outcome)
	}
}

// ─── Synthesis ───

// beginSpeech reserves the synthesis slot, cancelling and waiting out any
// prior holder first. There is exactly one slot, so audio from two
// syntheses can never interleave; the newest reservation wins, which is the
// barge-in semantic everywhere a collision can occur. The returned slot
// must be released by relayTTS. Reports false when the session has stopped.
func (s *Session) beginSpeech(parent context.Context) (speech, bool) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return speech{}, false
		}
		if s.ttsDone == nil {
			ctx, cancel := context.WithCancel(parent)
			done := make(chan struct{})
			s.ttsCancel = cancel
			s.ttsDone = done
			s.wg.Add(1)
			s.mu.Unlock()
			return speech{ctx: ctx, cancel: cancel, done: done}, true
		}
		prevCancel := s.ttsCancel
		prevDone := s.ttsDone
		s.mu.Unlock()

		if prevCancel != nil {
			prevCancel()
		}
		<-prevDone
		// Another reserver may have won while we waited; retry.
	}
}

// clearSpeech vacates the slot if done still holds it. Runs before done is
// closed so a waiter in beginSpeech wakes to a free slot.
func (s *Session) clearSpeech(done chan struct{}) {
	s.mu.Lock()
	if s.ttsDone == done {
		s.ttsDone = nil
		s.ttsCancel = nil
	}
	s.mu.Unlock()
}

// relayTTS synthesizes text and streams the audio to the client, closing the
// slot's done channel when everything has settled. A cancelled slot exits
// silently: the cancelling operation owns the next frame.
func (s *Session) relayTTS(sp speech, text string) {
	defer s.wg.Done()
	defer close(sp.done)
	defer s.clearSpeech(sp.done)
	defer sp.cancel()

	s.setState(protocol.StateSpeaking)

	start := time.Now()
	first := true
	err := s.ttsP.Synthesize(sp.ctx, text, func(chunk []byte) {
		if first {
			first = false
			if s.metrics != nil {
				s.metrics.TTSFirstChunk.Record(sp.ctx, time.Since(start).Seconds())
			}
		}
		s.sendAudio(chunk)
	})

	if sp.ctx.Err() != nil {
		return
	}
	if err != nil {
		slog.Error("tts synthesis failed", "session_id", s.id, "error", err)
		if s.metrics != nil {
			s.metrics.RecordProviderError(s.ctx, "tts", "synthesize")
		}
		s.send(protocol.NewError(protocol.ErrMsgTTSFailed))
		s.setState(protocol.StateListening)
		return
	}

	if s.metrics != nil {
		s.metrics.TTSDuration.Record(s.ctx, time.Since(start).Seconds())
	}
	s.send(protocol.NewTTSDone())
	s.setState(protocol.StateListening)
}

// abortInflight cancels the running turn and synthesis and blocks until both
// have settled. Callers may then emit their own frame knowing nothing from
// the aborted work can trail it: the turn goroutine runs its synthesis
// inline, so once turnDone closes only a greeting relay can still hold the
// slot, and that one was reserved before this snapshot.
func (s *Session) abortInflight() {
	s.mu.Lock()
	chatCancel := s.chatCancel
	ttsCancel := s.ttsCancel
	turnDone := s.turnDone
	ttsDone := s.ttsDone
	s.mu.Unlock()

	if chatCancel != nil {
		chatCancel()
	}
	if ttsCancel != nil {
		ttsCancel()
	}
	if turnDone != nil {
		<-turnDone
	}
	if ttsDone != nil {
		<-ttsDone
	}
}

// ─── Frame and state plumbing ───

// setState applies a lifecycle transition. Violations of the canonical table
// are logged outside production and applied regardless: a stuck state is
// worse than a noisy log line.
func (s *Session) setState(next protocol.State) {
	s.mu.Lock()
	cur := s.state
	s.state = next
	s.mu.Unlock()
	if cur == next {
		return
	}
	if !cur.CanTransitionTo(next) && !s.production {
		slog.Warn("invalid state transition", "session_id", s.id, "from", cur, "to", next)
	}
	slog.Debug("session state", "session_id", s.id, "from", cur, "to", next)
}

func (s *Session) send(v any) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if err := s.transport.SendJSON(v); err != nil {
		slog.Debug("send frame failed", "session_id", s.id, "error", err)
	}
}

func (s *Session) sendAudio(chunk []byte) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}
	if err := s.transport.SendAudio(chunk); err != nil {
		slog.Debug("send audio failed", "session_id", s.id, "error", err)
	}
}
