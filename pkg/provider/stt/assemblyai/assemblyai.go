// Package assemblyai implements stt.Provider against the AssemblyAI v3
// streaming API.
//
// A stream is two upstream calls: an ephemeral token fetched over HTTPS,
// then a WebSocket carrying binary PCM16 up and JSON transcription events
// down. Tokens lapse, so the stream dials a replacement socket at 80% of the
// token lifetime and swaps it in; the stt.Stream handle stays stable across
// swaps.
package assemblyai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voceria/voceria/internal/protocol"
	"github.com/voceria/voceria/internal/resilience"
	"github.com/voceria/voceria/pkg/provider/stt"
	"github.com/voceria/voceria/pkg/types"
)

const (
	defaultBaseURL     = "https://streaming.assemblyai.com"
	defaultSpeechModel = "universal-streaming"

	// Turn detection tuning. 400ms of silence ends a turn when the model is
	// confident the utterance is complete, 1200ms ends it regardless.
	minEndOfTurnSilenceMS = 400
	maxTurnSilenceMS      = 1200

	// refreshFraction of the token lifetime elapses before a replacement
	// socket is dialed.
	refreshFraction = 0.8
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithBaseURL overrides the provider origin used for both the token endpoint
// and the streaming WebSocket.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = u
	}
}

// WithSpeechModel selects the streaming recognition model.
func WithSpeechModel(model string) Option {
	return func(p *Provider) {
		p.speechModel = model
	}
}

// WithTokenExpirySeconds sets the requested lifetime of ephemeral tokens.
func WithTokenExpirySeconds(seconds int) Option {
	return func(p *Provider) {
		p.tokenExpiry = seconds
	}
}

// WithHTTPClient replaces the HTTP client used for the token fetch and the
// WebSocket handshake.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// Provider implements stt.Provider backed by the AssemblyAI v3 streaming API.
type Provider struct {
	apiKey      string
	baseURL     string
	speechModel string
	tokenExpiry int
	httpClient  *http.Client
}

// New creates an AssemblyAI Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("assemblyai: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:      apiKey,
		baseURL:     defaultBaseURL,
		speechModel: defaultSpeechModel,
		tokenExpiry: protocol.STTTokenExpirySeconds,
		httpClient:  http.DefaultClient,
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// StartStream opens a transcription stream. The handshake (token fetch plus
// WebSocket dial) is bounded by protocol.STTConnectTimeout on top of ctx.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.Stream, error) {
	ctx, cancel := context.WithTimeout(ctx, protocol.STTConnectTimeout)
	defer cancel()

	conn, err := p.connect(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("assemblyai: connect: %w", err)
	}

	s := &stream{
		p:           p,
		cfg:         cfg,
		conn:        conn,
		transcripts: make(chan types.Transcript, 64),
		turns:       make(chan string, 16),
		audio:       make(chan []byte, 256),
		done:        make(chan struct{}),
	}
	s.readCtx, s.readCancel = context.WithCancel(context.Background())
	s.refresh = time.AfterFunc(p.refreshDelay(), s.refreshToken)

	s.wg.Add(2)
	go s.readLoop(conn, 0)
	go s.writeLoop()

	return s, nil
}

// connect performs the token fetch and WebSocket dial.
func (p *Provider) connect(ctx context.Context, cfg stt.StreamConfig) (*websocket.Conn, error) {
	token, err := p.fetchToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}
	wsURL, err := p.streamURL(token, cfg)
	if err != nil {
		return nil, fmt.Errorf("build url: %w", err)
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPClient: p.httpClient,
	})
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	return conn, nil
}

func (p *Provider) refreshDelay() time.Duration {
	return time.Duration(refreshFraction * float64(p.tokenExpiry) * float64(time.Second))
}

// tokenResponse is the body of the token endpoint.
type tokenResponse struct {
	Token string `json:"token"`
}

// statusError is a non-2xx reply from the token endpoint. Terminal for the
// retry loop: the upstream was reachable and made a decision.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("token endpoint returned %d: %s", e.code, e.body)
}

// fetchToken requests an ephemeral streaming token. Transport failures are
// retried; HTTP status failures are not.
func (p *Provider) fetchToken(ctx context.Context) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	u.Path = "/v3/token"
	q := url.Values{}
	q.Set("expires_in_seconds", strconv.Itoa(p.tokenExpiry))
	u.RawQuery = q.Encode()

	retry := resilience.RetryConfig{
		Name: "assemblyai token",
		Retryable: func(err error) bool {
			var se *statusError
			return !errors.As(err, &se)
		},
	}

	var token string
	err = resilience.Retry(ctx, retry, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", p.apiKey)

		resp, err := p.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
		}

		var tr tokenResponse
		if err := json.Unmarshal(body, &tr); err != nil {
			return fmt.Errorf("decode token response: %w", err)
		}
		if tr.Token == "" {
			return errors.New("token endpoint returned an empty token")
		}
		token = tr.Token
		return nil
	})
	return token, err
}

// streamURL constructs the WebSocket endpoint URL for the given config.
func (p *Provider) streamURL(token string, cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", err
	}
	u.Path = "/v3/ws"

	sr := cfg.SampleRate
	if sr == 0 {
		sr = protocol.STTSampleRate
	}

	q := url.Values{}
	q.Set("sample_rate", strconv.Itoa(sr))
	q.Set("speech_model", p.speechModel)
	q.Set("token", token)
	q.Set("format_turns", "true")
	q.Set("min_end_of_turn_silence_when_confident", strconv.Itoa(minEndOfTurnSilenceMS))
	q.Set("max_turn_silence", strconv.Itoa(maxTurnSilenceMS))
	if cfg.Prompt != "" {
		q.Set("prompt", cfg.Prompt)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- stream ----

// message is the JSON shape of transcription events. Transcript events carry
// text/is_final; Turn events carry transcript/turn_is_formatted.
type message struct {
	Type            string `json:"type"`
	Text            string `json:"text"`
	Transcript      string `json:"transcript"`
	IsFinal         bool   `json:"is_final"`
	TurnIsFormatted bool   `json:"turn_is_formatted"`
}

// stream is a live transcription stream. It implements stt.Stream.
type stream struct {
	p   *Provider
	cfg stt.StreamConfig

	transcripts chan types.Transcript
	turns       chan string
	audio       chan []byte
	done        chan struct{}

	readCtx    context.Context
	readCancel context.CancelFunc

	closeOnce sync.Once
	chanOnce  sync.Once
	wg        sync.WaitGroup

	mu      sync.Mutex
	conn    *websocket.Conn // nil once the stream is down
	gen     int             // bumped on every socket swap
	err     error
	refresh *time.Timer
}

// SendAudio implements stt.Stream. Audio is queued for a single writer
// goroutine; when the queue is full or the socket is gone the chunk is
// dropped — for live speech, stale audio is worse than lost audio.
func (s *stream) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return nil
	default:
	}
	select {
	case s.audio <- chunk:
	case <-s.done:
	default:
		slog.Debug("stt audio queue full, dropping chunk", "bytes", len(chunk))
	}
	return nil
}

// Clear implements stt.Stream by sending a ForceEndpoint control message,
// which makes the provider close out any in-progress utterance.
func (s *stream) Clear() error {
	conn := s.currentConn()
	if conn == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(s.readCtx, 5*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"ForceEndpoint"}`)); err != nil {
		return fmt.Errorf("assemblyai: force endpoint: %w", err)
	}
	return nil
}

// Transcripts implements stt.Stream.
func (s *stream) Transcripts() <-chan types.Transcript { return s.transcripts }

// Turns implements stt.Stream.
func (s *stream) Turns() <-chan string { return s.turns }

// Err implements stt.Stream.
func (s *stream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements stt.Stream.
func (s *stream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		if s.refresh != nil {
			s.refresh.Stop()
		}
		conn := s.conn
		s.conn = nil
		s.mu.Unlock()

		if conn != nil {
			conn.Close(websocket.StatusNormalClosure, "stream closed")
		}
		s.readCancel()
		s.wg.Wait()
	})
	return nil
}

func (s *stream) currentConn() *websocket.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

// refreshToken dials a replacement socket with a fresh token and swaps it
// in. On failure the current socket is kept; it dies when the token lapses
// and the orchestrator sees the close via Err.
func (s *stream) refreshToken() {
	select {
	case <-s.done:
		return
	default:
	}

	ctx, cancel := context.WithTimeout(s.readCtx, protocol.STTConnectTimeout)
	defer cancel()
	conn, err := s.p.connect(ctx, s.cfg)
	if err != nil {
		slog.Warn("stt token refresh failed, keeping current socket", "err", err)
		return
	}

	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return
	default:
	}
	if s.err != nil {
		s.mu.Unlock()
		conn.Close(websocket.StatusNormalClosure, "")
		return
	}
	old := s.conn
	s.conn = conn
	s.gen++
	gen := s.gen
	s.refresh = time.AfterFunc(s.p.refreshDelay(), s.refreshToken)
	s.wg.Add(1)
	s.mu.Unlock()

	go s.readLoop(conn, gen)
	if old != nil {
		old.Close(websocket.StatusNormalClosure, "token refresh")
	}
	slog.Debug("stt socket refreshed", "generation", gen)
}

// writeLoop drains the audio queue onto the current socket.
func (s *stream) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case chunk := <-s.audio:
			conn := s.currentConn()
			if conn == nil {
				continue
			}
			if err := conn.Write(s.readCtx, websocket.MessageBinary, chunk); err != nil {
				// A swap or terminal close; the read loop owns the verdict.
				slog.Debug("stt audio write failed", "err", err)
			}
		}
	}
}

// readLoop receives transcription events from one socket generation.
func (s *stream) readLoop(conn *websocket.Conn, gen int) {
	defer s.wg.Done()
	for {
		typ, data, err := conn.Read(s.readCtx)
		if err != nil {
			s.finish(gen, err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		s.dispatch(data)
	}
}

// finish decides whether a read error ends the stream. A generation that has
// been swapped out exits quietly; the current generation's error is terminal
// and closes the event channels.
func (s *stream) finish(gen int, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.conn = nil
	if s.refresh != nil {
		s.refresh.Stop()
	}
	select {
	case <-s.done:
		// Close took the socket down; not an upstream failure.
	default:
		if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
			s.err = fmt.Errorf("assemblyai: stream closed: %w", err)
		}
	}
	s.mu.Unlock()

	s.chanOnce.Do(func() {
		close(s.transcripts)
		close(s.turns)
	})
}

// dispatch routes one JSON event to the transcript or turn channel.
func (s *stream) dispatch(data []byte) {
	var m message
	if err := json.Unmarshal(data, &m); err != nil {
		slog.Debug("dropping unparsable stt message", "err", err)
		return
	}

	switch m.Type {
	case "Transcript":
		text := m.Text
		if text == "" {
			text = m.Transcript
		}
		s.emitTranscript(types.Transcript{Text: text, Final: m.IsFinal})

	case "Turn":
		text := strings.TrimSpace(m.Transcript)
		if text == "" {
			return
		}
		if !m.TurnIsFormatted {
			// The formatted version follows; show this one in the meantime.
			s.emitTranscript(types.Transcript{Text: text})
			return
		}
		select {
		case s.turns <- text:
		case <-s.done:
		}

	default:
		slog.Debug("ignoring stt message", "type", m.Type)
	}
}

func (s *stream) emitTranscript(t types.Transcript) {
	select {
	case s.transcripts <- t:
	case <-s.done:
	}
}

var (
	_ stt.Provider = (*Provider)(nil)
	_ stt.Stream   = (*stream)(nil)
)
