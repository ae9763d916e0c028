// Package baseten provides a tts.Provider backed by a Baseten-hosted Orpheus
// model over its streaming WebSocket API.
//
// The upstream protocol is one-shot: each connection carries exactly one
// utterance. The client sends a JSON configuration frame, then each word of
// the text as its own frame, then the literal terminator "__END__"; the
// server streams back binary PCM16 chunks and closes. Because connects are
// on the first-audio-latency path, the provider keeps one warm connection
// ready and re-warms after every synthesis.
package baseten

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/voceria/voceria/pkg/provider/tts"
)

const (
	defaultVoice             = "tara"
	defaultMaxTokens         = 2000
	defaultBufferSize        = 10
	defaultRepetitionPenalty = 1.1
	defaultTemperature       = 0.4
	defaultTopP              = 0.9

	// terminator ends the word stream of an utterance.
	terminator = "__END__"

	// connectTimeout bounds warm dials, which have no caller context.
	connectTimeout = 10 * time.Second
)

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithVoice selects the voice identifier sent in the configuration frame.
func WithVoice(voice string) Option {
	return func(p *Provider) { p.voice = voice }
}

// WithMaxTokens caps the audio tokens generated per utterance.
func WithMaxTokens(n int) Option {
	return func(p *Provider) { p.maxTokens = n }
}

// WithBufferSize sets the server-side chunk buffering.
func WithBufferSize(n int) Option {
	return func(p *Provider) { p.bufferSize = n }
}

// WithRepetitionPenalty tunes decoding against repeated audio tokens.
func WithRepetitionPenalty(v float64) Option {
	return func(p *Provider) { p.repetitionPenalty = v }
}

// WithTemperature sets the decoding temperature.
func WithTemperature(v float64) Option {
	return func(p *Provider) { p.temperature = v }
}

// WithTopP sets nucleus sampling for decoding.
func WithTopP(v float64) Option {
	return func(p *Provider) { p.topP = v }
}

// configFrame is the opening JSON frame of every utterance.
type configFrame struct {
	Voice             string  `json:"voice"`
	MaxTokens         int     `json:"max_tokens"`
	BufferSize        int     `json:"buffer_size"`
	RepetitionPenalty float64 `json:"repetition_penalty"`
	Temperature       float64 `json:"temperature"`
	TopP              float64 `json:"top_p"`
}

// pending is a warm slot: a dial that may still be in flight.
type pending struct {
	conn  *websocket.Conn
	err   error
	ready chan struct{} // closed once conn/err are set
}

// Provider implements tts.Provider against the Orpheus WebSocket protocol.
// It holds a single warm connection; the slot is handed to the caller of
// Synthesize and refilled when the synthesis returns.
type Provider struct {
	apiKey string
	url    string

	voice             string
	maxTokens         int
	bufferSize        int
	repetitionPenalty float64
	temperature       float64
	topP              float64

	mu       sync.Mutex
	warm     *pending
	disposed bool
}

// New creates a Provider and eagerly opens the first warm connection.
// apiKey and wsURL must be non-empty.
func New(apiKey, wsURL string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("baseten: apiKey must not be empty")
	}
	if wsURL == "" {
		return nil, errors.New("baseten: wsURL must not be empty")
	}
	p := &Provider{
		apiKey:            apiKey,
		url:               wsURL,
		voice:             defaultVoice,
		maxTokens:         defaultMaxTokens,
		bufferSize:        defaultBufferSize,
		repetitionPenalty: defaultRepetitionPenalty,
		temperature:       defaultTemperature,
		topP:              defaultTopP,
	}
	for _, o := range opts {
		o(p)
	}
	p.warmUp()
	return p, nil
}

// Synthesize implements tts.Provider. One warm or fresh connection is
// consumed per call; a replacement is warmed before returning.
func (p *Provider) Synthesize(ctx context.Context, text string, emit func(chunk []byte)) error {
	select {
	case <-ctx.Done():
		return nil
	default:
	}

	conn, err := p.take(ctx)
	defer p.warmUp()
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	err = p.relay(ctx, conn, text, emit)
	if ctx.Err() != nil {
		// Barge-in: the socket is torn down and the audio simply stops.
		return nil
	}
	return err
}

// Close implements tts.Provider. It disposes the pool and closes the warm
// connection, waiting out an in-flight warm dial.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return nil
	}
	p.disposed = true
	pd := p.warm
	p.warm = nil
	p.mu.Unlock()

	if pd != nil {
		<-pd.ready
		if pd.conn != nil {
			pd.conn.Close(websocket.StatusNormalClosure, "pool disposed")
		}
	}
	return nil
}

// warmUp fills the warm slot with a background dial. No-op when the slot is
// occupied or the pool is disposed.
func (p *Provider) warmUp() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disposed || p.warm != nil {
		return
	}
	pd := &pending{ready: make(chan struct{})}
	p.warm = pd

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		defer cancel()
		conn, err := p.dial(ctx)
		if err != nil {
			// Surfaces at take time as a fresh dial instead.
			slog.Debug("tts warm dial failed", "err", err)
		}
		pd.conn, pd.err = conn, err
		close(pd.ready)
	}()
}

// take claims the warm connection, waiting for its dial if still in flight,
// and falls back to a fresh dial when the slot is empty or its dial failed.
func (p *Provider) take(ctx context.Context) (*websocket.Conn, error) {
	p.mu.Lock()
	pd := p.warm
	p.warm = nil
	p.mu.Unlock()

	if pd != nil {
		select {
		case <-pd.ready:
			if pd.err == nil {
				return pd.conn, nil
			}
		case <-ctx.Done():
			// The claimed dial finishes in the background; shed its socket.
			go func() {
				<-pd.ready
				if pd.conn != nil {
					pd.conn.Close(websocket.StatusNormalClosure, "synthesis cancelled")
				}
			}()
			return nil, ctx.Err()
		}
	}
	return p.dial(ctx)
}

func (p *Provider) dial(ctx context.Context) (*websocket.Conn, error) {
	headers := http.Header{}
	headers.Set("Authorization", "Api-Key "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, p.url, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("baseten: dial: %w", err)
	}
	return conn, nil
}

// relay drives one utterance over conn: configuration frame, word frames,
// terminator, then audio until the server closes. The connection is always
// consumed, whatever the outcome.
func (p *Provider) relay(ctx context.Context, conn *websocket.Conn, text string, emit func(chunk []byte)) error {
	defer conn.Close(websocket.StatusNormalClosure, "done")

	cfg := configFrame{
		Voice:             p.voice,
		MaxTokens:         p.maxTokens,
		BufferSize:        p.bufferSize,
		RepetitionPenalty: p.repetitionPenalty,
		Temperature:       p.temperature,
		TopP:              p.topP,
	}
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("baseten: marshal config: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, cfgBytes); err != nil {
		return fmt.Errorf("baseten: send config: %w", err)
	}

	for _, word := range strings.Fields(text) {
		if err := conn.Write(ctx, websocket.MessageText, []byte(word)); err != nil {
			return fmt.Errorf("baseten: send text: %w", err)
		}
	}
	if err := conn.Write(ctx, websocket.MessageText, []byte(terminator)); err != nil {
		return fmt.Errorf("baseten: send terminator: %w", err)
	}

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusNoStatusRcvd:
				return nil
			}
			return fmt.Errorf("baseten: read audio: %w", err)
		}
		if typ != websocket.MessageBinary {
			continue
		}
		emit(data)
	}
}

var _ tts.Provider = (*Provider)(nil)
