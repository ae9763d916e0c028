package baseten

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync"
	"testing"

	"github.com/coder/websocket"
)

// script records what the fake upstream observed across connections.
type script struct {
	mu      sync.Mutex
	configs []map[string]any
	words   [][]string
}

func (sc *script) snapshot() ([]map[string]any, [][]string) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return append([]map[string]any(nil), sc.configs...), append([][]string(nil), sc.words...)
}

// scriptHandler speaks the upstream side of the one-shot protocol: read the
// configuration frame, read words until the terminator, reply with chunks,
// close normally. Warm connections that are never used park at the first
// read and die when the client sheds them.
func scriptHandler(t *testing.T, sc *script, chunks [][]byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Api-Key test-key" {
			t.Errorf("Authorization: want \"Api-Key test-key\", got %q", got)
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			t.Errorf("accept: %v", err)
			return
		}
		ctx := r.Context()

		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		var cfg map[string]any
		if err := json.Unmarshal(data, &cfg); err != nil {
			t.Errorf("config frame: %v", err)
			return
		}

		var words []string
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if string(data) == "__END__" {
				break
			}
			words = append(words, string(data))
		}

		sc.mu.Lock()
		sc.configs = append(sc.configs, cfg)
		sc.words = append(sc.words, words)
		sc.mu.Unlock()

		for _, chunk := range chunks {
			if err := c.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
		}
		c.Close(websocket.StatusNormalClosure, "")
	}
}

func collectInto(dst *[][]byte) func([]byte) {
	return func(chunk []byte) {
		cp := make([]byte, len(chunk))
		copy(cp, chunk)
		*dst = append(*dst, cp)
	}
}

// ---- constructor tests ----

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "wss://example.test/ws"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty URL")
	}
}

// ---- synthesis tests ----

func TestSynthesize_EndToEnd(t *testing.T) {
	sc := &script{}
	srv := httptest.NewServer(scriptHandler(t, sc, [][]byte{
		[]byte("pcm-1"), []byte("pcm-2"), []byte("pcm-3"),
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL, WithVoice("zac"), WithMaxTokens(1500))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	var chunks [][]byte
	if err := p.Synthesize(context.Background(), "Hello there friend", collectInto(&chunks)); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	want := [][]byte{[]byte("pcm-1"), []byte("pcm-2"), []byte("pcm-3")}
	if !reflect.DeepEqual(chunks, want) {
		t.Errorf("chunks: want %q, got %q", want, chunks)
	}

	configs, words := sc.snapshot()
	if len(configs) != 1 {
		t.Fatalf("expected 1 configuration frame, got %d", len(configs))
	}
	cfg := configs[0]
	if cfg["voice"] != "zac" {
		t.Errorf("voice: want zac, got %v", cfg["voice"])
	}
	if cfg["max_tokens"] != float64(1500) {
		t.Errorf("max_tokens: want 1500, got %v", cfg["max_tokens"])
	}
	if cfg["buffer_size"] != float64(10) {
		t.Errorf("buffer_size: want 10, got %v", cfg["buffer_size"])
	}
	if cfg["repetition_penalty"] != 1.1 {
		t.Errorf("repetition_penalty: want 1.1, got %v", cfg["repetition_penalty"])
	}
	if cfg["temperature"] != 0.4 {
		t.Errorf("temperature: want 0.4, got %v", cfg["temperature"])
	}
	if cfg["top_p"] != 0.9 {
		t.Errorf("top_p: want 0.9, got %v", cfg["top_p"])
	}

	if len(words) != 1 || !reflect.DeepEqual(words[0], []string{"Hello", "there", "friend"}) {
		t.Errorf("words: want [Hello there friend], got %v", words)
	}
}

func TestSynthesize_ReWarmsBetweenUtterances(t *testing.T) {
	sc := &script{}
	srv := httptest.NewServer(scriptHandler(t, sc, [][]byte{[]byte("pcm")}))
	defer srv.Close()

	p, err := New("test-key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	for i := 0; i < 2; i++ {
		var chunks [][]byte
		if err := p.Synthesize(context.Background(), "Again.", collectInto(&chunks)); err != nil {
			t.Fatalf("Synthesize #%d: %v", i+1, err)
		}
		if len(chunks) != 1 {
			t.Fatalf("Synthesize #%d: want 1 chunk, got %d", i+1, len(chunks))
		}
	}

	configs, _ := sc.snapshot()
	if len(configs) != 2 {
		t.Errorf("expected 2 utterances upstream, got %d", len(configs))
	}
}

func TestSynthesize_CancelledBeforeStart(t *testing.T) {
	sc := &script{}
	srv := httptest.NewServer(scriptHandler(t, sc, nil))
	defer srv.Close()

	p, err := New("test-key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var chunks [][]byte
	if err := p.Synthesize(ctx, "never spoken", collectInto(&chunks)); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(chunks) != 0 {
		t.Errorf("expected no chunks, got %d", len(chunks))
	}
	configs, _ := sc.snapshot()
	if len(configs) != 0 {
		t.Errorf("expected no upstream utterance, got %d", len(configs))
	}
}

func TestSynthesize_CancelMidStreamResolves(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if string(data) == "__END__" {
				break
			}
		}
		if err := c.Write(ctx, websocket.MessageBinary, []byte("pcm-1")); err != nil {
			return
		}
		// Hold the utterance open; the client cancels away.
		c.Read(ctx)
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	count := 0
	err = p.Synthesize(ctx, "Hello", func(chunk []byte) {
		count++
		cancel()
	})
	if err != nil {
		t.Fatalf("cancellation must resolve, got %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 chunk before cancel, got %d", count)
	}
}

func TestSynthesize_AbnormalCloseReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if string(data) == "__END__" {
				break
			}
		}
		c.Close(websocket.StatusInternalError, "decoder fault")
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	if err := p.Synthesize(context.Background(), "Hello", func([]byte) {}); err == nil {
		t.Error("expected error for abnormal close")
	}
}

func TestSynthesize_IgnoresNonBinaryFrames(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		for {
			_, data, err := c.Read(ctx)
			if err != nil {
				return
			}
			if string(data) == "__END__" {
				break
			}
		}
		c.Write(ctx, websocket.MessageText, []byte(`{"status":"generating"}`))
		c.Write(ctx, websocket.MessageBinary, []byte("pcm-1"))
		c.Close(websocket.StatusNormalClosure, "")
	}))
	defer srv.Close()

	p, err := New("test-key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer p.Close()

	var chunks [][]byte
	if err := p.Synthesize(context.Background(), "Hello", collectInto(&chunks)); err != nil {
		t.Fatalf("Synthesize: %v", err)
	}
	if len(chunks) != 1 || string(chunks[0]) != "pcm-1" {
		t.Errorf("expected only the binary chunk, got %q", chunks)
	}
}

// ---- lifecycle tests ----

func TestClose_Idempotent(t *testing.T) {
	sc := &script{}
	srv := httptest.NewServer(scriptHandler(t, sc, nil))
	defer srv.Close()

	p, err := New("test-key", srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
