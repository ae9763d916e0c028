// Package app wires the Voceria subsystems into a running server.
//
// The App struct owns the full lifecycle: New constructs and connects all
// subsystems, Run serves traffic until the context is cancelled, and
// Shutdown tears everything down in reverse-init order.
//
// For testing, inject doubles via functional options (WithLLM, WithSTT,
// WithTTSFactory). When an option is not provided, New builds the real
// implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/voceria/voceria/internal/config"
	"github.com/voceria/voceria/internal/health"
	"github.com/voceria/voceria/internal/observe"
	"github.com/voceria/voceria/internal/resilience"
	"github.com/voceria/voceria/internal/server"
	"github.com/voceria/voceria/internal/session"
	"github.com/voceria/voceria/internal/tool"
	"github.com/voceria/voceria/internal/transcript"
	"github.com/voceria/voceria/internal/turn"
	"github.com/voceria/voceria/pkg/provider/llm"
	"github.com/voceria/voceria/pkg/provider/llm/anyllm"
	"github.com/voceria/voceria/pkg/provider/llm/openai"
	"github.com/voceria/voceria/pkg/provider/stt"
	"github.com/voceria/voceria/pkg/provider/stt/assemblyai"
	"github.com/voceria/voceria/pkg/provider/tts"
	"github.com/voceria/voceria/pkg/provider/tts/baseten"
	"github.com/voceria/voceria/pkg/types"
)

// TTSFactory builds the synthesis backend for one session. Sessions own and
// close their provider, so each gets a fresh instance; voice is the agent's
// override or the configured default.
type TTSFactory func(cfg *config.Config, voice string) (tts.Provider, error)

// App owns all subsystem lifetimes.
type App struct {
	breaker *resilience.CircuitBreaker

	llm        llm.Provider
	stt        stt.Provider
	ttsFactory TTSFactory

	metrics  *observe.Metrics
	registry *tool.Registry
	builtins *tool.BuiltinHost
	mcp      *tool.MCPConnections
	manager  *session.Manager
	server   *server.Server
	watcher  *config.Watcher

	// levelVar, when set, is retuned on config reloads.
	levelVar *slog.LevelVar

	// configPath enables file watching when non-empty. pollInterval, when
	// non-zero, overrides the watcher default.
	configPath   string
	pollInterval time.Duration

	// mu guards current, the config snapshot new sessions read. Live
	// sessions keep the snapshot they were built from.
	mu      sync.Mutex
	current *config.Config

	// closers run in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithLLM injects a chat-completion backend instead of building one from
// config. The circuit breaker is not applied to injected providers.
func WithLLM(p llm.Provider) Option {
	return func(a *App) { a.llm = p }
}

// WithSTT injects a speech-to-text provider.
func WithSTT(p stt.Provider) Option {
	return func(a *App) { a.stt = p }
}

// WithTTSFactory injects the per-session synthesis factory.
func WithTTSFactory(f TTSFactory) Option {
	return func(a *App) { a.ttsFactory = f }
}

// WithMetrics injects a metrics set instead of the process-wide default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevelVar hands the App the handler's level so config reloads can
// retune verbosity at runtime.
func WithLogLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.levelVar = v }
}

// WithConfigFile enables hot reloading of the named config file. Agent and
// TTS-tuning changes apply to new sessions; log-level changes apply
// immediately when WithLogLevelVar is also set.
func WithConfigFile(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithConfigPollInterval overrides the watcher's polling interval.
func WithConfigPollInterval(d time.Duration) Option {
	return func(a *App) { a.pollInterval = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New wires all subsystems together. cfg must already be validated (Load
// does this). Initialisation is synchronous except for MCP tool discovery
// failures, which are logged and skipped so the server still comes up.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		current: cfg,
		manager: session.NewManager(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. LLM backend ───────────────────────────────────────────────────
	if err := a.initLLM(cfg); err != nil {
		return nil, fmt.Errorf("app: init llm: %w", err)
	}

	// ── 2. Speech providers ──────────────────────────────────────────────
	if err := a.initSpeech(cfg); err != nil {
		return nil, fmt.Errorf("app: init speech: %w", err)
	}

	// ── 3. Tool surface ──────────────────────────────────────────────────
	a.initTools(ctx, cfg)

	// ── 4. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return nil, fmt.Errorf("app: init watcher: %w", err)
	}

	// ── 5. HTTP server ───────────────────────────────────────────────────
	a.server = server.New(server.Config{
		Port:       cfg.Server.Port,
		Manager:    a.manager,
		NewSession: a.newSession,
		Health:     a.healthHandler(),
		Metrics:    a.metrics,
	})

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initLLM builds the configured completion backend and guards it with a
// circuit breaker so a dead gateway fails fast instead of stalling turns.
func (a *App) initLLM(cfg *config.Config) error {
	if a.llm != nil {
		return nil
	}

	var (
		p   llm.Provider
		err error
	)
	switch cfg.LLM.Backend {
	case config.BackendAnyLLM:
		var opts []anyllmlib.Option
		if cfg.LLM.APIKey != "" {
			opts = append(opts, anyllmlib.WithAPIKey(cfg.LLM.APIKey))
		}
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(cfg.LLM.BaseURL))
		}
		p, err = anyllm.New(cfg.LLM.Provider, cfg.LLM.Model, opts...)
	default:
		var opts []openai.Option
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.LLM.BaseURL))
		}
		p, err = openai.New(cfg.LLM.APIKey, cfg.LLM.Model, opts...)
	}
	if err != nil {
		return err
	}

	a.breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "llm"})
	a.llm = llm.Guard(p, a.breaker)
	slog.Info("llm backend ready", "backend", cfg.LLM.Backend, "model", cfg.LLM.Model)
	return nil
}

// initSpeech builds the STT provider (shared; one stream per session) and
// the TTS factory (one provider per session, closed by the session).
func (a *App) initSpeech(cfg *config.Config) error {
	if a.stt == nil {
		p, err := assemblyai.New(cfg.STT.APIKey,
			assemblyai.WithBaseURL(cfg.STT.BaseURL),
			assemblyai.WithSpeechModel(cfg.STT.SpeechModel),
			assemblyai.WithTokenExpirySeconds(cfg.STT.TokenExpirySeconds),
		)
		if err != nil {
			return err
		}
		a.stt = p
	}

	if a.ttsFactory == nil {
		a.ttsFactory = func(cfg *config.Config, voice string) (tts.Provider, error) {
			return baseten.New(cfg.TTS.APIKey, cfg.TTS.URL,
				baseten.WithVoice(voice),
				baseten.WithMaxTokens(cfg.TTS.MaxTokens),
				baseten.WithBufferSize(cfg.TTS.BufferSize),
				baseten.WithRepetitionPenalty(cfg.TTS.RepetitionPenalty),
				baseten.WithTemperature(cfg.TTS.Temperature),
				baseten.WithTopP(cfg.TTS.TopP),
			)
		}
	}
	return nil
}

// initTools populates the built-in catalogue and connects MCP servers. MCP
// failures are non-fatal: the agent runs with whatever connected.
func (a *App) initTools(ctx context.Context, cfg *config.Config) {
	a.registry = tool.NewRegistry()
	a.builtins = tool.NewBuiltinHost()
	registerBuiltins(a.builtins)

	a.mcp = tool.ConnectMCP(ctx, a.registry, cfg.MCP.Servers)
	a.closers = append(a.closers, a.mcp.Close)
}

// initWatcher starts config-file polling when a path was supplied.
func (a *App) initWatcher() error {
	if a.configPath == "" {
		return nil
	}
	var opts []config.WatcherOption
	if a.pollInterval > 0 {
		opts = append(opts, config.WithInterval(a.pollInterval))
	}
	w, err := config.NewWatcher(a.configPath, a.onConfigChange, opts...)
	if err != nil {
		return err
	}
	a.watcher = w
	a.closers = append(a.closers, func() error {
		w.Stop()
		return nil
	})
	return nil
}

// onConfigChange applies a reloaded config: log level immediately, agent and
// TTS tuning to sessions created from now on.
func (a *App) onConfigChange(old, new *config.Config) {
	d := config.Compare(old, new)
	if !d.Any() {
		return
	}

	if d.LogLevelChanged && a.levelVar != nil {
		a.levelVar.Set(d.NewLogLevel.SlogLevel())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.AgentChanged || d.TTSTuningChanged {
		a.mu.Lock()
		a.current = new
		a.mu.Unlock()
		slog.Info("configuration reloaded; new sessions pick it up",
			"agent_changed", d.AgentChanged, "tts_tuning_changed", d.TTSTuningChanged)
	}
}

// snapshot returns the config new sessions are built from.
func (a *App) snapshot() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// healthHandler assembles the readiness checks.
func (a *App) healthHandler() *health.Handler {
	return health.New(
		health.Checker{
			Name: "config",
			Check: func(context.Context) error {
				return config.Validate(a.snapshot())
			},
		},
		health.Checker{
			Name: "llm",
			Check: func(context.Context) error {
				if a.breaker != nil && a.breaker.State() == resilience.StateOpen {
					return errors.New("completion circuit is open")
				}
				return nil
			},
		},
	)
}

// ─── Session factory ─────────────────────────────────────────────────────────

// newSession assembles a session for one accepted connection from the
// current config snapshot.
func (a *App) newSession(id string, transport session.Transport) *session.Session {
	cfg := a.snapshot()
	agent := cfg.Agent

	vocab := agent.Vocabulary
	if len(vocab) == 0 {
		vocab = transcript.VocabularyFromPrompt(agent.Prompt)
	}

	view := a.builtins.View(agent.BuiltinTools)
	defs := a.registry.Definitions()
	defs = append(defs, view.Definitions()...)

	turns := turn.NewExecutor(turn.Config{
		LLM:         a.llm,
		Tools:       tool.NewExecutor(a.registry, tool.WithSecrets(agent.Secrets), tool.WithMetrics(a.metrics)),
		Builtins:    view,
		Definitions: defs,
		MaxTokens:   cfg.LLM.MaxTokens,
		Metrics:     a.metrics,
	})

	voice := agent.Voice
	if voice == "" {
		voice = cfg.TTS.Voice
	}
	ttsP, err := a.ttsFactory(cfg, voice)
	if err != nil {
		// Keep the connection useful: turns still answer as chat frames,
		// synthesis reports the stored error.
		slog.Error("tts factory failed; session runs without synthesis", "session_id", id, "error", err)
		ttsP = unavailableTTS{err: err}
	}

	return session.NewSession(session.Config{
		ID:         id,
		Agent:      agent,
		Transport:  transport,
		STT:        a.stt,
		TTS:        ttsP,
		Turns:      turns,
		ToolCount:  len(defs),
		Corrector:  transcript.NewCorrector(vocab),
		Metrics:    a.metrics,
		Production: cfg.Server.Production(),
	})
}

// unavailableTTS stands in when the synthesis backend could not be built.
type unavailableTTS struct{ err error }

func (u unavailableTTS) Synthesize(context.Context, string, func([]byte)) error { return u.err }

func (unavailableTTS) Close() error { return nil }

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves traffic until ctx is cancelled or the listener fails. Callers
// follow up with Shutdown either way.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- a.server.ListenAndServe()
	}()

	slog.Info("server listening", "port", a.snapshot().Server.Port)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops traffic, stops every live session, then runs the closers in
// reverse-init order. It respects the context deadline: when ctx expires,
// remaining closers are skipped and the deadline error is joined in.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.manager.Len())

		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("server shutdown: %w", err))
		}
		if err := a.manager.StopAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop sessions: %w", err))
		}

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", i+1)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				errs = append(errs, err)
			}
		}

		slog.Info("shutdown complete")
	})
	return errors.Join(errs...)
}

// Handler exposes the assembled HTTP surface. Tests serve it in-process.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Manager exposes the session registry.
func (a *App) Manager() *session.Manager { return a.manager }

// ─── Built-in tools ──────────────────────────────────────────────────────────

// registerBuiltins fills the catalogue agents opt into by name.
func registerBuiltins(h *tool.BuiltinHost) {
	_ = h.Register(tool.Builtin{
		Definition: types.ToolDefinition{
			Name:        "get_time",
			Description: "Get the current date and time, with the weekday.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			return time.Now().Format("Monday, January 2 2006, 15:04 MST"), nil
		},
	})
}
