// Package config provides the configuration schema for the Voceria server:
// process settings and upstream credentials from the environment, and the
// agent definition from an optional YAML file.
package config

import (
	"log/slog"

	"github.com/voceria/voceria/internal/protocol"
)

// LogLevel controls log verbosity for the Voceria server.
type LogLevel string

const (
	LogDebug    LogLevel = "debug"
	LogInfo     LogLevel = "info"
	LogWarn     LogLevel = "warn"
	LogError    LogLevel = "error"
	LogCritical LogLevel = "critical"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError, LogCritical:
		return true
	}
	return false
}

// SlogLevel maps l onto the slog level scale. Critical sits above error so a
// critical-only handler stays quiet for ordinary failures.
func (l LogLevel) SlogLevel() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	case LogCritical:
		return slog.LevelError + 4
	default:
		return slog.LevelInfo
	}
}

// LLMBackend selects the chat-completion backend implementation.
type LLMBackend string

const (
	// BackendGateway posts to an OpenAI-compatible /chat/completions gateway.
	BackendGateway LLMBackend = "gateway"

	// BackendAnyLLM routes through any-llm-go's multi-provider interface;
	// the concrete provider is named in LLMConfig.Provider.
	BackendAnyLLM LLMBackend = "anyllm"
)

// IsValid reports whether b is a recognised LLM backend.
func (b LLMBackend) IsValid() bool {
	return b == BackendGateway || b == BackendAnyLLM
}

// MCPTransport selects the connection mechanism for an MCP tool server.
type MCPTransport string

const (
	// MCPStdio spawns a subprocess and communicates over stdin/stdout.
	MCPStdio MCPTransport = "stdio"

	// MCPStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	MCPStreamableHTTP MCPTransport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t MCPTransport) IsValid() bool {
	return t == MCPStdio || t == MCPStreamableHTTP
}

// Config is the root configuration structure for Voceria.
// [Default] produces a runnable config given the two upstream API keys;
// [Load] overlays a YAML file and the environment on top of it.
type Config struct {
	Server ServerConfig `yaml:"server"`
	STT    STTConfig    `yaml:"stt"`
	TTS    TTSConfig    `yaml:"tts"`
	LLM    LLMConfig    `yaml:"llm"`
	Agent  AgentConfig  `yaml:"agent"`
	MCP    MCPConfig    `yaml:"mcp"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// Port is the TCP port the HTTP server listens on. Env: PORT.
	Port int `yaml:"port"`

	// LogLevel controls verbosity. Env: LOG_LEVEL.
	LogLevel LogLevel `yaml:"log_level"`

	// Env names the deployment environment. "production" silences
	// state-transition violation warnings. Env: ENV.
	Env string `yaml:"env"`
}

// Production reports whether the server runs in production mode.
func (s ServerConfig) Production() bool { return s.Env == "production" }

// STTConfig holds the speech-to-text upstream settings.
type STTConfig struct {
	// APIKey authenticates the token fetch. Env: ASSEMBLYAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL is the provider origin for both the token endpoint and the
	// streaming WebSocket.
	BaseURL string `yaml:"base_url"`

	// SpeechModel selects the streaming recognition model.
	SpeechModel string `yaml:"speech_model"`

	// TokenExpirySeconds is the requested ephemeral token lifetime.
	TokenExpirySeconds int `yaml:"token_expiry_seconds"`
}

// TTSConfig holds the text-to-speech upstream settings and decoding knobs
// sent in the synthesis configuration frame.
type TTSConfig struct {
	// APIKey is sent as "Authorization: Api-Key <key>". Env: BASETEN_API_KEY.
	APIKey string `yaml:"api_key"`

	// URL is the synthesis WebSocket endpoint.
	URL string `yaml:"url"`

	// Voice is the default voice identifier; the agent may override it.
	Voice string `yaml:"voice"`

	MaxTokens         int     `yaml:"max_tokens"`
	BufferSize        int     `yaml:"buffer_size"`
	RepetitionPenalty float64 `yaml:"repetition_penalty"`
	Temperature       float64 `yaml:"temperature"`
	TopP              float64 `yaml:"top_p"`
}

// LLMConfig holds the chat-completion backend settings.
type LLMConfig struct {
	// Backend selects the implementation: "gateway" (default) or "anyllm".
	Backend LLMBackend `yaml:"backend"`

	// Provider names the any-llm-go provider when Backend is "anyllm"
	// (e.g. "ollama", "anthropic", "groq"). Ignored by the gateway backend.
	Provider string `yaml:"provider"`

	// APIKey is the Bearer token. Env: LLM_API_KEY (or OPENAI_API_KEY).
	APIKey string `yaml:"api_key"`

	// BaseURL is the gateway origin. Env: LLM_BASE_URL.
	BaseURL string `yaml:"base_url"`

	// Model is the completion model. Env: LLM_MODEL.
	Model string `yaml:"model"`

	// MaxTokens caps a single completion. Default 300.
	MaxTokens int `yaml:"max_tokens"`
}

// AgentConfig describes the single agent served by this deployment.
type AgentConfig struct {
	// Name is the agent's display name (used in logs and the system prompt).
	Name string `yaml:"name"`

	// Instructions is an agent-specific suffix appended to the platform's
	// default system instructions.
	Instructions string `yaml:"instructions"`

	// Greeting is spoken once the client reports audio_ready.
	Greeting string `yaml:"greeting"`

	// Voice overrides the platform TTS voice for this agent.
	Voice string `yaml:"voice"`

	// Prompt biases the STT model towards expected phrases.
	Prompt string `yaml:"prompt"`

	// Vocabulary lists proper nouns for phonetic transcript correction.
	// When empty, terms are derived from Prompt.
	Vocabulary []string `yaml:"vocabulary"`

	// BuiltinTools names the enabled built-in tools.
	BuiltinTools []string `yaml:"builtin_tools"`

	// Secrets are opaque values exposed to tool handlers through their
	// invocation context. Each invocation receives its own copy.
	Secrets map[string]string `yaml:"secrets"`
}

// MCPConfig holds the list of Model Context Protocol servers whose tools are
// offered to the agent.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes how to connect to a single MCP tool server.
type MCPServerConfig struct {
	// Name is a unique human-readable identifier for this server (used in logs).
	Name string `yaml:"name"`

	// Transport specifies the connection mechanism.
	Transport MCPTransport `yaml:"transport"`

	// Command is the executable (with optional arguments) launched when
	// Transport is "stdio". Ignored for streamable-http transport.
	Command string `yaml:"command"`

	// URL is the MCP endpoint address used when Transport is "streamable-http".
	// Ignored for stdio transport.
	URL string `yaml:"url"`

	// Token is an optional static Bearer token for streamable-http servers.
	Token string `yaml:"token"`

	// Env holds additional environment variables injected into the subprocess
	// when Transport is "stdio". May be nil.
	Env map[string]string `yaml:"env"`
}

// Default returns a Config with every default applied. The result is runnable
// once the STT and TTS API keys are supplied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:     3000,
			LogLevel: LogInfo,
		},
		STT: STTConfig{
			BaseURL:            "https://streaming.assemblyai.com",
			SpeechModel:        "universal-streaming",
			TokenExpirySeconds: protocol.STTTokenExpirySeconds,
		},
		TTS: TTSConfig{
			URL:               "wss://model-orpheus.api.baseten.co/v1/websocket",
			Voice:             "tara",
			MaxTokens:         2000,
			BufferSize:        10,
			RepetitionPenalty: 1.1,
			Temperature:       0.4,
			TopP:              0.9,
		},
		LLM: LLMConfig{
			Backend:   BackendGateway,
			BaseURL:   "https://api.openai.com/v1",
			Model:     "gpt-4o-mini",
			MaxTokens: protocol.DefaultMaxTokens,
		},
		Agent: AgentConfig{
			Name:     "assistant",
			Greeting: protocol.DefaultGreeting,
		},
	}
}
