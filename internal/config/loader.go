package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load builds the effective configuration: defaults, then the YAML file at
// path (skipped when path is empty), then environment overrides, validated.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		applyEnv(cfg)
		if err := Validate(cfg); err != nil {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %q: %w", path, err)
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// loadBytes decodes data over the defaults, overlays the environment, and
// validates. Reloads through the watcher see the same precedence as [Load].
func loadBytes(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode(bytes.NewReader(data), cfg); err != nil {
		return nil, err
	}
	applyEnv(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the defaults and validates
// the result. The environment is not consulted; useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decode(r, cfg); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decode strictly parses YAML from r into cfg. Unknown fields are errors so
// typos surface at boot instead of silently using defaults.
func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return nil
}

// applyEnv overlays environment variables onto cfg. Environment values win
// over the YAML file for everything they cover; secrets are expected to come
// from the environment only.
func applyEnv(cfg *Config) {
	if v := os.Getenv("ASSEMBLYAI_API_KEY"); v != "" {
		cfg.STT.APIKey = v
	}
	if v := os.Getenv("BASETEN_API_KEY"); v != "" {
		cfg.TTS.APIKey = v
	}
	if v := os.Getenv("LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" && cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Server.Env = v
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d is out of range [1, 65535]", cfg.Server.Port))
	}
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error, critical", cfg.Server.LogLevel))
	}

	// STT
	if cfg.STT.APIKey == "" {
		errs = append(errs, errors.New("stt.api_key is required (env ASSEMBLYAI_API_KEY)"))
	}
	if cfg.STT.TokenExpirySeconds <= 0 {
		errs = append(errs, fmt.Errorf("stt.token_expiry_seconds %d must be positive", cfg.STT.TokenExpirySeconds))
	}

	// TTS
	if cfg.TTS.APIKey == "" {
		errs = append(errs, errors.New("tts.api_key is required (env BASETEN_API_KEY)"))
	}
	if cfg.TTS.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("tts.max_tokens %d must be positive", cfg.TTS.MaxTokens))
	}
	if cfg.TTS.Temperature < 0 || cfg.TTS.Temperature > 2 {
		errs = append(errs, fmt.Errorf("tts.temperature %.2f is out of range [0, 2]", cfg.TTS.Temperature))
	}
	if cfg.TTS.TopP <= 0 || cfg.TTS.TopP > 1 {
		errs = append(errs, fmt.Errorf("tts.top_p %.2f is out of range (0, 1]", cfg.TTS.TopP))
	}
	if cfg.TTS.RepetitionPenalty < 1 {
		errs = append(errs, fmt.Errorf("tts.repetition_penalty %.2f must be >= 1", cfg.TTS.RepetitionPenalty))
	}

	// LLM
	if cfg.LLM.Backend != "" && !cfg.LLM.Backend.IsValid() {
		errs = append(errs, fmt.Errorf("llm.backend %q is invalid; valid values: gateway, anyllm", cfg.LLM.Backend))
	}
	if cfg.LLM.Backend == BackendAnyLLM && cfg.LLM.Provider == "" {
		errs = append(errs, errors.New("llm.provider is required when llm.backend is anyllm"))
	}
	if cfg.LLM.Model == "" {
		errs = append(errs, errors.New("llm.model is required"))
	}
	if cfg.LLM.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("llm.max_tokens %d must be positive", cfg.LLM.MaxTokens))
	}

	// Agent
	if cfg.Agent.Name == "" {
		errs = append(errs, errors.New("agent.name is required"))
	}

	// MCP servers
	nameSeen := make(map[string]int, len(cfg.MCP.Servers))
	for i, srv := range cfg.MCP.Servers {
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if srv.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
		} else {
			if prev, ok := nameSeen[srv.Name]; ok {
				errs = append(errs, fmt.Errorf("%s.name %q is a duplicate of mcp.servers[%d]", prefix, srv.Name, prev))
			}
			nameSeen[srv.Name] = i
		}
		if srv.Transport != "" && !srv.Transport.IsValid() {
			errs = append(errs, fmt.Errorf("%s.transport %q is invalid; valid values: stdio, streamable-http", prefix, srv.Transport))
		}
		if srv.Transport == MCPStdio && srv.Command == "" {
			errs = append(errs, fmt.Errorf("%s.command is required when transport is stdio", prefix))
		}
		if srv.Transport == MCPStreamableHTTP && srv.URL == "" {
			errs = append(errs, fmt.Errorf("%s.url is required when transport is streamable-http", prefix))
		}
	}

	return errors.Join(errs...)
}
