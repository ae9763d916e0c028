package config

import "slices"

// Diff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; transport and
// credential changes require a restart and are deliberately ignored.
type Diff struct {
	// AgentChanged is true when any agent field differs. New sessions pick up
	// the new agent; live sessions keep their snapshot.
	AgentChanged bool

	// TTSTuningChanged is true when a TTS decoding knob or the default voice
	// differs. Applies to synthesis configs sent after the reload.
	TTSTuningChanged bool

	LogLevelChanged bool
	NewLogLevel     LogLevel
}

// Any reports whether the diff carries at least one change.
func (d Diff) Any() bool {
	return d.AgentChanged || d.TTSTuningChanged || d.LogLevelChanged
}

// Compare returns what changed between old and new.
func Compare(old, new *Config) Diff {
	d := Diff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if !agentEqual(old.Agent, new.Agent) {
		d.AgentChanged = true
	}

	if old.TTS.Voice != new.TTS.Voice ||
		old.TTS.MaxTokens != new.TTS.MaxTokens ||
		old.TTS.BufferSize != new.TTS.BufferSize ||
		old.TTS.RepetitionPenalty != new.TTS.RepetitionPenalty ||
		old.TTS.Temperature != new.TTS.Temperature ||
		old.TTS.TopP != new.TTS.TopP {
		d.TTSTuningChanged = true
	}

	return d
}

// agentEqual compares two agent configs field by field.
func agentEqual(a, b AgentConfig) bool {
	return a.Name == b.Name &&
		a.Instructions == b.Instructions &&
		a.Greeting == b.Greeting &&
		a.Voice == b.Voice &&
		a.Prompt == b.Prompt &&
		slices.Equal(a.Vocabulary, b.Vocabulary) &&
		slices.Equal(a.BuiltinTools, b.BuiltinTools)
}
