package protocol

import "time"

// Audio sample rates, fixed by the upstream providers.
const (
	// STTSampleRate is the rate of client → server microphone audio in Hz.
	STTSampleRate = 16000

	// TTSSampleRate is the rate of server → client synthesized audio in Hz.
	TTSSampleRate = 24000
)

// Turn loop limits.
const (
	// MaxToolIterations is the number of re-calls after tool execution; with
	// the initial call the loop runs at most MaxToolIterations+1 passes.
	MaxToolIterations = 3

	// ToolTimeout bounds a single tool handler invocation.
	ToolTimeout = 30 * time.Second
)

// Upstream connection limits.
const (
	// STTConnectTimeout bounds the STT token fetch plus WebSocket dial.
	STTConnectTimeout = 10 * time.Second

	// STTTokenExpirySeconds is the requested lifetime of the ephemeral STT
	// token; a refresh is scheduled at 80% of it.
	STTTokenExpirySeconds = 480
)

// DefaultMaxTokens caps a single LLM completion when the agent does not
// override it.
const DefaultMaxTokens = 300

// FallbackResponse is spoken when the LLM produces no usable text.
const FallbackResponse = "Sorry, I couldn't generate a response."

// DefaultGreeting is spoken by agents that do not configure their own.
const DefaultGreeting = "Hey there. I'm a voice assistant. What can I help you with?"

// Error frame messages surfaced to the client.
const (
	ErrMsgSTTConnect = "Failed to connect to speech recognition"
	ErrMsgSTTDropped = "Speech recognition disconnected"
	ErrMsgChatFailed = "Chat failed"
	ErrMsgTTSFailed  = "TTS synthesis failed"
)
