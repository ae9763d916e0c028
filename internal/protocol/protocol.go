// Package protocol defines the client ↔ server wire protocol: the JSON
// control frames exchanged over the session WebSocket, the session state
// machine, and the protocol-level defaults.
//
// Text frames in both directions are JSON objects with a "type" string field.
// Binary frames carry PCM16 audio (16-bit little-endian, mono): client →
// server at [STTSampleRate], server → client at [TTSSampleRate].
package protocol

import (
	"encoding/json"
	"fmt"
)

// ClientMessageType enumerates the control messages a client may send.
type ClientMessageType string

const (
	// ClientAudioReady signals that the browser audio pipeline is running and
	// the greeting may be spoken.
	ClientAudioReady ClientMessageType = "audio_ready"

	// ClientCancel aborts the in-flight turn and any TTS playback (barge-in).
	ClientCancel ClientMessageType = "cancel"

	// ClientReset truncates the conversation to the system prompt and replays
	// the greeting.
	ClientReset ClientMessageType = "reset"

	// ClientPing requests a pong; answered even before the session is ready.
	ClientPing ClientMessageType = "ping"
)

// IsValid reports whether t is a known client message type.
func (t ClientMessageType) IsValid() bool {
	switch t {
	case ClientAudioReady, ClientCancel, ClientReset, ClientPing:
		return true
	}
	return false
}

// ClientMessage is a parsed client control frame. Unknown fields are ignored.
type ClientMessage struct {
	Type ClientMessageType `json:"type"`
}

// ParseClientMessage decodes a client text frame. Malformed JSON returns an
// error; a well-formed frame with an unknown type parses successfully and is
// left to the caller to ignore.
func ParseClientMessage(data []byte) (ClientMessage, error) {
	var m ClientMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return ClientMessage{}, fmt.Errorf("protocol: parse client message: %w", err)
	}
	return m, nil
}

// Server → client frame types.
const (
	TypeReady      = "ready"
	TypeGreeting   = "greeting"
	TypeTranscript = "transcript"
	TypeTurn       = "turn"
	TypeThinking   = "thinking"
	TypeChat       = "chat"
	TypeTTSDone    = "tts_done"
	TypeCancelled  = "cancelled"
	TypeReset      = "reset"
	TypePong       = "pong"
	TypeError      = "error"
)

// Ready is the first frame of every session. It tells the client which sample
// rates to capture and play at.
type Ready struct {
	Type          string `json:"type"`
	SampleRate    int    `json:"sampleRate"`
	TTSSampleRate int    `json:"ttsSampleRate"`
}

// NewReady builds the ready frame with the negotiated sample rates.
func NewReady() Ready {
	return Ready{Type: TypeReady, SampleRate: STTSampleRate, TTSSampleRate: TTSSampleRate}
}

// TextFrame is a server frame carrying a single text payload.
type TextFrame struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// NewGreeting builds the greeting frame spoken after audio_ready.
func NewGreeting(text string) TextFrame {
	return TextFrame{Type: TypeGreeting, Text: text}
}

// NewTurn builds the frame announcing a completed user utterance.
func NewTurn(text string) TextFrame {
	return TextFrame{Type: TypeTurn, Text: text}
}

// Transcript is an interim or final speech recognition result.
type Transcript struct {
	Type  string `json:"type"`
	Text  string `json:"text"`
	Final bool   `json:"final"`
}

// NewTranscript builds a transcript frame.
func NewTranscript(text string, final bool) Transcript {
	return Transcript{Type: TypeTranscript, Text: text, Final: final}
}

// Chat is the assistant's reply for one turn, with the step labels recorded
// while tools ran.
type Chat struct {
	Type  string   `json:"type"`
	Text  string   `json:"text"`
	Steps []string `json:"steps"`
}

// NewChat builds a chat frame. A nil steps slice serializes as [] rather
// than null.
func NewChat(text string, steps []string) Chat {
	if steps == nil {
		steps = []string{}
	}
	return Chat{Type: TypeChat, Text: text, Steps: steps}
}

// ErrorFrame reports a non-fatal failure to the client.
type ErrorFrame struct {
	Type    string   `json:"type"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

// NewError builds an error frame.
func NewError(message string, details ...string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Message: message, Details: details}
}

// Notice is a server frame that carries no payload beyond its type.
type Notice struct {
	Type string `json:"type"`
}

// NewThinking announces that a turn is running.
func NewThinking() Notice { return Notice{Type: TypeThinking} }

// NewTTSDone announces that the current utterance finished streaming.
func NewTTSDone() Notice { return Notice{Type: TypeTTSDone} }

// NewCancelled confirms a cancel after the aborted TTS relay has settled.
func NewCancelled() Notice { return Notice{Type: TypeCancelled} }

// NewResetAck confirms a reset before the greeting is replayed.
func NewResetAck() Notice { return Notice{Type: TypeReset} }

// NewPong answers a client ping.
func NewPong() Notice { return Notice{Type: TypePong} }
