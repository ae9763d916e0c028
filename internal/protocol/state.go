package protocol

// State identifies a session's position in its lifecycle.
type State string

const (
	// StateConnecting means the STT upstream is not yet established.
	StateConnecting State = "connecting"

	// StateReady means the session is established but idle.
	StateReady State = "ready"

	// StateListening means audio is flowing and no turn is running.
	StateListening State = "listening"

	// StateThinking means a turn is executing (LLM and tools).
	StateThinking State = "thinking"

	// StateSpeaking means TTS audio is streaming to the client.
	StateSpeaking State = "speaking"

	// StateError means the last operation failed; the session survives.
	StateError State = "error"
)

// transitions is the canonical table of permitted state changes. Any change
// not listed here is an invariant violation: it is logged outside production
// and applied regardless.
var transitions = map[State][]State{
	StateConnecting: {StateReady, StateError},
	StateReady:      {StateListening, StateError, StateConnecting},
	StateListening:  {StateThinking, StateSpeaking, StateError, StateConnecting},
	StateThinking:   {StateSpeaking, StateListening, StateError, StateConnecting},
	StateSpeaking:   {StateListening, StateThinking, StateError, StateConnecting},
	StateError:      {StateConnecting, StateReady},
}

// IsValid reports whether s is a known session state.
func (s State) IsValid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransitionTo reports whether the change s → next is in the canonical
// transition table. Self-transitions are permitted.
func (s State) CanTransitionTo(next State) bool {
	if s == next {
		return true
	}
	for _, allowed := range transitions[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// String returns the wire name of the state.
func (s State) String() string { return string(s) }
