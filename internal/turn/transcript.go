// Package turn implements the bounded tool-calling loop that converts one
// user utterance into the assistant's spoken reply, and the conversation
// transcript the loop reads and extends.
package turn

import (
	"sync"

	"github.com/voceria/voceria/pkg/types"
)

// Transcript is a session's ordered conversation history. The first message
// is always the system prompt; Reset truncates back to it. Access is
// serialized by the orchestrator's single-turn invariant, but the container
// locks anyway so a reset racing a cancelled turn's tail writes stays safe.
type Transcript struct {
	mu       sync.Mutex
	system   string
	messages []types.Message
}

// NewTranscript returns a transcript seeded with the system prompt.
func NewTranscript(system string) *Transcript {
	return &Transcript{
		system:   system,
		messages: []types.Message{{Role: types.RoleSystem, Content: system}},
	}
}

// Append adds messages to the end of the transcript.
func (t *Transcript) Append(msgs ...types.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msgs...)
}

// Messages returns a snapshot copy of the conversation, oldest first.
func (t *Transcript) Messages() []types.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.Message, len(t.messages))
	copy(out, t.messages)
	return out
}

// Len returns the number of messages including the system prompt.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.messages)
}

// Reset truncates the conversation back to the system prompt.
func (t *Transcript) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = []types.Message{{Role: types.RoleSystem, Content: t.system}}
}
