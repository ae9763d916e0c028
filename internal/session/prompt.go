package session

import (
	"strings"

	"github.com/voceria/voceria/internal/config"
)

// defaultInstructions grounds agents that configure no instructions of their
// own. It is deliberately short: everything the model needs to know about the
// voice medium lives in [voiceRules], which is always appended.
const defaultInstructions = "You are a helpful voice assistant. Keep replies short and conversational."

// toolReminder is appended whenever the agent has tools. The final_answer
// mandate is load-bearing: completions run with tool_choice "required", so a
// model that never calls final_answer would loop until the pass cap.
const toolReminder = "You have tools available. Use them when they help answer the user. " +
	"When you have enough information to respond, you MUST call the final_answer " +
	"tool with your complete spoken reply as the answer argument. Never leave a " +
	"question unanswered because a tool failed; explain what went wrong instead."

// voiceRules closes every system prompt. Replies are synthesized and spoken,
// so anything that only works on a screen is banned outright.
const voiceRules = "Your replies are spoken aloud by a text-to-speech engine. " +
	"Write plain prose only: no markdown, no bullet points, no numbered lists, " +
	"no code blocks, no emoji. Spell out numbers and abbreviations the way a " +
	"person would say them. Never mention tool names, searching, or looking " +
	"things up; just give the answer as if you knew it."

// BuildSystemPrompt assembles the system message for a session from the agent
// definition. toolCount is the number of tool definitions the turn loop will
// offer; the final_answer mandate is only included when there is at least one,
// because tool-less completions never see a tool_choice constraint.
func BuildSystemPrompt(agent config.AgentConfig, toolCount int) string {
	var b strings.Builder

	instructions := strings.TrimSpace(agent.Instructions)
	if instructions == "" {
		instructions = defaultInstructions
	}
	if name := strings.TrimSpace(agent.Name); name != "" {
		b.WriteString("Your name is ")
		b.WriteString(name)
		b.WriteString(".\n\n")
	}
	b.WriteString(instructions)

	if toolCount > 0 {
		b.WriteString("\n\n")
		b.WriteString(toolReminder)
	}

	b.WriteString("\n\n")
	b.WriteString(voiceRules)
	return b.String()
}
