package context

import "strings"

// Render flattens an ordered message list into a single prompt string for
// LLM providers whose client contract is a single completion string
// (internal/llmclient.LLM), rather than a native chat-message array.
func Render(messages []Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(roleLabel(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	return b.String()
}

func roleLabel(role string) string {
	switch role {
	case RoleSystem:
		return "System"
	case RoleUser:
		return "User"
	case RoleAssistant:
		return "Assistant"
	default:
		return role
	}
}
