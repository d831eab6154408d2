package runner

import (
	"fmt"
	"strings"

	"github.com/kokino/kokino/internal/broker/store"
)

// promptSnippetLen bounds the prompt excerpt attached to telemetry.
const promptSnippetLen = 120

// buildPrompt layers the agent identity header and the inter-agent
// context block above the caller's payload.
func buildPrompt(agent *store.Agent, payload string) string {
	role, _ := agent.Metadata["role"].(string)
	if role == "" {
		role = "assistant"
	}
	systemPrompt, _ := agent.Metadata["systemPrompt"].(string)

	var b strings.Builder
	b.WriteString("[AGENT IDENTITY]\n")
	fmt.Fprintf(&b, "You are agent '%s' with role: %s.\n", agent.AgentID, role)
	if systemPrompt != "" {
		b.WriteString(systemPrompt)
		b.WriteString("\n")
	}
	b.WriteString("[END AGENT IDENTITY]\n\n")

	b.WriteString("[KOKINO CONTEXT]\n")
	b.WriteString("You are part of a multi-agent team. Use co_workers() / send_message() / post_reply().\n")
	b.WriteString("[END KOKINO CONTEXT]\n\n")

	b.WriteString(payload)
	return b.String()
}

// promptSnippet trims a prompt for event payloads.
func promptSnippet(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if len(prompt) > promptSnippetLen {
		return prompt[:promptSnippetLen]
	}
	return prompt
}
