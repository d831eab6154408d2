// Package delivery routes prompts to agents over one of two paths:
// headless CLI execution via the runner, or injection into a live
// pty-backed terminal session. The router picks the path from the
// agent's configured delivery mode and the operator fallback switches.
package delivery

import (
	"context"
	"time"
)

// Delivery modes as reported in results and events.
const (
	ModeHeadless = "headless"
	ModeTmux     = "tmux"
	ModeShadow   = "shadow"
)

// Request is one prompt to deliver to an agent.
type Request struct {
	AgentID string
	Prompt  string
	// Timeout bounds the delivery; zero uses the provider default.
	Timeout time.Duration
	// ConversationID pins the conversation; empty continues the most
	// recent one. Honored by the headless path only.
	ConversationID string
	// TicketID links the delivery to a ticket for event payloads.
	TicketID string
}

// Result is the outcome of one delivery.
type Result struct {
	Response       string `json:"response"`
	Mode           string `json:"mode"`
	DurationMs     int64  `json:"durationMs"`
	ConversationID string `json:"conversationId,omitempty"`
	SessionID      string `json:"sessionId,omitempty"`
}

// Provider delivers prompts over one transport.
type Provider interface {
	Mode() string
	Deliver(ctx context.Context, req Request) (*Result, error)
}
