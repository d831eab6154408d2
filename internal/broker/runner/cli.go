package runner

import (
	"github.com/google/uuid"

	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/session"
	"github.com/kokino/kokino/internal/broker/store"
)

// CLI kinds with built-in argument profiles.
const (
	KindClaudeCode = "claude-code"
	KindGemini     = "gemini"
	KindDroid      = "droid"
	// KindMock runs the command named in the agent's metadata. Used by
	// tests and local smoke runs.
	KindMock = "mock"
)

// invocation is a fully resolved CLI command line.
type invocation struct {
	command string
	args    []string
	// newSessionID is set when this invocation starts a fresh session
	// rather than resuming one.
	newSessionID string
}

// buildInvocation resolves the deterministic command line for one
// turn: non-interactive flag, inline prompt, model selector, session
// argument (resume vs fresh), and optional MCP config path from the
// agent's metadata.
func buildInvocation(agent *store.Agent, sess session.Session, prompt string) (invocation, error) {
	model, _ := agent.Metadata["model"].(string)
	mcpConfig, _ := agent.Metadata["mcpConfig"].(string)

	switch agent.Kind {
	case KindClaudeCode:
		args := []string{
			"--print",
			"--output-format", "stream-json",
			"--verbose",
			"--dangerously-skip-permissions",
		}
		if model != "" {
			args = append(args, "--model", model)
		}
		if mcpConfig != "" {
			args = append(args, "--mcp-config", mcpConfig)
		}
		inv := invocation{command: "claude"}
		if sess.HasSession {
			args = append(args, "--resume", sess.SessionID)
		} else {
			inv.newSessionID = uuid.NewString()
			args = append(args, "--session-id", inv.newSessionID)
		}
		inv.args = append(args, prompt)
		return inv, nil

	case KindGemini:
		args := []string{"--yolo"}
		if model != "" {
			args = append(args, "--model", model)
		}
		args = append(args, "--prompt", prompt)
		return invocation{command: "gemini", args: args}, nil

	case KindDroid:
		args := []string{"exec", "--output-format", "json"}
		if model != "" {
			args = append(args, "--model", model)
		}
		if sess.HasSession {
			args = append(args, "--session", sess.SessionID)
		}
		args = append(args, prompt)
		return invocation{command: "droid", args: args}, nil

	case KindMock:
		command, _ := agent.Metadata["command"].(string)
		if command == "" {
			return invocation{}, kinderr.New(kinderr.Validation, "mock agent needs metadata.command")
		}
		var args []string
		if raw, ok := agent.Metadata["args"].([]any); ok {
			for _, a := range raw {
				if s, ok := a.(string); ok {
					args = append(args, s)
				}
			}
		}
		return invocation{command: command, args: args}, nil

	default:
		return invocation{}, kinderr.Newf(kinderr.Validation, "unknown CLI kind %q", agent.Kind)
	}
}
