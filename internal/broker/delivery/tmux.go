package delivery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/proc"
	"github.com/kokino/kokino/internal/broker/runner"
	"github.com/kokino/kokino/internal/broker/store"
	"github.com/kokino/kokino/internal/broker/telemetry"
)

const (
	// quietPeriod ends capture once the CLI has been silent this long
	// after producing at least some output.
	quietPeriod = 2 * time.Second

	defaultTmuxTimeout = 2 * time.Minute

	tapBufSize = 256
)

// TmuxProvider injects prompts into live pty-backed terminal sessions,
// one per agent, and captures whatever the interactive CLI prints in
// response. Terminals are started lazily on first delivery and reused.
type TmuxProvider struct {
	store     *store.Store
	telemetry *telemetry.Collector
	logger    *slog.Logger
	workDir   string

	mu        sync.Mutex
	terminals map[string]*Terminal
}

// NewTmuxProvider creates the provider. Terminals are spawned on demand.
func NewTmuxProvider(st *store.Store, tel *telemetry.Collector, logger *slog.Logger, workDir string) *TmuxProvider {
	return &TmuxProvider{
		store:     st,
		telemetry: tel,
		logger:    logger.With("component", "tmux"),
		workDir:   workDir,
		terminals: make(map[string]*Terminal),
	}
}

func (p *TmuxProvider) Mode() string { return ModeTmux }

// Deliver writes the prompt to the agent's terminal and collects output
// until the CLI goes quiet or the timeout elapses.
func (p *TmuxProvider) Deliver(ctx context.Context, req Request) (*Result, error) {
	agent, err := p.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}
	term, err := p.terminalFor(agent)
	if err != nil {
		return nil, err
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = defaultTmuxTimeout
	}

	start := time.Now()
	tap := term.Tap(tapBufSize)
	defer term.Untap(tap)

	if err := term.SendInput([]byte(req.Prompt + "\n")); err != nil {
		p.dropTerminal(req.AgentID, term)
		return nil, kinderr.Wrap(kinderr.Upstream, "terminal write failed", err)
	}

	out, err := collectUntilQuiet(ctx, tap, timeout)
	if err != nil {
		return nil, err
	}

	durationMs := time.Since(start).Milliseconds()
	p.telemetry.Record(telemetry.Event{
		Event:      telemetry.EventExecutionCompleted,
		AgentID:    req.AgentID,
		CLIKind:    agent.Kind,
		DurationMs: telemetry.Dur(durationMs),
		Success:    telemetry.Ok(true),
		Metadata:   map[string]any{"mode": ModeTmux},
	})
	return &Result{
		Response:   strings.TrimSpace(out),
		Mode:       ModeTmux,
		DurationMs: durationMs,
	}, nil
}

// collectUntilQuiet drains the tap until no output arrives for
// quietPeriod after the first chunk, or the timeout elapses. A timeout
// with zero output is an error; partial output is returned as-is.
func collectUntilQuiet(ctx context.Context, tap <-chan []byte, timeout time.Duration) (string, error) {
	var b strings.Builder
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	// The quiet timer is armed on the first chunk; until then quietC is
	// nil and only the deadline can fire.
	var quiet *time.Timer
	var quietC <-chan time.Time
	defer func() {
		if quiet != nil {
			quiet.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			if b.Len() == 0 {
				return "", kinderr.New(kinderr.Timeout, "terminal produced no output")
			}
			return b.String(), nil
		case <-quietC:
			return b.String(), nil
		case chunk, ok := <-tap:
			if !ok {
				if b.Len() == 0 {
					return "", kinderr.New(kinderr.Upstream, "terminal closed")
				}
				return b.String(), nil
			}
			b.Write(chunk)
			if quiet == nil {
				quiet = time.NewTimer(quietPeriod)
				quietC = quiet.C
				continue
			}
			if !quiet.Stop() {
				select {
				case <-quiet.C:
				default:
				}
			}
			quiet.Reset(quietPeriod)
		}
	}
}

// Terminal returns the agent's live terminal, if one is running. Used
// by the terminal WebSocket endpoint.
func (p *TmuxProvider) Terminal(agentID string) (*Terminal, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.terminals[agentID]
	return t, ok
}

// dropTerminal discards a terminal that failed mid-delivery, unless a
// replacement has already been spawned for the agent.
func (p *TmuxProvider) dropTerminal(agentID string, term *Terminal) {
	p.mu.Lock()
	if p.terminals[agentID] == term {
		delete(p.terminals, agentID)
	}
	p.mu.Unlock()
	term.Stop()
}

// StopAgent kills the agent's terminal session, if any.
func (p *TmuxProvider) StopAgent(agentID string) {
	p.mu.Lock()
	t := p.terminals[agentID]
	delete(p.terminals, agentID)
	p.mu.Unlock()
	if t != nil {
		t.Stop()
	}
}

// StopAll kills every terminal. Called at shutdown.
func (p *TmuxProvider) StopAll() {
	p.mu.Lock()
	ts := make([]*Terminal, 0, len(p.terminals))
	for _, t := range p.terminals {
		ts = append(ts, t)
	}
	p.terminals = make(map[string]*Terminal)
	p.mu.Unlock()
	for _, t := range ts {
		t.Stop()
	}
}

func (p *TmuxProvider) terminalFor(agent *store.Agent) (*Terminal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if t, ok := p.terminals[agent.AgentID]; ok && !t.Exited() {
		return t, nil
	}

	command, args, err := interactiveCommand(agent)
	if err != nil {
		return nil, err
	}
	t, err := startTerminal(agent.AgentID, command, args, p.workDir, proc.NewEnv().Build(), p.logger)
	if err != nil {
		return nil, kinderr.Wrap(kinderr.Upstream, "terminal spawn failed", err)
	}
	p.terminals[agent.AgentID] = t
	return t, nil
}

// interactiveCommand resolves the interactive (non-headless) command
// line for the agent's CLI kind.
func interactiveCommand(agent *store.Agent) (string, []string, error) {
	switch agent.Kind {
	case runner.KindClaudeCode:
		return "claude", nil, nil
	case runner.KindGemini:
		return "gemini", nil, nil
	case runner.KindDroid:
		return "droid", nil, nil
	case runner.KindMock:
		command, _ := agent.Metadata["command"].(string)
		if command == "" {
			return "", nil, kinderr.New(kinderr.Validation, "mock agent needs metadata.command")
		}
		var args []string
		if raw, ok := agent.Metadata["args"].([]any); ok {
			for _, a := range raw {
				if s, ok := a.(string); ok {
					args = append(args, s)
				}
			}
		}
		return command, args, nil
	default:
		return "", nil, kinderr.Newf(kinderr.Validation, "unknown CLI kind %q", agent.Kind)
	}
}
