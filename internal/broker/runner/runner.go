// Package runner executes one headless conversation turn: lock the
// agent's session, persist the user turn, spawn the CLI, parse its
// stdout, persist the assistant turn, and release the lock.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/kokino/kokino/internal/broker/breaker"
	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/jsonl"
	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/proc"
	"github.com/kokino/kokino/internal/broker/session"
	"github.com/kokino/kokino/internal/broker/store"
	"github.com/kokino/kokino/internal/broker/telemetry"
	"github.com/kokino/kokino/internal/metrics"
)

// Options tunes one execution turn.
type Options struct {
	Prompt string
	// Timeout bounds the execution; zero uses the configured default.
	Timeout time.Duration
	// ConversationID continues a specific conversation; empty continues
	// the agent's most recent one, creating it if none exists.
	ConversationID string
	Metadata       store.Metadata
}

// TurnResult is the outcome of one successful turn.
type TurnResult struct {
	Response       string       `json:"response"`
	ConversationID string       `json:"conversationId"`
	TurnID         int64        `json:"turnId"`
	SessionID      string       `json:"sessionId,omitempty"`
	DurationMs     int64        `json:"durationMs"`
	ExitCode       int          `json:"exitCode"`
	Usage          *jsonl.Usage `json:"usage,omitempty"`
	FallbackRaw    bool         `json:"fallbackRaw,omitempty"`
}

// Config bounds executions when callers do not.
type Config struct {
	DefaultTimeout time.Duration
	// LockWait bounds waiting for a contended session lock; zero uses
	// the execution timeout of the turn.
	LockWait      time.Duration
	MaxMemoryMB   int64
	MaxCPUPercent int
	WorkDir       string
}

// Runner wires the execution pipeline.
type Runner struct {
	store      *store.Store
	sessions   *session.Manager
	supervisor *proc.Supervisor
	parser     *jsonl.Parser
	breaker    *breaker.Breaker
	telemetry  *telemetry.Collector
	bus        *events.Bus
	logger     *slog.Logger
	cfg        Config
}

// New creates a runner. telemetry and bus may be nil in tests.
func New(
	st *store.Store,
	sessions *session.Manager,
	supervisor *proc.Supervisor,
	parser *jsonl.Parser,
	brk *breaker.Breaker,
	tel *telemetry.Collector,
	bus *events.Bus,
	logger *slog.Logger,
	cfg Config,
) *Runner {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	return &Runner{
		store:      st,
		sessions:   sessions,
		supervisor: supervisor,
		parser:     parser,
		breaker:    brk,
		telemetry:  tel,
		bus:        bus,
		logger:     logger.With("component", "runner"),
		cfg:        cfg,
	}
}

// ExecuteTurn runs one turn against the agent's CLI. Executions per
// agent are serialized by the session lock; the lock is released on
// every exit path.
func (r *Runner) ExecuteTurn(ctx context.Context, agentID string, opts Options) (*TurnResult, error) {
	if opts.Prompt == "" {
		return nil, kinderr.New(kinderr.Validation, "prompt is required")
	}
	agent, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	lockWait := r.cfg.LockWait
	if lockWait <= 0 {
		lockWait = timeout
	}
	sess, err := r.sessions.AcquireLock(ctx, agentID, lockWait)
	if err != nil {
		return nil, err
	}
	defer r.sessions.ReleaseLock(agentID)

	metrics.ExecutionsInFlight.Inc()
	defer metrics.ExecutionsInFlight.Dec()

	r.telemetry.Record(telemetry.Event{
		Event:    telemetry.EventExecutionStarted,
		AgentID:  agentID,
		CLIKind:  agent.Kind,
		Metadata: map[string]any{"promptSnippet": promptSnippet(opts.Prompt)},
	})
	r.bus.Publish(events.ExecutionStarted, map[string]any{
		"agentId": agentID,
		"cliKind": agent.Kind,
	})

	conv, err := r.ensureConversation(ctx, agent, opts.ConversationID)
	if err != nil {
		return nil, err
	}
	if _, err := r.store.AddTurn(ctx, conv.ConversationID, store.RoleUser, opts.Prompt, opts.Metadata); err != nil {
		return nil, err
	}
	r.bus.Publish(events.ConversationTurn, map[string]any{
		"agentId":        agentID,
		"conversationId": conv.ConversationID,
		"role":           store.RoleUser,
	})

	inv, err := buildInvocation(agent, sess, buildPrompt(agent, opts.Prompt))
	if err != nil {
		return nil, err
	}

	execCtx, cancelExec := context.WithCancel(ctx)
	defer cancelExec()
	r.sessions.RegisterCancel(agentID, cancelExec)

	start := time.Now()
	var out *proc.Outcome
	var parsed *jsonl.Result

	err = r.breaker.Execute(agentID, func() error {
		var runErr error
		out, runErr = r.supervisor.Run(execCtx, agentID, agent.Kind, proc.Spec{
			Command: inv.command,
			Args:    inv.args,
			Dir:     r.cfg.WorkDir,
			Env:     proc.NewEnv().Build(),
			Limits: proc.Limits{
				MaxMemoryMB:   r.cfg.MaxMemoryMB,
				MaxCPUPercent: r.cfg.MaxCPUPercent,
				Timeout:       timeout,
			},
		})
		if runErr != nil {
			return runErr
		}
		if out.ZombieKilled {
			return kinderr.Newf(kinderr.Timeout, "child force-killed after %s", 2*timeout)
		}
		if out.LimitExceeded {
			return kinderr.Newf(kinderr.Upstream, "child terminated: %s limit exceeded", out.LimitReason)
		}
		if out.ExitCode != 0 {
			return kinderr.Newf(kinderr.Upstream, "CLI exited %d: %s", out.ExitCode, out.Stderr)
		}
		var parseErr error
		parsed, parseErr = r.parser.Parse(out.Stdout)
		return parseErr
	})

	durationMs := time.Since(start).Milliseconds()
	if err != nil {
		r.recordFailure(ctx, agent, conv.ConversationID, err, durationMs)
		return nil, err
	}

	if parsed.FallbackRaw {
		r.telemetry.Record(telemetry.Event{
			Event:   telemetry.EventJSONLFallbackRaw,
			AgentID: agentID,
			CLIKind: agent.Kind,
		})
	}

	sessionID := parsed.SessionID
	if sessionID == "" && inv.newSessionID != "" {
		sessionID = inv.newSessionID
	}

	turnMeta := store.Metadata{
		"durationMs": durationMs,
		"exitCode":   out.ExitCode,
	}
	if sessionID != "" {
		turnMeta["sessionId"] = sessionID
	}
	turn, turnErr := r.store.AddTurn(ctx, conv.ConversationID, store.RoleAssistant, parsed.Response, turnMeta)
	if turnErr != nil {
		// The response was produced; losing the persisted copy is not
		// fatal to the caller.
		r.logger.Error("assistant turn append failed", "agent", agentID, "error", turnErr)
	} else {
		r.bus.Publish(events.ConversationTurn, map[string]any{
			"agentId":        agentID,
			"conversationId": conv.ConversationID,
			"role":           store.RoleAssistant,
		})
	}

	r.telemetry.Record(telemetry.Event{
		Event:      telemetry.EventExecutionCompleted,
		AgentID:    agentID,
		CLIKind:    agent.Kind,
		DurationMs: telemetry.Dur(durationMs),
		Success:    telemetry.Ok(true),
	})
	r.bus.Publish(events.ExecutionCompleted, map[string]any{
		"agentId":    agentID,
		"durationMs": durationMs,
	})
	metrics.ExecutionsTotal.WithLabelValues(agent.Kind, "completed").Inc()
	metrics.ExecutionDuration.WithLabelValues(agent.Kind).Observe(float64(durationMs) / 1000)

	if parsed.SessionID != "" {
		r.sessions.MarkSessionInitialized(agentID, parsed.SessionID)
	}

	res := &TurnResult{
		Response:       parsed.Response,
		ConversationID: conv.ConversationID,
		SessionID:      sessionID,
		DurationMs:     durationMs,
		ExitCode:       out.ExitCode,
		Usage:          parsed.Usage,
		FallbackRaw:    parsed.FallbackRaw,
	}
	if turn != nil {
		res.TurnID = turn.TurnID
	}
	return res, nil
}

// Cancel gracefully cancels the agent's in-flight execution.
func (r *Runner) Cancel(agentID string) error {
	return r.sessions.CancelExecution(agentID)
}

// ensureConversation picks the conversation for this turn: explicit
// id, else the agent's most recent, else a fresh one.
func (r *Runner) ensureConversation(ctx context.Context, agent *store.Agent, convID string) (*store.Conversation, error) {
	if convID != "" {
		return r.store.GetConversation(ctx, convID)
	}
	conv, err := r.store.MostRecentConversation(ctx, agent.AgentID)
	if err == nil {
		return conv, nil
	}
	if !kinderr.Is(err, kinderr.NotFound) {
		return nil, err
	}
	return r.store.CreateConversation(ctx, agent.AgentID, "", nil)
}

// recordFailure writes the user-visible system turn and failure
// telemetry for one failed execution.
func (r *Runner) recordFailure(ctx context.Context, agent *store.Agent, convID string, execErr error, durationMs int64) {
	var event, outcome, msg string
	switch {
	case errors.Is(execErr, context.Canceled):
		event = telemetry.EventExecutionCancelled
		outcome = "cancelled"
		msg = "Error: cancelled"
	case kinderr.Is(execErr, kinderr.Timeout):
		event = telemetry.EventExecutionTimeout
		outcome = "timeout"
		msg = "Error: timeout"
	case kinderr.Is(execErr, kinderr.Busy):
		// Circuit open: no execution happened, nothing to record in
		// the conversation.
		metrics.ExecutionsTotal.WithLabelValues(agent.Kind, "rejected").Inc()
		return
	default:
		event = telemetry.EventExecutionFailed
		outcome = "failed"
		msg = "Error: " + execErr.Error()
	}

	if _, err := r.store.AddTurn(ctx, convID, store.RoleSystem, msg, store.Metadata{"error": true}); err != nil {
		r.logger.Error("system turn append failed", "agent", agent.AgentID, "error", err)
	}
	if _, err := r.store.LogError(ctx, agent.AgentID, "runner", execErr.Error()); err != nil {
		r.logger.Error("error log append failed", "agent", agent.AgentID, "error", err)
	}

	r.telemetry.Record(telemetry.Event{
		Event:      event,
		AgentID:    agent.AgentID,
		CLIKind:    agent.Kind,
		DurationMs: telemetry.Dur(durationMs),
		Success:    telemetry.Ok(false),
	})
	r.bus.Publish(events.ExecutionFailed, map[string]any{
		"agentId": agent.AgentID,
		"outcome": outcome,
		"error":   execErr.Error(),
	})
	metrics.ExecutionsTotal.WithLabelValues(agent.Kind, outcome).Inc()
}
