// Package proc spawns and supervises CLI child processes: full
// stdout/stderr capture, resource limit enforcement via periodic
// sampling, and a hard kill at twice the execution timeout.
package proc

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/kokino/kokino/internal/broker/kinderr"
	"github.com/kokino/kokino/internal/broker/telemetry"
)

// Limits bounds one supervised execution.
type Limits struct {
	MaxMemoryMB   int64
	MaxCPUPercent int
	Timeout       time.Duration
}

// Spec describes the child to spawn. Stdin is always closed for
// headless flows.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
	Limits  Limits
}

// Outcome is the result of a supervised run.
type Outcome struct {
	Stdout        []byte
	Stderr        string
	ExitCode      int
	Duration      time.Duration
	LimitExceeded bool   // terminated for breaching a resource limit
	LimitReason   string // "memory" when LimitExceeded
	ZombieKilled  bool   // force-killed at the absolute timeout
}

// sampleInterval is how often the monitor samples RSS and CPU.
const sampleInterval = 2 * time.Second

// Supervisor runs child processes to completion.
type Supervisor struct {
	logger    *slog.Logger
	telemetry *telemetry.Collector
}

// NewSupervisor creates a supervisor. telemetry may be nil in tests.
func NewSupervisor(logger *slog.Logger, tel *telemetry.Collector) *Supervisor {
	return &Supervisor{
		logger:    logger.With("component", "supervisor"),
		telemetry: tel,
	}
}

// Run spawns the child and blocks until it exits. The execution
// timeout sends SIGTERM (SIGKILL follows automatically after a 5 s
// grace); the absolute timeout at 2x force-kills immediately. Non-zero
// exits are reported in the Outcome, not as errors; the caller decides
// how to classify them.
func (s *Supervisor) Run(ctx context.Context, agentID, cliKind string, spec Spec) (*Outcome, error) {
	if spec.Limits.Timeout <= 0 {
		return nil, kinderr.New(kinderr.Validation, "execution timeout is required")
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Limits.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = spec.Env

	// SIGTERM first so the CLI can persist session state; Go sends
	// SIGKILL automatically if it lingers past WaitDelay.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = 5 * time.Second

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf
	// cmd.Stdin is left nil: the child reads from the null device.

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, kinderr.Wrap(kinderr.Upstream, "spawn "+spec.Command, err)
	}
	pid := cmd.Process.Pid

	var state struct {
		mu            sync.Mutex
		limitExceeded bool
		limitReason   string
		zombieKilled  bool
	}

	monitorDone := make(chan struct{})
	go func() {
		defer close(monitorDone)
		s.monitor(runCtx, cmd, pid, agentID, cliKind, spec.Limits, func(reason string) {
			state.mu.Lock()
			state.limitExceeded = true
			state.limitReason = reason
			state.mu.Unlock()
		})
	}()

	// Absolute backstop: nothing survives past twice the timeout.
	killTimer := time.AfterFunc(2*spec.Limits.Timeout, func() {
		state.mu.Lock()
		state.zombieKilled = true
		state.mu.Unlock()
		s.logger.Error("force-killing child past absolute timeout", "pid", pid, "agent", agentID)
		s.telemetry.Record(telemetry.Event{
			Event:   telemetry.EventZombieKilled,
			AgentID: agentID,
			CLIKind: cliKind,
		})
		_ = cmd.Process.Kill()
	})

	waitErr := cmd.Wait()
	killTimer.Stop()
	cancel()
	<-monitorDone

	duration := time.Since(start)
	state.mu.Lock()
	out := &Outcome{
		Stdout:        stdoutBuf.Bytes(),
		Stderr:        stderrBuf.String(),
		ExitCode:      cmd.ProcessState.ExitCode(),
		Duration:      duration,
		LimitExceeded: state.limitExceeded,
		LimitReason:   state.limitReason,
		ZombieKilled:  state.zombieKilled,
	}
	state.mu.Unlock()

	durationMs := duration.Milliseconds()
	if out.ExitCode == 0 && waitErr == nil {
		s.telemetry.Record(telemetry.Event{
			Event:      telemetry.EventProcessExited,
			AgentID:    agentID,
			CLIKind:    cliKind,
			DurationMs: telemetry.Dur(durationMs),
			Success:    telemetry.Ok(true),
		})
	} else {
		s.telemetry.Record(telemetry.Event{
			Event:      telemetry.EventProcessFailed,
			AgentID:    agentID,
			CLIKind:    cliKind,
			DurationMs: telemetry.Dur(durationMs),
			Success:    telemetry.Ok(false),
			Metadata:   map[string]any{"exitCode": out.ExitCode},
		})
	}

	// Limit breaches and non-zero exits surface through the Outcome.
	if out.ZombieKilled || out.LimitExceeded {
		return out, nil
	}
	if ctx.Err() != nil {
		return out, ctx.Err()
	}
	if runCtx.Err() != nil {
		return out, kinderr.Newf(kinderr.Timeout, "execution exceeded %s", spec.Limits.Timeout)
	}
	return out, nil
}

// monitor samples the child's RSS and CPU until the context ends or
// the child breaches its memory limit. Memory breaches terminate the
// child; CPU breaches only warn.
func (s *Supervisor) monitor(ctx context.Context, cmd *exec.Cmd, pid int, agentID, cliKind string, limits Limits, onBreach func(reason string)) {
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return
	}

	ticker := time.NewTicker(sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		mem, err := proc.MemoryInfo()
		if err != nil {
			// Child already exited.
			return
		}
		rssMB := int64(mem.RSS / (1024 * 1024))

		if limits.MaxMemoryMB > 0 && rssMB > limits.MaxMemoryMB {
			s.logger.Warn("memory limit exceeded, terminating child",
				"pid", pid, "agent", agentID, "rssMb", rssMB, "limitMb", limits.MaxMemoryMB)
			s.telemetry.Record(telemetry.Event{
				Event:    telemetry.EventLimitExceeded,
				AgentID:  agentID,
				CLIKind:  cliKind,
				Metadata: map[string]any{"limit": "memory", "rssMb": rssMB},
			})
			onBreach("memory")
			_ = cmd.Process.Signal(syscall.SIGTERM)
			return
		}

		if cpuPct, err := proc.CPUPercent(); err == nil {
			if limits.MaxCPUPercent > 0 && cpuPct > float64(limits.MaxCPUPercent) {
				s.logger.Warn("cpu usage above limit",
					"pid", pid, "agent", agentID, "cpuPct", cpuPct, "limitPct", limits.MaxCPUPercent)
			}
		}
	}
}
