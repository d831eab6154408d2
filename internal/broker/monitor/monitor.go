// Package monitor runs the broker's background health loops: resource
// sampling for agent processes, threshold alerting, ticket expiry, and
// data retention.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/store"
	"github.com/kokino/kokino/internal/broker/telemetry"
)

// Alert thresholds. The first value warns, the second is critical.
const (
	cpuWarnPct = 80.0
	cpuCritPct = 95.0
	memWarnMB  = 1024.0
	memCritMB  = 2048.0
	errsWarn   = 5
	errsCrit   = 10
)

// Default loop intervals.
const (
	sampleInterval  = 30 * time.Second
	alertInterval   = 60 * time.Second
	cleanupInterval = 24 * time.Hour
)

// Config tunes the loop cadence and retention sweeps.
type Config struct {
	SampleInterval time.Duration // resource sampling and ticket expiry
	AlertInterval  time.Duration // threshold evaluation
	RetentionDays  int           // monitoring rows and telemetry
	TicketMaxAge   time.Duration // terminal tickets
	SessionMaxAge  time.Duration // stale active sessions
}

// DefaultConfig returns the stock cadence and retention windows.
func DefaultConfig() Config {
	return Config{
		SampleInterval: sampleInterval,
		AlertInterval:  alertInterval,
		RetentionDays:  7,
		TicketMaxAge:   7 * 24 * time.Hour,
		SessionMaxAge:  24 * time.Hour,
	}
}

// sessionReaper is the slice of the session manager the monitor needs.
type sessionReaper interface {
	CleanupStale(maxAge time.Duration) int
}

// Service owns the background loops. Start launches them; Stop waits
// for them to drain.
type Service struct {
	store     *store.Store
	telemetry *telemetry.Collector
	sessions  sessionReaper
	bus       *events.Bus
	logger    *slog.Logger
	cfg       Config

	cancel context.CancelFunc
	wg     sync.WaitGroup

	// procFor is swapped in tests to avoid touching real pids.
	procFor func(pid int32) (procSampler, error)
}

type procSampler interface {
	MemoryInfo() (*process.MemoryInfoStat, error)
	CPUPercent() (float64, error)
}

// New creates the monitoring service.
func New(st *store.Store, tel *telemetry.Collector, sessions sessionReaper, bus *events.Bus, logger *slog.Logger, cfg Config) *Service {
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = sampleInterval
	}
	if cfg.AlertInterval <= 0 {
		cfg.AlertInterval = alertInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 7
	}
	if cfg.TicketMaxAge <= 0 {
		cfg.TicketMaxAge = 7 * 24 * time.Hour
	}
	if cfg.SessionMaxAge <= 0 {
		cfg.SessionMaxAge = 24 * time.Hour
	}
	return &Service{
		store:     st,
		telemetry: tel,
		sessions:  sessions,
		bus:       bus,
		logger:    logger.With("component", "monitor"),
		cfg:       cfg,
		procFor: func(pid int32) (procSampler, error) {
			return process.NewProcess(pid)
		},
	}
}

// Start launches the sampling, alerting, expiry, and cleanup loops.
func (s *Service) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.loop(ctx, s.cfg.SampleInterval, s.sampleOnce)
	s.loop(ctx, s.cfg.AlertInterval, s.alertOnce)
	s.loop(ctx, s.cfg.SampleInterval, s.expireTicketsOnce)
	s.loop(ctx, cleanupInterval, s.cleanupOnce)
}

// Stop cancels the loops and waits for them to finish.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) loop(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	}()
}

// sampleOnce records CPU/RSS for every online agent that reported a
// pid in its metadata.
func (s *Service) sampleOnce(ctx context.Context) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		s.logger.Error("agent list failed", "error", err)
		return
	}
	for _, a := range agents {
		if a.Status != store.AgentOnline {
			continue
		}
		pid := agentPid(a)
		if pid == 0 {
			continue
		}
		proc, err := s.procFor(pid)
		if err != nil {
			s.logger.Debug("agent process gone", "agent", a.AgentID, "pid", pid)
			continue
		}
		var cpuPct, memMB float64
		if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
			memMB = float64(mem.RSS) / (1024 * 1024)
		}
		if pct, err := proc.CPUPercent(); err == nil {
			cpuPct = pct
		}
		if err := s.store.InsertMetricSample(ctx, a.AgentID, cpuPct, memMB); err != nil {
			s.logger.Error("metric sample insert failed", "agent", a.AgentID, "error", err)
		}
	}
}

// alertOnce checks the latest sample and unresolved error count of
// every agent against the thresholds and raises agent events.
func (s *Service) alertOnce(ctx context.Context) {
	agents, err := s.store.ListAgents(ctx)
	if err != nil {
		s.logger.Error("agent list failed", "error", err)
		return
	}
	for _, a := range agents {
		if m, err := s.store.LatestMetric(ctx, a.AgentID); err == nil {
			s.checkThreshold(ctx, a.AgentID, "cpu", m.CPUPct, cpuWarnPct, cpuCritPct, "%.1f%%")
			s.checkThreshold(ctx, a.AgentID, "memory", m.MemoryMB, memWarnMB, memCritMB, "%.0f MB")
		}
		if n, err := s.store.UnresolvedErrorCount(ctx, a.AgentID); err == nil {
			s.checkThreshold(ctx, a.AgentID, "errors", float64(n), errsWarn, errsCrit, "%.0f unresolved")
		}
	}
}

func (s *Service) checkThreshold(ctx context.Context, agentID, metric string, value, warn, crit float64, format string) {
	var severity string
	switch {
	case value >= crit:
		severity = store.EventError
	case value >= warn:
		severity = store.EventWarning
	default:
		return
	}

	msg := fmt.Sprintf("%s at "+format, metric, value)
	if err := s.store.InsertAgentEvent(ctx, agentID, severity, msg, store.Metadata{
		"metric": metric,
		"value":  value,
	}); err != nil {
		s.logger.Error("agent event insert failed", "agent", agentID, "error", err)
	}
	s.bus.Publish(events.AlertRaised, map[string]any{
		"agentId":  agentID,
		"severity": severity,
		"metric":   metric,
		"value":    value,
	})
	s.logger.Warn("alert raised", "agent", agentID, "severity", severity, "metric", metric, "value", value)
}

// expireTicketsOnce times out live tickets that have outlived their
// own timeout budget.
func (s *Service) expireTicketsOnce(ctx context.Context) {
	overdue, err := s.store.OverdueTickets(ctx)
	if err != nil {
		s.logger.Error("overdue ticket scan failed", "error", err)
		return
	}
	for _, ticketID := range overdue {
		if err := s.store.TimeoutTicket(ctx, ticketID); err != nil {
			s.logger.Error("ticket expiry failed", "ticket", ticketID, "error", err)
			continue
		}
		s.bus.Publish(events.TicketTimedOut, map[string]any{"ticketId": ticketID})
	}
	if len(overdue) > 0 {
		s.logger.Info("expired overdue tickets", "count", len(overdue))
	}
}

// cleanupOnce applies the retention policy across all stores.
func (s *Service) cleanupOnce(ctx context.Context) {
	if n, err := s.store.CleanupMonitoring(ctx, s.cfg.RetentionDays); err != nil {
		s.logger.Error("monitoring cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Info("monitoring rows cleaned", "deleted", n)
	}

	if n, err := s.store.CleanupTickets(ctx, s.cfg.TicketMaxAge); err != nil {
		s.logger.Error("ticket cleanup failed", "error", err)
	} else if n > 0 {
		s.logger.Info("tickets cleaned", "deleted", n)
	}

	if s.telemetry != nil {
		if n, err := s.telemetry.Cleanup(s.cfg.RetentionDays); err != nil {
			s.logger.Error("telemetry cleanup failed", "error", err)
		} else if n > 0 {
			s.logger.Info("telemetry rows cleaned", "deleted", n)
		}
	}

	if n := s.sessions.CleanupStale(s.cfg.SessionMaxAge); n > 0 {
		s.logger.Info("stale sessions reaped", "count", n)
	}
}

// agentPid reads the process id an agent reported at registration.
func agentPid(a *store.Agent) int32 {
	switch v := a.Metadata["pid"].(type) {
	case float64:
		return int32(v)
	case int64:
		return int32(v)
	case int:
		return int32(v)
	default:
		return 0
	}
}
