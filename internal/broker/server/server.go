// Package server wires the broker together: databases, stores,
// execution pipeline, delivery providers, background loops, and the
// HTTP surface. It is reusable so other binaries can embed a broker.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/kokino/kokino/internal/broker/breaker"
	"github.com/kokino/kokino/internal/broker/config"
	"github.com/kokino/kokino/internal/broker/db"
	"github.com/kokino/kokino/internal/broker/delivery"
	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/fallback"
	"github.com/kokino/kokino/internal/broker/httpapi"
	"github.com/kokino/kokino/internal/broker/jsonl"
	"github.com/kokino/kokino/internal/broker/monitor"
	"github.com/kokino/kokino/internal/broker/proc"
	"github.com/kokino/kokino/internal/broker/runner"
	"github.com/kokino/kokino/internal/broker/session"
	"github.com/kokino/kokino/internal/broker/shadow"
	"github.com/kokino/kokino/internal/broker/store"
	"github.com/kokino/kokino/internal/broker/stream"
	"github.com/kokino/kokino/internal/broker/telemetry"
)

// Server is a fully wired broker instance. Call Serve to start
// listening; it blocks until the context is cancelled.
type Server struct {
	cfg       *config.Config
	logger    *slog.Logger
	sqlDB     *sql.DB
	store     *store.Store
	telemetry *telemetry.Collector
	sessions  *session.Manager
	stream    *stream.Monitor
	monitor   *monitor.Service
	tmux      *delivery.TmuxProvider
	server    *http.Server
}

// New builds a broker from configuration. It opens and migrates both
// databases, resets state left over from a previous run, and wires
// every component. Nothing is started until Serve.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	sqlDB, err := db.Open(cfg.DBPath())
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Migrate(sqlDB); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	st := store.New(sqlDB, logger)

	// No agent can have a live heartbeat yet; any online status in the
	// database is stale from the previous run.
	if n, err := st.MarkAllOffline(context.Background()); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("reset agent statuses: %w", err)
	} else if n > 0 {
		logger.Info("reset stale agent statuses", "count", n)
	}

	tel, err := telemetry.New(cfg.TelemetryDBPath(), logger)
	if err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("open telemetry database: %w", err)
	}

	bus := events.NewBus()
	streamMon := stream.NewMonitor(bus, tel, logger)
	sessions := session.NewManager(logger, tel, bus)
	brk := breaker.New(breaker.Config{
		FailureThreshold: cfg.Breaker.FailureThreshold,
		ResetTime:        time.Duration(cfg.Breaker.ResetTimeMs) * time.Millisecond,
	}, logger, tel, bus)
	fb := fallback.NewController()

	run := runner.New(st, sessions, proc.NewSupervisor(logger, tel),
		jsonl.New(nil, false), brk, tel, bus, logger,
		runner.Config{
			DefaultTimeout: cfg.ExecutionTimeout(),
			LockWait:       time.Duration(cfg.Execution.LockWaitMs) * time.Millisecond,
			MaxMemoryMB:    cfg.Execution.MaxMemoryMB,
			MaxCPUPercent:  cfg.Execution.MaxCPUPct,
			WorkDir:        cfg.DataDir,
		})

	headless := delivery.NewHeadlessProvider(run)
	tmux := delivery.NewTmuxProvider(st, tel, logger, cfg.DataDir)
	shadowCtl := shadow.New(st, tmux, headless, tel, bus, logger)
	router := delivery.NewRouter(st, fb, headless, tmux, shadowCtl, logger)

	mon := monitor.New(st, tel, sessions, bus, logger, monitor.Config{
		SampleInterval: time.Duration(cfg.Monitor.SampleIntervalMs) * time.Millisecond,
		AlertInterval:  time.Duration(cfg.Monitor.AlertIntervalMs) * time.Millisecond,
		RetentionDays:  cfg.Retention.TelemetryDays,
		TicketMaxAge:   time.Duration(cfg.Retention.TicketMaxAgeH) * time.Hour,
		SessionMaxAge:  time.Duration(cfg.Execution.StaleAfterMs) * time.Millisecond,
	})

	api := httpapi.New(httpapi.Deps{
		Store:     st,
		Telemetry: tel,
		Sessions:  sessions,
		Breaker:   brk,
		Fallback:  fb,
		Router:    router,
		Runner:    run,
		Shadow:    shadowCtl,
		Monitor:   streamMon,
		Tmux:      tmux,
		Bus:       bus,
		Logger:    logger,
	})

	return &Server{
		cfg:       cfg,
		logger:    logger,
		sqlDB:     sqlDB,
		store:     st,
		telemetry: tel,
		sessions:  sessions,
		stream:    streamMon,
		monitor:   mon,
		tmux:      tmux,
		server: &http.Server{
			Handler:           api.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Store exposes the operational store for embedding binaries.
func (s *Server) Store() *store.Store {
	return s.store
}

// Serve starts the broker and blocks until ctx is cancelled, then
// shuts down in dependency order: stop accepting requests, notify and
// drop WebSocket observers, stop the background loops, kill terminal
// sessions, release session locks, and close the databases.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		s.closeStores()
		return fmt.Errorf("listen tcp: %w", err)
	}

	go s.stream.Run()
	s.monitor.Start(ctx)

	shutdownDone := make(chan struct{})
	go func() {
		<-ctx.Done()
		s.logger.Info("broker shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)

		s.stream.Shutdown("broker shutting down")
		s.monitor.Stop()
		s.tmux.StopAll()
		s.sessions.EndAll()
		close(shutdownDone)
	}()

	s.logger.Info("broker listening", "addr", s.cfg.Addr)
	if err := s.server.Serve(ln); err != http.ErrServerClosed {
		s.closeStores()
		return fmt.Errorf("serve: %w", err)
	}
	<-shutdownDone

	s.closeStores()
	s.logger.Info("broker stopped")
	return nil
}

func (s *Server) closeStores() {
	if err := s.store.Checkpoint(); err != nil {
		s.logger.Warn("checkpoint failed", "error", err)
	}
	if err := s.telemetry.Close(); err != nil {
		s.logger.Warn("telemetry close failed", "error", err)
	}
	if err := s.sqlDB.Close(); err != nil {
		s.logger.Warn("database close failed", "error", err)
	}
}
