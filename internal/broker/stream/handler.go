package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/kokino/kokino/internal/broker/delivery"
)

const pingInterval = 30 * time.Second

// clientOp is a frame sent by an observer.
type clientOp struct {
	Op     string   `json:"op"`
	Agents []string `json:"agents,omitempty"`
	Types  []string `json:"types,omitempty"`
}

// MonitorHandler serves the observer protocol: a connected greeting,
// event frames filtered per subscriber, setFilters ops from the
// client, and a 30s ping loop that drops dead connections.
func MonitorHandler(m *Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			m.logger.Debug("ws/monitoring: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		clientID, queue := m.AddSubscriber()
		if queue == nil {
			_ = conn.Close(websocket.StatusGoingAway, "shutting down")
			return
		}
		defer m.RemoveSubscriber(clientID)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Reader: setFilters ops. Any read error ends the connection.
		go func() {
			defer cancel()
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				var op clientOp
				if err := json.Unmarshal(data, &op); err != nil {
					m.logger.Debug("ws/monitoring: bad client frame", "client", clientID, "error", err)
					continue
				}
				if op.Op == "setFilters" {
					m.SetFilters(clientID, Filters{Agents: op.Agents, Types: op.Types})
				}
			}
		}()

		ping := time.NewTicker(pingInterval)
		defer ping.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
				err := conn.Ping(pingCtx)
				pingCancel()
				if err != nil {
					m.logger.Debug("ws/monitoring: ping failed", "client", clientID)
					return
				}
			case frame, ok := <-queue:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "dropped")
					return
				}
				data, err := json.Marshal(frame)
				if err != nil {
					m.logger.Error("ws/monitoring: marshal failed", "error", err)
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					return
				}
				if frame.Type == FrameShutdown {
					_ = conn.Close(websocket.StatusGoingAway, "shutting down")
					return
				}
			}
		}
	})
}

// TerminalHandler streams live pty output for one agent's tmux
// terminal. Binary frames carry raw terminal bytes; the screen
// snapshot is replayed first so late watchers see the current state.
// Text frames from the client are written to the pty as input.
func TerminalHandler(tmux *delivery.TmuxProvider, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agentID := chi.URLParam(r, "agentID")
		term, ok := tmux.Terminal(agentID)
		if !ok {
			http.Error(w, "no terminal for agent", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Debug("ws/terminal: accept failed", "error", err)
			return
		}
		defer func() { _ = conn.CloseNow() }()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		if snap := term.ScreenSnapshot(); len(snap) > 0 {
			if err := conn.Write(ctx, websocket.MessageBinary, snap); err != nil {
				return
			}
		}

		tap := term.Tap(256)
		defer term.Untap(tap)

		// Reader: client keystrokes go to the pty.
		go func() {
			defer cancel()
			for {
				_, data, err := conn.Read(ctx)
				if err != nil {
					return
				}
				if err := term.SendInput(data); err != nil {
					return
				}
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-tap:
				if !ok {
					_ = conn.Close(websocket.StatusGoingAway, "terminal closed")
					return
				}
				if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
					return
				}
			}
		}
	})
}
