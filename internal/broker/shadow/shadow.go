// Package shadow runs both delivery paths for one prompt and compares
// the outputs. Shadow mode exists to build confidence in headless
// execution while the tmux path remains the source of truth: callers
// get the tmux result, and every comparison is persisted for drill-down.
package shadow

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"golang.org/x/sync/errgroup"

	"github.com/kokino/kokino/internal/broker/delivery"
	"github.com/kokino/kokino/internal/broker/events"
	"github.com/kokino/kokino/internal/broker/id"
	"github.com/kokino/kokino/internal/broker/store"
	"github.com/kokino/kokino/internal/broker/telemetry"
)

// Controller is a delivery.Provider that fans one request out to the
// tmux and headless providers concurrently.
type Controller struct {
	store     *store.Store
	tmux      delivery.Provider
	headless  delivery.Provider
	telemetry *telemetry.Collector
	bus       *events.Bus
	logger    *slog.Logger
}

// New creates the shadow controller.
func New(st *store.Store, tmux, headless delivery.Provider, tel *telemetry.Collector, bus *events.Bus, logger *slog.Logger) *Controller {
	return &Controller{
		store:     st,
		tmux:      tmux,
		headless:  headless,
		telemetry: tel,
		bus:       bus,
		logger:    logger.With("component", "shadow"),
	}
}

func (c *Controller) Mode() string { return delivery.ModeShadow }

// Deliver runs both paths to completion, persists the comparison, and
// returns the tmux result. One side failing does not cancel the other.
// The headless side runs under a synthetic ticket id so its records
// never collide with the real delivery's.
func (c *Controller) Deliver(ctx context.Context, req Request) (*delivery.Result, error) {
	headlessReq := req
	if req.TicketID != "" {
		headlessReq.TicketID = req.TicketID + "-tmux-" + id.Suffix()
	}

	var tmuxRes, headlessRes *delivery.Result
	var tmuxErr, headlessErr error

	var g errgroup.Group
	g.Go(func() error {
		tmuxRes, tmuxErr = c.tmux.Deliver(ctx, req)
		return nil
	})
	g.Go(func() error {
		headlessRes, headlessErr = c.headless.Deliver(ctx, headlessReq)
		return nil
	})
	_ = g.Wait()

	c.record(ctx, req, tmuxRes, tmuxErr, headlessRes, headlessErr)

	if tmuxErr != nil {
		return nil, tmuxErr
	}
	out := *tmuxRes
	out.Mode = delivery.ModeShadow
	return &out, nil
}

// Request aliases the delivery request so callers need not import both
// packages.
type Request = delivery.Request

func (c *Controller) record(ctx context.Context, req Request, tmuxRes *delivery.Result, tmuxErr error, headlessRes *delivery.Result, headlessErr error) {
	row := &store.ShadowResult{
		TicketID:        req.TicketID,
		AgentID:         req.AgentID,
		TmuxSuccess:     tmuxErr == nil,
		HeadlessSuccess: headlessErr == nil,
	}
	if tmuxErr != nil {
		msg := tmuxErr.Error()
		row.TmuxError = &msg
	} else {
		resp := tmuxRes.Response
		row.TmuxResponse = &resp
		row.TmuxDurationMs = tmuxRes.DurationMs
	}
	if headlessErr != nil {
		msg := headlessErr.Error()
		row.HeadlessError = &msg
	} else {
		resp := headlessRes.Response
		row.HeadlessResponse = &resp
		row.HeadlessDurationMs = headlessRes.DurationMs
	}
	if tmuxErr == nil && headlessErr == nil {
		row.OutputMatch = Normalize(tmuxRes.Response) == Normalize(headlessRes.Response)
		row.LatencyDeltaMs = headlessRes.DurationMs - tmuxRes.DurationMs
	}

	if err := c.store.InsertShadowResult(ctx, row); err != nil {
		c.logger.Error("shadow result insert failed", "agent", req.AgentID, "error", err)
	}

	// One comparison event per run; the specific anomaly events feed
	// the correctness error budget.
	c.telemetry.Record(telemetry.Event{
		Event:   telemetry.EventShadowComparison,
		AgentID: req.AgentID,
		Metadata: map[string]any{
			"ticketId":    req.TicketID,
			"outputMatch": row.OutputMatch,
		},
	})
	switch {
	case tmuxErr == nil && headlessErr == nil && !row.OutputMatch:
		c.telemetry.Record(telemetry.Event{
			Event:   telemetry.EventShadowMismatch,
			AgentID: req.AgentID,
			Metadata: map[string]any{
				"ticketId":       req.TicketID,
				"latencyDeltaMs": row.LatencyDeltaMs,
			},
		})
		c.logger.Warn("shadow mismatch", "agent", req.AgentID, "ticket", req.TicketID)
	case headlessErr != nil:
		c.telemetry.Record(telemetry.Event{
			Event:    telemetry.EventShadowHeadlessFailed,
			AgentID:  req.AgentID,
			Metadata: map[string]any{"error": headlessErr.Error()},
		})
	case tmuxErr != nil:
		c.telemetry.Record(telemetry.Event{
			Event:    telemetry.EventShadowTmuxFailed,
			AgentID:  req.AgentID,
			Metadata: map[string]any{"error": tmuxErr.Error()},
		})
	}

	c.bus.Publish(events.ShadowCompared, map[string]any{
		"agentId":         req.AgentID,
		"ticketId":        req.TicketID,
		"tmuxSuccess":     row.TmuxSuccess,
		"headlessSuccess": row.HeadlessSuccess,
		"outputMatch":     row.OutputMatch,
	})
}

// Stats returns rolling comparison aggregates.
func (c *Controller) Stats(ctx context.Context, agentID string, window time.Duration) (*store.ShadowStats, error) {
	return c.store.GetShadowStats(ctx, agentID, window)
}

// Mismatches lists comparisons where both sides succeeded but outputs
// diverged.
func (c *Controller) Mismatches(ctx context.Context, agentID string, limit int) ([]*store.ShadowResult, error) {
	return c.store.ListShadowMismatches(ctx, agentID, limit)
}

// Normalize prepares a response for comparison: lowercase, trimmed,
// runs of whitespace collapsed to single spaces. Interactive output
// carries prompts, echoes and wrapping that headless output does not,
// so exact equality would flag every run.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	inSpace := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}
