package delivery

import (
	"context"
	"log/slog"

	"github.com/kokino/kokino/internal/broker/fallback"
	"github.com/kokino/kokino/internal/broker/store"
)

// Router picks the delivery path for each request: agents in shadow
// mode go to the shadow controller, fallback overrides force the tmux
// path, everything else executes headless.
type Router struct {
	store    *store.Store
	fallback *fallback.Controller
	headless Provider
	tmux     Provider
	shadow   Provider
	logger   *slog.Logger
}

// NewRouter wires the three providers. shadow may be nil when shadow
// mode is not configured; shadow-mode agents then fall through to the
// headless path.
func NewRouter(st *store.Store, fb *fallback.Controller, headless, tmux, shadow Provider, logger *slog.Logger) *Router {
	return &Router{
		store:    st,
		fallback: fb,
		headless: headless,
		tmux:     tmux,
		shadow:   shadow,
		logger:   logger.With("component", "router"),
	}
}

// Dispatch delivers one request over the path the agent's configuration
// and the operator overrides select.
func (r *Router) Dispatch(ctx context.Context, req Request) (*Result, error) {
	agent, err := r.store.GetAgent(ctx, req.AgentID)
	if err != nil {
		return nil, err
	}

	provider := r.providerFor(agent)
	r.logger.Debug("dispatching", "agent", req.AgentID, "mode", provider.Mode())
	return provider.Deliver(ctx, req)
}

func (r *Router) providerFor(agent *store.Agent) Provider {
	if agent.DeliveryMode == store.DeliveryShadow && r.shadow != nil {
		return r.shadow
	}
	if d := r.fallback.ShouldUseTmux(agent); d.UseTmux {
		r.logger.Info("tmux fallback", "agent", agent.AgentID, "reason", d.Reason)
		return r.tmux
	}
	return r.headless
}
