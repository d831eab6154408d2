// Package fallback lets operators steer agents away from headless
// delivery at runtime: whole CLI kinds can be disabled, and individual
// agents can be forced onto the tmux path.
package fallback

import (
	"sync"

	"github.com/kokino/kokino/internal/broker/store"
)

// Decision explains a delivery routing choice.
type Decision struct {
	UseTmux bool   `json:"useTmux"`
	Reason  string `json:"reason"`
}

// Decision reasons.
const (
	ReasonAgentForced  = "agent_forced_tmux"
	ReasonKindDisabled = "cli_kind_disabled"
	ReasonConfigured   = "configured_mode"
)

// Controller holds the override maps. All methods are safe for
// concurrent use.
type Controller struct {
	mu            sync.RWMutex
	disabledKinds map[string]bool
	forcedAgents  map[string]bool
}

// NewController creates an empty controller.
func NewController() *Controller {
	return &Controller{
		disabledKinds: make(map[string]bool),
		forcedAgents:  make(map[string]bool),
	}
}

// ShouldUseTmux decides the delivery path for one agent. Precedence:
// agent override, then CLI-kind override, then the agent's configured
// delivery mode.
func (c *Controller) ShouldUseTmux(agent *store.Agent) Decision {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.forcedAgents[agent.AgentID] {
		return Decision{UseTmux: true, Reason: ReasonAgentForced}
	}
	if c.disabledKinds[agent.Kind] {
		return Decision{UseTmux: true, Reason: ReasonKindDisabled}
	}
	return Decision{
		UseTmux: agent.DeliveryMode == store.DeliveryTmux,
		Reason:  ReasonConfigured,
	}
}

// SetKindDisabled toggles headless delivery for a CLI kind.
func (c *Controller) SetKindDisabled(kind string, disabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if disabled {
		c.disabledKinds[kind] = true
	} else {
		delete(c.disabledKinds, kind)
	}
}

// SetAgentForced toggles the forced-tmux override for one agent.
func (c *Controller) SetAgentForced(agentID string, forced bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if forced {
		c.forcedAgents[agentID] = true
	} else {
		delete(c.forcedAgents, agentID)
	}
}

// Overrides is the operator-visible state of the controller.
type Overrides struct {
	DisabledKinds []string `json:"disabledKinds"`
	ForcedAgents  []string `json:"forcedAgents"`
}

// Snapshot returns the current override sets.
func (c *Controller) Snapshot() Overrides {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := Overrides{
		DisabledKinds: make([]string, 0, len(c.disabledKinds)),
		ForcedAgents:  make([]string, 0, len(c.forcedAgents)),
	}
	for k := range c.disabledKinds {
		out.DisabledKinds = append(out.DisabledKinds, k)
	}
	for a := range c.forcedAgents {
		out.ForcedAgents = append(out.ForcedAgents, a)
	}
	return out
}
