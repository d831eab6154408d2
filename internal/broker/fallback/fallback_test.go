package fallback

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kokino/kokino/internal/broker/store"
)

func headlessAgent(id, kind string) *store.Agent {
	return &store.Agent{AgentID: id, Kind: kind, DeliveryMode: store.DeliveryHeadless}
}

func TestDefaultFollowsConfiguredMode(t *testing.T) {
	c := NewController()

	d := c.ShouldUseTmux(headlessAgent("alice", "claude-code"))
	require.False(t, d.UseTmux)
	require.Equal(t, ReasonConfigured, d.Reason)

	d = c.ShouldUseTmux(&store.Agent{AgentID: "bob", Kind: "gemini", DeliveryMode: store.DeliveryTmux})
	require.True(t, d.UseTmux)
	require.Equal(t, ReasonConfigured, d.Reason)
}

func TestKindOverride(t *testing.T) {
	c := NewController()
	c.SetKindDisabled("claude-code", true)

	d := c.ShouldUseTmux(headlessAgent("alice", "claude-code"))
	require.True(t, d.UseTmux)
	require.Equal(t, ReasonKindDisabled, d.Reason)

	c.SetKindDisabled("claude-code", false)
	d = c.ShouldUseTmux(headlessAgent("alice", "claude-code"))
	require.False(t, d.UseTmux)
}

func TestAgentOverrideTakesPrecedence(t *testing.T) {
	c := NewController()
	c.SetKindDisabled("claude-code", true)
	c.SetAgentForced("alice", true)

	d := c.ShouldUseTmux(headlessAgent("alice", "claude-code"))
	require.True(t, d.UseTmux)
	require.Equal(t, ReasonAgentForced, d.Reason)
}

func TestSnapshot(t *testing.T) {
	c := NewController()
	c.SetKindDisabled("droid", true)
	c.SetAgentForced("alice", true)

	snap := c.Snapshot()
	require.Equal(t, []string{"droid"}, snap.DisabledKinds)
	require.Equal(t, []string{"alice"}, snap.ForcedAgents)
}
