package clientsync

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shorelink/shorelink/internal/bus"
	"github.com/shorelink/shorelink/internal/commands"
)

type capture struct {
	mu       sync.Mutex
	payloads []map[string]any
	err      error
}

func (c *capture) transport() Transport {
	return Transport{Send: func(payload any) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if m, ok := payload.(map[string]any); ok {
			c.payloads = append(c.payloads, m)
		}
		return c.err
	}}
}

func (c *capture) byType(msgType string) []map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []map[string]any
	for _, p := range c.payloads {
		if p["type"] == msgType {
			out = append(out, p)
		}
	}
	return out
}

func testCoordinator(t *testing.T) (*Coordinator, *bus.Bus) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	b := bus.New(nil, logger)
	return NewCoordinator(b, commands.NewRouter(b, logger), logger), b
}

func TestPatchFanOut(t *testing.T) {
	c, b := testCoordinator(t)
	a, other := &capture{}, &capture{}
	c.RegisterTransport("a", a.transport())
	c.RegisterTransport("b", other.transport())

	_, seq, err := b.Commit(map[string]any{"vessel.name": "Wanderer"})
	require.NoError(t, err)

	for _, cap := range []*capture{a, other} {
		got := cap.byType("state:patch")
		require.Len(t, got, 1)
		assert.Equal(t, seq, got[0]["seq"])
	}
}

func TestSendFailureDoesNotStopOthers(t *testing.T) {
	c, b := testCoordinator(t)
	broken := &capture{err: errors.New("socket gone")}
	healthy := &capture{}
	c.RegisterTransport("broken", broken.transport())
	c.RegisterTransport("healthy", healthy.transport())

	_, _, err := b.Commit(map[string]any{"vessel.name": "Wanderer"})
	require.NoError(t, err)
	assert.Len(t, healthy.byType("state:patch"), 1)
}

func TestShouldSendGates(t *testing.T) {
	c, b := testCoordinator(t)
	gated := &capture{}
	tr := gated.transport()
	tr.ShouldSend = func(any) bool { return false }
	c.RegisterTransport("gated", tr)

	_, _, err := b.Commit(map[string]any{"vessel.name": "Wanderer"})
	require.NoError(t, err)
	assert.Empty(t, gated.payloads)
}

func TestFullStateRequestAliases(t *testing.T) {
	c, b := testCoordinator(t)
	_, _, err := b.Commit(map[string]any{"vessel.name": "Wanderer"})
	require.NoError(t, err)

	for _, alias := range []string{"state:request-full-update", "state:get-full-state", "state:request-full-state"} {
		cap := &capture{}
		c.RegisterTransport("client", cap.transport())
		handled := c.HandleMessage("client", map[string]any{"type": alias, "requestId": "r-1"})
		require.True(t, handled, alias)
		got := cap.byType("state:full-update")
		require.Len(t, got, 1)
		assert.Equal(t, "r-1", got[0]["requestId"])
		c.UnregisterTransport("client")
	}
}

func TestPassthroughExcludesSource(t *testing.T) {
	c, _ := testCoordinator(t)
	source, peer := &capture{}, &capture{}
	c.RegisterTransport("source", source.transport())
	c.RegisterTransport("peer", peer.transport())

	handled := c.HandleMessage("source", map[string]any{"type": "state:patch", "data": []any{}})
	require.True(t, handled)
	assert.Empty(t, source.byType("state:patch"))
	assert.Len(t, peer.byType("state:patch"), 1)
}

func TestUnknownTypeUnhandled(t *testing.T) {
	c, _ := testCoordinator(t)
	assert.False(t, c.HandleMessage("client", map[string]any{"type": "warp:engage"}))
	assert.False(t, c.HandleMessage("client", map[string]any{"noType": true}))
}

func TestAnchorCommandAcked(t *testing.T) {
	c, b := testCoordinator(t)
	cap := &capture{}
	c.RegisterTransport("client", cap.transport())

	handled := c.HandleMessage("client", map[string]any{
		"type": "anchor:update",
		"data": map[string]any{"anchorDeployed": true, "rode": map[string]any{"amount": 30.0, "units": "m"}},
	})
	require.True(t, handled)

	acks := cap.byType("anchor:update:ack")
	require.Len(t, acks, 1)
	assert.Equal(t, true, acks[0]["success"])

	snap, _ := b.CurrentSnapshot()
	deployed, ok := snap["anchor"].(map[string]any)["anchorDeployed"].(bool)
	require.True(t, ok)
	assert.True(t, deployed)
}

func TestLegacyShapesNormalize(t *testing.T) {
	tests := []struct {
		name string
		msg  map[string]any
		want string
	}{
		{
			"serviceName shape",
			map[string]any{"serviceName": "state", "action": "bluetooth:toggle", "data": map[string]any{"enabled": true}},
			"bluetooth:toggle",
		},
		{
			"command shape",
			map[string]any{"type": "command", "service": "bluetooth", "action": "toggle", "data": map[string]any{"enabled": true}},
			"bluetooth:toggle",
		},
		{
			"flat shape",
			map[string]any{"type": "bluetooth:toggle", "enabled": true},
			"bluetooth:toggle",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgType, normalized := Normalize(tt.msg)
			assert.Equal(t, tt.want, msgType)
			enabled, _ := normalized["enabled"].(bool)
			assert.True(t, enabled)
		})
	}
}

func TestConnectionLifecycle(t *testing.T) {
	c, b := testCoordinator(t)
	cap := &capture{}
	c.RegisterTransport("direct:abc", cap.transport())

	c.HandleClientConnection("direct:abc")
	assert.Equal(t, 1, b.ClientCount())
	require.Len(t, cap.byType("state:full-update"), 1)
	counts := cap.byType("client-count:update")
	require.Len(t, counts, 1)
	assert.Equal(t, 1, counts[0]["count"])

	c.HandleClientDisconnection("direct:abc")
	assert.Equal(t, 0, b.ClientCount())
}

func TestTestEcho(t *testing.T) {
	c, _ := testCoordinator(t)
	cap := &capture{}
	c.RegisterTransport("client", cap.transport())
	require.True(t, c.HandleMessage("client", map[string]any{"type": "test"}))
	assert.Len(t, cap.byType("test:ack"), 1)
}
