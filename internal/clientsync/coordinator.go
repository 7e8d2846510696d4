// Package clientsync fans committed state out to every connected transport
// (direct WebSocket clients and the upstream tunnel) and routes inbound
// client commands back to the command router.
package clientsync

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/bus"
)

// Transport is one outbound channel. ShouldSend may be nil, meaning always
// send. Send failures are per-transport: publishing continues to the rest.
type Transport struct {
	Send       func(payload any) error
	ShouldSend func(payload any) bool
}

// CommandHandler owns the typed commands. Implemented by commands.Router.
type CommandHandler interface {
	Handle(msgType string, msg map[string]any) (map[string]any, bool)
}

// Coordinator holds the transport registry and the bus subscriptions. The
// registry is copy-on-write: writes only happen at connect/disconnect, reads
// take the current map without holding the lock during sends.
type Coordinator struct {
	bus    *bus.Bus
	router CommandHandler
	logger zerolog.Logger
	unsubs []func()

	mu         sync.RWMutex
	transports map[string]Transport
}

// NewCoordinator builds a coordinator and subscribes it to the bus.
func NewCoordinator(b *bus.Bus, router CommandHandler, logger zerolog.Logger) *Coordinator {
	c := &Coordinator{
		bus:        b,
		router:     router,
		logger:     logger.With().Str("component", "clientsync").Logger(),
		transports: map[string]Transport{},
	}
	c.unsubs = []func(){
		b.OnPatch(func(ev bus.PatchEvent) {
			c.Broadcast(patchEnvelope(ev), "")
		}),
		b.OnFullUpdate(func(ev bus.FullUpdateEvent) {
			c.Broadcast(fullUpdateEnvelope(ev), "")
		}),
		b.OnTide(func(data map[string]any) {
			c.Broadcast(map[string]any{"type": "tide:update", "data": data}, "")
		}),
		b.OnWeather(func(data map[string]any) {
			c.Broadcast(map[string]any{"type": "weather:update", "data": data}, "")
		}),
	}
	return c
}

// Close detaches the bus subscriptions.
func (c *Coordinator) Close() {
	for _, unsub := range c.unsubs {
		unsub()
	}
}

// RegisterTransport adds or replaces a named transport.
func (c *Coordinator) RegisterTransport(name string, t Transport) {
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]Transport, len(c.transports)+1)
	for k, v := range c.transports {
		next[k] = v
	}
	next[name] = t
	c.transports = next
	c.logger.Info().Str("transport", name).Int("total", len(next)).Msg("Transport registered")
}

// UnregisterTransport removes a transport; unknown names are a no-op.
func (c *Coordinator) UnregisterTransport(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.transports[name]; !ok {
		return
	}
	next := make(map[string]Transport, len(c.transports)-1)
	for k, v := range c.transports {
		if k != name {
			next[k] = v
		}
	}
	c.transports = next
	c.logger.Info().Str("transport", name).Int("total", len(next)).Msg("Transport unregistered")
}

func (c *Coordinator) snapshot() map[string]Transport {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.transports
}

// Broadcast publishes a payload to every transport except exclude. One
// transport failing never stops the rest.
func (c *Coordinator) Broadcast(payload any, exclude string) {
	for name, t := range c.snapshot() {
		if name == exclude {
			continue
		}
		c.sendTo(name, t, payload)
	}
}

// SendTo publishes to one named transport.
func (c *Coordinator) SendTo(name string, payload any) bool {
	t, ok := c.snapshot()[name]
	if !ok {
		return false
	}
	return c.sendTo(name, t, payload)
}

func (c *Coordinator) sendTo(name string, t Transport, payload any) bool {
	if t.ShouldSend != nil && !t.ShouldSend(payload) {
		return false
	}
	if err := t.Send(payload); err != nil {
		c.logger.Warn().Err(err).Str("transport", name).Msg("Transport send failed")
		return false
	}
	return true
}

// HandleClientConnection bumps the client count, pushes the current snapshot
// to just that transport, and publishes the new count to everyone.
func (c *Coordinator) HandleClientConnection(transportName string) {
	count := c.bus.AddClients(1)
	snap, seq := c.bus.CurrentSnapshot()
	c.SendTo(transportName, map[string]any{
		"type":      "state:full-update",
		"data":      snap,
		"seq":       seq,
		"timestamp": nowMilli(),
	})
	c.publishClientCount(count)
}

// HandleClientDisconnection decrements the count and republishes it.
func (c *Coordinator) HandleClientDisconnection(transportName string) {
	c.UnregisterTransport(transportName)
	c.publishClientCount(c.bus.AddClients(-1))
}

// SetRemoteClientCount replaces the remote share of the aggregate count, as
// reported by the cloud relay's connectionStatus frames.
func (c *Coordinator) SetRemoteClientCount(delta int) {
	c.publishClientCount(c.bus.AddClients(delta))
}

func (c *Coordinator) publishClientCount(count int) {
	c.Broadcast(map[string]any{"type": "client-count:update", "count": count}, "")
}

// HandleMessage normalizes one inbound frame and dispatches it. The return
// reports whether the message type was recognized.
func (c *Coordinator) HandleMessage(from string, msg map[string]any) bool {
	msgType, normalized := Normalize(msg)
	if msgType == "" {
		return false
	}

	switch msgType {
	case "test":
		c.SendTo(from, map[string]any{"type": "test:ack", "timestamp": nowMilli()})
		return true

	case "state:request-full-update", "state:get-full-state", "state:request-full-state":
		snap, seq := c.bus.CurrentSnapshot()
		reply := map[string]any{
			"type":      "state:full-update",
			"data":      snap,
			"seq":       seq,
			"timestamp": nowMilli(),
		}
		if requestID, ok := normalized["requestId"]; ok {
			reply["requestId"] = requestID
		}
		c.SendTo(from, reply)
		return true

	case "state:full-update", "state:patch":
		// Inbound passthrough: relay to peers, never back to the source.
		c.Broadcast(normalized, from)
		return true
	}

	ack, handled := c.router.Handle(msgType, normalized)
	if !handled {
		c.logger.Debug().Str("type", msgType).Str("from", from).Msg("Unhandled message type")
		return false
	}
	if ack != nil {
		c.SendTo(from, ack)
	}
	return true
}

func patchEnvelope(ev bus.PatchEvent) map[string]any {
	return map[string]any{
		"type":      "state:patch",
		"data":      ev.Patch,
		"seq":       ev.Seq,
		"timestamp": ev.Timestamp,
	}
}

func fullUpdateEnvelope(ev bus.FullUpdateEvent) map[string]any {
	return map[string]any{
		"type":      "state:full-update",
		"data":      ev.State,
		"seq":       ev.Seq,
		"timestamp": ev.Timestamp,
	}
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}
