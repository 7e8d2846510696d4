// Package relay maintains the authenticated WebSocket tunnel to the cloud
// relay: registration handshake, keep-alive, remote client accounting, and
// the outbound admission policy that keeps the link quiet when nobody
// remote is watching.
package relay

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/clientsync"
	relayerrors "github.com/shorelink/shorelink/internal/errors"
	"github.com/shorelink/shorelink/internal/identity"
	"github.com/shorelink/shorelink/internal/metrics"
)

// TransportName is the coordinator registry name for the tunnel.
const TransportName = "vps"

const (
	// Bound on a single upstream write.
	writeWait = 10 * time.Second

	// Outbound frames queued for the write pump. A full buffer drops the
	// frame; the periodic full-update heartbeat repairs the gap.
	sendBuffer = 256
)

// alwaysSend lists the envelope types that bypass the remote-client gate.
var alwaysSend = map[string]bool{
	"identity":     true,
	"register":     true,
	"register-key": true,
	"subscribe":    true,
	"heartbeat":    true,
	"ping":         true,
}

// Config tunes the tunnel connection.
type Config struct {
	Host              string
	Port              int
	Path              string
	Production        bool
	PingInterval      time.Duration
	ConnectionTimeout time.Duration
	ReconnectInterval time.Duration
	MaxRetries        int
	TokenSecret       string
	TokenExpiry       time.Duration
}

// Tunnel is the upstream connection. It registers itself as the "vps"
// transport while connected; local clients never notice tunnel loss.
type Tunnel struct {
	cfg         Config
	identity    *identity.Identity
	coordinator *clientsync.Coordinator
	logger      zerolog.Logger

	// onMaxRetries fires once when the reconnect budget is exhausted.
	onMaxRetries func()

	mu            sync.Mutex
	conn          *websocket.Conn
	send          chan any
	remoteClients int
	keyRespOnce   func(map[string]any)
}

// NewTunnel builds a tunnel. onMaxRetries may be nil.
func NewTunnel(cfg Config, id *identity.Identity, coordinator *clientsync.Coordinator, onMaxRetries func(), logger zerolog.Logger) *Tunnel {
	return &Tunnel{
		cfg:          cfg,
		identity:     id,
		coordinator:  coordinator,
		onMaxRetries: onMaxRetries,
		logger:       logger.With().Str("component", "relay").Logger(),
	}
}

// BuildURL assembles the relay URL. Production forces wss and ports 80/443;
// development permits plain ws on any port.
func BuildURL(cfg Config) (string, error) {
	if cfg.Host == "" {
		return "", relayerrors.NewConfigMissing("build_relay_url", "relay host is empty")
	}
	scheme := "ws"
	if cfg.Production {
		if cfg.Port != 80 && cfg.Port != 443 {
			return "", relayerrors.NewConfigMissing("build_relay_url",
				fmt.Sprintf("port %d not allowed in production", cfg.Port))
		}
		scheme = "wss"
	}
	path := cfg.Path
	if path == "" {
		path = "/ws"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   cfg.Host + ":" + strconv.Itoa(cfg.Port),
		Path:   path,
	}
	return u.String(), nil
}

// Run connects and reconnects until ctx ends or the retry budget is spent.
// A completed handshake resets the attempt counter.
func (t *Tunnel) Run(ctx context.Context) error {
	baseURL, err := BuildURL(t.cfg)
	if err != nil {
		return err
	}

	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		handshook, err := t.session(ctx, baseURL)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if handshook {
			attempts = 0
		}

		attempts++
		metrics.ReconnectsTotal.WithLabelValues("relay").Inc()
		if t.cfg.MaxRetries > 0 && attempts >= t.cfg.MaxRetries {
			t.logger.Error().Err(err).Int("attempts", attempts).Msg("Relay reconnect attempts exhausted")
			if t.onMaxRetries != nil {
				t.onMaxRetries()
			}
			return relayerrors.NewMaxRetriesExhausted("relay_reconnect", "relay", attempts)
		}

		t.logger.Warn().Err(err).
			Int("attempt", attempts).
			Dur("delay", t.cfg.ReconnectInterval).
			Msg("Relay connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(t.cfg.ReconnectInterval):
		}
	}
}

// session runs one connect-handshake-read cycle. The bool reports whether
// the handshake completed, which resets the retry budget.
func (t *Tunnel) session(ctx context.Context, baseURL string) (bool, error) {
	dialURL := baseURL
	if t.cfg.TokenSecret != "" {
		token, err := t.identity.MintToken(t.cfg.TokenSecret, t.cfg.TokenExpiry)
		if err != nil {
			return false, relayerrors.WrapAuthError("mint_token", "relay", err)
		}
		dialURL = baseURL + "?token=" + url.QueryEscape(token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.ConnectionTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, dialURL, nil)
	cancel()
	if err != nil {
		return false, relayerrors.WrapTransportError("dial_relay", "relay", err)
	}
	defer t.teardown()

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	if err := t.handshake(); err != nil {
		return false, err
	}
	t.logger.Info().Str("url", baseURL).Msg("Relay tunnel connected")

	send := make(chan any, sendBuffer)
	t.mu.Lock()
	t.send = send
	t.mu.Unlock()

	t.coordinator.RegisterTransport(TransportName, clientsync.Transport{Send: t.Send})

	sessionCtx, stop := context.WithCancel(ctx)
	defer stop()
	go t.writePump(sessionCtx, conn, send)
	go t.pingLoop(sessionCtx)
	if t.cfg.TokenSecret == "" {
		go t.registerKeyLater(sessionCtx)
	}

	return true, t.readLoop(ctx, conn)
}

// handshake sends register then identity. Under keypair auth the identity
// frame carries the RSA signature; under token auth the JWT on the dial URL
// already authenticated us.
func (t *Tunnel) handshake() error {
	boatID := t.identity.BoatID()
	if err := t.write(map[string]any{
		"type":    "register",
		"boatIds": []string{boatID},
		"role":    "boat-server",
	}); err != nil {
		return relayerrors.WrapTransportError("register", "relay", err)
	}

	now := time.Now()
	frame := map[string]any{
		"type":      "identity",
		"boatId":    boatID,
		"role":      "boat-server",
		"timestamp": now.UnixMilli(),
		"time":      now.UTC().Format(time.RFC3339),
	}
	if t.cfg.TokenSecret == "" {
		sig, err := t.identity.Sign(now.UnixMilli())
		if err != nil {
			return relayerrors.WrapAuthError("sign_identity", "relay", err)
		}
		frame["signature"] = sig
	}
	if err := t.write(frame); err != nil {
		return relayerrors.WrapTransportError("identity", "relay", err)
	}
	return nil
}

// registerKeyLater publishes the public key one second after the handshake
// and arms the one-shot response handler.
func (t *Tunnel) registerKeyLater(ctx context.Context) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(time.Second):
	}

	t.mu.Lock()
	t.keyRespOnce = func(msg map[string]any) {
		success, _ := msg["success"].(bool)
		if success {
			t.logger.Info().Msg("Public key registered with relay")
			return
		}
		errStr, _ := msg["error"].(string)
		t.logger.Warn().Str("error", errStr).Msg("Relay rejected public key")
	}
	t.mu.Unlock()

	err := t.Send(map[string]any{
		"type":      "register-key",
		"boatId":    t.identity.BoatID(),
		"publicKey": t.identity.PublicKeyPEM(),
		"timestamp": time.Now().UnixMilli(),
	})
	if err != nil {
		t.logger.Warn().Err(err).Msg("register-key send failed")
	}
}

func (t *Tunnel) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.Send(map[string]any{"type": "ping", "timestamp": time.Now().UnixMilli()}); err != nil {
				return
			}
		}
	}
}

func (t *Tunnel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return relayerrors.WrapTransportError("read_relay", "relay", err)
		}
		t.handleInbound(msg)
	}
}

func (t *Tunnel) handleInbound(msg map[string]any) {
	msgType, _ := msg["type"].(string)
	switch msgType {
	case "pong":
		// Keep-alive answer, nothing to do.
	case "connectionStatus":
		count := intField(msg, "clientCount")
		t.setRemoteClients(count)
	case "register-key-response":
		t.mu.Lock()
		handler := t.keyRespOnce
		t.keyRespOnce = nil
		t.mu.Unlock()
		if handler != nil {
			handler(msg)
		}
	default:
		if msgType == "" {
			t.logger.Warn().Msg("Skipping untyped relay frame")
			return
		}
		t.coordinator.HandleMessage(TransportName, msg)
	}
}

// setRemoteClients replaces the remote share of the aggregate client count.
func (t *Tunnel) setRemoteClients(count int) {
	if count < 0 {
		count = 0
	}
	t.mu.Lock()
	delta := count - t.remoteClients
	t.remoteClients = count
	t.mu.Unlock()

	if delta != 0 {
		t.coordinator.SetRemoteClientCount(delta)
	}
	t.logger.Debug().Int("remoteClients", count).Msg("Relay connection status")
}

// Send is the transport function. Handshake and keep-alive types always
// send; with zero remote clients everything else is suppressed while still
// reporting success. Arrays send element-wise and AND their successes.
// Frames are queued for the write pump, never written inline: Send is
// called from bus patch listeners, which must not block on network I/O.
func (t *Tunnel) Send(payload any) error {
	if items, ok := payload.([]any); ok {
		var firstErr error
		for _, item := range items {
			if err := t.Send(item); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	if !alwaysSend[payloadType(payload)] {
		t.mu.Lock()
		quiet := t.remoteClients == 0
		t.mu.Unlock()
		if quiet {
			return nil
		}
	}
	return t.enqueue(payload)
}

// enqueue hands a frame to the write pump without blocking. A full buffer
// drops the frame; the full-update heartbeat repairs the loss.
func (t *Tunnel) enqueue(payload any) error {
	t.mu.Lock()
	send := t.send
	t.mu.Unlock()
	if send == nil {
		return relayerrors.WrapTransportError("write_relay", "relay", fmt.Errorf("tunnel not connected"))
	}
	select {
	case send <- payload:
		return nil
	default:
		t.logger.Warn().Str("type", payloadType(payload)).Msg("Relay send buffer full, dropping frame")
		return nil
	}
}

// writePump owns all post-handshake socket writes for one session. A failed
// or expired write closes the connection, which ends the read loop and the
// session with it.
func (t *Tunnel) writePump(ctx context.Context, conn *websocket.Conn, send chan any) {
	for {
		select {
		case <-ctx.Done():
			return
		case payload := <-send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(payload); err != nil {
				t.logger.Warn().Err(err).Msg("Relay write failed")
				conn.Close()
				return
			}
		}
	}
}

// RemoteClients returns the last reported remote viewer count.
func (t *Tunnel) RemoteClients() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteClients
}

// write performs a direct socket write. Only the handshake uses it, before
// the write pump starts; gorilla permits one writer at a time.
func (t *Tunnel) write(payload any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return relayerrors.WrapTransportError("write_relay", "relay", fmt.Errorf("tunnel not connected"))
	}
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(payload)
}

// teardown drops the transport registration and returns the remote client
// share to zero so the aggregate count stays honest across reconnects.
func (t *Tunnel) teardown() {
	t.coordinator.UnregisterTransport(TransportName)

	t.mu.Lock()
	remote := t.remoteClients
	t.remoteClients = 0
	conn := t.conn
	t.conn = nil
	t.send = nil
	t.keyRespOnce = nil
	t.mu.Unlock()

	if remote > 0 {
		t.coordinator.SetRemoteClientCount(-remote)
	}
	if conn != nil {
		conn.Close()
	}
}

func payloadType(payload any) string {
	if m, ok := payload.(map[string]any); ok {
		s, _ := m["type"].(string)
		return s
	}
	return ""
}

func intField(msg map[string]any, key string) int {
	switch v := msg[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
