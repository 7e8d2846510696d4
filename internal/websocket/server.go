// Package websocket serves unauthenticated local clients on the direct
// port. Each connection registers as its own coordinator transport named
// direct:<uuid> and is fed the snapshot-then-patches stream.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/clientsync"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Local-network server, no origin policy.
	CheckOrigin: func(*http.Request) bool { return true },
}

// DirectServer accepts local WebSocket clients.
type DirectServer struct {
	coordinator *clientsync.Coordinator
	logger      zerolog.Logger
	server      *http.Server
	port        int
}

// NewDirectServer builds a server on the given port.
func NewDirectServer(coordinator *clientsync.Coordinator, port int, logger zerolog.Logger) *DirectServer {
	return &DirectServer{
		coordinator: coordinator,
		logger:      logger.With().Str("component", "direct-ws").Logger(),
		port:        port,
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *DirectServer) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)

	s.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.port).Msg("Direct WebSocket server listening")
		errCh <- s.server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (s *DirectServer) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	client := &client{
		name:        "direct:" + uuid.NewString(),
		conn:        conn,
		send:        make(chan []byte, sendBuffer),
		coordinator: s.coordinator,
		logger:      s.logger,
	}
	client.logger = s.logger.With().Str("client", client.name).Logger()

	s.coordinator.RegisterTransport(client.name, clientsync.Transport{Send: client.enqueue})
	s.coordinator.HandleClientConnection(client.name)
	client.logger.Info().Str("remote", r.RemoteAddr).Msg("Direct client connected")

	go client.writePump()
	go client.readPump()
}

// client is one direct connection: a buffered send channel drained by the
// write pump, and a read pump routing inbound frames to the coordinator.
type client struct {
	name        string
	conn        *websocket.Conn
	send        chan []byte
	coordinator *clientsync.Coordinator
	logger      zerolog.Logger
}

// enqueue is the transport Send. A full buffer drops the payload; the
// 30-second full-update heartbeat repairs any gap a slow client accumulates.
func (c *client) enqueue(payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.logger.Warn().Msg("Send buffer full, dropping frame")
		return nil
	}
}

func (c *client) readPump() {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("Direct client read error")
			}
			return
		}

		var msg map[string]any
		if err := json.Unmarshal(data, &msg); err != nil {
			c.logger.Warn().Err(err).Msg("Skipping malformed client frame")
			continue
		}
		c.coordinator.HandleMessage(c.name, msg)
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// close unregisters first so no new frames are enqueued, then closes the
// socket, which unblocks the write pump on its next write.
func (c *client) close() {
	c.coordinator.HandleClientDisconnection(c.name)
	c.conn.Close()
	c.logger.Info().Msg("Direct client disconnected")
}
