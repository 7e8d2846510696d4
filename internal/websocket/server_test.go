package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shorelink/shorelink/internal/bus"
	"github.com/shorelink/shorelink/internal/clientsync"
	"github.com/shorelink/shorelink/internal/commands"
)

func dialTestServer(t *testing.T) (*websocket.Conn, *bus.Bus) {
	t.Helper()
	logger := zerolog.New(zerolog.NewTestWriter(t))
	b := bus.New(nil, logger)
	coordinator := clientsync.NewCoordinator(b, commands.NewRouter(b, logger), logger)
	server := NewDirectServer(coordinator, 0, logger)

	srv := httptest.NewServer(http.HandlerFunc(server.handleUpgrade))
	t.Cleanup(srv.Close)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn, b
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func readFrameOfType(t *testing.T, conn *websocket.Conn, msgType string) map[string]any {
	t.Helper()
	for i := 0; i < 10; i++ {
		msg := readFrame(t, conn)
		if msg["type"] == msgType {
			return msg
		}
	}
	t.Fatalf("no %s frame received", msgType)
	return nil
}

func TestConnectPushesSnapshot(t *testing.T) {
	conn, b := dialTestServer(t)

	msg := readFrameOfType(t, conn, "state:full-update")
	assert.NotNil(t, msg["data"])
	assert.Equal(t, 1, b.ClientCount())
}

func TestInboundCommandRoundTrip(t *testing.T) {
	conn, b := dialTestServer(t)
	readFrameOfType(t, conn, "state:full-update")

	require.NoError(t, conn.WriteJSON(map[string]any{
		"type": "anchor:update",
		"data": map[string]any{"anchorDeployed": true},
	}))

	// The commit fans back out as a patch before the ack is enqueued.
	patch := readFrameOfType(t, conn, "state:patch")
	assert.NotEmpty(t, patch["data"])

	ack := readFrameOfType(t, conn, "anchor:update:ack")
	assert.Equal(t, true, ack["success"])

	snap, _ := b.CurrentSnapshot()
	anchor, _ := snap["anchor"].(map[string]any)
	assert.Equal(t, true, anchor["anchorDeployed"])
}

func TestDisconnectDecrementsCount(t *testing.T) {
	conn, b := dialTestServer(t)
	readFrameOfType(t, conn, "state:full-update")
	require.Equal(t, 1, b.ClientCount())

	conn.Close()
	require.Eventually(t, func() bool {
		return b.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond)
}
