package signalk

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/dnscache"
	"github.com/rs/zerolog"

	relayerrors "github.com/shorelink/shorelink/internal/errors"
)

const (
	httpTimeout      = 15 * time.Second
	handshakeTimeout = 15 * time.Second
)

// Client talks to one SignalK server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  zerolog.Logger
}

// NewClient builds a client for the server at baseURL. token may be empty.
func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	resolver := &dnscache.Resolver{}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			host, port, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			ips, err := resolver.LookupHost(ctx, host)
			if err != nil {
				return nil, err
			}
			var dialer net.Dialer
			var lastErr error
			for _, ip := range ips {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: httpTimeout, Transport: transport},
		logger:  logger,
	}
}

// Discover fetches the discovery document and returns the v1 delta-stream
// WebSocket URL.
func (c *Client) Discover(ctx context.Context) (string, error) {
	var doc Discovery
	if err := c.getJSON(ctx, c.baseURL+"/signalk", &doc); err != nil {
		return "", relayerrors.WrapDiscoveryError("fetch_discovery", err)
	}

	v1, ok := doc.Endpoints["v1"]
	if !ok || v1.SignalKWS == "" {
		return "", relayerrors.WrapEndpointError("fetch_discovery",
			fmt.Errorf("discovery document has no v1 signalk-ws endpoint"))
	}

	c.logger.Info().
		Str("server", doc.Server.ID).
		Str("version", doc.Server.Version).
		Str("ws", v1.SignalKWS).
		Msg("SignalK server discovered")
	return v1.SignalKWS, nil
}

// DialDeltas opens the delta stream and subscribes to everything at the
// given period. The caller owns the returned connection.
func (c *Client) DialDeltas(ctx context.Context, wsURL string, period time.Duration) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}

	var header http.Header
	if c.token != "" {
		header = http.Header{"Authorization": []string{"Bearer " + c.token}}
	}

	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, relayerrors.WrapTransportError("dial_deltas", "signalk",
				fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode))
		}
		return nil, relayerrors.WrapTransportError("dial_deltas", "signalk", err)
	}

	sub := SubscribeRequest{
		Context:   "*",
		Subscribe: []Subscription{{Path: "*", Period: period.Milliseconds()}},
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, relayerrors.WrapTransportError("subscribe", "signalk", err)
	}

	return conn, nil
}

// Vessels returns the raw /vessels snapshot keyed by vessel urn.
func (c *Client) Vessels(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.getJSON(ctx, c.baseURL+"/signalk/v1/api/vessels", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Self returns the server's own vessel urn.
func (c *Client) Self(ctx context.Context) (string, error) {
	var raw json.RawMessage
	if err := c.getJSON(ctx, c.baseURL+"/signalk/v1/api/self", &raw); err != nil {
		return "", err
	}
	var urn string
	if err := json.Unmarshal(raw, &urn); err == nil {
		return strings.TrimPrefix(urn, "vessels."), nil
	}
	return strings.Trim(strings.TrimSpace(string(raw)), `"`), nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("get %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("get %s: unexpected status %d", url, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return relayerrors.WrapParseError("decode_response", "signalk", err)
	}
	return nil
}
