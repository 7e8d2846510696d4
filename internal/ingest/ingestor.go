package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	wildcard "github.com/IGLOU-EU/go-wildcard/v2"
	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/alerts"
	"github.com/shorelink/shorelink/internal/batch"
	"github.com/shorelink/shorelink/internal/bus"
	relayerrors "github.com/shorelink/shorelink/internal/errors"
	"github.com/shorelink/shorelink/internal/metrics"
	"github.com/shorelink/shorelink/pkg/signalk"
)

const notificationPrefix = "notifications."

// ignoredNotifications are server housekeeping paths that never become
// alerts.
var ignoredNotifications = []string{
	"server.*",
	"security.*",
}

// Config tunes the delta-stream reconnect behavior.
type Config struct {
	UpdateInterval       time.Duration
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// Ingestor owns the SignalK delta stream: discovery, subscription, the read
// loop, and reconnects with a fixed delay up to the attempt bound.
type Ingestor struct {
	client *signalk.Client
	coord  *batch.Coordinator
	bus    *bus.Bus
	mapper *Mapper
	cfg    Config
	logger zerolog.Logger
}

// NewIngestor builds an ingestor over an already-configured SignalK client.
func NewIngestor(client *signalk.Client, coord *batch.Coordinator, b *bus.Bus, mapper *Mapper, cfg Config, logger zerolog.Logger) *Ingestor {
	return &Ingestor{
		client: client,
		coord:  coord,
		bus:    b,
		mapper: mapper,
		cfg:    cfg,
		logger: logger.With().Str("component", "ingest").Logger(),
	}
}

// Run connects and consumes deltas until ctx is cancelled. Each dropped
// connection is retried after ReconnectDelay; once MaxReconnectAttempts
// consecutive attempts fail the ingestor goes quiescent and returns an error
// rather than crashing the process.
func (i *Ingestor) Run(ctx context.Context) error {
	attempts := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := i.session(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		attempts++
		metrics.ReconnectsTotal.WithLabelValues("signalk").Inc()
		if i.cfg.MaxReconnectAttempts > 0 && attempts >= i.cfg.MaxReconnectAttempts {
			i.logger.Error().Err(err).Int("attempts", attempts).Msg("SignalK reconnect attempts exhausted, ingest stopped")
			return relayerrors.NewMaxRetriesExhausted("signalk_reconnect", "ingest", attempts)
		}

		i.logger.Warn().Err(err).
			Int("attempt", attempts).
			Dur("delay", i.cfg.ReconnectDelay).
			Msg("SignalK connection lost, reconnecting")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(i.cfg.ReconnectDelay):
		}
	}
}

// session runs one discover-dial-read cycle. A nil error means ctx ended.
func (i *Ingestor) session(ctx context.Context) error {
	wsURL, err := i.client.Discover(ctx)
	if err != nil {
		return err
	}

	conn, err := i.client.DialDeltas(ctx, wsURL, i.cfg.UpdateInterval)
	if err != nil {
		return err
	}
	defer conn.Close()

	i.logger.Info().Str("url", wsURL).Msg("SignalK delta stream connected")

	// Unblock ReadMessage when ctx ends.
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
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return relayerrors.WrapTransportError("read_deltas", "signalk", err)
		}
		i.handleFrame(data)
	}
}

// handleFrame parses one delta frame and enqueues the mapped updates.
// Malformed frames are logged and skipped; the stream keeps flowing.
func (i *Ingestor) handleFrame(data []byte) {
	var delta signalk.Delta
	if err := json.Unmarshal(data, &delta); err != nil {
		i.logger.Warn().Err(err).Msg("Skipping malformed delta frame")
		return
	}
	metrics.DeltasTotal.Inc()

	for _, update := range delta.Updates {
		for _, pv := range update.Values {
			if strings.HasPrefix(pv.Path, notificationPrefix) {
				i.handleNotification(pv.Path, pv.Value, update.Source)
				continue
			}
			for _, mapped := range i.mapper.Map(pv.Path, pv.Value) {
				i.coord.Enqueue(mapped.Path, mapped.Value, update.Source)
			}
		}
	}
}

// handleNotification reflects a SignalK notification into alerts.active with
// trigger "signalk:<path>". State "normal" resolves, everything else creates.
func (i *Ingestor) handleNotification(path string, value any, source string) {
	suffix := strings.TrimPrefix(path, notificationPrefix)
	for _, pattern := range ignoredNotifications {
		if wildcard.Match(pattern, suffix) {
			return
		}
	}

	body, _ := value.(map[string]any)
	stateStr, _ := body["state"].(string)
	message, _ := body["message"].(string)
	active := stateStr != "" && stateStr != "normal"

	seed := alerts.Seed{
		Type:           "signalk_notification",
		Category:       alerts.CategorySignalK,
		Source:         source,
		Level:          notificationLevel(stateStr),
		Label:          suffix,
		Message:        message,
		AutoResolvable: true,
	}
	if err := i.bus.SyncNotification("signalk:"+suffix, active, seed); err != nil {
		i.logger.Error().Err(err).Str("path", path).Msg("Notification sync failed")
	}
}

func notificationLevel(state string) alerts.Level {
	switch state {
	case "emergency":
		return alerts.LevelEmergency
	case "alarm":
		return alerts.LevelCritical
	case "warn", "alert":
		return alerts.LevelWarning
	default:
		return alerts.LevelInfo
	}
}
