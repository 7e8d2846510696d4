// Package metrics exposes relay health counters over Prometheus. The
// collectors are package-level so any component can record without wiring;
// the HTTP endpoint only starts when a metrics port is configured.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/bus"
	"github.com/shorelink/shorelink/internal/state"
)

var (
	CommitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shorelink",
		Name:      "commits_total",
		Help:      "State commits that produced a non-empty patch.",
	})

	PatchOpsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shorelink",
		Name:      "patch_ops_total",
		Help:      "RFC-6902 operations emitted across all commits.",
	})

	DeltasTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "shorelink",
		Name:      "signalk_deltas_total",
		Help:      "SignalK delta frames consumed.",
	})

	ReconnectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shorelink",
		Name:      "reconnects_total",
		Help:      "Reconnect attempts by upstream link.",
	}, []string{"link"})

	ActiveAlerts = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shorelink",
		Name:      "active_alerts",
		Help:      "Alerts currently in alerts.active.",
	})

	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "shorelink",
		Name:      "connected_clients",
		Help:      "Aggregate client count (direct plus remote).",
	})

	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "shorelink",
		Name:      "commands_total",
		Help:      "Typed commands handled, by type and outcome.",
	}, []string{"type", "outcome"})
)

// Observe attaches the bus-driven collectors: commit and patch-op counters,
// the client-count gauge, and the active-alert gauge refreshed on each
// full-update heartbeat. Returns the unsubscribe func.
func Observe(b *bus.Bus) func() {
	unsubPatch := b.OnPatch(func(ev bus.PatchEvent) {
		CommitsTotal.Inc()
		PatchOpsTotal.Add(float64(len(ev.Patch)))
		ConnectedClients.Set(float64(b.ClientCount()))
	})
	unsubFull := b.OnFullUpdate(func(ev bus.FullUpdateEvent) {
		ActiveAlerts.Set(float64(len(state.LookupSlice(ev.State, state.KeyActiveAlerts))))
	})
	return func() {
		unsubPatch()
		unsubFull()
	}
}

// Server serves /metrics on the configured port. Port 0 disables it.
type Server struct {
	port   int
	logger zerolog.Logger
}

// NewServer builds a metrics server.
func NewServer(port int, logger zerolog.Logger) *Server {
	return &Server{port: port, logger: logger.With().Str("component", "metrics").Logger()}
}

// Run serves until ctx ends. A zero port returns immediately.
func (s *Server) Run(ctx context.Context) error {
	if s.port == 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: fmt.Sprintf(":%d", s.port), Handler: mux}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Int("port", s.port).Msg("Metrics endpoint listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
