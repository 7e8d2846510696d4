package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/shorelink/shorelink/internal/batch"
	"github.com/shorelink/shorelink/internal/bus"
	"github.com/shorelink/shorelink/internal/clientsync"
	"github.com/shorelink/shorelink/internal/commands"
	"github.com/shorelink/shorelink/internal/config"
	"github.com/shorelink/shorelink/internal/derive"
	"github.com/shorelink/shorelink/internal/hoststats"
	"github.com/shorelink/shorelink/internal/identity"
	"github.com/shorelink/shorelink/internal/ingest"
	"github.com/shorelink/shorelink/internal/journal"
	"github.com/shorelink/shorelink/internal/logging"
	"github.com/shorelink/shorelink/internal/metrics"
	"github.com/shorelink/shorelink/internal/prefs"
	"github.com/shorelink/shorelink/internal/relay"
	"github.com/shorelink/shorelink/internal/state"
	"github.com/shorelink/shorelink/internal/websocket"
	"github.com/shorelink/shorelink/pkg/signalk"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "shorelink",
	Short:   "Shorelink - boat-side telemetry relay",
	Long:    `Shorelink ingests SignalK vessel data, maintains a canonical state document with anchor and alert derivations, and relays it to local WebSocket clients and an authenticated cloud tunnel.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Shorelink %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	// Baseline logger for startup; reconfigured once config is loaded.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "shorelink"})

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load configuration")
		return err
	}
	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "shorelink"})

	id, err := identity.Load(cfg.DataDir, cfg.BoatID)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load boat identity")
		return err
	}
	log.Info().
		Str("boatId", id.BoatID()).
		Str("fingerprint", id.Fingerprint()).
		Str("version", Version).
		Msg("Starting Shorelink relay")

	prefStore := prefs.NewStore(cfg.UnitPrefsFile, cfg.UnitPreset, log.Logger)

	engine := derive.NewEngine(derive.Config{
		MinBreadcrumbInterval: cfg.MinBreadcrumbInterval,
		MaxHistoryEntries:     cfg.MaxHistoryEntries,
		FenceHistoryWindow:    cfg.FenceHistoryWindow,
		FenceHistoryInterval:  cfg.FenceHistoryInterval,
	}, log.Logger)

	stateBus := bus.New(engine, log.Logger)
	coordinator := batch.NewCoordinator(stateBus, cfg.UpdateInterval, log.Logger)
	router := commands.NewRouter(stateBus, log.Logger)
	syncCoord := clientsync.NewCoordinator(stateBus, router, log.Logger)
	defer syncCoord.Close()

	unobserve := metrics.Observe(stateBus)
	defer unobserve()

	// Seed boat metadata before any client connects.
	_, _, err = stateBus.Commit(map[string]any{
		state.PathMetaBoatID:  id.BoatID(),
		state.PathMetaStarted: time.Now().UnixMilli(),
		state.PathMetaVersion: Version,
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to seed boat metadata")
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, ctx := errgroup.WithContext(ctx)

	if cfg.JournalEnabled {
		jrn, err := journal.Open(journal.DefaultConfig(cfg.DataDir, cfg.JournalRetention), stateBus, log.Logger)
		if err != nil {
			log.Error().Err(err).Msg("Failed to open patch journal")
			return err
		}
		defer jrn.Close()
		group.Go(func() error { return jrn.Run(ctx) })
	}

	skClient := signalk.NewClient(cfg.SignalKURL, cfg.SignalKToken, log.Logger)
	mapper := ingest.NewMapper(prefStore.Current)
	ingestor := ingest.NewIngestor(skClient, coordinator, stateBus, mapper, ingest.Config{
		UpdateInterval:       cfg.UpdateInterval,
		ReconnectDelay:       cfg.ReconnectDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, log.Logger)
	ais := ingest.NewAISExtractor(skClient, coordinator, cfg.AISRefreshInterval, log.Logger)

	group.Go(func() error { return coordinator.Run(ctx) })
	group.Go(func() error {
		// Ingest exhaustion keeps the relay serving the last known state.
		if err := ingestor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("SignalK ingest stopped")
		}
		return nil
	})
	group.Go(func() error {
		if err := ais.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("AIS extractor stopped")
		}
		return nil
	})
	group.Go(func() error { return prefStore.Watch(ctx) })
	group.Go(func() error { return websocket.NewDirectServer(syncCoord, cfg.DirectWSPort, log.Logger).Run(ctx) })
	group.Go(func() error { return metrics.NewServer(cfg.MetricsPort, log.Logger).Run(ctx) })
	group.Go(func() error {
		return hoststats.NewProducer(coordinator, cfg.HostStatsInterval, log.Logger).Run(ctx)
	})

	if cfg.TunnelEnabled() {
		tunnel := relay.NewTunnel(relay.Config{
			Host:              cfg.VPSHost,
			Port:              cfg.VPSPort,
			Path:              cfg.VPSPath,
			Production:        cfg.IsProduction(),
			PingInterval:      cfg.VPSPingInterval,
			ConnectionTimeout: cfg.VPSConnectionTimeout,
			ReconnectInterval: cfg.VPSReconnectInterval,
			MaxRetries:        cfg.VPSMaxRetries,
			TokenSecret:       cfg.TokenSecret,
			TokenExpiry:       cfg.TokenExpiry,
		}, id, syncCoord, func() {
			log.Error().Msg("Cloud relay unreachable, giving up until restart")
		}, log.Logger)
		group.Go(func() error {
			// Tunnel loss is silent to local clients.
			if err := tunnel.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Msg("Relay tunnel stopped")
			}
			return nil
		})
	} else {
		log.Info().Msg("Cloud relay tunnel disabled (VPS_HOST not set)")
	}

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Relay exited with error")
		return err
	}
	log.Info().Msg("Relay stopped")
	return nil
}
