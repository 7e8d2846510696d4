// Package batch coalesces producer updates over a fixed tick and commits
// them through the state bus in one batch, so a burst of SignalK deltas
// becomes a single ordered patch.
package batch

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/bus"
)

// Update is one producer-enqueued value for a canonical path.
type Update struct {
	Path   string
	Value  any
	Source string
}

const (
	queueSize            = 4096
	fullUpdateHeartbeat  = 30 * time.Second
	defaultBatchInterval = time.Second
)

// Coordinator drains the producer queue on every tick and commits the
// coalesced batch. Single consumer; any number of producers.
type Coordinator struct {
	bus      *bus.Bus
	interval time.Duration
	queue    chan Update
	logger   zerolog.Logger
}

// NewCoordinator builds a coordinator over the bus.
func NewCoordinator(b *bus.Bus, interval time.Duration, logger zerolog.Logger) *Coordinator {
	if interval <= 0 {
		interval = defaultBatchInterval
	}
	return &Coordinator{
		bus:      b,
		interval: interval,
		queue:    make(chan Update, queueSize),
		logger:   logger,
	}
}

// Enqueue queues an update for the next tick without blocking. When the
// queue is full the update is dropped and counted; a later value for the
// same path supersedes it anyway on the producer's next report.
func (c *Coordinator) Enqueue(path string, value any, source string) {
	select {
	case c.queue <- Update{Path: path, Value: value, Source: source}:
	default:
		c.logger.Warn().Str("path", path).Str("source", source).Msg("Batch queue full, dropping update")
	}
}

// Run ticks until ctx is cancelled, flushing a final batch on shutdown so
// in-flight updates are not lost.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	heartbeat := time.NewTicker(fullUpdateHeartbeat)
	defer heartbeat.Stop()

	c.logger.Info().Dur("interval", c.interval).Msg("Batch coordinator started")

	for {
		select {
		case <-ctx.Done():
			c.flush()
			c.logger.Info().Msg("Batch coordinator stopped")
			return ctx.Err()
		case <-ticker.C:
			c.flush()
		case <-heartbeat.C:
			c.bus.EmitFullUpdate()
		}
	}
}

// flush drains the queue, coalesces later-wins per path, and commits.
func (c *Coordinator) flush() {
	batch := c.drain()
	if len(batch) == 0 {
		return
	}
	patch, seq, err := c.bus.Commit(batch)
	if err != nil {
		c.logger.Error().Err(err).Int("paths", len(batch)).Msg("Batch commit failed")
		return
	}
	if !patch.IsEmpty() {
		c.logger.Debug().Uint64("seq", seq).Int("ops", len(patch)).Msg("Batch committed")
	}
}

func (c *Coordinator) drain() map[string]any {
	batch := map[string]any{}
	for {
		select {
		case u := <-c.queue:
			batch[u.Path] = u.Value
		default:
			return batch
		}
	}
}
