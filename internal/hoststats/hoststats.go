// Package hoststats samples the relay host (CPU, memory, disk, uptime) and
// publishes the readings under meta.server so remote clients can see the
// boat computer's health.
package hoststats

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/shorelink/shorelink/internal/batch"
	"github.com/shorelink/shorelink/internal/state"
)

// Producer periodically enqueues a meta.server snapshot.
type Producer struct {
	coord    *batch.Coordinator
	interval time.Duration
	logger   zerolog.Logger
}

// NewProducer builds a producer ticking at the given interval.
func NewProducer(coord *batch.Coordinator, interval time.Duration, logger zerolog.Logger) *Producer {
	return &Producer{
		coord:    coord,
		interval: interval,
		logger:   logger.With().Str("component", "hoststats").Logger(),
	}
}

// Run samples until ctx ends. The first sample runs immediately.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.sample(ctx)
		}
	}
}

func (p *Producer) sample(ctx context.Context) {
	stats := Collect(ctx)
	if len(stats) == 0 {
		return
	}
	p.coord.Enqueue(state.PathMetaServer, state.Replace{Value: stats}, "hoststats")
}

// Collect gathers one host reading. Individual probe failures leave their
// field out rather than failing the sample.
func Collect(ctx context.Context) map[string]any {
	out := map[string]any{
		"sampledAt": time.Now().UnixMilli(),
	}

	if percents, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(percents) > 0 {
		out["cpuPercent"] = round1(percents[0])
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		out["memory"] = map[string]any{
			"totalBytes":  vm.Total,
			"usedBytes":   vm.Used,
			"usedPercent": round1(vm.UsedPercent),
		}
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		out["disk"] = map[string]any{
			"totalBytes":  du.Total,
			"usedBytes":   du.Used,
			"usedPercent": round1(du.UsedPercent),
		}
	}
	if info, err := host.InfoWithContext(ctx); err == nil {
		out["hostname"] = info.Hostname
		out["platform"] = info.Platform
		out["uptimeSeconds"] = info.Uptime
	}

	if len(out) == 1 {
		// Only the timestamp: every probe failed.
		return nil
	}
	return out
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}
