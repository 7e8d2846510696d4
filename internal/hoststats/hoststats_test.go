package hoststats

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shorelink/shorelink/internal/batch"
	"github.com/shorelink/shorelink/internal/bus"
	"github.com/shorelink/shorelink/internal/state"
)

func TestCollectReportsHost(t *testing.T) {
	stats := Collect(context.Background())
	require.NotNil(t, stats)
	assert.Contains(t, stats, "sampledAt")
	assert.Contains(t, stats, "memory")
}

func TestSamplePublishesMetaServer(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	b := bus.New(nil, logger)
	coord := batch.NewCoordinator(b, time.Hour, logger)
	p := NewProducer(coord, time.Hour, logger)

	p.sample(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = coord.Run(ctx) // final flush commits the queued sample

	snap, _ := b.CurrentSnapshot()
	server := state.LookupTree(snap, state.PathMetaServer)
	require.NotEmpty(t, server)
	assert.Contains(t, server, "sampledAt")
}

func TestRound1(t *testing.T) {
	assert.Equal(t, 42.3, round1(42.34))
	assert.Equal(t, 42.4, round1(42.36))
	assert.Equal(t, 0.0, round1(0))
}
