package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shorelink/shorelink/internal/bus"
	"github.com/shorelink/shorelink/internal/state"
)

func TestObserveCountsCommits(t *testing.T) {
	b := bus.New(nil, zerolog.New(zerolog.NewTestWriter(t)))
	unsub := Observe(b)
	defer unsub()

	commitsBefore := testutil.ToFloat64(CommitsTotal)
	opsBefore := testutil.ToFloat64(PatchOpsTotal)

	patch, _, err := b.Commit(map[string]any{"navigation.speedOverGround": map[string]any{"value": 5.0, "units": "kts"}})
	require.NoError(t, err)
	require.NotEmpty(t, patch)

	assert.Equal(t, commitsBefore+1, testutil.ToFloat64(CommitsTotal))
	assert.Equal(t, opsBefore+float64(len(patch)), testutil.ToFloat64(PatchOpsTotal))
}

func TestObserveTracksActiveAlerts(t *testing.T) {
	b := bus.New(nil, zerolog.New(zerolog.NewTestWriter(t)))
	unsub := Observe(b)
	defer unsub()

	_, _, err := b.Commit(map[string]any{
		state.KeyActiveAlerts: state.Replace{Value: []any{
			map[string]any{"id": "a1", "trigger": "anchor_dragging"},
			map[string]any{"id": "a2", "trigger": "depth_shallow"},
		}},
	})
	require.NoError(t, err)

	b.EmitFullUpdate()
	assert.Equal(t, 2.0, testutil.ToFloat64(ActiveAlerts))
}
