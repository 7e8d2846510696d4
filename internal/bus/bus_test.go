package bus

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shorelink/shorelink/internal/alerts"
	"github.com/shorelink/shorelink/internal/derive"
	"github.com/shorelink/shorelink/internal/state"
)

func testBus(t *testing.T) *Bus {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	return New(derive.NewEngine(derive.DefaultConfig(), logger), logger)
}

func TestCommitPatchReproducesSnapshot(t *testing.T) {
	b := testBus(t)

	prev, _ := b.CurrentSnapshot()
	patch, seq, err := b.Commit(map[string]any{
		"navigation.position": map[string]any{
			"latitude":  map[string]any{"value": 40.7128, "units": "deg"},
			"longitude": map[string]any{"value": -74.0060, "units": "deg"},
		},
		"navigation.speedOverGround": map[string]any{"value": 5.2, "units": "kts"},
	})
	require.NoError(t, err)
	require.False(t, patch.IsEmpty())
	assert.Equal(t, uint64(1), seq)

	curr, _ := b.CurrentSnapshot()
	applied, err := state.ApplyPatch(prev, patch)
	require.NoError(t, err)
	assert.Equal(t, curr, applied)
}

func TestEmptyCommitDoesNotAdvanceSeq(t *testing.T) {
	b := testBus(t)

	_, seq, err := b.Commit(map[string]any{"vessel.name": "Wanderer"})
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq)

	// The identical write is a no-op.
	patch, seq, err := b.Commit(map[string]any{"vessel.name": "Wanderer"})
	require.NoError(t, err)
	assert.True(t, patch.IsEmpty())
	assert.Equal(t, uint64(1), seq)
}

func TestPatchListenersObserveCommitOrder(t *testing.T) {
	b := testBus(t)

	var seqs []uint64
	unsub := b.OnPatch(func(e PatchEvent) { seqs = append(seqs, e.Seq) })
	defer unsub()

	for i := 0; i < 5; i++ {
		_, _, err := b.Commit(map[string]any{"meta.counter": float64(i)})
		require.NoError(t, err)
	}

	require.Len(t, seqs, 5)
	for i := 1; i < len(seqs); i++ {
		assert.Equal(t, seqs[i-1]+1, seqs[i])
	}
}

func TestAISAliasMirroring(t *testing.T) {
	b := testBus(t)

	target := map[string]any{
		"mmsi":     "123456789",
		"position": map[string]any{"latitude": 40.0, "longitude": -74.0},
	}
	_, _, err := b.Commit(map[string]any{"ais.targets.123456789": target})
	require.NoError(t, err)

	snap, _ := b.CurrentSnapshot()
	canonical, ok := state.Lookup(snap, "ais.targets.123456789")
	require.True(t, ok)
	legacy, ok := state.Lookup(snap, "aisTargets.123456789")
	require.True(t, ok)
	assert.Equal(t, canonical, legacy)

	// Removal mirrors too.
	_, _, err = b.Commit(map[string]any{"ais.targets.123456789": state.Tombstone})
	require.NoError(t, err)
	snap, _ = b.CurrentSnapshot()
	_, ok = state.Lookup(snap, "ais.targets.123456789")
	assert.False(t, ok)
	_, ok = state.Lookup(snap, "aisTargets.123456789")
	assert.False(t, ok)
}

func TestAnchorUpdateIdempotent(t *testing.T) {
	b := testBus(t)

	payload := map[string]any{
		"anchorDeployed": true,
		"anchorDropLocation": map[string]any{
			"position": map[string]any{"latitude": 40.7128, "longitude": -74.0060},
		},
		"rode": map[string]any{"amount": 30.0, "units": "m"},
	}

	patch, seq1, err := b.UpdateAnchorState(payload)
	require.NoError(t, err)
	require.False(t, patch.IsEmpty())

	patch, seq2, err := b.UpdateAnchorState(payload)
	require.NoError(t, err)
	assert.True(t, patch.IsEmpty())
	assert.Equal(t, seq1, seq2)
}

func TestAnchorDragCommitCreatesAlert(t *testing.T) {
	b := testBus(t)

	_, _, err := b.UpdateAnchorState(map[string]any{
		"anchorDeployed": true,
		"anchorDropLocation": map[string]any{
			"position": map[string]any{"latitude": 40.7128, "longitude": -74.0060},
		},
		"rode": map[string]any{"amount": 30.0, "units": "m"},
	})
	require.NoError(t, err)

	var patches []PatchEvent
	unsub := b.OnPatch(func(e PatchEvent) { patches = append(patches, e) })
	defer unsub()

	// Boat drifts about 840 m west of the drop.
	_, _, err = b.Commit(map[string]any{
		"navigation.position": map[string]any{
			"latitude":  map[string]any{"value": 40.7128, "units": "deg"},
			"longitude": map[string]any{"value": -74.0160, "units": "deg"},
		},
	})
	require.NoError(t, err)

	snap, _ := b.CurrentSnapshot()
	dragging, ok := state.LookupBool(snap, "anchor.dragging")
	require.True(t, ok)
	assert.True(t, dragging)

	list := state.LookupSlice(snap, state.KeyActiveAlerts)
	alert, ok := alerts.ActiveByTrigger(list, alerts.TriggerAnchorDragging)
	require.True(t, ok)
	assert.Equal(t, alerts.LevelCritical, alert.Level)

	// The drag state and the alert arrive in the same ordered patch.
	require.Len(t, patches, 1)
	sawDragging := false
	for _, op := range patches[0].Patch {
		if op.Path == "/anchor/dragging" {
			sawDragging = true
		}
	}
	assert.True(t, sawDragging)

	// Retrieving the anchor clears dragging and resolves the alert.
	_, _, err = b.UpdateAnchorState(map[string]any{"anchorDeployed": false})
	require.NoError(t, err)
	snap, _ = b.CurrentSnapshot()
	dragging, _ = state.LookupBool(snap, "anchor.dragging")
	assert.False(t, dragging)
	list = state.LookupSlice(snap, state.KeyActiveAlerts)
	_, stillActive := alerts.ActiveByTrigger(list, alerts.TriggerAnchorDragging)
	assert.False(t, stillActive)
}

func TestResetAnchorState(t *testing.T) {
	b := testBus(t)

	_, _, err := b.UpdateAnchorState(map[string]any{
		"anchorDeployed": true,
		"anchorDropLocation": map[string]any{
			"position": map[string]any{"latitude": 40.7128, "longitude": -74.0060},
		},
		"rode": map[string]any{"amount": 30.0, "units": "m"},
	})
	require.NoError(t, err)

	patch, _, err := b.ResetAnchorState()
	require.NoError(t, err)
	require.False(t, patch.IsEmpty())

	snap, _ := b.CurrentSnapshot()
	anchor := state.LookupTree(snap, state.KeyAnchor)
	assert.Empty(t, anchor)

	// A second reset is a no-op.
	patch, _, err = b.ResetAnchorState()
	require.NoError(t, err)
	assert.True(t, patch.IsEmpty())
}

func TestTideUpdateNotifiesListeners(t *testing.T) {
	b := testBus(t)

	var got map[string]any
	unsub := b.OnTide(func(payload map[string]any) { got = payload })
	defer unsub()

	require.NoError(t, b.UpdateTide(map[string]any{"height": 1.2}))
	require.NotNil(t, got)
	assert.Equal(t, 1.2, got["height"])

	snap, _ := b.CurrentSnapshot()
	h, ok := state.LookupFloat(snap, "tide.height")
	require.True(t, ok)
	assert.Equal(t, 1.2, h)
}

func TestClientCountFloorsAtZero(t *testing.T) {
	b := testBus(t)
	assert.Equal(t, 1, b.AddClients(1))
	assert.Equal(t, 0, b.AddClients(-1))
	assert.Equal(t, 0, b.AddClients(-1))
	assert.Equal(t, 0, b.ClientCount())
}

func TestFullUpdateCarriesSeq(t *testing.T) {
	b := testBus(t)
	_, seq, err := b.Commit(map[string]any{"vessel.name": "Wanderer"})
	require.NoError(t, err)

	var event FullUpdateEvent
	unsub := b.OnFullUpdate(func(e FullUpdateEvent) { event = e })
	defer unsub()

	b.EmitFullUpdate()
	assert.Equal(t, seq, event.Seq)
	name, ok := state.LookupString(event.State, "vessel.name")
	require.True(t, ok)
	assert.Equal(t, "Wanderer", name)
}

func TestSyncNotification(t *testing.T) {
	b := testBus(t)
	clock := time.Now()
	b.SetClock(func() time.Time { return clock })

	seed := alerts.Seed{
		Type:           "signalk_notification",
		Category:       alerts.CategorySignalK,
		Source:         "signalk",
		Level:          alerts.LevelWarning,
		Message:        "Low battery",
		AutoResolvable: true,
	}
	require.NoError(t, b.SyncNotification("signalk:electrical.batteries.0", true, seed))

	snap, _ := b.CurrentSnapshot()
	list := state.LookupSlice(snap, state.KeyActiveAlerts)
	_, ok := alerts.ActiveByTrigger(list, "signalk:electrical.batteries.0")
	require.True(t, ok)

	// Duplicate create is suppressed by trigger uniqueness.
	_, seqBefore := b.CurrentSnapshot()
	require.NoError(t, b.SyncNotification("signalk:electrical.batteries.0", true, seed))
	_, seqAfter := b.CurrentSnapshot()
	assert.Equal(t, seqBefore, seqAfter)

	// Clearing resolves the alert.
	require.NoError(t, b.SyncNotification("signalk:electrical.batteries.0", false, alerts.Seed{}))
	snap, _ = b.CurrentSnapshot()
	list = state.LookupSlice(snap, state.KeyActiveAlerts)
	_, ok = alerts.ActiveByTrigger(list, "signalk:electrical.batteries.0")
	assert.False(t, ok)
}
