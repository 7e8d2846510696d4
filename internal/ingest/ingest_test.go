package ingest

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shorelink/shorelink/internal/alerts"
	"github.com/shorelink/shorelink/internal/batch"
	"github.com/shorelink/shorelink/internal/bus"
	"github.com/shorelink/shorelink/internal/state"
	"github.com/shorelink/shorelink/internal/units"
)

func metricMapper() *Mapper {
	prefs := units.Metric()
	return NewMapper(func() units.Preferences { return prefs })
}

func single(t *testing.T, m *Mapper, path string, value any) MappedUpdate {
	t.Helper()
	out := m.Map(path, value)
	require.Len(t, out, 1)
	return out[0]
}

func TestMapSpeedToPreferredUnit(t *testing.T) {
	u := single(t, metricMapper(), "navigation.speedOverGround", 5.0)
	assert.Equal(t, "navigation.speedOverGround", u.Path)
	v := u.Value.(map[string]any)
	assert.Equal(t, "kts", v["units"])
	assert.InDelta(t, 9.71922, v["value"].(float64), 0.0001)
}

func TestMapUnknownPathDropped(t *testing.T) {
	assert.Nil(t, metricMapper().Map("propulsion.main.revolutions", 30.0))
}

func TestMapNullPassesThrough(t *testing.T) {
	u := single(t, metricMapper(), "environment.depth.belowKeel", nil)
	v := u.Value.(map[string]any)
	assert.Nil(t, v["value"])
	assert.Equal(t, "m", v["units"])
}

func TestMapPositionRawShape(t *testing.T) {
	u := single(t, metricMapper(), "navigation.position", map[string]any{
		"latitude":  40.7128,
		"longitude": -74.0060,
		"timestamp": "2026-08-25T10:00:00Z",
	})
	pos := u.Value.(map[string]any)
	lat := pos["latitude"].(map[string]any)
	assert.Equal(t, 40.7128, lat["value"])
	assert.Equal(t, "deg", lat["units"])
	assert.Equal(t, "2026-08-25T10:00:00Z", pos["timestamp"])
}

func TestMapPositionWrappedShape(t *testing.T) {
	u := single(t, metricMapper(), "navigation.position", map[string]any{
		"latitude":  map[string]any{"value": 40.7128, "units": "deg"},
		"longitude": map[string]any{"value": -74.0060, "units": "deg"},
	})
	pos := u.Value.(map[string]any)
	lon := pos["longitude"].(map[string]any)
	assert.Equal(t, -74.0060, lon["value"])
}

func TestDerivedTrueHeading(t *testing.T) {
	m := metricMapper()

	// Magnetic alone: no derived heading yet.
	out := m.Map("navigation.headingMagnetic", 1.0)
	require.Len(t, out, 1)

	// Variation arrives: emits variation plus derived headingTrue.
	out = m.Map("navigation.magneticVariation", 0.1)
	require.Len(t, out, 2)
	assert.Equal(t, state.PathNavMagneticVariation, out[0].Path)
	assert.Equal(t, state.PathNavHeadingTrue, out[1].Path)
	v := out[1].Value.(map[string]any)
	assert.InDelta(t, 63.025357, v["value"].(float64), 0.0001) // 1.1 rad in deg
}

func TestDerivedWindDirection(t *testing.T) {
	m := metricMapper()
	m.Map("navigation.headingTrue", 1.0)

	out := m.Map("environment.wind.angleApparent", 0.5)
	require.Len(t, out, 2)
	assert.Equal(t, state.PathEnvWindAngleApparent, out[0].Path)
	assert.Equal(t, state.PathEnvWindDirApparent, out[1].Path)
	v := out[1].Value.(map[string]any)
	assert.InDelta(t, 85.943669, v["value"].(float64), 0.0001) // 1.5 rad in deg
}

func TestNotificationCreatesAndResolvesAlert(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	b := bus.New(nil, logger)
	coord := batch.NewCoordinator(b, time.Hour, logger)
	ing := NewIngestor(nil, coord, b, metricMapper(), Config{}, logger)

	ing.handleFrame([]byte(`{"updates":[{"$source":"engine.0","values":[
		{"path":"notifications.engine.overTemp","value":{"state":"alarm","message":"Engine hot"}}]}]}`))

	snap, _ := b.CurrentSnapshot()
	list := state.LookupSlice(snap, state.KeyActiveAlerts)
	require.Len(t, list, 1)
	alert, ok := alerts.Decode(list[0])
	require.True(t, ok)
	assert.Equal(t, "signalk:engine.overTemp", alert.Trigger)
	assert.Equal(t, alerts.LevelCritical, alert.Level)
	assert.Equal(t, "Engine hot", alert.Message)

	ing.handleFrame([]byte(`{"updates":[{"$source":"engine.0","values":[
		{"path":"notifications.engine.overTemp","value":{"state":"normal"}}]}]}`))

	snap, _ = b.CurrentSnapshot()
	list = state.LookupSlice(snap, state.KeyActiveAlerts)
	alert, ok = alerts.Decode(list[0])
	require.True(t, ok)
	require.NotNil(t, alert.ResolvedAt)
}

func TestNotificationServerPathsIgnored(t *testing.T) {
	logger := zerolog.New(zerolog.NewTestWriter(t))
	b := bus.New(nil, logger)
	coord := batch.NewCoordinator(b, time.Hour, logger)
	ing := NewIngestor(nil, coord, b, metricMapper(), Config{}, logger)

	ing.handleFrame([]byte(`{"updates":[{"$source":"sk","values":[
		{"path":"notifications.server.newVersion","value":{"state":"alert","message":"update available"}}]}]}`))

	snap, _ := b.CurrentSnapshot()
	assert.Empty(t, state.LookupSlice(snap, state.KeyActiveAlerts))
}

func targetFleet(n int, lat float64) map[string]state.Tree {
	out := map[string]state.Tree{}
	for i := 0; i < n; i++ {
		mmsi := string(rune('A' + i))
		out[mmsi] = state.Tree{
			"mmsi":     mmsi,
			"position": map[string]any{"latitude": lat, "longitude": 0.0},
			"sog":      1.0,
		}
	}
	return out
}

func TestDiffTargets(t *testing.T) {
	prev := targetFleet(3, 10.0)
	next := targetFleet(3, 10.0)
	delete(next, "C")
	next["D"] = state.Tree{"mmsi": "D", "position": map[string]any{"latitude": 1.0, "longitude": 1.0}}
	next["B"]["sog"] = 2.0

	added, removed, updated := diffTargets(prev, next)
	assert.Equal(t, []string{"D"}, added)
	assert.Equal(t, []string{"C"}, removed)
	assert.Equal(t, []string{"B"}, updated)
}

func TestDiffIgnoresLastUpdated(t *testing.T) {
	prev := targetFleet(1, 10.0)
	next := targetFleet(1, 10.0)
	prev["A"]["lastUpdated"] = int64(1)
	next["A"]["lastUpdated"] = int64(2)

	added, removed, updated := diffTargets(prev, next)
	assert.Empty(t, added)
	assert.Empty(t, removed)
	assert.Empty(t, updated)
}

func TestReplacePolicy(t *testing.T) {
	tests := []struct {
		name     string
		changes  int
		totalNew int
		replace  bool
	}{
		{"small diff on big fleet", 5, 100, false},
		{"over 30 percent churn", 4, 10, true},
		{"exactly 30 percent keeps patching", 3, 10, false},
		{"over 20 absolute changes", 21, 200, true},
		{"fleet emptied", 2, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.replace, replaceWholeTree(tt.changes, tt.totalNew))
		})
	}
}

func TestExtractTargetsExcludesSelf(t *testing.T) {
	vessels := map[string]any{
		"urn:mrn:imo:mmsi:111111111": map[string]any{
			"mmsi": "111111111",
			"name": "Neighbor",
			"navigation": map[string]any{
				"position": map[string]any{"value": map[string]any{"latitude": 40.7, "longitude": -74.0}},
				"speedOverGround": map[string]any{"value": 3.2},
			},
		},
		"urn:mrn:imo:mmsi:999999999": map[string]any{
			"mmsi": "999999999",
			"navigation": map[string]any{
				"position": map[string]any{"value": map[string]any{"latitude": 40.8, "longitude": -74.1}},
			},
		},
		"urn:mrn:imo:mmsi:222222222": map[string]any{
			"mmsi": "222222222", // no position: skipped
		},
	}

	targets := extractTargets(vessels, "urn:mrn:imo:mmsi:999999999", 1000)
	require.Len(t, targets, 1)
	target := targets["111111111"]
	require.NotNil(t, target)
	assert.Equal(t, "Neighbor", target["name"])
	assert.Equal(t, 3.2, target["sog"])
	assert.Equal(t, int64(1000), target["lastUpdated"])
}
