// Package derive recomputes the derived anchor fields and evaluates the
// alert rule set on every state commit. It is pure over (current, previous)
// snapshots: the state bus applies its output as a second patch stage within
// the same commit.
package derive

import (
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/shorelink/shorelink/internal/alerts"
	"github.com/shorelink/shorelink/internal/state"
	"github.com/shorelink/shorelink/internal/units"
)

// AnchorMovedThreshold separates a dragging anchor from a rode-length
// configuration mismatch.
const AnchorMovedThreshold = 5.0 // meters

// Config tunes history sampling and caps.
type Config struct {
	MinBreadcrumbInterval time.Duration
	MaxHistoryEntries     int
	FenceHistoryWindow    time.Duration
	FenceHistoryInterval  time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MinBreadcrumbInterval: 30 * time.Second,
		MaxHistoryEntries:     1000,
		FenceHistoryWindow:    2 * time.Hour,
		FenceHistoryInterval:  30 * time.Second,
	}
}

// Engine derives anchor fields and runs the rule set.
type Engine struct {
	cfg    Config
	rules  []alerts.Rule
	logger zerolog.Logger
}

// NewEngine builds an engine with the built-in rule set.
func NewEngine(cfg Config, logger zerolog.Logger) *Engine {
	if cfg.MaxHistoryEntries <= 0 {
		cfg.MaxHistoryEntries = 1000
	}
	return &Engine{cfg: cfg, rules: alerts.DefaultRules(), logger: logger}
}

// Derive returns the path→value batch of derived anchor fields for the
// committed state. An empty map means nothing to write.
func (e *Engine) Derive(curr, prev state.Tree, now time.Time) map[string]any {
	out := map[string]any{}

	anchor := state.LookupTree(curr, state.KeyAnchor)
	if anchor == nil {
		return out
	}

	deployed, _ := state.LookupBool(curr, state.PathAnchorDeployed)
	if !deployed {
		// Retrieval clears the derived flags so downstream rules resolve.
		if dragging, ok := state.LookupBool(curr, state.PathAnchorDragging); ok && dragging {
			out[state.PathAnchorDragging] = false
		}
		if warn, ok := state.LookupBool(curr, state.PathAnchorAISWarning); ok && warn {
			out[state.PathAnchorAISWarning] = false
		}
		if viol, ok := state.LookupBool(curr, state.PathAnchorRodeCircleViolated); ok && viol {
			out[state.PathAnchorRodeCircleViolated] = false
		}
		return out
	}

	boatLat, okLat := state.LookupFloat(curr, "navigation.position.latitude")
	boatLon, okLon := state.LookupFloat(curr, "navigation.position.longitude")
	if !okLat || !okLon {
		return out
	}

	dropLat, dropLon, haveDrop := positionAt(curr, "anchor.anchorDropLocation.position")
	anchorLat, anchorLon, haveAnchor := positionAt(curr, "anchor.anchorLocation.position")

	var dDrop float64
	if haveDrop {
		dDrop = Haversine(boatLat, boatLon, dropLat, dropLon)
		out["anchor.anchorDropLocation.distancesFromCurrent"] = meters(dDrop)
		out["anchor.anchorDropLocation.bearing"] = degrees(InitialBearing(boatLat, boatLon, dropLat, dropLon))
	}

	var dAnchorDrop float64
	if haveAnchor {
		dAnchor := Haversine(boatLat, boatLon, anchorLat, anchorLon)
		out["anchor.anchorLocation.distancesFromCurrent"] = meters(dAnchor)
		out["anchor.anchorLocation.bearing"] = degrees(InitialBearing(boatLat, boatLon, anchorLat, anchorLon))
		if haveDrop {
			dAnchorDrop = Haversine(anchorLat, anchorLon, dropLat, dropLon)
			out["anchor.anchorLocation.distancesFromDrop"] = meters(dAnchorDrop)
		}
	}

	if haveDrop {
		e.deriveDragging(curr, dDrop, dAnchorDrop, haveAnchor, out)
		e.deriveBreadcrumbs(curr, boatLat, boatLon, now, out)
	}

	e.deriveAISWarning(curr, boatLat, boatLon, out)
	e.deriveFences(curr, boatLat, boatLon, dropLat, dropLon, haveDrop, now, out)

	return out
}

// Alerts evaluates the rule set against the committed state, returning the
// next alerts.active list when it changed.
func (e *Engine) Alerts(curr, prev state.Tree, now time.Time) ([]any, bool) {
	list := state.LookupSlice(curr, state.KeyActiveAlerts)
	return alerts.Evaluate(e.rules, list, curr, prev, now, e.logger)
}

// deriveDragging applies the dragging truth table. When the anchor position
// is unknown the rode-circle violation alone counts as dragging; with a
// known anchor position a violated circle and an unmoved anchor is a rode
// configuration mismatch instead.
func (e *Engine) deriveDragging(curr state.Tree, dDrop, dAnchorDrop float64, haveAnchor bool, out map[string]any) {
	rodeM, haveRode := rodeMeters(curr)
	if !haveRode || rodeM <= 0 {
		return
	}

	rodeCircleViolated := dDrop > rodeM
	dragging := rodeCircleViolated
	mismatch := false
	if haveAnchor {
		anchorMoved := dAnchorDrop > AnchorMovedThreshold
		dragging = rodeCircleViolated && anchorMoved
		mismatch = rodeCircleViolated && !anchorMoved
	}

	if prevVal, ok := state.LookupBool(curr, state.PathAnchorDragging); !ok || prevVal != dragging {
		out[state.PathAnchorDragging] = dragging
	}
	if prevVal, ok := state.LookupBool(curr, state.PathAnchorRodeCircleViolated); !ok || prevVal != mismatch {
		out[state.PathAnchorRodeCircleViolated] = mismatch
	}
}

func (e *Engine) deriveBreadcrumbs(curr state.Tree, lat, lon float64, now time.Time, out map[string]any) {
	history := state.LookupSlice(curr, state.PathAnchorHistory)

	if n := len(history); n > 0 {
		if last, ok := history[n-1].(map[string]any); ok {
			if lastTime, ok := floatField(last, "time"); ok {
				if now.UnixMilli()-int64(lastTime) < e.cfg.MinBreadcrumbInterval.Milliseconds() {
					return
				}
			}
		}
	}

	entry := map[string]any{
		"position": map[string]any{"latitude": lat, "longitude": lon},
		"time":     now.UnixMilli(),
	}
	next := append(append([]any{}, history...), entry)
	if len(next) > e.cfg.MaxHistoryEntries {
		next = next[len(next)-e.cfg.MaxHistoryEntries:]
	}
	out[state.PathAnchorHistory] = state.Replace{Value: next}
}

func (e *Engine) deriveAISWarning(curr state.Tree, boatLat, boatLon float64, out map[string]any) {
	warnM, ok := rangeMeters(curr, "anchor.warningRange")
	if !ok || warnM <= 0 {
		return
	}

	count := 0
	targets := state.LookupTree(curr, state.KeyAISTargets)
	for _, raw := range targets {
		target, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		lat, lon, ok := targetPosition(target)
		if !ok {
			continue
		}
		if Haversine(boatLat, boatLon, lat, lon) <= warnM {
			count++
		}
	}

	warning := count > 0
	if prevVal, ok := state.LookupBool(curr, state.PathAnchorAISWarning); !ok || prevVal != warning {
		out[state.PathAnchorAISWarning] = warning
	}
}

func (e *Engine) deriveFences(curr state.Tree, boatLat, boatLon, dropLat, dropLon float64, haveDrop bool, now time.Time, out map[string]any) {
	fences := state.LookupSlice(curr, state.PathAnchorFences)
	if len(fences) == 0 {
		return
	}

	changed := false
	next := make([]any, 0, len(fences))
	for _, raw := range fences {
		fence, ok := raw.(map[string]any)
		if !ok {
			next = append(next, raw)
			continue
		}
		updated, fenceChanged := e.updateFence(fence, curr, boatLat, boatLon, dropLat, dropLon, haveDrop, now)
		next = append(next, updated)
		changed = changed || fenceChanged
	}

	if changed {
		out[state.PathAnchorFences] = state.Replace{Value: next}
	}
}

func (e *Engine) updateFence(fence map[string]any, curr state.Tree, boatLat, boatLon, dropLat, dropLon float64, haveDrop bool, now time.Time) (map[string]any, bool) {
	enabled, _ := boolField(fence, "enabled")
	if !enabled {
		return fence, false
	}

	refLat, refLon := boatLat, boatLon
	if refType, _ := stringField(fence, "referenceType"); refType == "anchor_drop" {
		if !haveDrop {
			return fence, false
		}
		refLat, refLon = dropLat, dropLon
	}

	var targetLat, targetLon float64
	switch targetType, _ := stringField(fence, "targetType"); targetType {
	case "ais":
		mmsi, _ := stringField(fence, "targetMmsi")
		target := state.LookupTree(curr, state.KeyAISTargets+"."+mmsi)
		if target == nil {
			return fence, false
		}
		lat, lon, posOK := targetPosition(target)
		if !posOK {
			return fence, false
		}
		targetLat, targetLon = lat, lon
	default: // static
		pos, isMap := fence["targetPosition"].(map[string]any)
		if !isMap {
			return fence, false
		}
		lat, latOK := floatField(pos, "latitude")
		lon, lonOK := floatField(pos, "longitude")
		if !latOK || !lonOK {
			return fence, false
		}
		targetLat, targetLon = lat, lon
	}

	distM := Haversine(refLat, refLon, targetLat, targetLon)

	unit, _ := stringField(fence, "units")
	if unit == "" {
		unit = "m"
	}
	dist, err := units.Convert(distM, "m", unit)
	if err != nil {
		dist = distM
	}

	updated := make(map[string]any, len(fence))
	for k, v := range fence {
		updated[k] = v
	}
	updated["currentDistance"] = dist

	nowMS := now.UnixMilli()
	if minDist, ok := floatField(fence, "minimumDistance"); !ok || dist < minDist {
		updated["minimumDistance"] = dist
		updated["minimumDistanceUpdatedAt"] = nowMS
	}

	alertRange, _ := floatField(fence, "alertRange")
	updated["inAlert"] = alertRange > 0 && dist <= alertRange

	updated["distanceHistory"] = e.sampleFenceHistory(fence, dist, nowMS)

	return updated, true
}

// sampleFenceHistory appends a {t, v} sample when the interval has elapsed
// and prunes entries outside the window.
func (e *Engine) sampleFenceHistory(fence map[string]any, dist float64, nowMS int64) []any {
	var history []any
	if h, ok := fence["distanceHistory"].([]any); ok {
		history = h
	}

	sample := true
	if n := len(history); n > 0 {
		if last, ok := history[n-1].(map[string]any); ok {
			if lastT, ok := floatField(last, "t"); ok {
				sample = nowMS-int64(lastT) >= e.cfg.FenceHistoryInterval.Milliseconds()
			}
		}
	}

	next := make([]any, 0, len(history)+1)
	cutoff := nowMS - e.cfg.FenceHistoryWindow.Milliseconds()
	for _, entry := range history {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		if t, ok := floatField(m, "t"); ok && int64(t) >= cutoff {
			next = append(next, entry)
		}
	}
	if sample {
		next = append(next, map[string]any{"t": nowMS, "v": dist})
	}
	return next
}

func meters(v float64) map[string]any {
	return map[string]any{"value": round2(v), "units": "m"}
}

func degrees(v float64) map[string]any {
	return map[string]any{"value": round2(v), "units": "deg"}
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// positionAt reads a {latitude, longitude} pair, accepting both raw scalars
// and {value, units} wrappers.
func positionAt(t state.Tree, path string) (float64, float64, bool) {
	lat, okLat := state.LookupFloat(t, path+".latitude")
	lon, okLon := state.LookupFloat(t, path+".longitude")
	return lat, lon, okLat && okLon
}

func targetPosition(target map[string]any) (float64, float64, bool) {
	pos, ok := target["position"].(map[string]any)
	if !ok {
		return 0, 0, false
	}
	lat, okLat := floatField(pos, "latitude")
	lon, okLon := floatField(pos, "longitude")
	return lat, lon, okLat && okLon
}

func rodeMeters(t state.Tree) (float64, bool) {
	amount, ok := state.LookupFloat(t, "anchor.rode.amount")
	if !ok {
		return 0, false
	}
	unit, _ := state.LookupString(t, "anchor.rode.units")
	if unit == "" {
		unit = "m"
	}
	m, err := units.Convert(amount, unit, "m")
	if err != nil {
		return 0, false
	}
	return m, true
}

func rangeMeters(t state.Tree, path string) (float64, bool) {
	r, ok := state.LookupFloat(t, path+".r")
	if !ok {
		return 0, false
	}
	unit, _ := state.LookupString(t, path+".units")
	if unit == "" {
		unit = "m"
	}
	m, err := units.Convert(r, unit, "m")
	if err != nil {
		return 0, false
	}
	return m, true
}

func floatField(m map[string]any, key string) (float64, bool) {
	v, ok := m[key]
	if !ok {
		return 0, false
	}
	if wrapped, isMap := v.(map[string]any); isMap {
		v = wrapped["value"]
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func boolField(m map[string]any, key string) (bool, bool) {
	b, ok := m[key].(bool)
	return b, ok
}

func stringField(m map[string]any, key string) (string, bool) {
	s, ok := m[key].(string)
	return s, ok
}
