// Package ingest turns the SignalK delta stream and the /vessels AIS
// snapshot into canonical batch updates: path mapping, unit normalization,
// the multi-field heading/wind transforms, and notification extraction.
package ingest

import (
	"sync"

	"github.com/shorelink/shorelink/internal/state"
	"github.com/shorelink/shorelink/internal/units"
)

// pathMap translates SignalK delta paths to canonical paths. Anything not
// listed (and not a notification) is dropped.
var pathMap = map[string]string{
	"navigation.position":               state.PathNavPosition,
	"navigation.speedOverGround":        state.PathNavSpeedOverGround,
	"navigation.speedThroughWater":      state.PathNavSpeedThroughWater,
	"navigation.courseOverGroundTrue":   state.PathNavCourseOverGround,
	"navigation.headingMagnetic":        state.PathNavHeadingMagnetic,
	"navigation.headingTrue":            state.PathNavHeadingTrue,
	"navigation.magneticVariation":      state.PathNavMagneticVariation,
	"navigation.rateOfTurn":             state.PathNavRateOfTurn,
	"environment.depth.belowTransducer": state.PathEnvDepthBelowTransducer,
	"environment.depth.belowKeel":       state.PathEnvDepthBelowKeel,
	"environment.wind.speedApparent":    state.PathEnvWindSpeedApparent,
	"environment.wind.angleApparent":    state.PathEnvWindAngleApparent,
	"environment.wind.speedTrue":        state.PathEnvWindSpeedTrue,
	"environment.wind.directionTrue":    state.PathEnvWindDirTrue,
	"environment.water.temperature":     state.PathEnvWaterTemperature,
	"environment.outside.temperature":   state.PathEnvOutsideTemperature,
	"environment.outside.pressure":      state.PathEnvOutsidePressure,
	"environment.outside.humidity":      state.PathEnvOutsideHumidity,
	"name":                              state.PathVesselName,
	"mmsi":                              state.PathVesselMMSI,
	"design.draft":                      state.PathVesselDraft,
	"design.beam":                       state.PathVesselBeam,
	"design.length":                     state.PathVesselLength,
}

// MappedUpdate is one canonical write produced from a delta value.
type MappedUpdate struct {
	Path  string
	Value any
}

// Mapper converts SignalK values to canonical updates. It caches the last
// SI-native headings so the derived true/magnetic heading and apparent wind
// direction can be emitted as additional queued updates.
type Mapper struct {
	prefs func() units.Preferences

	mu             sync.Mutex
	headingTrueRad *float64
	headingMagRad  *float64
	variationRad   *float64
	windAngleRad   *float64
}

// NewMapper builds a mapper reading the active unit preferences through
// prefs, so a preferences-file change applies to subsequent ingests.
func NewMapper(prefs func() units.Preferences) *Mapper {
	return &Mapper{prefs: prefs}
}

// Map converts one SignalK path value into zero or more canonical updates.
func (m *Mapper) Map(skPath string, value any) []MappedUpdate {
	canonical, ok := pathMap[skPath]
	if !ok {
		return nil
	}

	switch canonical {
	case state.PathNavPosition:
		pos, ok := canonicalPosition(value)
		if !ok {
			return nil
		}
		return []MappedUpdate{{Path: canonical, Value: pos}}

	case state.PathNavHeadingMagnetic:
		return m.withHeadingCache(canonical, value, func(rad float64) {
			m.headingMagRad = &rad
		}, m.derivedTrueHeading)

	case state.PathNavHeadingTrue:
		extra := func() []MappedUpdate {
			out := m.derivedMagneticHeading()
			return append(out, m.derivedWindDirection()...)
		}
		return m.withHeadingCache(canonical, value, func(rad float64) {
			m.headingTrueRad = &rad
		}, extra)

	case state.PathNavMagneticVariation:
		return m.withHeadingCache(canonical, value, func(rad float64) {
			m.variationRad = &rad
		}, m.derivedTrueHeading)

	case state.PathEnvWindAngleApparent:
		return m.withHeadingCache(canonical, value, func(rad float64) {
			m.windAngleRad = &rad
		}, m.derivedWindDirection)
	}

	return m.scalar(canonical, value)
}

// scalar normalizes a plain measured value into {value, units} in the
// preferred unit. Null means "not yet observed" and passes through.
func (m *Mapper) scalar(canonical string, value any) []MappedUpdate {
	dim, hasDim := state.DimensionFor(canonical)
	if !hasDim {
		// Dimensionless (name, mmsi, humidity ratio): store as-is.
		return []MappedUpdate{{Path: canonical, Value: unwrap(value)}}
	}

	raw, ok := asFloat(value)
	if !ok {
		if isNull(value) {
			return []MappedUpdate{{Path: canonical, Value: typedNull(m.prefs().Unit(dim))}}
		}
		return nil
	}

	converted, unit, err := m.prefs().FromSI(dim, raw)
	if err != nil {
		return nil
	}
	return []MappedUpdate{{Path: canonical, Value: typedValue(converted, unit)}}
}

// withHeadingCache normalizes an angle, refreshes the SI cache under lock,
// and appends any derived updates the new value enables.
func (m *Mapper) withHeadingCache(canonical string, value any, cache func(float64), derived func() []MappedUpdate) []MappedUpdate {
	rad, ok := asFloat(value)
	if !ok {
		return m.scalar(canonical, value)
	}
	rad = units.NormalizeRadians(rad)

	m.mu.Lock()
	cache(rad)
	extra := derived()
	m.mu.Unlock()

	out := m.scalar(canonical, rad)
	return append(out, extra...)
}

// derivedTrueHeading emits headingTrue = headingMagnetic + variation when
// both are known. Callers hold m.mu.
func (m *Mapper) derivedTrueHeading() []MappedUpdate {
	if m.headingMagRad == nil || m.variationRad == nil {
		return nil
	}
	rad := units.NormalizeRadians(*m.headingMagRad + *m.variationRad)
	m.headingTrueRad = &rad
	return m.scalar(state.PathNavHeadingTrue, rad)
}

// derivedMagneticHeading emits headingMagnetic = headingTrue - variation.
func (m *Mapper) derivedMagneticHeading() []MappedUpdate {
	if m.headingTrueRad == nil || m.variationRad == nil {
		return nil
	}
	rad := units.NormalizeRadians(*m.headingTrueRad - *m.variationRad)
	m.headingMagRad = &rad
	return m.scalar(state.PathNavHeadingMagnetic, rad)
}

// derivedWindDirection emits directionApparent = headingTrue + angleApparent.
func (m *Mapper) derivedWindDirection() []MappedUpdate {
	if m.headingTrueRad == nil || m.windAngleRad == nil {
		return nil
	}
	rad := units.NormalizeRadians(*m.headingTrueRad + *m.windAngleRad)
	return m.scalar(state.PathEnvWindDirApparent, rad)
}

// canonicalPosition accepts both raw {latitude, longitude} scalars and
// {value, units}-wrapped members and canonicalizes to the wrapped form.
func canonicalPosition(value any) (map[string]any, bool) {
	pos, ok := value.(map[string]any)
	if !ok {
		return nil, false
	}
	lat, okLat := asFloat(pos["latitude"])
	lon, okLon := asFloat(pos["longitude"])
	if !okLat || !okLon {
		return nil, false
	}
	out := map[string]any{
		"latitude":  typedValue(lat, "deg"),
		"longitude": typedValue(lon, "deg"),
	}
	if ts, ok := pos["timestamp"]; ok {
		out["timestamp"] = ts
	}
	return out, true
}

func typedValue(v float64, unit string) map[string]any {
	return map[string]any{"value": v, "units": unit}
}

func typedNull(unit string) map[string]any {
	return map[string]any{"value": nil, "units": unit}
}

func unwrap(value any) any {
	if m, ok := value.(map[string]any); ok {
		if v, ok := m["value"]; ok {
			return v
		}
	}
	return value
}

func asFloat(v any) (float64, bool) {
	if m, ok := v.(map[string]any); ok {
		v = m["value"]
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func isNull(v any) bool {
	if v == nil {
		return true
	}
	if m, ok := v.(map[string]any); ok {
		val, present := m["value"]
		return present && val == nil
	}
	return false
}
