package state

import "github.com/shorelink/shorelink/internal/units"

// Top-level document keys.
const (
	KeyNavigation   = "navigation"
	KeyEnvironment  = "environment"
	KeyVessel       = "vessel"
	KeyAnchor       = "anchor"
	KeyAISTargets   = "ais.targets"
	KeyAISLegacy    = "aisTargets"
	KeyActiveAlerts = "alerts.active"
	KeyTide         = "tide"
	KeyWeather      = "weather"
	KeyBluetooth    = "bluetooth"
	KeyMeta         = "meta"
)

// Canonical value paths. This is the closed set a SignalK delta can land
// on; anything unmapped is dropped at ingest.
const (
	PathNavPosition          = "navigation.position"
	PathNavSpeedOverGround   = "navigation.speedOverGround"
	PathNavSpeedThroughWater = "navigation.speedThroughWater"
	PathNavCourseOverGround  = "navigation.courseOverGround"
	PathNavHeadingMagnetic   = "navigation.headingMagnetic"
	PathNavHeadingTrue       = "navigation.headingTrue"
	PathNavMagneticVariation = "navigation.magneticVariation"
	PathNavRateOfTurn        = "navigation.rateOfTurn"

	PathEnvDepthBelowTransducer = "environment.depth.belowTransducer"
	PathEnvDepthBelowKeel       = "environment.depth.belowKeel"
	PathEnvWindSpeedApparent    = "environment.wind.speedApparent"
	PathEnvWindAngleApparent    = "environment.wind.angleApparent"
	PathEnvWindDirApparent      = "environment.wind.directionApparent"
	PathEnvWindSpeedTrue        = "environment.wind.speedTrue"
	PathEnvWindDirTrue          = "environment.wind.directionTrue"
	PathEnvWaterTemperature     = "environment.water.temperature"
	PathEnvOutsideTemperature   = "environment.outside.temperature"
	PathEnvOutsidePressure      = "environment.outside.pressure"
	PathEnvOutsideHumidity      = "environment.outside.humidity"

	PathVesselName   = "vessel.name"
	PathVesselMMSI   = "vessel.mmsi"
	PathVesselDraft  = "vessel.draft"
	PathVesselBeam   = "vessel.beam"
	PathVesselLength = "vessel.length"

	PathAnchorDeployed           = "anchor.anchorDeployed"
	PathAnchorDropLocation       = "anchor.anchorDropLocation"
	PathAnchorLocation           = "anchor.anchorLocation"
	PathAnchorRode               = "anchor.rode"
	PathAnchorCriticalRange      = "anchor.criticalRange"
	PathAnchorWarningRange       = "anchor.warningRange"
	PathAnchorDragging           = "anchor.dragging"
	PathAnchorRodeCircleViolated = "anchor.rodeCircleViolation"
	PathAnchorAISWarning         = "anchor.aisWarning"
	PathAnchorHistory            = "anchor.history"
	PathAnchorFences             = "anchor.fences"

	PathMetaServer  = "meta.server"
	PathMetaBoatID  = "meta.boatId"
	PathMetaStarted = "meta.started"
	PathMetaVersion = "meta.version"
)

// pathDimensions records the physical dimension of each measured path so
// ingest can unit-normalize without per-value configuration.
var pathDimensions = map[string]units.Dimension{
	PathNavSpeedOverGround:   units.Speed,
	PathNavSpeedThroughWater: units.Speed,
	PathNavCourseOverGround:  units.Angle,
	PathNavHeadingMagnetic:   units.Angle,
	PathNavHeadingTrue:       units.Angle,
	PathNavMagneticVariation: units.Angle,
	PathNavRateOfTurn:        units.Angle,

	PathEnvDepthBelowTransducer: units.Length,
	PathEnvDepthBelowKeel:       units.Length,
	PathEnvWindSpeedApparent:    units.Speed,
	PathEnvWindAngleApparent:    units.Angle,
	PathEnvWindDirApparent:      units.Angle,
	PathEnvWindSpeedTrue:        units.Speed,
	PathEnvWindDirTrue:          units.Angle,
	PathEnvWaterTemperature:     units.Temperature,
	PathEnvOutsideTemperature:   units.Temperature,
	PathEnvOutsidePressure:      units.Pressure,

	PathVesselDraft:  units.Length,
	PathVesselBeam:   units.Length,
	PathVesselLength: units.Length,
}

// DimensionFor reports the unit dimension of a canonical path.
func DimensionFor(path string) (units.Dimension, bool) {
	dim, ok := pathDimensions[path]
	return dim, ok
}
