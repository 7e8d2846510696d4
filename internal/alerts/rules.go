package alerts

import (
	"fmt"

	"github.com/shorelink/shorelink/internal/state"
	"github.com/shorelink/shorelink/internal/units"
)

// Alert triggers. At most one unacknowledged alert exists per trigger.
const (
	TriggerCriticalRange    = "critical_range"
	TriggerAnchorDragging   = "anchor_dragging"
	TriggerAISProximity     = "ais_proximity"
	TriggerHighApparentWind = "high_apparent_wind"
	TriggerHighTrueWind     = "high_true_wind"
)

// DefaultWindThresholdKts is the wind-alert threshold in knots.
const DefaultWindThresholdKts = 25.0

// ActionType selects what a rule does when its condition holds.
type ActionType string

const (
	ActionCreateAlert   ActionType = "CREATE_ALERT"
	ActionResolveAlerts ActionType = "RESOLVE_ALERTS"
)

// Action describes a rule's effect. CREATE_ALERT appends a seeded alert for
// Trigger unless one is already active; RESOLVE_ALERTS resolves by Trigger,
// or by Category (auto-resolvable only) when Trigger is empty.
type Action struct {
	Type     ActionType
	Trigger  string
	Category string
	Payload  func(curr state.Tree) Seed
}

// Rule pairs a pure condition over (current, previous) state with an action.
// Rules are values; they capture no mutable state.
type Rule struct {
	Name      string
	Condition func(curr, prev state.Tree) bool
	Action    Action
}

// DefaultRules returns the built-in rule set in declaration order.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "critical-range-exceeded",
			Condition: func(curr, prev state.Tree) bool {
				if !anchorDeployed(curr) {
					return false
				}
				dist, distOK := anchorDistanceMeters(curr)
				limit, limitOK := rangeMeters(curr, "anchor.criticalRange")
				return distOK && limitOK && limit > 0 && dist > limit
			},
			Action: Action{
				Type:    ActionCreateAlert,
				Trigger: TriggerCriticalRange,
				Payload: func(curr state.Tree) Seed {
					dist, _ := anchorDistanceMeters(curr)
					limit, _ := rangeMeters(curr, "anchor.criticalRange")
					return Seed{
						Type:     "anchor_alarm",
						Category: CategoryAnchor,
						Source:   "derivation",
						Level:    LevelCritical,
						Label:    "Critical range exceeded",
						Message:  fmt.Sprintf("Boat is %.0f m from anchor, beyond the %.0f m critical range", dist, limit),
						Data: map[string]any{
							"distance":      dist,
							"criticalRange": limit,
						},
						AutoResolvable: true,
					}
				},
			},
		},
		{
			Name: "critical-range-resolved",
			Condition: func(curr, prev state.Tree) bool {
				if !anchorDeployed(curr) {
					return false
				}
				dist, distOK := anchorDistanceMeters(curr)
				limit, limitOK := rangeMeters(curr, "anchor.criticalRange")
				return distOK && limitOK && limit > 0 && dist <= limit
			},
			Action: Action{Type: ActionResolveAlerts, Trigger: TriggerCriticalRange},
		},
		{
			Name: "anchor-dragging",
			Condition: func(curr, prev state.Tree) bool {
				dragging, _ := state.LookupBool(curr, "anchor.dragging")
				return dragging
			},
			Action: Action{
				Type:    ActionCreateAlert,
				Trigger: TriggerAnchorDragging,
				Payload: func(curr state.Tree) Seed {
					dist, _ := anchorDistanceMeters(curr)
					return Seed{
						Type:     "anchor_alarm",
						Category: CategoryAnchor,
						Source:   "derivation",
						Level:    LevelCritical,
						Label:    "Anchor dragging",
						Message:  "Anchor appears to be dragging",
						Data: map[string]any{
							"distance": dist,
						},
						AutoResolvable: true,
					}
				},
			},
		},
		{
			Name: "anchor-retrieved",
			Condition: func(curr, prev state.Tree) bool {
				wasDeployed := anchorDeployed(prev)
				return wasDeployed && !anchorDeployed(curr)
			},
			Action: Action{Type: ActionResolveAlerts, Category: CategoryAnchor},
		},
		{
			Name: "ais-proximity",
			Condition: func(curr, prev state.Tree) bool {
				warning, _ := state.LookupBool(curr, "anchor.aisWarning")
				return warning
			},
			Action: Action{
				Type:    ActionCreateAlert,
				Trigger: TriggerAISProximity,
				Payload: func(curr state.Tree) Seed {
					limit, _ := rangeMeters(curr, "anchor.warningRange")
					return Seed{
						Type:     "ais_alarm",
						Category: CategoryAnchor,
						Source:   "derivation",
						Level:    LevelWarning,
						Label:    "AIS target nearby",
						Message:  fmt.Sprintf("AIS target within the %.0f m warning radius", limit),
						Data: map[string]any{
							"warningRange": limit,
						},
						AutoResolvable: true,
					}
				},
			},
		},
		{
			Name: "ais-proximity-resolved",
			Condition: func(curr, prev state.Tree) bool {
				if !anchorDeployed(curr) {
					return false
				}
				warning, ok := state.LookupBool(curr, "anchor.aisWarning")
				return ok && !warning
			},
			Action: Action{Type: ActionResolveAlerts, Trigger: TriggerAISProximity},
		},
		windRule("high-apparent-wind", "environment.wind.speedApparent", TriggerHighApparentWind, "High apparent wind"),
		windResolveRule("high-apparent-wind-resolved", "environment.wind.speedApparent", TriggerHighApparentWind),
		windRule("high-true-wind", "environment.wind.speedTrue", TriggerHighTrueWind, "High true wind"),
		windResolveRule("high-true-wind-resolved", "environment.wind.speedTrue", TriggerHighTrueWind),
	}
}

func windRule(name, path, trigger, label string) Rule {
	return Rule{
		Name: name,
		Condition: func(curr, prev state.Tree) bool {
			kts, ok := windKnots(curr, path)
			return ok && kts > DefaultWindThresholdKts
		},
		Action: Action{
			Type:    ActionCreateAlert,
			Trigger: trigger,
			Payload: func(curr state.Tree) Seed {
				kts, _ := windKnots(curr, path)
				return Seed{
					Type:     "wind_alarm",
					Category: CategoryEnvironment,
					Source:   "derivation",
					Level:    LevelWarning,
					Label:    label,
					Message:  fmt.Sprintf("%s: %.1f kts (threshold %.0f kts)", label, kts, DefaultWindThresholdKts),
					Data: map[string]any{
						"speedKts":  kts,
						"threshold": DefaultWindThresholdKts,
					},
					AutoResolvable: true,
				}
			},
		},
	}
}

func windResolveRule(name, path, trigger string) Rule {
	return Rule{
		Name: name,
		Condition: func(curr, prev state.Tree) bool {
			kts, ok := windKnots(curr, path)
			return ok && kts <= DefaultWindThresholdKts
		},
		Action: Action{Type: ActionResolveAlerts, Trigger: trigger},
	}
}

func anchorDeployed(t state.Tree) bool {
	deployed, _ := state.LookupBool(t, "anchor.anchorDeployed")
	return deployed
}

// anchorDistanceMeters returns the boat's distance from the anchor, falling
// back to the distance from the drop when no anchor position is known.
func anchorDistanceMeters(t state.Tree) (float64, bool) {
	if v, ok := state.LookupFloat(t, "anchor.anchorLocation.distancesFromCurrent"); ok {
		return v, true
	}
	v, ok := state.LookupFloat(t, "anchor.anchorDropLocation.distancesFromCurrent")
	return v, ok
}

// rangeMeters reads a {r, units} range and converts it to meters.
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

// windKnots reads a stored wind speed and converts it to knots for threshold
// comparison. Unwrapped values are assumed SignalK-native m/s.
func windKnots(t state.Tree, path string) (float64, bool) {
	v, ok := state.LookupFloat(t, path)
	if !ok {
		return 0, false
	}
	unit, _ := state.LookupString(t, path+".units")
	if unit == "" {
		unit = units.SIMetersPerSecond
	}
	kts, err := units.Convert(v, unit, "kts")
	if err != nil {
		return 0, false
	}
	return kts, true
}
