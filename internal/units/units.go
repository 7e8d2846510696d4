// Package units converts vessel measurements between SignalK-native SI units
// and user-preferred display units. SignalK deltas always carry SI values
// (meters, m/s, kelvin, pascals, radians, cubic meters); the state document
// stores values in the preferred unit with an explicit units field.
package units

import (
	"fmt"
	"math"
	"strings"
)

// Dimension identifies the physical quantity a unit measures.
type Dimension string

const (
	Length      Dimension = "length"
	Speed       Dimension = "speed"
	Temperature Dimension = "temperature"
	Pressure    Dimension = "pressure"
	Angle       Dimension = "angle"
	Volume      Dimension = "volume"
)

// SI units as emitted by SignalK.
const (
	SIMeters          = "m"
	SIMetersPerSecond = "m/s"
	SIKelvin          = "K"
	SIPascals         = "Pa"
	SIRadians         = "rad"
	SICubicMeters     = "m3"
)

// Preferences selects the storage unit per dimension.
type Preferences struct {
	Length      string `json:"length"`
	Speed       string `json:"speed"`
	Temperature string `json:"temperature"`
	Pressure    string `json:"pressure"`
	Angle       string `json:"angle"`
	Volume      string `json:"volume"`
}

// Imperial returns the IMPERIAL preset (ft, kts, °F, inHg, deg, gal).
func Imperial() Preferences {
	return Preferences{
		Length:      "ft",
		Speed:       "kts",
		Temperature: "°F",
		Pressure:    "inHg",
		Angle:       "deg",
		Volume:      "gal",
	}
}

// Metric returns the METRIC preset (m, kts, °C, hPa, deg, L).
func Metric() Preferences {
	return Preferences{
		Length:      "m",
		Speed:       "kts",
		Temperature: "°C",
		Pressure:    "hPa",
		Angle:       "deg",
		Volume:      "L",
	}
}

// Preset resolves a preset name. Unknown names fall back to METRIC.
func Preset(name string) Preferences {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "IMPERIAL":
		return Imperial()
	default:
		return Metric()
	}
}

// Unit returns the preferred unit for a dimension.
func (p Preferences) Unit(dim Dimension) string {
	switch dim {
	case Length:
		return p.Length
	case Speed:
		return p.Speed
	case Temperature:
		return p.Temperature
	case Pressure:
		return p.Pressure
	case Angle:
		return p.Angle
	case Volume:
		return p.Volume
	default:
		return ""
	}
}

// Validate checks every preference against the allowed unit set.
func (p Preferences) Validate() error {
	for _, check := range []struct {
		dim  Dimension
		unit string
	}{
		{Length, p.Length},
		{Speed, p.Speed},
		{Temperature, p.Temperature},
		{Pressure, p.Pressure},
		{Angle, p.Angle},
		{Volume, p.Volume},
	} {
		def, ok := lookupUnit(check.unit)
		if !ok {
			return fmt.Errorf("unknown %s unit %q", check.dim, check.unit)
		}
		if def.dim != check.dim {
			return fmt.Errorf("unit %q measures %s, not %s", check.unit, def.dim, check.dim)
		}
	}
	return nil
}

// SourceUnit returns the SignalK-native unit for a dimension.
func SourceUnit(dim Dimension) string {
	switch dim {
	case Length:
		return SIMeters
	case Speed:
		return SIMetersPerSecond
	case Temperature:
		return SIKelvin
	case Pressure:
		return SIPascals
	case Angle:
		return SIRadians
	case Volume:
		return SICubicMeters
	default:
		return ""
	}
}

type unitDef struct {
	dim    Dimension
	fromSI func(float64) float64
	toSI   func(float64) float64
}

func linear(dim Dimension, perSI float64) unitDef {
	return unitDef{
		dim:    dim,
		fromSI: func(v float64) float64 { return v * perSI },
		toSI:   func(v float64) float64 { return v / perSI },
	}
}

const (
	feetPerMeter      = 3.280840
	knotsPerMPS       = 1.943844
	kmhPerMPS         = 3.6
	mphPerMPS         = 2.236936
	pascalsPerInHg    = 3386.389
	metersPerNautMile = 1852.0
	litersPerCubicM   = 1000.0
	gallonsPerCubicM  = 264.172052
	degreesPerRadian  = 180.0 / math.Pi
)

var unitTable = map[string]unitDef{
	// length
	SIMeters: linear(Length, 1),
	"ft":     linear(Length, feetPerMeter),
	"nm":     linear(Length, 1/metersPerNautMile),

	// speed
	SIMetersPerSecond: linear(Speed, 1),
	"kts":             linear(Speed, knotsPerMPS),
	"km/h":            linear(Speed, kmhPerMPS),
	"mph":             linear(Speed, mphPerMPS),

	// temperature (affine; SI is kelvin)
	SIKelvin: {dim: Temperature, fromSI: func(v float64) float64 { return v }, toSI: func(v float64) float64 { return v }},
	"°C": {
		dim:    Temperature,
		fromSI: func(v float64) float64 { return v - 273.15 },
		toSI:   func(v float64) float64 { return v + 273.15 },
	},
	"°F": {
		dim:    Temperature,
		fromSI: func(v float64) float64 { return (v-273.15)*9/5 + 32 },
		toSI:   func(v float64) float64 { return (v-32)*5/9 + 273.15 },
	},

	// pressure
	SIPascals: linear(Pressure, 1),
	"hPa":     linear(Pressure, 0.01),
	"mb":      linear(Pressure, 0.01),
	"inHg":    linear(Pressure, 1/pascalsPerInHg),

	// angle
	SIRadians: linear(Angle, 1),
	"deg":     linear(Angle, degreesPerRadian),

	// volume
	SICubicMeters: linear(Volume, 1),
	"L":           linear(Volume, litersPerCubicM),
	"gal":         linear(Volume, gallonsPerCubicM),
}

// unitAliases maps legacy spellings onto canonical unit names.
var unitAliases = map[string]string{
	"C":       "°C",
	"F":       "°F",
	"c":       "°C",
	"f":       "°F",
	"celsius": "°C",
	"knots":   "kts",
	"kn":      "kts",
	"meters":  SIMeters,
	"mbar":    "mb",
	"l":       "L",
	"degrees": "deg",
}

func lookupUnit(unit string) (unitDef, bool) {
	if def, ok := unitTable[unit]; ok {
		return def, true
	}
	if canonical, ok := unitAliases[unit]; ok {
		def, ok := unitTable[canonical]
		return def, ok
	}
	return unitDef{}, false
}

// CanonicalUnit normalizes legacy unit spellings ("C", "knots") to the
// canonical form. Unknown units pass through unchanged.
func CanonicalUnit(unit string) string {
	if _, ok := unitTable[unit]; ok {
		return unit
	}
	if canonical, ok := unitAliases[unit]; ok {
		return canonical
	}
	return unit
}

// convertExact performs the raw conversion without storage rounding.
func convertExact(value float64, from, to string) (float64, Dimension, error) {
	src, ok := lookupUnit(from)
	if !ok {
		return 0, "", fmt.Errorf("unknown unit %q", from)
	}
	dst, ok := lookupUnit(to)
	if !ok {
		return 0, "", fmt.Errorf("unknown unit %q", to)
	}
	if src.dim != dst.dim {
		return 0, "", fmt.Errorf("cannot convert %s (%s) to %s (%s)", from, src.dim, to, dst.dim)
	}
	return dst.fromSI(src.toSI(value)), dst.dim, nil
}

// Convert converts a value between two units of the same dimension. Angle
// results are normalized into their canonical range; results are rounded to
// six decimal places for deterministic storage.
func Convert(value float64, from, to string) (float64, error) {
	out, dim, err := convertExact(value, from, to)
	if err != nil {
		return 0, err
	}
	if dim == Angle {
		out = normalizeAngle(out, CanonicalUnit(to))
	}
	return round6(out), nil
}

// FromSI converts a SignalK-native value into the preferred unit for the
// dimension, returning the converted value and the unit it is stored in.
func (p Preferences) FromSI(dim Dimension, value float64) (float64, string, error) {
	target := p.Unit(dim)
	out, err := Convert(value, SourceUnit(dim), target)
	if err != nil {
		return 0, "", err
	}
	return out, target, nil
}

// ToSI converts a stored value back to the SignalK-native unit.
func ToSI(value float64, unit string) (float64, error) {
	def, ok := lookupUnit(unit)
	if !ok {
		return 0, fmt.Errorf("unknown unit %q", unit)
	}
	out := def.toSI(value)
	if def.dim == Angle {
		out = NormalizeRadians(out)
	}
	return round6(out), nil
}

// DimensionOf reports the dimension a unit belongs to.
func DimensionOf(unit string) (Dimension, bool) {
	def, ok := lookupUnit(unit)
	if !ok {
		return "", false
	}
	return def.dim, true
}

// NormalizeRadians wraps an angle into [0, 2π).
func NormalizeRadians(a float64) float64 {
	twoPi := 2 * math.Pi
	a = math.Mod(a, twoPi)
	if a < 0 {
		a += twoPi
	}
	if a == twoPi {
		return 0
	}
	return a
}

// NormalizeDegrees wraps an angle into [0, 360).
func NormalizeDegrees(a float64) float64 {
	a = math.Mod(a, 360)
	if a < 0 {
		a += 360
	}
	if a == 360 {
		return 0
	}
	return a
}

func normalizeAngle(a float64, unit string) float64 {
	switch unit {
	case "deg":
		return NormalizeDegrees(a)
	case SIRadians:
		return NormalizeRadians(a)
	default:
		return a
	}
}

// round6 makes conversions deterministic to six decimal places.
func round6(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return math.Round(v*1e6) / 1e6
}
