package units

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func TestConvertKnownValues(t *testing.T) {
	tests := []struct {
		name  string
		value float64
		from  string
		to    string
		want  float64
	}{
		{"meters to feet", 10, "m", "ft", 32.8084},
		{"meters to nautical miles", 1852, "m", "nm", 1},
		{"mps to knots", 13.5, "m/s", "kts", 26.241894},
		{"mps to kmh", 10, "m/s", "km/h", 36},
		{"mps to mph", 10, "m/s", "mph", 22.36936},
		{"kelvin to celsius", 293.15, "K", "°C", 20},
		{"kelvin to fahrenheit", 273.15, "K", "°F", 32},
		{"celsius to fahrenheit", 100, "°C", "°F", 212},
		{"pascals to hpa", 101325, "Pa", "hPa", 1013.25},
		{"pascals to mb", 101325, "Pa", "mb", 1013.25},
		{"pascals to inhg", 101325, "Pa", "inHg", 29.92126},
		{"radians to degrees", math.Pi, "rad", "deg", 180},
		{"cubic meters to liters", 0.5, "m3", "L", 500},
		{"cubic meters to gallons", 1, "m3", "gal", 264.172052},
		{"identity", 42.5, "m", "m", 42.5},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Convert(tc.value, tc.from, tc.to)
			if err != nil {
				t.Fatalf("Convert(%v, %q, %q) error: %v", tc.value, tc.from, tc.to, err)
			}
			if math.Abs(got-tc.want) > 1e-4 {
				t.Errorf("Convert(%v, %q, %q) = %v, want %v", tc.value, tc.from, tc.to, got, tc.want)
			}
		})
	}
}

func TestConvertErrors(t *testing.T) {
	if _, err := Convert(1, "m", "kts"); err == nil {
		t.Error("cross-dimension conversion should fail")
	}
	if _, err := Convert(1, "fathoms", "m"); err == nil {
		t.Error("unknown source unit should fail")
	}
	if _, err := Convert(1, "m", "cubits"); err == nil {
		t.Error("unknown target unit should fail")
	}
}

func TestUnitAliases(t *testing.T) {
	tests := []struct {
		alias string
		want  string
	}{
		{"C", "°C"},
		{"F", "°F"},
		{"knots", "kts"},
		{"mbar", "mb"},
		{"degrees", "deg"},
		{"m", "m"},
		{"unknown-unit", "unknown-unit"},
	}

	for _, tc := range tests {
		if got := CanonicalUnit(tc.alias); got != tc.want {
			t.Errorf("CanonicalUnit(%q) = %q, want %q", tc.alias, got, tc.want)
		}
	}

	// Aliases must convert like their canonical unit.
	got, err := Convert(300, "K", "C")
	if err != nil {
		t.Fatalf("Convert with alias: %v", err)
	}
	if math.Abs(got-26.85) > 1e-6 {
		t.Errorf("Convert(300, K, C) = %v, want 26.85", got)
	}
}

func TestPresets(t *testing.T) {
	imp := Preset("imperial")
	if imp.Length != "ft" || imp.Speed != "kts" || imp.Temperature != "°F" ||
		imp.Pressure != "inHg" || imp.Angle != "deg" || imp.Volume != "gal" {
		t.Errorf("IMPERIAL preset = %+v", imp)
	}

	met := Preset("METRIC")
	if met.Length != "m" || met.Speed != "kts" || met.Temperature != "°C" ||
		met.Pressure != "hPa" || met.Angle != "deg" || met.Volume != "L" {
		t.Errorf("METRIC preset = %+v", met)
	}

	// Unknown preset names fall back to metric.
	if Preset("nonsense") != Metric() {
		t.Error("unknown preset should fall back to METRIC")
	}

	if err := imp.Validate(); err != nil {
		t.Errorf("imperial preset should validate: %v", err)
	}
	if err := met.Validate(); err != nil {
		t.Errorf("metric preset should validate: %v", err)
	}

	bad := Metric()
	bad.Speed = "furlongs/fortnight"
	if err := bad.Validate(); err == nil {
		t.Error("invalid speed unit should fail validation")
	}

	crossed := Metric()
	crossed.Length = "kts"
	if err := crossed.Validate(); err == nil {
		t.Error("unit from wrong dimension should fail validation")
	}
}

func TestFromSI(t *testing.T) {
	p := Imperial()

	v, unit, err := p.FromSI(Length, 10)
	if err != nil {
		t.Fatalf("FromSI: %v", err)
	}
	if unit != "ft" {
		t.Errorf("unit = %q, want ft", unit)
	}
	if math.Abs(v-32.8084) > 1e-4 {
		t.Errorf("10 m = %v ft, want 32.8084", v)
	}

	v, unit, err = p.FromSI(Temperature, 300)
	if err != nil {
		t.Fatalf("FromSI: %v", err)
	}
	if unit != "°F" {
		t.Errorf("unit = %q, want °F", unit)
	}
	if math.Abs(v-80.33) > 1e-2 {
		t.Errorf("300 K = %v °F, want 80.33", v)
	}
}

func TestConvertRoundsToSixDecimals(t *testing.T) {
	got, err := Convert(1, "m/s", "kts")
	if err != nil {
		t.Fatal(err)
	}
	if got != 1.943844 {
		t.Errorf("Convert(1, m/s, kts) = %v, want exactly 1.943844", got)
	}
}

func TestNormalizeDegrees(t *testing.T) {
	tests := []struct {
		input float64
		want  float64
	}{
		{0, 0},
		{359.5, 359.5},
		{360, 0},
		{361, 1},
		{720, 0},
		{-1, 359},
		{-360, 0},
		{-725, 355},
	}

	for _, tc := range tests {
		if got := NormalizeDegrees(tc.input); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("NormalizeDegrees(%v) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestNormalizeRadians(t *testing.T) {
	twoPi := 2 * math.Pi
	tests := []struct {
		input float64
		want  float64
	}{
		{0, 0},
		{math.Pi, math.Pi},
		{twoPi, 0},
		{twoPi + 0.5, 0.5},
		{-0.5, twoPi - 0.5},
		{-twoPi, 0},
	}

	for _, tc := range tests {
		if got := NormalizeRadians(tc.input); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("NormalizeRadians(%v) = %v, want %v", tc.input, got, tc.want)
		}
	}
}

func TestConvertNormalizesAngles(t *testing.T) {
	// 3π rad → deg should land at 180, not 540.
	got, err := Convert(3*math.Pi, "rad", "deg")
	if err != nil {
		t.Fatal(err)
	}
	if math.Abs(got-180) > 1e-6 {
		t.Errorf("Convert(3π, rad, deg) = %v, want 180", got)
	}
}

func TestConversionRoundTripProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	pairs := []struct {
		si   string
		pref string
		gen  gopter.Gen
	}{
		{"m", "ft", gen.Float64Range(0, 10000)},
		{"m", "nm", gen.Float64Range(0, 100000)},
		{"m/s", "kts", gen.Float64Range(0, 100)},
		{"m/s", "km/h", gen.Float64Range(0, 100)},
		{"m/s", "mph", gen.Float64Range(0, 100)},
		{"K", "°C", gen.Float64Range(200, 350)},
		{"K", "°F", gen.Float64Range(200, 350)},
		{"Pa", "hPa", gen.Float64Range(80000, 110000)},
		{"Pa", "inHg", gen.Float64Range(80000, 110000)},
		{"m3", "L", gen.Float64Range(0, 10)},
		{"m3", "gal", gen.Float64Range(0, 10)},
	}

	for _, pair := range pairs {
		si, pref := pair.si, pair.pref
		properties.Property(si+" round-trips through "+pref, prop.ForAll(
			func(v float64) bool {
				out, _, err := convertExact(v, si, pref)
				if err != nil {
					return false
				}
				back, _, err := convertExact(out, pref, si)
				if err != nil {
					return false
				}
				return math.Abs(back-v) <= 1e-6*math.Max(1, math.Abs(v))
			},
			pair.gen,
		))
	}

	properties.TestingRun(t)
}

func TestAngleNormalizationProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	properties.Property("degrees land in [0,360)", prop.ForAll(
		func(a float64) bool {
			got := NormalizeDegrees(a)
			return got >= 0 && got < 360
		},
		gen.Float64Range(-1e6, 1e6),
	))

	properties.Property("radians land in [0,2π)", prop.ForAll(
		func(a float64) bool {
			got := NormalizeRadians(a)
			return got >= 0 && got < 2*math.Pi
		},
		gen.Float64Range(-1e4, 1e4),
	))

	properties.Property("converted angles land in [0,360)", prop.ForAll(
		func(a float64) bool {
			got, err := Convert(a, "rad", "deg")
			return err == nil && got >= 0 && got < 360
		},
		gen.Float64Range(-100, 100),
	))

	properties.TestingRun(t)
}
