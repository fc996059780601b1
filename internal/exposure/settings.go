package exposure

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Settings is the full per-capture camera configuration sent to the
// adapter and echoed into the ledger with every frame.
type Settings struct {
	Profile      string    `json:"profile"`
	ISO          int       `json:"iso"`
	Shutter      string    `json:"shutter"` // "1/500", "0.5" or "2s"
	EV           float64   `json:"ev"`
	Lux          float64   `json:"lux"`
	WBTemp       int       `json:"wb_temp"`
	WBMode       string    `json:"wb_mode"`
	HDRMode      int       `json:"hdr_mode"`
	BracketCount int       `json:"bracket_count"`
	BracketEV    []float64 `json:"bracket_ev,omitempty"`
	AEMetering   string    `json:"ae_metering"`
	AFMode       string    `json:"af_mode"`
	LensPosition float64   `json:"lens_position"`
	Sharpness    float64   `json:"sharpness"`
	Contrast     float64   `json:"contrast"`
	Saturation   float64   `json:"saturation"`
	Quality      int       `json:"quality"`
	Format       string    `json:"format"`
	Rotation     int       `json:"rotation"`
	AnalogGain   float64   `json:"analog_gain"`
	DigitalGain  float64   `json:"digital_gain"`
}

// isoLadder is the discrete set of ISOs the adapter accepts.
var isoLadder = []int{100, 200, 400, 800, 1600, 3200}

// shutterStops are the discrete shutter durations in seconds, fastest first.
var shutterStops = []float64{
	1.0 / 8000, 1.0 / 4000, 1.0 / 2000, 1.0 / 1000, 1.0 / 500, 1.0 / 250,
	1.0 / 125, 1.0 / 60, 1.0 / 30, 1.0 / 15, 1.0 / 8, 1.0 / 4, 1.0 / 2,
	1.0, 2.0,
}

// ValidISO reports whether iso is on the discrete ladder.
func ValidISO(iso int) bool {
	for _, v := range isoLadder {
		if v == iso {
			return true
		}
	}
	return false
}

// SnapISO returns the ladder ISO nearest to v.
func SnapISO(v float64) int {
	best := isoLadder[0]
	bestDist := math.Abs(v - float64(best))
	for _, iso := range isoLadder[1:] {
		if d := math.Abs(v - float64(iso)); d < bestDist {
			best, bestDist = iso, d
		}
	}
	return best
}

// SnapShutter returns the stop nearest to seconds, clamped to the table.
func SnapShutter(seconds float64) float64 {
	best := shutterStops[0]
	bestDist := math.Abs(seconds - best)
	for _, s := range shutterStops[1:] {
		if d := math.Abs(seconds - s); d < bestDist {
			best, bestDist = s, d
		}
	}
	return best
}

// FormatShutter renders a stop duration as the adapter's wire form:
// "1/N" for fractions of a second, "Ns" for whole seconds.
func FormatShutter(seconds float64) string {
	if seconds >= 1.0 {
		return fmt.Sprintf("%ds", int(math.Round(seconds)))
	}
	return fmt.Sprintf("1/%d", int(math.Round(1.0/seconds)))
}

// ParseShutter converts a wire shutter string back to seconds. Accepts
// "1/N", "Ns" and bare decimals.
func ParseShutter(s string) (float64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty shutter string")
	}
	if strings.Contains(s, "/") {
		parts := strings.SplitN(s, "/", 2)
		num, err := strconv.ParseFloat(parts[0], 64)
		if err != nil {
			return 0, fmt.Errorf("shutter %q: %w", s, err)
		}
		den, err := strconv.ParseFloat(parts[1], 64)
		if err != nil || den == 0 {
			return 0, fmt.Errorf("shutter %q: bad denominator", s)
		}
		return num / den, nil
	}
	if strings.HasSuffix(s, "s") {
		s = strings.TrimSuffix(s, "s")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("shutter %q: %w", s, err)
	}
	return v, nil
}

// ClampEV limits an EV compensation value to the adapter's [-2, +2] range.
func ClampEV(ev float64) float64 {
	return math.Max(-2.0, math.Min(2.0, ev))
}
