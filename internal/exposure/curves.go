package exposure

import (
	"math"
	"strings"
)

// ScheduleKind biases exposure and white balance for the window type.
type ScheduleKind string

const (
	KindSunrise ScheduleKind = "sunrise"
	KindDaytime ScheduleKind = "daytime"
	KindSunset  ScheduleKind = "sunset"
)

// KindOf classifies a schedule by its name. Anything that is not a
// sunrise or sunset style window is treated as daytime.
func KindOf(scheduleName string) ScheduleKind {
	switch {
	case containsAny(scheduleName, "sunrise", "dawn", "morning"):
		return KindSunrise
	case containsAny(scheduleName, "sunset", "dusk", "evening"):
		return KindSunset
	default:
		return KindDaytime
	}
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, sub) {
			return true
		}
	}
	return false
}

// luxCalibration ties metered lux to shutter time at ISO 100:
// t = luxCalibration / (lux * iso/100). 20k lux daylight lands on 1/2000.
const luxCalibration = 10.0

// maxShutterFor is the slowest acceptable shutter per window kind.
// Daytime holds fast shutters for crisp frames; golden-hour windows may
// run long exposures on the fixed mount.
func maxShutterFor(kind ScheduleKind) float64 {
	if kind == KindDaytime {
		return 1.0 / 30
	}
	return 2.0
}

// ExposureForLux maps metered lux onto a discrete (ISO, shutter seconds,
// EV) triple: the lowest ISO whose computed shutter stays inside the
// kind's shutter band, snapped to the stop table.
func ExposureForLux(lux float64, kind ScheduleKind) (iso int, shutterSec float64, ev float64) {
	if lux <= 0 {
		lux = 0.01
	}
	maxShutter := maxShutterFor(kind)

	iso = isoLadder[len(isoLadder)-1]
	shutterSec = maxShutter
	for _, candidate := range isoLadder {
		t := luxCalibration / (lux * float64(candidate) / 100.0)
		if t <= maxShutter {
			iso = candidate
			shutterSec = t
			break
		}
	}
	shutterSec = SnapShutter(shutterSec)

	ev = evBiasFor(kind)
	return iso, shutterSec, ClampEV(ev)
}

// evBiasFor slightly over-exposes golden-hour windows; daytime is neutral.
func evBiasFor(kind ScheduleKind) float64 {
	switch kind {
	case KindSunrise, KindSunset:
		return 0.3
	default:
		return 0.0
	}
}

// WBForLux maps lux to a white balance color temperature in kelvin for
// the given curve. balanced is neutral, conservative holds near 5500K,
// warm biases lower during sunrise and sunset windows.
func WBForLux(lux float64, curve string, kind ScheduleKind) int {
	kelvin := balancedWB(lux)

	switch curve {
	case "conservative":
		kelvin = clampInt(kelvin, 5000, 5800)
	case "warm":
		if kind == KindSunrise || kind == KindSunset {
			kelvin -= 600
		} else {
			kelvin -= 200
		}
	}
	return clampInt(kelvin, 2500, 8000)
}

// balancedWB interpolates kelvin against log10(lux): full daylight sits
// at 5500K, deep twilight drifts toward 3800K.
func balancedWB(lux float64) int {
	if lux <= 0 {
		lux = 0.01
	}
	logLux := math.Log10(lux)
	switch {
	case logLux >= 4: // >= 10k lux
		return 5500
	case logLux <= 0: // <= 1 lux
		return 3800
	default:
		// Linear in log-lux between 3800K and 5500K.
		return 3800 + int(math.Round((logLux/4.0)*1700))
	}
}

// EstimateLuxFromElevation derives an ambient lux estimate from the sun
// elevation in degrees, for when the adapter cannot meter. Monotonically
// decreasing as the sun drops below the horizon; civil twilight (-6)
// lands near 4 lux.
func EstimateLuxFromElevation(elevationDeg float64) float64 {
	if elevationDeg > 0 {
		sine := math.Sin(elevationDeg * math.Pi / 180)
		return math.Max(400, 100000*math.Pow(sine, 1.2))
	}
	return math.Max(0.01, 400*math.Pow(10, elevationDeg/3))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
