package exposure

import (
	"context"
	"log/slog"
	"math"
	"time"

	"skylapse/internal/config"
)

// Meter reads the current ambient light level from the camera adapter.
type Meter interface {
	MeterLux(ctx context.Context) (float64, error)
}

// ElevationFunc reports the sun elevation in degrees at an instant.
// Used as the lux fallback when metering is unavailable.
type ElevationFunc func(time.Time) float64

// Sample is one historical capture's numeric exposure parameters,
// loaded from the ledger for temporal smoothing.
type Sample struct {
	ISO        int
	ShutterSec float64
	EV         float64
	WBTemp     int
}

// History loads the most recent capture samples for a session, ordered
// by timestamp ascending.
type History interface {
	RecentSamples(sessionID string, n int) ([]Sample, error)
}

// Planner produces one Settings per (profile, moment). It never returns
// an error: metering failures degrade to the solar fallback, and a
// defaults path always yields a valid settings struct.
type Planner struct {
	meter     Meter
	history   History
	elevation ElevationFunc
	log       *slog.Logger
}

// NewPlanner wires the planner's collaborators. meter, history and
// elevation may each be nil; the planner degrades accordingly.
func NewPlanner(meter Meter, history History, elevation ElevationFunc, log *slog.Logger) *Planner {
	return &Planner{meter: meter, history: history, elevation: elevation, log: log}
}

// Request carries everything one plan needs.
type Request struct {
	ProfileID    string
	Profile      config.Profile
	ScheduleName string
	Schedule     config.Schedule
	SessionID    string
	Now          time.Time
}

// Plan computes the full capture settings for one profile at one moment.
func (p *Planner) Plan(ctx context.Context, req Request) Settings {
	kind := KindOf(req.ScheduleName)

	lux, luxKnown := p.meterOrEstimate(ctx, req.Now)

	settings := p.baseSettings(req)
	settings.Lux = lux

	if !luxKnown {
		// No metering and no solar fallback: conservative defaults.
		settings.ISO = 400
		settings.Shutter = FormatShutter(1.0 / 125)
		settings.EV = 0
		settings.WBTemp = 5500
		settings.WBMode = "auto"
		p.applyBracketing(&settings, req.Profile)
		return settings
	}

	var shutterSec float64
	if req.Profile.Settings.AdaptiveEV.Enabled {
		iso, sec, ev := ExposureForLux(lux, kind)
		settings.ISO = iso
		shutterSec = sec
		settings.EV = ev
	} else {
		settings.ISO = 100
		shutterSec = 1.0 / 125
		settings.EV = 0
	}

	if req.Profile.Settings.AdaptiveWB.Enabled {
		settings.WBTemp = WBForLux(lux, req.Profile.Settings.AdaptiveWB.Curve, kind)
		settings.WBMode = "manual"
	} else {
		settings.WBTemp = 5500
		settings.WBMode = "auto"
	}

	if req.Schedule.Smoothing != nil && p.history != nil {
		shutterSec = p.smooth(&settings, shutterSec, req)
	}

	settings.ISO = SnapISO(float64(settings.ISO))
	settings.EV = ClampEV(settings.EV)
	settings.WBTemp = clampInt(settings.WBTemp, 2500, 8000)
	settings.Shutter = FormatShutter(SnapShutter(shutterSec))

	p.applyBracketing(&settings, req.Profile)
	return settings
}

func (p *Planner) meterOrEstimate(ctx context.Context, now time.Time) (float64, bool) {
	if p.meter != nil {
		lux, err := p.meter.MeterLux(ctx)
		if err == nil && lux > 0 {
			return lux, true
		}
		if err != nil && p.log != nil {
			p.log.Debug("lux metering unavailable, using solar fallback", "error", err)
		}
	}
	if p.elevation != nil {
		return EstimateLuxFromElevation(p.elevation(now)), true
	}
	return 0, false
}

func (p *Planner) baseSettings(req Request) Settings {
	base := req.Profile.Settings.Base
	return Settings{
		Profile:      req.ProfileID,
		Sharpness:    base.Sharpness,
		Contrast:     base.Contrast,
		Saturation:   base.Saturation,
		Quality:      base.Quality,
		Format:       base.Format,
		Rotation:     base.Rotation,
		AEMetering:   base.AEMetering,
		AFMode:       base.AFMode,
		LensPosition: base.LensPosition,
	}
}

// smooth blends the curve target against the session's recent history and
// clamps the per-frame change. Returns the smoothed shutter in seconds;
// ISO, EV and WB are updated in place. Smoothed values are re-snapped to
// their discrete ladders by the caller, so smoothing can never drive a
// parameter outside its valid range.
func (p *Planner) smooth(settings *Settings, shutterSec float64, req Request) float64 {
	sm := req.Schedule.Smoothing
	samples, err := p.history.RecentSamples(req.SessionID, sm.WindowFrames)
	if err != nil {
		if p.log != nil {
			p.log.Warn("smoothing history unavailable",
				"session_id", req.SessionID, "error", err)
		}
		return shutterSec
	}
	if len(samples) == 0 {
		return shutterSec
	}

	var isoSum, shutterSum, evSum, wbSum float64
	for _, s := range samples {
		isoSum += float64(s.ISO)
		shutterSum += s.ShutterSec
		evSum += s.EV
		wbSum += float64(s.WBTemp)
	}
	n := float64(len(samples))
	prev := samples[len(samples)-1]

	settings.ISO = int(clampFraction(
		blend(isoSum/n, float64(settings.ISO), sm.ISOWeight),
		float64(prev.ISO), sm.MaxChangePerFrame))
	shutterSec = clampFraction(
		blend(shutterSum/n, shutterSec, sm.ShutterWeight),
		prev.ShutterSec, sm.MaxChangePerFrame)
	settings.EV = clampFraction(
		blend(evSum/n, settings.EV, 1.0),
		prev.EV, sm.MaxChangePerFrame)
	settings.WBTemp = int(clampFraction(
		blend(wbSum/n, float64(settings.WBTemp), 1.0),
		float64(prev.WBTemp), sm.MaxChangePerFrame))

	return shutterSec
}

// blend pulls target toward the history average with the given weight:
// weight 1 holds the average, weight 0 passes the target through.
func blend(historyAvg, target, weight float64) float64 {
	return weight*historyAvg + (1-weight)*target
}

// clampFraction limits value to within maxFrac fractional delta of prev.
// A zero prev (legitimate for EV) disables the fractional clamp.
func clampFraction(value, prev, maxFrac float64) float64 {
	if prev == 0 {
		return value
	}
	lo := prev - math.Abs(prev)*maxFrac
	hi := prev + math.Abs(prev)*maxFrac
	return math.Max(lo, math.Min(hi, value))
}

func (p *Planner) applyBracketing(settings *Settings, prof config.Profile) {
	if prof.Bracket == nil || prof.Bracket.Count <= 1 {
		settings.BracketCount = 1
		return
	}
	settings.BracketCount = prof.Bracket.Count
	settings.BracketEV = append([]float64(nil), prof.Bracket.EV...)
	settings.HDRMode = 1
}
