package config

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

var (
	profileIDRe = regexp.MustCompile(`^[a-z]$`)
	clockTimeRe = regexp.MustCompile(`^([01]\d|2[0-3]):([0-5]\d)$`)
)

var validAnchors = map[string]bool{
	"sunrise":    true,
	"sunset":     true,
	"civil_dawn": true,
	"civil_dusk": true,
	"noon":       true,
}

var validWBCurves = map[string]bool{
	"balanced":     true,
	"conservative": true,
	"warm":         true,
}

var validOverlayPositions = map[string]bool{
	"bottom-left":  true,
	"top-left":     true,
	"bottom-right": true,
	"top-right":    true,
}

// ValidationResult collects every problem and warning found in a config.
type ValidationResult struct {
	Problems []string
	Warnings []string
}

// Err returns an error listing every problem, or nil when the config is valid.
func (r ValidationResult) Err() error {
	if len(r.Problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(r.Problems, "\n  - "))
}

// Validate checks the whole document and returns every problem found,
// not just the first. Startup must refuse to run on any problem.
func Validate(cfg *Config) ValidationResult {
	var res ValidationResult
	bad := func(format string, args ...any) {
		res.Problems = append(res.Problems, fmt.Sprintf(format, args...))
	}
	warn := func(format string, args ...any) {
		res.Warnings = append(res.Warnings, fmt.Sprintf(format, args...))
	}

	// location
	if cfg.Location.Latitude < -90 || cfg.Location.Latitude > 90 {
		bad("location.latitude %v out of range [-90, 90]", cfg.Location.Latitude)
	}
	if cfg.Location.Longitude < -180 || cfg.Location.Longitude > 180 {
		bad("location.longitude %v out of range [-180, 180]", cfg.Location.Longitude)
	}
	if cfg.Location.Timezone == "" {
		bad("location.timezone is required")
	} else if _, err := time.LoadLocation(cfg.Location.Timezone); err != nil {
		bad("location.timezone %q is not a valid IANA zone", cfg.Location.Timezone)
	}

	// profiles
	for _, id := range sortedKeys(cfg.Profiles) {
		prof := cfg.Profiles[id]
		if !profileIDRe.MatchString(id) {
			bad("profile %q: id must be a single lowercase letter", id)
		}
		if prof.Name == "" {
			bad("profile %q: name is required", id)
		}
		if prof.Settings.Base.Quality < 1 || prof.Settings.Base.Quality > 100 {
			bad("profile %q: settings.base.quality %d out of range [1, 100]", id, prof.Settings.Base.Quality)
		}
		if prof.Settings.AdaptiveWB.Enabled && !validWBCurves[prof.Settings.AdaptiveWB.Curve] {
			bad("profile %q: adaptive_wb.curve %q must be one of balanced, conservative, warm", id, prof.Settings.AdaptiveWB.Curve)
		}
		if prof.Settings.AdaptiveEV.Enabled && prof.Settings.AdaptiveEV.Curve != "adaptive" {
			bad("profile %q: adaptive_ev.curve %q must be adaptive", id, prof.Settings.AdaptiveEV.Curve)
		}
		if prof.Bracket != nil {
			validateBracket(id, prof.Bracket, bad)
		}
	}

	// schedules
	for _, name := range sortedKeys(cfg.Schedules) {
		sched := cfg.Schedules[name]
		switch sched.Type {
		case ScheduleSolarRelative:
			if !validAnchors[sched.Anchor] {
				bad("schedule %q: anchor %q must be one of sunrise, sunset, civil_dawn, civil_dusk, noon", name, sched.Anchor)
			}
			if sched.DurationMinutes <= 0 {
				bad("schedule %q: duration_minutes must be positive", name)
			}
		case ScheduleTimeOfDay:
			startOK := clockTimeRe.MatchString(sched.StartTime)
			endOK := clockTimeRe.MatchString(sched.EndTime)
			if !startOK {
				bad("schedule %q: start_time %q must match HH:MM", name, sched.StartTime)
			}
			if !endOK {
				bad("schedule %q: end_time %q must match HH:MM", name, sched.EndTime)
			}
			if startOK && endOK && sched.StartTime >= sched.EndTime {
				bad("schedule %q: start_time %q must be before end_time %q", name, sched.StartTime, sched.EndTime)
			}
		default:
			bad("schedule %q: type %q must be solar_relative or time_of_day", name, sched.Type)
		}

		if sched.IntervalSeconds <= 0 {
			bad("schedule %q: interval_seconds must be positive", name)
		}
		if sched.StackImages && sched.StackCount < 2 {
			bad("schedule %q: stack_images requires stack_count >= 2", name)
		}
		if sched.Smoothing != nil {
			sm := sched.Smoothing
			if sm.WindowFrames < 1 {
				bad("schedule %q: smoothing.window_frames must be >= 1", name)
			}
			if sm.MaxChangePerFrame <= 0 || sm.MaxChangePerFrame > 1 {
				bad("schedule %q: smoothing.max_change_per_frame must be in (0, 1]", name)
			}
			if sm.ISOWeight < 0 || sm.ISOWeight > 1 {
				bad("schedule %q: smoothing.iso_weight must be in [0, 1]", name)
			}
			if sm.ShutterWeight < 0 || sm.ShutterWeight > 1 {
				bad("schedule %q: smoothing.shutter_weight must be in [0, 1]", name)
			}
		}
		if sched.VideoDebug != nil && sched.VideoDebug.Enabled {
			vd := sched.VideoDebug
			if vd.FontSize < 8 {
				bad("schedule %q: video_debug.font_size must be >= 8", name)
			}
			if !validOverlayPositions[vd.Position] {
				bad("schedule %q: video_debug.position %q must be one of bottom-left, top-left, bottom-right, top-right", name, vd.Position)
			}
		}

		seen := map[string]bool{}
		for _, pid := range sched.Profiles {
			if _, ok := cfg.Profiles[pid]; !ok {
				bad("schedule %q: references undefined profile %q", name, pid)
			}
			if seen[pid] {
				warn("schedule %q: duplicate profile %q in profile list", name, pid)
			}
			seen[pid] = true
		}
	}

	// pi
	if cfg.Pi.Port < 1 || cfg.Pi.Port > 65535 {
		bad("pi.port %d out of range [1, 65535]", cfg.Pi.Port)
	}
	if cfg.Pi.TimeoutSeconds <= 0 {
		bad("pi.timeout_seconds must be positive")
	}

	// processing
	if cfg.Processing.VideoFPS < 1 || cfg.Processing.VideoFPS > 120 {
		bad("processing.video_fps %d out of range [1, 120]", cfg.Processing.VideoFPS)
	}
	if cfg.Processing.VideoQuality < 0 || cfg.Processing.VideoQuality > 51 {
		bad("processing.video_quality %d out of range [0, 51]", cfg.Processing.VideoQuality)
	}

	return res
}

func validateBracket(id string, b *BracketConfig, bad func(string, ...any)) {
	switch b.Count {
	case 1, 3, 5:
	default:
		bad("profile %q: bracket.count %d must be 1, 3 or 5", id, b.Count)
		return
	}
	if b.Count > 1 {
		if len(b.EV) < b.Count {
			bad("profile %q: bracket.ev needs at least %d values, got %d", id, b.Count, len(b.EV))
		}
		for i, ev := range b.EV {
			if ev < -2.0 || ev > 2.0 {
				bad("profile %q: bracket.ev[%d] = %v out of range [-2.0, +2.0]", id, i, ev)
			}
		}
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
