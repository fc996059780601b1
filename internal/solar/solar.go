// Package solar maps schedule configs onto absolute capture windows for a
// calendar day, using a solar ephemeris for the solar_relative kind.
package solar

import (
	"fmt"
	"time"

	"github.com/sj14/astral/pkg/astral"

	"skylapse/internal/config"
)

// Calculator computes capture windows for one fixed observer location.
type Calculator struct {
	observer astral.Observer
	loc      *time.Location
}

// NewCalculator builds a Calculator for the configured location.
func NewCalculator(location config.Location) (*Calculator, error) {
	loc, err := time.LoadLocation(location.Timezone)
	if err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", location.Timezone, err)
	}
	return &Calculator{
		observer: astral.Observer{
			Latitude:  location.Latitude,
			Longitude: location.Longitude,
		},
		loc: loc,
	}, nil
}

// Window returns the [start, end] instants of sched on the local date of
// today. Both endpoints are inclusive; a window that already ended is
// still returned. Deterministic: same inputs produce the same outputs.
func (c *Calculator) Window(sched config.Schedule, today time.Time) (time.Time, time.Time, error) {
	today = today.In(c.loc)

	switch sched.Type {
	case config.ScheduleSolarRelative:
		anchor, err := c.anchor(sched.Anchor, today)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start := anchor.Add(time.Duration(sched.OffsetMinutes * float64(time.Minute)))
		end := start.Add(time.Duration(sched.DurationMinutes * float64(time.Minute)))
		return start, end, nil

	case config.ScheduleTimeOfDay:
		start, err := c.atClockTime(today, sched.StartTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("start_time: %w", err)
		}
		end, err := c.atClockTime(today, sched.EndTime)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("end_time: %w", err)
		}
		return start, end, nil

	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown schedule type %q", sched.Type)
	}
}

// IsActive reports whether now falls inside the inclusive window.
func IsActive(now, start, end time.Time) bool {
	return !now.Before(start) && !now.After(end)
}

// Elevation returns the sun elevation in degrees at t, negative below the
// horizon. Used as the metering fallback when the camera has no lux data.
func (c *Calculator) Elevation(t time.Time) float64 {
	return astral.Elevation(c.observer, t, true)
}

func (c *Calculator) anchor(name string, date time.Time) (time.Time, error) {
	switch name {
	case "sunrise":
		t, err := astral.Sunrise(c.observer, date)
		return t.In(c.loc), err
	case "sunset":
		t, err := astral.Sunset(c.observer, date)
		return t.In(c.loc), err
	case "civil_dawn":
		t, err := astral.Dawn(c.observer, date, astral.DepressionCivil)
		return t.In(c.loc), err
	case "civil_dusk":
		t, err := astral.Dusk(c.observer, date, astral.DepressionCivil)
		return t.In(c.loc), err
	case "noon":
		// Solar noon, not 12:00 wall time.
		return astral.Noon(c.observer, date).In(c.loc), nil
	default:
		return time.Time{}, fmt.Errorf("unknown solar anchor %q", name)
	}
}

func (c *Calculator) atClockTime(date time.Time, hhmm string) (time.Time, error) {
	parsed, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", hhmm, err)
	}
	y, m, d := date.Date()
	return time.Date(y, m, d, parsed.Hour(), parsed.Minute(), 0, 0, c.loc), nil
}
