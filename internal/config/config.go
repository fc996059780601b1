package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	defaultConfigPath     = "~/.config/skylapse/config.json"
	defaultTickSeconds    = 30
	defaultTimeoutSeconds = 30
)

// Config holds the full skylapse configuration document.
type Config struct {
	Location   Location            `json:"location"`
	Profiles   map[string]Profile  `json:"profiles"`
	Schedules  map[string]Schedule `json:"schedules"`
	Pi         Pi                  `json:"pi"`
	Storage    Storage             `json:"storage"`
	Processing Processing          `json:"processing"`
	Logging    Logging             `json:"logging"`
}

// Location fixes the observer position and zone. Immutable per process.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timezone  string  `json:"timezone"`
}

// Profile describes one capture profile (identifier a..z).
type Profile struct {
	Name         string          `json:"name"`
	Enabled      bool            `json:"enabled"`
	Settings     ProfileSettings `json:"settings"`
	VideoFilters string          `json:"video_filters"`
	Bracket      *BracketConfig  `json:"bracket,omitempty"`
}

// ProfileSettings groups base camera settings with the adaptive curves.
type ProfileSettings struct {
	Base       BaseSettings `json:"base"`
	AdaptiveWB CurveConfig  `json:"adaptive_wb"`
	AdaptiveEV CurveConfig  `json:"adaptive_ev"`
}

// BaseSettings are the static per-profile camera parameters.
type BaseSettings struct {
	Sharpness    float64 `json:"sharpness"`
	Contrast     float64 `json:"contrast"`
	Saturation   float64 `json:"saturation"`
	Format       string  `json:"format"`
	Quality      int     `json:"quality"`
	Rotation     int     `json:"rotation"`
	AEMetering   string  `json:"ae_metering"`
	AFMode       string  `json:"af_mode"`
	LensPosition float64 `json:"lens_position"`
}

// CurveConfig enables an adaptive curve by name.
type CurveConfig struct {
	Enabled bool   `json:"enabled"`
	Curve   string `json:"curve"` // WB: balanced|conservative|warm; EV: adaptive
}

// BracketConfig requests exposure bracketing for a profile.
type BracketConfig struct {
	Count int       `json:"count"` // 1, 3 or 5
	EV    []float64 `json:"ev"`    // offsets in [-2.0, +2.0], len >= Count
}

// Schedule kinds.
const (
	ScheduleSolarRelative = "solar_relative"
	ScheduleTimeOfDay     = "time_of_day"
)

// Schedule describes one capture window definition.
type Schedule struct {
	Type            string   `json:"type"` // solar_relative | time_of_day
	Enabled         bool     `json:"enabled"`
	IntervalSeconds int      `json:"interval_seconds"`
	Profiles        []string `json:"profiles"`

	// solar_relative fields
	Anchor          string  `json:"anchor,omitempty"` // sunrise|sunset|civil_dawn|civil_dusk|noon
	OffsetMinutes   float64 `json:"offset_minutes,omitempty"`
	DurationMinutes float64 `json:"duration_minutes,omitempty"`

	// time_of_day fields
	StartTime string `json:"start_time,omitempty"` // HH:MM local
	EndTime   string `json:"end_time,omitempty"`

	Smoothing   *Smoothing  `json:"smoothing,omitempty"`
	VideoDebug  *VideoDebug `json:"video_debug,omitempty"`
	StackImages bool        `json:"stack_images,omitempty"`
	StackCount  int         `json:"stack_count,omitempty"`
}

// Smoothing configures temporal smoothing of exposure parameters.
type Smoothing struct {
	WindowFrames      int     `json:"window_frames"`
	MaxChangePerFrame float64 `json:"max_change_per_frame"` // fractional delta in (0, 1]
	ISOWeight         float64 `json:"iso_weight"`
	ShutterWeight     float64 `json:"shutter_weight"`
}

// VideoDebug configures the per-frame settings overlay at encode time.
type VideoDebug struct {
	Enabled    bool   `json:"enabled"`
	FontSize   int    `json:"font_size"`
	Position   string `json:"position"` // bottom-left|top-left|bottom-right|top-right
	Background bool   `json:"background"`
}

// Pi points at the camera adapter endpoint.
type Pi struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// Storage configures on-disk layout and database files.
type Storage struct {
	ImagesDir    string `json:"images_dir"`
	VideosDir    string `json:"videos_dir"`
	DatabasePath string `json:"database_path"`
	QueuePath    string `json:"queue_path"`
}

// Processing configures video assembly.
type Processing struct {
	VideoFPS             int    `json:"video_fps"`
	VideoQuality         int    `json:"video_quality"` // CRF 0..51
	VideoCodec           string `json:"video_codec"`
	Quality              string `json:"quality"` // low|medium|high preset label
	UseFusedFrames       *bool  `json:"use_fused_frames,omitempty"`
	DeleteBracketSources bool   `json:"delete_bracket_sources"`
	JobTimeoutMinutes    int    `json:"job_timeout_minutes"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`  // debug, info, warn, error
	Format     string `json:"format"` // text, json
	FileOutput bool   `json:"file_output"`
	LogDir     string `json:"log_dir"`
}

// UseFused reports whether the worker should encode fused HDR frames
// in place of their source brackets. Defaults to true.
func (p Processing) UseFused() bool {
	if p.UseFusedFrames == nil {
		return true
	}
	return *p.UseFusedFrames
}

// JobTimeoutMins returns the worker job timeout with the 20 minute default.
func (p Processing) JobTimeoutMins() int {
	if p.JobTimeoutMinutes <= 0 {
		return 20
	}
	return p.JobTimeoutMinutes
}

// Timeout returns the adapter request timeout in seconds with default.
func (p Pi) Timeout() int {
	if p.TimeoutSeconds <= 0 {
		return defaultTimeoutSeconds
	}
	return p.TimeoutSeconds
}

// BaseURL returns the adapter endpoint base URL.
func (p Pi) BaseURL() string {
	return fmt.Sprintf("http://%s:%d", p.Host, p.Port)
}

// TickSeconds computes the scheduler tick cadence: the minimum interval
// across enabled schedules, defaulting to 30s when none are enabled.
func (c *Config) TickSeconds() int {
	tick := defaultTickSeconds
	for _, sched := range c.Schedules {
		if !sched.Enabled {
			continue
		}
		if sched.IntervalSeconds > 0 && sched.IntervalSeconds < tick {
			tick = sched.IntervalSeconds
		}
	}
	return tick
}

// Load reads configuration from path, falling back to defaults for
// anything the file does not set. An empty path consults SKYLAPSE_CONFIG
// and then the default location.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path == "" {
		path = os.Getenv("SKYLAPSE_CONFIG")
	}
	if path == "" {
		path = defaultConfigPath
	}

	expanded, err := expandUser(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", expanded, err)
	}

	return cfg, nil
}

func defaultConfig() *Config {
	return &Config{
		Location: Location{
			Timezone: "UTC",
		},
		Profiles:  map[string]Profile{},
		Schedules: map[string]Schedule{},
		Pi: Pi{
			Host:           "127.0.0.1",
			Port:           8080,
			TimeoutSeconds: defaultTimeoutSeconds,
		},
		Storage: Storage{
			ImagesDir:    "./images",
			VideosDir:    "./videos",
			DatabasePath: "./skylapse.db",
			QueuePath:    "./skylapse-queue.db",
		},
		Processing: Processing{
			VideoFPS:          24,
			VideoQuality:      23,
			VideoCodec:        "libx264",
			Quality:           "medium",
			JobTimeoutMinutes: 20,
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: false,
			LogDir:     "./logs",
		},
	}
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
