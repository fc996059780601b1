package scheduler

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"time"

	"skylapse/internal/config"
	"skylapse/internal/exposure"
	"skylapse/internal/fsutil"
	"skylapse/internal/ledger"
)

// settleDelay gives the sensor time between profile switches within one
// burst so the first frame of the next profile is not under the previous
// profile's gains.
const settleDelay = 500 * time.Millisecond

// burst captures one frame (or bracket set) per enabled profile of the
// schedule. Profiles are isolated: one profile failing never blocks the
// rest of the burst.
func (s *Scheduler) burst(ctx context.Context, now time.Time, name string, sched config.Schedule) {
	profiles := s.enabledProfiles(sched)
	for i, profile := range profiles {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(settleDelay):
			}
		}
		if err := s.captureProfile(ctx, now, name, sched, profile); err != nil {
			s.log.Error("profile capture failed",
				"schedule", name, "profile", profile, "error", err)
		}
	}
}

func (s *Scheduler) captureProfile(ctx context.Context, now time.Time, name string, sched config.Schedule, profile string) error {
	prof := s.cfg.Profiles[profile]

	sessionID, err := s.store.GetOrCreateSession(profile, now, name)
	if err != nil {
		return err
	}

	settings := s.planner.Plan(ctx, exposure.Request{
		ProfileID:    profile,
		Profile:      prof,
		ScheduleName: name,
		Schedule:     sched,
		SessionID:    sessionID,
		Now:          now,
	})

	if settings.BracketCount > 1 {
		return s.captureBracket(ctx, now, sessionID, profile, settings)
	}

	filename, err := s.captureOne(ctx, profile, settings)
	if err != nil {
		return err
	}
	id, err := s.store.RecordCapture(ledger.Capture{
		SessionID: sessionID,
		Timestamp: now,
		Filename:  filename,
		Settings:  settings,
	})
	if err != nil {
		return err
	}

	s.log.Info("captured frame", "session_id", sessionID,
		"filename", filename, "iso", settings.ISO,
		"shutter", settings.Shutter, "lux", settings.Lux)
	s.publish("capture", map[string]any{
		"session_id": sessionID,
		"capture_id": id,
		"filename":   filename,
		"iso":        settings.ISO,
		"shutter":    settings.Shutter,
	})
	return nil
}

// captureBracket issues one adapter request per bracket frame. All
// frames of the set share the burst timestamp, which is how the worker
// later groups them for fusion.
func (s *Scheduler) captureBracket(ctx context.Context, now time.Time, sessionID, profile string, settings exposure.Settings) error {
	for i := 0; i < settings.BracketCount; i++ {
		offset := settings.BracketEV[i]
		shot := settings
		shot.EV = exposure.ClampEV(settings.EV + offset)

		filename, err := s.captureOne(ctx, profile, shot)
		if err != nil {
			return fmt.Errorf("bracket frame %d: %w", i, err)
		}
		shot.BracketEV = settings.BracketEV
		if _, err := s.store.RecordCapture(ledger.Capture{
			SessionID:       sessionID,
			Timestamp:       now,
			Filename:        filename,
			Settings:        shot,
			IsBracket:       true,
			BracketIndex:    i,
			BracketEVOffset: offset,
		}); err != nil {
			return fmt.Errorf("bracket frame %d: %w", i, err)
		}
	}

	s.log.Info("captured bracket set", "session_id", sessionID,
		"frames", settings.BracketCount, "iso", settings.ISO)
	s.publish("capture", map[string]any{
		"session_id": sessionID,
		"bracketed":  true,
		"frames":     settings.BracketCount,
	})
	return nil
}

// captureOne triggers the adapter, downloads the resulting file and
// stores it under {images_dir}/profile-{id}/. Returns the basename.
func (s *Scheduler) captureOne(ctx context.Context, profile string, settings exposure.Settings) (string, error) {
	resp, err := s.cam.Capture(ctx, settings)
	if err != nil {
		return "", err
	}
	filename := path.Base(resp.ImagePath)

	body, err := s.cam.Download(ctx, resp.ImagePath)
	if err != nil {
		return "", err
	}
	defer body.Close()

	dest := filepath.Join(s.cfg.Storage.ImagesDir,
		"profile-"+profile, filename)
	if _, err := fsutil.WriteFileAtomic(dest, body); err != nil {
		return "", fmt.Errorf("store %s: %w", dest, err)
	}
	return filename, nil
}
