package ledger

import (
	"database/sql"
	"time"
)

// Quality tiers.
const (
	TierPreview = "preview"
	TierArchive = "archive"
)

// Timelapse is one produced-video row.
type Timelapse struct {
	ID          int64
	SessionID   string
	Filename    string
	FilePath    string
	SizeMB      float64
	FrameCount  int
	FPS         int
	Quality     string
	QualityTier string
	Profile     string
	Schedule    string
	Date        string
	CreatedAt   time.Time
}

// RecordTimelapse appends a produced-video row.
func (s *Store) RecordTimelapse(t Timelapse) (int64, error) {
	res, err := s.DB.Exec(
		`INSERT INTO timelapses (session_id, filename, file_path, size_mb,
            frame_count, fps, quality, quality_tier, profile, schedule, date)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		t.SessionID, t.Filename, t.FilePath, t.SizeMB, t.FrameCount,
		t.FPS, t.Quality, t.QualityTier, t.Profile, t.Schedule, t.Date)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// TimelapseExists reports whether a video of the given tier has already
// been recorded for the session. This is the worker's idempotency check:
// a repeat job for an existing (session, tier) must be a no-op success.
func (s *Store) TimelapseExists(sessionID, tier string) (bool, error) {
	var n int
	err := s.DB.QueryRow(
		`SELECT COUNT(*) FROM timelapses WHERE session_id = ? AND quality_tier = ?;`,
		sessionID, tier).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// TimelapseFilter narrows GetTimelapses.
type TimelapseFilter struct {
	Profile  string
	Schedule string
	Date     string
	Tier     string
	Limit    int
}

// GetTimelapses returns produced videos, newest first.
func (s *Store) GetTimelapses(f TimelapseFilter) ([]Timelapse, error) {
	query := `SELECT id, session_id, filename, file_path, size_mb, frame_count,
                     fps, quality, quality_tier, profile, schedule, date, created_at
              FROM timelapses WHERE 1=1`
	var args []any
	if f.Profile != "" {
		query += ` AND profile = ?`
		args = append(args, f.Profile)
	}
	if f.Schedule != "" {
		query += ` AND schedule = ?`
		args = append(args, f.Schedule)
	}
	if f.Date != "" {
		query += ` AND date = ?`
		args = append(args, f.Date)
	}
	if f.Tier != "" {
		query += ` AND quality_tier = ?`
		args = append(args, f.Tier)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Timelapse
	for rows.Next() {
		var t Timelapse
		var sizeMB sql.NullFloat64
		var frames, fps sql.NullInt64
		var quality, profile, schedule, date sql.NullString
		if err := rows.Scan(&t.ID, &t.SessionID, &t.Filename, &t.FilePath,
			&sizeMB, &frames, &fps, &quality, &t.QualityTier,
			&profile, &schedule, &date, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.SizeMB = sizeMB.Float64
		t.FrameCount = int(frames.Int64)
		t.FPS = int(fps.Int64)
		t.Quality = quality.String
		t.Profile = profile.String
		t.Schedule = schedule.String
		t.Date = date.String
		out = append(out, t)
	}
	return out, rows.Err()
}
