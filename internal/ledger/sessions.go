package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Session statuses.
const (
	StatusActive             = "active"
	StatusComplete           = "complete"
	StatusTimelapseGenerated = "timelapse_generated"
)

// Session is one (profile, date, schedule) capture session row.
type Session struct {
	ID         string
	Profile    string
	Schedule   string
	Date       string
	StartTime  *time.Time
	EndTime    *time.Time
	ImageCount int
	Status     string
	WasActive  bool
	LuxMin     *float64
	LuxMax     *float64
	LuxAvg     *float64
	ISOMin     *int
	ISOMax     *int
	WBMin      *int
	WBMax      *int
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SessionID derives the canonical session identifier from its triple:
// {profile}_{YYYYMMDD}_{schedule}.
func SessionID(profile string, date time.Time, schedule string) string {
	return fmt.Sprintf("%s_%s_%s", profile, dateKeyCompact(date), schedule)
}

// GetOrCreateSession returns the session id for (profile, date,
// schedule), inserting a fresh active row on first call. Idempotent.
func (s *Store) GetOrCreateSession(profile string, date time.Time, schedule string) (string, error) {
	id := SessionID(profile, date, schedule)
	_, err := s.DB.Exec(
		`INSERT OR IGNORE INTO sessions (id, profile, schedule, date, status, was_active)
         VALUES (?, ?, ?, ?, ?, 0);`,
		id, profile, schedule, dateKey(date), StatusActive)
	if err != nil {
		return "", fmt.Errorf("create session %s: %w", id, err)
	}
	return id, nil
}

// GetSession loads one session row.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.DB.QueryRow(
		`SELECT id, profile, schedule, date, start_time, end_time, image_count,
                status, was_active, lux_min, lux_max, lux_avg,
                iso_min, iso_max, wb_min, wb_max, created_at, updated_at
         FROM sessions WHERE id = ?;`, id)
	return scanSession(row)
}

// ListSessions returns sessions, newest first, optionally filtered by
// date (YYYY-MM-DD) and/or schedule.
func (s *Store) ListSessions(date, schedule string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, profile, schedule, date, start_time, end_time, image_count,
                     status, was_active, lux_min, lux_max, lux_avg,
                     iso_min, iso_max, wb_min, wb_max, created_at, updated_at
              FROM sessions WHERE 1=1`
	var args []any
	if date != "" {
		query += ` AND date = ?`
		args = append(args, date)
	}
	if schedule != "" {
		query += ` AND schedule = ?`
		args = append(args, schedule)
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.DB.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// GetWasActive returns the persisted window flag for the implied
// session, defaulting false when the row does not exist yet.
func (s *Store) GetWasActive(profile string, date time.Time, schedule string) (bool, error) {
	var flag int
	err := s.DB.QueryRow(`SELECT was_active FROM sessions WHERE id = ?;`,
		SessionID(profile, date, schedule)).Scan(&flag)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return flag != 0, nil
}

// UpdateWasActive persists the window flag. Silent no-op when the
// session row does not exist yet; the capture path creates it.
func (s *Store) UpdateWasActive(profile string, date time.Time, schedule string, active bool) error {
	flag := 0
	if active {
		flag = 1
	}
	_, err := s.DB.Exec(
		`UPDATE sessions SET was_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		flag, SessionID(profile, date, schedule))
	return err
}

// MarkSessionComplete transitions an active session to complete.
// Idempotent: already-complete sessions are left untouched.
func (s *Store) MarkSessionComplete(id string) error {
	_, err := s.DB.Exec(
		`UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP
         WHERE id = ? AND status = ?;`,
		StatusComplete, id, StatusActive)
	return err
}

// MarkTimelapseGenerated records that the preview-tier video exists.
func (s *Store) MarkTimelapseGenerated(id string) error {
	_, err := s.DB.Exec(
		`UPDATE sessions SET status = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		StatusTimelapseGenerated, id)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var start, end sql.NullTime
	var wasActive int
	var luxMin, luxMax, luxAvg sql.NullFloat64
	var isoMin, isoMax, wbMin, wbMax sql.NullInt64
	err := row.Scan(&sess.ID, &sess.Profile, &sess.Schedule, &sess.Date,
		&start, &end, &sess.ImageCount, &sess.Status, &wasActive,
		&luxMin, &luxMax, &luxAvg, &isoMin, &isoMax, &wbMin, &wbMax,
		&sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.WasActive = wasActive != 0
	if start.Valid {
		sess.StartTime = &start.Time
	}
	if end.Valid {
		sess.EndTime = &end.Time
	}
	sess.LuxMin = nullFloat(luxMin)
	sess.LuxMax = nullFloat(luxMax)
	sess.LuxAvg = nullFloat(luxAvg)
	sess.ISOMin = nullInt(isoMin)
	sess.ISOMax = nullInt(isoMax)
	sess.WBMin = nullInt(wbMin)
	sess.WBMax = nullInt(wbMax)
	return &sess, nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	i := int(v.Int64)
	return &i
}
