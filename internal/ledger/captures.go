package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"skylapse/internal/exposure"
)

// Capture is one frame row, foreign-keyed to its session.
type Capture struct {
	ID               int64
	SessionID        string
	Timestamp        time.Time
	Filename         string // basename only, never a full path
	Settings         exposure.Settings
	IsBracket        bool
	BracketIndex     int
	BracketEVOffset  float64
	IsHDRResult      bool
	SourceBracketIDs []int64
	HDRResultID      *int64
}

// RecordCapture transactionally inserts a capture row and updates the
// session aggregates (count, extrema, running lux mean, end_time). The
// running mean uses new_avg = (old_avg*(n-1) + x) / n with n the new
// non-null lux sample count.
func (s *Store) RecordCapture(c Capture) (int64, error) {
	tx, err := s.beginWrite()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	id, err := insertCapture(tx, c)
	if err != nil {
		return 0, fmt.Errorf("insert capture for %s: %w", c.SessionID, err)
	}
	if err := updateAggregates(tx, c); err != nil {
		return 0, fmt.Errorf("update aggregates for %s: %w", c.SessionID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

func insertCapture(tx *sql.Tx, c Capture) (int64, error) {
	set := c.Settings
	res, err := tx.Exec(
		`INSERT INTO captures (
            session_id, timestamp, filename, iso, shutter, ev, lux,
            wb_temp, wb_mode, hdr_mode, bracket_count, bracket_ev,
            ae_metering, af_mode, lens_position, sharpness, contrast,
            saturation, analog_gain, digital_gain,
            is_bracket, bracket_index, bracket_ev_offset,
            is_hdr_result, source_bracket_ids
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
		c.SessionID, c.Timestamp, c.Filename,
		nullIfZeroInt(set.ISO), set.Shutter, set.EV, nullIfZeroFloat(set.Lux),
		nullIfZeroInt(set.WBTemp), set.WBMode, set.HDRMode,
		set.BracketCount, encodeFloats(set.BracketEV),
		set.AEMetering, set.AFMode, set.LensPosition,
		set.Sharpness, set.Contrast, set.Saturation,
		set.AnalogGain, set.DigitalGain,
		boolInt(c.IsBracket), c.BracketIndex, c.BracketEVOffset,
		boolInt(c.IsHDRResult), encodeIDs(c.SourceBracketIDs))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func updateAggregates(tx *sql.Tx, c Capture) error {
	var (
		imageCount, luxSamples       int
		start                        sql.NullTime
		luxMin, luxMax, luxAvg       sql.NullFloat64
		isoMin, isoMax, wbMin, wbMax sql.NullInt64
	)
	err := tx.QueryRow(
		`SELECT image_count, lux_samples, start_time, lux_min, lux_max, lux_avg,
                iso_min, iso_max, wb_min, wb_max
         FROM sessions WHERE id = ?;`, c.SessionID).
		Scan(&imageCount, &luxSamples, &start, &luxMin, &luxMax, &luxAvg,
			&isoMin, &isoMax, &wbMin, &wbMax)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("session %s: %w", c.SessionID, ErrNotFound)
	}
	if err != nil {
		return err
	}

	imageCount++
	set := c.Settings

	if set.Lux > 0 {
		luxSamples++
		n := float64(luxSamples)
		if luxAvg.Valid {
			luxAvg.Float64 = (luxAvg.Float64*(n-1) + set.Lux) / n
		} else {
			luxAvg = sql.NullFloat64{Float64: set.Lux, Valid: true}
		}
		luxMin = minFloat(luxMin, set.Lux)
		luxMax = maxFloat(luxMax, set.Lux)
	}
	if set.ISO > 0 {
		isoMin = minInt(isoMin, int64(set.ISO))
		isoMax = maxInt(isoMax, int64(set.ISO))
	}
	if set.WBTemp > 0 {
		wbMin = minInt(wbMin, int64(set.WBTemp))
		wbMax = maxInt(wbMax, int64(set.WBTemp))
	}

	startTime := c.Timestamp
	if start.Valid {
		startTime = start.Time
	}

	_, err = tx.Exec(
		`UPDATE sessions SET
            image_count = ?, lux_samples = ?, start_time = ?, end_time = ?,
            lux_min = ?, lux_max = ?, lux_avg = ?,
            iso_min = ?, iso_max = ?, wb_min = ?, wb_max = ?,
            updated_at = CURRENT_TIMESTAMP
         WHERE id = ?;`,
		imageCount, luxSamples, startTime, c.Timestamp,
		luxMin, luxMax, luxAvg, isoMin, isoMax, wbMin, wbMax,
		c.SessionID)
	return err
}

// CapturesForSession returns every capture row for a session ordered by
// timestamp ascending, id ascending for equal timestamps (bracket sets
// share one timestamp).
func (s *Store) CapturesForSession(sessionID string) ([]Capture, error) {
	rows, err := s.DB.Query(selectCaptures+
		` WHERE session_id = ? ORDER BY timestamp ASC, id ASC;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCaptures(rows)
}

// RecentSamples implements exposure.History: the last n captures of a
// session as numeric samples, ordered by timestamp ascending.
func (s *Store) RecentSamples(sessionID string, n int) ([]exposure.Sample, error) {
	rows, err := s.DB.Query(
		`SELECT iso, shutter, ev, wb_temp FROM captures
         WHERE session_id = ? AND is_hdr_result = 0
         ORDER BY timestamp DESC, id DESC LIMIT ?;`, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var samples []exposure.Sample
	for rows.Next() {
		var iso, wb sql.NullInt64
		var shutter sql.NullString
		var ev sql.NullFloat64
		if err := rows.Scan(&iso, &shutter, &ev, &wb); err != nil {
			return nil, err
		}
		sample := exposure.Sample{
			ISO:    int(iso.Int64),
			EV:     ev.Float64,
			WBTemp: int(wb.Int64),
		}
		if shutter.Valid {
			if sec, err := exposure.ParseShutter(shutter.String); err == nil {
				sample.ShutterSec = sec
			}
		}
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse into ascending order.
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// BracketGroup is a set of bracket rows sharing one base timestamp.
type BracketGroup struct {
	Timestamp time.Time
	Captures  []Capture
}

// UnfusedBracketGroups returns the session's bracket sets (size >= 2)
// that have no HDR result linked yet, grouped by timestamp.
func (s *Store) UnfusedBracketGroups(sessionID string) ([]BracketGroup, error) {
	rows, err := s.DB.Query(selectCaptures+
		` WHERE session_id = ? AND is_bracket = 1 AND hdr_result_id IS NULL
          ORDER BY timestamp ASC, bracket_index ASC, id ASC;`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	captures, err := scanCaptures(rows)
	if err != nil {
		return nil, err
	}

	var groups []BracketGroup
	for _, c := range captures {
		if len(groups) > 0 && groups[len(groups)-1].Timestamp.Equal(c.Timestamp) {
			last := &groups[len(groups)-1]
			last.Captures = append(last.Captures, c)
			continue
		}
		groups = append(groups, BracketGroup{Timestamp: c.Timestamp, Captures: []Capture{c}})
	}

	// Only sets of two or more frames can fuse.
	out := groups[:0]
	for _, g := range groups {
		if len(g.Captures) >= 2 {
			out = append(out, g)
		}
	}
	return out, nil
}

// InsertHDRResult inserts the fused-result capture row and back-links
// every source bracket row to it in the same transaction.
func (s *Store) InsertHDRResult(sessionID, filename string, timestamp time.Time, sourceIDs []int64) (int64, error) {
	if len(sourceIDs) == 0 {
		return 0, fmt.Errorf("hdr result needs source bracket ids")
	}
	tx, err := s.beginWrite()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	c := Capture{
		SessionID:        sessionID,
		Timestamp:        timestamp,
		Filename:         filename,
		IsHDRResult:      true,
		SourceBracketIDs: sourceIDs,
		Settings:         exposure.Settings{HDRMode: 1},
	}
	id, err := insertCapture(tx, c)
	if err != nil {
		return 0, err
	}
	if err := updateAggregates(tx, c); err != nil {
		return 0, err
	}

	for _, src := range sourceIDs {
		res, err := tx.Exec(
			`UPDATE captures SET hdr_result_id = ? WHERE id = ? AND session_id = ?;`,
			id, src, sessionID)
		if err != nil {
			return 0, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return 0, fmt.Errorf("source bracket %d not found in session %s", src, sessionID)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return id, nil
}

const selectCaptures = `SELECT id, session_id, timestamp, filename, iso, shutter, ev, lux,
        wb_temp, wb_mode, hdr_mode, bracket_count, bracket_ev,
        ae_metering, af_mode, lens_position, sharpness, contrast, saturation,
        analog_gain, digital_gain, is_bracket, bracket_index, bracket_ev_offset,
        is_hdr_result, source_bracket_ids, hdr_result_id
    FROM captures`

func scanCaptures(rows *sql.Rows) ([]Capture, error) {
	var captures []Capture
	for rows.Next() {
		var c Capture
		var iso, wb, hdrMode, bracketCount, bracketIndex sql.NullInt64
		var shutter, bracketEV, wbMode, aeMetering, afMode, sourceIDs sql.NullString
		var ev, lux, lensPos, sharp, contrast, sat, again, dgain, bracketEVOffset sql.NullFloat64
		var isBracket, isHDR int
		var hdrResultID sql.NullInt64
		err := rows.Scan(&c.ID, &c.SessionID, &c.Timestamp, &c.Filename,
			&iso, &shutter, &ev, &lux, &wb, &wbMode, &hdrMode,
			&bracketCount, &bracketEV, &aeMetering, &afMode, &lensPos,
			&sharp, &contrast, &sat, &again, &dgain,
			&isBracket, &bracketIndex, &bracketEVOffset,
			&isHDR, &sourceIDs, &hdrResultID)
		if err != nil {
			return nil, err
		}
		c.Settings = exposure.Settings{
			ISO:          int(iso.Int64),
			Shutter:      shutter.String,
			EV:           ev.Float64,
			Lux:          lux.Float64,
			WBTemp:       int(wb.Int64),
			WBMode:       wbMode.String,
			HDRMode:      int(hdrMode.Int64),
			BracketCount: int(bracketCount.Int64),
			BracketEV:    decodeFloats(bracketEV.String),
			AEMetering:   aeMetering.String,
			AFMode:       afMode.String,
			LensPosition: lensPos.Float64,
			Sharpness:    sharp.Float64,
			Contrast:     contrast.Float64,
			Saturation:   sat.Float64,
			AnalogGain:   again.Float64,
			DigitalGain:  dgain.Float64,
		}
		c.IsBracket = isBracket != 0
		c.BracketIndex = int(bracketIndex.Int64)
		c.BracketEVOffset = bracketEVOffset.Float64
		c.IsHDRResult = isHDR != 0
		c.SourceBracketIDs = decodeIDs(sourceIDs.String)
		if hdrResultID.Valid {
			id := hdrResultID.Int64
			c.HDRResultID = &id
		}
		captures = append(captures, c)
	}
	return captures, rows.Err()
}

// encodeFloats serializes an ordered EV list as a compact string.
func encodeFloats(vals []float64) string {
	if len(vals) == 0 {
		return ""
	}
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return strings.Join(parts, ",")
}

func decodeFloats(s string) []float64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	vals := make([]float64, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.ParseFloat(p, 64); err == nil {
			vals = append(vals, v)
		}
	}
	return vals
}

func encodeIDs(ids []int64) string {
	if len(ids) == 0 {
		return ""
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func decodeIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	ids := make([]int64, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.ParseInt(p, 10, 64); err == nil {
			ids = append(ids, v)
		}
	}
	return ids
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfZeroInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullIfZeroFloat(v float64) any {
	if v == 0 {
		return nil
	}
	return v
}

func minFloat(cur sql.NullFloat64, x float64) sql.NullFloat64 {
	if !cur.Valid || x < cur.Float64 {
		return sql.NullFloat64{Float64: x, Valid: true}
	}
	return cur
}

func maxFloat(cur sql.NullFloat64, x float64) sql.NullFloat64 {
	if !cur.Valid || x > cur.Float64 {
		return sql.NullFloat64{Float64: x, Valid: true}
	}
	return cur
}

func minInt(cur sql.NullInt64, x int64) sql.NullInt64 {
	if !cur.Valid || x < cur.Int64 {
		return sql.NullInt64{Int64: x, Valid: true}
	}
	return cur
}

func maxInt(cur sql.NullInt64, x int64) sql.NullInt64 {
	if !cur.Valid || x > cur.Int64 {
		return sql.NullInt64{Int64: x, Valid: true}
	}
	return cur
}
