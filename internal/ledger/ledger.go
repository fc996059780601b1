// Package ledger is the transactional persistent store of sessions,
// captures and timelapses. Single-writer discipline: every write that
// touches session aggregates runs inside one immediate transaction with
// the capture insert.
package ledger

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("ledger: not found")

// Store wraps SQLite-backed persistence for sessions, captures and
// timelapses.
type Store struct {
	DB *sql.DB
}

// Open opens (or creates) the database at path and ensures schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// The ledger is single-writer; one connection keeps transaction
	// semantics simple and avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, err
	}
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
            id TEXT PRIMARY KEY,
            profile TEXT NOT NULL,
            schedule TEXT NOT NULL,
            date TEXT NOT NULL,
            start_time TIMESTAMP,
            end_time TIMESTAMP,
            image_count INTEGER NOT NULL DEFAULT 0,
            status TEXT NOT NULL DEFAULT 'active',
            was_active INTEGER NOT NULL DEFAULT 0,
            lux_min REAL,
            lux_max REAL,
            lux_avg REAL,
            lux_samples INTEGER NOT NULL DEFAULT 0,
            iso_min INTEGER,
            iso_max INTEGER,
            wb_min INTEGER,
            wb_max INTEGER,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE TABLE IF NOT EXISTS captures (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            session_id TEXT NOT NULL REFERENCES sessions(id),
            timestamp TIMESTAMP NOT NULL,
            filename TEXT NOT NULL,
            iso INTEGER,
            shutter TEXT,
            ev REAL,
            lux REAL,
            wb_temp INTEGER,
            wb_mode TEXT,
            hdr_mode INTEGER,
            bracket_count INTEGER,
            bracket_ev TEXT,
            ae_metering TEXT,
            af_mode TEXT,
            lens_position REAL,
            sharpness REAL,
            contrast REAL,
            saturation REAL,
            analog_gain REAL,
            digital_gain REAL,
            is_bracket INTEGER NOT NULL DEFAULT 0,
            bracket_index INTEGER,
            bracket_ev_offset REAL,
            is_hdr_result INTEGER NOT NULL DEFAULT 0,
            source_bracket_ids TEXT
        );`,
		`CREATE INDEX IF NOT EXISTS idx_captures_session ON captures(session_id);`,
		`CREATE INDEX IF NOT EXISTS idx_captures_session_ts ON captures(session_id, timestamp);`,
		`CREATE TABLE IF NOT EXISTS timelapses (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            session_id TEXT NOT NULL,
            filename TEXT NOT NULL,
            file_path TEXT NOT NULL,
            size_mb REAL,
            frame_count INTEGER,
            fps INTEGER,
            quality TEXT,
            quality_tier TEXT NOT NULL DEFAULT 'preview',
            profile TEXT,
            schedule TEXT,
            date TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_timelapses_session ON timelapses(session_id);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}

	// Migrations are additive only: columns added after the initial
	// schema shipped, guarded by existence checks. Never drop or alter.
	if err := s.ensureColumn("captures", "hdr_result_id",
		`ALTER TABLE captures ADD COLUMN hdr_result_id INTEGER;`); err != nil {
		return err
	}
	return nil
}

// ensureColumn applies ddl unless table already has the column.
func (s *Store) ensureColumn(table, column, ddl string) error {
	rows, err := s.DB.Query(fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dflt sql.NullString
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &pk); err != nil {
			return err
		}
		if name == column {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	_, err = s.DB.Exec(ddl)
	return err
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// beginWrite opens a write transaction. With MaxOpenConns(1) the single
// connection serializes writers, which is the immediate-transaction
// discipline the aggregate updates rely on.
func (s *Store) beginWrite() (*sql.Tx, error) {
	return s.DB.Begin()
}

func dateKey(date time.Time) string {
	return date.Format("2006-01-02")
}

func dateKeyCompact(date time.Time) string {
	return date.Format("20060102")
}
