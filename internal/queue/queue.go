// Package queue is the durable FIFO handing timelapse jobs from the
// controller to the worker. Jobs survive restarts of either process;
// delivery is at-least-once via leases, so consumers must be idempotent.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// TimelapseQueue is the queue name the scheduler and worker share.
const TimelapseQueue = "timelapse"

// DefaultJobTimeout bounds one job's execution; expired leases are
// re-delivered. Encoding a high-resolution session is slow, so this is
// generous.
const DefaultJobTimeout = 20 * time.Minute

// Job states.
const (
	statePending = "pending"
	stateLeased  = "leased"
	stateDone    = "done"
	stateFailed  = "failed"
)

// Payload is the unit of work: one (profile, date, schedule) session to
// assemble at one quality tier.
type Payload struct {
	Profile     string `json:"profile"`
	Schedule    string `json:"schedule"`
	Date        string `json:"date"` // YYYY-MM-DD
	SessionID   string `json:"session_id"`
	Quality     string `json:"quality,omitempty"`
	QualityTier string `json:"quality_tier,omitempty"`
	JobTimeout  int    `json:"job_timeout"` // seconds
}

// Tier returns the payload's quality tier, defaulting to preview.
func (p Payload) Tier() string {
	if p.QualityTier == "" {
		return "preview"
	}
	return p.QualityTier
}

// Timeout returns the job timeout with default.
func (p Payload) Timeout() time.Duration {
	if p.JobTimeout <= 0 {
		return DefaultJobTimeout
	}
	return time.Duration(p.JobTimeout) * time.Second
}

// Job is one leased queue entry.
type Job struct {
	ID       int64
	Queue    string
	Payload  Payload
	Attempts int
}

// Queue wraps the jobs table.
type Queue struct {
	db *sql.DB
}

// Open opens (or creates) the queue database at path.
func Open(path string) (*Queue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, err
	}
	q := &Queue{db: db}
	if err := q.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureSchema() error {
	_, err := q.db.Exec(`CREATE TABLE IF NOT EXISTS jobs (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        queue TEXT NOT NULL,
        payload TEXT NOT NULL,
        state TEXT NOT NULL DEFAULT 'pending',
        attempts INTEGER NOT NULL DEFAULT 0,
        last_error TEXT,
        lease_until TIMESTAMP,
        created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
        updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_queue_state ON jobs(queue, state, id);`)
	return err
}

// Close closes the underlying DB.
func (q *Queue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}

// Enqueue appends a job and returns its id.
func (q *Queue) Enqueue(queueName string, p Payload) (int64, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return 0, err
	}
	res, err := q.db.Exec(
		`INSERT INTO jobs (queue, payload) VALUES (?, ?);`, queueName, string(body))
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	return res.LastInsertId()
}

// Dequeue blocks until a job is available or ctx is done, polling the
// table. The returned job is leased for its payload timeout; an
// unacknowledged lease expires and the job is re-delivered.
func (q *Queue) Dequeue(ctx context.Context, queueName string) (*Job, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		job, err := q.tryDequeue(queueName)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryDequeue(queueName string) (*Job, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var (
		id       int64
		payload  string
		attempts int
	)
	err = tx.QueryRow(
		`SELECT id, payload, attempts FROM jobs
         WHERE queue = ? AND (state = ? OR (state = ? AND lease_until < ?))
         ORDER BY id ASC LIMIT 1;`,
		queueName, statePending, stateLeased, now).Scan(&id, &payload, &attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var p Payload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		// Poison entry: fail it so the queue keeps moving.
		_, _ = tx.Exec(`UPDATE jobs SET state = ?, last_error = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
			stateFailed, "unparseable payload: "+err.Error(), id)
		if err := tx.Commit(); err != nil {
			return nil, err
		}
		return nil, nil
	}

	leaseUntil := now.Add(p.Timeout())
	if _, err := tx.Exec(
		`UPDATE jobs SET state = ?, attempts = attempts + 1, lease_until = ?,
            updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		stateLeased, leaseUntil, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Job{ID: id, Queue: queueName, Payload: p, Attempts: attempts + 1}, nil
}

// Ack marks a leased job done.
func (q *Queue) Ack(id int64) error {
	_, err := q.db.Exec(
		`UPDATE jobs SET state = ?, lease_until = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		stateDone, id)
	return err
}

// Nack records a failure. The job returns to pending for redelivery.
func (q *Queue) Nack(id int64, reason string) error {
	_, err := q.db.Exec(
		`UPDATE jobs SET state = ?, last_error = ?, lease_until = NULL,
            updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		statePending, reason, id)
	return err
}

// Fail permanently marks a job failed (no redelivery).
func (q *Queue) Fail(id int64, reason string) error {
	_, err := q.db.Exec(
		`UPDATE jobs SET state = ?, last_error = ?, lease_until = NULL,
            updated_at = CURRENT_TIMESTAMP WHERE id = ?;`,
		stateFailed, reason, id)
	return err
}

// Stats summarizes queue depth by state.
type Stats struct {
	Pending int `json:"pending"`
	Leased  int `json:"leased"`
	Done    int `json:"done"`
	Failed  int `json:"failed"`
}

// QueueStats returns depth counters for one queue.
func (q *Queue) QueueStats(queueName string) (Stats, error) {
	rows, err := q.db.Query(
		`SELECT state, COUNT(*) FROM jobs WHERE queue = ? GROUP BY state;`, queueName)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	var st Stats
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, err
		}
		switch state {
		case statePending:
			st.Pending = n
		case stateLeased:
			st.Leased = n
		case stateDone:
			st.Done = n
		case stateFailed:
			st.Failed = n
		}
	}
	return st, rows.Err()
}
