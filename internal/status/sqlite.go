package status

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"barkeeper/internal/models"
	"barkeeper/internal/store"
)

// SQLiteSink keeps a history of job states and outcomes.
type SQLiteSink struct {
	db     *sql.DB
	ownsDB bool
}

// JobRecord is one stored job state.
type JobRecord struct {
	Job       string    `json:"job"`
	Status    Status    `json:"status"`
	Details   string    `json:"details"`
	CreatedAt time.Time `json:"created_at"`
}

// OpenSQLiteSink opens dbPath and prepares the history tables.
func OpenSQLiteSink(dbPath string) (*SQLiteSink, error) {
	db, err := store.OpenSQLite(dbPath)
	if err != nil {
		return nil, err
	}
	s, err := NewSQLiteSink(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	s.ownsDB = true
	return s, nil
}

// NewSQLiteSink uses an existing connection, typically shared with the blob store.
func NewSQLiteSink(db *sql.DB) (*SQLiteSink, error) {
	s := &SQLiteSink{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteSink) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS job_status (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		job TEXT NOT NULL,
		status TEXT NOT NULL,
		details TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS fetch_outcomes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		symbol TEXT NOT NULL,
		granularity TEXT NOT NULL,
		mode TEXT,
		status TEXT NOT NULL,
		rows_before INTEGER NOT NULL,
		rows_after INTEGER NOT NULL,
		fetched INTEGER NOT NULL,
		dropped INTEGER NOT NULL,
		reason TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_status_job ON job_status(job, created_at);
	CREATE INDEX IF NOT EXISTS idx_fetch_outcomes_symbol ON fetch_outcomes(symbol, granularity, finished_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Name implements Sink.
func (s *SQLiteSink) Name() string { return "sqlite" }

// Send implements Sink.
func (s *SQLiteSink) Send(ctx context.Context, e Event) error {
	if e.Type == EventOutcome && e.Outcome != nil {
		o := e.Outcome
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO fetch_outcomes (run_id, symbol, granularity, mode, status, rows_before, rows_after,
				fetched, dropped, reason, started_at, finished_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, o.RunID, o.Symbol, o.Granularity, o.Mode, o.Status, o.RowsBefore, o.RowsAfter,
			o.Fetched, o.Dropped, o.Reason, o.StartedAt.UTC(), o.FinishedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert outcome: %w", err)
		}
		return nil
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO job_status (job, status, details, created_at)
		VALUES (?, ?, ?, ?)
	`, e.Job, e.Status, e.Details, e.Timestamp.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert job status: %w", err)
	}
	return nil
}

// RecentJobs returns the newest job states, newest first.
func (s *SQLiteSink) RecentJobs(ctx context.Context, limit int) ([]JobRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT job, status, details, created_at
		FROM job_status
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query job status: %w", err)
	}
	defer rows.Close()

	var records []JobRecord
	for rows.Next() {
		var r JobRecord
		var details sql.NullString
		if err := rows.Scan(&r.Job, &r.Status, &details, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan job status: %w", err)
		}
		r.Details = details.String
		records = append(records, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating job status: %w", err)
	}
	return records, nil
}

// Outcomes returns the newest outcomes for one dataset, newest first.
func (s *SQLiteSink) Outcomes(ctx context.Context, symbol models.Symbol, g models.Granularity, limit int) ([]models.FetchOutcome, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, symbol, granularity, mode, status, rows_before, rows_after, fetched, dropped,
			reason, started_at, finished_at
		FROM fetch_outcomes
		WHERE symbol = ? AND granularity = ?
		ORDER BY finished_at DESC, id DESC
		LIMIT ?
	`, symbol, g, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []models.FetchOutcome
	for rows.Next() {
		var o models.FetchOutcome
		var mode, reason sql.NullString
		if err := rows.Scan(&o.RunID, &o.Symbol, &o.Granularity, &mode, &o.Status, &o.RowsBefore, &o.RowsAfter,
			&o.Fetched, &o.Dropped, &reason, &o.StartedAt, &o.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan outcome: %w", err)
		}
		o.Mode = models.FetchMode(mode.String)
		o.Reason = reason.String
		outcomes = append(outcomes, o)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outcomes: %w", err)
	}
	return outcomes, nil
}

// Close implements Sink. A shared connection is left open.
func (s *SQLiteSink) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}
