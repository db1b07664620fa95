package cron

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"
	. "github.com/roelfdiedericks/clawcore/internal/logging"
)

// SQLiteHistory stores runs in a cron_runs table.
type SQLiteHistory struct {
	db *sql.DB
}

const sqliteHistorySchema = `
CREATE TABLE IF NOT EXISTS cron_runs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	job_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	status TEXT NOT NULL,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	summary TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cron_runs_job ON cron_runs(job_id, ts);
`

// NewSQLiteHistory opens (creating if needed) the database at path.
func NewSQLiteHistory(path string) (*SQLiteHistory, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		L_warn("sqlite: failed to enable WAL mode", "error", err)
	}
	if _, err := db.Exec(sqliteHistorySchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create cron_runs table: %w", err)
	}

	L_debug("cron: sqlite history opened", "path", path)
	return &SQLiteHistory{db: db}, nil
}

// LogRun inserts one run.
func (h *SQLiteHistory) LogRun(jobID string, entry RunLogEntry) error {
	_, err := h.db.Exec(
		`INSERT INTO cron_runs (job_id, ts, status, duration_ms, summary, error) VALUES (?, ?, ?, ?, ?, ?)`,
		jobID, entry.Ts, entry.Status, entry.DurationMs, TruncateSummary(entry.Summary), entry.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// GetRuns returns recent runs for a job, most recent first.
func (h *SQLiteHistory) GetRuns(jobID string, limit int) ([]RunLogEntry, error) {
	query := `SELECT ts, status, duration_ms, summary, error FROM cron_runs WHERE job_id = ? ORDER BY ts DESC, id DESC`
	args := []any{jobID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := h.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var entries []RunLogEntry
	for rows.Next() {
		var e RunLogEntry
		if err := rows.Scan(&e.Ts, &e.Status, &e.DurationMs, &e.Summary, &e.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// DeleteHistory removes every run of a job.
func (h *SQLiteHistory) DeleteHistory(jobID string) error {
	if _, err := h.db.Exec(`DELETE FROM cron_runs WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("failed to delete history: %w", err)
	}
	return nil
}

// Close closes the database.
func (h *SQLiteHistory) Close() error {
	return h.db.Close()
}
