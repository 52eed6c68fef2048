// Package ledger keeps an optional SQLite record of fetch runs and of every
// window each run queried.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"matomo-requests-tool/internal/window"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	range_start TEXT NOT NULL,
	range_end   TEXT NOT NULL,
	log_group   TEXT NOT NULL,
	query       TEXT NOT NULL,
	output_file TEXT NOT NULL,
	started_at  TEXT NOT NULL,
	finished_at TEXT,
	status      TEXT NOT NULL,
	records     INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS windows (
	run_id       TEXT NOT NULL,
	window_start TEXT NOT NULL,
	window_end   TEXT NOT NULL,
	depth        INTEGER NOT NULL,
	query_id     TEXT,
	status       TEXT NOT NULL,
	records      INTEGER NOT NULL,
	truncated    INTEGER NOT NULL,
	recorded_at  TEXT NOT NULL
);
`

// Run status values.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// Run describes one fetch invocation.
type Run struct {
	ID         string
	Range      window.Range
	LogGroup   string
	Query      string
	OutputFile string
}

// Window is the outcome of one sub-query.
type Window struct {
	Window    window.Window
	Depth     int
	QueryID   string
	Status    string
	Records   int
	Truncated bool
}

// Ledger is a SQLite-backed run log.
type Ledger struct {
	db *sql.DB
	mu sync.Mutex
}

// Open opens or creates the ledger at path.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create ledger tables: %w", err)
	}
	return &Ledger{db: db}, nil
}

// Close closes the database.
func (l *Ledger) Close() error { return l.db.Close() }

func ts(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

// StartRun records a new run and returns it with its id filled in.
func (l *Ledger) StartRun(ctx context.Context, r Run) (Run, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `INSERT INTO runs
		(run_id, range_start, range_end, log_group, query, output_file, started_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, ts(r.Range.Start), ts(r.Range.End), r.LogGroup, r.Query, r.OutputFile, ts(time.Now()), StatusRunning)
	if err != nil {
		return r, fmt.Errorf("record run: %w", err)
	}
	return r, nil
}

// RecordWindow stores the outcome of one window of run.
func (l *Ledger) RecordWindow(ctx context.Context, runID string, w Window) error {
	truncated := 0
	if w.Truncated {
		truncated = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `INSERT INTO windows
		(run_id, window_start, window_end, depth, query_id, status, records, truncated, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, ts(w.Window.Start), ts(w.Window.End), w.Depth, w.QueryID, w.Status, w.Records, truncated, ts(time.Now()))
	if err != nil {
		return fmt.Errorf("record window %s: %w", w.Window, err)
	}
	return nil
}

// FinishRun stamps the run with its final status and record count.
func (l *Ledger) FinishRun(ctx context.Context, runID, status string, records int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, `UPDATE runs SET finished_at = ?, status = ?, records = ? WHERE run_id = ?`,
		ts(time.Now()), status, records, runID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", runID, err)
	}
	return nil
}

// Windows returns the windows recorded for runID in the order they were written.
func (l *Ledger) Windows(ctx context.Context, runID string) ([]Window, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	rows, err := l.db.QueryContext(ctx, `SELECT window_start, window_end, depth, query_id, status, records, truncated
		FROM windows WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, fmt.Errorf("query windows: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var (
			start, end string
			w          Window
			queryID    sql.NullString
			truncated  int
		)
		if err := rows.Scan(&start, &end, &w.Depth, &queryID, &w.Status, &w.Records, &truncated); err != nil {
			return nil, fmt.Errorf("scan window: %w", err)
		}
		if w.Window.Start, err = time.Parse(time.RFC3339Nano, start); err != nil {
			return nil, fmt.Errorf("parse window start %q: %w", start, err)
		}
		if w.Window.End, err = time.Parse(time.RFC3339Nano, end); err != nil {
			return nil, fmt.Errorf("parse window end %q: %w", end, err)
		}
		w.QueryID = queryID.String
		w.Truncated = truncated != 0
		out = append(out, w)
	}
	return out, rows.Err()
}

// RunStatus returns the status and record count stored for runID.
func (l *Ledger) RunStatus(ctx context.Context, runID string) (status string, records int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	err = l.db.QueryRowContext(ctx, `SELECT status, records FROM runs WHERE run_id = ?`, runID).Scan(&status, &records)
	if err != nil {
		return "", 0, fmt.Errorf("query run %s: %w", runID, err)
	}
	return status, records, nil
}
