package synclog

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"qrattend/internal/reconcile"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - sync_cycles table
const currentSchemaVersion = 1

// Journal is the append-only log of sync cycles, skipped ones included.
type Journal struct {
	db *sql.DB
}

// Entry is one journaled cycle.
type Entry struct {
	Seq           int64             `json:"seq"`
	CycleID       string            `json:"cycle_id"`
	StartedAt     time.Time         `json:"started_at"`
	Duration      time.Duration     `json:"duration"`
	Outcome       reconcile.Outcome `json:"outcome"`
	Corrections   int               `json:"corrections"`
	Pushed        int               `json:"pushed"`
	Rejected      int               `json:"rejected"`
	Parked        int               `json:"parked"`
	Remaining     int               `json:"remaining"`
	PulledAdded   int               `json:"pulled_added"`
	PulledUpdated int               `json:"pulled_updated"`
	Error         string            `json:"error,omitempty"`
}

// Open creates or opens the journal at path, in WAL mode with a single
// writer connection.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("set user_version: %w", err)
	}
	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// Record appends rep.
func (j *Journal) Record(ctx context.Context, rep reconcile.Report) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO sync_cycles (cycle_id, started_at, duration_ms, outcome, corrections,
			pushed, rejected, parked, remaining, pulled_added, pulled_updated, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rep.ID,
		rep.StartedAt.UTC().Format(time.RFC3339Nano),
		rep.Duration.Milliseconds(),
		string(rep.Outcome),
		rep.Corrections,
		rep.Pushed,
		rep.Rejected,
		rep.Parked,
		rep.Remaining,
		rep.Pull.Added,
		rep.Pull.Updated,
		rep.Error,
	)
	if err != nil {
		return fmt.Errorf("insert sync cycle: %w", err)
	}
	return nil
}

// Recent returns up to n entries, newest first.
func (j *Journal) Recent(ctx context.Context, n int) ([]Entry, error) {
	if n <= 0 {
		n = 20
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, cycle_id, started_at, duration_ms, outcome, corrections,
			pushed, rejected, parked, remaining, pulled_added, pulled_updated, error
		FROM sync_cycles ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query sync cycles: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var started, outcome string
		var ms int64
		if err := rows.Scan(&e.Seq, &e.CycleID, &started, &ms, &outcome, &e.Corrections,
			&e.Pushed, &e.Rejected, &e.Parked, &e.Remaining, &e.PulledAdded, &e.PulledUpdated, &e.Error); err != nil {
			return nil, fmt.Errorf("scan sync cycle: %w", err)
		}
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		e.Duration = time.Duration(ms) * time.Millisecond
		e.Outcome = reconcile.Outcome(outcome)
		out = append(out, e)
	}
	return out, rows.Err()
}
