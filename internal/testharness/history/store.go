// Package history keeps a SQLite record of suite runs so results can be
// compared across invocations of the harness.
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mash-protocol/mpt/internal/testharness/engine"
)

//go:embed schema.sql
var schemaSQL string

// ErrNotConfigured is returned by methods called on a nil or closed store.
var ErrNotConfigured = errors.New("history: store is not configured")

// Run is one recorded script execution.
type Run struct {
	RunID      string
	SuiteRunID string
	SuiteName  string
	ScriptID   string
	ScriptName string
	// Status is "passed", "failed" or "skipped".
	Status    string
	Kind      string
	Error     string
	StartedAt time.Time
	Duration  time.Duration
}

// Store provides SQLite-backed persistence for run history.
type Store struct {
	db *sql.DB
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// RecordSuite stores a suite result and every script result in it.
func (s *Store) RecordSuite(ctx context.Context, result *engine.SuiteResult) error {
	if s == nil || s.db == nil {
		return ErrNotConfigured
	}
	if result.RunID == "" {
		return fmt.Errorf("suite result has no run ID")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO suites (run_id, name, started_at, duration_ms, passed, failed, skipped)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		result.RunID, result.SuiteName, result.StartTime.UnixMilli(), result.Duration.Milliseconds(),
		result.PassCount, result.FailCount, result.SkipCount,
	); err != nil {
		return fmt.Errorf("insert suite: %w", err)
	}

	for _, tr := range result.Results {
		var kind, msg string
		if tr.Error != nil {
			kind = tr.Kind.String()
			msg = tr.Error.Error()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO runs (run_id, suite_run_id, script_id, script_name, status, kind, error, started_at, duration_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tr.RunID, result.RunID, tr.Script.ID, tr.Script.Name, status(tr), kind, msg,
			tr.StartTime.UnixMilli(), tr.Duration.Milliseconds(),
		); err != nil {
			return fmt.Errorf("insert run %s: %w", tr.Script.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// RecentRuns returns up to limit runs, newest first. An empty scriptID
// returns runs of every script.
func (s *Store) RecentRuns(ctx context.Context, scriptID string, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, ErrNotConfigured
	}
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT r.run_id, r.suite_run_id, s.name, r.script_id, r.script_name, r.status, r.kind, r.error, r.started_at, r.duration_ms
		 FROM runs r JOIN suites s ON s.run_id = r.suite_run_id`
	args := []any{}
	if scriptID != "" {
		query += ` WHERE r.script_id = ?`
		args = append(args, scriptID)
	}
	query += ` ORDER BY r.started_at DESC, r.rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var startedAt, durationMS int64
		if err := rows.Scan(&r.RunID, &r.SuiteRunID, &r.SuiteName, &r.ScriptID, &r.ScriptName,
			&r.Status, &r.Kind, &r.Error, &startedAt, &durationMS); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		r.StartedAt = time.UnixMilli(startedAt)
		r.Duration = time.Duration(durationMS) * time.Millisecond
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

func status(tr *engine.TestResult) string {
	switch {
	case tr.Skipped:
		return "skipped"
	case tr.Passed:
		return "passed"
	default:
		return "failed"
	}
}
