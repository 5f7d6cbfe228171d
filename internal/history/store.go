// internal/history/store.go
package history

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/xkilldash9x/probe-cli/internal/reporting"
)

//go:embed schema.sql
var schemaSQL string

const schemaVersion = 1

// ErrNoRuns is returned when a scenario has no recorded history.
var ErrNoRuns = errors.New("history: no runs recorded")

// RunRecord is one stored scenario run.
type RunRecord struct {
	ID        string
	Scenario  string
	Target    string
	StartedAt time.Time
	Duration  time.Duration
	Passed    int
	Failed    int
	Score     float64
}

// RecordFromReport summarizes a report for storage.
func RecordFromReport(rep *reporting.Report) RunRecord {
	failed := rep.Failed()
	return RunRecord{
		ID:        rep.ID,
		Scenario:  rep.Name,
		Target:    rep.Target,
		StartedAt: rep.StartedAt,
		Duration:  rep.Duration,
		Passed:    len(rep.Rows) - failed,
		Failed:    failed,
		Score:     rep.Score(),
	}
}

// Store keeps run history in SQLite.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("history path cannot be empty")
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o700); err != nil {
				return nil, fmt.Errorf("failed to create history directory: %w", err)
			}
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}
	// One writer; runs are recorded sequentially.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= schemaVersion {
		return nil
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record appends a run. Recording the same run ID twice is an error.
func (s *Store) Record(ctx context.Context, rec RunRecord) error {
	if rec.ID == "" || rec.Scenario == "" {
		return errors.New("history: run id and scenario are required")
	}
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO runs (id, scenario, target, started_at, duration_ms, passed, failed, score)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Scenario, rec.Target, rec.StartedAt.UnixNano(), rec.Duration.Milliseconds(),
		rec.Passed, rec.Failed, rec.Score)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", rec.ID, err)
	}
	return nil
}

// Recent returns up to limit runs of scenario, oldest first.
func (s *Store) Recent(ctx context.Context, scenario string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, scenario, target, started_at, duration_ms, passed, failed, score
        FROM (
            SELECT rowid AS seq, * FROM runs WHERE scenario = ? ORDER BY started_at DESC, rowid DESC LIMIT ?
        )
        ORDER BY started_at ASC, seq ASC`, scenario, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			rec        RunRecord
			startedAt  int64
			durationMs int64
		)
		if err := rows.Scan(&rec.ID, &rec.Scenario, &rec.Target, &startedAt, &durationMs, &rec.Passed, &rec.Failed, &rec.Score); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		rec.StartedAt = time.Unix(0, startedAt)
		rec.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate runs: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNoRuns
	}
	return out, nil
}

// Scenarios lists every scenario with recorded runs.
func (s *Store) Scenarios(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT scenario FROM runs ORDER BY scenario`)
	if err != nil {
		return nil, fmt.Errorf("failed to query scenarios: %w", err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
