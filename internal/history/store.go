// Package history persists finished runs in SQLite so that `warden history`
// can list them and replay their step trail.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/warden/internal/models"
)

// ErrRunNotFound is returned by GetRun for an unknown run ID.
var ErrRunNotFound = errors.New("run not found")

// RunSummary is one row of `warden history`.
type RunSummary struct {
	RunID        string
	TaskID       string
	Branch       string
	State        models.State
	ExitCode     int
	Attempts     int
	StartedAt    time.Time
	Duration     time.Duration
	FinalStep    string
	FinalMessage string
}

// Store manages the run history database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating if needed) the database at dbPath and applies
// pending migrations. ":memory:" gives a private in-memory database.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA busy_timeout=5000", // Must be first
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.ApplyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// execWithRetry retries stmt while SQLite reports the database as locked.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordRun stores res with every attempt, step result and transition.
// Recording the same run ID again replaces it.
func (s *Store) RecordRun(ctx context.Context, res *models.RunResult) error {
	if res == nil || res.RunID == "" {
		return errors.New("run result without run ID")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, res.RunID); err != nil {
		return fmt.Errorf("replace run: %w", err)
	}

	var finalStep, finalMessage string
	if final, ok := res.Final(); ok {
		finalStep, finalMessage = final.Step(), final.Message()
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs
		(run_id, task_id, branch, state, exit_code, attempts, started_at, duration_ms, final_step, final_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		res.RunID, res.TaskID, res.Branch, string(res.State), res.ExitCode(), len(res.Attempts),
		res.StartedAt.UTC(), res.Duration.Milliseconds(), finalStep, finalMessage)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}

	for _, a := range res.Attempts {
		_, err := tx.ExecContext(ctx, `INSERT INTO attempts (run_id, number, agent_outcome, started_at, duration_ms)
			VALUES (?, ?, ?, ?, ?)`,
			res.RunID, a.Number, string(a.Outcome), a.StartedAt.UTC(), a.Duration.Milliseconds())
		if err != nil {
			return fmt.Errorf("insert attempt %d: %w", a.Number, err)
		}
		for seq, r := range a.Steps {
			details := "{}"
			if d := r.Details(); len(d) > 0 {
				data, err := json.Marshal(d)
				if err != nil {
					return fmt.Errorf("marshal details of %s: %w", r.Step(), err)
				}
				details = string(data)
			}
			_, err := tx.ExecContext(ctx, `INSERT INTO step_results
				(run_id, attempt, seq, step, success, classification, message, details)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				res.RunID, a.Number, seq, r.Step(), r.Success(), string(r.Classification()), r.Message(), details)
			if err != nil {
				return fmt.Errorf("insert step result: %w", err)
			}
		}
	}

	for seq, t := range res.Transitions {
		_, err := tx.ExecContext(ctx, `INSERT INTO transitions (run_id, seq, from_state, to_state, attempt, reason, at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			res.RunID, seq, string(t.From), string(t.To), t.Attempt, t.Reason, t.At.UTC())
		if err != nil {
			return fmt.Errorf("insert transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit run: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs first. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunSummary, error) {
	query := `SELECT run_id, task_id, branch, state, exit_code, attempts, started_at, duration_ms,
		COALESCE(final_step, ''), COALESCE(final_message, '')
		FROM runs ORDER BY started_at DESC, run_id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunSummary
	for rows.Next() {
		r, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (RunSummary, error) {
	var r RunSummary
	var state string
	var durationMS int64
	err := row.Scan(&r.RunID, &r.TaskID, &r.Branch, &state, &r.ExitCode, &r.Attempts, &r.StartedAt, &durationMS, &r.FinalStep, &r.FinalMessage)
	if err != nil {
		return r, fmt.Errorf("scan run: %w", err)
	}
	r.State = models.State(state)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	return r, nil
}

// GetRun rebuilds the full RunResult of runID.
func (s *Store) GetRun(ctx context.Context, runID string) (*models.RunResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT run_id, task_id, branch, state, exit_code, attempts, started_at, duration_ms,
		COALESCE(final_step, ''), COALESCE(final_message, '')
		FROM runs WHERE run_id = ?`, runID)
	sum, err := scanSummary(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
		}
		return nil, err
	}

	res := &models.RunResult{
		RunID:     sum.RunID,
		TaskID:    sum.TaskID,
		Branch:    sum.Branch,
		State:     sum.State,
		StartedAt: sum.StartedAt,
		Duration:  sum.Duration,
	}

	if err := s.loadAttempts(ctx, res); err != nil {
		return nil, err
	}
	if err := s.loadTransitions(ctx, res); err != nil {
		return nil, err
	}

	// The decisive result of an attempt is its last step.
	for _, a := range res.Attempts {
		if n := len(a.Steps); n > 0 {
			res.History = append(res.History, a.Steps[n-1])
		}
	}
	return res, nil
}

func (s *Store) loadAttempts(ctx context.Context, res *models.RunResult) error {
	rows, err := s.db.QueryContext(ctx, `SELECT number, COALESCE(agent_outcome, ''), started_at, duration_ms
		FROM attempts WHERE run_id = ? ORDER BY number`, res.RunID)
	if err != nil {
		return fmt.Errorf("query attempts: %w", err)
	}
	index := map[int]int{}
	for rows.Next() {
		var a models.AttemptRecord
		var outcome string
		var durationMS int64
		if err := rows.Scan(&a.Number, &outcome, &a.StartedAt, &durationMS); err != nil {
			rows.Close()
			return fmt.Errorf("scan attempt: %w", err)
		}
		a.Outcome = models.AgentOutcome(outcome)
		a.Duration = time.Duration(durationMS) * time.Millisecond
		index[a.Number] = len(res.Attempts)
		res.Attempts = append(res.Attempts, a)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT attempt, step, success, COALESCE(classification, ''), COALESCE(message, ''), COALESCE(details, '{}')
		FROM step_results WHERE run_id = ? ORDER BY attempt, seq`, res.RunID)
	if err != nil {
		return fmt.Errorf("query step results: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var attempt int
		var step, class, message, detailsJSON string
		var success bool
		if err := rows.Scan(&attempt, &step, &success, &class, &message, &detailsJSON); err != nil {
			return fmt.Errorf("scan step result: %w", err)
		}
		var details map[string]any
		if err := json.Unmarshal([]byte(detailsJSON), &details); err != nil {
			return fmt.Errorf("decode details of %s: %w", step, err)
		}
		r, err := models.NewStrategyResult(step, success, message, details, models.Classification(class))
		if err != nil {
			return fmt.Errorf("stored result for %s: %w", step, err)
		}
		i, ok := index[attempt]
		if !ok {
			continue
		}
		res.Attempts[i].Steps = append(res.Attempts[i].Steps, r)
	}
	return rows.Err()
}

func (s *Store) loadTransitions(ctx context.Context, res *models.RunResult) error {
	rows, err := s.db.QueryContext(ctx, `SELECT from_state, to_state, attempt, COALESCE(reason, ''), at
		FROM transitions WHERE run_id = ? ORDER BY seq`, res.RunID)
	if err != nil {
		return fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var t models.Transition
		var from, to string
		if err := rows.Scan(&from, &to, &t.Attempt, &t.Reason, &t.At); err != nil {
			return fmt.Errorf("scan transition: %w", err)
		}
		t.From, t.To = models.State(from), models.State(to)
		res.Transitions = append(res.Transitions, t)
	}
	return rows.Err()
}
