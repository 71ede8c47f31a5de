// Package store persists run history in SQLite at .flowlint/history.db.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"flowlint/internal/policy"
	"flowlint/internal/runner"
)

// Store records workflow runs, their step outcomes, and lint findings.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	path string
	log  *zap.Logger
}

// Open initializes the database at path, creating the directory and
// schema as needed.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating history directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// modernc's driver is not safe for concurrent writers on one file.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logger.Debug("sqlite busy_timeout", zap.Error(err))
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logger.Debug("sqlite journal_mode", zap.Error(err))
	}

	s := &Store{db: db, path: path, log: logger}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initialize() error {
	runsTable := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		workflow TEXT NOT NULL,
		event TEXT,
		status TEXT NOT NULL,
		reason TEXT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at);
	`

	jobsTable := `
	CREATE TABLE IF NOT EXISTS job_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		job TEXT NOT NULL,
		status TEXT NOT NULL,
		reason TEXT,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_run ON job_results(run_id);
	`

	stepsTable := `
	CREATE TABLE IF NOT EXISTS step_results (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		job TEXT NOT NULL,
		idx INTEGER NOT NULL,
		name TEXT,
		uses TEXT,
		status TEXT NOT NULL,
		exit_code INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_steps_run ON step_results(run_id);
	`

	findingsTable := `
	CREATE TABLE IF NOT EXISTS findings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		rule TEXT NOT NULL,
		severity TEXT NOT NULL,
		path TEXT,
		line INTEGER NOT NULL,
		job TEXT,
		step INTEGER NOT NULL,
		message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_findings_run ON findings(run_id);
	`

	for _, table := range []string{runsTable, jobsTable, stepsTable, findingsTable} {
		if _, err := s.db.Exec(table); err != nil {
			return fmt.Errorf("creating history schema: %w", err)
		}
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// RunSummary is one row of the history listing.
type RunSummary struct {
	ID        string        `json:"id"`
	Workflow  string        `json:"workflow"`
	Event     string        `json:"event,omitempty"`
	Status    runner.Status `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Findings  int           `json:"findings"`
}

// JobRow is one recorded job outcome.
type JobRow struct {
	Job      string        `json:"job"`
	Status   runner.Status `json:"status"`
	Reason   string        `json:"reason,omitempty"`
	Duration time.Duration `json:"duration"`
}

// StepRow is one recorded step outcome.
type StepRow struct {
	Job      string        `json:"job"`
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Uses     string        `json:"uses,omitempty"`
	Status   runner.Status `json:"status"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// Detail is a full recorded run.
type Detail struct {
	Run      RunSummary       `json:"run"`
	Jobs     []JobRow         `json:"jobs,omitempty"`
	Steps    []StepRow        `json:"steps,omitempty"`
	Findings []policy.Finding `json:"findings,omitempty"`
}

// RecordRun persists one run with its lint findings in a transaction.
func (s *Store) RecordRun(ctx context.Context, res *runner.RunResult, findings []policy.Finding) error {
	if res == nil {
		return errors.New("nil run result")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("recording run: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, workflow, event, status, reason, started_at, finished_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		res.ID, res.Workflow, res.Event, string(res.Status), res.Reason,
		res.StartedAt, res.FinishedAt, res.Duration().Milliseconds())
	if err != nil {
		return fmt.Errorf("recording run %s: %w", res.ID, err)
	}

	for _, job := range res.Jobs {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO job_results (run_id, job, status, reason, duration_ms)
			 VALUES (?, ?, ?, ?, ?)`,
			res.ID, job.ID, string(job.Status), job.Reason,
			job.FinishedAt.Sub(job.StartedAt).Milliseconds())
		if err != nil {
			return fmt.Errorf("recording job %s: %w", job.ID, err)
		}
		for _, step := range job.Steps {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO step_results (run_id, job, idx, name, uses, status, exit_code, duration_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
				res.ID, job.ID, step.Index, step.Name, step.Uses,
				string(step.Status), step.ExitCode, step.Duration.Milliseconds())
			if err != nil {
				return fmt.Errorf("recording step %d of %s: %w", step.Index, job.ID, err)
			}
		}
	}

	for _, f := range findings {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO findings (run_id, rule, severity, path, line, job, step, message)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			res.ID, f.Rule, string(f.Severity), f.Path, f.Line, f.Job, f.Step, f.Message)
		if err != nil {
			return fmt.Errorf("recording finding %s: %w", f.Rule, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("recording run %s: %w", res.ID, err)
	}
	s.log.Debug("run recorded",
		zap.String("id", res.ID),
		zap.String("status", string(res.Status)),
		zap.Int("findings", len(findings)))
	return nil
}

// RecentRuns lists the newest runs, most recent first. n <= 0 means 20.
func (s *Store) RecentRuns(ctx context.Context, n int) ([]RunSummary, error) {
	if n <= 0 {
		n = 20
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow, event, status, reason, started_at, duration_ms,
		        (SELECT COUNT(*) FROM findings f WHERE f.run_id = runs.id)
		 FROM runs
		 ORDER BY started_at DESC, id
		 LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var r RunSummary
		var status string
		var durationMs int64
		if err := rows.Scan(&r.ID, &r.Workflow, &r.Event, &status, &r.Reason, &r.StartedAt, &durationMs, &r.Findings); err != nil {
			s.log.Debug("skipping unreadable run row", zap.Error(err))
			continue
		}
		r.Status = runner.Status(status)
		r.Duration = time.Duration(durationMs) * time.Millisecond
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) resolveID(ctx context.Context, id string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM runs WHERE id = ? OR id LIKE ?`, id, id+"%")
	if err != nil {
		return "", fmt.Errorf("resolving run %s: %w", id, err)
	}
	defer rows.Close()

	var matches []string
	for rows.Next() {
		var full string
		if err := rows.Scan(&full); err != nil {
			continue
		}
		matches = append(matches, full)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("run %s not found", id)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("run id %s is ambiguous (%d matches)", id, len(matches))
	}
}

// RunDetail loads one recorded run in full. id may be a unique prefix,
// the way the history listing prints them.
func (s *Store) RunDetail(ctx context.Context, id string) (*Detail, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, err := s.resolveID(ctx, id)
	if err != nil {
		return nil, err
	}

	var d Detail
	var status string
	var durationMs int64
	err = s.db.QueryRowContext(ctx,
		`SELECT id, workflow, event, status, reason, started_at, duration_ms,
		        (SELECT COUNT(*) FROM findings f WHERE f.run_id = runs.id)
		 FROM runs WHERE id = ?`, id).
		Scan(&d.Run.ID, &d.Run.Workflow, &d.Run.Event, &status, &d.Run.Reason,
			&d.Run.StartedAt, &durationMs, &d.Run.Findings)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", id, err)
	}
	d.Run.Status = runner.Status(status)
	d.Run.Duration = time.Duration(durationMs) * time.Millisecond

	jobs, err := s.db.QueryContext(ctx,
		`SELECT job, status, reason, duration_ms FROM job_results WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("loading jobs of %s: %w", id, err)
	}
	defer jobs.Close()
	for jobs.Next() {
		var j JobRow
		var jobStatus string
		var ms int64
		if err := jobs.Scan(&j.Job, &jobStatus, &j.Reason, &ms); err != nil {
			continue
		}
		j.Status = runner.Status(jobStatus)
		j.Duration = time.Duration(ms) * time.Millisecond
		d.Jobs = append(d.Jobs, j)
	}
	if err := jobs.Err(); err != nil {
		return nil, err
	}

	steps, err := s.db.QueryContext(ctx,
		`SELECT job, idx, name, uses, status, exit_code, duration_ms
		 FROM step_results WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("loading steps of %s: %w", id, err)
	}
	defer steps.Close()
	for steps.Next() {
		var st StepRow
		var stepStatus string
		var ms int64
		if err := steps.Scan(&st.Job, &st.Index, &st.Name, &st.Uses, &stepStatus, &st.ExitCode, &ms); err != nil {
			continue
		}
		st.Status = runner.Status(stepStatus)
		st.Duration = time.Duration(ms) * time.Millisecond
		d.Steps = append(d.Steps, st)
	}
	if err := steps.Err(); err != nil {
		return nil, err
	}

	finds, err := s.db.QueryContext(ctx,
		`SELECT rule, severity, path, line, job, step, message
		 FROM findings WHERE run_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("loading findings of %s: %w", id, err)
	}
	defer finds.Close()
	for finds.Next() {
		var f policy.Finding
		var severity string
		if err := finds.Scan(&f.Rule, &severity, &f.Path, &f.Line, &f.Job, &f.Step, &f.Message); err != nil {
			continue
		}
		f.Severity, _ = policy.ParseSeverity(severity)
		d.Findings = append(d.Findings, f)
	}
	return &d, finds.Err()
}

// Prune deletes everything but the newest keep runs and returns how
// many runs were removed. keep <= 0 clears the history.
func (s *Store) Prune(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`DELETE FROM runs WHERE id NOT IN
		   (SELECT id FROM runs ORDER BY started_at DESC, id LIMIT ?)`, keep)
	if err != nil {
		return 0, fmt.Errorf("pruning runs: %w", err)
	}
	for _, table := range []string{"job_results", "step_results", "findings"} {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE run_id NOT IN (SELECT id FROM runs)`); err != nil {
			return 0, fmt.Errorf("pruning %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("pruning history: %w", err)
	}

	deleted, _ := res.RowsAffected()
	if deleted > 0 {
		s.log.Debug("history pruned", zap.Int64("removed", deleted), zap.Int("keep", keep))
	}
	return int(deleted), nil
}
