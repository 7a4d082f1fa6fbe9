package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/segmentio/ksuid"
	_ "modernc.org/sqlite"

	"github.com/sogdev/mrunpack/internal/engine"
)

// Journal is a local sqlite history of unpack runs. It records what each
// run did; it never feeds back into scheduling, so a re-run always
// starts every file from scratch.
type Journal struct {
	db *sql.DB
}

// Run is one journaled invocation.
type Run struct {
	ID         string
	Archive    string
	PackName   string
	OutDir     string
	StartedAt  time.Time
	FinishedAt time.Time
	Scheduled  int
	Succeeded  int
	Failed     int
	Skipped    int
}

func NewJournal(dbPath string) (*Journal, error) {
	dbDir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// Ping makes sure the file is actually accessible and the DSN is valid
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to sqlite: %w", err)
	}

	j := &Journal{db: db}

	if err := j.RunMigrations(); err != nil {
		return nil, fmt.Errorf("could not migrate journal: %w", err)
	}

	return j, nil
}

func (j *Journal) Close() error {
	return j.db.Close()
}

// BeginRun records the start of an unpack run and returns its ID.
func (j *Journal) BeginRun(archive, packName, outDir string) (string, error) {
	id := ksuid.New().String()

	_, err := j.db.Exec(
		`INSERT INTO runs (id, archive, pack_name, out_dir, started_at) VALUES (?, ?, ?, ?, ?)`,
		id, archive, packName, outDir, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to record run: %w", err)
	}
	return id, nil
}

// RecordOutcome journals the terminal state of one artifact.
func (j *Journal) RecordOutcome(runID string, out engine.Outcome) error {
	reason := out.Reason
	if out.Err != nil {
		reason = out.Err.Error()
	}

	_, err := j.db.Exec(
		`INSERT INTO run_files (run_id, path, url, status, reason, bytes_written, elapsed_ms)
         VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, out.Path, out.URL, string(out.Status), reason, out.BytesWritten, out.Elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("failed to record outcome: %w", err)
	}
	return nil
}

// FinishRun stores the aggregate report against the run.
func (j *Journal) FinishRun(runID string, report engine.Report) error {
	_, err := j.db.Exec(
		`UPDATE runs SET finished_at = ?, scheduled = ?, succeeded = ?, failed = ?, skipped = ?, elapsed_ms = ?
         WHERE id = ?`,
		time.Now().UTC(), report.Scheduled, report.Succeeded, report.Failed, report.Skipped,
		report.Elapsed.Milliseconds(), runID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// Runs returns the most recent runs, newest first.
func (j *Journal) Runs(limit int) ([]Run, error) {
	rows, err := j.db.Query(
		`SELECT id, archive, pack_name, out_dir, started_at,
                COALESCE(finished_at, started_at),
                COALESCE(scheduled, 0), COALESCE(succeeded, 0),
                COALESCE(failed, 0), COALESCE(skipped, 0)
         FROM runs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.Archive, &r.PackName, &r.OutDir, &r.StartedAt,
			&r.FinishedAt, &r.Scheduled, &r.Succeeded, &r.Failed, &r.Skipped); err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// Outcomes returns the journaled artifact results for one run, in the
// order they were recorded.
func (j *Journal) Outcomes(runID string) ([]engine.Outcome, error) {
	rows, err := j.db.Query(
		`SELECT path, url, status, reason, bytes_written, elapsed_ms
         FROM run_files WHERE run_id = ? ORDER BY rowid`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var outcomes []engine.Outcome
	for rows.Next() {
		var out engine.Outcome
		var status string
		var elapsedMs int64
		if err := rows.Scan(&out.Path, &out.URL, &status, &out.Reason, &out.BytesWritten, &elapsedMs); err != nil {
			return nil, err
		}
		out.Status = engine.Status(status)
		out.Elapsed = time.Duration(elapsedMs) * time.Millisecond
		outcomes = append(outcomes, out)
	}
	return outcomes, rows.Err()
}
