package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"vidanon/internal/pipeline"
)

// ErrRunNotFound is returned when a run ID has no record
var ErrRunNotFound = errors.New("run not found")

// Database handles SQLite database operations
type Database struct {
	db *sql.DB
}

// RunRecord represents a run stored in the database
type RunRecord struct {
	ID              string
	UploadName      string
	Options         pipeline.PipelineOptions
	State           string
	Reason          string
	FramesProcessed uint64
	ArtifactPath    string
	ArtifactURL     string
	Stats           *pipeline.RunStats
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Run events arrive from many goroutines; one connection keeps writes ordered
	db.SetMaxOpenConns(1)

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks the connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			upload_name TEXT NOT NULL DEFAULT '',
			options TEXT NOT NULL DEFAULT '{}',
			state TEXT NOT NULL DEFAULT 'idle',
			reason TEXT NOT NULL DEFAULT '',
			frames_processed INTEGER NOT NULL DEFAULT 0,
			artifact_path TEXT NOT NULL DEFAULT '',
			artifact_url TEXT NOT NULL DEFAULT '',
			stats TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_state ON runs(state)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Printf("[Database] Migrations completed")
	return nil
}

// SaveRun inserts a run or updates its upload and options
func (d *Database) SaveRun(run *RunRecord) error {
	optsJSON, err := json.Marshal(run.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.CreatedAt = run.CreatedAt.UTC()
	if run.State == "" {
		run.State = pipeline.StateIdle.String()
	}

	query := `INSERT INTO runs (id, upload_name, options, state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			upload_name = excluded.upload_name,
			options = excluded.options,
			updated_at = excluded.updated_at`

	_, err = d.db.Exec(query, run.ID, run.UploadName, string(optsJSON), run.State, run.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

// UpdateState records a state transition
func (d *Database) UpdateState(id, state string, frames uint64) error {
	return d.upsert(id, `state = excluded.state, frames_processed = excluded.frames_processed`,
		"state, frames_processed", state, frames)
}

// UpdateProgress records the frames processed so far
func (d *Database) UpdateProgress(id string, frames uint64) error {
	return d.upsert(id, `frames_processed = excluded.frames_processed`, "frames_processed", frames)
}

// MarkFailed records the failure reason
func (d *Database) MarkFailed(id, reason string, frames uint64) error {
	return d.upsert(id,
		`state = excluded.state, reason = excluded.reason, frames_processed = excluded.frames_processed`,
		"state, reason, frames_processed", pipeline.StateFailed.String(), reason, frames)
}

// MarkComplete records the final artifact
func (d *Database) MarkComplete(id, path, url string, frames uint64) error {
	return d.upsert(id,
		`state = excluded.state, artifact_path = excluded.artifact_path, artifact_url = excluded.artifact_url, frames_processed = excluded.frames_processed`,
		"state, artifact_path, artifact_url, frames_processed", pipeline.StateDone.String(), path, url, frames)
}

// SaveStats stores the detection statistics of a finished run
func (d *Database) SaveStats(id string, stats pipeline.RunStats) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal stats: %w", err)
	}
	return d.upsert(id, `stats = excluded.stats`, "stats", string(statsJSON))
}

// upsert writes columns for id, creating the row when the run was never
// saved explicitly
func (d *Database) upsert(id, set, columns string, values ...any) error {
	now := time.Now().UTC()
	placeholders := ""
	for range values {
		placeholders += ", ?"
	}

	query := `INSERT INTO runs (id, created_at, updated_at, ` + columns + `)
		VALUES (?, ?, ?` + placeholders + `)
		ON CONFLICT(id) DO UPDATE SET ` + set + `, updated_at = excluded.updated_at`

	args := append([]any{id, now, now}, values...)
	if _, err := d.db.Exec(query, args...); err != nil {
		return fmt.Errorf("failed to update run %s: %w", id, err)
	}
	return nil
}

const runColumns = `id, upload_name, options, state, reason, frames_processed,
	artifact_path, artifact_url, stats, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var run RunRecord
	var optsJSON, statsJSON string

	if err := row.Scan(&run.ID, &run.UploadName, &optsJSON, &run.State, &run.Reason,
		&run.FramesProcessed, &run.ArtifactPath, &run.ArtifactURL, &statsJSON,
		&run.CreatedAt, &run.UpdatedAt); err != nil {
		return nil, err
	}

	if optsJSON != "" {
		if err := json.Unmarshal([]byte(optsJSON), &run.Options); err != nil {
			return nil, fmt.Errorf("failed to unmarshal options: %w", err)
		}
	}
	if statsJSON != "" {
		run.Stats = &pipeline.RunStats{}
		if err := json.Unmarshal([]byte(statsJSON), run.Stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stats: %w", err)
		}
	}
	return &run, nil
}

// GetRun retrieves a run by ID
func (d *Database) GetRun(id string) (*RunRecord, error) {
	row := d.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)

	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// ListRuns returns runs newest first, optionally filtered by state
func (d *Database) ListRuns(state string, limit int) ([]*RunRecord, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}

	if state != "" {
		query += " AND state = ?"
		args = append(args, state)
	}

	query += " ORDER BY created_at DESC"

	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := d.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}
