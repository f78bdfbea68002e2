package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/nao1215/sitemirror/internal/model"
)

// FileName is the name of the manifest database file.
const FileName = "sitemirror.db"

// Manifest provides SQLite-based storage for mirror runs.
type Manifest struct {
	db     *sql.DB
	dbPath string
}

// Options configures Manifest behavior.
type Options struct {
	// CreateIfNotExists creates the database file if it doesn't exist.
	CreateIfNotExists bool

	// EnableWAL enables Write-Ahead Logging.
	EnableWAL bool
}

// DefaultOptions returns the default database options.
func DefaultOptions() Options {
	return Options{
		CreateIfNotExists: true,
		EnableWAL:         true,
	}
}

// Open opens or creates the manifest in dbDir.
// If CreateIfNotExists is false and the database doesn't exist, an error is returned.
func Open(dbDir string, opts Options) (*Manifest, error) {
	dbPath := filepath.Join(dbDir, FileName)

	if !opts.CreateIfNotExists {
		if _, err := os.Stat(dbPath); os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest not found at %s", dbPath)
		} else if err != nil {
			return nil, fmt.Errorf("failed to check manifest path: %w", err)
		}
	} else if err := os.MkdirAll(dbDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create manifest directory: %w", err)
	}

	// mode=rw refuses to create a missing file.
	dsn := dbPath + "?mode=rw"
	if opts.CreateIfNotExists {
		dsn = dbPath + "?mode=rwc"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	m := &Manifest{db: db, dbPath: dbPath}

	if opts.EnableWAL {
		if _, err := db.ExecContext(context.Background(), "PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}
	if err := m.createTables(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

// Path returns the database file path.
func (m *Manifest) Path() string {
	return m.dbPath
}

// Close closes the database connection.
func (m *Manifest) Close() error {
	return m.db.Close()
}

func (m *Manifest) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		seed TEXT NOT NULL,
		output_dir TEXT NOT NULL,
		started_at TEXT NOT NULL,
		finished_at TEXT NOT NULL,
		cancelled INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		fetched INTEGER NOT NULL DEFAULT 0,
		resumed INTEGER NOT NULL DEFAULT 0,
		skipped INTEGER NOT NULL DEFAULT 0,
		failed INTEGER NOT NULL DEFAULT 0,
		bytes INTEGER NOT NULL DEFAULT 0,
		summary_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_seed ON runs(seed);

	CREATE TABLE IF NOT EXISTS resources (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id INTEGER NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
		url TEXT NOT NULL,
		local_path TEXT,
		kind TEXT NOT NULL,
		outcome TEXT NOT NULL,
		reason TEXT,
		bytes INTEGER NOT NULL DEFAULT 0,
		digest TEXT,
		converted INTEGER NOT NULL DEFAULT 0,
		UNIQUE(run_id, url)
	);

	CREATE INDEX IF NOT EXISTS idx_resources_run ON resources(run_id);
	`
	_, err := m.db.ExecContext(context.Background(), schema)
	return err
}

// Run is the stored metadata of one mirror run.
type Run struct {
	ID         int64     `json:"id"`
	Seed       string    `json:"seed"`
	OutputDir  string    `json:"outputDir"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Cancelled  bool      `json:"cancelled"`
	Error      string    `json:"error,omitempty"`
	Fetched    int       `json:"fetched"`
	Resumed    int       `json:"resumed"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Bytes      int64     `json:"bytes"`
}

// SaveRun stores a finished run and its resources in one transaction and
// returns the run ID.
func (m *Manifest) SaveRun(ctx context.Context, summary *model.Summary, resources []model.Resource) (int64, error) {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return 0, fmt.Errorf("failed to serialize summary: %w", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	result, err := tx.ExecContext(ctx, `
	INSERT INTO runs (seed, output_dir, started_at, finished_at, cancelled, error,
		fetched, resumed, skipped, failed, bytes, summary_json)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		summary.Seed,
		summary.OutputDir,
		summary.StartedAt.UTC().Format(time.RFC3339Nano),
		summary.FinishedAt.UTC().Format(time.RFC3339Nano),
		summary.Cancelled,
		summary.Error,
		summary.TotalFetched(),
		summary.TotalResumed(),
		summary.TotalSkipped(),
		summary.TotalFailed(),
		summary.Bytes,
		string(summaryJSON),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to save run: %w", err)
	}
	runID, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read run id: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
	INSERT INTO resources (run_id, url, local_path, kind, outcome, reason, bytes, digest, converted)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id, url) DO UPDATE SET
		local_path = excluded.local_path,
		kind = excluded.kind,
		outcome = excluded.outcome,
		reason = excluded.reason,
		bytes = excluded.bytes,
		digest = excluded.digest,
		converted = excluded.converted
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare resource insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range resources {
		if _, err := stmt.ExecContext(ctx,
			runID,
			r.URL,
			r.LocalPath,
			r.Kind.String(),
			r.Outcome.String(),
			string(r.Reason),
			r.Bytes,
			r.Digest,
			r.Converted,
		); err != nil {
			return 0, fmt.Errorf("failed to save resource %s: %w", r.URL, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit run: %w", err)
	}
	return runID, nil
}

// ListSeeds returns every seed with at least one run.
func (m *Manifest) ListSeeds(ctx context.Context) ([]string, error) {
	rows, err := m.db.QueryContext(ctx, `SELECT DISTINCT seed FROM runs ORDER BY seed`)
	if err != nil {
		return nil, fmt.Errorf("failed to list seeds: %w", err)
	}
	defer rows.Close()

	var seeds []string
	for rows.Next() {
		var seed string
		if err := rows.Scan(&seed); err != nil {
			return nil, fmt.Errorf("failed to scan seed: %w", err)
		}
		seeds = append(seeds, seed)
	}
	return seeds, rows.Err()
}

// ListRuns returns the runs of seed, newest first.
func (m *Manifest) ListRuns(ctx context.Context, seed string) ([]Run, error) {
	rows, err := m.db.QueryContext(ctx, `
	SELECT id, seed, output_dir, started_at, finished_at, cancelled, error,
		fetched, resumed, skipped, failed, bytes
	FROM runs
	WHERE seed = ?
	ORDER BY started_at DESC, id DESC
	`, seed)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var (
			r              Run
			started, ended string
			errMsg         sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.Seed, &r.OutputDir, &started, &ended, &r.Cancelled, &errMsg,
			&r.Fetched, &r.Resumed, &r.Skipped, &r.Failed, &r.Bytes); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = parseTimestamp(started)
		r.FinishedAt = parseTimestamp(ended)
		r.Error = errMsg.String
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// GetRun returns the stored summary of a run, or nil when the ID is unknown.
func (m *Manifest) GetRun(ctx context.Context, id int64) (*model.Summary, error) {
	var summaryJSON string
	err := m.db.QueryRowContext(ctx, `SELECT summary_json FROM runs WHERE id = ?`, id).Scan(&summaryJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	var summary model.Summary
	if err := json.Unmarshal([]byte(summaryJSON), &summary); err != nil {
		return nil, fmt.Errorf("failed to parse summary: %w", err)
	}
	return &summary, nil
}

// ListResources returns the resources of a run ordered by URL. With
// problemsOnly, only skipped and failed resources are returned.
func (m *Manifest) ListResources(ctx context.Context, runID int64, problemsOnly bool) ([]model.Resource, error) {
	query := `
	SELECT url, local_path, kind, outcome, reason, bytes, digest, converted
	FROM resources
	WHERE run_id = ?
	`
	if problemsOnly {
		query += " AND outcome IN ('skipped', 'failed')"
	}
	query += " ORDER BY url"

	rows, err := m.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []model.Resource
	for rows.Next() {
		var (
			r                         model.Resource
			localPath, reason, digest sql.NullString
			kind, outcome             string
		)
		if err := rows.Scan(&r.URL, &localPath, &kind, &outcome, &reason, &r.Bytes, &digest, &r.Converted); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		r.LocalPath = localPath.String
		r.Reason = model.Reason(reason.String)
		r.Digest = digest.String
		if k, err := model.ParseResourceKind(kind); err == nil {
			r.Kind = k
		}
		if o, ok := model.ParseOutcome(outcome); ok {
			r.Outcome = o
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// timestampFormats contains the timestamp formats that SQLite may return.
// The order matters: more specific formats should come first.
var timestampFormats = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05.999",
}

// parseTimestamp attempts to parse a timestamp string using multiple formats.
// If parsing fails with all formats, returns zero time.
func parseTimestamp(s string) time.Time {
	for _, format := range timestampFormats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
