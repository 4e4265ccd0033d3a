package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	input_path TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	summary    TEXT,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS dispositions (
	run_id        TEXT NOT NULL REFERENCES runs(id),
	item_index    INTEGER NOT NULL,
	item_code     TEXT NOT NULL,
	item_name     TEXT NOT NULL,
	category_id   TEXT NOT NULL,
	routing_state TEXT NOT NULL,
	disposition   TEXT NOT NULL,
	code          TEXT,
	confidence    INTEGER NOT NULL DEFAULT 0,
	match_type    TEXT,
	is_custom     BOOLEAN NOT NULL DEFAULT 0,
	reason        TEXT,
	notes         TEXT,
	PRIMARY KEY (run_id, item_index)
);

CREATE TABLE IF NOT EXISTS failures (
	id          TEXT PRIMARY KEY,
	run_id      TEXT NOT NULL,
	item_code   TEXT NOT NULL,
	item_name   TEXT NOT NULL,
	category_id TEXT NOT NULL,
	stage       TEXT NOT NULL,
	state       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'permanent',
	error       TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 1,
	created_at  DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS enrichment_cache (
	item_code           TEXT NOT NULL,
	query_signature     TEXT NOT NULL,
	query               TEXT NOT NULL,
	attributes          TEXT NOT NULL,
	description         TEXT NOT NULL,
	research_confidence INTEGER NOT NULL,
	created_at          DATETIME NOT NULL,
	PRIMARY KEY (item_code, query_signature)
);

CREATE TABLE IF NOT EXISTS cache_conflicts (
	id                  TEXT PRIMARY KEY,
	run_id              TEXT,
	item_code           TEXT NOT NULL,
	query_signature     TEXT NOT NULL,
	existing_confidence INTEGER NOT NULL,
	incoming_confidence INTEGER NOT NULL,
	resolution          TEXT NOT NULL,
	created_at          DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_dispositions_disposition ON dispositions(run_id, disposition);
CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id);
CREATE INDEX IF NOT EXISTS idx_enrichment_cache_created_at ON enrichment_cache(created_at);
CREATE INDEX IF NOT EXISTS idx_cache_conflicts_created_at ON cache_conflicts(created_at);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateRun(ctx context.Context, runID, inputPath string) (*model.Run, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, input_path, status, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		runID, inputPath, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert run")
	}

	return &model.Run{
		ID:        runID,
		InputPath: inputPath,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *SQLiteStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update run status %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal summary")
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET summary = ?, status = ?, updated_at = ? WHERE id = ?`,
		string(summaryJSON), string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: complete run %s", runID)
	}
	return checkRowsAffected(res, "run", runID)
}

func (s *SQLiteStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, input_path, status, summary, created_at, updated_at FROM runs WHERE id = ?`,
		runID,
	)
	return scanRun(row)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := `SELECT id, input_path, status, summary, created_at, updated_at FROM runs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list runs")
	}
	defer rows.Close() //nolint:errcheck

	var runs []model.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list runs iterate")
}

// SaveDispositions writes the terminal records of a run in one transaction,
// replacing any rows previously saved for the same positions.
func (s *SQLiteStore) SaveDispositions(ctx context.Context, runID string, records []*model.Record) (int, error) {
	rows := dispositionRows(runID, records)
	if len(rows) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: begin dispositions")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO dispositions (`+
		strings.Join(dispositionColumns, ", ")+`) VALUES (`+placeholders(len(dispositionColumns))+`)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prepare dispositions")
	}
	defer stmt.Close() //nolint:errcheck

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert disposition %v", row[2])
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: commit dispositions")
	}
	return len(rows), nil
}

func (s *SQLiteStore) SaveFailures(ctx context.Context, entries []resilience.FailureEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin failures")
	}
	defer tx.Rollback() //nolint:errcheck

	query := `INSERT INTO failures (` + strings.Join(failureColumns, ", ") + `) VALUES (` + placeholders(len(failureColumns)) + `)`
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		if _, err := tx.ExecContext(ctx, query, failureRow(e)...); err != nil {
			return eris.Wrapf(err, "sqlite: insert failure %s", e.ItemCode)
		}
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit failures")
}

func (s *SQLiteStore) ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailureEntry, error) {
	query := `SELECT ` + strings.Join(failureColumns, ", ") + ` FROM failures WHERE 1=1`
	var args []any
	if filter.RunID != "" {
		query += ` AND run_id = ?`
		args = append(args, filter.RunID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at ASC, item_code ASC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failures")
	}
	defer rows.Close() //nolint:errcheck

	var out []resilience.FailureEntry
	for rows.Next() {
		var e resilience.FailureEntry
		if err := rows.Scan(&e.ID, &e.RunID, &e.ItemCode, &e.ItemName, &e.CategoryID, &e.Stage,
			&e.State, &e.ErrorType, &e.Error, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failure")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failures iterate")
}

func (s *SQLiteStore) GetEnrichment(ctx context.Context, itemCode, signature string) (*model.EnrichedRecord, error) {
	return getEnrichment(s.db.QueryRowContext(ctx,
		`SELECT item_code, query_signature, query, attributes, description, research_confidence, created_at
		 FROM enrichment_cache WHERE item_code = ? AND query_signature = ?`,
		itemCode, signature,
	))
}

// PutEnrichment reads the stored entry and writes rec in one transaction so
// concurrent writers for the same key resolve deterministically.
func (s *SQLiteStore) PutEnrichment(ctx context.Context, rec *model.EnrichedRecord) (*model.CacheConflict, error) {
	attrs, err := encodeAttributes(rec.Attributes)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: begin cache write")
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := getEnrichment(tx.QueryRowContext(ctx,
		`SELECT item_code, query_signature, query, attributes, description, research_confidence, created_at
		 FROM enrichment_cache WHERE item_code = ? AND query_signature = ?`,
		rec.ItemCode, rec.QuerySignature,
	))
	if err != nil {
		return nil, err
	}

	replace, conflict := model.ResolveCacheWrite(existing, rec, time.Now().UTC())
	if replace {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO enrichment_cache (item_code, query_signature, query, attributes, description, research_confidence, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (item_code, query_signature) DO UPDATE SET
			   query = excluded.query, attributes = excluded.attributes, description = excluded.description,
			   research_confidence = excluded.research_confidence, created_at = excluded.created_at`,
			rec.ItemCode, rec.QuerySignature, rec.Query, string(attrs), rec.Description, rec.ResearchConfidence, rec.CreatedAt.UTC(),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: write cache %s", rec.ItemCode)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, eris.Wrap(err, "sqlite: commit cache write")
	}
	return conflict, nil
}

func (s *SQLiteStore) PruneEnrichment(ctx context.Context, olderThan time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM enrichment_cache WHERE created_at < ?`, olderThan.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: prune enrichment cache")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: rows affected")
}

func (s *SQLiteStore) SaveConflicts(ctx context.Context, conflicts []model.CacheConflict) error {
	for _, c := range conflicts {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO cache_conflicts (id, run_id, item_code, query_signature, existing_confidence, incoming_confidence, resolution, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			uuid.New().String(), c.RunID, c.ItemCode, c.QuerySignature,
			c.ExistingConfidence, c.IncomingConfidence, c.Resolution, c.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: insert cache conflict %s", c.ItemCode)
		}
	}
	return nil
}

func (s *SQLiteStore) ListConflicts(ctx context.Context, limit int) ([]model.CacheConflict, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, item_code, query_signature, existing_confidence, incoming_confidence, resolution, created_at
		 FROM cache_conflicts ORDER BY created_at DESC LIMIT ?`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cache conflicts")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CacheConflict
	for rows.Next() {
		var c model.CacheConflict
		var runID sql.NullString
		if err := rows.Scan(&runID, &c.ItemCode, &c.QuerySignature, &c.ExistingConfidence,
			&c.IncomingConfidence, &c.Resolution, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cache conflict")
		}
		c.RunID = runID.String
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list cache conflicts iterate")
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(ErrNotFound, "%s not found: %s", entity, id)
	}
	return nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

type scannable interface {
	Scan(dest ...any) error
}

func scanRun(row scannable) (*model.Run, error) {
	var r model.Run
	var summaryJSON sql.NullString

	err := row.Scan(&r.ID, &r.InputPath, &r.Status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan run")
	}
	if summaryJSON.Valid {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal([]byte(summaryJSON.String), r.Summary); err != nil {
			return nil, eris.Wrap(err, "sqlite: unmarshal summary")
		}
	}
	return &r, nil
}

func getEnrichment(row scannable) (*model.EnrichedRecord, error) {
	var e model.EnrichedRecord
	var attrs string
	err := row.Scan(&e.ItemCode, &e.QuerySignature, &e.Query, &attrs, &e.Description, &e.ResearchConfidence, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get enrichment")
	}
	if err := json.Unmarshal([]byte(attrs), &e.Attributes); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal attributes")
	}
	return &e, nil
}
