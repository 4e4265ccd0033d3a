package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/vmrs-cli/internal/db"
	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/resilience"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries prepared on each new connection.
var preparedStatements = map[string]string{
	"insert_run":        `INSERT INTO runs (id, input_path, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
	"update_run_status": `UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
	"get_run":           `SELECT id, input_path, status, summary, created_at, updated_at FROM runs WHERE id = $1`,
	"get_enrichment":    `SELECT item_code, query_signature, query, attributes, description, research_confidence, created_at FROM enrichment_cache WHERE item_code = $1 AND query_signature = $2`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	input_path TEXT NOT NULL,
	status     TEXT NOT NULL DEFAULT 'running',
	summary    JSONB,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
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
	is_custom     BOOLEAN NOT NULL DEFAULT false,
	reason        TEXT,
	notes         TEXT,
	PRIMARY KEY (run_id, item_index)
);

CREATE TABLE IF NOT EXISTS failures (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id      TEXT NOT NULL,
	item_code   TEXT NOT NULL,
	item_name   TEXT NOT NULL,
	category_id TEXT NOT NULL,
	stage       TEXT NOT NULL,
	state       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'permanent',
	error       TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 1,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enrichment_cache (
	item_code           TEXT NOT NULL,
	query_signature     TEXT NOT NULL,
	query               TEXT NOT NULL,
	attributes          JSONB NOT NULL,
	description         TEXT NOT NULL,
	research_confidence INTEGER NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (item_code, query_signature)
);

CREATE TABLE IF NOT EXISTS cache_conflicts (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	run_id              TEXT,
	item_code           TEXT NOT NULL,
	query_signature     TEXT NOT NULL,
	existing_confidence INTEGER NOT NULL,
	incoming_confidence INTEGER NOT NULL,
	resolution          TEXT NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
CREATE INDEX IF NOT EXISTS idx_dispositions_disposition ON dispositions(run_id, disposition);
CREATE INDEX IF NOT EXISTS idx_failures_run_id ON failures(run_id);
CREATE INDEX IF NOT EXISTS idx_failures_error_type ON failures(error_type);
CREATE INDEX IF NOT EXISTS idx_enrichment_cache_created_at ON enrichment_cache(created_at);
CREATE INDEX IF NOT EXISTS idx_cache_conflicts_created_at ON cache_conflicts(created_at);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateRun(ctx context.Context, runID, inputPath string) (*model.Run, error) {
	if runID == "" {
		runID = uuid.New().String()
	}
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO runs (id, input_path, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5)`,
		runID, inputPath, string(model.RunStatusRunning), now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert run")
	}

	return &model.Run{
		ID:        runID,
		InputPath: inputPath,
		Status:    model.RunStatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func (s *PostgresStore) UpdateRunStatus(ctx context.Context, runID string, status model.RunStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update run status %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) CompleteRun(ctx context.Context, runID string, status model.RunStatus, summary *model.RunSummary) error {
	summaryJSON, err := json.Marshal(summary)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal summary")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE runs SET summary = $1, status = $2, updated_at = $3 WHERE id = $4`,
		summaryJSON, string(status), time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: complete run %s", runID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrNotFound, "run not found: %s", runID)
	}
	return nil
}

func (s *PostgresStore) GetRun(ctx context.Context, runID string) (*model.Run, error) {
	r, err := scanPgRun(s.pool.QueryRow(ctx,
		`SELECT id, input_path, status, summary, created_at, updated_at FROM runs WHERE id = $1`,
		runID,
	))
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run %s", runID)
	}
	return r, nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, filter model.RunFilter) ([]model.Run, error) {
	query := `SELECT id, input_path, status, summary, created_at, updated_at FROM runs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list runs")
	}
	defer rows.Close()

	var runs []model.Run
	for rows.Next() {
		r, err := scanPgRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list runs iterate")
}

// SaveDispositions bulk-upserts the terminal records of a run.
func (s *PostgresStore) SaveDispositions(ctx context.Context, runID string, records []*model.Record) (int, error) {
	n, err := db.Upsert(ctx, s.pool, db.Merge{
		Table:   "dispositions",
		Columns: dispositionColumns,
		Keys:    []string{"run_id", "item_index"},
	}, dispositionRows(runID, records))
	if err != nil {
		return 0, eris.Wrapf(err, "postgres: save dispositions for run %s", runID)
	}
	return int(n), nil
}

// SaveFailures appends ledger entries with COPY.
func (s *PostgresStore) SaveFailures(ctx context.Context, entries []resilience.FailureEntry) error {
	rows := make([][]any, 0, len(entries))
	for _, e := range entries {
		if e.ID == "" {
			e.ID = uuid.New().String()
		}
		rows = append(rows, failureRow(e))
	}
	_, err := db.CopyFrom(ctx, s.pool, "failures", failureColumns, rows)
	return eris.Wrap(err, "postgres: save failures")
}

func (s *PostgresStore) ListFailures(ctx context.Context, filter resilience.FailureFilter) ([]resilience.FailureEntry, error) {
	query := `SELECT ` + strings.Join(failureColumns, ", ") + ` FROM failures WHERE true`
	args := []any{}
	argIdx := 1

	if filter.RunID != "" {
		query += fmt.Sprintf(` AND run_id = $%d`, argIdx)
		args = append(args, filter.RunID)
		argIdx++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argIdx)
		args = append(args, filter.ErrorType)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at ASC, item_code ASC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failures")
	}
	defer rows.Close()

	var out []resilience.FailureEntry
	for rows.Next() {
		var e resilience.FailureEntry
		var state string
		if err := rows.Scan(&e.ID, &e.RunID, &e.ItemCode, &e.ItemName, &e.CategoryID, &e.Stage,
			&state, &e.ErrorType, &e.Error, &e.Attempts, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan failure")
		}
		e.State = model.RoutingState(state)
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failures iterate")
}

func (s *PostgresStore) GetEnrichment(ctx context.Context, itemCode, signature string) (*model.EnrichedRecord, error) {
	return scanPgEnrichment(s.pool.QueryRow(ctx,
		`SELECT item_code, query_signature, query, attributes, description, research_confidence, created_at
		 FROM enrichment_cache WHERE item_code = $1 AND query_signature = $2`,
		itemCode, signature,
	))
}

// PutEnrichment takes a transaction-scoped advisory lock on the cache key,
// resolves the write against the stored entry and upserts in one
// transaction. The advisory lock serializes writers even when no row exists
// yet for FOR UPDATE to lock.
func (s *PostgresStore) PutEnrichment(ctx context.Context, rec *model.EnrichedRecord) (*model.CacheConflict, error) {
	attrs, err := encodeAttributes(rec.Attributes)
	if err != nil {
		return nil, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin cache write")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`,
		enrichmentLockKey(rec.ItemCode, rec.QuerySignature)); err != nil {
		return nil, eris.Wrapf(err, "postgres: lock cache key %s", rec.ItemCode)
	}

	existing, err := scanPgEnrichment(tx.QueryRow(ctx,
		`SELECT item_code, query_signature, query, attributes, description, research_confidence, created_at
		 FROM enrichment_cache WHERE item_code = $1 AND query_signature = $2 FOR UPDATE`,
		rec.ItemCode, rec.QuerySignature,
	))
	if err != nil {
		return nil, err
	}

	replace, conflict := model.ResolveCacheWrite(existing, rec, time.Now().UTC())
	if replace {
		_, err = tx.Exec(ctx,
			`INSERT INTO enrichment_cache (item_code, query_signature, query, attributes, description, research_confidence, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (item_code, query_signature) DO UPDATE SET
			   query = $3, attributes = $4, description = $5, research_confidence = $6, created_at = $7`,
			rec.ItemCode, rec.QuerySignature, rec.Query, attrs, rec.Description, rec.ResearchConfidence, rec.CreatedAt.UTC(),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: write cache %s", rec.ItemCode)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit cache write")
	}
	return conflict, nil
}

func enrichmentLockKey(itemCode, signature string) string {
	return "enrichment_cache:" + itemCode + ":" + signature
}

func (s *PostgresStore) PruneEnrichment(ctx context.Context, olderThan time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM enrichment_cache WHERE created_at < $1`, olderThan.UTC(),
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: prune enrichment cache")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveConflicts(ctx context.Context, conflicts []model.CacheConflict) error {
	rows := make([][]any, 0, len(conflicts))
	for _, c := range conflicts {
		rows = append(rows, []any{
			uuid.New().String(), c.RunID, c.ItemCode, c.QuerySignature,
			c.ExistingConfidence, c.IncomingConfidence, c.Resolution, c.CreatedAt.UTC(),
		})
	}
	_, err := db.CopyFrom(ctx, s.pool, "cache_conflicts", []string{
		"id", "run_id", "item_code", "query_signature", "existing_confidence", "incoming_confidence", "resolution", "created_at",
	}, rows)
	return eris.Wrap(err, "postgres: save cache conflicts")
}

func (s *PostgresStore) ListConflicts(ctx context.Context, limit int) ([]model.CacheConflict, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT coalesce(run_id, ''), item_code, query_signature, existing_confidence, incoming_confidence, resolution, created_at
		 FROM cache_conflicts ORDER BY created_at DESC LIMIT $1`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cache conflicts")
	}
	defer rows.Close()

	var out []model.CacheConflict
	for rows.Next() {
		var c model.CacheConflict
		if err := rows.Scan(&c.RunID, &c.ItemCode, &c.QuerySignature, &c.ExistingConfidence,
			&c.IncomingConfidence, &c.Resolution, &c.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cache conflict")
		}
		out = append(out, c)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list cache conflicts iterate")
}

func scanPgRun(row pgx.Row) (*model.Run, error) {
	var r model.Run
	var status string
	var summaryJSON []byte
	err := row.Scan(&r.ID, &r.InputPath, &status, &summaryJSON, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrap(ErrNotFound, "run not found")
	}
	if err != nil {
		return nil, err
	}
	r.Status = model.RunStatus(status)
	if summaryJSON != nil {
		r.Summary = &model.RunSummary{}
		if err := json.Unmarshal(summaryJSON, r.Summary); err != nil {
			return nil, eris.Wrap(err, "postgres: unmarshal summary")
		}
	}
	return &r, nil
}

func scanPgEnrichment(row pgx.Row) (*model.EnrichedRecord, error) {
	var e model.EnrichedRecord
	var attrs []byte
	err := row.Scan(&e.ItemCode, &e.QuerySignature, &e.Query, &attrs, &e.Description, &e.ResearchConfidence, &e.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get enrichment")
	}
	if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal attributes")
	}
	return &e, nil
}
