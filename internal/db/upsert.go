package db

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
)

// Merge describes how rows land in Table. Rows whose Keys already exist
// overwrite every other column; when Columns holds nothing but Keys the
// existing row is left alone.
type Merge struct {
	Table   string
	Columns []string
	Keys    []string
}

func (m Merge) validate() error {
	if len(m.Columns) == 0 {
		return eris.Errorf("db: merge %s: no columns", m.Table)
	}
	if len(m.Keys) == 0 {
		return eris.Errorf("db: merge %s: no key columns", m.Table)
	}
	for _, k := range m.Keys {
		if !slices.Contains(m.Columns, k) {
			return eris.Errorf("db: merge %s: key %s is not a column", m.Table, k)
		}
	}
	return nil
}

// staging is the per-transaction table rows are copied into.
func (m Merge) staging() pgx.Identifier {
	return pgx.Identifier{"stage_" + strings.ReplaceAll(m.Table, ".", "_")}
}

func (m Merge) insertSQL() string {
	cols := joinIdents(m.Columns)
	action := "DO NOTHING"
	var sets []string
	for _, c := range m.Columns {
		if slices.Contains(m.Keys, c) {
			continue
		}
		id := pgx.Identifier{c}.Sanitize()
		sets = append(sets, id+" = EXCLUDED."+id)
	}
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}
	return fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s ON CONFLICT (%s) %s",
		identifier(m.Table).Sanitize(), cols, cols, m.staging().Sanitize(), joinIdents(m.Keys), action)
}

// Upsert copies rows into a staging table and merges them into m.Table in
// one transaction, so a failed save leaves the previous rows intact. It
// returns the number of rows inserted or updated.
func Upsert(ctx context.Context, pool Pool, m Merge, rows [][]any) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	if err := m.validate(); err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: begin", m.Table)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	stage := fmt.Sprintf("CREATE TEMP TABLE %s (LIKE %s INCLUDING DEFAULTS) ON COMMIT DROP",
		m.staging().Sanitize(), identifier(m.Table).Sanitize())
	if _, err := tx.Exec(ctx, stage); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: create staging table", m.Table)
	}
	if _, err := tx.CopyFrom(ctx, m.staging(), m.Columns, pgx.CopyFromRows(rows)); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: copy into staging table", m.Table)
	}
	tag, err := tx.Exec(ctx, m.insertSQL())
	if err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: insert", m.Table)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, eris.Wrapf(err, "db: merge %s: commit", m.Table)
	}
	return tag.RowsAffected(), nil
}

func joinIdents(cols []string) string {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}
	return strings.Join(quoted, ", ")
}
