package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/resilience"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	s := &PostgresStore{pool: mock}
	return s, mock
}

func TestPostgresStore_GetRun_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT id, input_path, status, summary, created_at, updated_at FROM runs WHERE id = \$1`).
		WithArgs("nonexistent-run").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetRun(context.Background(), "nonexistent-run")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "get run")
	assert.True(t, eris.Is(err, ErrNotFound))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetRun_WithSummary(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`FROM runs WHERE id = \$1`).
		WithArgs("run-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "input_path", "status", "summary", "created_at", "updated_at"}).
			AddRow("run-1", "parts.csv", "complete", []byte(`{"run_id":"run-1","approved":7}`), now, now))

	run, err := s.GetRun(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, model.RunStatusComplete, run.Status)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 7, run.Summary.Approved)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateRunStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE runs SET status`).
		WithArgs("cancelled", pgxmock.AnyArg(), "missing").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateRunStatus(context.Background(), "missing", model.RunStatusCancelled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "run not found")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListRuns_StatusFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`AND status = \$1 ORDER BY created_at DESC LIMIT \$2`).
		WithArgs("failed", 5).
		WillReturnRows(pgxmock.NewRows([]string{"id", "input_path", "status", "summary", "created_at", "updated_at"}).
			AddRow("r1", "a.csv", "failed", []byte(nil), now, now))

	runs, err := s.ListRuns(context.Background(), model.RunFilter{Status: model.RunStatusFailed, Limit: 5})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Nil(t, runs[0].Summary)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetEnrichment_Miss(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM enrichment_cache WHERE item_code = \$1 AND query_signature = \$2`).
		WithArgs("GHI789", "sig").
		WillReturnError(pgx.ErrNoRows)

	rec, err := s.GetEnrichment(context.Background(), "GHI789", "sig")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutEnrichment_KeepsStronger(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock\(hashtextextended\(\$1, 0\)\)`).
		WithArgs("enrichment_cache:GHI789:sig").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("GHI789", "sig").
		WillReturnRows(pgxmock.NewRows([]string{"item_code", "query_signature", "query", "attributes", "description", "research_confidence", "created_at"}).
			AddRow("GHI789", "sig", "q", []byte(`{"position":"rear"}`), "stored", 90, now))
	mock.ExpectCommit()

	conflict, err := s.PutEnrichment(context.Background(), &model.EnrichedRecord{
		ItemCode: "GHI789", QuerySignature: "sig", Description: "weaker", ResearchConfidence: 60, CreatedAt: now,
	})
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, model.ConflictKept, conflict.Resolution)
	assert.Equal(t, 90, conflict.ExistingConfidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutEnrichment_Insert(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("enrichment_cache:A:s").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FOR UPDATE`).WithArgs("A", "s").WillReturnError(pgx.ErrNoRows)
	mock.ExpectExec(`ON CONFLICT \(item_code, query_signature\) DO UPDATE`).
		WithArgs("A", "s", "q", pgxmock.AnyArg(), "d", 80, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	conflict, err := s.PutEnrichment(context.Background(), &model.EnrichedRecord{
		ItemCode: "A", QuerySignature: "s", Query: "q", Description: "d", ResearchConfidence: 80, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.Nil(t, conflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutEnrichment_ReplacesWeakerAndReportsConflict(t *testing.T) {
	s, mock := newMockPostgresStore(t)
	now := time.Now().UTC()

	// The lock comes first, so a writer that found no row cannot race
	// another insert for the same key.
	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("enrichment_cache:GHI789:sig").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("GHI789", "sig").
		WillReturnRows(pgxmock.NewRows([]string{"item_code", "query_signature", "query", "attributes", "description", "research_confidence", "created_at"}).
			AddRow("GHI789", "sig", "q", []byte(`{}`), "first writer", 60, now))
	mock.ExpectExec(`ON CONFLICT \(item_code, query_signature\) DO UPDATE`).
		WithArgs("GHI789", "sig", "q", pgxmock.AnyArg(), "second writer", 90, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	conflict, err := s.PutEnrichment(context.Background(), &model.EnrichedRecord{
		ItemCode: "GHI789", QuerySignature: "sig", Query: "q", Description: "second writer", ResearchConfidence: 90, CreatedAt: now,
	})
	require.NoError(t, err)
	require.NotNil(t, conflict)
	assert.Equal(t, model.ConflictReplaced, conflict.Resolution)
	assert.Equal(t, 60, conflict.ExistingConfidence)
	assert.Equal(t, 90, conflict.IncomingConfidence)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PutEnrichment_LockFailureAborts(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`pg_advisory_xact_lock`).
		WithArgs("enrichment_cache:A:s").
		WillReturnError(errors.New("lock timeout"))
	mock.ExpectRollback()

	_, err := s.PutEnrichment(context.Background(), &model.EnrichedRecord{ItemCode: "A", QuerySignature: "s", ResearchConfidence: 80})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lock cache key A")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveFailures_Copy(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"failures"}, failureColumns).WillReturnResult(1)

	err := s.SaveFailures(context.Background(), []resilience.FailureEntry{{
		RunID: "run-1", ItemCode: "X", Stage: model.StageRouter, State: model.StateClassificationFailed,
		ErrorType: "permanent", Error: "malformed", Attempts: 4, CreatedAt: time.Now(),
	}})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveDispositions_Upsert(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_dispositions"}, dispositionColumns).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "dispositions"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()
	mock.ExpectRollback()

	r := model.NewRecord(0, "A", "Pad")
	r.State = model.StatePass
	n, err := s.SaveDispositions(context.Background(), "run-1", []*model.Record{r})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPostgresStore_PruneEnrichment(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`DELETE FROM enrichment_cache WHERE created_at < \$1`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("DELETE", 4))

	n, err := s.PruneEnrichment(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
