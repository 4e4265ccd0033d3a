package db

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var dispositionMerge = Merge{
	Table:   "dispositions",
	Columns: []string{"run_id", "item_index", "code"},
	Keys:    []string{"run_id", "item_index"},
}

func TestUpsert_NoRowsSkipsDatabase(t *testing.T) {
	n, err := Upsert(context.Background(), nil, dispositionMerge, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMergeValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       Merge
		wantErr string
	}{
		{name: "valid", m: dispositionMerge},
		{name: "no columns", m: Merge{Table: "t", Keys: []string{"id"}}, wantErr: "no columns"},
		{name: "no keys", m: Merge{Table: "t", Columns: []string{"id"}}, wantErr: "no key columns"},
		{name: "key outside columns", m: Merge{Table: "t", Columns: []string{"code"}, Keys: []string{"id"}}, wantErr: "key id is not a column"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMergeInsertSQL(t *testing.T) {
	assert.Equal(t,
		`INSERT INTO "dispositions" ("run_id", "item_index", "code") SELECT "run_id", "item_index", "code" FROM "stage_dispositions" ON CONFLICT ("run_id", "item_index") DO UPDATE SET "code" = EXCLUDED."code"`,
		dispositionMerge.insertSQL())

	keysOnly := Merge{Table: "vmrs.seen", Columns: []string{"item_code"}, Keys: []string{"item_code"}}
	assert.Equal(t,
		`INSERT INTO "vmrs"."seen" ("item_code") SELECT "item_code" FROM "stage_vmrs_seen" ON CONFLICT ("item_code") DO NOTHING`,
		keysOnly.insertSQL())
}

func TestUpsert_MergesThroughStagingTable(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE "stage_dispositions" \(LIKE "dispositions"`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_dispositions"}, dispositionMerge.Columns).WillReturnResult(2)
	mock.ExpectExec(`ON CONFLICT \("run_id", "item_index"\) DO UPDATE`).WillReturnResult(pgxmock.NewResult("INSERT", 2))
	mock.ExpectCommit()
	mock.ExpectRollback()

	n, err := Upsert(context.Background(), mock, dispositionMerge,
		[][]any{{"r", 0, "013-001-001"}, {"r", 1, "013-002-001"}})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestUpsert_CopyFailureRollsBack(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"stage_dispositions"}, dispositionMerge.Columns).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	_, err = Upsert(context.Background(), mock, dispositionMerge, [][]any{{"r", 0, "013-001-001"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy into staging table")
	assert.NoError(t, mock.ExpectationsWereMet())
}
