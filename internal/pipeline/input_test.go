package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadRecords_PartHeaders(t *testing.T) {
	recs, err := LoadRecords(context.Background(), "testdata/parts.csv")
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, "ABC123", recs[0].ItemCode)
	assert.Equal(t, "Brake Caliper Rear", recs[1].ItemName)
	assert.Equal(t, 2, recs[2].Index)
}

func TestLoadRecords_MissingColumn(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parts.csv")
	require.NoError(t, os.WriteFile(path, []byte("sku,label\n1,Pad\n"), 0o644))
	_, err := LoadRecords(context.Background(), path)
	assert.Error(t, err)
}

func TestLoadRecords_RejectsBlankAndRepeatedCodes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parts.csv")
	data := "part_code,part_name\nABC123,Brake Pad\n,Unnamed\nGHI789,Caliper\nABC123,Brake Pad Again\n"
	require.NoError(t, os.WriteFile(path, []byte(data), 0o644))

	recs, err := LoadRecords(context.Background(), path)
	require.Error(t, err)
	assert.Nil(t, recs)
	assert.True(t, eris.Is(err, ErrInvalidRecords))
	assert.Contains(t, err.Error(), "line 3: blank item_code")
	assert.Contains(t, err.Error(), "line 5: item_code ABC123 repeats line 2")
}

func TestLoadCatalog(t *testing.T) {
	c, err := LoadCatalog(context.Background(), "testdata/catalog.csv")
	require.NoError(t, err)
	assert.Equal(t, 7, c.Len())
	assert.True(t, c.HasCategory("13"))
	assert.True(t, c.HasCategory("18"))

	e, ok := c.Lookup("013-009-001")
	require.True(t, ok)
	assert.True(t, e.IsCustom)
	assert.Equal(t, "Brakes", e.CategoryName)
	assert.Equal(t, 5, c.Slice("13").Len())
}

func TestLoadCatalog_Aliases(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.csv")
	require.NoError(t, os.WriteFile(path, []byte("Code,System ID,System,Description,Custom\n013-001-001,013,Brakes,Pad,yes\n"), 0o644))
	c, err := LoadCatalog(context.Background(), path)
	require.NoError(t, err)
	e, ok := c.Lookup("013-001-001")
	require.True(t, ok)
	assert.Equal(t, "13", e.CategoryID)
	assert.True(t, e.IsCustom)
}

func TestLoadExamples(t *testing.T) {
	ex, err := LoadExamples(context.Background(), "testdata/examples.csv")
	require.NoError(t, err)
	require.Len(t, ex, 1)
	assert.Equal(t, "13", ex[0].CategoryID)
	assert.Equal(t, 98, ex[0].Confidence)
	assert.Equal(t, "human_validated", ex[0].MatchType)

	none, err := LoadExamples(context.Background(), filepath.Join(t.TempDir(), "missing.csv"))
	require.NoError(t, err)
	assert.Nil(t, none)
}
