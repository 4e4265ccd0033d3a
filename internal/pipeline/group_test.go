package pipeline

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/vmrs-cli/internal/model"
)

func TestPartition(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{0, 5, []int{}},
		{5, 5, []int{5}},
		{11, 5, []int{5, 5, 1}},
		{3, 0, []int{1, 1, 1}},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%d/%d", tt.n, tt.size), func(t *testing.T) {
			items := make([]int, tt.n)
			for i := range items {
				items[i] = i
			}
			got := Partition(items, tt.size)
			sizes := make([]int, len(got))
			var flat []int
			for i, w := range got {
				sizes[i] = len(w)
				flat = append(flat, w...)
			}
			assert.Equal(t, tt.want, sizes)
			if tt.n > 0 {
				assert.Equal(t, items, flat)
			}
		})
	}
}

func TestPartition_WindowsDoNotAlias(t *testing.T) {
	items := []int{1, 2, 3, 4}
	w := Partition(items, 2)
	w[0] = append(w[0], 99)
	assert.Equal(t, []int{3, 4}, w[1])
}

func TestGroupAndBatch_HomogeneousUnderInterleaving(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	cats := []string{"13", "18", "24", ""}

	var recs []*model.Record
	for i := 0; i < 97; i++ {
		r := model.NewRecord(i, fmt.Sprintf("P%03d", i), "part")
		r.CategoryPrimary = cats[rng.IntN(len(cats))]
		recs = append(recs, r)
	}

	order, groups := GroupByCategory(recs)
	total := 0
	for _, cat := range order {
		batches, err := MakeBatches(groups[cat], 7)
		require.NoError(t, err)
		prev := -1
		for _, b := range batches {
			require.NotEmpty(t, b.Records)
			assert.LessOrEqual(t, len(b.Records), 7)
			assert.Equal(t, cat, b.CategoryID)
			for _, r := range b.Records {
				assert.Equal(t, cat, categoryOf(r))
				assert.Greater(t, r.Index, prev, "input order kept")
				prev = r.Index
				total++
			}
		}
	}
	assert.Equal(t, len(recs), total)
	assert.Contains(t, order, model.UnclassifiedCategory)
}

func TestMakeBatches_RejectsMixedCategories(t *testing.T) {
	a := model.NewRecord(0, "A", "x")
	a.CategoryPrimary = "13"
	b := model.NewRecord(1, "B", "y")
	b.CategoryPrimary = "18"

	_, err := MakeBatches([]*model.Record{a, b}, 10)
	require.Error(t, err)

	batches, err := MakeBatches(nil, 10)
	require.NoError(t, err)
	assert.Empty(t, batches)
}
