package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/sells-group/vmrs-cli/internal/model"
)

// Batch is an ordered, non-empty run of records that share one category.
type Batch struct {
	CategoryID string
	Records    []*model.Record
}

// Partition splits items into consecutive windows of at most size,
// preserving order. The last window may be shorter.
func Partition[T any](items []T, size int) [][]T {
	if size < 1 {
		size = 1
	}
	out := make([][]T, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		out = append(out, items[start:end:end])
	}
	return out
}

// GroupByCategory buckets records by primary category. The returned order
// lists categories by first appearance; records keep input order inside
// each bucket.
func GroupByCategory(records []*model.Record) ([]string, map[string][]*model.Record) {
	var order []string
	groups := make(map[string][]*model.Record)
	for _, r := range records {
		cat := categoryOf(r)
		if _, ok := groups[cat]; !ok {
			order = append(order, cat)
		}
		groups[cat] = append(groups[cat], r)
	}
	return order, groups
}

// MakeBatches partitions same-category records into batches of at most
// size. Mixed categories are a programming error.
func MakeBatches(records []*model.Record, size int) ([]Batch, error) {
	if len(records) == 0 {
		return nil, nil
	}
	cat := categoryOf(records[0])
	for _, r := range records[1:] {
		if categoryOf(r) != cat {
			return nil, eris.Errorf("pipeline: batch mixes categories %s and %s", cat, categoryOf(r))
		}
	}
	windows := Partition(records, size)
	batches := make([]Batch, len(windows))
	for i, w := range windows {
		batches[i] = Batch{CategoryID: cat, Records: w}
	}
	return batches, nil
}
