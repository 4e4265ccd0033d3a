package pipeline

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/vmrs-cli/internal/model"
	"github.com/sells-group/vmrs-cli/internal/tabular"
)

var recordAliases = map[string]string{
	"part_code":   "item_code",
	"part_number": "item_code",
	"part_name":   "item_name",
}

var catalogAliases = map[string]string{
	"code":          "vmrs_code",
	"system":        "system_name",
	"system_id":     "category_id",
	"system_code":   "category_id",
	"custom":        "is_custom",
	"code_key":      "vmrs_code",
	"vmrs_key":      "vmrs_code",
	"category_name": "system_name",
}

var exampleAliases = map[string]string{
	"part_code": "item_code",
	"part_name": "item_name",
	"code":      "vmrs_code",
}

type recordRow struct {
	ItemCode string `csv:"item_code"`
	ItemName string `csv:"item_name"`
}

type catalogRow struct {
	Code        string `csv:"vmrs_code"`
	CategoryID  string `csv:"category_id"`
	SystemName  string `csv:"system_name"`
	Description string `csv:"description"`
	IsCustom    string `csv:"is_custom"`
}

type exampleRow struct {
	ItemCode      string `csv:"item_code"`
	ItemName      string `csv:"item_name"`
	Code          string `csv:"vmrs_code"`
	Confidence    string `csv:"confidence"`
	MatchType     string `csv:"match_type"`
	DateValidated string `csv:"date_validated"`
}

// ErrInvalidRecords is returned when the parts file has blank or repeated
// item codes. item_code identifies a record within a run.
var ErrInvalidRecords = eris.New("input: invalid records")

// LoadRecords reads the parts file (.csv or .xlsx) into unclassified
// records, numbered in file order. Every item_code must be non-blank and
// unique; line numbers in errors count the header as line 1.
func LoadRecords(ctx context.Context, path string) ([]*model.Record, error) {
	t, err := tabular.Read(ctx, path, recordAliases)
	if err != nil {
		return nil, eris.Wrap(err, "input: read records")
	}
	if err := t.Require("item_code", "item_name"); err != nil {
		return nil, eris.Wrap(err, "input: records")
	}
	rows, err := tabular.Decode[recordRow](t)
	if err != nil {
		return nil, eris.Wrap(err, "input: decode records")
	}

	records := make([]*model.Record, len(rows))
	firstLine := make(map[string]int, len(rows))
	var problems []string
	for i, row := range rows {
		r := model.NewRecord(i, row.ItemCode, row.ItemName)
		records[i] = r
		line := i + 2
		if r.ItemCode == "" {
			problems = append(problems, fmt.Sprintf("line %d: blank item_code", line))
			continue
		}
		if prev, dup := firstLine[r.ItemCode]; dup {
			problems = append(problems, fmt.Sprintf("line %d: item_code %s repeats line %d", line, r.ItemCode, prev))
			continue
		}
		firstLine[r.ItemCode] = line
	}
	if len(problems) > 0 {
		zap.L().Warn("input: rejected parts file", zap.String("path", path), zap.Int("problems", len(problems)))
		return nil, eris.Wrapf(ErrInvalidRecords, "%s", strings.Join(problems, "; "))
	}
	return records, nil
}

// LoadCatalog reads the operator's reference catalog.
func LoadCatalog(ctx context.Context, path string) (*model.Catalog, error) {
	t, err := tabular.Read(ctx, path, catalogAliases)
	if err != nil {
		return nil, eris.Wrap(err, "input: read catalog")
	}
	if err := t.Require("vmrs_code", "description"); err != nil {
		return nil, eris.Wrap(err, "input: catalog")
	}
	rows, err := tabular.Decode[catalogRow](t)
	if err != nil {
		return nil, eris.Wrap(err, "input: decode catalog")
	}

	entries := make([]model.CatalogEntry, 0, len(rows))
	for _, row := range rows {
		if strings.TrimSpace(row.Code) == "" {
			continue
		}
		entries = append(entries, model.CatalogEntry{
			Code:         row.Code,
			CategoryID:   row.CategoryID,
			CategoryName: strings.TrimSpace(row.SystemName),
			Description:  strings.TrimSpace(row.Description),
			IsCustom:     parseBool(row.IsCustom),
		})
	}
	return model.NewCatalog(entries)
}

// LoadExamples reads validated examples. A missing file yields none.
func LoadExamples(ctx context.Context, path string) ([]model.ValidatedExample, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		zap.L().Info("input: no validated examples", zap.String("path", path))
		return nil, nil
	}
	t, err := tabular.Read(ctx, path, exampleAliases)
	if err != nil {
		return nil, eris.Wrap(err, "input: read examples")
	}
	if err := t.Require("item_name", "vmrs_code"); err != nil {
		return nil, eris.Wrap(err, "input: examples")
	}
	rows, err := tabular.Decode[exampleRow](t)
	if err != nil {
		return nil, eris.Wrap(err, "input: decode examples")
	}

	out := make([]model.ValidatedExample, 0, len(rows))
	for _, row := range rows {
		code := strings.TrimSpace(row.Code)
		if code == "" {
			continue
		}
		conf := 100
		if s := strings.TrimSpace(row.Confidence); s != "" {
			c, err := strconv.Atoi(s)
			if err != nil {
				return nil, eris.Wrapf(err, "input: example %s confidence", row.ItemCode)
			}
			conf = model.ClampConfidence(c)
		}
		out = append(out, model.ValidatedExample{
			ItemCode:      strings.TrimSpace(row.ItemCode),
			ItemName:      strings.TrimSpace(row.ItemName),
			Code:          code,
			Confidence:    conf,
			MatchType:     strings.TrimSpace(row.MatchType),
			DateValidated: strings.TrimSpace(row.DateValidated),
			CategoryID:    model.CategoryFromCode(code),
		})
	}
	return out, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "x":
		return true
	}
	return false
}
