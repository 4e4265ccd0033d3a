// Package tabular reads the CSV and XLSX files the pipeline consumes and
// decodes their rows into tagged structs with csvutil.
package tabular

import (
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"
)

// Table is a header plus data rows.
type Table struct {
	Header []string
	Rows   [][]string
}

// Read loads path, choosing the parser by extension (.csv or .xlsx).
// Header names are lower-cased, trimmed and passed through aliases.
func Read(ctx context.Context, path string, aliases map[string]string) (*Table, error) {
	var (
		rows [][]string
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		rows, err = ReadCSVFile(ctx, path, CSVOptions{TrimSpace: true})
	case ".xlsx":
		rows, err = ReadXLSX(path, XLSXOptions{})
	default:
		return nil, eris.Errorf("tabular: unsupported file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, eris.Errorf("tabular: %s is empty", path)
	}

	header := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		h = strings.ReplaceAll(h, " ", "_")
		if a, ok := aliases[h]; ok {
			h = a
		}
		header[i] = h
	}
	return &Table{Header: header, Rows: skipBlank(rows[1:])}, nil
}

// Require returns an error naming every column in cols missing from the
// header.
func (t *Table) Require(cols ...string) error {
	have := make(map[string]bool, len(t.Header))
	for _, h := range t.Header {
		have[h] = true
	}
	var missing []string
	for _, c := range cols {
		if !have[c] {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return eris.Errorf("tabular: missing required columns: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Decode decodes every row into a T using its csv struct tags. Columns
// unknown to T are ignored.
func Decode[T any](t *Table) ([]T, error) {
	dec, err := csvutil.NewDecoder(&sliceReader{rows: t.Rows, width: len(t.Header)}, t.Header...)
	if err != nil {
		return nil, eris.Wrap(err, "tabular: create decoder")
	}
	var out []T
	for {
		var v T
		if err := dec.Decode(&v); err == io.EOF {
			break
		} else if err != nil {
			return nil, eris.Wrapf(err, "tabular: decode row %d", len(out)+2)
		}
		out = append(out, v)
	}
	return out, nil
}

// sliceReader feeds pre-read rows to csvutil, fitting every row to the
// header width so ragged spreadsheets decode.
type sliceReader struct {
	rows  [][]string
	width int
	i     int
}

func (r *sliceReader) Read() ([]string, error) {
	if r.i >= len(r.rows) {
		return nil, io.EOF
	}
	row := r.rows[r.i]
	r.i++
	if len(row) == r.width {
		return row, nil
	}
	fitted := make([]string, r.width)
	copy(fitted, row)
	return fitted, nil
}

func skipBlank(rows [][]string) [][]string {
	out := rows[:0]
	for _, row := range rows {
		for _, c := range row {
			if strings.TrimSpace(c) != "" {
				out = append(out, row)
				break
			}
		}
	}
	return out
}
