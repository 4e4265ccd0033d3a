package pipeline

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/jszwec/csvutil"
	"github.com/rotisserie/eris"

	"github.com/sells-group/vmrs-cli/internal/model"
)

// Output file names written by WriteOutputs.
const (
	ApprovedFile = "approved.csv"
	ReviewFile   = "review_queue.csv"
	SummaryFile  = "summary.json"
)

// WriteOutputs writes the approved table, the review queue and the run
// summary into dir, creating it if needed. Headers are written even for
// empty tables.
func WriteOutputs(dir string, out Output, summary *model.RunSummary) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return eris.Wrap(err, "export: create output dir")
	}
	if err := writeCSV(filepath.Join(dir, ApprovedFile), ApprovedRow{}, out.Approved); err != nil {
		return err
	}
	if err := writeCSV(filepath.Join(dir, ReviewFile), ReviewRow{}, out.Review); err != nil {
		return err
	}

	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return eris.Wrap(err, "export: marshal summary")
	}
	if err := os.WriteFile(filepath.Join(dir, SummaryFile), data, 0o644); err != nil {
		return eris.Wrap(err, "export: write summary")
	}
	return nil
}

func writeCSV[T any](path string, header T, rows []T) error {
	f, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "export: create %s", filepath.Base(path))
	}
	defer f.Close()

	w := csv.NewWriter(f)
	enc := csvutil.NewEncoder(w)
	if err := enc.EncodeHeader(header); err != nil {
		return eris.Wrapf(err, "export: write %s header", filepath.Base(path))
	}
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return eris.Wrapf(err, "export: write %s row", filepath.Base(path))
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return eris.Wrapf(err, "export: flush %s", filepath.Base(path))
	}
	return nil
}
