package export

import (
	"context"
	"encoding/csv"
	"os"

	"github.com/okian/econpipe/internal/domain/report"
)

// CSVWriter writes <analysis>_bins.csv and <analysis>_estimates.csv. A file
// is only written when the report has the corresponding section.
type CSVWriter struct{}

// Format implements Writer.
func (CSVWriter) Format() string { return FormatCSV }

// Write implements Writer.
func (CSVWriter) Write(ctx context.Context, r *report.Report, dir string) ([]string, error) {
	var out []string
	if len(r.Bins) > 0 {
		p := path(dir, r, "_bins.csv")
		if err := writeCSV(ctx, p, binHeader, binRows(r)); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if rows := estimateRows(r); len(rows) > 0 {
		p := path(dir, r, "_estimates.csv")
		if err := writeCSV(ctx, p, estimateHeader, rows); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, nil
}

func writeCSV(ctx context.Context, p string, header []string, rows [][]string) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	f, err := os.Create(p)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(header); err != nil {
		return err
	}
	if err := w.WriteAll(rows); err != nil {
		return err
	}
	return w.Error()
}
