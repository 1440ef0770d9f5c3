package export

import (
	"context"
	"fmt"
	"math"
	"strconv"

	"github.com/xuri/excelize/v2"

	"github.com/okian/econpipe/internal/domain/report"
)

// Sheet names of the workbook.
const (
	SheetSummary   = "summary"
	SheetBins      = "bins"
	SheetEstimates = "estimates"
)

// XLSXWriter writes <analysis>.xlsx with a summary sheet plus bins and
// estimates sheets when the report has them.
type XLSXWriter struct{}

// Format implements Writer.
func (XLSXWriter) Format() string { return FormatXLSX }

// Write implements Writer.
func (XLSXWriter) Write(ctx context.Context, r *report.Report, dir string) (paths []string, err error) {
	f := excelize.NewFile()
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()

	// NewFile starts with Sheet1; rename it rather than leave it empty.
	if err := f.SetSheetName(f.GetSheetName(0), SheetSummary); err != nil {
		return nil, err
	}
	if err := fillSheet(ctx, f, SheetSummary, summaryHeader, summaryRows(r)); err != nil {
		return nil, err
	}
	if len(r.Bins) > 0 {
		if err := addSheet(ctx, f, SheetBins, binHeader, binRows(r)); err != nil {
			return nil, err
		}
	}
	if rows := estimateRows(r); len(rows) > 0 {
		if err := addSheet(ctx, f, SheetEstimates, estimateHeader, rows); err != nil {
			return nil, err
		}
	}

	p := path(dir, r, ".xlsx")
	if err := f.SaveAs(p); err != nil {
		return nil, err
	}
	return []string{p}, nil
}

func addSheet(ctx context.Context, f *excelize.File, name string, header []string, rows [][]string) error {
	if _, err := f.NewSheet(name); err != nil {
		return err
	}
	return fillSheet(ctx, f, name, header, rows)
}

func fillSheet(ctx context.Context, f *excelize.File, name string, header []string, rows [][]string) error {
	if err := f.SetSheetRow(name, "A1", &header); err != nil {
		return err
	}
	for i, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		values := cells(row)
		if err := f.SetSheetRow(name, cell, &values); err != nil {
			return fmt.Errorf("sheet %s row %d: %w", name, i+2, err)
		}
	}
	return nil
}

// cells stores numeric fields as numbers so the workbook stays sortable.
func cells(row []string) []any {
	out := make([]any, len(row))
	for i, s := range row {
		if v, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
			out[i] = v
			continue
		}
		out[i] = s
	}
	return out
}
