package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/pkg/logger"
)

// XLSXLoader reads the first (or a named) worksheet of an Excel workbook.
// The first non-empty row is the header.
type XLSXLoader struct {
	opts options
}

// NewXLSXLoader creates an XLSX loader with the given options.
func NewXLSXLoader(opts ...Option) *XLSXLoader {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &XLSXLoader{opts: o}
}

// Load reads the workbook at path and parses every row under schema.
func (l *XLSXLoader) Load(ctx context.Context, path string, schema model.Schema) (*model.Dataset, error) {
	log := l.opts.logger
	if log == nil {
		log = logger.Get().Named("source")
	}
	start := time.Now()
	ds, err := l.load(ctx, path, schema)
	return finish(ctx, log, "xlsx", start, ds, err)
}

func (l *XLSXLoader) load(ctx context.Context, path string, schema model.Schema) (*model.Dataset, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, model.LoadError("xlsx.open", path, err)
	}
	defer func() { _ = f.Close() }()

	sheet := l.opts.sheet
	if sheet == "" {
		sheet = f.GetSheetName(f.GetActiveSheetIndex())
	}
	if idx, err := f.GetSheetIndex(sheet); err != nil || idx < 0 {
		return nil, model.LoadError("xlsx.sheet", path, fmt.Errorf("sheet %q not found", sheet))
	}

	rows, err := f.Rows(sheet)
	if err != nil {
		return nil, model.LoadError("xlsx.rows", path, err)
	}
	defer func() { _ = rows.Close() }()

	var (
		acc  *accumulator
		line int
	)
	for rows.Next() {
		line++
		record, err := rows.Columns()
		if err != nil {
			return nil, model.LoadError("xlsx.read", path, fmt.Errorf("row %d: %w", line, err))
		}
		if len(record) == 0 {
			continue
		}
		if acc == nil {
			parser, err := newRowParser(record, schema, &l.opts, path)
			if err != nil {
				return nil, err
			}
			acc = &accumulator{parser: parser, ds: &model.Dataset{Schema: schema, Source: path}}
			continue
		}
		if line%ctxCheckEvery == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return nil, model.LoadError("xlsx.read", path, cerr)
			}
		}
		if err := acc.add(record, line); err != nil {
			return nil, err
		}
	}
	if err := rows.Error(); err != nil {
		return nil, model.LoadError("xlsx.read", path, err)
	}
	if acc == nil {
		return nil, model.LoadError("xlsx.header", path, errors.New("sheet is empty"))
	}
	return acc.ds, nil
}
