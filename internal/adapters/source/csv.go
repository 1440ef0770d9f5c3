package source

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"time"

	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/pkg/logger"
)

// CSVLoader reads delimited text files with a header row.
type CSVLoader struct {
	opts options
}

// NewCSVLoader creates a CSV loader with the given options.
func NewCSVLoader(opts ...Option) *CSVLoader {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &CSVLoader{opts: o}
}

// Load reads path and parses every row under schema.
func (l *CSVLoader) Load(ctx context.Context, path string, schema model.Schema) (*model.Dataset, error) {
	log := l.opts.logger
	if log == nil {
		log = logger.Get().Named("source")
	}
	start := time.Now()

	f, err := os.Open(path)
	if err != nil {
		return finish(ctx, log, "csv", start, nil, model.LoadError("csv.open", path, err))
	}
	defer func() { _ = f.Close() }()

	ds, err := l.read(ctx, f, path, schema)
	return finish(ctx, log, "csv", start, ds, err)
}

// Read parses CSV from r; name is recorded as the dataset source.
func (l *CSVLoader) Read(ctx context.Context, r io.Reader, name string, schema model.Schema) (*model.Dataset, error) {
	return l.read(ctx, r, name, schema)
}

func (l *CSVLoader) read(ctx context.Context, r io.Reader, path string, schema model.Schema) (*model.Dataset, error) {
	if err := schema.Validate(); err != nil {
		return nil, err
	}

	cr := csv.NewReader(r)
	cr.Comma = l.opts.delimiter
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, model.LoadError("csv.header", path, errors.New("file is empty"))
	}
	if err != nil {
		return nil, model.LoadError("csv.header", path, err)
	}
	// ReuseRecord shares the backing array across reads.
	header = append([]string(nil), header...)

	parser, err := newRowParser(header, schema, &l.opts, path)
	if err != nil {
		return nil, err
	}

	acc := &accumulator{parser: parser, ds: &model.Dataset{Schema: schema, Source: path}}
	for rows := 1; ; rows++ {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// csv.ParseError already names the physical line.
			return nil, model.LoadError("csv.read", path, err)
		}
		// Physical line the record starts on; quoted fields may span lines.
		line, _ := cr.FieldPos(0)
		if rows%ctxCheckEvery == 0 {
			if cerr := ctx.Err(); cerr != nil {
				return nil, model.LoadError("csv.read", path, cerr)
			}
		}
		if err := acc.add(record, line); err != nil {
			return nil, err
		}
	}
	return acc.ds, nil
}
