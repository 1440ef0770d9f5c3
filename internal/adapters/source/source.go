// Package source loads tabular datasets into typed observations under an
// explicit schema. Column roles are declared by the caller, never inferred.
package source

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/pkg/logger"
	"github.com/okian/econpipe/pkg/metrics"
)

// ctxCheckEvery is how many rows are parsed between cancellation checks.
const ctxCheckEvery = 1024

// Loader reads a dataset from storage.
type Loader interface {
	Load(ctx context.Context, path string, schema model.Schema) (*model.Dataset, error)
}

// Option applies a configuration option to a loader.
type Option func(*options)

type options struct {
	delimiter     rune
	missingTokens map[string]struct{}
	dropMissing   bool
	sheet         string
	logger        logger.Logger
}

func defaultOptions() options {
	return options{
		delimiter:     ',',
		missingTokens: tokenSet([]string{"", "NA", "NaN", "nan", "N/A", "."}),
		dropMissing:   true,
	}
}

// WithDelimiter sets the CSV field delimiter.
func WithDelimiter(r rune) Option {
	return func(o *options) {
		if r != 0 {
			o.delimiter = r
		}
	}
}

// WithMissingTokens replaces the set of cell values treated as missing.
func WithMissingTokens(tokens ...string) Option {
	return func(o *options) {
		o.missingTokens = tokenSet(tokens)
	}
}

// WithDropMissing controls whether rows with missing declared values are
// skipped (true, the default) or rejected with a load error.
func WithDropMissing(drop bool) Option {
	return func(o *options) {
		o.dropMissing = drop
	}
}

// WithSheet selects the worksheet read by the XLSX loader.
func WithSheet(name string) Option {
	return func(o *options) {
		o.sheet = name
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

func tokenSet(tokens []string) map[string]struct{} {
	m := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		m[strings.TrimSpace(t)] = struct{}{}
	}
	return m
}

// Open loads path with the loader matching its extension (.csv, .tsv, .xlsx).
func Open(ctx context.Context, path string, schema model.Schema, opts ...Option) (*model.Dataset, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".txt":
		return NewCSVLoader(opts...).Load(ctx, path, schema)
	case ".tsv":
		return NewCSVLoader(append([]Option{WithDelimiter('\t')}, opts...)...).Load(ctx, path, schema)
	case ".xlsx", ".xlsm":
		return NewXLSXLoader(opts...).Load(ctx, path, schema)
	default:
		return nil, model.LoadError("source.open", path, fmt.Errorf("unsupported file extension %q", filepath.Ext(path)))
	}
}

// rowParser converts raw records to observations for one header layout.
type rowParser struct {
	schema  model.Schema
	opts    *options
	path    string
	outcome int
	running int
	treat   int
	unit    int
	time    int
	group   int
	numeric []int
	levels  []int
}

func newRowParser(header []string, schema model.Schema, opts *options, path string) (*rowParser, error) {
	pos := make(map[string]int, len(header))
	for i, h := range header {
		pos[strings.TrimSpace(strings.TrimPrefix(h, "\uFEFF"))] = i
	}

	var missing []string
	lookup := func(name string) int {
		if name == "" {
			return -1
		}
		i, ok := pos[name]
		if !ok {
			missing = append(missing, name)
			return -1
		}
		return i
	}

	p := &rowParser{schema: schema, opts: opts, path: path}
	p.outcome = lookup(schema.Outcome)
	p.running = lookup(schema.Running)
	p.treat = lookup(schema.Treatment)
	p.unit = lookup(schema.Unit)
	p.time = lookup(schema.Time)
	p.group = lookup(schema.Group)
	for _, n := range schema.Numeric {
		p.numeric = append(p.numeric, lookup(n))
	}
	for _, n := range schema.Categorical {
		p.levels = append(p.levels, lookup(n))
	}

	if len(missing) > 0 {
		return nil, model.LoadError("source.header", path, fmt.Errorf("declared columns absent: %s", strings.Join(missing, ", ")))
	}
	return p, nil
}

// errMissingValue marks a record with a missing declared value.
type errMissingValue struct{ column string }

func (e errMissingValue) Error() string { return "missing value in column " + e.column }

func (p *rowParser) cell(record []string, i int, column string) (string, error) {
	if i >= len(record) {
		return "", errMissingValue{column: column}
	}
	v := strings.TrimSpace(record[i])
	if _, ok := p.opts.missingTokens[v]; ok {
		return "", errMissingValue{column: column}
	}
	return v, nil
}

func (p *rowParser) number(record []string, i int, column string, line int) (float64, error) {
	v, err := p.cell(record, i, column)
	if err != nil {
		return 0, err
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, model.LoadError("source.parse", p.path, fmt.Errorf("line %d column %q: %q is not numeric", line, column, v))
	}
	return f, nil
}

func (p *rowParser) binary(record []string, i int, column string, line int) (float64, error) {
	v, err := p.cell(record, i, column)
	if err != nil {
		return 0, err
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "t", "y":
		return 1, nil
	case "0", "false", "no", "f", "n":
		return 0, nil
	}
	if f, perr := strconv.ParseFloat(v, 64); perr == nil && (f == 0 || f == 1) {
		return f, nil
	}
	return 0, model.LoadError("source.parse", p.path, fmt.Errorf("line %d column %q: %q is not a binary indicator", line, column, v))
}

func (p *rowParser) text(record []string, i int, column string) (string, error) {
	if i < 0 {
		return "", nil
	}
	return p.cell(record, i, column)
}

// parse returns the observation for record; a missing declared value yields
// errMissingValue, a malformed one a load error.
func (p *rowParser) parse(record []string, line int) (model.Observation, error) {
	s := p.schema
	obs := model.Observation{Line: line}
	var err error

	if obs.Outcome, err = p.number(record, p.outcome, s.Outcome, line); err != nil {
		return obs, err
	}
	if p.running >= 0 {
		if obs.Running, err = p.number(record, p.running, s.Running, line); err != nil {
			return obs, err
		}
	}
	if obs.Treatment, err = p.binary(record, p.treat, s.Treatment, line); err != nil {
		return obs, err
	}
	if obs.Unit, err = p.text(record, p.unit, s.Unit); err != nil {
		return obs, err
	}
	if obs.Time, err = p.text(record, p.time, s.Time); err != nil {
		return obs, err
	}
	if obs.Group, err = p.text(record, p.group, s.Group); err != nil {
		return obs, err
	}
	if len(p.numeric) > 0 {
		obs.Numeric = make([]float64, len(p.numeric))
		for k, i := range p.numeric {
			if obs.Numeric[k], err = p.number(record, i, s.Numeric[k], line); err != nil {
				return obs, err
			}
		}
	}
	if len(p.levels) > 0 {
		obs.Levels = make([]string, len(p.levels))
		for k, i := range p.levels {
			if obs.Levels[k], err = p.text(record, i, s.Categorical[k]); err != nil {
				return obs, err
			}
		}
	}
	return obs, nil
}

// accumulator collects parsed rows and applies the missing-value policy.
type accumulator struct {
	parser *rowParser
	ds     *model.Dataset
}

func (a *accumulator) add(record []string, line int) error {
	obs, err := a.parser.parse(record, line)
	if err == nil {
		a.ds.Rows = append(a.ds.Rows, obs)
		return nil
	}
	if mv, ok := err.(errMissingValue); ok {
		if a.parser.opts.dropMissing {
			a.ds.Dropped++
			return nil
		}
		return model.LoadError("source.parse", a.parser.path, fmt.Errorf("line %d: %s", line, mv.Error()))
	}
	return err
}

// finish records metrics and logs the outcome of a load.
func finish(ctx context.Context, l logger.Logger, format string, start time.Time, ds *model.Dataset, err error) (*model.Dataset, error) {
	metrics.RecordLoadLatency(float64(time.Since(start).Microseconds()) / 1000)
	if err != nil {
		metrics.RecordDatasetLoaded(format, metrics.StatusError)
		metrics.RecordError("loader", string(model.KindOf(err)))
		l.Error(ctx, "dataset load failed", logger.String("format", format), logger.Error(err))
		return nil, err
	}
	metrics.RecordDatasetLoaded(format, metrics.StatusOK)
	metrics.RecordRows(ds.Len(), ds.Dropped)
	l.Info(ctx, "dataset loaded",
		logger.String("source", ds.Source),
		logger.String("format", format),
		logger.Int("rows", ds.Len()),
		logger.Int("dropped", ds.Dropped),
	)
	return ds, nil
}
