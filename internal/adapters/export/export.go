// Package export renders reports to files. Every writer is a pure function
// of the report: the same report always produces the same bytes apart from
// the run metadata it carries.
package export

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/okian/econpipe/internal/domain/estimator"
	"github.com/okian/econpipe/internal/domain/report"
	"github.com/okian/econpipe/pkg/logger"
	"github.com/okian/econpipe/pkg/metrics"
)

// Supported formats.
const (
	FormatJSON = "json"
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
)

// ErrUnknownFormat is returned for an output format with no writer.
var ErrUnknownFormat = errors.New("unknown output format")

// Writer renders a report into dir and returns the paths it wrote.
type Writer interface {
	Format() string
	Write(ctx context.Context, r *report.Report, dir string) ([]string, error)
}

// ForFormats returns one writer per format, in the given order.
func ForFormats(formats []string) ([]Writer, error) {
	out := make([]Writer, 0, len(formats))
	for _, f := range formats {
		switch strings.ToLower(strings.TrimSpace(f)) {
		case FormatJSON:
			out = append(out, JSONWriter{Indent: true})
		case FormatCSV:
			out = append(out, CSVWriter{})
		case FormatXLSX:
			out = append(out, XLSXWriter{})
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, f)
		}
	}
	return out, nil
}

// WriteAll runs every writer concurrently and returns all written paths in
// writer order. The first failure cancels the remaining writers.
func WriteAll(ctx context.Context, r *report.Report, dir string, writers ...Writer) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	log := logger.Get().Named("export")

	var mu sync.Mutex
	paths := make([][]string, len(writers))
	g, gctx := errgroup.WithContext(ctx)
	for i, w := range writers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			p, err := w.Write(gctx, r, dir)
			if err != nil {
				metrics.RecordExport(w.Format(), metrics.StatusError)
				return fmt.Errorf("write %s: %w", w.Format(), err)
			}
			metrics.RecordExport(w.Format(), metrics.StatusOK)
			mu.Lock()
			paths[i] = p
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error(ctx, "export failed", logger.String("analysis", r.Analysis), logger.Error(err))
		return nil, err
	}

	var out []string
	for _, p := range paths {
		out = append(out, p...)
	}
	log.Info(ctx, "report exported",
		logger.String("analysis", r.Analysis),
		logger.Strings("files", out),
	)
	return out, nil
}

// baseName returns a file-system safe stem for an analysis name.
func baseName(r *report.Report) string {
	name := strings.Map(func(c rune) rune {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '-', c == '_', c == '.':
			return c
		default:
			return '_'
		}
	}, r.Analysis)
	if name == "" {
		return "report"
	}
	return name
}

func path(dir string, r *report.Report, suffix string) string {
	return filepath.Join(dir, baseName(r)+suffix)
}

// Tabular views shared by the CSV and XLSX writers.

var binHeader = []string{"group", "treatment", "index", "lower", "upper", "center", "count", "mean_running", "mean_outcome", "median_outcome"}

func binRows(r *report.Report) [][]string {
	rows := make([][]string, 0, len(r.Bins))
	for _, b := range r.Bins {
		rows = append(rows, []string{
			b.Group,
			num(b.Treatment),
			strconv.Itoa(b.Index),
			num(b.Lower),
			num(b.Upper),
			num(b.Center),
			strconv.Itoa(b.Count),
			num(b.MeanRunning),
			num(b.MeanOutcome),
			num(b.MedianOutcome),
		})
	}
	return rows
}

var estimateHeader = []string{
	"scope", "group", "status", "kind", "estimate", "std_err", "ci_lower", "ci_upper", "p_value",
	"level", "n", "n_left", "n_right", "order", "bandwidth", "kernel", "cov_type",
	"estimate_bc", "std_err_robust", "clusters", "error_kind", "reason",
}

func estimateRows(r *report.Report) [][]string {
	var rows [][]string
	if r.Pooled != nil {
		rows = append(rows, fitRow("pooled", "", "ok", r.Pooled, "", ""))
	}
	for _, g := range r.Groups {
		rows = append(rows, fitRow("group", g.Group, string(g.Status), g.Fit, string(g.Kind), g.Reason))
	}
	return rows
}

func fitRow(scope, group, status string, f *estimator.FitResult, kind, reason string) []string {
	row := []string{scope, group, status}
	if f == nil {
		row = append(row, make([]string, len(estimateHeader)-len(row)-2)...)
		return append(row, kind, reason)
	}
	return append(row,
		string(f.Kind),
		num(f.Estimate),
		num(f.StdErr),
		num(f.Lower),
		num(f.Upper),
		num(f.PValue),
		num(f.Level),
		strconv.Itoa(f.N),
		strconv.Itoa(f.NLeft),
		strconv.Itoa(f.NRight),
		strconv.Itoa(f.Order),
		num(f.Bandwidth),
		string(f.Kernel),
		string(f.CovType),
		optional(f.EstimateBC),
		optional(f.StdErrRobust),
		strconv.Itoa(f.Clusters),
		kind,
		reason,
	)
}

func optional(v *float64) string {
	if v == nil {
		return ""
	}
	return num(*v)
}

var summaryHeader = []string{"field", "value"}

func summaryRows(r *report.Report) [][]string {
	return [][]string{
		{"run_id", r.RunID.String()},
		{"analysis", r.Analysis},
		{"design", string(r.Design)},
		{"source", r.Source},
		{"generated_at", r.GeneratedAt.Format(time.RFC3339)},
		{"observations", strconv.Itoa(r.Observations)},
		{"dropped", strconv.Itoa(r.Dropped)},
		{"sampled", strconv.Itoa(r.Sampled)},
		{"bins", strconv.Itoa(r.Summary.Bins)},
		{"groups", strconv.Itoa(r.Summary.Groups)},
		{"succeeded", strconv.Itoa(r.Summary.Succeeded)},
		{"failed", strconv.Itoa(r.Summary.Failed)},
		{"failed_groups", strings.Join(r.Summary.FailedGroups, ";")},
	}
}

// num formats a float at full precision.
func num(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
