package export

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/okian/econpipe/internal/domain/report"
)

// JSONWriter writes the whole report as <analysis>.json.
type JSONWriter struct {
	Indent bool
}

// Format implements Writer.
func (JSONWriter) Format() string { return FormatJSON }

// Write implements Writer.
func (w JSONWriter) Write(ctx context.Context, r *report.Report, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var (
		data []byte
		err  error
	)
	if w.Indent {
		data, err = json.MarshalIndent(r, "", "  ")
	} else {
		data, err = json.Marshal(r)
	}
	if err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	p := path(dir, r, ".json")
	if err := os.WriteFile(p, append(data, '\n'), 0o644); err != nil {
		return nil, err
	}
	return []string{p}, nil
}
