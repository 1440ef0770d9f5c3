package model

import (
	"fmt"
	"strconv"
)

// Observation is one immutable row of a dataset. Covariate values are stored
// positionally, aligned with Schema.Numeric and Schema.Categorical.
type Observation struct {
	Outcome   float64
	Running   float64
	Treatment float64 // 0 or 1
	Unit      string
	Time      string
	Group     string
	Numeric   []float64
	Levels    []string
	Line      int // 1-based line (or row) in the source, header included
}

// Treated reports whether the treatment indicator is set.
func (o *Observation) Treated() bool { return o.Treatment >= 0.5 }

// TreatmentLabel is the label used to key bins and tables by treatment group.
func (o *Observation) TreatmentLabel() string {
	return strconv.FormatFloat(o.Treatment, 'g', -1, 64)
}

// Dataset is an ordered set of observations under one schema.
type Dataset struct {
	Schema  Schema
	Source  string
	Rows    []Observation
	Dropped int // rows skipped for missing values
}

// Len returns the number of observations.
func (d *Dataset) Len() int {
	if d == nil {
		return 0
	}
	return len(d.Rows)
}

// Filter returns a dataset holding the rows for which keep is true, in order.
// Rows are shared, not copied; observations are never mutated.
func (d *Dataset) Filter(keep func(*Observation) bool) *Dataset {
	out := &Dataset{Schema: d.Schema, Source: d.Source, Dropped: d.Dropped}
	for i := range d.Rows {
		if keep(&d.Rows[i]) {
			out.Rows = append(out.Rows, d.Rows[i])
		}
	}
	return out
}

// Subset returns the rows at the given indices, in the order given.
func (d *Dataset) Subset(idx []int) *Dataset {
	out := &Dataset{Schema: d.Schema, Source: d.Source, Dropped: d.Dropped, Rows: make([]Observation, 0, len(idx))}
	for _, i := range idx {
		out.Rows = append(out.Rows, d.Rows[i])
	}
	return out
}

// KeyFunc returns an accessor for a categorical column: the unit, time or
// group column, or a declared categorical covariate.
func (d *Dataset) KeyFunc(column string) (func(*Observation) string, error) {
	s := d.Schema
	switch {
	case column == "":
		return nil, fmt.Errorf("%w: empty column name", ErrUnknownColumn)
	case column == s.Group:
		return func(o *Observation) string { return o.Group }, nil
	case column == s.Unit:
		return func(o *Observation) string { return o.Unit }, nil
	case column == s.Time:
		return func(o *Observation) string { return o.Time }, nil
	case column == s.Treatment:
		return func(o *Observation) string { return o.TreatmentLabel() }, nil
	}
	if i := s.CategoricalIndex(column); i >= 0 {
		return func(o *Observation) string { return o.Levels[i] }, nil
	}
	return nil, fmt.Errorf("%w: %q is not a categorical column", ErrUnknownColumn, column)
}

// NumericFunc returns an accessor for a numeric column: outcome, running,
// treatment or a declared numeric covariate.
func (d *Dataset) NumericFunc(column string) (func(*Observation) float64, error) {
	s := d.Schema
	switch {
	case column == "":
		return nil, fmt.Errorf("%w: empty column name", ErrUnknownColumn)
	case column == s.Outcome:
		return func(o *Observation) float64 { return o.Outcome }, nil
	case column == s.Running:
		return func(o *Observation) float64 { return o.Running }, nil
	case column == s.Treatment:
		return func(o *Observation) float64 { return o.Treatment }, nil
	}
	if i := s.NumericIndex(column); i >= 0 {
		return func(o *Observation) float64 { return o.Numeric[i] }, nil
	}
	return nil, fmt.Errorf("%w: %q is not a numeric column", ErrUnknownColumn, column)
}

// Levels returns the distinct values of a categorical column in
// first-appearance order.
func (d *Dataset) Levels(column string) ([]string, error) {
	key, err := d.KeyFunc(column)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []string
	for i := range d.Rows {
		k := key(&d.Rows[i])
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out, nil
}
