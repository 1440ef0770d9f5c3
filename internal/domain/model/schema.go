// Package model contains the data model passed between pipeline stages.
package model

import (
	"fmt"
	"strings"
)

// Role is the part a declared column plays in an analysis.
type Role string

// Column roles.
const (
	RoleOutcome     Role = "outcome"
	RoleRunning     Role = "running"
	RoleTreatment   Role = "treatment"
	RoleUnit        Role = "unit"
	RoleTime        Role = "time"
	RoleGroup       Role = "group"
	RoleNumeric     Role = "numeric"
	RoleCategorical Role = "categorical"
)

// ValueType is the semantic type a column is parsed into.
type ValueType string

// Value types.
const (
	TypeNumeric     ValueType = "numeric"
	TypeBinary      ValueType = "binary"
	TypeCategorical ValueType = "categorical"
)

// Column is one declared column with its role and semantic type.
type Column struct {
	Name string
	Role Role
	Type ValueType
}

// Schema maps column roles to source column names. Roles left empty are not
// part of the analysis; which ones are required depends on the estimator.
type Schema struct {
	Outcome   string
	Running   string
	Treatment string
	Unit      string
	Time      string
	Group     string

	// Covariates, in the order they are stored on each Observation.
	Numeric     []string
	Categorical []string
}

// Columns lists every declared column in a stable order.
func (s Schema) Columns() []Column {
	cols := make([]Column, 0, 6+len(s.Numeric)+len(s.Categorical))
	add := func(name string, role Role, typ ValueType) {
		if name != "" {
			cols = append(cols, Column{Name: name, Role: role, Type: typ})
		}
	}
	add(s.Outcome, RoleOutcome, TypeNumeric)
	add(s.Running, RoleRunning, TypeNumeric)
	add(s.Treatment, RoleTreatment, TypeBinary)
	add(s.Unit, RoleUnit, TypeCategorical)
	add(s.Time, RoleTime, TypeCategorical)
	add(s.Group, RoleGroup, TypeCategorical)
	for _, n := range s.Numeric {
		add(n, RoleNumeric, TypeNumeric)
	}
	for _, n := range s.Categorical {
		add(n, RoleCategorical, TypeCategorical)
	}
	return cols
}

// Validate rejects schemas without an outcome or treatment, blank covariate
// names, and columns declared under two roles.
func (s Schema) Validate() error {
	if strings.TrimSpace(s.Outcome) == "" {
		return NewError("schema.validate", KindInvalidSpec, "outcome column is required")
	}
	if strings.TrimSpace(s.Treatment) == "" {
		return NewError("schema.validate", KindInvalidSpec, "treatment column is required")
	}
	for _, n := range append(append([]string{}, s.Numeric...), s.Categorical...) {
		if strings.TrimSpace(n) == "" {
			return NewError("schema.validate", KindInvalidSpec, "covariate names must not be blank")
		}
	}
	seen := make(map[string]Role)
	for _, c := range s.Columns() {
		if prev, ok := seen[c.Name]; ok {
			return NewError("schema.validate", KindInvalidSpec, "column %q declared as both %s and %s", c.Name, prev, c.Role)
		}
		seen[c.Name] = c.Role
	}
	return nil
}

// NumericIndex returns the position of a numeric covariate, or -1.
func (s Schema) NumericIndex(name string) int {
	return indexOf(s.Numeric, name)
}

// CategoricalIndex returns the position of a categorical covariate, or -1.
func (s Schema) CategoricalIndex(name string) int {
	return indexOf(s.Categorical, name)
}

// RoleOf returns the role of a declared column.
func (s Schema) RoleOf(name string) (Role, error) {
	for _, c := range s.Columns() {
		if c.Name == name {
			return c.Role, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownColumn, name)
}

func indexOf(xs []string, name string) int {
	for i, x := range xs {
		if x == name {
			return i
		}
	}
	return -1
}
