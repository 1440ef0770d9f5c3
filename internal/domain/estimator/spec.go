// Package estimator fits the three supported treatment-effect models: OLS
// with a treatment by running-variable interaction, local-polynomial
// regression discontinuity, and two-way fixed effects.
package estimator

import (
	"math"

	"github.com/okian/econpipe/internal/domain/model"
)

// Kind selects the estimator.
type Kind string

// Estimators.
const (
	KindOLS          Kind = "ols_interaction"
	KindLocalPoly    Kind = "local_polynomial"
	KindFixedEffects Kind = "fixed_effects"
)

// Kernel weights observations by their distance to the cutoff.
type Kernel string

// Kernels.
const (
	KernelTriangular   Kernel = "triangular"
	KernelEpanechnikov Kernel = "epanechnikov"
	KernelUniform      Kernel = "uniform"
)

// CovType selects the variance estimator.
type CovType string

// Variance estimators.
const (
	CovClassical CovType = "classical"
	CovHC1       CovType = "hc1"
	CovCluster   CovType = "cluster"
)

// MaxOrder is the highest polynomial order accepted.
const MaxOrder = 4

// DefaultLevel is the confidence level used when none is set.
const DefaultLevel = 0.95

// ModelSpec describes one fit. Order has no default: discontinuity designs
// must state it, and nil is distinct from an explicit 0 (local constant).
// Fixed-effects fits ignore it.
type ModelSpec struct {
	Kind       Kind     `json:"kind"`
	Cutoff     float64  `json:"cutoff"`
	Order      *int     `json:"order,omitempty"`
	Kernel     Kernel   `json:"kernel,omitempty"`
	Bandwidth  float64  `json:"bandwidth,omitempty"` // 0 selects it from the data (local polynomial) or disables the window (OLS)
	Covariates []string `json:"covariates,omitempty"`
	CovType    CovType  `json:"cov_type,omitempty"`
	Cluster    string   `json:"cluster,omitempty"`
	Level      float64  `json:"level,omitempty"`
}

// Validate checks the spec without looking at data.
func (s ModelSpec) Validate() error {
	switch s.Kind {
	case KindOLS, KindLocalPoly, KindFixedEffects:
	default:
		return model.NewError("spec.validate", model.KindInvalidSpec, "unknown estimator %q", s.Kind)
	}
	switch {
	case s.Order == nil && s.Kind != KindFixedEffects:
		return model.NewError("spec.validate", model.KindInvalidSpec, "%s needs an explicit polynomial order", s.Kind)
	case s.Order != nil && (*s.Order < 0 || *s.Order > MaxOrder):
		return model.NewError("spec.validate", model.KindInvalidSpec, "order must be between 0 and %d, got %d", MaxOrder, *s.Order)
	}
	if math.IsNaN(s.Cutoff) || math.IsInf(s.Cutoff, 0) {
		return model.NewError("spec.validate", model.KindInvalidSpec, "cutoff must be finite")
	}
	if math.IsNaN(s.Bandwidth) || math.IsInf(s.Bandwidth, 0) || s.Bandwidth < 0 {
		return model.NewError("spec.validate", model.KindInvalidSpec, "bandwidth must be finite and non-negative, got %g", s.Bandwidth)
	}
	switch s.Kernel {
	case "", KernelTriangular, KernelEpanechnikov, KernelUniform:
	default:
		return model.NewError("spec.validate", model.KindInvalidSpec, "unknown kernel %q", s.Kernel)
	}
	switch s.CovType {
	case "", CovClassical, CovHC1:
	case CovCluster:
		if s.Cluster == "" && s.Kind != KindFixedEffects {
			return model.NewError("spec.validate", model.KindInvalidSpec, "cluster covariance needs a cluster column")
		}
	default:
		return model.NewError("spec.validate", model.KindInvalidSpec, "unknown covariance type %q", s.CovType)
	}
	if s.Level != 0 && (s.Level <= 0 || s.Level >= 1) {
		return model.NewError("spec.validate", model.KindInvalidSpec, "confidence level must be in (0, 1), got %g", s.Level)
	}
	return nil
}

// Order returns a pointer to p for ModelSpec.Order.
func Order(p int) *int { return &p }

func (s ModelSpec) order() int {
	if s.Order == nil {
		return 0
	}
	return *s.Order
}

func (s ModelSpec) kernel() Kernel {
	if s.Kernel == "" {
		return KernelTriangular
	}
	return s.Kernel
}

func (s ModelSpec) level() float64 {
	if s.Level == 0 {
		return DefaultLevel
	}
	return s.Level
}

func (s ModelSpec) covType() CovType {
	switch {
	case s.CovType != "":
		return s.CovType
	case s.Kind == KindFixedEffects:
		return CovCluster
	default:
		return CovHC1
	}
}

// Coefficient is one estimated regression coefficient.
type Coefficient struct {
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`
	StdErr   float64 `json:"std_err"`
	PValue   float64 `json:"p_value"`
}

// FitResult is the outcome of a single successful fit. StdErr is never zero.
type FitResult struct {
	Kind      Kind    `json:"kind"`
	Group     string  `json:"group,omitempty"`
	Estimate  float64 `json:"estimate"`
	StdErr    float64 `json:"std_err"`
	Lower     float64 `json:"ci_lower"`
	Upper     float64 `json:"ci_upper"`
	PValue    float64 `json:"p_value"`
	Level     float64 `json:"level"`
	N         int     `json:"n"`
	NLeft     int     `json:"n_left,omitempty"`
	NRight    int     `json:"n_right,omitempty"`
	Order     int     `json:"order"`
	Bandwidth float64 `json:"bandwidth,omitempty"`
	Kernel    Kernel  `json:"kernel,omitempty"`
	CovType   CovType `json:"cov_type"`

	// Robust bias-corrected estimate (local polynomial only).
	EstimateBC   *float64 `json:"estimate_bc,omitempty"`
	StdErrRobust *float64 `json:"std_err_robust,omitempty"`

	Clusters     int           `json:"clusters,omitempty"`
	Iterations   int           `json:"iterations,omitempty"` // demeaning sweeps (fixed effects only)
	Coefficients []Coefficient `json:"coefficients,omitempty"`
}
