package estimator

import (
	"context"
	"math"

	"gonum.org/v1/gonum/floats"

	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/pkg/metrics"
)

// absorbedTol is the relative norm below which a demeaned regressor is
// treated as collinear with the fixed effects.
const absorbedTol = 1e-8

// factor is a categorical variable coded as integers in [0, levels).
type factor struct {
	codes  []int
	counts []float64
}

func newFactor(keys []string) factor {
	cl := newClustering(keys)
	counts := make([]float64, cl.g)
	for _, id := range cl.ids {
		counts[id]++
	}
	return factor{codes: cl.ids, counts: counts}
}

func (f factor) levels() int { return len(f.counts) }

// sweep subtracts the factor means from v in place and returns the largest
// mean removed.
func (f factor) sweep(v, sums []float64) float64 {
	for i := range sums {
		sums[i] = 0
	}
	for i, x := range v {
		sums[f.codes[i]] += x
	}
	largest := 0.0
	for g := range sums {
		sums[g] /= f.counts[g]
		largest = math.Max(largest, math.Abs(sums[g]))
	}
	for i := range v {
		v[i] -= sums[f.codes[i]]
	}
	return largest
}

// demean applies the two-way within transformation by alternating
// projections on the unit and time factors. Balanced panels converge on the
// second sweep; unbalanced ones take more. It returns the sweeps used.
func (r *Runner) demean(ctx context.Context, v []float64, unit, period factor) (int, error) {
	const op = "fit.demean"
	su := make([]float64, unit.levels())
	st := make([]float64, period.levels())
	scale := 1.0
	for _, x := range v {
		scale = math.Max(scale, math.Abs(x))
	}
	for it := 1; it <= r.maxIter; it++ {
		if it%64 == 0 {
			if err := checkContext(ctx, op); err != nil {
				return it, err
			}
		}
		a := unit.sweep(v, su)
		b := period.sweep(v, st)
		if math.Max(a, b) <= r.tolerance*scale {
			return it, nil
		}
	}
	return r.maxIter, model.NewError(op, model.KindEstimation, "within transformation did not converge in %d sweeps", r.maxIter)
}

// fitFixedEffects regresses the two-way demeaned outcome on the demeaned
// treatment and covariates. Standard errors are clustered (on the unit by
// default) and inference uses G-1 degrees of freedom.
func (r *Runner) fitFixedEffects(ctx context.Context, ds *model.Dataset, spec ModelSpec) (*FitResult, error) {
	const op = "fit.fixed_effects"
	s := ds.Schema
	if s.Unit == "" || s.Time == "" {
		return nil, model.NewError(op, model.KindInvalidSpec, "fixed effects need unit and time columns")
	}

	n := ds.Len()
	units := make([]string, n)
	periods := make([]string, n)
	for i := range ds.Rows {
		units[i] = ds.Rows[i].Unit
		periods[i] = ds.Rows[i].Time
	}
	unit, period := newFactor(units), newFactor(periods)
	if unit.levels() < 2 || period.levels() < 2 {
		return nil, model.NewError(op, model.KindInsufficientData,
			"need at least 2 units and 2 periods, have %d units and %d periods", unit.levels(), period.levels())
	}

	d := newDesign(n)
	treat := make([]float64, n)
	y := make([]float64, n)
	for i := range ds.Rows {
		treat[i] = ds.Rows[i].Treatment
		y[i] = ds.Rows[i].Outcome
	}
	d.add(s.Treatment, treat)
	if err := addCovariates(d, ds, spec.Covariates); err != nil {
		return nil, err
	}

	iterations := 0
	if _, err := r.demean(ctx, y, unit, period); err != nil {
		return nil, err
	}
	for _, t := range d.terms {
		before := floats.Norm(t.values, 2)
		it, err := r.demean(ctx, t.values, unit, period)
		if err != nil {
			return nil, err
		}
		iterations = max(iterations, it)
		if floats.Norm(t.values, 2) <= absorbedTol*before {
			return nil, model.NewError(op, model.KindEstimation, "%q is absorbed by the fixed effects", t.name)
		}
	}
	metrics.RecordDemeanIterations(iterations)

	fit, err := fitLS(op, d, y, nil)
	if err != nil {
		return nil, err
	}

	ct := spec.covType()
	clusterCol := spec.Cluster
	if clusterCol == "" {
		clusterCol = s.Unit
	}
	var cl clustering
	// Unit effects are nested in unit clusters; time effects are not.
	absorbed := unit.levels() + period.levels() - 1
	ref := reference{}
	if ct == CovCluster {
		if cl, err = clusterOf(ds, clusterCol); err != nil {
			return nil, err
		}
		if clusterCol == s.Unit {
			absorbed = period.levels() - 1
		}
		ref.df = float64(cl.g - 1)
	} else {
		ref.df = float64(n - fit.k - absorbed)
	}
	v, err := fit.vcov(op, ct, cl, absorbed)
	if err != nil {
		return nil, err
	}
	inf, err := summarize(op, fit, v, ref)
	if err != nil {
		return nil, err
	}

	res := &FitResult{
		Kind:         KindFixedEffects,
		N:            n,
		CovType:      ct,
		Clusters:     cl.g,
		Iterations:   iterations,
		Coefficients: inf.coefs,
	}
	inf.interval(res, d.index(s.Treatment), spec.level())
	return res, nil
}

