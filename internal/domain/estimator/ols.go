package estimator

import (
	"context"
	"fmt"
	"math"

	"github.com/okian/econpipe/internal/domain/model"
)

// fitOLS estimates
//
//	y = a + tau*D + sum_k b_k (x-c)^k + sum_k g_k D (x-c)^k + controls
//
// for k = 1..Order, optionally restricted to |x-c| <= Bandwidth. The
// reported estimate is tau.
func (r *Runner) fitOLS(ctx context.Context, ds *model.Dataset, spec ModelSpec) (*FitResult, error) {
	const op = "fit.ols"
	if err := requireRunning(ds, op); err != nil {
		return nil, err
	}

	c := spec.Cutoff
	if h := spec.Bandwidth; h > 0 {
		ds = ds.Filter(func(o *model.Observation) bool { return math.Abs(o.Running-c) <= h })
	}
	left, right := sides(ds, c)
	if left == 0 || right == 0 {
		return nil, model.NewError(op, model.KindInsufficientData, "need observations on both sides of the cutoff, have %d left and %d right", left, right)
	}

	n := ds.Len()
	y := make([]float64, n)
	treat := make([]float64, n)
	dist := make([]float64, n)
	for i := range ds.Rows {
		o := &ds.Rows[i]
		y[i] = o.Outcome
		treat[i] = o.Treatment
		dist[i] = o.Running - c
	}

	running := ds.Schema.Running
	treatment := ds.Schema.Treatment
	d := newDesign(n)
	d.constant()
	d.add(treatment, treat)
	for k := 1; k <= spec.order(); k++ {
		d.add(polyName(running, k), powers(dist, k))
	}
	for k := 1; k <= spec.order(); k++ {
		d.add(fmt.Sprintf("%s:%s", treatment, polyName(running, k)), product(treat, powers(dist, k)))
	}
	if err := addCovariates(d, ds, spec.Covariates); err != nil {
		return nil, err
	}

	if err := checkContext(ctx, op); err != nil {
		return nil, err
	}
	fit, err := fitLS(op, d, y, nil)
	if err != nil {
		return nil, err
	}

	ct := spec.covType()
	var cl clustering
	ref := reference{df: float64(fit.n - fit.k)}
	if ct == CovCluster {
		if cl, err = clusterOf(ds, spec.Cluster); err != nil {
			return nil, err
		}
		ref.df = float64(cl.g - 1)
	}
	v, err := fit.vcov(op, ct, cl, 0)
	if err != nil {
		return nil, err
	}
	inf, err := summarize(op, fit, v, ref)
	if err != nil {
		return nil, err
	}

	res := &FitResult{
		Kind:         KindOLS,
		N:            n,
		NLeft:        left,
		NRight:       right,
		Order:        spec.order(),
		Bandwidth:    spec.Bandwidth,
		CovType:      ct,
		Clusters:     cl.g,
		Coefficients: inf.coefs,
	}
	inf.interval(res, d.index(treatment), spec.level())
	return res, nil
}

func polyName(running string, k int) string {
	if k == 1 {
		return running
	}
	return fmt.Sprintf("%s^%d", running, k)
}
