package estimator

import (
	"context"
	"math"
	"sort"

	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/pkg/logger"
	"github.com/okian/econpipe/pkg/metrics"
)

// supportPad widens a bandwidth grown to an observation's distance so that
// observation gets a positive kernel weight.
const supportPad = 1.01

// weight evaluates the kernel at u = (x-c)/h.
func (k Kernel) weight(u float64) float64 {
	a := math.Abs(u)
	switch k {
	case KernelEpanechnikov:
		if a < 1 {
			return 0.75 * (1 - u*u)
		}
	case KernelUniform:
		if a <= 1 {
			return 0.5
		}
	default:
		if a < 1 {
			return 1 - a
		}
	}
	return 0
}

// fitLocalPoly estimates the jump at the cutoff with kernel-weighted
// polynomials of order p on each side, fitted jointly with a fully
// interacted design. The bias-corrected estimate refits with order p+1 at
// the same bandwidth; its standard error is the robust one.
func (r *Runner) fitLocalPoly(ctx context.Context, ds *model.Dataset, spec ModelSpec) (*FitResult, error) {
	const op = "fit.local_polynomial"
	if err := requireRunning(ds, op); err != nil {
		return nil, err
	}

	c, p, kern := spec.Cutoff, spec.order(), spec.kernel()
	left, right := sides(ds, c)
	if left < p+2 || right < p+2 {
		return nil, model.NewError(op, model.KindInsufficientData,
			"order %d needs %d observations on each side of the cutoff, have %d left and %d right", p, p+2, left, right)
	}

	x := make([]float64, ds.Len())
	y := make([]float64, ds.Len())
	for i := range ds.Rows {
		x[i] = ds.Rows[i].Running
		y[i] = ds.Rows[i].Outcome
	}

	h := spec.Bandwidth
	if h == 0 {
		var err error
		if h, err = selectBandwidth(x, y, c, p, kern); err != nil {
			return nil, err
		}
	}
	h = ensureSupport(x, c, h, p+2)

	if err := checkContext(ctx, op); err != nil {
		return nil, err
	}
	res, err := localFit(op, ds, spec, h, p)
	if err != nil {
		return nil, err
	}
	metrics.UpdateBandwidth(string(kern), h)

	if err := checkContext(ctx, op); err != nil {
		return nil, err
	}
	bc, err := localFit(op, ds, spec, h, p+1)
	if err != nil {
		// The conventional estimate stands on its own; only the
		// bias-corrected columns are left empty.
		r.logger.Debug(ctx, "bias-corrected fit unavailable",
			logger.Float64("bandwidth", h),
			logger.Int("order", p+1),
			logger.Error(err),
		)
	} else {
		res.EstimateBC = ptr(bc.Estimate)
		res.StdErrRobust = ptr(bc.StdErr)
	}
	return res, nil
}

// localFit runs one weighted fit of order p within bandwidth h.
func localFit(op string, ds *model.Dataset, spec ModelSpec, h float64, p int) (*FitResult, error) {
	c, kern := spec.Cutoff, spec.kernel()
	window := ds.Filter(func(o *model.Observation) bool {
		return kern.weight((o.Running-c)/h) > 0
	})
	left, right := sides(window, c)
	if left == 0 || right == 0 {
		return nil, model.NewError(op, model.KindInsufficientData, "bandwidth %g leaves %d left and %d right", h, left, right)
	}

	n := window.Len()
	y := make([]float64, n)
	w := make([]float64, n)
	dist := make([]float64, n)
	above := make([]float64, n)
	for i := range window.Rows {
		o := &window.Rows[i]
		y[i] = o.Outcome
		dist[i] = o.Running - c
		w[i] = kern.weight(dist[i]/h) / h
		if o.Running >= c {
			above[i] = 1
		}
	}

	running := ds.Schema.Running
	d := newDesign(n)
	d.constant()
	d.add("cutoff", above)
	for k := 1; k <= p; k++ {
		d.add(polyName(running, k), powers(dist, k))
	}
	for k := 1; k <= p; k++ {
		d.add("cutoff:"+polyName(running, k), product(above, powers(dist, k)))
	}
	if err := addCovariates(d, window, spec.Covariates); err != nil {
		return nil, err
	}

	fit, err := fitLS(op, d, y, w)
	if err != nil {
		return nil, err
	}

	ct := spec.covType()
	if ct == CovClassical {
		ct = CovHC1
	}
	var cl clustering
	if ct == CovCluster {
		if cl, err = clusterOf(window, spec.Cluster); err != nil {
			return nil, err
		}
	}
	v, err := fit.vcov(op, ct, cl, 0)
	if err != nil {
		return nil, err
	}
	inf, err := summarize(op, fit, v, reference{})
	if err != nil {
		return nil, err
	}

	res := &FitResult{
		Kind:         KindLocalPoly,
		N:            n,
		NLeft:        left,
		NRight:       right,
		Order:        p,
		Bandwidth:    h,
		Kernel:       kern,
		CovType:      ct,
		Clusters:     cl.g,
		Coefficients: inf.coefs,
	}
	inf.interval(res, d.index("cutoff"), spec.level())
	return res, nil
}

// ensureSupport grows h until at least m observations on each side of the
// cutoff fall strictly inside the window.
func ensureSupport(x []float64, c, h float64, m int) float64 {
	var left, right []float64
	for _, v := range x {
		if v < c {
			left = append(left, c-v)
		} else {
			right = append(right, v-c)
		}
	}
	for _, side := range [][]float64{left, right} {
		if len(side) < m {
			continue
		}
		sort.Float64s(side)
		if need := side[m-1]; need >= h {
			h = math.Max(need*supportPad, need+1e-12)
		}
	}
	return h
}
