package estimator

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/okian/econpipe/internal/domain/model"
)

// Kernel constants of the regularised MSE-optimal bandwidth (Imbens and
// Kalyanaraman), derived for the local-linear case.
var bandwidthConstant = map[Kernel]float64{ //nolint:gochecknoglobals // lookup table
	KernelTriangular:   3.4375,
	KernelEpanechnikov: 3.1999,
	KernelUniform:      2.7016,
}

// selectBandwidth chooses h for an order-p local polynomial by a plug-in rule:
//
//	h = C_K * [ (s2l + s2r) / (f * (mr - ml)^2 + rl + rr) ]^(1/(2p+3)) * n^(-1/(2p+3))
//
// where f is the density of x at the cutoff, s2 the conditional variances, m
// the (p+1)-th derivatives of the regression function on each side and r the
// sampling variances of those derivative estimates. The r terms keep h finite
// when the estimated curvature difference is close to zero.
func selectBandwidth(x, y []float64, c float64, p int, kern Kernel) (float64, error) {
	const op = "fit.bandwidth"
	n := float64(len(x))

	maxDist := 0.0
	for _, v := range x {
		maxDist = math.Max(maxDist, math.Abs(v-c))
	}

	// Step 1: density and conditional variances with a Silverman pilot.
	sx := stat.StdDev(x, nil)
	if sx == 0 || math.IsNaN(sx) {
		return 0, model.NewError(op, model.KindEstimation, "running variable has no variation")
	}
	h1 := ensureSupport(x, c, 1.84*sx*math.Pow(n, -0.2), 2)
	var yl, yr []float64
	for i, v := range x {
		switch {
		case v < c && c-v < h1:
			yl = append(yl, y[i])
		case v >= c && v-c < h1:
			yr = append(yr, y[i])
		}
	}
	if len(yl) < 2 || len(yr) < 2 {
		return 0, model.NewError(op, model.KindInsufficientData, "pilot window holds %d left and %d right observations", len(yl), len(yr))
	}
	density := float64(len(yl)+len(yr)) / (2 * n * h1)
	s2l := stat.Variance(yl, nil)
	s2r := stat.Variance(yr, nil)

	// Step 2: a global polynomial of order p+2 with a jump gives the
	// (p+2)-th derivative used to size the derivative pilots.
	global, err := polyFit(op, x, y, c, p+2, true, nil)
	if err != nil {
		return 0, err
	}
	mHigh := factorial(p+2) * global.beta[len(global.beta)-1]

	var (
		xl, xr []float64
		vl, vr []float64
	)
	for i, v := range x {
		if v < c {
			xl, vl = append(xl, v), append(vl, y[i])
		} else {
			xr, vr = append(xr, v), append(vr, y[i])
		}
	}

	// Step 3: order p+1 fits on each side inside their pilot windows give
	// the derivative estimates and their variances.
	exp := 1 / float64(2*p+5)
	derivative := func(xs, ys []float64, s2 float64) (float64, float64, error) {
		h2 := 3.56 * math.Pow(s2/(density*mHigh*mHigh), exp) * math.Pow(float64(len(xs)), -exp)
		if math.IsNaN(h2) || math.IsInf(h2, 0) || h2 > maxDist {
			h2 = maxDist
		}
		h2 = ensureSupport(xs, c, h2, p+3)
		var wx, wy []float64
		for i, v := range xs {
			if math.Abs(v-c) < h2 {
				wx, wy = append(wx, v), append(wy, ys[i])
			}
		}
		if len(wx) < p+3 {
			wx, wy = xs, ys
		}
		f, err := polyFit(op, wx, wy, c, p+1, false, nil)
		if err != nil {
			return 0, 0, err
		}
		j := p + 1
		scale := factorial(p + 1)
		m := scale * f.beta[j]
		r := scale * scale * s2 * f.bread.At(j, j)
		return m, r, nil
	}
	ml, rl, err := derivative(xl, vl, s2l)
	if err != nil {
		return 0, err
	}
	mr, rr, err := derivative(xr, vr, s2r)
	if err != nil {
		return 0, err
	}

	// Step 4: the plug-in bandwidth.
	ck, ok := bandwidthConstant[kern]
	if !ok {
		ck = bandwidthConstant[KernelTriangular]
	}
	e := 1 / float64(2*p+3)
	diff := mr - ml
	h := ck * math.Pow((s2l+s2r)/(density*diff*diff+rl+rr), e) * math.Pow(n, -e)
	if math.IsNaN(h) || math.IsInf(h, 0) || h <= 0 || h > maxDist {
		h = maxDist
	}
	return h, nil
}

// polyFit regresses y on powers of (x-c) up to order, with an intercept and,
// when jump is set, a shift at the cutoff.
func polyFit(op string, x, y []float64, c float64, order int, jump bool, w []float64) (*lsFit, error) {
	dist := make([]float64, len(x))
	copy(dist, x)
	floats.AddConst(-c, dist)
	d := newDesign(len(x))
	d.constant()
	if jump {
		above := make([]float64, len(x))
		for i, v := range x {
			if v >= c {
				above[i] = 1
			}
		}
		d.add("cutoff", above)
	}
	for k := 1; k <= order; k++ {
		d.add("x", powers(dist, k))
	}
	return fitLS(op, d, y, w)
}

func factorial(k int) float64 {
	f := 1.0
	for i := 2; i <= k; i++ {
		f *= float64(i)
	}
	return f
}
