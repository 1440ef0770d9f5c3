package estimator

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/okian/econpipe/internal/domain/model"
)

// rankTol is the relative singular-value threshold below which a column of
// the (column-normalised) design counts as collinear.
const rankTol = 1e-10

// term is one named column of a design matrix.
type term struct {
	name   string
	values []float64
}

// design accumulates regressors column by column.
type design struct {
	n     int
	terms []term
}

func newDesign(n int) *design { return &design{n: n} }

func (d *design) add(name string, values []float64) {
	d.terms = append(d.terms, term{name: name, values: values})
}

func (d *design) constant() {
	ones := make([]float64, d.n)
	for i := range ones {
		ones[i] = 1
	}
	d.add("const", ones)
}

func (d *design) index(name string) int {
	for j, t := range d.terms {
		if t.name == name {
			return j
		}
	}
	return -1
}

func (d *design) matrix() (*mat.Dense, []string) {
	k := len(d.terms)
	x := mat.NewDense(d.n, k, nil)
	names := make([]string, k)
	for j, t := range d.terms {
		names[j] = t.name
		x.SetCol(j, t.values)
	}
	return x, names
}

// lsFit is a (weighted) least-squares fit of y on x.
type lsFit struct {
	names []string
	x     *mat.Dense
	w     []float64 // nil for unit weights
	beta  []float64
	resid []float64
	bread *mat.SymDense // (X'WX)^-1
	n, k  int
}

// fitLS solves the weighted normal equations by Cholesky. Rank is checked on
// the column-normalised weighted design first, so collinear or constant
// regressors fail as estimation errors rather than producing garbage.
func fitLS(op string, d *design, y, w []float64) (*lsFit, error) {
	x, names := d.matrix()
	n, k := x.Dims()
	if n <= k {
		return nil, model.NewError(op, model.KindInsufficientData, "%d observations for %d regressors", n, k)
	}

	xs := mat.NewDense(n, k, nil)
	ys := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		s := 1.0
		if w != nil {
			s = math.Sqrt(w[i])
		}
		for j := 0; j < k; j++ {
			xs.Set(i, j, s*x.At(i, j))
		}
		ys.SetVec(i, s*y[i])
	}

	if err := checkRank(op, xs, names); err != nil {
		return nil, err
	}

	var xtx mat.SymDense
	xtx.SymOuterK(1, xs.T())
	var chol mat.Cholesky
	if ok := chol.Factorize(&xtx); !ok {
		return nil, model.NewError(op, model.KindEstimation, "normal equations are not positive definite")
	}

	var xty mat.VecDense
	xty.MulVec(xs.T(), ys)
	var b mat.VecDense
	if err := chol.SolveVecTo(&b, &xty); err != nil && !isCondition(err) {
		return nil, model.NewError(op, model.KindEstimation, "solve: %v", err)
	}
	var bread mat.SymDense
	if err := chol.InverseTo(&bread); err != nil && !isCondition(err) {
		return nil, model.NewError(op, model.KindEstimation, "invert: %v", err)
	}

	f := &lsFit{names: names, x: x, w: w, bread: &bread, n: n, k: k}
	f.beta = make([]float64, k)
	for j := range f.beta {
		f.beta[j] = b.AtVec(j)
	}
	f.resid = make([]float64, n)
	row := make([]float64, k)
	for i := 0; i < n; i++ {
		mat.Row(row, i, x)
		f.resid[i] = y[i] - floats.Dot(row, f.beta)
	}
	return f, nil
}

func checkRank(op string, xs *mat.Dense, names []string) error {
	n, k := xs.Dims()
	scaled := mat.NewDense(n, k, nil)
	col := make([]float64, n)
	for j := 0; j < k; j++ {
		mat.Col(col, j, xs)
		norm := floats.Norm(col, 2)
		if norm == 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
			return model.NewError(op, model.KindEstimation, "regressor %q has no variation", names[j])
		}
		floats.Scale(1/norm, col)
		scaled.SetCol(j, col)
	}
	var svd mat.SVD
	if ok := svd.Factorize(scaled, mat.SVDNone); !ok {
		return model.NewError(op, model.KindEstimation, "singular value decomposition failed")
	}
	if r := svd.Rank(rankTol); r < k {
		return model.NewError(op, model.KindEstimation, "design matrix is rank deficient (rank %d of %d)", r, k)
	}
	return nil
}

func isCondition(err error) bool {
	var c mat.Condition
	return errors.As(err, &c)
}

// clustering assigns every observation to a cluster in [0, G).
type clustering struct {
	ids []int
	g   int
}

func newClustering(keys []string) clustering {
	pos := make(map[string]int)
	ids := make([]int, len(keys))
	for i, k := range keys {
		id, ok := pos[k]
		if !ok {
			id = len(pos)
			pos[k] = id
		}
		ids[i] = id
	}
	return clustering{ids: ids, g: len(pos)}
}

// vcov returns the coefficient covariance matrix. absorbed counts parameters
// partialled out before the fit (fixed effects not nested in the clusters).
func (f *lsFit) vcov(op string, ct CovType, cl clustering, absorbed int) (*mat.Dense, error) {
	dof := f.n - f.k - absorbed
	if dof <= 0 {
		return nil, model.NewError(op, model.KindInsufficientData, "no residual degrees of freedom (n=%d, k=%d)", f.n, f.k+absorbed)
	}

	weight := func(i int) float64 {
		if f.w == nil {
			return 1
		}
		return f.w[i]
	}

	var v mat.Dense
	switch ct {
	case CovClassical:
		var ssr float64
		for i, e := range f.resid {
			ssr += weight(i) * e * e
		}
		v.Scale(ssr/float64(dof), f.bread)
		return &v, nil

	case CovHC1:
		meat := mat.NewSymDense(f.k, nil)
		row := make([]float64, f.k)
		for i, e := range f.resid {
			mat.Row(row, i, f.x)
			floats.Scale(weight(i)*e, row)
			meat.SymRankOne(meat, 1, mat.NewVecDense(f.k, row))
		}
		sandwich(&v, f.bread, meat)
		v.Scale(float64(f.n)/float64(dof), &v)
		return &v, nil

	case CovCluster:
		if cl.g < 2 {
			return nil, model.NewError(op, model.KindInsufficientData, "cluster-robust covariance needs at least 2 clusters, have %d", cl.g)
		}
		scores := make([][]float64, cl.g)
		row := make([]float64, f.k)
		for i, e := range f.resid {
			mat.Row(row, i, f.x)
			s := scores[cl.ids[i]]
			if s == nil {
				s = make([]float64, f.k)
				scores[cl.ids[i]] = s
			}
			floats.AddScaled(s, weight(i)*e, row)
		}
		meat := mat.NewSymDense(f.k, nil)
		for _, s := range scores {
			if s != nil {
				meat.SymRankOne(meat, 1, mat.NewVecDense(f.k, s))
			}
		}
		sandwich(&v, f.bread, meat)
		g := float64(cl.g)
		n := float64(f.n)
		v.Scale(g/(g-1)*(n-1)/float64(dof), &v)
		return &v, nil
	}
	return nil, model.NewError(op, model.KindInvalidSpec, "unknown covariance type %q", ct)
}

func sandwich(dst *mat.Dense, bread, meat mat.Matrix) {
	var tmp mat.Dense
	tmp.Mul(bread, meat)
	dst.Mul(&tmp, bread)
}

// reference is the sampling distribution of the t statistic: Student's t
// with df degrees of freedom, or the standard normal when df is zero.
type reference struct {
	df float64
}

func (r reference) cdf(x float64) float64 {
	if r.df > 0 {
		return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: r.df}.CDF(x)
	}
	return distuv.UnitNormal.CDF(x)
}

func (r reference) quantile(p float64) float64 {
	if r.df > 0 {
		return distuv.StudentsT{Mu: 0, Sigma: 1, Nu: r.df}.Quantile(p)
	}
	return distuv.UnitNormal.Quantile(p)
}

// inference holds the per-coefficient summary of a fit.
type inference struct {
	coefs []Coefficient
	se    []float64
	ref   reference
}

// summarize derives standard errors and p-values. A standard error that is
// exactly zero or not finite is an estimation failure: it is never reported.
func summarize(op string, f *lsFit, v *mat.Dense, ref reference) (*inference, error) {
	out := &inference{ref: ref, se: make([]float64, f.k), coefs: make([]Coefficient, f.k)}
	for j := 0; j < f.k; j++ {
		se := math.Sqrt(v.At(j, j))
		if se == 0 || math.IsNaN(se) || math.IsInf(se, 0) {
			return nil, model.NewError(op, model.KindEstimation, "degenerate standard error for %q", f.names[j])
		}
		out.se[j] = se
		t := f.beta[j] / se
		out.coefs[j] = Coefficient{
			Name:     f.names[j],
			Estimate: f.beta[j],
			StdErr:   se,
			PValue:   2 * (1 - ref.cdf(math.Abs(t))),
		}
	}
	return out, nil
}

// interval fills the estimate, standard error, p-value and confidence bounds
// of res from coefficient j.
func (in *inference) interval(res *FitResult, j int, level float64) {
	c := in.coefs[j]
	q := in.ref.quantile(1 - (1-level)/2)
	res.Estimate = c.Estimate
	res.StdErr = c.StdErr
	res.PValue = c.PValue
	res.Lower = c.Estimate - q*c.StdErr
	res.Upper = c.Estimate + q*c.StdErr
	res.Level = level
}
