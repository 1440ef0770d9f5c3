package estimator_test

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"os"
	"testing"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/econpipe/internal/domain/estimator"
	"github.com/okian/econpipe/internal/domain/model"
	"github.com/okian/econpipe/pkg/logger"
)

func TestMain(m *testing.M) {
	if err := logger.Init(); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

// rdd draws a sharp discontinuity design with a jump of tau at zero.
func rdd(seed uint64, n int, tau float64, curve func(float64) float64, noise float64) *model.Dataset {
	r := rand.New(rand.NewPCG(seed, seed+1))
	ds := &model.Dataset{Schema: model.Schema{
		Outcome: "y", Running: "dist", Treatment: "treat", Group: "country",
		Categorical: []string{"biome"}, Numeric: []string{"slope"},
	}}
	countries := []string{"PE", "BR", "CO", "EC"}
	biomes := []string{"amazon", "andes", "cerrado"}
	for i := 0; i < n; i++ {
		x := r.Float64()*10 - 5
		d := 0.0
		if x >= 0 {
			d = 1
		}
		ds.Rows = append(ds.Rows, model.Observation{
			Outcome:   1 + tau*d + curve(x) + noise*r.NormFloat64(),
			Running:   x,
			Treatment: d,
			Group:     countries[i%len(countries)],
			Numeric:   []float64{r.Float64()},
			Levels:    []string{biomes[r.IntN(len(biomes))]},
			Line:      i + 2,
		})
	}
	return ds
}

// panel draws a balanced panel where half the units are treated from the
// fourth period on.
func panel(seed uint64, units, periods int, tau float64) *model.Dataset {
	r := rand.New(rand.NewPCG(seed, seed+1))
	ds := &model.Dataset{Schema: model.Schema{
		Outcome: "y", Treatment: "post", Unit: "id", Time: "year",
		Numeric: []string{"x1", "region_size"},
	}}
	for u := 0; u < units; u++ {
		alpha := r.NormFloat64() * 3
		size := r.Float64() * 10
		for t := 0; t < periods; t++ {
			d := 0.0
			if u%2 == 0 && t >= 3 {
				d = 1
			}
			x1 := r.NormFloat64()
			ds.Rows = append(ds.Rows, model.Observation{
				Outcome:   alpha + 0.5*float64(t) + tau*d + 0.7*x1 + r.NormFloat64(),
				Treatment: d,
				Unit:      fmt.Sprintf("u%03d", u),
				Time:      fmt.Sprintf("%d", 2000+t),
				Numeric:   []float64{x1, size},
			})
		}
	}
	return ds
}

func linear(x float64) float64 { return 0.5 * x }

func TestOLSInteraction(t *testing.T) {
	Convey("Given a simulated discontinuity with a jump of 2", t, func() {
		ds := rdd(1, 2000, 2, linear, 0.5)
		runner := estimator.NewRunner()
		spec := estimator.ModelSpec{Kind: estimator.KindOLS, Order: estimator.Order(1), Covariates: []string{"biome", "slope"}}

		Convey("When fitting the interacted OLS model", func() {
			res, err := runner.Fit(context.Background(), ds, spec)

			Convey("Then the effect is recovered with a positive standard error", func() {
				So(err, ShouldBeNil)
				So(res.Kind, ShouldEqual, estimator.KindOLS)
				So(math.Abs(res.Estimate-2), ShouldBeLessThan, 0.25)
				So(res.StdErr, ShouldBeGreaterThan, 0)
				So(res.Lower, ShouldBeLessThan, res.Estimate)
				So(res.Upper, ShouldBeGreaterThan, res.Estimate)
				So(res.N, ShouldEqual, 2000)
				So(res.NLeft+res.NRight, ShouldEqual, 2000)
				So(res.CovType, ShouldEqual, estimator.CovHC1)
				// const, treat, dist, treat:dist, biome (2 dummies), slope
				So(len(res.Coefficients), ShouldEqual, 7)
			})

			Convey("Then refitting gives identical numbers", func() {
				again, err := runner.Fit(context.Background(), ds, spec)
				So(err, ShouldBeNil)
				So(again.Estimate, ShouldEqual, res.Estimate)
				So(again.StdErr, ShouldEqual, res.StdErr)
			})
		})

		Convey("When clustering on the country column", func() {
			spec.CovType = estimator.CovCluster
			spec.Cluster = "country"
			res, err := runner.Fit(context.Background(), ds, spec)

			Convey("Then the clusters are counted", func() {
				So(err, ShouldBeNil)
				So(res.Clusters, ShouldEqual, 4)
				So(res.StdErr, ShouldBeGreaterThan, 0)
			})
		})

		Convey("When a window excludes one side", func() {
			left := ds.Filter(func(o *model.Observation) bool { return o.Running < 0 })
			_, err := runner.Fit(context.Background(), left, spec)

			Convey("Then the fit reports insufficient data", func() {
				So(errors.Is(err, model.ErrInsufficientData), ShouldBeTrue)
			})
		})

		Convey("When a covariate is not declared", func() {
			spec.Covariates = []string{"elevation"}
			_, err := runner.Fit(context.Background(), ds, spec)

			Convey("Then the spec is rejected", func() {
				So(errors.Is(err, model.ErrInvalidSpec), ShouldBeTrue)
				So(errors.Is(err, model.ErrUnknownColumn), ShouldBeTrue)
			})
		})
	})
}

func TestLocalPolynomial(t *testing.T) {
	Convey("Given a simulated discontinuity with a jump of 3", t, func() {
		curve := func(x float64) float64 { return 0.8*x - 0.05*x*x }
		ds := rdd(2, 4000, 3, curve, 1)
		runner := estimator.NewRunner()
		spec := estimator.ModelSpec{Kind: estimator.KindLocalPoly, Order: estimator.Order(1), Kernel: estimator.KernelTriangular}

		Convey("When the bandwidth is selected from the data", func() {
			res, err := runner.Fit(context.Background(), ds, spec)

			Convey("Then the jump is recovered inside the selected window", func() {
				So(err, ShouldBeNil)
				So(math.Abs(res.Estimate-3), ShouldBeLessThan, 0.75)
				So(res.StdErr, ShouldBeGreaterThan, 0)
				So(res.Bandwidth, ShouldBeGreaterThan, 0)
				So(res.Bandwidth, ShouldBeLessThanOrEqualTo, 5)
				So(res.NLeft, ShouldBeGreaterThanOrEqualTo, 3)
				So(res.NRight, ShouldBeGreaterThanOrEqualTo, 3)
				So(res.Kernel, ShouldEqual, estimator.KernelTriangular)
			})

			Convey("Then the bias-corrected estimate is reported with a robust error", func() {
				So(res.EstimateBC, ShouldNotBeNil)
				So(res.StdErrRobust, ShouldNotBeNil)
				So(*res.StdErrRobust, ShouldBeGreaterThan, 0)
				So(math.Abs(*res.EstimateBC-3), ShouldBeLessThan, 1.0)
			})

			Convey("Then refitting gives identical numbers", func() {
				again, err := runner.Fit(context.Background(), ds, spec)
				So(err, ShouldBeNil)
				So(again.Estimate, ShouldEqual, res.Estimate)
				So(again.StdErr, ShouldEqual, res.StdErr)
				So(again.Bandwidth, ShouldEqual, res.Bandwidth)
			})
		})

		Convey("When a fixed bandwidth is given", func() {
			spec.Bandwidth = 2
			spec.Kernel = estimator.KernelUniform
			res, err := runner.Fit(context.Background(), ds, spec)

			Convey("Then only observations within it are used", func() {
				So(err, ShouldBeNil)
				So(res.Bandwidth, ShouldEqual, 2.0)
				inside := ds.Filter(func(o *model.Observation) bool { return math.Abs(o.Running) <= 2 })
				So(res.N, ShouldEqual, inside.Len())
			})
		})

		Convey("When the fixed bandwidth is too narrow", func() {
			spec.Bandwidth = 1e-6
			res, err := runner.Fit(context.Background(), ds, spec)

			Convey("Then it grows until each side has enough observations", func() {
				So(err, ShouldBeNil)
				So(res.Bandwidth, ShouldBeGreaterThan, 1e-6)
				So(res.NLeft, ShouldBeGreaterThanOrEqualTo, 3)
				So(res.NRight, ShouldBeGreaterThanOrEqualTo, 3)
			})
		})

		Convey("When one side has a single observation", func() {
			right := ds.Filter(func(o *model.Observation) bool { return o.Running >= 0 })
			right.Rows = append(right.Rows, model.Observation{Outcome: 1, Running: -1, Treatment: 0, Group: "PE", Numeric: []float64{0}, Levels: []string{"amazon"}})
			_, err := runner.Fit(context.Background(), right, spec)

			Convey("Then the fit reports insufficient data", func() {
				So(errors.Is(err, model.ErrInsufficientData), ShouldBeTrue)
				So(model.KindOf(err), ShouldEqual, model.KindInsufficientData)
			})
		})
	})
}

func TestFixedEffects(t *testing.T) {
	Convey("Given a balanced panel with an effect of 1.5", t, func() {
		ds := panel(3, 60, 6, 1.5)
		runner := estimator.NewRunner()
		spec := estimator.ModelSpec{Kind: estimator.KindFixedEffects, Covariates: []string{"x1"}}

		Convey("When fitting two-way fixed effects", func() {
			res, err := runner.Fit(context.Background(), ds, spec)

			Convey("Then the effect is recovered with unit-clustered errors", func() {
				So(err, ShouldBeNil)
				So(math.Abs(res.Estimate-1.5), ShouldBeLessThan, 0.6)
				So(res.StdErr, ShouldBeGreaterThan, 0)
				So(res.CovType, ShouldEqual, estimator.CovCluster)
				So(res.Clusters, ShouldEqual, 60)
				So(res.Iterations, ShouldBeGreaterThanOrEqualTo, 1)
				So(res.N, ShouldEqual, 360)
				So(len(res.Coefficients), ShouldEqual, 2)
				So(math.Abs(res.Coefficients[1].Estimate-0.7), ShouldBeLessThan, 0.3)
			})

			Convey("Then refitting gives identical numbers", func() {
				again, err := runner.Fit(context.Background(), ds, spec)
				So(err, ShouldBeNil)
				So(again.Estimate, ShouldEqual, res.Estimate)
				So(again.StdErr, ShouldEqual, res.StdErr)
			})
		})

		Convey("When the panel is unbalanced", func() {
			trimmed := &model.Dataset{Schema: ds.Schema}
			for i, o := range ds.Rows {
				if i%7 != 0 {
					trimmed.Rows = append(trimmed.Rows, o)
				}
			}
			res, err := runner.Fit(context.Background(), trimmed, spec)

			Convey("Then the within transformation still converges", func() {
				So(err, ShouldBeNil)
				So(res.Iterations, ShouldBeGreaterThan, 1)
				So(math.Abs(res.Estimate-1.5), ShouldBeLessThan, 0.7)
			})
		})

		Convey("When a covariate does not vary within units", func() {
			spec.Covariates = []string{"region_size"}
			_, err := runner.Fit(context.Background(), ds, spec)

			Convey("Then it is reported as an estimation failure", func() {
				So(errors.Is(err, model.ErrEstimation), ShouldBeTrue)
			})
		})

		Convey("When only one period is present", func() {
			one := ds.Filter(func(o *model.Observation) bool { return o.Time == "2000" })
			_, err := runner.Fit(context.Background(), one, spec)

			Convey("Then the fit reports insufficient data", func() {
				So(errors.Is(err, model.ErrInsufficientData), ShouldBeTrue)
			})
		})
	})
}

func TestFit_Guards(t *testing.T) {
	Convey("Given a runner and a small dataset", t, func() {
		ds := rdd(4, 200, 1, linear, 1)
		runner := estimator.NewRunner()

		Convey("Invalid specs are rejected before any data is touched", func() {
			for _, spec := range []estimator.ModelSpec{
				{Kind: "probit"},
				{Kind: estimator.KindOLS, Order: estimator.Order(estimator.MaxOrder + 1)},
				{Kind: estimator.KindOLS, Order: estimator.Order(-1)},
				{Kind: estimator.KindOLS},
				{Kind: estimator.KindLocalPoly, Kernel: estimator.KernelUniform},
				{Kind: estimator.KindLocalPoly, Order: estimator.Order(1), Kernel: "gaussian"},
				{Kind: estimator.KindOLS, Order: estimator.Order(1), CovType: estimator.CovCluster},
				{Kind: estimator.KindOLS, Order: estimator.Order(1), Level: 1.5},
				{Kind: estimator.KindOLS, Order: estimator.Order(1), Bandwidth: -1},
			} {
				_, err := runner.Fit(context.Background(), ds, spec)
				So(errors.Is(err, model.ErrInvalidSpec), ShouldBeTrue)
			}
		})

		Convey("An explicit order of zero is a valid local-constant fit", func() {
			fit, err := runner.Fit(context.Background(), ds, estimator.ModelSpec{Kind: estimator.KindOLS, Order: estimator.Order(0)})
			So(err, ShouldBeNil)
			So(fit.Order, ShouldEqual, 0)
		})

		Convey("A cancelled context is a timeout", func() {
			ctx, cancel := context.WithCancel(context.Background())
			cancel()
			_, err := runner.Fit(ctx, ds, estimator.ModelSpec{Kind: estimator.KindOLS, Order: estimator.Order(1)})
			So(model.KindOf(err), ShouldEqual, model.KindTimeout)
		})

		Convey("An empty dataset is insufficient", func() {
			_, err := runner.Fit(context.Background(), &model.Dataset{Schema: ds.Schema}, estimator.ModelSpec{Kind: estimator.KindOLS, Order: estimator.Order(1)})
			So(errors.Is(err, model.ErrInsufficientData), ShouldBeTrue)
		})

		Convey("A constant treatment makes the design singular", func() {
			flat := &model.Dataset{Schema: ds.Schema}
			for _, o := range ds.Rows {
				o.Treatment = 1
				flat.Rows = append(flat.Rows, o)
			}
			_, err := runner.Fit(context.Background(), flat, estimator.ModelSpec{Kind: estimator.KindOLS, Order: estimator.Order(1)})
			So(errors.Is(err, model.ErrEstimation), ShouldBeTrue)
		})
	})
}
